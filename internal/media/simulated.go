package media

import (
	"context"
	"fmt"
	"sync"
)

// SimulatedAdapter is an in-memory stand-in for the real media engine. It
// implements the full Adapter surface with no actual RTP plumbing, which is
// enough to exercise the signaling core's state machine: every object it
// hands out round-trips ids, kinds and opaque parameter blobs, and its
// level observers only emit when a test (or an embedding application) calls
// their Simulate* hooks — there is no real audio to analyze.
type SimulatedAdapter struct {
	ids idGenerator
}

func NewSimulatedAdapter() *SimulatedAdapter {
	return &SimulatedAdapter{}
}

func (a *SimulatedAdapter) CreateRouter(_ context.Context, opts RouterOptions) (Router, error) {
	id := fmt.Sprintf("router_%d", a.ids.allocate())
	return &simRouter{
		id: id,
		caps: RTPCapabilities{
			"codecs": []map[string]any{{
				"mimeType":  opts.MimeType,
				"clockRate": opts.ClockRate,
				"channels":  opts.Channels,
			}},
		},
	}, nil
}

func (a *SimulatedAdapter) CreateLevelObserver(_ context.Context, _ Router, _ LevelObserverOptions) (LevelObserver, error) {
	return &simLevelObserver{producers: map[string]Producer{}}, nil
}

func (a *SimulatedAdapter) CreateWebRTCTransport(_ context.Context, router Router, direction Direction) (Transport, error) {
	if router.Closed() {
		return nil, ErrClosed
	}
	id := fmt.Sprintf("transport_%d", a.ids.allocate())
	return &simTransport{
		id:        id,
		direction: direction,
		iceParameters: map[string]any{
			"usernameFragment": fmt.Sprintf("ufrag_%s", id),
			"password":         fmt.Sprintf("pwd_%s", id),
		},
		iceCandidates: []ICECandidate{{
			"foundation": "0",
			"protocol":   "udp",
			"ip":         "0.0.0.0",
			"port":       40000,
			"type":       "host",
		}},
		dtlsParameters: DTLSParameters{"role": "auto", "fingerprints": []map[string]string{}},
	}, nil
}

func (a *SimulatedAdapter) Produce(_ context.Context, transport Transport, kind string, rtp RTPParameters, appData AppData) (Producer, error) {
	if transport.Closed() {
		return nil, ErrClosed
	}
	id := fmt.Sprintf("producer_%d", a.ids.allocate())
	return &simProducer{id: id, kind: kind, rtp: rtp, appData: appData}, nil
}

func (a *SimulatedAdapter) CanConsume(router Router, producer Producer, _ RTPCapabilities) bool {
	return !router.Closed() && !producer.Closed()
}

func (a *SimulatedAdapter) Consume(_ context.Context, recvTransport Transport, producer Producer, _ RTPCapabilities) (Consumer, error) {
	if recvTransport.Closed() || producer.Closed() {
		return nil, ErrClosed
	}
	id := fmt.Sprintf("consumer_%d", a.ids.allocate())
	return &simConsumer{
		id:         id,
		producerID: producer.ID(),
		kind:       producer.Kind(),
		rtp:        producer.RTPParameters(),
	}, nil
}

type simRouter struct {
	mu     sync.Mutex
	id     string
	caps   RTPCapabilities
	closed bool
}

func (r *simRouter) ID() string                       { return r.id }
func (r *simRouter) RTPCapabilities() RTPCapabilities { return r.caps }
func (r *simRouter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
func (r *simRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type simTransport struct {
	mu             sync.Mutex
	id             string
	direction      Direction
	iceParameters  map[string]any
	iceCandidates  []ICECandidate
	dtlsParameters DTLSParameters
	closed         bool
	closeHandlers  []func()
}

func (t *simTransport) ID() string                     { return t.id }
func (t *simTransport) Direction() Direction           { return t.direction }
func (t *simTransport) ICEParameters() map[string]any  { return t.iceParameters }
func (t *simTransport) ICECandidates() []ICECandidate  { return t.iceCandidates }
func (t *simTransport) DTLSParameters() DTLSParameters { return t.dtlsParameters }

func (t *simTransport) Connect(_ context.Context, dtls DTLSParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.dtlsParameters = dtls
	return nil
}

func (t *simTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *simTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handlers := t.closeHandlers
	t.mu.Unlock()

	for _, h := range handlers {
		h()
	}
	return nil
}

func (t *simTransport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandlers = append(t.closeHandlers, fn)
}

// SimulateDTLSClosed mimics the media engine observing the DTLS state reach
// "closed" out from under the signaling core (e.g. an ICE failure), which
// per the spec auto-closes the transport.
func (t *simTransport) SimulateDTLSClosed() {
	_ = t.Close()
}

type simProducer struct {
	mu      sync.Mutex
	id      string
	kind    string
	rtp     RTPParameters
	appData AppData
	paused  bool
	closed  bool
}

func (p *simProducer) ID() string                   { return p.id }
func (p *simProducer) Kind() string                 { return p.kind }
func (p *simProducer) RTPParameters() RTPParameters { return p.rtp }

func (p *simProducer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.paused = true
	return nil
}

func (p *simProducer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.paused = false
	return nil
}

func (p *simProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *simProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *simProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type simConsumer struct {
	mu         sync.Mutex
	id         string
	producerID string
	kind       string
	rtp        RTPParameters
	paused     bool
	closed     bool
}

func (c *simConsumer) ID() string                   { return c.id }
func (c *simConsumer) ProducerID() string           { return c.producerID }
func (c *simConsumer) Kind() string                 { return c.kind }
func (c *simConsumer) RTPParameters() RTPParameters { return c.rtp }

func (c *simConsumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.paused = true
	return nil
}

func (c *simConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.paused = false
	return nil
}

func (c *simConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *simConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// simLevelObserver lets tests (or an embedding application with a real VAD
// feed) drive "volumes" and "silence" ticks by hand.
type simLevelObserver struct {
	mu        sync.Mutex
	producers map[string]Producer
	onVolumes func([]VolumeEntry)
	onSilence func()
	closed    bool
}

func (o *simLevelObserver) OnVolumes(fn func([]VolumeEntry)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onVolumes = fn
}

func (o *simLevelObserver) OnSilence(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSilence = fn
}

func (o *simLevelObserver) AddProducer(p Producer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.producers[p.ID()] = p
	return nil
}

func (o *simLevelObserver) RemoveProducer(p Producer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.producers, p.ID())
	return nil
}

func (o *simLevelObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// SimulateVolumes fires a "volumes" tick with the given entries, as the
// media engine would report periodically while producers are active.
func (o *simLevelObserver) SimulateVolumes(entries []VolumeEntry) {
	o.mu.Lock()
	fn := o.onVolumes
	o.mu.Unlock()
	if fn != nil {
		fn(entries)
	}
}

// SimulateSilence fires a "silence" tick, as the media engine would report
// when no tracked producer is above threshold.
func (o *simLevelObserver) SimulateSilence() {
	o.mu.Lock()
	fn := o.onSilence
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}
