// Package media defines the narrow capability surface this signaling core
// needs from the underlying real-time media engine (C4, the Media Engine
// Adapter). The engine itself — actual RTP routing, ICE/DTLS negotiation,
// voice-activity detection — is an external collaborator and explicitly out
// of scope; this package only names the interface and ships an in-memory
// Adapter good enough to drive and test the signaling core end to end.
package media

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations against a router, transport, producer
// or consumer that has already been closed.
var ErrClosed = errors.New("media: object closed")

// RTPCapabilities, RTPParameters, DTLSParameters and ICECandidate are left
// opaque (arbitrary JSON-shaped maps) since their internal structure is
// negotiated entirely by the media engine; the signaling core only ever
// forwards them between client and engine untouched.
type (
	RTPCapabilities map[string]any
	RTPParameters   map[string]any
	DTLSParameters  map[string]any
	ICECandidate    map[string]any
	AppData         map[string]any
)

// RouterOptions configures router creation. This spec always requests a
// single Opus audio codec at 48kHz/stereo.
type RouterOptions struct {
	MimeType  string
	ClockRate int
	Channels  int
}

var DefaultRouterOptions = RouterOptions{
	MimeType:  "audio/opus",
	ClockRate: 48000,
	Channels:  2,
}

// LevelObserverOptions configures the per-room audio-level (VAD) observer.
type LevelObserverOptions struct {
	MaxEntries int
	Threshold  float64 // dBFS
	IntervalMS int
}

var DefaultLevelObserverOptions = LevelObserverOptions{
	MaxEntries: 10,
	Threshold:  -80,
	IntervalMS: 100,
}

// Direction distinguishes a peer's send transport from its recv transport.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Router is a room's RTP routing context.
type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	Close() error
	Closed() bool
}

// Transport is one peer's send or recv WebRTC DTLS/ICE connection.
type Transport interface {
	ID() string
	Direction() Direction
	ICEParameters() map[string]any
	ICECandidates() []ICECandidate
	DTLSParameters() DTLSParameters
	Connect(ctx context.Context, dtls DTLSParameters) error
	Close() error
	Closed() bool
	// OnClose registers a callback invoked exactly once, whenever the
	// transport closes — explicitly, or because the engine observed the
	// DTLS state reach "closed".
	OnClose(func())
}

// Producer is an outbound RTP stream a peer is sending into the room.
type Producer interface {
	ID() string
	Kind() string
	RTPParameters() RTPParameters
	Pause() error
	Resume() error
	Paused() bool
	Close() error
	Closed() bool
}

// Consumer is an inbound RTP stream a peer is receiving from the room.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() string
	RTPParameters() RTPParameters
	Pause() error
	Resume() error
	Closed() bool
	Close() error
}

// VolumeEntry is one producer's instantaneous audio level, as reported on a
// level observer's "volumes" tick.
type VolumeEntry struct {
	ProducerID string
	Volume     float64 // dBFS
}

// LevelObserver drives producerSpeaking fan-out: a "volumes" tick carries
// the currently-active producer set; a "silence" tick means none are.
type LevelObserver interface {
	OnVolumes(func([]VolumeEntry))
	OnSilence(func())
	AddProducer(p Producer) error
	RemoveProducer(p Producer) error
	Close() error
}

// Adapter is the C4 capability surface: create routers/observers/
// transports, connect, produce, check consumability, consume, and the
// pause/resume/close operations on each.
type Adapter interface {
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	CreateLevelObserver(ctx context.Context, router Router, opts LevelObserverOptions) (LevelObserver, error)
	// CreateWebRTCTransport listens on all interfaces, UDP+TCP, preferring
	// UDP, per the spec.
	CreateWebRTCTransport(ctx context.Context, router Router, direction Direction) (Transport, error)
	Produce(ctx context.Context, transport Transport, kind string, rtp RTPParameters, appData AppData) (Producer, error)
	CanConsume(router Router, producer Producer, rtpCapabilities RTPCapabilities) bool
	// Consume starts paused=false, i.e. unpaused, per the spec.
	Consume(ctx context.Context, recvTransport Transport, producer Producer, rtpCapabilities RTPCapabilities) (Consumer, error)
}

// idGenerator is shared by the simulated adapter's objects for unique ids.
type idGenerator struct {
	mu   sync.Mutex
	next uint64
}

func (g *idGenerator) allocate() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.next
}
