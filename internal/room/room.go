// Package room implements the Room Registry (C3) and the peer records it
// holds: rooms own their membership and producer indexes by id, peers own
// their own transports/producers/consumers, and producers are referenced
// from a room's index by id rather than by back-pointer, avoiding the
// cyclic peer<->room<->producer ownership graph the naive modeling invites.
package room

import (
	"sync"
	"time"

	"github.com/vocalmesh/signal-core/internal/media"
)

// Connection is the narrow send/close surface a Peer needs from its
// transport-layer WebSocket connection. The concrete implementation lives
// in the signaling package (C5/C7); this package only depends on the
// interface, so Peer/Room stay independent of the wire protocol.
type Connection interface {
	Send(v any) error
	Close(code int, reason string) error
}

// Peer is one room participant's server-side record: a stable sessionId
// that survives reconnects, a room-local peerId bound by the join token,
// and at most one send/recv transport plus its producers and consumers.
type Peer struct {
	mu sync.Mutex

	SessionID string
	PeerID    string
	RoomID    string // empty when not currently joined to a room

	conn Connection

	sendTransport media.Transport
	recvTransport media.Transport
	producers     map[string]media.Producer
	consumers     map[string]media.Consumer

	graceTimer     *time.Timer
	disconnectedAt time.Time
}

func NewPeer(sessionID, peerID string, conn Connection) *Peer {
	return &Peer{
		SessionID: sessionID,
		PeerID:    peerID,
		conn:      conn,
		producers: make(map[string]media.Producer),
		consumers: make(map[string]media.Consumer),
	}
}

func (p *Peer) Send(v any) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Send(v)
}

// Connection returns the peer's current connection handle.
func (p *Peer) Connection() Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// SetConnection replaces the peer's connection handle, returning the prior
// one so the caller can decide whether to close it (adopt-semantics leaves
// that decision to the caller, since the new and old handle may be equal).
func (p *Peer) SetConnection(conn Connection) Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.conn
	p.conn = conn
	return prev
}

func (p *Peer) SetRoomID(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RoomID = roomID
}

func (p *Peer) CurrentRoomID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.RoomID
}

func (p *Peer) SetTransport(dir media.Direction, t media.Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dir == media.DirectionSend {
		p.sendTransport = t
	} else {
		p.recvTransport = t
	}
}

func (p *Peer) Transport(dir media.Direction) media.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dir == media.DirectionSend {
		return p.sendTransport
	}
	return p.recvTransport
}

func (p *Peer) AddProducer(prod media.Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producers[prod.ID()] = prod
}

func (p *Peer) Producer(id string) (media.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prod, ok := p.producers[id]
	return prod, ok
}

func (p *Peer) RemoveProducer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.producers, id)
}

// ProducerIDs returns a snapshot of this peer's currently owned producer ids.
func (p *Peer) ProducerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.producers))
	for id := range p.producers {
		ids = append(ids, id)
	}
	return ids
}

func (p *Peer) AddConsumer(c media.Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.ID()] = c
}

func (p *Peer) Consumer(id string) (media.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	return c, ok
}

func (p *Peer) RemoveConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// ResetMedia closes and forgets this peer's transports, producers and
// consumers, returning the producer ids that were dropped so the caller
// (the Request Dispatcher's adopt path) can silently clean up the room's
// producer index without broadcasting producerClosed, per adopt-semantics.
func (p *Peer) ResetMedia() []string {
	p.mu.Lock()
	producers := p.producers
	consumers := p.consumers
	send := p.sendTransport
	recv := p.recvTransport
	p.producers = make(map[string]media.Producer)
	p.consumers = make(map[string]media.Consumer)
	p.sendTransport = nil
	p.recvTransport = nil
	p.mu.Unlock()

	ids := make([]string, 0, len(producers))
	for id, prod := range producers {
		ids = append(ids, id)
		_ = prod.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	if send != nil {
		_ = send.Close()
	}
	if recv != nil {
		_ = recv.Close()
	}
	return ids
}

func (p *Peer) ArmGrace(timer *time.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.graceTimer = timer
	p.disconnectedAt = time.Now()
}

// DisarmGrace stops and clears any armed grace timer, returning true if one
// was armed.
func (p *Peer) DisarmGrace() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.graceTimer == nil {
		return false
	}
	p.graceTimer.Stop()
	p.graceTimer = nil
	return true
}

// RoomProducer is the room index's entry for a published producer: the
// owning peer's id, the producer handle itself, and its kind (so list
// operations don't need to round-trip through the media engine).
type RoomProducer struct {
	PeerID   string
	Producer media.Producer
	Kind     string
}

// Room is a named multicast domain with its own router, audio-level
// observer, peer map and producer index.
type Room struct {
	mu sync.Mutex

	ID       string
	Code     string // supplemental shareable alias, display-only
	Router   media.Router
	Observer media.LevelObserver

	peers     map[string]*Peer
	producers map[string]*RoomProducer
	speaking  map[string]struct{}

	closed bool
}

func newRoom(id, code string, router media.Router, observer media.LevelObserver) *Room {
	return &Room{
		ID:        id,
		Code:      code,
		Router:    router,
		Observer:  observer,
		peers:     make(map[string]*Peer),
		producers: make(map[string]*RoomProducer),
		speaking:  make(map[string]struct{}),
	}
}

func (r *Room) AddPeer(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.PeerID] = p
}

func (r *Room) Peer(peerID string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	return p, ok
}

func (r *Room) RemovePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// Peers returns a snapshot slice of current members.
func (r *Room) Peers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) AddProducer(producerID string, entry *RoomProducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[producerID] = entry
}

func (r *Room) Producer(producerID string) (*RoomProducer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[producerID]
	return p, ok
}

func (r *Room) RemoveProducer(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, producerID)
	delete(r.speaking, producerID)
}

// ProducerSnapshot lists the room's current producers in the shape the
// listProducers/getRoomProducers responses need.
type ProducerSnapshot struct {
	ProducerID string
	PeerID     string
	Kind       string
}

func (r *Room) Snapshot() []ProducerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProducerSnapshot, 0, len(r.producers))
	for id, entry := range r.producers {
		out = append(out, ProducerSnapshot{ProducerID: id, PeerID: entry.PeerID, Kind: entry.Kind})
	}
	return out
}

// MarkSpeaking adds producerID to the speaking set; it is the caller's
// responsibility to only do so for producers present in the producer index.
func (r *Room) MarkSpeaking(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaking[producerID] = struct{}{}
}

func (r *Room) UnmarkSpeaking(producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.speaking[producerID]
	delete(r.speaking, producerID)
	return ok
}

// SpeakingSnapshot returns the current speaking set.
func (r *Room) SpeakingSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.speaking))
	for id := range r.speaking {
		out = append(out, id)
	}
	return out
}

func (r *Room) ClearSpeaking() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.speaking))
	for id := range r.speaking {
		out = append(out, id)
	}
	r.speaking = make(map[string]struct{})
	return out
}

func (r *Room) markClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
