// Package session implements the Session Registry (C2): a process-wide map
// from stable sessionId to peer record, plus the single-shot grace timers
// that let a dropped connection reattach within the grace window without
// losing its room membership.
package session

import (
	"sync"
	"time"

	"github.com/vocalmesh/signal-core/internal/room"
)

// GraceWindow is how long a dropped peer's identity survives awaiting
// reconnect before final cleanup runs.
const GraceWindow = 25 * time.Second

// Registry owns sessionId -> *room.Peer and each peer's grace timer.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*room.Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*room.Peer)}
}

func (r *Registry) Lookup(sessionID string) (*room.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[sessionID]
	return p, ok
}

func (r *Registry) Insert(p *room.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.SessionID] = p
}

func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, sessionID)
}

// ByConnection does the linear scan the Connection Supervisor needs on
// disconnect to find the peer owning a given connection handle — acceptable
// at this system's target scale per the spec.
func (r *Registry) ByConnection(conn room.Connection) (*room.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p.Connection() == conn {
			return p, true
		}
	}
	return nil, false
}

// ArmGrace arms a single-shot grace timer for p, cancelling any prior timer
// first (re-arming is idempotent). onExpire runs in its own goroutine, as
// with any time.AfterFunc callback.
func (r *Registry) ArmGrace(p *room.Peer, duration time.Duration, onExpire func(*room.Peer)) {
	p.DisarmGrace()
	timer := time.AfterFunc(duration, func() { onExpire(p) })
	p.ArmGrace(timer)
}

// DisarmGrace cancels p's grace timer, if any.
func (r *Registry) DisarmGrace(p *room.Peer) {
	p.DisarmGrace()
}
