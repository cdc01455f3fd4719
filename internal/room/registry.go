package room

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sync"

	"github.com/vocalmesh/signal-core/internal/media"
)

// ErrNotFound is returned when a room id has no live room, including after
// it has been destroyed — the spec requires reuse attempts on a closed room
// to fail rather than silently resurrect it under the same id.
var ErrNotFound = errors.New("room not found")

// EventSink is the thin hand-off from the Room Registry's level-observer
// driver into the Event Broadcaster (C6); it keeps this package from
// depending on the wire message types the signaling package owns.
type EventSink interface {
	BroadcastRoom(room *Room, eventType string, data map[string]any, excludePeerID string)
}

// Registry is the Room Registry (C3): idempotent room creation by id,
// lazy router/observer provisioning through the Media Engine Adapter, and
// teardown when the last peer leaves.
type Registry struct {
	adapter      media.Adapter
	sink         EventSink
	routerOpts   media.RouterOptions
	observerOpts media.LevelObserverOptions

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(adapter media.Adapter, sink EventSink, routerOpts media.RouterOptions, observerOpts media.LevelObserverOptions) *Registry {
	return &Registry{
		adapter:      adapter,
		sink:         sink,
		routerOpts:   routerOpts,
		observerOpts: observerOpts,
		rooms:        make(map[string]*Room),
	}
}

// GetOrCreate returns the live room for roomID, creating it (with a fresh
// router and level observer) if absent. Creation is idempotent: concurrent
// callers racing to create the same roomID converge on a single Room.
func (reg *Registry) GetOrCreate(ctx context.Context, roomID string) (*Room, error) {
	reg.mu.Lock()
	if r, ok := reg.rooms[roomID]; ok {
		reg.mu.Unlock()
		return r, nil
	}
	reg.mu.Unlock()

	router, err := reg.adapter.CreateRouter(ctx, reg.routerOpts)
	if err != nil {
		return nil, err
	}
	observer, err := reg.adapter.CreateLevelObserver(ctx, router, reg.observerOpts)
	if err != nil {
		_ = router.Close()
		return nil, err
	}

	reg.mu.Lock()
	if r, ok := reg.rooms[roomID]; ok {
		// Lost the race: discard the router/observer we just built.
		reg.mu.Unlock()
		_ = observer.Close()
		_ = router.Close()
		return r, nil
	}

	code := generateRoomCode(roomID)
	r := newRoom(roomID, code, router, observer)
	reg.rooms[roomID] = r
	reg.mu.Unlock()

	reg.wireLevelObserver(r)
	return r, nil
}

// Get returns the live room for roomID without creating one.
func (reg *Registry) Get(roomID string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// DestroyIfEmpty tears the room down if it currently has no members: the
// level observer and router are closed and the room is unpublished, so
// future GetOrCreate calls on the same id build an entirely fresh router.
func (reg *Registry) DestroyIfEmpty(roomID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	if r.PeerCount() > 0 {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, roomID)
	reg.mu.Unlock()

	r.markClosed()
	_ = r.Observer.Close()
	_ = r.Router.Close()
}

// Stats snapshots operational counters for the HTTP metrics surface: the
// number of live rooms and the total peers across all of them.
func (reg *Registry) Stats() (roomCount, totalPeers int) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	for _, r := range rooms {
		totalPeers += r.PeerCount()
	}
	return len(rooms), totalPeers
}

// RoomInfo is the read-only room snapshot the HTTP management surface
// reports; it never exposes producer/consumer internals.
type RoomInfo struct {
	RoomID        string
	Code          string
	PeerCount     int
	ProducerCount int
}

func (reg *Registry) Info(roomID string) (RoomInfo, error) {
	r, err := reg.Get(roomID)
	if err != nil {
		return RoomInfo{}, err
	}
	return RoomInfo{
		RoomID:        r.ID,
		Code:          r.Code,
		PeerCount:     r.PeerCount(),
		ProducerCount: len(r.Snapshot()),
	}, nil
}

// wireLevelObserver implements the speaking-state stream described in the
// spec's Room Registry section: on each volumes tick, the active producer
// set is computed, producerSpeaking{true,volume} is broadcast for each,
// anything previously speaking but no longer active emits
// producerSpeaking{false} and leaves the speaking set, then the active ids
// are unioned in; on silence, everything still speaking emits
// producerSpeaking{false} and the set is cleared.
func (reg *Registry) wireLevelObserver(r *Room) {
	r.Observer.OnVolumes(func(entries []media.VolumeEntry) {
		active := make(map[string]float64, len(entries))
		for _, e := range entries {
			active[e.ProducerID] = e.Volume
		}

		for producerID, volume := range active {
			entry, ok := r.Producer(producerID)
			if !ok {
				continue
			}
			reg.sink.BroadcastRoom(r, "producerSpeaking", map[string]any{
				"producerId": producerID,
				"peerId":     entry.PeerID,
				"speaking":   true,
				"volume":     volume,
			}, "")
		}

		for _, producerID := range r.SpeakingSnapshot() {
			if _, stillActive := active[producerID]; stillActive {
				continue
			}
			entry, ok := r.Producer(producerID)
			r.UnmarkSpeaking(producerID)
			if !ok {
				continue
			}
			reg.sink.BroadcastRoom(r, "producerSpeaking", map[string]any{
				"producerId": producerID,
				"peerId":     entry.PeerID,
				"speaking":   false,
			}, "")
		}

		for producerID := range active {
			if _, ok := r.Producer(producerID); ok {
				r.MarkSpeaking(producerID)
			}
		}
	})

	r.Observer.OnSilence(func() {
		for _, producerID := range r.ClearSpeaking() {
			entry, ok := r.Producer(producerID)
			if !ok {
				continue
			}
			reg.sink.BroadcastRoom(r, "producerSpeaking", map[string]any{
				"producerId": producerID,
				"peerId":     entry.PeerID,
				"speaking":   false,
			}, "")
		}
	})
}

// generateRoomCode mints the supplemental shareable display code. It is
// purely a display convenience (see SPEC_FULL.md); the canonical roomID
// used for identity and token binding never changes and is never derived
// from the code.
func generateRoomCode(_ string) string {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	code := make([]byte, 6)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			code[i] = alphabet[0]
			continue
		}
		code[i] = alphabet[n.Int64()]
	}
	return string(code)
}
