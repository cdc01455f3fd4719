package room

import (
	"context"
	"sync"
	"testing"

	"github.com/vocalmesh/signal-core/internal/media"
)

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeSink) BroadcastRoom(_ *Room, eventType string, _ map[string]any, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
}

func newTestRegistry() (*Registry, *fakeSink) {
	sink := &fakeSink{}
	reg := NewRegistry(media.NewSimulatedAdapter(), sink, media.DefaultRouterOptions, media.DefaultLevelObserverOptions)
	return reg, sink
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	r1, err := reg.GetOrCreate(ctx, "room-1")
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	r2, err := reg.GetOrCreate(ctx, "room-1")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if r1 != r2 {
		t.Fatalf("expected the same room instance on repeat GetOrCreate")
	}
}

func TestDestroyIfEmptyTearsDownOnlyWhenEmpty(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	r, _ := reg.GetOrCreate(ctx, "room-1")
	peer := NewPeer("sess-1", "peer-1", nil)
	r.AddPeer(peer)

	reg.DestroyIfEmpty("room-1")
	if _, err := reg.Get("room-1"); err != nil {
		t.Fatalf("room with a peer should survive DestroyIfEmpty, got %v", err)
	}

	r.RemovePeer("peer-1")
	reg.DestroyIfEmpty("room-1")
	if _, err := reg.Get("room-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after destroying empty room, got %v", err)
	}
}

func TestDestroyThenGetOrCreateBuildsFreshRouter(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	r1, _ := reg.GetOrCreate(ctx, "room-1")
	reg.DestroyIfEmpty("room-1")

	r2, err := reg.GetOrCreate(ctx, "room-1")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if r1 == r2 {
		t.Fatalf("expected a fresh room after teardown")
	}
	if r2.Router.ID() == r1.Router.ID() {
		t.Fatalf("expected a fresh router on recreation")
	}
}

func TestLevelObserverDrivesSpeakingState(t *testing.T) {
	reg, sink := newTestRegistry()
	ctx := context.Background()

	r, _ := reg.GetOrCreate(ctx, "room-1")
	adapter := media.NewSimulatedAdapter()
	transport, _ := adapter.CreateWebRTCTransport(ctx, r.Router, media.DirectionSend)
	prod, _ := adapter.Produce(ctx, transport, "audio", media.RTPParameters{}, nil)
	r.AddProducer(prod.ID(), &RoomProducer{PeerID: "peer-1", Producer: prod, Kind: "audio"})
	_ = r.Observer.AddProducer(prod)

	observer := r.Observer.(interface {
		SimulateVolumes([]media.VolumeEntry)
		SimulateSilence()
	})

	observer.SimulateVolumes([]media.VolumeEntry{{ProducerID: prod.ID(), Volume: -10}})
	if speaking := r.SpeakingSnapshot(); len(speaking) != 1 || speaking[0] != prod.ID() {
		t.Fatalf("expected producer marked speaking, got %v", speaking)
	}

	observer.SimulateSilence()
	if speaking := r.SpeakingSnapshot(); len(speaking) != 0 {
		t.Fatalf("expected speaking set cleared after silence, got %v", speaking)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("expected two producerSpeaking broadcasts (true then false), got %v", sink.events)
	}
}

func TestSpeakingSetIsSubsetOfProducerIndex(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	r, _ := reg.GetOrCreate(ctx, "room-1")

	r.MarkSpeaking("ghost-producer")
	r.RemoveProducer("ghost-producer")

	for _, id := range r.SpeakingSnapshot() {
		if _, ok := r.Producer(id); !ok {
			t.Fatalf("speaking set contains producer %q absent from the producer index", id)
		}
	}
}
