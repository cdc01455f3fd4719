package signaling

import (
	"github.com/rs/zerolog"

	"github.com/vocalmesh/signal-core/internal/room"
)

// DropCounter receives a tick for every broadcast send that failed. It is
// satisfied by *atomic.Int64, so the caller can pass one of httpapi.Metrics'
// counters straight through without this package importing httpapi.
type DropCounter interface {
	Add(delta int64) int64
}

// Broadcaster is the Event Broadcaster (C6): fan-out of room events to
// member connections, with an optional exclusion and best-effort delivery —
// one stuck or gone peer never blocks delivery to the rest of the room.
type Broadcaster struct {
	logger zerolog.Logger
	drops  DropCounter
}

func NewBroadcaster(logger zerolog.Logger, drops DropCounter) *Broadcaster {
	return &Broadcaster{
		logger: logger.With().Str("component", "broadcaster").Logger(),
		drops:  drops,
	}
}

// BroadcastRoom sends an event built from eventType/data to every member of
// r except excludePeerID (when non-empty). It implements room.EventSink so
// the Room Registry's level-observer driver can push producerSpeaking
// events through the same fan-out path as everything else.
func (b *Broadcaster) BroadcastRoom(r *room.Room, eventType string, data map[string]any, excludePeerID string) {
	event := newEvent(eventType, data)
	for _, p := range r.Peers() {
		if excludePeerID != "" && p.PeerID == excludePeerID {
			continue
		}
		if err := p.Send(event); err != nil {
			b.logger.Debug().Err(err).Str("room_id", r.ID).Str("peer_id", p.PeerID).Str("event", eventType).Msg("broadcast send failed")
			if b.drops != nil {
				b.drops.Add(1)
			}
		}
	}
}
