package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vocalmesh/signal-core/internal/media"
	"github.com/vocalmesh/signal-core/internal/room"
	"github.com/vocalmesh/signal-core/internal/session"
)

// fakeConn is an in-memory room.Connection recording every sent event so
// tests can assert on broadcast traffic without a real socket.
type fakeConn struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *room.Registry, *session.Registry) {
	t.Helper()
	logger := zerolog.Nop()
	sessions := session.NewRegistry()
	broadcaster := NewBroadcaster(logger, nil)
	adapter := media.NewSimulatedAdapter()
	rooms := room.NewRegistry(adapter, broadcaster, media.DefaultRouterOptions, media.DefaultLevelObserverOptions)
	dispatcher := NewDispatcher(sessions, rooms, adapter, broadcaster, logger)
	return dispatcher, rooms, sessions
}

func rawPayload(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func TestHappyJoin(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	binding := TokenBinding{RoomID: "room-1", PeerID: "peer-1"}
	conn := &fakeConn{}

	resp := d.Dispatch(context.Background(), binding, conn, Request{
		Type:      "join",
		RequestID: "1",
		Payload:   rawPayload(t, map[string]any{"roomId": "room-1"}),
	})

	if !resp.OK {
		t.Fatalf("expected join to succeed, got %+v", resp)
	}
	result, ok := resp.Data.(joinResult)
	if !ok {
		t.Fatalf("expected joinResult data, got %T", resp.Data)
	}
	if result.PeerID != "peer-1" || result.RoomID != "room-1" || result.SessionID == "" {
		t.Fatalf("unexpected join result: %+v", result)
	}
}

func TestSecondPeerSeesFirst(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	conn1 := &fakeConn{}
	b1 := TokenBinding{RoomID: "room-1", PeerID: "peer-1"}
	d.Dispatch(context.Background(), b1, conn1, Request{
		Type: "join", RequestID: "1",
		Payload: rawPayload(t, map[string]any{"roomId": "room-1"}),
	})

	conn2 := &fakeConn{}
	b2 := TokenBinding{RoomID: "room-1", PeerID: "peer-2"}
	resp2 := d.Dispatch(context.Background(), b2, conn2, Request{
		Type: "join", RequestID: "2",
		Payload: rawPayload(t, map[string]any{"roomId": "room-1"}),
	})

	if !resp2.OK {
		t.Fatalf("expected second join to succeed, got %+v", resp2)
	}
	result := resp2.Data.(joinResult)
	if len(result.ExistingPeers) != 1 || result.ExistingPeers[0]["peerId"] != "peer-1" {
		t.Fatalf("expected peer-2 to see peer-1 as an existing peer, got %+v", result.ExistingPeers)
	}

	found := false
	for _, ev := range conn1.events() {
		event, ok := ev.(Event)
		if ok && event["type"] == "peerJoined" && event["peerId"] == "peer-2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected peer-1's connection to observe a peerJoined event for peer-2")
	}
}

func joinPeer(t *testing.T, d *Dispatcher, roomID, peerID string, conn room.Connection) string {
	t.Helper()
	binding := TokenBinding{RoomID: roomID, PeerID: peerID}
	resp := d.Dispatch(context.Background(), binding, conn, Request{
		Type: "join", RequestID: "join",
		Payload: rawPayload(t, map[string]any{"roomId": roomID}),
	})
	if !resp.OK {
		t.Fatalf("join failed for %s: %+v", peerID, resp)
	}
	return resp.Data.(joinResult).SessionID
}

func TestProduceThenConsume(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	connA := &fakeConn{}
	sessionA := joinPeer(t, d, "room-1", "peer-a", connA)
	bindingA := TokenBinding{RoomID: "room-1", PeerID: "peer-a"}

	connB := &fakeConn{}
	sessionB := joinPeer(t, d, "room-1", "peer-b", connB)
	bindingB := TokenBinding{RoomID: "room-1", PeerID: "peer-b"}

	// peer-a needs a send transport before it can produce.
	ctResp := d.Dispatch(context.Background(), bindingA, connA, Request{
		Type: "createTransport", RequestID: "t1",
		Payload: rawPayload(t, map[string]any{"sessionId": sessionA, "direction": "send"}),
	})
	if !ctResp.OK {
		t.Fatalf("createTransport failed: %+v", ctResp)
	}

	prodResp := d.Dispatch(context.Background(), bindingA, connA, Request{
		Type: "produce", RequestID: "p1",
		Payload: rawPayload(t, map[string]any{
			"sessionId":     sessionA,
			"kind":          "audio",
			"rtpParameters": map[string]any{"codecs": []any{}},
		}),
	})
	if !prodResp.OK {
		t.Fatalf("produce failed: %+v", prodResp)
	}
	producerID := prodResp.Data.(map[string]any)["producerId"].(string)

	// peer-b needs a recv transport before it can consume.
	crResp := d.Dispatch(context.Background(), bindingB, connB, Request{
		Type: "createTransport", RequestID: "t2",
		Payload: rawPayload(t, map[string]any{"sessionId": sessionB, "direction": "recv"}),
	})
	if !crResp.OK {
		t.Fatalf("recv createTransport failed: %+v", crResp)
	}

	consResp := d.Dispatch(context.Background(), bindingB, connB, Request{
		Type: "consume", RequestID: "c1",
		Payload: rawPayload(t, map[string]any{
			"sessionId":  sessionB,
			"producerId": producerID,
		}),
	})
	if !consResp.OK {
		t.Fatalf("consume failed: %+v", consResp)
	}
	data := consResp.Data.(map[string]any)
	if data["producerId"] != producerID {
		t.Fatalf("expected consumer bound to producer %s, got %+v", producerID, data)
	}
}

func TestGraceSurvivesReconnectWithoutProducerClosed(t *testing.T) {
	d, rooms, sessions := newTestDispatcher(t)

	conn1 := &fakeConn{}
	binding := TokenBinding{RoomID: "room-1", PeerID: "peer-1"}
	sessionID := joinPeer(t, d, "room-1", "peer-1", conn1)

	peer, ok := sessions.Lookup(sessionID)
	if !ok {
		t.Fatalf("expected peer to be registered after join")
	}
	sessions.ArmGrace(peer, time.Hour, func(*room.Peer) {})

	conn2 := &fakeConn{}
	resp := d.Dispatch(context.Background(), binding, conn2, Request{
		Type: "resumeSession", RequestID: "r1",
		Payload: rawPayload(t, map[string]any{"roomId": "room-1", "sessionId": sessionID}),
	})
	if !resp.OK {
		t.Fatalf("resumeSession failed: %+v", resp)
	}

	if _, err := rooms.Get("room-1"); err != nil {
		t.Fatalf("room lookup: %v", err)
	}

	for _, ev := range conn2.events() {
		if event, ok := ev.(Event); ok && event["type"] == "producerClosed" {
			t.Fatalf("resumeSession must not broadcast producerClosed, got %+v", event)
		}
	}
}

func TestResumeSessionWithMismatchedPeerIDFails(t *testing.T) {
	d, _, sessions := newTestDispatcher(t)

	conn1 := &fakeConn{}
	binding := TokenBinding{RoomID: "room-1", PeerID: "peer-1"}
	sessionID := joinPeer(t, d, "room-1", "peer-1", conn1)

	peer, _ := sessions.Lookup(sessionID)
	sessions.ArmGrace(peer, time.Hour, func(*room.Peer) {})

	conn2 := &fakeConn{}
	resp := d.Dispatch(context.Background(), binding, conn2, Request{
		Type: "resumeSession", RequestID: "r1",
		Payload: rawPayload(t, map[string]any{"roomId": "room-1", "sessionId": sessionID}),
	})
	if !resp.OK {
		t.Fatalf("first resumeSession should succeed: %+v", resp)
	}

	// A second resume of the same session under a token bound to a different
	// peerId must be rejected rather than taking the session over.
	wrongBinding := TokenBinding{RoomID: "room-1", PeerID: "peer-2"}
	resp2 := d.Dispatch(context.Background(), wrongBinding, &fakeConn{}, Request{
		Type: "resumeSession", RequestID: "r2",
		Payload: rawPayload(t, map[string]any{"roomId": "room-1", "sessionId": sessionID}),
	})
	if resp2.OK {
		t.Fatalf("expected resumeSession with mismatched peerId to fail, got %+v", resp2)
	}
}
