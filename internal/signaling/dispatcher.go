package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vocalmesh/signal-core/internal/media"
	"github.com/vocalmesh/signal-core/internal/room"
	"github.com/vocalmesh/signal-core/internal/session"
)

// TokenBinding is the identity a connection authenticated with: the token's
// bound room, peer and (optionally) session. Every request is checked
// against it; only token verification failures close the connection, every
// binding mismatch after that is a response failure instead.
type TokenBinding struct {
	RoomID    string
	PeerID    string
	SessionID string
}

// Dispatcher is the Request Dispatcher (C5): validates the auth binding on
// every request, routes by type to a handler, and always emits exactly one
// response per handled request.
type Dispatcher struct {
	sessions    *session.Registry
	rooms       *room.Registry
	adapter     media.Adapter
	broadcaster *Broadcaster
	logger      zerolog.Logger
}

func NewDispatcher(sessions *session.Registry, rooms *room.Registry, adapter media.Adapter, broadcaster *Broadcaster, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions:    sessions,
		rooms:       rooms,
		adapter:     adapter,
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch routes req for a connection bound to binding, and recovers any
// handler panic into a response failure so a single bad request can never
// take the connection down (only token rejection does that, and that never
// reaches Dispatch).
func (d *Dispatcher) Dispatch(ctx context.Context, binding TokenBinding, conn room.Connection, req Request) (resp Response) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error().Interface("panic", rec).Str("type", req.Type).Msg("handler panic recovered")
			resp = failureResponse(req.RequestID, fmt.Sprintf("internal_error: %v", rec))
		}
	}()

	var payload map[string]any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return failureResponse(req.RequestID, "bad_payload")
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	data, err := d.route(ctx, binding, conn, req.Type, payload)
	if err != nil {
		return failureResponse(req.RequestID, err.Error())
	}
	return successResponse(req.RequestID, data)
}

func (d *Dispatcher) route(ctx context.Context, binding TokenBinding, conn room.Connection, reqType string, payload map[string]any) (any, error) {
	switch reqType {
	case "join":
		return d.handleJoin(ctx, binding, conn, payload)
	case "resumeSession":
		return d.handleResumeSession(ctx, binding, conn, payload)
	case "listProducers", "getRoomProducers":
		return d.handleListProducers(binding, payload)
	case "createTransport":
		return d.handleCreateTransport(ctx, binding, payload)
	case "connectTransport":
		return d.handleConnectTransport(ctx, binding, payload)
	case "produce":
		return d.handleProduce(ctx, binding, payload)
	case "consume":
		return d.handleConsume(ctx, binding, payload)
	case "pauseProducer":
		return d.handleProducerPause(binding, payload, true)
	case "resumeProducer":
		return d.handleProducerPause(binding, payload, false)
	case "pauseConsumer":
		return d.handleConsumerPause(binding, payload, true)
	case "resumeConsumer":
		return d.handleConsumerPause(binding, payload, false)
	default:
		return nil, errors.New("unknown type")
	}
}

// --- cross-cutting helpers -------------------------------------------------

func payloadString(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// requirePeer resolves payload.sessionId to a live peer record (check #1 of
// the cross-cutting validation every non-handshake request runs), and
// applies check #2 to the peer's current room.
func (d *Dispatcher) requirePeer(binding TokenBinding, payload map[string]any) (*room.Peer, error) {
	sessionID, ok := payloadString(payload, "sessionId")
	if !ok || sessionID == "" {
		return nil, errors.New("invalid sessionId")
	}
	peer, ok := d.sessions.Lookup(sessionID)
	if !ok {
		return nil, errors.New("invalid sessionId")
	}
	if peer.PeerID != binding.PeerID {
		return nil, errors.New("peerId mismatch")
	}
	if err := requireRoomMatch(binding, peer.CurrentRoomID()); err != nil {
		return nil, err
	}
	return peer, nil
}

// requireRoomMatch implements check #2: any roomId in the payload, and any
// reference to peer.RoomID, must equal the token-bound room.
func requireRoomMatch(binding TokenBinding, roomID string) error {
	if roomID != "" && roomID != binding.RoomID {
		return errors.New("roomId mismatch")
	}
	return nil
}

// resolveSessionID applies join/resumeSession's sessionId binding rule: a
// payload sessionId must equal the token-bound one when the token carries
// one; when the payload omits it, it defaults to the token's sessionId, and
// only for join (generateIfAbsent) falls back to a freshly minted id when
// the token carries none either.
func resolveSessionID(binding TokenBinding, payload map[string]any, generateIfAbsent bool) (string, error) {
	sessionID, _ := payloadString(payload, "sessionId")
	if sessionID != "" {
		if binding.SessionID != "" && sessionID != binding.SessionID {
			return "", errors.New("sessionId mismatch")
		}
		return sessionID, nil
	}
	if binding.SessionID != "" {
		return binding.SessionID, nil
	}
	if generateIfAbsent {
		return uuid.NewString(), nil
	}
	return "", nil
}

// requireJoinedRoom implements check #3: the action needs a joined room.
func requireJoinedRoom(peer *room.Peer) (string, error) {
	roomID := peer.CurrentRoomID()
	if roomID == "" {
		return "", errors.New("room not joined")
	}
	return roomID, nil
}

// --- join / resumeSession ---------------------------------------------------

type joinResult struct {
	RoomID            string                  `json:"roomId"`
	SessionID         string                  `json:"sessionId"`
	PeerID            string                  `json:"peerId"`
	RTPCapabilities   media.RTPCapabilities   `json:"rtpCapabilities"`
	ExistingPeers     []map[string]string     `json:"existingPeers"`
	ExistingProducers []room.ProducerSnapshot `json:"existingProducers"`
}

func (d *Dispatcher) handleJoin(ctx context.Context, binding TokenBinding, conn room.Connection, payload map[string]any) (any, error) {
	roomID, ok := payloadString(payload, "roomId")
	if !ok || roomID == "" {
		return nil, errors.New("roomId required")
	}
	if err := requireRoomMatch(binding, roomID); err != nil {
		return nil, err
	}

	sessionID, err := resolveSessionID(binding, payload, true)
	if err != nil {
		return nil, err
	}

	existing, alreadyExists := d.sessions.Lookup(sessionID)
	if alreadyExists {
		if existing.PeerID != binding.PeerID {
			return nil, errors.New("peerId mismatch")
		}
		r, _, err := d.adoptPeer(ctx, existing, roomID, conn)
		if err != nil {
			return nil, err
		}
		d.broadcaster.BroadcastRoom(r, "peerJoined", map[string]any{"peerId": existing.PeerID}, existing.PeerID)
		return d.joinResponse(ctx, roomID, existing)
	}

	peer := room.NewPeer(sessionID, binding.PeerID, conn)
	peer.SetRoomID(roomID)
	d.sessions.Insert(peer)

	r, err := d.rooms.GetOrCreate(ctx, roomID)
	if err != nil {
		d.sessions.Remove(sessionID)
		return nil, err
	}
	r.AddPeer(peer)

	d.broadcaster.BroadcastRoom(r, "peerJoined", map[string]any{"peerId": peer.PeerID}, peer.PeerID)

	return d.joinResponse(ctx, roomID, peer)
}

func (d *Dispatcher) handleResumeSession(ctx context.Context, binding TokenBinding, conn room.Connection, payload map[string]any) (any, error) {
	roomID, ok := payloadString(payload, "roomId")
	if !ok || roomID == "" {
		return nil, errors.New("roomId required")
	}
	if err := requireRoomMatch(binding, roomID); err != nil {
		return nil, err
	}

	sessionID, err := resolveSessionID(binding, payload, false)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, errors.New("peer not found")
	}

	peer, ok := d.sessions.Lookup(sessionID)
	if !ok {
		return nil, errors.New("peer not found")
	}
	if peer.PeerID != binding.PeerID {
		return nil, errors.New("peerId mismatch")
	}

	r, wasEmpty, err := d.adoptPeer(ctx, peer, roomID, conn)
	if err != nil {
		return nil, err
	}
	if wasEmpty {
		d.broadcaster.BroadcastRoom(r, "peerJoined", map[string]any{"peerId": peer.PeerID}, peer.PeerID)
	}

	return d.joinResponse(ctx, roomID, peer)
}

// adoptPeer runs the adopt-semantics shared by join and resumeSession when a
// peer record for the sessionId already exists: disarm grace, reset prior
// media (silently, no producerClosed), swap the connection handle, and make
// sure the peer is registered in the room's peer map — reporting whether
// that last step had to add it (i.e. the room was otherwise empty of it).
func (d *Dispatcher) adoptPeer(ctx context.Context, peer *room.Peer, roomID string, conn room.Connection) (r *room.Room, wasEmpty bool, err error) {
	d.sessions.DisarmGrace(peer)

	danglingProducerIDs := peer.ResetMedia()
	if prevRoomID := peer.CurrentRoomID(); prevRoomID != "" {
		if prevRoom, rerr := d.rooms.Get(prevRoomID); rerr == nil {
			for _, pid := range danglingProducerIDs {
				prevRoom.RemoveProducer(pid)
			}
		}
	}

	prev := peer.SetConnection(conn)
	if prev != nil && prev != conn {
		_ = prev.Close(1000, "superseded by new connection")
	}

	r, err = d.rooms.GetOrCreate(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	peer.SetRoomID(roomID)

	if _, present := r.Peer(peer.PeerID); !present {
		r.AddPeer(peer)
		return r, true, nil
	}
	return r, false, nil
}

func (d *Dispatcher) joinResponse(ctx context.Context, roomID string, peer *room.Peer) (any, error) {
	r, err := d.rooms.Get(roomID)
	if err != nil {
		return nil, err
	}

	existingPeers := make([]map[string]string, 0)
	for _, p := range r.Peers() {
		if p.PeerID == peer.PeerID {
			continue
		}
		existingPeers = append(existingPeers, map[string]string{"peerId": p.PeerID})
	}

	return joinResult{
		RoomID:            roomID,
		SessionID:         peer.SessionID,
		PeerID:            peer.PeerID,
		RTPCapabilities:   r.Router.RTPCapabilities(),
		ExistingPeers:     existingPeers,
		ExistingProducers: r.Snapshot(),
	}, nil
}

// --- listProducers / getRoomProducers --------------------------------------

func (d *Dispatcher) handleListProducers(binding TokenBinding, payload map[string]any) (any, error) {
	roomID, ok := payloadString(payload, "roomId")
	if !ok || roomID == "" {
		roomID = binding.RoomID
	}
	if err := requireRoomMatch(binding, roomID); err != nil {
		return nil, err
	}
	r, err := d.rooms.Get(roomID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"list": r.Snapshot()}, nil
}

// --- createTransport ---------------------------------------------------

func (d *Dispatcher) handleCreateTransport(ctx context.Context, binding TokenBinding, payload map[string]any) (any, error) {
	peer, err := d.requirePeer(binding, payload)
	if err != nil {
		return nil, err
	}
	roomID, err := requireJoinedRoom(peer)
	if err != nil {
		return nil, err
	}
	directionStr, _ := payloadString(payload, "direction")
	var direction media.Direction
	switch directionStr {
	case "send":
		direction = media.DirectionSend
	case "recv":
		direction = media.DirectionRecv
	default:
		return nil, errors.New("invalid direction")
	}

	r, err := d.rooms.Get(roomID)
	if err != nil {
		return nil, err
	}

	if existing := peer.Transport(direction); existing != nil {
		_ = existing.Close()
	}

	t, err := d.adapter.CreateWebRTCTransport(ctx, r.Router, direction)
	if err != nil {
		return nil, err
	}
	peer.SetTransport(direction, t)

	return map[string]any{
		"id":             t.ID(),
		"iceParameters":  t.ICEParameters(),
		"iceCandidates":  t.ICECandidates(),
		"dtlsParameters": t.DTLSParameters(),
	}, nil
}

// --- connectTransport ---------------------------------------------------

func (d *Dispatcher) handleConnectTransport(ctx context.Context, binding TokenBinding, payload map[string]any) (any, error) {
	peer, err := d.requirePeer(binding, payload)
	if err != nil {
		return nil, err
	}
	if _, err := requireJoinedRoom(peer); err != nil {
		return nil, err
	}

	t, err := resolveDirectionTransport(peer, payload)
	if err != nil {
		return nil, err
	}

	dtlsRaw, ok := payload["dtlsParameters"]
	if !ok {
		return nil, errors.New("missing dtlsParameters")
	}
	dtlsMap, ok := dtlsRaw.(map[string]any)
	if !ok {
		return nil, errors.New("missing dtlsParameters")
	}

	if err := t.Connect(ctx, media.DTLSParameters(dtlsMap)); err != nil {
		return nil, err
	}
	return map[string]any{"connected": true}, nil
}

func resolveDirectionTransport(peer *room.Peer, payload map[string]any) (media.Transport, error) {
	directionStr, _ := payloadString(payload, "direction")
	var direction media.Direction
	switch directionStr {
	case "send":
		direction = media.DirectionSend
	case "recv":
		direction = media.DirectionRecv
	default:
		return nil, errors.New("invalid direction")
	}
	t := peer.Transport(direction)
	if t == nil {
		return nil, errors.New("transport not found")
	}
	return t, nil
}

// --- produce ---------------------------------------------------

func (d *Dispatcher) handleProduce(ctx context.Context, binding TokenBinding, payload map[string]any) (any, error) {
	peer, err := d.requirePeer(binding, payload)
	if err != nil {
		return nil, err
	}
	roomID, err := requireJoinedRoom(peer)
	if err != nil {
		return nil, err
	}

	kind, _ := payloadString(payload, "kind")
	if kind != "audio" && kind != "video" {
		return nil, errors.New("invalid kind")
	}

	sendTransport := peer.Transport(media.DirectionSend)
	if sendTransport == nil {
		return nil, errors.New("send transport not ready")
	}

	rtpRaw, ok := payload["rtpParameters"]
	if !ok {
		return nil, errors.New("missing rtpParameters")
	}
	rtpMap, ok := rtpRaw.(map[string]any)
	if !ok {
		return nil, errors.New("missing rtpParameters")
	}

	var appData media.AppData
	if appRaw, ok := payload["appData"].(map[string]any); ok {
		appData = media.AppData(appRaw)
	}

	prod, err := d.adapter.Produce(ctx, sendTransport, kind, media.RTPParameters(rtpMap), appData)
	if err != nil {
		return nil, err
	}

	peer.AddProducer(prod)
	r, err := d.rooms.Get(roomID)
	if err != nil {
		_ = prod.Close()
		peer.RemoveProducer(prod.ID())
		return nil, err
	}
	r.AddProducer(prod.ID(), &room.RoomProducer{PeerID: peer.PeerID, Producer: prod, Kind: kind})

	if kind == "audio" {
		_ = r.Observer.AddProducer(prod)
	}

	d.broadcaster.BroadcastRoom(r, "newProducer", map[string]any{
		"producerId": prod.ID(),
		"peerId":     peer.PeerID,
		"kind":       kind,
	}, peer.PeerID)

	return map[string]any{"producerId": prod.ID()}, nil
}

// --- consume ---------------------------------------------------

func (d *Dispatcher) handleConsume(ctx context.Context, binding TokenBinding, payload map[string]any) (any, error) {
	peer, err := d.requirePeer(binding, payload)
	if err != nil {
		return nil, err
	}
	roomID, err := requireJoinedRoom(peer)
	if err != nil {
		return nil, err
	}

	producerID, _ := payloadString(payload, "producerId")
	if producerID == "" {
		return nil, errors.New("producer not found")
	}

	r, err := d.rooms.Get(roomID)
	if err != nil {
		return nil, err
	}
	entry, ok := r.Producer(producerID)
	if !ok {
		return nil, errors.New("producer not found")
	}
	if entry.PeerID == peer.PeerID {
		return nil, errors.New("cannot consume self")
	}

	recvTransport := peer.Transport(media.DirectionRecv)
	if recvTransport == nil {
		return nil, errors.New("recv transport not ready")
	}

	var caps media.RTPCapabilities
	if capsRaw, ok := payload["rtpCapabilities"].(map[string]any); ok {
		caps = media.RTPCapabilities(capsRaw)
	}

	if !d.adapter.CanConsume(r.Router, entry.Producer, caps) {
		return nil, errors.New("cannot consume")
	}

	consumer, err := d.adapter.Consume(ctx, recvTransport, entry.Producer, caps)
	if err != nil {
		return nil, err
	}
	peer.AddConsumer(consumer)

	return map[string]any{
		"id":            consumer.ID(),
		"producerId":    consumer.ProducerID(),
		"kind":          consumer.Kind(),
		"rtpParameters": consumer.RTPParameters(),
	}, nil
}

// --- pause/resume producer & consumer ---------------------------------------------------

func (d *Dispatcher) handleProducerPause(binding TokenBinding, payload map[string]any, pause bool) (any, error) {
	peer, err := d.requirePeer(binding, payload)
	if err != nil {
		return nil, err
	}
	producerID, _ := payloadString(payload, "producerId")
	prod, ok := peer.Producer(producerID)
	if !ok {
		return nil, errors.New("producer not found")
	}
	if pause {
		if err := prod.Pause(); err != nil {
			return nil, err
		}
		return map[string]any{"paused": true}, nil
	}
	if err := prod.Resume(); err != nil {
		return nil, err
	}
	return map[string]any{"resumed": true}, nil
}

func (d *Dispatcher) handleConsumerPause(binding TokenBinding, payload map[string]any, pause bool) (any, error) {
	peer, err := d.requirePeer(binding, payload)
	if err != nil {
		return nil, err
	}
	consumerID, _ := payloadString(payload, "consumerId")
	c, ok := peer.Consumer(consumerID)
	if !ok {
		return nil, errors.New("consumer not found")
	}
	if pause {
		if err := c.Pause(); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
	if err := c.Resume(); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}
