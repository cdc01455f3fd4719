package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vocalmesh/signal-core/internal/room"
	"github.com/vocalmesh/signal-core/internal/session"
	"github.com/vocalmesh/signal-core/internal/token"
)

const (
	readLimitBytes = 1 << 20
	writeTimeout   = 5 * time.Second
	pongWait       = 45 * time.Second
	pingInterval   = 20 * time.Second
)

// Supervisor is the Connection Supervisor (C7): accepts connections, binds
// the join token, drives the welcome/dispatch loop, and schedules grace
// cleanup on disconnect.
type Supervisor struct {
	codec       *token.Codec
	sessions    *session.Registry
	rooms       *room.Registry
	dispatcher  *Dispatcher
	broadcaster *Broadcaster
	logger      zerolog.Logger
	graceWindow time.Duration

	upgrader websocket.Upgrader
}

func NewSupervisor(codec *token.Codec, sessions *session.Registry, rooms *room.Registry, dispatcher *Dispatcher, broadcaster *Broadcaster, graceWindow time.Duration, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		codec:       codec,
		sessions:    sessions,
		rooms:       rooms,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		graceWindow: graceWindow,
		logger:      logger.With().Str("component", "supervisor").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
}

// wsConn adapts a gorilla websocket.Conn to room.Connection: a single
// write-mutex guarded JSON sender plus a close that encodes the standard
// close-frame status/reason, same idiom as the lineage's peer.send.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	_ = c.conn.SetWriteDeadline(deadline)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.conn.Close()
}

// HandleWebSocket upgrades the request and runs the connection's lifetime:
// token validation, welcome, the read loop dispatching requests, and
// disconnect handling. Registered as the gin handler for the signaling
// route.
func (s *Supervisor) HandleWebSocket(c *gin.Context) {
	tokenStr := c.Query("token")

	rawConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	claims, verr := s.codec.Verify(tokenStr, token.VerifyOptions{ConsumeJTI: true})
	if verr != nil {
		kind, _ := token.AsKind(verr)
		s.logger.Info().Str("kind", string(kind)).Msg("token rejected, closing connection")
		_ = rawConn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(kind)),
			time.Now().Add(writeTimeout),
		)
		_ = rawConn.Close()
		return
	}

	conn := &wsConn{conn: rawConn}
	binding := TokenBinding{RoomID: claims.RoomID, PeerID: claims.PeerID, SessionID: claims.SessionID}

	rawConn.SetReadLimit(readLimitBytes)
	_ = rawConn.SetReadDeadline(time.Now().Add(pongWait))
	rawConn.SetPongHandler(func(string) error {
		_ = rawConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	_ = conn.Send(Welcome{
		Type:      "welcome",
		PeerID:    claims.PeerID,
		SessionID: claims.SessionID,
		Hint:      "send join or resumeSession to enter a room",
	})

	stopPing := make(chan struct{})
	go s.pingLoop(rawConn, stopPing)

	s.readLoop(context.Background(), binding, conn, rawConn)

	close(stopPing)
	s.handleDisconnect(conn)
}

func (s *Supervisor) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Supervisor) readLoop(ctx context.Context, binding TokenBinding, conn *wsConn, rawConn *websocket.Conn) {
	for {
		_, raw, err := rawConn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = conn.Send(failureResponse(nil, "bad_payload"))
			continue
		}

		resp := s.dispatcher.Dispatch(ctx, binding, conn, req)
		_ = conn.Send(resp)
	}
}

// handleDisconnect finds the peer owning conn (a linear scan over the
// session registry, acceptable at this system's target scale) and arms its
// grace timer. A connection that never got past the welcome (no successful
// join/resumeSession) has no peer record yet and is simply dropped.
func (s *Supervisor) handleDisconnect(conn *wsConn) {
	peer, ok := s.sessions.ByConnection(conn)
	if !ok {
		return
	}
	s.sessions.ArmGrace(peer, s.graceWindow, s.destroyPeer)
}

// destroyPeer is the final cleanup path, run when a peer's grace timer
// expires. It tears down producers, leaves the room, closes all media
// objects, and destroys the room if that leaves it empty.
func (s *Supervisor) destroyPeer(peer *room.Peer) {
	roomID := peer.CurrentRoomID()
	var r *room.Room
	if roomID != "" {
		if rr, err := s.rooms.Get(roomID); err == nil {
			r = rr
		}
	}

	if r != nil {
		for _, producerID := range peer.ProducerIDs() {
			entry, ok := r.Producer(producerID)
			if !ok {
				continue
			}
			r.RemoveProducer(producerID)
			if r.UnmarkSpeaking(producerID) {
				s.broadcaster.BroadcastRoom(r, "producerSpeaking", map[string]any{
					"producerId": producerID,
					"peerId":     peer.PeerID,
					"speaking":   false,
				}, "")
			}
			s.broadcaster.BroadcastRoom(r, "producerClosed", map[string]any{
				"producerId": producerID,
				"peerId":     peer.PeerID,
				"kind":       entry.Kind,
				"reason":     "left",
			}, "")
		}

		r.RemovePeer(peer.PeerID)
		s.broadcaster.BroadcastRoom(r, "peerLeft", map[string]any{"peerId": peer.PeerID}, "")
	}

	peer.ResetMedia()
	s.sessions.Remove(peer.SessionID)

	if r != nil {
		s.rooms.DestroyIfEmpty(r.ID)
	}
}
