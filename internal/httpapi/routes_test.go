package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/vocalmesh/signal-core/internal/media"
	"github.com/vocalmesh/signal-core/internal/room"
	"github.com/vocalmesh/signal-core/internal/token"
)

type stubSink struct{}

func (stubSink) BroadcastRoom(*room.Room, string, map[string]any, string) {}

func newTestEngine(t *testing.T) (*gin.Engine, *room.Registry, *token.Codec) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	codec := token.NewCodec("test-secret")
	rooms := room.NewRegistry(media.NewSimulatedAdapter(), stubSink{}, media.DefaultRouterOptions, media.DefaultLevelObserverOptions)
	metrics := &Metrics{}

	engine := gin.New()
	Register(engine, codec, rooms, metrics)
	return engine, rooms, codec
}

func TestHealth(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMintTokenThenVerify(t *testing.T) {
	engine, _, codec := newTestEngine(t)

	body, _ := json.Marshal(map[string]any{"roomId": "room-1", "peerId": "peer-1"})
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	tok, ok := out["token"].(string)
	if !ok || tok == "" {
		t.Fatalf("expected a minted token string, got %+v", out)
	}

	claims, err := codec.Verify(tok, token.VerifyOptions{})
	if err != nil {
		t.Fatalf("minted token should verify: %v", err)
	}
	if claims.RoomID != "room-1" || claims.PeerID != "peer-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestRoomInfoNotFound(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	req := httptest.NewRequest(http.MethodGet, "/rooms/does-not-exist", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", rec.Code)
	}
}

func TestRoomInfoFound(t *testing.T) {
	engine, rooms, _ := newTestEngine(t)
	if _, err := rooms.GetOrCreate(context.Background(), "room-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/rooms/room-1", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
