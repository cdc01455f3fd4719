package httpapi

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vocalmesh/signal-core/internal/room"
	"github.com/vocalmesh/signal-core/internal/token"
)

// Metrics is the process-local counter set surfaced at GET /metrics. All
// fields are updated with atomic ops rather than a mutex since they're
// independent counters, not a single consistent snapshot.
type Metrics struct {
	RejectedConnections atomic.Int64
	DroppedBroadcasts   atomic.Int64
}

// MintRequest is the body for POST /auth/token.
type MintRequest struct {
	RoomID    string `json:"roomId" binding:"required"`
	PeerID    string `json:"peerId" binding:"required"`
	SessionID string `json:"sessionId"`
	TTL       int64  `json:"ttlSeconds"`
}

const (
	defaultTokenTTL = 60 * time.Second
	maxTokenTTL     = 10 * time.Minute
)

// Register wires the management surface onto engine: health, operational
// metrics, token minting, and read-only room lookup.
func Register(engine *gin.Engine, codec *token.Codec, rooms *room.Registry, metrics *Metrics) {
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.GET("/metrics", func(c *gin.Context) {
		roomCount, peerCount := rooms.Stats()
		c.JSON(http.StatusOK, gin.H{
			"rooms":               roomCount,
			"peers":               peerCount,
			"rejectedConnections": metrics.RejectedConnections.Load(),
			"droppedBroadcasts":   metrics.DroppedBroadcasts.Load(),
		})
	})

	engine.POST("/auth/token", func(c *gin.Context) {
		var req MintRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ttl := defaultTokenTTL
		if req.TTL > 0 {
			ttl = time.Duration(req.TTL) * time.Second
			if ttl > maxTokenTTL {
				ttl = maxTokenTTL
			}
		}

		now := time.Now()
		claims := token.Claims{
			RoomID:    req.RoomID,
			PeerID:    req.PeerID,
			SessionID: req.SessionID,
			JTI:       uuid.New().String(),
			IAT:       now.Unix(),
			EXP:       now.Add(ttl).Unix(),
		}

		signed, err := codec.Sign(claims)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"token":     signed,
			"expiresAt": claims.EXP,
		})
	})

	engine.GET("/rooms/:roomId", func(c *gin.Context) {
		info, err := rooms.Info(c.Param("roomId"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"roomId":        info.RoomID,
			"code":          info.Code,
			"peerCount":     info.PeerCount,
			"producerCount": info.ProducerCount,
		})
	})
}
