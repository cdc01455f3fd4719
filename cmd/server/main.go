package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vocalmesh/signal-core/internal/config"
	"github.com/vocalmesh/signal-core/internal/httpapi"
	"github.com/vocalmesh/signal-core/internal/logging"
	"github.com/vocalmesh/signal-core/internal/media"
	"github.com/vocalmesh/signal-core/internal/room"
	"github.com/vocalmesh/signal-core/internal/session"
	"github.com/vocalmesh/signal-core/internal/signaling"
	"github.com/vocalmesh/signal-core/internal/token"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Environment)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	codec := token.NewCodec(cfg.TokenSecret)
	sessions := session.NewRegistry()
	metrics := &httpapi.Metrics{}
	broadcaster := signaling.NewBroadcaster(logger, &metrics.DroppedBroadcasts)

	adapter := media.NewSimulatedAdapter()
	routerOpts := media.DefaultRouterOptions
	observerOpts := media.LevelObserverOptions{
		MaxEntries: cfg.LevelObserverMaxEntries,
		Threshold:  cfg.LevelObserverThreshold,
		IntervalMS: int(cfg.LevelObserverInterval / time.Millisecond),
	}
	rooms := room.NewRegistry(adapter, broadcaster, routerOpts, observerOpts)

	dispatcher := signaling.NewDispatcher(sessions, rooms, adapter, broadcaster, logger)
	supervisor := signaling.NewSupervisor(codec, sessions, rooms, dispatcher, broadcaster, cfg.GraceWindow, logger)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpapi.OriginFilter(cfg.AllowedOrigins))

	httpapi.Register(engine, codec, rooms, metrics)
	engine.GET("/signal", supervisor.HandleWebSocket)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("signal core listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		if err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		logger.Warn().Msg("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
}
