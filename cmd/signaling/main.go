package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/meet-signaling/config"
	"github.com/mossy-p/meet-signaling/internal/handlers"
	"github.com/mossy-p/meet-signaling/internal/logging"
	"github.com/mossy-p/meet-signaling/internal/redis"
	"github.com/mossy-p/meet-signaling/internal/registry"
	"github.com/mossy-p/meet-signaling/internal/relay"
	"github.com/mossy-p/meet-signaling/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.Init(cfg.LogLevel, !cfg.Production())

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Signaling server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// the registry reports closed rooms to the relay built on top of it
	var rl *relay.Relay
	reg := registry.New(registry.Options{
		GracePeriod: cfg.GracePeriod,
		Logger:      log,
		OnRoomClosed: func(roomID string) {
			log.Info().Str("room_id", roomID).Msg("Room closed")
			rl.RoomClosed(roomID)
		},
	})
	rl = relay.New(relay.Options{
		Registry:     reg,
		Store:        st,
		Logger:       log,
		SendBuffer:   cfg.SendBuffer,
		StoreTimeout: cfg.StoreTimeout,
	})

	// Setup Gin router
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Store:          st,
		Registry:       reg,
		Relay:          rl,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreBackend).Msg("Starting signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by the HTTP
		// server, the relay closes them through the leave path.
		httpErr := srv.Shutdown(shutdownCtx)
		relayErr := rl.Shutdown(shutdownCtx)
		return errors.Join(httpErr, relayErr)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		client, err := redis.Connect(ctx, cfg.Redis, cfg.StoreTimeout)
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", client.Options().Addr).Msg("Redis connection established")
		return store.NewRedisStore(client, cfg.RoomTTL), nil
	case config.StoreMongo:
		st, err := store.NewMongoStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		log.Info().Str("database", cfg.Mongo.Database).Msg("MongoDB connection established")
		return st, nil
	}
	log.Info().Msg("Using in-memory store")
	return store.NewMemoryStore(), nil
}
