package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dennisdiepolder/monti/casedesk/internal/api"
	"github.com/dennisdiepolder/monti/casedesk/internal/auth"
	"github.com/dennisdiepolder/monti/casedesk/internal/broadcast"
	"github.com/dennisdiepolder/monti/casedesk/internal/config"
	"github.com/dennisdiepolder/monti/casedesk/internal/conversation"
	"github.com/dennisdiepolder/monti/casedesk/internal/events"
	"github.com/dennisdiepolder/monti/casedesk/internal/metrics"
	"github.com/dennisdiepolder/monti/casedesk/internal/policy"
	"github.com/dennisdiepolder/monti/casedesk/internal/presence"
	"github.com/dennisdiepolder/monti/casedesk/internal/routing"
	"github.com/dennisdiepolder/monti/casedesk/internal/storage"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/dennisdiepolder/monti/casedesk/internal/websocket"
	"github.com/dennisdiepolder/monti/casedesk/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds every wired component of a casedesk process
type app struct {
	cfg       *config.Config
	store     storage.Store
	redis     *redis.Client
	tracker   *presence.Tracker
	hub       *websocket.Hub
	resolver  *broadcast.Resolver
	publisher events.Publisher
	engine    *routing.Engine
	logger    zerolog.Logger
}

// newApp opens the store and optional Redis and Kafka connections and wires
// the routing engine on top of them
func newApp(ctx context.Context, cfg *config.Config, storeCfg storage.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := storage.Open(ctx, storeCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	work := storage.NewActiveWork(store)

	var persist presence.Persister
	if cfg.RedisURL != "" {
		client, err := presence.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		persist = presence.NewRedisPersister(client)
	}
	a.tracker = presence.NewTracker(work, persist, logger)
	if restored, err := a.tracker.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore presence")
	} else if restored > 0 {
		logger.Info().Int("agents", restored).Msg("presence restored")
	}

	a.publisher, err = events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("create event publisher: %w", err)
	}

	pol := policy.DefaultMatrix()
	a.hub = websocket.NewHub(logger)
	a.resolver = broadcast.NewResolver(a.tracker, work, a.hub, pol, broadcast.Config{
		Rate:  cfg.BroadcastRate,
		Burst: cfg.BroadcastBurst,
	}, logger)

	a.engine = routing.NewEngine(store, a.tracker, a.resolver, routing.Options{
		ExpiryWindow: cfg.ExpiryWindow,
		Policy:       pol,
		Notes:        conversation.NewChannelNotes(a.hub, broadcast.CaseChannel, logger),
		Events:       a.publisher,
	}, logger)

	a.hub.SetCaseAccess(func(ctx context.Context, actor types.Actor, caseID string) error {
		_, err := a.engine.GetQuery(ctx, actor, caseID)
		return err
	})
	return a, nil
}

// router builds the HTTP surface
func (a *app) router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(a.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(a.cfg.AllowedOrigins))

	// Public routes
	r.Get("/health", healthHandler)
	r.Get("/metrics", metrics.Get().Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(a.logger))
		r.Get("/ws", websocket.NewHandler(a.hub, a.cfg, a.logger).ServeHTTP)

		r.Route("/api", func(r chi.Router) {
			r.Use(api.RequireIdentity)
			api.NewQueryHandler(a.engine, a.logger).Routes(r)
			api.NewPresenceHandler(a.tracker, a.logger).Routes(r)
		})
	})
	return r
}

// close waits for in-flight offers and releases external connections
func (a *app) close(ctx context.Context) error {
	if a.resolver != nil {
		a.resolver.Wait()
	}

	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close(ctx))
	}
	return errors.Join(errs...)
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"casedesk"}`)
}
