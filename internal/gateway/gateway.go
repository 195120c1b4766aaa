// ABOUTME: Gateway orchestrator wiring store, registry, presence, and delivery together
// ABOUTME: Manages the HTTP/WebSocket server lifecycle and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orrodguez19/Seend/internal/auth"
	"github.com/orrodguez19/Seend/internal/config"
	"github.com/orrodguez19/Seend/internal/conversation"
	"github.com/orrodguez19/Seend/internal/dedupe"
	"github.com/orrodguez19/Seend/internal/delivery"
	"github.com/orrodguez19/Seend/internal/presence"
	"github.com/orrodguez19/Seend/internal/session"
	"github.com/orrodguez19/Seend/internal/store"
)

// Gateway orchestrates the Seend server components: the persistence
// collaborator, the session registry, the presence broadcaster, and the
// delivery pipeline, exposed over a WebSocket transport.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *session.Registry
	resolver   *conversation.Resolver
	presence   *presence.Broadcaster
	pipeline   *delivery.Pipeline
	dedupe     *dedupe.Cache
	verifier   auth.Verifier
	httpServer *http.Server
	logger     *slog.Logger
}

// New wires up a gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	registry := session.NewRegistry(logger)
	resolver := conversation.NewResolver(st, logger)
	broadcaster := presence.NewBroadcaster(registry, resolver, cfg.Presence.TypingTimeout, logger)
	dd := dedupe.New(cfg.Delivery.DedupeTTL, cfg.Delivery.DedupeMax)
	pipeline := delivery.New(st, resolver, registry, registry, dd, logger)

	g := &Gateway{
		config:   cfg,
		store:    st,
		registry: registry,
		resolver: resolver,
		presence: broadcaster,
		pipeline: pipeline,
		dedupe:   dd,
		verifier: verifier,
		logger:   logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/healthz", g.handleHealth)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("gateway listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		g.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
			g.logger.Error("http shutdown failed", "error", err)
		}
		g.Close()
		return nil
	})

	return eg.Wait()
}

// Close releases all resources: live sessions, typing timers, the dedupe
// sweeper, and the store.
func (g *Gateway) Close() {
	g.registry.Close()
	g.presence.Close()
	g.dedupe.Close()
	if err := g.store.Close(); err != nil {
		g.logger.Error("closing store failed", "error", err)
	}
}

// handleHealth reports liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
