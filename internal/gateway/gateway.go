// ABOUTME: Gateway orchestrator wiring the store, engine, presence, and HTTP server
// ABOUTME: Manages startup, the reaper loop, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/notify"
	"github.com/2389/switchboard/internal/phone"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/responder"
	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

// Gateway orchestrates the switchboard server components: the session store,
// the routing engine, operator/widget presence, and the HTTP surface.
type Gateway struct {
	config     *config.Config
	store      store.Store
	engine     *session.Engine
	registry   *presence.Registry
	verifier   auth.TokenVerifier
	reaper     *session.Reaper
	httpServer *http.Server
	notifier   session.Notifier
	logger     *slog.Logger

	// dedupe drops redelivered phone webhooks
	dedupe *dedupe.Cache
}

// initStore creates the store from config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SWITCHBOARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initNotifier picks the hand-off notifier: NATS when a broker is
// configured, log-only otherwise.
func initNotifier(cfg *config.Config, logger *slog.Logger) (session.Notifier, error) {
	if cfg.Notify.NATSURL == "" {
		logger.Info("no broker configured, hand-off notices go to the log")
		return notify.NewLogNotifier(logger), nil
	}
	n, err := notify.NewNATSNotifier(cfg.Notify.NATSURL, cfg.Notify.Subject, logger)
	if err != nil {
		return nil, fmt.Errorf("creating notifier: %w", err)
	}
	logger.Info("hand-off notices publish to nats", "subject", cfg.Notify.Subject)
	return n, nil
}

// New creates a Gateway with all components wired.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	notifier, err := initNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	// The registry's requeue callback fires into the engine, which is
	// built after the registry; the indirection breaks the construction
	// order dependency.
	var engine *session.Engine
	registry := presence.NewRegistry(cfg.Handoff.ReconnectGrace,
		func(tenantID, sessionID, operatorID string) {
			if engine != nil {
				engine.HandleOperatorGone(tenantID, sessionID, operatorID)
			}
		}, logger)

	phoneClient := phone.NewClient(cfg.Responder.Timeout, logger)
	channelRouter := router.New(registry, phoneClient, cfg, logger)
	respClient := responder.NewClient(cfg.Responder.URL, cfg.Responder.Timeout, logger)

	engine = session.NewEngine(session.Config{
		Store:              s,
		Presence:           registry,
		Deliverer:          channelRouter,
		Responder:          respClient,
		Notifier:           notifier,
		Logger:             logger,
		BotName:            cfg.Responder.BotName,
		FallbackText:       cfg.Responder.FallbackText,
		EscalationKeywords: cfg.Responder.EscalationKeywords,
		EvictionDelay:      cfg.Handoff.EvictionDelay,
	})

	gw := &Gateway{
		config:   cfg,
		store:    s,
		engine:   engine,
		registry: registry,
		verifier: verifier,
		notifier: notifier,
		reaper:   session.NewReaper(engine, cfg.Handoff.ReaperInterval, cfg.Handoff.IdleThreshold, logger),
		logger:   logger.With("component", "gateway"),
		dedupe:   dedupe.New(5*time.Minute, 100_000),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/ws", gw.handleWS)
	mux.HandleFunc("/hooks/phone/", gw.handlePhoneWebhook)
	gw.registerInternalRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the HTTP server and the reaper, then blocks until the context
// is canceled. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go g.reaper.Run(reaperCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stopReaper()
	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh context; the run context is
// already canceled by the time shutdown starts.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases all components.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.registry.Close()
	g.engine.Close()
	g.dedupe.Close()
	if closer, ok := g.notifier.(interface{ Close() }); ok {
		closer.Close()
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
