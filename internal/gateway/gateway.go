// ABOUTME: Gateway orchestrator that wires the store, dialogue engine, and HTTP server
// ABOUTME: Manages component lifecycle, routes, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/intake-gateway/internal/auth"
	"github.com/2389/intake-gateway/internal/config"
	"github.com/2389/intake-gateway/internal/conversation"
	"github.com/2389/intake-gateway/internal/generation"
	"github.com/2389/intake-gateway/internal/llm"
	"github.com/2389/intake-gateway/internal/schema"
	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/stream"
)

// defaultBackendTimeout applies when backend.timeout is not configured.
const defaultBackendTimeout = 30 * time.Second

// defaultJobTimeout applies when generator.timeout is not configured.
const defaultJobTimeout = 2 * time.Minute

// Gateway serves the intake API: guided dialogue turns, conversation
// state, and generation result streams.
type Gateway struct {
	config       *config.Config
	store        store.Store
	registry     *schema.Registry
	orchestrator *conversation.Orchestrator
	dispatcher   *generation.Dispatcher
	tracker      *generation.Tracker
	events       *stream.Broadcaster
	httpServer   *http.Server
	logger       *slog.Logger
}

// Deps bundles the services the gateway serves. Used directly by tests;
// production wiring goes through NewFromConfig.
type Deps struct {
	Config       *config.Config
	Store        store.Store
	Registry     *schema.Registry
	Orchestrator *conversation.Orchestrator
	Dispatcher   *generation.Dispatcher
	Tracker      *generation.Tracker
	Events       *stream.Broadcaster
	Logger       *slog.Logger
}

// New assembles a Gateway from already-constructed components.
func New(deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:       deps.Config,
		store:        deps.Store,
		registry:     deps.Registry,
		orchestrator: deps.Orchestrator,
		dispatcher:   deps.Dispatcher,
		tracker:      deps.Tracker,
		events:       deps.Events,
		logger:       logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux)

	addr := ""
	if deps.Config != nil {
		addr = deps.Config.Server.HTTPAddr
	}
	g.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g
}

// NewFromConfig builds all components from configuration and assembles
// the gateway around them.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry, err := schema.LoadDir(cfg.Tools.Dir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("loading tools: %w", err)
	}

	backendTimeout := cfg.Backend.Timeout
	if backendTimeout == 0 {
		backendTimeout = defaultBackendTimeout
	}
	backend := llm.NewClient(cfg.Backend.Endpoint, cfg.Backend.Model, backendTimeout, float32(cfg.Backend.Temperature), cfg.Backend.MaxTokens)

	jobTimeout := cfg.Generator.Timeout
	if jobTimeout == 0 {
		jobTimeout = defaultJobTimeout
	}
	runner := generation.NewHTTPRunner(cfg.Generator.Endpoint, jobTimeout)

	events := stream.NewBroadcaster(logger.With("component", "broadcaster"))
	dispatcher := generation.NewDispatcher(st, runner, events, jobTimeout, logger)
	tracker := generation.NewTracker(st, cfg.Generator.AbandonWindow)

	orchestrator, err := conversation.New(st, registry, backend, dispatcher, cfg.Validator.MinAnswerLength, logger)
	if err != nil {
		events.Close()
		st.Close()
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}

	return New(Deps{
		Config:       cfg,
		Store:        st,
		Registry:     registry,
		Orchestrator: orchestrator,
		Dispatcher:   dispatcher,
		Tracker:      tracker,
		Events:       events,
		Logger:       logger,
	}), nil
}

// initStore creates the store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("INTAKE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// registerRoutes registers API routes on the mux, wrapping them in auth
// middleware when a JWT secret is configured.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	// Health endpoint - no auth required
	mux.HandleFunc("/healthz", g.handleHealth)

	api := http.Handler(http.HandlerFunc(g.handleConversationRoutes))
	tools := http.Handler(http.HandlerFunc(g.handleListTools))

	if g.config != nil && g.config.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		api = auth.HTTPAuthMiddleware(verifier)(api)
		// The tool catalog is readable anonymously; a presented token still
		// attaches the principal for logging.
		tools = auth.OptionalAuthMiddleware(verifier)(tools)
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	mux.Handle("/api/conversations/", api)
	mux.Handle("/api/tools", tools)
}

// Handler exposes the HTTP handler for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

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

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server, waits for in-flight
// generation jobs to record their outcomes, and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	// In-flight jobs persist their result before the store closes.
	g.dispatcher.Wait()

	if g.events != nil {
		g.events.Close()
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
