// ABOUTME: Gateway orchestrator that wires store, registry, router and pipeline
// ABOUTME: Owns the HTTP server for the API, the websocket endpoint and health checks

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/registry"
	"github.com/2389/parley/internal/router"
	"github.com/2389/parley/internal/store"
)

// Gateway orchestrates the parley-gateway server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	registry     *registry.Registry
	router       *router.Router
	conversation *conversation.Service
	requests     *dedupe.Cache
	metrics      *metrics.Metrics // nil when metrics are disabled
	verifier     *auth.JWTVerifier
	markdown     goldmark.Markdown
	httpServer   *http.Server
	logger       *slog.Logger

	// clients tracks live websocket connections by connection id
	clientsMu sync.Mutex
	clients   map[string]*wsClient
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := newWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newWithStore builds the gateway around an existing store.
func newWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		verifier: verifier,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:   logger.With("component", "gateway"),
		clients:  make(map[string]*wsClient),
	}

	regOpts := registry.Options{
		SendTimeout:       cfg.Delivery.SendTimeout,
		QueueSize:         cfg.Delivery.QueueSize,
		Logger:            logger,
		OnDeliveryFailure: gw.evict,
	}
	if cfg.Metrics.Enabled {
		gw.metrics = metrics.New()
		regOpts.Observer = gw.metrics
	}
	gw.registry = registry.New(regOpts)
	gw.router = router.New(gw.registry, s, logger)

	gw.requests = dedupe.New(cfg.Idempotency.TTL, cfg.Idempotency.MaxSize)
	gw.conversation = conversation.New(s, gw.router, logger)
	gw.conversation.SetAuthorizer(gw.router)
	gw.conversation.SetRequestCache(gw.requests)
	if gw.metrics != nil {
		gw.conversation.SetObserver(gw.metrics)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)

	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	authMiddleware := auth.HTTPAuthMiddleware(g.verifier)
	mux.Handle("GET /ws", authMiddleware(http.HandlerFunc(g.handleWebSocket)))
	mux.Handle("POST /api/messages", authMiddleware(http.HandlerFunc(g.handleSendMessage)))
	mux.Handle("DELETE /api/messages/{id}", authMiddleware(http.HandlerFunc(g.handleDeleteMessage)))
	mux.Handle("GET /api/history", authMiddleware(http.HandlerFunc(g.handleHistory)))
	mux.Handle("POST /api/groups", authMiddleware(http.HandlerFunc(g.handleCreateGroup)))
	mux.Handle("GET /api/groups/{id}/members", authMiddleware(http.HandlerFunc(g.handleListMembers)))
	mux.Handle("POST /api/groups/{id}/members", authMiddleware(http.HandlerFunc(g.handleAddMember)))
	mux.Handle("DELETE /api/groups/{id}/members/{user}", authMiddleware(http.HandlerFunc(g.handleRemoveMember)))

	return mux
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, closes live websocket connections and
// releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked websocket connections are not closed by http.Server.Shutdown.
	for _, c := range g.liveClients() {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	g.registry.Close()
	g.requests.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

func (g *Gateway) addClient(c *wsClient) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	g.clients[c.id] = c
}

func (g *Gateway) removeClient(id string) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	delete(g.clients, id)
}

func (g *Gateway) client(id string) (*wsClient, bool) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	c, ok := g.clients[id]
	return c, ok
}

func (g *Gateway) liveClients() []*wsClient {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	out := make([]*wsClient, 0, len(g.clients))
	for _, c := range g.clients {
		out = append(out, c)
	}
	return out
}

// clientsOf returns the live connections authenticated as principalID.
func (g *Gateway) clientsOf(principalID string) []*wsClient {
	var out []*wsClient
	for _, c := range g.liveClients() {
		if c.principal == principalID {
			out = append(out, c)
		}
	}
	return out
}

// evict closes a connection that missed a live delivery. The client's
// session reconnects and reconciles from history, so the gap is filled.
func (g *Gateway) evict(connectionID string, err error) {
	c, ok := g.client(connectionID)
	if !ok {
		return
	}
	g.logger.Warn("evicting connection after failed delivery",
		"connection_id", connectionID,
		"principal_id", c.principal,
		"topics", g.registry.Topics(connectionID),
		"error", err)
	go func() {
		_ = c.conn.Close(websocket.StatusTryAgainLater, "delivery failed; reconnect")
	}()
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":"ok","connections":%d}`, g.registry.ConnectionCount())
}
