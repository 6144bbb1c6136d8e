// ABOUTME: Gateway orchestrator that owns the store, registry, queue, and poller
// ABOUTME: Manages the HTTP server and background sweep lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/2389/hive/internal/claim"
	"github.com/2389/hive/internal/config"
	"github.com/2389/hive/internal/queue"
	"github.com/2389/hive/internal/registry"
	"github.com/2389/hive/internal/store"
)

// Gateway orchestrates the hive-gateway server components. It owns the
// store and serves the coordination API over HTTP.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	queue      *queue.Queue
	poller     *claim.Poller
	httpServer *http.Server
	logger     *slog.Logger

	// notifications carries best-effort still-polling signals from the
	// claim protocol to the event log.
	notifications chan claim.Notification

	sweepCancel context.CancelFunc
	wg          sync.WaitGroup
}

// initStore creates the store from config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HIVE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	return store.NewSQLiteStore(dbPath)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	notifications := make(chan claim.Notification, 64)

	gw := &Gateway{
		config:        cfg,
		store:         s,
		registry:      registry.New(s),
		queue:         queue.New(s),
		poller:        claim.NewPoller(s, notifications),
		logger:        logger.With("component", "gateway"),
		notifications: notifications,
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	return gw, nil
}

// registerRoutes wires the API handlers onto the mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/agents/register", g.handleRegisterAgent)
	mux.HandleFunc("/api/agents", g.handleListAgents)
	mux.HandleFunc("/api/poll", g.handlePoll)
	mux.HandleFunc("/api/tasks", g.handleTasks)
	mux.HandleFunc("/api/tasks/", g.handleTaskRoutes)
	mux.HandleFunc("/health", g.handleHealth)
}

// Handler returns the gateway's HTTP handler, for embedding or tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the HTTP server and background workers, blocking until the
// context is cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	g.startBackground(ctx)

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

// startBackground launches the offline sweep and the notification drain.
func (g *Gateway) startBackground(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	g.sweepCancel = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.registry.RunOfflineSweep(sweepCtx, g.config.Agents.HeartbeatInterval, g.config.Agents.HeartbeatTimeout)
	}()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.drainNotifications(sweepCtx)
	}()
}

// drainNotifications logs still-polling signals so an operator can see
// which agents are waiting on an empty queue.
func (g *Gateway) drainNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-g.notifications:
			g.logger.Debug("agent still polling", "agent_id", n.AgentID, "waited", n.Waited)
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, background workers, and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	if g.sweepCancel != nil {
		g.sweepCancel()
	}

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Error("HTTP server shutdown failed", "error", err)
		firstErr = err
	}

	g.wg.Wait()

	if err := g.store.Close(); err != nil {
		g.logger.Error("store close failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	g.logger.Info("gateway shutdown complete")
	return firstErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
