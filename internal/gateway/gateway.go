// ABOUTME: Gateway orchestrator that wires the store, services and HTTP server
// ABOUTME: Owns component lifecycle - construction, serving, graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/scamaware/support-gateway/internal/attachment"
	"github.com/scamaware/support-gateway/internal/auth"
	"github.com/scamaware/support-gateway/internal/config"
	"github.com/scamaware/support-gateway/internal/conversation"
	"github.com/scamaware/support-gateway/internal/dashboard"
	"github.com/scamaware/support-gateway/internal/notify"
	"github.com/scamaware/support-gateway/internal/presence"
	"github.com/scamaware/support-gateway/internal/routing"
	"github.com/scamaware/support-gateway/internal/store"
	"github.com/scamaware/support-gateway/internal/typing"
)

// Gateway orchestrates the support-gateway server components: the SQLite
// store, the conversation service and its snapshot broadcaster, typing and
// presence tracking, the agent dashboard, notification fan-out, and the
// HTTP server that exposes them.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	typing       *typing.Coordinator
	presence     *presence.Tracker
	dashboard    *dashboard.Aggregator
	dispatcher   *notify.Dispatcher
	blobs        *attachment.LocalBlobStore
	verifier     auth.Verifier
	httpServer   *http.Server
	logger       *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SUPPORT_DB_PATH"); envPath != "" {
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
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var verifier auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	} else {
		logger.Warn("auth disabled - no jwt_secret configured, identity taken from request headers")
	}

	transport := notify.NewEmailClient(
		cfg.Notifications.Endpoint,
		cfg.Notifications.ServiceID,
		cfg.Notifications.UserID,
		logger,
	)
	dispatcher := notify.New(s, transport, cfg.Notifications.TemplateID, cfg.Notifications.FallbackRecipients, logger)

	broadcaster := conversation.NewBroadcaster(logger)
	policy := routing.FromMode(cfg.Routing.Mode)
	convService := conversation.New(s, broadcaster, dispatcher, policy, logger)

	typingCoord := typing.New(convService, cfg.Typing.Debounce, logger)
	tracker := presence.New(s, cfg.Presence.OnlineThreshold, logger)
	aggregator := dashboard.New(s, tracker, logger)

	blobDir := cfg.Attachments.Dir
	if blobDir == "" {
		blobDir = "attachments"
	}
	blobs, err := attachment.NewLocalBlobStore(blobDir, "/files", logger)
	if err != nil {
		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: convService,
		typing:       typingCoord,
		presence:     tracker,
		dashboard:    aggregator,
		dispatcher:   dispatcher,
		blobs:        blobs,
		verifier:     verifier,
		logger:       logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux, blobDir)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerRoutes wires the HTTP API onto the mux. All /api routes pass
// through the identity middleware.
func (g *Gateway) registerRoutes(mux *http.ServeMux, blobDir string) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	api := func(h http.HandlerFunc) http.Handler {
		return g.requireIdentity(h)
	}

	mux.Handle("POST /api/conversations", api(g.handleCreateConversation))
	mux.Handle("GET /api/conversations/me", api(g.handleMyConversation))
	mux.Handle("GET /api/conversations/{id}", api(g.handleGetConversation))
	mux.Handle("POST /api/conversations/{id}/messages", api(g.handleAppendMessage))
	mux.Handle("POST /api/conversations/{id}/escalate", api(g.handleEscalate))
	mux.Handle("POST /api/conversations/{id}/read", api(g.handleMarkRead))
	mux.Handle("POST /api/conversations/{id}/typing", api(g.handleTyping))
	mux.Handle("GET /api/conversations/{id}/events", api(g.handleConversationEvents))

	mux.Handle("GET /api/dashboard", api(g.requireAgent(g.handleDashboard)))
	mux.Handle("GET /api/dashboard/events", api(g.requireAgent(g.handleDashboardEvents)))
	mux.Handle("DELETE /api/dashboard/threads", api(g.requireAgent(g.handleClearThreads)))
	mux.Handle("GET /api/dashboard/recipients", api(g.requireAgent(g.handleListRecipients)))
	mux.Handle("PUT /api/dashboard/recipients", api(g.requireAgent(g.handleSetRecipients)))

	mux.Handle("POST /api/presence/heartbeat", api(g.handleHeartbeat))
	mux.Handle("POST /api/attachments", api(g.handleUploadAttachment))

	mux.Handle("GET /files/", http.StripPrefix("/files/", http.FileServer(http.Dir(blobDir))))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown gracefully stops the server and releases resources. In-flight
// notification sends are allowed to finish before the store closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.typing.Close()
	g.conversation.Close()
	g.dispatcher.Wait()

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

// handleReady returns 200 OK once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := g.store.ListAgentRecipients(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
