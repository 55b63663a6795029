// Package remoteserver is a reference implementation of the minimal
// PostgREST-like remote data service spec §6 describes: ordered range
// reads, INSERT/UPDATE with RETURNING-id semantics, row-level
// authorization by owner, and a long-lived owner-filtered change feed.
// It exists so the engine's push/pull/realtime pipelines have a real
// HTTP peer to exercise in tests rather than only a hand-rolled fake —
// the remote wire format itself is explicitly out of the core's scope
// (spec §1: "the remote data service's wire format beyond a minimal
// PostgREST-like profile" is named only where the core consumes it), so
// this package stays intentionally small and single-tenant.
//
// Grounded on the teacher's internal/api package: NewServer/Start/Shutdown
// lifecycle, the mux + middleware chain shape, and routes() wiring
// (internal/api/server.go), generalized from td's fixed project/issue
// schema to the generic per-table resource this module's remote profile
// requires.
package remoteserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Config configures a reference remote server.
type Config struct {
	ListenAddr string
	DBPath     string
	Tables     []string
	// SingletonTables names tables where at most one row may exist per
	// owner (spec §8's singleton id-reconciliation scenario): a create
	// against one of these tables is rejected as a duplicate key once the
	// owner already has any row there, regardless of the new row's id,
	// since two independently client-generated ids for "the same"
	// settings row is exactly the case that scenario reconciles.
	SingletonTables []string
	RateLimitOther  int
	RateLimitPush   int
	RateLimitPull   int
}

func (c Config) isSingleton(table string) bool {
	for _, t := range c.SingletonTables {
		if t == table {
			return true
		}
	}
	return false
}

// Server is the reference HTTP implementation of the remote data
// service.
type Server struct {
	config      Config
	http        *http.Server
	store       *Store
	hub         *Hub
	auth        *AuthStore
	rateLimiter *RateLimiter
	logger      *slog.Logger
	cancel      context.CancelFunc
}

// NewServer opens the backing store and wires the HTTP handler.
func NewServer(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimitOther == 0 {
		cfg.RateLimitOther = 300
	}
	if cfg.RateLimitPush == 0 {
		cfg.RateLimitPush = 60
	}
	if cfg.RateLimitPull == 0 {
		cfg.RateLimitPull = 120
	}

	st, err := OpenStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("remoteserver: open store: %w", err)
	}

	s := &Server{
		config:      cfg,
		store:       st,
		hub:         NewHub(),
		auth:        NewAuthStore(st.conn),
		rateLimiter: NewRateLimiter(),
		logger:      logger,
	}
	if err := s.auth.migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("remoteserver: migrate auth: %w", err)
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the change feed is a long-lived streaming response
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Start begins listening for HTTP requests without blocking.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("remoteserver: listen: %w", err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("remoteserver: serve", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.rateLimiter.cleanup()
			}
		}
	}()
	return nil
}

// Shutdown gracefully stops the server and closes the backing store.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.http.Shutdown(ctx)
	s.store.Close()
	return err
}

// Handler exposes the server's routed http.Handler directly, for tests
// that want to drive it with httptest.NewServer instead of binding a real
// port via Start.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// IssueKey provisions a new bearer token for ownerID, the same
// out-of-band provisioning step the teacher's admin surface performs for
// its own API keys (internal/serverdb/apikeys.go's GenerateAPIKey,
// invoked from an admin command rather than over the wire this server
// itself exposes).
func (s *Server) IssueKey(ownerID string) (string, error) {
	return s.auth.IssueKey(ownerID)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /rest/changes", s.requireAuth(s.handleChanges))
	mux.HandleFunc("GET /rest/snapshot", s.requireAuth(s.withRateLimit(s.handleSnapshot, s.config.RateLimitOther)))
	mux.HandleFunc("POST /rest/docs/updates", s.requireAuth(s.withRateLimit(s.handleDocUpdate, s.config.RateLimitPush)))
	mux.HandleFunc("GET /rest/{table}", s.requireAuth(s.withRateLimit(s.handleSelect, s.config.RateLimitPull)))
	mux.HandleFunc("POST /rest/{table}", s.requireAuth(s.withRateLimit(s.handleInsert, s.config.RateLimitPush)))
	mux.HandleFunc("PATCH /rest/{table}", s.requireAuth(s.withRateLimit(s.handleUpdate, s.config.RateLimitPush)))

	return chain(mux, recoveryMiddleware(s.logger), requestIDMiddleware, loggingMiddleware(s.logger))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.conn.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// chain applies middleware in order (first applied is outermost),
// mirroring the teacher's chain helper (internal/api/middleware.go).
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
