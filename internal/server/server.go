package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/auth"
	"github.com/Bradleyfc/proyecto-cfbc/internal/config"
	"github.com/Bradleyfc/proyecto-cfbc/internal/httputil"
	"github.com/Bradleyfc/proyecto-cfbc/internal/runlog"
)

// Server is the main HTTP server for CFBC.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	pool      *pgxpool.Pool
	store     *archive.Store
	runs      *runlog.Store
	authSvc   *auth.Service
	startTime time.Time

	// migrating guards against concurrent migration runs started over HTTP.
	migrating sync.Mutex
	running   bool
}

// New creates a new Server with middleware and routes configured.
func New(cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, store *archive.Store, runs *runlog.Store, authSvc *auth.Service) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		pool:      pool,
		store:     store,
		runs:      runs,
		authSvc:   authSvc,
		startTime: time.Now(),
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// Public auth endpoints. Claim endpoints are public by design: the
		// whole point is recovering an account you cannot log into.
		r.Group(func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			r.Post("/auth/login", s.handleLogin)
			r.Post("/claims", s.handleClaimRequest)
			r.Post("/claims/verify", s.handleClaimVerify)
			r.Post("/claims/complete", s.handleClaimComplete)
		})

		// Everything else requires a valid token.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/auth/me", s.handleMe)

			r.Get("/archive", s.handleArchiveList)
			r.Get("/archive/tables", s.handleArchiveTables)
			r.Get("/archive/tables/{table}/export", s.handleArchiveExport)
			r.Delete("/archive/tables/{table}", s.handleArchiveDeleteTable)
			r.Get("/archive/{id}", s.handleArchiveGet)

			r.Get("/runs", s.handleRunList)
			r.Get("/runs/current", s.handleRunCurrent)
			r.Get("/runs/{id}", s.handleRunGet)
			r.With(middleware.AllowContentType("application/json")).
				Post("/migrations", s.handleMigrationStart)
		})
	})

	return s
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
