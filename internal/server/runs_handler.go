package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Bradleyfc/proyecto-cfbc/internal/dbmigrate"
	"github.com/Bradleyfc/proyecto-cfbc/internal/httputil"
	"github.com/Bradleyfc/proyecto-cfbc/internal/reconcile"
	"github.com/Bradleyfc/proyecto-cfbc/internal/runlog"
)

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing runs", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "listing runs failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunCurrent(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.CurrentOrRecent(r.Context())
	if err != nil {
		if errors.Is(err, runlog.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "no migration runs recorded")
			return
		}
		s.logger.Error("loading current run", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "loading run failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, runlog.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("loading run", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "loading run failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

type migrationStartRequest struct {
	SourceURL string `json:"source_url"`
	Reconcile *bool  `json:"reconcile,omitempty"`
}

// handleMigrationStart kicks off a migration run in the background. The
// source connection is probed first so obvious connection mistakes fail the
// request instead of a background run.
func (s *Server) handleMigrationStart(w http.ResponseWriter, r *http.Request) {
	var req migrationStartRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	sourceURL := req.SourceURL
	if sourceURL == "" {
		sourceURL = s.cfg.Source.URL
	}
	if sourceURL == "" {
		httputil.WriteError(w, http.StatusBadRequest, "source_url is required (no configured source)")
		return
	}
	doReconcile := s.cfg.Source.Reconcile
	if req.Reconcile != nil {
		doReconcile = *req.Reconcile
	}

	initiator := "api"
	if claims := claimsFrom(r.Context()); claims != nil && claims.Username != "" {
		initiator = claims.Username
	}

	s.migrating.Lock()
	if s.running {
		s.migrating.Unlock()
		httputil.WriteError(w, http.StatusConflict, "a migration run is already in progress")
		return
	}
	s.running = true
	s.migrating.Unlock()

	release := func() {
		s.migrating.Lock()
		s.running = false
		s.migrating.Unlock()
	}

	m, err := dbmigrate.New(s.pool, s.store, s.runs, s.authSvc, dbmigrate.Options{
		SourceURL: sourceURL,
		Initiator: initiator,
		Reconcile: doReconcile,
		Tables:    reconcile.TableMapFromConfig(s.cfg.Source.Tables),
	}, s.logger)
	if err != nil {
		release()
		httputil.WriteError(w, http.StatusBadRequest, "opening source database failed: "+err.Error())
		return
	}
	if err := m.Probe(r.Context()); err != nil {
		m.Close()
		release()
		httputil.WriteError(w, http.StatusBadGateway, "source database is unreachable: "+err.Error())
		return
	}

	go func() {
		defer release()
		defer m.Close()
		run, summary, err := m.Migrate(context.Background())
		if err != nil {
			s.logger.Error("migration run failed", "error", err)
			return
		}
		s.logger.Info("migration run finished",
			"run", run.ID,
			"status", run.Status,
			"records", run.Counters.RecordsCaptured,
			"warnings", len(summary.Warnings),
		)
	}()

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":  "started",
		"message": "migration run started; poll /api/runs/current for progress",
	})
}
