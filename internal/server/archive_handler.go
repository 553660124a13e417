package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/httputil"
)

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := archive.ListFilter{
		Table:  q.Get("table"),
		Kind:   q.Get("kind"),
		Search: q.Get("search"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	records, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing archive", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "listing archive failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("loading record", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "loading record failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleArchiveTables(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.TableCounts(r.Context())
	if err != nil {
		s.logger.Error("counting archived tables", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "counting tables failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"tables": counts})
}

func (s *Server) handleArchiveDeleteTable(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	deleted, err := s.store.DeleteTable(r.Context(), table)
	if err != nil {
		s.logger.Error("deleting archived table", "table", table, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "deleting table failed")
		return
	}
	if claims := claimsFrom(r.Context()); claims != nil {
		s.logger.Info("archived table deleted", "table", table, "records", deleted, "by", claims.Username)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// handleArchiveExport streams a table's archived records as CSV. The payload
// column carries the full captured row as JSON.
func (s *Server) handleArchiveExport(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	records, err := s.store.AllForTable(r.Context(), table)
	if err != nil {
		s.logger.Error("exporting archived table", "table", table, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "exporting table failed")
		return
	}
	if len(records) == 0 {
		httputil.WriteError(w, http.StatusNotFound, "no archived records for that table")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", table+".csv"))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "source_id", "record_kind", "display_name", "captured_at", "payload"})
	for i := range records {
		rec := &records[i]
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			s.logger.Error("marshaling payload for export", "record", rec.ID, "error", err)
			continue
		}
		_ = cw.Write([]string{
			strconv.FormatInt(rec.ID, 10),
			strconv.FormatInt(rec.SourceID, 10),
			rec.RecordKind,
			rec.DisplayName,
			rec.CapturedAt.Format("2006-01-02 15:04:05"),
			string(payload),
		})
	}
	cw.Flush()
}
