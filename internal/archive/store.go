// Package archive persists snapshots of rows captured from a legacy source
// database. Every captured row keeps its full payload and a structure
// snapshot describing the column layout at capture time.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("archive: record not found")

// Record is a generic captured row.
type Record struct {
	ID          int64          `json:"id"`
	SourceTable string         `json:"source_table"`
	SourceID    int64          `json:"source_id"`
	RecordKind  string         `json:"record_kind"`
	DisplayName string         `json:"display_name"`
	Payload     map[string]any `json:"payload"`
	Structure   map[string]any `json:"structure"`
	CapturedAt  time.Time      `json:"captured_at"`
}

// TableCount is the number of captured rows for one source table.
type TableCount struct {
	Table string `json:"table"`
	Count int64  `json:"count"`
}

// ListFilter narrows List results. Zero values mean no filtering; Limit
// defaults to 100.
type ListFilter struct {
	Table  string
	Kind   string
	Search string
	Limit  int
	Offset int
}

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Capture stores one source row. A row already captured for the same
// (source_table, source_id) pair is left untouched and Capture reports
// created=false. Recapturing never overwrites an earlier snapshot.
func (s *Store) Capture(ctx context.Context, sourceTable string, sourceID int64, payload, structure map[string]any) (bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload for %s/%d: %w", sourceTable, sourceID, err)
	}
	structureJSON, err := json.Marshal(structure)
	if err != nil {
		return false, fmt.Errorf("marshal structure for %s/%d: %w", sourceTable, sourceID, err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO archived_records (source_table, source_id, record_kind, display_name, payload, structure)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_table, source_id) DO NOTHING`,
		sourceTable, sourceID, KindForTable(sourceTable), DisplayName(payload, sourceID), payloadJSON, structureJSON)
	if err != nil {
		return false, fmt.Errorf("capture %s/%d: %w", sourceTable, sourceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns one record by its archive id.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	return s.scanOne(s.pool.QueryRow(ctx, `
		SELECT id, source_table, source_id, record_kind, display_name, payload, structure, captured_at
		FROM archived_records WHERE id = $1`, id))
}

// FindBySource returns the record captured for a source table/id pair.
func (s *Store) FindBySource(ctx context.Context, sourceTable string, sourceID int64) (*Record, error) {
	return s.scanOne(s.pool.QueryRow(ctx, `
		SELECT id, source_table, source_id, record_kind, display_name, payload, structure, captured_at
		FROM archived_records WHERE source_table = $1 AND source_id = $2`, sourceTable, sourceID))
}

// FindByField returns records whose payload has the given field equal to the
// given string value, newest first. Used by the login bridge to locate
// archived accounts by username or email.
func (s *Store) FindByField(ctx context.Context, field, value string) ([]Record, error) {
	filter, err := json.Marshal(map[string]string{field: value})
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_table, source_id, record_kind, display_name, payload, structure, captured_at
		FROM archived_records
		WHERE payload @> $1
		ORDER BY captured_at DESC`, filter)
	if err != nil {
		return nil, fmt.Errorf("find by %s: %w", field, err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// List returns captured records newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, source_table, source_id, record_kind, display_name, payload, structure, captured_at
		FROM archived_records WHERE 1=1`
	args := []any{}
	if filter.Table != "" {
		args = append(args, filter.Table)
		query += fmt.Sprintf(" AND source_table = $%d", len(args))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND record_kind = $%d", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		query += fmt.Sprintf(" AND (display_name ILIKE $%d OR payload::text ILIKE $%d)", len(args), len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY captured_at DESC, id DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// AllForTable returns every record captured from one source table, ordered
// by source id. Used by the reconciliation passes, which need the full set.
func (s *Store) AllForTable(ctx context.Context, sourceTable string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_table, source_id, record_kind, display_name, payload, structure, captured_at
		FROM archived_records
		WHERE source_table = $1
		ORDER BY source_id`, sourceTable)
	if err != nil {
		return nil, fmt.Errorf("load table %s: %w", sourceTable, err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// TableCounts returns per-table capture counts, largest first.
func (s *Store) TableCounts(ctx context.Context) ([]TableCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_table, count(*) FROM archived_records
		GROUP BY source_table ORDER BY count(*) DESC, source_table`)
	if err != nil {
		return nil, fmt.Errorf("table counts: %w", err)
	}
	defer rows.Close()

	var counts []TableCount
	for rows.Next() {
		var tc TableCount
		if err := rows.Scan(&tc.Table, &tc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}

// DeleteTable removes every record captured from one source table and
// reports how many rows were removed.
func (s *Store) DeleteTable(ctx context.Context, sourceTable string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM archived_records WHERE source_table = $1`, sourceTable)
	if err != nil {
		return 0, fmt.Errorf("delete table %s: %w", sourceTable, err)
	}
	deleted := tag.RowsAffected()
	s.logger.Info("deleted archived table", "table", sourceTable, "records", deleted)
	return deleted, nil
}

func notFoundOr(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) scanOne(row pgx.Row) (*Record, error) {
	var rec Record
	var payloadJSON, structureJSON []byte
	err := row.Scan(&rec.ID, &rec.SourceTable, &rec.SourceID, &rec.RecordKind,
		&rec.DisplayName, &payloadJSON, &structureJSON, &rec.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for record %d: %w", rec.ID, err)
	}
	if err := json.Unmarshal(structureJSON, &rec.Structure); err != nil {
		return nil, fmt.Errorf("decode structure for record %d: %w", rec.ID, err)
	}
	return &rec, nil
}

func (s *Store) scanAll(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		var payloadJSON, structureJSON []byte
		if err := rows.Scan(&rec.ID, &rec.SourceTable, &rec.SourceID, &rec.RecordKind,
			&rec.DisplayName, &payloadJSON, &structureJSON, &rec.CapturedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for record %d: %w", rec.ID, err)
		}
		if err := json.Unmarshal(structureJSON, &rec.Structure); err != nil {
			return nil, fmt.Errorf("decode structure for record %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
