// Package runlog records migration runs: who started them, how far they got,
// and per-category counters. Connection credentials are never stored; only
// the source host and database name are kept for display.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("runlog: run not found")

type Status string

const (
	StatusStarted   Status = "started"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// maxErrorLog caps the stored error trail so a pathological run cannot grow
// the row without bound.
const maxErrorLog = 16 * 1024

// Counters accumulates per-category progress for one run.
type Counters struct {
	TablesInspected        int `json:"tables_inspected"`
	TablesWithData         int `json:"tables_with_data"`
	TablesEmpty            int `json:"tables_empty"`
	RecordsCaptured        int `json:"records_captured"`
	UsersMigrated          int `json:"users_migrated"`
	AcademicYearsMigrated  int `json:"academic_years_migrated"`
	CoursesMigrated        int `json:"courses_migrated"`
	EnrollmentsMigrated    int `json:"enrollments_migrated"`
	GradesMigrated         int `json:"grades_migrated"`
	ScoresMigrated         int `json:"scores_migrated"`
	AttendanceMigrated     int `json:"attendance_migrated"`
	UnresolvedDependencies int `json:"unresolved_dependencies"`
}

// Run is one recorded migration attempt.
type Run struct {
	ID             uuid.UUID  `json:"id"`
	Initiator      string     `json:"initiator"`
	Status         Status     `json:"status"`
	SourceHost     string     `json:"source_host"`
	SourceDatabase string     `json:"source_database"`
	Counters       Counters   `json:"counters"`
	ErrorLog       string     `json:"error_log,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Active reports whether the run is still in flight.
func (r *Run) Active() bool {
	return r.Status == StatusStarted || r.Status == StatusRunning
}

func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Begin records a new run. A concurrent active run is reported in the log
// but does not block starting another; the newest run wins the dashboard.
func (s *Store) Begin(ctx context.Context, initiator, sourceHost, sourceDatabase string) (*Run, error) {
	if active, err := s.activeRun(ctx); err == nil && active != nil {
		s.logger.Warn("starting run while another is active",
			"active_run", active.ID, "active_since", active.StartedAt)
	}

	run := &Run{
		ID:             uuid.New(),
		Initiator:      initiator,
		Status:         StatusStarted,
		SourceHost:     sourceHost,
		SourceDatabase: sourceDatabase,
		StartedAt:      time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO migration_runs (id, initiator, status, source_host, source_database, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Initiator, run.Status, run.SourceHost, run.SourceDatabase, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	s.logger.Info("migration run started", "run", run.ID, "initiator", initiator,
		"source_host", sourceHost, "source_database", sourceDatabase)
	return run, nil
}

// MarkRunning transitions a run out of the started state.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE migration_runs SET status = $2 WHERE id = $1`, id, StatusRunning)
	return err
}

// UpdateCounters persists the current counter snapshot for a run.
func (s *Store) UpdateCounters(ctx context.Context, id uuid.UUID, c Counters) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE migration_runs SET
			tables_inspected = $2, tables_with_data = $3, tables_empty = $4,
			records_captured = $5, users_migrated = $6, academic_years_migrated = $7,
			courses_migrated = $8, enrollments_migrated = $9, grades_migrated = $10,
			scores_migrated = $11, attendance_migrated = $12, unresolved_dependencies = $13
		WHERE id = $1`,
		id, c.TablesInspected, c.TablesWithData, c.TablesEmpty, c.RecordsCaptured,
		c.UsersMigrated, c.AcademicYearsMigrated, c.CoursesMigrated,
		c.EnrollmentsMigrated, c.GradesMigrated, c.ScoresMigrated,
		c.AttendanceMigrated, c.UnresolvedDependencies)
	if err != nil {
		return fmt.Errorf("update counters for run %s: %w", id, err)
	}
	return nil
}

// AppendError adds one line to the run's error trail, truncating once the
// trail exceeds its cap.
func (s *Store) AppendError(ctx context.Context, id uuid.UUID, line string) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	trail := run.ErrorLog
	if trail != "" {
		trail += "\n"
	}
	trail += line
	if len(trail) > maxErrorLog {
		trail = "…" + trail[len(trail)-maxErrorLog:]
		if i := strings.IndexByte(trail, '\n'); i >= 0 {
			trail = "…" + trail[i+1:]
		}
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE migration_runs SET error_log = $2 WHERE id = $1`, id, trail)
	return err
}

// Finish closes a run with its final status and counters.
func (s *Store) Finish(ctx context.Context, id uuid.UUID, status Status, c Counters) error {
	if err := s.UpdateCounters(ctx, id, c); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`UPDATE migration_runs SET status = $2, finished_at = $3 WHERE id = $1`,
		id, status, now)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	s.logger.Info("migration run finished", "run", id, "status", status,
		"records_captured", c.RecordsCaptured, "users_migrated", c.UsersMigrated)
	return nil
}

// Get returns one run by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	return scanRun(s.pool.QueryRow(ctx, selectRun+` WHERE id = $1`, id))
}

// CurrentOrRecent returns the active run if one exists, otherwise the most
// recently started run.
func (s *Store) CurrentOrRecent(ctx context.Context) (*Run, error) {
	if run, err := s.activeRun(ctx); err != nil {
		return nil, err
	} else if run != nil {
		return run, nil
	}
	return scanRun(s.pool.QueryRow(ctx, selectRun+` ORDER BY started_at DESC LIMIT 1`))
}

// List returns runs newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, selectRun+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *Store) activeRun(ctx context.Context) (*Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		selectRun+` WHERE status IN ($1, $2) ORDER BY started_at DESC LIMIT 1`,
		StatusStarted, StatusRunning))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return run, err
}

const selectRun = `
	SELECT id, initiator, status, source_host, source_database,
		tables_inspected, tables_with_data, tables_empty, records_captured,
		users_migrated, academic_years_migrated, courses_migrated,
		enrollments_migrated, grades_migrated, scores_migrated,
		attendance_migrated, unresolved_dependencies,
		error_log, started_at, finished_at
	FROM migration_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row pgx.Row) (*Run, error) {
	run, err := scanRunRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func scanRunRow(row rowScanner) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.Initiator, &run.Status, &run.SourceHost,
		&run.SourceDatabase, &run.Counters.TablesInspected,
		&run.Counters.TablesWithData, &run.Counters.TablesEmpty,
		&run.Counters.RecordsCaptured, &run.Counters.UsersMigrated,
		&run.Counters.AcademicYearsMigrated, &run.Counters.CoursesMigrated,
		&run.Counters.EnrollmentsMigrated, &run.Counters.GradesMigrated,
		&run.Counters.ScoresMigrated, &run.Counters.AttendanceMigrated,
		&run.Counters.UnresolvedDependencies, &run.ErrorLog,
		&run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
