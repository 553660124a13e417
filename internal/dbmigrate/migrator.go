// Package dbmigrate drives a migration run against a legacy source database:
// it inspects the source schema, captures every row into the archive, hands
// the captured data to the reconciliation engine, and records the whole run
// in the migration log.
package dbmigrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/auth"
	"github.com/Bradleyfc/proyecto-cfbc/internal/inspect"
	"github.com/Bradleyfc/proyecto-cfbc/internal/migrate"
	"github.com/Bradleyfc/proyecto-cfbc/internal/reconcile"
	"github.com/Bradleyfc/proyecto-cfbc/internal/runlog"
)

// Options configures a Migrator.
type Options struct {
	// SourceURL is the legacy database DSN. MySQL/MariaDB DSNs and
	// postgres:// URLs are both accepted.
	SourceURL string
	// Initiator is recorded in the run log.
	Initiator string
	// Reconcile enables the reconciliation passes after capture.
	Reconcile bool
	// Tables overrides the well-known legacy table names.
	Tables reconcile.TableMap
	// DefaultPassword, when set, is granted to reconciled accounts whose
	// archived secret is unusable; they must change it on first login.
	DefaultPassword string
	Progress        migrate.ProgressReporter
}

// Migrator owns the source connection for the duration of one run.
type Migrator struct {
	source   *sql.DB
	flavor   migrate.SourceType
	pool     *pgxpool.Pool
	store    *archive.Store
	runs     *runlog.Store
	authSvc  *auth.Service
	opts     Options
	progress migrate.ProgressReporter
	logger   *slog.Logger

	sourceHost string
	sourceDB   string
}

// New opens the source database and prepares a migrator. The caller owns
// pool; Close releases only the source connection.
func New(pool *pgxpool.Pool, store *archive.Store, runs *runlog.Store, authSvc *auth.Service, opts Options, logger *slog.Logger) (*Migrator, error) {
	if opts.SourceURL == "" {
		return nil, fmt.Errorf("source database URL is required")
	}
	flavor := migrate.DetectSource(opts.SourceURL)
	if flavor == migrate.SourceUnknown {
		return nil, fmt.Errorf("cannot tell whether source is MySQL or Postgres: %q", redactURL(opts.SourceURL))
	}

	var driver, dsn string
	switch flavor {
	case migrate.SourceMySQL:
		driver, dsn = "mysql", mysqlDSN(opts.SourceURL)
	default:
		driver, dsn = "pgx", opts.SourceURL
	}
	source, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to source database: %w", err)
	}

	progress := opts.Progress
	if progress == nil {
		progress = migrate.NopReporter{}
	}

	host, db := sourceHostAndDB(opts.SourceURL)
	return &Migrator{
		source:     source,
		flavor:     flavor,
		pool:       pool,
		store:      store,
		runs:       runs,
		authSvc:    authSvc,
		opts:       opts,
		progress:   progress,
		logger:     logger,
		sourceHost: host,
		sourceDB:   db,
	}, nil
}

func (m *Migrator) Close() error {
	return m.source.Close()
}

// Probe verifies connectivity to both databases. Only connectivity failures
// abort a run before it starts.
func (m *Migrator) Probe(ctx context.Context) error {
	if err := m.source.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging source database: %w", err)
	}
	if err := m.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging target database: %w", err)
	}
	return nil
}

// Analyze inspects the source without writing anything, for a pre-flight
// report.
func (m *Migrator) Analyze(ctx context.Context) (*migrate.AnalysisReport, error) {
	if err := m.Probe(ctx); err != nil {
		return nil, err
	}
	inspector := inspect.NewInspector(m.source, m.flavor, m.logger)

	report := &migrate.AnalysisReport{
		SourceType: m.flavor.String(),
		SourceInfo: fmt.Sprintf("%s/%s", m.sourceHost, m.sourceDB),
	}
	tables, err := inspector.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range tables {
		if inspect.IsSystemTable(name) {
			continue
		}
		count, err := inspector.CountRows(ctx, name)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("cannot count rows in %s: %v", name, err))
			continue
		}
		report.Tables++
		report.Records += int(count)
		if count == 0 {
			report.EmptyTables++
		}
		if strings.Contains(strings.ToLower(name), "user") {
			report.Users += int(count)
		}
	}
	return report, nil
}

func (m *Migrator) phaseCount() int {
	if m.opts.Reconcile {
		return 4
	}
	return 3
}

// Migrate runs the full pipeline: inspect, capture, reconcile, validate.
// Individual table failures are logged on the run and skipped; only
// connectivity failures abort the run.
func (m *Migrator) Migrate(ctx context.Context) (*runlog.Run, *migrate.ValidationSummary, error) {
	if err := m.Probe(ctx); err != nil {
		return nil, nil, err
	}

	run, err := m.runs.Begin(ctx, m.opts.Initiator, m.sourceHost, m.sourceDB)
	if err != nil {
		return nil, nil, err
	}
	if err := m.runs.MarkRunning(ctx, run.ID); err != nil {
		return nil, nil, err
	}

	var counters runlog.Counters
	total := m.phaseCount()

	fail := func(err error) (*runlog.Run, *migrate.ValidationSummary, error) {
		_ = m.runs.AppendError(ctx, run.ID, err.Error())
		_ = m.runs.Finish(ctx, run.ID, runlog.StatusFailed, counters)
		failed, getErr := m.runs.Get(ctx, run.ID)
		if getErr != nil {
			return nil, nil, err
		}
		return failed, nil, err
	}

	// Phase 1: inspect.
	inspectPhase := migrate.Phase{Index: 1, Total: total, Name: "Inspecting source schema"}
	phaseStart := time.Now()
	m.progress.StartPhase(inspectPhase, 0)
	tables, err := m.inspectTables(ctx, run, &counters)
	if err != nil {
		return fail(err)
	}
	m.progress.CompletePhase(inspectPhase, len(tables), time.Since(phaseStart))

	// Phase 2: capture.
	capturePhase := migrate.Phase{Index: 2, Total: total, Name: "Capturing rows into archive"}
	phaseStart = time.Now()
	m.progress.StartPhase(capturePhase, len(tables))
	m.captureAll(ctx, run, capturePhase, tables, &counters)
	m.progress.CompletePhase(capturePhase, counters.RecordsCaptured, time.Since(phaseStart))
	if err := m.runs.UpdateCounters(ctx, run.ID, counters); err != nil {
		return fail(err)
	}

	// Phase 3: reconcile.
	phase := 3
	if m.opts.Reconcile {
		reconcilePhase := migrate.Phase{Index: phase, Total: total, Name: "Reconciling archived data"}
		phaseStart = time.Now()
		m.progress.StartPhase(reconcilePhase, 0)
		engine := reconcile.NewEngine(m.pool, m.store, m.authSvc, reconcile.Options{
			Tables:        m.opts.Tables,
			DefaultSecret: m.opts.DefaultPassword,
		}, m.logger)
		if err := engine.Run(ctx, &counters, func(line string) {
			_ = m.runs.AppendError(ctx, run.ID, line)
		}); err != nil {
			return fail(err)
		}
		m.progress.CompletePhase(reconcilePhase, counters.UsersMigrated, time.Since(phaseStart))
		phase++
	}

	// Final phase: validate.
	validatePhase := migrate.Phase{Index: phase, Total: total, Name: "Validating archive"}
	phaseStart = time.Now()
	m.progress.StartPhase(validatePhase, 0)
	summary, err := m.validate(ctx, tables)
	if err != nil {
		return fail(err)
	}
	m.progress.CompletePhase(validatePhase, len(summary.Rows), time.Since(phaseStart))

	if err := m.runs.Finish(ctx, run.ID, runlog.StatusCompleted, counters); err != nil {
		return nil, nil, err
	}
	finished, err := m.runs.Get(ctx, run.ID)
	return finished, summary, err
}

// mysqlDSN accepts either a go-sql-driver DSN or a mysql:// URL and returns
// a driver DSN.
func mysqlDSN(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	var b strings.Builder
	if u.User != nil {
		b.WriteString(u.User.Username())
		if pw, ok := u.User.Password(); ok {
			b.WriteString(":" + pw)
		}
		b.WriteString("@")
	}
	b.WriteString("tcp(" + u.Host + ")")
	b.WriteString(u.Path)
	b.WriteString("?parseTime=true")
	return b.String()
}

// sourceHostAndDB extracts only the host and database name for display;
// credentials are never persisted.
func sourceHostAndDB(raw string) (host, db string) {
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil {
			return u.Host, strings.TrimPrefix(u.Path, "/")
		}
	}
	// go-sql-driver DSN: user:pass@tcp(host:port)/dbname?params
	if i := strings.Index(raw, "@tcp("); i >= 0 {
		rest := raw[i+len("@tcp("):]
		if j := strings.Index(rest, ")"); j >= 0 {
			host = rest[:j]
			rest = rest[j+1:]
			rest = strings.TrimPrefix(rest, "/")
			if k := strings.IndexByte(rest, '?'); k >= 0 {
				rest = rest[:k]
			}
			return host, rest
		}
	}
	return "", ""
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User(u.User.Username())
	return u.String()
}
