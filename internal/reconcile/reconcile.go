// Package reconcile rebuilds live school data from the archive. It runs a
// fixed pipeline of passes over the captured rows: profile schema evolution,
// field translation, account upsert, profile copy, then the dependent chain
// of academic years, courses, enrollments, attendance, and grades. Each pass
// is idempotent, so a rerun converges instead of duplicating.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/auth"
	"github.com/Bradleyfc/proyecto-cfbc/internal/runlog"
)

// TableMap names the well-known legacy tables the passes consume. Zero
// fields fall back to the defaults.
type TableMap struct {
	Users       string
	Groups      string
	UserGroups  string
	Profiles    string
	Years       string
	Courses     string
	Enrollments string
	Grades      string
	Scores      string
	Attendance  string
}

// DefaultTableMap matches the legacy school system's table names.
func DefaultTableMap() TableMap {
	return TableMap{
		Users:       "auth_user",
		Groups:      "auth_group",
		UserGroups:  "auth_user_groups",
		Profiles:    "accounts_registro",
		Years:       "principal_cursoacademico",
		Courses:     "principal_cursos",
		Enrollments: "principal_matricula",
		Grades:      "principal_notas",
		Scores:      "principal_notasparciales",
		Attendance:  "principal_asistencia",
	}
}

// TableMapFromConfig builds a TableMap from config overrides keyed by the
// lowercase field name ("users", "user_groups", ...). Unknown keys are
// ignored; missing ones fall back to the defaults.
func TableMapFromConfig(m map[string]string) TableMap {
	return TableMap{
		Users:       m["users"],
		Groups:      m["groups"],
		UserGroups:  m["user_groups"],
		Profiles:    m["profiles"],
		Years:       m["years"],
		Courses:     m["courses"],
		Enrollments: m["enrollments"],
		Grades:      m["grades"],
		Scores:      m["scores"],
		Attendance:  m["attendance"],
	}.withDefaults()
}

func (tm TableMap) withDefaults() TableMap {
	def := DefaultTableMap()
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	return TableMap{
		Users:       pick(tm.Users, def.Users),
		Groups:      pick(tm.Groups, def.Groups),
		UserGroups:  pick(tm.UserGroups, def.UserGroups),
		Profiles:    pick(tm.Profiles, def.Profiles),
		Years:       pick(tm.Years, def.Years),
		Courses:     pick(tm.Courses, def.Courses),
		Enrollments: pick(tm.Enrollments, def.Enrollments),
		Grades:      pick(tm.Grades, def.Grades),
		Scores:      pick(tm.Scores, def.Scores),
		Attendance:  pick(tm.Attendance, def.Attendance),
	}
}

func (tm TableMap) known() []string {
	return []string{tm.Users, tm.Groups, tm.UserGroups, tm.Profiles, tm.Years,
		tm.Courses, tm.Enrollments, tm.Grades, tm.Scores, tm.Attendance}
}

// state carries identity maps between passes. Keys are source-database ids.
type state struct {
	liveUsers   map[int64]int64          // source user id -> live user id
	shadowUsers map[int64]int64          // source user id -> archived_users id
	teachers    map[int64]bool           // source user ids holding the teacher role
	roles       map[int64][]string
	profiles    map[int64]map[string]any // source user id -> translated profile payload

	liveYears   map[int64]int64
	shadowYears map[int64]int64

	liveCourses   map[int64]int64
	shadowCourses map[int64]int64

	liveEnrollments   map[int64]int64
	shadowEnrollments map[int64]int64

	liveGrades   map[int64]int64
	shadowGrades map[int64]int64

	// profileColumns is the usable column set of the live profiles table
	// after schema evolution; evolution failures remove fields from it.
	profileColumns map[string]bool
}

func newState() *state {
	return &state{
		liveUsers:         make(map[int64]int64),
		shadowUsers:       make(map[int64]int64),
		teachers:          make(map[int64]bool),
		roles:             make(map[int64][]string),
		profiles:          make(map[int64]map[string]any),
		liveYears:         make(map[int64]int64),
		shadowYears:       make(map[int64]int64),
		liveCourses:       make(map[int64]int64),
		shadowCourses:     make(map[int64]int64),
		liveEnrollments:   make(map[int64]int64),
		shadowEnrollments: make(map[int64]int64),
		liveGrades:        make(map[int64]int64),
		shadowGrades:      make(map[int64]int64),
		profileColumns:    make(map[string]bool),
	}
}

// Options configures an Engine.
type Options struct {
	// Tables overrides the well-known legacy table names.
	Tables TableMap
	// DefaultSecret is granted, hashed, to accounts whose archived secret
	// is empty or unusable; those accounts are flagged to change it on
	// first login. Empty disables the fallback, leaving such accounts
	// recoverable only through a claim.
	DefaultSecret string
}

// Engine runs the reconciliation pipeline.
type Engine struct {
	pool          *pgxpool.Pool
	store         *archive.Store
	authSvc       *auth.Service
	tables        TableMap
	defaultSecret string
	logger        *slog.Logger
}

func NewEngine(pool *pgxpool.Pool, store *archive.Store, authSvc *auth.Service, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		pool:          pool,
		store:         store,
		authSvc:       authSvc,
		tables:        opts.Tables.withDefaults(),
		defaultSecret: opts.DefaultSecret,
		logger:        logger,
	}
}

// Run executes the passes in order. warn receives one line per skipped or
// problematic record; it must not block.
func (e *Engine) Run(ctx context.Context, counters *runlog.Counters, warn func(string)) error {
	if warn == nil {
		warn = func(string) {}
	}
	st := newState()

	if err := e.evolveProfileSchema(ctx, st, warn); err != nil {
		return fmt.Errorf("schema evolution: %w", err)
	}
	if err := e.loadProfiles(ctx, st); err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	if err := e.reconcileAccounts(ctx, st, counters, warn); err != nil {
		return fmt.Errorf("account pass: %w", err)
	}
	if err := e.copyProfiles(ctx, st, warn); err != nil {
		return fmt.Errorf("profile pass: %w", err)
	}
	if err := e.reconcileChain(ctx, st, counters, warn); err != nil {
		return fmt.Errorf("dependent chain: %w", err)
	}
	e.accountUnprocessed(ctx, warn)
	return nil
}

// accountUnprocessed reports captured tables no pass consumed. They stay in
// the archive untouched; the note is informational.
func (e *Engine) accountUnprocessed(ctx context.Context, warn func(string)) {
	counts, err := e.store.TableCounts(ctx)
	if err != nil {
		e.logger.Error("counting archived tables", "error", err)
		return
	}
	consumed := make(map[string]bool)
	for _, name := range e.tables.known() {
		consumed[name] = true
	}
	for _, tc := range counts {
		if !consumed[tc.Table] {
			warn(fmt.Sprintf("table %s: %d records archived but not reconciled", tc.Table, tc.Count))
			e.logger.Info("archived table left unreconciled", "table", tc.Table, "records", tc.Count)
		}
	}
}
