package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/auth"
	"github.com/Bradleyfc/proyecto-cfbc/internal/migrations"
	"github.com/Bradleyfc/proyecto-cfbc/internal/runlog"
	"github.com/Bradleyfc/proyecto-cfbc/internal/testutil"
)

type engineFixture struct {
	pool   *pgxpool.Pool
	store  *archive.Store
	engine *Engine
	tables TableMap
	n      int64
	ctx    context.Context
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	pool := testutil.PG(t)
	ctx := context.Background()
	logger := testutil.DiscardLogger()
	testutil.NoError(t, migrations.NewRunner(pool, logger).Bootstrap(ctx))

	store := archive.NewStore(pool, logger)
	authSvc := auth.NewService(pool, store, nil, auth.Config{JWTSecret: "engine-test"}, logger)

	n := time.Now().UnixNano()
	tables := TableMap{
		Users:       fmt.Sprintf("auth_user_%d", n),
		Groups:      fmt.Sprintf("auth_group_%d", n),
		UserGroups:  fmt.Sprintf("auth_user_groups_%d", n),
		Profiles:    fmt.Sprintf("accounts_registro_%d", n),
		Years:       fmt.Sprintf("cursoacademico_%d", n),
		Courses:     fmt.Sprintf("cursos_%d", n),
		Enrollments: fmt.Sprintf("matricula_%d", n),
		Grades:      fmt.Sprintf("notas_%d", n),
		Scores:      fmt.Sprintf("notasparciales_%d", n),
		Attendance:  fmt.Sprintf("asistencia_%d", n),
	}
	fix := &engineFixture{
		pool:   pool,
		store:  store,
		engine: NewEngine(pool, store, authSvc, Options{Tables: tables}, logger),
		tables: tables,
		n:      n,
		ctx:    ctx,
	}
	t.Cleanup(func() {
		for _, table := range tables.known() {
			_, _ = store.DeleteTable(ctx, table)
		}
	})
	return fix
}

func (f *engineFixture) capture(t *testing.T, table string, sourceID int64, payload map[string]any) {
	t.Helper()
	_, err := f.store.Capture(f.ctx, table, sourceID, payload, nil)
	testutil.NoError(t, err)
}

// seedSchool captures a small but complete school: one teacher, one student,
// one academic year, course, enrollment, attendance, grade, and score.
func (f *engineFixture) seedSchool(t *testing.T) {
	t.Helper()
	n := f.n
	f.capture(t, f.tables.Groups, 1, map[string]any{"id": 1, "name": auth.RoleTeacher})
	f.capture(t, f.tables.Groups, 2, map[string]any{"id": 2, "name": auth.RoleStudent})
	f.capture(t, f.tables.UserGroups, 1, map[string]any{"id": 1, "user_id": 10, "group_id": 1})
	f.capture(t, f.tables.UserGroups, 2, map[string]any{"id": 2, "user_id": 20, "group_id": 2})
	// The teacher also appears in the student group; exclusivity keeps only
	// the teacher role.
	f.capture(t, f.tables.UserGroups, 3, map[string]any{"id": 3, "user_id": 10, "group_id": 2})

	f.capture(t, f.tables.Users, 10, map[string]any{
		"id": 10, "username": fmt.Sprintf("prof_%d", n), "email": fmt.Sprintf("prof_%d@cfbc.example", n),
		"first_name": "Carmen", "last_name": "Díaz", "is_active": true, "password": "clave-prof",
	})
	f.capture(t, f.tables.Users, 20, map[string]any{
		"id": 20, "username": fmt.Sprintf("alum_%d", n), "email": fmt.Sprintf("alum_%d@cfbc.example", n),
		"first_name": "Pedro", "last_name": "Ruiz", "is_active": true, "password": "clave-alum",
	})

	f.capture(t, f.tables.Profiles, 1, map[string]any{
		"id": 1, "user_id": 10, "nacionalidad": "Cubana", "titulo": "Lic. Educación",
	})
	f.capture(t, f.tables.Profiles, 2, map[string]any{
		"id": 2, "user_id": 20, "nationality": "Cubana", "mobile": "555-0102",
		"anno_graduacion": float64(2018),
	})

	f.capture(t, f.tables.Years, 100, map[string]any{
		"id": 100, "nombre": fmt.Sprintf("Curso %d", n), "activo": false,
	})
	f.capture(t, f.tables.Courses, 200, map[string]any{
		"id": 200, "nombre": "Inglés Básico", "area": "idiomas", "tipo": "curso",
		"estado": "F", "cantidad_clases": float64(40),
		"curso_academico_id": float64(100), "profesor_id": float64(10),
	})
	f.capture(t, f.tables.Enrollments, 300, map[string]any{
		"id": 300, "curso_id": float64(200), "estudiante_id": float64(20),
		"activo": true, "estado": "M", "fecha": "2019-09-02",
	})
	f.capture(t, f.tables.Attendance, 400, map[string]any{
		"id": 400, "curso_id": float64(200), "estudiante_id": float64(20),
		"presente": true, "fecha": "2019-09-10",
	})
	f.capture(t, f.tables.Grades, 500, map[string]any{
		"id": 500, "matricula_id": float64(300), "curso_id": float64(200),
		"estudiante_id": float64(20), "promedio": 4.5,
	})
	f.capture(t, f.tables.Scores, 600, map[string]any{
		"id": 600, "nota_id": float64(500), "valor": float64(5), "fecha": "2019-10-01",
	})
}

func TestEngineFullRun(t *testing.T) {
	fix := newEngineFixture(t)
	fix.seedSchool(t)

	var counters runlog.Counters
	var warnings []string
	err := fix.engine.Run(fix.ctx, &counters, func(line string) { warnings = append(warnings, line) })
	testutil.NoError(t, err)

	testutil.Equal(t, counters.UsersMigrated, 2)
	testutil.Equal(t, counters.AcademicYearsMigrated, 1)
	testutil.Equal(t, counters.CoursesMigrated, 1)
	testutil.Equal(t, counters.EnrollmentsMigrated, 1)
	testutil.Equal(t, counters.AttendanceMigrated, 1)
	testutil.Equal(t, counters.GradesMigrated, 1)
	testutil.Equal(t, counters.ScoresMigrated, 1)
	testutil.Equal(t, counters.UnresolvedDependencies, 0)

	// Teacher/student exclusivity: the teacher holds only the teacher role.
	var roleCount int
	err = fix.pool.QueryRow(fix.ctx, `
		SELECT count(*) FROM user_roles ur
		JOIN users u ON u.id = ur.user_id
		WHERE u.username = $1`, fmt.Sprintf("prof_%d", fix.n)).Scan(&roleCount)
	testutil.NoError(t, err)
	testutil.Equal(t, roleCount, 1)

	// Schema evolution added the unknown profile field and copied it.
	var gradYear *float64
	err = fix.pool.QueryRow(fix.ctx, `
		SELECT p.anno_graduacion FROM profiles p
		JOIN users u ON u.id = p.user_id
		WHERE u.username = $1`, fmt.Sprintf("alum_%d", fix.n)).Scan(&gradYear)
	testutil.NoError(t, err)
	testutil.NotNil(t, gradYear)
	testutil.Equal(t, *gradYear, float64(2018))

	// Field translation: the English-named profile landed in Spanish columns.
	var movil string
	err = fix.pool.QueryRow(fix.ctx, `
		SELECT p.movil FROM profiles p
		JOIN users u ON u.id = p.user_id
		WHERE u.username = $1`, fmt.Sprintf("alum_%d", fix.n)).Scan(&movil)
	testutil.NoError(t, err)
	testutil.Equal(t, movil, "555-0102")

	// The chain resolved its references.
	var teacherUsername string
	err = fix.pool.QueryRow(fix.ctx, `
		SELECT u.username FROM courses c
		JOIN users u ON u.id = c.teacher_id
		WHERE c.source_id = 200`).Scan(&teacherUsername)
	testutil.NoError(t, err)
	testutil.Equal(t, teacherUsername, fmt.Sprintf("prof_%d", fix.n))
}

func TestEngineIdempotentRerun(t *testing.T) {
	fix := newEngineFixture(t)
	fix.seedSchool(t)

	var first runlog.Counters
	testutil.NoError(t, fix.engine.Run(fix.ctx, &first, nil))

	var second runlog.Counters
	testutil.NoError(t, fix.engine.Run(fix.ctx, &second, nil))

	// Reruns converge: entities upsert in place, scores are append-only so
	// none are re-inserted.
	testutil.Equal(t, second.UsersMigrated, first.UsersMigrated)
	testutil.Equal(t, second.CoursesMigrated, first.CoursesMigrated)
	testutil.Equal(t, second.ScoresMigrated, 0)

	var users int
	err := fix.pool.QueryRow(fix.ctx,
		`SELECT count(*) FROM users WHERE username IN ($1, $2)`,
		fmt.Sprintf("prof_%d", fix.n), fmt.Sprintf("alum_%d", fix.n)).Scan(&users)
	testutil.NoError(t, err)
	testutil.Equal(t, users, 2)

	var scores int
	err = fix.pool.QueryRow(fix.ctx, `
		SELECT count(*) FROM grade_scores gs
		JOIN grades g ON g.id = gs.grade_id
		WHERE g.source_id = 500`).Scan(&scores)
	testutil.NoError(t, err)
	testutil.Equal(t, scores, 1)
}

func TestEngineLastWriteWins(t *testing.T) {
	fix := newEngineFixture(t)
	fix.seedSchool(t)

	var counters runlog.Counters
	testutil.NoError(t, fix.engine.Run(fix.ctx, &counters, nil))

	// A fresh capture of the same source rows with changed values (as after
	// deleting the stale capture and re-running a migration) wins on rerun.
	_, err := fix.store.DeleteTable(fix.ctx, fix.tables.Profiles)
	testutil.NoError(t, err)
	fix.capture(t, fix.tables.Profiles, 2, map[string]any{
		"id": 2, "user_id": 20, "movil": "555-9999",
	})

	testutil.NoError(t, fix.engine.Run(fix.ctx, &counters, nil))

	var movil string
	err = fix.pool.QueryRow(fix.ctx, `
		SELECT p.movil FROM profiles p
		JOIN users u ON u.id = p.user_id
		WHERE u.username = $1`, fmt.Sprintf("alum_%d", fix.n)).Scan(&movil)
	testutil.NoError(t, err)
	testutil.Equal(t, movil, "555-9999")
}

func TestEngineUnresolvedDependencies(t *testing.T) {
	fix := newEngineFixture(t)

	// A course that references an academic year that was never captured.
	fix.capture(t, fix.tables.Courses, 201, map[string]any{
		"id": 201, "nombre": "Huérfano", "curso_academico_id": float64(999),
	})

	var counters runlog.Counters
	var warnings []string
	err := fix.engine.Run(fix.ctx, &counters, func(line string) { warnings = append(warnings, line) })
	testutil.NoError(t, err)

	testutil.Equal(t, counters.CoursesMigrated, 0)
	testutil.Equal(t, counters.UnresolvedDependencies, 1)
	testutil.True(t, len(warnings) > 0)
}

func TestEngineCourseMissingTeacher(t *testing.T) {
	fix := newEngineFixture(t)
	courseSrc := fix.n

	fix.capture(t, fix.tables.Years, 100, map[string]any{
		"id": 100, "nombre": fmt.Sprintf("Curso %d", fix.n),
	})
	// The referenced teacher was never captured: the course must be skipped,
	// not created with an empty teacher reference.
	fix.capture(t, fix.tables.Courses, courseSrc, map[string]any{
		"id": courseSrc, "nombre": "Sin Profesor",
		"curso_academico_id": float64(100), "profesor_id": float64(777),
	})

	var counters runlog.Counters
	var warnings []string
	err := fix.engine.Run(fix.ctx, &counters, func(line string) { warnings = append(warnings, line) })
	testutil.NoError(t, err)

	testutil.Equal(t, counters.CoursesMigrated, 0)
	testutil.Equal(t, counters.UnresolvedDependencies, 1)
	testutil.True(t, len(warnings) > 0)

	var count int
	err = fix.pool.QueryRow(fix.ctx,
		`SELECT count(*) FROM courses WHERE source_id = $1`, courseSrc).Scan(&count)
	testutil.NoError(t, err)
	testutil.Equal(t, count, 0)

	// Once the teacher arrives, a rerun resolves the course.
	fix.capture(t, fix.tables.Groups, 1, map[string]any{"id": 1, "name": auth.RoleTeacher})
	fix.capture(t, fix.tables.UserGroups, 1, map[string]any{"id": 1, "user_id": 777, "group_id": 1})
	fix.capture(t, fix.tables.Users, 777, map[string]any{
		"id": 777, "username": fmt.Sprintf("prof_tarde_%d", fix.n),
		"email": fmt.Sprintf("prof_tarde_%d@cfbc.example", fix.n), "is_active": true,
	})

	var second runlog.Counters
	testutil.NoError(t, fix.engine.Run(fix.ctx, &second, nil))
	testutil.Equal(t, second.CoursesMigrated, 1)
	testutil.Equal(t, second.UnresolvedDependencies, 0)

	var teacherUsername string
	err = fix.pool.QueryRow(fix.ctx, `
		SELECT u.username FROM courses c
		JOIN users u ON u.id = c.teacher_id
		WHERE c.source_id = $1`, courseSrc).Scan(&teacherUsername)
	testutil.NoError(t, err)
	testutil.Equal(t, teacherUsername, fmt.Sprintf("prof_tarde_%d", fix.n))
}

func TestEngineDefaultSecret(t *testing.T) {
	fix := newEngineFixture(t)
	logger := testutil.DiscardLogger()
	authSvc := auth.NewService(fix.pool, fix.store, nil, auth.Config{JWTSecret: "engine-test"}, logger)
	engine := NewEngine(fix.pool, fix.store, authSvc, Options{
		Tables:        fix.tables,
		DefaultSecret: "cambiar-123",
	}, logger)

	// One account carries no archived secret at all, the other a usable hash.
	fix.capture(t, fix.tables.Users, 30, map[string]any{
		"id": 30, "username": fmt.Sprintf("sinclave_%d", fix.n),
		"email": fmt.Sprintf("sinclave_%d@cfbc.example", fix.n), "is_active": true,
	})
	fix.capture(t, fix.tables.Users, 31, map[string]any{
		"id": 31, "username": fmt.Sprintf("conclave_%d", fix.n),
		"email":    fmt.Sprintf("conclave_%d@cfbc.example", fix.n),
		"password": "pbkdf2_sha256$260000$salt$hashhashhash", "is_active": true,
	})

	var counters runlog.Counters
	testutil.NoError(t, engine.Run(fix.ctx, &counters, nil))
	testutil.Equal(t, counters.UsersMigrated, 2)

	var mustChange bool
	var hash string
	err := fix.pool.QueryRow(fix.ctx, `
		SELECT must_change_password, password_hash FROM users
		WHERE username = $1`, fmt.Sprintf("sinclave_%d", fix.n)).Scan(&mustChange, &hash)
	testutil.NoError(t, err)
	testutil.True(t, mustChange)
	testutil.True(t, hash != "")

	err = fix.pool.QueryRow(fix.ctx, `
		SELECT must_change_password FROM users
		WHERE username = $1`, fmt.Sprintf("conclave_%d", fix.n)).Scan(&mustChange)
	testutil.NoError(t, err)
	testutil.False(t, mustChange)
}
