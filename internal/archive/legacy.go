package archive

import (
	"context"
	"fmt"
	"time"
)

// Legacy shadow entities mirror the well-known tables of the old school
// system with typed columns, alongside the generic capture. They keep their
// original primary key in SourceID so relationships can be replayed.

type LegacyUser struct {
	ID           int64
	SourceID     int64
	Username     string
	FirstName    string
	LastName     string
	Email        string
	DateJoined   *time.Time
	IsActive     bool
	Nacionalidad string
	Carnet       string
	Sexo         string
	Address      string
	Location     string
	Provincia    string
	Telephone    string
	Movil        string
	Grado        string
	Ocupacion    string
	Titulo       string
	Grupo        string
	LiveUserID   *int64
}

type LegacyAcademicYear struct {
	ID        int64
	SourceID  int64
	Name      string
	Active    bool
	Archived  bool
	CreatedOn *time.Time
}

type LegacyCourse struct {
	ID                    int64
	SourceID              int64
	Name                  string
	Description           string
	Area                  string
	Kind                  string
	Status                string
	ClassQuantity         int
	AcademicYearArchiveID *int64
	TeacherSourceID       *int64
	TeacherName           string
	EnrollmentDeadline    *time.Time
	StartDate             *time.Time
}

type LegacyEnrollment struct {
	ID               int64
	SourceID         int64
	CourseArchiveID  int64
	StudentArchiveID int64
	Active           bool
	EnrolledOn       *time.Time
	Status           string
}

type LegacyGrade struct {
	ID                  int64
	SourceID            int64
	EnrollmentArchiveID int64
	CourseArchiveID     int64
	StudentArchiveID    int64
	Average             *float64
}

type LegacyScore struct {
	ID             int64
	SourceID       *int64
	GradeArchiveID int64
	Value          int
	CreatedOn      *time.Time
}

type LegacyAttendance struct {
	ID               int64
	SourceID         int64
	CourseArchiveID  int64
	StudentArchiveID int64
	Present          bool
	OnDate           time.Time
}

// UpsertLegacyUser stores or refreshes a shadow user and returns its archive
// id. Rerunning with the same SourceID updates in place.
func (s *Store) UpsertLegacyUser(ctx context.Context, u *LegacyUser) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO archived_users (
			source_id, username, first_name, last_name, email, date_joined,
			is_active, nacionalidad, carnet, sexo, address, location, provincia,
			telephone, movil, grado, ocupacion, titulo, grupo, live_user_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (source_id) DO UPDATE SET
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			email = EXCLUDED.email,
			date_joined = EXCLUDED.date_joined,
			is_active = EXCLUDED.is_active,
			nacionalidad = EXCLUDED.nacionalidad,
			carnet = EXCLUDED.carnet,
			sexo = EXCLUDED.sexo,
			address = EXCLUDED.address,
			location = EXCLUDED.location,
			provincia = EXCLUDED.provincia,
			telephone = EXCLUDED.telephone,
			movil = EXCLUDED.movil,
			grado = EXCLUDED.grado,
			ocupacion = EXCLUDED.ocupacion,
			titulo = EXCLUDED.titulo,
			grupo = EXCLUDED.grupo
		RETURNING id`,
		u.SourceID, u.Username, u.FirstName, u.LastName, u.Email, u.DateJoined,
		u.IsActive, u.Nacionalidad, u.Carnet, u.Sexo, u.Address, u.Location,
		u.Provincia, u.Telephone, u.Movil, u.Grado, u.Ocupacion, u.Titulo,
		u.Grupo, u.LiveUserID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert legacy user %d: %w", u.SourceID, err)
	}
	return id, nil
}

// LinkLegacyUser records the live account materialized from a shadow user.
func (s *Store) LinkLegacyUser(ctx context.Context, archiveID, liveUserID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE archived_users SET live_user_id = $2 WHERE id = $1`, archiveID, liveUserID)
	return err
}

// FindLegacyUser looks an archived user up by username or email,
// case-insensitively.
func (s *Store) FindLegacyUser(ctx context.Context, login string) (*LegacyUser, error) {
	var u LegacyUser
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_id, username, first_name, last_name, email, date_joined,
			is_active, nacionalidad, carnet, sexo, address, location, provincia,
			telephone, movil, grado, ocupacion, titulo, grupo, live_user_id
		FROM archived_users
		WHERE lower(username) = lower($1) OR lower(email) = lower($1)
		ORDER BY id LIMIT 1`, login).Scan(
		&u.ID, &u.SourceID, &u.Username, &u.FirstName, &u.LastName, &u.Email,
		&u.DateJoined, &u.IsActive, &u.Nacionalidad, &u.Carnet, &u.Sexo,
		&u.Address, &u.Location, &u.Provincia, &u.Telephone, &u.Movil,
		&u.Grado, &u.Ocupacion, &u.Titulo, &u.Grupo, &u.LiveUserID)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("find legacy user %q", login))
	}
	return &u, nil
}

func (s *Store) UpsertLegacyAcademicYear(ctx context.Context, y *LegacyAcademicYear) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO archived_academic_years (source_id, name, active, archived, created_on)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			archived = EXCLUDED.archived,
			created_on = EXCLUDED.created_on
		RETURNING id`,
		y.SourceID, y.Name, y.Active, y.Archived, y.CreatedOn).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert legacy academic year %d: %w", y.SourceID, err)
	}
	return id, nil
}

func (s *Store) UpsertLegacyCourse(ctx context.Context, c *LegacyCourse) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO archived_courses (
			source_id, name, description, area, kind, status, class_quantity,
			academic_year_archive_id, teacher_source_id, teacher_name,
			enrollment_deadline, start_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (source_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			area = EXCLUDED.area,
			kind = EXCLUDED.kind,
			status = EXCLUDED.status,
			class_quantity = EXCLUDED.class_quantity,
			academic_year_archive_id = EXCLUDED.academic_year_archive_id,
			teacher_source_id = EXCLUDED.teacher_source_id,
			teacher_name = EXCLUDED.teacher_name,
			enrollment_deadline = EXCLUDED.enrollment_deadline,
			start_date = EXCLUDED.start_date
		RETURNING id`,
		c.SourceID, c.Name, c.Description, c.Area, c.Kind, c.Status,
		c.ClassQuantity, c.AcademicYearArchiveID, c.TeacherSourceID,
		c.TeacherName, c.EnrollmentDeadline, c.StartDate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert legacy course %d: %w", c.SourceID, err)
	}
	return id, nil
}

func (s *Store) UpsertLegacyEnrollment(ctx context.Context, e *LegacyEnrollment) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO archived_enrollments (
			source_id, course_archive_id, student_archive_id, active, enrolled_on, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_id) DO UPDATE SET
			active = EXCLUDED.active,
			enrolled_on = EXCLUDED.enrolled_on,
			status = EXCLUDED.status
		RETURNING id`,
		e.SourceID, e.CourseArchiveID, e.StudentArchiveID, e.Active, e.EnrolledOn, e.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert legacy enrollment %d: %w", e.SourceID, err)
	}
	return id, nil
}

func (s *Store) UpsertLegacyGrade(ctx context.Context, g *LegacyGrade) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO archived_grades (
			source_id, enrollment_archive_id, course_archive_id, student_archive_id, average)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id) DO UPDATE SET average = EXCLUDED.average
		RETURNING id`,
		g.SourceID, g.EnrollmentArchiveID, g.CourseArchiveID, g.StudentArchiveID, g.Average).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert legacy grade %d: %w", g.SourceID, err)
	}
	return id, nil
}

// InsertLegacyScore stores one partial score. Scores are append-only; a score
// already captured under the same source id is skipped.
func (s *Store) InsertLegacyScore(ctx context.Context, sc *LegacyScore) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO archived_grade_scores (source_id, grade_archive_id, value, created_on)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id) DO NOTHING`,
		sc.SourceID, sc.GradeArchiveID, sc.Value, sc.CreatedOn)
	if err != nil {
		return false, fmt.Errorf("insert legacy score: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) UpsertLegacyAttendance(ctx context.Context, a *LegacyAttendance) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO archived_attendance (
			source_id, course_archive_id, student_archive_id, present, on_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id) DO UPDATE SET present = EXCLUDED.present
		RETURNING id`,
		a.SourceID, a.CourseArchiveID, a.StudentArchiveID, a.Present, a.OnDate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert legacy attendance %d: %w", a.SourceID, err)
	}
	return id, nil
}
