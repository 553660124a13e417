package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/runlog"
)

// reconcileChain replays the dependent entities in dependency order:
// academic years, courses, enrollments, attendance, grades, partial scores.
// A record whose parent is missing is skipped and counted; reruns pick it up
// once the parent arrives.
func (e *Engine) reconcileChain(ctx context.Context, st *state, counters *runlog.Counters, warn func(string)) error {
	if err := e.reconcileYears(ctx, st, counters, warn); err != nil {
		return err
	}
	if err := e.reconcileCourses(ctx, st, counters, warn); err != nil {
		return err
	}
	if err := e.reconcileEnrollments(ctx, st, counters, warn); err != nil {
		return err
	}
	if err := e.reconcileAttendance(ctx, st, counters, warn); err != nil {
		return err
	}
	if err := e.reconcileGrades(ctx, st, counters, warn); err != nil {
		return err
	}
	return e.reconcileScores(ctx, st, counters, warn)
}

func (e *Engine) reconcileYears(ctx context.Context, st *state, counters *runlog.Counters, warn func(string)) error {
	records, err := e.store.AllForTable(ctx, e.tables.Years)
	if err != nil {
		return err
	}
	for i := range records {
		rec := &records[i]
		name := pStr(rec.Payload, "nombre", "name")
		if name == "" {
			name = rec.DisplayName
		}
		createdOn := pTime(rec.Payload, "fecha_creacion", "created_on", "created")

		var liveID int64
		err := e.pool.QueryRow(ctx, `
			INSERT INTO academic_years (source_id, name, active, archived, created_on)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (source_id) DO UPDATE SET
				name = EXCLUDED.name,
				active = EXCLUDED.active,
				archived = EXCLUDED.archived
			RETURNING id`,
			rec.SourceID, name,
			pBool(rec.Payload, "activo", "active"),
			pBool(rec.Payload, "archivado", "archived"),
			createdOn).Scan(&liveID)
		if err != nil {
			warn(fmt.Sprintf("%s/%d: %v", e.tables.Years, rec.SourceID, err))
			continue
		}
		st.liveYears[rec.SourceID] = liveID

		shadowID, err := e.store.UpsertLegacyAcademicYear(ctx, &archive.LegacyAcademicYear{
			SourceID:  rec.SourceID,
			Name:      name,
			Active:    pBool(rec.Payload, "activo", "active"),
			Archived:  true,
			CreatedOn: createdOn,
		})
		if err != nil {
			warn(fmt.Sprintf("%s/%d: shadow: %v", e.tables.Years, rec.SourceID, err))
			continue
		}
		st.shadowYears[rec.SourceID] = shadowID
		counters.AcademicYearsMigrated++
	}
	return nil
}

func (e *Engine) reconcileCourses(ctx context.Context, st *state, counters *runlog.Counters, warn func(string)) error {
	records, err := e.store.AllForTable(ctx, e.tables.Courses)
	if err != nil {
		return err
	}
	for i := range records {
		rec := &records[i]
		yearSrc, hasYear := pInt(rec.Payload, "curso_academico_id", "academic_year_id")
		liveYear, yearKnown := st.liveYears[yearSrc]
		if !hasYear || !yearKnown {
			counters.UnresolvedDependencies++
			warn(fmt.Sprintf("%s/%d: academic year %d not found, skipped", e.tables.Courses, rec.SourceID, yearSrc))
			continue
		}

		// A course that references a teacher depends on the resolved account;
		// until a rerun resolves it the course is skipped, never created with
		// an empty reference.
		var liveTeacher *int64
		teacherSrc, hasTeacher := pInt(rec.Payload, "profesor_id", "teacher_id")
		if hasTeacher {
			id, ok := st.liveUsers[teacherSrc]
			if !ok {
				counters.UnresolvedDependencies++
				warn(fmt.Sprintf("%s/%d: teacher %d not found, skipped", e.tables.Courses, rec.SourceID, teacherSrc))
				continue
			}
			liveTeacher = &id
		}

		name := pStr(rec.Payload, "nombre", "name")
		classQty, _ := pInt(rec.Payload, "cantidad_clases", "class_quantity")
		deadline := pTime(rec.Payload, "fecha_limite", "enrollment_deadline")
		startDate := pTime(rec.Payload, "fecha_inicio", "start_date")

		var liveID int64
		err := e.pool.QueryRow(ctx, `
			INSERT INTO courses (source_id, name, description, area, kind, status,
				class_quantity, academic_year_id, teacher_id, enrollment_deadline, start_date)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (source_id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				area = EXCLUDED.area,
				kind = EXCLUDED.kind,
				status = EXCLUDED.status,
				class_quantity = EXCLUDED.class_quantity,
				academic_year_id = EXCLUDED.academic_year_id,
				teacher_id = COALESCE(EXCLUDED.teacher_id, courses.teacher_id),
				enrollment_deadline = EXCLUDED.enrollment_deadline,
				start_date = EXCLUDED.start_date
			RETURNING id`,
			rec.SourceID, name,
			pStr(rec.Payload, "descripcion", "description"),
			pStr(rec.Payload, "area"),
			pStr(rec.Payload, "tipo", "kind"),
			pStr(rec.Payload, "estado", "status"),
			classQty, liveYear, liveTeacher, deadline, startDate).Scan(&liveID)
		if err != nil {
			warn(fmt.Sprintf("%s/%d: %v", e.tables.Courses, rec.SourceID, err))
			continue
		}
		st.liveCourses[rec.SourceID] = liveID

		shadowYear := st.shadowYears[yearSrc]
		shadow := &archive.LegacyCourse{
			SourceID:           rec.SourceID,
			Name:               name,
			Description:        pStr(rec.Payload, "descripcion", "description"),
			Area:               pStr(rec.Payload, "area"),
			Kind:               pStr(rec.Payload, "tipo", "kind"),
			Status:             pStr(rec.Payload, "estado", "status"),
			ClassQuantity:      int(classQty),
			EnrollmentDeadline: deadline,
			StartDate:          startDate,
		}
		if shadowYear != 0 {
			shadow.AcademicYearArchiveID = &shadowYear
		}
		if hasTeacher {
			shadow.TeacherSourceID = &teacherSrc
		}
		shadowID, err := e.store.UpsertLegacyCourse(ctx, shadow)
		if err != nil {
			warn(fmt.Sprintf("%s/%d: shadow: %v", e.tables.Courses, rec.SourceID, err))
			continue
		}
		st.shadowCourses[rec.SourceID] = shadowID
		counters.CoursesMigrated++
	}
	return nil
}

func (e *Engine) reconcileEnrollments(ctx context.Context, st *state, counters *runlog.Counters, warn func(string)) error {
	records, err := e.store.AllForTable(ctx, e.tables.Enrollments)
	if err != nil {
		return err
	}
	for i := range records {
		rec := &records[i]
		courseSrc, _ := pInt(rec.Payload, "curso_id", "course_id")
		studentSrc, _ := pInt(rec.Payload, "estudiante_id", "student_id", "user_id")
		liveCourse, okCourse := st.liveCourses[courseSrc]
		liveStudent, okStudent := st.liveUsers[studentSrc]
		if !okCourse || !okStudent {
			counters.UnresolvedDependencies++
			warn(fmt.Sprintf("%s/%d: course %d or student %d not found, skipped",
				e.tables.Enrollments, rec.SourceID, courseSrc, studentSrc))
			continue
		}

		enrolledOn := pTime(rec.Payload, "fecha", "enrolled_on")
		status := pStr(rec.Payload, "estado", "status")
		active := pBool(rec.Payload, "activo", "active")

		var liveID int64
		err := e.pool.QueryRow(ctx, `
			INSERT INTO enrollments (source_id, course_id, student_id, active, enrolled_on, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (course_id, student_id) DO UPDATE SET
				source_id = EXCLUDED.source_id,
				active = EXCLUDED.active,
				enrolled_on = EXCLUDED.enrolled_on,
				status = EXCLUDED.status
			RETURNING id`,
			rec.SourceID, liveCourse, liveStudent, active, enrolledOn, status).Scan(&liveID)
		if err != nil {
			warn(fmt.Sprintf("%s/%d: %v", e.tables.Enrollments, rec.SourceID, err))
			continue
		}
		st.liveEnrollments[rec.SourceID] = liveID

		shadowCourse, okSC := st.shadowCourses[courseSrc]
		shadowStudent, okSS := st.shadowUsers[studentSrc]
		if okSC && okSS {
			shadowID, err := e.store.UpsertLegacyEnrollment(ctx, &archive.LegacyEnrollment{
				SourceID:         rec.SourceID,
				CourseArchiveID:  shadowCourse,
				StudentArchiveID: shadowStudent,
				Active:           active,
				EnrolledOn:       enrolledOn,
				Status:           status,
			})
			if err != nil {
				warn(fmt.Sprintf("%s/%d: shadow: %v", e.tables.Enrollments, rec.SourceID, err))
			} else {
				st.shadowEnrollments[rec.SourceID] = shadowID
			}
		}
		counters.EnrollmentsMigrated++
	}
	return nil
}

func (e *Engine) reconcileAttendance(ctx context.Context, st *state, counters *runlog.Counters, warn func(string)) error {
	records, err := e.store.AllForTable(ctx, e.tables.Attendance)
	if err != nil {
		return err
	}
	for i := range records {
		rec := &records[i]
		courseSrc, _ := pInt(rec.Payload, "curso_id", "course_id")
		studentSrc, _ := pInt(rec.Payload, "estudiante_id", "student_id", "user_id")
		liveCourse, okCourse := st.liveCourses[courseSrc]
		liveStudent, okStudent := st.liveUsers[studentSrc]
		onDate := pTime(rec.Payload, "fecha", "date", "on_date")
		if !okCourse || !okStudent || onDate == nil {
			counters.UnresolvedDependencies++
			warn(fmt.Sprintf("%s/%d: unresolved course/student/date, skipped", e.tables.Attendance, rec.SourceID))
			continue
		}
		present := pBool(rec.Payload, "presente", "present")

		_, err := e.pool.Exec(ctx, `
			INSERT INTO attendance (source_id, course_id, student_id, present, on_date)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (course_id, student_id, on_date) DO UPDATE SET
				source_id = EXCLUDED.source_id,
				present = EXCLUDED.present`,
			rec.SourceID, liveCourse, liveStudent, present, *onDate)
		if err != nil {
			warn(fmt.Sprintf("%s/%d: %v", e.tables.Attendance, rec.SourceID, err))
			continue
		}

		shadowCourse, okSC := st.shadowCourses[courseSrc]
		shadowStudent, okSS := st.shadowUsers[studentSrc]
		if okSC && okSS {
			_, err := e.store.UpsertLegacyAttendance(ctx, &archive.LegacyAttendance{
				SourceID:         rec.SourceID,
				CourseArchiveID:  shadowCourse,
				StudentArchiveID: shadowStudent,
				Present:          present,
				OnDate:           *onDate,
			})
			if err != nil {
				warn(fmt.Sprintf("%s/%d: shadow: %v", e.tables.Attendance, rec.SourceID, err))
			}
		}
		counters.AttendanceMigrated++
	}
	return nil
}

func (e *Engine) reconcileGrades(ctx context.Context, st *state, counters *runlog.Counters, warn func(string)) error {
	records, err := e.store.AllForTable(ctx, e.tables.Grades)
	if err != nil {
		return err
	}
	for i := range records {
		rec := &records[i]
		enrollSrc, _ := pInt(rec.Payload, "matricula_id", "enrollment_id")
		liveEnroll, ok := st.liveEnrollments[enrollSrc]
		if !ok {
			counters.UnresolvedDependencies++
			warn(fmt.Sprintf("%s/%d: enrollment %d not found, skipped", e.tables.Grades, rec.SourceID, enrollSrc))
			continue
		}
		courseSrc, _ := pInt(rec.Payload, "curso_id", "course_id")
		studentSrc, _ := pInt(rec.Payload, "estudiante_id", "student_id", "user_id")

		// The enrollment row is authoritative for the course and student when
		// the grade payload lacks or mismatches them.
		liveCourse, okC := st.liveCourses[courseSrc]
		liveStudent, okS := st.liveUsers[studentSrc]
		if !okC || !okS {
			err := e.pool.QueryRow(ctx,
				`SELECT course_id, student_id FROM enrollments WHERE id = $1`,
				liveEnroll).Scan(&liveCourse, &liveStudent)
			if err != nil {
				warn(fmt.Sprintf("%s/%d: %v", e.tables.Grades, rec.SourceID, err))
				continue
			}
		}

		var average *float64
		if avg, ok := pFloat(rec.Payload, "promedio", "average"); ok {
			average = &avg
		}

		var liveID int64
		err := e.pool.QueryRow(ctx, `
			INSERT INTO grades (source_id, enrollment_id, course_id, student_id, average)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (enrollment_id) DO UPDATE SET
				source_id = EXCLUDED.source_id,
				average = EXCLUDED.average
			RETURNING id`,
			rec.SourceID, liveEnroll, liveCourse, liveStudent, average).Scan(&liveID)
		if err != nil {
			warn(fmt.Sprintf("%s/%d: %v", e.tables.Grades, rec.SourceID, err))
			continue
		}
		st.liveGrades[rec.SourceID] = liveID

		shadowEnroll, okSE := st.shadowEnrollments[enrollSrc]
		shadowCourse, okSC := st.shadowCourses[courseSrc]
		shadowStudent, okSS := st.shadowUsers[studentSrc]
		if okSE && okSC && okSS {
			shadowID, err := e.store.UpsertLegacyGrade(ctx, &archive.LegacyGrade{
				SourceID:            rec.SourceID,
				EnrollmentArchiveID: shadowEnroll,
				CourseArchiveID:     shadowCourse,
				StudentArchiveID:    shadowStudent,
				Average:             average,
			})
			if err != nil {
				warn(fmt.Sprintf("%s/%d: shadow: %v", e.tables.Grades, rec.SourceID, err))
			} else {
				st.shadowGrades[rec.SourceID] = shadowID
			}
		}
		counters.GradesMigrated++
	}
	return nil
}

// reconcileScores replays partial scores. Scores are append-only: captured
// scores already present (by source id) are skipped, never updated.
func (e *Engine) reconcileScores(ctx context.Context, st *state, counters *runlog.Counters, warn func(string)) error {
	records, err := e.store.AllForTable(ctx, e.tables.Scores)
	if err != nil {
		return err
	}
	for i := range records {
		rec := &records[i]
		gradeSrc, _ := pInt(rec.Payload, "nota_id", "grade_id")
		liveGrade, ok := st.liveGrades[gradeSrc]
		if !ok {
			counters.UnresolvedDependencies++
			warn(fmt.Sprintf("%s/%d: grade %d not found, skipped", e.tables.Scores, rec.SourceID, gradeSrc))
			continue
		}
		value, _ := pInt(rec.Payload, "valor", "value")
		createdOn := pTime(rec.Payload, "fecha", "created_on")

		tag, err := e.pool.Exec(ctx, `
			INSERT INTO grade_scores (source_id, grade_id, value, created_on)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (source_id) DO NOTHING`,
			rec.SourceID, liveGrade, value, timePtr(createdOn))
		if err != nil {
			warn(fmt.Sprintf("%s/%d: %v", e.tables.Scores, rec.SourceID, err))
			continue
		}
		if tag.RowsAffected() > 0 {
			counters.ScoresMigrated++
		}

		if shadowGrade, ok := st.shadowGrades[gradeSrc]; ok {
			srcID := rec.SourceID
			_, err := e.store.InsertLegacyScore(ctx, &archive.LegacyScore{
				SourceID:       &srcID,
				GradeArchiveID: shadowGrade,
				Value:          int(value),
				CreatedOn:      createdOn,
			})
			if err != nil {
				warn(fmt.Sprintf("%s/%d: shadow: %v", e.tables.Scores, rec.SourceID, err))
			}
		}
	}
	return nil
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
