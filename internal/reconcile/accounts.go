package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/auth"
	"github.com/Bradleyfc/proyecto-cfbc/internal/runlog"
)

// reconcileAccounts replays every captured user into a live account: upsert
// by username/email identity, secret passthrough or hashing, and role
// membership replay. A user holding both the teacher and student roles keeps
// only the teacher role.
func (e *Engine) reconcileAccounts(ctx context.Context, st *state, counters *runlog.Counters, warn func(string)) error {
	if err := e.loadRoles(ctx, st); err != nil {
		return err
	}

	records, err := e.store.AllForTable(ctx, e.tables.Users)
	if err != nil {
		return err
	}

	// Hashed once; every account falling back to the default shares it.
	var defaultHash string
	if e.defaultSecret != "" {
		defaultHash, err = auth.HashPassword(e.defaultSecret)
		if err != nil {
			return fmt.Errorf("hashing default secret: %w", err)
		}
	}

	for i := range records {
		rec := &records[i]
		username := pStr(rec.Payload, "username", "usuario")
		if username == "" {
			warn(fmt.Sprintf("%s/%d: no username, skipped", e.tables.Users, rec.SourceID))
			continue
		}

		secret := pStr(rec.Payload, "password")
		hash, err := e.authSvc.MaterializeSecret(secret)
		if err != nil {
			warn(fmt.Sprintf("%s/%d: secret: %v", e.tables.Users, rec.SourceID, err))
			continue
		}
		mustChange := false
		if hash == "" && defaultHash != "" {
			hash = defaultHash
			mustChange = true
		}

		roles := resolveRoles(st.roles[rec.SourceID])
		user := &auth.User{
			Username:           username,
			Email:              pStr(rec.Payload, "email"),
			FirstName:          pStr(rec.Payload, "first_name", "nombre"),
			LastName:           pStr(rec.Payload, "last_name", "apellidos"),
			IsActive:           pBool(rec.Payload, "is_active", "activo"),
			MustChangePassword: mustChange,
			ArchivedRecordID:   &rec.ID,
		}
		live, created, err := e.authSvc.UpsertMigratedUser(ctx, user, hash)
		if err != nil {
			warn(fmt.Sprintf("%s/%d: upsert: %v", e.tables.Users, rec.SourceID, err))
			continue
		}
		for _, role := range roles {
			if err := e.authSvc.EnsureUserRole(ctx, live.ID, role); err != nil {
				warn(fmt.Sprintf("%s/%d: role %s: %v", e.tables.Users, rec.SourceID, role, err))
			}
		}

		st.liveUsers[rec.SourceID] = live.ID
		if isTeacherRole(roles) {
			st.teachers[rec.SourceID] = true
		}
		counters.UsersMigrated++
		if created {
			e.logger.Debug("account created from archive", "username", live.Username)
		}

		if err := e.upsertShadowUser(ctx, st, rec, roles); err != nil {
			warn(fmt.Sprintf("%s/%d: shadow user: %v", e.tables.Users, rec.SourceID, err))
		}
	}
	return nil
}

// loadRoles rebuilds role membership from the captured group tables.
func (e *Engine) loadRoles(ctx context.Context, st *state) error {
	groups, err := e.store.AllForTable(ctx, e.tables.Groups)
	if err != nil {
		return err
	}
	names := make(map[int64]string, len(groups))
	for i := range groups {
		if name := pStr(groups[i].Payload, "name", "nombre"); name != "" {
			names[groups[i].SourceID] = name
		}
	}

	memberships, err := e.store.AllForTable(ctx, e.tables.UserGroups)
	if err != nil {
		return err
	}
	for i := range memberships {
		userID, ok1 := pInt(memberships[i].Payload, "user_id", "usuario_id")
		groupID, ok2 := pInt(memberships[i].Payload, "group_id", "grupo_id")
		if !ok1 || !ok2 {
			continue
		}
		if name, ok := names[groupID]; ok {
			st.roles[userID] = append(st.roles[userID], name)
		}
	}
	return nil
}

// resolveRoles applies the defaults and the teacher/student exclusivity
// rule: no roles means student, and a teacher is never also a student.
func resolveRoles(raw []string) []string {
	if len(raw) == 0 {
		return []string{auth.RoleStudent}
	}
	if !isTeacherRole(raw) {
		return raw
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if !isStudentRole(r) {
			out = append(out, r)
		}
	}
	return out
}

func isTeacherRole(roles []string) bool {
	for _, r := range roles {
		if r == auth.RoleTeacher || strings.Contains(strings.ToLower(r), "profesor") {
			return true
		}
	}
	return false
}

func isStudentRole(role string) bool {
	return role == auth.RoleStudent || strings.Contains(strings.ToLower(role), "estudiante")
}

func primaryRole(roles []string) string {
	if isTeacherRole(roles) {
		return auth.RoleTeacher
	}
	if len(roles) > 0 {
		return roles[0]
	}
	return auth.RoleStudent
}

// upsertShadowUser maintains the typed archive copy of a user, merging in
// the translated profile fields, and back-links it to the live account.
func (e *Engine) upsertShadowUser(ctx context.Context, st *state, rec *archive.Record, roles []string) error {
	profile := st.profiles[rec.SourceID]
	liveID := st.liveUsers[rec.SourceID]

	shadow := &archive.LegacyUser{
		SourceID:     rec.SourceID,
		Username:     pStr(rec.Payload, "username", "usuario"),
		FirstName:    pStr(rec.Payload, "first_name", "nombre"),
		LastName:     pStr(rec.Payload, "last_name", "apellidos"),
		Email:        pStr(rec.Payload, "email"),
		DateJoined:   pTime(rec.Payload, "date_joined"),
		IsActive:     pBool(rec.Payload, "is_active", "activo"),
		Nacionalidad: pStr(profile, "nacionalidad"),
		Carnet:       pStr(profile, "carnet"),
		Sexo:         pStr(profile, "sexo"),
		Address:      pStr(profile, "address"),
		Location:     pStr(profile, "location"),
		Provincia:    pStr(profile, "provincia"),
		Telephone:    pStr(profile, "telephone"),
		Movil:        pStr(profile, "movil"),
		Grado:        pStr(profile, "grado"),
		Ocupacion:    pStr(profile, "ocupacion"),
		Titulo:       pStr(profile, "titulo"),
		Grupo:        primaryRole(roles),
	}
	id, err := e.store.UpsertLegacyUser(ctx, shadow)
	if err != nil {
		return err
	}
	st.shadowUsers[rec.SourceID] = id
	if liveID != 0 {
		return e.store.LinkLegacyUser(ctx, id, liveID)
	}
	return nil
}
