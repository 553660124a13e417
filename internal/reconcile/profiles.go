package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// copyProfiles writes the translated profile payloads into the live profiles
// table, teachers first so a shared record settles on the teacher's data
// when both a teacher and a student row reference it. The copy is
// last-write-wins per field.
func (e *Engine) copyProfiles(ctx context.Context, st *state, warn func(string)) error {
	ids := make([]int64, 0, len(st.profiles))
	for id := range st.profiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := st.teachers[ids[i]], st.teachers[ids[j]]
		if ti != tj {
			return ti
		}
		return ids[i] < ids[j]
	})

	for _, sourceID := range ids {
		liveID, ok := st.liveUsers[sourceID]
		if !ok {
			warn(fmt.Sprintf("%s: profile for unknown user %d, skipped", e.tables.Profiles, sourceID))
			continue
		}
		if err := e.upsertProfile(ctx, st, liveID, st.profiles[sourceID]); err != nil {
			warn(fmt.Sprintf("%s: profile for user %d: %v", e.tables.Profiles, sourceID, err))
		}
	}
	return nil
}

func (e *Engine) upsertProfile(ctx context.Context, st *state, liveUserID int64, payload map[string]any) error {
	// Copy every payload field that has a usable live column. Fields whose
	// column could not be evolved are silently left in the archive only.
	fields := make([]string, 0, len(payload))
	for field := range payload {
		if profileFKFields[field] || !identPattern.MatchString(field) {
			continue
		}
		if st.profileColumns[field] {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	cols := []string{"user_id"}
	args := []any{liveUserID}
	for _, f := range fields {
		cols = append(cols, pgx.Identifier{f}.Sanitize())
		args = append(args, payload[f])
	}

	placeholders := make([]string, len(args))
	updates := make([]string, 0, len(fields))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	for i, f := range fields {
		updates = append(updates, fmt.Sprintf("%s = $%d", pgx.Identifier{f}.Sanitize(), i+2))
	}

	query := fmt.Sprintf(
		`INSERT INTO profiles (%s) VALUES (%s) ON CONFLICT (user_id) DO UPDATE SET %s, updated_at = now()`,
		strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
	if len(updates) == 0 {
		query = `INSERT INTO profiles (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`
	}
	if _, err := e.pool.Exec(ctx, query, args...); err != nil {
		return err
	}
	return nil
}
