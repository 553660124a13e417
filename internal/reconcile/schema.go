package reconcile

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// profileFKFields name the captured profile's user reference; they never
// become profile columns.
var profileFKFields = map[string]bool{
	"id": true, "user_id": true, "usuario_id": true, "usuario": true,
}

// evolveProfileSchema widens the live profiles table so every field seen in
// the captured profile payloads has a column. Evolution is strictly
// additive: columns are only ever added, never altered or dropped. A field
// whose column cannot be added is excluded from the later copy but does not
// stop the run.
func (e *Engine) evolveProfileSchema(ctx context.Context, st *state, warn func(string)) error {
	cols, err := e.liveProfileColumns(ctx)
	if err != nil {
		return err
	}
	for _, c := range cols {
		st.profileColumns[c] = true
	}

	records, err := e.store.AllForTable(ctx, e.tables.Profiles)
	if err != nil {
		return err
	}

	// Union of translated field names across all captured profiles, with a
	// sample value per field for type inference.
	samples := make(map[string]any)
	var order []string
	for i := range records {
		payload := translateProfile(records[i].Payload)
		for field, value := range payload {
			if profileFKFields[field] || !identPattern.MatchString(field) {
				continue
			}
			if _, seen := samples[field]; !seen {
				samples[field] = value
				order = append(order, field)
			} else if samples[field] == nil {
				samples[field] = value
			}
		}
	}

	for _, field := range order {
		if st.profileColumns[field] {
			continue
		}
		sqlType := inferColumnType(samples[field])
		_, err := e.pool.Exec(ctx, fmt.Sprintf(
			`ALTER TABLE profiles ADD COLUMN %s %s`,
			pgx.Identifier{field}.Sanitize(), sqlType))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "42701" {
				// Column appeared concurrently; treat as added.
				st.profileColumns[field] = true
				continue
			}
			warn(fmt.Sprintf("profiles: cannot add column %s (%s): %v", field, sqlType, err))
			e.logger.Warn("profile column evolution failed", "column", field, "error", err)
			continue
		}
		e.logger.Info("profile schema evolved", "column", field, "type", sqlType)
		st.profileColumns[field] = true
	}
	return nil
}

func (e *Engine) liveProfileColumns(ctx context.Context) ([]string, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'profiles'`)
	if err != nil {
		return nil, fmt.Errorf("listing profile columns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// inferColumnType picks a storage type from a sample payload value. JSONB
// payloads only carry strings, numbers, and booleans, so the choice is
// narrow; anything unknown lands in TEXT.
func inferColumnType(sample any) string {
	switch sample.(type) {
	case bool:
		return "BOOLEAN"
	case float64, int64:
		return "NUMERIC"
	default:
		return "TEXT"
	}
}

// loadProfiles indexes translated profile payloads by source user id.
func (e *Engine) loadProfiles(ctx context.Context, st *state) error {
	records, err := e.store.AllForTable(ctx, e.tables.Profiles)
	if err != nil {
		return err
	}
	for i := range records {
		payload := translateProfile(records[i].Payload)
		userID, ok := pInt(payload, "user_id", "usuario_id", "usuario")
		if !ok {
			continue
		}
		st.profiles[userID] = payload
	}
	return nil
}
