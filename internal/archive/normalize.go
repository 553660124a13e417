package archive

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// displayNameFields is checked in order when deriving a human label for a
// captured row.
var displayNameFields = []string{"name", "nombre", "title", "titulo", "username", "email"}

// NormalizeRow pairs column names with JSON-safe values. Driver types that
// encoding/json cannot represent directly (timestamps, raw bytes) are
// converted up front so the payload round-trips through JSONB unchanged.
func NormalizeRow(columns []string, values []any) map[string]any {
	row := make(map[string]any, len(columns))
	for i, col := range columns {
		row[col] = jsonValue(values[i])
	}
	return row
}

func jsonValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}
		return base64.StdEncoding.EncodeToString(val)
	case float32:
		return float64(val)
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case uint64:
		// MySQL unsigned BIGINT can exceed int64; those values survive as
		// decimal strings rather than wrapping negative.
		if val > math.MaxInt64 {
			return strconv.FormatUint(val, 10)
		}
		return int64(val)
	default:
		return val
	}
}

// DisplayName picks a label for a captured row from its best-known naming
// field, falling back to a generic record label.
func DisplayName(payload map[string]any, sourceID int64) string {
	for _, field := range displayNameFields {
		if v, ok := payload[field]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return fmt.Sprintf("Record %d", sourceID)
}

// KindForTable classifies a source table into a coarse record kind used for
// filtering in the archive browser.
func KindForTable(table string) string {
	t := strings.ToLower(table)
	switch {
	case strings.Contains(t, "user") || strings.Contains(t, "registro"):
		return "user"
	case strings.Contains(t, "curso") || strings.Contains(t, "course"):
		return "course"
	case strings.Contains(t, "matricula") || strings.Contains(t, "enrol"):
		return "enrollment"
	case strings.Contains(t, "nota") || strings.Contains(t, "grade"):
		return "grade"
	case strings.Contains(t, "asistencia") || strings.Contains(t, "attendance"):
		return "attendance"
	case strings.Contains(t, "group"):
		return "role"
	default:
		return "generic"
	}
}
