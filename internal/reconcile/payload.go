package reconcile

import (
	"strconv"
	"strings"
	"time"
)

// Captured payloads come back from JSONB, so numbers are float64 and
// timestamps are strings. These helpers read fields by any of several names,
// tolerating the type drift.

func pStr(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func pInt(payload map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case int64:
			return n, true
		case float64:
			return int64(n), true
		case string:
			if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

func pFloat(payload map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int64:
			return float64(n), true
		case string:
			if parsed, err := strconv.ParseFloat(n, 64); err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

func pBool(payload map[string]any, keys ...string) bool {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b
		case float64:
			return b != 0
		case int64:
			return b != 0
		case string:
			lower := strings.ToLower(b)
			return lower == "1" || lower == "true" || lower == "t"
		}
	}
	return false
}

// pTime parses RFC3339 timestamps and bare dates.
func pTime(payload map[string]any, keys ...string) *time.Time {
	for _, k := range keys {
		s, ok := payload[k].(string)
		if !ok || s == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return &t
			}
		}
	}
	return nil
}
