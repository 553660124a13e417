package inspect

import "strings"

// longTextThreshold is the declared length above which character columns are
// promoted to unbounded text, matching the source system's behavior.
const longTextThreshold = 500

// MapType classifies a native column type string into a FieldKind.
//
// Classification is by substring match with the more specific families checked
// first (tinyint(1) before int, datetime before date, timestamp before time).
// It is total: anything unrecognized degrades to long text rather than
// aborting the run.
func MapType(nativeType string, nullable, isPrimaryKey bool, declaredLength int) FieldKind {
	t := strings.ToLower(strings.TrimSpace(nativeType))

	switch {
	case strings.Contains(t, "tinyint(1)"), strings.Contains(t, "bool"):
		return KindBool
	case strings.Contains(t, "bigint"):
		return KindBigInt
	case strings.Contains(t, "int"):
		// smallint, mediumint, tinyint(>1), serial variants.
		return KindInteger
	case strings.Contains(t, "decimal"), strings.Contains(t, "numeric"):
		return KindDecimal
	case strings.Contains(t, "float"), strings.Contains(t, "double"), strings.Contains(t, "real"):
		return KindFloat
	case strings.Contains(t, "datetime"), strings.Contains(t, "timestamp"):
		return KindTimestamp
	case strings.Contains(t, "date"):
		return KindDate
	case strings.Contains(t, "time"):
		return KindTime
	case strings.Contains(t, "json"):
		return KindJSON
	case strings.Contains(t, "blob"), strings.Contains(t, "binary"), strings.Contains(t, "bytea"):
		return KindBlob
	case strings.Contains(t, "text"):
		return KindLongText
	case strings.Contains(t, "varchar"), strings.Contains(t, "char"):
		if declaredLength == 0 {
			declaredLength = DeclaredLength(t)
		}
		if declaredLength > longTextThreshold {
			return KindLongText
		}
		return KindText
	default:
		return KindLongText
	}
}

// DeclaredLength extracts the parenthesized length from a native type string
// like "varchar(150)". Returns 0 when absent or malformed.
func DeclaredLength(nativeType string) int {
	open := strings.IndexByte(nativeType, '(')
	if open < 0 {
		return 0
	}
	close := strings.IndexByte(nativeType[open:], ')')
	if close < 0 {
		return 0
	}
	n := 0
	for _, c := range nativeType[open+1 : open+close] {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
