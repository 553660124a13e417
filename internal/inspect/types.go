// Package inspect introspects a legacy source database whose schema is not
// known at build time: it enumerates tables, describes their columns and
// foreign keys, and classifies native column types into generic field kinds.
package inspect

import "fmt"

// FieldKind is the generic classification of a native column type.
type FieldKind int

const (
	KindText FieldKind = iota
	KindLongText
	KindInteger
	KindBigInt
	KindDecimal
	KindFloat
	KindBool
	KindDate
	KindTime
	KindTimestamp
	KindJSON
	KindBlob
)

func (k FieldKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindLongText:
		return "longtext"
	case KindInteger:
		return "integer"
	case KindBigInt:
		return "bigint"
	case KindDecimal:
		return "decimal"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindTimestamp:
		return "timestamp"
	case KindJSON:
		return "json"
	case KindBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Column describes one source column.
type Column struct {
	Name       string    `json:"name"`
	NativeType string    `json:"nativeType"`
	Kind       FieldKind `json:"-"`
	KindName   string    `json:"kind"`
	Nullable   bool      `json:"nullable"`
	PrimaryKey bool      `json:"primaryKey"`
	Length     int       `json:"length,omitempty"`
}

// ForeignKey records a declared reference from one column to another table.
type ForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"refTable"`
	RefColumn string `json:"refColumn"`
}

// Table is the introspected structure of one source table. A snapshot of it
// is stored next to every captured row so the archive stays self-describing.
type Table struct {
	Name        string                `json:"name"`
	Columns     []Column              `json:"columns"`
	ForeignKeys map[string]ForeignKey `json:"foreignKeys,omitempty"`
	RowCount    int64                 `json:"-"`
}

// Column returns the named column descriptor, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// IntrospectionError marks a per-table introspection failure (e.g. the table
// vanished mid-run). Callers skip the table and continue.
type IntrospectionError struct {
	Table string
	Err   error
}

func (e *IntrospectionError) Error() string {
	return fmt.Sprintf("introspecting table %s: %v", e.Table, e.Err)
}

func (e *IntrospectionError) Unwrap() error { return e.Err }
