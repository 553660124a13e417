package inspect

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Bradleyfc/proyecto-cfbc/internal/migrate"
)

// systemTablePrefixes lists source tables that are framework bookkeeping, not
// school data. Exclusion is by naming convention since the source schema is
// unknown at build time.
var systemTablePrefixes = []string{
	"django_",
	"auth_permission",
	"auth_user_user_permissions",
	"sqlite_",
	"pg_",
	"information_schema",
}

// IsSystemTable reports whether a source table should be skipped entirely.
func IsSystemTable(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range systemTablePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Inspector reads table structure from a legacy source connection. All of its
// queries are read-only.
type Inspector struct {
	db     *sql.DB
	flavor migrate.SourceType
	logger *slog.Logger
}

// NewInspector creates an Inspector for the given source connection.
func NewInspector(db *sql.DB, flavor migrate.SourceType, logger *slog.Logger) *Inspector {
	return &Inspector{db: db, flavor: flavor, logger: logger}
}

// ListTables returns the source table names with system tables excluded.
func (in *Inspector) ListTables(ctx context.Context) ([]string, error) {
	var query string
	switch in.flavor {
	case migrate.SourceMySQL:
		query = `SHOW TABLES`
	default:
		query = `
			SELECT table_name
			FROM information_schema.tables
			WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
			ORDER BY table_name`
	}

	rows, err := in.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing source tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		if IsSystemTable(name) {
			continue
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// DescribeTable introspects one table's columns and foreign keys. Returns an
// *IntrospectionError when the table cannot be described (vanished mid-run,
// permissions); callers log it, skip the table, and continue.
func (in *Inspector) DescribeTable(ctx context.Context, name string) (*Table, error) {
	var (
		t   *Table
		err error
	)
	switch in.flavor {
	case migrate.SourceMySQL:
		t, err = in.describeMySQLTable(ctx, name)
	default:
		t, err = in.describePostgresTable(ctx, name)
	}
	if err != nil {
		return nil, &IntrospectionError{Table: name, Err: err}
	}
	if len(t.Columns) == 0 {
		return nil, &IntrospectionError{Table: name, Err: fmt.Errorf("no columns found")}
	}
	return t, nil
}

func (in *Inspector) describeMySQLTable(ctx context.Context, name string) (*Table, error) {
	t := &Table{Name: name, ForeignKeys: map[string]ForeignKey{}}

	rows, err := in.db.QueryContext(ctx, fmt.Sprintf("DESCRIBE `%s`", name))
	if err != nil {
		return nil, fmt.Errorf("describing columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var field, colType, null, key string
		var def, extra sql.NullString
		if err := rows.Scan(&field, &colType, &null, &key, &def, &extra); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		c := Column{
			Name:       field,
			NativeType: colType,
			Nullable:   null == "YES",
			PrimaryKey: key == "PRI",
			Length:     DeclaredLength(colType),
		}
		c.Kind = MapType(c.NativeType, c.Nullable, c.PrimaryKey, c.Length)
		c.KindName = c.Kind.String()
		t.Columns = append(t.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fkRows, err := in.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE()
		  AND TABLE_NAME = ?
		  AND REFERENCED_TABLE_NAME IS NOT NULL`, name)
	if err != nil {
		return nil, fmt.Errorf("querying foreign keys: %w", err)
	}
	defer fkRows.Close()

	for fkRows.Next() {
		var fk ForeignKey
		if err := fkRows.Scan(&fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, fmt.Errorf("scanning foreign key: %w", err)
		}
		t.ForeignKeys[fk.Column] = fk
	}
	return t, fkRows.Err()
}

func (in *Inspector) describePostgresTable(ctx context.Context, name string) (*Table, error) {
	t := &Table{Name: name, ForeignKeys: map[string]ForeignKey{}}

	rows, err := in.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable,
		       COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, name)
	if err != nil {
		return nil, fmt.Errorf("describing columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Column
		var nullable string
		if err := rows.Scan(&c.Name, &c.NativeType, &nullable, &c.Length); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		c.Nullable = nullable == "YES"
		c.Kind = MapType(c.NativeType, c.Nullable, c.PrimaryKey, c.Length)
		c.KindName = c.Kind.String()
		t.Columns = append(t.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var pk sql.NullString
	err = in.db.QueryRowContext(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		LIMIT 1`, "public."+name).Scan(&pk)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("querying primary key: %w", err)
	}
	if pk.Valid {
		if c := t.Column(pk.String); c != nil {
			c.PrimaryKey = true
		}
	}

	fkRows, err := in.db.QueryContext(ctx, `
		SELECT kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.table_schema = 'public'
		  AND tc.table_name = $1
		  AND tc.constraint_type = 'FOREIGN KEY'`, name)
	if err != nil {
		return nil, fmt.Errorf("querying foreign keys: %w", err)
	}
	defer fkRows.Close()

	for fkRows.Next() {
		var fk ForeignKey
		if err := fkRows.Scan(&fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, fmt.Errorf("scanning foreign key: %w", err)
		}
		t.ForeignKeys[fk.Column] = fk
	}
	return t, fkRows.Err()
}

// CountRows returns the number of rows in a source table.
func (in *Inspector) CountRows(ctx context.Context, name string) (int64, error) {
	var query string
	switch in.flavor {
	case migrate.SourceMySQL:
		query = fmt.Sprintf("SELECT COUNT(*) FROM `%s`", name)
	default:
		query = fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)
	}
	var n int64
	if err := in.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rows in %s: %w", name, err)
	}
	return n, nil
}
