package dbmigrate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/inspect"
	"github.com/Bradleyfc/proyecto-cfbc/internal/migrate"
	"github.com/Bradleyfc/proyecto-cfbc/internal/runlog"
)

// inspectTables lists and describes every non-system source table. Tables
// that cannot be described are logged on the run and skipped.
func (m *Migrator) inspectTables(ctx context.Context, run *runlog.Run, counters *runlog.Counters) ([]*inspect.Table, error) {
	inspector := inspect.NewInspector(m.source, m.flavor, m.logger)
	names, err := inspector.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing source tables: %w", err)
	}

	var tables []*inspect.Table
	for _, name := range names {
		if inspect.IsSystemTable(name) {
			continue
		}
		table, err := inspector.DescribeTable(ctx, name)
		if err != nil {
			_ = m.runs.AppendError(ctx, run.ID, fmt.Sprintf("describe %s: %v", name, err))
			m.progress.Warn(fmt.Sprintf("skipping %s: %v", name, err))
			continue
		}
		count, err := inspector.CountRows(ctx, name)
		if err != nil {
			_ = m.runs.AppendError(ctx, run.ID, fmt.Sprintf("count %s: %v", name, err))
			continue
		}
		table.RowCount = count
		counters.TablesInspected++
		if count > 0 {
			counters.TablesWithData++
		} else {
			counters.TablesEmpty++
		}
		tables = append(tables, table)
	}
	return tables, nil
}

// captureAll captures every row of every inspected table into the archive.
// A failing table is recorded and skipped; the run carries on.
func (m *Migrator) captureAll(ctx context.Context, run *runlog.Run, phase migrate.Phase, tables []*inspect.Table, counters *runlog.Counters) {
	for i, table := range tables {
		if table.RowCount == 0 {
			m.progress.Progress(phase, i+1, len(tables))
			continue
		}
		captured, err := m.captureTable(ctx, table)
		counters.RecordsCaptured += captured
		if err != nil {
			_ = m.runs.AppendError(ctx, run.ID, fmt.Sprintf("capture %s: %v", table.Name, err))
			m.progress.Warn(fmt.Sprintf("table %s captured partially: %v", table.Name, err))
		}
		m.progress.Progress(phase, i+1, len(tables))
	}
}

// captureTable reads one source table in full and captures each row. The
// structure snapshot recorded with each row describes the column layout at
// capture time.
func (m *Migrator) captureTable(ctx context.Context, table *inspect.Table) (int, error) {
	structure := structureSnapshot(table)
	pkCol := primaryKeyColumn(table)

	rows, err := m.source.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table.Name, m.flavor))
	if err != nil {
		return 0, fmt.Errorf("selecting rows: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return 0, err
	}

	captured := 0
	rowNum := int64(0)
	for rows.Next() {
		rowNum++
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return captured, fmt.Errorf("scanning row %d: %w", rowNum, err)
		}

		payload := archive.NormalizeRow(columns, vals)
		sourceID, ok := rowSourceID(payload, pkCol)
		if !ok {
			// Rows without a usable numeric key fall back to their position,
			// negated so they cannot collide with real keys.
			sourceID = -rowNum
		}

		created, err := m.store.Capture(ctx, table.Name, sourceID, payload, structure)
		if err != nil {
			return captured, err
		}
		if created {
			captured++
		}
	}
	return captured, rows.Err()
}

func structureSnapshot(table *inspect.Table) map[string]any {
	cols := make([]any, 0, len(table.Columns))
	for _, c := range table.Columns {
		cols = append(cols, map[string]any{
			"name":     c.Name,
			"type":     c.NativeType,
			"kind":     c.Kind.String(),
			"nullable": c.Nullable,
			"primary":  c.PrimaryKey,
		})
	}
	snap := map[string]any{
		"captured_at": time.Now().UTC().Format(time.RFC3339),
		"row_count":   table.RowCount,
		"columns":     cols,
	}
	if len(table.ForeignKeys) > 0 {
		fks := make(map[string]any, len(table.ForeignKeys))
		for col, fk := range table.ForeignKeys {
			fks[col] = map[string]any{
				"ref_table":  fk.RefTable,
				"ref_column": fk.RefColumn,
			}
		}
		snap["foreign_keys"] = fks
	}
	return snap
}

func primaryKeyColumn(table *inspect.Table) string {
	for _, c := range table.Columns {
		if c.PrimaryKey {
			return c.Name
		}
	}
	if table.Column("id") != nil {
		return "id"
	}
	return ""
}

func rowSourceID(payload map[string]any, pkCol string) (int64, bool) {
	if pkCol == "" {
		return 0, false
	}
	switch v := payload[pkCol].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func quoteIdent(name string, flavor migrate.SourceType) string {
	if flavor == migrate.SourceMySQL {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}
