package dbmigrate

import (
	"context"
	"fmt"

	"github.com/Bradleyfc/proyecto-cfbc/internal/inspect"
	"github.com/Bradleyfc/proyecto-cfbc/internal/migrate"
)

// validate compares source row counts against archive capture counts per
// table. Mismatches are warnings, not failures: a rerun over a grown source
// legitimately captures fewer rows than now exist.
func (m *Migrator) validate(ctx context.Context, tables []*inspect.Table) (*migrate.ValidationSummary, error) {
	counts, err := m.store.TableCounts(ctx)
	if err != nil {
		return nil, err
	}
	captured := make(map[string]int64, len(counts))
	for _, tc := range counts {
		captured[tc.Table] = tc.Count
	}

	summary := &migrate.ValidationSummary{
		SourceLabel: "Source (" + m.flavor.String() + ")",
		TargetLabel: "Archive",
	}
	for _, table := range tables {
		if table.RowCount == 0 {
			continue
		}
		row := migrate.ValidationRow{
			Label:       table.Name,
			SourceCount: int(table.RowCount),
			TargetCount: int(captured[table.Name]),
		}
		summary.Rows = append(summary.Rows, row)
		if row.SourceCount != row.TargetCount {
			summary.Warnings = append(summary.Warnings,
				fmt.Sprintf("%s: source has %d rows, archive has %d", table.Name, row.SourceCount, row.TargetCount))
		}
	}
	return summary, nil
}
