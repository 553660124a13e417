// Package migrate provides shared infrastructure for the archival migration
// tools: progress reporting, source detection, and pre/post-flight summaries.
package migrate

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Phase represents a named migration phase (e.g., "Inspect", "Capture").
type Phase struct {
	Name  string
	Index int // 1-based index (1 of 4)
	Total int // total number of phases
}

// ProgressReporter receives progress updates from a migrator.
type ProgressReporter interface {
	// StartPhase is called when a new migration phase begins.
	StartPhase(phase Phase, totalItems int)
	// Progress is called as items are processed within a phase.
	Progress(phase Phase, completed int, totalItems int)
	// CompletePhase is called when a phase finishes.
	CompletePhase(phase Phase, totalItems int, elapsed time.Duration)
	// Warn reports a non-fatal warning.
	Warn(msg string)
}

// CLIReporter prints progress to a terminal writer.
type CLIReporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewCLIReporter creates a reporter that writes to w.
func NewCLIReporter(w io.Writer) *CLIReporter {
	return &CLIReporter{w: w}
}

func (r *CLIReporter) StartPhase(phase Phase, totalItems int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "  [%d/%d] %-16s", phase.Index, phase.Total, phase.Name)
}

func (r *CLIReporter) Progress(phase Phase, completed int, totalItems int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if totalItems > 0 {
		fmt.Fprintf(r.w, "\r  [%d/%d] %-16s %d/%d",
			phase.Index, phase.Total, phase.Name, completed, totalItems)
	}
}

func (r *CLIReporter) CompletePhase(phase Phase, totalItems int, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	label := fmt.Sprintf("%d items", totalItems)
	if totalItems == 0 {
		label = "skipped"
	}
	fmt.Fprintf(r.w, "\r  [%d/%d] %-16s %-20s done  (%s)\n",
		phase.Index, phase.Total, phase.Name, label, formatDuration(elapsed))
}

func (r *CLIReporter) Warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "  Warning: %s\n", msg)
}

// NopReporter discards all progress updates (used in tests and --json mode).
type NopReporter struct{}

func (NopReporter) StartPhase(Phase, int)                   {}
func (NopReporter) Progress(Phase, int, int)                {}
func (NopReporter) CompletePhase(Phase, int, time.Duration) {}
func (NopReporter) Warn(string)                             {}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// SourceType identifies the kind of legacy source database.
type SourceType int

const (
	SourceUnknown SourceType = iota
	SourceMySQL              // MariaDB/MySQL DSN or URL
	SourcePostgres
)

func (s SourceType) String() string {
	switch s {
	case SourceMySQL:
		return "MySQL"
	case SourcePostgres:
		return "PostgreSQL"
	default:
		return "unknown"
	}
}

// DetectSource determines the source database type from a connection string.
//
// Detection rules:
//   - mysql:// or mariadb:// URL → MySQL
//   - postgres:// or postgresql:// URL → PostgreSQL
//   - a go-sql-driver DSN (user:pass@tcp(host)/db) → MySQL
func DetectSource(from string) SourceType {
	switch {
	case strings.HasPrefix(from, "mysql://"), strings.HasPrefix(from, "mariadb://"):
		return SourceMySQL
	case strings.HasPrefix(from, "postgres://"), strings.HasPrefix(from, "postgresql://"):
		return SourcePostgres
	case strings.Contains(from, "@tcp(") || strings.Contains(from, "@unix("):
		return SourceMySQL
	default:
		return SourceUnknown
	}
}

// AnalysisReport summarizes what a migration run will capture, shown before proceeding.
type AnalysisReport struct {
	SourceType  string   `json:"sourceType"`
	SourceInfo  string   `json:"sourceInfo"` // host/database, never credentials
	Tables      int      `json:"tables"`
	EmptyTables int      `json:"emptyTables"`
	Records     int      `json:"records"`
	Users       int      `json:"users"`
	Warnings    []string `json:"warnings,omitempty"`
}

// PrintReport writes a formatted pre-flight report to w.
func (r *AnalysisReport) PrintReport(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Migration Report — %s\n", r.SourceType)
	fmt.Fprintln(w)
	if r.SourceInfo != "" {
		fmt.Fprintf(w, "  Source: %s\n", r.SourceInfo)
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "  Tables:       %d\n", r.Tables)
	if r.EmptyTables > 0 {
		fmt.Fprintf(w, "  Empty tables: %d\n", r.EmptyTables)
	}
	fmt.Fprintf(w, "  Records:      %d\n", r.Records)
	if r.Users > 0 {
		fmt.Fprintf(w, "  Users:        %d\n", r.Users)
	}
	fmt.Fprintln(w)

	if len(r.Warnings) > 0 {
		fmt.Fprintln(w, "  Warnings:")
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "    - %s\n", warn)
		}
		fmt.Fprintln(w)
	}
}

// ValidationSummary compares source and archive counts after a run.
type ValidationSummary struct {
	SourceLabel string
	TargetLabel string
	Rows        []ValidationRow
	Warnings    []string
}

// ValidationRow is a single line in the validation summary.
type ValidationRow struct {
	Label       string
	SourceCount int
	TargetCount int
}

// PrintSummary writes a formatted validation summary to w.
func (v *ValidationSummary) PrintSummary(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Validation Summary")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-28s  %-20s\n", v.SourceLabel, v.TargetLabel)
	fmt.Fprintf(w, "  %-28s  %-20s\n", strings.Repeat("-", 24), strings.Repeat("-", 16))

	allMatch := true
	for _, row := range v.Rows {
		match := "ok"
		if row.SourceCount != row.TargetCount {
			match = "MISMATCH"
			allMatch = false
		}
		fmt.Fprintf(w, "  %-16s %6d  ->  %6d  %s\n",
			row.Label, row.SourceCount, row.TargetCount, match)
	}
	fmt.Fprintln(w)

	if allMatch {
		fmt.Fprintln(w, "  All counts match.")
	}

	if len(v.Warnings) > 0 {
		fmt.Fprintln(w, "  Warnings:")
		for _, warn := range v.Warnings {
			fmt.Fprintf(w, "    - %s\n", warn)
		}
	}
	fmt.Fprintln(w)
}
