package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and manage captured legacy records",
}

var archiveTablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List captured source tables with record counts",
	RunE:  runArchiveTables,
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived records",
	RunE:  runArchiveList,
}

var archiveExportCmd = &cobra.Command{
	Use:   "export <table>",
	Short: "Export one captured table as CSV",
	Long: `Writes every captured record of the given source table as CSV to
stdout. Payloads are emitted as JSON in the last column.`,
	Args: cobra.ExactArgs(1),
	RunE: runArchiveExport,
}

var archiveDeleteCmd = &cobra.Command{
	Use:   "delete <table>",
	Short: "Delete all captured records of one source table",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchiveDelete,
}

func init() {
	archiveCmd.AddCommand(archiveTablesCmd)
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveExportCmd)
	archiveCmd.AddCommand(archiveDeleteCmd)

	for _, c := range []*cobra.Command{archiveTablesCmd, archiveListCmd, archiveExportCmd, archiveDeleteCmd} {
		c.Flags().String("database-url", "", "Archive database URL (overrides config)")
	}

	archiveListCmd.Flags().String("table", "", "Filter by source table")
	archiveListCmd.Flags().String("kind", "", "Filter by record kind")
	archiveListCmd.Flags().String("search", "", "Search display names")
	archiveListCmd.Flags().Int("limit", 100, "Maximum records to return")
	archiveListCmd.Flags().Int("offset", 0, "Records to skip")

	archiveDeleteCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
}

// archiveStore opens the pool and returns a ready store plus a cleanup func.
func archiveStore(cmd *cobra.Command) (*archive.Store, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg)
	pool, err := openPool(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to archive database: %w", err)
	}
	return archive.NewStore(pool, logger), pool.Close, nil
}

func runArchiveTables(cmd *cobra.Command, args []string) error {
	store, done, err := archiveStore(cmd)
	if err != nil {
		return err
	}
	defer done()

	counts, err := store.TableCounts(cmd.Context())
	if err != nil {
		return err
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(counts)
	}

	if len(counts) == 0 {
		fmt.Println("Archive is empty.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tRECORDS")
	for _, tc := range counts {
		fmt.Fprintf(w, "%s\t%d\n", tc.Table, tc.Count)
	}
	return w.Flush()
}

func runArchiveList(cmd *cobra.Command, args []string) error {
	store, done, err := archiveStore(cmd)
	if err != nil {
		return err
	}
	defer done()

	table, _ := cmd.Flags().GetString("table")
	kind, _ := cmd.Flags().GetString("kind")
	search, _ := cmd.Flags().GetString("search")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	records, err := store.List(cmd.Context(), archive.ListFilter{
		Table:  table,
		Kind:   kind,
		Search: search,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return err
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("No records match.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTABLE\tSOURCE ID\tKIND\tNAME\tCAPTURED")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.SourceTable, r.SourceID, r.RecordKind, r.DisplayName,
			r.CapturedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func runArchiveExport(cmd *cobra.Command, args []string) error {
	store, done, err := archiveStore(cmd)
	if err != nil {
		return err
	}
	defer done()

	records, err := store.AllForTable(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no captured records for table %q", args[0])
	}

	cols := []string{"id", "source_id", "record_kind", "display_name", "captured_at", "payload"}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload for record %d: %w", r.ID, err)
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			strconv.FormatInt(r.SourceID, 10),
			r.RecordKind,
			r.DisplayName,
			r.CapturedAt.UTC().Format(time.RFC3339),
			string(payload),
		})
	}
	return writeCSV(os.Stdout, cols, rows)
}

func runArchiveDelete(cmd *cobra.Command, args []string) error {
	store, done, err := archiveStore(cmd)
	if err != nil {
		return err
	}
	defer done()

	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		if !confirm(fmt.Sprintf("Delete all captured records of %q? This cannot be undone.", args[0])) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	deleted, err := store.DeleteTable(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d records from %s\n", deleted, args[0])
	return nil
}
