// Package cli implements the cfbc command line interface.
package cli

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/Bradleyfc/proyecto-cfbc/internal/config"
	"github.com/Bradleyfc/proyecto-cfbc/internal/mailer"
	"github.com/Bradleyfc/proyecto-cfbc/internal/postgres"
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "cfbc",
	Short: "CFBC — archival migration for legacy school databases",
	Long: `CFBC captures every row of a legacy school-management database into a
generic archive, rebuilds live accounts and academic records from it, and
lets returning students and teachers claim their old accounts.

Run a migration:
  cfbc migrate run --source-url mysql://root:pw@localhost:3306/escuela

Serve the API:
  cfbc serve`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to cfbc.toml (default: ./cfbc.toml)")
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves the config file path and applies recognized flag
// overrides from the invoking command.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	flags := map[string]string{}
	for _, name := range []string{"database-url", "source-url", "port", "host"} {
		if cmd.Flags().Lookup(name) != nil {
			v, _ := cmd.Flags().GetString(name)
			flags[name] = v
		}
	}
	return config.Load(path, flags)
}

// newLogger builds the slog logger from the logging config.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// openPool connects to the archive database using the pool settings from
// config.
func openPool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	return postgres.New(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		HealthCheckSecs: cfg.Database.HealthCheckSecs,
	}, logger)
}

// writeCSV writes rows as CSV to the given writer.
// cols is the list of column headers; rows is a slice of string slices.
func writeCSV(w io.Writer, cols []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func buildMailer(cfg *config.Config, logger *slog.Logger) mailer.Mailer {
	switch cfg.Email.Backend {
	case "smtp":
		port := cfg.Email.SMTP.Port
		if port == 0 {
			port = 587
		}
		return mailer.NewSMTPMailer(mailer.SMTPConfig{
			Host:     cfg.Email.SMTP.Host,
			Port:     port,
			Username: cfg.Email.SMTP.Username,
			Password: cfg.Email.SMTP.Password,
			From:     cfg.Email.From,
			StartTLS: cfg.Email.SMTP.StartTLS,
		})
	case "webhook":
		timeout := time.Duration(cfg.Email.Webhook.Timeout) * time.Second
		return mailer.NewWebhookMailer(mailer.WebhookConfig{
			URL:     cfg.Email.Webhook.URL,
			Secret:  cfg.Email.Webhook.Secret,
			Timeout: timeout,
		})
	default:
		return mailer.NewLogMailer(logger)
	}
}
