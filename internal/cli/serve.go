package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/auth"
	"github.com/Bradleyfc/proyecto-cfbc/internal/migrations"
	"github.com/Bradleyfc/proyecto-cfbc/internal/runlog"
	"github.com/Bradleyfc/proyecto-cfbc/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CFBC API server",
	Long: `Starts the HTTP API: authentication against reconciled accounts,
account claims for archived users, and read access to the archive and the
migration run log.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("database-url", "", "Archive database URL (overrides config)")
	serveCmd.Flags().String("host", "", "Bind address (overrides config)")
	serveCmd.Flags().String("port", "", "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := cmd.Context()
	pool, err := openPool(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting to archive database: %w", err)
	}
	defer pool.Close()

	if err := migrations.NewRunner(pool, logger).Bootstrap(ctx); err != nil {
		return fmt.Errorf("preparing archive schema: %w", err)
	}

	store := archive.NewStore(pool, logger)
	runs := runlog.NewStore(pool, logger)

	authSvc := auth.NewService(pool, store, buildMailer(cfg, logger), auth.Config{
		JWTSecret:     cfg.Auth.JWTSecret,
		TokenDuration: time.Duration(cfg.Auth.TokenDuration) * time.Second,
		ClaimCodeTTL:  time.Duration(cfg.Auth.ClaimCodeTTL) * time.Second,
		AppName:       cfg.Email.FromName,
		HashPrefixes:  cfg.Auth.HashPrefixes,
	}, logger)

	srv := server.New(cfg, logger, pool, store, runs, authSvc)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		return srv.Shutdown(context.Background())
	}
}
