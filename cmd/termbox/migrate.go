package main

import (
	"context"
	"log/slog"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/termbox/internal/config"
)

var (
	migrateConfigPath string
	migrateLogLevel   string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	migrateCmd.Flags().StringVar(&migrateLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	logger := newLogger(goutils.Env("TERMBOX_LOG_LEVEL", migrateLogLevel))

	cfg, err := loadConfig(migrateConfigPath)
	if err != nil {
		return err
	}

	store, err := initStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("migrations applied", slog.String("driver", store.Driver()))
	return nil
}
