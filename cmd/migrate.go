package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := storage.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := storage.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		log.Info("schema up to date", zap.String("driver", cfg.Database.Driver))
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}
