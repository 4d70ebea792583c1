// Command syncbroker runs the real-time sync broker and its admin tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/config"
)

var (
	// configPath is set by the --config flag.
	configPath string

	cfg *config.Config
	log *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "syncbroker",
	Short: "Real-time data sync broker",
	Long: `syncbroker serves database-backed channels over websockets and pushes
fresh rows to every subscriber whose view a change touched.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file or directory holding syncbroker.yaml (default: working directory)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rewriteCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(adduserCmd)
}

// setup loads the config and builds the process logger.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	zap.ReplaceGlobals(log)
	return nil
}
