package main

import (
	"github.com/spf13/cobra"

	"github.com/zoravur/syncbroker/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := app.NewServer(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		return srv.Run(cmd.Context())
	},
}
