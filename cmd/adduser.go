package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoravur/syncbroker/internal/storage"
)

var (
	flagUserName string
	flagPassword string
)

var adduserCmd = &cobra.Command{
	Use:   "adduser",
	Short: "Create a login for the store auth provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := storage.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Database.Migrate {
			if err := storage.Migrate(cmd.Context(), db); err != nil {
				return err
			}
		}
		u, err := storage.NewUserStore(db, log).Add(cmd.Context(), flagUserName, flagPassword)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added user %s (id %s)\n", u.Name, u.ID)
		return nil
	},
}

func init() {
	adduserCmd.Flags().StringVar(&flagUserName, "name", "", "login name")
	adduserCmd.Flags().StringVar(&flagPassword, "password", "", "password")
	_ = adduserCmd.MarkFlagRequired("name")
	_ = adduserCmd.MarkFlagRequired("password")
}
