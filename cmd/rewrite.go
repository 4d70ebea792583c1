package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zoravur/syncbroker/internal/storage"
	"github.com/zoravur/syncbroker/pkg/pg_lineage"
)

var (
	flagQuery   string
	flagCatalog string
	flagDump    string
)

var rewriteCmd = &cobra.Command{
	Use:   "rewrite",
	Short: "Show how a query channel's SQL is rewritten to trace row keys",
	Long: `rewrite injects primary key columns into a SELECT the way query channels
do and prints the result, the traced key sets and the opaque tables. Keys
come from --catalog, or from the configured postgres database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog(cmd)
		if err != nil {
			return err
		}
		rw, err := pg_lineage.RewriteSelectInjectPKs(flagQuery, cat)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "=== Rewritten SQL ===")
		fmt.Fprintln(out, rw.SQL)
		fmt.Fprintln(out, "\n=== Traced keys ===")
		for _, ks := range rw.Projected() {
			fmt.Fprintf(out, "%s (%s): %s\n", ks.Alias, ks.Table, strings.Join(ks.Names, ", "))
		}
		if opaque := rw.Opaque(); len(opaque) > 0 {
			fmt.Fprintln(out, "\n=== Opaque tables ===")
			for _, t := range opaque {
				fmt.Fprintln(out, t)
			}
		}
		return nil
	},
}

func loadCatalog(cmd *cobra.Command) (pg_lineage.Catalog, error) {
	if flagCatalog != "" {
		return pg_lineage.LoadCatalogFromJSON(flagCatalog)
	}
	db, err := storage.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if !db.Dialect.IsPostgres() {
		return nil, errors.New("rewrite needs --catalog or a postgres database")
	}
	cat, err := pg_lineage.NewCatalogFromDB(cmd.Context(), db.DB, nil)
	if err != nil {
		return nil, err
	}
	if flagDump != "" {
		if err := cat.ExportJSON(flagDump); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func init() {
	rewriteCmd.Flags().StringVar(&flagQuery, "query", "", "SELECT to rewrite")
	rewriteCmd.Flags().StringVar(&flagCatalog, "catalog", "", "catalog json written by --dump")
	rewriteCmd.Flags().StringVar(&flagDump, "dump", "", "write the database catalog to this path")
	_ = rewriteCmd.MarkFlagRequired("query")
}
