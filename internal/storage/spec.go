package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/reactive"
	"github.com/zoravur/syncbroker/pkg/pg_lineage"
)

// ChannelSpec declares a SQL backed channel. A spec with Query set is a
// read-only query channel; otherwise it maps one table.
type ChannelSpec struct {
	Name    string   `mapstructure:"name"`
	Table   string   `mapstructure:"table"`
	Key     string   `mapstructure:"key"`
	Select  []string `mapstructure:"select"`
	Insert  []string `mapstructure:"insert"`
	Update  []string `mapstructure:"update"`
	Delete  bool     `mapstructure:"delete"`
	Affects []string `mapstructure:"affects"`
	Query   string   `mapstructure:"query"`
}

func (s ChannelSpec) withDefaults() ChannelSpec {
	if s.Name == "" {
		s.Name = s.Table
	}
	if s.Key == "" {
		s.Key = "id"
	}
	return s
}

// BuildChannels creates the channels declared by specs. Table channels
// come first so query channels can use their keys; on postgres the live
// catalog fills in the rest.
func BuildChannels(ctx context.Context, db *DB, specs []ChannelSpec, log *zap.Logger) ([]reactive.Channel, error) {
	if log == nil {
		log = zap.L()
	}
	var out []reactive.Channel
	keys := pg_lineage.StaticCatalog{}
	var queries []ChannelSpec
	for _, s := range specs {
		if s.Query != "" {
			queries = append(queries, s)
			continue
		}
		tc, err := NewTableChannel(db, s, log)
		if err != nil {
			return nil, err
		}
		keys[pg_lineage.Qualify(tc.spec.Table)] = []string{tc.spec.Key}
		out = append(out, tc)
	}
	if len(queries) == 0 {
		return out, nil
	}
	if !db.Dialect.IsPostgres() {
		return nil, errors.New("query channels require a postgres database")
	}

	live, err := pg_lineage.NewCatalogFromDB(ctx, db.DB, nil)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	cat := pg_lineage.Merge(keys, live)
	for _, s := range queries {
		qc, err := NewQueryChannel(db, s, cat, log)
		if err != nil {
			return nil, err
		}
		out = append(out, qc)
	}
	return out, nil
}
