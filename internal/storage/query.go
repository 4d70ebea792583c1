package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/protocol"
	"github.com/zoravur/syncbroker/internal/reactive"
	"github.com/zoravur/syncbroker/pkg/pg_lineage"
)

// QueryChannel is a read-only channel over an arbitrary postgres SELECT.
// Primary keys of the tables it reads are injected into the query so each
// read reports which rows it saw.
type QueryChannel struct {
	db   *DB
	name string
	rw   *pg_lineage.Rewrite
	log  *zap.Logger
}

func NewQueryChannel(db *DB, spec ChannelSpec, cat pg_lineage.Catalog, log *zap.Logger) (*QueryChannel, error) {
	if spec.Name == "" {
		return nil, errors.New("query channel: name required")
	}
	if !db.Dialect.IsPostgres() {
		return nil, fmt.Errorf("channel %q: query channels require postgres", spec.Name)
	}
	rw, err := pg_lineage.RewriteSelectInjectPKs(spec.Query, cat)
	if err != nil {
		return nil, fmt.Errorf("channel %q: %w", spec.Name, err)
	}
	if log == nil {
		log = zap.L()
	}
	log = log.Named("query").With(zap.String("channel", spec.Name))
	log.Debug("rewrote query", zap.String("sql", rw.SQL), zap.Strings("opaque", rw.Opaque()))
	return &QueryChannel{db: db, name: spec.Name, rw: rw, log: log}, nil
}

func (c *QueryChannel) Name() string { return c.name }

// SQL is the rewritten query.
func (c *QueryChannel) SQL() string { return c.rw.SQL }

func (c *QueryChannel) Read(ctx context.Context, f reactive.Filter) (reactive.ReadResult, error) {
	q := "SELECT * FROM (" + c.rw.SQL + ") __src"
	var terms []string
	var args []any
	for _, fl := range f.Fields() {
		if ValidIdent(fl.Name) != nil || pg_lineage.IsInjected(fl.Name) {
			return reactive.ReadResult{}, protocol.BadRequest("Invalid filter for channel '%s'.", c.name)
		}
		if fl.Value == nil {
			terms = append(terms, "__src."+QuoteIdent(fl.Name)+" IS NULL")
			continue
		}
		args = append(args, bindValue(fl.Value))
		terms = append(terms, "__src."+QuoteIdent(fl.Name)+" = "+c.db.Dialect.Placeholder(len(args)))
	}
	if len(terms) > 0 {
		q += " WHERE " + strings.Join(terms, " AND ")
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return reactive.ReadResult{}, fmt.Errorf("read %s: %w", c.name, err)
	}
	defer rows.Close()
	objs, err := scanRows(rows)
	if err != nil {
		return reactive.ReadResult{}, fmt.Errorf("read %s: %w", c.name, err)
	}

	res := reactive.ReadResult{Rows: objs, Seen: map[string][]reactive.Key{}}
	keysets := c.rw.Projected()
	for _, ks := range keysets {
		table := pg_lineage.Unqualify(ks.Table)
		if _, ok := res.Seen[table]; !ok {
			res.Seen[table] = []reactive.Key{}
		}
	}
	for _, row := range objs {
		for _, ks := range keysets {
			vals := make([]any, len(ks.Names))
			for i, n := range ks.Names {
				vals[i] = row[n]
			}
			// Outer joins can leave a side empty.
			if k, ok := reactive.CompositeKey(ks.Columns, vals); ok {
				table := pg_lineage.Unqualify(ks.Table)
				res.Seen[table] = append(res.Seen[table], k)
			}
		}
		for col := range row {
			if pg_lineage.IsInjected(col) {
				delete(row, col)
			}
		}
	}
	for _, t := range c.rw.Opaque() {
		res.Opaque = append(res.Opaque, pg_lineage.Unqualify(t))
	}
	return res, nil
}
