package storage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/protocol"
	"github.com/zoravur/syncbroker/internal/reactive"
	"github.com/zoravur/syncbroker/pkg/pg_lineage"
)

// TableChannel maps a channel onto one table with configurable column
// lists per operation.
type TableChannel struct {
	db    *DB
	spec  ChannelSpec
	table string // name used for dependency tracking
	cols  map[string]bool
	log   *zap.Logger
}

func NewTableChannel(db *DB, spec ChannelSpec, log *zap.Logger) (*TableChannel, error) {
	spec = spec.withDefaults()
	if spec.Table == "" {
		return nil, fmt.Errorf("channel %q: table required", spec.Name)
	}
	idents := append([]string{spec.Table, spec.Key}, spec.Select...)
	idents = append(idents, spec.Insert...)
	idents = append(idents, spec.Update...)
	for _, id := range idents {
		if err := ValidIdent(id); err != nil {
			return nil, fmt.Errorf("channel %q: %w", spec.Name, err)
		}
	}
	if log == nil {
		log = zap.L()
	}
	cols := map[string]bool{spec.Key: true}
	for _, c := range spec.Select {
		cols[c] = true
	}
	return &TableChannel{
		db:    db,
		spec:  spec,
		table: pg_lineage.Unqualify(spec.Table),
		cols:  cols,
		log:   log.Named("table").With(zap.String("channel", spec.Name)),
	}, nil
}

func (c *TableChannel) Name() string  { return c.spec.Name }
func (c *TableChannel) Table() string { return c.table }

func (c *TableChannel) Capabilities() reactive.Capabilities {
	caps := reactive.CanRead
	if len(c.spec.Insert) > 0 {
		caps |= reactive.CanCreate
	}
	if len(c.spec.Update) > 0 {
		caps |= reactive.CanUpdate
	}
	if c.spec.Delete {
		caps |= reactive.CanDelete
	}
	if len(c.spec.Affects) > 0 {
		caps |= reactive.CanAffect
	}
	return caps
}

// projection lists the selected columns, key included.
func (c *TableChannel) projection() string {
	if len(c.spec.Select) == 0 {
		return "*"
	}
	parts := make([]string, 0, len(c.spec.Select)+1)
	hasKey := false
	for _, col := range c.spec.Select {
		parts = append(parts, QuoteIdent(col))
		hasKey = hasKey || col == c.spec.Key
	}
	if !hasKey {
		parts = append(parts, QuoteIdent(c.spec.Key))
	}
	return strings.Join(parts, ", ")
}

func (c *TableChannel) Read(ctx context.Context, f reactive.Filter) (reactive.ReadResult, error) {
	q := fmt.Sprintf("SELECT %s FROM %s", c.projection(), QuoteIdent(c.spec.Table))
	where, args, err := c.where(f, len(c.spec.Select) == 0)
	if err != nil {
		return reactive.ReadResult{}, err
	}
	q += where + " ORDER BY " + QuoteIdent(c.spec.Key)

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return reactive.ReadResult{}, fmt.Errorf("read %s: %w", c.spec.Name, err)
	}
	defer rows.Close()
	objs, err := scanRows(rows)
	if err != nil {
		return reactive.ReadResult{}, fmt.Errorf("read %s: %w", c.spec.Name, err)
	}

	keys := make([]reactive.Key, 0, len(objs))
	for _, o := range objs {
		if k, ok := reactive.KeyOf(o[c.spec.Key]); ok {
			keys = append(keys, k)
		}
	}
	c.log.Debug("read", zap.Stringer("filter", f), zap.Int("rows", len(objs)))
	return reactive.ReadResult{Rows: objs, Seen: map[string][]reactive.Key{c.table: keys}}, nil
}

// where renders f as an equality conjunction. A null value tests IS NULL.
func (c *TableChannel) where(f reactive.Filter, anyColumn bool) (string, []any, error) {
	fields := f.Fields()
	if len(fields) == 0 {
		return "", nil, nil
	}
	terms := make([]string, 0, len(fields))
	var args []any
	for _, fl := range fields {
		if (!anyColumn && !c.cols[fl.Name]) || ValidIdent(fl.Name) != nil {
			return "", nil, protocol.BadRequest("Invalid filter for channel '%s'.", c.spec.Name)
		}
		if fl.Value == nil {
			terms = append(terms, QuoteIdent(fl.Name)+" IS NULL")
			continue
		}
		args = append(args, bindValue(fl.Value))
		terms = append(terms, QuoteIdent(fl.Name)+" = "+c.db.Dialect.Placeholder(len(args)))
	}
	return " WHERE " + strings.Join(terms, " AND "), args, nil
}

func (c *TableChannel) Create(ctx context.Context, data reactive.Object) (reactive.Object, error) {
	var cols, marks []string
	var args []any
	for _, col := range c.spec.Insert {
		v, ok := data[col]
		if !ok {
			continue
		}
		args = append(args, bindValue(v))
		cols = append(cols, QuoteIdent(col))
		marks = append(marks, c.db.Dialect.Placeholder(len(args)))
	}
	q := "INSERT INTO " + QuoteIdent(c.spec.Table)
	if len(cols) == 0 {
		q += " DEFAULT VALUES"
	} else {
		q += fmt.Sprintf(" (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(marks, ", "))
	}
	q += " RETURNING " + c.projection()

	obj, found, err := c.returning(ctx, q, args)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", c.spec.Name, err)
	}
	if !found {
		return nil, fmt.Errorf("create %s: no row returned", c.spec.Name)
	}
	return obj, nil
}

func (c *TableChannel) Update(ctx context.Context, data reactive.Object) (reactive.Object, error) {
	key, ok := data[c.spec.Key]
	if !ok || key == nil {
		return nil, protocol.BadRequest("Missing '%s' for channel '%s'.", c.spec.Key, c.spec.Name)
	}
	var sets []string
	var args []any
	for _, col := range c.spec.Update {
		v, ok := data[col]
		if !ok || col == c.spec.Key {
			continue
		}
		args = append(args, bindValue(v))
		sets = append(sets, QuoteIdent(col)+" = "+c.db.Dialect.Placeholder(len(args)))
	}
	if len(sets) == 0 {
		return nil, protocol.BadRequest("Nothing to update for channel '%s'.", c.spec.Name)
	}
	args = append(args, bindValue(key))
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s RETURNING %s",
		QuoteIdent(c.spec.Table), strings.Join(sets, ", "),
		QuoteIdent(c.spec.Key), c.db.Dialect.Placeholder(len(args)), c.projection())

	obj, found, err := c.returning(ctx, q, args)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", c.spec.Name, err)
	}
	if !found {
		return nil, protocol.NotFound("No such object in channel '%s'.", c.spec.Name)
	}
	return obj, nil
}

// Delete removes the row and returns it. Deleting a missing row echoes
// the request data.
func (c *TableChannel) Delete(ctx context.Context, data reactive.Object) (reactive.Object, error) {
	key, ok := data[c.spec.Key]
	if !ok || key == nil {
		return nil, protocol.BadRequest("Missing '%s' for channel '%s'.", c.spec.Key, c.spec.Name)
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s = %s RETURNING %s",
		QuoteIdent(c.spec.Table), QuoteIdent(c.spec.Key), c.db.Dialect.Placeholder(1), c.projection())

	obj, found, err := c.returning(ctx, q, []any{bindValue(key)})
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", c.spec.Name, err)
	}
	if !found {
		return data, nil
	}
	return obj, nil
}

func (c *TableChannel) Affects(ctx context.Context, obj reactive.Object) ([]string, error) {
	return append([]string{c.spec.Name}, c.spec.Affects...), nil
}

func (c *TableChannel) Locate(obj reactive.Object) (string, reactive.Key, error) {
	k, _ := reactive.KeyOf(obj[c.spec.Key])
	return c.table, k, nil
}

func (c *TableChannel) returning(ctx context.Context, q string, args []any) (reactive.Object, bool, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	objs, err := scanRows(rows)
	if err != nil {
		return nil, false, err
	}
	if len(objs) == 0 {
		return nil, false, nil
	}
	return objs[0], true, nil
}
