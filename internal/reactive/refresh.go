package reactive

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/logutil"
	"github.com/zoravur/syncbroker/internal/protocol"
)

// ChannelLookup resolves a channel by name.
type ChannelLookup func(name string) (Descriptor, bool)

// Observer is told about reads and pushes. Metrics hang off it.
type Observer interface {
	Refreshed(channel string)
	Pushed(channel string)
}

type EngineOptions struct {
	// Policy decides which subscriptions a batch of mutations refreshes.
	// Defaults to DependencyPolicy.
	Policy Policy

	// Exhaustive makes the dependency policy test every subscription
	// instead of using the table index. Only useful to validate the index.
	Exhaustive bool

	Observer Observer
}

// Engine turns mutations into refreshes of stale subscriptions.
type Engine struct {
	reg     *Registry
	lookup  ChannelLookup
	policy  Policy
	exhaust bool
	obs     Observer
	log     *zap.Logger
}

func NewEngine(reg *Registry, lookup ChannelLookup, log *zap.Logger, opts EngineOptions) *Engine {
	if log == nil {
		log = zap.L()
	}
	if opts.Policy == nil {
		opts.Policy = DependencyPolicy{}
	}
	if opts.Exhaustive {
		log.Warn("exhaustive synchronization scan enabled")
	}
	return &Engine{
		reg:     reg,
		lookup:  lookup,
		policy:  opts.Policy,
		exhaust: opts.Exhaustive,
		obs:     opts.Observer,
		log:     log.Named("sync"),
	}
}

func (e *Engine) Registry() *Registry { return e.reg }
func (e *Engine) Policy() Policy      { return e.policy }

// Synchronize refreshes every subscription a batch of mutations may have
// made stale. Failed reads are joined into the result and the pass goes on.
// A SynchronizationError aborts the rest of the batch; pushes already made
// stay.
func (e *Engine) Synchronize(ctx context.Context, batch []Mutation) error {
	if len(batch) == 0 {
		return nil
	}
	return e.policy.Synchronize(ctx, e, batch)
}

// Invalidate refreshes the subscriptions that may have seen the changed
// rows. Used for changes made outside the broker.
func (e *Engine) Invalidate(ctx context.Context, changes []Change) error {
	done := map[*Subscription]struct{}{}
	var errs []error
	for _, ch := range changes {
		if err := e.invalidate(ctx, ch, done); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// invalidate refreshes the candidates for one change, skipping the ones
// already refreshed in this pass.
func (e *Engine) invalidate(ctx context.Context, ch Change, done map[*Subscription]struct{}) error {
	var candidates []*Subscription
	if e.exhaust {
		candidates = e.reg.Subscriptions()
	} else {
		candidates = e.reg.Dependents(ch.Table)
	}
	e.log.Debug("refreshing row", zap.Stringer("change", ch), zap.Int("candidates", len(candidates)))

	var errs []error
	for _, sub := range candidates {
		if _, ok := done[sub]; ok {
			continue
		}
		if !sub.HasSeen(ch.Table, ch.Key) {
			e.log.Debug("[ ]", zap.Stringer("sub", sub))
			continue
		}
		e.log.Debug("[X]", zap.Stringer("sub", sub))
		done[sub] = struct{}{}
		if err := e.Refresh(ctx, sub); err != nil {
			e.log.Warn("refresh failed", zap.Stringer("sub", sub), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh re-reads sub, updates its seen bookkeeping and pushes the rows to
// its connection under the channel name.
func (e *Engine) Refresh(ctx context.Context, sub *Subscription) error {
	name := sub.channel.Name()
	res, err := sub.channel.Read(ctx, sub.filter)
	if err != nil {
		return err
	}
	tables := e.reg.Record(sub, res)
	if e.obs != nil {
		e.obs.Refreshed(name)
	}
	e.log.Debug("has now seen",
		zap.String("conn", sub.conn.ID()),
		logutil.Values(
			zap.String("channel", name),
			zap.Stringer("filter", sub.filter),
			zap.Strings("tables", tables),
			zap.Int("rows", len(res.Rows)),
		))
	return e.push(sub.conn, name, res.Rows)
}

func (e *Engine) push(c *Connection, channel string, rows []Object) error {
	if err := c.Emit(channel, rows); err != nil {
		e.log.Warn("push failed", zap.String("conn", c.ID()), zap.String("channel", channel), zap.Error(err))
		return nil
	}
	if e.obs != nil {
		e.obs.Pushed(channel)
	}
	return nil
}

// locate resolves the row a mutation touched. Creates have no key yet.
func (e *Engine) locate(m Mutation) (Change, error) {
	d, ok := e.lookup(m.Channel)
	if !ok {
		return Change{}, protocol.SyncError(protocol.NotFound("No such channel as '%s'.", m.Channel), "locate")
	}
	table, key, ok, err := d.Locate(m.Object)
	if err != nil {
		return Change{}, protocol.SyncError(err, "cannot locate %s object on channel '%s'", m.Kind, m.Channel)
	}
	if m.Kind == MutationCreate {
		return Change{Table: table}, nil
	}
	if !ok {
		return Change{}, protocol.SyncError(nil, "%s object on channel '%s' has no primary key", m.Kind, m.Channel)
	}
	return Change{Table: table, Key: &key}, nil
}
