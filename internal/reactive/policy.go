package reactive

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/protocol"
)

// Policy picks and refreshes the subscriptions a batch may have made stale.
type Policy interface {
	Name() string
	Synchronize(ctx context.Context, e *Engine, batch []Mutation) error
}

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "dependency":
		return DependencyPolicy{}, nil
	case "affects":
		return AffectsPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown sync policy %q", name)
	}
}

// DependencyPolicy refreshes the subscriptions that read the mutated
// table and may have seen the mutated row. Each subscription is refreshed
// at most once per batch. A failed read does not stop the others.
type DependencyPolicy struct{}

func (DependencyPolicy) Name() string { return "dependency" }

func (DependencyPolicy) Synchronize(ctx context.Context, e *Engine, batch []Mutation) error {
	done := map[*Subscription]struct{}{}
	var errs []error
	for _, m := range batch {
		ch, err := e.locate(m)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := e.invalidate(ctx, ch, done); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AffectsPolicy asks each mutated channel which channels it affects and
// re-reads every filter held on those, once per distinct filter.
type AffectsPolicy struct{}

func (AffectsPolicy) Name() string { return "affects" }

func (AffectsPolicy) Synchronize(ctx context.Context, e *Engine, batch []Mutation) error {
	handled := map[string]struct{}{}
	var errs []error
	for _, m := range batch {
		src, ok := e.lookup(m.Channel)
		if !ok {
			return errors.Join(append(errs, protocol.SyncError(protocol.NotFound("No such channel as '%s'.", m.Channel), "affects"))...)
		}
		affected, err := src.Affects(ctx, m.Object)
		if err != nil {
			return errors.Join(append(errs, protocol.SyncError(err, "invalid response from affects() of '%s'", m.Channel))...)
		}
		if affected == nil {
			return errors.Join(append(errs, protocol.SyncError(nil, "invalid response from affects() of '%s'", m.Channel))...)
		}
		for _, name := range affected {
			if _, ok := handled[name]; ok {
				continue
			}
			handled[name] = struct{}{}
			if err := refreshChannel(ctx, e, name); err != nil {
				if protocol.IsKind(err, protocol.KindSynchronization) {
					return errors.Join(append(errs, err)...)
				}
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func refreshChannel(ctx context.Context, e *Engine, name string) error {
	d, ok := e.lookup(name)
	if !ok {
		return protocol.SyncError(protocol.NotFound("No such channel as '%s'.", name), "affects")
	}
	cache := map[string]ReadResult{}
	var errs []error
	for _, conn := range e.reg.Listeners(name) {
		for _, f := range conn.Filters(name) {
			res, ok := cache[f.Name()]
			if !ok {
				var err error
				if res, err = d.Read(ctx, f); err != nil {
					e.log.Warn("refresh failed", zap.String("conn", conn.ID()), zap.String("channel", name), zap.Stringer("filter", f), zap.Error(err))
					errs = append(errs, err)
					continue
				}
				cache[f.Name()] = res
				if e.obs != nil {
					e.obs.Refreshed(name)
				}
			}
			if sub, ok := conn.Subscription(name, f); ok {
				e.reg.Record(sub, res)
			}
			e.log.Debug("pushing", zap.String("conn", conn.ID()), zap.String("channel", name), zap.Stringer("filter", f))
			if err := e.push(conn, name, res.Rows); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
