package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/protocol"
	"github.com/zoravur/syncbroker/internal/reactive"
)

func (b *Broker) installSync() {
	b.disp.Register(protocol.Type(protocol.TypeSubscribe), b.subscribe)
	b.disp.Register(protocol.Type(protocol.TypeUnsubscribe), b.unsubscribe)
	b.disp.Register(protocol.Type(protocol.TypeCreate), b.mutation(reactive.MutationCreate))
	b.disp.Register(protocol.Type(protocol.TypeUpdate), b.mutation(reactive.MutationUpdate))
	b.disp.Register(protocol.Type(protocol.TypeDelete), b.mutation(reactive.MutationDelete))
}

// target resolves the channel and filter of a (un)subscribe request.
func (b *Broker) target(msg *protocol.Message) (reactive.Descriptor, reactive.Filter, *reactive.Connection, error) {
	name := msg.Field("channel")
	d, ok := b.Channel(name)
	if !ok {
		return d, reactive.Filter{}, nil, protocol.NotFound("No such channel as '%s'.", name)
	}
	f, err := reactive.NewFilter(msg.Data["filter"])
	if err != nil {
		return d, f, nil, protocol.BadRequest("Invalid filter for channel '%s'.", name)
	}
	conn, ok := b.reg.Connection(msg.ConnID)
	if !ok {
		return d, f, nil, fmt.Errorf("connection %q is gone", msg.ConnID)
	}
	return d, f, conn, nil
}

func (b *Broker) subscribe(ctx context.Context, msg *protocol.Message, next protocol.Next) error {
	d, f, conn, err := b.target(msg)
	if err != nil {
		return b.reject(msg, err)
	}
	if !d.Capabilities().Has(reactive.CanRead) {
		return msg.Fail(protocol.BadRequest("Channel '%s' does not support object reading.", d.Name()))
	}
	sub, created := conn.Subscribe(d, f)
	// Every subscribe, repeated or not, answers with the current rows.
	if err := b.engine.Refresh(ctx, sub); err != nil {
		// A subscription whose first read failed is not kept.
		if created {
			conn.Unsubscribe(d.Name(), f)
		}
		return err
	}
	if created {
		b.observeRegistry()
	}
	return nil
}

func (b *Broker) unsubscribe(ctx context.Context, msg *protocol.Message, next protocol.Next) error {
	d, f, conn, err := b.target(msg)
	if err != nil {
		return b.reject(msg, err)
	}
	if conn.Unsubscribe(d.Name(), f) {
		b.observeRegistry()
	}
	return nil
}

// reject reports request errors to the client and passes anything else on
// as a pipeline error.
func (b *Broker) reject(msg *protocol.Message, err error) error {
	if protocol.IsKind(err, protocol.KindRequest) {
		return msg.Fail(err)
	}
	return err
}

// mutation handles create-objects, update-objects and delete-objects. Each
// payload key names a channel and holds one object or a list of them.
// Failed entries are reported and skipped; the rest are synchronized.
func (b *Broker) mutation(kind reactive.MutationKind) protocol.HandlerFunc {
	return func(ctx context.Context, msg *protocol.Message, next protocol.Next) error {
		names := make([]string, 0, len(msg.Data))
		for name := range msg.Data {
			if name != protocol.TokenField {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		var batch []reactive.Mutation
		var errs []error
		for _, name := range names {
			for _, data := range b.entries(kind, name, msg.Data[name]) {
				obj, err := b.apply(ctx, kind, name, data)
				if err != nil {
					if protocol.IsKind(err, protocol.KindRequest) {
						if ferr := msg.Fail(err); ferr != nil {
							return ferr
						}
						continue
					}
					errs = append(errs, fmt.Errorf("%s %s: %w", kind, name, err))
					continue
				}
				batch = append(batch, reactive.Mutation{Kind: kind, Channel: name, Object: obj})
			}
		}

		if err := b.engine.Synchronize(ctx, batch); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			next(errors.Join(errs...))
		}
		return nil
	}
}

func (b *Broker) entries(kind reactive.MutationKind, channel string, values any) []reactive.Object {
	switch v := values.(type) {
	case map[string]any:
		return []reactive.Object{v}
	case []any:
		out := make([]reactive.Object, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				b.log.Error("invalid object entry", zap.Stringer("kind", kind), zap.String("channel", channel), zap.Any("value", item))
				continue
			}
			out = append(out, obj)
		}
		return out
	default:
		b.log.Error("invalid object entry", zap.Stringer("kind", kind), zap.String("channel", channel), zap.Any("value", values))
		return nil
	}
}

func (b *Broker) apply(ctx context.Context, kind reactive.MutationKind, channel string, data reactive.Object) (reactive.Object, error) {
	d, ok := b.Channel(channel)
	if !ok {
		return nil, protocol.NotFound("No such channel as '%s'.", channel)
	}
	switch kind {
	case reactive.MutationCreate:
		return d.Create(ctx, data)
	case reactive.MutationUpdate:
		return d.Update(ctx, data)
	case reactive.MutationDelete:
		return d.Delete(ctx, data)
	}
	return nil, fmt.Errorf("unknown mutation kind %d", kind)
}
