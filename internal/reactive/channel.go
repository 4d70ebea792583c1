package reactive

import (
	"context"
	"strings"

	"github.com/zoravur/syncbroker/internal/protocol"
)

// Object is one row as seen by clients.
type Object = map[string]any

// Channel is a named unit of data access. What it can do is given by the
// optional interfaces below.
type Channel interface {
	Name() string
}

type Creator interface {
	Create(ctx context.Context, data Object) (Object, error)
}

// Reader returns the rows visible through f.
type Reader interface {
	Read(ctx context.Context, f Filter) (ReadResult, error)
}

type Updater interface {
	Update(ctx context.Context, data Object) (Object, error)
}

type Deleter interface {
	Delete(ctx context.Context, data Object) (Object, error)
}

// Affecter names the channels whose views may change when obj changes.
type Affecter interface {
	Affects(ctx context.Context, obj Object) ([]string, error)
}

// Locator maps a mutated object to the table row it lives in. Channels
// that don't implement it are assumed to store rows in a table named like
// the channel, keyed by "id".
type Locator interface {
	Locate(obj Object) (table string, key Key, err error)
}

// SubscribeHook is told about subscriptions coming and going.
type SubscribeHook interface {
	Subscribed(sub *Subscription)
	Unsubscribed(sub *Subscription)
}

// CapabilityReporter lets a channel narrow what its method set implies,
// e.g. a table channel configured without insert columns.
type CapabilityReporter interface {
	Capabilities() Capabilities
}

// ReadResult is the outcome of one read.
type ReadResult struct {
	Rows []Object

	// Seen holds, per table touched, the keys of rows that contributed.
	// A table listed with no keys was read and returned nothing.
	Seen map[string][]Key

	// Opaque lists tables the read depends on without knowing which rows.
	Opaque []string
}

// Capabilities is a flag set of channel operations.
type Capabilities uint8

const (
	CanCreate Capabilities = 1 << iota
	CanRead
	CanUpdate
	CanDelete
	CanAffect
)

var capNames = []struct {
	c    Capabilities
	name string
}{
	{CanCreate, "create"},
	{CanRead, "read"},
	{CanUpdate, "update"},
	{CanDelete, "delete"},
	{CanAffect, "affects"},
}

func (c Capabilities) Has(o Capabilities) bool { return c&o == o }

func (c Capabilities) Names() []string {
	out := []string{}
	for _, cn := range capNames {
		if c.Has(cn.c) {
			out = append(out, cn.name)
		}
	}
	return out
}

func (c Capabilities) String() string { return strings.Join(c.Names(), ",") }

// Descriptor is a channel with its capabilities resolved once, at
// registration. Calling an absent capability yields a request error.
type Descriptor struct {
	ch   Channel
	caps Capabilities
}

func Describe(ch Channel) Descriptor {
	var caps Capabilities
	if _, ok := ch.(Creator); ok {
		caps |= CanCreate
	}
	if _, ok := ch.(Reader); ok {
		caps |= CanRead
	}
	if _, ok := ch.(Updater); ok {
		caps |= CanUpdate
	}
	if _, ok := ch.(Deleter); ok {
		caps |= CanDelete
	}
	if _, ok := ch.(Affecter); ok {
		caps |= CanAffect
	}
	if r, ok := ch.(CapabilityReporter); ok {
		caps &= r.Capabilities()
	}
	return Descriptor{ch: ch, caps: caps}
}

func (d Descriptor) Name() string               { return d.ch.Name() }
func (d Descriptor) Channel() Channel           { return d.ch }
func (d Descriptor) Capabilities() Capabilities { return d.caps }

// Read runs the channel read. Results without any table bookkeeping are
// attributed to a table named like the channel, keyed by "id".
func (d Descriptor) Read(ctx context.Context, f Filter) (ReadResult, error) {
	if !d.caps.Has(CanRead) {
		return ReadResult{}, protocol.BadRequest("Channel '%s' does not support object reading.", d.Name())
	}
	res, err := d.ch.(Reader).Read(ctx, f)
	if err != nil {
		return res, err
	}
	if res.Rows == nil {
		res.Rows = []Object{}
	}
	if res.Seen == nil && res.Opaque == nil {
		keys := make([]Key, 0, len(res.Rows))
		for _, row := range res.Rows {
			if k, ok := KeyOf(row["id"]); ok {
				keys = append(keys, k)
			}
		}
		res.Seen = map[string][]Key{d.Name(): keys}
	}
	return res, nil
}

func (d Descriptor) Create(ctx context.Context, data Object) (Object, error) {
	if !d.caps.Has(CanCreate) {
		return nil, protocol.BadRequest("Channel '%s' does not support object creation.", d.Name())
	}
	return d.ch.(Creator).Create(ctx, data)
}

func (d Descriptor) Update(ctx context.Context, data Object) (Object, error) {
	if !d.caps.Has(CanUpdate) {
		return nil, protocol.BadRequest("Channel '%s' does not support object updates.", d.Name())
	}
	return d.ch.(Updater).Update(ctx, data)
}

func (d Descriptor) Delete(ctx context.Context, data Object) (Object, error) {
	if !d.caps.Has(CanDelete) {
		return nil, protocol.BadRequest("Channel '%s' does not support object deletion.", d.Name())
	}
	return d.ch.(Deleter).Delete(ctx, data)
}

func (d Descriptor) Affects(ctx context.Context, obj Object) ([]string, error) {
	if !d.caps.Has(CanAffect) {
		return nil, protocol.BadRequest("Channel '%s' does not support dependency checking.", d.Name())
	}
	return d.ch.(Affecter).Affects(ctx, obj)
}

// Locate finds the table row behind obj. ok is false when obj has no key.
func (d Descriptor) Locate(obj Object) (table string, key Key, ok bool, err error) {
	if l, isLocator := d.ch.(Locator); isLocator {
		table, key, err = l.Locate(obj)
		return table, key, err == nil && key != "", err
	}
	key, ok = KeyOf(obj["id"])
	return d.Name(), key, ok, nil
}

func (d Descriptor) subscribed(sub *Subscription) {
	if h, ok := d.ch.(SubscribeHook); ok {
		h.Subscribed(sub)
	}
}

func (d Descriptor) unsubscribed(sub *Subscription) {
	if h, ok := d.ch.(SubscribeHook); ok {
		h.Unsubscribed(sub)
	}
}

// FuncChannel builds a channel from plain functions. Nil functions are
// absent capabilities.
type FuncChannel struct {
	ChannelName string
	CreateFunc  func(ctx context.Context, data Object) (Object, error)
	ReadFunc    func(ctx context.Context, f Filter) (ReadResult, error)
	UpdateFunc  func(ctx context.Context, data Object) (Object, error)
	DeleteFunc  func(ctx context.Context, data Object) (Object, error)
	AffectsFunc func(ctx context.Context, obj Object) ([]string, error)
}

func (c *FuncChannel) Name() string { return c.ChannelName }

func (c *FuncChannel) Capabilities() Capabilities {
	var caps Capabilities
	if c.CreateFunc != nil {
		caps |= CanCreate
	}
	if c.ReadFunc != nil {
		caps |= CanRead
	}
	if c.UpdateFunc != nil {
		caps |= CanUpdate
	}
	if c.DeleteFunc != nil {
		caps |= CanDelete
	}
	if c.AffectsFunc != nil {
		caps |= CanAffect
	}
	return caps
}

func (c *FuncChannel) Create(ctx context.Context, data Object) (Object, error) {
	return c.CreateFunc(ctx, data)
}

func (c *FuncChannel) Read(ctx context.Context, f Filter) (ReadResult, error) {
	return c.ReadFunc(ctx, f)
}

func (c *FuncChannel) Update(ctx context.Context, data Object) (Object, error) {
	return c.UpdateFunc(ctx, data)
}

func (c *FuncChannel) Delete(ctx context.Context, data Object) (Object, error) {
	return c.DeleteFunc(ctx, data)
}

func (c *FuncChannel) Affects(ctx context.Context, obj Object) ([]string, error) {
	return c.AffectsFunc(ctx, obj)
}
