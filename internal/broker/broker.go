package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/auth"
	"github.com/zoravur/syncbroker/internal/logutil"
	"github.com/zoravur/syncbroker/internal/protocol"
	"github.com/zoravur/syncbroker/internal/reactive"
)

// Observer receives broker level counters. See the metrics package.
type Observer interface {
	reactive.Observer
	Message(msgType string)
	Fault()
	Connections(n int)
	Subscriptions(n int)
}

type Options struct {
	Logger *zap.Logger

	// Tokens enables the auth gate. Without it every message passes.
	Tokens   auth.TokenCodec
	Provider auth.Provider
	Exempt   []string

	Policy     reactive.Policy
	Exhaustive bool

	// Debug logs every inbound message, secrets redacted.
	Debug bool

	Observer Observer
}

// Broker owns the dispatcher, the channels and the connection registry of
// one process. Stages register their handlers on the shared dispatcher at
// construction.
type Broker struct {
	log    *zap.Logger
	disp   *protocol.Dispatcher
	reg    *reactive.Registry
	engine *reactive.Engine
	gate   *auth.Gate
	obs    Observer

	mu       sync.RWMutex
	channels map[string]reactive.Descriptor
}

func New(opts Options) (*Broker, error) {
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	b := &Broker{
		log:      log,
		disp:     protocol.NewDispatcher(log.Named("dispatch")),
		reg:      reactive.NewRegistry(),
		obs:      opts.Observer,
		channels: map[string]reactive.Descriptor{},
	}
	var robs reactive.Observer
	if opts.Observer != nil {
		robs = opts.Observer
	}
	b.engine = reactive.NewEngine(b.reg, b.Channel, log, reactive.EngineOptions{
		Policy:     opts.Policy,
		Exhaustive: opts.Exhaustive,
		Observer:   robs,
	})

	if opts.Debug {
		b.UseDebug()
	}
	if opts.Tokens != nil {
		if opts.Provider == nil {
			return nil, errors.New("broker: auth provider required when tokens are enabled")
		}
		gate, err := auth.NewGate(opts.Tokens, opts.Provider, log)
		if err != nil {
			return nil, err
		}
		gate.Exempt(opts.Exempt...)
		gate.Install(b.disp)
		b.gate = gate
	}
	b.installSync()
	b.UseFailureReporter()
	return b, nil
}

func (b *Broker) Dispatcher() *protocol.Dispatcher { return b.disp }
func (b *Broker) Registry() *reactive.Registry     { return b.reg }
func (b *Broker) Engine() *reactive.Engine         { return b.engine }

// Gate is nil when auth is disabled.
func (b *Broker) Gate() *auth.Gate { return b.gate }

// AddChannel registers a channel. Names are unique.
func (b *Broker) AddChannel(ch reactive.Channel) error {
	name := ch.Name()
	if name == "" {
		return errors.New("channel name required")
	}
	if name == protocol.TokenField {
		return fmt.Errorf("channel name %q is reserved", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.channels[name]; dup {
		return fmt.Errorf("channel %q already defined", name)
	}
	d := reactive.Describe(ch)
	b.channels[name] = d
	b.log.Info("channel added", zap.String("channel", name), zap.Stringer("capabilities", d.Capabilities()))
	return nil
}

func (b *Broker) Channel(name string) (reactive.Descriptor, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.channels[name]
	return d, ok
}

// Channels lists registered channels by name.
func (b *Broker) Channels() []reactive.Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]reactive.Descriptor, 0, len(b.channels))
	for _, d := range b.channels {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Use appends a custom handler.
func (b *Broker) Use(match protocol.Matcher, h protocol.HandlerFunc) {
	b.disp.Register(match, h)
}

func (b *Broker) Connect(id string, em protocol.Emitter) (*reactive.Connection, error) {
	c, err := b.reg.Connect(id, em)
	if err != nil {
		return nil, err
	}
	b.log.Info("client connected", zap.String("conn", id))
	b.observeRegistry()
	return c, nil
}

func (b *Broker) Disconnect(id string) {
	if b.reg.Disconnect(id) {
		b.log.Info("client disconnected", zap.String("conn", id))
	}
	b.observeRegistry()
}

// Dispatch runs one inbound envelope through the pipeline. The returned
// error is a pipeline fault; it has already been logged.
func (b *Broker) Dispatch(ctx context.Context, connID string, env protocol.Envelope) error {
	conn, ok := b.reg.Connection(connID)
	if !ok {
		return fmt.Errorf("dispatch: unknown connection %q", connID)
	}
	msg, err := protocol.NewMessage(env, connID, conn)
	if err != nil {
		b.log.Debug("rejected message", zap.String("conn", connID), zap.Error(err))
		return conn.Emit(protocol.EventFailure, protocol.Failure{Status: 400, Message: "Invalid message data."})
	}
	if b.obs != nil {
		b.obs.Message(msg.Type)
	}
	if err := b.disp.Dispatch(ctx, msg); err != nil {
		b.log.Error("pipeline fault",
			zap.String("conn", connID),
			logutil.Values(zap.String("type", msg.Type), logutil.Redacted("data", msg.Data)),
			zap.Error(err))
		if b.obs != nil {
			b.obs.Fault()
		}
		return err
	}
	return nil
}

// UseDebug logs every message before any other handler sees it.
func (b *Broker) UseDebug() {
	log := b.log.Named("debug")
	b.disp.RegisterFirst(protocol.Any(), func(ctx context.Context, msg *protocol.Message, next protocol.Next) error {
		log.Debug("message",
			zap.String("conn", msg.ConnID),
			zap.String("type", msg.Type),
			logutil.Redacted("data", msg.Data))
		next(nil)
		return nil
	})
}

// Use404 answers every message that got this far with a 404 failure. It
// must be registered after all other normal handlers.
func (b *Broker) Use404() {
	b.disp.Register(protocol.Any(), func(ctx context.Context, msg *protocol.Message, next protocol.Next) error {
		return msg.Emit(protocol.EventFailure, protocol.Failure{
			Status:  404,
			Message: fmt.Sprintf("No handler for the message type '%s'.", msg.Type),
		})
	})
}

// UseFailureReporter claims errors no other error handler took and reports
// them to the client as a failure event.
func (b *Broker) UseFailureReporter() {
	b.disp.RegisterErrorHandler(protocol.Any(), func(ctx context.Context, msg *protocol.Message, next protocol.Next, err error) error {
		if err == nil {
			next(nil)
			return nil
		}
		status, text := protocol.StatusOf(err)
		if status >= 500 {
			b.log.Error("request failed", zap.String("conn", msg.ConnID), zap.String("type", msg.Type), zap.Error(err))
		}
		return msg.Emit(protocol.EventFailure, protocol.Failure{Status: status, Message: text})
	})
}

func (b *Broker) observeRegistry() {
	if b.obs == nil {
		return
	}
	st := b.reg.Stats()
	b.obs.Connections(st.Connections)
	b.obs.Subscriptions(st.Subscriptions)
}
