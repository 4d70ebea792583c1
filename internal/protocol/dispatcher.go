package protocol

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Matcher decides whether a handler wants to see a message.
type Matcher func(msg *Message) bool

// Any matches every message.
func Any() Matcher { return func(*Message) bool { return true } }

// Type matches messages of exactly the given type.
func Type(t string) Matcher { return func(msg *Message) bool { return msg.Type == t } }

// TypePattern matches message types against re.
func TypePattern(re *regexp.Regexp) Matcher {
	return func(msg *Message) bool { return re.MatchString(msg.Type) }
}

// Except matches every message whose type is not listed.
func Except(types ...string) Matcher {
	return func(msg *Message) bool { return !slices.Contains(types, msg.Type) }
}

// Next is the continuation handed to every handler. Calling it with nil
// moves on to the next candidate; calling it with an error starts error
// handling. A handler that returns without calling Next ends the chain.
type Next func(err error)

// HandlerFunc is a normal pipeline stage.
type HandlerFunc func(ctx context.Context, msg *Message, next Next) error

// ErrorHandlerFunc is a stage that is also offered faults raised by other
// handlers. err is nil on the normal path.
type ErrorHandlerFunc func(ctx context.Context, msg *Message, next Next, err error) error

// Entry is one registered handler.
type Entry struct {
	match          Matcher
	handle         ErrorHandlerFunc
	isErrorHandler bool
}

func (e Entry) IsErrorHandler() bool { return e.isErrorHandler }

func (e Entry) candidate(msg *Message, err error) bool {
	if !e.match(msg) {
		return false
	}
	return err == nil || e.isErrorHandler
}

// Dispatcher runs an ordered chain of handlers for every message.
type Dispatcher struct {
	mu      sync.RWMutex
	entries []Entry
	log     *zap.Logger
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.L()
	}
	return &Dispatcher{log: log}
}

// Register appends a normal handler.
func (d *Dispatcher) Register(match Matcher, h HandlerFunc) {
	d.insert(normalEntry(match, h), false)
}

// RegisterFirst puts a normal handler in front of every other one.
func (d *Dispatcher) RegisterFirst(match Matcher, h HandlerFunc) {
	d.insert(normalEntry(match, h), true)
}

// RegisterErrorHandler appends an error-aware handler.
func (d *Dispatcher) RegisterErrorHandler(match Matcher, h ErrorHandlerFunc) {
	d.insert(Entry{match: orAny(match), handle: h, isErrorHandler: true}, false)
}

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func normalEntry(match Matcher, h HandlerFunc) Entry {
	return Entry{
		match: orAny(match),
		handle: func(ctx context.Context, msg *Message, next Next, _ error) error {
			return h(ctx, msg, next)
		},
	}
}

func orAny(m Matcher) Matcher {
	if m == nil {
		return Any()
	}
	return m
}

func (d *Dispatcher) insert(e Entry, first bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if first {
		d.entries = slices.Insert(d.entries, 0, e)
		return
	}
	d.entries = append(d.entries, e)
}

// Dispatch runs the chain for msg. The returned error is a pipeline fault:
// an error nobody claimed, or an error handler that failed itself. Faults
// raised by continuations invoked after Dispatch returned are only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) error {
	d.mu.RLock()
	entries := slices.Clone(d.entries)
	d.mu.RUnlock()

	r := &run{ctx: ctx, msg: msg, entries: entries, log: d.log}
	r.handle(0, nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.returned = true
	return r.fault
}

// run is the traversal state of one message.
type run struct {
	ctx     context.Context
	msg     *Message
	entries []Entry
	log     *zap.Logger

	mu       sync.Mutex
	fault    error
	returned bool
}

func (r *run) handle(index int, err error) {
	for ; index < len(r.entries); index++ {
		e := r.entries[index]
		if e.candidate(r.msg, err) {
			r.invoke(index, e, err)
			return
		}
	}
	if err != nil {
		r.setFault(Fault(err, "unhandled error for message %q", r.msg.Type))
	}
}

func (r *run) invoke(index int, e Entry, err error) {
	var called atomic.Bool
	next := func(nerr error) {
		if !called.CompareAndSwap(false, true) {
			r.log.Warn("continuation invoked more than once",
				zap.String("type", r.msg.Type), zap.Int("handler", index))
			return
		}
		r.proceed(index, err, nerr)
	}

	if cbErr := call(r.ctx, e.handle, r.msg, next, err); cbErr != nil {
		if called.CompareAndSwap(false, true) {
			r.proceed(index, err, cbErr)
			return
		}
		r.log.Warn("handler failed after continuing",
			zap.String("type", r.msg.Type), zap.Int("handler", index), zap.Error(cbErr))
	}
}

func (r *run) proceed(index int, err, nerr error) {
	switch {
	case err == nil && nerr == nil:
		r.handle(index+1, nil)
	case err == nil:
		// Restart so that error handlers registered before the failing
		// handler get to observe the fault as well.
		if r.msg.Error == nil {
			r.msg.Error = nerr
		}
		r.handle(0, nerr)
	case nerr == nil:
		r.handle(index+1, err)
	default:
		r.setFault(Fault(nerr, "error handler failed while handling %v", err))
	}
}

func (r *run) setFault(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fault == nil {
		r.fault = err
	}
	if r.returned {
		r.log.Error("pipeline fault after dispatch returned",
			zap.String("type", r.msg.Type), zap.Error(err))
	}
}

// call invokes h and converts a panic into a returned error.
func call(ctx context.Context, h ErrorHandlerFunc, msg *Message, next Next, err error) (out error) {
	defer func() {
		if p := recover(); p != nil {
			if perr, ok := p.(error); ok {
				out = fmt.Errorf("handler panic: %w", perr)
				return
			}
			out = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, msg, next, err)
}
