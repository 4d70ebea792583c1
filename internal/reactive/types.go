package reactive

import (
	"sync"

	"github.com/zoravur/syncbroker/internal/protocol"
)

type MutationKind uint8

const (
	MutationCreate MutationKind = iota + 1
	MutationUpdate
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationCreate:
		return "create"
	case MutationUpdate:
		return "update"
	case MutationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is the result of one successful create, update or delete.
type Mutation struct {
	Kind    MutationKind
	Channel string
	Object  Object
}

// Change is a row-level change. A nil Key is a new row.
type Change struct {
	Table string
	Key   *Key
}

func (c Change) String() string {
	if c.Key == nil {
		return c.Table + "/<new>"
	}
	return c.Table + "/" + string(*c.Key)
}

// Recorder is an in-memory Emitter that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *Recorder) Emit(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, protocol.Event{Type: event, Data: payload})
	return nil
}

func (r *Recorder) Events() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

// Named returns the payloads of events of one type.
func (r *Recorder) Named(event string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.Type == event {
			out = append(out, e.Data)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
