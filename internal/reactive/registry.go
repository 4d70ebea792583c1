package reactive

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zoravur/syncbroker/internal/protocol"
)

// Registry holds the live connections and the two lookup indexes:
// channel -> listening connections and table -> dependent subscriptions.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	listeners map[string]map[*Connection]struct{}
	deps      map[string]map[*Subscription]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[string]*Connection),
		listeners: make(map[string]map[*Connection]struct{}),
		deps:      make(map[string]map[*Subscription]struct{}),
	}
}

func (r *Registry) Connect(id string, em protocol.Emitter) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.conns[id]; dup {
		return nil, fmt.Errorf("connection %q already registered", id)
	}
	c := &Connection{id: id, emitter: em, reg: r, subs: map[string][]*Subscription{}}
	r.conns[id] = c
	return c, nil
}

func (r *Registry) Connection(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Disconnect unsubscribes everything the connection held and forgets it.
func (r *Registry) Disconnect(id string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	dropped := c.subscriptionsLocked()
	for channel := range c.subs {
		delete(r.listeners[channel], c)
	}
	for _, s := range dropped {
		r.dropDependenciesLocked(s)
	}
	c.subs = map[string][]*Subscription{}
	delete(r.conns, id)
	r.mu.Unlock()

	for _, s := range dropped {
		s.channel.unsubscribed(s)
	}
	return true
}

// Listeners returns the connections subscribed to channel, by id.
func (r *Registry) Listeners(channel string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.listeners[channel]))
	for c := range r.listeners[channel] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Dependents returns the subscriptions whose reads touched table.
func (r *Registry) Dependents(table string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.deps[table]))
	for s := range r.deps[table] {
		out = append(out, s)
	}
	sortSubscriptions(out)
	return out
}

// Subscriptions returns every live subscription.
func (r *Registry) Subscriptions() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, c := range r.conns {
		for _, subs := range c.subs {
			out = append(out, subs...)
		}
	}
	sortSubscriptions(out)
	return out
}

// Record stores the outcome of a read of sub and indexes it under every
// table the read touched. Reads finishing after the subscription was
// dropped are ignored.
func (r *Registry) Record(sub *Subscription, res ReadResult) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tables := sub.record(res)
	for _, t := range tables {
		set, ok := r.deps[t]
		if !ok {
			set = map[*Subscription]struct{}{}
			r.deps[t] = set
		}
		set[sub] = struct{}{}
	}
	return tables
}

// dropDependenciesLocked removes sub from the dependency index. Empty
// table entries stay.
func (r *Registry) dropDependenciesLocked(sub *Subscription) {
	for _, t := range sub.close() {
		delete(r.deps[t], sub)
	}
}

type Stats struct {
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
	Tables        int `json:"tables"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Connections: len(r.conns), Tables: len(r.deps)}
	for _, c := range r.conns {
		for _, subs := range c.subs {
			st.Subscriptions += len(subs)
		}
	}
	return st
}

type SubscriptionView struct {
	Channel string         `json:"channel"`
	Filter  Filter         `json:"filter"`
	Seen    map[string]int `json:"seen"`
}

type ConnectionView struct {
	ID            string             `json:"id"`
	Subscriptions []SubscriptionView `json:"subscriptions"`
}

// Snapshot is a point-in-time view for introspection. Seen counts are -1
// for opaque tables.
func (r *Registry) Snapshot() []ConnectionView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionView, 0, len(r.conns))
	for _, c := range r.conns {
		view := ConnectionView{ID: c.id, Subscriptions: []SubscriptionView{}}
		for _, s := range c.subscriptionsLocked() {
			view.Subscriptions = append(view.Subscriptions, SubscriptionView{
				Channel: s.channel.Name(),
				Filter:  s.filter,
				Seen:    s.seenCounts(),
			})
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortSubscriptions(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		a, b := subs[i], subs[j]
		if a.conn.id != b.conn.id {
			return a.conn.id < b.conn.id
		}
		if a.channel.Name() != b.channel.Name() {
			return a.channel.Name() < b.channel.Name()
		}
		return a.filter.Name() < b.filter.Name()
	})
}
