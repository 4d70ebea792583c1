package reactive

import (
	"github.com/zoravur/syncbroker/internal/protocol"
)

// Connection owns its subscriptions. All of its state is guarded by the
// registry lock so that it stays consistent with the indexes.
type Connection struct {
	id      string
	emitter protocol.Emitter
	reg     *Registry

	subs map[string][]*Subscription
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Emit(event string, payload any) error {
	return c.emitter.Emit(event, payload)
}

// Subscribe returns the subscription for (channel, f), creating it on first
// use. created tells whether this call made it.
func (c *Connection) Subscribe(ch Descriptor, f Filter) (sub *Subscription, created bool) {
	r := c.reg
	r.mu.Lock()
	name := ch.Name()
	for _, s := range c.subs[name] {
		if s.filter.Equal(f) {
			r.mu.Unlock()
			return s, false
		}
	}
	sub = newSubscription(c, ch, f)
	c.subs[name] = append(c.subs[name], sub)
	listeners, ok := r.listeners[name]
	if !ok {
		listeners = map[*Connection]struct{}{}
		r.listeners[name] = listeners
	}
	listeners[c] = struct{}{}
	r.mu.Unlock()

	ch.subscribed(sub)
	return sub, true
}

// Unsubscribe drops the subscription for (channel, f) if there is one.
func (c *Connection) Unsubscribe(channel string, f Filter) bool {
	r := c.reg
	r.mu.Lock()
	var dropped *Subscription
	subs := c.subs[channel]
	for i, s := range subs {
		if s.filter.Equal(f) {
			dropped = s
			c.subs[channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if dropped == nil {
		r.mu.Unlock()
		return false
	}
	if len(c.subs[channel]) == 0 {
		delete(c.subs, channel)
		delete(r.listeners[channel], c)
	}
	r.dropDependenciesLocked(dropped)
	r.mu.Unlock()

	dropped.channel.unsubscribed(dropped)
	return true
}

// Filters lists the distinct filters this connection holds on channel.
func (c *Connection) Filters(channel string) []Filter {
	c.reg.mu.RLock()
	defer c.reg.mu.RUnlock()
	out := make([]Filter, 0, len(c.subs[channel]))
	for _, s := range c.subs[channel] {
		out = append(out, s.filter)
	}
	return out
}

func (c *Connection) Subscription(channel string, f Filter) (*Subscription, bool) {
	c.reg.mu.RLock()
	defer c.reg.mu.RUnlock()
	for _, s := range c.subs[channel] {
		if s.filter.Equal(f) {
			return s, true
		}
	}
	return nil, false
}

// Subscriptions lists all subscriptions of the connection.
func (c *Connection) Subscriptions() []*Subscription {
	c.reg.mu.RLock()
	defer c.reg.mu.RUnlock()
	return c.subscriptionsLocked()
}

func (c *Connection) subscriptionsLocked() []*Subscription {
	var out []*Subscription
	for _, subs := range c.subs {
		out = append(out, subs...)
	}
	sortSubscriptions(out)
	return out
}
