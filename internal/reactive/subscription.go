package reactive

import (
	"fmt"
	"sort"
	"sync"
)

// Subscription binds one connection to one channel under one filter and
// remembers which rows its last read of each table returned.
type Subscription struct {
	conn    *Connection
	channel Descriptor
	filter  Filter

	mu     sync.Mutex
	seen   map[string]map[Key]struct{}
	opaque map[string]struct{}
	closed bool
}

func newSubscription(conn *Connection, ch Descriptor, f Filter) *Subscription {
	return &Subscription{
		conn:    conn,
		channel: ch,
		filter:  f,
		seen:    map[string]map[Key]struct{}{},
		opaque:  map[string]struct{}{},
	}
}

func (s *Subscription) Connection() *Connection { return s.conn }
func (s *Subscription) Channel() Descriptor     { return s.channel }
func (s *Subscription) Filter() Filter          { return s.filter }

func (s *Subscription) String() string {
	return fmt.Sprintf("%s %s %s", s.conn.ID(), s.channel.Name(), s.filter)
}

// HasSeen reports whether a change to the given row may be visible to this
// subscription. A nil key stands for a new row: any subscription that has
// read the table at least once might now include it.
func (s *Subscription) HasSeen(table string, key *Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.opaque[table]; ok {
		return true
	}
	keys, ok := s.seen[table]
	if !ok {
		return false
	}
	if key == nil {
		return true
	}
	_, ok = keys[*key]
	return ok
}

// Tables lists every table this subscription has read.
func (s *Subscription) Tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tablesLocked()
}

func (s *Subscription) tablesLocked() []string {
	out := make([]string, 0, len(s.seen)+len(s.opaque))
	for t := range s.seen {
		out = append(out, t)
	}
	for t := range s.opaque {
		if _, dup := s.seen[t]; !dup {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// record replaces the seen set of every table res touched and returns those
// tables. A closed subscription records nothing.
func (s *Subscription) record(res ReadResult) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	touched := make([]string, 0, len(res.Seen)+len(res.Opaque))
	for table, keys := range res.Seen {
		set := make(map[Key]struct{}, len(keys))
		for _, k := range keys {
			set[k] = struct{}{}
		}
		s.seen[table] = set
		delete(s.opaque, table)
		touched = append(touched, table)
	}
	for _, table := range res.Opaque {
		s.opaque[table] = struct{}{}
		delete(s.seen, table)
		touched = append(touched, table)
	}
	return touched
}

func (s *Subscription) close() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.tablesLocked()
}

func (s *Subscription) seenCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.seen)+len(s.opaque))
	for t, keys := range s.seen {
		out[t] = len(keys)
	}
	for t := range s.opaque {
		out[t] = -1
	}
	return out
}
