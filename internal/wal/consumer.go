// Package wal feeds row changes decoded from a wal2json stream into the
// synchronization engine, so writes made outside the broker refresh
// subscribers too.
package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/reactive"
)

// Change is one wal2json (format-version 1) change entry.
type Change struct {
	Schema  string `json:"schema"`
	Table   string `json:"table"`
	Kind    string `json:"kind"`
	OldKeys Keys   `json:"oldkeys"`
	NewKeys Keys   `json:"newkeys"`
}

type Keys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}

type Envelope struct {
	Change []Change `json:"change"`
}

// Invalidator is what the consumer drives; *reactive.Engine implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, changes []reactive.Change) error
}

type Consumer struct {
	sink Invalidator
	log  *zap.Logger
}

func NewConsumer(sink Invalidator, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.L()
	}
	return &Consumer{sink: sink, log: log.Named("wal")}
}

// Changes converts an envelope. Inserts carry no key; so does any change
// whose key can't be read, which makes it count as seen by everyone.
func Changes(env Envelope) []reactive.Change {
	out := make([]reactive.Change, 0, len(env.Change))
	for _, ch := range env.Change {
		table := ch.Table
		if ch.Schema != "" && ch.Schema != "public" {
			table = ch.Schema + "." + ch.Table
		}
		c := reactive.Change{Table: table}
		if ch.Kind != "insert" {
			keys := ch.OldKeys
			if len(keys.KeyNames) == 0 {
				keys = ch.NewKeys
			}
			if k, ok := reactive.CompositeKey(keys.KeyNames, keys.KeyValues); ok {
				c.Key = &k
			}
		}
		out = append(out, c)
	}
	return out
}

// OnMessage handles one raw envelope.
func (c *Consumer) OnMessage(ctx context.Context, line []byte) error {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return fmt.Errorf("wal decode: %w", err)
	}
	changes := Changes(env)
	if len(changes) == 0 {
		return nil
	}
	c.log.Debug("changes", zap.Int("count", len(changes)), zap.Stringer("first", changes[0]))
	return c.sink.Invalidate(ctx, changes)
}

// Run reads newline delimited envelopes from r until EOF or ctx ends. Bad
// lines are logged and skipped.
func (c *Consumer) Run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := c.OnMessage(ctx, line); err != nil {
			c.log.Warn("wal message failed", zap.Error(err))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Listen connects to a wal2json sidecar at addr and consumes it,
// reconnecting with backoff until ctx ends.
func (c *Consumer) Listen(ctx context.Context, addr string) error {
	backoff := time.Second
	for {
		err := c.listenOnce(ctx, addr)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("stream closed")
		}
		c.log.Warn("wal stream lost", zap.String("addr", addr), zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (c *Consumer) listenOnce(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.log.Info("wal stream connected", zap.String("addr", addr))
	return c.Run(ctx, conn)
}
