package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/auth"
	"github.com/zoravur/syncbroker/internal/protocol"
	"github.com/zoravur/syncbroker/internal/reactive"
)

// investors is an in-memory table channel with auto increment ids.
func investors(rows ...string) *reactive.FuncChannel {
	return memChannel("investors", rows...)
}

func memChannel(table string, rows ...string) *reactive.FuncChannel {
	var mu sync.Mutex
	data := map[int]reactive.Object{}
	nextID := 1
	for _, name := range rows {
		data[nextID] = reactive.Object{"id": nextID, "name": name}
		nextID++
	}
	idOf := func(obj reactive.Object) int {
		switch v := obj["id"].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
		return 0
	}
	return &reactive.FuncChannel{
		ChannelName: table,
		ReadFunc: func(ctx context.Context, f reactive.Filter) (reactive.ReadResult, error) {
			mu.Lock()
			defer mu.Unlock()
			ids := make([]int, 0, len(data))
			for id, row := range data {
				if f.Matches(row) {
					ids = append(ids, id)
				}
			}
			sort.Ints(ids)
			res := reactive.ReadResult{Rows: []reactive.Object{}, Seen: map[string][]reactive.Key{table: {}}}
			for _, id := range ids {
				res.Rows = append(res.Rows, data[id])
				k, _ := reactive.KeyOf(id)
				res.Seen[table] = append(res.Seen[table], k)
			}
			return res, nil
		},
		CreateFunc: func(ctx context.Context, in reactive.Object) (reactive.Object, error) {
			mu.Lock()
			defer mu.Unlock()
			name, _ := in["name"].(string)
			if name == "" {
				return nil, protocol.BadRequest("Investor name required.")
			}
			obj := reactive.Object{"id": nextID, "name": name}
			data[nextID] = obj
			nextID++
			return obj, nil
		},
		UpdateFunc: func(ctx context.Context, in reactive.Object) (reactive.Object, error) {
			mu.Lock()
			defer mu.Unlock()
			id := idOf(in)
			row, ok := data[id]
			if !ok {
				return nil, errors.New("no such row")
			}
			if name, ok := in["name"].(string); ok {
				row["name"] = name
			}
			return row, nil
		},
		DeleteFunc: func(ctx context.Context, in reactive.Object) (reactive.Object, error) {
			mu.Lock()
			defer mu.Unlock()
			delete(data, idOf(in))
			return in, nil
		},
		AffectsFunc: func(ctx context.Context, obj reactive.Object) ([]string, error) {
			return []string{table}, nil
		},
	}
}

type harness struct {
	t     *testing.T
	b     *Broker
	codec *auth.JWTCodec
	token string
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	codec, err := auth.NewJWTCodec([]byte("xyz123"))
	require.NoError(t, err)
	opts := Options{
		Logger:   zap.NewNop(),
		Tokens:   codec,
		Provider: auth.StaticProvider{User: auth.User{ID: "1", Name: "auto"}},
	}
	if mutate != nil {
		mutate(&opts)
	}
	b, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, b.AddChannel(investors("Alice", "Bob", "Carol")))
	b.Use404()

	token, err := codec.Sign(auth.User{ID: "1", Name: "auto"})
	require.NoError(t, err)
	return &harness{t: t, b: b, codec: codec, token: token}
}

func (h *harness) connect(id string) *reactive.Recorder {
	h.t.Helper()
	rec := &reactive.Recorder{}
	_, err := h.b.Connect(id, rec)
	require.NoError(h.t, err)
	return rec
}

// send dispatches a message carrying the harness token.
func (h *harness) send(conn, typ string, data map[string]any) {
	h.t.Helper()
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["token"]; !ok {
		data["token"] = h.token
	}
	raw, err := json.Marshal(data)
	require.NoError(h.t, err)
	require.NoError(h.t, h.b.Dispatch(context.Background(), conn, protocol.Envelope{Type: typ, Data: raw}))
}

func names(t *testing.T, payload any) []string {
	t.Helper()
	rows, ok := payload.([]reactive.Object)
	require.True(t, ok, "payload is %T", payload)
	out := []string{}
	for _, r := range rows {
		out = append(out, r["name"].(string))
	}
	return out
}

func TestSubscribeSendsCurrentRows(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.connect("a")

	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors"})

	got := rec.Named("investors")
	require.Len(t, got, 1)
	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, names(t, got[0]))
}

func TestCreateRefreshesEveryReader(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")
	b := h.connect("b")
	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors"})
	h.send("b", protocol.TypeSubscribe, map[string]any{"channel": "investors"})
	a.Reset()
	b.Reset()

	h.send("a", protocol.TypeCreate, map[string]any{"investors": map[string]any{"name": "Dave"}})

	for _, rec := range []*reactive.Recorder{a, b} {
		got := rec.Named("investors")
		require.Len(t, got, 1)
		assert.Equal(t, []string{"Alice", "Bob", "Carol", "Dave"}, names(t, got[0]))
	}
}

func TestUpdateSkipsSubscribersThatNeverSawTheRow(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")
	b := h.connect("b")
	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors", "filter": map[string]any{"id": 3}})
	h.send("b", protocol.TypeSubscribe, map[string]any{"channel": "investors"})
	a.Reset()
	b.Reset()

	h.send("b", protocol.TypeUpdate, map[string]any{"investors": map[string]any{"id": 1, "name": "Alicia"}})

	assert.Empty(t, a.Events())
	require.Len(t, b.Named("investors"), 1)
	assert.Equal(t, []string{"Alicia", "Bob", "Carol"}, names(t, b.Named("investors")[0]))
}

func TestDeleteEmptiesFilteredView(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")
	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors", "filter": map[string]any{"id": 3}})
	require.Equal(t, []string{"Carol"}, names(t, a.Named("investors")[0]))
	a.Reset()

	h.send("a", protocol.TypeDelete, map[string]any{"investors": []any{map[string]any{"id": 3}}})

	require.Len(t, a.Named("investors"), 1)
	assert.Empty(t, names(t, a.Named("investors")[0]))
}

func TestRepeatedSubscribeDoesNotDuplicatePushes(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")
	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors", "filter": map[string]any{"id": 1, "name": "Alice"}})
	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors", "filter": map[string]any{"name": "Alice", "id": 1}})
	assert.Len(t, a.Named("investors"), 2, "each subscribe answers")
	a.Reset()

	h.send("a", protocol.TypeUpdate, map[string]any{"investors": map[string]any{"id": 1, "name": "Alice"}})
	assert.Len(t, a.Named("investors"), 1)
	assert.Equal(t, 1, h.b.Registry().Stats().Subscriptions)
}

func TestUnsubscribeStopsPushes(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")
	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors"})
	h.send("a", protocol.TypeUnsubscribe, map[string]any{"channel": "investors"})
	a.Reset()

	h.send("a", protocol.TypeCreate, map[string]any{"investors": map[string]any{"name": "Eve"}})
	assert.Empty(t, a.Events())
}

func TestDisconnectStopsPushes(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")
	h.connect("b")
	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors"})
	h.b.Disconnect("a")
	a.Reset()

	h.send("b", protocol.TypeCreate, map[string]any{"investors": map[string]any{"name": "Eve"}})
	assert.Empty(t, a.Events())
	assert.Empty(t, h.b.Registry().Listeners("investors"))
}

func TestUnknownChannel(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")

	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "nope"})
	h.send("a", protocol.TypeCreate, map[string]any{"nope": map[string]any{"x": 1}})

	assert.Equal(t, []any{
		protocol.Failure{Status: 404, Message: "No such channel as 'nope'."},
		protocol.Failure{Status: 404, Message: "No such channel as 'nope'."},
	}, a.Named(protocol.EventFailure))
}

func TestUnsupportedOperation(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.b.AddChannel(&reactive.FuncChannel{
		ChannelName: "readonly",
		ReadFunc: func(ctx context.Context, f reactive.Filter) (reactive.ReadResult, error) {
			return reactive.ReadResult{}, nil
		},
	}))
	require.NoError(t, h.b.AddChannel(&reactive.FuncChannel{ChannelName: "writeonly"}))
	a := h.connect("a")

	h.send("a", protocol.TypeCreate, map[string]any{"readonly": map[string]any{"x": 1}})
	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "writeonly"})

	assert.Equal(t, []any{
		protocol.Failure{Status: 400, Message: "Channel 'readonly' does not support object creation."},
		protocol.Failure{Status: 400, Message: "Channel 'writeonly' does not support object reading."},
	}, a.Named(protocol.EventFailure))
}

func TestPartialBatch(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")
	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors"})
	a.Reset()

	h.send("a", protocol.TypeCreate, map[string]any{
		"investors": []any{map[string]any{"name": ""}, "junk", map[string]any{"name": "Frank"}},
	})

	assert.Equal(t, []any{protocol.Failure{Status: 400, Message: "Investor name required."}}, a.Named(protocol.EventFailure))
	require.Len(t, a.Named("investors"), 1)
	assert.Contains(t, names(t, a.Named("investors")[0]), "Frank")
}

func TestStorageErrorBecomesFailure(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")

	h.send("a", protocol.TypeUpdate, map[string]any{"investors": map[string]any{"id": 99, "name": "x"}})

	assert.Equal(t, []any{protocol.Failure{Status: 500, Message: "Internal error."}}, a.Named(protocol.EventFailure))
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")

	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors", "token": ""})

	assert.Empty(t, a.Named("investors"))
	assert.Equal(t, []any{protocol.Failure{Status: 403, Message: "No token provided."}}, a.Named(protocol.EventFailure))
}

func TestLoginThenSubscribe(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")

	require.NoError(t, h.b.Dispatch(context.Background(), "a", protocol.Envelope{Type: protocol.TypeLogin, Data: json.RawMessage(`{"user":"auto","password":"x"}`)}))
	ok := a.Named(protocol.EventLoginSuccessful)
	require.Len(t, ok, 1)
	token := ok[0].(map[string]any)["token"].(string)

	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors", "token": token})
	assert.Len(t, a.Named("investors"), 1)
}

func TestUnknownTypeGets404(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")

	h.send("a", "frobnicate", nil)

	assert.Equal(t, []any{protocol.Failure{Status: 404, Message: "No handler for the message type 'frobnicate'."}}, a.Named(protocol.EventFailure))
}

func TestNoAuthBroker(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Tokens = nil })
	a := h.connect("a")

	require.NoError(t, h.b.Dispatch(context.Background(), "a", protocol.Envelope{Type: protocol.TypeSubscribe, Data: json.RawMessage(`{"channel":"investors"}`)}))
	assert.Len(t, a.Named("investors"), 1)
	assert.Nil(t, h.b.Gate())
}

func TestAffectsPolicyBroker(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Policy = reactive.AffectsPolicy{} })
	a := h.connect("a")
	b := h.connect("b")
	h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "investors", "filter": map[string]any{"id": 3}})
	h.send("b", protocol.TypeSubscribe, map[string]any{"channel": "investors"})
	a.Reset()
	b.Reset()

	h.send("b", protocol.TypeUpdate, map[string]any{"investors": map[string]any{"id": 1, "name": "Alicia"}})

	// The coarse policy refreshes every listener of the channel.
	assert.Len(t, a.Named("investors"), 1)
	assert.Len(t, b.Named("investors"), 1)
}

func TestInvalidData(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")

	require.NoError(t, h.b.Dispatch(context.Background(), "a", protocol.Envelope{Type: protocol.TypeSubscribe, Data: json.RawMessage(`[1]`)}))
	assert.Equal(t, []any{protocol.Failure{Status: 400, Message: "Invalid message data."}}, a.Named(protocol.EventFailure))

	assert.Error(t, h.b.Dispatch(context.Background(), "ghost", protocol.Envelope{Type: "x"}))
}

func TestAddChannelRejectsDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.b.AddChannel(investors()))
	assert.Error(t, h.b.AddChannel(&reactive.FuncChannel{ChannelName: "token"}))
	assert.Error(t, h.b.AddChannel(&reactive.FuncChannel{}))
	assert.Len(t, h.b.Channels(), 1)
}

func TestNewRequiresProviderWithTokens(t *testing.T) {
	codec, err := auth.NewJWTCodec([]byte("s"))
	require.NoError(t, err)
	_, err = New(Options{Logger: zap.NewNop(), Tokens: codec})
	assert.Error(t, err)
}

func TestPipelineFaultIsReturned(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Tokens = nil })
	broken := protocol.EmitterFunc(func(string, any) error { return errors.New("socket closed") })
	_, err := h.b.Connect("a", broken)
	require.NoError(t, err)

	// The update fails, then reporting the failure fails too.
	err = h.b.Dispatch(context.Background(), "a", protocol.Envelope{
		Type: protocol.TypeUpdate,
		Data: json.RawMessage(`{"investors":{"id":99}}`),
	})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindPipeline))
}

// strict rejects filters on anything but id and name, the way a table
// channel rejects unknown columns.
func strict(ch *reactive.FuncChannel) *reactive.FuncChannel {
	read := ch.ReadFunc
	ch.ReadFunc = func(ctx context.Context, f reactive.Filter) (reactive.ReadResult, error) {
		for _, fd := range f.Fields() {
			if fd.Name != "id" && fd.Name != "name" {
				return reactive.ReadResult{}, protocol.BadRequest("Invalid filter for channel '%s'.", ch.ChannelName)
			}
		}
		return read(ctx, f)
	}
	return ch
}

func TestFailedSubscribeLeavesNoSubscription(t *testing.T) {
	for _, policy := range []reactive.Policy{reactive.DependencyPolicy{}, reactive.AffectsPolicy{}} {
		t.Run(policy.Name(), func(t *testing.T) {
			h := newHarness(t, func(o *Options) { o.Policy = policy })
			require.NoError(t, h.b.AddChannel(strict(memChannel("ledger", "Alice"))))
			a := h.connect("a")
			b := h.connect("b")

			h.send("a", protocol.TypeSubscribe, map[string]any{"channel": "ledger", "filter": map[string]any{"bogus": 1}})
			assert.Equal(t, []any{protocol.Failure{Status: 400, Message: "Invalid filter for channel 'ledger'."}}, a.Named(protocol.EventFailure))
			assert.Empty(t, a.Named("ledger"))
			assert.Equal(t, 0, h.b.Registry().Stats().Subscriptions)
			assert.Empty(t, h.b.Registry().Listeners("ledger"))

			h.send("b", protocol.TypeSubscribe, map[string]any{"channel": "ledger"})
			assert.Equal(t, 1, h.b.Registry().Stats().Subscriptions)
			require.Len(t, h.b.Registry().Listeners("ledger"), 1)
			assert.Equal(t, "b", h.b.Registry().Listeners("ledger")[0].ID())
			a.Reset()
			b.Reset()

			h.send("b", protocol.TypeCreate, map[string]any{"ledger": map[string]any{"name": "Dave"}})
			assert.Empty(t, b.Named(protocol.EventFailure))
			require.Len(t, b.Named("ledger"), 1)
			assert.Equal(t, []string{"Alice", "Dave"}, names(t, b.Named("ledger")[0]))
			assert.Empty(t, a.Events())
		})
	}
}

func TestRejectedLoginSendsNoFailure(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Provider = auth.ProviderFunc(func(ctx context.Context, creds map[string]any) (auth.User, error) {
			return auth.User{}, auth.ErrRejected
		})
	})
	a := h.connect("a")

	require.NoError(t, h.b.Dispatch(context.Background(), "a", protocol.Envelope{Type: protocol.TypeLogin, Data: json.RawMessage(`{"user":"ada","password":"x"}`)}))

	assert.Equal(t, []any{protocol.Failure{Status: 401, Message: "Login failed."}}, a.Named(protocol.EventLoginFailed))
	assert.Empty(t, a.Named(protocol.EventFailure))
	assert.Len(t, a.Events(), 1)
}
