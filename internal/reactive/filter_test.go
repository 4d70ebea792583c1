package reactive

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterCanonicalName(t *testing.T) {
	a := MustFilter(map[string]any{"a": 1, "b": 2})
	b := MustFilter(map[string]any{"b": 2, "a": 1})
	assert.True(t, a.Equal(b))
	assert.Equal(t, `{"a":1,"b":2}`, a.Name())

	n1 := MustFilter(nil)
	var n2 Filter
	assert.True(t, n1.Equal(n2))
	assert.Equal(t, "null", n2.Name())
	assert.True(t, n2.IsZero())

	empty := MustFilter(map[string]any{})
	assert.Equal(t, "{}", empty.Name())
	assert.False(t, empty.Equal(NoFilter))
}

func TestFilterNumbersFromJSONMatchGoInts(t *testing.T) {
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"id":3}`), &decoded))

	assert.True(t, MustFilter(decoded).Equal(MustFilter(map[string]any{"id": 3})))
}

func TestFilterNormalizesStrings(t *testing.T) {
	composed := MustFilter(map[string]any{"name": "caf\u00e9"})
	decomposed := MustFilter(map[string]any{"name": "cafe\u0301"})
	assert.True(t, composed.Equal(decomposed))
}

func TestFilterRejectsBadTypes(t *testing.T) {
	for _, expr := range []any{"x", 3, []any{1}, map[string]any{"f": func() {}}} {
		_, err := NewFilter(expr)
		assert.Error(t, err, "%T", expr)
	}
}

func TestFilterMatches(t *testing.T) {
	f := MustFilter(map[string]any{"id": 3.0, "done": false})
	assert.True(t, f.Matches(Object{"id": 3, "done": false, "title": "x"}))
	assert.False(t, f.Matches(Object{"id": 4, "done": false}))
	assert.False(t, f.Matches(Object{"id": 3}))
	assert.True(t, NoFilter.Matches(Object{}))
}

func TestFilterJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		F Filter `json:"f"`
	}{MustFilter(map[string]string{"b": "2", "a": "1"})})
	require.NoError(t, err)
	assert.JSONEq(t, `{"f":{"a":"1","b":"2"}}`, string(b))
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, MustFilter(map[string]string{"b": "2", "a": "1"}).Expression())
	assert.Nil(t, NoFilter.Expression())
}

func TestKeyOf(t *testing.T) {
	tests := []struct {
		in   any
		want Key
	}{
		{in: 3, want: "3"},
		{in: int64(3), want: "3"},
		{in: 3.0, want: "3"},
		{in: 3.5, want: "3.5"},
		{in: json.Number("12"), want: "12"},
		{in: []byte("abc"), want: "abc"},
		{in: "abc", want: "abc"},
		{in: true, want: "true"},
	}
	for _, tt := range tests {
		got, ok := KeyOf(tt.in)
		assert.True(t, ok)
		assert.Equal(t, tt.want, got, "%#v", tt.in)
	}
	_, ok := KeyOf(nil)
	assert.False(t, ok)
	assert.Nil(t, KeyPtr(nil))
}

func TestCompositeKey(t *testing.T) {
	k, ok := CompositeKey([]string{"film_id", "actor_id"}, []any{3, 7.0})
	require.True(t, ok)
	assert.Equal(t, Key("film_id=3,actor_id=7"), k)

	k, ok = CompositeKey([]string{"id"}, []any{int64(9)})
	require.True(t, ok)
	assert.Equal(t, Key("9"), k)

	_, ok = CompositeKey([]string{"a", "b"}, []any{1, nil})
	assert.False(t, ok)
}
