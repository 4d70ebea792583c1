package reactive

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Key is the canonical string form of a primary key value. Numeric keys
// compare equal whether they came from JSON (float64) or a driver (int64).
type Key string

// KeyOf canonicalizes a single key value. ok is false for nil.
func KeyOf(v any) (Key, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case Key:
		return t, true
	case string:
		return Key(t), true
	case []byte:
		return Key(t), true
	case float64:
		return Key(formatFloat(t)), true
	case float32:
		return Key(formatFloat(float64(t))), true
	case int:
		return Key(strconv.FormatInt(int64(t), 10)), true
	case int32:
		return Key(strconv.FormatInt(int64(t), 10)), true
	case int64:
		return Key(strconv.FormatInt(t, 10)), true
	case uint64:
		return Key(strconv.FormatUint(t, 10)), true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Key(strconv.FormatInt(i, 10)), true
		}
		return Key(t.String()), true
	default:
		return Key(fmt.Sprint(t)), true
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// KeyPtr is a helper for building Changes.
func KeyPtr(v any) *Key {
	k, ok := KeyOf(v)
	if !ok {
		return nil
	}
	return &k
}

// CompositeKey joins multi-column keys as "col=value,col=value". A single
// column key is just its value.
//
//	CompositeKey([]string{"film_id", "actor_id"}, []any{3, 7}) == "film_id=3,actor_id=7"
func CompositeKey(cols []string, vals []any) (Key, bool) {
	if len(cols) != len(vals) || len(cols) == 0 {
		return "", false
	}
	if len(cols) == 1 {
		return KeyOf(vals[0])
	}
	pairs := make([]string, 0, len(cols))
	for i := range cols {
		k, ok := KeyOf(vals[i])
		if !ok {
			return "", false
		}
		pairs = append(pairs, fmt.Sprintf("%s=%s", cols[i], k))
	}
	return Key(strings.Join(pairs, ",")), true
}
