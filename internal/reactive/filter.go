package reactive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Field is one equality term of a Filter.
type Field struct {
	Name  string
	Value any
}

// Filter is a canonical equality predicate over channel rows. The zero
// value is the "no predicate" filter.
//
// Canonicalization is shallow: top-level keys are sorted and top-level
// strings are NFC-normalized, nested values are taken as they come.
type Filter struct {
	fields []Field
	set    bool
	name   string
}

// NoFilter matches everything.
var NoFilter = Filter{}

// NewFilter canonicalizes expr. Accepted forms are nil, an object
// (map[string]any or map[string]string) and an existing Filter.
func NewFilter(expr any) (Filter, error) {
	switch v := expr.(type) {
	case nil:
		return NoFilter, nil
	case Filter:
		return v, nil
	case *Filter:
		if v == nil {
			return NoFilter, nil
		}
		return *v, nil
	case map[string]any:
		return buildFilter(v)
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		return buildFilter(m)
	default:
		return Filter{}, fmt.Errorf("invalid filter expression of type %T", expr)
	}
}

// MustFilter is NewFilter for static expressions.
func MustFilter(expr any) Filter {
	f, err := NewFilter(expr)
	if err != nil {
		panic(err)
	}
	return f
}

func buildFilter(m map[string]any) (Filter, error) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	f := Filter{set: true, fields: make([]Field, 0, len(names))}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range names {
		v := m[k]
		if s, ok := v.(string); ok {
			v = norm.NFC.String(s)
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(v)
		if err != nil {
			return Filter{}, fmt.Errorf("filter field %q: %w", k, err)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		f.fields = append(f.fields, Field{Name: k, Value: v})
	}
	buf.WriteByte('}')
	f.name = buf.String()
	return f, nil
}

// Name is the canonical identity of the filter: key-sorted JSON, or
// "null" when there is no predicate.
func (f Filter) Name() string {
	if !f.set {
		return "null"
	}
	return f.name
}

func (f Filter) String() string { return f.Name() }

func (f Filter) IsZero() bool { return !f.set }

func (f Filter) Equal(other Filter) bool { return f.Name() == other.Name() }

// Fields returns the terms in key order.
func (f Filter) Fields() []Field {
	return append([]Field(nil), f.fields...)
}

// Expression returns the filter as a plain object, nil for no predicate.
func (f Filter) Expression() map[string]any {
	if !f.set {
		return nil
	}
	m := make(map[string]any, len(f.fields))
	for _, fd := range f.fields {
		m[fd.Name] = fd.Value
	}
	return m
}

// Matches reports whether obj carries every field of the filter with an
// equal JSON value.
func (f Filter) Matches(obj map[string]any) bool {
	for _, fd := range f.fields {
		v, ok := obj[fd.Name]
		if !ok {
			return false
		}
		a, err1 := json.Marshal(v)
		b, err2 := json.Marshal(fd.Value)
		if err1 != nil || err2 != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

func (f Filter) MarshalJSON() ([]byte, error) {
	return []byte(f.Name()), nil
}
