package qjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Value is a node in a JSON document tree. All concrete value types in this
// package implement it.
type Value interface {
	json.Marshaler
}

// String is a JSON string value.
type String string

// MarshalJSON implements json.Marshaler.
func (s String) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// Number is a JSON number carried as literal text so that integer and
// floating-point values round-trip without precision loss.
type Number string

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	if n == "" {
		return []byte("0"), nil
	}
	return []byte(n), nil
}

// Int returns a Number holding the decimal representation of i.
func Int(i int64) Number {
	return Number(strconv.FormatInt(i, 10))
}

// Uint returns a Number holding the decimal representation of u.
func Uint(u uint64) Number {
	return Number(strconv.FormatUint(u, 10))
}

// Double returns a Number holding the shortest representation of f that
// round-trips.
func Double(f float64) Number {
	return Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// Bool is a JSON boolean value.
type Bool bool

// MarshalJSON implements json.Marshaler.
func (b Bool) MarshalJSON() ([]byte, error) {
	if b {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

// Null is the JSON null value.
type Null struct{}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

type field struct {
	key   string
	value Value
}

// Object is an append-only JSON object. Keys keep their insertion order and
// duplicates are rejected, so a property bag assembled in several passes
// cannot silently overwrite an earlier field.
type Object struct {
	fields []field
	index  map[string]int
}

// NewObject returns an empty Object.
func NewObject() *Object {
	return &Object{index: make(map[string]int)}
}

// Set appends key with the given value. Setting an empty key or a key that
// is already present is an error.
func (o *Object) Set(key string, v Value) error {
	if key == "" {
		return fmt.Errorf("empty object key")
	}
	if _, ok := o.index[key]; ok {
		return fmt.Errorf("duplicate object key %q", key)
	}
	if v == nil {
		v = Null{}
	}
	if o.index == nil {
		o.index = make(map[string]int)
	}
	o.index[key] = len(o.fields)
	o.fields = append(o.fields, field{key: key, value: v})
	return nil
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (Value, bool) {
	i, ok := o.index[key]
	if !ok {
		return nil, false
	}
	return o.fields[i].value, true
}

// Has reports whether key is present.
func (o *Object) Has(key string) bool {
	_, ok := o.index[key]
	return ok
}

// Len returns the number of fields.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.fields)
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	keys := make([]string, len(o.fields))
	for i, f := range o.fields {
		keys[i] = f.key
	}
	return keys
}

// MarshalJSON implements json.Marshaler, emitting keys in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := f.value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshaling key %q: %w", f.key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Array is an ordered JSON array.
type Array struct {
	items []Value
}

// NewArray returns an empty Array.
func NewArray() *Array {
	return &Array{}
}

// Append adds a value to the end of the array.
func (a *Array) Append(v Value) {
	if v == nil {
		v = Null{}
	}
	a.items = append(a.items, v)
}

// Len returns the number of elements.
func (a *Array) Len() int {
	if a == nil {
		return 0
	}
	return len(a.items)
}

// Items returns the underlying elements in order.
func (a *Array) Items() []Value {
	return a.items
}

// MarshalJSON implements json.Marshaler.
func (a *Array) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range a.items {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := v.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
