// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Kind identifies which member of the Value union is set
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindTimestamp
	KindString
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindTimestamp:
		return "timestamp"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a document field value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	t    time.Time
	s    string
	a    []Value
	m    Fields
}

func Null() Value              { return Value{} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func Number(n float64) Value   { return Value{kind: KindNumber, n: n} }
func Int(i int64) Value        { return Value{kind: KindNumber, n: float64(i)} }
func String(s string) Value    { return Value{kind: KindString, s: s} }
func Timestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, t: t.UTC()}
}

// Array builds an array value; elements are copied
func Array(items ...Value) Value {
	cp := make([]Value, len(items))
	for i, it := range items {
		cp[i] = it.Clone()
	}
	return Value{kind: KindArray, a: cp}
}

// Map builds a nested map value; the fields are copied
func Map(f Fields) Value {
	return Value{kind: KindMap, m: f.Clone()}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) BoolValue() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) NumberValue() (float64, bool) {
	return v.n, v.kind == KindNumber
}
func (v Value) StringValue() (string, bool) { return v.s, v.kind == KindString }
func (v Value) TimestampValue() (time.Time, bool) {
	return v.t, v.kind == KindTimestamp
}

// IntValue returns the number as int64 when it has no fractional part
func (v Value) IntValue() (int64, bool) {
	if v.kind != KindNumber || v.n != math.Trunc(v.n) {
		return 0, false
	}
	return int64(v.n), true
}

func (v Value) ArrayValue() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	cp := make([]Value, len(v.a))
	copy(cp, v.a)
	return cp, true
}

func (v Value) MapValue() (Fields, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m.Clone(), true
}

// Clone returns a deep copy
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		cp := make([]Value, len(v.a))
		for i, it := range v.a {
			cp[i] = it.Clone()
		}
		return Value{kind: KindArray, a: cp}
	case KindMap:
		return Value{kind: KindMap, m: v.m.Clone()}
	default:
		return v
	}
}

// Equal reports deep equality. Numbers compare by value, timestamps by instant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindTimestamp:
		return v.t.Equal(o.t)
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.a) != len(o.a) {
			return false
		}
		for i := range v.a {
			if !v.a[i].Equal(o.a[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(o.m)
	}
	return false
}

// Compare orders values first by kind (null < bool < number < timestamp <
// string < array < map) and then by content.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindBool:
		switch {
		case v.b == o.b:
			return 0
		case !v.b:
			return -1
		default:
			return 1
		}
	case KindNumber:
		switch {
		case v.n < o.n:
			return -1
		case v.n > o.n:
			return 1
		}
		return 0
	case KindTimestamp:
		return v.t.Compare(o.t)
	case KindString:
		return strings.Compare(v.s, o.s)
	case KindArray:
		for i := 0; i < len(v.a) && i < len(o.a); i++ {
			if c := v.a[i].Compare(o.a[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(v.a) < len(o.a):
			return -1
		case len(v.a) > len(o.a):
			return 1
		}
		return 0
	case KindMap:
		vk, ok := v.m.sortedKeys(), o.m.sortedKeys()
		for i := 0; i < len(vk) && i < len(ok); i++ {
			if c := strings.Compare(vk[i], ok[i]); c != 0 {
				return c
			}
			if c := v.m[vk[i]].Compare(o.m[ok[i]]); c != 0 {
				return c
			}
		}
		switch {
		case len(vk) < len(ok):
			return -1
		case len(vk) > len(ok):
			return 1
		}
	}
	return 0
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindNumber:
		return fmt.Sprintf("%g", v.n)
	case KindTimestamp:
		return v.t.Format(time.RFC3339Nano)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// wireValue is the self-describing JSON form of a Value
type wireValue struct {
	NullValue      *json.RawMessage `json:"nullValue,omitempty"`
	BooleanValue   *bool            `json:"booleanValue,omitempty"`
	NumberValue    *float64         `json:"numberValue,omitempty"`
	TimestampValue *time.Time       `json:"timestampValue,omitempty"`
	StringValue    *string          `json:"stringValue,omitempty"`
	ArrayValue     *[]Value         `json:"arrayValue,omitempty"`
	MapValue       *Fields          `json:"mapValue,omitempty"`
}

var jsonNull = json.RawMessage("null")

func (v Value) MarshalJSON() ([]byte, error) {
	var w wireValue
	switch v.kind {
	case KindNull:
		// encoding/json drops a nil *RawMessage, so emit the member by hand
		return []byte(`{"nullValue":null}`), nil
	case KindBool:
		w.BooleanValue = &v.b
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return nil, fmt.Errorf("number value %v is not representable in JSON", v.n)
		}
		w.NumberValue = &v.n
	case KindTimestamp:
		w.TimestampValue = &v.t
	case KindString:
		w.StringValue = &v.s
	case KindArray:
		a := v.a
		if a == nil {
			a = []Value{}
		}
		w.ArrayValue = &a
	case KindMap:
		m := v.m
		if m == nil {
			m = Fields{}
		}
		w.MapValue = &m
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.kind)
	}
	return json.Marshal(&w)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), jsonNull) {
		*v = Null()
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("value must have exactly one member, got %d", len(raw))
	}
	for tag, body := range raw {
		switch tag {
		case "nullValue":
			*v = Null()
		case "booleanValue":
			var b bool
			if err := json.Unmarshal(body, &b); err != nil {
				return fmt.Errorf("failed to decode booleanValue: %w", err)
			}
			*v = Bool(b)
		case "numberValue":
			var n float64
			if err := json.Unmarshal(body, &n); err != nil {
				return fmt.Errorf("failed to decode numberValue: %w", err)
			}
			*v = Number(n)
		case "timestampValue":
			var t time.Time
			if err := json.Unmarshal(body, &t); err != nil {
				return fmt.Errorf("failed to decode timestampValue: %w", err)
			}
			*v = Timestamp(t)
		case "stringValue":
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return fmt.Errorf("failed to decode stringValue: %w", err)
			}
			*v = String(s)
		case "arrayValue":
			var a []Value
			if err := json.Unmarshal(body, &a); err != nil {
				return fmt.Errorf("failed to decode arrayValue: %w", err)
			}
			if a == nil {
				a = []Value{}
			}
			*v = Value{kind: KindArray, a: a}
		case "mapValue":
			var m Fields
			if err := json.Unmarshal(body, &m); err != nil {
				return fmt.Errorf("failed to decode mapValue: %w", err)
			}
			if m == nil {
				m = Fields{}
			}
			*v = Value{kind: KindMap, m: m}
		default:
			return fmt.Errorf("unknown value tag %q", tag)
		}
	}
	return nil
}

// Fields is the field map of a document or a patch
type Fields map[string]Value

// Clone returns a deep copy; nil stays nil
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	cp := make(Fields, len(f))
	for k, v := range f {
		cp[k] = v.Clone()
	}
	return cp
}

// Equal reports whether both maps hold the same keys with equal values.
// A nil map equals an empty one.
func (f Fields) Equal(o Fields) bool {
	if len(f) != len(o) {
		return false
	}
	for k, v := range f {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Merge returns a copy of f with every key of patch written over it
func (f Fields) Merge(patch Fields) Fields {
	out := make(Fields, len(f)+len(patch))
	for k, v := range f {
		out[k] = v.Clone()
	}
	for k, v := range patch {
		out[k] = v.Clone()
	}
	return out
}

// Get looks up a dotted path ("stats.streak") through nested maps
func (f Fields) Get(path string) (Value, bool) {
	parts := strings.Split(path, ".")
	cur := f
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return Value{}, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if v.kind != KindMap {
			return Value{}, false
		}
		cur = v.m
	}
	return Value{}, false
}

// Keys returns the field names in sorted order
func (f Fields) Keys() []string {
	return f.sortedKeys()
}

func (f Fields) sortedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
