// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"fmt"
	"strings"
)

// FilterOp is a comparison operator of a FieldFilter
type FilterOp string

const (
	FilterEq            FilterOp = "=="
	FilterNe            FilterOp = "!="
	FilterLt            FilterOp = "<"
	FilterLe            FilterOp = "<="
	FilterGt            FilterOp = ">"
	FilterGe            FilterOp = ">="
	FilterIn            FilterOp = "in"
	FilterArrayContains FilterOp = "array-contains"
)

func (op FilterOp) Valid() bool {
	switch op {
	case FilterEq, FilterNe, FilterLt, FilterLe, FilterGt, FilterGe, FilterIn, FilterArrayContains:
		return true
	}
	return false
}

// FieldFilter is a serializable predicate on one (possibly dotted) field.
// A document without the field never matches.
type FieldFilter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value Value    `json:"value"`
}

// Where builds a FieldFilter
func Where(field string, op FilterOp, value Value) FieldFilter {
	return FieldFilter{Field: field, Op: op, Value: value}
}

func (f FieldFilter) Validate() error {
	if f.Field == "" {
		return fmt.Errorf("filter field is empty")
	}
	if !f.Op.Valid() {
		return fmt.Errorf("unknown filter operator %q", f.Op)
	}
	if f.Op == FilterIn && f.Value.Kind() != KindArray {
		return fmt.Errorf("operator %q needs an array value", f.Op)
	}
	return nil
}

// Match evaluates the filter against the document fields
func (f FieldFilter) Match(fields Fields) bool {
	v, ok := fields.Get(f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case FilterEq:
		return v.Equal(f.Value)
	case FilterNe:
		return !v.Equal(f.Value)
	case FilterLt, FilterLe, FilterGt, FilterGe:
		// range comparisons only hold between values of the same kind
		if v.Kind() != f.Value.Kind() {
			return false
		}
		c := v.Compare(f.Value)
		switch f.Op {
		case FilterLt:
			return c < 0
		case FilterLe:
			return c <= 0
		case FilterGt:
			return c > 0
		default:
			return c >= 0
		}
	case FilterIn:
		items, _ := f.Value.ArrayValue()
		for _, it := range items {
			if v.Equal(it) {
				return true
			}
		}
		return false
	case FilterArrayContains:
		items, isArray := v.ArrayValue()
		if !isArray {
			return false
		}
		for _, it := range items {
			if it.Equal(f.Value) {
				return true
			}
		}
		return false
	}
	return false
}

func (f FieldFilter) String() string {
	return fmt.Sprintf("%s %s %s", f.Field, f.Op, f.Value)
}

// MatchAll reports whether every filter matches
func MatchAll(filters []FieldFilter, fields Fields) bool {
	for _, f := range filters {
		if !f.Match(fields) {
			return false
		}
	}
	return true
}

func filtersKey(filters []FieldFilter) string {
	parts := make([]string, len(filters))
	for i, f := range filters {
		parts[i] = f.String()
	}
	return strings.Join(parts, " && ")
}

// OrderFunc compares two documents for query ordering. Ties are broken by
// document id by the query itself.
type OrderFunc func(a, b *Document) int

// OrderBy orders by a field value; a missing field sorts as null
func OrderBy(field string, desc bool) OrderFunc {
	return func(a, b *Document) int {
		av, _ := a.Fields.Get(field)
		bv, _ := b.Fields.Get(field)
		c := av.Compare(bv)
		if desc {
			return -c
		}
		return c
	}
}

// ThenBy chains orderings
func ThenBy(first OrderFunc, rest ...OrderFunc) OrderFunc {
	return func(a, b *Document) int {
		if c := first(a, b); c != 0 {
			return c
		}
		for _, o := range rest {
			if c := o(a, b); c != 0 {
				return c
			}
		}
		return 0
	}
}
