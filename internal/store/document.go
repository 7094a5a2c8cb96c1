package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ToMap converts doc to its JSON field map. Engines that store JSON evaluate filters on it.
func ToMap(doc any) (map[string]any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// FromMap decodes a JSON field map into a new *T.
func FromMap[T any](m map[string]any) (*T, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Normalize converts a Go value to the representation it has inside a decoded JSON document
// (strings, float64, bool, nil, []any, map[string]any).
func Normalize(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// Project keeps only the Meta fields and the listed fields of m.
func Project(m map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return m
	}
	keep := []string{FieldID, FieldIsDeleted, FieldStatus, FieldCreatedAt, FieldUpdatedAt}
	out := make(map[string]any, len(fields)+len(keep))
	for k, v := range m {
		if slices.Contains(keep, k) || slices.Contains(fields, k) {
			out[k] = v
		}
	}
	return out
}

// Match reports whether the decoded document m satisfies every condition.
func Match(m map[string]any, conds []Cond) bool {
	for _, c := range conds {
		if !matchCond(m, c) {
			return false
		}
	}
	return true
}

func matchCond(m map[string]any, c Cond) bool {
	got, present := m[c.Field]
	switch c.Op {
	case OpNull:
		return !present || got == nil
	case OpEq:
		return equal(got, Normalize(c.Value))
	case OpNe:
		return !equal(got, Normalize(c.Value))
	case OpIn:
		vals, _ := c.Value.([]any)
		for _, v := range vals {
			if equal(got, Normalize(v)) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		if !present || got == nil {
			return false
		}
		cmp, ok := compare(got, Normalize(c.Value))
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			if ta, tb, ok := parseTimes(as, bs); ok {
				return ta.Equal(tb)
			}
			return as == bs
		}
	}
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

// compare orders two normalized values of the same kind. Strings that both parse as
// RFC 3339 timestamps compare as times.
func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		if ta, tb, ok := parseTimes(av, bv); ok {
			return ta.Compare(tb), true
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func parseTimes(a, b string) (time.Time, time.Time, bool) {
	ta, err := time.Parse(time.RFC3339Nano, a)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	tb, err := time.Parse(time.RFC3339Nano, b)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return ta, tb, true
}

// IndexKey returns the composite key of m for index idx, or ok=false when the index does not
// apply to m (soft-deleted, or outside the index's Where).
func IndexKey(m map[string]any, idx UniqueIndex) (string, bool) {
	if del, _ := m[FieldIsDeleted].(bool); del {
		return "", false
	}
	if !Match(m, idx.Where) {
		return "", false
	}
	parts := make([]any, len(idx.Fields))
	for i, f := range idx.Fields {
		parts[i] = m[f]
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return fmt.Sprint(parts...), true
	}
	return string(b), true
}
