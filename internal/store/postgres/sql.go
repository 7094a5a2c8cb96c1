package postgres

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"identity-core/internal/store"
)

// query accumulates positional arguments while a statement is built.
type query struct {
	args []any
}

func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

// jsonArg binds v as a jsonb literal.
func (q *query) jsonArg(v any) (string, error) {
	b, err := json.Marshal(store.Normalize(v))
	if err != nil {
		return "", &store.ValidationError{Err: err}
	}
	return q.arg(string(b)) + "::jsonb", nil
}

// where renders conds as a SQL boolean expression over the doc column. Field names have been
// checked by store.CheckField, so they are safe to inline.
func (q *query) where(conds []store.Cond) (string, error) {
	if len(conds) == 0 {
		return "TRUE", nil
	}
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		p, err := q.cond(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " AND "), nil
}

func (q *query) cond(c store.Cond) (string, error) {
	if c.Field == store.FieldID {
		return q.idCond(c)
	}
	path := "doc->'" + c.Field + "'"
	switch c.Op {
	case store.OpNull:
		return fmt.Sprintf("(%s IS NULL OR %s = 'null'::jsonb)", path, path), nil
	case store.OpEq, store.OpNe:
		if c.Value == nil {
			if c.Op == store.OpEq {
				return fmt.Sprintf("(%s IS NULL OR %s = 'null'::jsonb)", path, path), nil
			}
			return fmt.Sprintf("(%s IS NOT NULL AND %s <> 'null'::jsonb)", path, path), nil
		}
		v, err := q.jsonArg(c.Value)
		if err != nil {
			return "", err
		}
		if c.Op == store.OpEq {
			return fmt.Sprintf("%s = %s", path, v), nil
		}
		return fmt.Sprintf("%s IS DISTINCT FROM %s", path, v), nil
	case store.OpIn:
		vals, _ := c.Value.([]any)
		if len(vals) == 0 {
			return "FALSE", nil
		}
		ph := make([]string, len(vals))
		for i, v := range vals {
			p, err := q.jsonArg(v)
			if err != nil {
				return "", err
			}
			ph[i] = p
		}
		return fmt.Sprintf("%s IN (%s)", path, strings.Join(ph, ", ")), nil
	case store.OpGt, store.OpGte, store.OpLt, store.OpLte:
		return q.rangeCond(c)
	}
	return "", &store.ValidationError{Err: fmt.Errorf("field %q: unknown operator %q", c.Field, c.Op)}
}

func (q *query) idCond(c store.Cond) (string, error) {
	switch c.Op {
	case store.OpEq:
		return "id = " + q.arg(fmt.Sprint(c.Value)), nil
	case store.OpNe:
		return "id <> " + q.arg(fmt.Sprint(c.Value)), nil
	case store.OpIn:
		vals, _ := c.Value.([]any)
		if len(vals) == 0 {
			return "FALSE", nil
		}
		ph := make([]string, len(vals))
		for i, v := range vals {
			ph[i] = q.arg(fmt.Sprint(v))
		}
		return "id IN (" + strings.Join(ph, ", ") + ")", nil
	case store.OpNull:
		return "FALSE", nil
	case store.OpGt, store.OpGte, store.OpLt, store.OpLte:
		return "id " + sqlOp(c.Op) + " " + q.arg(fmt.Sprint(c.Value)), nil
	}
	return "", &store.ValidationError{Err: fmt.Errorf("id: unknown operator %q", c.Op)}
}

// rangeCond casts the field according to the operand: numbers compare numerically, RFC 3339
// strings as timestamps, other strings as text.
func (q *query) rangeCond(c store.Cond) (string, error) {
	text := "(doc->>'" + c.Field + "')"
	switch v := store.Normalize(c.Value).(type) {
	case float64:
		return fmt.Sprintf("%s::numeric %s %s", text, sqlOp(c.Op), q.arg(v)), nil
	case string:
		if _, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return fmt.Sprintf("%s::timestamptz %s %s::timestamptz", text, sqlOp(c.Op), q.arg(v)), nil
		}
		return fmt.Sprintf("%s %s %s", text, sqlOp(c.Op), q.arg(v)), nil
	}
	return "", &store.ValidationError{Err: fmt.Errorf("field %q: unsupported operand %T for %s", c.Field, c.Value, c.Op)}
}

func sqlOp(op store.Op) string {
	switch op {
	case store.OpGt:
		return ">"
	case store.OpGte:
		return ">="
	case store.OpLt:
		return "<"
	default:
		return "<="
	}
}

func orderBy(o store.FindOptions) string {
	dir, nulls := "ASC", "NULLS FIRST"
	if o.SortDesc {
		dir, nulls = "DESC", "NULLS LAST"
	}
	if o.SortField == store.FieldID {
		return "id " + dir
	}
	return fmt.Sprintf("doc->'%s' %s %s, id %s", o.SortField, dir, nulls, dir)
}

// patchJSON encodes p (plus the updated_at stamp) as the right-hand side of doc || $n.
func patchJSON(p store.Patch, now time.Time) (string, error) {
	m := make(map[string]any, len(p)+1)
	for k, v := range p {
		m[k] = store.Normalize(v)
	}
	m[store.FieldUpdatedAt] = store.Normalize(now)
	b, err := json.Marshal(m)
	if err != nil {
		return "", &store.ValidationError{Err: err}
	}
	return string(b), nil
}
