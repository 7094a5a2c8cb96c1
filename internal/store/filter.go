package store

import (
	"fmt"
	"regexp"
)

// Op is a comparison operator in a filter condition.
type Op string

const (
	OpEq   Op = "eq"
	OpNe   Op = "ne"
	OpIn   Op = "in"
	OpGt   Op = "gt"
	OpGte  Op = "gte"
	OpLt   Op = "lt"
	OpLte  Op = "lte"
	OpNull Op = "null"
)

// Field names used by Meta; engines map FieldID to their native primary key.
const (
	FieldID        = "id"
	FieldIsDeleted = "is_deleted"
	FieldStatus    = "status"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

var fieldName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Cond is one condition on a top-level document field.
type Cond struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, v any) Cond  { return Cond{Field: field, Op: OpEq, Value: v} }
func Ne(field string, v any) Cond  { return Cond{Field: field, Op: OpNe, Value: v} }
func Gt(field string, v any) Cond  { return Cond{Field: field, Op: OpGt, Value: v} }
func Gte(field string, v any) Cond { return Cond{Field: field, Op: OpGte, Value: v} }
func Lt(field string, v any) Cond  { return Cond{Field: field, Op: OpLt, Value: v} }
func Lte(field string, v any) Cond { return Cond{Field: field, Op: OpLte, Value: v} }

// In matches documents whose field equals any of vs. An empty In matches nothing.
func In[V any](field string, vs ...V) Cond {
	vals := make([]any, len(vs))
	for i, v := range vs {
		vals[i] = v
	}
	return Cond{Field: field, Op: OpIn, Value: vals}
}

// IsNull matches documents where field is missing or null.
func IsNull(field string) Cond { return Cond{Field: field, Op: OpNull} }

// Filter is a conjunction of conditions. Soft-deleted documents are excluded unless
// IncludeDeleted was called.
type Filter struct {
	Conds          []Cond
	includeDeleted bool
}

// Where returns a filter matching all conds.
func Where(conds ...Cond) Filter {
	return Filter{Conds: conds}
}

// ByID returns a filter matching a single document id.
func ByID(id string) Filter {
	return Where(Eq(FieldID, id))
}

// And returns a copy of f with conds appended.
func (f Filter) And(conds ...Cond) Filter {
	out := Filter{Conds: make([]Cond, 0, len(f.Conds)+len(conds)), includeDeleted: f.includeDeleted}
	out.Conds = append(out.Conds, f.Conds...)
	out.Conds = append(out.Conds, conds...)
	return out
}

// IncludeDeleted returns a copy of f that also matches soft-deleted documents.
func (f Filter) IncludeDeleted() Filter {
	f.includeDeleted = true
	return f
}

// Effective returns the conditions an engine must apply, including the soft-delete guard.
func (f Filter) Effective() []Cond {
	if f.includeDeleted {
		return f.Conds
	}
	out := make([]Cond, 0, len(f.Conds)+1)
	out = append(out, f.Conds...)
	return append(out, Eq(FieldIsDeleted, false))
}

// Check validates field names and operator arity.
func (f Filter) Check() error {
	for _, c := range f.Conds {
		if err := CheckField(c.Field); err != nil {
			return err
		}
		switch c.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpNull:
		case OpIn:
			if _, ok := c.Value.([]any); !ok {
				return &ValidationError{Err: fmt.Errorf("field %q: in requires a list", c.Field)}
			}
		default:
			return &ValidationError{Err: fmt.Errorf("field %q: unknown operator %q", c.Field, c.Op)}
		}
	}
	return nil
}

// Equalities returns the field/value pairs of the Eq conditions in f. Upsert seeds new
// documents from them.
func (f Filter) Equalities() map[string]any {
	out := make(map[string]any)
	for _, c := range f.Conds {
		if c.Op == OpEq {
			out[c.Field] = c.Value
		}
	}
	return out
}

// CheckField rejects names that are not plain snake_case identifiers.
func CheckField(name string) error {
	if !fieldName.MatchString(name) {
		return &ValidationError{Err: fmt.Errorf("invalid field name %q", name)}
	}
	return nil
}

// Patch is a set-style partial update: each key replaces the field's value.
type Patch map[string]any

// Check validates field names and rejects changes to the document id.
func (p Patch) Check() error {
	if len(p) == 0 {
		return &ValidationError{Err: fmt.Errorf("empty patch")}
	}
	for k := range p {
		if err := CheckField(k); err != nil {
			return err
		}
		if k == FieldID || k == FieldCreatedAt {
			return &ValidationError{Err: fmt.Errorf("field %q is immutable", k)}
		}
	}
	return nil
}

// FindOptions are the resolved options of a FindMany call.
type FindOptions struct {
	SortField  string
	SortDesc   bool
	Limit      int64
	Skip       int64
	Projection []string
}

// FindOption configures FindMany.
type FindOption func(*FindOptions)

// WithSort orders results by field.
func WithSort(field string, desc bool) FindOption {
	return func(o *FindOptions) { o.SortField, o.SortDesc = field, desc }
}

// WithLimit caps the number of results; n <= 0 means no limit.
func WithLimit(n int64) FindOption { return func(o *FindOptions) { o.Limit = n } }

// WithSkip skips the first n results.
func WithSkip(n int64) FindOption { return func(o *FindOptions) { o.Skip = n } }

// WithProjection limits the fields populated on returned documents. Meta fields are always kept.
func WithProjection(fields ...string) FindOption {
	return func(o *FindOptions) { o.Projection = fields }
}

// ResolveFindOptions applies opts over the defaults (sorted by id ascending).
func ResolveFindOptions(opts []FindOption) (FindOptions, error) {
	o := FindOptions{SortField: FieldID}
	for _, fn := range opts {
		fn(&o)
	}
	if err := CheckField(o.SortField); err != nil {
		return o, err
	}
	for _, f := range o.Projection {
		if err := CheckField(f); err != nil {
			return o, err
		}
	}
	return o, nil
}
