// Package memory is an in-process document engine for store.Repository. It is used by tests and
// single-instance development runs; every operation runs under one mutex and performs no I/O.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"identity-core/internal/ids"
	"identity-core/internal/store"
)

// Collection stores documents of type T as decoded JSON maps keyed by id.
type Collection[T any, P store.Doc[T]] struct {
	name    string
	indexes []store.UniqueIndex

	mu   sync.Mutex
	docs map[string]map[string]any

	now   func() time.Time
	newID func() string
}

var _ store.Repository[struct{ store.Meta }] = (*Collection[struct{ store.Meta }, *struct{ store.Meta }])(nil)

// New returns an empty collection enforcing the given unique indexes.
func New[T any, P store.Doc[T]](name string, indexes ...store.UniqueIndex) *Collection[T, P] {
	return &Collection[T, P]{
		name:    name,
		indexes: indexes,
		docs:    make(map[string]map[string]any),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   ids.New,
	}
}

// SetClock replaces the clock used for timestamps. Tests only.
func (c *Collection[T, P]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Collection[T, P]) FindMany(ctx context.Context, f store.Filter, opts ...store.FindOption) ([]*T, error) {
	if err := f.Check(); err != nil {
		return nil, err
	}
	o, err := store.ResolveFindOptions(opts)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.matching(f)
	slices.SortStableFunc(ids, func(a, b string) int {
		cmp := compareField(c.docs[a], c.docs[b], o.SortField)
		if o.SortDesc {
			return -cmp
		}
		return cmp
	})
	if o.Skip > 0 {
		if o.Skip >= int64(len(ids)) {
			ids = nil
		} else {
			ids = ids[o.Skip:]
		}
	}
	if o.Limit > 0 && int64(len(ids)) > o.Limit {
		ids = ids[:o.Limit]
	}
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		doc, err := store.FromMap[T](store.Project(c.docs[id], o.Projection))
		if err != nil {
			return nil, store.Wrap("find", c.name, err, nil)
		}
		out = append(out, doc)
	}
	return out, nil
}

func (c *Collection[T, P]) FindOne(ctx context.Context, f store.Filter) (*T, error) {
	list, err := c.FindMany(ctx, f, store.WithLimit(1))
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (c *Collection[T, P]) FindByID(ctx context.Context, id string) (*T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.docs[id]
	if !ok {
		return nil, nil
	}
	return c.decode("find", m)
}

func (c *Collection[T, P]) Count(ctx context.Context, f store.Filter) (int64, error) {
	if err := f.Check(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.matching(f))), nil
}

func (c *Collection[T, P]) Create(ctx context.Context, doc *T) (*T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.prepare(doc)
	if err != nil {
		return nil, err
	}
	if err := c.checkUnique(m, nil); err != nil {
		return nil, err
	}
	c.docs[m[store.FieldID].(string)] = m
	return c.decode("create", m)
}

func (c *Collection[T, P]) CreateMany(ctx context.Context, docs []*T) ([]*T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]map[string]any, 0, len(docs))
	for i, doc := range docs {
		m, err := c.prepare(doc)
		if err != nil {
			return nil, &store.BulkWriteError{Index: i, Err: err}
		}
		if err := c.checkUnique(m, batch); err != nil {
			return nil, &store.BulkWriteError{Index: i, Err: err}
		}
		batch = append(batch, m)
	}
	out := make([]*T, 0, len(batch))
	for _, m := range batch {
		c.docs[m[store.FieldID].(string)] = m
		doc, err := c.decode("create_many", m)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (c *Collection[T, P]) UpdateByID(ctx context.Context, id string, p store.Patch) (*T, error) {
	if err := p.Check(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; !ok {
		return nil, nil
	}
	updated, err := c.apply([]string{id}, p)
	if err != nil {
		return nil, err
	}
	return c.decode("update", updated[0])
}

func (c *Collection[T, P]) UpdateOne(ctx context.Context, f store.Filter, p store.Patch) (store.UpdateResult, error) {
	if err := f.Check(); err != nil {
		return store.UpdateResult{}, err
	}
	if err := p.Check(); err != nil {
		return store.UpdateResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.matching(f)
	if len(ids) == 0 {
		return store.UpdateResult{}, nil
	}
	slices.Sort(ids)
	if _, err := c.apply(ids[:1], p); err != nil {
		return store.UpdateResult{}, err
	}
	return store.UpdateResult{Matched: 1, Modified: 1}, nil
}

func (c *Collection[T, P]) UpdateMany(ctx context.Context, f store.Filter, p store.Patch) (store.UpdateResult, error) {
	if err := f.Check(); err != nil {
		return store.UpdateResult{}, err
	}
	if err := p.Check(); err != nil {
		return store.UpdateResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.matching(f)
	if len(ids) == 0 {
		return store.UpdateResult{}, nil
	}
	if _, err := c.apply(ids, p); err != nil {
		return store.UpdateResult{}, err
	}
	n := int64(len(ids))
	return store.UpdateResult{Matched: n, Modified: n}, nil
}

func (c *Collection[T, P]) Upsert(ctx context.Context, f store.Filter, p store.Patch) (*T, error) {
	if err := f.Check(); err != nil {
		return nil, err
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ids := c.matching(f); len(ids) > 0 {
		slices.Sort(ids)
		updated, err := c.apply(ids[:1], p)
		if err != nil {
			return nil, err
		}
		return c.decode("upsert", updated[0])
	}
	seed := make(map[string]any)
	for k, v := range f.Equalities() {
		seed[k] = store.Normalize(v)
	}
	for k, v := range p {
		seed[k] = store.Normalize(v)
	}
	delete(seed, store.FieldID)
	doc, err := store.FromMap[T](seed)
	if err != nil {
		return nil, &store.ValidationError{Err: err}
	}
	m, err := c.prepare(doc)
	if err != nil {
		return nil, err
	}
	if err := c.checkUnique(m, nil); err != nil {
		return nil, err
	}
	c.docs[m[store.FieldID].(string)] = m
	return c.decode("upsert", m)
}

func (c *Collection[T, P]) SoftDeleteMany(ctx context.Context, ids []string) (store.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res store.UpdateResult
	now := store.Normalize(c.now())
	for _, id := range ids {
		m, ok := c.docs[id]
		if !ok {
			continue
		}
		res.Matched++
		if del, _ := m[store.FieldIsDeleted].(bool); del {
			continue
		}
		cp := clone(m)
		cp[store.FieldIsDeleted] = true
		cp[store.FieldUpdatedAt] = now
		c.docs[id] = cp
		res.Modified++
	}
	return res, nil
}

func (c *Collection[T, P]) DeleteByID(ctx context.Context, id string) (*T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.docs[id]
	if !ok {
		return nil, nil
	}
	delete(c.docs, id)
	return c.decode("delete", m)
}

func (c *Collection[T, P]) DeleteMany(ctx context.Context, f store.Filter) (int64, error) {
	if err := f.Check(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.matching(f)
	for _, id := range ids {
		delete(c.docs, id)
	}
	return int64(len(ids)), nil
}

func (c *Collection[T, P]) Distinct(ctx context.Context, field string, f store.Filter) ([]any, error) {
	if err := store.CheckField(field); err != nil {
		return nil, err
	}
	if err := f.Check(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.matching(f)
	slices.Sort(ids)
	seen := make(map[string]bool)
	out := make([]any, 0)
	for _, id := range ids {
		v, ok := c.docs[id][field]
		if !ok {
			continue
		}
		key := fmt.Sprintf("%T:%v", v, v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out, nil
}

func (c *Collection[T, P]) Ping(ctx context.Context) error {
	return ctx.Err()
}

// matching returns the ids of documents matching f. Callers hold c.mu.
func (c *Collection[T, P]) matching(f store.Filter) []string {
	conds := f.Effective()
	out := make([]string, 0)
	for id, m := range c.docs {
		if store.Match(m, conds) {
			out = append(out, id)
		}
	}
	return out
}

// prepare assigns meta fields, validates doc and returns its map form. Callers hold c.mu.
func (c *Collection[T, P]) prepare(doc *T) (map[string]any, error) {
	if doc == nil {
		return nil, &store.ValidationError{Err: fmt.Errorf("nil document")}
	}
	store.Prepare(P(doc).Base(), c.now(), c.newID)
	if err := store.Validate(doc); err != nil {
		return nil, err
	}
	m, err := store.ToMap(doc)
	if err != nil {
		return nil, &store.ValidationError{Err: err}
	}
	if _, exists := c.docs[m[store.FieldID].(string)]; exists {
		return nil, &store.DuplicateError{Collection: c.name, Index: "_id"}
	}
	return m, nil
}

// apply patches the documents with the given ids atomically: either all or none change.
// Callers hold c.mu.
func (c *Collection[T, P]) apply(ids []string, p store.Patch) ([]map[string]any, error) {
	now := store.Normalize(c.now())
	updated := make([]map[string]any, len(ids))
	for i, id := range ids {
		cp := clone(c.docs[id])
		for k, v := range p {
			cp[k] = store.Normalize(v)
		}
		cp[store.FieldUpdatedAt] = now
		if _, err := store.FromMap[T](cp); err != nil {
			return nil, &store.ValidationError{Err: err}
		}
		updated[i] = cp
	}
	for i, m := range updated {
		if err := c.checkUnique(m, updated[:i]); err != nil {
			return nil, err
		}
	}
	for i, id := range ids {
		c.docs[id] = updated[i]
	}
	return updated, nil
}

// checkUnique reports a *store.DuplicateError when m collides with a stored document (other
// than itself) or with one of pending. Callers hold c.mu.
func (c *Collection[T, P]) checkUnique(m map[string]any, pending []map[string]any) error {
	id, _ := m[store.FieldID].(string)
	for _, idx := range c.indexes {
		key, ok := store.IndexKey(m, idx)
		if !ok {
			continue
		}
		for otherID, other := range c.docs {
			if otherID == id {
				continue
			}
			if k, ok := store.IndexKey(other, idx); ok && k == key {
				return &store.DuplicateError{Collection: c.name, Index: idx.Name}
			}
		}
		for _, other := range pending {
			if otherID, _ := other[store.FieldID].(string); otherID == id {
				continue
			}
			if k, ok := store.IndexKey(other, idx); ok && k == key {
				return &store.DuplicateError{Collection: c.name, Index: idx.Name}
			}
		}
	}
	return nil
}

func (c *Collection[T, P]) decode(op string, m map[string]any) (*T, error) {
	doc, err := store.FromMap[T](m)
	if err != nil {
		return nil, store.Wrap(op, c.name, err, nil)
	}
	return doc, nil
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func compareField(a, b map[string]any, field string) int {
	av, bv := a[field], b[field]
	switch {
	case av == nil && bv == nil:
	case av == nil:
		return -1
	case bv == nil:
		return 1
	default:
		if cmp, ok := storeCompare(av, bv); ok && cmp != 0 {
			return cmp
		}
	}
	ai, _ := a[store.FieldID].(string)
	bi, _ := b[store.FieldID].(string)
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	}
	return 0
}

// storeCompare orders two decoded JSON values using the same rules filters use.
func storeCompare(a, b any) (int, bool) {
	switch {
	case store.Match(map[string]any{"v": a}, []store.Cond{store.Lt("v", b)}):
		return -1, true
	case store.Match(map[string]any{"v": a}, []store.Cond{store.Gt("v", b)}):
		return 1, true
	case store.Match(map[string]any{"v": a}, []store.Cond{store.Eq("v", b)}):
		return 0, true
	}
	return 0, false
}
