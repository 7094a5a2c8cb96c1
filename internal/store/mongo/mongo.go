// Package mongo implements store.Repository on MongoDB. The document id is stored as _id;
// unique indexes are partial indexes restricted to non-deleted documents.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"identity-core/internal/ids"
	"identity-core/internal/store"
)

// Open connects to uri and verifies the connection with a primary ping.
func Open(ctx context.Context, uri string) (*mongo.Client, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// Collection persists documents of type T in one MongoDB collection.
type Collection[T any, P store.Doc[T]] struct {
	coll    *mongo.Collection
	indexes []store.UniqueIndex
	now     func() time.Time
	newID   func() string
}

// New returns a collection. Call EnsureIndexes once at startup to create the unique indexes.
func New[T any, P store.Doc[T]](db *mongo.Database, name string, indexes ...store.UniqueIndex) *Collection[T, P] {
	return &Collection[T, P]{
		coll:    db.Collection(name),
		indexes: indexes,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		newID:   ids.New,
	}
}

// EnsureIndexes creates the collection's partial unique indexes. It is idempotent.
func (c *Collection[T, P]) EnsureIndexes(ctx context.Context) error {
	if len(c.indexes) == 0 {
		return nil
	}
	models := make([]mongo.IndexModel, 0, len(c.indexes))
	for _, idx := range c.indexes {
		keys := bson.D{}
		for _, f := range idx.Fields {
			keys = append(keys, bson.E{Key: fieldKey(f), Value: 1})
		}
		partial := bson.D{{Key: store.FieldIsDeleted, Value: false}}
		for _, cond := range idx.Where {
			if cond.Op != store.OpEq {
				return fmt.Errorf("mongo: index %s: only equality conditions are supported", idx.Name)
			}
			partial = append(partial, bson.E{Key: fieldKey(cond.Field), Value: cond.Value})
		}
		models = append(models, mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetName(idx.Name).SetUnique(true).SetPartialFilterExpression(partial),
		})
	}
	_, err := c.coll.Indexes().CreateMany(ctx, models)
	return c.wrap("ensure_indexes", err)
}

func (c *Collection[T, P]) FindMany(ctx context.Context, f store.Filter, opts ...store.FindOption) ([]*T, error) {
	filter, err := toFilter(f)
	if err != nil {
		return nil, err
	}
	o, err := store.ResolveFindOptions(opts)
	if err != nil {
		return nil, err
	}
	dir := 1
	if o.SortDesc {
		dir = -1
	}
	sort := bson.D{{Key: fieldKey(o.SortField), Value: dir}}
	if o.SortField != store.FieldID {
		sort = append(sort, bson.E{Key: "_id", Value: dir})
	}
	fo := options.Find().SetSort(sort)
	if o.Limit > 0 {
		fo.SetLimit(o.Limit)
	}
	if o.Skip > 0 {
		fo.SetSkip(o.Skip)
	}
	if len(o.Projection) > 0 {
		proj := bson.D{}
		for _, k := range []string{store.FieldIsDeleted, store.FieldStatus, store.FieldCreatedAt, store.FieldUpdatedAt} {
			proj = append(proj, bson.E{Key: k, Value: 1})
		}
		for _, k := range o.Projection {
			proj = append(proj, bson.E{Key: fieldKey(k), Value: 1})
		}
		fo.SetProjection(proj)
	}
	cur, err := c.coll.Find(ctx, filter, fo)
	if err != nil {
		return nil, c.wrap("find", err)
	}
	out := make([]*T, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, c.wrap("find", err)
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
	return c.decodeOne("find", c.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}))
}

func (c *Collection[T, P]) Count(ctx context.Context, f store.Filter) (int64, error) {
	filter, err := toFilter(f)
	if err != nil {
		return 0, err
	}
	n, err := c.coll.CountDocuments(ctx, filter)
	return n, c.wrap("count", err)
}

func (c *Collection[T, P]) Create(ctx context.Context, doc *T) (*T, error) {
	if err := c.prepare(doc); err != nil {
		return nil, err
	}
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		return nil, c.wrap("create", err)
	}
	return c.FindByID(ctx, P(doc).Base().ID)
}

// CreateMany inserts docs in order. On failure the documents inserted before the failing one
// are removed again so the batch leaves nothing behind.
func (c *Collection[T, P]) CreateMany(ctx context.Context, docs []*T) ([]*T, error) {
	batch := make([]any, len(docs))
	idList := make([]string, len(docs))
	for i, doc := range docs {
		if err := c.prepare(doc); err != nil {
			return nil, &store.BulkWriteError{Index: i, Err: err}
		}
		batch[i] = doc
		idList[i] = P(doc).Base().ID
	}
	if len(batch) == 0 {
		return []*T{}, nil
	}
	_, err := c.coll.InsertMany(ctx, batch, options.InsertMany().SetOrdered(true))
	if err != nil {
		idx := 0
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
			idx = bwe.WriteErrors[0].Index
		}
		if idx > 0 {
			if _, derr := c.coll.DeleteMany(context.WithoutCancel(ctx), bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: idList[:idx]}}}}); derr != nil {
				return nil, c.wrap("create_many", errors.Join(err, derr))
			}
		}
		return nil, &store.BulkWriteError{Index: idx, Err: c.wrap("create_many", err)}
	}
	return c.FindMany(ctx, store.Where(store.In(store.FieldID, idList...)).IncludeDeleted())
}

func (c *Collection[T, P]) UpdateByID(ctx context.Context, id string, p store.Patch) (*T, error) {
	update, err := c.setDoc(p)
	if err != nil {
		return nil, err
	}
	res := c.coll.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: id}}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After))
	return c.decodeOne("update", res)
}

// UpdateOne is a single-document conditional write; MongoDB re-evaluates the filter under the
// document lock, so concurrent callers racing on the same condition see at most one success.
func (c *Collection[T, P]) UpdateOne(ctx context.Context, f store.Filter, p store.Patch) (store.UpdateResult, error) {
	filter, err := toFilter(f)
	if err != nil {
		return store.UpdateResult{}, err
	}
	update, err := c.setDoc(p)
	if err != nil {
		return store.UpdateResult{}, err
	}
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return store.UpdateResult{}, c.wrap("update_one", err)
	}
	return store.UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (c *Collection[T, P]) UpdateMany(ctx context.Context, f store.Filter, p store.Patch) (store.UpdateResult, error) {
	filter, err := toFilter(f)
	if err != nil {
		return store.UpdateResult{}, err
	}
	update, err := c.setDoc(p)
	if err != nil {
		return store.UpdateResult{}, err
	}
	res, err := c.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return store.UpdateResult{}, c.wrap("update_many", err)
	}
	return store.UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// Upsert relies on FindOneAndUpdate with upsert; equality fields of the filter are copied
// into an inserted document by the server. A duplicate key from a racing upsert is retried once.
func (c *Collection[T, P]) Upsert(ctx context.Context, f store.Filter, p store.Patch) (*T, error) {
	filter, err := toFilter(f)
	if err != nil {
		return nil, err
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	now := c.now()
	set := bson.D{{Key: store.FieldUpdatedAt, Value: now}}
	for k, v := range p {
		set = append(set, bson.E{Key: fieldKey(k), Value: v})
	}
	fixed := f.Equalities()
	onInsert := bson.D{}
	for k, v := range map[string]any{store.FieldStatus: store.StatusActive, store.FieldCreatedAt: now} {
		if _, ok := fixed[k]; ok {
			continue
		}
		if _, ok := p[k]; ok {
			continue
		}
		onInsert = append(onInsert, bson.E{Key: k, Value: v})
	}
	if _, ok := fixed[store.FieldID]; !ok {
		onInsert = append(onInsert, bson.E{Key: "_id", Value: c.newID()})
	}
	update := bson.D{{Key: "$set", Value: set}}
	if len(onInsert) > 0 {
		update = append(update, bson.E{Key: "$setOnInsert", Value: onInsert})
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	doc, err := c.decodeOne("upsert", c.coll.FindOneAndUpdate(ctx, filter, update, opts))
	if errors.Is(err, store.ErrDuplicate) {
		doc, err = c.decodeOne("upsert", c.coll.FindOneAndUpdate(ctx, filter, update, opts))
	}
	return doc, err
}

func (c *Collection[T, P]) SoftDeleteMany(ctx context.Context, idList []string) (store.UpdateResult, error) {
	if len(idList) == 0 {
		return store.UpdateResult{}, nil
	}
	in := bson.D{{Key: "$in", Value: idList}}
	matched, err := c.coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: in}})
	if err != nil {
		return store.UpdateResult{}, c.wrap("soft_delete", err)
	}
	res, err := c.coll.UpdateMany(ctx,
		bson.D{{Key: "_id", Value: in}, {Key: store.FieldIsDeleted, Value: false}},
		bson.D{{Key: "$set", Value: bson.D{{Key: store.FieldIsDeleted, Value: true}, {Key: store.FieldUpdatedAt, Value: c.now()}}}})
	if err != nil {
		return store.UpdateResult{}, c.wrap("soft_delete", err)
	}
	return store.UpdateResult{Matched: matched, Modified: res.ModifiedCount}, nil
}

func (c *Collection[T, P]) DeleteByID(ctx context.Context, id string) (*T, error) {
	return c.decodeOne("delete", c.coll.FindOneAndDelete(ctx, bson.D{{Key: "_id", Value: id}}))
}

func (c *Collection[T, P]) DeleteMany(ctx context.Context, f store.Filter) (int64, error) {
	filter, err := toFilter(f)
	if err != nil {
		return 0, err
	}
	res, err := c.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, c.wrap("delete_many", err)
	}
	return res.DeletedCount, nil
}

func (c *Collection[T, P]) Distinct(ctx context.Context, field string, f store.Filter) ([]any, error) {
	if err := store.CheckField(field); err != nil {
		return nil, err
	}
	filter, err := toFilter(f)
	if err != nil {
		return nil, err
	}
	res := c.coll.Distinct(ctx, fieldKey(field), filter)
	if err := res.Err(); err != nil {
		return nil, c.wrap("distinct", err)
	}
	out := make([]any, 0)
	if err := res.Decode(&out); err != nil {
		return nil, c.wrap("distinct", err)
	}
	return out, nil
}

func (c *Collection[T, P]) Ping(ctx context.Context) error {
	return c.wrap("ping", c.coll.Database().Client().Ping(ctx, readpref.Primary()))
}

func (c *Collection[T, P]) prepare(doc *T) error {
	if doc == nil {
		return &store.ValidationError{Err: errors.New("nil document")}
	}
	m := P(doc).Base()
	store.Prepare(m, c.now(), c.newID)
	return store.Validate(doc)
}

func (c *Collection[T, P]) setDoc(p store.Patch) (bson.D, error) {
	if err := p.Check(); err != nil {
		return nil, err
	}
	set := bson.D{{Key: store.FieldUpdatedAt, Value: c.now()}}
	for k, v := range p {
		set = append(set, bson.E{Key: fieldKey(k), Value: v})
	}
	return bson.D{{Key: "$set", Value: set}}, nil
}

func (c *Collection[T, P]) decodeOne(op string, res *mongo.SingleResult) (*T, error) {
	var out T
	if err := res.Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, c.wrap(op, err)
	}
	return &out, nil
}

func (c *Collection[T, P]) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return &store.DuplicateError{Collection: c.coll.Name()}
	}
	return store.Wrap(op, c.coll.Name(), err, retryable)
}

func retryable(err error) bool {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError")
	}
	return false
}

func fieldKey(f string) string {
	if f == store.FieldID {
		return "_id"
	}
	return f
}

// toFilter translates a store.Filter, including the soft-delete guard, to a BSON query.
func toFilter(f store.Filter) (bson.D, error) {
	if err := f.Check(); err != nil {
		return nil, err
	}
	conds := f.Effective()
	seen := make(map[string]bool, len(conds))
	flat := true
	for _, c := range conds {
		if seen[c.Field] {
			flat = false
		}
		seen[c.Field] = true
	}
	var and bson.A
	var out bson.D
	for _, c := range conds {
		key := fieldKey(c.Field)
		var cond bson.D
		switch c.Op {
		case store.OpEq:
			cond = bson.D{{Key: key, Value: bson.D{{Key: "$eq", Value: c.Value}}}}
		case store.OpNe:
			cond = bson.D{{Key: key, Value: bson.D{{Key: "$ne", Value: c.Value}}}}
		case store.OpIn:
			vals, _ := c.Value.([]any)
			cond = bson.D{{Key: key, Value: bson.D{{Key: "$in", Value: bson.A(vals)}}}}
		case store.OpGt, store.OpGte, store.OpLt, store.OpLte:
			cond = bson.D{{Key: key, Value: bson.D{{Key: "$" + string(c.Op), Value: c.Value}}}}
		case store.OpNull:
			cond = bson.D{{Key: key, Value: nil}}
		}
		and = append(and, cond)
		out = append(out, cond...)
	}
	if flat {
		// Top-level equality keys let an upsert seed the inserted document from the filter.
		if out == nil {
			out = bson.D{}
		}
		return out, nil
	}
	return bson.D{{Key: "$and", Value: and}}, nil
}
