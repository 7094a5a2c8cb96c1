// Package postgres implements store.Repository on PostgreSQL. Each collection is a table
// (id text primary key, doc jsonb); unique indexes are partial expression indexes created by
// the migrations in internal/db/migrations.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"identity-core/internal/ids"
	"identity-core/internal/store"
)

// Collection persists documents of type T in one table.
type Collection[T any, P store.Doc[T]] struct {
	db    *sql.DB
	table string
	now   func() time.Time
	newID func() string
}

// New returns a collection backed by table. It panics when table is not a plain identifier.
func New[T any, P store.Doc[T]](db *sql.DB, table string) *Collection[T, P] {
	if err := store.CheckField(table); err != nil {
		panic(fmt.Sprintf("postgres: invalid table name %q", table))
	}
	return &Collection[T, P]{
		db:    db,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
		newID: ids.New,
	}
}

func (c *Collection[T, P]) FindMany(ctx context.Context, f store.Filter, opts ...store.FindOption) ([]*T, error) {
	if err := f.Check(); err != nil {
		return nil, err
	}
	o, err := store.ResolveFindOptions(opts)
	if err != nil {
		return nil, err
	}
	var q query
	where, err := q.where(f.Effective())
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT doc FROM %s WHERE %s ORDER BY %s", c.table, where, orderBy(o))
	if o.Limit > 0 {
		stmt += " LIMIT " + q.arg(o.Limit)
	}
	if o.Skip > 0 {
		stmt += " OFFSET " + q.arg(o.Skip)
	}
	rows, err := c.db.QueryContext(ctx, stmt, q.args...)
	if err != nil {
		return nil, c.wrap("find", err)
	}
	defer rows.Close()
	out := make([]*T, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, c.wrap("find", err)
		}
		m, err := decodeMap(raw)
		if err != nil {
			return nil, c.wrap("find", err)
		}
		doc, err := store.FromMap[T](store.Project(m, o.Projection))
		if err != nil {
			return nil, c.wrap("find", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
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
	row := c.db.QueryRowContext(ctx, fmt.Sprintf("SELECT doc FROM %s WHERE id = $1", c.table), id)
	return c.scanOne("find", row)
}

func (c *Collection[T, P]) Count(ctx context.Context, f store.Filter) (int64, error) {
	if err := f.Check(); err != nil {
		return 0, err
	}
	var q query
	where, err := q.where(f.Effective())
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", c.table, where), q.args...).Scan(&n)
	if err != nil {
		return 0, c.wrap("count", err)
	}
	return n, nil
}

func (c *Collection[T, P]) Create(ctx context.Context, doc *T) (*T, error) {
	id, raw, err := c.prepare(doc)
	if err != nil {
		return nil, err
	}
	row := c.db.QueryRowContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, doc) VALUES ($1, $2::jsonb) RETURNING doc", c.table), id, raw)
	return c.scanOne("create", row)
}

func (c *Collection[T, P]) CreateMany(ctx context.Context, docs []*T) ([]*T, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, c.wrap("create_many", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt := fmt.Sprintf("INSERT INTO %s (id, doc) VALUES ($1, $2::jsonb) RETURNING doc", c.table)
	out := make([]*T, 0, len(docs))
	for i, doc := range docs {
		id, raw, err := c.prepare(doc)
		if err != nil {
			return nil, &store.BulkWriteError{Index: i, Err: err}
		}
		created, err := c.scanOne("create_many", tx.QueryRowContext(ctx, stmt, id, raw))
		if err != nil {
			return nil, &store.BulkWriteError{Index: i, Err: err}
		}
		out = append(out, created)
	}
	if err := tx.Commit(); err != nil {
		return nil, c.wrap("create_many", err)
	}
	return out, nil
}

func (c *Collection[T, P]) UpdateByID(ctx context.Context, id string, p store.Patch) (*T, error) {
	if err := p.Check(); err != nil {
		return nil, err
	}
	set, err := patchJSON(p, c.now())
	if err != nil {
		return nil, err
	}
	row := c.db.QueryRowContext(ctx,
		fmt.Sprintf("UPDATE %s SET doc = doc || $1::jsonb WHERE id = $2 RETURNING doc", c.table), set, id)
	return c.scanOne("update", row)
}

// UpdateOne locks the first matching row and re-evaluates the filter after acquiring the lock,
// so two concurrent conditional updates of the same row cannot both succeed.
func (c *Collection[T, P]) UpdateOne(ctx context.Context, f store.Filter, p store.Patch) (store.UpdateResult, error) {
	if err := f.Check(); err != nil {
		return store.UpdateResult{}, err
	}
	if err := p.Check(); err != nil {
		return store.UpdateResult{}, err
	}
	set, err := patchJSON(p, c.now())
	if err != nil {
		return store.UpdateResult{}, err
	}
	q := query{args: []any{set}}
	where, err := q.where(f.Effective())
	if err != nil {
		return store.UpdateResult{}, err
	}
	stmt := fmt.Sprintf(
		"WITH target AS (SELECT id FROM %[1]s WHERE %[2]s ORDER BY id LIMIT 1 FOR UPDATE) "+
			"UPDATE %[1]s SET doc = %[1]s.doc || $1::jsonb FROM target WHERE %[1]s.id = target.id",
		c.table, where)
	res, err := c.db.ExecContext(ctx, stmt, q.args...)
	if err != nil {
		return store.UpdateResult{}, c.wrap("update_one", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.UpdateResult{}, c.wrap("update_one", err)
	}
	return store.UpdateResult{Matched: n, Modified: n}, nil
}

func (c *Collection[T, P]) UpdateMany(ctx context.Context, f store.Filter, p store.Patch) (store.UpdateResult, error) {
	if err := f.Check(); err != nil {
		return store.UpdateResult{}, err
	}
	if err := p.Check(); err != nil {
		return store.UpdateResult{}, err
	}
	set, err := patchJSON(p, c.now())
	if err != nil {
		return store.UpdateResult{}, err
	}
	q := query{args: []any{set}}
	where, err := q.where(f.Effective())
	if err != nil {
		return store.UpdateResult{}, err
	}
	res, err := c.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET doc = doc || $1::jsonb WHERE %s", c.table, where), q.args...)
	if err != nil {
		return store.UpdateResult{}, c.wrap("update_many", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.UpdateResult{}, c.wrap("update_many", err)
	}
	return store.UpdateResult{Matched: n, Modified: n}, nil
}

// Upsert updates the first match or inserts a document seeded from f. A concurrent insert of
// the same key surfaces as a unique violation; the update is then retried once.
func (c *Collection[T, P]) Upsert(ctx context.Context, f store.Filter, p store.Patch) (*T, error) {
	if err := f.Check(); err != nil {
		return nil, err
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		doc, err := c.updateFirst(ctx, f, p)
		if err != nil || doc != nil {
			return doc, err
		}
		seed := make(map[string]any)
		for k, v := range f.Equalities() {
			seed[k] = store.Normalize(v)
		}
		for k, v := range p {
			seed[k] = store.Normalize(v)
		}
		delete(seed, store.FieldID)
		fresh, err := store.FromMap[T](seed)
		if err != nil {
			return nil, &store.ValidationError{Err: err}
		}
		created, err := c.Create(ctx, fresh)
		if errors.Is(err, store.ErrDuplicate) && attempt == 0 {
			continue
		}
		return created, err
	}
}

func (c *Collection[T, P]) updateFirst(ctx context.Context, f store.Filter, p store.Patch) (*T, error) {
	set, err := patchJSON(p, c.now())
	if err != nil {
		return nil, err
	}
	q := query{args: []any{set}}
	where, err := q.where(f.Effective())
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(
		"WITH target AS (SELECT id FROM %[1]s WHERE %[2]s ORDER BY id LIMIT 1 FOR UPDATE) "+
			"UPDATE %[1]s SET doc = %[1]s.doc || $1::jsonb FROM target WHERE %[1]s.id = target.id RETURNING %[1]s.doc",
		c.table, where)
	return c.scanOne("upsert", c.db.QueryRowContext(ctx, stmt, q.args...))
}

func (c *Collection[T, P]) SoftDeleteMany(ctx context.Context, idList []string) (store.UpdateResult, error) {
	if len(idList) == 0 {
		return store.UpdateResult{}, nil
	}
	set, err := patchJSON(store.Patch{store.FieldIsDeleted: true}, c.now())
	if err != nil {
		return store.UpdateResult{}, err
	}
	q := query{args: []any{set}}
	ph := make([]string, len(idList))
	for i, id := range idList {
		ph[i] = q.arg(id)
	}
	stmt := fmt.Sprintf(
		"WITH m AS (SELECT id, doc->'is_deleted' = 'true'::jsonb AS deleted FROM %[1]s WHERE id IN (%[2]s) FOR UPDATE), "+
			"u AS (UPDATE %[1]s SET doc = %[1]s.doc || $1::jsonb FROM m WHERE %[1]s.id = m.id AND NOT m.deleted RETURNING %[1]s.id) "+
			"SELECT (SELECT count(*) FROM m), (SELECT count(*) FROM u)",
		c.table, strings.Join(ph, ", "))
	var res store.UpdateResult
	if err := c.db.QueryRowContext(ctx, stmt, q.args...).Scan(&res.Matched, &res.Modified); err != nil {
		return store.UpdateResult{}, c.wrap("soft_delete", err)
	}
	return res, nil
}

func (c *Collection[T, P]) DeleteByID(ctx context.Context, id string) (*T, error) {
	row := c.db.QueryRowContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1 RETURNING doc", c.table), id)
	return c.scanOne("delete", row)
}

func (c *Collection[T, P]) DeleteMany(ctx context.Context, f store.Filter) (int64, error) {
	if err := f.Check(); err != nil {
		return 0, err
	}
	var q query
	where, err := q.where(f.Effective())
	if err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", c.table, where), q.args...)
	if err != nil {
		return 0, c.wrap("delete_many", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, c.wrap("delete_many", err)
	}
	return n, nil
}

func (c *Collection[T, P]) Distinct(ctx context.Context, field string, f store.Filter) ([]any, error) {
	if err := store.CheckField(field); err != nil {
		return nil, err
	}
	if err := f.Check(); err != nil {
		return nil, err
	}
	var q query
	where, err := q.where(f.Effective())
	if err != nil {
		return nil, err
	}
	col := "doc->'" + field + "'"
	if field == store.FieldID {
		col = "to_jsonb(id)"
	}
	stmt := fmt.Sprintf("SELECT DISTINCT %[1]s FROM %[2]s WHERE %[3]s AND %[1]s IS NOT NULL ORDER BY 1", col, c.table, where)
	rows, err := c.db.QueryContext(ctx, stmt, q.args...)
	if err != nil {
		return nil, c.wrap("distinct", err)
	}
	defer rows.Close()
	out := make([]any, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, c.wrap("distinct", err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, c.wrap("distinct", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, c.wrap("distinct", err)
	}
	return out, nil
}

func (c *Collection[T, P]) Ping(ctx context.Context) error {
	return c.wrap("ping", c.db.PingContext(ctx))
}

func (c *Collection[T, P]) prepare(doc *T) (string, string, error) {
	if doc == nil {
		return "", "", &store.ValidationError{Err: errors.New("nil document")}
	}
	meta := P(doc).Base()
	store.Prepare(meta, c.now(), c.newID)
	if err := store.Validate(doc); err != nil {
		return "", "", err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", "", &store.ValidationError{Err: err}
	}
	return meta.ID, string(b), nil
}

// scanOne decodes a single doc row; sql.ErrNoRows is reported as (nil, nil).
func (c *Collection[T, P]) scanOne(op string, row *sql.Row) (*T, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, c.wrap(op, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, c.wrap(op, err)
	}
	return &out, nil
}

func (c *Collection[T, P]) wrap(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &store.DuplicateError{Collection: c.table, Index: pgErr.ConstraintName}
	}
	return store.Wrap(op, c.table, err, retryable)
}

// retryable classifies driver errors whose operation may succeed when repeated.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03",
			strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return true
		}
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func decodeMap(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
