// Package store defines the generic document repository every domain component persists through.
// Engines live in subpackages (memory, postgres, mongo); domain code depends only on Repository.
package store

import (
	"context"
	"time"
)

// Status is the lifecycle status shared by all documents.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Meta holds the fields every persisted document carries. Embed it in domain types.
type Meta struct {
	ID        string    `json:"id" bson:"_id"`
	IsDeleted bool      `json:"is_deleted" bson:"is_deleted"`
	Status    Status    `json:"status" bson:"status"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Base returns m. It lets *T satisfy Document when T embeds Meta.
func (m *Meta) Base() *Meta { return m }

// Document is implemented by pointers to domain types that embed Meta.
type Document interface {
	Base() *Meta
}

// Doc constrains a type parameter to a pointer to T that is a Document.
type Doc[T any] interface {
	*T
	Document
}

// Validator is optionally implemented by documents; Create and CreateMany call it.
type Validator interface {
	Validate() error
}

// UpdateResult reports how many documents matched and were modified by an update.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// Repository is the persistence contract for documents of type T.
// Reads report absence as nil (or an empty slice), never as an error.
type Repository[T any] interface {
	FindMany(ctx context.Context, f Filter, opts ...FindOption) ([]*T, error)
	FindOne(ctx context.Context, f Filter) (*T, error)
	// FindByID also returns soft-deleted documents.
	FindByID(ctx context.Context, id string) (*T, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Create(ctx context.Context, doc *T) (*T, error)
	// CreateMany is all-or-nothing; a conflict is reported as *BulkWriteError.
	CreateMany(ctx context.Context, docs []*T) ([]*T, error)
	// UpdateByID returns the updated document, or nil when id does not exist. It never creates.
	UpdateByID(ctx context.Context, id string, p Patch) (*T, error)
	// UpdateOne applies p to at most one document matching f in a single conditional write.
	UpdateOne(ctx context.Context, f Filter, p Patch) (UpdateResult, error)
	UpdateMany(ctx context.Context, f Filter, p Patch) (UpdateResult, error)
	// Upsert patches the matching document or creates one from f's equality conditions plus p.
	Upsert(ctx context.Context, f Filter, p Patch) (*T, error)
	SoftDeleteMany(ctx context.Context, ids []string) (UpdateResult, error)
	DeleteByID(ctx context.Context, id string) (*T, error)
	DeleteMany(ctx context.Context, f Filter) (int64, error)
	Distinct(ctx context.Context, field string, f Filter) ([]any, error)
	Ping(ctx context.Context) error
}

// UniqueIndex declares fields whose combined values must be unique among non-deleted documents
// that also match Where.
type UniqueIndex struct {
	Name   string
	Fields []string
	Where  []Cond
}

// Prepare fills the Meta of doc for insertion: ID when empty, timestamps and default status.
func Prepare(m *Meta, now time.Time, newID func() string) {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Status == "" {
		m.Status = StatusActive
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// Validate runs doc's Validate method when it has one and wraps the failure in ErrValidation.
func Validate(doc any) error {
	v, ok := doc.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}
