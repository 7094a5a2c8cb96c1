package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity-core/internal/identity/domain"
	"identity-core/internal/platform/apperr"
	"identity-core/internal/store"
)

// Store is the Repository backed by a generic document collection.
type Store struct {
	docs store.Repository[domain.Identity]
}

var _ Repository = (*Store)(nil)

// NewStore returns an identity Store over docs.
func NewStore(docs store.Repository[domain.Identity]) *Store {
	return &Store{docs: docs}
}

// FindByEmail returns the non-deleted identity with email, compared case-insensitively, or nil.
func (s *Store) FindByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	return s.docs.FindOne(ctx, store.Where(store.Eq("email", email)))
}

// GetByID returns the non-deleted identity for id, or nil if not found.
func (s *Store) GetByID(ctx context.Context, id string) (*domain.Identity, error) {
	return s.docs.FindOne(ctx, store.ByID(id))
}

// Create stores a new active identity. A live identity with the same email fails with
// apperr.ErrDuplicateIdentity.
func (s *Store) Create(ctx context.Context, email, credentialHash, roleID string) (*domain.Identity, error) {
	created, err := s.docs.Create(ctx, &domain.Identity{
		Email:          domain.NormalizeEmail(email),
		CredentialHash: credentialHash,
		RoleID:         roleID,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, apperr.ErrDuplicateIdentity
	}
	return created, err
}

// CountByRole returns the number of non-deleted identities referencing roleID.
func (s *Store) CountByRole(ctx context.Context, roleID string) (int64, error) {
	return s.docs.Count(ctx, store.Where(store.Eq("role_id", roleID)))
}

// CountActive returns the number of non-deleted active identities.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	return s.docs.Count(ctx, store.Where(store.Eq(store.FieldStatus, store.StatusActive)))
}

// SetStatus activates or deactivates an identity. Inactive identities cannot authenticate.
func (s *Store) SetStatus(ctx context.Context, id string, status store.Status) error {
	if status != store.StatusActive && status != store.StatusInactive {
		return apperr.Invalid("unknown status " + string(status))
	}
	return s.update(ctx, id, store.Patch{store.FieldStatus: status})
}

// UpdateCredentialHash replaces the stored credential hash.
func (s *Store) UpdateCredentialHash(ctx context.Context, id, credentialHash string) error {
	if credentialHash == "" {
		return apperr.Invalid("credential hash is required")
	}
	return s.update(ctx, id, store.Patch{"credential_hash": credentialHash})
}

// SoftDelete marks the identity deleted; its email becomes available again.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	res, err := s.docs.SoftDeleteMany(ctx, []string{id})
	if err != nil {
		return err
	}
	if res.Matched == 0 {
		return fmt.Errorf("identity %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// TouchLogin records a successful authentication.
func (s *Store) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, store.Patch{"last_login_at": at.UTC()})
}

func (s *Store) update(ctx context.Context, id string, p store.Patch) error {
	res, err := s.docs.UpdateOne(ctx, store.ByID(id), p)
	if err != nil {
		return err
	}
	if res.Matched == 0 {
		return fmt.Errorf("identity %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}
