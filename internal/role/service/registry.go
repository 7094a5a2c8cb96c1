package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"identity-core/internal/platform/apperr"
	"identity-core/internal/role/domain"
	"identity-core/internal/store"
)

// IdentityCounter reports how many non-deleted identities reference a role.
type IdentityCounter interface {
	CountByRole(ctx context.Context, roleID string) (int64, error)
}

// Registry stores named roles and their permission sets.
type Registry struct {
	roles      store.Repository[domain.Role]
	identities IdentityCounter
}

// NewRegistry returns a Registry. identities may be nil only when Delete is never called.
func NewRegistry(roles store.Repository[domain.Role], identities IdentityCounter) *Registry {
	return &Registry{roles: roles, identities: identities}
}

// GetByName returns the non-deleted role with name, or nil.
func (r *Registry) GetByName(ctx context.Context, name string) (*domain.Role, error) {
	return r.roles.FindOne(ctx, store.Where(store.Eq("name", strings.TrimSpace(name))))
}

// GetByID returns the non-deleted role with id, or nil.
func (r *Registry) GetByID(ctx context.Context, id string) (*domain.Role, error) {
	return r.roles.FindOne(ctx, store.ByID(id))
}

// ListActive returns active, non-deleted roles ordered by name.
func (r *Registry) ListActive(ctx context.Context) ([]*domain.Role, error) {
	return r.roles.FindMany(ctx, store.Where(store.Eq(store.FieldStatus, store.StatusActive)), store.WithSort("name", false))
}

// Create stores a new role. Duplicate names fail with apperr.ErrDuplicateRole.
func (r *Registry) Create(ctx context.Context, spec domain.Spec) (*domain.Role, error) {
	created, err := r.roles.Create(ctx, fromSpec(spec))
	if errors.Is(err, store.ErrDuplicate) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrDuplicateRole, spec.Name)
	}
	return created, err
}

// UpdatePermissions replaces the permission set of a role. Access tokens issued earlier keep
// the old set until they expire.
func (r *Registry) UpdatePermissions(ctx context.Context, id string, permissions []string) (*domain.Role, error) {
	for _, p := range permissions {
		if err := domain.ValidatePermission(p); err != nil {
			return nil, apperr.Invalid(err.Error())
		}
	}
	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("role %s: %w", id, apperr.ErrNotFound)
	}
	updated, err := r.roles.UpdateByID(ctx, id, store.Patch{"permissions": dedupe(permissions)})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("role %s: %w", id, apperr.ErrNotFound)
	}
	return updated, nil
}

// Delete soft-deletes a role. It is rejected with apperr.ErrRoleInUse while any non-deleted
// identity references the role. References are counted again after the delete and the role
// is restored if one appeared in between; a Register that resolved the role earlier but
// inserts after that second count can still reference a deleted role.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.ensureUnused(ctx, id); err != nil {
		return err
	}
	res, err := r.roles.SoftDeleteMany(ctx, []string{id})
	if err != nil {
		return err
	}
	if res.Matched == 0 {
		return fmt.Errorf("role %s: %w", id, apperr.ErrNotFound)
	}
	if err := r.ensureUnused(ctx, id); err != nil {
		if _, rerr := r.roles.UpdateByID(ctx, id, store.Patch{store.FieldIsDeleted: false}); rerr != nil {
			return errors.Join(err, fmt.Errorf("restore role %s: %w", id, rerr))
		}
		return err
	}
	return nil
}

func (r *Registry) ensureUnused(ctx context.Context, id string) error {
	n, err := r.identities.CountByRole(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("role %s referenced by %d identities: %w", id, n, apperr.ErrRoleInUse)
	}
	return nil
}

// SeedDefaults creates specs in one all-or-nothing batch unless an active role already exists.
// Returns the number of roles created.
func (r *Registry) SeedDefaults(ctx context.Context, specs []domain.Spec) (int, error) {
	n, err := r.roles.Count(ctx, store.Where(store.Eq(store.FieldStatus, store.StatusActive)))
	if err != nil {
		return 0, err
	}
	if n > 0 || len(specs) == 0 {
		return 0, nil
	}
	docs := make([]*domain.Role, len(specs))
	for i, s := range specs {
		docs[i] = fromSpec(s)
	}
	created, err := r.roles.CreateMany(ctx, docs)
	if err != nil {
		var bwe *store.BulkWriteError
		if errors.As(err, &bwe) && errors.Is(bwe.Err, store.ErrDuplicate) {
			return 0, fmt.Errorf("seed role %q: %w", specs[bwe.Index].Name, apperr.ErrDuplicateRole)
		}
		return 0, err
	}
	return len(created), nil
}

func fromSpec(s domain.Spec) *domain.Role {
	return &domain.Role{
		Name:        strings.TrimSpace(s.Name),
		Permissions: dedupe(s.Permissions),
		Description: s.Description,
	}
}

// dedupe keeps the first occurrence of each permission, preserving order.
func dedupe(perms []string) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}
