package repository

import (
	"context"
	"time"

	"identity-core/internal/identity/domain"
	"identity-core/internal/store"
)

// Repository defines persistence for identities.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*domain.Identity, error)
	GetByID(ctx context.Context, id string) (*domain.Identity, error)
	Create(ctx context.Context, email, credentialHash, roleID string) (*domain.Identity, error)
	CountByRole(ctx context.Context, roleID string) (int64, error)
	CountActive(ctx context.Context) (int64, error)
	SetStatus(ctx context.Context, id string, status store.Status) error
	UpdateCredentialHash(ctx context.Context, id, credentialHash string) error
	SoftDelete(ctx context.Context, id string) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
}
