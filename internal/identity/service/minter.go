package service

import (
	"context"
	"time"

	identitydomain "identity-core/internal/identity/domain"
	"identity-core/internal/platform/apperr"
	roledomain "identity-core/internal/role/domain"
	"identity-core/internal/security"
	"identity-core/internal/store"
)

// IdentityReader is the identity lookup needed to mint access tokens.
type IdentityReader interface {
	GetByID(ctx context.Context, id string) (*identitydomain.Identity, error)
}

// RoleReader resolves the weak role reference of an identity.
type RoleReader interface {
	GetByID(ctx context.Context, id string) (*roledomain.Role, error)
	GetByName(ctx context.Context, name string) (*roledomain.Role, error)
}

// AccessMinter signs access tokens carrying the identity's current role and permissions.
type AccessMinter struct {
	identities IdentityReader
	roles      RoleReader
	tokens     *security.TokenProvider
}

// NewAccessMinter returns an AccessMinter.
func NewAccessMinter(identities IdentityReader, roles RoleReader, tokens *security.TokenProvider) *AccessMinter {
	return &AccessMinter{identities: identities, roles: roles, tokens: tokens}
}

// MintAccess fails with apperr.ErrTokenInvalid when the identity or its role is missing or inactive.
func (m *AccessMinter) MintAccess(ctx context.Context, identityID, deviceID string) (string, time.Time, error) {
	ident, err := m.identities.GetByID(ctx, identityID)
	if err != nil {
		return "", time.Time{}, err
	}
	if ident == nil || ident.Status != store.StatusActive {
		return "", time.Time{}, apperr.ErrTokenInvalid
	}
	role, err := m.roles.GetByID(ctx, ident.RoleID)
	if err != nil {
		return "", time.Time{}, err
	}
	if role == nil || role.Status != store.StatusActive {
		return "", time.Time{}, apperr.ErrTokenInvalid
	}
	token, _, exp, err := m.tokens.IssueAccess(ident.ID, deviceID, role.Name, role.Permissions)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}
