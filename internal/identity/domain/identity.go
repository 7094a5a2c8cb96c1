package domain

import (
	"errors"
	"strings"
	"time"

	"identity-core/internal/store"
)

// Collection is the storage collection holding identities.
const Collection = "identities"

// Indexes are the unique constraints on identities.
var Indexes = []store.UniqueIndex{
	{Name: "identities_email", Fields: []string{"email"}},
}

// Identity is an account that can authenticate. RoleID is a weak reference into the role
// registry; the role is resolved on demand, never embedded.
type Identity struct {
	store.Meta     `bson:",inline"`
	Email          string     `json:"email" bson:"email"`
	CredentialHash string     `json:"credential_hash" bson:"credential_hash"`
	RoleID         string     `json:"role_id" bson:"role_id"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty" bson:"last_login_at,omitempty"`
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate validates the identity for persistence. Returns an error describing the first validation failure.
func (i *Identity) Validate() error {
	if i.Email == "" {
		return errors.New("email is required")
	}
	if i.Email != NormalizeEmail(i.Email) {
		return errors.New("email must be normalized")
	}
	if i.CredentialHash == "" {
		return errors.New("credential hash is required")
	}
	if i.RoleID == "" {
		return errors.New("role is required")
	}
	return nil
}
