package domain

import (
	"errors"
	"strings"

	"identity-core/internal/store"
)

// Collection is the storage collection holding roles.
const Collection = "roles"

// Indexes are the unique constraints on roles.
var Indexes = []store.UniqueIndex{
	{Name: "roles_name", Fields: []string{"name"}},
}

// Role is a named permission set. Identities reference it by ID.
type Role struct {
	store.Meta  `bson:",inline"`
	Name        string   `json:"name" bson:"name"`
	Permissions []string `json:"permissions" bson:"permissions"`
	Description string   `json:"description,omitempty" bson:"description,omitempty"`
}

// Spec describes a role to seed.
type Spec struct {
	Name        string   `yaml:"name" json:"name"`
	Permissions []string `yaml:"permissions" json:"permissions"`
	Description string   `yaml:"description" json:"description"`
}

// Validate validates the role for persistence. Returns an error describing the first validation failure.
func (r *Role) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("role name is required")
	}
	for _, p := range r.Permissions {
		if err := ValidatePermission(p); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePermission rejects empty permissions and wildcards anywhere but the end.
func ValidatePermission(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("permission must not be empty")
	}
	if i := strings.Index(p, "*"); i >= 0 && i != len(p)-1 {
		return errors.New("wildcard must be the last character of permission " + p)
	}
	return nil
}
