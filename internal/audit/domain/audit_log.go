package domain

import (
	"errors"

	"identity-core/internal/store"
)

// Collection is the storage collection holding audit logs.
const Collection = "audit_logs"

// AuditLog represents an audit event. IdentityID is empty for unauthenticated calls such as a
// failed login.
type AuditLog struct {
	store.Meta `bson:",inline"`
	IdentityID string `json:"identity_id,omitempty" bson:"identity_id,omitempty"`
	Action     string `json:"action" bson:"action"`
	Resource   string `json:"resource" bson:"resource"`
	IP         string `json:"ip" bson:"ip"`
	Metadata   string `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Validate validates the entry for persistence.
func (a *AuditLog) Validate() error {
	if a.Action == "" {
		return errors.New("action is required")
	}
	if a.Resource == "" {
		return errors.New("resource is required")
	}
	return nil
}
