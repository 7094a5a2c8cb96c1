package domain

import (
	"errors"
	"time"

	"identity-core/internal/store"
)

// Collection is the storage collection holding devices.
const Collection = "devices"

// Indexes are the unique constraints on devices: one device per fingerprint per identity.
var Indexes = []store.UniqueIndex{
	{Name: "devices_identity_fingerprint", Fields: []string{"identity_id", "fingerprint"}},
}

// Device is a client context an identity signs in from. Status inactive means revoked.
type Device struct {
	store.Meta  `bson:",inline"`
	IdentityID  string     `json:"identity_id" bson:"identity_id"`
	Fingerprint string     `json:"fingerprint" bson:"fingerprint"`
	UserAgent   string     `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
	IP          string     `json:"ip,omitempty" bson:"ip,omitempty"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty" bson:"last_seen_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" bson:"revoked_at,omitempty"`
}

// Fingerprint identifies the client. Value is the opaque client-supplied token; UserAgent and
// IP are recorded for display only.
type Fingerprint struct {
	Value     string
	UserAgent string
	IP        string
}

// Validate validates the device for persistence. Returns an error describing the first validation failure.
func (d *Device) Validate() error {
	if d.IdentityID == "" {
		return errors.New("identity id is required")
	}
	if d.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	return nil
}

// Revoked reports whether the device has been revoked.
func (d *Device) Revoked() bool {
	return d.Status == store.StatusInactive
}
