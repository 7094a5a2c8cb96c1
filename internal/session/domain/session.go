package domain

import (
	"errors"
	"time"

	"identity-core/internal/store"
)

// Collection is the storage collection holding refresh tokens.
const Collection = "refresh_tokens"

// State is the refresh token lifecycle state. Every state other than active is terminal.
type State string

const (
	StateActive  State = "active"
	StateRotated State = "rotated"
	StateRevoked State = "revoked"
	StateExpired State = "expired"
)

// Reasons recorded on revoked tokens.
const (
	ReasonLogout          = "logout"
	ReasonLogoutAll       = "logout_everywhere"
	ReasonDeviceRevoked   = "device_revoked"
	ReasonSuperseded      = "superseded"
	ReasonReuseDetected   = "reuse_detected"
	ReasonConcurrentReuse = "concurrent_reuse"
	ReasonIdentityGone    = "identity_inactive"
)

// Indexes are the unique constraints on refresh tokens. The second one enforces at most one
// active token per (identity, device).
var Indexes = []store.UniqueIndex{
	{Name: "refresh_tokens_hash", Fields: []string{"token_hash"}},
	{Name: "refresh_tokens_live_session", Fields: []string{"identity_id", "device_id"}, Where: []store.Cond{store.Eq("state", StateActive)}},
}

// RefreshToken is a stored refresh token. Only the SHA-256 of the opaque value is kept.
// ReplacedByTokenID links a rotated token to its child; ParentTokenID is for audit only.
type RefreshToken struct {
	store.Meta        `bson:",inline"`
	IdentityID        string     `json:"identity_id" bson:"identity_id"`
	DeviceID          string     `json:"device_id" bson:"device_id"`
	TokenHash         string     `json:"token_hash" bson:"token_hash"`
	State             State      `json:"state" bson:"state"`
	IssuedAt          time.Time  `json:"issued_at" bson:"issued_at"`
	ExpiresAt         time.Time  `json:"expires_at" bson:"expires_at"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty" bson:"revoked_at,omitempty"`
	RevokeReason      string     `json:"revoke_reason,omitempty" bson:"revoke_reason,omitempty"`
	ReplacedByTokenID string     `json:"replaced_by_token_id,omitempty" bson:"replaced_by_token_id,omitempty"`
	ParentTokenID     string     `json:"parent_token_id,omitempty" bson:"parent_token_id,omitempty"`
	ReuseDetectedAt   *time.Time `json:"reuse_detected_at,omitempty" bson:"reuse_detected_at,omitempty"`
}

// Validate validates the token for persistence. Returns an error describing the first validation failure.
func (t *RefreshToken) Validate() error {
	switch {
	case t.IdentityID == "":
		return errors.New("identity id is required")
	case t.DeviceID == "":
		return errors.New("device id is required")
	case t.TokenHash == "":
		return errors.New("token hash is required")
	case t.ExpiresAt.IsZero():
		return errors.New("expiry is required")
	}
	switch t.State {
	case StateActive, StateRotated, StateRevoked, StateExpired:
	default:
		return errors.New("unknown state " + string(t.State))
	}
	return nil
}

// Live reports whether the token can still be rotated at now.
func (t *RefreshToken) Live(now time.Time) bool {
	return t.State == StateActive && now.Before(t.ExpiresAt)
}

// TokenPair is what authentication and rotation hand back to the client.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	IdentityID       string
	DeviceID         string
}
