package identityv1

import "time"

type AuthenticateRequest struct {
	Email       string `json:"email"`
	Secret      string `json:"secret"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// TokenPair is returned by Authenticate and Rotate.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	IdentityID       string    `json:"identity_id"`
	DeviceID         string    `json:"device_id"`
}

type RotateRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LogoutResponse struct{}

// LogoutEverywhereRequest ends every session of the caller, or of IdentityID when the caller
// holds identities:logout.
type LogoutEverywhereRequest struct {
	IdentityID string `json:"identity_id,omitempty"`
}

type LogoutEverywhereResponse struct {
	SessionsRevoked int64 `json:"sessions_revoked"`
}

// AuthorizeRequest checks Permission against AccessToken, or against the bearer token of the
// call when AccessToken is empty.
type AuthorizeRequest struct {
	AccessToken string `json:"access_token,omitempty"`
	Permission  string `json:"permission"`
}

type AuthorizeResponse struct {
	Allow      bool   `json:"allow"`
	IdentityID string `json:"identity_id"`
	DeviceID   string `json:"device_id,omitempty"`
	Role       string `json:"role"`
}

type RegisterRequest struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
	Role   string `json:"role"`
}

type RegisterResponse struct {
	IdentityID string `json:"identity_id"`
	Email      string `json:"email"`
}

type Device struct {
	ID          string     `json:"id"`
	IdentityID  string     `json:"identity_id"`
	Fingerprint string     `json:"fingerprint"`
	UserAgent   string     `json:"user_agent,omitempty"`
	IP          string     `json:"ip,omitempty"`
	Revoked     bool       `json:"revoked"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ListDevicesRequest lists the caller's devices, or IdentityID's when the caller holds devices:read.
type ListDevicesRequest struct {
	IdentityID string `json:"identity_id,omitempty"`
}

type ListDevicesResponse struct {
	Devices []*Device `json:"devices"`
}

type RevokeDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

type RevokeDeviceResponse struct{}
