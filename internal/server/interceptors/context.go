package interceptors

import (
	"context"

	"identity-core/internal/security"
)

type contextKey struct{ name string }

var (
	claimsKey      = contextKey{"access_claims"}
	accessTokenKey = contextKey{"access_token"}
)

// WithClaims returns a context carrying the verified access token and its claims.
// Handlers read them via GetClaims, GetIdentityID, GetDeviceID and GetAccessToken.
func WithClaims(ctx context.Context, token string, claims *security.AccessClaims) context.Context {
	ctx = context.WithValue(ctx, accessTokenKey, token)
	ctx = context.WithValue(ctx, claimsKey, claims)
	return ctx
}

// GetClaims returns the verified access claims and true if set; otherwise nil, false.
func GetClaims(ctx context.Context) (*security.AccessClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*security.AccessClaims)
	return c, ok && c != nil
}

// GetIdentityID returns the identity id (sub claim) and true if set; otherwise "", false.
func GetIdentityID(ctx context.Context) (string, bool) {
	c, ok := GetClaims(ctx)
	if !ok || c.Subject == "" {
		return "", false
	}
	return c.Subject, true
}

// GetDeviceID returns the device id (did claim) and true if set; otherwise "", false.
func GetDeviceID(ctx context.Context) (string, bool) {
	c, ok := GetClaims(ctx)
	if !ok || c.DeviceID == "" {
		return "", false
	}
	return c.DeviceID, true
}

// GetAccessToken returns the raw bearer token the claims were verified from.
func GetAccessToken(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(accessTokenKey).(string)
	return v, ok && v != ""
}
