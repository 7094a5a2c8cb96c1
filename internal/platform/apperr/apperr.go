// Package apperr defines the error taxonomy shared by the identity components.
// Callers test errors with errors.Is; storage faults keep their retryable flag.
package apperr

import (
	"errors"

	"identity-core/internal/store"
)

var (
	// ErrValidation is store.ErrValidation so storage and domain validation failures match alike.
	ErrValidation = store.ErrValidation

	ErrDuplicateIdentity = errors.New("identity already exists")
	ErrDuplicateRole     = errors.New("role already exists")
	ErrRoleInUse         = errors.New("role is referenced by an identity")
	ErrNotFound          = errors.New("not found")

	// ErrInvalidCredentials is returned for unknown identities, wrong secrets and inactive identities alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrTokenNotFound      = errors.New("refresh token not found")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
)

// Invalid returns a validation error carrying msg.
func Invalid(msg string) error {
	return &store.ValidationError{Err: errors.New(msg)}
}

// Retryable reports whether err is a storage fault flagged as retryable.
func Retryable(err error) bool {
	return store.IsRetryable(err)
}

// IsTokenError reports whether err means the presented session can no longer be used.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTokenReuseDetected)
}
