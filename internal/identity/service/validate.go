package service

import (
	"regexp"
	"unicode"

	"identity-core/internal/platform/apperr"
)

var simpleEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// SecretPolicy constrains secrets accepted by Register and ResetSecret.
type SecretPolicy struct {
	MinLength int
	// RequireMixed demands an upper-case letter, a lower-case letter, a digit and a symbol.
	RequireMixed bool
}

// DefaultSecretPolicy is used when none is configured.
var DefaultSecretPolicy = SecretPolicy{MinLength: 8}

func validateEmail(email string) error {
	if email == "" {
		return apperr.Invalid("email is required")
	}
	if !simpleEmail.MatchString(email) {
		return apperr.Invalid("invalid email format")
	}
	return nil
}

func (p SecretPolicy) validate(secret string) error {
	if len(secret) < p.MinLength {
		return apperr.Invalid("secret is too short")
	}
	if len(secret) > 72 {
		// bcrypt ignores everything past 72 bytes.
		return apperr.Invalid("secret must be at most 72 bytes")
	}
	if !p.RequireMixed {
		return nil
	}
	var hasUpper, hasLower, hasNumber, hasSymbol bool
	for _, r := range secret {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasNumber = true
		default:
			hasSymbol = true
		}
	}
	switch {
	case !hasUpper:
		return apperr.Invalid("secret must contain at least one uppercase letter")
	case !hasLower:
		return apperr.Invalid("secret must contain at least one lowercase letter")
	case !hasNumber:
		return apperr.Invalid("secret must contain at least one number")
	case !hasSymbol:
		return apperr.Invalid("secret must contain at least one symbol")
	}
	return nil
}
