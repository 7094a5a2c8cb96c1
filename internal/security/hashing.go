package security

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// SecretHasher hashes and verifies login secrets. Implementations must not log or persist
// the plaintext they are given.
type SecretHasher interface {
	Hash(secret string) (string, error)
	// Verify reports whether secret matches digest. A malformed digest is an error;
	// a mismatch is (false, nil).
	Verify(secret, digest string) (bool, error)
}

// ErrEmptySecret is returned when hashing an empty secret.
var ErrEmptySecret = errors.New("empty secret")

// BcryptHasher hashes secrets with bcrypt.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a BcryptHasher with the given cost clamped to bcrypt's range.
// Zero or negative selects bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &BcryptHasher{Cost: cost}
}

func (h *BcryptHasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	b, err := bcrypt.GenerateFromPassword([]byte(secret), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *BcryptHasher) Verify(secret, digest string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// NewSecretHasher returns the hasher for algorithm "bcrypt" (default) or "argon2id".
func NewSecretHasher(algorithm string, bcryptCost int) (SecretHasher, error) {
	switch strings.ToLower(algorithm) {
	case "", "bcrypt":
		return NewBcryptHasher(bcryptCost), nil
	case "argon2id", "argon2":
		return NewArgon2Hasher(DefaultArgon2Params), nil
	default:
		return nil, errors.New("unknown hash algorithm " + algorithm)
	}
}

// MultiHasher hashes with Primary and verifies digests produced by any of the hashers,
// choosing by digest prefix. It lets a deployment switch algorithms without invalidating
// stored digests.
type MultiHasher struct {
	Primary SecretHasher
}

func (m MultiHasher) Hash(secret string) (string, error) { return m.Primary.Hash(secret) }

func (m MultiHasher) Verify(secret, digest string) (bool, error) {
	switch {
	case strings.HasPrefix(digest, argon2Prefix):
		return NewArgon2Hasher(DefaultArgon2Params).Verify(secret, digest)
	case strings.HasPrefix(digest, "$2"):
		return (&BcryptHasher{}).Verify(secret, digest)
	}
	return m.Primary.Verify(secret, digest)
}
