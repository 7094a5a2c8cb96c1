package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a token is malformed, badly signed or for another audience.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a well-formed token is past its exp claim.
	ErrExpiredToken = errors.New("token expired")
)

// AccessClaims holds the JWT claims of an access token. Perms is the role's permission set
// at issue time; the resolver never consults storage to check it.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role     string   `json:"role"`
	Perms    []string `json:"perms"`
	DeviceID string   `json:"did,omitempty"`
	// IssuedAtMs is iat in Unix milliseconds; iat itself has second precision.
	IssuedAtMs int64 `json:"iat_ms,omitempty"`
}

// IssuedAtTime returns the issue instant at the best precision the token carries.
func (c *AccessClaims) IssuedAtTime() time.Time {
	if c.IssuedAtMs > 0 {
		return time.UnixMilli(c.IssuedAtMs).UTC()
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.Time
	}
	return time.Time{}
}

// TokenProvider issues and validates access JWTs. It signs with RS256/ES256 when built
// from a key pair and HS256 when built from a shared secret.
type TokenProvider struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	audience  string
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokenProvider returns a TokenProvider that signs with privateKey (RSA or ECDSA P-256).
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL time.Duration) (*TokenProvider, error) {
	var method jwt.SigningMethod
	switch privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return nil, ErrInvalidKey
	}
	if KeyAlg(publicKey) != method.Alg() {
		return nil, ErrInvalidKey
	}
	return &TokenProvider{
		method:    method,
		signKey:   privateKey,
		verifyKey: publicKey,
		issuer:    issuer,
		audience:  audience,
		accessTTL: accessTTL,
		now:       time.Now,
	}, nil
}

// NewHMACTokenProvider returns a TokenProvider signing with HS256. secret must be at least
// 32 bytes.
func NewHMACTokenProvider(secret []byte, issuer, audience string, accessTTL time.Duration) (*TokenProvider, error) {
	if len(secret) < 32 {
		return nil, ErrInvalidKey
	}
	return &TokenProvider{
		method:    jwt.SigningMethodHS256,
		signKey:   secret,
		verifyKey: secret,
		issuer:    issuer,
		audience:  audience,
		accessTTL: accessTTL,
		now:       time.Now,
	}, nil
}

// WithClock sets the time source used for iat/exp and validation. Tests only.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	p.now = now
	return p
}

// AccessTTL returns the lifetime of issued access tokens.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// Alg returns the JWS algorithm name.
func (p *TokenProvider) Alg() string { return p.method.Alg() }

// IssueAccess issues an access JWT for identityID on deviceID carrying the role and its
// permissions. Returns the token string, its jti and expiration time.
func (p *TokenProvider) IssueAccess(identityID, deviceID, role string, perms []string) (token, jti string, expiresAt time.Time, err error) {
	jti = uuid.NewString()
	now := p.now().UTC()
	expiresAt = now.Add(p.accessTTL)
	if perms == nil {
		perms = []string{}
	}
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   identityID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role:       role,
		Perms:      perms,
		DeviceID:   deviceID,
		IssuedAtMs: now.UnixMilli(),
	}
	token, err = jwt.NewWithClaims(p.method, claims).SignedString(p.signKey)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, jti, expiresAt, nil
}

// ValidateAccess verifies signature, algorithm, issuer, audience and expiry. It returns
// ErrExpiredToken for an otherwise valid token past exp and ErrInvalidToken for anything else.
func (p *TokenProvider) ValidateAccess(tokenString string) (*AccessClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(p.now),
	)
	claims := &AccessClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return p.verifyKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
