package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrInvalidKey is returned when PEM, key type or secret is invalid.
var ErrInvalidKey = errors.New("invalid key")

// LoadPEM reads content from path if s does not look like inline PEM; otherwise returns s as
// bytes. Literal "\n" sequences in inline PEM (common in env files) become newlines.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(strings.ReplaceAll(s, `\n`, "\n")), nil
	}
	return os.ReadFile(s)
}

// ParsePrivateKey parses a PEM-encoded private key (RSA or ECDSA). s may be inline PEM or a file path.
func ParsePrivateKey(s string) (crypto.Signer, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, ErrInvalidKey
		}
		return signer, nil
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}

// ParsePublicKey parses a PEM-encoded public key (RSA or ECDSA). s may be inline PEM or a file path.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}

// KeyAlg returns "RS256" for RSA and "ES256" for ECDSA P-256; empty otherwise.
func KeyAlg(pub crypto.PublicKey) string {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		if k.Curve != nil && k.Curve.Params().Name == "P-256" {
			return "ES256"
		}
		return ""
	default:
		return ""
	}
}

// LoadHMACSecret decodes an HS256 secret. A "base64:" prefix selects standard base64;
// anything else is used verbatim.
func LoadHMACSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "base64:"); ok {
		b, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		s = string(b)
	}
	if len(s) < 32 {
		return nil, fmt.Errorf("%w: hmac secret must be at least 32 bytes", ErrInvalidKey)
	}
	return []byte(s), nil
}

// SigningConfig selects and locates the access-token signing key.
type SigningConfig struct {
	// Alg is "RS256", "ES256" or "HS256". Empty infers an asymmetric algorithm from the key.
	Alg        string
	PrivateKey string
	PublicKey  string
	HMACSecret string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
}

// NewTokenProviderFromConfig builds a TokenProvider from PEM keys or an HMAC secret.
func NewTokenProviderFromConfig(c SigningConfig) (*TokenProvider, error) {
	if strings.EqualFold(c.Alg, "HS256") || (c.Alg == "" && c.PrivateKey == "" && c.HMACSecret != "") {
		secret, err := LoadHMACSecret(c.HMACSecret)
		if err != nil {
			return nil, err
		}
		return NewHMACTokenProvider(secret, c.Issuer, c.Audience, c.AccessTTL)
	}
	signer, err := ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	pub := signer.Public()
	if c.PublicKey != "" {
		if pub, err = ParsePublicKey(c.PublicKey); err != nil {
			return nil, fmt.Errorf("public key: %w", err)
		}
	}
	if c.Alg != "" && !strings.EqualFold(c.Alg, KeyAlg(pub)) {
		return nil, fmt.Errorf("%w: key does not match algorithm %s", ErrInvalidKey, c.Alg)
	}
	return NewTokenProvider(signer, pub, c.Issuer, c.Audience, c.AccessTTL)
}
