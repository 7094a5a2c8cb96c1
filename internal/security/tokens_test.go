package security

import (
	"strings"
	"testing"
	"time"
)

func TestTokenProvider_IssueAndValidateAccess(t *testing.T) {
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	token, jti, exp, err := p.IssueAccess("id-1", "dev-1", "editor", []string{"posts:read", "posts:write"})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if token == "" || jti == "" {
		t.Fatal("access token or jti empty")
	}
	if exp.Before(time.Now()) {
		t.Fatal("expires at in the past")
	}
	claims, err := p.ValidateAccess(token)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if claims.Subject != "id-1" || claims.DeviceID != "dev-1" || claims.Role != "editor" || claims.ID != jti {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if len(claims.Perms) != 2 || claims.Perms[1] != "posts:write" {
		t.Errorf("perms = %v", claims.Perms)
	}
}

func TestTokenProvider_ValidateAccessInvalid(t *testing.T) {
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	if _, err := p.ValidateAccess("invalid-token"); err != ErrInvalidToken {
		t.Errorf("ValidateAccess invalid token: want ErrInvalidToken, got %v", err)
	}
}

func TestTokenProvider_ExpiredIsDistinct(t *testing.T) {
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	now := time.Now()
	p.WithClock(func() time.Time { return now })
	token, _, _, err := p.IssueAccess("id-1", "", "r", nil)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	now = now.Add(16 * time.Minute)
	if _, err := p.ValidateAccess(token); err != ErrExpiredToken {
		t.Errorf("ValidateAccess expired: want ErrExpiredToken, got %v", err)
	}
}

func TestTokenProvider_RejectsTampering(t *testing.T) {
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	token, _, _, err := p.IssueAccess("id-1", "dev-1", "viewer", []string{"read"})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	parts := strings.Split(token, ".")
	parts[2] = strings.Repeat("A", len(parts[2]))
	if _, err := p.ValidateAccess(strings.Join(parts, ".")); err != ErrInvalidToken {
		t.Errorf("tampered signature: want ErrInvalidToken, got %v", err)
	}
}

func TestTokenProvider_RejectsOtherIssuerAndAlgorithm(t *testing.T) {
	rsa, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	hmac, err := NewHMACTokenProvider([]byte(strings.Repeat("x", 32)), "test-issuer", "test-audience", time.Minute)
	if err != nil {
		t.Fatalf("NewHMACTokenProvider: %v", err)
	}
	other, err := NewHMACTokenProvider([]byte(strings.Repeat("x", 32)), "someone-else", "test-audience", time.Minute)
	if err != nil {
		t.Fatalf("NewHMACTokenProvider: %v", err)
	}

	hsToken, _, _, _ := hmac.IssueAccess("id-1", "", "r", nil)
	if _, err := rsa.ValidateAccess(hsToken); err != ErrInvalidToken {
		t.Errorf("HS256 token accepted by RS256 provider: %v", err)
	}
	otherToken, _, _, _ := other.IssueAccess("id-1", "", "r", nil)
	if _, err := hmac.ValidateAccess(otherToken); err != ErrInvalidToken {
		t.Errorf("foreign issuer accepted: %v", err)
	}
}

func TestNewHMACTokenProvider_ShortSecret(t *testing.T) {
	if _, err := NewHMACTokenProvider([]byte("short"), "i", "a", time.Minute); err != ErrInvalidKey {
		t.Errorf("want ErrInvalidKey, got %v", err)
	}
}
