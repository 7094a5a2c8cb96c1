package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	devicedomain "identity-core/internal/device/domain"
	deviceservice "identity-core/internal/device/service"
	identitydomain "identity-core/internal/identity/domain"
	"identity-core/internal/identity/repository"
	"identity-core/internal/platform/apperr"
	"identity-core/internal/platform/rbac"
	roledomain "identity-core/internal/role/domain"
	roleservice "identity-core/internal/role/service"
	"identity-core/internal/security"
	"identity-core/internal/security/blocklist"
	sessiondomain "identity-core/internal/session/domain"
	sessionservice "identity-core/internal/session/service"
	"identity-core/internal/store"
	"identity-core/internal/store/memory"
)

type harness struct {
	identities *repository.Store
	roles      *roleservice.Registry
	devices    *deviceservice.Registry
	sessions   *sessionservice.Manager
	resolver   *rbac.Resolver
	blocks     *blocklist.Memory
	hasher     security.SecretHasher
	issuer     *Issuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	h := &harness{
		identities: repository.NewStore(memory.New[identitydomain.Identity](identitydomain.Collection, identitydomain.Indexes...)),
		blocks:     blocklist.NewMemory(time.Minute),
		hasher:     security.NewBcryptHasher(bcrypt.MinCost),
	}
	h.roles = roleservice.NewRegistry(memory.New[roledomain.Role](roledomain.Collection, roledomain.Indexes...), h.identities)
	h.sessions = sessionservice.NewManager(
		memory.New[sessiondomain.RefreshToken](sessiondomain.Collection, sessiondomain.Indexes...),
		NewAccessMinter(h.identities, h.roles, tokens),
		24*time.Hour,
	)
	h.devices = deviceservice.NewRegistry(
		memory.New[devicedomain.Device](devicedomain.Collection, devicedomain.Indexes...),
		h.sessions,
		deviceservice.Config{Blocklist: h.blocks, AccessTTL: tokens.AccessTTL()},
	)
	h.resolver = rbac.NewResolver(tokens, nil, h.blocks, nil)
	h.issuer = NewIssuer(h.identities, h.roles, h.devices, h.sessions, h.hasher, IssuerConfig{
		Blocklist: h.blocks,
		AccessTTL: tokens.AccessTTL(),
	})
	if _, err := h.roles.SeedDefaults(context.Background(), []roledomain.Spec{
		{Name: "admin", Permissions: []string{"*"}},
		{Name: "viewer", Permissions: []string{"posts:read"}},
	}); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	return h
}

// createIdentity stores an identity directly so secrets outside the registration policy can be used.
func (h *harness) createIdentity(t *testing.T, email, secret, roleName string) *identitydomain.Identity {
	t.Helper()
	ctx := context.Background()
	role, err := h.roles.GetByName(ctx, roleName)
	if err != nil || role == nil {
		t.Fatalf("GetByName(%s) = %v, %v", roleName, role, err)
	}
	hash, err := h.hasher.Hash(secret)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	ident, err := h.identities.Create(ctx, email, hash, role.ID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ident
}

var laptop = devicedomain.Fingerprint{Value: "laptop-1", UserAgent: "test", IP: "127.0.0.1"}

func TestIssuer_AdminScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createIdentity(t, "admin@x.test", "secret1", "admin")

	pair, err := h.issuer.Authenticate(ctx, "admin@x.test", "secret1", laptop)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	d, err := h.resolver.Authorize(ctx, pair.AccessToken, "*")
	if err != nil || !d.Allow {
		t.Fatalf("Authorize(*) = %+v, %v", d, err)
	}

	next, err := h.sessions.Rotate(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}
	if _, err := h.sessions.Rotate(ctx, pair.RefreshToken); !errors.Is(err, apperr.ErrTokenReuseDetected) {
		t.Fatalf("replayed Rotate err = %v, want ErrTokenReuseDetected", err)
	}

	// access tokens stay valid until their own expiry
	d, err = h.resolver.Authorize(ctx, next.AccessToken, "*")
	if err != nil || !d.Allow {
		t.Fatalf("Authorize with newest access token = %+v, %v", d, err)
	}
	// the reuse revoked the session, so the newest refresh token is dead too
	if _, err := h.sessions.Rotate(ctx, next.RefreshToken); !errors.Is(err, apperr.ErrTokenReuseDetected) {
		t.Fatalf("Rotate after reuse err = %v, want ErrTokenReuseDetected", err)
	}
}

func TestIssuer_AuthorizeGrantsEveryRolePermission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createIdentity(t, "viewer@x.test", "correct-horse", "viewer")

	pair, err := h.issuer.Authenticate(ctx, "Viewer@X.test", "correct-horse", laptop)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	role, _ := h.roles.GetByName(ctx, "viewer")
	for _, p := range role.Permissions {
		if d, err := h.resolver.Authorize(ctx, pair.AccessToken, p); err != nil || !d.Allow {
			t.Errorf("Authorize(%s) = %+v, %v", p, d, err)
		}
	}
	if d, _ := h.resolver.Authorize(ctx, pair.AccessToken, "posts:write"); d.Allow {
		t.Error("viewer allowed posts:write")
	}
}

func TestIssuer_InvalidCredentialsAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ident := h.createIdentity(t, "user@x.test", "correct-horse", "viewer")
	h.createIdentity(t, "inactive@x.test", "correct-horse", "viewer")
	inactive, _ := h.identities.FindByEmail(ctx, "inactive@x.test")
	if err := h.identities.SetStatus(ctx, inactive.ID, store.StatusInactive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	cases := map[string][2]string{
		"unknown identity": {"nobody@x.test", "correct-horse"},
		"wrong secret":     {"user@x.test", "wrong-horse"},
		"inactive":         {"inactive@x.test", "correct-horse"},
		"empty secret":     {"user@x.test", ""},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.issuer.Authenticate(ctx, c[0], c[1], laptop)
			if !errors.Is(err, apperr.ErrInvalidCredentials) {
				t.Fatalf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
	devices, err := h.devices.ListByIdentity(ctx, ident.ID)
	if err != nil || len(devices) != 0 {
		t.Errorf("failed logins registered devices: %v, %v", devices, err)
	}
}

func TestIssuer_AuthenticateRecordsDeviceAndLogin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ident := h.createIdentity(t, "user@x.test", "correct-horse", "viewer")

	first, err := h.issuer.Authenticate(ctx, "user@x.test", "correct-horse", laptop)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	second, err := h.issuer.Authenticate(ctx, "user@x.test", "correct-horse", laptop)
	if err != nil {
		t.Fatalf("Authenticate again: %v", err)
	}
	if first.DeviceID != second.DeviceID {
		t.Errorf("same fingerprint got devices %s and %s", first.DeviceID, second.DeviceID)
	}
	// the second login supersedes the first session on that device
	if _, err := h.sessions.Rotate(ctx, first.RefreshToken); !errors.Is(err, apperr.ErrTokenReuseDetected) {
		t.Errorf("superseded Rotate err = %v, want ErrTokenReuseDetected", err)
	}

	anon, err := h.issuer.Authenticate(ctx, "user@x.test", "correct-horse", devicedomain.Fingerprint{})
	if err != nil {
		t.Fatalf("Authenticate without fingerprint: %v", err)
	}
	if anon.DeviceID == first.DeviceID {
		t.Error("empty fingerprint reused the laptop device")
	}
	got, _ := h.identities.GetByID(ctx, ident.ID)
	if got.LastLoginAt == nil {
		t.Error("last_login_at not recorded")
	}
}

func TestIssuer_Register(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	ident, err := h.issuer.Register(ctx, " New@X.test ", "long-enough", "viewer")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ident.Email != "new@x.test" || ident.CredentialHash == "long-enough" {
		t.Errorf("identity = %+v", ident)
	}
	if _, err := h.issuer.Authenticate(ctx, "new@x.test", "long-enough", laptop); err != nil {
		t.Errorf("Authenticate registered identity: %v", err)
	}
	if _, err := h.issuer.Register(ctx, "new@x.test", "long-enough", "viewer"); !errors.Is(err, apperr.ErrDuplicateIdentity) {
		t.Errorf("duplicate Register err = %v, want ErrDuplicateIdentity", err)
	}

	invalid := map[string][3]string{
		"bad email":    {"not-an-email", "long-enough", "viewer"},
		"short secret": {"a@x.test", "short", "viewer"},
		"long secret":  {"b@x.test", string(make([]byte, 73)), "viewer"},
		"unknown role": {"c@x.test", "long-enough", "root"},
	}
	for name, c := range invalid {
		t.Run(name, func(t *testing.T) {
			if _, err := h.issuer.Register(ctx, c[0], c[1], c[2]); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestIssuer_LogoutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createIdentity(t, "user@x.test", "correct-horse", "viewer")
	pair, err := h.issuer.Authenticate(ctx, "user@x.test", "correct-horse", laptop)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.issuer.Logout(ctx, pair.RefreshToken); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
	}
	if err := h.issuer.Logout(ctx, "never-issued"); err != nil {
		t.Errorf("Logout unknown token: %v", err)
	}
	if _, err := h.sessions.Rotate(ctx, pair.RefreshToken); err == nil {
		t.Error("Rotate after logout succeeded")
	}
}

func TestIssuer_LogoutEverywhereBlocksAccessTokens(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ident := h.createIdentity(t, "user@x.test", "correct-horse", "viewer")
	a, err := h.issuer.Authenticate(ctx, "user@x.test", "correct-horse", laptop)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	b, err := h.issuer.Authenticate(ctx, "user@x.test", "correct-horse", devicedomain.Fingerprint{Value: "phone"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	n, err := h.issuer.LogoutEverywhere(ctx, ident.ID)
	if err != nil {
		t.Fatalf("LogoutEverywhere: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked %d sessions, want 2", n)
	}
	for _, p := range []*sessiondomain.TokenPair{a, b} {
		if _, err := h.resolver.Authorize(ctx, p.AccessToken, "posts:read"); !errors.Is(err, apperr.ErrTokenInvalid) {
			t.Errorf("Authorize after LogoutEverywhere err = %v, want ErrTokenInvalid", err)
		}
		if _, err := h.sessions.Rotate(ctx, p.RefreshToken); err == nil {
			t.Error("Rotate after LogoutEverywhere succeeded")
		}
	}
}

func TestIssuer_RevokedDeviceCascades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createIdentity(t, "user@x.test", "correct-horse", "viewer")
	pair, err := h.issuer.Authenticate(ctx, "user@x.test", "correct-horse", laptop)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := h.devices.Revoke(ctx, pair.DeviceID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := h.resolver.Authorize(ctx, pair.AccessToken, "posts:read"); !errors.Is(err, apperr.ErrTokenInvalid) {
		t.Errorf("Authorize on revoked device err = %v, want ErrTokenInvalid", err)
	}
	if _, err := h.sessions.Rotate(ctx, pair.RefreshToken); err == nil {
		t.Error("Rotate on revoked device succeeded")
	}
}

func TestIssuer_ResetSecret(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createIdentity(t, "user@x.test", "correct-horse", "viewer")
	pair, err := h.issuer.Authenticate(ctx, "user@x.test", "correct-horse", laptop)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := h.issuer.ResetSecret(ctx, "user@x.test", "battery-staple"); err != nil {
		t.Fatalf("ResetSecret: %v", err)
	}
	if _, err := h.issuer.Authenticate(ctx, "user@x.test", "correct-horse", laptop); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Errorf("old secret err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := h.sessions.Rotate(ctx, pair.RefreshToken); err == nil {
		t.Error("session survived ResetSecret")
	}
	if err := h.issuer.ResetSecret(ctx, "nobody@x.test", "battery-staple"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown identity err = %v, want ErrNotFound", err)
	}
}
