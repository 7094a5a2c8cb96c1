// Package service authenticates identities and hands out token pairs.
package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	devicedomain "identity-core/internal/device/domain"
	identitydomain "identity-core/internal/identity/domain"
	"identity-core/internal/logger"
	"identity-core/internal/platform/apperr"
	"identity-core/internal/security"
	"identity-core/internal/security/blocklist"
	sessiondomain "identity-core/internal/session/domain"
	"identity-core/internal/store"
	"identity-core/internal/telemetry"
)

// defaultFingerprint is used when the client does not identify its device.
const defaultFingerprint = "password-login"

// IdentityRepo is the identity persistence needed by the Issuer.
type IdentityRepo interface {
	IdentityReader
	FindByEmail(ctx context.Context, email string) (*identitydomain.Identity, error)
	Create(ctx context.Context, email, credentialHash, roleID string) (*identitydomain.Identity, error)
	UpdateCredentialHash(ctx context.Context, id, credentialHash string) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
}

// DeviceRegistry records the device a login comes from.
type DeviceRegistry interface {
	RegisterOrTouch(ctx context.Context, identityID string, fp devicedomain.Fingerprint) (*devicedomain.Device, error)
}

// SessionManager is the refresh token manager as seen by the Issuer.
type SessionManager interface {
	Issue(ctx context.Context, identityID, deviceID string) (*sessiondomain.TokenPair, error)
	Revoke(ctx context.Context, presented string) error
	RevokeAllForIdentity(ctx context.Context, identityID string) (int64, error)
}

// Issuer verifies credentials and mints token pairs.
type Issuer struct {
	identities IdentityRepo
	roles      RoleReader
	devices    DeviceRegistry
	sessions   SessionManager
	hasher     security.SecretHasher
	policy     SecretPolicy
	blocks     blocklist.Blocklist
	accessTTL  time.Duration
	events     telemetry.EventEmitter
	log        *zap.Logger
	now        func() time.Time

	dummyOnce sync.Once
	dummy     string
}

// IssuerConfig holds the optional collaborators of an Issuer.
type IssuerConfig struct {
	Policy SecretPolicy
	// Blocklist, when set, blocks an identity's outstanding access tokens on LogoutEverywhere.
	Blocklist blocklist.Blocklist
	AccessTTL time.Duration
	Events    telemetry.EventEmitter
	Logger    *zap.Logger
	Now       func() time.Time
}

// NewIssuer returns an Issuer.
func NewIssuer(identities IdentityRepo, roles RoleReader, devices DeviceRegistry, sessions SessionManager, hasher security.SecretHasher, cfg IssuerConfig) *Issuer {
	s := &Issuer{
		identities: identities,
		roles:      roles,
		devices:    devices,
		sessions:   sessions,
		hasher:     hasher,
		policy:     cfg.Policy,
		blocks:     cfg.Blocklist,
		accessTTL:  cfg.AccessTTL,
		events:     cfg.Events,
		log:        cfg.Logger,
		now:        cfg.Now,
	}
	if s.policy == (SecretPolicy{}) {
		s.policy = DefaultSecretPolicy
	}
	if s.blocks == nil {
		s.blocks = blocklist.Nop{}
	}
	if s.events == nil {
		s.events = telemetry.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Authenticate verifies email and secret and starts a session on the device described by fp.
// Unknown identities, wrong secrets and inactive identities all fail with
// apperr.ErrInvalidCredentials after a hash verification of comparable cost.
func (s *Issuer) Authenticate(ctx context.Context, email, secret string, fp devicedomain.Fingerprint) (*sessiondomain.TokenPair, error) {
	log := logger.From(ctx, s.log)
	ident, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		_, _ = s.hasher.Verify(secret, s.dummyHash())
		s.failed(ctx, "", "unknown_identity", log)
		return nil, apperr.ErrInvalidCredentials
	}
	ok, err := s.hasher.Verify(secret, ident.CredentialHash)
	if err != nil {
		log.Error("credential verification failed", logger.IdentityID(ident.ID), zap.Error(err))
	}
	if !ok || ident.Status != store.StatusActive {
		s.failed(ctx, ident.ID, "rejected", log)
		return nil, apperr.ErrInvalidCredentials
	}
	role, err := s.roles.GetByID(ctx, ident.RoleID)
	if err != nil {
		return nil, err
	}
	if role == nil || role.Status != store.StatusActive {
		log.Warn("identity references a missing or inactive role", logger.IdentityID(ident.ID), zap.String("role_id", ident.RoleID))
		s.failed(ctx, ident.ID, "role_unavailable", log)
		return nil, apperr.ErrInvalidCredentials
	}

	if strings.TrimSpace(fp.Value) == "" {
		fp.Value = defaultFingerprint
	}
	dev, err := s.devices.RegisterOrTouch(ctx, ident.ID, fp)
	if err != nil {
		return nil, err
	}
	pair, err := s.sessions.Issue(ctx, ident.ID, dev.ID)
	if err != nil {
		return nil, err
	}
	if err := s.identities.TouchLogin(ctx, ident.ID, s.now()); err != nil {
		log.Warn("record last login failed", logger.IdentityID(ident.ID), zap.Error(err))
	}
	telemetry.EmitAsync(ctx, s.events, &telemetry.SecurityEvent{
		Type:       telemetry.EventLoginSucceeded,
		IdentityID: ident.ID,
		DeviceID:   dev.ID,
		OccurredAt: s.now(),
	}, log)
	return pair, nil
}

// Logout revokes the session of a refresh token. Unknown or already revoked tokens are not an error.
func (s *Issuer) Logout(ctx context.Context, refreshToken string) error {
	return s.sessions.Revoke(ctx, refreshToken)
}

// LogoutEverywhere revokes every session of identityID and, with a blocklist configured, its
// outstanding access tokens. Returns the number of sessions revoked.
func (s *Issuer) LogoutEverywhere(ctx context.Context, identityID string) (int64, error) {
	n, err := s.sessions.RevokeAllForIdentity(ctx, identityID)
	if err != nil {
		return 0, err
	}
	if err := s.blocks.Block(ctx, blocklist.KindIdentity, identityID, s.now(), s.accessTTL); err != nil {
		return n, err
	}
	log := logger.From(ctx, s.log)
	log.Info("logged out everywhere", logger.IdentityID(identityID), zap.Int64("sessions_revoked", n))
	telemetry.EmitAsync(ctx, s.events, &telemetry.SecurityEvent{
		Type:       telemetry.EventLogoutEverywhere,
		IdentityID: identityID,
		OccurredAt: s.now(),
	}, log)
	return n, nil
}

// Register creates an identity with roleName. Duplicate emails fail with
// apperr.ErrDuplicateIdentity; malformed input with apperr.ErrValidation.
func (s *Issuer) Register(ctx context.Context, email, secret, roleName string) (*identitydomain.Identity, error) {
	email = identitydomain.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := s.policy.validate(secret); err != nil {
		return nil, err
	}
	role, err := s.roles.GetByName(ctx, roleName)
	if err != nil {
		return nil, err
	}
	if role == nil || role.Status != store.StatusActive {
		return nil, apperr.Invalid("unknown role " + roleName)
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, err
	}
	return s.identities.Create(ctx, email, hash, role.ID)
}

// ResetSecret replaces the secret of the identity with email and ends all its sessions.
func (s *Issuer) ResetSecret(ctx context.Context, email, secret string) error {
	if err := s.policy.validate(secret); err != nil {
		return err
	}
	ident, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if ident == nil {
		return apperr.ErrNotFound
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return err
	}
	if err := s.identities.UpdateCredentialHash(ctx, ident.ID, hash); err != nil {
		return err
	}
	_, err = s.LogoutEverywhere(ctx, ident.ID)
	return err
}

// dummyHash is verified against for unknown identities so their failures cost as much as a
// wrong secret.
func (s *Issuer) dummyHash() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("identity-core-timing-equalizer")
		if err != nil {
			s.log.Error("dummy hash failed", zap.Error(err))
			return
		}
		s.dummy = h
	})
	return s.dummy
}

func (s *Issuer) failed(ctx context.Context, identityID, reason string, log *zap.Logger) {
	log.Info("authentication failed", logger.IdentityID(identityID), zap.String("reason", reason))
	telemetry.EmitAsync(ctx, s.events, &telemetry.SecurityEvent{
		Type:       telemetry.EventLoginFailed,
		IdentityID: identityID,
		Reason:     reason,
		OccurredAt: s.now(),
	}, log)
}
