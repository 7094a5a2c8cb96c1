// Package service owns the refresh token state machine. It is the only code that mutates
// refresh token records.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-core/internal/ids"
	"identity-core/internal/logger"
	"identity-core/internal/platform/apperr"
	"identity-core/internal/security"
	"identity-core/internal/session/domain"
	"identity-core/internal/store"
	"identity-core/internal/telemetry"
)

// AccessMinter signs an access token for an identity on a device, resolving the identity's
// current role. It fails with apperr.ErrTokenInvalid when the identity can no longer sign in.
type AccessMinter interface {
	MintAccess(ctx context.Context, identityID, deviceID string) (token string, expiresAt time.Time, err error)
}

// Manager issues, rotates and revokes refresh tokens. Every state transition is a conditional
// write on state=active, so concurrent callers on any number of instances serialize in storage.
type Manager struct {
	tokens store.Repository[domain.RefreshToken]
	access AccessMinter
	ttl    time.Duration
	events telemetry.EventEmitter
	log    *zap.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithEvents sets the security event sink used on reuse detection.
func WithEvents(e telemetry.EventEmitter) Option { return func(m *Manager) { m.events = e } }

// WithLogger sets the fallback logger; a request-scoped logger in ctx takes precedence.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

// NewManager returns a Manager whose refresh tokens live for ttl.
func NewManager(tokens store.Repository[domain.RefreshToken], access AccessMinter, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		tokens: tokens,
		access: access,
		ttl:    ttl,
		events: telemetry.Nop{},
		log:    zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// TTL returns the refresh token lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue starts a session for (identityID, deviceID). Any live token of the pair is revoked as
// superseded, so at most one token per pair is active.
func (m *Manager) Issue(ctx context.Context, identityID, deviceID string) (*domain.TokenPair, error) {
	if identityID == "" || deviceID == "" {
		return nil, apperr.Invalid("identity and device are required")
	}
	value, tok, err := m.createActive(ctx, ids.New(), identityID, deviceID, "")
	if err != nil {
		return nil, err
	}
	return m.pair(ctx, value, tok)
}

// Rotate exchanges a live refresh token for a new pair. Expiry is checked before state, so an
// expired token always fails with apperr.ErrTokenExpired. Presenting a token that is no longer
// active, or losing a concurrent rotation of it, revokes the pair's session and fails with
// apperr.ErrTokenReuseDetected.
func (m *Manager) Rotate(ctx context.Context, presented string) (*domain.TokenPair, error) {
	tok, err := m.lookup(ctx, presented)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, apperr.ErrTokenNotFound
	}
	now := m.now()
	if !now.Before(tok.ExpiresAt) {
		if tok.State == domain.StateActive {
			if _, err := m.tokens.UpdateOne(ctx, m.activeByID(tok.ID), store.Patch{"state": domain.StateExpired}); err != nil {
				return nil, err
			}
		}
		return nil, apperr.ErrTokenExpired
	}
	if tok.State != domain.StateActive {
		return nil, m.reuse(ctx, tok, domain.ReasonReuseDetected)
	}

	childID := ids.New()
	res, err := m.tokens.UpdateOne(ctx, m.activeByID(tok.ID), store.Patch{
		"state":                domain.StateRotated,
		"replaced_by_token_id": childID,
	})
	if err != nil {
		return nil, err
	}
	if res.Matched == 0 {
		return nil, m.reuse(ctx, tok, domain.ReasonConcurrentReuse)
	}

	value, child, err := m.createActive(ctx, childID, tok.IdentityID, tok.DeviceID, tok.ID)
	if err != nil {
		return nil, err
	}
	// A loser that flagged the parent before the child existed could not revoke it.
	parent, err := m.tokens.FindByID(ctx, tok.ID)
	if err != nil {
		return nil, err
	}
	if parent != nil && parent.ReuseDetectedAt != nil {
		if _, err := m.revokeWhere(ctx, m.activeByID(child.ID), domain.ReasonReuseDetected); err != nil {
			return nil, err
		}
	}
	pair, err := m.pair(ctx, value, child)
	if err != nil {
		if errors.Is(err, apperr.ErrTokenInvalid) {
			_, _ = m.revokeWhere(ctx, m.activeByID(child.ID), domain.ReasonIdentityGone)
		}
		return nil, err
	}
	return pair, nil
}

// Revoke ends the session of a presented refresh token. Unknown and already-terminal tokens
// are not an error.
func (m *Manager) Revoke(ctx context.Context, presented string) error {
	tok, err := m.lookup(ctx, presented)
	if err != nil || tok == nil {
		return err
	}
	_, err = m.revokeWhere(ctx, m.activeByID(tok.ID), domain.ReasonLogout)
	return err
}

// RevokeAllForDevice revokes every live token bound to deviceID and returns how many changed.
func (m *Manager) RevokeAllForDevice(ctx context.Context, deviceID string) (int64, error) {
	return m.revokeWhere(ctx, store.Where(
		store.Eq("device_id", deviceID),
		store.Eq("state", domain.StateActive),
	), domain.ReasonDeviceRevoked)
}

// RevokeAllForIdentity revokes every live token of identityID and returns how many changed.
func (m *Manager) RevokeAllForIdentity(ctx context.Context, identityID string) (int64, error) {
	return m.revokeWhere(ctx, store.Where(
		store.Eq("identity_id", identityID),
		store.Eq("state", domain.StateActive),
	), domain.ReasonLogoutAll)
}

// Chain follows replaced_by_token_id forward from tokenID. It stops at the newest token or at
// a link removed by the sweeper. For audit tooling only.
func (m *Manager) Chain(ctx context.Context, tokenID string) ([]*domain.RefreshToken, error) {
	var chain []*domain.RefreshToken
	seen := make(map[string]bool)
	for id := tokenID; id != ""; {
		if seen[id] {
			return nil, fmt.Errorf("refresh token chain from %s: cycle at %s", tokenID, id)
		}
		seen[id] = true
		tok, err := m.tokens.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if tok == nil {
			break
		}
		chain = append(chain, tok)
		id = tok.ReplacedByTokenID
	}
	return chain, nil
}

func (m *Manager) lookup(ctx context.Context, presented string) (*domain.RefreshToken, error) {
	if presented == "" {
		return nil, nil
	}
	return m.tokens.FindOne(ctx, store.Where(store.Eq("token_hash", security.HashRefreshToken(presented))))
}

func (m *Manager) activeByID(id string) store.Filter {
	return store.ByID(id).And(store.Eq("state", domain.StateActive))
}

// createAttempts bounds the supersede-and-insert loop of createActive. Each lost insert means
// another caller's insert for the pair succeeded, so up to createAttempts concurrent logins on
// one device all succeed.
const createAttempts = 5

// createActive stores a new active token. A concurrent issue for the same pair surfaces as a
// duplicate on the live-session index; the other token is superseded and the insert retried.
// Running out of attempts fails with a retryable *store.Error.
func (m *Manager) createActive(ctx context.Context, id, identityID, deviceID, parentID string) (string, *domain.RefreshToken, error) {
	value, err := security.NewRefreshToken()
	if err != nil {
		return "", nil, err
	}
	now := m.now()
	doc := func() *domain.RefreshToken {
		return &domain.RefreshToken{
			Meta:          store.Meta{ID: id},
			IdentityID:    identityID,
			DeviceID:      deviceID,
			TokenHash:     security.HashRefreshToken(value),
			State:         domain.StateActive,
			IssuedAt:      now,
			ExpiresAt:     now.Add(m.ttl),
			ParentTokenID: parentID,
		}
	}
	if parentID == "" {
		if _, err := m.supersede(ctx, identityID, deviceID); err != nil {
			return "", nil, err
		}
	}
	tok, err := m.tokens.Create(ctx, doc())
	for attempt := 1; errors.Is(err, store.ErrDuplicate) && attempt < createAttempts; attempt++ {
		if _, err = m.supersede(ctx, identityID, deviceID); err != nil {
			return "", nil, err
		}
		tok, err = m.tokens.Create(ctx, doc())
	}
	if errors.Is(err, store.ErrDuplicate) {
		return "", nil, &store.Error{Op: "create", Collection: domain.Collection, Retryable: true, Err: err}
	}
	if err != nil {
		return "", nil, err
	}
	return value, tok, nil
}

func (m *Manager) supersede(ctx context.Context, identityID, deviceID string) (int64, error) {
	return m.revokeWhere(ctx, store.Where(
		store.Eq("identity_id", identityID),
		store.Eq("device_id", deviceID),
		store.Eq("state", domain.StateActive),
	), domain.ReasonSuperseded)
}

func (m *Manager) revokeWhere(ctx context.Context, f store.Filter, reason string) (int64, error) {
	res, err := m.tokens.UpdateMany(ctx, f, store.Patch{
		"state":         domain.StateRevoked,
		"revoked_at":    m.now(),
		"revoke_reason": reason,
	})
	return res.Modified, err
}

// reuse flags tok, then revokes the pair's live tokens. The flag is written first so that a
// winner creating its child after this sweep still sees it on re-read.
func (m *Manager) reuse(ctx context.Context, tok *domain.RefreshToken, reason string) error {
	if _, err := m.tokens.UpdateByID(ctx, tok.ID, store.Patch{"reuse_detected_at": m.now()}); err != nil {
		return err
	}
	n, err := m.revokeWhere(ctx, store.Where(
		store.Eq("identity_id", tok.IdentityID),
		store.Eq("device_id", tok.DeviceID),
		store.Eq("state", domain.StateActive),
	), reason)
	if err != nil {
		return err
	}
	log := logger.From(ctx, m.log)
	log.Warn("refresh token reuse detected",
		logger.IdentityID(tok.IdentityID), logger.DeviceID(tok.DeviceID), logger.TokenID(tok.ID),
		zap.String("reason", reason), zap.Int64("revoked", n))
	telemetry.EmitAsync(ctx, m.events, &telemetry.SecurityEvent{
		Type:       telemetry.EventTokenReuse,
		IdentityID: tok.IdentityID,
		DeviceID:   tok.DeviceID,
		TokenID:    tok.ID,
		Reason:     reason,
		OccurredAt: m.now(),
	}, log)
	return apperr.ErrTokenReuseDetected
}

func (m *Manager) pair(ctx context.Context, value string, tok *domain.RefreshToken) (*domain.TokenPair, error) {
	access, accessExp, err := m.access.MintAccess(ctx, tok.IdentityID, tok.DeviceID)
	if err != nil {
		return nil, err
	}
	return &domain.TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     value,
		RefreshExpiresAt: tok.ExpiresAt,
		IdentityID:       tok.IdentityID,
		DeviceID:         tok.DeviceID,
	}, nil
}
