// Package rbac turns access tokens into authorization decisions. It never reads the role or
// identity stores: permissions come from the token, so a role change takes effect at the
// next rotation.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-core/internal/logger"
	"identity-core/internal/platform/apperr"
	"identity-core/internal/policy/engine"
	"identity-core/internal/security"
	"identity-core/internal/security/blocklist"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allow      bool
	IdentityID string
	DeviceID   string
	Role       string
	Permission string
}

// Resolver verifies access tokens and evaluates permissions against their claims.
type Resolver struct {
	tokens *security.TokenProvider
	eval   engine.Evaluator
	blocks blocklist.Blocklist
	log    *zap.Logger
}

// NewResolver returns a Resolver. A nil evaluator selects engine.MatchEvaluator and a nil
// blocklist disables the revocation check.
func NewResolver(tokens *security.TokenProvider, eval engine.Evaluator, blocks blocklist.Blocklist, log *zap.Logger) *Resolver {
	if eval == nil {
		eval = engine.MatchEvaluator{}
	}
	if blocks == nil {
		blocks = blocklist.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{tokens: tokens, eval: eval, blocks: blocks, log: log}
}

// Verify checks the token's signature, issuer, audience and expiry, then the blocklist.
// It fails with apperr.ErrTokenExpired or apperr.ErrTokenInvalid.
func (r *Resolver) Verify(ctx context.Context, token string) (*security.AccessClaims, error) {
	claims, err := r.tokens.ValidateAccess(token)
	if err != nil {
		if errors.Is(err, security.ErrExpiredToken) {
			return nil, apperr.ErrTokenExpired
		}
		return nil, apperr.ErrTokenInvalid
	}
	issuedAt := claims.IssuedAtTime()
	if err := r.checkBlocked(ctx, blocklist.KindIdentity, claims.Subject, issuedAt); err != nil {
		return nil, err
	}
	if claims.DeviceID != "" {
		if err := r.checkBlocked(ctx, blocklist.KindDevice, claims.DeviceID, issuedAt); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

func (r *Resolver) checkBlocked(ctx context.Context, kind blocklist.Kind, id string, issuedAt time.Time) error {
	at, ok, err := r.blocks.BlockedAt(ctx, kind, id)
	if err != nil {
		return fmt.Errorf("blocklist lookup: %w", err)
	}
	if ok && blocklist.Revokes(at, issuedAt) {
		logger.From(ctx, r.log).Debug("access token blocked", zap.String("kind", string(kind)), zap.String("subject", id))
		return apperr.ErrTokenInvalid
	}
	return nil
}

// Authorize verifies token and decides whether it grants required.
func (r *Resolver) Authorize(ctx context.Context, token, required string) (Decision, error) {
	claims, err := r.Verify(ctx, token)
	if err != nil {
		return Decision{Permission: required}, err
	}
	return r.Decide(ctx, claims, required)
}

// Decide evaluates required against already verified claims.
func (r *Resolver) Decide(ctx context.Context, claims *security.AccessClaims, required string) (Decision, error) {
	d := Decision{
		IdentityID: claims.Subject,
		DeviceID:   claims.DeviceID,
		Role:       claims.Role,
		Permission: required,
	}
	allow, err := r.eval.Allow(ctx, engine.Input{
		IdentityID:  claims.Subject,
		DeviceID:    claims.DeviceID,
		Role:        claims.Role,
		Permissions: claims.Perms,
		Required:    required,
	})
	if err != nil {
		return d, fmt.Errorf("evaluate %s: %w", required, err)
	}
	d.Allow = allow
	return d, nil
}
