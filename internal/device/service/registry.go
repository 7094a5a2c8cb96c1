// Package service manages the devices identities sign in from.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-core/internal/device/domain"
	"identity-core/internal/logger"
	"identity-core/internal/platform/apperr"
	"identity-core/internal/security/blocklist"
	"identity-core/internal/store"
	"identity-core/internal/telemetry"
)

// SessionRevoker ends the refresh token sessions bound to a device.
type SessionRevoker interface {
	RevokeAllForDevice(ctx context.Context, deviceID string) (int64, error)
}

// Registry records devices per identity and revokes them.
type Registry struct {
	devices   store.Repository[domain.Device]
	sessions  SessionRevoker
	blocks    blocklist.Blocklist
	accessTTL time.Duration
	events    telemetry.EventEmitter
	log       *zap.Logger
	now       func() time.Time
}

// Config holds the optional collaborators of a Registry.
type Config struct {
	// Blocklist, when set, blocks a revoked device's outstanding access tokens for AccessTTL.
	Blocklist blocklist.Blocklist
	AccessTTL time.Duration
	Events    telemetry.EventEmitter
	Logger    *zap.Logger
	Now       func() time.Time
}

// NewRegistry returns a Registry.
func NewRegistry(devices store.Repository[domain.Device], sessions SessionRevoker, cfg Config) *Registry {
	r := &Registry{
		devices:   devices,
		sessions:  sessions,
		blocks:    cfg.Blocklist,
		accessTTL: cfg.AccessTTL,
		events:    cfg.Events,
		log:       cfg.Logger,
		now:       cfg.Now,
	}
	if r.blocks == nil {
		r.blocks = blocklist.Nop{}
	}
	if r.events == nil {
		r.events = telemetry.Nop{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// RegisterOrTouch returns the device of identityID with fp, creating it on first sight. The
// device's last_seen_at and client details are refreshed, and a revoked device is reactivated:
// the caller has just re-authenticated on it.
func (r *Registry) RegisterOrTouch(ctx context.Context, identityID string, fp domain.Fingerprint) (*domain.Device, error) {
	value := strings.TrimSpace(fp.Value)
	if identityID == "" || value == "" {
		return nil, apperr.Invalid("identity and fingerprint are required")
	}
	return r.devices.Upsert(ctx,
		store.Where(store.Eq("identity_id", identityID), store.Eq("fingerprint", value)),
		store.Patch{
			"user_agent":      fp.UserAgent,
			"ip":              fp.IP,
			"last_seen_at":    r.now(),
			store.FieldStatus: store.StatusActive,
			"revoked_at":      nil,
		})
}

// Get returns the non-deleted device for id, or nil.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Device, error) {
	return r.devices.FindOne(ctx, store.ByID(id))
}

// ListByIdentity returns the devices of identityID, most recently seen first.
func (r *Registry) ListByIdentity(ctx context.Context, identityID string) ([]*domain.Device, error) {
	return r.devices.FindMany(ctx, store.Where(store.Eq("identity_id", identityID)), store.WithSort("last_seen_at", true))
}

// Revoke marks the device inactive, revokes its live refresh tokens and, when a blocklist is
// configured, blocks its outstanding access tokens. Revoking a revoked device repeats the
// cascade and is not an error.
func (r *Registry) Revoke(ctx context.Context, deviceID string) error {
	now := r.now()
	res, err := r.devices.UpdateOne(ctx,
		store.ByID(deviceID).And(store.Eq(store.FieldStatus, store.StatusActive)),
		store.Patch{store.FieldStatus: store.StatusInactive, "revoked_at": now})
	if err != nil {
		return err
	}
	if res.Matched == 0 {
		d, err := r.Get(ctx, deviceID)
		if err != nil {
			return err
		}
		if d == nil {
			return fmt.Errorf("device %s: %w", deviceID, apperr.ErrNotFound)
		}
	}
	n, err := r.sessions.RevokeAllForDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := r.blocks.Block(ctx, blocklist.KindDevice, deviceID, now, r.accessTTL); err != nil {
		return err
	}
	log := logger.From(ctx, r.log)
	log.Info("device revoked", logger.DeviceID(deviceID), zap.Int64("sessions_revoked", n))
	telemetry.EmitAsync(ctx, r.events, &telemetry.SecurityEvent{
		Type:       telemetry.EventDeviceRevoked,
		DeviceID:   deviceID,
		OccurredAt: now,
	}, log)
	return nil
}
