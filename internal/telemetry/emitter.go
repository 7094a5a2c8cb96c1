package telemetry

import (
	"context"
	"errors"
	"time"
)

// Security event types.
const (
	EventLoginSucceeded   = "login_succeeded"
	EventLoginFailed      = "login_failed"
	EventTokenReuse       = "refresh_token_reuse"
	EventDeviceRevoked    = "device_revoked"
	EventLogoutEverywhere = "logout_everywhere"
)

// SecurityEvent is a notable credential lifecycle event. It never carries secrets or token values.
type SecurityEvent struct {
	Type       string            `json:"type"`
	IdentityID string            `json:"identity_id,omitempty"`
	DeviceID   string            `json:"device_id,omitempty"`
	TokenID    string            `json:"token_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// EventEmitter emits security events (OTel logs, AMQP). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *SecurityEvent) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, *SecurityEvent) error { return nil }

// Multi fans an event out to every emitter and joins their errors.
type Multi []EventEmitter

func (m Multi) Emit(ctx context.Context, event *SecurityEvent) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
