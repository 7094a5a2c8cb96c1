package audit

import (
	"context"

	"go.uber.org/zap"

	"identity-core/internal/audit/domain"
	"identity-core/internal/logger"
	"identity-core/internal/store"
)

// IPExtractor returns the client IP from the request context (e.g. gRPC metadata or peer).
type IPExtractor func(context.Context) string

// AuditLogger writes a single audit event with explicit action/resource. Used by the
// interceptor and by admin commands. LogEvent is best-effort: failures are logged and do not
// affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, identityID, action, resource, metadata string)
}

// Logger implements AuditLogger on the audit_logs collection.
type Logger struct {
	logs        store.Repository[domain.AuditLog]
	ipExtractor IPExtractor
	log         *zap.Logger
}

// NewLogger returns a Logger that persists to logs and uses ipExtractor for client IP.
// ipExtractor may be nil; then IP is recorded as "unknown".
func NewLogger(logs store.Repository[domain.AuditLog], ipExtractor IPExtractor, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{logs: logs, ipExtractor: ipExtractor, log: log}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, identityID, action, resource, metadata string) {
	if l.logs == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		ip = l.ipExtractor(ctx)
	}
	entry := &domain.AuditLog{
		IdentityID: identityID,
		Action:     action,
		Resource:   resource,
		IP:         ip,
		Metadata:   metadata,
	}
	if _, err := l.logs.Create(ctx, entry); err != nil {
		logger.From(ctx, l.log).Warn("audit: failed to log event",
			zap.String("action", action), zap.String("resource", resource), zap.Error(err))
	}
}

// ListByIdentity returns the audit trail of identityID, newest first.
func (l *Logger) ListByIdentity(ctx context.Context, identityID string, limit, skip int64) ([]*domain.AuditLog, error) {
	return l.logs.FindMany(ctx,
		store.Where(store.Eq("identity_id", identityID)),
		store.WithSort(store.FieldCreatedAt, true),
		store.WithLimit(limit),
		store.WithSkip(skip),
	)
}
