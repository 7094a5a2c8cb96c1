package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"identity-core/internal/session/domain"
	"identity-core/internal/store"
)

// SweepResult reports one housekeeping pass.
type SweepResult struct {
	Expired int64
	Deleted int64
}

// Sweeper is the housekeeping loop for refresh tokens. It is not needed for correctness:
// Rotate detects expiry lazily.
type Sweeper struct {
	tokens    store.Repository[domain.RefreshToken]
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
	observe   func(SweepResult)
}

// NewSweeper returns a Sweeper that hard-deletes terminal tokens once they are retention past expiry.
func NewSweeper(tokens store.Repository[domain.RefreshToken], retention time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{tokens: tokens, retention: retention, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// OnPass registers fn to receive the result of every successful pass made by Run.
func (s *Sweeper) OnPass(fn func(SweepResult)) *Sweeper {
	s.observe = fn
	return s
}

// SweepOnce marks active tokens past expiry as expired, then deletes terminal tokens whose
// expiry is older than the retention window.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	now := s.now()
	expired, err := s.tokens.UpdateMany(ctx, store.Where(
		store.Eq("state", domain.StateActive),
		store.Lte("expires_at", now),
	), store.Patch{"state": domain.StateExpired})
	if err != nil {
		return SweepResult{}, err
	}
	deleted, err := s.tokens.DeleteMany(ctx, store.Where(
		store.In("state", domain.StateRotated, domain.StateRevoked, domain.StateExpired),
		store.Lt("expires_at", now.Add(-s.retention)),
	))
	if err != nil {
		return SweepResult{Expired: expired.Modified}, err
	}
	return SweepResult{Expired: expired.Modified, Deleted: deleted}, nil
}

// Run sweeps every interval until ctx is done. Failed passes are logged and retried on the
// next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		res, err := s.SweepOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.log.Error("refresh token sweep failed", zap.Error(err))
		case err == nil:
			if res.Expired > 0 || res.Deleted > 0 {
				s.log.Info("refresh token sweep", zap.Int64("expired", res.Expired), zap.Int64("deleted", res.Deleted))
			}
			if s.observe != nil {
				s.observe(res)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
