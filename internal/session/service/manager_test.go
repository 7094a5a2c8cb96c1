package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"identity-core/internal/platform/apperr"
	"identity-core/internal/session/domain"
	"identity-core/internal/store"
	"identity-core/internal/store/memory"
	"identity-core/internal/telemetry"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubMinter struct {
	err   error
	calls atomic.Int32
}

func (s *stubMinter) MintAccess(_ context.Context, identityID, deviceID string) (string, time.Time, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", time.Time{}, s.err
	}
	return "access:" + identityID + ":" + deviceID, time.Now().Add(15 * time.Minute), nil
}

type chanEmitter chan *telemetry.SecurityEvent

func (c chanEmitter) Emit(_ context.Context, e *telemetry.SecurityEvent) error {
	c <- e
	return nil
}

type fixture struct {
	tokens *memory.Collection[domain.RefreshToken, *domain.RefreshToken]
	clock  *clock
	minter *stubMinter
	events chanEmitter
	m      *Manager
}

func newFixture() *fixture {
	f := &fixture{
		tokens: memory.New[domain.RefreshToken](domain.Collection, domain.Indexes...),
		clock:  newClock(),
		minter: &stubMinter{},
		events: make(chanEmitter, 64),
	}
	f.m = NewManager(f.tokens, f.minter, time.Hour, WithClock(f.clock.Now), WithEvents(f.events))
	return f
}

func (f *fixture) active(t *testing.T, identityID, deviceID string) []*domain.RefreshToken {
	t.Helper()
	list, err := f.tokens.FindMany(context.Background(), store.Where(
		store.Eq("identity_id", identityID),
		store.Eq("device_id", deviceID),
		store.Eq("state", domain.StateActive),
	))
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	return list
}

func TestManager_IssueReturnsPair(t *testing.T) {
	f := newFixture()
	pair, err := f.m.Issue(context.Background(), "id-1", "dev-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if pair.RefreshToken == "" || pair.AccessToken != "access:id-1:dev-1" {
		t.Fatalf("pair = %+v", pair)
	}
	if want := f.clock.Now().Add(time.Hour); !pair.RefreshExpiresAt.Equal(want) {
		t.Errorf("refresh expiry = %v, want %v", pair.RefreshExpiresAt, want)
	}
	live := f.active(t, "id-1", "dev-1")
	if len(live) != 1 {
		t.Fatalf("active tokens = %d, want 1", len(live))
	}
	if live[0].TokenHash == pair.RefreshToken {
		t.Error("refresh value stored in plaintext")
	}
	if _, err := f.m.Issue(context.Background(), "", "dev-1"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Issue without identity err = %v", err)
	}
}

func TestManager_IssueSupersedesLiveToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	first, err := f.m.Issue(ctx, "id-1", "dev-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.m.Issue(ctx, "id-1", "dev-1"); err != nil {
		t.Fatalf("second Issue: %v", err)
	}
	if n := len(f.active(t, "id-1", "dev-1")); n != 1 {
		t.Fatalf("active tokens = %d, want 1", n)
	}
	old, _ := f.m.lookup(ctx, first.RefreshToken)
	if old.State != domain.StateRevoked || old.RevokeReason != domain.ReasonSuperseded {
		t.Errorf("first token state = %s (%s)", old.State, old.RevokeReason)
	}
	if _, err := f.m.Issue(ctx, "id-1", "dev-2"); err != nil {
		t.Fatalf("Issue other device: %v", err)
	}
	if n := len(f.active(t, "id-1", "dev-1")); n != 1 {
		t.Errorf("other device affected: %d active", n)
	}
}

func TestManager_RotationChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pair, err := f.m.Issue(ctx, "id-1", "dev-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	first, _ := f.m.lookup(ctx, pair.RefreshToken)

	const rotations = 6
	for i := 0; i < rotations; i++ {
		f.clock.Advance(time.Minute)
		next, err := f.m.Rotate(ctx, pair.RefreshToken)
		if err != nil {
			t.Fatalf("rotation %d: %v", i, err)
		}
		if next.RefreshToken == pair.RefreshToken {
			t.Fatalf("rotation %d returned the same value", i)
		}
		pair = next
	}

	chain, err := f.m.Chain(ctx, first.ID)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if len(chain) != rotations+1 {
		t.Fatalf("chain length = %d, want %d", len(chain), rotations+1)
	}
	for i, link := range chain[:rotations] {
		if link.State != domain.StateRotated {
			t.Errorf("link %d state = %s", i, link.State)
		}
		if link.ReplacedByTokenID != chain[i+1].ID {
			t.Errorf("link %d points to %s, want %s", i, link.ReplacedByTokenID, chain[i+1].ID)
		}
		if chain[i+1].ParentTokenID != link.ID {
			t.Errorf("link %d parent = %s", i+1, chain[i+1].ParentTokenID)
		}
	}
	last := chain[rotations]
	if last.State != domain.StateActive || last.ReplacedByTokenID != "" {
		t.Errorf("head of chain = %s, replaced by %q", last.State, last.ReplacedByTokenID)
	}
}

func TestManager_ChainDetectsCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	a, _ := f.tokens.Create(ctx, &domain.RefreshToken{Meta: store.Meta{ID: "a"}, IdentityID: "i", DeviceID: "d", TokenHash: "ha", State: domain.StateRotated, ExpiresAt: f.clock.Now(), ReplacedByTokenID: "b"})
	_, _ = f.tokens.Create(ctx, &domain.RefreshToken{Meta: store.Meta{ID: "b"}, IdentityID: "i", DeviceID: "d", TokenHash: "hb", State: domain.StateRotated, ExpiresAt: f.clock.Now(), ReplacedByTokenID: "a"})
	if _, err := f.m.Chain(ctx, a.ID); err == nil {
		t.Fatal("Chain should fail on a cycle")
	}
}

func TestManager_ParallelRotationHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pair, err := f.m.Issue(ctx, "id-1", "dev-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const n = 16
	var wins, reuse atomic.Int32
	var g errgroup.Group
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		g.Go(func() error {
			<-start
			_, err := f.m.Rotate(ctx, pair.RefreshToken)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperr.ErrTokenReuseDetected):
				reuse.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected rotate error: %v", err)
	}
	if wins.Load() != 1 || reuse.Load() != n-1 {
		t.Fatalf("wins = %d, reuse = %d; want 1 and %d", wins.Load(), reuse.Load(), n-1)
	}
	if live := f.active(t, "id-1", "dev-1"); len(live) != 0 {
		t.Errorf("session should be revoked after reuse, %d tokens active", len(live))
	}
}

func TestManager_ReuseRevokesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	old, _ := f.m.Issue(ctx, "id-1", "dev-1")
	_, _ = f.m.Issue(ctx, "id-1", "dev-2")
	next, err := f.m.Rotate(ctx, old.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if _, err := f.m.Rotate(ctx, old.RefreshToken); !errors.Is(err, apperr.ErrTokenReuseDetected) {
		t.Fatalf("replay err = %v, want ErrTokenReuseDetected", err)
	}
	if _, err := f.m.Rotate(ctx, next.RefreshToken); !errors.Is(err, apperr.ErrTokenReuseDetected) {
		t.Errorf("child of a replayed token should be dead, err = %v", err)
	}
	if n := len(f.active(t, "id-1", "dev-2")); n != 1 {
		t.Errorf("other device session affected: %d active", n)
	}

	flagged, _ := f.m.lookup(ctx, old.RefreshToken)
	if flagged.ReuseDetectedAt == nil {
		t.Error("replayed token not flagged")
	}
	select {
	case e := <-f.events:
		if e.Type != telemetry.EventTokenReuse || e.IdentityID != "id-1" || e.DeviceID != "dev-1" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no security event emitted")
	}
}

func TestManager_ExpiredNeverReportsReuse(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pair, _ := f.m.Issue(ctx, "id-1", "dev-1")
	rotated, _ := f.m.Issue(ctx, "id-1", "dev-2")
	if _, err := f.m.Rotate(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.m.Rotate(ctx, pair.RefreshToken); !errors.Is(err, apperr.ErrTokenExpired) {
		t.Fatalf("expired err = %v, want ErrTokenExpired", err)
	}
	tok, _ := f.m.lookup(ctx, pair.RefreshToken)
	if tok.State != domain.StateExpired {
		t.Errorf("state = %s, want expired", tok.State)
	}
	if _, err := f.m.Rotate(ctx, pair.RefreshToken); !errors.Is(err, apperr.ErrTokenExpired) {
		t.Errorf("second attempt err = %v, want ErrTokenExpired", err)
	}
	if _, err := f.m.Rotate(ctx, rotated.RefreshToken); !errors.Is(err, apperr.ErrTokenExpired) {
		t.Errorf("expired rotated token err = %v, want ErrTokenExpired", err)
	}
}

func TestManager_RotateUnknown(t *testing.T) {
	f := newFixture()
	if _, err := f.m.Rotate(context.Background(), "nope"); !errors.Is(err, apperr.ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound", err)
	}
	if _, err := f.m.Rotate(context.Background(), ""); !errors.Is(err, apperr.ErrTokenNotFound) {
		t.Errorf("empty err = %v, want ErrTokenNotFound", err)
	}
}

func TestManager_RevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pair, _ := f.m.Issue(ctx, "id-1", "dev-1")

	if err := f.m.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	before, _ := f.m.lookup(ctx, pair.RefreshToken)
	f.clock.Advance(time.Minute)
	if err := f.m.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	after, _ := f.m.lookup(ctx, pair.RefreshToken)
	if !after.RevokedAt.Equal(*before.RevokedAt) || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("second Revoke changed the token")
	}
	if after.RevokeReason != domain.ReasonLogout {
		t.Errorf("reason = %q", after.RevokeReason)
	}
	if err := f.m.Revoke(ctx, "unknown"); err != nil {
		t.Errorf("Revoke unknown: %v", err)
	}
}

func TestManager_RevokeAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, _ = f.m.Issue(ctx, "id-1", "dev-1")
	_, _ = f.m.Issue(ctx, "id-1", "dev-2")
	_, _ = f.m.Issue(ctx, "id-2", "dev-3")

	n, err := f.m.RevokeAllForDevice(ctx, "dev-1")
	if err != nil || n != 1 {
		t.Fatalf("RevokeAllForDevice = %d, %v", n, err)
	}
	n, err = f.m.RevokeAllForIdentity(ctx, "id-1")
	if err != nil || n != 1 {
		t.Fatalf("RevokeAllForIdentity = %d, %v", n, err)
	}
	if len(f.active(t, "id-2", "dev-3")) != 1 {
		t.Error("unrelated identity revoked")
	}
}

func TestManager_RotateRevokesChildWhenIdentityGone(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pair, _ := f.m.Issue(ctx, "id-1", "dev-1")
	f.minter.err = apperr.ErrTokenInvalid

	if _, err := f.m.Rotate(ctx, pair.RefreshToken); !errors.Is(err, apperr.ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
	if n := len(f.active(t, "id-1", "dev-1")); n != 0 {
		t.Errorf("%d tokens left active", n)
	}
}

func TestSweeper_SweepOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	stale, _ := f.m.Issue(ctx, "id-1", "dev-1")
	_, _ = f.m.Rotate(ctx, stale.RefreshToken)
	_, _ = f.m.Issue(ctx, "id-2", "dev-2")

	s := NewSweeper(f.tokens, 24*time.Hour, nil).WithClock(f.clock.Now)
	res, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res != (SweepResult{}) {
		t.Fatalf("fresh tokens swept: %+v", res)
	}

	f.clock.Advance(2 * time.Hour)
	res, err = s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Expired != 2 || res.Deleted != 0 {
		t.Fatalf("after expiry: %+v, want 2 expired", res)
	}

	f.clock.Advance(24 * time.Hour)
	res, err = s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Deleted != 3 {
		t.Fatalf("after retention: %+v, want 3 deleted", res)
	}
	if n, _ := f.tokens.Count(ctx, store.Where().IncludeDeleted()); n != 0 {
		t.Errorf("%d tokens remain", n)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture()
	s := NewSweeper(f.tokens, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSweeper_OnPassReceivesResults(t *testing.T) {
	f := newFixture()
	passes := make(chan SweepResult, 8)
	s := NewSweeper(f.tokens, time.Hour, nil).OnPass(func(r SweepResult) {
		select {
		case passes <- r:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx, time.Hour) }()
	select {
	case r := <-passes:
		if r.Expired != 0 || r.Deleted != 0 {
			t.Errorf("empty store pass = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pass observed")
	}
}
