package blocklist

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestMemory_BlockAndExpire(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(time.Minute)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := b.Block(ctx, KindDevice, "dev-1", at, 50*time.Millisecond); err != nil {
		t.Fatalf("Block: %v", err)
	}
	got, ok, err := b.BlockedAt(ctx, KindDevice, "dev-1")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("BlockedAt = %v, %v, %v; want %v", got, ok, err, at)
	}
	if _, ok, _ := b.BlockedAt(ctx, KindIdentity, "dev-1"); ok {
		t.Error("kinds must not share keys")
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok, _ := b.BlockedAt(ctx, KindDevice, "dev-1"); ok {
		t.Error("entry should expire after its ttl")
	}
}

func TestMemory_ZeroTTLIgnored(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(time.Minute)
	_ = b.Block(ctx, KindIdentity, "id-1", time.Now(), 0)
	if _, ok, _ := b.BlockedAt(ctx, KindIdentity, "id-1"); ok {
		t.Error("zero ttl must not create a permanent entry")
	}
}

func TestNop(t *testing.T) {
	var b Blocklist = Nop{}
	_ = b.Block(context.Background(), KindDevice, "d", time.Now(), time.Hour)
	if _, ok, _ := b.BlockedAt(context.Background(), KindDevice, "d"); ok {
		t.Error("Nop must never block")
	}
}

func TestRevokes(t *testing.T) {
	blocked := time.Date(2026, 5, 1, 10, 0, 0, 500_000_000, time.UTC)
	cases := []struct {
		issued time.Time
		want   bool
	}{
		{blocked.Add(-time.Hour), true},
		{time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), true},
		{blocked, true},
		{blocked.Add(time.Millisecond), false},
		{time.Date(2026, 5, 1, 10, 0, 1, 0, time.UTC), false},
	}
	for _, tc := range cases {
		if got := Revokes(blocked, tc.issued); got != tc.want {
			t.Errorf("Revokes(%v, %v) = %v, want %v", blocked, tc.issued, got, tc.want)
		}
	}
}

func TestRedis_BlockAndCheck(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set, skipping integration test")
	}
	ctx := context.Background()
	c, err := OpenRedis(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer c.Close()
	b := NewRedis(c)
	at := time.Now().UTC()
	if err := b.Block(ctx, KindDevice, "redis-dev", at, time.Minute); err != nil {
		t.Fatalf("Block: %v", err)
	}
	got, ok, err := b.BlockedAt(ctx, KindDevice, "redis-dev")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("BlockedAt = %v, %v, %v", got, ok, err)
	}
	if _, ok, _ := b.BlockedAt(ctx, KindDevice, "redis-missing"); ok {
		t.Error("missing key reported as blocked")
	}
}
