package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"identity-core/internal/device/domain"
	"identity-core/internal/platform/apperr"
	"identity-core/internal/security/blocklist"
	"identity-core/internal/store"
	"identity-core/internal/store/memory"
)

type revokerSpy struct {
	mu      sync.Mutex
	devices []string
}

func (s *revokerSpy) RevokeAllForDevice(_ context.Context, deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, deviceID)
	return 1, nil
}

func newRegistry(blocks blocklist.Blocklist) (*Registry, *revokerSpy) {
	spy := &revokerSpy{}
	r := NewRegistry(memory.New[domain.Device](domain.Collection, domain.Indexes...), spy, Config{
		Blocklist: blocks,
		AccessTTL: 15 * time.Minute,
	})
	return r, spy
}

func TestRegistry_RegisterOrTouchIsStable(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(nil)
	fp := domain.Fingerprint{Value: "fp-1", UserAgent: "curl/8", IP: "10.0.0.1"}

	first, err := r.RegisterOrTouch(ctx, "id-1", fp)
	if err != nil {
		t.Fatalf("RegisterOrTouch: %v", err)
	}
	fp.IP = "10.0.0.2"
	second, err := r.RegisterOrTouch(ctx, "id-1", fp)
	if err != nil {
		t.Fatalf("RegisterOrTouch again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("device ids differ: %s vs %s", first.ID, second.ID)
	}
	if second.IP != "10.0.0.2" || second.LastSeenAt == nil {
		t.Errorf("device not touched: %+v", second)
	}
	other, err := r.RegisterOrTouch(ctx, "id-2", fp)
	if err != nil {
		t.Fatalf("RegisterOrTouch other identity: %v", err)
	}
	if other.ID == first.ID {
		t.Error("fingerprint shared across identities")
	}
	list, err := r.ListByIdentity(ctx, "id-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByIdentity = %v, %v", list, err)
	}
}

func TestRegistry_RegisterOrTouchConcurrent(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(nil)
	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.RegisterOrTouch(ctx, "id-1", domain.Fingerprint{Value: "fp"})
			if err == nil {
				ids[i] = d.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id == "" || id != ids[0] {
			t.Fatalf("ids = %v, want one shared id", ids)
		}
	}
}

func TestRegistry_RegisterOrTouchValidates(t *testing.T) {
	r, _ := newRegistry(nil)
	if _, err := r.RegisterOrTouch(context.Background(), "id-1", domain.Fingerprint{Value: "  "}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("blank fingerprint err = %v", err)
	}
}

func TestRegistry_RevokeCascades(t *testing.T) {
	ctx := context.Background()
	blocks := blocklist.NewMemory(time.Minute)
	r, spy := newRegistry(blocks)
	d, _ := r.RegisterOrTouch(ctx, "id-1", domain.Fingerprint{Value: "fp"})

	if err := r.Revoke(ctx, d.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, _ := r.Get(ctx, d.ID)
	if !got.Revoked() || got.RevokedAt == nil {
		t.Fatalf("device not revoked: %+v", got)
	}
	if len(spy.devices) != 1 || spy.devices[0] != d.ID {
		t.Errorf("sessions revoked for %v", spy.devices)
	}
	if _, blocked, _ := blocks.BlockedAt(ctx, blocklist.KindDevice, d.ID); !blocked {
		t.Error("device not blocklisted")
	}

	if err := r.Revoke(ctx, d.ID); err != nil {
		t.Errorf("second Revoke: %v", err)
	}
	if err := r.Revoke(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing device err = %v", err)
	}

	back, err := r.RegisterOrTouch(ctx, "id-1", domain.Fingerprint{Value: "fp"})
	if err != nil {
		t.Fatalf("RegisterOrTouch after revoke: %v", err)
	}
	if back.ID != d.ID || back.Status != store.StatusActive || back.RevokedAt != nil {
		t.Errorf("device not reactivated: %+v", back)
	}
}
