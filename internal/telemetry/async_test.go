package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recordingEmitter implements EventEmitter for tests.
type recordingEmitter struct {
	mu      sync.Mutex
	events  []*SecurityEvent
	emitErr error
	done    chan struct{}
}

func newRecordingEmitter(err error) *recordingEmitter {
	return &recordingEmitter{emitErr: err, done: make(chan struct{}, 8)}
}

func (r *recordingEmitter) Emit(ctx context.Context, event *SecurityEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.done <- struct{}{}
	return r.emitErr
}

func (r *recordingEmitter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit was not called")
	}
}

func TestEmitAsync_NilEmitterOrEvent(t *testing.T) {
	EmitAsync(context.Background(), nil, &SecurityEvent{Type: EventTokenReuse}, nil)
	em := newRecordingEmitter(nil)
	EmitAsync(context.Background(), em, nil, nil)
	select {
	case <-em.done:
		t.Fatal("emit called for nil event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitAsync_StampsAndSurvivesCancel(t *testing.T) {
	em := newRecordingEmitter(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	EmitAsync(ctx, em, &SecurityEvent{Type: EventTokenReuse, IdentityID: "i1"}, nil)
	em.wait(t)

	em.mu.Lock()
	defer em.mu.Unlock()
	if len(em.events) != 1 || em.events[0].OccurredAt.IsZero() {
		t.Fatalf("events = %+v", em.events)
	}
}

func TestEmitAsync_LogsFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	em := newRecordingEmitter(errors.New("broker down"))
	EmitAsync(context.Background(), em, &SecurityEvent{Type: EventDeviceRevoked}, zap.New(core))
	em.wait(t)

	deadline := time.Now().Add(2 * time.Second)
	for logs.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if logs.Len() != 1 {
		t.Fatalf("warn entries = %d, want 1", logs.Len())
	}
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := newRecordingEmitter(nil)
	bad := newRecordingEmitter(errors.New("nope"))
	err := Multi{ok, nil, bad}.Emit(context.Background(), &SecurityEvent{Type: EventLoginFailed})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.events) != 1 || len(bad.events) != 1 {
		t.Errorf("fan-out incomplete: %d, %d", len(ok.events), len(bad.events))
	}
	if err := (Nop{}).Emit(context.Background(), nil); err != nil {
		t.Errorf("Nop: %v", err)
	}
}
