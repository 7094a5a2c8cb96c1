package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Envs(t *testing.T) {
	for _, env := range []string{"dev", "prod", ""} {
		l, err := New(Config{Env: env, Level: "debug", ServiceName: "identity-core", Version: "test"})
		if err != nil {
			t.Fatalf("New(%q): %v", env, err)
		}
		if !l.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("env %q: debug should be enabled", env)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFrom(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	scoped := zap.New(core).With(RequestID("r1"))
	ctx := ToContext(context.Background(), scoped)

	From(ctx, nil).Info("hello")
	if logs.Len() != 1 {
		t.Fatalf("logged %d entries, want 1", logs.Len())
	}
	if got := logs.All()[0].ContextMap()["request_id"]; got != "r1" {
		t.Errorf("request_id = %v", got)
	}

	fallback := zap.New(core)
	if From(context.Background(), fallback) != fallback {
		t.Error("From should return fallback when ctx has no logger")
	}
	if From(context.Background(), nil) == nil {
		t.Error("From should never return nil")
	}
}
