package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for raw, expected := range cases {
		if got := ParseLevel(raw); got != expected {
			t.Fatalf("ParseLevel(%q) = %s, want %s", raw, got, expected)
		}
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer logger.Sync() //nolint:errcheck
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn to be enabled")
	}
}

func TestComponentNamesAndTagsEntries(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Component(zap.New(core).Named(ServiceName), "dispatch").Info("batch applied")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].LoggerName != "tempo.dispatch" {
		t.Fatalf("unexpected logger name %q", entries[0].LoggerName)
	}
	if entries[0].ContextMap()["component"] != "dispatch" {
		t.Fatalf("expected component field, got %v", entries[0].ContextMap())
	}

	Component(nil, "bus").Info("ignored")
}
