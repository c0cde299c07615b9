package camlog

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core)).Named("capture").With(String("camera", "0"))

	l.Info("frame persisted",
		Int("seq", 3),
		Duration("took", 5*time.Millisecond),
		Error(errors.New("boom")))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "capture" {
		t.Fatalf("expected logger name capture, got %q", e.LoggerName)
	}
	ctx := e.ContextMap()
	if ctx["camera"] != "0" {
		t.Fatalf("expected camera=0, got %v", ctx["camera"])
	}
	if ctx["seq"] != int64(3) {
		t.Fatalf("expected seq=3, got %v (%T)", ctx["seq"], ctx["seq"])
	}
	if ctx["error"] != "boom" {
		t.Fatalf("expected error=boom, got %v", ctx["error"])
	}
}

func TestNilErrorFieldIsSkipped(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	FromZap(zap.New(core)).Warn("no error", Error(nil))

	if _, ok := logs.All()[0].ContextMap()["error"]; ok {
		t.Fatal("nil error should not produce a field")
	}
}

func TestReplaceGlobal(t *testing.T) {
	prev := L()
	defer ReplaceGlobal(prev)

	core, logs := observer.New(zap.InfoLevel)
	ReplaceGlobal(FromZap(zap.New(core)))
	ReplaceGlobal(nil) // ignored

	L().Info("hello")
	if logs.Len() != 1 {
		t.Fatalf("expected global logger to be replaced, got %d entries", logs.Len())
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}
