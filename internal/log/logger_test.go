package log

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"funding-arb/internal/config"
)

func TestComponentCore_PerComponentLevels(t *testing.T) {
	inner, logs := observer.New(zapcore.DebugLevel)
	core := newComponentCore(inner, zapcore.InfoLevel, map[string]zapcore.Level{
		"gate":      zapcore.WarnLevel,
		"execution": zapcore.DebugLevel,
	})
	root := zap.New(core)

	root.Named("gate").Info("dropped")
	root.Named("gate").Warn("kept: gate warn")
	root.Named("execution").Debug("kept: execution debug")
	root.Named("execution").Named("hedge").Debug("kept: nested name inherits")
	root.Named("scanner").Debug("dropped")
	root.Named("scanner").Info("kept: default level")
	root.With(zap.String("k", "v")).Named("gate").Info("dropped")

	got := logs.All()
	if len(got) != 4 {
		for _, e := range got {
			t.Logf("%s %s %s", e.LoggerName, e.Level, e.Message)
		}
		t.Fatalf("expected 4 entries, got %d", len(got))
	}
	for _, e := range got {
		if e.Message == "dropped" {
			t.Fatalf("entry from %s at %s should have been filtered", e.LoggerName, e.Level)
		}
	}
}

func TestNewLogger_RejectsBadLevels(t *testing.T) {
	if _, err := NewLogger(config.LoggingConfig{Level: "loud", Encoding: "json"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	_, err := NewLogger(config.LoggingConfig{
		Level:      "info",
		Encoding:   "json",
		Components: map[string]string{"gate": "chatty"},
	})
	if err == nil {
		t.Fatal("expected error for unknown component level")
	}
}

func TestNewLogger_WithComponents(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{
		Level:       "info",
		Encoding:    "json",
		OutputPaths: []string{"stdout"},
		Components:  map[string]string{"execution": "debug"},
	}, zap.Bool("dry_run", true))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if !logger.Named("execution").Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("core must admit debug so the execution component can log it")
	}
	if ce := logger.Named("risk").Check(zapcore.DebugLevel, "x"); ce != nil {
		t.Fatal("components without an override keep the default level")
	}
	if ce := logger.Named("execution").Check(zapcore.DebugLevel, "x"); ce == nil {
		t.Fatal("execution debug should be enabled")
	}
}
