package config

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/multierr"
)

func TestLoadPaperConfig(t *testing.T) {
	cfg, err := Load("../../configs/paper.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Venues) != 2 {
		t.Fatalf("expected two venues, got %d", len(cfg.Venues))
	}
	for _, v := range cfg.Venues {
		if v.Kind != VenueKindPaper {
			t.Fatalf("venue %s: expected paper kind, got %q", v.Name, v.Kind)
		}
		if v.Paper.Depth != 50 || v.Paper.MakerFill != 1 {
			t.Fatalf("venue %s: paper defaults not applied: %+v", v.Name, v.Paper)
		}
		if v.RateLimit.RatePerSecond != cfg.Gate.RatePerSecond || v.RateLimit.Burst != cfg.Gate.Burst {
			t.Fatalf("venue %s: rate limit should inherit gate defaults, got %+v", v.Name, v.RateLimit)
		}
	}
	if cfg.Venues[0].FundingInterval != time.Hour || cfg.Venues[1].FundingInterval != 8*time.Hour {
		t.Fatalf("unexpected funding intervals: %v %v", cfg.Venues[0].FundingInterval, cfg.Venues[1].FundingInterval)
	}
	if cfg.Execution.MakerTimeout != 45*time.Second || cfg.Resolver.FillLookback != 10*time.Minute {
		t.Fatalf("duration defaults not decoded: %+v", cfg.Execution)
	}
	if !cfg.DryRun() {
		t.Fatal("all-paper config should run in dry-run mode")
	}
	if !cfg.Strategy.Enabled || cfg.Strategy.ScanInterval != time.Minute {
		t.Fatalf("unexpected strategy config: %+v", cfg.Strategy)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateAggregatesProblems(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for empty config")
	}
	if n := len(multierr.Errors(errors.Unwrap(err))); n < 5 {
		t.Fatalf("expected every problem to be reported, got %d: %v", n, err)
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv("ARB_BINANCE_API_KEY", "key")
	t.Setenv("ARB_BINANCE_API_SECRET", "secret")

	cfg := &Config{Venues: []VenueConfig{{Name: "binance", Exchange: "binanceusdm", APIKey: "explicit"}}}
	applyVenueDefaults(cfg)

	v := cfg.Venues[0]
	if v.APIKey != "explicit" {
		t.Fatalf("configured key must win over env, got %q", v.APIKey)
	}
	if v.APISecret != "secret" {
		t.Fatalf("secret should come from env, got %q", v.APISecret)
	}
	if err := v.validate(0); err != nil {
		t.Fatalf("venue should validate with env credentials: %v", err)
	}
}
