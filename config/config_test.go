package config

import (
	"strings"
	"testing"
	"time"

	"github.com/kickradar/kickradar/errs"
)

func TestDefaultSources(t *testing.T) {
	cfg := Default()
	for _, name := range []string{"nike", "adidas", "footlocker"} {
		src, ok := cfg.Source(name)
		if !ok {
			t.Fatalf("default source %q missing", name)
		}
		if src.Breaker.FailureThreshold != 5 {
			t.Errorf("%s failure threshold = %d, want 5", name, src.Breaker.FailureThreshold)
		}
		if src.Health.MinSuccessRate != 0.8 {
			t.Errorf("%s min success rate = %v, want 0.8", name, src.Health.MinSuccessRate)
		}
		if len(src.Strategies) == 0 {
			t.Errorf("%s has no parser strategies", name)
		}
	}
	if cfg.Emergency.Enabled {
		t.Error("emergency mode must default off")
	}
}

func TestApplyClonesBase(t *testing.T) {
	base := Default()
	custom := DefaultSource("finishline")
	derived := Apply(base, WithSource(custom), WithGlobalConcurrency(4))

	if _, ok := base.Source("finishline"); ok {
		t.Fatal("Apply mutated the base settings")
	}
	if _, ok := derived.Source("finishline"); !ok {
		t.Fatal("derived settings missing installed source")
	}
	if derived.Engine.GlobalConcurrency != 4 {
		t.Fatalf("global concurrency = %d, want 4", derived.Engine.GlobalConcurrency)
	}
}

func TestSourceReturnsClone(t *testing.T) {
	cfg := Default()
	src, _ := cfg.Source("nike")
	src.Strategies[0] = "mutated"

	again, _ := cfg.Source("nike")
	if again.Strategies[0] == "mutated" {
		t.Fatal("Source returned shared slice instead of a clone")
	}
}

func TestEffectivePacingEmergencyOverlay(t *testing.T) {
	cfg := Apply(Default(), WithEmergencyMode(true))
	normal, _ := Default().EffectivePacing("nike")
	slowed, ok := cfg.EffectivePacing("nike")
	if !ok {
		t.Fatal("expected pacing for nike")
	}
	if slowed.DelayMin != time.Duration(float64(normal.DelayMin)*cfg.Emergency.PacingMultiplier) {
		t.Fatalf("delayMin = %v, want %v scaled by %v", slowed.DelayMin, normal.DelayMin, cfg.Emergency.PacingMultiplier)
	}
	if slowed.MaxConcurrent >= normal.MaxConcurrent {
		t.Fatalf("emergency mode should reduce concurrency: %d vs %d", slowed.MaxConcurrent, normal.MaxConcurrent)
	}
	if slowed.MaxConcurrent < 1 {
		t.Fatal("concurrency floor is 1")
	}
}

func TestParseAppliesDefaultsAndValidates(t *testing.T) {
	doc := `
environment: staging
engine:
  globalConcurrency: 6
sources:
  - name: Nike
    pacing:
      delayMin: 2s
      delayMax: 5s
  - name: stockx
    evasion:
      fetcher: browser
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	nike, ok := cfg.Source("nike")
	if !ok {
		t.Fatal("nike missing after parse")
	}
	if nike.Pacing.DelayMin != 2*time.Second {
		t.Fatalf("delayMin = %v", nike.Pacing.DelayMin)
	}
	if nike.Breaker.FailureThreshold != 5 {
		t.Fatal("defaults not merged into file source")
	}
	stockx, _ := cfg.Source("stockx")
	if stockx.Evasion.Fetcher != FetcherBrowser {
		t.Fatalf("fetcher = %q, want browser", stockx.Evasion.Fetcher)
	}
}

func TestParseRejectsMalformedSources(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"empty name", "sources:\n  - name: \"\"\n"},
		{"bad fetcher", "sources:\n  - name: nike\n    evasion:\n      fetcher: carrier-pigeon\n"},
		{"inverted delays", "sources:\n  - name: nike\n    pacing:\n      delayMin: 10s\n      delayMax: 2s\n"},
		{"excessive retries", "sources:\n  - name: nike\n    retry:\n      maxAttempts: 9\n"},
		{"unknown key", "sources:\n  - name: nike\n    bogus: true\n"},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.doc)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, loaded, err := LoadOrDefault("does/not/exist.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if loaded {
		t.Fatal("loaded should be false for missing file")
	}
	if len(cfg.Sources) == 0 {
		t.Fatal("expected default sources")
	}
}

func TestParseErrorCarriesConfigCode(t *testing.T) {
	_, err := Parse([]byte("sources:\n  - name: \"\"\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errs.IsCode(err, errs.CodeConfig) {
		t.Fatalf("error = %v, want config code", err)
	}
	if !strings.Contains(err.Error(), "source name required") {
		t.Fatalf("unexpected message: %v", err)
	}
}
