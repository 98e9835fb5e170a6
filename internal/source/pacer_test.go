package source

import (
	"context"
	"testing"
	"time"

	"github.com/kickradar/kickradar/config"
	"github.com/kickradar/kickradar/internal/schema"
)

func newTestPacer(cfg config.PacingSettings) (*Pacer, *[]time.Duration) {
	p := NewPacer(cfg, 1)
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestPacerDelayWithinBounds(t *testing.T) {
	cfg := config.PacingSettings{DelayMin: 100 * time.Millisecond, DelayMax: 300 * time.Millisecond}
	p, slept := newTestPacer(cfg)
	for i := 0; i < 20; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if len(*slept) != 20 {
		t.Fatalf("sleeps = %d, want 20", len(*slept))
	}
	for _, d := range *slept {
		if d < cfg.DelayMin || d > cfg.DelayMax {
			t.Fatalf("delay %s outside [%s, %s]", d, cfg.DelayMin, cfg.DelayMax)
		}
	}
}

func TestPacerMultiplierGrowsOnRateLimit(t *testing.T) {
	p, _ := newTestPacer(config.PacingSettings{DelayMin: 100 * time.Millisecond, DelayMax: 100 * time.Millisecond})
	p.Observe(schema.OutcomeRateLimited, 0)
	p.Observe(schema.OutcomeRateLimited, 0)
	if got := p.Multiplier(); got != 4.0 {
		t.Fatalf("multiplier = %v, want 4.0", got)
	}
	for i := 0; i < 10; i++ {
		p.Observe(schema.OutcomeRateLimited, 0)
	}
	if got := p.Multiplier(); got != paceMultiplierMax {
		t.Fatalf("multiplier = %v, want ceiling %v", got, paceMultiplierMax)
	}
}

func TestPacerMultiplierDecaysOnSuccess(t *testing.T) {
	p, _ := newTestPacer(config.PacingSettings{})
	p.Observe(schema.OutcomeRateLimited, 0)
	before := p.Multiplier()
	p.Observe(schema.OutcomeSuccess, 0)
	after := p.Multiplier()
	if after >= before {
		t.Fatalf("multiplier did not decay: %v -> %v", before, after)
	}
	for i := 0; i < 100; i++ {
		p.Observe(schema.OutcomeSuccess, 0)
	}
	if got := p.Multiplier(); got != 1.0 {
		t.Fatalf("multiplier = %v, want floor 1.0", got)
	}
}

func TestPacerScalesDelayByMultiplier(t *testing.T) {
	p, slept := newTestPacer(config.PacingSettings{DelayMin: 100 * time.Millisecond, DelayMax: 100 * time.Millisecond})
	p.Observe(schema.OutcomeRateLimited, 0)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 200*time.Millisecond {
		t.Fatalf("slept %v, want one 200ms delay", *slept)
	}
}

func TestPacerHonorsRetryAfterGate(t *testing.T) {
	p, slept := newTestPacer(config.PacingSettings{})
	p.Observe(schema.OutcomeRateLimited, 5*time.Second)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(*slept) != 1 {
		t.Fatalf("sleeps = %d, want 1 gate sleep", len(*slept))
	}
	if (*slept)[0] < 4*time.Second || (*slept)[0] > 5*time.Second {
		t.Fatalf("gate sleep = %s, want close to 5s", (*slept)[0])
	}
}

func TestPacerNeutralOutcomesLeaveMultiplier(t *testing.T) {
	p, _ := newTestPacer(config.PacingSettings{})
	p.Observe(schema.OutcomeRateLimited, 0)
	before := p.Multiplier()
	p.Observe(schema.OutcomeParseFailed, 0)
	p.Observe(schema.OutcomeTimeout, 0)
	p.Observe(schema.OutcomeBlocked, 0)
	if got := p.Multiplier(); got != before {
		t.Fatalf("multiplier changed on neutral outcomes: %v -> %v", before, got)
	}
}

func TestPacerWaitCanceled(t *testing.T) {
	p := NewPacer(config.PacingSettings{DelayMin: time.Hour, DelayMax: time.Hour}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestPacerRateLimiterConfigured(t *testing.T) {
	p := NewPacer(config.PacingSettings{PerMinute: 120}, 1)
	if p.limiter == nil {
		t.Fatal("expected limiter when PerMinute set")
	}
	if p.limiter.Limit() != 2.0 {
		t.Fatalf("limit = %v, want 2 req/s", p.limiter.Limit())
	}
	p = NewPacer(config.PacingSettings{}, 1)
	if p.limiter != nil {
		t.Fatal("expected nil limiter when PerMinute unset")
	}
}
