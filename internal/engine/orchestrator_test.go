package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kickradar/kickradar/config"
	"github.com/kickradar/kickradar/errs"
	"github.com/kickradar/kickradar/internal/breaker"
	"github.com/kickradar/kickradar/internal/changes"
	"github.com/kickradar/kickradar/internal/health"
	"github.com/kickradar/kickradar/internal/schema"
)

// scriptedFetcher serves canned outcomes per item key, in order, repeating
// the last entry once the script is exhausted.
type scriptedFetcher struct {
	mu      sync.Mutex
	scripts map[string][]schema.Outcome
	served  map[string]int
	payload []byte
	delay   time.Duration
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		scripts: make(map[string][]schema.Outcome),
		served:  make(map[string]int),
		payload: []byte(`<html><p class="product-price">$210.00</p><h1 class="product-title">AJ4</h1><button class="add-to-cart">Add to Cart</button></html>`),
	}
}

func (f *scriptedFetcher) script(itemKey string, outcomes ...schema.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[itemKey] = outcomes
}

func (f *scriptedFetcher) calls(itemKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.served[itemKey]
}

func (f *scriptedFetcher) Fetch(ctx context.Context, target schema.Target) (schema.FetchAttempt, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return schema.FetchAttempt{Source: target.Source, URL: target.URL, Outcome: schema.OutcomeTimeout},
				errs.New(target.Source, errs.CodeTimeout)
		}
	}

	f.mu.Lock()
	script := f.scripts[target.ItemKey]
	idx := f.served[target.ItemKey]
	f.served[target.ItemKey]++
	f.mu.Unlock()

	outcome := schema.OutcomeSuccess
	if len(script) > 0 {
		if idx >= len(script) {
			idx = len(script) - 1
		}
		outcome = script[idx]
	}

	attempt := schema.FetchAttempt{
		Source:    target.Source,
		URL:       target.URL,
		Timestamp: time.Now(),
		Elapsed:   5 * time.Millisecond,
		Outcome:   outcome,
	}
	switch outcome {
	case schema.OutcomeSuccess:
		attempt.StatusCode = 200
		attempt.Payload = f.payload
		return attempt, nil
	case schema.OutcomeRateLimited:
		attempt.StatusCode = 429
		return attempt, errs.New(target.Source, errs.CodeRateLimited)
	case schema.OutcomeBlocked:
		attempt.StatusCode = 403
		return attempt, errs.New(target.Source, errs.CodeBlocked)
	case schema.OutcomeNotFound:
		attempt.StatusCode = 404
		return attempt, errs.New(target.Source, errs.CodeNotFound)
	case schema.OutcomeTimeout:
		return attempt, errs.New(target.Source, errs.CodeTimeout)
	default:
		return attempt, errs.New(target.Source, errs.CodeNetwork)
	}
}

func testConfig(sourceName string) config.Settings {
	src := config.DefaultSource(sourceName)
	src.Pacing.DelayMin = 0
	src.Pacing.DelayMax = 0
	src.Pacing.PerMinute = 0
	src.Strategies = []string{"domselect", "regex"}
	src.ConfidenceFloor = 0.3
	return config.Apply(config.Default(), config.WithSource(src))
}

type harness struct {
	orch     *Orchestrator
	fetcher  *scriptedFetcher
	breakers *breaker.Registry
	monitor  *health.Monitor
	store    *changes.MemoryStore
	captured *captureSink
}

type captureSink struct {
	mu     sync.Mutex
	events []schema.ChangeEvent
}

func (c *captureSink) Name() string {
	return "capture"
}

func (c *captureSink) Deliver(_ context.Context, event schema.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newHarness(t *testing.T, sourceName string) *harness {
	t.Helper()
	settings := testConfig(sourceName)

	breakers := breaker.NewRegistry(func(name string) config.BreakerSettings {
		cfg, _ := settings.Source(name)
		return cfg.Breaker
	})
	monitor := health.NewMonitor(func(name string) config.HealthSettings {
		cfg, _ := settings.Source(name)
		return cfg.Health
	}, breakers)
	store := changes.NewMemoryStore()
	sink := &captureSink{}
	fetcher := newScriptedFetcher()

	orch, err := New(settings, breakers, monitor,
		changes.NewDetector(store),
		changes.NewDispatcher([]changes.Subscriber{sink}, 2),
		WithFetcher(sourceName, fetcher),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &harness{orch: orch, fetcher: fetcher, breakers: breakers, monitor: monitor, store: store, captured: sink}
}

func target(sourceName, itemKey string) schema.Target {
	return schema.Target{ItemKey: itemKey, Source: sourceName, URL: "https://example.test/" + itemKey}
}

func TestRunCycleSuccessEmitsEvent(t *testing.T) {
	h := newHarness(t, "nike")
	report := h.orch.RunCycle(context.Background(), []schema.Target{target("nike", "aj4")})

	if got := report.Outcomes(schema.OutcomeSuccess); got != 1 {
		t.Fatalf("successes = %d, want 1", got)
	}
	if h.captured.count() != 1 {
		t.Fatalf("events delivered = %d, want 1 newly_observed", h.captured.count())
	}
	if report.Events() != 1 {
		t.Fatalf("report events = %d", report.Events())
	}
}

func TestSourceReportZeroFillsOutcomeCategories(t *testing.T) {
	h := newHarness(t, "nike")
	report := h.orch.RunCycle(context.Background(), []schema.Target{target("nike", "aj4")})

	src := report.Sources["nike"]
	if src == nil {
		t.Fatal("missing nike source report")
	}
	for _, outcome := range schema.Outcomes() {
		if _, ok := src.Outcomes[outcome]; !ok {
			t.Fatalf("outcome %s missing from report", outcome)
		}
	}
	if src.Outcomes[schema.OutcomeBlocked] != 0 {
		t.Fatalf("blocked = %d, want explicit zero", src.Outcomes[schema.OutcomeBlocked])
	}
}

func TestRunCycleRepeatObservationIsSilent(t *testing.T) {
	h := newHarness(t, "nike")
	targets := []schema.Target{target("nike", "aj4")}
	h.orch.RunCycle(context.Background(), targets)
	report := h.orch.RunCycle(context.Background(), targets)

	if h.captured.count() != 1 {
		t.Fatalf("events delivered = %d, want 1 across both cycles", h.captured.count())
	}
	if got := report.Outcomes(schema.OutcomeSuccess); got != 1 {
		t.Fatalf("second cycle successes = %d", got)
	}
}

func TestRetryableTimeoutThenSuccessCountsOnce(t *testing.T) {
	h := newHarness(t, "nike")
	h.fetcher.script("aj4", schema.OutcomeTimeout, schema.OutcomeSuccess)

	report := h.orch.RunCycle(context.Background(), []schema.Target{target("nike", "aj4")})
	if got := report.Outcomes(schema.OutcomeSuccess); got != 1 {
		t.Fatalf("successes = %d, want 1", got)
	}
	if got := report.Outcomes(schema.OutcomeTimeout); got != 0 {
		t.Fatalf("timeouts = %d, want 0; retry must fold into one terminal outcome", got)
	}
	if h.fetcher.calls("aj4") != 2 {
		t.Fatalf("fetch calls = %d, want 2", h.fetcher.calls("aj4"))
	}
	snap := h.monitor.Snapshot("nike")
	if snap.Attempts != 1 || snap.SuccessRate != 1.0 {
		t.Fatalf("health recorded %d attempts at rate %v, want one success", snap.Attempts, snap.SuccessRate)
	}
}

func TestRateLimitedNeverRetriedWithinCycle(t *testing.T) {
	h := newHarness(t, "nike")
	h.fetcher.script("aj4", schema.OutcomeRateLimited, schema.OutcomeSuccess)

	report := h.orch.RunCycle(context.Background(), []schema.Target{target("nike", "aj4")})
	if got := report.Outcomes(schema.OutcomeRateLimited); got != 1 {
		t.Fatalf("rate_limited = %d, want 1", got)
	}
	if h.fetcher.calls("aj4") != 1 {
		t.Fatalf("fetch calls = %d, want 1; rate limiting must not retry", h.fetcher.calls("aj4"))
	}
}

func TestBreakerOpensAndSkipsFurtherFetches(t *testing.T) {
	h := newHarness(t, "adidas")
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("item-%d", i)
		h.fetcher.script(key, schema.OutcomeRateLimited)
		h.orch.RunCycle(context.Background(), []schema.Target{target("adidas", key)})
	}
	if states := h.breakers.States(); states["adidas"] != breaker.Open {
		t.Fatalf("breaker state = %s, want open after threshold", states["adidas"])
	}

	h.fetcher.script("item-6", schema.OutcomeSuccess)
	report := h.orch.RunCycle(context.Background(), []schema.Target{target("adidas", "item-6")})
	if h.fetcher.calls("item-6") != 0 {
		t.Fatal("fetch issued while breaker open")
	}
	if report.Sources["adidas"].Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", report.Sources["adidas"].Skipped)
	}
}

func TestParseFailureCountedSeparately(t *testing.T) {
	h := newHarness(t, "nike")
	h.fetcher.payload = []byte(`<html><div>nothing extractable here</div></html>`)

	report := h.orch.RunCycle(context.Background(), []schema.Target{target("nike", "aj4")})
	if got := report.Outcomes(schema.OutcomeParseFailed); got != 1 {
		t.Fatalf("parse_failed = %d, want 1", got)
	}
	// Layout drift is not a fetch failure: the breaker stays closed.
	if states := h.breakers.States(); states["nike"] != breaker.Closed {
		t.Fatalf("breaker state = %s, want closed", states["nike"])
	}
}

func TestCycleBudgetCancelsOutstandingFetches(t *testing.T) {
	src := config.DefaultSource("nike")
	src.Pacing.DelayMin = 0
	src.Pacing.DelayMax = 0
	src.Pacing.PerMinute = 0
	src.Strategies = []string{"regex"}
	src.ConfidenceFloor = 0.3
	settings := config.Apply(config.Default(), config.WithSource(src))
	settings.Engine.CycleBudget = 30 * time.Millisecond

	breakers := breaker.NewRegistry(func(name string) config.BreakerSettings {
		cfg, _ := settings.Source(name)
		return cfg.Breaker
	})
	monitor := health.NewMonitor(func(name string) config.HealthSettings {
		cfg, _ := settings.Source(name)
		return cfg.Health
	}, breakers)
	fetcher := newScriptedFetcher()
	fetcher.delay = 500 * time.Millisecond

	orch, err := New(settings, breakers, monitor,
		changes.NewDetector(changes.NewMemoryStore()),
		changes.NewDispatcher(nil, 1),
		WithFetcher("nike", fetcher),
	)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	start := time.Now()
	report := orch.RunCycle(context.Background(), []schema.Target{target("nike", "slow")})
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("cycle overran budget: %s", elapsed)
	}
	if got := report.Outcomes(schema.OutcomeTimeout); got != 1 {
		t.Fatalf("timeouts = %d, want the cancelled fetch counted as timeout", got)
	}
}

func TestRunCycleDropsUnknownSourceAndInvalidTargets(t *testing.T) {
	h := newHarness(t, "nike")
	report := h.orch.RunCycle(context.Background(), []schema.Target{
		{ItemKey: "aj4", Source: "unknown-shop", URL: "https://example.test/aj4"},
		{ItemKey: "", Source: "nike", URL: "https://example.test/x"},
	})
	if len(report.Sources) != 0 {
		t.Fatalf("report sources = %+v, want none", report.Sources)
	}
}

func TestProbeDownReportsTrialOutcome(t *testing.T) {
	h := newHarness(t, "nike")
	h.fetcher.script("aj4", schema.OutcomeTimeout)
	// Drive the source down: timeouts dominate the window and trip the breaker.
	for i := 0; i < 10; i++ {
		h.orch.RunCycle(context.Background(), []schema.Target{target("nike", "aj4")})
	}
	if h.monitor.Snapshot("nike").Class != health.ClassDown {
		t.Fatalf("class = %s, want down", h.monitor.Snapshot("nike").Class)
	}

	// A probe before the breaker cooldown elapses is refused admission.
	if results := h.orch.ProbeDown(context.Background(), 0); len(results) != 0 {
		t.Fatalf("probe results = %+v, want none while breaker open", results)
	}
}

func TestOrchestratorSources(t *testing.T) {
	h := newHarness(t, "nike")
	sources := h.orch.Sources()
	if len(sources) == 0 {
		t.Fatal("expected configured sources")
	}
	for i := 1; i < len(sources); i++ {
		if sources[i-1] >= sources[i] {
			t.Fatalf("sources not sorted: %v", sources)
		}
	}
}
