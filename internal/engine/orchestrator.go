// Package engine schedules fetch cycles across sources, threading every
// attempt through pacing, circuit breaking, retries, parsing, and change
// detection.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kickradar/kickradar/config"
	"github.com/kickradar/kickradar/internal/breaker"
	"github.com/kickradar/kickradar/internal/changes"
	"github.com/kickradar/kickradar/internal/health"
	"github.com/kickradar/kickradar/internal/observability"
	"github.com/kickradar/kickradar/internal/parser"
	"github.com/kickradar/kickradar/internal/retry"
	"github.com/kickradar/kickradar/internal/schema"
	"github.com/kickradar/kickradar/internal/source"
)

// SourceReport aggregates one source's outcomes for a cycle.
type SourceReport struct {
	Outcomes map[schema.Outcome]int
	Skipped  int
	Events   int
}

// CycleReport summarizes one orchestrator cycle.
type CycleReport struct {
	Started  time.Time
	Finished time.Time
	Sources  map[string]*SourceReport
}

// Events totals change events emitted across all sources.
func (r CycleReport) Events() int {
	total := 0
	for _, src := range r.Sources {
		total += src.Events
	}
	return total
}

// Outcomes totals one outcome category across all sources.
func (r CycleReport) Outcomes(outcome schema.Outcome) int {
	total := 0
	for _, src := range r.Sources {
		total += src.Outcomes[outcome]
	}
	return total
}

// newSourceReport pre-fills every outcome category so report consumers see
// explicit zero counts instead of missing keys.
func newSourceReport() *SourceReport {
	outcomes := make(map[schema.Outcome]int, len(schema.Outcomes()))
	for _, outcome := range schema.Outcomes() {
		outcomes[outcome] = 0
	}
	return &SourceReport{Outcomes: outcomes}
}

type sourceRuntime struct {
	cfg     config.SourceSettings
	fetcher source.Fetcher
	pacer   *source.Pacer
	chain   *parser.Chain
	policy  retry.Policy
	slots   chan struct{}
}

// Orchestrator owns per-source fetch pipelines and runs them as bounded
// parallel cycles. State that must survive across cycles lives in the
// breaker registry, health monitor, and change detector it is built with.
type Orchestrator struct {
	settings   config.Settings
	breakers   *breaker.Registry
	health     *health.Monitor
	detector   *changes.Detector
	dispatcher *changes.Dispatcher
	runtimes   map[string]*sourceRuntime
	clock      func() time.Time
	sleep      func(context.Context, time.Duration) error

	mu          sync.Mutex
	lastTargets map[string]schema.Target
}

// Option adjusts orchestrator construction, mainly for tests.
type Option func(*Orchestrator)

// WithFetcher replaces the fetcher for one source.
func WithFetcher(sourceName string, f source.Fetcher) Option {
	return func(o *Orchestrator) {
		if rt := o.runtimes[sourceName]; rt != nil {
			rt.fetcher = f
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// WithSleep overrides retry-delay sleeping.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// New wires an orchestrator for every enabled source in settings. Shared
// state components are passed in so status surfaces can read them directly.
func New(
	settings config.Settings,
	breakers *breaker.Registry,
	monitor *health.Monitor,
	detector *changes.Detector,
	dispatcher *changes.Dispatcher,
	opts ...Option,
) (*Orchestrator, error) {
	o := &Orchestrator{
		settings:    settings,
		breakers:    breakers,
		health:      monitor,
		detector:    detector,
		dispatcher:  dispatcher,
		runtimes:    make(map[string]*sourceRuntime),
		clock:       time.Now,
		sleep:       sleepCtx,
		lastTargets: make(map[string]schema.Target),
	}

	var browser *source.BrowserFetcher
	seed := time.Now().UnixNano()
	for name, cfg := range settings.Sources {
		if !cfg.Enabled {
			continue
		}
		chain, err := parser.NewNamed(name, cfg.Strategies, cfg.ConfidenceFloor)
		if err != nil {
			return nil, err
		}

		var fetcher source.Fetcher
		switch cfg.Evasion.Fetcher {
		case config.FetcherBrowser:
			if browser == nil {
				browser = source.NewBrowserFetcher()
			}
			fetcher = browser.WithTimeout(cfg.Timeout)
		default:
			fetcher = source.NewHTTPFetcher(nil, source.NewIdentity(cfg.Evasion, seed)).
				WithTimeout(cfg.Timeout)
		}
		seed++

		pacing, _ := settings.EffectivePacing(name)
		maxConcurrent := pacing.MaxConcurrent
		if maxConcurrent < 1 {
			maxConcurrent = 1
		}
		o.runtimes[name] = &sourceRuntime{
			cfg:     cfg,
			fetcher: fetcher,
			pacer:   source.NewPacer(pacing, seed),
			chain:   chain,
			policy:  retry.NewPolicy(cfg.Retry),
			slots:   make(chan struct{}, maxConcurrent),
		}
	}

	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Sources lists the orchestrated source names, sorted.
func (o *Orchestrator) Sources() []string {
	names := make([]string, 0, len(o.runtimes))
	for name := range o.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunCycle fetches every target once, bounded by the per-source and global
// concurrency ceilings and the cycle's wall-clock budget. Each target
// produces exactly one terminal outcome, reported to the breaker and the
// health monitor before the cycle returns.
func (o *Orchestrator) RunCycle(ctx context.Context, targets []schema.Target) CycleReport {
	report := CycleReport{Started: o.clock(), Sources: make(map[string]*SourceReport)}

	if budget := o.settings.Engine.CycleBudget; budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	globalCeiling := o.settings.Engine.GlobalConcurrency
	if globalCeiling < 1 {
		globalCeiling = 1
	}
	p := pool.New().WithMaxGoroutines(globalCeiling)

	var mu sync.Mutex
	record := func(sourceName string, apply func(*SourceReport)) {
		mu.Lock()
		defer mu.Unlock()
		src := report.Sources[sourceName]
		if src == nil {
			src = newSourceReport()
			report.Sources[sourceName] = src
		}
		apply(src)
	}

	for _, target := range targets {
		target := target
		if err := target.Validate(); err != nil {
			observability.Log().Error("dropping invalid target",
				observability.String("item", target.ItemKey),
				observability.Any("error", err))
			continue
		}
		rt := o.runtimes[target.Source]
		if rt == nil {
			observability.Log().Error("dropping target for unconfigured source",
				observability.String("item", target.ItemKey),
				observability.String("source", target.Source))
			continue
		}
		o.rememberTarget(target)

		p.Go(func() {
			if !o.breakers.Allow(target.Source) {
				record(target.Source, func(src *SourceReport) { src.Skipped++ })
				return
			}

			outcome, latency, events := o.fetchTarget(ctx, rt, target)
			o.breakers.Report(target.Source, outcome)
			o.health.Record(target.Source, outcome, latency)
			observability.Telemetry().IncCounter(observability.MetricFetchOutcomes, 1,
				map[string]string{"source": target.Source, "outcome": string(outcome)})
			observability.Telemetry().ObserveHistogram(observability.MetricFetchLatency,
				latency.Seconds(), map[string]string{"source": target.Source})

			record(target.Source, func(src *SourceReport) {
				src.Outcomes[outcome]++
				src.Events += events
			})
		})
	}
	p.Wait()

	report.Finished = o.clock()
	observability.Telemetry().ObserveHistogram(observability.MetricCycleDuration,
		report.Finished.Sub(report.Started).Seconds(), nil)
	return report
}

// fetchTarget drives one target to a single terminal outcome: paced fetch,
// in-cycle retries for transient failures, then parsing and change
// detection on success.
func (o *Orchestrator) fetchTarget(ctx context.Context, rt *sourceRuntime, target schema.Target) (schema.Outcome, time.Duration, int) {
	select {
	case rt.slots <- struct{}{}:
		defer func() { <-rt.slots }()
	case <-ctx.Done():
		return schema.OutcomeTimeout, 0, 0
	}

	seq := rt.policy.Start()
	var attempt schema.FetchAttempt
	for {
		if err := rt.pacer.Wait(ctx); err != nil {
			return schema.OutcomeTimeout, attempt.Elapsed, 0
		}

		var err error
		attempt, err = rt.fetcher.Fetch(ctx, target)
		rt.pacer.Observe(attempt.Outcome, attempt.RetryAfter)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return schema.OutcomeTimeout, attempt.Elapsed, 0
		}

		delay, again := seq.Next(attempt.Outcome)
		if !again {
			return attempt.Outcome, attempt.Elapsed, 0
		}
		observability.Log().Debug("retrying transient failure",
			observability.String("item", target.ItemKey),
			observability.String("outcome", string(attempt.Outcome)),
			observability.Any("delay", delay))
		if err := o.sleep(ctx, delay); err != nil {
			return schema.OutcomeTimeout, attempt.Elapsed, 0
		}
	}

	record, err := rt.chain.Parse(attempt.Payload, target)
	if err != nil {
		observability.Log().Debug("payload extraction failed",
			observability.String("item", target.ItemKey),
			observability.String("source", target.Source),
			observability.Any("error", err))
		return schema.OutcomeParseFailed, attempt.Elapsed, 0
	}

	events := 0
	event, err := o.detector.Observe(ctx, record)
	if err != nil {
		observability.Log().Error("change detection failed",
			observability.String("item", target.ItemKey),
			observability.Any("error", err))
	} else if event != nil {
		events = 1
		o.dispatcher.Dispatch(ctx, target, *event)
	}
	return schema.OutcomeSuccess, attempt.Elapsed, events
}

// ProbeDown issues one out-of-cycle trial fetch for each source that has
// been down past persist, subject to the breaker's half-open admission. The
// result feeds back into breaker and health state like any other outcome.
func (o *Orchestrator) ProbeDown(ctx context.Context, persist time.Duration) map[string]schema.Outcome {
	results := make(map[string]schema.Outcome)
	for _, sourceName := range o.health.ProbeCandidates(persist) {
		rt := o.runtimes[sourceName]
		if rt == nil {
			continue
		}
		target, ok := o.recallTarget(sourceName)
		if !ok {
			continue
		}
		if !o.breakers.Allow(sourceName) {
			continue
		}
		outcome, latency, _ := o.fetchTarget(ctx, rt, target)
		o.breakers.Report(sourceName, outcome)
		o.health.Record(sourceName, outcome, latency)
		results[sourceName] = outcome
		observability.Log().Info("recovery probe completed",
			observability.String("source", sourceName),
			observability.String("outcome", string(outcome)))
	}
	return results
}

func (o *Orchestrator) rememberTarget(target schema.Target) {
	o.mu.Lock()
	o.lastTargets[target.Source] = target
	o.mu.Unlock()
}

func (o *Orchestrator) recallTarget(sourceName string) (schema.Target, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	target, ok := o.lastTargets[sourceName]
	return target, ok
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
