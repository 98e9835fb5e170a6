package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kickradar/kickradar/config"
	"github.com/kickradar/kickradar/internal/schema"
)

const (
	paceMultiplierMax   = 8.0
	paceMultiplierGrow  = 2.0
	paceMultiplierDecay = 0.9
)

// Pacer throttles one source's requests. It layers a steady per-minute rate
// limit with a jittered inter-request delay, grows the delay when the origin
// pushes back with rate limiting, and honors Retry-After as a hard not-before
// gate shared by every worker on the source.
type Pacer struct {
	limiter *rate.Limiter

	mu         sync.Mutex
	rng        *rand.Rand
	cfg        config.PacingSettings
	multiplier float64
	notBefore  time.Time
	sleep      func(context.Context, time.Duration) error
}

// NewPacer builds a pacer from the source's effective pacing profile.
func NewPacer(cfg config.PacingSettings, seed int64) *Pacer {
	var limiter *rate.Limiter
	if cfg.PerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60.0), 1)
	}
	return &Pacer{
		limiter:    limiter,
		rng:        rand.New(rand.NewSource(seed)),
		cfg:        cfg,
		multiplier: 1.0,
		sleep:      sleepCtx,
	}
}

// Wait blocks until the next request may be issued: past any Retry-After
// gate, through the rate limiter, then a jittered delay scaled by the
// adaptive multiplier.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	gate := time.Until(p.notBefore)
	delay := p.jitteredDelay()
	sleep := p.sleep
	p.mu.Unlock()

	if gate > 0 {
		if err := sleep(ctx, gate); err != nil {
			return err
		}
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if delay > 0 {
		return sleep(ctx, delay)
	}
	return nil
}

// Observe feeds a terminal outcome back into the pacing loop. Rate-limit
// outcomes double the delay multiplier and arm the Retry-After gate;
// successes decay the multiplier back toward one.
func (p *Pacer) Observe(outcome schema.Outcome, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch outcome {
	case schema.OutcomeRateLimited:
		p.multiplier *= paceMultiplierGrow
		if p.multiplier > paceMultiplierMax {
			p.multiplier = paceMultiplierMax
		}
		if retryAfter > 0 {
			gate := time.Now().Add(retryAfter)
			if gate.After(p.notBefore) {
				p.notBefore = gate
			}
		}
	case schema.OutcomeSuccess, schema.OutcomeNotFound:
		p.multiplier *= paceMultiplierDecay
		if p.multiplier < 1.0 {
			p.multiplier = 1.0
		}
	}
}

// Multiplier reports the current adaptive delay scale.
func (p *Pacer) Multiplier() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.multiplier
}

func (p *Pacer) jitteredDelay() time.Duration {
	min, max := p.cfg.DelayMin, p.cfg.DelayMax
	if max <= min {
		return time.Duration(float64(min) * p.multiplier)
	}
	span := max - min
	base := min + time.Duration(p.rng.Int63n(int64(span)+1))
	return time.Duration(float64(base) * p.multiplier)
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
