// Package parser implements the layered extraction chain that turns raw
// payloads into graded-confidence product records.
package parser

import (
	"strings"
	"time"

	"github.com/kickradar/kickradar/errs"
	"github.com/kickradar/kickradar/internal/schema"
)

// Strategy is one pure extraction method. Extract inspects the payload and
// returns a candidate record; ok is false when the payload does not match.
// Strategies never perform I/O and never mutate the payload.
type Strategy interface {
	Name() string
	Confidence() float64
	Extract(payload []byte, target schema.Target) (candidate, bool)
}

// candidate is a partially-populated record plus presence flags, so the
// validation gate can distinguish "availability false" from "not extracted".
type candidate struct {
	Title        string
	Price        priceField
	HasAvailable bool
	Available    bool
	Sizes        []schema.SizeDetail
}

// Chain evaluates strategies in configured order, first match wins.
type Chain struct {
	source     string
	strategies []Strategy
	floor      float64
	clock      func() time.Time
}

// Default confidence per strategy, highest to lowest reliability. Tunable via
// NewNamed overrides; never consulted outside chain construction.
const (
	ConfidenceJSONLD     = 0.95
	ConfidenceScriptData = 0.85
	ConfidenceDOMSelect  = 0.70
	ConfidenceRegex      = 0.40
)

// NewNamed builds a chain from strategy identifiers as listed in a source
// descriptor. Unknown identifiers are a configuration error.
func NewNamed(source string, names []string, floor float64) (*Chain, error) {
	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "jsonld":
			strategies = append(strategies, JSONLD{})
		case "scriptdata":
			strategies = append(strategies, ScriptData{})
		case "domselect":
			strategies = append(strategies, DOMSelect{})
		case "regex":
			strategies = append(strategies, Regex{})
		default:
			return nil, errs.New(source, errs.CodeConfig,
				errs.WithMessage("unknown parser strategy "+name))
		}
	}
	return New(source, strategies, floor)
}

// New builds a chain from explicit strategies. The configured order must be
// monotonically non-increasing in confidence; anything else is a config error.
func New(source string, strategies []Strategy, floor float64) (*Chain, error) {
	if len(strategies) == 0 {
		return nil, errs.New(source, errs.CodeConfig, errs.WithMessage("empty strategy chain"))
	}
	if floor < 0 || floor > 1 {
		return nil, errs.New(source, errs.CodeConfig, errs.WithMessage("confidence floor must be in [0,1]"))
	}
	for i := 1; i < len(strategies); i++ {
		if strategies[i].Confidence() > strategies[i-1].Confidence() {
			return nil, errs.New(source, errs.CodeConfig,
				errs.WithMessage("strategy chain must be ordered by descending confidence"))
		}
	}
	return &Chain{
		source:     source,
		strategies: strategies,
		floor:      floor,
		clock:      time.Now,
	}, nil
}

// WithClock overrides observation timestamps, primarily for testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	if clock != nil {
		c.clock = clock
	}
	return c
}

// Parse runs the chain over the payload. The first strategy that matches,
// validates, and clears the confidence floor produces the record; later
// strategies are never invoked. When every strategy is exhausted the payload
// is reported as parse_failed.
func (c *Chain) Parse(payload []byte, target schema.Target) (schema.ParsedRecord, error) {
	if len(payload) == 0 {
		return schema.ParsedRecord{}, errs.New(c.source, errs.CodeParseFailed,
			errs.WithMessage("empty payload"))
	}
	for _, strat := range c.strategies {
		cand, ok := strat.Extract(payload, target)
		if !ok {
			continue
		}
		record, err := c.assemble(cand, strat, target)
		if err != nil {
			continue
		}
		if record.Confidence < c.floor {
			// Below the floor the record is treated as absent, not a change.
			continue
		}
		return record, nil
	}
	return schema.ParsedRecord{}, errs.New(c.source, errs.CodeParseFailed,
		errs.WithMessage("no strategy extracted a valid record"),
		errs.WithRemediation("review selectors for layout drift"))
}

// assemble applies the validation gate and normalizes the candidate.
func (c *Chain) assemble(cand candidate, strat Strategy, target schema.Target) (schema.ParsedRecord, error) {
	if !cand.Price.Present && !cand.HasAvailable {
		return schema.ParsedRecord{}, errs.New(c.source, errs.CodeParseFailed,
			errs.WithMessage("candidate carries neither price nor availability"))
	}
	if cand.Price.Present {
		if err := validatePrice(c.source, cand.Price); err != nil {
			return schema.ParsedRecord{}, err
		}
	}
	record := schema.ParsedRecord{
		Source:     target.Source,
		ItemKey:    target.ItemKey,
		Title:      strings.TrimSpace(cand.Title),
		Price:      cand.Price.Value,
		Currency:   cand.Price.Currency,
		Available:  cand.Available,
		Sizes:      cand.Sizes,
		Confidence: strat.Confidence(),
		Strategy:   strat.Name(),
		ObservedAt: c.clock(),
	}
	if record.Currency == "" && cand.Price.Present {
		record.Currency = "USD"
	}
	return record, nil
}
