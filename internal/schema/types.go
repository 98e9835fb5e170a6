// Package schema defines the data model shared across the fetch engine.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kickradar/kickradar/errs"
)

// Outcome classifies the terminal result of one fetch attempt.
type Outcome string

const (
	// OutcomeSuccess indicates a payload was retrieved and parsed.
	OutcomeSuccess Outcome = "success"
	// OutcomeNotFound indicates the target no longer exists at the source.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeRateLimited indicates the source throttled the request.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeBlocked indicates the source refused the request.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeTimeout indicates the request exceeded its deadline.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeParseFailed indicates the payload resisted every extraction strategy.
	OutcomeParseFailed Outcome = "parse_failed"
	// OutcomeTransportError indicates a DNS/connection level failure.
	OutcomeTransportError Outcome = "transport_error"
)

// Outcomes lists every terminal outcome category.
func Outcomes() []Outcome {
	return []Outcome{
		OutcomeSuccess,
		OutcomeNotFound,
		OutcomeRateLimited,
		OutcomeBlocked,
		OutcomeTimeout,
		OutcomeParseFailed,
		OutcomeTransportError,
	}
}

// OutcomeFromError maps a structured fetch error to its outcome category.
func OutcomeFromError(err error) Outcome {
	switch errs.CodeOf(err) {
	case errs.CodeRateLimited:
		return OutcomeRateLimited
	case errs.CodeBlocked:
		return OutcomeBlocked
	case errs.CodeTimeout:
		return OutcomeTimeout
	case errs.CodeNotFound:
		return OutcomeNotFound
	case errs.CodeParseFailed:
		return OutcomeParseFailed
	default:
		return OutcomeTransportError
	}
}

// Target identifies one tracked item at one source, with optional user constraints.
type Target struct {
	ItemKey      string           `json:"itemKey"`
	Source       string           `json:"source"`
	URL          string           `json:"url"`
	PriceCeiling *decimal.Decimal `json:"priceCeiling,omitempty"`
}

// Validate rejects targets missing required coordinates.
func (t Target) Validate() error {
	if strings.TrimSpace(t.ItemKey) == "" {
		return errs.New(t.Source, errs.CodeInvalid, errs.WithMessage("target item key required"))
	}
	if strings.TrimSpace(t.Source) == "" {
		return errs.New(t.Source, errs.CodeInvalid, errs.WithMessage("target source required"))
	}
	if strings.TrimSpace(t.URL) == "" {
		return errs.New(t.Source, errs.CodeInvalid, errs.WithMessage("target url required"))
	}
	return nil
}

// FetchAttempt records one request/response cycle. Attempts are cycle-scoped
// and discarded after the Parser Chain and Health Monitor consume them.
type FetchAttempt struct {
	Source     string
	URL        string
	Timestamp  time.Time
	Elapsed    time.Duration
	Payload    []byte
	StatusCode int
	RetryAfter time.Duration
	Outcome    Outcome
}

// SizeDetail describes per-size stock for one observed product.
type SizeDetail struct {
	Size    string `json:"size"`
	InStock bool   `json:"inStock"`
}

// ParsedRecord is a normalized product observation produced by the Parser Chain.
type ParsedRecord struct {
	Source     string          `json:"source"`
	ItemKey    string          `json:"itemKey"`
	Title      string          `json:"title,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	Available  bool            `json:"available"`
	Sizes      []SizeDetail    `json:"sizes,omitempty"`
	Confidence float64         `json:"confidence"`
	Strategy   string          `json:"strategy"`
	ObservedAt time.Time       `json:"observedAt"`
}

// HasPrice reports whether the record carries a usable price.
func (r ParsedRecord) HasPrice() bool {
	return r.Price.IsPositive()
}

// Key returns the detector map key: records from different sources for the
// same item key collide on purpose so cross-source observations reconcile.
func (r ParsedRecord) Key() string {
	return r.ItemKey
}
