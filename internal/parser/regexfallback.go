package parser

import (
	"regexp"
	"strings"

	"github.com/kickradar/kickradar/internal/schema"
)

// Regex is the last-resort strategy: pattern matching over raw text. It
// survives arbitrary markup changes but earns the lowest confidence grade.
type Regex struct{}

var (
	titleTagPattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	tagStripper     = regexp.MustCompile(`<[^>]+>`)

	inStockPhrases  = []string{"add to cart", "add to bag", "in stock", "buy now"}
	outStockPhrases = []string{"sold out", "out of stock", "coming soon", "notify me"}
)

// Name identifies the strategy in records and health metrics.
func (Regex) Name() string { return "regex" }

// Confidence reports the strategy's extraction reliability.
func (Regex) Confidence() float64 { return ConfidenceRegex }

// Extract scans the raw payload for a price token and stock phrases.
func (s Regex) Extract(payload []byte, _ schema.Target) (candidate, bool) {
	text := string(payload)
	cand := candidate{}

	if m := titleTagPattern.FindStringSubmatch(text); m != nil {
		cand.Title = strings.TrimSpace(tagStripper.ReplaceAllString(m[1], ""))
	}

	if m := pricePattern.FindString(text); m != "" {
		if price, ok := parsePrice(m); ok {
			cand.Price = price
		}
	}

	lower := strings.ToLower(text)
	for _, phrase := range outStockPhrases {
		if strings.Contains(lower, phrase) {
			cand.HasAvailable = true
			cand.Available = false
			break
		}
	}
	if !cand.HasAvailable {
		for _, phrase := range inStockPhrases {
			if strings.Contains(lower, phrase) {
				cand.HasAvailable = true
				cand.Available = true
				break
			}
		}
	}

	if !cand.Price.Present && !cand.HasAvailable {
		return candidate{}, false
	}
	return cand, true
}
