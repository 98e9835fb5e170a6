package parser

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kickradar/kickradar/errs"
)

// priceField carries an extracted price with an explicit presence flag.
type priceField struct {
	Present  bool
	Value    decimal.Decimal
	Currency string
}

// priceCeiling bounds currency-plausible sneaker prices. Anything above is
// treated as extraction noise (concatenated digits, cents-as-dollars, etc.).
var priceCeiling = decimal.NewFromInt(100000)

var currencySymbols = map[string]string{
	"$": "USD",
	"£": "GBP",
	"€": "EUR",
	"¥": "JPY",
}

var pricePattern = regexp.MustCompile(`([$£€¥])\s*([0-9]+(?:,[0-9]{3})*(?:\.[0-9]{1,2})?)`)

// parsePrice normalizes a textual price into a decimal with currency tag.
func parsePrice(text string) (priceField, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return priceField{}, false
	}
	currency := ""
	if m := pricePattern.FindStringSubmatch(text); m != nil {
		currency = currencySymbols[m[1]]
		text = m[2]
	}
	text = strings.ReplaceAll(text, ",", "")
	text = strings.TrimFunc(text, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	value, err := decimal.NewFromString(text)
	if err != nil {
		return priceField{}, false
	}
	return priceField{Present: true, Value: value, Currency: currency}, true
}

// parsePriceAny accepts the JSON shapes price fields show up in.
func parsePriceAny(raw any) (priceField, bool) {
	switch v := raw.(type) {
	case string:
		return parsePrice(v)
	case float64:
		return priceField{Present: true, Value: decimal.NewFromFloat(v)}, true
	case int:
		return priceField{Present: true, Value: decimal.NewFromInt(int64(v))}, true
	case int64:
		return priceField{Present: true, Value: decimal.NewFromInt(v)}, true
	default:
		return priceField{}, false
	}
}

// validatePrice enforces the currency-plausibility gate.
func validatePrice(source string, price priceField) error {
	if !price.Value.IsPositive() {
		return errs.New(source, errs.CodeParseFailed, errs.WithMessage("price must be positive"))
	}
	if price.Value.GreaterThan(priceCeiling) {
		return errs.New(source, errs.CodeParseFailed, errs.WithMessage("price exceeds plausible ceiling"))
	}
	return nil
}
