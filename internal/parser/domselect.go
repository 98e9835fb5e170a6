package parser

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kickradar/kickradar/internal/schema"
)

// DOMSelect extracts fields through redundant CSS selector candidates.
// Each field falls back independently: a retailer renaming its price node
// must not take availability extraction down with it.
type DOMSelect struct{}

var priceSelectors = []string{
	`[data-test="product-price"]`,
	`[data-testid="product-price"]`,
	`[itemprop="price"]`,
	`.product-price`,
	`.price-current`,
	`.price`,
}

var titleSelectors = []string{
	`[data-test="product-title"]`,
	`[itemprop="name"]`,
	`h1.product-name`,
	`h1.product-title`,
	`h1`,
}

var availabilitySelectors = []string{
	`[data-test="add-to-cart"]`,
	`[data-testid="add-to-cart"]`,
	`button.add-to-cart`,
	`button[name="add"]`,
	`.add-to-cart-button`,
}

var sizeSelectors = []string{
	`[data-test="size-selector"] button`,
	`.size-selector button`,
	`.size-grid button`,
	`ul.sizes li`,
}

// Name identifies the strategy in records and health metrics.
func (DOMSelect) Name() string { return "domselect" }

// Confidence reports the strategy's extraction reliability.
func (DOMSelect) Confidence() float64 { return ConfidenceDOMSelect }

// Extract tries each field's selector candidates in order.
func (s DOMSelect) Extract(payload []byte, _ schema.Target) (candidate, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return candidate{}, false
	}
	cand := candidate{}

	for _, selector := range titleSelectors {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			if text := strings.TrimSpace(sel.Text()); text != "" {
				cand.Title = text
				break
			}
		}
	}

	for _, selector := range priceSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		text := strings.TrimSpace(sel.Text())
		if content, ok := sel.Attr("content"); ok && content != "" {
			text = content
		}
		if price, ok := parsePrice(text); ok {
			cand.Price = price
			break
		}
	}

	for _, selector := range availabilitySelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		cand.HasAvailable = true
		cand.Available = !buttonDisabled(sel)
		break
	}
	if !cand.HasAvailable {
		if sel := doc.Find(`.availability, [data-test="availability"]`).First(); sel.Length() > 0 {
			text := strings.ToLower(sel.Text())
			cand.HasAvailable = true
			cand.Available = strings.Contains(text, "in stock")
		}
	}

	for _, selector := range sizeSelectors {
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			continue
		}
		sel.Each(func(_ int, node *goquery.Selection) {
			size := strings.TrimSpace(node.Text())
			if size == "" {
				return
			}
			inStock := !buttonDisabled(node)
			cand.Sizes = append(cand.Sizes, schema.SizeDetail{Size: size, InStock: inStock})
			if inStock {
				cand.HasAvailable = true
				cand.Available = true
			}
		})
		break
	}

	if !cand.Price.Present && !cand.HasAvailable {
		return candidate{}, false
	}
	return cand, true
}

func buttonDisabled(sel *goquery.Selection) bool {
	if _, disabled := sel.Attr("disabled"); disabled {
		return true
	}
	if class, ok := sel.Attr("class"); ok {
		lower := strings.ToLower(class)
		if strings.Contains(lower, "disabled") || strings.Contains(lower, "sold-out") ||
			strings.Contains(lower, "unavailable") {
			return true
		}
	}
	return false
}
