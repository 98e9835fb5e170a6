package parser

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	json "github.com/goccy/go-json"

	"github.com/kickradar/kickradar/internal/schema"
)

// JSONLD extracts schema.org Product markup embedded in ld+json script tags.
// Structured data is the most reliable layer: retailers maintain it for
// search engines and rarely let it drift.
type JSONLD struct{}

// Name identifies the strategy in records and health metrics.
func (JSONLD) Name() string { return "jsonld" }

// Confidence reports the strategy's extraction reliability.
func (JSONLD) Confidence() float64 { return ConfidenceJSONLD }

// Extract scans every ld+json block for a Product node.
func (s JSONLD) Extract(payload []byte, _ schema.Target) (candidate, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return candidate{}, false
	}
	var out candidate
	found := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		var raw any
		if err := json.Unmarshal([]byte(sel.Text()), &raw); err != nil {
			return true
		}
		for _, node := range flattenLD(raw) {
			if cand, ok := productFromLD(node); ok {
				out = cand
				found = true
				return false
			}
		}
		return true
	})
	return out, found
}

// flattenLD unwraps top-level arrays and @graph containers.
func flattenLD(raw any) []map[string]any {
	var nodes []map[string]any
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			nodes = append(nodes, flattenLD(item)...)
		}
	case map[string]any:
		if graph, ok := v["@graph"].([]any); ok {
			for _, item := range graph {
				nodes = append(nodes, flattenLD(item)...)
			}
			return nodes
		}
		nodes = append(nodes, v)
	}
	return nodes
}

func productFromLD(node map[string]any) (candidate, bool) {
	typ, _ := node["@type"].(string)
	if typ != "Product" && typ != "ProductModel" {
		return candidate{}, false
	}
	cand := candidate{}
	if name, ok := node["name"].(string); ok {
		cand.Title = name
	}

	offers := offerNodes(node["offers"])
	for _, offer := range offers {
		if !cand.Price.Present {
			if price, ok := parsePriceAny(offer["price"]); ok {
				if cur, ok := offer["priceCurrency"].(string); ok {
					price.Currency = strings.ToUpper(cur)
				}
				cand.Price = price
			}
		}
		inStock := offerInStock(offer)
		cand.HasAvailable = true
		if inStock {
			cand.Available = true
		}
		if size, ok := offerSize(offer); ok {
			cand.Sizes = append(cand.Sizes, schema.SizeDetail{Size: size, InStock: inStock})
		}
	}
	if !cand.Price.Present && !cand.HasAvailable {
		return candidate{}, false
	}
	return cand, true
}

func offerNodes(raw any) []map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func offerInStock(offer map[string]any) bool {
	avail, _ := offer["availability"].(string)
	return strings.Contains(strings.ToLower(avail), "instock")
}

func offerSize(offer map[string]any) (string, bool) {
	switch v := offer["size"].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	if sku, ok := offer["sku"].(string); ok && strings.Contains(sku, "size-") {
		return sku[strings.Index(sku, "size-")+len("size-"):], true
	}
	return "", false
}
