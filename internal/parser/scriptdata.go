package parser

import (
	"bytes"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/kickradar/kickradar/internal/schema"
)

// ScriptData extracts product state from inline script payloads: the
// window-level state objects that single-page storefronts hydrate from.
// Matching scripts are executed in an isolated Goja runtime with a stubbed
// window, then known state globals are walked for a product object.
type ScriptData struct{}

// stateGlobals are the hydration globals observed across retailer frontends.
var stateGlobals = []string{
	"__INITIAL_STATE__",
	"__PRELOADED_STATE__",
	"INITIAL_REDUX_STATE",
	"APP_STATE",
}

// productPaths are the common nesting paths from a state root to the product.
var productPaths = [][]string{
	{"product"},
	{"productDetails"},
	{"data", "product"},
	{"props", "pageProps", "product"},
	{"initialState", "product"},
	{"product", "current"},
}

const scriptEvalBudget = 250 * time.Millisecond

// Name identifies the strategy in records and health metrics.
func (ScriptData) Name() string { return "scriptdata" }

// Confidence reports the strategy's extraction reliability.
func (ScriptData) Confidence() float64 { return ConfidenceScriptData }

// Extract evaluates candidate inline scripts and walks their exported state.
func (s ScriptData) Extract(payload []byte, _ schema.Target) (candidate, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return candidate{}, false
	}

	// Next.js embeds plain JSON; no evaluation needed.
	if next := doc.Find(`script#__NEXT_DATA__[type="application/json"]`); next.Length() > 0 {
		var state map[string]any
		if err := json.Unmarshal([]byte(next.First().Text()), &state); err == nil {
			if cand, ok := productFromState(state); ok {
				return cand, true
			}
		}
	}

	var out candidate
	found := false
	doc.Find("script:not([src])").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := sel.Text()
		if !mentionsStateGlobal(text) {
			return true
		}
		state, ok := evalStateScript(text)
		if !ok {
			return true
		}
		if cand, okp := productFromState(state); okp {
			out = cand
			found = true
			return false
		}
		return true
	})
	return out, found
}

func mentionsStateGlobal(text string) bool {
	for _, name := range stateGlobals {
		if strings.Contains(text, name) {
			return true
		}
	}
	return false
}

// evalStateScript runs the script in a throwaway runtime. The runtime exposes
// only a bare window/self/document, so retailer bootstrap code fails fast
// after the state assignment we care about has executed.
func evalStateScript(text string) (map[string]any, bool) {
	vm := goja.New()
	window := vm.NewObject()
	_ = vm.Set("window", window)
	_ = vm.Set("self", window)
	_ = vm.Set("document", vm.NewObject())

	timer := time.AfterFunc(scriptEvalBudget, func() {
		vm.Interrupt("script evaluation budget exceeded")
	})
	defer timer.Stop()

	func() {
		defer func() {
			// goja panics on interrupts; treat as a failed evaluation.
			_ = recover()
		}()
		_, _ = vm.RunString(text)
	}()

	for _, name := range stateGlobals {
		val := window.Get(name)
		if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
			continue
		}
		if state, ok := val.Export().(map[string]any); ok {
			return state, true
		}
	}
	return nil, false
}

// productFromState walks the known nesting paths inside a state root.
func productFromState(state map[string]any) (candidate, bool) {
	for _, path := range productPaths {
		node := state
		ok := true
		for _, key := range path {
			next, exists := node[key].(map[string]any)
			if !exists {
				ok = false
				break
			}
			node = next
		}
		if !ok {
			continue
		}
		if cand, okc := candidateFromProductMap(node); okc {
			return cand, true
		}
	}
	return candidate{}, false
}

// candidateFromProductMap maps loosely-shaped product objects to a candidate.
func candidateFromProductMap(product map[string]any) (candidate, bool) {
	cand := candidate{}
	for _, key := range []string{"name", "title", "fullTitle"} {
		if v, ok := product[key].(string); ok && v != "" {
			cand.Title = v
			break
		}
	}
	for _, key := range []string{"price", "currentPrice", "retailPrice", "salePrice"} {
		if price, ok := parsePriceAny(product[key]); ok {
			cand.Price = price
			break
		}
	}
	if cur, ok := product["currency"].(string); ok {
		cand.Price.Currency = strings.ToUpper(cur)
	}
	for _, key := range []string{"available", "inStock", "isAvailable", "purchasable"} {
		if v, ok := product[key].(bool); ok {
			cand.HasAvailable = true
			cand.Available = v
			break
		}
	}
	if !cand.HasAvailable {
		if v, ok := product["availability"].(string); ok {
			cand.HasAvailable = true
			cand.Available = strings.Contains(strings.ToLower(v), "instock") ||
				strings.EqualFold(v, "available")
		}
	}
	if sizes, ok := product["sizes"].([]any); ok {
		for _, raw := range sizes {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			size, _ := entry["size"].(string)
			if size == "" {
				if label, okl := entry["label"].(string); okl {
					size = label
				}
			}
			if size == "" {
				continue
			}
			inStock, _ := entry["inStock"].(bool)
			if !inStock {
				if avail, oka := entry["available"].(bool); oka {
					inStock = avail
				}
			}
			cand.Sizes = append(cand.Sizes, schema.SizeDetail{Size: size, InStock: inStock})
			if inStock {
				cand.HasAvailable = true
				cand.Available = true
			}
		}
	}
	if !cand.Price.Present && !cand.HasAvailable {
		return candidate{}, false
	}
	return cand, true
}
