// Package source implements the per-retailer fetch primitives: request
// shaping, evasion profile, pacing, and outcome classification.
package source

import (
	"math/rand"
	"net/http"
	"sync"

	"github.com/kickradar/kickradar/config"
)

// defaultUserAgents is the rotation pool used when a source configures none.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-US,en;q=0.8",
	"en-GB,en;q=0.9,en-US;q=0.8",
}

// Identity rotates request fingerprints per attempt for one source.
type Identity struct {
	mu      sync.Mutex
	rng     *rand.Rand
	agents  []string
	headers map[string]string
	rotate  bool
}

// NewIdentity builds a rotation pool from the source's evasion profile.
func NewIdentity(cfg config.EvasionSettings, seed int64) *Identity {
	agents := cfg.UserAgents
	if len(agents) == 0 {
		agents = defaultUserAgents
	}
	return &Identity{
		rng:     rand.New(rand.NewSource(seed)),
		agents:  append([]string(nil), agents...),
		headers: cfg.Headers,
		rotate:  cfg.RotateIdentity,
	}
}

// Apply stamps browser-like baseline headers plus a rotated identity onto req.
func (id *Identity) Apply(req *http.Request) {
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	id.mu.Lock()
	ua := id.agents[0]
	lang := acceptLanguages[0]
	if id.rotate {
		ua = id.agents[id.rng.Intn(len(id.agents))]
		lang = acceptLanguages[id.rng.Intn(len(acceptLanguages))]
	}
	id.mu.Unlock()

	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept-Language", lang)
	for k, v := range id.headers {
		req.Header.Set(k, v)
	}
}
