// Package config centralises runtime configuration for the fetch engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where the engine operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// FetcherKind selects the fetch primitive for a source.
type FetcherKind string

const (
	// FetcherHTTP uses a plain HTTP client with rotating headers.
	FetcherHTTP FetcherKind = "http"
	// FetcherBrowser uses a stealth headless browser tab.
	FetcherBrowser FetcherKind = "browser"
)

// PacingSettings bounds outbound request rate for one source.
type PacingSettings struct {
	DelayMin      time.Duration `yaml:"delayMin"`
	DelayMax      time.Duration `yaml:"delayMax"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
	PerMinute     float64       `yaml:"perMinute"`
}

// EvasionSettings configures the defensive request profile for one source.
type EvasionSettings struct {
	Fetcher        FetcherKind       `yaml:"fetcher"`
	UserAgents     []string          `yaml:"userAgents"`
	Headers        map[string]string `yaml:"headers"`
	RotateIdentity bool              `yaml:"rotateIdentity"`
}

// HealthSettings holds per-source health classification thresholds.
type HealthSettings struct {
	MinSuccessRate float64       `yaml:"minSuccessRate"`
	LatencyCeiling time.Duration `yaml:"latencyCeiling"`
	WindowSize     int           `yaml:"windowSize"`
	DownAfter      time.Duration `yaml:"downAfter"`
	AlertCooldown  time.Duration `yaml:"alertCooldown"`
}

// BreakerSettings holds per-source circuit breaker tuning.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	BaseCooldown     time.Duration `yaml:"baseCooldown"`
	MaxCooldown      time.Duration `yaml:"maxCooldown"`
	CooldownFactor   float64       `yaml:"cooldownFactor"`
}

// RetrySettings bounds in-cycle retries for transient failures.
type RetrySettings struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
}

// SourceSettings is the immutable per-retailer descriptor. Runtime updates
// replace the whole value; nothing mutates it in place.
type SourceSettings struct {
	Name            string          `yaml:"name"`
	Enabled         bool            `yaml:"enabled"`
	Strategies      []string        `yaml:"strategies"`
	ConfidenceFloor float64         `yaml:"confidenceFloor"`
	Timeout         time.Duration   `yaml:"timeout"`
	Pacing          PacingSettings  `yaml:"pacing"`
	Evasion         EvasionSettings `yaml:"evasion"`
	Health          HealthSettings  `yaml:"health"`
	Breaker         BreakerSettings `yaml:"breaker"`
	Retry           RetrySettings   `yaml:"retry"`
}

// EmergencySettings is the conservative overlay applied uniformly to every
// source's pacing when enabled.
type EmergencySettings struct {
	Enabled            bool    `yaml:"enabled"`
	PacingMultiplier   float64 `yaml:"pacingMultiplier"`
	ConcurrencyDivisor int     `yaml:"concurrencyDivisor"`
}

// EngineSettings bounds the orchestrator across all sources.
type EngineSettings struct {
	GlobalConcurrency int           `yaml:"globalConcurrency"`
	CycleInterval     time.Duration `yaml:"cycleInterval"`
	CycleBudget       time.Duration `yaml:"cycleBudget"`
}

// Settings contains the configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment
	Engine      EngineSettings
	Emergency   EmergencySettings
	Sources     map[string]SourceSettings
}

// DefaultSource returns the baseline descriptor for a named source. Thresholds
// are tunable per source; nothing else in the engine hard-codes them.
func DefaultSource(name string) SourceSettings {
	return SourceSettings{
		Name:            strings.ToLower(strings.TrimSpace(name)),
		Enabled:         true,
		Strategies:      []string{"jsonld", "scriptdata", "domselect", "regex"},
		ConfidenceFloor: 0.5,
		Timeout:         30 * time.Second,
		Pacing: PacingSettings{
			DelayMin:      1 * time.Second,
			DelayMax:      3 * time.Second,
			MaxConcurrent: 3,
			PerMinute:     30,
		},
		Evasion: EvasionSettings{
			Fetcher:        FetcherHTTP,
			UserAgents:     nil,
			Headers:        nil,
			RotateIdentity: true,
		},
		Health: HealthSettings{
			MinSuccessRate: 0.8,
			LatencyCeiling: 10 * time.Second,
			WindowSize:     50,
			DownAfter:      30 * time.Minute,
			AlertCooldown:  5 * time.Minute,
		},
		Breaker: BreakerSettings{
			FailureThreshold: 5,
			BaseCooldown:     5 * time.Minute,
			MaxCooldown:      time.Hour,
			CooldownFactor:   2.0,
		},
		Retry: RetrySettings{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
		},
	}
}

// Default returns the default engine configuration.
func Default() Settings {
	nike := DefaultSource("nike")
	nike.Pacing.DelayMin = 2 * time.Second
	nike.Pacing.DelayMax = 4 * time.Second
	nike.Pacing.MaxConcurrent = 2

	adidas := DefaultSource("adidas")
	adidas.Pacing.DelayMin = 1500 * time.Millisecond
	adidas.Pacing.DelayMax = 3500 * time.Millisecond
	adidas.Pacing.MaxConcurrent = 2

	footlocker := DefaultSource("footlocker")
	footlocker.Pacing.DelayMin = 3 * time.Second
	footlocker.Pacing.DelayMax = 6 * time.Second
	footlocker.Evasion.Fetcher = FetcherBrowser

	return Settings{
		Environment: EnvProd,
		Engine: EngineSettings{
			GlobalConcurrency: 10,
			CycleInterval:     5 * time.Minute,
			CycleBudget:       2 * time.Minute,
		},
		Emergency: EmergencySettings{
			Enabled:            false,
			PacingMultiplier:   3.0,
			ConcurrencyDivisor: 2,
		},
		Sources: map[string]SourceSettings{
			"nike":       nike,
			"adidas":     adidas,
			"footlocker": footlocker,
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("KICKRADAR_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("KICKRADAR_GLOBAL_CONCURRENCY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.GlobalConcurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("KICKRADAR_CYCLE_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Engine.CycleInterval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("KICKRADAR_CYCLE_BUDGET")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Engine.CycleBudget = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("KICKRADAR_EMERGENCY_MODE")); v != "" {
		cfg.Emergency.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Source returns the descriptor for a named source if present.
func (s Settings) Source(name string) (SourceSettings, bool) {
	if len(s.Sources) == 0 {
		return SourceSettings{}, false
	}
	cfg, ok := s.Sources[normalizeSourceName(name)]
	if !ok {
		return SourceSettings{}, false
	}
	return cloneSourceSettings(cfg), true
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithSource installs or replaces a whole source descriptor.
func WithSource(src SourceSettings) Option {
	key := normalizeSourceName(src.Name)
	return func(s *Settings) {
		if key == "" {
			return
		}
		if s.Sources == nil {
			s.Sources = make(map[string]SourceSettings)
		}
		src.Name = key
		s.Sources[key] = cloneSourceSettings(src)
	}
}

// WithGlobalConcurrency overrides the orchestrator's global worker ceiling.
func WithGlobalConcurrency(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.Engine.GlobalConcurrency = n
		}
	}
}

// WithEmergencyMode toggles the conservative pacing overlay.
func WithEmergencyMode(enabled bool) Option {
	return func(s *Settings) {
		s.Emergency.Enabled = enabled
	}
}

// EffectivePacing resolves a source's pacing with the emergency overlay applied.
func (s Settings) EffectivePacing(name string) (PacingSettings, bool) {
	src, ok := s.Source(name)
	if !ok {
		return PacingSettings{}, false
	}
	pacing := src.Pacing
	if !s.Emergency.Enabled {
		return pacing, true
	}
	mult := s.Emergency.PacingMultiplier
	if mult <= 1 {
		mult = 1
	}
	pacing.DelayMin = time.Duration(float64(pacing.DelayMin) * mult)
	pacing.DelayMax = time.Duration(float64(pacing.DelayMax) * mult)
	if pacing.PerMinute > 0 {
		pacing.PerMinute = pacing.PerMinute / mult
	}
	div := s.Emergency.ConcurrencyDivisor
	if div > 1 {
		pacing.MaxConcurrent = pacing.MaxConcurrent / div
		if pacing.MaxConcurrent < 1 {
			pacing.MaxConcurrent = 1
		}
	}
	return pacing, true
}

func (s Settings) clone() Settings {
	return Settings{
		Environment: s.Environment,
		Engine:      s.Engine,
		Emergency:   s.Emergency,
		Sources:     cloneSourceSettingsMap(s.Sources),
	}
}

func cloneSourceSettingsMap(src map[string]SourceSettings) map[string]SourceSettings {
	if len(src) == 0 {
		return make(map[string]SourceSettings)
	}
	out := make(map[string]SourceSettings, len(src))
	for k, v := range src {
		out[k] = cloneSourceSettings(v)
	}
	return out
}

func cloneSourceSettings(cfg SourceSettings) SourceSettings {
	out := cfg
	if cfg.Strategies != nil {
		out.Strategies = append([]string(nil), cfg.Strategies...)
	}
	if cfg.Evasion.UserAgents != nil {
		out.Evasion.UserAgents = append([]string(nil), cfg.Evasion.UserAgents...)
	}
	if cfg.Evasion.Headers != nil {
		out.Evasion.Headers = make(map[string]string, len(cfg.Evasion.Headers))
		for k, v := range cfg.Evasion.Headers {
			out.Evasion.Headers[k] = v
		}
	}
	return out
}

func normalizeSourceName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
