package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kickradar/kickradar/errs"
)

// fileSettings mirrors the YAML layout of the configuration file.
type fileSettings struct {
	Environment string            `yaml:"environment"`
	Engine      EngineSettings    `yaml:"engine"`
	Emergency   EmergencySettings `yaml:"emergency"`
	Sources     []SourceSettings  `yaml:"sources"`
}

// UnmarshalYAML validates the fetcher kind, accepting empty as HTTP.
func (k *FetcherKind) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*k = FetcherHTTP
		return nil
	}
	text := strings.ToLower(strings.TrimSpace(node.Value))
	switch text {
	case "", string(FetcherHTTP):
		*k = FetcherHTTP
	case string(FetcherBrowser):
		*k = FetcherBrowser
	default:
		return fmt.Errorf("fetcher: unknown kind %q", node.Value)
	}
	return nil
}

// LoadOrDefault reads Settings from path, falling back to Default when the
// file does not exist. The second return reports whether a file was loaded.
// A file that exists but fails to parse or validate is a fatal startup error.
func LoadOrDefault(path string) (Settings, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), false, nil
	}
	if err != nil {
		return Settings{}, false, errs.New("config", errs.CodeConfig,
			errs.WithMessage("read "+path), errs.WithCause(err))
	}
	cfg, err := Parse(data)
	if err != nil {
		return Settings{}, false, err
	}
	return cfg, true, nil
}

// Parse decodes and validates a YAML configuration document. Unknown keys are
// rejected so typos surface at startup instead of running with defaults.
func Parse(data []byte) (Settings, error) {
	var raw fileSettings
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return Settings{}, errs.New("config", errs.CodeConfig,
			errs.WithMessage("decode configuration"), errs.WithCause(err))
	}

	cfg := Default()
	if env := strings.TrimSpace(raw.Environment); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if raw.Engine.GlobalConcurrency > 0 {
		cfg.Engine.GlobalConcurrency = raw.Engine.GlobalConcurrency
	}
	if raw.Engine.CycleInterval > 0 {
		cfg.Engine.CycleInterval = raw.Engine.CycleInterval
	}
	if raw.Engine.CycleBudget > 0 {
		cfg.Engine.CycleBudget = raw.Engine.CycleBudget
	}
	if raw.Emergency.PacingMultiplier > 0 {
		cfg.Emergency.PacingMultiplier = raw.Emergency.PacingMultiplier
	}
	if raw.Emergency.ConcurrencyDivisor > 0 {
		cfg.Emergency.ConcurrencyDivisor = raw.Emergency.ConcurrencyDivisor
	}
	cfg.Emergency.Enabled = raw.Emergency.Enabled

	if len(raw.Sources) > 0 {
		cfg.Sources = make(map[string]SourceSettings, len(raw.Sources))
		for _, src := range raw.Sources {
			merged := mergeSourceDefaults(src)
			if err := ValidateSource(merged); err != nil {
				return Settings{}, err
			}
			cfg.Sources[merged.Name] = merged
		}
	}
	return cfg, nil
}

// mergeSourceDefaults fills zero-valued tuning fields from the baseline
// descriptor so configuration files only state what they change.
func mergeSourceDefaults(src SourceSettings) SourceSettings {
	base := DefaultSource(src.Name)
	out := src
	out.Name = base.Name
	if len(out.Strategies) == 0 {
		out.Strategies = base.Strategies
	}
	if out.ConfidenceFloor <= 0 {
		out.ConfidenceFloor = base.ConfidenceFloor
	}
	if out.Timeout <= 0 {
		out.Timeout = base.Timeout
	}
	if out.Pacing.DelayMin <= 0 {
		out.Pacing.DelayMin = base.Pacing.DelayMin
	}
	if out.Pacing.DelayMax <= 0 {
		out.Pacing.DelayMax = base.Pacing.DelayMax
	}
	if out.Pacing.MaxConcurrent <= 0 {
		out.Pacing.MaxConcurrent = base.Pacing.MaxConcurrent
	}
	if out.Pacing.PerMinute <= 0 {
		out.Pacing.PerMinute = base.Pacing.PerMinute
	}
	if out.Evasion.Fetcher == "" {
		out.Evasion.Fetcher = base.Evasion.Fetcher
	}
	if out.Health.MinSuccessRate <= 0 {
		out.Health.MinSuccessRate = base.Health.MinSuccessRate
	}
	if out.Health.LatencyCeiling <= 0 {
		out.Health.LatencyCeiling = base.Health.LatencyCeiling
	}
	if out.Health.WindowSize <= 0 {
		out.Health.WindowSize = base.Health.WindowSize
	}
	if out.Health.DownAfter <= 0 {
		out.Health.DownAfter = base.Health.DownAfter
	}
	if out.Health.AlertCooldown <= 0 {
		out.Health.AlertCooldown = base.Health.AlertCooldown
	}
	if out.Breaker.FailureThreshold <= 0 {
		out.Breaker.FailureThreshold = base.Breaker.FailureThreshold
	}
	if out.Breaker.BaseCooldown <= 0 {
		out.Breaker.BaseCooldown = base.Breaker.BaseCooldown
	}
	if out.Breaker.MaxCooldown <= 0 {
		out.Breaker.MaxCooldown = base.Breaker.MaxCooldown
	}
	if out.Breaker.CooldownFactor <= 1 {
		out.Breaker.CooldownFactor = base.Breaker.CooldownFactor
	}
	if out.Retry.MaxAttempts <= 0 {
		out.Retry.MaxAttempts = base.Retry.MaxAttempts
	}
	if out.Retry.InitialDelay <= 0 {
		out.Retry.InitialDelay = base.Retry.InitialDelay
	}
	if out.Retry.MaxDelay <= 0 {
		out.Retry.MaxDelay = base.Retry.MaxDelay
	}
	return out
}

// ValidateSource rejects descriptors the engine cannot run with.
func ValidateSource(src SourceSettings) error {
	if src.Name == "" {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("source name required"))
	}
	if len(src.Strategies) == 0 {
		return errs.New(src.Name, errs.CodeConfig, errs.WithMessage("at least one parser strategy required"))
	}
	if src.ConfidenceFloor < 0 || src.ConfidenceFloor > 1 {
		return errs.New(src.Name, errs.CodeConfig, errs.WithMessage("confidence floor must be in [0,1]"))
	}
	if src.Pacing.DelayMin > src.Pacing.DelayMax {
		return errs.New(src.Name, errs.CodeConfig, errs.WithMessage("pacing delayMin exceeds delayMax"))
	}
	if src.Health.MinSuccessRate <= 0 || src.Health.MinSuccessRate > 1 {
		return errs.New(src.Name, errs.CodeConfig, errs.WithMessage("minSuccessRate must be in (0,1]"))
	}
	if src.Breaker.BaseCooldown > src.Breaker.MaxCooldown {
		return errs.New(src.Name, errs.CodeConfig, errs.WithMessage("breaker baseCooldown exceeds maxCooldown"))
	}
	if src.Retry.MaxAttempts > 5 {
		return errs.New(src.Name, errs.CodeConfig,
			errs.WithMessage("retry maxAttempts too large"),
			errs.WithRemediation("keep in-cycle retries small (2-3) to bound cycle duration"))
	}
	switch src.Evasion.Fetcher {
	case FetcherHTTP, FetcherBrowser:
	default:
		return errs.New(src.Name, errs.CodeConfig, errs.WithMessage("unknown fetcher kind"))
	}
	return nil
}
