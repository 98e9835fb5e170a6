package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/kickradar/kickradar/errs"
	"github.com/kickradar/kickradar/internal/schema"
)

type targetsFile struct {
	Targets []targetEntry `yaml:"targets"`
}

type targetEntry struct {
	ItemKey      string `yaml:"itemKey"`
	Source       string `yaml:"source"`
	URL          string `yaml:"url"`
	PriceCeiling string `yaml:"priceCeiling"`
}

// LoadTargets reads the tracked-target list from a YAML file. Every entry
// is validated; a single malformed target fails the whole load since
// running with a partial tracking list would silently drop items.
func LoadTargets(path string) ([]schema.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New("config", errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("read targets file %s", path)),
			errs.WithCause(err))
	}
	return ParseTargets(data)
}

// ParseTargets decodes and validates a YAML target list.
func ParseTargets(data []byte) ([]schema.Target, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var file targetsFile
	if err := decoder.Decode(&file); err != nil {
		return nil, errs.New("config", errs.CodeConfig,
			errs.WithMessage("decode targets file"),
			errs.WithCause(err))
	}

	targets := make([]schema.Target, 0, len(file.Targets))
	for i, entry := range file.Targets {
		target := schema.Target{
			ItemKey: entry.ItemKey,
			Source:  entry.Source,
			URL:     entry.URL,
		}
		if entry.PriceCeiling != "" {
			ceiling, err := decimal.NewFromString(entry.PriceCeiling)
			if err != nil {
				return nil, errs.New("config", errs.CodeConfig,
					errs.WithMessage(fmt.Sprintf("target %d: invalid price ceiling %q", i, entry.PriceCeiling)),
					errs.WithCause(err))
			}
			target.PriceCeiling = &ceiling
		}
		if err := target.Validate(); err != nil {
			return nil, errs.New("config", errs.CodeConfig,
				errs.WithMessage(fmt.Sprintf("target %d invalid", i)),
				errs.WithCause(err))
		}
		targets = append(targets, target)
	}
	return targets, nil
}
