package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"latency-arb-engine/pkg/arbtypes"
)

// MarketRegistryEntry is one row of the market registry: a pair of venues
// quoting the same (or correlated) market_id, the parameters the Pipeline
// Controller needs to build that pair's book and Kalman filters. A
// companion asset to the rule table, same reasoning: this is a fixed
// relational mapping better expressed as plain data than as Go literals.
type MarketRegistryEntry struct {
	MarketID        uint16              `yaml:"market_id"`
	Tier            arbtypes.MarketTier `yaml:"tier"`
	Type            arbtypes.MarketType `yaml:"type"`
	FastVenue       string              `yaml:"fast_venue"`
	SlowVenue       string              `yaml:"slow_venue"`
	ThresholdCents  int32               `yaml:"threshold_cents"`
	StalenessWindow time.Duration       `yaml:"staleness_window_ms"`
	PatternIDs      []uint16            `yaml:"pattern_ids"`
}

type marketRegistryFile struct {
	Markets []MarketRegistryEntry `yaml:"markets"`
}

// LoadMarketRegistry reads the static market-pair registry from a YAML
// file.
func LoadMarketRegistry(path string) ([]MarketRegistryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read market registry: %w", err)
	}
	var f marketRegistryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse market registry: %w", err)
	}
	if len(f.Markets) == 0 {
		return nil, fmt.Errorf("market registry %s has no markets", path)
	}
	return f.Markets, nil
}
