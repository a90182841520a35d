package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"latency-arb-engine/pkg/arbtypes"
)

// RuleTableEntry is one row of the correlator's pattern rule table
// (spec §4.4): a (market_type_fast, market_type_slow, tier_fast, tier_slow)
// tuple maps to the pattern_id the Kalman suite should run for that pair.
// Cross-venue is implicit — the correlator only ever compares observations
// from different venues, so it is not a column here.
type RuleTableEntry struct {
	MarketTypeFast arbtypes.MarketType `yaml:"market_type_fast"`
	MarketTypeSlow arbtypes.MarketType `yaml:"market_type_slow"`
	TierFast       arbtypes.MarketTier `yaml:"tier_fast"`
	TierSlow       arbtypes.MarketTier `yaml:"tier_slow"`
	PatternID      uint16              `yaml:"pattern_id"`
}

// RuleTable is a flat, relational table rather than a class hierarchy —
// this is the static asset form; the correlator turns it into a lookup map
// at load time.
type ruleTableFile struct {
	Rules []RuleTableEntry `yaml:"rules"`
}

// LoadRuleTable reads the static pattern rule table from a YAML file. This
// is a companion asset to the main tunable config above: those values
// change per deployment via ARB_* env overrides, this table is a fixed
// relational mapping better expressed as plain data.
func LoadRuleTable(path string) ([]RuleTableEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table: %w", err)
	}
	var f ruleTableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rule table: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rule table %s has no rules", path)
	}
	return f.Rules, nil
}

// DefaultRuleTable returns the built-in rule table used when no YAML asset
// is configured — one entry per pattern named in spec §4.3, plus the
// beta-skew pattern recovered from original_source.
func DefaultRuleTable() []RuleTableEntry {
	return []RuleTableEntry{
		{MarketTypeFast: arbtypes.MarketSports, MarketTypeSlow: arbtypes.MarketSports, TierFast: arbtypes.Tier2, TierSlow: arbtypes.Tier1, PatternID: 51}, // HT->FT inference
		{MarketTypeFast: arbtypes.MarketSports, MarketTypeSlow: arbtypes.MarketSports, TierFast: arbtypes.Tier1, TierSlow: arbtypes.Tier3, PatternID: 52}, // propagation path
		{MarketTypeFast: arbtypes.MarketSports, MarketTypeSlow: arbtypes.MarketSports, TierFast: arbtypes.Tier1, TierSlow: arbtypes.Tier4, PatternID: 53}, // velocity convexity
		{MarketTypeFast: arbtypes.MarketBinary, MarketTypeSlow: arbtypes.MarketBinary, TierFast: arbtypes.Tier1, TierSlow: arbtypes.Tier2, PatternID: 56}, // micro-suspension
		{MarketTypeFast: arbtypes.MarketBinary, MarketTypeSlow: arbtypes.MarketSports, TierFast: arbtypes.Tier2, TierSlow: arbtypes.Tier3, PatternID: 73}, // beta-skew
	}
}
