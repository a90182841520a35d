// Package correlator implements the Latency Correlator (spec §4.4): it
// watches Observations across venues and markets and emits Signals when a
// fast-moving market's price change predicts a slower-moving correlated
// market's convergence.
//
// Grounded on the teacher's internal/market/scanner.go for the general
// shape of a component that scores and ranks candidates from a rolling
// window of external data (here: observations instead of Gamma API
// markets), and on internal/risk/manager.go for the mutex-guarded,
// channel-fed "ingest one event, maybe emit a signal" pattern.
package correlator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"latency-arb-engine/internal/config"
	"latency-arb-engine/pkg/adapter"
	"latency-arb-engine/pkg/arbtypes"
)

// ruleKey is the lookup key into the pattern rule table: a
// (market_type_fast, market_type_slow, tier_fast, tier_slow) tuple. Venue
// inequality is enforced by the caller before the lookup, so it is not part
// of the key (spec §4.4).
type ruleKey struct {
	typeFast, typeSlow arbtypes.MarketType
	tierFast, tierSlow arbtypes.MarketTier
}

// Correlator consumes Observations from all feeds and emits candidate
// Signals. It is single-writer: the pipeline controller feeds it from one
// partition worker at a time per market, so Ingest itself only needs to
// guard the shared recent/signals maps against readers (e.g. telemetry).
type Correlator struct {
	cfg   config.CorrelatorConfig
	rules map[ruleKey]uint16
	clock adapter.Clock
	logger *slog.Logger

	mu      sync.Mutex
	recent  map[uint16][]arbtypes.Observation // marketID -> recent observations, time-bounded
	signals map[string]arbtypes.Signal        // active, unconsumed candidate signals
}

// New builds a Correlator from a rule table (see config.LoadRuleTable /
// config.DefaultRuleTable) and the correlator tunables of spec §6.
func New(cfg config.CorrelatorConfig, rules []config.RuleTableEntry, clock adapter.Clock, logger *slog.Logger) *Correlator {
	if clock == nil {
		clock = adapter.SystemClock{}
	}
	ruleMap := make(map[ruleKey]uint16, len(rules))
	for _, r := range rules {
		ruleMap[ruleKey{typeFast: r.MarketTypeFast, typeSlow: r.MarketTypeSlow, tierFast: r.TierFast, tierSlow: r.TierSlow}] = r.PatternID
	}
	return &Correlator{
		cfg:     cfg,
		rules:   ruleMap,
		clock:   clock,
		logger:  logger.With("component", "correlator"),
		recent:  make(map[uint16][]arbtypes.Observation),
		signals: make(map[string]arbtypes.Signal),
	}
}

// Ingest records a new Observation and returns any Signals it triggers
// against recently-seen observations of the same market handle from other
// venues (spec §4.4).
func (c *Correlator) Ingest(obs arbtypes.Observation) []arbtypes.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()

	var emitted []arbtypes.Signal
	for _, prior := range c.recent[obs.MarketID] {
		if prior.Venue == obs.Venue {
			continue // correlator only pairs cross-venue observations
		}
		if sig, ok := c.tryMatch(prior, obs); ok {
			c.signals[sig.ID] = sig
			emitted = append(emitted, sig)
		}
	}

	c.recordObservation(obs)
	return emitted
}

// tryMatch checks the three admission conditions of spec §4.4 for a pair
// of observations and, if they pass, builds the resulting Signal.
func (c *Correlator) tryMatch(a, b arbtypes.Observation) (arbtypes.Signal, bool) {
	if a.Size == 0 || b.Size == 0 {
		return arbtypes.Signal{}, false
	}

	fast, slow := a, b
	if slow.TimestampNs < fast.TimestampNs {
		fast, slow = slow, fast
	}

	priceDiff := fast.PriceCents - slow.PriceCents
	if priceDiff < 0 {
		priceDiff = -priceDiff
	}
	tsDiff := slow.TimestampNs - fast.TimestampNs

	if priceDiff < c.cfg.MinDisparityCents {
		return arbtypes.Signal{}, false
	}
	if time.Duration(tsDiff) < c.cfg.MinTSDiff {
		return arbtypes.Signal{}, false
	}

	key := ruleKey{typeFast: fast.MarketType, typeSlow: slow.MarketType, tierFast: fast.Tier, tierSlow: slow.Tier}
	patternID, ok := c.rules[key]
	if !ok {
		return arbtypes.Signal{}, false
	}

	convergence := meanHalfLife(fast.Tier, slow.Tier)
	if convergence > c.cfg.MaxConvergence {
		return arbtypes.Signal{}, false
	}

	confidence := baseConfidence(patternID) * disparityFactor(priceDiff) * timeFactor(time.Duration(tsDiff))

	now := c.clock.NowNs()
	return arbtypes.Signal{
		ID:                     uuid.NewString(),
		Fast:                   fast,
		Slow:                   slow,
		DisparityCents:         fast.PriceCents - slow.PriceCents,
		PatternID:              patternID,
		Confidence:             confidence,
		PredictedConvergenceNs: int64(convergence),
		CreatedNs:              now,
	}, true
}

func meanHalfLife(fast, slow arbtypes.MarketTier) time.Duration {
	return time.Duration((fast.HalfLifeNs() + slow.HalfLifeNs()) / 2)
}

// baseConfidence categorizes a pattern by behavioral class (spec §4.4):
// derivative patterns (propagation path, velocity convexity) score
// highest, steam/behavioral patterns (HT→FT, micro-suspension) score mid,
// everything else (beta-skew) scores lowest.
func baseConfidence(patternID uint16) float64 {
	switch patternID {
	case 52, 53: // propagation path, velocity convexity
		return 0.80
	case 51, 56: // HT->FT inference, micro-suspension
		return 0.75
	default:
		return 0.60
	}
}

func disparityFactor(priceDiffCents int32) float64 {
	f := float64(priceDiffCents) / 10.0
	if f > 1.0 {
		f = 1.0
	}
	return f
}

func timeFactor(tsDiff time.Duration) float64 {
	switch {
	case tsDiff >= 100*time.Millisecond && tsDiff <= 500*time.Millisecond:
		return 1.0
	case tsDiff > 50*time.Millisecond && tsDiff < time.Second:
		return 0.8
	default:
		return 0.5
	}
}

// recordObservation appends obs to the recent list for its market and
// prunes entries older than the signal TTL — recent observations are kept
// exactly as long as a signal referencing them could still be alive.
func (c *Correlator) recordObservation(obs arbtypes.Observation) {
	list := append(c.recent[obs.MarketID], obs)
	cutoff := obs.TimestampNs - int64(c.cfg.SignalTTL)
	pruned := list[:0]
	for _, o := range list {
		if o.TimestampNs >= cutoff {
			pruned = append(pruned, o)
		}
	}
	c.recent[obs.MarketID] = pruned
}

// Purge removes signals older than the configured TTL (spec §4.4: "all
// signals older than 30s are purged on each tick").
func (c *Correlator) Purge(nowNs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := nowNs - int64(c.cfg.SignalTTL)
	for id, sig := range c.signals {
		if sig.CreatedNs < cutoff {
			delete(c.signals, id)
		}
	}
}

// Consume removes and returns a signal by ID, so a caller that claims a
// signal this way cannot have it purged or claimed a second time. The
// engine evaluates the signals Ingest returns directly and does not call
// Consume.
func (c *Correlator) Consume(id string) (arbtypes.Signal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sig, ok := c.signals[id]
	if ok {
		delete(c.signals, id)
	}
	return sig, ok
}

// ActiveSignalCount reports how many candidate signals are currently
// buffered (telemetry).
func (c *Correlator) ActiveSignalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signals)
}
