// Package arbtypes defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — market
// identifiers, tiers, observations, signals, and intents. It has no
// dependencies on internal packages, so it can be imported by any layer.
package arbtypes

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an execution intent: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// MarketType distinguishes binary prediction markets (price in [0,100]
// cents, two complementary tokens) from sports markets (price is a
// moneyline/spread/total quoted directly as bid/ask, no complement check).
type MarketType string

const (
	MarketBinary MarketType = "binary"
	MarketSports MarketType = "sports"
)

// MarketTier classifies a market's characteristic propagation speed. Faster
// tiers converge sooner and therefore get a shorter predicted convergence
// horizon from the correlator.
type MarketTier int

const (
	Tier1 MarketTier = iota // core markets: direct betting volume
	Tier2                   // derived markets: model calculation time
	Tier3                   // propositional markets: provider feed latency
	Tier4                   // complex-derivative markets: correlation matrix updates
)

// HalfLifeNs returns the characteristic convergence half-life for this tier,
// in nanoseconds.
func (t MarketTier) HalfLifeNs() int64 {
	switch t {
	case Tier1:
		return 300 * int64(time.Millisecond)
	case Tier2:
		return 950 * int64(time.Millisecond)
	case Tier3:
		return 1400 * int64(time.Millisecond)
	case Tier4:
		return 3500 * int64(time.Millisecond)
	default:
		return 950 * int64(time.Millisecond)
	}
}

func (t MarketTier) String() string {
	switch t {
	case Tier1:
		return "T1"
	case Tier2:
		return "T2"
	case Tier3:
		return "T3"
	case Tier4:
		return "T4"
	default:
		return "T?"
	}
}

// Regime selects a filter's process-noise regime; the correlator does not
// read it. Suspended is set by an explicit external status signal,
// never inferred from velocity.
type Regime int

const (
	RegimeQuiet Regime = iota
	RegimeSteam
	RegimeSuspended
)

func (r Regime) String() string {
	switch r {
	case RegimeQuiet:
		return "quiet"
	case RegimeSteam:
		return "steam"
	case RegimeSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// RejectCause enumerates why the Risk Gate refused to turn a Signal into an
// Intent (spec §4.5, §7).
type RejectCause string

const (
	RejectCircuitBreaker           RejectCause = "CircuitBreaker"
	RejectExposureLimit            RejectCause = "ExposureLimit"
	RejectHalfLifeDecay            RejectCause = "HalfLifeDecay"
	RejectInsufficientFillProbability RejectCause = "InsufficientFillProbability"
)

// BreakerState is a per-venue circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market identity
// ————————————————————————————————————————————————————————————————————————

// MarketKey identifies one market at one venue. MarketID is a compact
// 16-bit handle assigned at registration time (spec §3); Venue is the
// venue's short name ("polymarket", "kalshi", ...).
type MarketKey struct {
	MarketID uint16
	Venue    string
}

// ————————————————————————————————————————————————————————————————————————
// Observation / Signal / Intent (spec §3)
// ————————————————————————————————————————————————————————————————————————

// Observation is a single price/size update received from a venue feed.
// Transient: produced by an adapter, consumed by the correlator and the
// filters, never persisted.
type Observation struct {
	MarketID   uint16
	Venue      string
	MarketType MarketType
	Tier       MarketTier
	PriceCents int32 // integer cents; scaled integer for sports lines
	Size       uint64
	TimestampNs int64 // receipt timestamp, monotonic per (market, venue)
}

// Signal is a candidate arbitrage opportunity produced by the correlator,
// pre-risk. Buffered in the correlator's signal map and purged once older
// than the signal TTL.
type Signal struct {
	ID                   string
	Fast                 Observation
	Slow                 Observation
	DisparityCents       int32 // signed: Fast.PriceCents - Slow.PriceCents
	PatternID            uint16
	Confidence           float64
	PredictedConvergenceNs int64
	CreatedNs            int64
}

// Intent is an approved, size-bounded execution order, post-risk. Handed to
// the external intent sink; no order is ever placed directly against a
// venue from inside the core.
type Intent struct {
	ID           string
	SignalID     string
	Venue        string
	PriceCents   int32
	Side         Side
	SizeCents    uint64
	DeadlineNs   int64
	RiskScore    float64
}

// ExecutionReport is the feedback an intent sink delivers after attempting
// to fill an Intent. Feeds the risk gate's circuit breakers and exposure
// ledger.
type ExecutionReport struct {
	SignalID         string
	Success          bool
	FastFillPriceCents  *int32
	SlowFillPriceCents  *int32
	EdgeCapturedCents   int32
	Error            string
}
