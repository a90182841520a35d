package book

import (
	"time"

	"latency-arb-engine/pkg/arbtypes"
)

// MarketState wraps two AtomicOrderbooks: either a single binary market
// mirrored at two venues (fast/slow), or two correlated markets at the
// same or different venues. It owns the spread threshold and market-type
// dispatch that AtomicOrderbook itself is agnostic to.
type MarketState struct {
	MarketID uint16
	Tier     arbtypes.MarketTier
	Type     arbtypes.MarketType

	// Fast and Slow name the two legs of the pair; for a single binary
	// market mirrored cross-venue they are the same market at different
	// venues. For a propagation pair they may be different market IDs.
	Fast *AtomicOrderbook
	Slow *AtomicOrderbook

	ThresholdCents  int32
	StalenessWindow time.Duration
}

// NewMarketState creates a market state pairing two order books.
func NewMarketState(marketID uint16, tier arbtypes.MarketTier, mtype arbtypes.MarketType, thresholdCents int32, staleness time.Duration) *MarketState {
	return &MarketState{
		MarketID:        marketID,
		Tier:            tier,
		Type:            mtype,
		Fast:            NewAtomicOrderbook(),
		Slow:            NewAtomicOrderbook(),
		ThresholdCents:  thresholdCents,
		StalenessWindow: staleness,
	}
}

// ArbResult is returned by CheckArbs when a cross-venue spread reaches the
// configured threshold.
type ArbResult struct {
	DisparityCents int32
	LeadingVenue   string // "fast" or "slow": whichever observed the move first
}

// CheckArbs loads both books and returns a disparity iff its magnitude is
// at least ThresholdCents and both books have non-zero quotes with timestamps inside
// StalenessWindow of each other (spec §4.2; staleness is evaluated
// per-pair, per the Open Question resolution in SPEC_FULL.md §11).
func (m *MarketState) CheckArbs(nowNs int64) (ArbResult, bool) {
	fast := m.Fast.Load()
	slow := m.Slow.Load()

	if !hasQuote(fast) || !hasQuote(slow) {
		return ArbResult{}, false
	}

	if time.Duration(abs64(fast.LatestNs-slow.LatestNs)) > m.StalenessWindow {
		return ArbResult{}, false
	}
	if m.StalenessWindow > 0 {
		if time.Duration(nowNs-fast.LatestNs) > m.StalenessWindow ||
			time.Duration(nowNs-slow.LatestNs) > m.StalenessWindow {
			return ArbResult{}, false
		}
	}

	disparity := m.disparity(fast, slow)
	abs := disparity
	if abs < 0 {
		abs = -abs
	}
	if abs < m.ThresholdCents {
		return ArbResult{}, false
	}

	leading := "fast"
	if slow.LatestNs < fast.LatestNs {
		leading = "slow"
	}
	return ArbResult{DisparityCents: disparity, LeadingVenue: leading}, true
}

// disparity computes the cross-venue signed spread per MarketType (spec's
// Open Question #2). Binaries compare the YES (A side) price directly
// between the two venues — e.g. venue A yes=50 vs venue B yes=49 is a
// 1-cent disparity, independent of each venue's own internal yes+no
// consistency. Sports markets have no single reference token, so the
// comparable quantity is each venue's mid price (bid+ask)/2.
func (m *MarketState) disparity(fast, slow Snapshot) int32 {
	switch m.Type {
	case arbtypes.MarketSports:
		return midCents(fast) - midCents(slow)
	default:
		return fast.A.PriceCents - slow.A.PriceCents
	}
}

func midCents(s Snapshot) int32 {
	return (s.A.PriceCents + s.B.PriceCents) / 2
}

func hasQuote(s Snapshot) bool {
	return s.A.PriceCents != 0 && s.B.PriceCents != 0
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
