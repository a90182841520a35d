package book

import (
	"testing"
	"time"

	"latency-arb-engine/pkg/arbtypes"
)

// TestCheckArbsBinaryDisparity mirrors spec §8 boundary scenario 1: venue A
// yes=50/no=50, venue B yes=49/no=51. At a 1-cent threshold this is a
// disparity; at 2 cents it is not.
func TestCheckArbsBinaryDisparity(t *testing.T) {
	t.Parallel()
	now := time.Now().UnixNano()
	ms := NewMarketState(1, arbtypes.Tier1, arbtypes.MarketBinary, 1, time.Second)

	ms.Fast.UpdateA(50, 100, now) // venue A yes
	ms.Fast.UpdateB(50, 100, now) // venue A no
	ms.Slow.UpdateA(49, 100, now) // venue B yes
	ms.Slow.UpdateB(51, 100, now) // venue B no

	res, ok := ms.CheckArbs(now)
	if !ok {
		t.Fatal("expected disparity at threshold 1")
	}
	if res.DisparityCents != 1 {
		t.Errorf("disparity = %d, want 1", res.DisparityCents)
	}

	ms2 := NewMarketState(1, arbtypes.Tier1, arbtypes.MarketBinary, 2, time.Second)
	ms2.Fast.UpdateA(50, 100, now)
	ms2.Fast.UpdateB(50, 100, now)
	ms2.Slow.UpdateA(49, 100, now)
	ms2.Slow.UpdateB(51, 100, now)
	if _, ok := ms2.CheckArbs(now); ok {
		t.Error("expected no disparity at threshold 2")
	}
}

func TestCheckArbsRequiresNonZeroQuotes(t *testing.T) {
	t.Parallel()
	now := time.Now().UnixNano()
	ms := NewMarketState(1, arbtypes.Tier1, arbtypes.MarketBinary, 1, time.Second)
	ms.Fast.UpdateA(50, 100, now)
	ms.Fast.UpdateB(50, 100, now)
	// Slow book never updated -> zero quotes.
	if _, ok := ms.CheckArbs(now); ok {
		t.Error("expected no arb when one side has no quote")
	}
}

func TestCheckArbsStaleness(t *testing.T) {
	t.Parallel()
	now := time.Now().UnixNano()
	window := 500 * time.Millisecond
	ms := NewMarketState(1, arbtypes.Tier1, arbtypes.MarketBinary, 1, window)

	ms.Fast.UpdateA(50, 100, now)
	ms.Fast.UpdateB(50, 100, now)
	ms.Slow.UpdateA(40, 100, now-int64(2*window))
	ms.Slow.UpdateB(60, 100, now-int64(2*window))

	if _, ok := ms.CheckArbs(now); ok {
		t.Error("expected staleness to suppress the arb")
	}
}
