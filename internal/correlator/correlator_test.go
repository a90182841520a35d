package correlator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"latency-arb-engine/internal/config"
	"latency-arb-engine/pkg/arbtypes"
)

func testCorrelator(t *testing.T) *Correlator {
	t.Helper()
	cfg := config.CorrelatorConfig{
		MinDisparityCents: 2,
		MinTSDiff:         50 * time.Millisecond,
		SignalTTL:         30 * time.Second,
		MaxConvergence:    5 * time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, config.DefaultRuleTable(), nil, logger)
}

// TestConvergencePruning mirrors spec §8 boundary scenario 3: two venues
// with a 3-cent disparity but timestamps 10ms apart emit no Signal (below
// the 50ms threshold); at 100ms apart a Signal is emitted with
// time_factor = 1.0 (confidence == base * disparity_factor * 1.0).
func TestConvergencePruning(t *testing.T) {
	t.Parallel()
	c := testCorrelator(t)

	base := arbtypes.Observation{
		MarketID:   7,
		Venue:      "venueA",
		MarketType: arbtypes.MarketSports,
		Tier:       arbtypes.Tier1,
		PriceCents: 100,
		Size:       10,
		TimestampNs: 1_000_000_000,
	}
	other := base
	other.Venue = "venueB"
	other.MarketType = arbtypes.MarketSports
	other.Tier = arbtypes.Tier3
	other.PriceCents = 103
	other.TimestampNs = base.TimestampNs + int64(10*time.Millisecond)

	c.Ingest(base)
	sigs := c.Ingest(other)
	if len(sigs) != 0 {
		t.Fatalf("expected no signal at 10ms apart, got %d", len(sigs))
	}

	c2 := testCorrelator(t)
	other.TimestampNs = base.TimestampNs + int64(100*time.Millisecond)
	c2.Ingest(base)
	sigs = c2.Ingest(other)
	if len(sigs) != 1 {
		t.Fatalf("expected one signal at 100ms apart, got %d", len(sigs))
	}
	wantConfidence := baseConfidence(52) * disparityFactor(3) * 1.0
	if sigs[0].Confidence != wantConfidence {
		t.Errorf("confidence = %v, want %v (time_factor=1.0)", sigs[0].Confidence, wantConfidence)
	}
}

func TestIngestRequiresNonZeroSize(t *testing.T) {
	t.Parallel()
	c := testCorrelator(t)
	a := arbtypes.Observation{MarketID: 1, Venue: "venueA", MarketType: arbtypes.MarketSports, Tier: arbtypes.Tier1, PriceCents: 100, Size: 0, TimestampNs: 1}
	b := arbtypes.Observation{MarketID: 1, Venue: "venueB", MarketType: arbtypes.MarketSports, Tier: arbtypes.Tier3, PriceCents: 110, Size: 10, TimestampNs: int64(200 * time.Millisecond)}
	c.Ingest(a)
	if sigs := c.Ingest(b); len(sigs) != 0 {
		t.Error("expected no signal when one observation has zero size")
	}
}

func TestIngestIgnoresSameVenue(t *testing.T) {
	t.Parallel()
	c := testCorrelator(t)
	a := arbtypes.Observation{MarketID: 1, Venue: "venueA", MarketType: arbtypes.MarketSports, Tier: arbtypes.Tier1, PriceCents: 100, Size: 10, TimestampNs: 1}
	b := arbtypes.Observation{MarketID: 1, Venue: "venueA", MarketType: arbtypes.MarketSports, Tier: arbtypes.Tier3, PriceCents: 110, Size: 10, TimestampNs: int64(200 * time.Millisecond)}
	c.Ingest(a)
	if sigs := c.Ingest(b); len(sigs) != 0 {
		t.Error("expected no signal for same-venue observations")
	}
}

func TestPurgeRemovesExpiredSignals(t *testing.T) {
	t.Parallel()
	c := testCorrelator(t)
	a := arbtypes.Observation{MarketID: 1, Venue: "venueA", MarketType: arbtypes.MarketSports, Tier: arbtypes.Tier1, PriceCents: 100, Size: 10, TimestampNs: 0}
	b := arbtypes.Observation{MarketID: 1, Venue: "venueB", MarketType: arbtypes.MarketSports, Tier: arbtypes.Tier3, PriceCents: 110, Size: 10, TimestampNs: int64(200 * time.Millisecond)}
	c.Ingest(a)
	c.Ingest(b)
	if c.ActiveSignalCount() != 1 {
		t.Fatal("expected one active signal before purge")
	}
	c.Purge(time.Now().UnixNano() + int64(60*time.Second))
	if c.ActiveSignalCount() != 0 {
		t.Error("expected signal purged after TTL elapsed")
	}
}
