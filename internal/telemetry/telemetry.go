// Package telemetry implements the read-only snapshot producer (spec §4.8):
// a point-in-time view over counters, regime transitions, signal outcomes,
// per-venue exposure, circuit-breaker states, and per-tick latency
// percentiles, aggregated from every other component without owning any of
// their state directly.
//
// Grounded on the teacher's internal/risk/manager.go GetRiskSnapshot /
// RiskSnapshot pattern: a mutex-guarded aggregator that copies its counters
// into a plain value type on Snapshot(), so a caller can read it without
// holding any lock open. The latency percentile tracker is a fixed-size
// ring buffer sorted on snapshot — the teacher and the rest of the examples
// pack carry no metrics-histogram library, so this one piece stays
// stdlib-only (sort, sync) rather than pulling in a full metrics client for
// three percentiles that are never exported over HTTP in this system.
package telemetry

import (
	"sort"
	"sync"

	"latency-arb-engine/pkg/arbtypes"
)

// latencyRingSize bounds the number of raw per-tick latency samples kept
// for percentile estimation; older samples are overwritten in place.
const latencyRingSize = 4096

// Snapshot is the immutable point-in-time view returned by Collector.Snapshot.
type Snapshot struct {
	UpdatesProcessed uint64

	RegimeQuietEntries     uint64
	RegimeSteamEntries     uint64
	RegimeSuspendedEntries uint64

	SignalsCreated  uint64
	SignalsAccepted uint64
	SignalsRejected map[arbtypes.RejectCause]uint64

	NetExposureCents map[string]int64
	BreakerStates    map[string]arbtypes.BreakerState

	LatencyP50Ns int64
	LatencyP95Ns int64
	LatencyP99Ns int64
}

// Collector aggregates counters pushed by every other pipeline component.
// One instance is shared engine-wide; all mutating methods are safe for
// concurrent use by multiple partition workers.
type Collector struct {
	mu sync.Mutex

	updatesProcessed uint64

	regimeQuietEntries     uint64
	regimeSteamEntries     uint64
	regimeSuspendedEntries uint64

	signalsCreated  uint64
	signalsAccepted uint64
	signalsRejected map[arbtypes.RejectCause]uint64

	netExposureCents map[string]int64
	breakerStates    map[string]arbtypes.BreakerState

	latencies    [latencyRingSize]int64
	latencyCount int
	latencyNext  int
}

// NewCollector builds an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		signalsRejected:  make(map[arbtypes.RejectCause]uint64),
		netExposureCents: make(map[string]int64),
		breakerStates:    make(map[string]arbtypes.BreakerState),
	}
}

// RecordUpdate marks one filter/book update processed, and records the
// processing latency (wall-clock nanoseconds the tick took end-to-end) into
// the percentile ring.
func (c *Collector) RecordUpdate(latencyNs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updatesProcessed++
	c.latencies[c.latencyNext] = latencyNs
	c.latencyNext = (c.latencyNext + 1) % latencyRingSize
	if c.latencyCount < latencyRingSize {
		c.latencyCount++
	}
}

// RecordRegimeEntry counts a transition into regime (called only when the
// regime actually changes, not on every tick already in that regime).
func (c *Collector) RecordRegimeEntry(regime arbtypes.Regime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch regime {
	case arbtypes.RegimeQuiet:
		c.regimeQuietEntries++
	case arbtypes.RegimeSteam:
		c.regimeSteamEntries++
	case arbtypes.RegimeSuspended:
		c.regimeSuspendedEntries++
	}
}

// RecordSignalCreated counts a Signal before risk evaluation, whether the
// correlator emitted it or the engine built it from a direct book-level arb.
func (c *Collector) RecordSignalCreated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalsCreated++
}

// RecordSignalAccepted counts a Signal the Risk Gate turned into an Intent.
func (c *Collector) RecordSignalAccepted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalsAccepted++
}

// RecordSignalRejected counts a Signal the Risk Gate refused, by cause.
func (c *Collector) RecordSignalRejected(cause arbtypes.RejectCause) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalsRejected[cause]++
}

// SetNetExposure records a venue's current net exposure, overwriting any
// prior value — the caller (engine, after each Risk Gate evaluation) reads
// this straight from risk.Manager.NetExposure.
func (c *Collector) SetNetExposure(venue string, netCents int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.netExposureCents[venue] = netCents
}

// SetBreakerState records a venue's current circuit-breaker state.
func (c *Collector) SetBreakerState(venue string, state arbtypes.BreakerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakerStates[venue] = state
}

// Snapshot copies out the current aggregate state, computing latency
// percentiles over whatever samples are currently in the ring.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	rejected := make(map[arbtypes.RejectCause]uint64, len(c.signalsRejected))
	for k, v := range c.signalsRejected {
		rejected[k] = v
	}
	exposure := make(map[string]int64, len(c.netExposureCents))
	for k, v := range c.netExposureCents {
		exposure[k] = v
	}
	breakers := make(map[string]arbtypes.BreakerState, len(c.breakerStates))
	for k, v := range c.breakerStates {
		breakers[k] = v
	}

	p50, p95, p99 := c.percentilesLocked()

	return Snapshot{
		UpdatesProcessed:       c.updatesProcessed,
		RegimeQuietEntries:     c.regimeQuietEntries,
		RegimeSteamEntries:     c.regimeSteamEntries,
		RegimeSuspendedEntries: c.regimeSuspendedEntries,
		SignalsCreated:         c.signalsCreated,
		SignalsAccepted:        c.signalsAccepted,
		SignalsRejected:        rejected,
		NetExposureCents:       exposure,
		BreakerStates:          breakers,
		LatencyP50Ns:           p50,
		LatencyP95Ns:           p95,
		LatencyP99Ns:           p99,
	}
}

func (c *Collector) percentilesLocked() (p50, p95, p99 int64) {
	if c.latencyCount == 0 {
		return 0, 0, 0
	}
	samples := make([]int64, c.latencyCount)
	copy(samples, c.latencies[:c.latencyCount])
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	pick := func(pct float64) int64 {
		idx := int(pct * float64(len(samples)-1))
		return samples[idx]
	}
	return pick(0.50), pick(0.95), pick(0.99)
}
