// Package risk implements the Risk Gate (spec §4.5): it converts candidate
// Signals into approved Intents, or rejects them, by running each Signal
// through circuit breakers, an exposure ledger, a half-life edge-decay
// check, and a sizing step.
//
// Reworked from the teacher's internal/risk/manager.go: the teacher
// aggregates PositionReports into a single global kill switch; this gate
// instead evaluates one Signal at a time against per-venue state and
// returns a per-Signal accept/reject decision, but keeps the teacher's
// mutex-guarded Manager shape, `logger.With("component", ...)` idiom, and
// channel-free synchronous API (the engine calls Evaluate directly from
// its per-partition worker, rather than posting to a report channel, since
// each worker already owns its market partition single-writer).
package risk

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"latency-arb-engine/internal/config"
	"latency-arb-engine/pkg/arbtypes"
)

// CircuitBreaker is the per-venue failure state machine (spec §4.5):
// Closed -> Open after N consecutive failures; Open -> HalfOpen after a
// cool-off elapses; a HalfOpen success closes it, a HalfOpen failure
// reopens it.
type CircuitBreaker struct {
	State               arbtypes.BreakerState
	ConsecutiveFailures int
	OpenedAtNs          int64
}

// ExposureEntry tracks one venue's net signed exposure in cents.
type ExposureEntry struct {
	Venue          string
	NetCents       int64
	VolumeEstimate float64 // EWMA of observed size, alpha=0.1
}

// reservation records the venue/size an approved Intent reserved against
// the exposure ledger, so a later ExecutionReport can release or confirm
// it without the caller re-supplying venue/size.
type reservation struct {
	venue string
	delta int64
}

// Manager is the Risk Gate. One instance serves the whole engine; it is
// single-writer per venue in spirit (spec §5) but guards its maps with a
// mutex since multiple partition workers can propose Signals touching the
// same venue concurrently.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	exposure map[string]*ExposureEntry
	pending  map[string]reservation // signal ID -> reservation, until ExecutionReport
}

// NewManager builds a Risk Gate. The caller supplies nowNs explicitly to
// every method that needs the current time (Evaluate, RecordFailure,
// ReportExecution) rather than the Manager owning a Clock, since breaker
// cool-off timing must line up exactly with the caller's notion of time in
// tests.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "risk"),
		breakers: make(map[string]*CircuitBreaker),
		exposure: make(map[string]*ExposureEntry),
		pending:  make(map[string]reservation),
	}
}

// Evaluate runs a Signal through the four ordered gates of spec §4.5 and
// returns either an approved Intent or a RejectCause. requestedSizeCents is
// the caller's target notional before sizing is applied.
func (m *Manager) Evaluate(sig arbtypes.Signal, requestedSizeCents uint64, nowNs int64) (arbtypes.Intent, arbtypes.RejectCause, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fastVenue, slowVenue := sig.Fast.Venue, sig.Slow.Venue

	// 1. Circuit breakers — both venues must allow trade.
	if !m.venueAllowsLocked(fastVenue, nowNs) || !m.venueAllowsLocked(slowVenue, nowNs) {
		return arbtypes.Intent{}, arbtypes.RejectCircuitBreaker, false
	}

	// Target venue: the slower-converging venue is the one we act on —
	// the faster venue has already priced the move in.
	targetVenue := slowVenue
	side := arbtypes.BUY
	if sig.DisparityCents < 0 {
		side = arbtypes.SELL
	}

	// 2. Exposure.
	proposed := int64(requestedSizeCents)
	if side == arbtypes.SELL {
		proposed = -proposed
	}
	if !m.exposureAllowsLocked(targetVenue, proposed) {
		return arbtypes.Intent{}, arbtypes.RejectExposureLimit, false
	}

	// 3. Half-life decay floor: remainingEdgeCents is non-increasing in
	// deltaNs (the edge only ever decays) and execution is assumed
	// immediate once a Signal clears the gate, so the floor check is
	// evaluated at deltaNs=0 rather than searching for a "best" delay that
	// would never be anything but zero (spec §4.5).
	halfLife := sig.Slow.Tier.HalfLifeNs()
	initialDisparity := sig.DisparityCents
	remaining := remainingEdgeCents(initialDisparity, halfLife, 0)
	absDisparity := math.Abs(float64(initialDisparity))
	fraction := 0.0
	if absDisparity > 0 {
		fraction = remaining / absDisparity
	}
	if fraction < m.cfg.HalfLifeEdgeFloor || remaining < 2.0 {
		return arbtypes.Intent{}, arbtypes.RejectHalfLifeDecay, false
	}

	// 4. Sizing.
	entry := m.exposureEntryLocked(targetVenue)
	adaptiveFactor := fraction
	if adaptiveFactor > 1.0 {
		adaptiveFactor = 1.0
	}
	safeSize := math.Min(float64(requestedSizeCents), entry.VolumeEstimate*m.cfg.MaxOrderFraction) * adaptiveFactor
	if safeSize < 100 {
		safeSize = 100
	}
	sizeCents := uint64(safeSize)

	entry.VolumeEstimate = entry.VolumeEstimate*0.9 + float64(sig.Slow.Size)*0.1

	signedDelta := int64(sizeCents)
	if side == arbtypes.SELL {
		signedDelta = -signedDelta
	}
	entry.NetCents += signedDelta
	m.pending[sig.ID] = reservation{venue: targetVenue, delta: signedDelta}

	intent := arbtypes.Intent{
		ID:         sig.ID + "-intent",
		SignalID:   sig.ID,
		Venue:      targetVenue,
		PriceCents: sig.Slow.PriceCents,
		Side:       side,
		SizeCents:  sizeCents,
		DeadlineNs: nowNs,
		RiskScore:  1.0 - fraction,
	}
	return intent, "", true
}

// ReportExecution feeds an ExecutionReport back into the breaker and
// exposure ledger (spec §4.5, §6 intent sink contract). On failure, the
// reserved exposure is released (the order never filled) and the venue's
// breaker records a failure; on success, the exposure stays applied and
// the breaker records a success.
func (m *Manager) ReportExecution(report arbtypes.ExecutionReport, nowNs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.pending[report.SignalID]
	if !ok {
		return
	}
	delete(m.pending, report.SignalID)

	if report.Success {
		m.recordSuccessLocked(res.venue)
		return
	}

	if entry, ok := m.exposure[res.venue]; ok {
		entry.NetCents -= res.delta
	}
	m.recordFailureLocked(res.venue, nowNs)
}

// RecordFailure directly marks a venue failure against its breaker,
// bypassing the Intent/ExecutionReport reservation flow — used when a
// venue signals failure out of band (e.g. a connectivity probe).
func (m *Manager) RecordFailure(venue string, nowNs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFailureLocked(venue, nowNs)
}

// RecordSuccess directly marks a venue success against its breaker.
func (m *Manager) RecordSuccess(venue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordSuccessLocked(venue)
}

func (m *Manager) recordFailureLocked(venue string, nowNs int64) {
	b := m.breakerLocked(venue)
	b.ConsecutiveFailures++
	switch b.State {
	case arbtypes.BreakerClosed:
		if b.ConsecutiveFailures >= m.cfg.CircuitFailureThreshold {
			b.State = arbtypes.BreakerOpen
			b.OpenedAtNs = nowNs
			m.logger.Warn("circuit breaker opened", "venue", venue, "failures", b.ConsecutiveFailures)
		}
	case arbtypes.BreakerHalfOpen:
		b.State = arbtypes.BreakerOpen
		b.OpenedAtNs = nowNs
		m.logger.Warn("circuit breaker reopened after failed probe", "venue", venue)
	}
}

func (m *Manager) recordSuccessLocked(venue string) {
	b := m.breakerLocked(venue)
	b.ConsecutiveFailures = 0
	if b.State == arbtypes.BreakerHalfOpen {
		b.State = arbtypes.BreakerClosed
		m.logger.Info("circuit breaker closed after successful probe", "venue", venue)
	}
}

// venueAllowsLocked reports whether venue is open for trade, advancing
// Open -> HalfOpen if the cool-off has elapsed.
func (m *Manager) venueAllowsLocked(venue string, nowNs int64) bool {
	b := m.breakerLocked(venue)
	switch b.State {
	case arbtypes.BreakerClosed, arbtypes.BreakerHalfOpen:
		return true
	case arbtypes.BreakerOpen:
		if time.Duration(nowNs-b.OpenedAtNs) >= m.cfg.CircuitCoolOff {
			b.State = arbtypes.BreakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (m *Manager) breakerLocked(venue string) *CircuitBreaker {
	b, ok := m.breakers[venue]
	if !ok {
		b = &CircuitBreaker{State: arbtypes.BreakerClosed}
		m.breakers[venue] = b
	}
	return b
}

func (m *Manager) exposureEntryLocked(venue string) *ExposureEntry {
	e, ok := m.exposure[venue]
	if !ok {
		e = &ExposureEntry{Venue: venue}
		m.exposure[venue] = e
	}
	return e
}

func (m *Manager) exposureAllowsLocked(venue string, proposed int64) bool {
	e := m.exposureEntryLocked(venue)
	next := e.NetCents + proposed
	if next < 0 {
		next = -next
	}
	limit := int64(m.cfg.PerVenueLimitCents)
	return next <= limit
}

// NetExposure returns a venue's current net signed exposure (telemetry).
func (m *Manager) NetExposure(venue string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.exposure[venue]; ok {
		return e.NetCents
	}
	return 0
}

// BreakerState returns a venue's current breaker state (telemetry).
func (m *Manager) BreakerState(venue string) arbtypes.BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[venue]; ok {
		return b.State
	}
	return arbtypes.BreakerClosed
}

// remainingEdgeCents implements spec §4.5's half-life decay formula:
// disparity * 0.5^(deltaNs/halfLifeNs).
func remainingEdgeCents(initialDisparityCents int32, halfLifeNs, deltaNs int64) float64 {
	if halfLifeNs <= 0 {
		halfLifeNs = 1
	}
	exponent := float64(deltaNs) / float64(halfLifeNs)
	return math.Abs(float64(initialDisparityCents)) * math.Pow(0.5, exponent)
}

