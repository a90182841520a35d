package kalman

import (
	"math"

	"latency-arb-engine/pkg/arbtypes"
)

// Pattern IDs. HT→FT, Propagation, Velocity-convexity, and Micro-suspension
// numbers follow spec §4.3's ordering; BetaSkew keeps the numbering from
// original_source's pattern_73_beta_skew.rs, the pattern this module
// supplements beyond the spec's distillation (SPEC_FULL.md §6.3).
const (
	PatternHTInference        uint16 = 51
	PatternPropagationPath     uint16 = 52
	PatternVelocityConvexity   uint16 = 53
	PatternMicroSuspension     uint16 = 56
	PatternBetaSkew            uint16 = 73
)

// FilterState is the serializable snapshot of a filter's internals (spec
// §3). It round-trips through RestoreState so that checkpoint/resume
// produces a filter whose next Predict() is bit-identical to the original.
type FilterState struct {
	PatternID      uint16
	MarketKey      string
	StateVector    []float64
	Covariance     []float64
	Regime         arbtypes.Regime
	VelocityWindow []float64
	LastUpdateNs   int64
}

// Pattern is the common interface every pattern-specific filter exposes
// (spec §4.3, and the "tagged variant with common interface" design note in
// spec §9 rather than a dynamic-dispatch class hierarchy).
type Pattern interface {
	Predict()
	Update(z []float64) error
	DetectRegime(velocity float64)
	StateSnapshot(marketKey string, lastUpdateNs int64) FilterState
	Regime() arbtypes.Regime
	PositionUncertainty() float64
	Base() *AdaptiveKalmanFilter
}

// baseSnapshot is shared by every pattern's StateSnapshot implementation.
func baseSnapshot(k *AdaptiveKalmanFilter, patternID uint16, marketKey string, lastUpdateNs int64) FilterState {
	return FilterState{
		PatternID:      patternID,
		MarketKey:      marketKey,
		StateVector:    k.StateVector(),
		Covariance:     k.CovarianceFlat(),
		Regime:         k.regime,
		VelocityWindow: append([]float64(nil), k.velocityWindow...),
		LastUpdateNs:   lastUpdateNs,
	}
}

// Restore rebuilds filter internals (state, covariance, regime, velocity
// window) from a previously captured FilterState. A corrupt or missing
// checkpoint is the caller's responsibility to detect; Restore itself just
// applies whatever is given.
func Restore(k *AdaptiveKalmanFilter, s FilterState) {
	k.RestoreState(s.StateVector, s.Covariance)
	k.regime = s.Regime
	k.velocityWindow = append([]float64(nil), s.VelocityWindow...)
}

// ————————————————————————————————————————————————————————————————————————
// Pattern #51: HT→FT inference
// ————————————————————————————————————————————————————————————————————————

// HTInferenceFilter models [ft_position, velocity, ht_influence]; F couples
// ht_influence into velocity so that a half-time line move propagates into
// the full-time prediction. Grounded on
// original_source/kalman_filter_suite.rs's HalfTimeInferenceKF.
type HTInferenceFilter struct {
	*AdaptiveKalmanFilter
	dt              float64
	propagationCoef float64
}

// NewHTInferenceFilter builds the HT→FT filter with time step dt seconds.
func NewHTInferenceFilter(dt float64, velocityThreshold float64, regimeWindow int) *HTInferenceFilter {
	base := NewAdaptiveKalmanFilter(3, 1, velocityThreshold, regimeWindow)

	// [ft_position, velocity, ht_influence]
	base.F.Set(0, 0, 1)
	base.F.Set(0, 1, dt)
	base.F.Set(0, 2, 0.5*dt*dt)
	base.F.Set(1, 1, 1)
	base.F.Set(1, 2, dt)
	base.F.Set(2, 2, 0.95) // HT influence decays slowly

	base.H.Set(0, 0, 1) // observe FT position only

	base.QQuiet.Set(2, 2, 0.01)
	base.QSteam.Set(2, 2, 0.5)

	return &HTInferenceFilter{AdaptiveKalmanFilter: base, dt: dt, propagationCoef: 0.7}
}

// ApplyHalfTimeDelta injects an HT line move as a control input into the
// ht_influence state (index 2), which the transition couples into velocity
// on the next Predict — 70% of an HT move is empirically expected to
// propagate to FT.
func (f *HTInferenceFilter) ApplyHalfTimeDelta(htDelta float64) {
	cur := f.X.AtVec(2)
	f.X.SetVec(2, cur+htDelta*f.propagationCoef)
}

// PredictFTTotal returns the filter's current full-time total prediction.
func (f *HTInferenceFilter) PredictFTTotal() float64 { return f.Position() }

// ShouldEmitEdge reports whether the predicted-vs-observed gap is large
// enough to emit an edge, which per spec §4.3 only happens in the Steam
// regime.
func (f *HTInferenceFilter) ShouldEmitEdge(observed, threshold float64) bool {
	if f.Regime() != arbtypes.RegimeSteam {
		return false
	}
	diff := f.PredictFTTotal() - observed
	if diff < 0 {
		diff = -diff
	}
	return diff > threshold
}

func (f *HTInferenceFilter) StateSnapshot(marketKey string, lastUpdateNs int64) FilterState {
	return baseSnapshot(f.AdaptiveKalmanFilter, PatternHTInference, marketKey, lastUpdateNs)
}

func (f *HTInferenceFilter) Base() *AdaptiveKalmanFilter { return f.AdaptiveKalmanFilter }

// ————————————————————————————————————————————————————————————————————————
// Pattern #52: Propagation path
// ————————————————————————————————————————————————————————————————————————

// PropagationFilter models [ml, spread, total, props] with an
// upper-triangular causal DAG: moneyline moves first, then spread, then
// total, with fixed empirical coupling coefficients — each market type's
// update lags the one before it in the chain.
type PropagationFilter struct {
	*AdaptiveKalmanFilter
}

// NewPropagationFilter builds the 4-dimensional causal-chain filter.
func NewPropagationFilter(dt float64, velocityThreshold float64, regimeWindow int) *PropagationFilter {
	base := NewAdaptiveKalmanFilter(4, 4, velocityThreshold, regimeWindow)

	// Upper-triangular causal coupling: each later component absorbs a
	// fixed fraction of the earlier ones' current value, plus decay.
	coupling := [4][4]float64{
		{0.98, 0.15, 0.05, 0.02},
		{0, 0.95, 0.20, 0.05},
		{0, 0, 0.93, 0.25},
		{0, 0, 0, 0.90},
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			base.F.Set(i, j, coupling[i][j])
		}
	}
	for i := 0; i < 4; i++ {
		base.H.Set(i, i, 1)
	}

	return &PropagationFilter{AdaptiveKalmanFilter: base}
}

// EstimateDelayNs estimates the propagation delay between two coupled
// markets from the ratio of covariance to velocity — a larger covariance
// relative to velocity implies the filter is less confident about how far
// the move has propagated, i.e. a longer remaining delay.
func (f *PropagationFilter) EstimateDelayNs(tierHalfLifeNs int64) int64 {
	vel := f.Velocity()
	if vel == 0 {
		return tierHalfLifeNs
	}
	ratio := f.PositionUncertainty() / math.Abs(vel)
	delay := ratio * float64(tierHalfLifeNs)
	if delay > float64(tierHalfLifeNs) {
		delay = float64(tierHalfLifeNs)
	}
	if delay < 0 {
		delay = 0
	}
	return int64(delay)
}

func (f *PropagationFilter) StateSnapshot(marketKey string, lastUpdateNs int64) FilterState {
	return baseSnapshot(f.AdaptiveKalmanFilter, PatternPropagationPath, marketKey, lastUpdateNs)
}

func (f *PropagationFilter) Base() *AdaptiveKalmanFilter { return f.AdaptiveKalmanFilter }

// ————————————————————————————————————————————————————————————————————————
// Pattern #53: Velocity convexity
// ————————————————————————————————————————————————————————————————————————

// VelocityConvexityFilter models [pos, vel, accel, time_remaining]. As
// time_remaining shrinks, F injects a -k/time_remaining coupling between
// velocity and acceleration (a clock-dependent market tends to accelerate
// its convergence as the event approaches).
type VelocityConvexityFilter struct {
	*AdaptiveKalmanFilter
	dt float64
	k  float64
}

// NewVelocityConvexityFilter builds the filter; k is the convexity
// coupling strength (empirically ~1.0).
func NewVelocityConvexityFilter(dt, k float64, velocityThreshold float64, regimeWindow int) *VelocityConvexityFilter {
	base := NewAdaptiveKalmanFilter(4, 4, velocityThreshold, regimeWindow)
	base.H.Set(0, 0, 1)
	base.H.Set(1, 1, 1)
	base.H.Set(2, 2, 1)
	base.H.Set(3, 3, 1)

	f := &VelocityConvexityFilter{AdaptiveKalmanFilter: base, dt: dt, k: k}
	f.refreshTransition()
	return f
}

// refreshTransition rebuilds F from the current time_remaining state. Must
// be called before each Predict so the -k/time_remaining coupling reflects
// the latest state, not a stale snapshot.
func (f *VelocityConvexityFilter) refreshTransition() {
	dt := f.dt
	f.F.Set(0, 0, 1)
	f.F.Set(0, 1, dt)
	f.F.Set(1, 1, 1)
	f.F.Set(1, 2, dt)
	f.F.Set(2, 2, 1)
	f.F.Set(3, 3, 1)

	timeRemaining := f.X.AtVec(3)
	if timeRemaining > 0 {
		f.F.Set(1, 2, dt-f.k/timeRemaining*dt)
	}
}

// Predict overrides the base Predict to refresh the time-dependent
// coupling first.
func (f *VelocityConvexityFilter) Predict() {
	f.refreshTransition()
	f.AdaptiveKalmanFilter.Predict()
}

// ShouldEmit reports whether the filter has converged enough to act: the
// event must be inside 300s and the predicted-position variance below
// 0.01 (spec §4.3).
func (f *VelocityConvexityFilter) ShouldEmit() bool {
	timeRemaining := f.X.AtVec(3)
	return timeRemaining > 0 && timeRemaining < 300 && f.PositionUncertainty() < 0.01
}

func (f *VelocityConvexityFilter) StateSnapshot(marketKey string, lastUpdateNs int64) FilterState {
	return baseSnapshot(f.AdaptiveKalmanFilter, PatternVelocityConvexity, marketKey, lastUpdateNs)
}

func (f *VelocityConvexityFilter) Base() *AdaptiveKalmanFilter { return f.AdaptiveKalmanFilter }

// ————————————————————————————————————————————————————————————————————————
// Pattern #56: Micro-suspension
// ————————————————————————————————————————————————————————————————————————

// MicroSuspensionFilter models [p_active, suspension_flag] with a
// near-absorbing transition: once suspension_flag trends toward 1,
// p_active decays toward 0 and rarely recovers within the same filter
// lifetime.
type MicroSuspensionFilter struct {
	*AdaptiveKalmanFilter
}

// NewMicroSuspensionFilter builds the 2-dimensional near-absorbing filter.
func NewMicroSuspensionFilter(velocityThreshold float64, regimeWindow int) *MicroSuspensionFilter {
	base := NewAdaptiveKalmanFilter(2, 2, velocityThreshold, regimeWindow)
	base.X.SetVec(0, 1.0) // p_active starts fully active

	base.F.Set(0, 0, 0.99) // p_active slowly decays absent contrary evidence
	base.F.Set(0, 1, -0.05)
	base.F.Set(1, 1, 0.98) // suspension_flag persists once elevated

	base.H.Set(0, 0, 1)
	base.H.Set(1, 1, 1)

	return &MicroSuspensionFilter{AdaptiveKalmanFilter: base}
}

// ImminentSuspensionWindowNs returns -ln(p_active) * tau, the spec's
// formula for the expected time window before suspension, with
// tau = 500ms.
func (f *MicroSuspensionFilter) ImminentSuspensionWindowNs() int64 {
	const tauNs = 500_000_000
	pActive := f.X.AtVec(0)
	if pActive <= 0 {
		pActive = 1e-9
	}
	if pActive >= 1 {
		return 0
	}
	return int64(-math.Log(pActive) * float64(tauNs))
}

func (f *MicroSuspensionFilter) StateSnapshot(marketKey string, lastUpdateNs int64) FilterState {
	return baseSnapshot(f.AdaptiveKalmanFilter, PatternMicroSuspension, marketKey, lastUpdateNs)
}

func (f *MicroSuspensionFilter) Base() *AdaptiveKalmanFilter { return f.AdaptiveKalmanFilter }

// ————————————————————————————————————————————————————————————————————————
// Pattern #73: Beta-skew correlation
//
// Supplements spec.md (dropped by the distillation, recovered from
// original_source's pattern_73_beta_skew.rs — see SPEC_FULL.md §6.3).
// ————————————————————————————————————————————————————————————————————————

// BetaSkewFilter models [skew, skew_velocity, beta]: the price skew between
// a primary market and a correlated proxy market, weighted by a
// slowly-adapting beta coefficient.
type BetaSkewFilter struct {
	*AdaptiveKalmanFilter
	dt            float64
	steadyStateStd float64
}

// NewBetaSkewFilter builds the beta-skew filter; steadyStateStd is the
// reference standard deviation used to judge whether skew has moved
// meaningfully (defaults to 1.0 if the caller has no prior estimate).
func NewBetaSkewFilter(dt, steadyStateStd float64, velocityThreshold float64, regimeWindow int) *BetaSkewFilter {
	base := NewAdaptiveKalmanFilter(3, 2, velocityThreshold, regimeWindow)

	base.F.Set(0, 0, 1)
	base.F.Set(0, 1, dt)
	base.F.Set(1, 1, 0.9) // skew velocity mean-reverts
	base.F.Set(2, 2, 0.999) // beta evolves near-identity, very slowly

	base.H.Set(0, 0, 1)
	base.H.Set(1, 1, 1)

	// beta's process noise stays tiny in both regimes: it is meant to be a
	// slow-moving hedge ratio, not something that chases short-term noise.
	base.QQuiet.Set(2, 2, 1e-5)
	base.QSteam.Set(2, 2, 1e-3)

	if steadyStateStd <= 0 {
		steadyStateStd = 1.0
	}

	return &BetaSkewFilter{AdaptiveKalmanFilter: base, dt: dt, steadyStateStd: steadyStateStd}
}

// Beta returns the current estimated beta coefficient.
func (f *BetaSkewFilter) Beta() float64 { return f.X.AtVec(2) }

// BetaVelocity is a stand-in for d(beta)/dt. Beta has no explicit velocity
// state, so this reads the beta estimate's uncertainty instead: a
// stabilized beta has settled covariance, so sqrt(|P[2][2]|) serves as
// "how much beta is still moving".
func (f *BetaSkewFilter) BetaVelocity() float64 {
	return math.Sqrt(math.Abs(f.P.At(2, 2)))
}

// ShouldEmit reports whether skew has moved far enough from its
// steady-state distribution, with beta stabilized, to act on.
func (f *BetaSkewFilter) ShouldEmit() bool {
	skew := f.X.AtVec(0)
	return math.Abs(skew) > 2*f.steadyStateStd && f.BetaVelocity() < 0.01
}

func (f *BetaSkewFilter) StateSnapshot(marketKey string, lastUpdateNs int64) FilterState {
	return baseSnapshot(f.AdaptiveKalmanFilter, PatternBetaSkew, marketKey, lastUpdateNs)
}

func (f *BetaSkewFilter) Base() *AdaptiveKalmanFilter { return f.AdaptiveKalmanFilter }

// ————————————————————————————————————————————————————————————————————————
// Registry
// ————————————————————————————————————————————————————————————————————————

// Config carries the hyperparameters every pattern constructor needs
// (spec §6 Filter config block).
type Config struct {
	DT                float64
	VelocityThreshold float64
	RegimeWindow      int
	ConvexityK        float64
}

// NewByPattern constructs the filter registered for patternID. A registry
// maps pattern_id to a constructor rather than dynamic dispatch across a
// class hierarchy (spec §9 design note).
func NewByPattern(patternID uint16, cfg Config) Pattern {
	switch patternID {
	case PatternHTInference:
		return NewHTInferenceFilter(cfg.DT, cfg.VelocityThreshold, cfg.RegimeWindow)
	case PatternPropagationPath:
		return NewPropagationFilter(cfg.DT, cfg.VelocityThreshold, cfg.RegimeWindow)
	case PatternVelocityConvexity:
		return NewVelocityConvexityFilter(cfg.DT, cfg.ConvexityK, cfg.VelocityThreshold, cfg.RegimeWindow)
	case PatternMicroSuspension:
		return NewMicroSuspensionFilter(cfg.VelocityThreshold, cfg.RegimeWindow)
	case PatternBetaSkew:
		return NewBetaSkewFilter(cfg.DT, 1.0, cfg.VelocityThreshold, cfg.RegimeWindow)
	default:
		return nil
	}
}
