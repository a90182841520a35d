// Package kalman implements the adaptive Kalman filter suite (spec §4.3):
// a common predict/update/regime-detection skeleton shared by five
// pattern-specific filters, each modeling the convergence dynamics of one
// class of cross-venue arbitrage.
//
// The numerical core is grounded directly on original_source's
// kal-poly-bot/poly-kalshi-arb/src/kalman_filter_suite.rs
// (AdaptiveKalmanFilter: predict / update / detect_regime), translated from
// nalgebra's DMatrix/DVector to gonum's mat.Dense/mat.VecDense — the
// idiomatic Go analogue for dense numerical linear algebra on a hot path
// (see DESIGN.md for why no lighter alternative fits here).
package kalman

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"latency-arb-engine/pkg/arbtypes"
)

// ErrDimensionMismatch is returned by Update when the observation vector's
// length does not match the filter's observation dimension.
var ErrDimensionMismatch = errors.New("kalman: observation dimension mismatch")

const ridgeEpsilon = 1e-6

// AdaptiveKalmanFilter is the base state-space filter shared by all
// patterns. State vector x, covariance P (SPD), transition F, observation
// H, regime-dependent process noise Q(regime), observation noise R.
type AdaptiveKalmanFilter struct {
	StateDim int
	ObsDim   int

	X *mat.VecDense // state vector, n x 1
	P *mat.Dense    // covariance, n x n, SPD

	F      *mat.Dense // transition, n x n
	H      *mat.Dense // observation, obsDim x n
	QQuiet *mat.Dense // process noise in Quiet regime, n x n
	QSteam *mat.Dense // process noise in Steam regime, n x n
	R      *mat.Dense // observation noise, obsDim x obsDim, diagonal & strictly positive

	regime arbtypes.Regime

	velocityWindow      []float64
	velocityWindowSize  int
	velocityThreshold   float64

	// degradedCount counts updates skipped because S could not be inverted
	// even after ridge conditioning (spec §4.3 numerical policy).
	degradedCount uint64
}

// NewAdaptiveKalmanFilter builds a filter with identity transition, zero
// observation matrix, and default noise levels — callers (the pattern
// constructors) overwrite F/H/Q/R with pattern-specific matrices.
func NewAdaptiveKalmanFilter(stateDim, obsDim int, velocityThreshold float64, regimeWindow int) *AdaptiveKalmanFilter {
	x := mat.NewVecDense(stateDim, nil)

	p := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		p.Set(i, i, 100.0) // high initial uncertainty, per original_source
	}

	f := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		f.Set(i, i, 1.0)
	}

	h := mat.NewDense(obsDim, stateDim, nil)

	qQuiet := mat.NewDense(stateDim, stateDim, nil)
	qSteam := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		qQuiet.Set(i, i, 1e-3)
		qSteam.Set(i, i, 1e-1)
	}

	r := mat.NewDense(obsDim, obsDim, nil)
	for i := 0; i < obsDim; i++ {
		r.Set(i, i, 5e-2)
	}

	return &AdaptiveKalmanFilter{
		StateDim:           stateDim,
		ObsDim:             obsDim,
		X:                  x,
		P:                  p,
		F:                  f,
		H:                  h,
		QQuiet:             qQuiet,
		QSteam:             qSteam,
		R:                  r,
		regime:             arbtypes.RegimeQuiet,
		velocityWindowSize: regimeWindow,
		velocityThreshold:  velocityThreshold,
	}
}

// Predict advances the state and covariance one step using the
// regime-selected process noise: x <- Fx; P <- F P Fᵀ + Q(regime).
func (k *AdaptiveKalmanFilter) Predict() {
	var xNew mat.VecDense
	xNew.MulVec(k.F, k.X)
	k.X = &xNew

	q := k.QQuiet
	if k.regime == arbtypes.RegimeSteam {
		q = k.QSteam
	}

	var fp, fpft mat.Dense
	fp.Mul(k.F, k.P)
	fpft.Mul(&fp, k.F.T())
	fpft.Add(&fpft, q)
	k.P = &fpft
}

// Update incorporates observation z via the Joseph-form covariance update,
// which preserves symmetric positive-definiteness under rounding (spec
// §4.3, §9). If S cannot be inverted even after ridge conditioning, the
// update is skipped (predicted state retained) and the degraded counter is
// incremented instead of propagating an error up the pipeline.
func (k *AdaptiveKalmanFilter) Update(z []float64) error {
	if len(z) != k.ObsDim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, k.ObsDim, len(z))
	}
	zVec := mat.NewVecDense(k.ObsDim, z)

	// Innovation: y = z - H x
	var hx mat.VecDense
	hx.MulVec(k.H, k.X)
	var y mat.VecDense
	y.SubVec(zVec, &hx)

	// Innovation covariance: S = H P Hᵀ + R + epsilon*I
	var hp, hpht mat.Dense
	hp.Mul(k.H, k.P)
	hpht.Mul(&hp, k.H.T())
	hpht.Add(&hpht, k.R)
	for i := 0; i < k.ObsDim; i++ {
		hpht.Set(i, i, hpht.At(i, i)+ridgeEpsilon)
	}

	var sInv mat.Dense
	if err := sInv.Inverse(&hpht); err != nil {
		k.degradedCount++
		return nil // predicted state retained; transient per spec §7
	}

	// Kalman gain: K = P Hᵀ S⁻¹
	var pht mat.Dense
	pht.Mul(k.P, k.H.T())
	var kGain mat.Dense
	kGain.Mul(&pht, &sInv)

	// State update: x <- x + K y
	var ky mat.VecDense
	ky.MulVec(&kGain, &y)
	var xNew mat.VecDense
	xNew.AddVec(k.X, &ky)
	k.X = &xNew

	// Joseph form: P <- (I-KH) P (I-KH)ᵀ + K R Kᵀ
	var kh mat.Dense
	kh.Mul(&kGain, k.H)
	ikh := identityMinus(&kh, k.StateDim)

	var ikhP, ikhPikhT mat.Dense
	ikhP.Mul(ikh, k.P)
	ikhPikhT.Mul(&ikhP, ikh.T())

	var kr, krkt mat.Dense
	kr.Mul(&kGain, k.R)
	krkt.Mul(&kr, kGain.T())

	ikhPikhT.Add(&ikhPikhT, &krkt)
	k.P = &ikhPikhT

	return nil
}

func identityMinus(m *mat.Dense, n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := -m.At(i, j)
			if i == j {
				v += 1.0
			}
			out.Set(i, j, v)
		}
	}
	return out
}

// DetectRegime maintains the sliding window of |velocity| (default size 10)
// and flips between Quiet and Steam when the window mean crosses
// velocityThreshold. Suspended is never set here — only by an explicit
// external status signal via SetSuspended.
func (k *AdaptiveKalmanFilter) DetectRegime(observedVelocity float64) {
	if k.regime == arbtypes.RegimeSuspended {
		return
	}

	v := observedVelocity
	if v < 0 {
		v = -v
	}
	k.velocityWindow = append(k.velocityWindow, v)
	if len(k.velocityWindow) > k.velocityWindowSize {
		k.velocityWindow = k.velocityWindow[1:]
	}

	if len(k.velocityWindow) < k.velocityWindowSize {
		return
	}

	var sum float64
	for _, x := range k.velocityWindow {
		sum += x
	}
	avg := sum / float64(len(k.velocityWindow))

	if avg > k.velocityThreshold {
		k.regime = arbtypes.RegimeSteam
	} else {
		k.regime = arbtypes.RegimeQuiet
	}
}

// SetSuspended forces the Suspended regime (or clears it back to Quiet),
// driven by an explicit external status signal rather than velocity.
func (k *AdaptiveKalmanFilter) SetSuspended(suspended bool) {
	if suspended {
		k.regime = arbtypes.RegimeSuspended
		return
	}
	if k.regime == arbtypes.RegimeSuspended {
		k.regime = arbtypes.RegimeQuiet
	}
}

// Regime returns the filter's current regime.
func (k *AdaptiveKalmanFilter) Regime() arbtypes.Regime { return k.regime }

// Position returns state element 0.
func (k *AdaptiveKalmanFilter) Position() float64 { return k.X.AtVec(0) }

// Velocity returns state element 1, or 0 if the state has fewer than 2
// dimensions.
func (k *AdaptiveKalmanFilter) Velocity() float64 {
	if k.StateDim > 1 {
		return k.X.AtVec(1)
	}
	return 0
}

// PositionUncertainty returns P[0][0], the variance of the position
// estimate.
func (k *AdaptiveKalmanFilter) PositionUncertainty() float64 {
	return k.P.At(0, 0)
}

// DegradedCount returns how many updates were skipped due to a
// non-invertible innovation covariance. telemetry.Collector does not
// report it.
func (k *AdaptiveKalmanFilter) DegradedCount() uint64 { return k.degradedCount }

// StateVector copies the current state into a plain slice (for
// checkpointing or logging).
func (k *AdaptiveKalmanFilter) StateVector() []float64 {
	out := make([]float64, k.StateDim)
	for i := range out {
		out[i] = k.X.AtVec(i)
	}
	return out
}

// CovarianceFlat copies the covariance matrix row-major into a plain
// slice (for checkpointing).
func (k *AdaptiveKalmanFilter) CovarianceFlat() []float64 {
	n := k.StateDim
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = k.P.At(i, j)
		}
	}
	return out
}

// RestoreState overwrites the state vector and covariance from flat
// slices, as produced by StateVector/CovarianceFlat — used when resuming
// from a checkpoint.
func (k *AdaptiveKalmanFilter) RestoreState(state []float64, covFlat []float64) {
	for i := 0; i < k.StateDim && i < len(state); i++ {
		k.X.SetVec(i, state[i])
	}
	n := k.StateDim
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			idx := i*n + j
			if idx < len(covFlat) {
				k.P.Set(i, j, covFlat[idx])
			}
		}
	}
}
