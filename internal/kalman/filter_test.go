package kalman

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"latency-arb-engine/pkg/arbtypes"
)

// TestPredictUpdateKeepsCovarianceSPD asserts the Joseph-form update holds
// its invariant (spec §8): after every Predict/Update cycle, P must stay
// symmetric with no negative eigenvalues, regardless of how many updates
// are fed in.
func TestPredictUpdateKeepsCovarianceSPD(t *testing.T) {
	t.Parallel()
	k := NewAdaptiveKalmanFilter(3, 1, 0.5, 10)
	k.F.Set(0, 1, 1)
	k.H.Set(0, 0, 1)

	obs := []float64{1, 2, 1.5, 3, 2.7, 4.1, 3.9, 5.2, 4.8, 6.0}
	for _, z := range obs {
		k.Predict()
		if err := k.Update([]float64{z}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		assertSPD(t, k.P, k.StateDim)
	}
}

func assertSPD(t *testing.T, p *mat.Dense, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if math.Abs(p.At(i, j)-p.At(j, i)) > 1e-6 {
				t.Fatalf("P not symmetric at (%d,%d): %v vs %v", i, j, p.At(i, j), p.At(j, i))
			}
		}
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sym.SetSym(i, j, p.At(i, j))
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, false); !ok {
		t.Fatal("eigen factorization failed")
	}
	for _, v := range eig.Values(nil) {
		if v < -1e-6 {
			t.Fatalf("negative eigenvalue %v: P is not PSD", v)
		}
	}
}

func TestUpdateDimensionMismatch(t *testing.T) {
	t.Parallel()
	k := NewAdaptiveKalmanFilter(2, 1, 0.5, 10)
	if err := k.Update([]float64{1, 2}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestDetectRegimeFlipsToSteamAfterWindowFills(t *testing.T) {
	t.Parallel()
	k := NewAdaptiveKalmanFilter(2, 1, 1.0, 5)
	for i := 0; i < 4; i++ {
		k.DetectRegime(5.0)
		if k.Regime() == arbtypes.RegimeSteam {
			t.Fatalf("flipped to Steam before window filled (i=%d)", i)
		}
	}
	k.DetectRegime(5.0)
	if k.Regime() != arbtypes.RegimeSteam {
		t.Fatal("expected Steam after window filled with high velocity")
	}
}

func TestSetSuspendedOverridesDetectRegime(t *testing.T) {
	t.Parallel()
	k := NewAdaptiveKalmanFilter(2, 1, 1.0, 3)
	k.SetSuspended(true)
	for i := 0; i < 5; i++ {
		k.DetectRegime(10.0)
	}
	if k.Regime() != arbtypes.RegimeSuspended {
		t.Fatal("DetectRegime must not override an explicit Suspended signal")
	}
	k.SetSuspended(false)
	if k.Regime() != arbtypes.RegimeQuiet {
		t.Fatal("clearing Suspended should return to Quiet")
	}
}

// TestCheckpointRoundTripIsBitIdentical covers the testable property from
// spec §8: serialize-then-deserialize a filter's state yields a filter
// whose next Predict() output is bit-identical to the original.
func TestCheckpointRoundTripIsBitIdentical(t *testing.T) {
	t.Parallel()
	k := NewAdaptiveKalmanFilter(3, 1, 0.5, 10)
	k.F.Set(0, 1, 1)
	k.H.Set(0, 0, 1)
	for _, z := range []float64{1, 2, 1.5} {
		k.Predict()
		_ = k.Update([]float64{z})
	}

	state := k.StateVector()
	cov := k.CovarianceFlat()

	restored := NewAdaptiveKalmanFilter(3, 1, 0.5, 10)
	restored.F.Set(0, 1, 1)
	restored.H.Set(0, 0, 1)
	restored.RestoreState(state, cov)

	k.Predict()
	restored.Predict()

	for i := 0; i < 3; i++ {
		if k.X.AtVec(i) != restored.X.AtVec(i) {
			t.Fatalf("state[%d] diverged: %v vs %v", i, k.X.AtVec(i), restored.X.AtVec(i))
		}
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if k.P.At(i, j) != restored.P.At(i, j) {
				t.Fatalf("P[%d][%d] diverged: %v vs %v", i, j, k.P.At(i, j), restored.P.At(i, j))
			}
		}
	}
}
