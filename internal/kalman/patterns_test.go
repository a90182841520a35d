package kalman

import (
	"testing"

	"latency-arb-engine/pkg/arbtypes"
)

// TestHTInferenceBoundaryScenario mirrors spec §8 boundary scenario 2: feed
// a 1.5-point HT delta followed by an FT observation of 222.5. The filter
// must transition Quiet -> Steam after >=10 high-velocity updates, and
// PredictFTTotal() must then exceed the observation by >= 0.5.
func TestHTInferenceBoundaryScenario(t *testing.T) {
	t.Parallel()
	f := NewHTInferenceFilter(1.0, 1.0, 10)

	// Drive 10 high-velocity updates to fill the regime window and flip
	// to Steam, simulating a fast-moving total before the HT break.
	pos := 200.0
	for i := 0; i < 10; i++ {
		pos += 3.0
		f.Predict()
		_ = f.Update([]float64{pos})
		f.DetectRegime(f.Velocity())
	}
	if f.Regime() != arbtypes.RegimeSteam {
		t.Fatalf("expected Steam regime after 10 high-velocity updates, got %v", f.Regime())
	}

	f.ApplyHalfTimeDelta(1.5)
	f.Predict()
	_ = f.Update([]float64{222.5})

	predicted := f.PredictFTTotal()
	if predicted-222.5 < 0.5 {
		t.Errorf("PredictFTTotal() = %v, want >= 223.0 (observation 222.5 + 0.5 edge)", predicted)
	}
	if !f.ShouldEmitEdge(222.5, 0.5) {
		t.Error("expected ShouldEmitEdge to fire in Steam regime with edge >= threshold")
	}
}

func TestVelocityConvexityRefreshesTransitionBeforePredict(t *testing.T) {
	t.Parallel()
	f := NewVelocityConvexityFilter(1.0, 1.0, 0.5, 10)
	f.X.SetVec(3, 50) // time_remaining = 50s
	f.Predict()
	// With k=1.0 and time_remaining=50, vel->accel coupling should differ
	// from the raw dt term.
	coupling := f.F.At(1, 2)
	if coupling >= f.dt {
		t.Errorf("expected convexity coupling < dt, got %v", coupling)
	}
}

func TestVelocityConvexityShouldEmit(t *testing.T) {
	t.Parallel()
	f := NewVelocityConvexityFilter(1.0, 1.0, 0.5, 10)
	f.X.SetVec(3, 100) // inside the 300s window; only the high initial covariance blocks emission
	if f.ShouldEmit() {
		t.Error("should not emit with high initial covariance")
	}
	for i := 0; i < 3; i++ {
		f.P.Set(i, i, 0.001)
	}
	f.X.SetVec(3, 120)
	if !f.ShouldEmit() {
		t.Error("expected emit once variance is low and time_remaining < 300s")
	}
}

func TestMicroSuspensionWindow(t *testing.T) {
	t.Parallel()
	f := NewMicroSuspensionFilter(0.5, 10)
	if w := f.ImminentSuspensionWindowNs(); w != 0 {
		t.Errorf("p_active=1 should give a 0 window, got %d", w)
	}
	f.X.SetVec(0, 0.5)
	if w := f.ImminentSuspensionWindowNs(); w <= 0 {
		t.Errorf("expected positive window for p_active=0.5, got %d", w)
	}
}

func TestBetaSkewShouldEmit(t *testing.T) {
	t.Parallel()
	f := NewBetaSkewFilter(1.0, 1.0, 0.5, 10)
	if f.ShouldEmit() {
		t.Error("should not emit with zero skew")
	}
	f.X.SetVec(0, 3.0)
	f.P.Set(2, 2, 1e-6)
	if !f.ShouldEmit() {
		t.Error("expected emit with large skew and stabilized beta")
	}
}

func TestPropagationDelayEstimate(t *testing.T) {
	t.Parallel()
	f := NewPropagationFilter(1.0, 0.5, 10)
	f.X.SetVec(1, 2.0)
	delay := f.EstimateDelayNs(int64(950 * 1_000_000))
	if delay < 0 || delay > int64(950*1_000_000) {
		t.Errorf("delay %d out of [0, halfLife] range", delay)
	}
}

func TestNewByPatternRegistry(t *testing.T) {
	t.Parallel()
	cfg := Config{DT: 1.0, VelocityThreshold: 0.5, RegimeWindow: 10, ConvexityK: 1.0}
	for _, id := range []uint16{PatternHTInference, PatternPropagationPath, PatternVelocityConvexity, PatternMicroSuspension, PatternBetaSkew} {
		p := NewByPattern(id, cfg)
		if p == nil {
			t.Errorf("pattern %d: no constructor registered", id)
		}
	}
	if p := NewByPattern(999, cfg); p != nil {
		t.Error("unknown pattern id should return nil")
	}
}

func TestFilterStateRoundTrip(t *testing.T) {
	t.Parallel()
	f := NewHTInferenceFilter(1.0, 1.0, 10)
	f.Predict()
	_ = f.Update([]float64{5.0})

	snap := f.StateSnapshot("binary:1", 1000)
	if snap.PatternID != PatternHTInference {
		t.Errorf("PatternID = %d, want %d", snap.PatternID, PatternHTInference)
	}

	restored := NewHTInferenceFilter(1.0, 1.0, 10)
	Restore(restored.AdaptiveKalmanFilter, snap)
	if restored.Position() != f.Position() {
		t.Errorf("restored position = %v, want %v", restored.Position(), f.Position())
	}
}
