package telemetry

import (
	"testing"

	"latency-arb-engine/pkg/arbtypes"
)

func TestRecordUpdateAndPercentiles(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	for i := int64(1); i <= 100; i++ {
		c.RecordUpdate(i * 1_000_000) // 1ms .. 100ms
	}
	snap := c.Snapshot()
	if snap.UpdatesProcessed != 100 {
		t.Fatalf("UpdatesProcessed = %d, want 100", snap.UpdatesProcessed)
	}
	if snap.LatencyP50Ns <= 0 || snap.LatencyP95Ns <= snap.LatencyP50Ns || snap.LatencyP99Ns <= snap.LatencyP95Ns {
		t.Errorf("expected increasing percentiles, got p50=%d p95=%d p99=%d", snap.LatencyP50Ns, snap.LatencyP95Ns, snap.LatencyP99Ns)
	}
}

func TestRecordRegimeEntry(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	c.RecordRegimeEntry(arbtypes.RegimeSteam)
	c.RecordRegimeEntry(arbtypes.RegimeSteam)
	c.RecordRegimeEntry(arbtypes.RegimeSuspended)
	snap := c.Snapshot()
	if snap.RegimeSteamEntries != 2 {
		t.Errorf("RegimeSteamEntries = %d, want 2", snap.RegimeSteamEntries)
	}
	if snap.RegimeSuspendedEntries != 1 {
		t.Errorf("RegimeSuspendedEntries = %d, want 1", snap.RegimeSuspendedEntries)
	}
	if snap.RegimeQuietEntries != 0 {
		t.Errorf("RegimeQuietEntries = %d, want 0", snap.RegimeQuietEntries)
	}
}

func TestSignalCountersByCause(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	c.RecordSignalCreated()
	c.RecordSignalCreated()
	c.RecordSignalAccepted()
	c.RecordSignalRejected(arbtypes.RejectCircuitBreaker)
	c.RecordSignalRejected(arbtypes.RejectCircuitBreaker)
	c.RecordSignalRejected(arbtypes.RejectExposureLimit)

	snap := c.Snapshot()
	if snap.SignalsCreated != 2 {
		t.Errorf("SignalsCreated = %d, want 2", snap.SignalsCreated)
	}
	if snap.SignalsAccepted != 1 {
		t.Errorf("SignalsAccepted = %d, want 1", snap.SignalsAccepted)
	}
	if snap.SignalsRejected[arbtypes.RejectCircuitBreaker] != 2 {
		t.Errorf("RejectCircuitBreaker count = %d, want 2", snap.SignalsRejected[arbtypes.RejectCircuitBreaker])
	}
	if snap.SignalsRejected[arbtypes.RejectExposureLimit] != 1 {
		t.Errorf("RejectExposureLimit count = %d, want 1", snap.SignalsRejected[arbtypes.RejectExposureLimit])
	}
}

func TestExposureAndBreakerSnapshot(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	c.SetNetExposure("venueA", -250)
	c.SetBreakerState("venueA", arbtypes.BreakerHalfOpen)

	snap := c.Snapshot()
	if snap.NetExposureCents["venueA"] != -250 {
		t.Errorf("NetExposureCents[venueA] = %d, want -250", snap.NetExposureCents["venueA"])
	}
	if snap.BreakerStates["venueA"] != arbtypes.BreakerHalfOpen {
		t.Errorf("BreakerStates[venueA] = %v, want HalfOpen", snap.BreakerStates["venueA"])
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	c.SetNetExposure("venueA", 100)
	snap := c.Snapshot()
	c.SetNetExposure("venueA", 200)
	if snap.NetExposureCents["venueA"] != 100 {
		t.Error("expected snapshot to be an independent copy unaffected by later mutation")
	}
}

func TestEmptySnapshotHasZeroPercentiles(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	snap := c.Snapshot()
	if snap.LatencyP50Ns != 0 || snap.LatencyP95Ns != 0 || snap.LatencyP99Ns != 0 {
		t.Error("expected zero percentiles with no recorded samples")
	}
}
