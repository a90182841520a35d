package intentsink

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"latency-arb-engine/pkg/arbtypes"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIntent(signalID string) arbtypes.Intent {
	return arbtypes.Intent{
		ID:         signalID + "-intent",
		SignalID:   signalID,
		Venue:      "venueB",
		PriceCents: 50,
		Side:       arbtypes.BUY,
		SizeCents:  500,
		DeadlineNs: 1_000,
	}
}

func TestIdempotencyKeyIsStableAndDistinguishesIntents(t *testing.T) {
	t.Parallel()
	a := testIntent("sig-1")
	b := testIntent("sig-1")
	if IdempotencyKey(a) != IdempotencyKey(b) {
		t.Error("expected identical intents to produce the same idempotency key")
	}

	c := testIntent("sig-2")
	if IdempotencyKey(a) == IdempotencyKey(c) {
		t.Error("expected different intents to produce different idempotency keys")
	}
}

func TestSubmitInvokesExecutorAndReportsResult(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got arbtypes.ExecutionReport
	done := make(chan struct{})

	onReport := func(r arbtypes.ExecutionReport) {
		mu.Lock()
		got = r
		mu.Unlock()
		close(done)
	}

	sink := New(10, 100, SimulatedExecutor(time.Millisecond), onReport, testLogger())
	intent := testIntent("sig-3")

	if err := sink.Submit(context.Background(), intent); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for report")
	}

	mu.Lock()
	defer mu.Unlock()
	if !got.Success || got.SignalID != intent.SignalID {
		t.Errorf("unexpected report: %+v", got)
	}
}

func TestReportClearsPending(t *testing.T) {
	t.Parallel()
	sink := New(10, 100, nil, nil, testLogger())
	intent := testIntent("sig-4")

	if err := sink.Submit(context.Background(), intent); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := sink.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}

	sink.Report(arbtypes.ExecutionReport{SignalID: intent.SignalID, Success: true})
	if got := sink.PendingCount(); got != 0 {
		t.Errorf("PendingCount after Report = %d, want 0", got)
	}
}

func TestTokenBucketPacesSubmissions(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 1000) // burst of 1, refills fast for the test
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if time.Since(start) <= 0 {
		t.Error("expected second Wait to take non-zero time once the bucket was drained")
	}
}
