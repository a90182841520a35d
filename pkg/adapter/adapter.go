// Package adapter defines the external collaborator interfaces the core
// pipeline depends on (spec §6): venue feeds, the intent sink, the clock,
// and the checkpoint store. The core never imports a concrete venue
// implementation — it is handed these interfaces by the caller that wires
// the engine together, exactly the way the teacher bot is handed an
// already-constructed exchange.Client and WSFeed pair.
package adapter

import (
	"context"
	"time"

	"latency-arb-engine/pkg/arbtypes"
)

// FeedStatus enumerates a feed adapter's connection lifecycle.
type FeedStatus int

const (
	StatusDisconnected FeedStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s FeedStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "disconnected"
	}
}

// Feed is implemented per venue (out of scope for the core; only the
// interface is specified here). Observations arrive over a bounded
// channel — a slow consumer causes the adapter to apply its own
// backpressure policy, not the core's.
type Feed interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// Observations returns the channel the adapter publishes Observation
	// values to. The channel is closed when the adapter is permanently
	// done (after Disconnect or unrecoverable error).
	Observations() <-chan arbtypes.Observation

	// Ping round-trips a liveness probe and reports the measured latency.
	Ping(ctx context.Context) (roundTripNs int64, err error)

	Status() FeedStatus
}

// SinkFull is returned by IntentSink.Submit when the downstream cannot
// accept more intents right now; the caller must not retry synchronously.
type SinkFull struct{}

func (SinkFull) Error() string { return "intent sink full" }

// IntentSink is the external collaborator that actually attempts to fill
// approved Intents. The core only ever hands it read-only Intent values; it
// never blocks on the result inline — ExecutionReport arrives later via
// Report.
type IntentSink interface {
	Submit(ctx context.Context, intent arbtypes.Intent) error
	Report(report arbtypes.ExecutionReport)
}

// Clock abstracts wall-clock time so tests can inject a virtual clock
// without the core depending on a concrete time source.
type Clock interface {
	NowNs() int64
	SleepUntil(ctx context.Context, ts_ns int64) error
}

// SystemClock is the default Clock backed by the monotonic system clock:
// NowNs is the wall time at process start plus the monotonic time elapsed
// since, so it never steps backwards when the wall clock is adjusted.
type SystemClock struct{}

var clockEpoch = time.Now()

func (SystemClock) NowNs() int64 { return clockEpoch.UnixNano() + int64(time.Since(clockEpoch)) }

func (c SystemClock) SleepUntil(ctx context.Context, tsNs int64) error {
	d := time.Duration(tsNs - c.NowNs())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CheckpointStore persists opaque FilterState bytes best-effort. A missing
// or corrupt entry must be treated as cold start by the caller, never as an
// error that propagates.
type CheckpointStore interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
