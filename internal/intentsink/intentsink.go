// Package intentsink implements a reference adapter.IntentSink: it derives
// a content-addressed idempotency key for each Intent (so a retried Submit
// against a real venue never double-places an order), paces submissions
// through a token bucket to avoid presenting a fingerprintable burst
// pattern to the venue, and simulates venue fill latency for markets that
// have no real execution venue wired up.
//
// Reworked from the teacher: keccak256 (internal/exchange/auth.go's L1
// signing hash) is repurposed here as a pure hashing primitive for the
// idempotency key instead of EIP-712 order signing (venue authentication
// and order signing are both out of scope); the token bucket is
// internal/exchange/ratelimit.go's TokenBucket, kept as the same
// continuous-refill limiter but now instantiated once per venue instead of
// once per CLOB request category, since each venue in this domain has its
// own independent rate limit and a single shared bucket would let a burst
// on one venue throttle submissions to an unrelated one.
package intentsink

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"latency-arb-engine/pkg/adapter"
	"latency-arb-engine/pkg/arbtypes"
)

// TokenBucket is a continuous-refill token-bucket limiter, used to pace
// Intent submissions so they don't arrive at a venue in an identifiable
// burst pattern immediately after a Signal fires.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and
// steady-state refill rate (tokens per second).
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{tokens: capacity, capacity: capacity, rate: ratePerSecond, lastTime: time.Now()}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// IdempotencyKey derives a content-addressed key for intent from its
// immutable fields (everything except the deadline, which is a scheduling
// hint rather than part of the order's identity). Resubmitting the same
// logical Intent — e.g. after a retry — always yields the same key.
func IdempotencyKey(intent arbtypes.Intent) string {
	var buf []byte
	buf = append(buf, []byte(intent.ID)...)
	buf = append(buf, []byte(intent.SignalID)...)
	buf = append(buf, []byte(intent.Venue)...)
	buf = append(buf, []byte(intent.Side)...)

	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], uint32(intent.PriceCents))
	buf = append(buf, scratch[:4]...)
	binary.BigEndian.PutUint64(scratch[:], intent.SizeCents)
	buf = append(buf, scratch[:]...)

	sum := crypto.Keccak256(buf)
	return hex.EncodeToString(sum)
}

// Executor performs the actual venue interaction for one Intent. The
// reference Sink ships a simulated Executor (SimulatedExecutor) for demo
// use; production wiring supplies a real one.
type Executor func(ctx context.Context, intent arbtypes.Intent) arbtypes.ExecutionReport

// Sink is a reference adapter.IntentSink. It paces submissions per venue,
// derives idempotency keys, and forwards results to a caller-supplied
// callback (typically risk.Manager.ReportExecution) via Report.
type Sink struct {
	burstCapacity float64
	ratePerSecond float64
	exec          Executor
	onReport      func(arbtypes.ExecutionReport)
	logger        *slog.Logger

	mu       sync.Mutex
	limiters map[string]*TokenBucket   // venue -> its own limiter, built lazily
	pending  map[string]arbtypes.Intent // signal ID -> intent, until Report
}

var _ adapter.IntentSink = (*Sink)(nil)

// New builds a Sink. burstCapacity/ratePerSecond configure each venue's own
// TokenBucket (built lazily, on that venue's first Submit), so one venue's
// burst never starves submissions to another. onReport is invoked (from
// whatever goroutine delivers the result — the reference Executor's own
// goroutine, or an external caller invoking Report directly) for every
// ExecutionReport this sink produces or receives.
func New(burstCapacity, ratePerSecond float64, exec Executor, onReport func(arbtypes.ExecutionReport), logger *slog.Logger) *Sink {
	return &Sink{
		burstCapacity: burstCapacity,
		ratePerSecond: ratePerSecond,
		exec:          exec,
		onReport:      onReport,
		logger:        logger.With("component", "intentsink"),
		limiters:      make(map[string]*TokenBucket),
		pending:       make(map[string]arbtypes.Intent),
	}
}

// limiterFor returns intent's venue's TokenBucket, creating it on first use.
func (s *Sink) limiterFor(venue string) *TokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, ok := s.limiters[venue]
	if !ok {
		tb = NewTokenBucket(s.burstCapacity, s.ratePerSecond)
		s.limiters[venue] = tb
	}
	return tb
}

// Submit paces and records intent, then runs the configured Executor in
// its own goroutine so Submit never blocks on the venue's response (spec
// §6: "the core never blocks on the result inline").
func (s *Sink) Submit(ctx context.Context, intent arbtypes.Intent) error {
	if err := s.limiterFor(intent.Venue).Wait(ctx); err != nil {
		return fmt.Errorf("intentsink: rate limit wait: %w", err)
	}

	s.mu.Lock()
	s.pending[intent.SignalID] = intent
	s.mu.Unlock()

	key := IdempotencyKey(intent)
	s.logger.Debug("intent submitted", "signal_id", intent.SignalID, "venue", intent.Venue, "idempotency_key", key)

	if s.exec == nil {
		return nil
	}
	go func() {
		report := s.exec(ctx, intent)
		s.Report(report)
	}()
	return nil
}

// Report delivers an ExecutionReport for a previously-submitted Intent. It
// clears the sink's own bookkeeping and forwards the report to onReport.
// Safe to call from the reference Executor's own goroutine or from an
// external venue-fill listener wired up by the caller.
func (s *Sink) Report(report arbtypes.ExecutionReport) {
	s.mu.Lock()
	delete(s.pending, report.SignalID)
	s.mu.Unlock()

	if s.onReport != nil {
		s.onReport(report)
	}
}

// PendingCount reports how many Intents are awaiting a result (telemetry).
func (s *Sink) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SimulatedExecutor returns an Executor that "fills" every Intent
// successfully after a fixed simulated venue latency, for demo and
// integration-test use where no real venue is wired up.
func SimulatedExecutor(latency time.Duration) Executor {
	return func(ctx context.Context, intent arbtypes.Intent) arbtypes.ExecutionReport {
		select {
		case <-ctx.Done():
			return arbtypes.ExecutionReport{SignalID: intent.SignalID, Success: false, Error: ctx.Err().Error()}
		case <-time.After(latency):
		}
		fillPrice := intent.PriceCents
		return arbtypes.ExecutionReport{
			SignalID:           intent.SignalID,
			Success:            true,
			SlowFillPriceCents: &fillPrice,
		}
	}
}
