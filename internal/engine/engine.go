// Package engine implements the Pipeline Controller (spec §4.6): the
// scheduler that wires feed adapters, order books, the Kalman filter
// suite, the Latency Correlator, the Risk Gate, and the intent sink into
// one running system. It drives the checkpoint timer and owns shutdown.
//
// Reworked from the teacher's internal/engine/engine.go: the same overall
// shape survives — a struct owning feeds, a risk manager, a persistence
// layer, a context/cancel/WaitGroup triple, and a central dispatch loop —
// but the teacher's one-goroutine-per-market model (reconcileMarkets
// starting/stopping a maker goroutine per discovered market) is replaced
// by a fixed pool of partition goroutines, each owning
// hash(market_id) % N of the registered markets for their whole lifetime
// (spec §5: "a given market is always processed by the same worker").
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"latency-arb-engine/internal/book"
	"latency-arb-engine/internal/checkpoint"
	"latency-arb-engine/internal/config"
	"latency-arb-engine/internal/correlator"
	"latency-arb-engine/internal/kalman"
	"latency-arb-engine/internal/risk"
	"latency-arb-engine/internal/telemetry"
	"latency-arb-engine/pkg/adapter"
	"latency-arb-engine/pkg/arbtypes"
)

// directArbPatternID tags a Signal synthesized directly from
// MarketState.CheckArbs (a hard cross-venue disparity observed on the raw
// book, rather than a probabilistic correlator match) — distinct from the
// five registered Kalman pattern IDs.
const directArbPatternID uint16 = 0

// MarketRegistration describes one market pair the controller tracks: two
// venues quoting the same (or correlated) market_id, the spread threshold
// for a direct book-level arbitrage check, and the Kalman patterns that
// should run against this pair's observation stream.
type MarketRegistration struct {
	MarketID        uint16
	Tier            arbtypes.MarketTier
	Type            arbtypes.MarketType
	FastVenue       string
	SlowVenue       string
	ThresholdCents  int32
	StalenessWindow time.Duration
	PatternIDs      []uint16
}

// marketEntry is a partition's private state for one registered market —
// touched only by the single worker goroutine that owns its partition.
type marketEntry struct {
	reg     MarketRegistration
	state   *book.MarketState
	filters map[uint16]kalman.Pattern
	lastObs map[string]arbtypes.Observation
	dirty   bool
}

// partition is one worker's slice of the market space: its own inbound
// Observation channel and its own map of owned markets, so no
// cross-partition synchronization is needed for book/filter state.
type partition struct {
	id      int
	inCh    chan arbtypes.Observation
	ckCh    chan checkpointRequest
	markets map[uint16]*marketEntry
}

const partitionInboxSize = 1024

// checkpointSnapshot is an immutable copy of one filter's persisted state,
// produced by the owning partition goroutine and handed off to the
// checkpoint ticker for (de)serialization and storage — the only data that
// crosses the partition boundary for checkpointing (spec §4.7: "checkpoint
// serialization runs on a dedicated pool that reads immutable snapshots").
type checkpointSnapshot struct {
	patternID uint16
	marketKey string
	state     kalman.FilterState
}

// checkpointRequest asks a partition's own goroutine to collect snapshots
// for every dirty filter it owns and clear their dirty flags, so no
// goroutine other than the partition's single writer ever touches
// marketEntry.dirty or a filter's live state.
type checkpointRequest struct {
	reply chan []checkpointSnapshot
}

// Controller is the Pipeline Controller. One instance wires one running
// engine: N partitions, any number of registered feeds, and the shared
// correlator/risk/sink/checkpoint/telemetry collaborators.
type Controller struct {
	cfg       config.EngineConfig
	kalmanCfg kalman.Config

	correlator  *correlator.Correlator
	risk        *risk.Manager
	sink        adapter.IntentSink
	checkpoints *checkpoint.CompressedStore
	collector   *telemetry.Collector
	clock       adapter.Clock
	logger      *slog.Logger

	feeds      []adapter.Feed
	partitions []*partition

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Controller with cfg.WorkerPoolSize partitions. checkpoints
// and clock may be nil (a disabled checkpoint store or the system clock is
// substituted).
func New(
	cfg config.EngineConfig,
	kalmanCfg kalman.Config,
	corr *correlator.Correlator,
	riskMgr *risk.Manager,
	sink adapter.IntentSink,
	checkpoints *checkpoint.CompressedStore,
	collector *telemetry.Collector,
	clock adapter.Clock,
	logger *slog.Logger,
) *Controller {
	if clock == nil {
		clock = adapter.SystemClock{}
	}
	if collector == nil {
		collector = telemetry.NewCollector()
	}
	n := cfg.WorkerPoolSize
	if n <= 0 {
		n = 1
	}
	partitions := make([]*partition, n)
	for i := range partitions {
		partitions[i] = &partition{
			id:      i,
			inCh:    make(chan arbtypes.Observation, partitionInboxSize),
			ckCh:    make(chan checkpointRequest),
			markets: make(map[uint16]*marketEntry),
		}
	}

	return &Controller{
		cfg:         cfg,
		kalmanCfg:   kalmanCfg,
		correlator:  corr,
		risk:        riskMgr,
		sink:        sink,
		checkpoints: checkpoints,
		collector:   collector,
		clock:       clock,
		logger:      logger.With("component", "engine"),
		partitions:  partitions,
	}
}

// Telemetry returns the collector this controller records into, for a
// caller (e.g. the operator CLI) that wants to poll or periodically dump
// a Snapshot.
func (c *Controller) Telemetry() *telemetry.Collector { return c.collector }

// partitionFor returns the stable owning partition index for a market_id —
// the same market always lands on the same partition for the controller's
// lifetime.
func partitionFor(marketID uint16, n int) int {
	return int(marketID) % n
}

// RegisterFeed adds a venue feed adapter. Feeds are connected and drained
// in Start.
func (c *Controller) RegisterFeed(feed adapter.Feed) {
	c.feeds = append(c.feeds, feed)
}

// RegisterMarket assigns a market pair to its owning partition and builds
// its MarketState and Kalman filters. Must be called before Start.
func (c *Controller) RegisterMarket(reg MarketRegistration) {
	p := c.partitions[partitionFor(reg.MarketID, len(c.partitions))]

	filters := make(map[uint16]kalman.Pattern, len(reg.PatternIDs))
	for _, pid := range reg.PatternIDs {
		if f := kalman.NewByPattern(pid, c.kalmanCfg); f != nil {
			filters[pid] = f
		}
	}

	p.markets[reg.MarketID] = &marketEntry{
		reg:     reg,
		state:   book.NewMarketState(reg.MarketID, reg.Tier, reg.Type, reg.ThresholdCents, reg.StalenessWindow),
		filters: filters,
		lastObs: make(map[string]arbtypes.Observation),
	}
}

// Start connects every registered feed, launches one goroutine per
// partition, and starts the checkpoint ticker. It returns once all
// goroutines are launched; it does not block until the feeds connect.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	for _, feed := range c.feeds {
		if err := feed.Connect(c.ctx); err != nil {
			return fmt.Errorf("engine: connect feed: %w", err)
		}
		f := feed
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.drainFeed(f)
		}()
	}

	for _, p := range c.partitions {
		pp := p
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runPartition(pp)
		}()
	}

	if c.checkpoints != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runCheckpointTicker()
		}()
	}

	return nil
}

// Stop cancels the run context, waits up to ShutdownGracePeriod for
// in-flight work to settle, and flushes any observations still queued in
// partition inboxes as Cancelled intents so the sink's books never show a
// silently-dropped order (spec §4.6 item 6).
func (c *Controller) Stop() {
	if c.cancel == nil {
		return
	}
	c.logger.Info("shutting down")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	grace := c.cfg.ShutdownGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		c.logger.Warn("shutdown grace period elapsed with goroutines still running")
	}

	c.flushOutstandingAsCancelled()
	c.logger.Info("shutdown complete")
}

// flushOutstandingAsCancelled drains whatever is left in partition inboxes
// and reports a Cancelled-style ExecutionReport for it, so the risk
// manager's bookkeeping and any downstream consumer see a definitive
// outcome rather than silence.
func (c *Controller) flushOutstandingAsCancelled() {
	if c.sink == nil {
		return
	}
	for _, p := range c.partitions {
		for {
			select {
			case obs := <-p.inCh:
				c.sink.Report(arbtypes.ExecutionReport{
					SignalID: fmt.Sprintf("flush-%d-%s", obs.MarketID, obs.Venue),
					Success:  false,
					Error:    "cancelled: engine shutdown",
				})
			default:
				goto next
			}
		}
	next:
	}
}

func (c *Controller) drainFeed(feed adapter.Feed) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case obs, ok := <-feed.Observations():
			if !ok {
				return
			}
			c.route(obs)
		}
	}
}

func (c *Controller) route(obs arbtypes.Observation) {
	idx := partitionFor(obs.MarketID, len(c.partitions))
	select {
	case c.partitions[idx].inCh <- obs:
	default:
		c.logger.Warn("partition inbox full, dropping observation", "market_id", obs.MarketID, "partition", idx)
	}
}

func (c *Controller) runPartition(p *partition) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case obs := <-p.inCh:
			c.processObservation(p, obs)
		case req := <-p.ckCh:
			req.reply <- c.collectDirtySnapshots(p)
		}
	}
}

// collectDirtySnapshots runs on the owning partition goroutine: it is the
// only place that reads or clears marketEntry.dirty or calls a filter's
// StateSnapshot, so it never races processObservation's concurrent
// Predict/Update calls on the same filters.
func (c *Controller) collectDirtySnapshots(p *partition) []checkpointSnapshot {
	now := c.clock.NowNs()
	var out []checkpointSnapshot
	for marketID, entry := range p.markets {
		if !entry.dirty {
			continue
		}
		entry.dirty = false
		marketKey := fmt.Sprintf("%d", marketID)
		for patternID, f := range entry.filters {
			out = append(out, checkpointSnapshot{
				patternID: patternID,
				marketKey: marketKey,
				state:     f.StateSnapshot(marketKey, now),
			})
		}
	}
	return out
}

// processObservation implements spec §4.6 steps 2-4 for a single
// Observation: route into the owning MarketState and its Kalman filters,
// refresh Signals for that market pair only, and drain them into the Risk
// Gate.
func (c *Controller) processObservation(p *partition, obs arbtypes.Observation) {
	start := c.clock.NowNs()
	entry, ok := p.markets[obs.MarketID]
	if !ok {
		return // unregistered market; nothing owns this observation
	}

	entry.lastObs[obs.Venue] = obs
	entry.dirty = true

	var leg *book.AtomicOrderbook
	switch obs.Venue {
	case entry.reg.FastVenue:
		leg = entry.state.Fast
	case entry.reg.SlowVenue:
		leg = entry.state.Slow
	}
	if leg != nil {
		leg.UpdateA(obs.PriceCents, obs.Size, obs.TimestampNs)
		if entry.reg.Type == arbtypes.MarketBinary {
			// A binary Observation carries only the YES price; the
			// complementary NO token trades at ~100-price. Populating B
			// from the complement is what lets CheckArbs' hasQuote gate
			// (which requires both sides non-zero for any market type)
			// ever pass for a feed that only reports one side per update.
			leg.UpdateB(100-obs.PriceCents, obs.Size, obs.TimestampNs)
		}
	}

	c.runFilters(entry, obs)

	var signals []arbtypes.Signal
	if arb, ok := entry.state.CheckArbs(start); ok {
		if sig, ok := c.synthesizeDirectSignal(entry, arb); ok {
			signals = append(signals, sig)
		}
	}
	c.correlator.Purge(start)
	signals = append(signals, c.correlator.Ingest(obs)...)

	for _, sig := range signals {
		c.collector.RecordSignalCreated()
		c.evaluateSignal(sig)
	}

	c.collector.RecordUpdate(c.clock.NowNs() - start)
}

// synthesizeDirectSignal builds a Signal from a raw book-level ArbResult,
// using the last Observation seen from each leg so the Risk Gate's
// half-life/venue logic has the same Signal shape to work with regardless
// of which path produced it.
func (c *Controller) synthesizeDirectSignal(entry *marketEntry, arb book.ArbResult) (arbtypes.Signal, bool) {
	fast, fok := entry.lastObs[entry.reg.FastVenue]
	slow, sok := entry.lastObs[entry.reg.SlowVenue]
	if !fok || !sok {
		return arbtypes.Signal{}, false
	}
	return arbtypes.Signal{
		ID:             fmt.Sprintf("arb-%d-%d", entry.reg.MarketID, c.clock.NowNs()),
		Fast:           fast,
		Slow:           slow,
		DisparityCents: arb.DisparityCents,
		PatternID:      directArbPatternID,
		Confidence:     1.0,
		CreatedNs:      c.clock.NowNs(),
	}, true
}

// runFilters feeds every Kalman filter registered for this market pair a
// generically-derived observation vector built from the incoming price.
// Pattern-specific inputs (half-time deltas, explicit suspension flags,
// proxy-market skew) require venue context a bare Observation does not
// carry; an adapter with that richer context calls the pattern's typed
// methods (ApplyHalfTimeDelta, SetSuspended, ...) directly instead of
// going through this generic path.
func (c *Controller) runFilters(entry *marketEntry, obs arbtypes.Observation) {
	for id, f := range entry.filters {
		f.Predict()
		z := make([]float64, f.Base().ObsDim)
		if len(z) > 0 {
			z[0] = float64(obs.PriceCents)
		}
		if err := f.Update(z); err != nil {
			c.logger.Debug("filter update skipped", "pattern_id", id, "market_id", entry.reg.MarketID, "error", err)
			continue
		}
		before := f.Regime()
		f.DetectRegime(f.Base().Velocity())
		if after := f.Regime(); after != before {
			c.collector.RecordRegimeEntry(after)
		}
	}
}

func (c *Controller) evaluateSignal(sig arbtypes.Signal) {
	now := c.clock.NowNs()
	requestedSize := uint64(sig.Fast.Size)
	if sig.Slow.Size < sig.Fast.Size {
		requestedSize = uint64(sig.Slow.Size)
	}

	intent, cause, ok := c.risk.Evaluate(sig, requestedSize, now)
	c.collector.SetNetExposure(sig.Fast.Venue, c.risk.NetExposure(sig.Fast.Venue))
	c.collector.SetNetExposure(sig.Slow.Venue, c.risk.NetExposure(sig.Slow.Venue))
	c.collector.SetBreakerState(sig.Fast.Venue, c.risk.BreakerState(sig.Fast.Venue))
	c.collector.SetBreakerState(sig.Slow.Venue, c.risk.BreakerState(sig.Slow.Venue))

	if !ok {
		c.collector.RecordSignalRejected(cause)
		return
	}
	c.collector.RecordSignalAccepted()

	if c.sink == nil {
		return
	}
	if err := c.sink.Submit(c.ctx, intent); err != nil {
		c.logger.Warn("intent submit failed", "signal_id", sig.ID, "error", err)
		c.risk.ReportExecution(arbtypes.ExecutionReport{SignalID: sig.ID, Success: false, Error: err.Error()}, now)
	}
}

// runCheckpointTicker persists every dirty filter's state on each tick
// (spec §4.6 item 5: "fire-and-forget"). Errors are logged, never
// propagated — a missed checkpoint degrades resume fidelity, not
// correctness.
func (c *Controller) runCheckpointTicker() {
	interval := c.cfg.CheckpointInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.checkpointDirtyFilters()
		}
	}
}

// checkpointDirtyFilters asks each partition's own goroutine for a batch of
// immutable snapshots (clearing their dirty flags as it collects them), then
// does the marshal/Save I/O here on the ticker goroutine — off the
// partition's single-writer path entirely, so a slow checkpoint backend
// never delays Observation processing and never touches filter state
// concurrently with runFilters/processObservation.
func (c *Controller) checkpointDirtyFilters() {
	for _, p := range c.partitions {
		reply := make(chan []checkpointSnapshot, 1)
		select {
		case p.ckCh <- checkpointRequest{reply: reply}:
		case <-c.ctx.Done():
			return
		}

		var snapshots []checkpointSnapshot
		select {
		case snapshots = <-reply:
		case <-c.ctx.Done():
			return
		}

		for _, snap := range snapshots {
			data, err := json.Marshal(snap.state)
			if err != nil {
				c.logger.Warn("marshal filter state failed", "pattern_id", snap.patternID, "market_key", snap.marketKey, "error", err)
				continue
			}
			key := checkpoint.Key(snap.patternID, snap.marketKey)
			if err := c.checkpoints.Save(c.ctx, key, data); err != nil {
				c.logger.Warn("checkpoint save failed", "key", key, "error", err)
			}
		}
	}
}
