package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"latency-arb-engine/internal/checkpoint"
	"latency-arb-engine/internal/config"
	"latency-arb-engine/internal/correlator"
	"latency-arb-engine/internal/engine"
	"latency-arb-engine/internal/feedsim"
	"latency-arb-engine/internal/intentsink"
	"latency-arb-engine/internal/kalman"
	"latency-arb-engine/internal/risk"
	"latency-arb-engine/internal/telemetry"
	"latency-arb-engine/pkg/adapter"
	"latency-arb-engine/pkg/arbtypes"
)

var (
	ruleTablePath      string
	marketRegistryPath string
	venueFeeds         []string // "venue=ws://host:port/path" pairs
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the pipeline controller against configured venues until a shutdown signal arrives.",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&ruleTablePath, "rules", "", "path to the correlator rule table YAML (default: built-in rule table)")
	runCmd.Flags().StringVar(&marketRegistryPath, "markets", "configs/markets.yaml", "path to the market registry YAML")
	runCmd.Flags().StringArrayVar(&venueFeeds, "feed", nil, "venue=ws_url pair, repeatable (e.g. --feed polymarket=ws://host/stream)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg.Logging)

	rules := config.DefaultRuleTable()
	if ruleTablePath != "" {
		rules, err = config.LoadRuleTable(ruleTablePath)
		if err != nil {
			return fmt.Errorf("load rule table: %w", err)
		}
	}
	markets, err := config.LoadMarketRegistry(marketRegistryPath)
	if err != nil {
		return fmt.Errorf("load market registry: %w", err)
	}

	store, err := checkpoint.New(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("build checkpoint store: %w", err)
	}
	defer store.Close()

	clock := adapter.SystemClock{}
	corr := correlator.New(cfg.Correlator, rules, clock, logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	collector := telemetry.NewCollector()
	onReport := func(report arbtypes.ExecutionReport) { riskMgr.ReportExecution(report, clock.NowNs()) }
	sink := intentsink.New(50, 20, intentsink.SimulatedExecutor(150*time.Millisecond), onReport, logger)

	return runEngine(cmd.Context(), cfg, logger, corr, riskMgr, collector, store, sink, markets, clock)
}

// runEngine wires feeds, registers markets, starts the controller, and
// blocks until SIGINT/SIGTERM, mirroring cmd/bot/main.go's signal-wait
// shutdown shape.
func runEngine(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	corr *correlator.Correlator,
	riskMgr *risk.Manager,
	collector *telemetry.Collector,
	store *checkpoint.CompressedStore,
	sink adapter.IntentSink,
	markets []config.MarketRegistryEntry,
	clock adapter.Clock,
) error {
	kcfg := kalman.Config{
		DT:                1.0,
		VelocityThreshold: cfg.Filter.VelocityThreshold,
		RegimeWindow:      cfg.Filter.RegimeWindow,
		ConvexityK:        1.0,
	}

	ctrl := engine.New(cfg.Engine, kcfg, corr, riskMgr, sink, store, collector, clock, logger)

	for _, venue := range venueFeeds {
		name, url, ok := splitVenueFeed(venue)
		if !ok {
			return fmt.Errorf("malformed --feed %q, want venue=ws_url", venue)
		}
		ctrl.RegisterFeed(feedsim.New(url, name, logger))
	}

	for _, m := range markets {
		ctrl.RegisterMarket(engine.MarketRegistration{
			MarketID:        m.MarketID,
			Tier:            m.Tier,
			Type:            m.Type,
			FastVenue:       m.FastVenue,
			SlowVenue:       m.SlowVenue,
			ThresholdCents:  m.ThresholdCents,
			StalenessWindow: m.StalenessWindow,
			PatternIDs:      m.PatternIDs,
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := ctrl.Start(runCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	logger.Info("engine started", "markets", len(markets), "feeds", len(venueFeeds))

	stopTelemetryDump := dumpTelemetryPeriodically(runCtx, ctrl.Telemetry(), cfg.Checkpoint.DataDir, logger)
	defer stopTelemetryDump()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	ctrl.Stop()
	return nil
}

func splitVenueFeed(s string) (venue, url string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// dumpTelemetryPeriodically writes collector.Snapshot() to
// <dataDir>/telemetry.json every 5 seconds, so `arbctl telemetry snapshot`
// has something to read without requiring a running daemon or exposed
// port. Returns a function that stops the background goroutine.
func dumpTelemetryPeriodically(ctx context.Context, collector *telemetry.Collector, dataDir string, logger *slog.Logger) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if err := writeTelemetrySnapshot(collector, dataDir); err != nil {
					logger.Warn("telemetry snapshot write failed", "error", err)
				}
			}
		}
	}()
	return func() { close(stopCh) }
}

func writeTelemetrySnapshot(collector *telemetry.Collector, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(collector.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, "telemetry.json"), data, 0o644)
}
