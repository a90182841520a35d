package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
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

const (
	demoMarketID     uint16 = 1
	demoFastVenue           = "demo-fast"
	demoSlowVenue           = "demo-slow"
	demoLag                 = 300 * time.Millisecond
	demoTickInterval        = 200 * time.Millisecond
)

var demoDuration time.Duration

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Runs the engine against a self-contained simulated venue pair and prints a final telemetry snapshot.",
	RunE:  runDemo,
}

func init() {
	demoCmd.Flags().DurationVar(&demoDuration, "duration", 20*time.Second, "how long to run the demo before shutting down")
}

// demoWireObservation mirrors feedsim's wire contract field-for-field so the
// reference Feed decodes it without any demo-specific parsing.
type demoWireObservation struct {
	EventType   string `json:"event_type"`
	MarketID    uint16 `json:"market_id"`
	Venue       string `json:"venue"`
	MarketType  string `json:"market_type"`
	Tier        int    `json:"tier"`
	PriceCents  int32  `json:"price_cents"`
	Size        uint64 `json:"size"`
	TimestampNs int64  `json:"timestamp_ns"`
}

func runDemo(cmd *cobra.Command, args []string) error {
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "text"})

	addr, stopServer, err := startDemoVenueServer(logger)
	if err != nil {
		return fmt.Errorf("start demo venue server: %w", err)
	}
	defer stopServer()

	rules := config.DefaultRuleTable()
	clock := adapter.SystemClock{}
	corr := correlator.New(config.CorrelatorConfig{
		StalenessWindow:   2 * time.Second,
		MinDisparityCents: 1,
		MinTSDiff:         10 * time.Millisecond,
		SignalTTL:         30 * time.Second,
		MaxConvergence:    5 * time.Second,
	}, rules, clock, logger)
	riskMgr := risk.NewManager(config.RiskConfig{
		PerVenueLimitCents:      1_000_000,
		MaxOrderFraction:        0.5,
		CircuitFailureThreshold: 5,
		CircuitCoolOff:          10 * time.Second,
		HalfLifeEdgeFloor:       0.1,
	}, logger)
	collector := telemetry.NewCollector()
	onReport := func(report arbtypes.ExecutionReport) { riskMgr.ReportExecution(report, clock.NowNs()) }
	sink := intentsink.New(50, 50, intentsink.SimulatedExecutor(50*time.Millisecond), onReport, logger)

	dataDir, err := os.MkdirTemp("", "arbctl-demo-checkpoints")
	if err != nil {
		return fmt.Errorf("create demo checkpoint dir: %w", err)
	}
	store, err := checkpoint.New(config.CheckpointConfig{Backend: "file", DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("build checkpoint store: %w", err)
	}
	defer store.Close()

	ctrl := engine.New(config.EngineConfig{
		WorkerPoolSize:      2,
		CheckpointInterval:  time.Second,
		ShutdownGracePeriod: 2 * time.Second,
	}, kalman.Config{DT: 1.0, VelocityThreshold: 0.3, RegimeWindow: 10, ConvexityK: 1.0}, corr, riskMgr, sink, store, collector, clock, logger)

	ctrl.RegisterFeed(feedsim.New(fmt.Sprintf("ws://%s/stream?venue=%s", addr, demoFastVenue), demoFastVenue, logger))
	ctrl.RegisterFeed(feedsim.New(fmt.Sprintf("ws://%s/stream?venue=%s", addr, demoSlowVenue), demoSlowVenue, logger))
	ctrl.RegisterMarket(engine.MarketRegistration{
		MarketID:        demoMarketID,
		Tier:            arbtypes.Tier1,
		Type:            arbtypes.MarketBinary,
		FastVenue:       demoFastVenue,
		SlowVenue:       demoSlowVenue,
		ThresholdCents:  2,
		StalenessWindow: 2 * time.Second,
		PatternIDs:      []uint16{kalman.PatternHTInference},
	})

	runCtx, cancel := context.WithTimeout(cmd.Context(), demoDuration)
	defer cancel()
	if err := ctrl.Start(runCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	logger.Info("demo engine started", "duration", demoDuration)

	<-runCtx.Done()
	ctrl.Stop()

	snap := collector.Snapshot()
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// demoVenueServer plays the part of two correlated venues quoting the same
// binary market: demo-fast reprices on every tick, demo-slow echoes the
// same sequence of prices delayed by demoLag, mirroring the "one venue
// reprices before the other catches up" pattern the pipeline exploits.
type demoVenueServer struct {
	mu   sync.Mutex
	subs map[string][]chan demoWireObservation
}

func startDemoVenueServer(logger *slog.Logger) (addr string, stop func(), err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	srv := &demoVenueServer{subs: make(map[string][]chan demoWireObservation)}
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", srv.handleStream(logger))
	httpSrv := &http.Server{Handler: mux}

	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Warn("demo venue server exited", "error", err)
		}
	}()

	genCtx, genCancel := context.WithCancel(context.Background())
	go srv.generate(genCtx)

	stop = func() {
		genCancel()
		httpSrv.Close()
	}
	return ln.Addr().String(), stop, nil
}

var demoUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *demoVenueServer) handleStream(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		venue := r.URL.Query().Get("venue")
		conn, err := demoUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("demo venue upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		ch := make(chan demoWireObservation, 64)
		s.mu.Lock()
		s.subs[venue] = append(s.subs[venue], ch)
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			subs := s.subs[venue]
			for i, c := range subs {
				if c == ch {
					s.subs[venue] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		}()

		for obs := range ch {
			if err := conn.WriteJSON(obs); err != nil {
				return
			}
		}
	}
}

// generate drives the "true price" random walk and fans each tick out to
// demo-fast subscribers immediately and to demo-slow subscribers after
// demoLag, so the fast venue is always the first to show a repricing.
func (s *demoVenueServer) generate(ctx context.Context) {
	rng := rand.New(rand.NewSource(1))
	price := int32(50)

	ticker := time.NewTicker(demoTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			step := int32(rng.Intn(5) - 2)
			price += step
			if price < 2 {
				price = 2
			}
			if price > 98 {
				price = 98
			}

			now := time.Now()
			fastObs := demoWireObservation{
				EventType:   "observation",
				MarketID:    demoMarketID,
				Venue:       demoFastVenue,
				MarketType:  string(arbtypes.MarketBinary),
				Tier:        int(arbtypes.Tier1),
				PriceCents:  price,
				Size:        500,
				TimestampNs: now.UnixNano(),
			}
			s.broadcast(demoFastVenue, fastObs)

			slowObs := fastObs
			slowObs.Venue = demoSlowVenue
			time.AfterFunc(demoLag, func() {
				obs := slowObs
				obs.TimestampNs = time.Now().UnixNano()
				s.broadcast(demoSlowVenue, obs)
			})
		}
	}
}

func (s *demoVenueServer) broadcast(venue string, obs demoWireObservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[venue] {
		select {
		case ch <- obs:
		default:
		}
	}
}
