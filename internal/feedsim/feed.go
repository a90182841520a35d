// Package feedsim implements a reference adapter.Feed backed by a plain
// WebSocket connection, for use against a simulated venue in integration
// tests and the `arbctl demo` command. Real venue adapters live outside
// this module (spec §6); this one exists so the pipeline has something to
// run against without a live venue.
//
// Reworked from the teacher's internal/exchange/ws.go: same
// reconnect-with-exponential-backoff loop, read-deadline watchdog, ping
// loop, and event_type-keyed dispatch switch, generalized from four
// Polymarket event channels down to a single "observation" event feeding
// arbtypes.Observation straight into the pipeline.
package feedsim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"latency-arb-engine/pkg/adapter"
	"latency-arb-engine/pkg/arbtypes"
)

const (
	pingInterval     = 15 * time.Second
	readTimeout      = 45 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 5 * time.Second
	obsBufferSize    = 1024
)

// wireObservation is the JSON shape the simulated venue sends for each
// price update. It mirrors arbtypes.Observation field-for-field.
type wireObservation struct {
	EventType   string `json:"event_type"`
	MarketID    uint16 `json:"market_id"`
	Venue       string `json:"venue"`
	MarketType  string `json:"market_type"`
	Tier        int    `json:"tier"`
	PriceCents  int32  `json:"price_cents"`
	Size        uint64 `json:"size"`
	TimestampNs int64  `json:"timestamp_ns"`
}

// Feed is a WebSocket-backed adapter.Feed implementation.
type Feed struct {
	url    string
	venue  string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	statusMu sync.RWMutex
	status   adapter.FeedStatus

	obsCh chan arbtypes.Observation

	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ adapter.Feed = (*Feed)(nil)

// New builds a Feed that dials wsURL on Connect. venue labels every
// Observation this feed produces (spec §3: Observation.Venue).
func New(wsURL, venue string, logger *slog.Logger) *Feed {
	return &Feed{
		url:    wsURL,
		venue:  venue,
		logger: logger.With("component", "feedsim", "venue", venue),
		obsCh:  make(chan arbtypes.Observation, obsBufferSize),
		stopCh: make(chan struct{}),
		status: adapter.StatusDisconnected,
	}
}

// Connect starts the reconnect-with-backoff loop in the background and
// returns once the first connection attempt has been dispatched; it does
// not block until connected (a slow/unavailable venue should not stall
// engine startup).
func (f *Feed) Connect(ctx context.Context) error {
	f.setStatus(adapter.StatusConnecting)
	go f.run(ctx)
	return nil
}

// Disconnect tears down the connection and stops the reconnect loop.
func (f *Feed) Disconnect() error {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// Observations returns the channel Observations are published to.
func (f *Feed) Observations() <-chan arbtypes.Observation { return f.obsCh }

// Status reports the feed's current connection lifecycle state.
func (f *Feed) Status() adapter.FeedStatus {
	f.statusMu.RLock()
	defer f.statusMu.RUnlock()
	return f.status
}

// Ping measures round-trip latency to the venue by sending a WebSocket ping
// control frame and timing the next pong frame.
func (f *Feed) Ping(ctx context.Context) (int64, error) {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("feedsim: not connected")
	}

	start := time.Now()
	done := make(chan struct{})
	conn.SetPongHandler(func(string) error {
		close(done)
		return nil
	})

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return 0, fmt.Errorf("feedsim: ping: %w", err)
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-done:
		return time.Since(start).Nanoseconds(), nil
	case <-time.After(readTimeout):
		return 0, fmt.Errorf("feedsim: ping timed out")
	}
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.obsCh) // run is the only sender; the feed is done once it returns
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil || f.stopped() {
			f.setStatus(adapter.StatusDisconnected)
			return
		}

		f.setStatus(adapter.StatusError)
		f.logger.Warn("feedsim disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) stopped() bool {
	select {
	case <-f.stopCh:
		return true
	default:
		return false
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.setStatus(adapter.StatusConnected)

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	f.logger.Info("feedsim connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) dispatch(data []byte) {
	var w wireObservation
	if err := json.Unmarshal(data, &w); err != nil {
		f.logger.Debug("ignoring non-json feedsim message")
		return
	}
	if w.EventType != "observation" {
		f.logger.Debug("ignoring unknown feedsim event", "type", w.EventType)
		return
	}

	obs := arbtypes.Observation{
		MarketID:    w.MarketID,
		Venue:       f.venue,
		MarketType:  arbtypes.MarketType(w.MarketType),
		Tier:        arbtypes.MarketTier(w.Tier),
		PriceCents:  w.PriceCents,
		Size:        w.Size,
		TimestampNs: w.TimestampNs,
	}
	select {
	case f.obsCh <- obs:
	default:
		f.logger.Warn("observation channel full, dropping update", "market_id", obs.MarketID)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("feedsim ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) setStatus(s adapter.FeedStatus) {
	f.statusMu.Lock()
	f.status = s
	f.statusMu.Unlock()
}
