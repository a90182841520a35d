// Package config defines all configuration for the latency arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Correlator CorrelatorConfig `mapstructure:"correlator"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Filter     FilterConfig     `mapstructure:"filter"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CorrelatorConfig tunes the latency correlator (spec §4.4, §6).
//
//   - StalenessWindow: loaded and defaulted, but neither the correlator nor
//     check_arbs reads it; check_arbs uses each market registry entry's own
//     staleness window.
//   - MinDisparityCents / MinTSDiff: the causality-vs-noise floor below
//     which a price/time gap is never treated as a signal.
//   - SignalTTL: how long an unconsumed Signal lives before being purged.
//   - MaxConvergence: Signals predicting convergence beyond this are
//     discarded outright, never emitted.
type CorrelatorConfig struct {
	StalenessWindow   time.Duration `mapstructure:"staleness_window_ms"`
	MinDisparityCents int32         `mapstructure:"min_disparity_cents"`
	MinTSDiff         time.Duration `mapstructure:"min_ts_diff_ns"`
	SignalTTL         time.Duration `mapstructure:"signal_ttl_ns"`
	MaxConvergence    time.Duration `mapstructure:"max_convergence_ns"`
}

// RiskConfig sets the gates a Signal must clear to become an Intent
// (spec §4.5).
//
//   - PerVenueLimitCents: hard cap on |net exposure| per venue.
//   - MaxOrderFraction: sizing ceiling as a fraction of estimated market
//     volume.
//   - CircuitFailureThreshold: consecutive failures before a venue's
//     breaker opens.
//   - CircuitCoolOff: how long a breaker stays Open before a HalfOpen
//     probe is admitted.
//   - HalfLifeEdgeFloor: minimum fraction of initial disparity that must
//     still be expected to remain at execution time.
type RiskConfig struct {
	PerVenueLimitCents      uint64        `mapstructure:"per_venue_limit_cents"`
	MaxOrderFraction        float64       `mapstructure:"max_order_fraction"`
	CircuitFailureThreshold int           `mapstructure:"circuit_failure_threshold"`
	CircuitCoolOff          time.Duration `mapstructure:"circuit_cool_off_ns"`
	HalfLifeEdgeFloor       float64       `mapstructure:"half_life_edge_floor"`
}

// FilterConfig holds the Kalman filter settings (spec §4.3, §6). Only
// VelocityThreshold and RegimeWindow reach the filters; ProcessNoiseQuiet,
// ProcessNoiseSteam and ObsNoise are loaded and defaulted but not read, and
// each pattern's constructor uses its own fixed noise values.
type FilterConfig struct {
	VelocityThreshold float64 `mapstructure:"velocity_threshold"`
	RegimeWindow      int     `mapstructure:"regime_window"`
	ProcessNoiseQuiet float64 `mapstructure:"process_noise_quiet"`
	ProcessNoiseSteam float64 `mapstructure:"process_noise_steam"`
	ObsNoise          float64 `mapstructure:"obs_noise"`
}

// EngineConfig controls the pipeline controller's worker pool and
// checkpoint cadence (spec §4.6).
type EngineConfig struct {
	WorkerPoolSize      int           `mapstructure:"worker_pool_size"`
	CheckpointInterval  time.Duration `mapstructure:"checkpoint_interval_ms"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	MaxReconnectAttempts int          `mapstructure:"max_reconnect_attempts"`
	ReconnectBackoff    time.Duration `mapstructure:"reconnect_backoff"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
}

// CheckpointConfig selects and configures the FilterState store backend.
type CheckpointConfig struct {
	Backend  string `mapstructure:"backend"` // "file" or "http"
	DataDir  string `mapstructure:"data_dir"`
	Endpoint string `mapstructure:"endpoint"` // used when Backend == "http"
	APIKey   string `mapstructure:"api_key"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with ARB_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("ARB_CHECKPOINT_API_KEY"); key != "" {
		cfg.Checkpoint.APIKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("correlator.staleness_window_ms", 500*time.Millisecond)
	v.SetDefault("correlator.min_disparity_cents", int32(2))
	v.SetDefault("correlator.min_ts_diff_ns", 50*time.Millisecond)
	v.SetDefault("correlator.signal_ttl_ns", 30*time.Second)
	v.SetDefault("correlator.max_convergence_ns", 5*time.Second)

	v.SetDefault("risk.per_venue_limit_cents", uint64(100_000))
	v.SetDefault("risk.max_order_fraction", 0.05)
	v.SetDefault("risk.circuit_failure_threshold", 5)
	v.SetDefault("risk.circuit_cool_off_ns", 60*time.Second)
	v.SetDefault("risk.half_life_edge_floor", 0.30)

	v.SetDefault("filter.velocity_threshold", 0.3)
	v.SetDefault("filter.regime_window", 10)
	v.SetDefault("filter.process_noise_quiet", 1e-3)
	v.SetDefault("filter.process_noise_steam", 1e-1)
	v.SetDefault("filter.obs_noise", 5e-2)

	v.SetDefault("engine.worker_pool_size", 8)
	v.SetDefault("engine.checkpoint_interval_ms", time.Second)
	v.SetDefault("engine.shutdown_grace_period", 5*time.Second)
	v.SetDefault("engine.max_reconnect_attempts", 10)
	v.SetDefault("engine.reconnect_backoff", 5*time.Second)
	v.SetDefault("engine.heartbeat_interval", 30*time.Second)

	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.data_dir", "./data/checkpoints")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges, mirroring the
// teacher's field-by-field validation.
func (c *Config) Validate() error {
	if c.Correlator.MinDisparityCents <= 0 {
		return fmt.Errorf("correlator.min_disparity_cents must be > 0")
	}
	if c.Correlator.MaxConvergence <= 0 {
		return fmt.Errorf("correlator.max_convergence_ns must be > 0")
	}
	if c.Risk.PerVenueLimitCents == 0 {
		return fmt.Errorf("risk.per_venue_limit_cents must be > 0")
	}
	if c.Risk.MaxOrderFraction <= 0 || c.Risk.MaxOrderFraction > 1 {
		return fmt.Errorf("risk.max_order_fraction must be in (0, 1]")
	}
	if c.Risk.CircuitFailureThreshold <= 0 {
		return fmt.Errorf("risk.circuit_failure_threshold must be > 0")
	}
	if c.Risk.HalfLifeEdgeFloor < 0 || c.Risk.HalfLifeEdgeFloor > 1 {
		return fmt.Errorf("risk.half_life_edge_floor must be in [0, 1]")
	}
	if c.Filter.RegimeWindow <= 0 {
		return fmt.Errorf("filter.regime_window must be > 0")
	}
	if c.Engine.WorkerPoolSize <= 0 {
		return fmt.Errorf("engine.worker_pool_size must be > 0")
	}
	switch c.Checkpoint.Backend {
	case "file", "http":
	default:
		return fmt.Errorf("checkpoint.backend must be 'file' or 'http', got %q", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend == "http" && c.Checkpoint.Endpoint == "" {
		return fmt.Errorf("checkpoint.endpoint is required when checkpoint.backend is 'http'")
	}
	return nil
}
