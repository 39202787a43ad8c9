package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/shizukutanaka/batchd/internal/errors"
	"github.com/shizukutanaka/batchd/internal/logging"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. BATCHD_BATCHER_DELTA_MS.
const EnvPrefix = "BATCHD"

// Config is the full daemon configuration. It is loaded once at startup
// and never mutated afterwards.
type Config struct {
	Batcher BatcherConfig     `mapstructure:"batcher" yaml:"batcher"`
	Logging logging.LogConfig `mapstructure:"logging" yaml:"logging"`
	API     APIConfig         `mapstructure:"api" yaml:"api"`
	Sim     SimConfig         `mapstructure:"sim" yaml:"sim"`
}

// BatcherConfig holds the scheduler tunables.
type BatcherConfig struct {
	DeltaMs            int     `mapstructure:"delta_ms" yaml:"delta_ms"`
	MaxBatchesInFlight int     `mapstructure:"max_batches_in_flight" yaml:"max_batches_in_flight"`
	DefaultFrac        float64 `mapstructure:"default_frac" yaml:"default_frac"`
	MinFrac            float64 `mapstructure:"min_frac" yaml:"min_frac"`
	MaxFrac            float64 `mapstructure:"max_frac" yaml:"max_frac"`
	ReservedFraction   float64 `mapstructure:"reserved_fraction" yaml:"reserved_fraction"`
	// TargetReliability is informational; the tuner works off the watermarks.
	TargetReliability float64 `mapstructure:"target_reliability" yaml:"target_reliability"`

	// Watermarks on money/maxMoney that drive the tuner.
	LowWatermark   float64 `mapstructure:"low_watermark" yaml:"low_watermark"`
	HighWatermark  float64 `mapstructure:"high_watermark" yaml:"high_watermark"`
	DecreaseFactor float64 `mapstructure:"decrease_factor" yaml:"decrease_factor"`
	IncreaseFactor float64 `mapstructure:"increase_factor" yaml:"increase_factor"`

	// Approximate security compensation per hack/grow thread. Heuristic,
	// not the exact inverse of the security formulas.
	HackCompensation float64 `mapstructure:"hack_compensation" yaml:"hack_compensation"`
	GrowCompensation float64 `mapstructure:"grow_compensation" yaml:"grow_compensation"`

	ScoreMargin       float64       `mapstructure:"score_margin" yaml:"score_margin"`
	ObservationWindow time.Duration `mapstructure:"observation_window" yaml:"observation_window"`
	PrepInterval      time.Duration `mapstructure:"prep_interval" yaml:"prep_interval"`
	PrepMoneyRatio    float64       `mapstructure:"prep_money_ratio" yaml:"prep_money_ratio"`
	PrepSecuritySlack float64       `mapstructure:"prep_security_slack" yaml:"prep_security_slack"`

	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// Delta returns the stage spacing as a duration.
func (b BatcherConfig) Delta() time.Duration {
	return time.Duration(b.DeltaMs) * time.Millisecond
}

// APIConfig configures the status API
type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	RateLimit  int    `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst  int    `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// SimConfig describes the in-process simulated environment.
type SimConfig struct {
	// TimeScale speeds up operation durations: 10 means ten times faster.
	TimeScale    float64          `mapstructure:"time_scale" yaml:"time_scale"`
	HostCapacity float64          `mapstructure:"host_capacity" yaml:"host_capacity"`
	BaseHackTime time.Duration    `mapstructure:"base_hack_time" yaml:"base_hack_time"`
	WeakenCost   float64          `mapstructure:"weaken_cost" yaml:"weaken_cost"`
	GrowCost     float64          `mapstructure:"grow_cost" yaml:"grow_cost"`
	HackCost     float64          `mapstructure:"hack_cost" yaml:"hack_cost"`
	// PrepThreads is the thread count of a single preparation operation.
	PrepThreads  int              `mapstructure:"prep_threads" yaml:"prep_threads"`
	Resources    []ResourceConfig `mapstructure:"resources" yaml:"resources"`
}

// ResourceConfig is the initial state of one simulated resource.
type ResourceConfig struct {
	ID          string  `mapstructure:"id" yaml:"id"`
	HasAccess   bool    `mapstructure:"has_access" yaml:"has_access"`
	Security    float64 `mapstructure:"security" yaml:"security"`
	MinSecurity float64 `mapstructure:"min_security" yaml:"min_security"`
	Money       float64 `mapstructure:"money" yaml:"money"`
	MaxMoney    float64 `mapstructure:"max_money" yaml:"max_money"`
	GrowthRate  float64 `mapstructure:"growth_rate" yaml:"growth_rate"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Batcher: BatcherConfig{
			DeltaMs:            200,
			MaxBatchesInFlight: 6,
			DefaultFrac:        0.02,
			MinFrac:            0.005,
			MaxFrac:            0.20,
			ReservedFraction:   0.5,
			TargetReliability:  0.99,
			LowWatermark:       0.60,
			HighWatermark:      0.90,
			DecreaseFactor:     0.8,
			IncreaseFactor:     1.05,
			HackCompensation:   1.75,
			GrowCompensation:   0.25,
			ScoreMargin:        5,
			ObservationWindow:  4 * time.Second,
			PrepInterval:       50 * time.Millisecond,
			PrepMoneyRatio:     0.9,
			PrepSecuritySlack:  1,
		},
		Logging: logging.DefaultLogConfig(),
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8081",
			RateLimit:  20,
			RateBurst:  40,
		},
		Sim: SimConfig{
			TimeScale:    20,
			HostCapacity: 4096,
			BaseHackTime: 5 * time.Second,
			WeakenCost:   1.75,
			GrowCost:     1.75,
			HackCost:     1.7,
			PrepThreads:  256,
			Resources:    defaultResources(),
		},
	}
}

func defaultResources() []ResourceConfig {
	return []ResourceConfig{
		{ID: "n00dles", HasAccess: true, Security: 1, MinSecurity: 1, Money: 70000, MaxMoney: 1750000, GrowthRate: 3000},
		{ID: "foodnstuff", HasAccess: true, Security: 10, MinSecurity: 3, Money: 2000000, MaxMoney: 50000000, GrowthRate: 50},
		{ID: "joesguns", HasAccess: true, Security: 15, MinSecurity: 5, Money: 2500000, MaxMoney: 62500000, GrowthRate: 60},
		{ID: "phantasy", HasAccess: false, Security: 20, MinSecurity: 7, Money: 2400000, MaxMoney: 600000000, GrowthRate: 45},
		{ID: "darkweb", HasAccess: true, Security: 1, MinSecurity: 1, Money: 0, MaxMoney: 0, GrowthRate: 1},
	}
}

// Load reads configPath (YAML), applies defaults and BATCHD_* environment
// overrides, and validates the result. An empty path loads defaults only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Sim.Resources) == 0 {
		cfg.Sim.Resources = defaultResources()
	}

	if err := NewValidator().Validate(&cfg); err != nil {
		return nil, apperrors.ErrInvalidConfig.WithError(err).WithContext("path", configPath)
	}

	return &cfg, nil
}

// setDefaults registers every scalar default with viper so AutomaticEnv can
// see the keys.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Batcher
	v.SetDefault("batcher.delta_ms", d.Batcher.DeltaMs)
	v.SetDefault("batcher.max_batches_in_flight", d.Batcher.MaxBatchesInFlight)
	v.SetDefault("batcher.default_frac", d.Batcher.DefaultFrac)
	v.SetDefault("batcher.min_frac", d.Batcher.MinFrac)
	v.SetDefault("batcher.max_frac", d.Batcher.MaxFrac)
	v.SetDefault("batcher.reserved_fraction", d.Batcher.ReservedFraction)
	v.SetDefault("batcher.target_reliability", d.Batcher.TargetReliability)
	v.SetDefault("batcher.low_watermark", d.Batcher.LowWatermark)
	v.SetDefault("batcher.high_watermark", d.Batcher.HighWatermark)
	v.SetDefault("batcher.decrease_factor", d.Batcher.DecreaseFactor)
	v.SetDefault("batcher.increase_factor", d.Batcher.IncreaseFactor)
	v.SetDefault("batcher.hack_compensation", d.Batcher.HackCompensation)
	v.SetDefault("batcher.grow_compensation", d.Batcher.GrowCompensation)
	v.SetDefault("batcher.score_margin", d.Batcher.ScoreMargin)
	v.SetDefault("batcher.observation_window", d.Batcher.ObservationWindow.String())
	v.SetDefault("batcher.prep_interval", d.Batcher.PrepInterval.String())
	v.SetDefault("batcher.prep_money_ratio", d.Batcher.PrepMoneyRatio)
	v.SetDefault("batcher.prep_security_slack", d.Batcher.PrepSecuritySlack)
	v.SetDefault("batcher.dry_run", d.Batcher.DryRun)

	// Logging
	v.SetDefault("logging.output_path", d.Logging.OutputPath)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.development", d.Logging.Development)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.disable_caller", d.Logging.DisableCaller)
	v.SetDefault("logging.disable_stacktrace", d.Logging.DisableStacktrace)
	v.SetDefault("logging.sampling", d.Logging.Sampling)

	// API
	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.listen_addr", d.API.ListenAddr)
	v.SetDefault("api.rate_limit", d.API.RateLimit)
	v.SetDefault("api.rate_burst", d.API.RateBurst)

	// Simulation
	v.SetDefault("sim.time_scale", d.Sim.TimeScale)
	v.SetDefault("sim.host_capacity", d.Sim.HostCapacity)
	v.SetDefault("sim.base_hack_time", d.Sim.BaseHackTime.String())
	v.SetDefault("sim.weaken_cost", d.Sim.WeakenCost)
	v.SetDefault("sim.grow_cost", d.Sim.GrowCost)
	v.SetDefault("sim.hack_cost", d.Sim.HackCost)
	v.SetDefault("sim.prep_threads", d.Sim.PrepThreads)
}

// Save writes cfg as YAML to path, going through a temp file so readers
// never see a partial write.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write to temporary config file: %w", err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	return nil
}
