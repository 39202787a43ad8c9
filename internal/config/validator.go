package config

import (
	"errors"
	"fmt"
	"net"
)

// Validator checks that a Config is internally consistent.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate performs a full validation of the provided Config struct.
func (v *Validator) Validate(cfg *Config) error {
	if err := v.validateBatcher(&cfg.Batcher); err != nil {
		return fmt.Errorf("batcher config: %w", err)
	}
	if err := v.validateLogging(cfg); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := v.validateAPI(&cfg.API); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	if err := v.validateSim(&cfg.Sim); err != nil {
		return fmt.Errorf("sim config: %w", err)
	}
	return nil
}

func (v *Validator) validateBatcher(cfg *BatcherConfig) error {
	if cfg.DeltaMs <= 0 {
		return errors.New("delta_ms must be positive")
	}
	if cfg.MaxBatchesInFlight < 1 {
		return errors.New("max_batches_in_flight must be at least 1")
	}
	if cfg.MinFrac <= 0 || cfg.MaxFrac >= 1 {
		return errors.New("min_frac and max_frac must lie in (0,1)")
	}
	if cfg.MinFrac > cfg.MaxFrac {
		return errors.New("min_frac must not exceed max_frac")
	}
	if cfg.DefaultFrac < cfg.MinFrac || cfg.DefaultFrac > cfg.MaxFrac {
		return fmt.Errorf("default_frac %.4f outside [%.4f, %.4f]", cfg.DefaultFrac, cfg.MinFrac, cfg.MaxFrac)
	}
	if cfg.ReservedFraction <= 0 || cfg.ReservedFraction > 1 {
		return errors.New("reserved_fraction must lie in (0,1]")
	}
	if cfg.TargetReliability < 0 || cfg.TargetReliability > 1 {
		return errors.New("target_reliability must lie in [0,1]")
	}
	if cfg.LowWatermark <= 0 || cfg.HighWatermark > 1 || cfg.LowWatermark >= cfg.HighWatermark {
		return errors.New("watermarks must satisfy 0 < low_watermark < high_watermark <= 1")
	}
	if cfg.DecreaseFactor <= 0 || cfg.DecreaseFactor >= 1 {
		return errors.New("decrease_factor must lie in (0,1)")
	}
	if cfg.IncreaseFactor <= 1 {
		return errors.New("increase_factor must be greater than 1")
	}
	if cfg.HackCompensation < 0 || cfg.GrowCompensation < 0 {
		return errors.New("compensation ratios cannot be negative")
	}
	if cfg.ScoreMargin < 0 {
		return errors.New("score_margin cannot be negative")
	}
	if cfg.ObservationWindow <= 0 {
		return errors.New("observation_window must be positive")
	}
	if cfg.PrepInterval <= 0 {
		return errors.New("prep_interval must be positive")
	}
	if cfg.PrepMoneyRatio <= 0 || cfg.PrepMoneyRatio > 1 {
		return errors.New("prep_money_ratio must lie in (0,1]")
	}
	if cfg.PrepSecuritySlack < 0 {
		return errors.New("prep_security_slack cannot be negative")
	}
	return nil
}

func (v *Validator) validateLogging(cfg *Config) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}
	if cfg.Logging.Encoding != "json" && cfg.Logging.Encoding != "console" {
		return fmt.Errorf("invalid encoding: %s", cfg.Logging.Encoding)
	}
	return nil
}

func (v *Validator) validateAPI(cfg *APIConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", cfg.ListenAddr, err)
	}
	if cfg.RateLimit <= 0 || cfg.RateBurst <= 0 {
		return errors.New("rate_limit and rate_burst must be positive")
	}
	return nil
}

func (v *Validator) validateSim(cfg *SimConfig) error {
	if cfg.TimeScale <= 0 {
		return errors.New("time_scale must be positive")
	}
	if cfg.HostCapacity <= 0 {
		return errors.New("host_capacity must be positive")
	}
	if cfg.BaseHackTime <= 0 {
		return errors.New("base_hack_time must be positive")
	}
	if cfg.WeakenCost <= 0 || cfg.GrowCost <= 0 || cfg.HackCost <= 0 {
		return errors.New("stage costs must be positive")
	}
	if cfg.PrepThreads < 1 {
		return errors.New("prep_threads must be at least 1")
	}

	seen := make(map[string]bool, len(cfg.Resources))
	for i, r := range cfg.Resources {
		if r.ID == "" {
			return fmt.Errorf("resource %d: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("resource %s: duplicate id", r.ID)
		}
		seen[r.ID] = true

		if r.MinSecurity < 1 || r.Security < r.MinSecurity {
			return fmt.Errorf("resource %s: need 1 <= min_security <= security", r.ID)
		}
		if r.MaxMoney < 0 || r.Money < 0 || r.Money > r.MaxMoney {
			return fmt.Errorf("resource %s: need 0 <= money <= max_money", r.ID)
		}
		if r.GrowthRate <= 0 {
			return fmt.Errorf("resource %s: growth_rate must be positive", r.ID)
		}
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
