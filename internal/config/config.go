// Package config loads and validates the pool configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full pool configuration file.
type Config struct {
	DatabasePath string `yaml:"database_path"`
	RestAPI      string `yaml:"rest_api"`
	HostName     string `yaml:"host_name"`

	// PayoutMethod selects "transaction" (periodic sendmany batches) or
	// "coinbase" (split rewards directly in the coinbase outputs).
	PayoutMethod string `yaml:"payout_method"`
	Bech32HRP    string `yaml:"bech32_hrp"`

	Algorithms []AlgorithmConfig `yaml:"algorithms"`
	Stratums   []StratumConfig   `yaml:"stratums"`
	Payout     PayoutConfig      `yaml:"payout"`
	Log        LogConfig         `yaml:"log"`

	// ShareRetentionSec bounds how long share and subscription rows live.
	ShareRetentionSec int64 `yaml:"share_retention_sec"`
	// JobSpanSec forces a job refresh when the best job grows older than this.
	JobSpanSec int `yaml:"job_span_sec"`
	// DistributionWindowSec is the sliding window for distribution snapshots.
	DistributionWindowSec int `yaml:"distribution_window_sec"`

	MetricsListen string `yaml:"metrics_listen"`
}

// AlgorithmConfig names a mining algorithm and its difficulty coefficient.
type AlgorithmConfig struct {
	ID          int32   `yaml:"id"`
	Name        string  `yaml:"name"`
	Coefficient float64 `yaml:"coefficient"`
}

// StratumConfig describes one TCP listener.
type StratumConfig struct {
	Port              int     `yaml:"port"`
	Algorithm         int32   `yaml:"algorithm"`
	InitialDifficulty float64 `yaml:"initial_difficulty"`
	VariableDiff      bool    `yaml:"variable_diff"`
	SubmitSpanSec     float64 `yaml:"submit_span_sec"`
}

// PayoutConfig tunes the payout scheduler.
type PayoutConfig struct {
	MinConfirm   int     `yaml:"min_confirm"`
	MinAmount    uint64  `yaml:"min_amount"`
	IgnoreAmount uint64  `yaml:"ignore_amount"`
	OwnerFee     float64 `yaml:"owner_fee"`
	CheckSpanSec int     `yaml:"check_span_sec"`
	// ExtraOutputFee is deducted per additional coinbase output in
	// coinbase payout mode.
	ExtraOutputFee uint64 `yaml:"extra_output_fee"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads the YAML config at path, filling unset fields from Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.RestAPI == "" {
		return fmt.Errorf("rest_api is required")
	}
	if c.PayoutMethod != "transaction" && c.PayoutMethod != "coinbase" {
		return fmt.Errorf("unknown payout_method %q", c.PayoutMethod)
	}
	if c.Bech32HRP == "" {
		return fmt.Errorf("bech32_hrp is required")
	}
	if !(c.Payout.OwnerFee > 0 && c.Payout.OwnerFee < 1) {
		return fmt.Errorf("owner_fee must be in (0, 1)")
	}
	if len(c.Stratums) == 0 {
		return fmt.Errorf("at least one stratum listener is required")
	}
	seen := map[int]bool{}
	for _, s := range c.Stratums {
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("invalid stratum port %d", s.Port)
		}
		if seen[s.Port] {
			return fmt.Errorf("duplicate stratum port %d", s.Port)
		}
		seen[s.Port] = true
		if s.InitialDifficulty <= 0 {
			return fmt.Errorf("stratum port %d: initial_difficulty must be positive", s.Port)
		}
		if _, ok := c.Coefficient(s.Algorithm); !ok {
			return fmt.Errorf("stratum port %d: unknown algorithm %d", s.Port, s.Algorithm)
		}
	}
	return nil
}

// Coefficient returns the difficulty coefficient for an algorithm.
func (c *Config) Coefficient(algorithm int32) (float64, bool) {
	for _, a := range c.Algorithms {
		if a.ID == algorithm {
			return a.Coefficient, true
		}
	}
	return 0, false
}

// AlgorithmName resolves an algorithm id to its display name.
func (c *Config) AlgorithmName(algorithm int32) string {
	for _, a := range c.Algorithms {
		if a.ID == algorithm {
			return a.Name
		}
	}
	return fmt.Sprintf("algo-%d", algorithm)
}

// AlgorithmIDs lists all configured algorithm ids.
func (c *Config) AlgorithmIDs() []int32 {
	ids := make([]int32, 0, len(c.Algorithms))
	for _, a := range c.Algorithms {
		ids = append(ids, a.ID)
	}
	return ids
}

// ShareRetention returns the share/subscription retention as a duration.
func (c *Config) ShareRetention() time.Duration {
	return time.Duration(c.ShareRetentionSec) * time.Second
}
