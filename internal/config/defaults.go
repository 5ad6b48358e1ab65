package config

// Defaults returns the baseline configuration; Load overlays the YAML file
// on top of it.
func Defaults() *Config {
	return &Config{
		DatabasePath: "data/pool.db",
		RestAPI:      "http://127.0.0.1:3000",
		HostName:     "127.0.0.1",
		PayoutMethod: "transaction",
		Bech32HRP:    "bc",
		Algorithms: []AlgorithmConfig{
			{ID: 0, Name: "sha256d", Coefficient: 1.0},
		},
		Stratums: []StratumConfig{
			{Port: 3333, Algorithm: 0, InitialDifficulty: 4.0, VariableDiff: true, SubmitSpanSec: 30},
		},
		Payout: PayoutConfig{
			MinConfirm:     20,
			MinAmount:      5000000000,
			IgnoreAmount:   10000,
			OwnerFee:       0.05,
			CheckSpanSec:   3600,
			ExtraOutputFee: 10000,
		},
		Log: LogConfig{
			Level: "info",
		},
		ShareRetentionSec:     60 * 24 * 60 * 60, // 60 days
		JobSpanSec:            60,
		DistributionWindowSec: 10800,
	}
}
