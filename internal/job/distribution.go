package job

import "time"

// DistributionEntry is one recipient's cut of the reward. An empty address
// marks the pool operator.
type DistributionEntry struct {
	Address string
	Ratio   float64
}

// Distribution is a per-algorithm snapshot of reward ratios summing to 1.0,
// owner entry first.
type Distribution struct {
	Algorithm int32
	Time      time.Time
	Entries   []DistributionEntry
}

// DistributionSource supplies the latest usable distribution for coinbase
// payout mode. Implementations return nil when no snapshot with at least
// two entries exists.
type DistributionSource interface {
	LatestDistribution(algorithm int32) *Distribution
}
