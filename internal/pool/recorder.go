package pool

import (
	"context"
	"sort"
	"time"

	"stratumd/internal/job"
)

const (
	// maxCoinbaseOutputs caps distribution recipients: 254 miners plus
	// the owner entry.
	maxCoinbaseOutputs = 255

	// hashrateScale is max_target / base_target; multiplying a difficulty
	// by it yields hashes per second at a 600-second share window.
	hashrateScale = 7158278.8

	statusSpan     = 60 * time.Second
	hashrateWindow = 15 * time.Minute

	minHashrateSamples       = 20
	minRecentHashrateSamples = 3
)

// RunDistribution periodically snapshots per-algorithm unpaid-share ratios
// for the coinbase rewriter and the dashboard.
func (p *Pool) RunDistribution(ctx context.Context) {
	p.log.Info("distribution recorder started")
	span := time.Duration(p.cfg.JobSpanSec) * time.Second
	ticker := time.NewTicker(span)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		end := float64(time.Now().UnixNano()) / 1e9
		begin := end - float64(p.cfg.DistributionWindowSec)
		for _, algorithm := range p.cfg.AlgorithmIDs() {
			dist, err := p.buildDistribution(begin, end, algorithm)
			if err != nil {
				p.log.WithError(err).Warn("distribution snapshot failed")
				continue
			}
			p.distributions.append(dist)
		}
	}
}

// buildDistribution turns grouped unpaid shares into (address, ratio)
// entries summing to 1.0 with the owner first.
func (p *Pool) buildDistribution(begin, end float64, algorithm int32) (*job.Distribution, error) {
	ownerFee := p.cfg.Payout.OwnerFee
	accountShares, err := p.db.ShareDistribution(begin, end, algorithm)
	if err != nil {
		return nil, err
	}
	dist := &job.Distribution{Algorithm: algorithm, Time: time.Now()}
	if len(accountShares) == 0 {
		dist.Entries = []job.DistributionEntry{{Address: "", Ratio: 1.0}}
		return dist, nil
	}

	// keep the biggest contributors when over the output cap
	type accountShare struct {
		id    int64
		share float64
	}
	ordered := make([]accountShare, 0, len(accountShares))
	for id, share := range accountShares {
		ordered = append(ordered, accountShare{id, share})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].share > ordered[j].share })
	if len(ordered)+1 > maxCoinbaseOutputs {
		ordered = ordered[:maxCoinbaseOutputs-1]
	}

	var totalShare float64
	for _, a := range ordered {
		totalShare += a.share
	}
	totalShare /= 1 - ownerFee

	dist.Entries = append(dist.Entries, job.DistributionEntry{Address: "", Ratio: ownerFee})
	for _, a := range ordered {
		address, err := p.db.AccountAddress(a.id)
		if err != nil {
			return nil, err
		}
		dist.Entries = append(dist.Entries, job.DistributionEntry{
			Address: address,
			Ratio:   a.share / totalShare,
		})
	}
	return dist, nil
}

// RunStatus records a pool-wide snapshot every minute: worker counts, pool
// and network hashrate per algorithm, and the share accumulated since the
// recorder started.
func (p *Pool) RunStatus(ctx context.Context) {
	p.log.Info("status recorder started")
	started := float64(time.Now().UnixNano()) / 1e9
	ticker := time.NewTicker(statusSpan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		share, err := p.db.TotalUnpaidShares(started, float64(now.UnixNano())/1e9)
		if err != nil {
			p.log.WithError(err).Warn("status share query failed")
			continue
		}

		workers := make(map[int32]int)
		poolHashrate := make(map[int32]float64)
		for _, w := range p.sessions.Workers() {
			workers[w.Algorithm]++
			poolHashrate[w.Algorithm] += p.workerHashrate(w, now)
		}

		// newest block per algorithm gives the network difficulty
		networkHashrate := make(map[int32]float64)
		history := p.blocks.snapshotReversed()
		for _, blk := range history {
			flag, ok := blk["flag"].(float64)
			if !ok {
				continue
			}
			algorithm := int32(flag)
			if _, seen := networkHashrate[algorithm]; seen {
				continue
			}
			if difficulty, ok := blk["difficulty"].(float64); ok {
				networkHashrate[algorithm] = difficulty * hashrateScale
			}
		}

		p.status.append(Status{
			Time:            now,
			Workers:         workers,
			PoolHashrate:    poolHashrate,
			NetworkHashrate: networkHashrate,
			Share:           share,
		})
	}
}

// workerHashrate estimates one session's hash rate from its accepted-work
// samples; zero until enough samples exist and at least a few are recent.
func (p *Pool) workerHashrate(w WorkerSnapshot, now time.Time) float64 {
	if len(w.Samples) < minHashrateSamples {
		return 0
	}
	recent := 0
	cutoff := now.Add(-hashrateWindow)
	var sumDiff float64
	for _, sample := range w.Samples {
		sumDiff += sample.Difficulty
		if sample.Time.After(cutoff) {
			recent++
		}
	}
	if recent < minRecentHashrateSamples {
		return 0
	}
	elapsed := w.Samples[len(w.Samples)-1].Time.Sub(w.Samples[0].Time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	coefficient, ok := p.cfg.Coefficient(w.Algorithm)
	if !ok || coefficient <= 0 {
		return 0
	}
	return sumDiff * 600 / elapsed / coefficient * hashrateScale
}
