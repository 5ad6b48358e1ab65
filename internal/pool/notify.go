package pool

import (
	"context"
	"time"

	"stratumd/internal/node"
)

// drainTimeout is how long the notify loop waits for a block event before
// checking job freshness instead.
const drainTimeout = time.Second

// RunNotify drains block events from the watcher. A new block forces fresh
// jobs for every algorithm and a clean broadcast; quiet periods refresh any
// job older than job_span so miners keep receiving workable ntimes.
func (p *Pool) RunNotify(ctx context.Context, watcher *node.Watcher) {
	p.log.Info("block notify loop started")
	jobSpan := time.Duration(p.cfg.JobSpanSec) * time.Second
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()

	for {
		timer.Reset(drainTimeout)
		select {
		case <-ctx.Done():
			return
		case data := <-watcher.Blocks():
			p.blocks.append(data)
			for _, algorithm := range p.cfg.AlgorithmIDs() {
				j, err := p.builder.AddNewJob(ctx, algorithm, true)
				if err != nil {
					p.log.WithError(err).Warn("job rebuild after block failed")
					continue
				}
				p.broadcaster.Broadcast("mining.notify", j.NotifyParams(true), algorithm)
			}
			p.log.WithFields(map[string]interface{}{
				"height": data["height"], "hash": data["hash"],
			}).Info("new block from upstream")
		case <-timer.C:
			for _, algorithm := range p.cfg.AlgorithmIDs() {
				best := p.builder.Cache().Best(algorithm)
				if best == nil || time.Since(best.CreatedAt) < jobSpan {
					continue
				}
				j, err := p.builder.AddNewJob(ctx, algorithm, false)
				if err != nil {
					p.log.WithError(err).Warn("job refresh failed")
					continue
				}
				p.broadcaster.Broadcast("mining.notify", j.NotifyParams(true), algorithm)
			}
		}
	}
}

// RunTxHistory drains transaction events into the tx ring.
func (p *Pool) RunTxHistory(ctx context.Context, watcher *node.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-watcher.TXs():
			p.txs.append(data)
		}
	}
}
