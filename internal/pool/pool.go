// Package pool owns the long-running loops around the stratum core: the
// block-notify drain, the distribution and status recorders, the payout
// scheduler, and the bounded history rings they feed.
package pool

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stratumd/internal/config"
	"stratumd/internal/database"
	"stratumd/internal/job"
	"stratumd/internal/node"
)

// Broadcaster fans a notification out to every session mining an
// algorithm. *stratum.Registry satisfies it.
type Broadcaster interface {
	Broadcast(method string, params interface{}, algorithm int32) int
}

// WorkSample is one accepted submission as seen by the status recorder.
type WorkSample struct {
	Time       time.Time
	Difficulty float64
}

// WorkerSnapshot is the per-session view the status recorder consumes.
type WorkerSnapshot struct {
	Algorithm int32
	Samples   []WorkSample
}

// SessionSource snapshots the live sessions.
type SessionSource interface {
	Workers() []WorkerSnapshot
}

// Status is one pool-wide snapshot.
type Status struct {
	Time            time.Time
	Workers         map[int32]int
	PoolHashrate    map[int32]float64
	NetworkHashrate map[int32]float64
	Share           float64
}

// Pool wires the background loops together and owns the history rings.
type Pool struct {
	db          *database.DB
	node        *node.Client
	builder     *job.Builder
	broadcaster Broadcaster
	sessions    SessionSource
	cfg         *config.Config
	log         *logrus.Entry

	blocks        *ring[map[string]interface{}]
	txs           *ring[map[string]interface{}]
	distributions *ring[*job.Distribution]
	status        *ring[Status]
}

// New creates a Pool. The distribution ring starts empty; the builder asks
// it through LatestDistribution once recorders run.
func New(db *database.DB, nodeClient *node.Client, builder *job.Builder,
	broadcaster Broadcaster, sessions SessionSource, cfg *config.Config,
	log *logrus.Entry) *Pool {
	return &Pool{
		db:            db,
		node:          nodeClient,
		builder:       builder,
		broadcaster:   broadcaster,
		sessions:      sessions,
		cfg:           cfg,
		log:           log,
		blocks:        newRing[map[string]interface{}](50),
		txs:           newRing[map[string]interface{}](50),
		distributions: newRing[*job.Distribution](50),
		status:        newRing[Status](1440),
	}
}

// SetBuilder injects the job builder after construction; New and the
// builder reference each other through the distribution source.
func (p *Pool) SetBuilder(b *job.Builder) {
	p.builder = b
}

// LatestDistribution returns the newest snapshot for the algorithm holding
// at least two entries, or nil. Implements job.DistributionSource.
func (p *Pool) LatestDistribution(algorithm int32) *job.Distribution {
	for _, d := range p.distributions.snapshotReversed() {
		if d.Algorithm == algorithm && len(d.Entries) >= 2 {
			return d
		}
	}
	return nil
}

// BlockHistory lists recent upstream block events, oldest first.
func (p *Pool) BlockHistory() []map[string]interface{} {
	return p.blocks.snapshot()
}

// TxHistory lists recent unconfirmed-transaction events, oldest first.
func (p *Pool) TxHistory() []map[string]interface{} {
	return p.txs.snapshot()
}

// StatusHistory lists recorded pool snapshots, oldest first.
func (p *Pool) StatusHistory() []Status {
	return p.status.snapshot()
}

// Announce pushes a client.show_message notice to every session.
func (p *Pool) Announce(message string) {
	for _, algorithm := range p.cfg.AlgorithmIDs() {
		p.broadcaster.Broadcast("client.show_message", []interface{}{message}, algorithm)
	}
}

// ring is a bounded append-only buffer; appends evict the oldest entry.
type ring[T any] struct {
	mu    sync.Mutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	return &ring[T]{limit: limit}
}

func (r *ring[T]) append(v T) {
	r.mu.Lock()
	if len(r.items) >= r.limit {
		r.items = r.items[1:]
	}
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *ring[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *ring[T]) snapshotReversed() []T {
	items := r.snapshot()
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}
