package job

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stratumd/internal/block"
	"stratumd/internal/metrics"
	"stratumd/internal/node"
)

// Builder turns block templates into jobs. Payout mode "coinbase" rewrites
// the template coinbase to split the reward per the latest distribution.
type Builder struct {
	node  *node.Client
	cache *Cache
	dist  DistributionSource
	log   *logrus.Entry

	// coinbase payout mode
	payoutMethod   string
	bech32HRP      string
	extraOutputFee uint64
	algorithmName  func(int32) string

	mu sync.Mutex
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	Node           *node.Client
	Cache          *Cache
	Distributions  DistributionSource
	PayoutMethod   string
	Bech32HRP      string
	ExtraOutputFee uint64
	AlgorithmName  func(int32) string
	Log            *logrus.Entry
}

// NewBuilder wires a Builder.
func NewBuilder(opts BuilderOptions) *Builder {
	if opts.AlgorithmName == nil {
		opts.AlgorithmName = func(a int32) string { return strconv.Itoa(int(a)) }
	}
	return &Builder{
		node:           opts.Node,
		cache:          opts.Cache,
		dist:           opts.Distributions,
		payoutMethod:   opts.PayoutMethod,
		bech32HRP:      opts.Bech32HRP,
		extraOutputFee: opts.ExtraOutputFee,
		algorithmName:  opts.AlgorithmName,
		log:            opts.Log,
	}
}

// Cache exposes the job cache for lookups.
func (b *Builder) Cache() *Cache {
	return b.cache
}

// AddNewJob creates a job for the algorithm. With forceRenew, or when no
// prior job exists, a fresh template is fetched from the node; otherwise
// the previous job is refreshed by advancing its timestamps.
func (b *Builder) AddNewJob(ctx context.Context, algorithm int32, forceRenew bool) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.cache.Best(algorithm)
	var j *Job
	var err error
	if forceRenew || prev == nil {
		j, err = b.fromTemplate(ctx, algorithm)
	} else {
		j, err = b.refresh(prev)
	}
	if err != nil {
		return nil, err
	}
	b.cache.Add(j)
	metrics.JobsCreated.WithLabelValues(b.algorithmName(algorithm)).Inc()
	b.log.WithFields(logrus.Fields{
		"job":       j.ID,
		"height":    j.Height,
		"algorithm": j.Algorithm,
		"txs":       len(j.Unconfirmed),
	}).Debug("new job")
	return j, nil
}

func (b *Builder) fromTemplate(ctx context.Context, algorithm int32) (*Job, error) {
	template, err := b.node.GetBlockTemplate(ctx, strconv.Itoa(int(algorithm)))
	if err != nil {
		return nil, fmt.Errorf("get block template: %w", err)
	}

	prevHashStr, _ := template["previousblockhash"].(string)
	previousHash, err := block.NewHashFromDisplay(prevHashStr)
	if err != nil {
		return nil, fmt.Errorf("template previousblockhash: %w", err)
	}

	coinbaseTxn, _ := template["coinbasetxn"].(map[string]interface{})
	coinbaseHex, _ := coinbaseTxn["data"].(string)
	coinbase, err := hex.DecodeString(coinbaseHex)
	if err != nil {
		return nil, fmt.Errorf("template coinbasetxn: %w", err)
	}
	if len(coinbase) < ExtranoncePlaceholder {
		return nil, fmt.Errorf("template coinbase too short: %d bytes", len(coinbase))
	}
	if b.payoutMethod == "coinbase" {
		if rewritten, err := b.rewriteCoinbase(coinbase, algorithm); err != nil {
			b.log.WithError(err).Warn("coinbase rewrite failed, using template coinbase")
		} else if rewritten != nil {
			coinbase = rewritten
		}
	}

	var unconfirmed []UnconfirmedTx
	if txs, ok := template["transactions"].([]interface{}); ok {
		for i, entry := range txs {
			tx, _ := entry.(map[string]interface{})
			hashStr, _ := tx["hash"].(string)
			dataHex, _ := tx["data"].(string)
			hash, err := block.NewHashFromDisplay(hashStr)
			if err != nil {
				return nil, fmt.Errorf("template tx %d hash: %w", i, err)
			}
			raw, err := hex.DecodeString(dataHex)
			if err != nil {
				return nil, fmt.Errorf("template tx %d data: %w", i, err)
			}
			unconfirmed = append(unconfirmed, UnconfirmedTx{Hash: hash, Raw: raw})
		}
	}

	bitsStr, _ := template["bits"].(string)
	bits, err := strconv.ParseUint(bitsStr, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("template bits %q: %w", bitsStr, err)
	}
	version, _ := template["version"].(float64)
	ntime, _ := template["time"].(float64)
	height, _ := template["height"].(float64)

	return &Job{
		PreviousHash: previousHash,
		Coinbase1:    coinbase[:len(coinbase)-ExtranoncePlaceholder],
		Coinbase2:    []byte{},
		Unconfirmed:  unconfirmed,
		Version:      uint32(version),
		Bits:         uint32(bits),
		NTime:        uint32(ntime),
		Height:       int32(height),
		Algorithm:    algorithm,
		CreatedAt:    time.Now(),
	}, nil
}

// refresh clones the previous job, advancing ntime and the coinbase
// time/deadline by the elapsed wall clock.
func (b *Builder) refresh(prev *Job) (*Job, error) {
	delta := uint32(time.Since(prev.CreatedAt) / time.Second)

	raw, err := prev.Coinbase(make([]byte, 4), make([]byte, 4))
	if err != nil {
		return nil, err
	}
	coinbaseTx, err := block.ParseTx(raw)
	if err != nil {
		return nil, fmt.Errorf("refresh coinbase: %w", err)
	}
	coinbaseTx.Time += delta
	coinbaseTx.Deadline += delta
	coinbase := coinbaseTx.Serialize()

	return &Job{
		PreviousHash: prev.PreviousHash,
		Coinbase1:    coinbase[:len(coinbase)-ExtranoncePlaceholder],
		Coinbase2:    []byte{},
		Unconfirmed:  prev.Unconfirmed,
		Version:      prev.Version,
		Bits:         prev.Bits,
		NTime:        prev.NTime + delta,
		Height:       prev.Height,
		Algorithm:    prev.Algorithm,
		CreatedAt:    time.Now(),
	}, nil
}

// rewriteCoinbase splits the reward across the latest distribution for the
// algorithm. Returns nil bytes when no usable distribution exists.
func (b *Builder) rewriteCoinbase(coinbase []byte, algorithm int32) ([]byte, error) {
	if b.dist == nil {
		return nil, nil
	}
	dist := b.dist.LatestDistribution(algorithm)
	if dist == nil {
		return nil, nil
	}

	coinbaseTx, err := block.ParseTx(coinbase)
	if err != nil {
		return nil, fmt.Errorf("parse coinbase: %w", err)
	}
	if len(coinbaseTx.Outputs) == 0 {
		return nil, fmt.Errorf("coinbase has no outputs")
	}
	owner := coinbaseTx.Outputs[0].Address
	reward := coinbaseTx.Outputs[0].Amount

	extra := uint64(len(dist.Entries)-1) * b.extraOutputFee
	if reward <= extra {
		return nil, fmt.Errorf("reward %d cannot cover %d output fees", reward, extra)
	}
	reward -= extra

	coinbaseTx.Outputs = coinbaseTx.Outputs[:0]
	for _, entry := range dist.Entries {
		address := owner
		if entry.Address != "" {
			address, err = block.DecodeAddress(b.bech32HRP, entry.Address)
			if err != nil {
				return nil, fmt.Errorf("distribution address: %w", err)
			}
		}
		coinbaseTx.Outputs = append(coinbaseTx.Outputs, block.TxOutput{
			Address: address,
			CoinID:  0,
			Amount:  uint64(float64(reward) * entry.Ratio),
		})
	}
	return coinbaseTx.Serialize(), nil
}
