// Package job builds mining jobs from block templates, caches them with a
// TTL, and validates miner submissions against them.
package job

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"stratumd/internal/block"
)

// ExtranoncePlaceholder is the reserved slot in the coinbase where
// extranonce1||extranonce2 is inserted: 4 + 4 bytes.
const ExtranoncePlaceholder = 8

// UnconfirmedTx is a template transaction carried by a job.
type UnconfirmedTx struct {
	Hash chainhash.Hash
	Raw  []byte
}

// Job is one unit of work handed to miners. Immutable after construction
// except for the submitted-hash set, which is guarded by its own mutex.
type Job struct {
	ID           uint32
	PreviousHash chainhash.Hash
	Coinbase1    []byte
	Coinbase2    []byte
	Unconfirmed  []UnconfirmedTx
	Version      uint32
	Bits         uint32
	NTime        uint32
	Height       int32
	Algorithm    int32
	CreatedAt    time.Time

	mu           sync.Mutex
	submitHashes map[chainhash.Hash]struct{}
}

// MarkSubmitted records a block hash seen on this job. Returns false when
// the hash was already submitted.
func (j *Job) MarkSubmitted(h chainhash.Hash) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.submitHashes == nil {
		j.submitHashes = make(map[chainhash.Hash]struct{})
	}
	if _, dup := j.submitHashes[h]; dup {
		return false
	}
	j.submitHashes[h] = struct{}{}
	return true
}

// Seen reports whether a block hash was already submitted on this job.
func (j *Job) Seen(h chainhash.Hash) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.submitHashes[h]
	return ok
}

// TxHashes lists the unconfirmed transaction hashes in template order.
func (j *Job) TxHashes() []chainhash.Hash {
	hashes := make([]chainhash.Hash, len(j.Unconfirmed))
	for i, tx := range j.Unconfirmed {
		hashes[i] = tx.Hash
	}
	return hashes
}

// MerkleBranch is the merkle path for the coinbase slot.
func (j *Job) MerkleBranch() []chainhash.Hash {
	return block.MerkleBranch(j.TxHashes())
}

// Coinbase reconstructs the full coinbase transaction bytes for the given
// extranonce pair.
func (j *Job) Coinbase(extranonce1, extranonce2 []byte) ([]byte, error) {
	if len(extranonce1)+len(extranonce2) != ExtranoncePlaceholder {
		return nil, fmt.Errorf("extranonce must total %d bytes, got %d+%d",
			ExtranoncePlaceholder, len(extranonce1), len(extranonce2))
	}
	coinbase := make([]byte, 0, len(j.Coinbase1)+ExtranoncePlaceholder+len(j.Coinbase2))
	coinbase = append(coinbase, j.Coinbase1...)
	coinbase = append(coinbase, extranonce1...)
	coinbase = append(coinbase, extranonce2...)
	coinbase = append(coinbase, j.Coinbase2...)
	return coinbase, nil
}

// NotifyParams renders the mining.notify parameter list for this job.
func (j *Job) NotifyParams(clean bool) []interface{} {
	branch := j.MerkleBranch()
	branchHex := make([]interface{}, len(branch))
	for i, h := range branch {
		branchHex[i] = hex.EncodeToString(h[:])
	}
	return []interface{}{
		fmt.Sprintf("%08x", j.ID),
		PreProcessedHashHex(j.PreviousHash),
		hex.EncodeToString(j.Coinbase1),
		hex.EncodeToString(j.Coinbase2),
		branchHex,
		fmt.Sprintf("%08x", j.Version),
		fmt.Sprintf("%08x", j.Bits),
		fmt.Sprintf("%08x", j.NTime),
		clean,
	}
}

// PreProcessedHashHex renders a previous-hash for mining.notify: the 32
// bytes regrouped as eight little-endian 32-bit words, then the whole
// sequence byte-reversed.
func PreProcessedHashHex(h chainhash.Hash) string {
	buf := make([]byte, chainhash.HashSize)
	for i := 0; i < chainhash.HashSize; i += 4 {
		buf[i] = h[i+3]
		buf[i+1] = h[i+2]
		buf[i+2] = h[i+1]
		buf[i+3] = h[i]
	}
	block.ReverseBytes(buf)
	return hex.EncodeToString(buf)
}
