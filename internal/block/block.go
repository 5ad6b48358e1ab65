// Package block is the binary codec for block headers and transactions:
// serialization, double-SHA-256 hashing, compact-target math, and the
// per-algorithm work-hash registry. Everything here is pure computation;
// no I/O and no shared mutable state.
package block

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HeaderSize is the serialized block header length in bytes.
const HeaderSize = 80

// defaultTarget is the difficulty-1 share target
// 0x00000000ffff0000000000000000000000000000000000000000000000000000.
var defaultTarget *big.Int

func init() {
	defaultTarget = new(big.Int)
	defaultTarget.SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
}

// DefaultTarget returns a copy of the difficulty-1 target.
func DefaultTarget() *big.Int {
	return new(big.Int).Set(defaultTarget)
}

// WorkHashFunc computes the proof-of-work digest of an 80-byte header.
type WorkHashFunc func(header []byte) chainhash.Hash

var (
	workHashMu  sync.RWMutex
	workHashers = map[int32]WorkHashFunc{}
)

// RegisterWorkHash binds a work-hash function to an algorithm id.
// Unregistered algorithms fall back to double-SHA-256.
func RegisterWorkHash(algorithm int32, fn WorkHashFunc) {
	workHashMu.Lock()
	workHashers[algorithm] = fn
	workHashMu.Unlock()
}

func workHasher(algorithm int32) WorkHashFunc {
	workHashMu.RLock()
	fn := workHashers[algorithm]
	workHashMu.RUnlock()
	if fn == nil {
		return chainhash.DoubleHashH
	}
	return fn
}

// Block is a block candidate assembled from a job and a miner submission.
// Nonce is kept in header byte order (already reversed from the wire form).
type Block struct {
	Version      uint32
	PreviousHash chainhash.Hash
	MerkleRoot   chainhash.Hash
	Time         uint32
	Bits         uint32
	Nonce        [4]byte

	// meta, not part of the header
	Height    int32
	Algorithm int32

	workHash *chainhash.Hash
}

// Header serializes the 80-byte block header.
func (b *Block) Header() []byte {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], b.Version)
	copy(header[4:36], b.PreviousHash[:])
	copy(header[36:68], b.MerkleRoot[:])
	binary.LittleEndian.PutUint32(header[68:72], b.Time)
	binary.LittleEndian.PutUint32(header[72:76], b.Bits)
	copy(header[76:80], b.Nonce[:])
	return header
}

// Hash is the double-SHA-256 of the header, identifying the block.
func (b *Block) Hash() chainhash.Hash {
	return chainhash.DoubleHashH(b.Header())
}

// WorkHash computes (and caches) the algorithm-specific proof-of-work digest.
func (b *Block) WorkHash() chainhash.Hash {
	if b.workHash == nil {
		h := workHasher(b.Algorithm)(b.Header())
		b.workHash = &h
	}
	return *b.workHash
}

// PowCheck reports whether the work hash satisfies the given target.
func (b *Block) PowCheck(target *big.Int) bool {
	return HashToBig(b.WorkHash()).Cmp(target) <= 0
}

// Difficulty is the network difficulty encoded by Bits, relative to the
// difficulty-1 target.
func (b *Block) Difficulty() float64 {
	return CompactDifficulty(b.Bits)
}

// HashToBig interprets a hash as a little-endian integer, the comparison
// order used by target checks.
func HashToBig(h chainhash.Hash) *big.Int {
	buf := make([]byte, chainhash.HashSize)
	for i := 0; i < chainhash.HashSize; i++ {
		buf[i] = h[chainhash.HashSize-1-i]
	}
	return new(big.Int).SetBytes(buf)
}

// CompactToTarget expands the 4-byte compact "bits" encoding to a full
// 256-bit target.
func CompactToTarget(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff

	target := new(big.Int)
	if exponent <= 3 {
		target.SetInt64(int64(mantissa >> (8 * (3 - exponent))))
	} else {
		target.SetInt64(int64(mantissa))
		target.Lsh(target, 8*(uint(exponent)-3))
	}
	if bits&0x00800000 != 0 {
		target.Neg(target)
	}
	return target
}

// CompactDifficulty converts compact bits to a difficulty against the
// difficulty-1 target.
func CompactDifficulty(bits uint32) float64 {
	target := CompactToTarget(bits)
	if target.Sign() <= 0 {
		return 0
	}
	diff := new(big.Float).SetInt(defaultTarget)
	diff.Quo(diff, new(big.Float).SetInt(target))
	f, _ := diff.Float64()
	return f
}

// ShareTarget is the per-session share target: DefaultTarget / difficulty.
func ShareTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return DefaultTarget()
	}
	t := new(big.Float).SetInt(defaultTarget)
	t.Quo(t, big.NewFloat(difficulty))
	target, _ := t.Int(nil)
	return target
}

// ReverseBytes reverses b in place and returns it. Hashes cross the REST
// boundary in display order and the wire in internal order.
func ReverseBytes(b []byte) []byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// NewHashFromDisplay parses a display-order (reversed) hex hash into
// internal byte order.
func NewHashFromDisplay(s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("parse hash %q: %w", s, err)
	}
	return *h, nil
}
