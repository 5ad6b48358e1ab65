package job

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"stratumd/internal/block"
)

// SubmitResult is the outcome of validating one miner submission.
type SubmitResult struct {
	// Payload is the full block submit data (header, tx count, coinbase,
	// raw txs); nil unless Mined.
	Payload []byte
	Block   *block.Block
	Mined   bool
	Shared  bool
}

// SubmitData reconstructs the candidate block for a submission and
// classifies it against the network target and the session's share target.
// nonce is in header byte order (already reversed from the wire). Pure;
// does not mutate the job.
func SubmitData(j *Job, extranonce1, extranonce2 []byte, nonce [4]byte, difficulty float64) (*SubmitResult, error) {
	coinbase, err := j.Coinbase(extranonce1, extranonce2)
	if err != nil {
		return nil, err
	}
	coinbaseHash := chainhash.DoubleHashH(coinbase)

	leaves := append([]chainhash.Hash{coinbaseHash}, j.TxHashes()...)
	merkleRoot := block.MerkleRoot(leaves)

	candidate := &block.Block{
		Version:      j.Version,
		PreviousHash: j.PreviousHash,
		MerkleRoot:   merkleRoot,
		Time:         j.NTime,
		Bits:         j.Bits,
		Nonce:        nonce,
		Height:       j.Height,
		Algorithm:    j.Algorithm,
	}

	result := &SubmitResult{
		Block:  candidate,
		Mined:  candidate.PowCheck(block.CompactToTarget(j.Bits)),
		Shared: candidate.PowCheck(block.ShareTarget(difficulty)),
	}
	if result.Mined {
		payload := candidate.Header()
		payload = block.AppendCompactSize(payload, uint64(1+len(j.Unconfirmed)))
		payload = append(payload, coinbase...)
		for _, tx := range j.Unconfirmed {
			payload = append(payload, tx.Raw...)
		}
		result.Payload = payload
	}
	return result, nil
}
