package ledger

import (
	"fmt"

	"github.com/Mindburn-Labs/ztcore/pkg/merkle"
)

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	Valid            bool    `json:"valid"`
	FirstBrokenIndex *uint64 `json:"first_broken_index"`
	Reason           string  `json:"reason,omitempty"`
}

func broken(i uint64, format string, args ...any) VerifyResult {
	return VerifyResult{FirstBrokenIndex: &i, Reason: fmt.Sprintf(format, args...)}
}

// VerifyBlocks recomputes every block's Merkle root and hash, checks linkage
// to its predecessor and the proof-of-work relation, and reports the first
// index that fails.
func VerifyBlocks(blocks []Block, difficulty int) VerifyResult {
	if len(blocks) == 0 {
		return broken(0, "missing genesis block")
	}
	for i, b := range blocks {
		idx := uint64(i)
		if b.Index != idx {
			return broken(idx, "block index %d at position %d", b.Index, i)
		}
		root, err := MerkleRoot(b.Transactions)
		if err != nil {
			return broken(idx, "merkle root: %v", err)
		}
		if root != b.MerkleRoot {
			return broken(idx, "merkle root mismatch")
		}
		h, err := b.ComputeHash()
		if err != nil {
			return broken(idx, "hash: %v", err)
		}
		if h != b.Hash {
			return broken(idx, "hash mismatch")
		}
		if i == 0 {
			if b.PreviousHash != GenesisPreviousHash || len(b.Transactions) != 0 || b.MerkleRoot != merkle.EmptyRoot {
				return broken(0, "malformed genesis block")
			}
			continue
		}
		prev := blocks[i-1]
		if b.PreviousHash != prev.Hash {
			return broken(idx, "previous hash does not match block %d", i-1)
		}
		if !ValidProof(b.Proof, prev.Proof, difficulty) {
			return broken(idx, "invalid proof of work")
		}
	}
	return VerifyResult{Valid: true}
}
