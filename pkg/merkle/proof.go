package merkle

import "strings"

// Side tells on which side of the running hash a sibling sits.
type Side string

const (
	SideLeft  Side = "L"
	SideRight Side = "R"
)

type InclusionProof struct {
	LeafIndex  int         `json:"leaf_index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        Side   `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// VerifyInclusionProof folds the proof path from the leaf and compares the
// result with the proof root. A non-empty expectedRoot must match too.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		if step.Side == SideLeft {
			current = buildNodeHash(step.SiblingHash, current)
		} else {
			current = buildNodeHash(current, step.SiblingHash)
		}
	}
	return strings.EqualFold(current, proof.MerkleRoot)
}
