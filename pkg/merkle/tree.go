// Package merkle builds Merkle commitments over ordered leaves.
//
// Leaves are SHA-256 digests of caller supplied bytes. Each level is folded
// pairwise, node = SHA-256(left || right) over the raw digests, and when a
// level has an odd count its last hash is duplicated before folding.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// EmptyRoot is the root committed for an empty leaf list.
var EmptyRoot = sha256Hex(nil)

// ErrLeafOutOfRange is returned when a proof is requested for a missing leaf.
var ErrLeafOutOfRange = errors.New("merkle: leaf index out of range")

// Tree keeps every level so inclusion proofs can be derived.
// Levels[0] holds the leaf hashes, the last level holds the root.
type Tree struct {
	Root   string
	Levels [][]string
}

// Build constructs a tree from ordered leaf payloads.
func Build(leaves [][]byte) *Tree {
	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		hashes[i] = sha256Hex(l)
	}
	return BuildFromHashes(hashes)
}

// BuildFromHashes constructs a tree from precomputed hex leaf hashes.
func BuildFromHashes(hashes []string) *Tree {
	if len(hashes) == 0 {
		return &Tree{Root: EmptyRoot}
	}

	level := append([]string(nil), hashes...)
	tree := &Tree{}
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = buildNextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree
}

// Root is a shortcut for Build(leaves).Root.
func Root(leaves [][]byte) string {
	return Build(leaves).Root
}

// LeafCount returns the number of original leaves.
func (t *Tree) LeafCount() int {
	if len(t.Levels) == 0 {
		return 0
	}
	return len(t.Levels[0])
}

// Proof returns the inclusion proof for leaf i.
func (t *Tree) Proof(i int) (InclusionProof, error) {
	if i < 0 || i >= t.LeafCount() {
		return InclusionProof{}, fmt.Errorf("%w: %d", ErrLeafOutOfRange, i)
	}

	proof := InclusionProof{
		LeafIndex:  i,
		LeafHash:   t.Levels[0][i],
		MerkleRoot: t.Root,
	}
	idx := i
	for _, level := range t.Levels[:len(t.Levels)-1] {
		var step ProofStep
		if idx%2 == 0 {
			sibling := idx + 1
			if sibling >= len(level) {
				sibling = idx // duplicated last
			}
			step = ProofStep{Side: SideRight, SiblingHash: level[sibling]}
		} else {
			step = ProofStep{Side: SideLeft, SiblingHash: level[idx-1]}
		}
		proof.ProofPath = append(proof.ProofPath, step)
		idx /= 2
	}
	return proof, nil
}

func buildNextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1])
		count++
	}

	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = buildNodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func buildNodeHash(left, right string) string {
	buf := make([]byte, 0, sha256.Size*2)
	buf = append(buf, hexToBytes(left)...)
	buf = append(buf, hexToBytes(right)...)
	return sha256Hex(buf)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
