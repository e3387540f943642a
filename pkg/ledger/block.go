package ledger

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/ztcore/pkg/canonicalize"
	"github.com/Mindburn-Labs/ztcore/pkg/merkle"
)

const (
	// GenesisPreviousHash is the previous hash recorded by block 0.
	GenesisPreviousHash = "0"
	// GenesisProof seeds the proof-of-work relation for block 1.
	GenesisProof uint64 = 100
)

// Transaction is an immutable security fact admitted to the ledger.
type Transaction struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Payload   map[string]any `json:"payload"`
}

// Canonical returns the RFC 8785 serialization used as the Merkle leaf.
func (t Transaction) Canonical() ([]byte, error) {
	return canonicalize.JCS(struct {
		ID        string         `json:"id"`
		CreatedAt string         `json:"created_at"`
		Payload   map[string]any `json:"payload"`
	}{t.ID, t.CreatedAt.UTC().Format(time.RFC3339Nano), t.Payload})
}

func (t Transaction) clone() Transaction {
	t.Payload = cloneMap(t.Payload)
	return t
}

// Block is a sealed batch of transactions. Blocks are never mutated after
// sealing.
type Block struct {
	Index        uint64        `json:"block_index"`
	Timestamp    time.Time     `json:"timestamp"`
	Proof        uint64        `json:"proof"`
	PreviousHash string        `json:"previous_hash"`
	Hash         string        `json:"current_hash"`
	MerkleRoot   string        `json:"merkle_root"`
	Transactions []Transaction `json:"transactions"`
}

// ComputeHash hashes the block header fields. Transactions are committed
// through MerkleRoot only.
func (b Block) ComputeHash() (string, error) {
	return canonicalize.CanonicalHash(struct {
		Index        uint64 `json:"index"`
		Timestamp    string `json:"timestamp"`
		Proof        uint64 `json:"proof"`
		PreviousHash string `json:"previous_hash"`
		MerkleRoot   string `json:"merkle_root"`
	}{b.Index, b.Timestamp.UTC().Format(time.RFC3339Nano), b.Proof, b.PreviousHash, b.MerkleRoot})
}

// Clone returns a deep copy.
func (b Block) Clone() Block {
	txs := make([]Transaction, len(b.Transactions))
	for i, t := range b.Transactions {
		txs[i] = t.clone()
	}
	b.Transactions = txs
	return b
}

// MerkleRoot computes the commitment over txs in order.
func MerkleRoot(txs []Transaction) (string, error) {
	leaves := make([][]byte, len(txs))
	for i, t := range txs {
		b, err := t.Canonical()
		if err != nil {
			return "", fmt.Errorf("transaction %s: %w", t.ID, err)
		}
		leaves[i] = b
	}
	return merkle.Root(leaves), nil
}

func newGenesis(ts time.Time) (Block, error) {
	g := Block{
		Index:        0,
		Timestamp:    ts.UTC(),
		Proof:        GenesisProof,
		PreviousHash: GenesisPreviousHash,
		MerkleRoot:   merkle.EmptyRoot,
		Transactions: []Transaction{},
	}
	h, err := g.ComputeHash()
	if err != nil {
		return Block{}, err
	}
	g.Hash = h
	return g, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
