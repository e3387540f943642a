//go:build property
// +build property

package ledger

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestChainFromAppendsAlwaysVerifies checks linkage, Merkle reproducibility
// and conservation of transactions for any append sequence.
func TestChainFromAppendsAlwaysVerifies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains verify and conserve transactions", prop.ForAll(
		func(values []string, batch int) bool {
			cfg := DefaultConfig()
			cfg.Difficulty = 1
			cfg.BatchSize = batch
			l, err := New(cfg)
			if err != nil {
				return false
			}
			for _, v := range values {
				if _, err := l.AddTransaction(context.Background(), map[string]any{"v": v}); err != nil {
					return false
				}
			}
			snap := l.Snapshot()
			total := len(snap.Pending)
			for i, b := range snap.Chain {
				total += len(b.Transactions)
				if i > 0 && b.PreviousHash != snap.Chain[i-1].Hash {
					return false
				}
				root, err := MerkleRoot(b.Transactions)
				if err != nil || root != b.MerkleRoot {
					return false
				}
			}
			return total == len(values) &&
				len(snap.Pending) < batch &&
				VerifyBlocks(snap.Chain, 1).Valid
		},
		gen.SliceOfN(40, gen.AlphaString()),
		gen.IntRange(1, 7),
	))

	properties.TestingRun(t)
}
