package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// ctxCheckEvery bounds how many candidates are tried between context checks.
const ctxCheckEvery = 1024

// ValidProof reports whether sha256(proof² − previous²), rendered as a
// signed decimal string, starts with difficulty hex zeros.
func ValidProof(proof, previous uint64, difficulty int) bool {
	var p, q big.Int
	return checkProof(&p, &q, proof, previous, strings.Repeat("0", difficulty))
}

func checkProof(p, q *big.Int, proof, previous uint64, prefix string) bool {
	p.SetUint64(proof)
	p.Mul(p, p)
	q.SetUint64(previous)
	q.Mul(q, q)
	p.Sub(p, q)
	sum := sha256.Sum256([]byte(p.String()))
	return strings.HasPrefix(hex.EncodeToString(sum[:]), prefix)
}

// searchProof scans candidates upward from start. It stops after maxIter
// candidates (0 is unbounded) or when ctx is done, returning the next
// candidate to try so a later attempt can resume.
func searchProof(ctx context.Context, previous, start uint64, difficulty int, maxIter uint64) (proof, next uint64, err error) {
	prefix := strings.Repeat("0", difficulty)
	var p, q big.Int
	candidate := start
	for tried := uint64(0); maxIter == 0 || tried < maxIter; tried++ {
		if tried%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, candidate, fmt.Errorf("%w: %w", ErrProofBudgetExceeded, err)
			}
		}
		if checkProof(&p, &q, candidate, previous, prefix) {
			return candidate, candidate + 1, nil
		}
		candidate++
	}
	return 0, candidate, fmt.Errorf("%w: %d iterations", ErrProofBudgetExceeded, maxIter)
}
