package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/ztcore/pkg/canonicalize"
	"github.com/Mindburn-Labs/ztcore/pkg/ledger"
)

// Entry locates an archived block.
type Entry struct {
	Index  uint64 `json:"block_index"`
	Hash   string `json:"current_hash"`
	Digest string `json:"digest"`
}

// Archiver is a ledger sink writing each sealed block, in canonical JSON,
// to a Store.
type Archiver struct {
	store  Store
	logger *slog.Logger

	mu      sync.RWMutex
	entries []Entry
}

func NewArchiver(store Store, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default().With("component", "archive")
	}
	return &Archiver{store: store, logger: logger}
}

func (a *Archiver) BlockSealed(ctx context.Context, b ledger.Block) error {
	data, err := canonicalize.JCS(b)
	if err != nil {
		return fmt.Errorf("canonicalize block %d: %w", b.Index, err)
	}
	digest, err := a.store.Put(ctx, data)
	if err != nil {
		return fmt.Errorf("archive block %d: %w", b.Index, err)
	}

	a.mu.Lock()
	a.entries = append(a.entries, Entry{Index: b.Index, Hash: b.Hash, Digest: digest})
	a.mu.Unlock()

	a.logger.DebugContext(ctx, "block archived", "block_index", b.Index, "digest", digest)
	return nil
}

// Entries lists archived blocks in archive order.
func (a *Archiver) Entries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Entry(nil), a.entries...)
}

// Load fetches and decodes an archived block.
func (a *Archiver) Load(ctx context.Context, digest string) (ledger.Block, error) {
	data, err := a.store.Get(ctx, digest)
	if err != nil {
		return ledger.Block{}, err
	}
	var b ledger.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return ledger.Block{}, fmt.Errorf("decode archived block: %w", err)
	}
	return b, nil
}
