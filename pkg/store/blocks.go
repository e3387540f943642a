package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/ztcore/pkg/ledger"
)

// SQLBlockStore persists sealed blocks using database/sql.
// It supports both Postgres and SQLite via standard drivers and is wired to
// the ledger as a Sink.
type SQLBlockStore struct {
	db *sql.DB
}

func NewSQLBlockStore(db *sql.DB) *SQLBlockStore {
	return &SQLBlockStore{db: db}
}

const blockSchema = `
CREATE TABLE IF NOT EXISTS ledger_blocks (
	block_index BIGINT PRIMARY KEY,
	sealed_at TEXT NOT NULL,
	proof BIGINT NOT NULL,
	previous_hash TEXT NOT NULL,
	current_hash TEXT NOT NULL UNIQUE,
	merkle_root TEXT NOT NULL,
	transactions TEXT NOT NULL
);
`

func (s *SQLBlockStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, blockSchema)
	return err
}

// BlockSealed stores b. Re-delivering a stored block is a no-op; a different
// block at a stored index is ErrBlockConflict.
func (s *SQLBlockStore) BlockSealed(ctx context.Context, b ledger.Block) error {
	txs, err := json.Marshal(b.Transactions)
	if err != nil {
		return fmt.Errorf("encode transactions: %w", err)
	}
	query := `
		INSERT INTO ledger_blocks (block_index, sealed_at, proof, previous_hash, current_hash, merkle_root, transactions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (block_index) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		int64(b.Index), b.Timestamp.UTC().Format(time.RFC3339Nano), int64(b.Proof),
		b.PreviousHash, b.Hash, b.MerkleRoot, string(txs),
	)
	if err != nil {
		return fmt.Errorf("failed to insert block %d: %w", b.Index, err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return nil
	}

	var stored string
	err = s.db.QueryRowContext(ctx, `SELECT current_hash FROM ledger_blocks WHERE block_index = $1`, int64(b.Index)).Scan(&stored)
	if err != nil {
		return fmt.Errorf("failed to read block %d: %w", b.Index, err)
	}
	if stored != b.Hash {
		return fmt.Errorf("%w: block %d stored as %s, got %s", ErrBlockConflict, b.Index, stored, b.Hash)
	}
	return nil
}

// List returns every stored block ordered by index.
func (s *SQLBlockStore) List(ctx context.Context) ([]ledger.Block, error) {
	query := `
		SELECT block_index, sealed_at, proof, previous_hash, current_hash, merkle_root, transactions
		FROM ledger_blocks ORDER BY block_index ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []ledger.Block
	for rows.Next() {
		var (
			b          ledger.Block
			index, prf int64
			sealedAt   string
			txs        string
		)
		if err := rows.Scan(&index, &sealedAt, &prf, &b.PreviousHash, &b.Hash, &b.MerkleRoot, &txs); err != nil {
			return nil, err
		}
		b.Index = uint64(index)
		b.Proof = uint64(prf)
		if b.Timestamp, err = time.Parse(time.RFC3339Nano, sealedAt); err != nil {
			return nil, fmt.Errorf("block %d: corrupt timestamp: %w", index, err)
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(txs)))
		dec.UseNumber()
		if err := dec.Decode(&b.Transactions); err != nil {
			return nil, fmt.Errorf("block %d: corrupt transactions: %w", index, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}
