// Package ledger is the append-only audit ledger.
//
// Transactions are pooled and sealed in batches into blocks that are
// hash-chained to their predecessor, Merkle-committed over their
// transactions and gated by a bounded proof-of-work search:
//   - block[i].PreviousHash == block[i-1].Hash
//   - a block's Hash covers index, timestamp, proof, previous hash and Merkle root
//   - pending is trimmed in the same critical section that appends a block
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/ztcore/pkg/canonicalize"
)

var (
	ErrEmptyPool           = errors.New("ledger: no pending transactions")
	ErrProofBudgetExceeded = errors.New("ledger: proof-of-work budget exceeded")
	ErrLedgerHalted        = errors.New("ledger: halted after integrity failure")
	ErrChainCorrupted      = errors.New("ledger: chain integrity check failed")
	ErrClosed              = errors.New("ledger: closed")
	ErrInvalidPayload      = errors.New("ledger: invalid transaction payload")
	ErrSealerRunning       = errors.New("ledger: sealer already running")
)

// Config bounds batching and the proof-of-work search.
type Config struct {
	BatchSize  int
	Difficulty int
	// SealTimeout is the per-attempt deadline; 0 disables it.
	SealTimeout time.Duration
	// MaxProofIterations is the per-attempt candidate budget; 0 disables it.
	MaxProofIterations uint64
	RetryInterval      time.Duration
	// VerifyInterval schedules VerifyChain inside Run; 0 disables it.
	VerifyInterval time.Duration
}

// DefaultConfig returns the standard ledger parameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:          3,
		Difficulty:         4,
		SealTimeout:        30 * time.Second,
		MaxProofIterations: 5_000_000,
		RetryInterval:      5 * time.Second,
		VerifyInterval:     time.Minute,
	}
}

func (c Config) validate() error {
	switch {
	case c.BatchSize < 1:
		return fmt.Errorf("ledger: batch size must be at least 1, got %d", c.BatchSize)
	case c.Difficulty < 0 || c.Difficulty > 64:
		return fmt.Errorf("ledger: difficulty must be within 0..64, got %d", c.Difficulty)
	case c.SealTimeout < 0 || c.RetryInterval < 0 || c.VerifyInterval < 0:
		return errors.New("ledger: durations must not be negative")
	}
	return nil
}

// Sink receives every block after it is committed to the chain.
type Sink interface {
	BlockSealed(ctx context.Context, b Block) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, b Block) error

func (f SinkFunc) BlockSealed(ctx context.Context, b Block) error { return f(ctx, b) }

// sinkState holds blocks not yet accepted by a sink, oldest first.
type sinkState struct {
	sink    Sink
	backlog []Block
}

type powCursor struct {
	tipHash string
	next    uint64
}

// Ledger is safe for concurrent use. mu guards chain, pending, halted and
// closed; sealMu serializes sealers so the proof search runs outside mu;
// sinkMu guards sink backlogs.
type Ledger struct {
	cfg Config

	mu      sync.Mutex
	chain   []Block
	pending []Transaction
	halted  error
	closed  bool

	sealMu sync.Mutex
	cursor powCursor

	running atomic.Bool
	started chan struct{}
	startMu sync.Once
	wake    chan struct{}

	sinkMu sync.Mutex
	sinks  []*sinkState

	clock   func() time.Time
	newID   func() string
	logger  *slog.Logger
	history []Block
	meter   metric.Meter
	tracer  trace.Tracer
	metrics ledgerMetrics
}

type Option func(*Ledger)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(f func() string) Option {
	return func(l *Ledger) { l.newID = f }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithSink registers a sealed-block consumer. Blocks reach each sink in
// index order; a failed delivery is kept and retried before later blocks.
func WithSink(s Sink) Option {
	return func(l *Ledger) { l.sinks = append(l.sinks, &sinkState{sink: s}) }
}

// WithHistory restores a previously persisted chain instead of creating a
// fresh genesis block. The chain is verified before use.
func WithHistory(blocks []Block) Option {
	return func(l *Ledger) { l.history = blocks }
}

func WithMeter(m metric.Meter) Option {
	return func(l *Ledger) { l.meter = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(l *Ledger) { l.tracer = t }
}

// New creates a ledger holding the genesis block, or the restored history.
func New(cfg Config, opts ...Option) (*Ledger, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		started: make(chan struct{}),
		clock:   time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.meter == nil {
		l.meter = otel.Meter("ztcore/ledger")
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer("ztcore/ledger")
	}
	m, err := newLedgerMetrics(l.meter)
	if err != nil {
		return nil, err
	}
	l.metrics = m

	if len(l.history) > 0 {
		if res := VerifyBlocks(l.history, cfg.Difficulty); !res.Valid {
			return nil, fmt.Errorf("%w: block %d: %s", ErrChainCorrupted, *res.FirstBrokenIndex, res.Reason)
		}
		l.chain = make([]Block, len(l.history))
		for i, b := range l.history {
			l.chain[i] = b.Clone()
		}
		l.history = nil
		return l, nil
	}

	genesis, err := newGenesis(l.clock())
	if err != nil {
		return nil, err
	}
	l.chain = []Block{genesis}
	return l, nil
}

// AddTransaction admits payload to the pending pool. When the pool reaches
// the batch size a seal is triggered: handed to the Run worker when one is
// active, otherwise performed inline. A failed inline seal keeps the pool
// and is not reported as an admission error.
func (l *Ledger) AddTransaction(ctx context.Context, payload map[string]any) (Transaction, error) {
	normalized, err := canonicalize.Normalize(payload)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	tx := Transaction{
		ID:        l.newID(),
		CreatedAt: l.clock().UTC(),
		Payload:   normalized,
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Transaction{}, ErrClosed
	}
	if l.halted != nil {
		l.mu.Unlock()
		return Transaction{}, fmt.Errorf("%w: %w", ErrLedgerHalted, l.halted)
	}
	l.pending = append(l.pending, tx)
	full := len(l.pending) >= l.cfg.BatchSize
	l.mu.Unlock()

	l.metrics.transactions.Add(ctx, 1)

	if full {
		if l.running.Load() {
			l.signal()
		} else if !l.sealFullBatches(ctx) {
			l.logger.WarnContext(ctx, "inline seal failed, pool retained", "pending", l.PendingLen())
		}
	}
	return tx.clone(), nil
}

func (l *Ledger) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// errBelowBatch stops batch sealing once another sealer has drained the pool.
var errBelowBatch = errors.New("ledger: pool below batch size")

// SealBlock seals every pending transaction into one new block. On
// ErrProofBudgetExceeded the pool is untouched and the search cursor is kept
// so the next attempt resumes where this one stopped.
func (l *Ledger) SealBlock(ctx context.Context) (Block, error) {
	return l.seal(ctx, 1)
}

// seal is SealBlock requiring at least minLen pending transactions, checked
// while holding sealMu.
func (l *Ledger) seal(ctx context.Context, minLen int) (Block, error) {
	l.sealMu.Lock()
	defer l.sealMu.Unlock()

	l.mu.Lock()
	if l.halted != nil {
		l.mu.Unlock()
		return Block{}, fmt.Errorf("%w: %w", ErrLedgerHalted, l.halted)
	}
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return Block{}, ErrEmptyPool
	}
	if len(l.pending) < minLen {
		l.mu.Unlock()
		return Block{}, errBelowBatch
	}
	batch := make([]Transaction, len(l.pending))
	for i, t := range l.pending {
		batch[i] = t.clone()
	}
	tip := l.chain[len(l.chain)-1]
	l.mu.Unlock()

	ctx, span := l.tracer.Start(ctx, "ledger.seal", trace.WithAttributes(
		attribute.Int64("ledger.block_index", int64(tip.Index+1)),
		attribute.Int("ledger.transactions", len(batch)),
	))
	defer span.End()
	start := time.Now()

	root, err := MerkleRoot(batch)
	if err != nil {
		return Block{}, err
	}

	from := uint64(1)
	if l.cursor.tipHash == tip.Hash {
		from = l.cursor.next
	}
	searchCtx := ctx
	if l.cfg.SealTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, l.cfg.SealTimeout)
		defer cancel()
	}
	proof, next, err := searchProof(searchCtx, tip.Proof, from, l.cfg.Difficulty, l.cfg.MaxProofIterations)
	l.cursor = powCursor{tipHash: tip.Hash, next: next}
	if err != nil {
		l.metrics.sealFailures.Add(ctx, 1)
		span.RecordError(err)
		l.logger.WarnContext(ctx, "seal attempt failed",
			"block_index", tip.Index+1, "pending", len(batch), "searched_from", from, "resume_at", next, "error", err)
		return Block{}, err
	}

	b := Block{
		Index:        tip.Index + 1,
		Timestamp:    l.clock().UTC(),
		Proof:        proof,
		PreviousHash: tip.Hash,
		MerkleRoot:   root,
		Transactions: batch,
	}
	if b.Hash, err = b.ComputeHash(); err != nil {
		return Block{}, err
	}

	l.mu.Lock()
	if l.halted != nil {
		l.mu.Unlock()
		return Block{}, fmt.Errorf("%w: %w", ErrLedgerHalted, l.halted)
	}
	l.chain = append(l.chain, b)
	l.pending = append([]Transaction(nil), l.pending[len(batch):]...)
	l.mu.Unlock()
	l.cursor = powCursor{}

	l.metrics.blocksSealed.Add(ctx, 1)
	l.metrics.sealDuration.Record(ctx, time.Since(start).Seconds())
	l.logger.InfoContext(ctx, "block sealed",
		"block_index", b.Index, "transactions", len(b.Transactions), "proof", b.Proof, "hash", b.Hash)

	l.deliver(ctx, b)
	return b.Clone(), nil
}

func (l *Ledger) deliver(ctx context.Context, b Block) {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	for _, s := range l.sinks {
		s.backlog = append(s.backlog, b.Clone())
		l.drain(ctx, s)
	}
}

// drain delivers s.backlog in order and stops at the first failure.
func (l *Ledger) drain(ctx context.Context, s *sinkState) {
	for len(s.backlog) > 0 {
		head := s.backlog[0]
		if err := s.sink.BlockSealed(ctx, head.Clone()); err != nil {
			l.metrics.sinkFailures.Add(ctx, 1)
			l.logger.ErrorContext(ctx, "block sink failed, delivery kept for retry",
				"block_index", head.Index, "backlog", len(s.backlog), "error", err)
			return
		}
		s.backlog = s.backlog[1:]
	}
}

// RedeliverSinks retries every failed sink delivery and returns how many
// blocks are still undelivered.
func (l *Ledger) RedeliverSinks(ctx context.Context) int {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	n := 0
	for _, s := range l.sinks {
		l.drain(ctx, s)
		n += len(s.backlog)
	}
	return n
}

// Undelivered counts blocks some sink has not yet accepted.
func (l *Ledger) Undelivered() int {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	n := 0
	for _, s := range l.sinks {
		n += len(s.backlog)
	}
	return n
}

// Flush seals until the pool is empty and returns the blocks sealed.
func (l *Ledger) Flush(ctx context.Context) ([]Block, error) {
	var sealed []Block
	for {
		b, err := l.SealBlock(ctx)
		if errors.Is(err, ErrEmptyPool) {
			return sealed, nil
		}
		if err != nil {
			return sealed, err
		}
		sealed = append(sealed, b)
	}
}

// Run is the sealer worker. While it runs, AddTransaction never blocks on
// the proof search. Failed seals are retried after RetryInterval and the
// chain is verified every VerifyInterval. Run returns when ctx is done.
func (l *Ledger) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrSealerRunning
	}
	defer l.running.Store(false)
	l.startMu.Do(func() { close(l.started) })

	var verify <-chan time.Time
	if l.cfg.VerifyInterval > 0 {
		t := time.NewTicker(l.cfg.VerifyInterval)
		defer t.Stop()
		verify = t.C
	}
	var retry <-chan time.Time
	pass := func() {
		ok := l.sealFullBatches(ctx)
		if l.RedeliverSinks(ctx) > 0 {
			ok = false
		}
		if !ok && retry == nil {
			retry = time.After(l.cfg.RetryInterval)
		}
	}

	l.logger.InfoContext(ctx, "sealer started", "batch_size", l.cfg.BatchSize, "difficulty", l.cfg.Difficulty)
	l.signal()
	for {
		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "sealer stopped")
			return nil
		case <-l.wake:
			pass()
		case <-retry:
			retry = nil
			pass()
		case <-verify:
			l.VerifyChain(ctx)
		}
	}
}

// sealFullBatches seals while the pool holds at least a batch, so no block
// produced here is smaller than BatchSize. It reports false when an attempt
// failed and should be retried.
func (l *Ledger) sealFullBatches(ctx context.Context) bool {
	for ctx.Err() == nil {
		_, err := l.seal(ctx, l.cfg.BatchSize)
		switch {
		case err == nil:
		case errors.Is(err, ErrEmptyPool), errors.Is(err, errBelowBatch), errors.Is(err, ErrLedgerHalted):
			return true
		default:
			return false
		}
	}
	return true
}

// Started is closed once a Run worker has begun; from then on full batches
// are sealed off the caller's path.
func (l *Ledger) Started() <-chan struct{} { return l.started }

// VerifyChain walks the chain. Any failure halts the ledger: further writes
// return ErrLedgerHalted.
func (l *Ledger) VerifyChain(ctx context.Context) VerifyResult {
	chain := l.Chain()
	res := VerifyBlocks(chain, l.cfg.Difficulty)
	if res.Valid {
		return res
	}

	l.mu.Lock()
	first := l.halted == nil
	if first {
		l.halted = fmt.Errorf("%w: block %d: %s", ErrChainCorrupted, *res.FirstBrokenIndex, res.Reason)
	}
	l.mu.Unlock()

	if first {
		l.metrics.corruptions.Add(ctx, 1)
		l.logger.ErrorContext(ctx, "ledger integrity failure, writes halted",
			"first_broken_index", *res.FirstBrokenIndex, "reason", res.Reason)
	}
	return res
}

// Halted returns the integrity failure that stopped the ledger, if any.
func (l *Ledger) Halted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Close rejects further transactions. Pending ones can still be flushed.
func (l *Ledger) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Chain returns a deep copy of the sealed blocks.
func (l *Ledger) Chain() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Block, len(l.chain))
	for i, b := range l.chain {
		out[i] = b.Clone()
	}
	return out
}

// Block returns a copy of the block at index i.
func (l *Ledger) Block(i uint64) (Block, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= uint64(len(l.chain)) {
		return Block{}, false
	}
	return l.chain[i].Clone(), true
}

// Tip returns a copy of the latest block.
func (l *Ledger) Tip() Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain[len(l.chain)-1].Clone()
}

// Pending returns a copy of the unsealed transactions.
func (l *Ledger) Pending() []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transaction, len(l.pending))
	for i, t := range l.pending {
		out[i] = t.clone()
	}
	return out
}

// PendingLen returns the pool size.
func (l *Ledger) PendingLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Snapshot is a consistent view of chain and pool.
type Snapshot struct {
	Chain   []Block       `json:"chain"`
	Pending []Transaction `json:"pending"`
}

// Snapshot returns chain and pool captured under one lock.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		Chain:   make([]Block, len(l.chain)),
		Pending: make([]Transaction, len(l.pending)),
	}
	for i, b := range l.chain {
		s.Chain[i] = b.Clone()
	}
	for i, t := range l.pending {
		s.Pending[i] = t.clone()
	}
	return s
}

// Config returns the ledger parameters.
func (l *Ledger) Config() Config { return l.cfg }
