package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/ztcore/pkg/merkle"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Difficulty = 2
	cfg.SealTimeout = 0
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.VerifyInterval = 0
	return cfg
}

func fixedClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func newTestLedger(t *testing.T, cfg Config, opts ...Option) *Ledger {
	t.Helper()
	l, err := New(cfg, append([]Option{WithClock(fixedClock())}, opts...)...)
	require.NoError(t, err)
	return l
}

func add(t *testing.T, l *Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.AddTransaction(context.Background(), map[string]any{"type": "TEST", "n": i})
		require.NoError(t, err)
	}
}

func TestGenesis(t *testing.T) {
	l := newTestLedger(t, testConfig())
	chain := l.Chain()
	require.Len(t, chain, 1)
	g := chain[0]
	assert.Equal(t, uint64(0), g.Index)
	assert.Equal(t, "0", g.PreviousHash)
	assert.Equal(t, GenesisProof, g.Proof)
	assert.Empty(t, g.Transactions)
	assert.Equal(t, merkle.EmptyRoot, g.MerkleRoot)
	h, err := g.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, h, g.Hash)
	assert.True(t, l.VerifyChain(context.Background()).Valid)
}

func TestThreeTransactionsSealOneBlock(t *testing.T) {
	l := newTestLedger(t, DefaultConfig())
	add(t, l, 2)
	assert.Len(t, l.Chain(), 1)
	assert.Equal(t, 2, l.PendingLen())

	add(t, l, 1)
	chain := l.Chain()
	require.Len(t, chain, 2)
	assert.Empty(t, l.Pending())
	assert.Len(t, chain[1].Transactions, 3)
	assert.Equal(t, uint64(34348), chain[1].Proof)
	assert.Equal(t, chain[0].Hash, chain[1].PreviousHash)
}

func TestChainLinkageAndMerkle(t *testing.T) {
	l := newTestLedger(t, testConfig())
	add(t, l, 12)

	chain := l.Chain()
	require.Len(t, chain, 5)
	for i := 1; i < len(chain); i++ {
		assert.Equal(t, chain[i-1].Hash, chain[i].PreviousHash, "block %d", i)
		root, err := MerkleRoot(chain[i].Transactions)
		require.NoError(t, err)
		assert.Equal(t, chain[i].MerkleRoot, root, "block %d", i)
		assert.True(t, ValidProof(chain[i].Proof, chain[i-1].Proof, 2))
	}
	res := l.VerifyChain(context.Background())
	assert.True(t, res.Valid)
	assert.Nil(t, res.FirstBrokenIndex)
}

func TestTamperedPayloadDetectedAndHalts(t *testing.T) {
	l := newTestLedger(t, testConfig())
	add(t, l, 9)
	require.Len(t, l.Chain(), 4)

	l.mu.Lock()
	l.chain[2].Transactions[1].Payload["n"] = "forged"
	l.mu.Unlock()

	res := l.VerifyChain(context.Background())
	assert.False(t, res.Valid)
	require.NotNil(t, res.FirstBrokenIndex)
	assert.Equal(t, uint64(2), *res.FirstBrokenIndex)
	assert.Equal(t, "merkle root mismatch", res.Reason)

	assert.ErrorIs(t, l.Halted(), ErrChainCorrupted)
	_, err := l.AddTransaction(context.Background(), map[string]any{"type": "LATE"})
	assert.ErrorIs(t, err, ErrLedgerHalted)
}

func TestVerifyBlocks_Failures(t *testing.T) {
	l := newTestLedger(t, testConfig())
	add(t, l, 6)
	good := l.Chain()

	tests := []struct {
		name   string
		mutate func([]Block)
		index  uint64
	}{
		{"header hash", func(c []Block) { c[1].Timestamp = c[1].Timestamp.Add(time.Second) }, 1},
		{"stored hash", func(c []Block) { c[2].Hash = "deadbeef" }, 2},
		{"linkage", func(c []Block) {
			c[2].PreviousHash = c[0].Hash
			c[2].Hash, _ = c[2].ComputeHash()
		}, 2},
		{"proof", func(c []Block) {
			c[1].Proof++
			c[1].Hash, _ = c[1].ComputeHash()
			c[2].PreviousHash = c[1].Hash
			c[2].Hash, _ = c[2].ComputeHash()
		}, 1},
		{"index", func(c []Block) { c[1].Index = 7 }, 1},
		{"genesis", func(c []Block) {
			c[0].PreviousHash = "x"
			c[0].Hash, _ = c[0].ComputeHash()
		}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chain := make([]Block, len(good))
			for i, b := range good {
				chain[i] = b.Clone()
			}
			tc.mutate(chain)
			res := VerifyBlocks(chain, 2)
			assert.False(t, res.Valid)
			require.NotNil(t, res.FirstBrokenIndex)
			assert.Equal(t, tc.index, *res.FirstBrokenIndex, res.Reason)
		})
	}

	assert.False(t, VerifyBlocks(nil, 2).Valid)
	assert.True(t, VerifyBlocks(good, 2).Valid)
}

func TestConcurrentAddTransaction(t *testing.T) {
	const k = 47
	l := newTestLedger(t, testConfig(), WithClock(time.Now))

	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.AddTransaction(context.Background(), map[string]any{"n": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap := l.Snapshot()
	seen := make(map[string]bool)
	values := make(map[string]bool)
	total := len(snap.Pending)
	for _, tx := range snap.Pending {
		seen[tx.ID] = true
		values[fmt.Sprint(tx.Payload["n"])] = true
	}
	for _, b := range snap.Chain {
		total += len(b.Transactions)
		for _, tx := range b.Transactions {
			assert.False(t, seen[tx.ID], "duplicate %s", tx.ID)
			seen[tx.ID] = true
			values[fmt.Sprint(tx.Payload["n"])] = true
		}
	}
	assert.Equal(t, k, total)
	assert.Len(t, seen, k)
	assert.Len(t, values, k)
	assert.Less(t, len(snap.Pending), 3)
	assert.True(t, VerifyBlocks(snap.Chain, 2).Valid)
	for _, b := range snap.Chain[1:] {
		assert.GreaterOrEqual(t, len(b.Transactions), 3, "block %d", b.Index)
	}
}

func TestConcurrentInlineSealsNeverUnderfill(t *testing.T) {
	cfg := testConfig()
	cfg.Difficulty = 3
	l := newTestLedger(t, cfg, WithClock(time.Now))

	var wg sync.WaitGroup
	for round := 0; round < 5; round++ {
		for g := 0; g < 20; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				time.Sleep(time.Duration(g%4) * time.Millisecond)
				_, err := l.AddTransaction(context.Background(), map[string]any{"round": round, "g": g})
				assert.NoError(t, err)
			}(g)
		}
		wg.Wait()
	}

	chain := l.Chain()
	total := l.PendingLen()
	for _, b := range chain[1:] {
		total += len(b.Transactions)
		assert.GreaterOrEqual(t, len(b.Transactions), cfg.BatchSize, "block %d", b.Index)
	}
	assert.Equal(t, 100, total)
	assert.Less(t, l.PendingLen(), cfg.BatchSize)
}

func TestProofBudgetKeepsPoolAndResumes(t *testing.T) {
	cfg := testConfig()
	cfg.Difficulty = 4
	cfg.MaxProofIterations = 20_000
	l := newTestLedger(t, cfg)

	add(t, l, 3)
	assert.Len(t, l.Chain(), 1, "first attempt exhausts its budget")
	assert.Equal(t, 3, l.PendingLen())

	b, err := l.SealBlock(context.Background())
	require.NoError(t, err, "second attempt resumes past the searched range")
	assert.Equal(t, uint64(34348), b.Proof)
	assert.Len(t, b.Transactions, 3)
	assert.Zero(t, l.PendingLen())
}

func TestSealTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Difficulty = 64
	cfg.MaxProofIterations = 0
	cfg.SealTimeout = 20 * time.Millisecond
	l := newTestLedger(t, cfg)
	add(t, l, 2)

	_, err := l.SealBlock(context.Background())
	assert.ErrorIs(t, err, ErrProofBudgetExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, l.PendingLen())
}

func TestSealBlock_EmptyPool(t *testing.T) {
	l := newTestLedger(t, testConfig())
	_, err := l.SealBlock(context.Background())
	assert.ErrorIs(t, err, ErrEmptyPool)

	blocks, err := l.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestFlushSealsPartialBatch(t *testing.T) {
	l := newTestLedger(t, testConfig())
	add(t, l, 4)
	require.Equal(t, 1, l.PendingLen())

	blocks, err := l.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Len(t, blocks[0].Transactions, 1)
	assert.Zero(t, l.PendingLen())
}

func TestRunWorkerSeals(t *testing.T) {
	cfg := testConfig()
	l := newTestLedger(t, cfg, WithClock(time.Now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.running.Load() }, time.Second, time.Millisecond)

	assert.ErrorIs(t, l.Run(ctx), ErrSealerRunning)

	add(t, l, 7)
	require.Eventually(t, func() bool {
		snap := l.Snapshot()
		return len(snap.Chain) >= 2 && len(snap.Pending) < cfg.BatchSize
	}, 5*time.Second, 5*time.Millisecond)

	snap := l.Snapshot()
	total := len(snap.Pending)
	for _, b := range snap.Chain {
		total += len(b.Transactions)
	}
	assert.Equal(t, 7, total)

	cancel()
	require.NoError(t, <-done)
}

func TestRunRetriesFailedSeal(t *testing.T) {
	cfg := testConfig()
	cfg.Difficulty = 4
	cfg.MaxProofIterations = 5_000
	l := newTestLedger(t, cfg, WithClock(time.Now))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.running.Load() }, time.Second, time.Millisecond)

	add(t, l, 3)
	require.Eventually(t, func() bool { return len(l.Chain()) == 2 }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(34348), l.Tip().Proof)
}

func TestRunPeriodicVerifyHalts(t *testing.T) {
	cfg := testConfig()
	cfg.VerifyInterval = 5 * time.Millisecond
	l := newTestLedger(t, cfg)
	add(t, l, 3)

	l.mu.Lock()
	l.chain[1].Proof = 1
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.Halted() != nil }, 2*time.Second, 5*time.Millisecond)

	_, err := l.SealBlock(context.Background())
	assert.ErrorIs(t, err, ErrLedgerHalted)
}

func TestPayloadIsDetached(t *testing.T) {
	l := newTestLedger(t, testConfig())
	nested := map[string]any{"role": "admin"}
	payload := map[string]any{"type": "REGISTER", "user": nested}

	tx, err := l.AddTransaction(context.Background(), payload)
	require.NoError(t, err)
	nested["role"] = "root"
	payload["type"] = "REVOKE"
	tx.Payload["type"] = "mutated"

	got := l.Pending()[0]
	assert.Equal(t, "REGISTER", got.Payload["type"])
	assert.Equal(t, "admin", got.Payload["user"].(map[string]any)["role"])

	_, err = l.AddTransaction(context.Background(), map[string]any{"bad": make(chan int)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestTransactionIDsAndTimestamps(t *testing.T) {
	var n int
	l := newTestLedger(t, testConfig(), WithIDGenerator(func() string { n++; return fmt.Sprintf("tx-%d", n) }))
	tx, err := l.AddTransaction(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx.ID)
	assert.Equal(t, time.UTC, tx.CreatedAt.Location())
	assert.NotNil(t, tx.Payload)
}

func TestClose(t *testing.T) {
	l := newTestLedger(t, testConfig())
	add(t, l, 1)
	l.Close()
	_, err := l.AddTransaction(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, ErrClosed)
	blocks, err := l.Flush(context.Background())
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
}

type recordingSink struct {
	mu     sync.Mutex
	blocks []Block
	fail   bool
}

func (s *recordingSink) BlockSealed(_ context.Context, b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, b)
	if s.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestSinks(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{fail: true}
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	l := newTestLedger(t, testConfig(), WithSink(failing), WithSink(ok), WithMeter(meter))
	add(t, l, 6)

	assert.Len(t, ok.blocks, 2)
	assert.Len(t, l.Chain(), 3, "sink failure does not stop later sinks or later seals")
	require.Len(t, failing.blocks, 2)
	for _, b := range failing.blocks {
		assert.Equal(t, uint64(1), b.Index, "later blocks wait behind the undelivered one")
	}
	assert.Equal(t, 2, l.Undelivered())

	ok.blocks[0].Transactions[0].Payload["n"] = "x"
	assert.True(t, l.VerifyChain(context.Background()).Valid)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(6), sums["ztcore.ledger.transactions"])
	assert.Equal(t, int64(2), sums["ztcore.ledger.blocks_sealed"])
	assert.Equal(t, int64(2), sums["ztcore.ledger.sink_failures"])
}

func TestWithHistory(t *testing.T) {
	src := newTestLedger(t, testConfig())
	add(t, src, 6)
	chain := src.Chain()

	restored, err := New(testConfig(), WithHistory(chain))
	require.NoError(t, err)
	assert.Equal(t, chain[2].Hash, restored.Tip().Hash)
	add(t, restored, 3)
	assert.Len(t, restored.Chain(), 4)
	assert.True(t, restored.VerifyChain(context.Background()).Valid)

	chain[1].MerkleRoot = merkle.EmptyRoot
	_, err = New(testConfig(), WithHistory(chain))
	assert.ErrorIs(t, err, ErrChainCorrupted)
}

// flakySink is an in-memory block store whose next failNext deliveries fail.
type flakySink struct {
	mu       sync.Mutex
	blocks   []Block
	failNext int
}

func (s *flakySink) BlockSealed(_ context.Context, b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("connection reset")
	}
	s.blocks = append(s.blocks, b)
	return nil
}

func (s *flakySink) stored() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Block(nil), s.blocks...)
}

func TestSinkFailureIsRedeliveredInOrder(t *testing.T) {
	sink := &flakySink{}
	l := newTestLedger(t, testConfig(), WithSink(sink))
	require.NoError(t, sink.BlockSealed(context.Background(), l.Tip()))

	add(t, l, 3)
	sink.mu.Lock()
	sink.failNext = 2
	sink.mu.Unlock()
	add(t, l, 6)

	assert.Len(t, l.Chain(), 4)
	assert.Len(t, sink.stored(), 2, "block 2 failed, block 3 waits behind it")
	assert.Equal(t, 2, l.Undelivered())

	assert.Zero(t, l.RedeliverSinks(context.Background()))
	stored := sink.stored()
	require.Len(t, stored, 4)
	for i, b := range stored {
		assert.Equal(t, uint64(i), b.Index)
	}

	restored, err := New(testConfig(), WithHistory(stored))
	require.NoError(t, err)
	assert.Equal(t, l.Tip().Hash, restored.Tip().Hash)
}

func TestRunRedeliversFailedSinkDeliveries(t *testing.T) {
	sink := &flakySink{failNext: 3}
	l := newTestLedger(t, testConfig(), WithSink(sink), WithClock(time.Now))
	add(t, l, 3)
	require.Equal(t, 1, l.Undelivered())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.Undelivered() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, sink.stored(), 1)
}

func TestStartedClosesWhenRunBegins(t *testing.T) {
	l := newTestLedger(t, testConfig())
	select {
	case <-l.Started():
		t.Fatal("started before Run")
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	select {
	case <-l.Started():
	case <-time.After(time.Second):
		t.Fatal("Run did not signal start")
	}
	assert.True(t, l.running.Load())
	cancel()
	require.NoError(t, <-done)
}

func TestBlockJSON(t *testing.T) {
	l := newTestLedger(t, testConfig())
	add(t, l, 3)
	b, ok := l.Block(1)
	require.True(t, ok)
	_, ok = l.Block(9)
	assert.False(t, ok)

	data, err := json.Marshal(b)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, k := range []string{"block_index", "timestamp", "previous_hash", "current_hash", "merkle_root", "proof", "transactions"} {
		assert.Contains(t, fields, k)
	}

	var back Block
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, VerifyBlocks([]Block{l.Chain()[0], back}, 2).Valid, "decoded blocks re-verify")
}

func TestConfigValidation(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.BatchSize = 0 },
		func(c *Config) { c.Difficulty = -1 },
		func(c *Config) { c.Difficulty = 65 },
		func(c *Config) { c.SealTimeout = -time.Second },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		_, err := New(cfg)
		assert.Error(t, err)
	}
}

func TestValidProof(t *testing.T) {
	assert.True(t, ValidProof(5, 100, 2))
	assert.True(t, ValidProof(34348, 100, 4))
	assert.False(t, ValidProof(34347, 100, 4))
	assert.True(t, ValidProof(1, 100, 0))
}
