package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ztcore/pkg/events"
)

func newDecoder(t *testing.T) *events.Decoder {
	t.Helper()
	d, err := events.NewDecoder()
	require.NoError(t, err)
	return d
}

const ndjson = `{"type":"login","user_id":"alice","timestamp":"2026-03-09T10:00:00Z","ip_address":"10.0.0.1","success":true}
not json
{"user_id":"alice","timestamp":"2026-03-09T10:05:00Z","file_name":"secret.txt","action":"read"}

{"user_id":"alice","timestamp":"2026-03-09T10:06:00Z","remote_ip":"8.8.8.8","external":true}
{"user_id":"alice","timestamp":"yesterday","ip_address":"10.0.0.1","success":false}
{"user_id":"bob","timestamp":"2026-03-09T10:07:00Z","ip_address":"10.0.0.2","success":false}
`

func TestReadNDJSON_Batches(t *testing.T) {
	var batches [][]events.Event
	stats, err := ReadNDJSON(context.Background(), strings.NewReader(ndjson), newDecoder(t), 2,
		func(_ context.Context, evs []events.Event) error {
			batches = append(batches, evs)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, events.StreamStats{Accepted: 4, Dropped: 2}, stats)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Equal(t, events.ActionRead, batches[0][1].Action)
	assert.Equal(t, "bob", batches[1][1].UserID)
}

func TestReadNDJSON_HandlerError(t *testing.T) {
	boom := errors.New("store down")
	_, err := ReadNDJSON(context.Background(), strings.NewReader(ndjson), newDecoder(t), 1,
		func(context.Context, []events.Event) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestReadNDJSON_FinalPartialBatch(t *testing.T) {
	var total int
	_, err := ReadNDJSON(context.Background(), strings.NewReader(ndjson), newDecoder(t), 0,
		func(_ context.Context, evs []events.Event) error {
			total += len(evs)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func TestKafkaSource_Run(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"user_id":"alice","timestamp":"2026-03-09T10:00:00Z","ip_address":"10.0.0.1","success":false}`)},
		{Offset: 2, Value: []byte(`garbage`)},
		{Offset: 3, Value: []byte(`[{"user_id":"alice","timestamp":"2026-03-09T10:01:00Z","file_name":"a","action":"DELETE"},{"user_id":"alice"}]`)},
	}}
	src := NewKafkaSourceFromReader(r, newDecoder(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu  sync.Mutex
		got []events.Event
	)
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(_ context.Context, evs []events.Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, evs...)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, r.commits())
	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
	assert.Equal(t, events.StreamStats{Accepted: 2, Dropped: 2}, src.Stats())

	require.NoError(t, src.Close())
	assert.True(t, r.closed)
}

func TestKafkaSource_HandlerErrorDoesNotCommit(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 7, Value: []byte(`{"user_id":"alice","timestamp":"2026-03-09T10:00:00Z","ip_address":"10.0.0.1","success":true}`)},
	}}
	src := NewKafkaSourceFromReader(r, newDecoder(t), nil, WithRetry(time.Millisecond, 30*time.Millisecond))

	var calls atomic.Int32
	err := src.Run(context.Background(), func(context.Context, []events.Event) error {
		calls.Add(1)
		return errors.New("store down")
	})
	assert.ErrorContains(t, err, "offset 7")
	assert.Greater(t, calls.Load(), int32(1), "retried before giving up")
	assert.Empty(t, r.commits())
}

func TestKafkaSource_TransientHandlerErrorIsRetried(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 4, Value: []byte(`{"user_id":"alice","timestamp":"2026-03-09T10:00:00Z","ip_address":"10.0.0.1","success":true}`)},
		{Offset: 5, Value: []byte(`{"user_id":"bob","timestamp":"2026-03-09T10:00:00Z","ip_address":"10.0.0.2","success":true}`)},
	}}
	src := NewKafkaSourceFromReader(r, newDecoder(t), nil, WithRetry(time.Millisecond, time.Second))

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(context.Context, []events.Event) error {
			if calls.Add(1) <= 2 {
				return errors.New("database is locked")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(r.commits()) == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{4, 5}, r.commits())
	assert.Equal(t, events.StreamStats{Accepted: 2}, src.Stats())
}
