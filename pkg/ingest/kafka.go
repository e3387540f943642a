package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/Mindburn-Labs/ztcore/pkg/events"
)

// MessageReader is the subset of *kafka.Reader used by KafkaSource.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the consumer group.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// RetryMaxElapsed bounds how long a failing handler is retried for one
	// message before Run gives up; 0 uses DefaultRetryMaxElapsed.
	RetryMaxElapsed time.Duration
}

// DefaultRetryMaxElapsed is the handler retry budget per message.
const DefaultRetryMaxElapsed = 5 * time.Minute

// KafkaSource consumes event messages. Each message value is one event
// object or an array of them. Offsets are committed only after the handler
// accepts the batch; messages that fail to decode are committed and dropped.
type KafkaSource struct {
	reader MessageReader
	dec    *events.Decoder
	logger *slog.Logger

	retryInitial    time.Duration
	retryMaxElapsed time.Duration

	accepted atomic.Int64
	dropped  atomic.Int64
}

// KafkaOption configures a KafkaSource.
type KafkaOption func(*KafkaSource)

// WithRetry sets the first handler retry delay and the total retry budget
// per message.
func WithRetry(initial, maxElapsed time.Duration) KafkaOption {
	return func(s *KafkaSource) {
		if initial > 0 {
			s.retryInitial = initial
		}
		if maxElapsed > 0 {
			s.retryMaxElapsed = maxElapsed
		}
	}
}

func NewKafkaSource(cfg KafkaConfig, dec *events.Decoder, logger *slog.Logger, opts ...KafkaOption) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0,
	})
	return NewKafkaSourceFromReader(r, dec, logger,
		append([]KafkaOption{WithRetry(0, cfg.RetryMaxElapsed)}, opts...)...)
}

// NewKafkaSourceFromReader wraps an existing reader.
func NewKafkaSourceFromReader(r MessageReader, dec *events.Decoder, logger *slog.Logger, opts ...KafkaOption) *KafkaSource {
	if logger == nil {
		logger = slog.Default().With("component", "ingest")
	}
	s := &KafkaSource{
		reader:          r,
		dec:             dec,
		logger:          logger,
		retryInitial:    500 * time.Millisecond,
		retryMaxElapsed: DefaultRetryMaxElapsed,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes until ctx is done. A failing handler is retried with
// exponential backoff; once the retry budget is spent Run returns without
// committing, so the message is redelivered to the next consumer.
func (s *KafkaSource) Run(ctx context.Context, h Handler) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		evs, failed, err := s.dec.DecodeBatch(msg.Value)
		if err != nil {
			failed = map[int]error{0: err}
		}
		if len(failed) > 0 {
			s.dropped.Add(int64(len(failed)))
			s.logger.WarnContext(ctx, "dropping malformed events",
				"partition", msg.Partition, "offset", msg.Offset, "dropped", len(failed))
		}
		if len(evs) > 0 {
			if err := s.handle(ctx, h, msg, evs); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("handle message at offset %d: %w", msg.Offset, err)
			}
			s.accepted.Add(int64(len(evs)))
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (s *KafkaSource) handle(ctx context.Context, h Handler, msg kafka.Message, evs []events.Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	b.MaxInterval = 30 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, h(ctx, evs)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.retryMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.WarnContext(ctx, "event handler failed, retrying",
				"partition", msg.Partition, "offset", msg.Offset, "retry_in", next, "error", err)
		}),
	)
	return err
}

// Stats reports consumed event counts.
func (s *KafkaSource) Stats() events.StreamStats {
	return events.StreamStats{Accepted: int(s.accepted.Load()), Dropped: int(s.dropped.Load())}
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
