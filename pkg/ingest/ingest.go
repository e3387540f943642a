// Package ingest feeds behavioral events from external producers into the
// engine: NDJSON streams and a Kafka topic.
package ingest

import (
	"context"
	"io"

	"github.com/Mindburn-Labs/ztcore/pkg/events"
)

// Handler receives decoded events in batches.
type Handler func(ctx context.Context, evs []events.Event) error

// DefaultBatchSize bounds how many events are handed over at once.
const DefaultBatchSize = 500

// ReadNDJSON decodes newline-delimited events from r and passes them to h in
// batches of at most batch events. Malformed lines are dropped and counted.
func ReadNDJSON(ctx context.Context, r io.Reader, dec *events.Decoder, batch int, h Handler) (events.StreamStats, error) {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	buf := make([]events.Event, 0, batch)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		err := h(ctx, buf)
		buf = make([]events.Event, 0, batch)
		return err
	}

	stats, err := dec.DecodeStream(r, func(ev events.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf = append(buf, ev)
		if len(buf) >= batch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	return stats, flush()
}
