package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/ztcore/pkg/eventstore"
)

// Collector turns an identity's event history into triggered signals.
// It holds no mutable state and is safe for concurrent use.
type Collector struct {
	store  eventstore.Store
	table  *Table
	logger *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithTable overrides the embedded weight table.
func WithTable(t *Table) Option {
	return func(c *Collector) { c.table = t }
}

// WithLogger sets the collector logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

func NewCollector(store eventstore.Store, opts ...Option) *Collector {
	c := &Collector{
		store:  store,
		logger: slog.Default().With("component", "signals"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.table == nil {
		c.table = Default()
	}
	return c
}

// Table returns the weight table in use.
func (c *Collector) Table() *Table { return c.table }

// Collect counts each enabled rule's events in its window ending at asOf and
// returns the signals whose threshold is exceeded, in table order.
func (c *Collector) Collect(ctx context.Context, identity string, asOf time.Time) ([]Signal, error) {
	var out []Signal
	for _, r := range c.table.Enabled() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		spec := c.table.querySpec(r.Kind)
		n, err := c.store.CountEvents(ctx, eventstore.Query{
			Identity: identity,
			Kind:     spec.kind,
			AsOf:     asOf,
			Window:   r.Window,
			Match:    spec.match,
			Distinct: spec.distinct,
		})
		if err != nil {
			return nil, fmt.Errorf("collect %s for %s: %w", r.Kind, identity, err)
		}
		if !r.Triggered(n) {
			continue
		}
		out = append(out, Signal{Kind: r.Kind, Count: n})
	}
	c.logger.Debug("signals collected", "identity", identity, "signals", len(out))
	return out, nil
}
