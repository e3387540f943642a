package ledger

import (
	"go.opentelemetry.io/otel/metric"
)

type ledgerMetrics struct {
	transactions metric.Int64Counter
	blocksSealed metric.Int64Counter
	sealFailures metric.Int64Counter
	sinkFailures metric.Int64Counter
	corruptions  metric.Int64Counter
	sealDuration metric.Float64Histogram
}

func newLedgerMetrics(m metric.Meter) (ledgerMetrics, error) {
	var (
		lm  ledgerMetrics
		err error
	)
	if lm.transactions, err = m.Int64Counter("ztcore.ledger.transactions",
		metric.WithDescription("Transactions admitted to the pending pool")); err != nil {
		return lm, err
	}
	if lm.blocksSealed, err = m.Int64Counter("ztcore.ledger.blocks_sealed",
		metric.WithDescription("Blocks appended to the chain")); err != nil {
		return lm, err
	}
	if lm.sealFailures, err = m.Int64Counter("ztcore.ledger.seal_failures",
		metric.WithDescription("Seal attempts that exhausted their proof-of-work budget")); err != nil {
		return lm, err
	}
	if lm.sinkFailures, err = m.Int64Counter("ztcore.ledger.sink_failures",
		metric.WithDescription("Sealed blocks a sink failed to persist")); err != nil {
		return lm, err
	}
	if lm.corruptions, err = m.Int64Counter("ztcore.ledger.corruptions",
		metric.WithDescription("Chain integrity failures")); err != nil {
		return lm, err
	}
	if lm.sealDuration, err = m.Float64Histogram("ztcore.ledger.seal_duration",
		metric.WithDescription("Time to seal a block"),
		metric.WithUnit("s")); err != nil {
		return lm, err
	}
	return lm, nil
}
