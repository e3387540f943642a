package engine

import (
	"go.opentelemetry.io/otel/metric"
)

type engineMetrics struct {
	eventsIngested metric.Int64Counter
	assessments    metric.Int64Counter
	accessChecks   metric.Int64Counter
	auditFailures  metric.Int64Counter
	assessDuration metric.Float64Histogram
}

func newEngineMetrics(m metric.Meter) (engineMetrics, error) {
	var (
		em  engineMetrics
		err error
	)
	if em.eventsIngested, err = m.Int64Counter("ztcore.events.ingested",
		metric.WithDescription("Events appended to the event store")); err != nil {
		return em, err
	}
	if em.assessments, err = m.Int64Counter("ztcore.risk.assessments",
		metric.WithDescription("Risk assessments computed")); err != nil {
		return em, err
	}
	if em.accessChecks, err = m.Int64Counter("ztcore.access.checks",
		metric.WithDescription("Segment access decisions")); err != nil {
		return em, err
	}
	if em.auditFailures, err = m.Int64Counter("ztcore.audit.failures",
		metric.WithDescription("Results that could not be written to the ledger")); err != nil {
		return em, err
	}
	if em.assessDuration, err = m.Float64Histogram("ztcore.risk.assess_duration",
		metric.WithDescription("Time to collect signals and score an identity"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0)); err != nil {
		return em, err
	}
	return em, nil
}
