// Package engine ties event storage, signal collection, scoring, segment
// checks and the audit ledger into the operations the service exposes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/ztcore/pkg/events"
	"github.com/Mindburn-Labs/ztcore/pkg/eventstore"
	"github.com/Mindburn-Labs/ztcore/pkg/ledger"
	"github.com/Mindburn-Labs/ztcore/pkg/risk"
	"github.com/Mindburn-Labs/ztcore/pkg/segment"
	"github.com/Mindburn-Labs/ztcore/pkg/signals"
	"github.com/Mindburn-Labs/ztcore/pkg/store"
)

// Transaction types written to the ledger.
const (
	TxRiskAssessment = "RISK_ASSESSMENT"
	TxAccessCheck    = "ACCESS_CHECK"
)

var (
	ErrInvalidIdentity = errors.New("engine: identity is required")
	ErrInvalidResource = errors.New("engine: resource is required")
	ErrInvalidRecord   = errors.New("engine: record needs a non-empty string \"type\"")
	// ErrAudit marks a result that was computed but could not be written to
	// the ledger. The accompanying value is valid.
	ErrAudit = errors.New("engine: audit write failed")
)

// Engine is safe for concurrent use.
type Engine struct {
	events      eventstore.Store
	collector   *signals.Collector
	scorer      *risk.Scorer
	segments    *segment.Policy
	assessments store.AssessmentStore
	ledger      *ledger.Ledger

	clock   func() time.Time
	logger  *slog.Logger
	meter   metric.Meter
	tracer  trace.Tracer
	metrics engineMetrics
}

type Option func(*Engine)

func WithCollector(c *signals.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

func WithScorer(s *risk.Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

func WithSegments(p *segment.Policy) Option {
	return func(e *Engine) { e.segments = p }
}

func WithAssessmentStore(s store.AssessmentStore) Option {
	return func(e *Engine) { e.assessments = s }
}

// WithClock sets the default as-of instant for assessments.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.meter = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New builds an engine over evs. A nil ledger disables auditing.
func New(evs eventstore.Store, l *ledger.Ledger, opts ...Option) (*Engine, error) {
	if evs == nil {
		return nil, errors.New("engine: event store is required")
	}
	e := &Engine{
		events: evs,
		ledger: l,
		clock:  time.Now,
		logger: slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.collector == nil {
		e.collector = signals.NewCollector(evs)
	}
	if e.scorer == nil {
		e.scorer = risk.NewScorer(risk.WithWeights(e.collector.Table()))
	}
	if e.segments == nil {
		e.segments = segment.Default()
	}
	if e.assessments == nil {
		e.assessments = store.NewMemoryAssessmentStore()
	}
	if e.meter == nil {
		e.meter = otel.Meter("ztcore/engine")
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("ztcore/engine")
	}
	m, err := newEngineMetrics(e.meter)
	if err != nil {
		return nil, fmt.Errorf("engine: metrics: %w", err)
	}
	e.metrics = m
	return e, nil
}

func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }
func (e *Engine) Segments() *segment.Policy { return e.segments }
func (e *Engine) Table() *signals.Table { return e.collector.Table() }
func (e *Engine) Events() eventstore.Store { return e.events }
func (e *Engine) Tiers() risk.TierTable { return e.scorer.Tiers() }
func (e *Engine) Scorer() *risk.Scorer { return e.scorer }
func (e *Engine) Collector() *signals.Collector { return e.collector }

// Ingest appends events to the event store.
func (e *Engine) Ingest(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	if err := e.events.Append(ctx, evs...); err != nil {
		return fmt.Errorf("engine: ingest: %w", err)
	}
	for _, ev := range evs {
		e.metrics.eventsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
	}
	return nil
}

// Assess scores identity over the events visible at asOf (the engine clock
// when zero) and stores the result as the identity's latest assessment.
//
// When only the ledger write fails the assessment is returned together with
// an error wrapping ErrAudit.
func (e *Engine) Assess(ctx context.Context, identity string, asOf time.Time) (risk.Assessment, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return risk.Assessment{}, ErrInvalidIdentity
	}
	if asOf.IsZero() {
		asOf = e.clock()
	}

	ctx, span := e.tracer.Start(ctx, "engine.assess", trace.WithAttributes(
		attribute.String("engine.identity", identity),
	))
	defer span.End()
	start := time.Now()

	sigs, err := e.collector.Collect(ctx, identity, asOf)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return risk.Assessment{}, fmt.Errorf("engine: collect signals: %w", err)
	}
	a := e.scorer.Evaluate(identity, sigs)
	span.SetAttributes(
		attribute.Int("risk.score", a.Score),
		attribute.String("risk.decision", string(a.Decision)),
	)

	if err := e.assessments.Put(ctx, a); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return risk.Assessment{}, fmt.Errorf("engine: store assessment: %w", err)
	}
	e.metrics.assessments.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(a.Decision))))
	e.metrics.assessDuration.Record(ctx, time.Since(start).Seconds())

	payload := assessmentPayload(a, asOf)
	if legacy := risk.LegacyDecision(a.Score); legacy != a.Decision {
		payload["legacy_decision"] = string(legacy)
		e.logger.DebugContext(ctx, "flat thresholds disagree with tier table",
			"identity", identity, "score", a.Score, "decision", a.Decision, "legacy_decision", legacy)
	}
	if err := e.audit(ctx, payload); err != nil {
		span.RecordError(err)
		return a, err
	}
	return a, nil
}

// Latest returns the most recent stored assessment for identity.
func (e *Engine) Latest(ctx context.Context, identity string) (risk.Assessment, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return risk.Assessment{}, ErrInvalidIdentity
	}
	return e.assessments.Get(ctx, identity)
}

// Authorize checks resource against identity's latest assessment, assessing
// afresh when none is stored. Audit failures are reported as in Assess.
func (e *Engine) Authorize(ctx context.Context, identity, resource string) (segment.Verdict, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return segment.Verdict{}, ErrInvalidResource
	}
	ctx, span := e.tracer.Start(ctx, "engine.authorize", trace.WithAttributes(
		attribute.String("engine.identity", identity),
		attribute.String("engine.resource", resource),
	))
	defer span.End()

	var auditErr error
	a, err := e.Latest(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		a, err = e.Assess(ctx, identity, time.Time{})
		if errors.Is(err, ErrAudit) {
			auditErr, err = err, nil
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return segment.Verdict{}, err
	}

	v := e.segments.Check(resource, a.Score)
	e.metrics.accessChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("segment", v.Segment),
		attribute.Bool("allowed", v.Allowed),
	))
	span.SetAttributes(attribute.Bool("access.allowed", v.Allowed))

	if err := e.audit(ctx, map[string]any{
		"type":       TxAccessCheck,
		"user_id":    a.Identity,
		"resource":   resource,
		"segment":    v.Segment,
		"allowed":    v.Allowed,
		"risk_score": v.CurrentRisk,
		"max_risk":   v.MaxRisk,
		"reason":     v.Reason,
	}); err != nil {
		auditErr = errors.Join(auditErr, err)
	}
	if auditErr != nil {
		span.RecordError(auditErr)
	}
	return v, auditErr
}

// Check evaluates resource at an explicit score. Nothing is recorded.
func (e *Engine) Check(resource string, score int) segment.Verdict {
	return e.segments.Check(resource, score)
}

// AccessibleResources lists the resources admitted at score.
func (e *Engine) AccessibleResources(score int) []string {
	return e.segments.AccessibleResources(score)
}

// Record appends an arbitrary security fact to the ledger. The payload must
// carry a string "type" naming the fact.
func (e *Engine) Record(ctx context.Context, payload map[string]any) (ledger.Transaction, error) {
	if kind, _ := payload["type"].(string); strings.TrimSpace(kind) == "" {
		return ledger.Transaction{}, ErrInvalidRecord
	}
	if e.ledger == nil {
		return ledger.Transaction{}, fmt.Errorf("%w: ledger disabled", ErrAudit)
	}
	tx, err := e.ledger.AddTransaction(ctx, payload)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

func (e *Engine) audit(ctx context.Context, payload map[string]any) error {
	if e.ledger == nil {
		return nil
	}
	if _, err := e.ledger.AddTransaction(ctx, payload); err != nil {
		e.metrics.auditFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("type", payload["type"].(string))))
		e.logger.ErrorContext(ctx, "audit write failed", "type", payload["type"], "error", err)
		return fmt.Errorf("%w: %w", ErrAudit, err)
	}
	return nil
}

func assessmentPayload(a risk.Assessment, asOf time.Time) map[string]any {
	sigs := make([]string, 0, len(a.Signals))
	for _, s := range a.Signals {
		sigs = append(sigs, s.String())
	}
	return map[string]any{
		"type":        TxRiskAssessment,
		"user_id":     a.Identity,
		"risk_score":  a.Score,
		"risk_level":  string(a.Level),
		"decision":    string(a.Decision),
		"zone":        string(a.Zone),
		"signals":     sigs,
		"confidence":  a.Confidence,
		"as_of":       asOf.UTC().Format(time.RFC3339Nano),
		"assessed_at": a.AssessedAt.UTC().Format(time.RFC3339Nano),
	}
}
