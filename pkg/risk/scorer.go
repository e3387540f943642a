package risk

import (
	"math"
	"time"

	"github.com/Mindburn-Labs/ztcore/pkg/signals"
)

// Scorer turns signals into an Assessment. It is stateless and safe for
// concurrent use.
type Scorer struct {
	weights *signals.Table
	tiers   TierTable
	clock   func() time.Time
}

type Option func(*Scorer)

// WithWeights sets the weight table used for contributions.
func WithWeights(t *signals.Table) Option {
	return func(s *Scorer) { s.weights = t }
}

// WithTiers replaces the canonical tier table.
func WithTiers(t TierTable) Option {
	return func(s *Scorer) { s.tiers = t }
}

// WithClock overrides the assessment timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *Scorer) { s.clock = clock }
}

func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		tiers: MustTierTable(DefaultTiers),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.weights == nil {
		s.weights = signals.Default()
	}
	return s
}

// Tiers returns the tier table in use.
func (s *Scorer) Tiers() TierTable { return s.tiers }

// Evaluate sums signal contributions, clamps the total and maps it through
// the tier table. Signals that contribute nothing are dropped from the
// result; repeated kinds are merged.
func (s *Scorer) Evaluate(identity string, sigs []signals.Signal) Assessment {
	merged := make([]signals.Signal, 0, len(sigs))
	index := make(map[signals.Kind]int, len(sigs))
	for _, sig := range sigs {
		if i, ok := index[sig.Kind]; ok {
			merged[i].Count = saturatingAdd(merged[i].Count, sig.Count)
			continue
		}
		index[sig.Kind] = len(merged)
		merged = append(merged, sig)
	}

	raw := 0
	kept := make([]signals.Signal, 0, len(merged))
	for _, sig := range merged {
		points := s.weights.Contribution(sig)
		if points <= 0 {
			continue
		}
		raw = saturatingAdd(raw, points)
		kept = append(kept, sig)
	}

	score := Clamp(raw)
	tier := s.tiers.Lookup(score)
	return Assessment{
		Identity:   identity,
		Score:      score,
		Level:      tier.Level,
		Decision:   tier.Decision,
		Zone:       tier.Zone,
		Signals:    kept,
		Confidence: min(10*len(kept), 100),
		AssessedAt: s.clock().UTC(),
	}
}

func saturatingAdd(a, b int) int {
	if b > 0 && a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}
