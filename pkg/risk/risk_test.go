package risk

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ztcore/pkg/signals"
)

var fixed = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

func newTestScorer() *Scorer {
	return NewScorer(WithClock(func() time.Time { return fixed }))
}

func TestTierBoundaries(t *testing.T) {
	table := MustTierTable(DefaultTiers)
	tests := []struct {
		score    int
		level    Level
		decision Decision
		zone     Zone
	}{
		{-5, LevelLow, DecisionAllow, ZoneCritical},
		{0, LevelLow, DecisionAllow, ZoneCritical},
		{20, LevelLow, DecisionAllow, ZoneCritical},
		{21, LevelMedium, DecisionAllow, ZoneSensitive},
		{40, LevelMedium, DecisionAllow, ZoneSensitive},
		{41, LevelHigh, DecisionRestrict, ZoneInternal},
		{60, LevelHigh, DecisionRestrict, ZoneInternal},
		{61, LevelCritical, DecisionDeny, ZonePublic},
		{100, LevelCritical, DecisionDeny, ZonePublic},
		{250, LevelCritical, DecisionDeny, ZonePublic},
	}
	for _, tc := range tests {
		tier := table.Lookup(tc.score)
		assert.Equal(t, tc.level, tier.Level, "score %d", tc.score)
		assert.Equal(t, tc.decision, tier.Decision, "score %d", tc.score)
		assert.Equal(t, tc.zone, tier.Zone, "score %d", tc.score)
	}
}

func TestTierTableIsTotal(t *testing.T) {
	table := MustTierTable(DefaultTiers)
	for score := MinScore; score <= MaxScore; score++ {
		tier := table.Lookup(score)
		assert.True(t, score >= tier.Min && score <= tier.Max, "score %d", score)
	}
}

func TestNewTierTable_Invalid(t *testing.T) {
	cases := map[string][]Tier{
		"empty":   nil,
		"gap":     {{Min: 0, Max: 20, Level: LevelLow, Decision: DecisionAllow, Zone: ZoneCritical}, {Min: 22, Max: 100, Level: LevelHigh, Decision: DecisionDeny, Zone: ZonePublic}},
		"overlap": {{Min: 0, Max: 50, Level: LevelLow, Decision: DecisionAllow, Zone: ZoneCritical}, {Min: 40, Max: 100, Level: LevelHigh, Decision: DecisionDeny, Zone: ZonePublic}},
		"short":   {{Min: 0, Max: 90, Level: LevelLow, Decision: DecisionAllow, Zone: ZoneCritical}},
		"late":    {{Min: 1, Max: 100, Level: LevelLow, Decision: DecisionAllow, Zone: ZoneCritical}},
		"partial": {{Min: 0, Max: 100, Level: LevelLow}},
	}
	for name, tiers := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTierTable(tiers)
			assert.ErrorIs(t, err, ErrInvalidTierTable)
		})
	}
	assert.Panics(t, func() { MustTierTable(nil) })
}

func TestEvaluate_Scenarios(t *testing.T) {
	s := newTestScorer()

	a := s.Evaluate("alice", []signals.Signal{{Kind: signals.OddHourLogin, Count: 1}})
	assert.Equal(t, 8, a.Score)
	assert.Equal(t, LevelLow, a.Level)
	assert.Equal(t, DecisionAllow, a.Decision)
	assert.Equal(t, ZoneCritical, a.Zone)
	assert.Equal(t, 10, a.Confidence)

	a = s.Evaluate("alice", []signals.Signal{{Kind: signals.FailedLogin, Count: 4}})
	assert.Equal(t, 20, a.Score)
	assert.Equal(t, LevelLow, a.Level)
	assert.Equal(t, DecisionAllow, a.Decision)
}

func TestEvaluate_UnknownIdentity(t *testing.T) {
	a := newTestScorer().Evaluate("ghost", nil)
	assert.Equal(t, "ghost", a.Identity)
	assert.Zero(t, a.Score)
	assert.Equal(t, LevelLow, a.Level)
	assert.Equal(t, DecisionAllow, a.Decision)
	assert.Equal(t, ZoneCritical, a.Zone)
	assert.Empty(t, a.Signals)
	assert.Zero(t, a.Confidence)
	assert.Equal(t, fixed, a.AssessedAt)
}

func TestEvaluate_ClampsAndConfidence(t *testing.T) {
	sigs := []signals.Signal{
		{Kind: signals.CriticalFileEdit, Count: 3}, // 60
		{Kind: signals.MassDelete, Count: 11},      // 25
		{Kind: signals.FileDeletion, Count: 11},    // 165
		{Kind: signals.FailedLogin, Count: 2},      // below threshold
		{Kind: signals.ExternalNetwork, Count: 9},  // disabled
		{Kind: signals.OddHourLogin, Count: 1},
		{Kind: signals.OddHourLogin, Count: 1},     // merged into 2
	}
	a := newTestScorer().Evaluate("bob", sigs)
	assert.Equal(t, 100, a.Score)
	assert.Equal(t, LevelCritical, a.Level)
	assert.Equal(t, DecisionDeny, a.Decision)
	assert.Equal(t, ZonePublic, a.Zone)
	require.Len(t, a.Signals, 4)
	assert.Equal(t, signals.Signal{Kind: signals.OddHourLogin, Count: 2}, a.Signals[3])
	assert.Equal(t, 40, a.Confidence)
}

func TestEvaluate_ConfidenceCapped(t *testing.T) {
	var sigs []signals.Signal
	for _, k := range signals.Kinds {
		sigs = append(sigs, signals.Signal{Kind: k, Count: 500})
	}
	table, err := signals.Parse([]byte(`
version: "1.0.0"
rules:
` + rulesAllEnabled()))
	require.NoError(t, err)

	a := NewScorer(WithWeights(table)).Evaluate("carol", sigs)
	assert.Equal(t, 100, a.Confidence)
	assert.Equal(t, 100, a.Score)
}

func rulesAllEnabled() string {
	out := ""
	for _, k := range signals.Kinds {
		out += "  - {kind: " + string(k) + ", window: 1h, mode: flat, weight: 10}\n"
	}
	return out
}

func TestAssessmentJSON(t *testing.T) {
	a := newTestScorer().Evaluate("alice", []signals.Signal{
		{Kind: signals.OddHourLogin, Count: 3},
		{Kind: signals.FailedLogin, Count: 5},
	})
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"user_id": "alice",
		"risk_score": 44,
		"risk_level": "HIGH",
		"decision": "RESTRICT",
		"zone": "INTERNAL",
		"signals": ["ODD_HOUR_LOGIN(3)", "FAILED_LOGIN(5)"],
		"confidence": 20,
		"assessed_at": "2026-03-09T12:00:00Z"
	}`, string(data))

	var back Assessment
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, a, back)

	empty, err := json.Marshal(Assessment{Identity: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(empty), `"signals":[]`)
	assert.NotContains(t, string(empty), "assessed_at")

	assert.Error(t, json.Unmarshal([]byte(`{"signals":["nope"]}`), &back))
}

func TestLegacyDecision(t *testing.T) {
	assert.Equal(t, DecisionAllow, LegacyDecision(49))
	assert.Equal(t, DecisionRestrict, LegacyDecision(50))
	assert.Equal(t, DecisionRestrict, LegacyDecision(89))
	assert.Equal(t, DecisionDeny, LegacyDecision(90))
	assert.Equal(t, DecisionDeny, LegacyDecision(1000))

	// The two tables disagree in the 41..49 and 61..89 bands.
	table := MustTierTable(DefaultTiers)
	assert.NotEqual(t, LegacyDecision(45), table.Lookup(45).Decision)
	assert.NotEqual(t, LegacyDecision(70), table.Lookup(70).Decision)
}
