// Package risk aggregates weighted signals into a bounded score and maps the
// score to a level, an access decision and a network zone.
package risk

import (
	"errors"
	"fmt"
)

// ErrInvalidTierTable is returned when tiers do not partition 0..100.
var ErrInvalidTierTable = errors.New("invalid tier table")

const (
	MinScore = 0
	MaxScore = 100
)

type Level string

const (
	LevelMinimal  Level = "MINIMAL"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

type Decision string

const (
	DecisionAllow    Decision = "ALLOW"
	DecisionRestrict Decision = "RESTRICT"
	DecisionDeny     Decision = "DENY"
)

// Zone is the network zone an identity is placed in. Lower risk earns the
// more privileged zone.
type Zone string

const (
	ZoneCritical  Zone = "CRITICAL"
	ZoneSensitive Zone = "SENSITIVE"
	ZoneInternal  Zone = "INTERNAL"
	ZonePublic    Zone = "PUBLIC"
)

// Tier maps the inclusive score range [Min, Max] to an outcome.
type Tier struct {
	Min      int      `json:"min"`
	Max      int      `json:"max"`
	Level    Level    `json:"level"`
	Decision Decision `json:"decision"`
	Zone     Zone     `json:"zone"`
}

// TierTable is an ordered partition of 0..100.
type TierTable struct {
	tiers []Tier
}

// DefaultTiers is the canonical tier table.
var DefaultTiers = []Tier{
	{Min: 0, Max: 20, Level: LevelLow, Decision: DecisionAllow, Zone: ZoneCritical},
	{Min: 21, Max: 40, Level: LevelMedium, Decision: DecisionAllow, Zone: ZoneSensitive},
	{Min: 41, Max: 60, Level: LevelHigh, Decision: DecisionRestrict, Zone: ZoneInternal},
	{Min: 61, Max: 100, Level: LevelCritical, Decision: DecisionDeny, Zone: ZonePublic},
}

// NewTierTable validates that tiers are ordered, contiguous and cover
// exactly MinScore..MaxScore.
func NewTierTable(tiers []Tier) (TierTable, error) {
	if len(tiers) == 0 {
		return TierTable{}, fmt.Errorf("%w: no tiers", ErrInvalidTierTable)
	}
	next := MinScore
	for i, t := range tiers {
		if t.Min != next {
			return TierTable{}, fmt.Errorf("%w: tier %d starts at %d, want %d", ErrInvalidTierTable, i, t.Min, next)
		}
		if t.Max < t.Min {
			return TierTable{}, fmt.Errorf("%w: tier %d is empty", ErrInvalidTierTable, i)
		}
		if t.Level == "" || t.Decision == "" || t.Zone == "" {
			return TierTable{}, fmt.Errorf("%w: tier %d incomplete", ErrInvalidTierTable, i)
		}
		next = t.Max + 1
	}
	if next != MaxScore+1 {
		return TierTable{}, fmt.Errorf("%w: tiers end at %d, want %d", ErrInvalidTierTable, next-1, MaxScore)
	}
	return TierTable{tiers: append([]Tier(nil), tiers...)}, nil
}

// MustTierTable is NewTierTable that panics on error.
func MustTierTable(tiers []Tier) TierTable {
	t, err := NewTierTable(tiers)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the tier containing score after clamping.
func (t TierTable) Lookup(score int) Tier {
	score = Clamp(score)
	for _, tier := range t.tiers {
		if score <= tier.Max {
			return tier
		}
	}
	return t.tiers[len(t.tiers)-1]
}

// Tiers returns a copy of the table rows.
func (t TierTable) Tiers() []Tier {
	return append([]Tier(nil), t.tiers...)
}

// Clamp bounds a raw score to MinScore..MaxScore.
func Clamp(score int) int {
	return min(max(score, MinScore), MaxScore)
}

// LegacyDecision applies the threshold rule of the older access service
// (>=90 deny, >=50 restrict). It is kept for discrepancy reports only.
func LegacyDecision(score int) Decision {
	score = Clamp(score)
	switch {
	case score >= 90:
		return DecisionDeny
	case score >= 50:
		return DecisionRestrict
	}
	return DecisionAllow
}
