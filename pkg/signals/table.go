package signals

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ztcore/pkg/eventstore"
)

var (
	ErrInvalidWeightTable      = errors.New("invalid weight table")
	ErrUnsupportedTableVersion = errors.New("unsupported weight table version")
)

// SupportedVersions is the table version range this build understands.
const SupportedVersions = ">=1.0.0, <2.0.0"

//go:embed weights.yaml
var defaultTable []byte

// Mode selects how a rule turns a count into points.
type Mode string

const (
	// ModePerOccurrence scores weight × count.
	ModePerOccurrence Mode = "per_occurrence"
	// ModeFlat scores weight once.
	ModeFlat Mode = "flat"
)

// Rule configures one signal kind.
type Rule struct {
	Kind         Kind          `yaml:"kind" json:"kind"`
	Window       time.Duration `yaml:"window" json:"window"`
	TriggerAbove int           `yaml:"trigger_above" json:"trigger_above"`
	Mode         Mode          `yaml:"mode" json:"mode"`
	Weight       int           `yaml:"weight" json:"weight"`
	Enabled      *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether the rule participates in collection. Rules are
// enabled unless explicitly disabled.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Triggered reports whether count exceeds the rule threshold.
func (r Rule) Triggered(count int) bool {
	return count > r.TriggerAbove
}

// Contribution returns the points a count adds to the raw score.
func (r Rule) Contribution(count int) int {
	if !r.Triggered(count) {
		return 0
	}
	if r.Mode == ModeFlat {
		return r.Weight
	}
	if r.Weight > 0 && count > math.MaxInt/r.Weight {
		return math.MaxInt
	}
	return r.Weight * count
}

// Table is a versioned weight table. It is immutable after Parse.
type Table struct {
	Version           string               `yaml:"version" json:"version"`
	Timezone          string               `yaml:"timezone" json:"timezone"`
	SensitiveKeywords []string             `yaml:"sensitive_keywords" json:"sensitive_keywords"`
	OddHours          eventstore.HourRange `yaml:"odd_hours" json:"odd_hours"`
	WeekendDays       []string             `yaml:"weekend_days" json:"weekend_days"`
	Rules             []Rule               `yaml:"rules" json:"rules"`

	version  *semver.Version
	loc      *time.Location
	weekend  []time.Weekday
	keywords []string
	byKind   map[Kind]Rule
}

// Parse decodes and validates a YAML weight table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWeightTable, err)
	}
	if err := t.compile(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadFile reads a weight table from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weight table %s: %w", path, err)
	}
	return Parse(data)
}

var loadDefault = sync.OnceValues(func() (*Table, error) {
	return Parse(defaultTable)
})

// Default returns the embedded weight table.
func Default() *Table {
	t, err := loadDefault()
	if err != nil {
		panic(fmt.Sprintf("signals: embedded weight table: %v", err))
	}
	return t
}

func (t *Table) compile() error {
	v, err := semver.NewVersion(t.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidWeightTable, t.Version, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedTableVersion, v, SupportedVersions)
	}
	t.version = v

	tz := t.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidWeightTable, tz, err)
	}
	t.loc = loc

	if t.OddHours.Start < 0 || t.OddHours.Start > 23 || t.OddHours.End < 0 || t.OddHours.End > 24 {
		return fmt.Errorf("%w: odd_hours out of range", ErrInvalidWeightTable)
	}

	t.weekend = t.weekend[:0]
	for _, name := range t.WeekendDays {
		d, ok := parseWeekday(name)
		if !ok {
			return fmt.Errorf("%w: unknown weekday %q", ErrInvalidWeightTable, name)
		}
		t.weekend = append(t.weekend, d)
	}

	t.keywords = t.keywords[:0]
	for _, k := range t.SensitiveKeywords {
		if k = strings.TrimSpace(k); k != "" {
			t.keywords = append(t.keywords, eventstore.FoldCase(k))
		}
	}

	t.byKind = make(map[Kind]Rule, len(t.Rules))
	for i, r := range t.Rules {
		switch {
		case !r.Kind.Known():
			return fmt.Errorf("%w: rule %d: unknown kind %q", ErrInvalidWeightTable, i, r.Kind)
		case r.Window <= 0:
			return fmt.Errorf("%w: rule %s: window must be positive", ErrInvalidWeightTable, r.Kind)
		case r.Weight < 0:
			return fmt.Errorf("%w: rule %s: negative weight", ErrInvalidWeightTable, r.Kind)
		case r.TriggerAbove < 0:
			return fmt.Errorf("%w: rule %s: negative trigger_above", ErrInvalidWeightTable, r.Kind)
		case r.Mode != ModePerOccurrence && r.Mode != ModeFlat:
			return fmt.Errorf("%w: rule %s: unknown mode %q", ErrInvalidWeightTable, r.Kind, r.Mode)
		}
		if _, dup := t.byKind[r.Kind]; dup {
			return fmt.Errorf("%w: duplicate rule %s", ErrInvalidWeightTable, r.Kind)
		}
		t.byKind[r.Kind] = r
	}
	return nil
}

// SemVer returns the parsed table version.
func (t *Table) SemVer() *semver.Version { return t.version }

// Location returns the zone used for hour and weekday tests.
func (t *Table) Location() *time.Location { return t.loc }

// Rule returns the rule for a kind.
func (t *Table) Rule(k Kind) (Rule, bool) {
	r, ok := t.byKind[k]
	return r, ok
}

// Enabled returns enabled rules in table order.
func (t *Table) Enabled() []Rule {
	out := make([]Rule, 0, len(t.Rules))
	for _, r := range t.Rules {
		if r.IsEnabled() {
			out = append(out, r)
		}
	}
	return out
}

// Contribution returns the points a signal adds under this table. Unknown
// or disabled kinds contribute nothing.
func (t *Table) Contribution(s Signal) int {
	r, ok := t.byKind[s.Kind]
	if !ok || !r.IsEnabled() {
		return 0
	}
	return r.Contribution(s.Count)
}

func parseWeekday(name string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), name) || strings.EqualFold(d.String()[:3], name) {
			return d, true
		}
	}
	return 0, false
}
