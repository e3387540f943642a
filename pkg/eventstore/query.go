// Package eventstore holds the historical event window queried by the signal
// collector. The collector only ever asks one question: how many events of a
// kind matched a predicate inside a trailing window.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/Mindburn-Labs/ztcore/pkg/events"
)

// ErrInvalidQuery is returned for queries missing identity, kind or window.
var ErrInvalidQuery = errors.New("invalid event query")

// Store is the event history consumed by the collector.
type Store interface {
	// Append records events. Events are immutable once appended.
	Append(ctx context.Context, evs ...events.Event) error
	// CountEvents counts events matching q.
	CountEvents(ctx context.Context, q Query) (int, error)
}

// Field names an event attribute used for distinct counting.
type Field string

const (
	FieldNone     Field = ""
	FieldSourceIP Field = "source_ip"
	FieldRemoteIP Field = "remote_ip"
	FieldFileName Field = "file_name"
)

// Query selects events of one kind for one identity in (AsOf-Window, AsOf].
type Query struct {
	Identity string
	Kind     events.Kind
	AsOf     time.Time
	Window   time.Duration
	Match    Match
	// Distinct, when set, counts distinct values of the field instead of events.
	Distinct Field
}

// Validate checks the query is answerable.
func (q Query) Validate() error {
	switch {
	case q.Identity == "":
		return fmt.Errorf("%w: identity required", ErrInvalidQuery)
	case !q.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidQuery, q.Kind)
	case q.Window <= 0:
		return fmt.Errorf("%w: window must be positive", ErrInvalidQuery)
	case q.AsOf.IsZero():
		return fmt.Errorf("%w: as-of time required", ErrInvalidQuery)
	}
	return nil
}

// Bounds returns the exclusive lower and inclusive upper window bounds.
func (q Query) Bounds() (from, to time.Time) {
	to = q.AsOf.UTC()
	return to.Add(-q.Window), to
}

// InWindow reports whether ts falls in the query window.
func (q Query) InWindow(ts time.Time) bool {
	from, to := q.Bounds()
	return ts.After(from) && !ts.After(to)
}

// HourRange is a half-open [Start, End) hour interval that wraps midnight
// when Start > End.
type HourRange struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Contains reports whether hour lies in the range.
func (h HourRange) Contains(hour int) bool {
	if h.Start <= h.End {
		return hour >= h.Start && hour < h.End
	}
	return hour >= h.Start || hour < h.End
}

// Match is a predicate over a single event. Zero fields match everything.
type Match struct {
	Success  *bool
	External *bool
	Actions  []events.FileAction
	// NameContains matches when the file name contains any keyword (case-folded).
	NameContains []string
	// NameExcludes rejects file names containing any keyword (case-folded).
	NameExcludes []string
	Hours        *HourRange
	Weekdays     []time.Weekday
	// Location is used for hour and weekday tests; nil means UTC.
	Location *time.Location
}

// Matches reports whether ev satisfies the predicate.
func (m Match) Matches(ev events.Event) bool {
	if m.Success != nil && ev.Success != *m.Success {
		return false
	}
	if m.External != nil && ev.External != *m.External {
		return false
	}
	if len(m.Actions) > 0 && !slices.Contains(m.Actions, ev.Action) {
		return false
	}
	if len(m.NameContains) > 0 || len(m.NameExcludes) > 0 {
		name := FoldCase(ev.FileName)
		if len(m.NameContains) > 0 && !containsAny(name, m.NameContains) {
			return false
		}
		if containsAny(name, m.NameExcludes) {
			return false
		}
	}
	if m.Hours != nil && !m.Hours.Contains(ev.HourOfDay(m.Location)) {
		return false
	}
	if len(m.Weekdays) > 0 && !slices.Contains(m.Weekdays, ev.Weekday(m.Location)) {
		return false
	}
	return true
}

// FoldCase applies Unicode full case folding. Keywords passed in Match must
// already be folded.
func FoldCase(s string) string {
	return cases.Fold().String(s)
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// counter accumulates matches for a query; both stores share it so the
// semantics do not drift between backends.
type counter struct {
	q    Query
	n    int
	seen map[string]struct{}
}

func newCounter(q Query) *counter {
	c := &counter{q: q}
	if q.Distinct != FieldNone {
		c.seen = make(map[string]struct{})
	}
	return c
}

func (c *counter) observe(ev events.Event) {
	if ev.Kind != c.q.Kind || ev.UserID != c.q.Identity || !c.q.InWindow(ev.Timestamp) {
		return
	}
	if !c.q.Match.Matches(ev) {
		return
	}
	if c.seen == nil {
		c.n++
		return
	}
	c.seen[fieldValue(ev, c.q.Distinct)] = struct{}{}
}

func (c *counter) count() int {
	if c.seen != nil {
		return len(c.seen)
	}
	return c.n
}

func fieldValue(ev events.Event, f Field) string {
	switch f {
	case FieldSourceIP:
		return ev.SourceIP
	case FieldRemoteIP:
		return ev.RemoteIP
	case FieldFileName:
		return ev.FileName
	}
	return ""
}
