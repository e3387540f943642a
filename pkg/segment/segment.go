// Package segment maps protected resources to access zones and decides
// whether a risk score may reach them.
package segment

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

var ErrInvalidSegment = errors.New("invalid segment")

// UnknownSegment is reported for resources no segment claims.
const UnknownSegment = "unknown"

const (
	reasonGranted   = "Access granted"
	reasonNotFound  = "Resource not found in any segment"
	reasonCondition = "Segment condition not satisfied"
)

// Segment groups resources under one risk ceiling.
type Segment struct {
	Name      string   `yaml:"name" json:"name"`
	Resources []string `yaml:"resources" json:"resources"`
	MaxRisk   int      `yaml:"max_risk" json:"max_risk"`
	// Condition is an optional CEL expression over score, resource and
	// segment that must also hold for access.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	program cel.Program
}

// DefaultSegments are the four fixed zones.
var DefaultSegments = []Segment{
	{Name: "public", Resources: []string{"dashboard", "profile"}, MaxRisk: 100},
	{Name: "internal", Resources: []string{"reports", "analytics"}, MaxRisk: 50},
	{Name: "sensitive", Resources: []string{"admin", "config", "credentials"}, MaxRisk: 30},
	{Name: "critical", Resources: []string{"database", "secrets", "keys"}, MaxRisk: 10},
}

// Verdict is the result of a Check.
type Verdict struct {
	Segment     string `json:"segment"`
	Allowed     bool   `json:"allowed"`
	MaxRisk     int    `json:"max_risk"`
	CurrentRisk int    `json:"current_risk"`
	Reason      string `json:"reason"`
}

// Policy is an immutable resource to segment lookup. It needs no locking.
type Policy struct {
	segments []Segment
	index    map[string]int
}

// New validates segments and compiles their conditions.
func New(segments []Segment) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("score", cel.IntType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("segment", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	p := &Policy{index: make(map[string]int)}
	names := make(map[string]bool, len(segments))
	for i, s := range segments {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" || s.Name == UnknownSegment {
			return nil, fmt.Errorf("%w: segment %d has reserved or empty name %q", ErrInvalidSegment, i, s.Name)
		}
		if names[s.Name] {
			return nil, fmt.Errorf("%w: duplicate segment %s", ErrInvalidSegment, s.Name)
		}
		names[s.Name] = true
		if s.MaxRisk < 0 {
			return nil, fmt.Errorf("%w: segment %s: negative max_risk", ErrInvalidSegment, s.Name)
		}

		resources := make([]string, 0, len(s.Resources))
		for _, r := range s.Resources {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			if owner, taken := p.index[r]; taken {
				return nil, fmt.Errorf("%w: resource %s in both %s and %s", ErrInvalidSegment, r, p.segments[owner].Name, s.Name)
			}
			p.index[r] = len(p.segments)
			resources = append(resources, r)
		}
		s.Resources = resources

		if s.Condition != "" {
			ast, issues := env.Compile(s.Condition)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("%w: segment %s condition: %v", ErrInvalidSegment, s.Name, issues.Err())
			}
			if !ast.OutputType().IsExactType(cel.BoolType) {
				return nil, fmt.Errorf("%w: segment %s condition must be boolean", ErrInvalidSegment, s.Name)
			}
			prg, err := env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				return nil, fmt.Errorf("%w: segment %s program: %v", ErrInvalidSegment, s.Name, err)
			}
			s.program = prg
		}
		p.segments = append(p.segments, s)
	}
	return p, nil
}

// Default returns the policy built from DefaultSegments.
func Default() *Policy {
	p, err := New(DefaultSegments)
	if err != nil {
		panic(err)
	}
	return p
}

type document struct {
	Segments []Segment `yaml:"segments"`
}

// Parse reads a YAML segments document.
func Parse(data []byte) (*Policy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSegment, err)
	}
	if len(doc.Segments) == 0 {
		return nil, fmt.Errorf("%w: no segments defined", ErrInvalidSegment)
	}
	return New(doc.Segments)
}

// LoadFile reads a YAML segments file from disk.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read segments %s: %w", path, err)
	}
	return Parse(data)
}

// Lookup returns the segment owning resource.
func (p *Policy) Lookup(resource string) (Segment, bool) {
	i, ok := p.index[strings.TrimSpace(resource)]
	if !ok {
		return Segment{}, false
	}
	return p.segments[i], true
}

// Segments returns the configured segments in declaration order.
func (p *Policy) Segments() []Segment {
	out := make([]Segment, len(p.segments))
	for i, s := range p.segments {
		s.Resources = slices.Clone(s.Resources)
		s.program = nil
		out[i] = s
	}
	return out
}

// Check decides whether score may access resource. Unknown resources are
// denied.
func (p *Policy) Check(resource string, score int) Verdict {
	resource = strings.TrimSpace(resource)
	s, ok := p.Lookup(resource)
	if !ok {
		return Verdict{Segment: UnknownSegment, Allowed: false, CurrentRisk: score, Reason: reasonNotFound}
	}
	v := Verdict{Segment: s.Name, MaxRisk: s.MaxRisk, CurrentRisk: score}
	if score > s.MaxRisk {
		v.Reason = fmt.Sprintf("Risk score %d exceeds limit %d", score, s.MaxRisk)
		return v
	}
	if !s.admits(resource, score) {
		v.Reason = reasonCondition
		return v
	}
	v.Allowed = true
	v.Reason = reasonGranted
	return v
}

// AccessibleResources lists, sorted, every resource Check would allow at score.
func (p *Policy) AccessibleResources(score int) []string {
	out := []string{}
	for _, s := range p.segments {
		if score > s.MaxRisk {
			continue
		}
		for _, r := range s.Resources {
			if s.admits(r, score) {
				out = append(out, r)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// admits evaluates the segment condition. Evaluation errors deny.
func (s Segment) admits(resource string, score int) bool {
	if s.program == nil {
		return true
	}
	out, _, err := s.program.Eval(map[string]any{
		"score":    int64(score),
		"resource": resource,
		"segment":  s.Name,
	})
	if err != nil {
		return false
	}
	allowed, ok := out.Value().(bool)
	return ok && allowed
}
