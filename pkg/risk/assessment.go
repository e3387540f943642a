package risk

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/ztcore/pkg/signals"
)

// Assessment is the outcome of one evaluation. It is never mutated; a newer
// assessment supersedes it.
type Assessment struct {
	Identity   string
	Score      int
	Level      Level
	Decision   Decision
	Zone       Zone
	Signals    []signals.Signal
	Confidence int
	AssessedAt time.Time
}

type assessmentWire struct {
	UserID     string    `json:"user_id"`
	RiskScore  int       `json:"risk_score"`
	RiskLevel  Level     `json:"risk_level"`
	Decision   Decision  `json:"decision"`
	Zone       Zone      `json:"zone"`
	Signals    []string  `json:"signals"`
	Confidence int       `json:"confidence"`
	AssessedAt time.Time `json:"assessed_at,omitzero"`
}

func (a Assessment) MarshalJSON() ([]byte, error) {
	w := assessmentWire{
		UserID:     a.Identity,
		RiskScore:  a.Score,
		RiskLevel:  a.Level,
		Decision:   a.Decision,
		Zone:       a.Zone,
		Signals:    make([]string, 0, len(a.Signals)),
		Confidence: a.Confidence,
		AssessedAt: a.AssessedAt,
	}
	for _, s := range a.Signals {
		w.Signals = append(w.Signals, s.String())
	}
	return json.Marshal(w)
}

var signalPattern = regexp.MustCompile(`^([A-Z_]+)\((\d+)\)$`)

func (a *Assessment) UnmarshalJSON(data []byte) error {
	var w assessmentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	sigs := make([]signals.Signal, 0, len(w.Signals))
	for _, s := range w.Signals {
		m := signalPattern.FindStringSubmatch(s)
		if m == nil {
			return fmt.Errorf("malformed signal %q", s)
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return fmt.Errorf("malformed signal %q: %w", s, err)
		}
		sigs = append(sigs, signals.Signal{Kind: signals.Kind(m[1]), Count: n})
	}
	*a = Assessment{
		Identity:   w.UserID,
		Score:      w.RiskScore,
		Level:      w.RiskLevel,
		Decision:   w.Decision,
		Zone:       w.Zone,
		Signals:    sigs,
		Confidence: w.Confidence,
		AssessedAt: w.AssessedAt,
	}
	return nil
}
