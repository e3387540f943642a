package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/ztcore/pkg/risk"
	"github.com/Mindburn-Labs/ztcore/pkg/segment"
)

func runSegmentsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("segments", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	resource := cmd.String("resource", "", "Resource to check; omit to list accessible resources")
	score := cmd.Int("score", -1, "Risk score 0-100 (REQUIRED)")
	file := cmd.String("file", "", "Segment policy file (YAML or JSON)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *score < risk.MinScore || *score > risk.MaxScore {
		_, _ = fmt.Fprintf(stderr, "Error: -score must be within %d..%d\n", risk.MinScore, risk.MaxScore)
		return 2
	}

	pol := segment.Default()
	if *file != "" {
		p, err := segment.LoadFile(*file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		pol = p
	}

	if *resource == "" {
		_ = writeJSON(stdout, map[string]any{
			"current_risk": *score,
			"resources":    pol.AccessibleResources(*score),
		})
		return 0
	}
	v := pol.Check(*resource, *score)
	_ = writeJSON(stdout, v)
	if !v.Allowed {
		return 1
	}
	return 0
}
