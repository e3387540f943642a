package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/ztcore/pkg/engine"
	"github.com/Mindburn-Labs/ztcore/pkg/events"
	"github.com/Mindburn-Labs/ztcore/pkg/eventstore"
	"github.com/Mindburn-Labs/ztcore/pkg/ingest"
	"github.com/Mindburn-Labs/ztcore/pkg/risk"
	"github.com/Mindburn-Labs/ztcore/pkg/signals"
)

// runScoreCmd scores one identity offline. Nothing is audited.
func runScoreCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("score", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	eventsFile := cmd.String("events", "", "NDJSON event file, or - for stdin (REQUIRED)")
	identity := cmd.String("identity", "", "Identity to score (REQUIRED)")
	asOfRaw := cmd.String("as-of", "", "Evaluation time (RFC3339 or ISO-8601; default now)")
	weights := cmd.String("weights", "", "Signal weight table (YAML or JSON)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *eventsFile == "" || *identity == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -events and -identity are required")
		return 2
	}

	var asOf time.Time
	if *asOfRaw != "" {
		t, err := events.ParseTimestamp(*asOfRaw)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: -as-of: %v\n", err)
			return 2
		}
		asOf = t
	}

	tbl := signals.Default()
	if *weights != "" {
		t, err := signals.LoadFile(*weights)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		tbl = t
	}

	var in io.Reader = os.Stdin
	if *eventsFile != "-" {
		f, err := os.Open(*eventsFile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	evs := eventstore.NewMemoryStore()
	eng, err := engine.New(evs, nil,
		engine.WithCollector(signals.NewCollector(evs, signals.WithTable(tbl))),
		engine.WithScorer(risk.NewScorer(risk.WithWeights(tbl))),
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	dec, err := events.NewDecoder()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	stats, err := ingest.ReadNDJSON(ctx, in, dec, ingest.DefaultBatchSize, eng.Ingest)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: reading events: %v\n", err)
		return 1
	}
	if stats.Dropped > 0 {
		_, _ = fmt.Fprintf(stderr, "Warning: dropped %d invalid event(s)\n", stats.Dropped)
	}

	a, err := eng.Assess(ctx, *identity, asOf)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSON(stdout, a); err != nil {
		return 1
	}
	return 0
}
