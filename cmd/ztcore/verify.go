package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/ztcore/pkg/ledger"
	"github.com/Mindburn-Labs/ztcore/pkg/store"
)

// runVerifyCmd reloads a persisted chain and checks it block by block.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dsn := cmd.String("db", "", "Database URL holding the ledger (REQUIRED)")
	difficulty := cmd.Int("difficulty", ledger.DefaultConfig().Difficulty, "Proof-of-work difficulty the chain was sealed with")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *dsn == "" || *dsn == "memory" {
		_, _ = fmt.Fprintln(stderr, "Error: -db must name a persistent database")
		return 2
	}

	ctx := context.Background()
	db, _, err := openDatabase(ctx, *dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	blocks, err := store.NewSQLBlockStore(db).List(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(blocks) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: no blocks found")
		return 1
	}

	res := ledger.VerifyBlocks(blocks, *difficulty)
	_ = writeJSON(stdout, struct {
		ledger.VerifyResult
		Blocks int `json:"blocks"`
	}{res, len(blocks)})
	if !res.Valid {
		return 1
	}
	return 0
}
