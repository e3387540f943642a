package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/ztcore/pkg/archive"
	"github.com/Mindburn-Labs/ztcore/pkg/config"
	"github.com/Mindburn-Labs/ztcore/pkg/engine"
	"github.com/Mindburn-Labs/ztcore/pkg/eventstore"
	"github.com/Mindburn-Labs/ztcore/pkg/ledger"
	"github.com/Mindburn-Labs/ztcore/pkg/risk"
	"github.com/Mindburn-Labs/ztcore/pkg/segment"
	"github.com/Mindburn-Labs/ztcore/pkg/signals"
	"github.com/Mindburn-Labs/ztcore/pkg/store"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// openDatabase maps DATABASE_URL onto a driver. "memory" yields a nil
// handle; sqlite://path, file: DSNs and *.db paths use SQLite; postgres://
// and postgresql:// use lib/pq.
func openDatabase(ctx context.Context, url string) (*sql.DB, string, error) {
	var driver, dsn string
	switch {
	case url == "" || url == "memory":
		return nil, "memory", nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		driver, dsn = "postgres", url
	case strings.HasPrefix(url, "sqlite://"):
		driver, dsn = "sqlite", strings.TrimPrefix(url, "sqlite://")
	case strings.HasPrefix(url, "file:"), strings.HasSuffix(url, ".db"), url == ":memory:":
		driver, dsn = "sqlite", url
	default:
		return nil, "", fmt.Errorf("unsupported DATABASE_URL %q", url)
	}

	if driver == "sqlite" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, "", fmt.Errorf("failed to create data dir: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer; an in-memory database exists per connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("%s ping failed: %w", driver, err)
	}
	return db, driver, nil
}

// stack is the assembled service.
type stack struct {
	engine   *engine.Engine
	ledger   *ledger.Ledger
	blocks   *store.SQLBlockStore
	archiver *archive.Archiver
	closers  []func() error
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

type telemetry struct {
	meter  metric.Meter
	tracer trace.Tracer
}

func loadPolicies(cfg *config.Config) (*signals.Table, *segment.Policy, error) {
	tbl := signals.Default()
	if cfg.WeightsFile != "" {
		t, err := signals.LoadFile(cfg.WeightsFile)
		if err != nil {
			return nil, nil, err
		}
		tbl = t
	}
	pol := segment.Default()
	if cfg.SegmentsFile != "" {
		p, err := segment.LoadFile(cfg.SegmentsFile)
		if err != nil {
			return nil, nil, err
		}
		pol = p
	}
	return tbl, pol, nil
}

// buildStack wires storage, the ledger and its sinks, and the engine. A
// persisted chain is verified and restored; a fresh one has its genesis
// block written to every sink.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, tel telemetry) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	tbl, pol, err := loadPolicies(cfg)
	if err != nil {
		return nil, err
	}

	db, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	var events eventstore.Store = eventstore.NewMemoryStore()
	var history []ledger.Block
	if db != nil {
		st.closers = append(st.closers, db.Close)
		sqlEvents := eventstore.NewSQLStore(db)
		if err := sqlEvents.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to init event store: %w", err)
		}
		events = sqlEvents

		st.blocks = store.NewSQLBlockStore(db)
		if err := st.blocks.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to init block store: %w", err)
		}
		if history, err = st.blocks.List(ctx); err != nil {
			return nil, fmt.Errorf("failed to load ledger history: %w", err)
		}
	}
	logger.InfoContext(ctx, "storage ready", "driver", driver, "persisted_blocks", len(history))

	var assessments store.AssessmentStore = store.NewMemoryAssessmentStore()
	if cfg.RedisAddr != "" {
		rs := store.NewRedisAssessmentStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		st.closers = append(st.closers, rs.Close)
		if err := rs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		assessments = rs
		logger.InfoContext(ctx, "redis: connected", "addr", cfg.RedisAddr)
	}

	opts := []ledger.Option{
		ledger.WithLogger(logger.With("component", "ledger")),
		ledger.WithMeter(tel.meter),
		ledger.WithTracer(tel.tracer),
	}
	if st.blocks != nil {
		opts = append(opts, ledger.WithSink(st.blocks))
	}
	if a, err := archive.NewStore(ctx, cfg.Archive); err == nil {
		st.archiver = archive.NewArchiver(a, logger.With("component", "archive"))
		opts = append(opts, ledger.WithSink(st.archiver))
		logger.InfoContext(ctx, "archive: enabled", "type", cfg.Archive.Type)
	} else if !errors.Is(err, archive.ErrDisabled) {
		return nil, err
	}
	if len(history) > 0 {
		opts = append(opts, ledger.WithHistory(history))
	}

	st.ledger, err = ledger.New(cfg.Ledger, opts...)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		genesis := st.ledger.Tip()
		if st.blocks != nil {
			if err := st.blocks.BlockSealed(ctx, genesis); err != nil {
				return nil, fmt.Errorf("failed to persist genesis block: %w", err)
			}
		}
		if st.archiver != nil {
			if err := st.archiver.BlockSealed(ctx, genesis); err != nil {
				return nil, fmt.Errorf("failed to archive genesis block: %w", err)
			}
		}
	}

	st.engine, err = engine.New(events, st.ledger,
		engine.WithCollector(signals.NewCollector(events,
			signals.WithTable(tbl),
			signals.WithLogger(logger.With("component", "signals")))),
		engine.WithScorer(risk.NewScorer(risk.WithWeights(tbl))),
		engine.WithSegments(pol),
		engine.WithAssessmentStore(assessments),
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithMeter(tel.meter),
		engine.WithTracer(tel.tracer),
	)
	if err != nil {
		return nil, err
	}
	return st, nil
}
