package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/ztcore/pkg/api"
	"github.com/Mindburn-Labs/ztcore/pkg/config"
	"github.com/Mindburn-Labs/ztcore/pkg/events"
	"github.com/Mindburn-Labs/ztcore/pkg/ingest"
	"github.com/Mindburn-Labs/ztcore/pkg/observability"
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	port := cmd.String("port", "", "Listen port (overrides PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *port != "" {
		cfg.Port = *port
	}

	logger := observability.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.Error("listen failed", "port", cfg.Port, "error", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "ztcore %s listening on %s\n", version, ln.Addr())
	if err := serve(ctx, cfg, ln, logger); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

// serve runs the service on ln until ctx is done, then drains HTTP, stops
// the background workers and seals whatever is still pending. Requests are
// accepted only once the sealer worker is running.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener, logger *slog.Logger) error {
	obs, err := observability.New(ctx, observability.Config{
		ServiceName:     cfg.ServiceName,
		ServiceVersion:  version,
		Environment:     cfg.Environment,
		OTLPEndpoint:    cfg.OTLPEndpoint,
		Insecure:        cfg.OTelInsecure,
		TracingEnabled:  cfg.OTelEnabled,
		SampleRate:      1.0,
		BatchTimeout:    5 * time.Second,
		MetricsExporter: cfg.MetricsExporter,
		MetricInterval:  15 * time.Second,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	st, err := buildStack(ctx, cfg, logger, telemetry{meter: obs.Meter(), tracer: obs.Tracer()})
	if err != nil {
		_ = ln.Close()
		_ = obs.Shutdown(context.Background())
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	dec, err := events.NewDecoder(events.WithLogger(logger.With("component", "events")))
	if err != nil {
		_ = ln.Close()
		return err
	}

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := st.ledger.Run(workCtx); err != nil {
			logger.Error("ledger sealer stopped", "error", err)
		}
	}()

	select {
	case <-st.ledger.Started():
	case <-ctx.Done():
	}

	srvOpts := []api.Option{
		api.WithLogger(logger.With("component", "api")),
		api.WithRateLimiter(api.NewRateLimiter(workCtx, cfg.RateLimitRPS, cfg.RateLimitBurst)),
	}

	if cfg.KafkaEnabled() {
		var stopped atomic.Pointer[error]
		src := ingest.NewKafkaSource(cfg.Kafka, dec, logger.With("component", "kafka"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer src.Close()
			if err := src.Run(workCtx, st.engine.Ingest); err != nil && !errors.Is(err, context.Canceled) {
				err = fmt.Errorf("ingestion stopped: %w", err)
				stopped.Store(&err)
				logger.Error("kafka ingestion stopped", "error", err)
			}
		}()
		srvOpts = append(srvOpts, api.WithHealthCheck("kafka", func() error {
			if err := stopped.Load(); err != nil {
				return *err
			}
			return nil
		}))
		logger.Info("kafka: consuming", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID)
	}
	if h := obs.MetricsHandler(); h != nil {
		srvOpts = append(srvOpts, api.WithMetricsHandler(h))
	}
	srv := &http.Server{
		Handler:           api.NewServer(st.engine, dec, srvOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("http: serving", "addr", ln.Addr().String())

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	cancelWork()
	wg.Wait()

	st.ledger.Close()
	if blocks, err := st.ledger.Flush(shutdownCtx); err != nil {
		logger.Warn("pending transactions not sealed at shutdown", "pending", st.ledger.PendingLen(), "error", err)
	} else if len(blocks) > 0 {
		logger.Info("sealed pending transactions at shutdown", "blocks", len(blocks))
	}
	if n := st.ledger.RedeliverSinks(shutdownCtx); n > 0 {
		logger.Error("blocks not delivered to every sink at shutdown", "undelivered", n)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown incomplete", "error", err)
	}
	return serveErr
}
