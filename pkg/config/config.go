// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Mindburn-Labs/ztcore/pkg/archive"
	"github.com/Mindburn-Labs/ztcore/pkg/ingest"
	"github.com/Mindburn-Labs/ztcore/pkg/ledger"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	WeightsFile  string
	SegmentsFile string

	Ledger  ledger.Config
	Archive archive.Config
	Kafka   ingest.KafkaConfig

	OTelEnabled     bool
	OTLPEndpoint    string
	OTelInsecure    bool
	ServiceName     string
	Environment     string
	MetricsExporter string

	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

// KafkaEnabled reports whether Kafka ingestion is configured.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

// Load loads configuration from environment variables. A .env file in the
// working directory is read first; variables already set take precedence.
// Every malformed variable is reported in the returned error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	defaults := ledger.DefaultConfig()
	cfg := &Config{
		Port:        str("PORT", "8080"),
		LogLevel:    strings.ToUpper(str("LOG_LEVEL", "INFO")),
		LogFormat:   strings.ToLower(str("LOG_FORMAT", "json")),
		DatabaseURL: str("DATABASE_URL", "memory"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       p.integer("REDIS_DB", 0),
		RedisTTL:      p.duration("REDIS_TTL", 0),

		WeightsFile:  os.Getenv("WEIGHTS_FILE"),
		SegmentsFile: os.Getenv("SEGMENTS_FILE"),

		Ledger: ledger.Config{
			BatchSize:          p.integer("LEDGER_BATCH_SIZE", defaults.BatchSize),
			Difficulty:         p.integer("LEDGER_DIFFICULTY", defaults.Difficulty),
			SealTimeout:        p.duration("LEDGER_SEAL_TIMEOUT", defaults.SealTimeout),
			MaxProofIterations: p.unsigned("LEDGER_MAX_PROOF_ITERATIONS", defaults.MaxProofIterations),
			RetryInterval:      p.duration("LEDGER_RETRY_INTERVAL", defaults.RetryInterval),
			VerifyInterval:     p.duration("LEDGER_VERIFY_INTERVAL", defaults.VerifyInterval),
		},
		Archive: archive.Config{
			Type: archive.StoreType(strings.ToLower(os.Getenv("ARCHIVE_STORAGE_TYPE"))),
			Dir:  str("ARCHIVE_DIR", "data/archive"),
			S3: archive.S3Config{
				Bucket:   os.Getenv("ARCHIVE_S3_BUCKET"),
				Region:   str("ARCHIVE_S3_REGION", "us-east-1"),
				Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
				Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
			},
			GCSBucket: os.Getenv("ARCHIVE_GCS_BUCKET"),
			GCSPrefix: os.Getenv("ARCHIVE_GCS_PREFIX"),
		},
		Kafka: ingest.KafkaConfig{
			Brokers: list(os.Getenv("KAFKA_BROKERS")),
			Topic:   str("KAFKA_TOPIC", "ztcore.events"),
			GroupID: str("KAFKA_GROUP_ID", "ztcore"),

			RetryMaxElapsed: p.duration("KAFKA_RETRY_MAX_ELAPSED", ingest.DefaultRetryMaxElapsed),
		},

		OTelEnabled:     p.boolean("OTEL_ENABLED", false),
		OTLPEndpoint:    str("OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure:    p.boolean("OTEL_INSECURE", false),
		ServiceName:     str("OTEL_SERVICE_NAME", "ztcore"),
		Environment:     str("ENVIRONMENT", "development"),
		MetricsExporter: strings.ToLower(str("METRICS_EXPORTER", "prometheus")),

		RateLimitRPS:    p.number("RATE_LIMIT_RPS", 50),
		RateLimitBurst:  p.integer("RATE_LIMIT_BURST", 100),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	switch cfg.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		p.fail("LOG_LEVEL", cfg.LogLevel, "want DEBUG, INFO, WARN or ERROR")
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		p.fail("LOG_FORMAT", cfg.LogFormat, "want json or text")
	}
	switch cfg.MetricsExporter {
	case "prometheus", "otlp", "none":
	default:
		p.fail("METRICS_EXPORTER", cfg.MetricsExporter, "want prometheus, otlp or none")
	}
	switch cfg.Archive.Type {
	case archive.StoreTypeNone, archive.StoreTypeFS, archive.StoreTypeS3, archive.StoreTypeGCS:
	default:
		p.fail("ARCHIVE_STORAGE_TYPE", string(cfg.Archive.Type), "want fs, s3 or gcs")
	}
	if cfg.RateLimitRPS <= 0 {
		p.fail("RATE_LIMIT_RPS", os.Getenv("RATE_LIMIT_RPS"), "must be positive")
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func list(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser accumulates one error per malformed variable.
type parser struct {
	errs []error
}

func (p *parser) fail(key, value, reason string) {
	p.errs = append(p.errs, fmt.Errorf("config: %s=%q: %s", key, value, reason))
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, "not an integer")
		return def
	}
	return n
}

func (p *parser) unsigned(key string, def uint64) uint64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(v, "_", ""), 10, 64)
	if err != nil {
		p.fail(key, v, "not a non-negative integer")
		return def
	}
	return n
}

func (p *parser) number(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, "not a number")
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, "not a boolean")
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		p.fail(key, v, "not a non-negative duration")
		return def
	}
	return d
}
