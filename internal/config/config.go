// Package config reads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fpang/tryon-studio/internal/generation"
	"github.com/fpang/tryon-studio/internal/provider"
	"github.com/fpang/tryon-studio/internal/store"
)

// Default SSM parameter paths for provider credentials.
const (
	DefaultTryOnTokenParam   = "/tryon-studio/prod/tryon-api-token"
	DefaultCompositeKeyParam = "/tryon-studio/prod/composite-api-key"
	DefaultCompositeModel    = "fal-ai/image-composite"
)

// Config is the full service configuration.
type Config struct {
	TableName     string
	Buckets       generation.Buckets
	StagingBucket string
	Region        string
	// PublicBaseURL overrides the S3 host in public artifact URLs.
	PublicBaseURL string

	TryOnBaseURL      string
	TryOnToken        string
	TryOnModelVersion string
	TryOnTokenParam   string

	CompositeBaseURL       string
	CompositeKey           string
	CompositeModel         string
	CompositeKeyParam      string
	CompositeWait          bool
	CompositePollInterval  time.Duration
	CompositeWaitTimeout   time.Duration
	CompositeIngestTimeout time.Duration

	SignedURLExpiry  time.Duration
	StaleAfter       time.Duration
	RecordTTL        time.Duration
	SweepConcurrency int

	PublishEvents bool
	EventBusName  string
}

// Load reads the configuration. All invalid values are reported together.
func Load() (Config, error) {
	p := parser{}
	cfg := Config{
		TableName: os.Getenv("GENERATIONS_TABLE_NAME"),
		Buckets: generation.Buckets{
			TryOn:     envOr("TRYON_BUCKET", generation.DefaultBuckets.TryOn),
			Composite: envOr("COMPOSITE_BUCKET", generation.DefaultBuckets.Composite),
		},
		Region:        envOr("AWS_REGION", "us-east-1"),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),

		TryOnBaseURL:      envOr("TRYON_API_BASE_URL", provider.DefaultTryOnBaseURL),
		TryOnToken:        os.Getenv("TRYON_API_TOKEN"),
		TryOnModelVersion: os.Getenv("TRYON_MODEL_VERSION"),
		TryOnTokenParam:   envOr("SSM_TRYON_TOKEN_PARAM", DefaultTryOnTokenParam),

		CompositeBaseURL:       envOr("COMPOSITE_API_BASE_URL", provider.DefaultCompositeBaseURL),
		CompositeKey:           os.Getenv("COMPOSITE_API_KEY"),
		CompositeModel:         envOr("COMPOSITE_MODEL", DefaultCompositeModel),
		CompositeKeyParam:      envOr("SSM_COMPOSITE_KEY_PARAM", DefaultCompositeKeyParam),
		CompositeWait:          p.bool("COMPOSITE_WAIT", false),
		CompositePollInterval:  p.duration("COMPOSITE_POLL_INTERVAL", provider.DefaultPollInterval),
		CompositeWaitTimeout:   p.duration("COMPOSITE_WAIT_TIMEOUT", provider.DefaultWaitTimeout),
		CompositeIngestTimeout: p.duration("COMPOSITE_INGEST_TIMEOUT", 0),

		SignedURLExpiry:  p.duration("SIGNED_URL_EXPIRY", generation.DefaultSignedURLExpiry),
		StaleAfter:       p.duration("STALE_AFTER", generation.DefaultStaleAfter),
		RecordTTL:        p.duration("RECORD_TTL", store.DefaultRecordTTL),
		SweepConcurrency: p.int("SWEEP_CONCURRENCY", generation.DefaultSweepConcurrency),

		PublishEvents: p.bool("PUBLISH_EVENTS", false),
		EventBusName:  os.Getenv("EVENT_BUS_NAME"),
	}
	cfg.StagingBucket = envOr("STAGING_BUCKET", cfg.Buckets.Composite)

	if cfg.SignedURLExpiry <= 0 || cfg.SignedURLExpiry > 7*24*time.Hour {
		p.errs = append(p.errs, fmt.Errorf("SIGNED_URL_EXPIRY must be between 1s and 168h, got %s", cfg.SignedURLExpiry))
	}
	if cfg.RecordTTL < 0 {
		p.errs = append(p.errs, fmt.Errorf("RECORD_TTL must not be negative"))
	}
	return cfg, errors.Join(p.errs...)
}

// Generation returns the orchestrator settings.
func (c Config) Generation() generation.Config {
	return generation.Config{
		Buckets:          c.Buckets,
		SignedURLExpiry:  c.SignedURLExpiry,
		StaleAfter:       c.StaleAfter,
		SweepConcurrency: c.SweepConcurrency,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parser collects conversion errors so Load can report them all at once.
type parser struct {
	errs []error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}
