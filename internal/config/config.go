// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Stage names accepted in harvest.stages.
const (
	StageListing = "listing"
	StageProduct = "product"
	StageReview  = "review"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Harvest HarvestConfig  `mapstructure:"harvest"`
	Gates   GatesConfig    `mapstructure:"gates"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	DB      DBConfig       `mapstructure:"db"`
	Archive ArchiveConfig  `mapstructure:"archive"`
	PubSub  PubSubConfig   `mapstructure:"pubsub"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Tracing TracingConfig  `mapstructure:"tracing"`
	Sources []SourceConfig `mapstructure:"sources"`
}

// HarvestConfig governs the run loop.
type HarvestConfig struct {
	BrandsFile       string        `mapstructure:"brands_file"`
	BrandConcurrency int           `mapstructure:"brand_concurrency"`
	ListingMode      string        `mapstructure:"listing_mode"`
	Stages           []string      `mapstructure:"stages"`
	RequestDelay     time.Duration `mapstructure:"request_delay"`
	SeenCacheSize    int           `mapstructure:"seen_cache_size"`
	FinalizeTimeout  time.Duration `mapstructure:"finalize_timeout"`
}

// GatesConfig sizes the concurrency gates.
type GatesConfig struct {
	Global  int `mapstructure:"global"`
	Listing int `mapstructure:"listing"`
	Product int `mapstructure:"product"`
	Review  int `mapstructure:"review"`
}

// HTTPConfig configures the transport, retries and politeness.
type HTTPConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	AcceptLanguage    string        `mapstructure:"accept_language"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMin        time.Duration `mapstructure:"backoff_min"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	Jitter            float64       `mapstructure:"jitter"`
	MaxConns          int           `mapstructure:"max_conns"`
	MaxConnsPerHost   int           `mapstructure:"max_conns_per_host"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// DBConfig selects and tunes the storage backend.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// ArchiveConfig selects where raw product pages are kept.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Prefix   string `mapstructure:"prefix"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
}

// PubSubConfig holds metadata for run summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig controls the ops HTTP server; an empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SourceConfig describes one storefront.
type SourceConfig struct {
	Name               string           `mapstructure:"name"`
	Extractor          string           `mapstructure:"extractor"`
	BaseURL            string           `mapstructure:"base_url"`
	BrandsURL          string           `mapstructure:"brands_url"`
	ListingURL         string           `mapstructure:"listing_url"`
	ListingPaginated   bool             `mapstructure:"listing_paginated"`
	ListingMaxPages    int              `mapstructure:"listing_max_pages"`
	ListingDelay       time.Duration    `mapstructure:"listing_delay"`
	ProductDelay       time.Duration    `mapstructure:"product_delay"`
	ProductConcurrency int              `mapstructure:"product_concurrency"`
	ReviewAPI          *ReviewAPIConfig `mapstructure:"review_api"`
}

// ReviewAPIConfig describes a paginated JSON review endpoint.
type ReviewAPIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	OrgID    string        `mapstructure:"org_id"`
	PageSize int           `mapstructure:"page_size"`
	Delay    time.Duration `mapstructure:"delay"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

func setDefaults(v *viper.Viper) {
	v.SetDefault("harvest.brands_file", "brands.txt")
	v.SetDefault("harvest.brand_concurrency", 3)
	v.SetDefault("harvest.listing_mode", "crawl")
	v.SetDefault("harvest.stages", []string{StageListing, StageProduct, StageReview})
	v.SetDefault("harvest.request_delay", "1.5s")
	v.SetDefault("harvest.seen_cache_size", 50000)
	v.SetDefault("harvest.finalize_timeout", "30s")
	v.SetDefault("gates.global", 64)
	v.SetDefault("gates.listing", 4)
	v.SetDefault("gates.product", 8)
	v.SetDefault("gates.review", 20)
	v.SetDefault("http.user_agent", defaultUserAgent)
	v.SetDefault("http.accept_language", "vi-VN,vi;q=0.9,en-US;q=0.8,en;q=0.7")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_base", "1s")
	v.SetDefault("http.backoff_min", "2s")
	v.SetDefault("http.backoff_max", "10s")
	v.SetDefault("http.jitter", 0.2)
	v.SetDefault("http.max_conns", 200)
	v.SetDefault("http.max_conns_per_host", 50)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.max_conns", 20)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.service_name", "harvester")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("sources", []map[string]any{
		{
			"name":              "lamthaocosmetics",
			"extractor":         "lamthaocosmetics",
			"base_url":          "https://lamthaocosmetics.vn",
			"brands_url":        "https://lamthaocosmetics.vn/collections/all",
			"listing_url":       "https://lamthaocosmetics.vn/collections/{brand}?page={page}",
			"listing_paginated": true,
			"listing_max_pages": 50,
			"listing_delay":     "1.5s",
			"product_delay":     "1.5s",
		},
		{
			"name":                "thegioiskinfood",
			"extractor":           "thegioiskinfood",
			"base_url":            "https://thegioiskinfood.com",
			"brands_url":          "https://thegioiskinfood.com/pages/thuong-hieu",
			"listing_url":         "https://thegioiskinfood.com/collections/{brand}",
			"listing_delay":       "1.5s",
			"product_delay":       "1s",
			"product_concurrency": 10,
			"review_api": map[string]any{
				"base_url":  "https://apiv3.thegioiskinfood.com/v1/product-rating",
				"org_id":    "thegioiskinfood",
				"page_size": 10,
				"delay":     "500ms",
			},
		},
	})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Harvest.BrandConcurrency <= 0 {
		return errors.New("harvest.brand_concurrency must be > 0")
	}
	switch c.Harvest.ListingMode {
	case "crawl", "stored":
	default:
		return fmt.Errorf("harvest.listing_mode must be crawl or stored, got %q", c.Harvest.ListingMode)
	}
	if len(c.Harvest.Stages) == 0 {
		return errors.New("harvest.stages must name at least one stage")
	}
	for _, stage := range c.Harvest.Stages {
		switch stage {
		case StageListing, StageProduct, StageReview:
		default:
			return fmt.Errorf("harvest.stages: unknown stage %q", stage)
		}
	}
	if c.Harvest.RequestDelay < 0 {
		return errors.New("harvest.request_delay must be >= 0")
	}
	if c.Gates.Global <= 0 || c.Gates.Listing <= 0 || c.Gates.Product <= 0 || c.Gates.Review <= 0 {
		return errors.New("gates.global, gates.listing, gates.product and gates.review must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return errors.New("http.timeout must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return errors.New("http.max_retries must be > 0")
	}
	if c.HTTP.BackoffMin > c.HTTP.BackoffMax {
		return errors.New("http.backoff_min must be <= http.backoff_max")
	}
	if c.HTTP.Jitter < 0 || c.HTTP.Jitter >= 1 {
		return errors.New("http.jitter must be in [0, 1)")
	}
	if sum := c.GateCapacity(); c.HTTP.MaxConns < sum {
		return fmt.Errorf("http.max_conns (%d) must be >= the sum of gate capacities (%d)", c.HTTP.MaxConns, sum)
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return errors.New("db.dsn must be set when db.driver is postgres")
		}
	default:
		return fmt.Errorf("db.driver must be memory or postgres, got %q", c.DB.Driver)
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return errors.New("archive.base_dir must be set when archive.provider is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return errors.New("archive.bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider must be none, memory, local or gcs, got %q", c.Archive.Provider)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing.sample_ratio must be in [0, 1]")
	}
	return c.validateSources()
}

func (c Config) validateSources() error {
	if len(c.Sources) == 0 {
		return errors.New("at least one source must be configured")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("sources[%d]: duplicate source %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Extractor == "" {
			return fmt.Errorf("source %s: extractor is required", s.Name)
		}
		if !strings.Contains(s.ListingURL, "{brand}") {
			return fmt.Errorf("source %s: listing_url must contain {brand}", s.Name)
		}
		if s.ListingPaginated && !strings.Contains(s.ListingURL, "{page}") {
			return fmt.Errorf("source %s: paginated listing_url must contain {page}", s.Name)
		}
		if s.ProductConcurrency < 0 {
			return fmt.Errorf("source %s: product_concurrency must be >= 0", s.Name)
		}
		if r := s.ReviewAPI; r != nil {
			if r.BaseURL == "" {
				return fmt.Errorf("source %s: review_api.base_url is required", s.Name)
			}
			if r.PageSize <= 0 {
				return fmt.Errorf("source %s: review_api.page_size must be > 0", s.Name)
			}
		}
	}
	return nil
}

// GateCapacity is the most fetches the gates can admit at once.
func (c Config) GateCapacity() int {
	sum := c.Gates.Listing + c.Gates.Review
	shared := false
	for _, s := range c.Sources {
		if s.ProductConcurrency > 0 {
			sum += s.ProductConcurrency
			continue
		}
		shared = true
	}
	if shared {
		sum += c.Gates.Product
	}
	if c.Gates.Global > 0 && c.Gates.Global < sum {
		return c.Gates.Global
	}
	return sum
}

// StageEnabled reports whether stage runs.
func (c Config) StageEnabled(stage string) bool {
	return slices.Contains(c.Harvest.Stages, stage)
}

// Source returns the named source.
func (c Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}
