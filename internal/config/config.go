// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/extract"
)

// EnvPrefix prefixes environment overrides, e.g. HARVESTER_HTTP_MAX_RETRIES.
const EnvPrefix = "HARVESTER"

// Listing failure policies.
const (
	ListingFailureStop = "stop"
	ListingFailureSkip = "skip"
)

// Config captures every harvester knob.
type Config struct {
	Listing  ListingConfig  `mapstructure:"listing"`
	Boundary BoundaryConfig `mapstructure:"boundary"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Extract  extract.Config `mapstructure:"extract"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Output   OutputConfig   `mapstructure:"output"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ListingConfig locates the paginated listing.
type ListingConfig struct {
	// PageURL is the listing prefix; the page number is appended to it.
	PageURL    string `mapstructure:"page_url"`
	UpperBound int    `mapstructure:"upper_bound"`
}

// BoundaryConfig tunes the boundary probe.
type BoundaryConfig struct {
	Strategy   string        `mapstructure:"strategy"`
	PauseFloor time.Duration `mapstructure:"pause_floor"`
}

// HTTPConfig configures the fetcher and its transport.
type HTTPConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	MaxRPS        float64       `mapstructure:"max_rps"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
}

// CrawlerConfig governs the crawl driver.
type CrawlerConfig struct {
	PauseFloor           time.Duration `mapstructure:"pause_floor"`
	ListingFailurePolicy string        `mapstructure:"listing_failure_policy"`
	EarlyDedup           bool          `mapstructure:"early_dedup"`
}

// RetryConfig governs the missed-link retry pass.
type RetryConfig struct {
	PauseFloor time.Duration `mapstructure:"pause_floor"`
}

// StorageConfig sets checkpoint file locations.
type StorageConfig struct {
	CheckpointPath       string `mapstructure:"checkpoint_path"`
	MissedLinksPath      string `mapstructure:"missed_links_path"`
	MissedCheckpointPath string `mapstructure:"missed_checkpoint_path"`
}

// OutputConfig selects where the compacted dataset goes.
type OutputConfig struct {
	Backend           string `mapstructure:"backend"`
	BaseDir           string `mapstructure:"base_dir"`
	GCSBucket         string `mapstructure:"gcs_bucket"`
	GCSPrefix         string `mapstructure:"gcs_prefix"`
	DatasetPath       string `mapstructure:"dataset_path"`
	MissedDatasetPath string `mapstructure:"missed_dataset_path"`
}

// DBConfig controls the optional Postgres mirror.
type DBConfig struct {
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	RunsTable string `mapstructure:"runs_table"`
	MaxConns  int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds the run-summary topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig enables the status server.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// New returns a Viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	return LoadWith(New(), path)
}

// LoadWith reads path (if set) into v, which may carry bound flags, then
// unmarshals and validates.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	cfg, err := Read(v, path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read loads path (when set) into v and decodes it without validating.
func Read(v *viper.Viper, path string) (Config, error) {
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
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listing.upper_bound", 1000)
	v.SetDefault("boundary.strategy", "linear")
	v.SetDefault("boundary.pause_floor", "300ms")
	v.SetDefault("http.max_retries", 7)
	v.SetDefault("http.retry_delay", "2s")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.user_agent", "listing-harvester/0.1")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.max_rps", 0)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("crawler.pause_floor", "1s")
	v.SetDefault("crawler.listing_failure_policy", ListingFailureStop)
	v.SetDefault("crawler.early_dedup", true)
	v.SetDefault("retry.pause_floor", "500ms")
	v.SetDefault("storage.checkpoint_path", "data/checkpoint.jsonl")
	v.SetDefault("storage.missed_links_path", "data/missed_links.txt")
	v.SetDefault("storage.missed_checkpoint_path", "data/missed_checkpoint.jsonl")
	v.SetDefault("output.backend", "local")
	v.SetDefault("output.base_dir", "data")
	v.SetDefault("output.dataset_path", "records.csv")
	v.SetDefault("output.missed_dataset_path", "missed_records.csv")
	v.SetDefault("db.table", "harvested_records")
	v.SetDefault("db.runs_table", "harvest_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and limits. Every error wraps
// Validate checks everything crawl and retry-missed need.
func (c Config) Validate() error { return c.validate(true) }

// ValidateCompaction skips the listing and extraction settings, which
// compaction never reads.
func (c Config) ValidateCompaction() error { return c.validate(false) }

func (c Config) validate(harvest bool) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{crawler.ErrInvalidInput}, args...)...))
	}

	if harvest {
		if c.Listing.PageURL == "" {
			fail("listing.page_url is required")
		} else if _, err := crawler.ValidateAbsoluteURL(c.Listing.PageURL); err != nil {
			fail("listing.page_url: %v", err)
		}
	}
	if c.Listing.UpperBound <= 0 {
		fail("listing.upper_bound must be > 0")
	}
	switch c.Boundary.Strategy {
	case "linear", "bisect":
	default:
		fail("boundary.strategy must be linear or bisect, got %q", c.Boundary.Strategy)
	}
	if c.Boundary.PauseFloor < 0 {
		fail("boundary.pause_floor must be >= 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		fail("http.max_retries must be > 0")
	}
	if c.HTTP.RetryDelay < 0 {
		fail("http.retry_delay must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		fail("http.timeout must be > 0")
	}
	if c.HTTP.MaxRPS < 0 {
		fail("http.max_rps must be >= 0")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		fail("http.max_body_bytes must be > 0")
	}
	if c.Crawler.PauseFloor < 0 {
		fail("crawler.pause_floor must be >= 0")
	}
	switch c.Crawler.ListingFailurePolicy {
	case ListingFailureStop, ListingFailureSkip:
	default:
		fail("crawler.listing_failure_policy must be stop or skip, got %q", c.Crawler.ListingFailurePolicy)
	}
	if c.Retry.PauseFloor < 0 {
		fail("retry.pause_floor must be >= 0")
	}
	if harvest && c.Extract.LinkSelector == "" {
		fail("extract.link_selector is required")
	}
	if c.Storage.CheckpointPath == "" {
		fail("storage.checkpoint_path is required")
	}
	if c.Storage.MissedLinksPath == "" {
		fail("storage.missed_links_path is required")
	}
	if c.Storage.MissedCheckpointPath == "" {
		fail("storage.missed_checkpoint_path is required")
	}
	switch c.Output.Backend {
	case "local", "memory":
	case "gcs":
		if c.Output.GCSBucket == "" {
			fail("output.gcs_bucket must be set for the gcs backend")
		}
	default:
		fail("output.backend must be local, gcs or memory, got %q", c.Output.Backend)
	}
	if c.Output.DatasetPath == "" {
		fail("output.dataset_path is required")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		fail("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return errors.Join(errs...)
}
