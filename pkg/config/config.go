package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinel-zero/sentinel/pkg/timeutil"
)

// Config is the enumerated daemon configuration. Unknown keys are rejected
// at load; every knob here has a documented default.
type Config struct {
	// Timezone used for cron evaluation (IANA name, default UTC)
	Timezone string `yaml:"timezone"`

	// LogFlushBatch is the max records per log write
	LogFlushBatch int `yaml:"log_flush_batch"`

	// LogFlushIntervalMS is the max delay before a partial batch is flushed
	LogFlushIntervalMS int `yaml:"log_flush_interval_ms"`

	// LogQueueMax bounds the in-memory log/metric queue per workload
	LogQueueMax int `yaml:"log_queue_max"`

	// MetricSampleIntervalMS is the resource sampling cadence
	MetricSampleIntervalMS int `yaml:"metric_sample_interval_ms"`

	// DefaultStopGraceMS is the grace period for stop when unspecified
	DefaultStopGraceMS int `yaml:"default_stop_grace_ms"`

	// CommandTimeoutMS bounds the coordinator's wait for a supervisor reply
	CommandTimeoutMS int `yaml:"command_timeout_ms"`

	// RetentionMaxAge is the log/metric retention ceiling (wire duration)
	RetentionMaxAge string `yaml:"retention_max_age"`

	// RetentionMaxRecords caps persisted records per workload
	RetentionMaxRecords int `yaml:"retention_max_records"`
}

// Default returns the documented default configuration
func Default() Config {
	return Config{
		Timezone:               "UTC",
		LogFlushBatch:          100,
		LogFlushIntervalMS:     200,
		LogQueueMax:            10000,
		MetricSampleIntervalMS: 5000,
		DefaultStopGraceMS:     10000,
		CommandTimeoutMS:       5000,
		RetentionMaxAge:        "30d",
		RetentionMaxRecords:    1000000,
	}
}

// Load reads a YAML config file over the defaults. Unknown keys fail the
// load rather than being silently ignored.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges and the timezone name
func (c Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.LogFlushBatch <= 0 {
		return fmt.Errorf("log_flush_batch must be positive")
	}
	if c.LogFlushIntervalMS <= 0 {
		return fmt.Errorf("log_flush_interval_ms must be positive")
	}
	if c.LogQueueMax <= 0 {
		return fmt.Errorf("log_queue_max must be positive")
	}
	if c.MetricSampleIntervalMS <= 0 {
		return fmt.Errorf("metric_sample_interval_ms must be positive")
	}
	if c.RetentionMaxRecords <= 0 {
		return fmt.Errorf("retention_max_records must be positive")
	}
	if _, err := timeutil.ParseDuration(c.RetentionMaxAge); err != nil {
		return fmt.Errorf("invalid retention_max_age: %w", err)
	}
	return nil
}

// Location resolves the configured timezone. Validate must have passed.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Derived accessors returning time.Duration values.

func (c Config) LogFlushInterval() time.Duration {
	return time.Duration(c.LogFlushIntervalMS) * time.Millisecond
}

func (c Config) MetricSampleInterval() time.Duration {
	return time.Duration(c.MetricSampleIntervalMS) * time.Millisecond
}

func (c Config) DefaultStopGrace() time.Duration {
	return time.Duration(c.DefaultStopGraceMS) * time.Millisecond
}

func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

// RetentionAge parses the retention ceiling; invalid values fall back to 30d
func (c Config) RetentionAge() time.Duration {
	d, err := timeutil.ParseDuration(c.RetentionMaxAge)
	if err != nil || d <= 0 {
		return 30 * 24 * time.Hour
	}
	return d
}
