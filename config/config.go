// Package config holds the recognized engine options and their loading
// logic. Options affect only the cache engine and the async lifecycle
// manager, never store semantics.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Options are the recognized engine options.
type Options struct {
	// StaleTime is how long a fetched cache entry stays fresh.
	StaleTime time.Duration `yaml:"stale_time" env:"STATELAYER_STALE_TIME,default=30s"`

	// GCTime is the grace period before a subscriber-less cache entry
	// is removed.
	GCTime time.Duration `yaml:"gc_time" env:"STATELAYER_GC_TIME,default=5m"`

	// RetryCount is the maximum number of executor retries per operation.
	RetryCount int `yaml:"retry_count" env:"STATELAYER_RETRY_COUNT,default=3"`

	// RetryInitialDelay is the delay before the first retry.
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"STATELAYER_RETRY_INITIAL_DELAY,default=100ms"`

	// RetryMaxDelay caps the backoff delay between retries.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"STATELAYER_RETRY_MAX_DELAY,default=5s"`

	// RetryMultiplier is the exponential backoff multiplier.
	RetryMultiplier float64 `yaml:"retry_multiplier" env:"STATELAYER_RETRY_MULTIPLIER,default=2.0"`

	// DedupWindow is how long a freshly resolved fetch result suppresses
	// duplicate fetches for the same key.
	DedupWindow time.Duration `yaml:"dedup_window" env:"STATELAYER_DEDUP_WINDOW,default=2s"`

	// DebounceSave is the debounce interval for persistence saves.
	DebounceSave time.Duration `yaml:"debounce_save" env:"STATELAYER_DEBOUNCE_SAVE,default=1s"`

	// SelectorCacheSize bounds each parameterized selector family.
	SelectorCacheSize int `yaml:"selector_cache_size" env:"STATELAYER_SELECTOR_CACHE_SIZE,default=50"`

	// JanitorEvery is the cache janitor sweep interval. Zero disables
	// the janitor.
	JanitorEvery time.Duration `yaml:"janitor_every" env:"STATELAYER_JANITOR_EVERY,default=0"`

	// DevMode enables verbose logging and middleware diagnostics.
	DevMode bool `yaml:"dev_mode" env:"STATELAYER_DEV_MODE,default=false"`
}

// Default returns the default engine options.
func Default() Options {
	return Options{
		StaleTime:         30 * time.Second,
		GCTime:            5 * time.Minute,
		RetryCount:        3,
		RetryInitialDelay: 100 * time.Millisecond,
		RetryMaxDelay:     5 * time.Second,
		RetryMultiplier:   2.0,
		DedupWindow:       2 * time.Second,
		DebounceSave:      time.Second,
		SelectorCacheSize: 50,
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.StaleTime < 0 {
		return fmt.Errorf("stale_time must not be negative, got %s", o.StaleTime)
	}
	if o.GCTime < 0 {
		return fmt.Errorf("gc_time must not be negative, got %s", o.GCTime)
	}
	if o.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative, got %d", o.RetryCount)
	}
	if o.RetryMultiplier < 1 {
		return fmt.Errorf("retry_multiplier must be >= 1, got %g", o.RetryMultiplier)
	}
	if o.DedupWindow < 0 {
		return fmt.Errorf("dedup_window must not be negative, got %s", o.DedupWindow)
	}
	if o.SelectorCacheSize <= 0 {
		return fmt.Errorf("selector_cache_size must be positive, got %d", o.SelectorCacheSize)
	}
	return nil
}

// FromEnv loads options from the environment. A .env file at envFile is
// loaded first when present; pass "" to skip it.
func FromEnv(envFile string) (Options, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Options{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	var o Options
	if err := envdecode.Decode(&o); err != nil {
		return Options{}, fmt.Errorf("decode options from environment: %w", err)
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// LoadFromPath loads options from a YAML file. Fields absent from the
// file keep their defaults.
func LoadFromPath(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read options file: %w", err)
	}

	o := Default()
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Options{}, fmt.Errorf("parse options file: %w", err)
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// LoadOrDefault loads options from path, falling back to defaults when
// the file does not exist or fails to parse.
func LoadOrDefault(path string) Options {
	o, err := LoadFromPath(path)
	if err != nil {
		return Default()
	}
	return o
}
