// Package config holds the nanosync runtime configuration.
//
// A Config is built exactly once at startup (from flags, optionally layered
// over a config file) and passed by pointer into every component that needs
// it.
// There is no global configuration state.
package config

import (
	"context"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Defaults for the tunable knobs. The run-name and completion-signal
// patterns follow the naming scheme MinKNOW uses for nanopore runs.
const (
	DefaultRunNamePattern          = `[0-9]{8}_[0-9]{4}_[^_]+_[^_]+_[a-f0-9]{8}`
	DefaultCompletionSignalPattern = `final_summary.*\.txt$`
	DefaultSettleDelay             = 5 * time.Second
	DefaultPollInterval            = 2 * time.Second
	DefaultMatchCacheSize          = 1024
)

// 📚 Config represents the complete nanosync configuration.
type Config struct {
	// Source is the directory tree watched for new run directories.
	Source string `json:"source" yaml:"source"`
	// Destination is the root completed runs are copied under.
	Destination string `json:"destination" yaml:"destination"`

	// RunNamePattern matches run directory names anywhere under Source.
	RunNamePattern string `json:"run_name_pattern,omitempty" yaml:"run_name_pattern,omitempty"`
	// CompletionSignalPattern matches the marker file that signals a run
	// has finished being written.
	CompletionSignalPattern string `json:"completion_signal_pattern,omitempty" yaml:"completion_signal_pattern,omitempty"`

	// Verify compares total source/destination byte sizes after a copy.
	Verify bool `json:"verify" yaml:"verify"`
	// SettleDelay is how long to wait after completion is detected before
	// the copy starts, to let a slow writer finish flushing.
	SettleDelay time.Duration `json:"settle_delay,omitempty" yaml:"settle_delay,omitempty"`
	// PollInterval is the detector's safety-net listing interval.
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	// MatchCacheSize bounds the run-name match cache.
	MatchCacheSize int `json:"match_cache_size,omitempty" yaml:"match_cache_size,omitempty"`

	// ExcludeGlobs are doublestar patterns, relative to the run directory,
	// skipped during copy and size verification.
	ExcludeGlobs []string `json:"exclude_globs,omitempty" yaml:"exclude_globs,omitempty"`

	// LogFile enables an additional rotating file sink when non-empty.
	LogFile       string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	LogMaxSizeMB  int    `json:"log_max_size_mb,omitempty" yaml:"log_max_size_mb,omitempty"`
	LogMaxBackups int    `json:"log_max_backups,omitempty" yaml:"log_max_backups,omitempty"`

	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty"`

	runNameRe          *regexp.Regexp
	completionSignalRe *regexp.Regexp
}

// 🏭 New returns a Config populated with defaults. Source and Destination
// are required and have no defaults.
func New() *Config {
	return &Config{
		RunNamePattern:          DefaultRunNamePattern,
		CompletionSignalPattern: DefaultCompletionSignalPattern,
		Verify:                  true,
		SettleDelay:             DefaultSettleDelay,
		PollInterval:            DefaultPollInterval,
		MatchCacheSize:          DefaultMatchCacheSize,
		LogMaxSizeMB:            50,
		LogMaxBackups:           3,
	}
}

// ✅ Validate checks required fields and compiles both patterns. It must
// succeed before RunNameRegexp or CompletionSignalRegexp are used.
func (c *Config) Validate(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("source", c.Source).Str("destination", c.Destination).Msg("validating configuration")

	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.Destination == "" {
		return errors.New("destination is required")
	}
	if c.SettleDelay < 0 {
		return errors.Errorf("settle delay must not be negative, got %s", c.SettleDelay)
	}
	if c.PollInterval <= 0 {
		return errors.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.MatchCacheSize <= 0 {
		return errors.Errorf("match cache size must be positive, got %d", c.MatchCacheSize)
	}

	re, err := regexp.Compile(c.RunNamePattern)
	if err != nil {
		return errors.Errorf("compiling run name pattern: %w", err)
	}
	c.runNameRe = re

	re, err = regexp.Compile(c.CompletionSignalPattern)
	if err != nil {
		return errors.Errorf("compiling completion signal pattern: %w", err)
	}
	c.completionSignalRe = re

	return nil
}

// RunNameRegexp returns the compiled run-name pattern.
func (c *Config) RunNameRegexp() *regexp.Regexp {
	return c.runNameRe
}

// CompletionSignalRegexp returns the compiled completion-signal pattern.
func (c *Config) CompletionSignalRegexp() *regexp.Regexp {
	return c.completionSignalRe
}
