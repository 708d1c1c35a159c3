package config

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk schema of a config file. Durations are strings
// ("5s", "2m") and booleans are pointers so that an absent field can be told
// apart from an explicit false.
type fileConfig struct {
	Source                  string   `json:"source" yaml:"source" hcl:"source,optional"`
	Destination             string   `json:"destination" yaml:"destination" hcl:"destination,optional"`
	RunNamePattern          string   `json:"run_name_pattern" yaml:"run_name_pattern" hcl:"run_name_pattern,optional"`
	CompletionSignalPattern string   `json:"completion_signal_pattern" yaml:"completion_signal_pattern" hcl:"completion_signal_pattern,optional"`
	Verify                  *bool    `json:"verify" yaml:"verify" hcl:"verify,optional"`
	SettleDelay             string   `json:"settle_delay" yaml:"settle_delay" hcl:"settle_delay,optional"`
	PollInterval            string   `json:"poll_interval" yaml:"poll_interval" hcl:"poll_interval,optional"`
	MatchCacheSize          *int     `json:"match_cache_size" yaml:"match_cache_size" hcl:"match_cache_size,optional"`
	ExcludeGlobs            []string `json:"exclude_globs" yaml:"exclude_globs" hcl:"exclude_globs,optional"`
	LogFile                 string   `json:"log_file" yaml:"log_file" hcl:"log_file,optional"`
	LogMaxSizeMB            *int     `json:"log_max_size_mb" yaml:"log_max_size_mb" hcl:"log_max_size_mb,optional"`
	LogMaxBackups           *int     `json:"log_max_backups" yaml:"log_max_backups" hcl:"log_max_backups,optional"`
	Debug                   *bool    `json:"debug" yaml:"debug" hcl:"debug,optional"`
}

// 🎯 Load reads a configuration file into a Config pre-populated with
// defaults. The format is determined by the file extension:
//   - .json for JSON
//   - .yaml or .yml for YAML
//   - .hcl for HCL
//
// Fields absent from the file keep their defaults; Validate is NOT called
// here so that callers can still layer flag overrides on top.
func Load(ctx context.Context, path string) (*Config, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("path", path).Msg("loading configuration file")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = parseJSON(data, &fc)
	case ".yaml", ".yml", "":
		err = parseYAML(data, &fc)
	case ".hcl":
		err = parseHCL(data, path, &fc)
	default:
		return nil, errors.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return nil, err
	}

	cfg := New()
	if err := fc.apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseJSON(data []byte, fc *fileConfig) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(fc); err != nil {
		return errors.Errorf("parsing json config: %w", err)
	}
	return nil
}

func parseYAML(data []byte, fc *fileConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil {
		return errors.Errorf("parsing yaml config: %w", err)
	}
	return nil
}

func parseHCL(data []byte, filename string, fc *fileConfig) error {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return errors.Errorf("parsing hcl config: %s", diags.Error())
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{},
	}
	if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, fc); diags.HasErrors() {
		return errors.Errorf("decoding hcl config: %s", diags.Error())
	}
	return nil
}

// apply copies set fields onto cfg, leaving defaults alone otherwise.
func (fc *fileConfig) apply(cfg *Config) error {
	if fc.Source != "" {
		cfg.Source = fc.Source
	}
	if fc.Destination != "" {
		cfg.Destination = fc.Destination
	}
	if fc.RunNamePattern != "" {
		cfg.RunNamePattern = fc.RunNamePattern
	}
	if fc.CompletionSignalPattern != "" {
		cfg.CompletionSignalPattern = fc.CompletionSignalPattern
	}
	if fc.Verify != nil {
		cfg.Verify = *fc.Verify
	}
	if fc.SettleDelay != "" {
		d, err := time.ParseDuration(fc.SettleDelay)
		if err != nil {
			return errors.Errorf("parsing settle_delay: %w", err)
		}
		cfg.SettleDelay = d
	}
	if fc.PollInterval != "" {
		d, err := time.ParseDuration(fc.PollInterval)
		if err != nil {
			return errors.Errorf("parsing poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	if fc.MatchCacheSize != nil {
		cfg.MatchCacheSize = *fc.MatchCacheSize
	}
	if len(fc.ExcludeGlobs) > 0 {
		cfg.ExcludeGlobs = fc.ExcludeGlobs
	}
	if fc.LogFile != "" {
		cfg.LogFile = fc.LogFile
	}
	if fc.LogMaxSizeMB != nil {
		cfg.LogMaxSizeMB = *fc.LogMaxSizeMB
	}
	if fc.LogMaxBackups != nil {
		cfg.LogMaxBackups = *fc.LogMaxBackups
	}
	if fc.Debug != nil {
		cfg.Debug = *fc.Debug
	}
	return nil
}
