// Package config enumerates the configuration options the dispatch core
// recognizes (SPEC_FULL.md §6) and provides a periodically-refreshed,
// concurrency-safe snapshot of them — the Go realization of the original
// Python `CachedObject(forge.get_config)` idiom named in spec.md §4.2 and §9.
package config

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig is the per-service tuning the scheduler resolves into each
// ServiceTask's config (spec.md §4.2 build_service_config).
type ServiceConfig struct {
	Timeout      time.Duration     `yaml:"timeout"`
	FailureLimit int               `yaml:"failure_limit"`
	Defaults     map[string]string `yaml:"defaults"`

	// Stage is this service's position in the staged schedule (lower runs
	// first); services sharing a Stage run in parallel as one stage.
	Stage int `yaml:"stage"`

	// FileTypes restricts this service to the listed file types. An empty
	// list means the service applies to every file type.
	FileTypes []string `yaml:"file_types"`
}

// Config is the complete set of options this core reads: the "Configuration
// options recognized" in spec.md §6, plus the Redis address and the
// per-service stage, file_types and defaults the scheduler uses. Nothing
// else is accepted (see Load's strict decoding).
type Config struct {
	Core struct {
		Dispatcher struct {
			// Timeout is the per-submission watch duration (core.dispatcher.timeout).
			Timeout time.Duration `yaml:"timeout"`
			// ExtractionDepthLimit is the fallback depth limit
			// (core.dispatcher.extraction_depth_limit) used when a submission
			// does not specify submission.max_extraction_depth.
			ExtractionDepthLimit int `yaml:"extraction_depth_limit"`
		} `yaml:"dispatcher"`
		Redis struct {
			Address string `yaml:"address"`
		} `yaml:"redis"`
	} `yaml:"core"`

	Submission struct {
		MaxExtractionDepth int `yaml:"max_extraction_depth"`
	} `yaml:"submission"`

	System struct {
		// UpdateInterval is the system.update_interval option. Load decodes
		// it, but no package in this module reads it: internal/metrics
		// exposes a Prometheus registry for scraping and has no flush loop.
		UpdateInterval time.Duration `yaml:"update_interval"`
	} `yaml:"system"`

	// Services maps a service name to its resolved timeout/failure-limit/defaults.
	Services map[string]ServiceConfig `yaml:"services"`
}

// Load strictly decodes YAML bytes into a Config, rejecting unknown keys so
// that "free-form configuration" (spec.md §9's re-architecture note) cannot
// silently reintroduce options this core does not understand.
func Load(raw []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.Core.Dispatcher.Timeout <= 0 {
		return nil, fmt.Errorf("config: core.dispatcher.timeout must be positive")
	}
	return &cfg, nil
}

// ServiceTimeout returns the configured per-service timeout, falling back to
// a conservative default when the service has no explicit entry.
func (c *Config) ServiceTimeout(service string) time.Duration {
	if sc, ok := c.Services[service]; ok && sc.Timeout > 0 {
		return sc.Timeout
	}
	return 60 * time.Second
}

// ServiceFailureLimit returns the configured per-service failure limit,
// falling back to a conservative default.
func (c *Config) ServiceFailureLimit(service string) int {
	if sc, ok := c.Services[service]; ok && sc.FailureLimit > 0 {
		return sc.FailureLimit
	}
	return 3
}

// ExtractionDepthLimit resolves the effective depth limit for a submission:
// the submission's own override if set, else the core-wide default.
func (c *Config) ExtractionDepthLimit(submissionOverride int) int {
	if submissionOverride > 0 {
		return submissionOverride
	}
	if c.Submission.MaxExtractionDepth > 0 {
		return c.Submission.MaxExtractionDepth
	}
	return c.Core.Dispatcher.ExtractionDepthLimit
}
