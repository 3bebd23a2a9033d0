// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads.
const EnvironmentVariable = "BUILDFARM_CONFIG"

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the configuration of every buildfarm binary.
type Config struct {
	Environment Environment `yaml:"environment"`

	// Root is the base directory for buildfarm data. Other paths
	// default to locations beneath it.
	Root string `yaml:"root"`

	Instance InstanceConfig `yaml:"instance"`
	Worker   WorkerConfig   `yaml:"worker"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Per-environment sections, applied over the base values.
	Development *yaml.Node `yaml:"development,omitempty"`
	Staging     *yaml.Node `yaml:"staging,omitempty"`
	Production  *yaml.Node `yaml:"production,omitempty"`
}

// InstanceConfig locates the remote execution instance.
type InstanceConfig struct {
	// Name of the instance, carried in every request.
	Name string `yaml:"name"`

	// SocketPath of the instance server.
	SocketPath string `yaml:"socket_path"`
}

// WorkerConfig configures the execution pipeline.
type WorkerConfig struct {
	// Name identifies this worker in execution metadata. Defaults to
	// the hostname.
	Name string `yaml:"name"`

	// Root holds per-operation execution directories.
	Root string `yaml:"root"`

	// Platform is what this worker offers to matching.
	Platform map[string]string `yaml:"platform"`

	// RequeueOnFailure returns an operation to the queue when the
	// worker cannot admit or stage it.
	RequeueOnFailure bool `yaml:"requeue_on_failure"`

	ExecuteStageWidth      int `yaml:"execute_stage_width"`
	InputFetchStageWidth   int `yaml:"input_fetch_stage_width"`
	ReportResultStageWidth int `yaml:"report_result_stage_width"`

	// DefaultTimeout applies to actions that set none; MaxTimeout
	// caps any action's request.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`

	// PollPeriod is how often an executing operation's lease is
	// renewed.
	PollPeriod time.Duration `yaml:"poll_period"`

	// OutputLimit bounds captured stdout and stderr, each.
	OutputLimit int64 `yaml:"output_limit"`

	// ShutdownTimeout bounds the graceful drain on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// InputCacheBytes bounds the worker-side blob cache.
	InputCacheBytes int64 `yaml:"input_cache_bytes"`
}

// ServerConfig configures the reference instance server.
type ServerConfig struct {
	SocketPath    string        `yaml:"socket_path"`
	Database      string        `yaml:"database"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the values a file is loaded over.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Environment: Development,
		Root:        "${HOME}/.cache/buildfarm",
		Instance: InstanceConfig{
			Name:       "default",
			SocketPath: "${BUILDFARM_ROOT}/instance.sock",
		},
		Worker: WorkerConfig{
			Name:                   hostname,
			Root:                   "${BUILDFARM_ROOT}/worker",
			ExecuteStageWidth:      runtime.NumCPU(),
			InputFetchStageWidth:   1,
			ReportResultStageWidth: 1,
			DefaultTimeout:         10 * time.Minute,
			MaxTimeout:             time.Hour,
			PollPeriod:             5 * time.Second,
			OutputLimit:            16 << 20,
			ShutdownTimeout:        30 * time.Second,
			InputCacheBytes:        256 << 20,
		},
		Server: ServerConfig{
			SocketPath:    "${BUILDFARM_ROOT}/instance.sock",
			Database:      "${BUILDFARM_ROOT}/queue.db",
			LeaseDuration: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads the file named by BUILDFARM_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your buildfarm.yaml config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads path over Default, applies the matching environment
// section, and expands variables. It does not validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is LoadFile on in-memory YAML.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides decodes the matching section over the
// base values. Keys absent from the section keep their base value.
func (c *Config) applyEnvironmentOverrides() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = c.Development
	case Staging:
		section = c.Staging
	case Production:
		section = c.Production
	}
	if section == nil {
		return nil
	}

	environment := c.Environment
	if err := section.Decode(c); err != nil {
		return fmt.Errorf("applying %s overrides: %w", environment, err)
	}
	// An override section cannot move the config to another
	// environment.
	c.Environment = environment
	return nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}

	c.Root = expandVars(c.Root, vars)
	vars["BUILDFARM_ROOT"] = c.Root

	for _, path := range []*string{
		&c.Instance.SocketPath,
		&c.Worker.Root,
		&c.Server.SocketPath,
		&c.Server.Database,
	} {
		*path = expandVars(*path, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Instance.Name == "" {
		errs = append(errs, errors.New("instance.name is required"))
	}
	if c.Instance.SocketPath == "" {
		errs = append(errs, errors.New("instance.socket_path is required"))
	}

	w := c.Worker
	if w.Root == "" {
		errs = append(errs, errors.New("worker.root is required"))
	}
	for name, width := range map[string]int{
		"worker.execute_stage_width":       w.ExecuteStageWidth,
		"worker.input_fetch_stage_width":   w.InputFetchStageWidth,
		"worker.report_result_stage_width": w.ReportResultStageWidth,
	} {
		if width < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", name, width))
		}
	}
	if w.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("worker.default_timeout must be positive"))
	}
	if w.MaxTimeout < w.DefaultTimeout {
		errs = append(errs, fmt.Errorf("worker.max_timeout (%v) is below worker.default_timeout (%v)",
			w.MaxTimeout, w.DefaultTimeout))
	}
	if w.PollPeriod <= 0 {
		errs = append(errs, errors.New("worker.poll_period must be positive"))
	}
	if w.OutputLimit <= 0 {
		errs = append(errs, errors.New("worker.output_limit must be positive"))
	}
	if w.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("worker.shutdown_timeout must not be negative"))
	}

	if c.Server.LeaseDuration <= 0 {
		errs = append(errs, errors.New("server.lease_duration must be positive"))
	} else if w.PollPeriod >= c.Server.LeaseDuration {
		errs = append(errs, fmt.Errorf("worker.poll_period (%v) must be shorter than server.lease_duration (%v)",
			w.PollPeriod, c.Server.LeaseDuration))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level))
	}
	if !slices.Contains([]string{"json", "text"}, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// EnsureWorkerPaths creates the worker root.
func (c *Config) EnsureWorkerPaths() error {
	if err := os.MkdirAll(c.Worker.Root, 0o755); err != nil {
		return fmt.Errorf("creating worker root: %w", err)
	}
	return nil
}

// EnsureServerPaths creates the directories holding the server's
// socket and database.
func (c *Config) EnsureServerPaths() error {
	for _, path := range []string{c.Server.SocketPath, c.Server.Database} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
		}
	}
	return nil
}
