// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the YAML-plus-environment configuration for the
// tracemindd process: FlowRuntime admission/idempotency tunables, the
// TaskQueueManager's lease visibility and retry defaults, the
// WorkerSupervisor's pool size and drain timeouts, and governance's
// allow-list/rate-limit knobs. The nested-struct-with-yaml-tags shape
// and the Default/Load/loadFromFile/loadFromEnv/Validate split are
// grounded on the teacher's internal/config/config.go; field names are
// this module's own (spec §4 and §10).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete tracemindd process configuration.
type Config struct {
	Version int `yaml:"version,omitempty"`

	Log           LogConfig           `yaml:"log"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Queue         QueueConfig         `yaml:"queue"`
	Governance    GovernanceConfig    `yaml:"governance"`
	Supervisor    SupervisorConfig    `yaml:"supervisor"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LogConfig configures internal/log's logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// RuntimeConfig configures flowruntime.Runtime (spec §4.1's admission,
// idempotency, and deferred-execution policy table).
type RuntimeConfig struct {
	MaxConcurrency       int     `yaml:"max_concurrency"`
	QueueCapacity        int     `yaml:"queue_capacity"`
	QueueWaitTimeoutMS   int     `yaml:"queue_wait_timeout_ms"`
	IdempotencyTTLSec    float64 `yaml:"idempotency_ttl_sec"`
	IdempotencyCacheSize int     `yaml:"idempotency_cache_size"`
	ResponseMode         string  `yaml:"response_mode"` // IMMEDIATE or DEFERRED
	AllowDeferred        bool    `yaml:"allow_deferred"`
	ShortWaitS           float64 `yaml:"short_wait_s"`
}

// QueueConfig configures taskqueue.Manager and the durable queue's
// segment rotation.
type QueueConfig struct {
	LeaseVisibilitySec int   `yaml:"lease_visibility_sec"`
	SegmentMaxBytes    int64 `yaml:"segment_max_bytes"`
	MaxAttempts        int   `yaml:"max_attempts"`
}

// GovernanceConfig configures the default pkg/governance.Policy.
type GovernanceConfig struct {
	AllowedFlows  []string `yaml:"allowed_flows,omitempty"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst"`
}

// SupervisorConfig configures pkg/supervisor.Supervisor.
type SupervisorConfig struct {
	WorkerCount          int           `yaml:"worker_count"`
	HeartbeatIntervalMS  int           `yaml:"heartbeat_interval_ms"`
	HeartbeatMissedLimit int           `yaml:"heartbeat_missed_limit"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`
	PIDFile              string        `yaml:"pid_file,omitempty"`
	Subprocess           bool          `yaml:"subprocess"`
	SubprocessBinary     string        `yaml:"subprocess_binary,omitempty"`
	SubprocessLogDir     string        `yaml:"subprocess_log_dir,omitempty"`
}

// ObservabilityConfig configures internal/obs.
type ObservabilityConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	ListenAddr  string `yaml:"listen_addr"` // e.g. ":9090", serves /metrics
}

// Default returns a Config with the defaults spec §4 and §10 document.
func Default() *Config {
	return &Config{
		Version: 1,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Runtime: RuntimeConfig{
			MaxConcurrency:       100,
			QueueCapacity:        300,
			IdempotencyTTLSec:    600,
			IdempotencyCacheSize: 10000,
			ResponseMode:         "IMMEDIATE",
			AllowDeferred:        false,
			ShortWaitS:           0,
		},
		Queue: QueueConfig{
			LeaseVisibilitySec: 30,
			SegmentMaxBytes:    4 * 1024 * 1024,
			MaxAttempts:        5,
		},
		Supervisor: SupervisorConfig{
			WorkerCount:          4,
			HeartbeatIntervalMS:  5000,
			HeartbeatMissedLimit: 3,
			DrainTimeout:         30 * time.Second,
		},
		Observability: ObservabilityConfig{
			Enabled:     true,
			ServiceName: "tracemind",
			ListenAddr:  ":9090",
		},
	}
}

// Load builds a Config starting from Default, overlaying configPath (if
// non-empty) and then environment variables, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv lets deployment environment variables override the file
// (or defaults), following the teacher's TRACEMIND_-prefixed convention
// from internal/log.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("TRACEMIND_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TRACEMIND_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("TRACEMIND_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runtime.MaxConcurrency = n
		}
	}
	if v := os.Getenv("TRACEMIND_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runtime.QueueCapacity = n
		}
	}
	if v := os.Getenv("TRACEMIND_RESPONSE_MODE"); v != "" {
		c.Runtime.ResponseMode = strings.ToUpper(v)
	}
	if v := os.Getenv("TRACEMIND_ALLOW_DEFERRED"); v != "" {
		c.Runtime.AllowDeferred = v == "1" || strings.ToLower(v) == "true"
	}
	if v := os.Getenv("TRACEMIND_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Supervisor.WorkerCount = n
		}
	}
	if v := os.Getenv("TRACEMIND_PID_FILE"); v != "" {
		c.Supervisor.PIDFile = v
	}
	if v := os.Getenv("TRACEMIND_METRICS_ADDR"); v != "" {
		c.Observability.ListenAddr = v
	}
}

// Validate rejects configurations the rest of the system cannot safely
// run with.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Runtime.MaxConcurrency <= 0 {
		errs = append(errs, "runtime.max_concurrency must be positive")
	}
	if c.Runtime.QueueCapacity < 0 {
		errs = append(errs, "runtime.queue_capacity must not be negative")
	}
	mode := strings.ToUpper(c.Runtime.ResponseMode)
	if mode != "IMMEDIATE" && mode != "DEFERRED" {
		errs = append(errs, fmt.Sprintf("runtime.response_mode must be IMMEDIATE or DEFERRED, got %q", c.Runtime.ResponseMode))
	}

	if c.Queue.LeaseVisibilitySec <= 0 {
		errs = append(errs, "queue.lease_visibility_sec must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, "queue.max_attempts must be positive")
	}

	if c.Supervisor.WorkerCount <= 0 {
		errs = append(errs, "supervisor.worker_count must be positive")
	}
	if c.Supervisor.Subprocess && c.Supervisor.SubprocessBinary == "" {
		errs = append(errs, "supervisor.subprocess_binary is required when supervisor.subprocess is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
