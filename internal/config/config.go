// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the scheduler/store/executor configuration file
// (`ember.yaml`): cache roots, local parallelism, remote endpoints,
// docker defaults, ignore-file names. Distilled spec.md is silent on
// configuration loading; this is the ambient stack the teacher's
// flat flag set implies but never centralises, generalised here the way
// `kraklabs-cie`/`theRebelliousNerd-codenerd` load their YAML configs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level `ember.yaml` document.
type Config struct {
	BuildRoot string `yaml:"build_root"`
	CacheRoot string `yaml:"cache_root"`

	Store    StoreConfig    `yaml:"store"`
	Executor ExecutorConfig `yaml:"executor"`
	Watch    WatchConfig    `yaml:"watch"`
	Ignore   IgnoreConfig   `yaml:"ignore"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig configures the local CAS and its optional remote mirror
// (§4.1, §6).
type StoreConfig struct {
	GCTargetSizeBytes int64  `yaml:"gc_target_size_bytes"`
	RemoteCASAddress  string `yaml:"remote_cas_address"`
	RemoteInstance    string `yaml:"remote_instance_name"`
}

// ExecutorConfig configures the process execution subsystem (§4.4).
type ExecutorConfig struct {
	LocalParallelism     int           `yaml:"local_parallelism"`
	ExecutionSlotVar     string        `yaml:"execution_slot_variable"`
	RemoteExecAddress    string        `yaml:"remote_execution_address"`
	RemoteRatePerSecond  float64       `yaml:"remote_rate_per_second"`
	RemoteBurst          int           `yaml:"remote_burst"`
	RemoteMaxRetries     int           `yaml:"remote_max_retries"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	DockerDefaultImage   string        `yaml:"docker_default_image"`
	AppendOnlyCachesRoot string        `yaml:"named_caches_root"`
}

// WatchConfig configures the invalidation watcher (§4.3).
type WatchConfig struct {
	Enabled           bool          `yaml:"enabled"`
	CoalesceWindow    time.Duration `yaml:"coalesce_window"`
	Roots             []string      `yaml:"roots"`
}

// IgnoreConfig names the ignore-file chain consulted during globbing
// (§4.2).
type IgnoreConfig struct {
	Files []string `yaml:"files"` // e.g. [".gitignore", ".embergignore"]
	Extra []string `yaml:"extra_patterns"`
}

// ServerConfig configures the nailgun-style persistent daemon (§4.9).
type ServerConfig struct {
	SocketPath string `yaml:"socket_path"`
	PidFile    string `yaml:"pid_file"`
}

// LogConfig configures zap output.
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Encoding   string `yaml:"encoding"`    // json, console
	OutputPath string `yaml:"output_path"` // stderr, stdout, or a file path
}

// Default returns a configuration with every field at its documented
// default, matching the teacher's pattern of flags defaulting sanely
// with no config file present at all.
func Default() Config {
	return Config{
		BuildRoot: ".",
		CacheRoot: cacheRootDefault(),
		Store: StoreConfig{
			GCTargetSizeBytes: 4 << 30, // 4 GiB
		},
		Executor: ExecutorConfig{
			LocalParallelism:      0, // 0 means "auto" (NumCPU), resolved by callers
			ExecutionSlotVar:      "EMBER_EXEC_SLOT",
			RemoteRatePerSecond:   50,
			RemoteBurst:           10,
			RemoteMaxRetries:      5,
			DefaultTimeout:        15 * time.Minute,
			AppendOnlyCachesRoot:  "named_caches",
		},
		Watch: WatchConfig{
			Enabled:        true,
			CoalesceWindow: 50 * time.Millisecond,
		},
		Ignore: IgnoreConfig{
			Files: []string{".gitignore", ".embergignore"},
		},
		Server: ServerConfig{
			SocketPath: ".ember/server.sock",
			PidFile:    ".ember/server.pid",
		},
		Log: LogConfig{
			Level:      "info",
			Encoding:   "console",
			OutputPath: "stderr",
		},
	}
}

// Load reads and merges an `ember.yaml` file over Default(); a missing
// file is not an error (matching the teacher's "no mkfile flag given,
// just use defaults" behaviour) but a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

func cacheRootDefault() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cache", "ember")
}
