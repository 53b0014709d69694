// Copyright 2025 The Helmsman Authors
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

// Package config loads the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/helmsman-dev/helmsman/internal/store"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Store  StoreConfig  `yaml:"store"`

	// Settings seeds the persisted runtime settings document on first
	// start. After that the store copy is authoritative; edits here are
	// applied only when the document is absent.
	Settings *store.Settings `yaml:"settings,omitempty"`
}

// ServerConfig configures the daemon's listeners.
type ServerConfig struct {
	// Addr is the API listen address.
	Addr string `yaml:"addr,omitempty"`

	// MetricsAddr is the Prometheus scrape address. Empty disables the
	// metrics listener.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is json or text.
	Format string `yaml:"format,omitempty"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend,omitempty"`

	// Path is the sqlite database file.
	Path string `yaml:"path,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        "127.0.0.1:7430",
			MetricsAddr: "127.0.0.1:7431",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    defaultStorePath(),
		},
	}
}

// Load reads the configuration from path, layering it over defaults. A
// missing file returns the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values that cannot be clamped away.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	if c.Store.Backend != "memory" && c.Store.Path == "" {
		return fmt.Errorf("%w: store path required for sqlite backend", ErrInvalidConfig)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

func defaultStorePath() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".helmsman", "helmsman.db")
	}
	return "helmsman.db"
}
