// Copyright 2026 Blink Labs Software
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

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/bonlabs/circuit/dragon"
	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/voucher"
	"github.com/bonlabs/circuit/wotx"
)

type ctxKey string

const configContextKey ctxKey = "circuit.config"

const (
	DefaultShutdownTimeout = "30s"
	DefaultFetchTimeout    = 10 * time.Second
	DefaultMetricsListen   = ":9300"
	DefaultRefreshSchedule = "@every 15m"
	DefaultWindowDays      = 30
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type tempConfig struct {
	Config *Config `yaml:"config,omitempty"`
}

// MarketConfig is a market entry. Seed is the hex encoded market seed
type MarketConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Seed string `yaml:"seed"`
}

type Config struct {
	Markets     []MarketConfig `yaml:"markets"     ignored:"true"`
	Credentials wotx.Params    `yaml:"credentials" ignored:"true"`
	Parameters  dragon.Params  `yaml:"parameters"  ignored:"true"`
	Relays      []string       `yaml:"relays"`
	// Keys holds the hex or nsec secret keys of local identities
	Keys []string `yaml:"keys"`
	// Identities lists the identities whose snapshots serve refreshes
	Identities       []string      `yaml:"identities"`
	DataDir          string        `yaml:"dataDir"          split_words:"true"`
	MetricsListen    string        `yaml:"metricsListen"    split_words:"true"`
	RefreshSchedule  string        `yaml:"refreshSchedule"  split_words:"true"`
	ShutdownTimeout  string        `yaml:"shutdownTimeout"  split_words:"true"`
	FetchTimeout     time.Duration `yaml:"fetchTimeout"     split_words:"true"`
	WindowDays       int           `yaml:"windowDays"       split_words:"true"`
	MaxEvents        int           `yaml:"maxEvents"        split_words:"true"`
	NarrowWindowDays int           `yaml:"narrowWindowDays" split_words:"true"`
	Tracing          bool          `yaml:"tracing"`
	TracingStdout    bool          `yaml:"tracingStdout"    split_words:"true"`
	Debug            bool          `yaml:"debug"`
}

// DefaultConfig returns the configuration used when nothing overrides it
func DefaultConfig() *Config {
	return &Config{
		Credentials:     wotx.DefaultParams(),
		Parameters:      dragon.DefaultParams(),
		DataDir:         ".circuit",
		MetricsListen:   DefaultMetricsListen,
		RefreshSchedule: DefaultRefreshSchedule,
		ShutdownTimeout: DefaultShutdownTimeout,
		FetchTimeout:    DefaultFetchTimeout,
		WindowDays:      DefaultWindowDays,
	}
}

var globalConfig = DefaultConfig()

func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.circuit/circuit.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".circuit", "circuit.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/circuit/circuit.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/circuit/circuit.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		var tempCfg tempConfig
		if err := yaml.Unmarshal(buf, &tempCfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		// If config section exists, use it for main config
		if tempCfg.Config != nil {
			configBytes, err := yaml.Marshal(tempCfg.Config)
			if err != nil {
				return nil, fmt.Errorf("error re-marshalling config: %w", err)
			}
			buf = configBytes
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	if err := envconfig.Process("circuit", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	globalConfig = cfg
	return cfg, nil
}

func GetConfig() *Config {
	return globalConfig
}

// Validate checks the values that cannot be checked when they are used
func (c *Config) Validate() error {
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("invalid fetchTimeout: %s", c.FetchTimeout)
	}
	if c.WindowDays < 0 {
		return fmt.Errorf("invalid windowDays: %d", c.WindowDays)
	}
	if _, err := time.ParseDuration(c.ShutdownTimeout); err != nil {
		return fmt.Errorf("invalid shutdownTimeout: %w", err)
	}
	if c.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.RefreshSchedule); err != nil {
			return fmt.Errorf("invalid refreshSchedule: %w", err)
		}
	}
	for _, id := range c.Identities {
		if !eventlog.IsIdentity(id) {
			return fmt.Errorf("%w: %q", voucher.ErrInvalidIdentity, id)
		}
	}
	return nil
}

// MarketRegistry builds the market registry from the configured markets
func (c *Config) MarketRegistry() (*voucher.Markets, error) {
	if len(c.Markets) == 0 {
		return nil, errors.New("no markets configured")
	}
	markets := make([]voucher.Market, 0, len(c.Markets))
	for _, mc := range c.Markets {
		m, err := voucher.ParseMarket(mc.ID, mc.Name, mc.Seed)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return voucher.NewMarkets(markets...)
}

// Signer builds a key signer from the configured keys, or nil when no key
// is configured
func (c *Config) Signer() (*eventlog.KeySigner, error) {
	if len(c.Keys) == 0 {
		return nil, nil
	}
	return eventlog.NewKeySigner(c.Keys...)
}
