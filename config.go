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

package circuit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bonlabs/circuit/database"
	"github.com/bonlabs/circuit/dragon"
	"github.com/bonlabs/circuit/event"
	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/flow"
	"github.com/bonlabs/circuit/relay"
	"github.com/bonlabs/circuit/voucher"
	"github.com/bonlabs/circuit/wotx"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultServiceName  = "circuit"
)

type Config struct {
	promRegistry     prometheus.Registerer
	logger           *slog.Logger
	relayClient      relay.Client
	db               *database.Database
	eventBus         *event.EventBus
	signer           eventlog.Signer
	markets          *voucher.Markets
	clock            func() time.Time
	dataDir          string
	serviceName      string
	relays           []string
	credentialParams wotx.Params
	dragonParams     dragon.Params
	fetchTimeout     time.Duration
	windowDays       int
	maxEvents        int
	narrowWindowDays int
	tracing          bool
	tracingStdout    bool
}

func (c *Config) validate() error {
	if c.markets == nil || len(c.markets.IDs()) == 0 {
		return errors.New("no markets configured")
	}
	if c.relayClient == nil && len(c.relays) == 0 {
		return relay.ErrNoRelays
	}
	if c.fetchTimeout < 0 {
		return fmt.Errorf("invalid fetch timeout: %s", c.fetchTimeout)
	}
	if c.windowDays < 0 {
		return fmt.Errorf("invalid window days: %d", c.windowDays)
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the engine config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new engine config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:           slog.New(slog.NewJSONHandler(io.Discard, nil)),
		clock:            time.Now,
		serviceName:      DefaultServiceName,
		credentialParams: wotx.DefaultParams(),
		dragonParams:     dragon.DefaultParams(),
		fetchTimeout:     DefaultFetchTimeout,
		windowDays:       flow.DefaultWindowDays,
		maxEvents:        flow.DefaultMaxEvents,
		narrowWindowDays: flow.DefaultNarrowWindowDays,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. Metrics are disabled by default
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithRelays specifies the relay URLs to build a relay pool from
func WithRelays(urls ...string) ConfigOptionFunc {
	return func(c *Config) {
		c.relays = append(c.relays, urls...)
	}
}

// WithRelayClient specifies the relay client to use instead of a pool built
// from WithRelays
func WithRelayClient(client relay.Client) ConfigOptionFunc {
	return func(c *Config) {
		c.relayClient = client
	}
}

// WithDatabase specifies an open cache to use. The engine does not close it
func WithDatabase(db *database.Database) ConfigOptionFunc {
	return func(c *Config) {
		c.db = db
	}
}

// WithDatabasePath specifies the persistent data directory of the cache. The default is to store everything in memory
func WithDatabasePath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithEventBus specifies the event bus to publish engine outputs on
func WithEventBus(eventBus *event.EventBus) ConfigOptionFunc {
	return func(c *Config) {
		c.eventBus = eventBus
	}
}

// WithSigner specifies the signer for local identities. Without one, the
// engine is read-only
func WithSigner(signer eventlog.Signer) ConfigOptionFunc {
	return func(c *Config) {
		c.signer = signer
	}
}

// WithMarkets specifies the market registry
func WithMarkets(markets *voucher.Markets) ConfigOptionFunc {
	return func(c *Config) {
		c.markets = markets
	}
}

// WithCredentialParams specifies the credential thresholds and validity
func WithCredentialParams(params wotx.Params) ConfigOptionFunc {
	return func(c *Config) {
		c.credentialParams = params
	}
}

// WithDragonParams specifies the parameter engine thresholds and defaults
func WithDragonParams(params dragon.Params) ConfigOptionFunc {
	return func(c *Config) {
		c.dragonParams = params
	}
}

// WithFetchTimeout specifies how long each relay fetch may take before
// falling back to the cache
func WithFetchTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.fetchTimeout = timeout
	}
}

// WithWindowDays specifies the default circulation window
func WithWindowDays(days int) ConfigOptionFunc {
	return func(c *Config) {
		c.windowDays = days
	}
}

// WithMaxEvents specifies the event count above which the graph window narrows
func WithMaxEvents(maxEvents int) ConfigOptionFunc {
	return func(c *Config) {
		c.maxEvents = maxEvents
	}
}

// WithNarrowWindowDays specifies the window used once MaxEvents is exceeded
func WithNarrowWindowDays(days int) ConfigOptionFunc {
	return func(c *Config) {
		c.narrowWindowDays = days
	}
}

// WithClock specifies the time source. This is mostly useful for tests
func WithClock(clock func() time.Time) ConfigOptionFunc {
	return func(c *Config) {
		c.clock = clock
	}
}

// WithServiceName specifies the service name reported in traces
func WithServiceName(name string) ConfigOptionFunc {
	return func(c *Config) {
		c.serviceName = name
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}
