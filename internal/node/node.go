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

package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bonlabs/circuit"
	"github.com/bonlabs/circuit/internal/config"
	"github.com/bonlabs/circuit/relay"
)

// NewEngine builds an engine from the loaded configuration. A nil registry
// disables metrics. client replaces the relay pool when not nil.
func NewEngine(
	cfg *config.Config,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
	client relay.Client,
) (*circuit.Engine, error) {
	markets, err := cfg.MarketRegistry()
	if err != nil {
		return nil, err
	}
	opts := []circuit.ConfigOptionFunc{
		circuit.WithLogger(logger),
		circuit.WithMarkets(markets),
		circuit.WithRelays(cfg.Relays...),
		circuit.WithDatabasePath(cfg.DataDir),
		circuit.WithCredentialParams(cfg.Credentials),
		circuit.WithDragonParams(cfg.Parameters),
		circuit.WithFetchTimeout(cfg.FetchTimeout),
		circuit.WithWindowDays(cfg.WindowDays),
		circuit.WithMaxEvents(cfg.MaxEvents),
		circuit.WithNarrowWindowDays(cfg.NarrowWindowDays),
		circuit.WithTracing(cfg.Tracing),
		circuit.WithTracingStdout(cfg.TracingStdout),
	}
	if promRegistry != nil {
		opts = append(opts, circuit.WithPrometheusRegistry(promRegistry))
	}
	if client != nil {
		opts = append(opts, circuit.WithRelayClient(client))
	}
	signer, err := cfg.Signer()
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	if signer != nil {
		opts = append(opts, circuit.WithSigner(signer))
	}
	return circuit.New(circuit.NewConfig(opts...))
}

// Run serves metrics and refreshes the snapshots of the configured
// identities until SIGINT or SIGTERM
func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", redacted(cfg)), "component", "node")
	shutdownTimeout, err := time.ParseDuration(cfg.ShutdownTimeout)
	if err != nil {
		return fmt.Errorf("invalid shutdown timeout: %w", err)
	}
	e, err := NewEngine(cfg, logger, prometheus.DefaultRegisterer, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
		}
	}()

	// Metrics listener
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+cfg.MetricsListen,
		"component", "node",
	)
	metricsServer := &http.Server{
		Addr:              cfg.MetricsListen,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics listener: %w", err)
		}
	}()

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	refresher, err := NewRefresher(signalCtx, e, cfg, logger)
	if err != nil {
		return err
	}
	refresher.Start()

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")
	case runErr = <-errChan:
		logger.Error("node error", "error", runErr)
	}
	<-refresher.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		shutdownTimeout,
	)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	if runErr == nil {
		logger.Info("shutdown complete")
	}
	return runErr
}

// redacted returns a copy of cfg without secret keys, for logging
func redacted(cfg *config.Config) config.Config {
	ret := *cfg
	if len(ret.Keys) > 0 {
		ret.Keys = []string{fmt.Sprintf("<%d keys>", len(cfg.Keys))}
	}
	ret.Markets = make([]config.MarketConfig, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		m.Seed = "<redacted>"
		ret.Markets = append(ret.Markets, m)
	}
	return ret
}
