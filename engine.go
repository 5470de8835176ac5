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

// Package circuit is the engine facade: it gathers events from relays and the
// local cache, runs the voucher, flow, credential and parameter computations
// over them, and signs and publishes local actions.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bonlabs/circuit/database"
	"github.com/bonlabs/circuit/event"
	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/relay"
	"github.com/bonlabs/circuit/voucher"
)

// ErrReadOnly is returned by signing operations when no signer is configured
var ErrReadOnly = errors.New("engine has no signer")

type Engine struct {
	config        Config
	logger        *slog.Logger
	client        relay.Client
	pool          *relay.Pool
	db            *database.Database
	eventBus      *event.EventBus
	lifecycle     *voucher.Lifecycle
	tracer        trace.Tracer
	metrics       *engineMetrics
	shutdownFuncs []func(context.Context) error
	ownsDB        bool
	ownsBus       bool
	closeOnce     sync.Once
}

// New creates an engine from a config
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	if cfg.fetchTimeout == 0 {
		cfg.fetchTimeout = DefaultFetchTimeout
	}
	e := &Engine{
		config: cfg,
		logger: cfg.logger.With("component", "circuit"),
		lifecycle: voucher.NewLifecycle(
			cfg.markets,
			voucher.WithClock(cfg.clock),
		),
	}
	if cfg.promRegistry != nil {
		e.initMetrics()
	}
	if cfg.tracing {
		if err := e.setupTracing(context.Background()); err != nil {
			return nil, err
		}
	}
	e.tracer = otel.Tracer(tracerName)
	if err := e.init(); err != nil {
		return nil, errors.Join(err, e.Close())
	}
	return e, nil
}

func (e *Engine) init() error {
	e.client = e.config.relayClient
	if e.client == nil {
		pool, err := relay.NewPool(relay.PoolConfig{
			Logger:       e.config.logger,
			PromRegistry: e.config.promRegistry,
			Relays:       e.config.relays,
		})
		if err != nil {
			return fmt.Errorf("failed to create relay pool: %w", err)
		}
		e.pool = pool
		e.client = pool
	}
	e.db = e.config.db
	if e.db == nil {
		db, err := database.New(
			database.WithLogger(e.config.logger),
			database.WithPromRegistry(e.config.promRegistry),
			database.WithDataDir(e.config.dataDir),
		)
		if err != nil {
			if db == nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			e.logger.Warn(
				"database initialization error, continuing with partial cache",
				"error", err,
			)
		}
		e.db = db
		e.ownsDB = true
	}
	e.eventBus = e.config.eventBus
	if e.eventBus == nil {
		e.eventBus = event.NewEventBus(e.config.promRegistry, e.config.logger)
		e.ownsBus = true
	}
	return nil
}

// EventBus returns the bus engine outputs are published on
func (e *Engine) EventBus() *event.EventBus {
	return e.eventBus
}

// Database returns the local cache
func (e *Engine) Database() *database.Database {
	return e.db
}

// Markets returns the market registry
func (e *Engine) Markets() *voucher.Markets {
	return e.config.markets
}

// Close releases the resources the engine created
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.ownsBus && e.eventBus != nil {
			e.eventBus.Stop()
		}
		if e.pool != nil {
			err = errors.Join(err, e.pool.Close())
		}
		if e.ownsDB && e.db != nil {
			err = errors.Join(err, e.db.Close())
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, fn := range e.shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
	})
	return err
}

func (e *Engine) now() time.Time {
	return e.config.clock().UTC()
}

// begin starts the span and metrics of an operation. The returned func must
// be deferred with a pointer to the operation's error result.
func (e *Engine) begin(
	ctx context.Context,
	op string,
	attrs ...attribute.KeyValue,
) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		if err := *errp; err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if e.metrics != nil {
				e.metrics.operationErrors.WithLabelValues(op).Inc()
			}
		}
		span.End()
		if e.metrics != nil {
			e.metrics.operations.WithLabelValues(op).Inc()
			e.metrics.operationSeconds.WithLabelValues(op).
				Observe(time.Since(start).Seconds())
		}
	}
}

// publish signs an event as a local identity, sends it to the relays and
// writes it through to the cache
func (e *Engine) publish(ctx context.Context, author string, ev *nostr.Event) error {
	if e.config.signer == nil {
		return ErrReadOnly
	}
	if err := e.config.signer.Sign(author, ev); err != nil {
		return err
	}
	if err := e.client.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish %s event: %w", eventlog.KindName(ev.Kind), err)
	}
	if _, err := e.db.PutEvents(ev); err != nil {
		e.logger.Warn(
			"failed to cache published event",
			"id", ev.ID,
			"error", err,
		)
	}
	return nil
}
