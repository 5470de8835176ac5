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

// Package relay talks to the public event log: a pool of relays queried in
// parallel and deduplicated by event id, with per-relay rate limiting and a
// circuit breaker that stops hammering relays that keep failing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	metricNamePrefix = "circuit_relay_"

	DefaultRateLimit        = 10
	DefaultBurst            = 20
	DefaultFailureThreshold = 3
	DefaultBreakerTimeout   = 30 * time.Second
)

var (
	ErrNoRelays        = errors.New("no relays configured")
	ErrPublishFailed   = errors.New("no relay accepted the event")
	ErrAllRelaysFailed = errors.New("every relay query failed")
)

// Fetcher queries the event log
type Fetcher interface {
	Fetch(ctx context.Context, filters ...nostr.Filter) ([]*nostr.Event, error)
}

// Publisher writes events to the event log
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Client is both a Fetcher and a Publisher
type Client interface {
	Fetcher
	Publisher
}

// Conn is a connection to a single relay
type Conn interface {
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Publish(ctx context.Context, ev nostr.Event) error
	Close() error
}

// Dialer opens a connection to a relay URL
type Dialer func(ctx context.Context, url string) (Conn, error)

// PoolConfig configures a relay pool
type PoolConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// Dialer defaults to a websocket connection through go-nostr
	Dialer           Dialer
	Relays           []string
	RateLimit        rate.Limit
	Burst            int
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

type poolMetrics struct {
	queries       *prometheus.CounterVec
	queryFailures *prometheus.CounterVec
	published     *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
}

// Pool fans queries and publications out to a set of relays
type Pool struct {
	config  PoolConfig
	relays  []*relayConn
	metrics *poolMetrics
}

type relayConn struct {
	pool    *Pool
	url     string
	conn    Conn
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	mu      sync.Mutex
}

// NewPool creates a pool. Connections are opened lazily on first use.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Relays) == 0 {
		return nil, ErrNoRelays
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "relay")
	if cfg.Dialer == nil {
		cfg.Dialer = dialNostr
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	p := &Pool{config: cfg}
	if cfg.PromRegistry != nil {
		p.initMetrics()
	}
	seen := make(map[string]struct{}, len(cfg.Relays))
	for _, url := range cfg.Relays {
		url = nostr.NormalizeURL(url)
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		p.relays = append(p.relays, p.newRelayConn(url))
	}
	return p, nil
}

func (p *Pool) initMetrics() {
	promautoFactory := promauto.With(p.config.PromRegistry)
	p.metrics = &poolMetrics{}
	p.metrics.queries = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricNamePrefix + "queries_total",
			Help: "number of relay queries",
		},
		[]string{"relay"},
	)
	p.metrics.queryFailures = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricNamePrefix + "query_failures_total",
			Help: "number of failed relay queries",
		},
		[]string{"relay"},
	)
	p.metrics.published = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricNamePrefix + "published_total",
			Help: "number of events accepted by a relay",
		},
		[]string{"relay"},
	)
	p.metrics.breakerState = promautoFactory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: metricNamePrefix + "breaker_state",
			Help: "relay circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"relay"},
	)
}

func (p *Pool) newRelayConn(url string) *relayConn {
	r := &relayConn{
		pool:    p,
		url:     url,
		limiter: rate.NewLimiter(p.config.RateLimit, p.config.Burst),
	}
	threshold := p.config.FailureThreshold
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     p.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.config.Logger.Warn(
				"relay circuit breaker changed state",
				"relay", name,
				"from", from.String(),
				"to", to.String(),
			)
			if p.metrics != nil {
				p.metrics.breakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	return r
}

// Relays returns the normalized relay URLs of the pool
func (p *Pool) Relays() []string {
	ret := make([]string, 0, len(p.relays))
	for _, r := range p.relays {
		ret = append(ret, r.url)
	}
	return ret
}

// Fetch queries every relay in parallel and merges the results, keeping the
// first copy of each event id. It fails only when every relay failed.
func (p *Pool) Fetch(ctx context.Context, filters ...nostr.Filter) ([]*nostr.Event, error) {
	results := make([][]*nostr.Event, len(p.relays))
	errs := make([]error, len(p.relays))
	var eg errgroup.Group
	for i, r := range p.relays {
		eg.Go(func() error {
			results[i], errs[i] = r.query(ctx, filters)
			return nil
		})
	}
	_ = eg.Wait()

	var ret []*nostr.Event
	seen := make(map[string]struct{})
	failed := 0
	for i, evs := range results {
		if errs[i] != nil {
			failed++
			p.config.Logger.Debug(
				"relay query failed",
				"relay", p.relays[i].url,
				"error", errs[i],
			)
			continue
		}
		for _, ev := range evs {
			if ev == nil {
				continue
			}
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			ret = append(ret, ev)
		}
	}
	if failed == len(p.relays) {
		return nil, fmt.Errorf("%w: %w", ErrAllRelaysFailed, errors.Join(errs...))
	}
	return ret, nil
}

// Publish sends a signed event to every relay. It succeeds when at least one
// relay accepted it.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) error {
	errs := make([]error, len(p.relays))
	var eg errgroup.Group
	for i, r := range p.relays {
		eg.Go(func() error {
			errs[i] = r.publish(ctx, ev)
			return nil
		})
	}
	_ = eg.Wait()
	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %w", ErrPublishFailed, errors.Join(errs...))
}

// Close closes every open relay connection
func (p *Pool) Close() error {
	var err error
	for _, r := range p.relays {
		r.mu.Lock()
		if r.conn != nil {
			err = errors.Join(err, r.conn.Close())
			r.conn = nil
		}
		r.mu.Unlock()
	}
	return err
}

func (r *relayConn) query(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error) {
	if r.pool.metrics != nil {
		r.pool.metrics.queries.WithLabelValues(r.url).Inc()
	}
	res, err := r.breaker.Execute(func() (any, error) {
		var ret []*nostr.Event
		for _, f := range filters {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			conn, err := r.connect(ctx)
			if err != nil {
				return nil, err
			}
			evs, err := conn.QuerySync(ctx, f)
			if err != nil {
				r.drop(conn)
				return nil, fmt.Errorf("query %s: %w", r.url, err)
			}
			ret = append(ret, evs...)
		}
		return ret, nil
	})
	if err != nil {
		if r.pool.metrics != nil {
			r.pool.metrics.queryFailures.WithLabelValues(r.url).Inc()
		}
		return nil, err
	}
	return res.([]*nostr.Event), nil
}

func (r *relayConn) publish(ctx context.Context, ev *nostr.Event) error {
	_, err := r.breaker.Execute(func() (any, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		conn, err := r.connect(ctx)
		if err != nil {
			return nil, err
		}
		if err := conn.Publish(ctx, *ev); err != nil {
			r.drop(conn)
			return nil, fmt.Errorf("publish to %s: %w", r.url, err)
		}
		return nil, nil
	})
	if err == nil && r.pool.metrics != nil {
		r.pool.metrics.published.WithLabelValues(r.url).Inc()
	}
	return err
}

func (r *relayConn) connect(ctx context.Context) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}
	conn, err := r.pool.config.Dialer(ctx, r.url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", r.url, err)
	}
	r.conn = conn
	return conn, nil
}

// drop forgets a connection after a failure so the next call redials
func (r *relayConn) drop(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == conn {
		_ = r.conn.Close()
		r.conn = nil
	}
}

type nostrConn struct {
	relay *nostr.Relay
}

func dialNostr(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{relay: r}, nil
}

func (c *nostrConn) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	return c.relay.QuerySync(ctx, filter)
}

func (c *nostrConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.relay.Publish(ctx, ev)
}

func (c *nostrConn) Close() error {
	return c.relay.Close()
}
