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
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/bonlabs/circuit"
	"github.com/bonlabs/circuit/dragon"
	"github.com/bonlabs/circuit/internal/config"
)

// Refresher recomputes the parameter snapshots of the configured identities
// in every market on a cron schedule
type Refresher struct {
	ctx        context.Context
	engine     *circuit.Engine
	cron       *cron.Cron
	logger     *slog.Logger
	identities []string
}

// NewRefresher creates a refresher. Jobs stop early once ctx is done.
func NewRefresher(
	ctx context.Context,
	engine *circuit.Engine,
	cfg *config.Config,
	logger *slog.Logger,
) (*Refresher, error) {
	r := &Refresher{
		ctx:        ctx,
		engine:     engine,
		logger:     logger.With("component", "refresher"),
		identities: cfg.Identities,
		cron: cron.New(
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	if cfg.RefreshSchedule == "" || len(r.identities) == 0 {
		r.logger.Info("snapshot refresh disabled")
		return r, nil
	}
	if _, err := r.cron.AddFunc(cfg.RefreshSchedule, func() {
		_, _ = r.RefreshAll()
	}); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule: %w", err)
	}
	return r, nil
}

// Start runs one refresh and then starts the schedule
func (r *Refresher) Start() {
	if len(r.cron.Entries()) == 0 {
		return
	}
	_, _ = r.RefreshAll()
	r.cron.Start()
}

// Stop stops the schedule. The returned context is done once a running
// refresh has finished.
func (r *Refresher) Stop() context.Context {
	return r.cron.Stop()
}

// RefreshAll computes a snapshot for every identity in every market
func (r *Refresher) RefreshAll() ([]*dragon.Snapshot, error) {
	var ret []*dragon.Snapshot
	var errs error
	for _, identity := range r.identities {
		for _, market := range r.engine.Markets().IDs() {
			if err := r.ctx.Err(); err != nil {
				return ret, errors.Join(errs, err)
			}
			snap, err := r.engine.ComputeParameterSnapshot(r.ctx, identity, market)
			if err != nil {
				r.logger.Error(
					"snapshot refresh failed",
					"identity", identity,
					"market", market,
					"error", err,
				)
				errs = errors.Join(errs, err)
				continue
			}
			r.logger.Info(
				"refreshed snapshot",
				"identity", identity,
				"market", market,
				"du", snap.DU,
				"status", snap.DuStatus,
				"degraded", snap.Degraded,
			)
			ret = append(ret, snap)
		}
	}
	return ret, errs
}
