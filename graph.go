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
	"context"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/flow"
	"github.com/bonlabs/circuit/relay"
)

// BuildCirculationGraph builds the transfer graph of every market over the
// last windowDays days, or the configured window when windowDays is 0
func (e *Engine) BuildCirculationGraph(ctx context.Context, windowDays int) (_ *flow.Graph, err error) {
	const op = "BuildCirculationGraph"
	window := e.windowDays(windowDays)
	ctx, done := e.begin(ctx, op, attribute.Int("window.days", window))
	defer done(&err)
	now := e.now()
	store := eventlog.NewStore(e.config.logger)
	degraded, err := e.gather(ctx, op, store, fetchSpec{
		name: fetchWindow,
		filters: []nostr.Filter{
			relay.WindowFilter(now.AddDate(0, 0, -window)),
		},
	})
	if err != nil {
		return nil, err
	}
	more, err := e.gather(ctx, op, store, historySpec(store.View(), now))
	if err != nil {
		return nil, err
	}
	graph := flow.Build(store.View(), flow.BuildOptions{
		Now:              now,
		Logger:           e.config.logger,
		WindowDays:       window,
		MaxEvents:        e.config.maxEvents,
		NarrowWindowDays: e.config.narrowWindowDays,
	})
	graph.Degraded = mergeDegraded(degraded, more)
	e.countSkipped(graph.Skipped)
	return graph, nil
}
