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

package flow

import (
	"cmp"
	"log/slog"
	"slices"
	"time"

	"github.com/bonlabs/circuit/eventlog"
)

// TransferEdge aggregates every hop from one identity to another in a window
type TransferEdge struct {
	FromID        string  `json:"fromId"`
	ToID          string  `json:"toId"`
	TotalValue    float64 `json:"totalValue"`
	TransferCount int     `json:"transferCount"`
	// IsLoop is set when the reverse edge exists in the same window
	IsLoop bool `json:"isLoop"`
}

// Graph is the circulation graph of a window
type Graph struct {
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	Edges         []TransferEdge `json:"edges"`
	CohesionIndex float64        `json:"cohesionIndex"`
	WindowDays    int            `json:"windowDays"`
	// Narrowed is set when the window was cut to bound the graph size
	Narrowed bool `json:"narrowed"`
	// Skipped counts dropped edges and inconsistent voucher events
	Skipped int `json:"skipped"`
	// Degraded lists the inputs that were read from a stale cache
	Degraded []string `json:"degraded,omitempty"`
}

// BuildOptions controls the graph window
type BuildOptions struct {
	Now time.Time
	// MarketID restricts the graph to one market when set
	MarketID         string
	Logger           *slog.Logger
	WindowDays       int
	MaxEvents        int
	NarrowWindowDays int
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.WindowDays <= 0 {
		o.WindowDays = DefaultWindowDays
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = DefaultMaxEvents
	}
	if o.NarrowWindowDays <= 0 {
		o.NarrowWindowDays = DefaultNarrowWindowDays
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
	return o
}

type edgeKey struct {
	from, to string
}

// Build aggregates issuance hand-offs and transfers into directed edges.
// Burns add no edge; they only confirm that the voucher exists.
func Build(view *eventlog.View, opts BuildOptions) *Graph {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "flow")
	g := &Graph{
		End:        opts.Now.UTC(),
		WindowDays: opts.WindowDays,
	}
	g.Start = g.End.Add(-time.Duration(g.WindowDays) * day)
	if n := countEvents(view, g.Start, g.End); n > opts.MaxEvents &&
		opts.NarrowWindowDays < g.WindowDays {
		logger.Info(
			"narrowing circulation window",
			"events", n,
			"max_events", opts.MaxEvents,
			"window_days", opts.NarrowWindowDays,
		)
		g.WindowDays = opts.NarrowWindowDays
		g.Start = g.End.Add(-time.Duration(g.WindowDays) * day)
		g.Narrowed = true
	}

	h := replayAll(view, opts.Now, logger)
	agg := make(map[edgeKey]*TransferEdge)
	for _, r := range h.replayed {
		if opts.MarketID != "" && r.Voucher.MarketID != opts.MarketID {
			continue
		}
		g.Skipped += r.Skipped
		for _, hop := range r.Hops {
			if !inWindow(hop.At, g.Start, g.End) {
				continue
			}
			k := edgeKey{from: hop.From, to: hop.To}
			e, ok := agg[k]
			if !ok {
				e = &TransferEdge{FromID: hop.From, ToID: hop.To}
				agg[k] = e
			}
			e.TotalValue += hop.Value
			e.TransferCount++
		}
	}
	for id, history := range h.unknown {
		for _, rec := range history {
			if rec.Bearer == "" || !inWindow(rec.CreatedAt, g.Start, g.End) {
				continue
			}
			if opts.MarketID != "" && rec.Market != opts.MarketID {
				continue
			}
			logger.Warn(
				"dropped edge for unknown voucher",
				"voucher", id,
				"event", rec.EventID,
			)
			g.Skipped++
		}
	}

	g.Edges = make([]TransferEdge, 0, len(agg))
	mutual := 0
	for k, e := range agg {
		if _, ok := agg[edgeKey{from: k.to, to: k.from}]; ok {
			e.IsLoop = true
			if k.from < k.to {
				mutual++
			}
		}
		g.Edges = append(g.Edges, *e)
	}
	slices.SortFunc(g.Edges, func(a, b TransferEdge) int {
		if c := cmp.Compare(a.FromID, b.FromID); c != 0 {
			return c
		}
		return cmp.Compare(a.ToID, b.ToID)
	})
	g.CohesionIndex = Cohesion(mutual, len(g.Edges))
	return g
}

// Cohesion is the number of mutual pairs over the number of directed edges
func Cohesion(mutualPairs, edges int) float64 {
	if edges == 0 {
		return 0
	}
	return float64(mutualPairs) / float64(edges)
}

// countEvents counts voucher and proof events created inside the window
func countEvents(view *eventlog.View, start, end time.Time) int {
	n := 0
	for _, kind := range []int{eventlog.KindVoucher, eventlog.KindCircuitProof} {
		for _, rec := range view.ByKind(kind) {
			if inWindow(rec.Envelope().CreatedAt, start, end) {
				n++
			}
		}
	}
	return n
}
