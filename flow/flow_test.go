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

package flow_test

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/flow"
	"github.com/bonlabs/circuit/internal/test/testutil"
	"github.com/bonlabs/circuit/voucher"
)

type community struct {
	alice, bob, carol, dave testutil.Identity
}

func newCommunity(t *testing.T) community {
	return community{
		alice: testutil.NewIdentity(t, "alice"),
		bob:   testutil.NewIdentity(t, "bob"),
		carol: testutil.NewIdentity(t, "carol"),
		dave:  testutil.NewIdentity(t, "dave"),
	}
}

func viewOf(t *testing.T, evs ...*nostr.Event) *eventlog.View {
	t.Helper()
	store := eventlog.NewStore(nil)
	res := store.Append(evs...)
	require.Zero(t, res.Skipped)
	return store.View()
}

// twoCircuits closes alice -> bob -> carol -> alice and bob -> alice -> bob
func twoCircuits(t *testing.T, c community) []*nostr.Event {
	_, first := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: c.alice,
		Path:   []testutil.Identity{c.bob, c.carol},
		Start:  testutil.Epoch,
		Burn:   true,
	})
	_, second := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: c.bob,
		Path:   []testutil.Identity{c.alice},
		Start:  testutil.Epoch,
		Burn:   true,
	})
	return append(first, second...)
}

func edge(t *testing.T, g *flow.Graph, from, to testutil.Identity) flow.TransferEdge {
	t.Helper()
	for _, e := range g.Edges {
		if e.FromID == from.Pubkey && e.ToID == to.Pubkey {
			return e
		}
	}
	require.Failf(t, "edge not found", "%s -> %s", from.Name, to.Name)
	return flow.TransferEdge{}
}

func TestBuildAggregatesEdges(t *testing.T) {
	c := newCommunity(t)
	view := viewOf(t, twoCircuits(t, c)...)
	g := flow.Build(view, flow.BuildOptions{Now: testutil.Day(10), WindowDays: 30})
	require.Len(t, g.Edges, 4)
	assert.Zero(t, g.Skipped)
	assert.False(t, g.Narrowed)

	ab := edge(t, g, c.alice, c.bob)
	assert.Equal(t, 2, ab.TransferCount)
	assert.InDelta(t, 20.0, ab.TotalValue, 1e-9)
	assert.True(t, ab.IsLoop)
	assert.True(t, edge(t, g, c.bob, c.alice).IsLoop)
	assert.False(t, edge(t, g, c.bob, c.carol).IsLoop)
	assert.False(t, edge(t, g, c.carol, c.alice).IsLoop)
	// One mutual pair over four directed edges
	assert.InDelta(t, 0.25, g.CohesionIndex, 1e-9)
}

func TestBuildEmpty(t *testing.T) {
	g := flow.Build(viewOf(t), flow.BuildOptions{Now: testutil.Epoch})
	assert.Empty(t, g.Edges)
	assert.Zero(t, g.CohesionIndex)
	assert.Equal(t, flow.DefaultWindowDays, g.WindowDays)
}

func TestBuildDropsUnknownVoucher(t *testing.T) {
	c := newCommunity(t)
	_, evs := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: c.alice,
		Path:   []testutil.Identity{c.bob, c.carol},
		Start:  testutil.Epoch,
	})
	// Without the issuer's events the bob -> carol transfer has no known voucher
	view := viewOf(t, evs[2:]...)
	g := flow.Build(view, flow.BuildOptions{Now: testutil.Day(10)})
	assert.Empty(t, g.Edges)
	assert.Equal(t, 1, g.Skipped)
}

func TestBuildNarrowsLargeWindow(t *testing.T) {
	c := newCommunity(t)
	_, old := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: c.alice,
		Path:   []testutil.Identity{c.bob},
		Start:  testutil.Day(-40),
	})
	_, recent := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: c.carol,
		Path:   []testutil.Identity{c.dave},
		Start:  testutil.Day(1),
	})
	view := viewOf(t, append(old, recent...)...)

	wide := flow.Build(view, flow.BuildOptions{Now: testutil.Day(10), WindowDays: 60})
	assert.False(t, wide.Narrowed)
	assert.Len(t, wide.Edges, 2)

	g := flow.Build(view, flow.BuildOptions{
		Now:        testutil.Day(10),
		WindowDays: 60,
		MaxEvents:  3,
	})
	assert.True(t, g.Narrowed)
	assert.Equal(t, flow.DefaultNarrowWindowDays, g.WindowDays)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, c.carol.Pubkey, g.Edges[0].FromID)
	assert.Equal(t, c.dave.Pubkey, g.Edges[0].ToID)
}

func TestBuildMarketFilter(t *testing.T) {
	c := newCommunity(t)
	view := viewOf(t, twoCircuits(t, c)...)
	g := flow.Build(view, flow.BuildOptions{Now: testutil.Day(10), MarketID: "elsewhere"})
	assert.Empty(t, g.Edges)
}

func TestSummarize(t *testing.T) {
	c := newCommunity(t)
	evs := twoCircuits(t, c)
	// An open voucher counts as issued but not closed
	_, open := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: c.dave,
		Path:   []testutil.Identity{c.carol},
		Start:  testutil.Day(2),
	})
	view := viewOf(t, append(evs, open...)...)
	sum := flow.Summarize(view, flow.SummaryOptions{
		Now:        testutil.Day(10),
		MarketID:   testutil.MarketID,
		WindowDays: 30,
	})
	assert.Equal(t, 3, sum.Issued)
	assert.Equal(t, 2, sum.Closed)
	require.Len(t, sum.Proofs, 2)
	assert.InDelta(t, 2.0/3.0, sum.ClosureRate, 1e-9)
	assert.InDelta(t, 2.0, sum.LoopsPerPeriod, 1e-9)
	// Circuits of four and three days
	assert.InDelta(t, 3.5, sum.MedianReturnAgeDays, 1e-9)
	assert.Zero(t, sum.Skipped)
	for _, p := range sum.Proofs {
		assert.InDelta(t, float64(p.HopCount)/p.AgeDays, p.ReturnVelocity(), 1e-9)
	}
}

func TestSummarizeRejectsBadProofs(t *testing.T) {
	c := newCommunity(t)
	evs := twoCircuits(t, c)
	ghost := testutil.NewIdentity(t, "ghost")
	unknown := testutil.ProofEvent(t, c.alice, &voucher.CircuitProof{
		ClosedAt:  testutil.Day(5),
		VoucherID: ghost.Pubkey,
		IssuerID:  c.alice.Pubkey,
		MarketID:  testutil.MarketID,
		Value:     5,
		AgeDays:   3,
		HopCount:  2,
	})
	// carol claims to have closed a circuit of alice's voucher
	view := viewOf(t, evs...)
	genuine, ok := view.Proof(view.Proofs()[0].VoucherID)
	require.True(t, ok)
	forged := testutil.Sign(t, c.carol, eventlog.EncodeCircuitProof(&eventlog.CircuitProof{
		Meta:      eventlog.Meta{CreatedAt: genuine.CreatedAt.Add(-time.Hour)},
		VoucherID: genuine.VoucherID,
		Market:    genuine.Market,
		Value:     genuine.Value,
		AgeDays:   genuine.AgeDays,
		HopCount:  genuine.HopCount,
	}))
	view = viewOf(t, append(evs, unknown, forged)...)
	sum := flow.Summarize(view, flow.SummaryOptions{Now: testutil.Day(10)})
	assert.Equal(t, 2, sum.Closed)
	assert.Equal(t, 2, sum.Skipped)
}

func TestSummarizeEmpty(t *testing.T) {
	sum := flow.Summarize(viewOf(t), flow.SummaryOptions{Now: testutil.Epoch})
	assert.Zero(t, sum.Closed)
	assert.Zero(t, sum.ClosureRate)
	assert.Zero(t, sum.LoopsPerPeriod)
	assert.Zero(t, sum.MedianReturnAgeDays)
}
