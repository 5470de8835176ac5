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

package circuit_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonlabs/circuit"
	"github.com/bonlabs/circuit/dragon"
	"github.com/bonlabs/circuit/event"
	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/internal/test/testutil"
	"github.com/bonlabs/circuit/relay"
	"github.com/bonlabs/circuit/voucher"
	"github.com/bonlabs/circuit/wotx"
)

type testClock struct {
	now time.Time
	mu  sync.Mutex
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine   *circuit.Engine
	relay    *relay.Memory
	clock    *testClock
	registry *prometheus.Registry
}

func testMarkets(t *testing.T) *voucher.Markets {
	t.Helper()
	m, err := voucher.ParseMarket(testutil.MarketID, "Test market", testutil.MarketSeed)
	require.NoError(t, err)
	markets, err := voucher.NewMarkets(m)
	require.NoError(t, err)
	return markets
}

// newFixture starts an engine over an in-memory relay seeded with evs. The
// engine can sign for signers.
func newFixture(
	t *testing.T,
	now time.Time,
	signers []testutil.Identity,
	evs ...*nostr.Event,
) *fixture {
	t.Helper()
	f := &fixture{
		relay:    relay.NewMemory(evs...),
		clock:    &testClock{now: now},
		registry: prometheus.NewRegistry(),
	}
	pool, err := relay.NewPool(relay.PoolConfig{
		Relays: []string{"wss://relay.test"},
		Dialer: f.relay.Dialer(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	opts := []circuit.ConfigOptionFunc{
		circuit.WithRelayClient(pool),
		circuit.WithMarkets(testMarkets(t)),
		circuit.WithClock(f.clock.Now),
		circuit.WithFetchTimeout(time.Second),
		circuit.WithPrometheusRegistry(f.registry),
	}
	if len(signers) > 0 {
		opts = append(opts, circuit.WithSigner(testutil.Signer(t, signers...)))
	}
	f.engine, err = circuit.New(circuit.NewConfig(opts...))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, f.engine.Close()) })
	return f
}

func TestNewRequiresMarkets(t *testing.T) {
	_, err := circuit.New(circuit.NewConfig(
		circuit.WithRelays("wss://relay.test"),
	))
	require.Error(t, err)
	_, err = circuit.New(circuit.NewConfig(
		circuit.WithMarkets(testMarkets(t)),
	))
	require.ErrorIs(t, err, relay.ErrNoRelays)
}

func TestVoucherCircuit(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	bob := testutil.NewIdentity(t, "bob")
	carol := testutil.NewIdentity(t, "carol")
	f := newFixture(t, testutil.Epoch, []testutil.Identity{alice, bob, carol})
	ctx := context.Background()

	burnedCh := make(chan event.Event, 1)
	f.engine.EventBus().SubscribeFunc(
		event.VoucherBurnedEventType,
		func(evt event.Event) { burnedCh <- evt },
	)

	own, err := f.engine.IssueVoucher(
		ctx,
		alice.Pubkey,
		20,
		testutil.MarketID,
		testutil.Day(90),
		voucher.IssueOptions{Category: "bread"},
	)
	require.NoError(t, err)
	assert.Equal(t, voucher.StatusIssued, own.Status)

	f.clock.Advance(time.Hour)
	h, err := f.engine.TransferVoucher(ctx, own, alice.Pubkey, bob.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, voucher.StatusPending, h.Voucher.Status)
	assert.Nil(t, h.Voucher.Traveler.Share)
	assert.True(t, own.Invalidated())

	f.clock.Advance(24 * time.Hour)
	bobV, err := f.engine.ReceiveVoucher(ctx, h, bob.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, voucher.StatusActive, bobV.Status)

	_, err = f.engine.ReceiveVoucher(ctx, h, carol.Pubkey)
	require.ErrorIs(t, err, voucher.ErrNotBearer)

	f.clock.Advance(24 * time.Hour)
	h, err = f.engine.TransferVoucher(ctx, bobV, bob.Pubkey, carol.Pubkey)
	require.NoError(t, err)
	carolV, err := f.engine.ReceiveVoucher(ctx, h, carol.Pubkey)
	require.NoError(t, err)

	// The issuer cannot burn while the traveler part is away
	_, err = f.engine.BurnVoucher(ctx, own, alice.Pubkey)
	require.ErrorIs(t, err, voucher.ErrCircuitNotClosed)

	f.clock.Advance(24 * time.Hour)
	h, err = f.engine.TransferVoucher(ctx, carolV, carol.Pubkey, alice.Pubkey)
	require.NoError(t, err)
	back, err := f.engine.ReceiveVoucher(ctx, h, alice.Pubkey)
	require.NoError(t, err)
	full, err := voucher.Reunite(back, own)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	proof, err := f.engine.BurnVoucher(ctx, full, alice.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, own.ID, proof.VoucherID)
	assert.Equal(t, alice.Pubkey, proof.IssuerID)
	assert.Equal(t, 3, proof.HopCount)
	assert.Equal(t, "bread", full.Category)

	evt := testutil.RequireReceive(t, burnedCh, 2*time.Second, "voucher burned event")
	burned, ok := evt.Data.(event.VoucherBurnedEvent)
	require.True(t, ok)
	assert.Equal(t, own.ID, burned.VoucherID)

	status, err := f.engine.GetVoucherStatus(ctx, own.ID)
	require.NoError(t, err)
	assert.Equal(t, voucher.StatusBurned, status.Status)
	assert.Equal(t, 3, status.HopCount)
	assert.Equal(t, alice.Pubkey, status.Bearer())
}

func TestGetVoucherStatusUnknown(t *testing.T) {
	f := newFixture(t, testutil.Epoch, nil)
	_, err := f.engine.GetVoucherStatus(
		context.Background(),
		testutil.NewIdentity(t, "nobody").Pubkey,
	)
	require.ErrorIs(t, err, voucher.ErrStaleOrUnknownVoucher)
}

func TestReadOnlyEngine(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	f := newFixture(t, testutil.Epoch, nil)
	_, err := f.engine.IssueVoucher(
		context.Background(),
		alice.Pubkey,
		10,
		testutil.MarketID,
		testutil.Day(30),
		voucher.IssueOptions{},
	)
	require.ErrorIs(t, err, circuit.ErrReadOnly)
	_, err = f.engine.Attest(context.Background(), "request", alice.Pubkey)
	require.ErrorIs(t, err, circuit.ErrReadOnly)
}

func TestIssueVoucherValidation(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	f := newFixture(t, testutil.Epoch, []testutil.Identity{alice})
	ctx := context.Background()
	_, err := f.engine.IssueVoucher(ctx, alice.Pubkey, 0, testutil.MarketID, testutil.Day(30), voucher.IssueOptions{})
	require.ErrorIs(t, err, voucher.ErrInvalidValue)
	_, err = f.engine.IssueVoucher(ctx, alice.Pubkey, 5, "elsewhere", testutil.Day(30), voucher.IssueOptions{})
	require.ErrorIs(t, err, voucher.ErrInvalidMarket)
	assert.Empty(t, f.relay.Events())
}

func TestFetchFallsBackToCache(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	f := newFixture(t, testutil.Epoch, []testutil.Identity{alice})
	ctx := context.Background()

	degradedCh := make(chan event.Event, 4)
	f.engine.EventBus().SubscribeFunc(
		event.FetchDegradedEventType,
		func(evt event.Event) { degradedCh <- evt },
	)

	v, err := f.engine.IssueVoucher(ctx, alice.Pubkey, 10, testutil.MarketID, testutil.Day(30), voucher.IssueOptions{})
	require.NoError(t, err)

	f.relay.SetDown(true)
	status, err := f.engine.GetVoucherStatus(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, voucher.StatusIssued, status.Status)

	evt := testutil.RequireReceive(t, degradedCh, 2*time.Second, "fetch degraded event")
	degraded, ok := evt.Data.(event.FetchDegradedEvent)
	require.True(t, ok)
	assert.Equal(t, "GetVoucherStatus", degraded.Operation)
	assert.Equal(t, "voucher", degraded.Fetch)
	expected := `
# HELP circuit_fetch_degraded_total total number of relay fetches answered from the local cache
# TYPE circuit_fetch_degraded_total counter
circuit_fetch_degraded_total{fetch="voucher"} 1
`
	require.NoError(t, promtestutil.GatherAndCompare(
		f.registry,
		strings.NewReader(expected),
		"circuit_fetch_degraded_total",
	))
}

func TestFetchHonorsCancellation(t *testing.T) {
	f := newFixture(t, testutil.Epoch, nil)
	f.relay.SetDelay(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.BuildCirculationGraph(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestComputeParameterSnapshot(t *testing.T) {
	ids := make([]testutil.Identity, 0, 6)
	for _, name := range []string{"alice", "bob", "carol", "dave", "erin", "frank"} {
		ids = append(ids, testutil.NewIdentity(t, name))
	}
	alice := ids[0]
	_, circuitEvs := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: alice,
		Path:   []testutil.Identity{ids[1], ids[2]},
		Start:  testutil.Day(1),
		Burn:   true,
	})
	evs := append(
		[]*nostr.Event{testutil.Contacts(t, alice, testutil.Epoch, ids[1:]...)},
		circuitEvs...,
	)
	f := newFixture(t, testutil.Day(10), nil, evs...)
	ctx := context.Background()

	snap, err := f.engine.ComputeParameterSnapshot(ctx, alice.Pubkey, testutil.MarketID)
	require.NoError(t, err)
	assert.Equal(t, alice.Pubkey, snap.IdentityID)
	assert.Equal(t, testutil.MarketID, snap.MarketID)
	assert.Equal(t, 5, snap.Network.N1)
	assert.Equal(t, dragon.DuStatusActive, snap.DuStatus)
	assert.Empty(t, snap.Degraded)
	assert.Greater(t, snap.Circulation.MedianReturnAgeDays, 0.0)
	assert.NotEqual(t, dragon.DefaultParams().C2Default, snap.C2)
	// No vouchers in force and no skills: the dividend stays at its initial value
	assert.InDelta(t, dragon.DefaultParams().DuInitial, snap.DU, 1e-9)
	assert.NotEmpty(t, snap.ID)

	history, err := f.engine.SnapshotHistory(alice.Pubkey, testutil.MarketID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, snap.ID, history[0].ID)
	count, err := promtestutil.GatherAndCount(f.registry, "circuit_snapshot_c2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	f.relay.SetDown(true)
	f.clock.Advance(time.Hour)
	snap, err = f.engine.ComputeParameterSnapshot(ctx, alice.Pubkey, testutil.MarketID)
	require.NoError(t, err)
	assert.Contains(t, snap.Degraded, "contacts")
	assert.Contains(t, snap.Degraded, "market")
	assert.Contains(t, snap.Degraded, "credentials")
	// The cache still holds everything the first run fetched
	assert.Equal(t, 5, snap.Network.N1)
	assert.Equal(t, dragon.DuStatusActive, snap.DuStatus)
}

func TestComputeParameterSnapshotBelowThreshold(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	bob := testutil.NewIdentity(t, "bob")
	f := newFixture(t, testutil.Day(1), nil,
		testutil.Contacts(t, alice, testutil.Epoch, bob),
	)
	snap, err := f.engine.ComputeParameterSnapshot(context.Background(), alice.Pubkey, testutil.MarketID)
	require.NoError(t, err)
	assert.Equal(t, dragon.DuStatusBelowActivationThreshold, snap.DuStatus)
	assert.Zero(t, snap.DU)
	assert.Equal(t, 1, snap.Network.N1)
}

// heldVoucherFixture seeds alice's five contacts and a voucher issued by bob
// on day 1 and held by carol, both contacts of alice
func heldVoucherFixture(t *testing.T, now time.Time) (*fixture, testutil.Identity) {
	t.Helper()
	ids := make([]testutil.Identity, 0, 6)
	for _, name := range []string{"alice", "bob", "carol", "dave", "erin", "frank"} {
		ids = append(ids, testutil.NewIdentity(t, name))
	}
	_, held := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: ids[1],
		Path:   []testutil.Identity{ids[2]},
		Start:  testutil.Day(1),
	})
	evs := append(
		[]*nostr.Event{testutil.Contacts(t, ids[0], testutil.Epoch, ids[1:]...)},
		held...,
	)
	return newFixture(t, now, nil, evs...), ids[0]
}

func TestComputeParameterSnapshotIsStableWithinPeriod(t *testing.T) {
	f, alice := heldVoucherFixture(t, testutil.Day(10))
	ctx := context.Background()
	// du = 10 + c2 * massN1 / |N1| with the default c2 and no skills
	expected := dragon.DefaultParams().DuInitial + 0.07*10/5

	for range 3 {
		snap, err := f.engine.ComputeParameterSnapshot(ctx, alice.Pubkey, testutil.MarketID)
		require.NoError(t, err)
		assert.InDelta(t, expected, snap.DU, 1e-9)
		assert.Equal(t, testutil.Day(10), snap.PeriodStart)
	}
	history, err := f.engine.SnapshotHistory(alice.Pubkey, testutil.MarketID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	// The next period accrues on top of the last one
	f.clock.Advance(24 * time.Hour)
	snap, err := f.engine.ComputeParameterSnapshot(ctx, alice.Pubkey, testutil.MarketID)
	require.NoError(t, err)
	assert.InDelta(t, expected+0.07*10/5, snap.DU, 1e-9)
	history, err = f.engine.SnapshotHistory(alice.Pubkey, testutil.MarketID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, snap.ID, history[0].ID)
}

func TestComputeParameterSnapshotCountsIdleVouchers(t *testing.T) {
	// The voucher last moved on day 2 and expires on day 91
	f, alice := heldVoucherFixture(t, testutil.Day(60))
	snap, err := f.engine.ComputeParameterSnapshot(
		context.Background(),
		alice.Pubkey,
		testutil.MarketID,
	)
	require.NoError(t, err)
	assert.Empty(t, snap.Degraded)
	held := dragon.DefaultParams().DuInitial + 0.07*10/5
	assert.InDelta(t, held, snap.DU, 1e-9)

	// Once expired it carries no mass and the dividend stops growing
	f.clock.Advance(40 * 24 * time.Hour)
	snap, err = f.engine.ComputeParameterSnapshot(
		context.Background(),
		alice.Pubkey,
		testutil.MarketID,
	)
	require.NoError(t, err)
	assert.InDelta(t, held, snap.DU, 1e-9)
}

func TestComputeParameterSnapshotValidation(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	f := newFixture(t, testutil.Epoch, nil)
	ctx := context.Background()
	_, err := f.engine.ComputeParameterSnapshot(ctx, alice.Pubkey, "elsewhere")
	require.ErrorIs(t, err, voucher.ErrInvalidMarket)
	_, err = f.engine.ComputeParameterSnapshot(ctx, "not-a-key", testutil.MarketID)
	require.ErrorIs(t, err, voucher.ErrInvalidIdentity)
}

func TestBuildCirculationGraphFetchesHistories(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	bob := testutil.NewIdentity(t, "bob")
	carol := testutil.NewIdentity(t, "carol")
	_, evs := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: alice,
		Path:   []testutil.Identity{bob, carol},
		Start:  testutil.Epoch,
		Burn:   true,
	})
	// The window starts after the issuance, which comes from the second phase
	f := newFixture(t, testutil.Day(5).Add(12*time.Hour), nil, evs...)
	g, err := f.engine.BuildCirculationGraph(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, g.WindowDays)
	assert.Zero(t, g.Skipped)
	assert.Empty(t, g.Degraded)
	found := false
	for _, e := range g.Edges {
		if e.FromID == carol.Pubkey && e.ToID == alice.Pubkey {
			found = true
			assert.InDelta(t, 10.0, e.TotalValue, 1e-9)
		}
	}
	assert.True(t, found, "carol -> alice edge")
}

func TestCertifications(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	carol := testutil.NewIdentity(t, "carol")
	req := testutil.Request(t, carol, "Baking", testutil.Epoch)
	f := newFixture(t, testutil.Day(1), []testutil.Identity{alice, carol}, req)
	ctx := context.Background()

	issuedCh := make(chan event.Event, 1)
	f.engine.EventBus().SubscribeFunc(
		event.CredentialIssuedEventType,
		func(evt event.Event) { issuedCh <- evt },
	)

	pending, err := f.engine.ListPendingCertifications(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)
	assert.Equal(t, carol.Pubkey, pending[0].SubjectID)
	assert.Equal(t, 1, pending[0].Level)
	assert.Equal(t, wotx.DefaultCommunityThreshold, pending[0].Threshold)

	pending, err = f.engine.ListPendingCertifications(ctx, []string{"plumbing"})
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.engine.Attest(ctx, req.ID, carol.Pubkey)
	require.ErrorIs(t, err, wotx.ErrSelfAttestation)
	_, err = f.engine.Attest(ctx, "unknown", alice.Pubkey)
	require.ErrorIs(t, err, wotx.ErrUnknownRequest)

	f.clock.Advance(time.Hour)
	att, err := f.engine.Attest(ctx, req.ID, alice.Pubkey)
	require.NoError(t, err)
	assert.NotEmpty(t, att.EventID)
	assert.Equal(t, 1, att.Level)

	evt := testutil.RequireReceive(t, issuedCh, 2*time.Second, "credential issued event")
	issued, ok := evt.Data.(event.CredentialIssuedEvent)
	require.True(t, ok)
	assert.Equal(t, carol.Pubkey, issued.SubjectID)
	assert.Equal(t, []string{alice.Pubkey}, issued.Attesters)

	var creds int
	for _, ev := range f.relay.Events() {
		if ev.Kind == eventlog.KindCredential {
			creds++
			assert.Equal(t, alice.Pubkey, ev.PubKey)
		}
	}
	assert.Equal(t, 1, creds)

	f.clock.Advance(time.Hour)
	pending, err = f.engine.ListPendingCertifications(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = f.engine.Attest(ctx, req.ID, alice.Pubkey)
	require.ErrorIs(t, err, wotx.ErrRequestFulfilled)
}
