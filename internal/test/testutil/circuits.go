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

package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/voucher"
)

// MarketID is the market used by test lifecycles
const MarketID = "market-test"

// MarketSeed is the hex seed of the test market
var MarketSeed = strings.Repeat("ab", 32)

// Lifecycle returns a voucher lifecycle for the test market with a fixed clock
func Lifecycle(t testing.TB, now time.Time) *voucher.Lifecycle {
	t.Helper()
	m, err := voucher.ParseMarket(MarketID, "Test market", MarketSeed)
	require.NoError(t, err)
	markets, err := voucher.NewMarkets(m)
	require.NoError(t, err)
	return voucher.NewLifecycle(
		markets,
		voucher.WithClock(func() time.Time { return now }),
	)
}

// VoucherEvent signs the state event announcing v, authored by author
func VoucherEvent(
	t testing.TB,
	author Identity,
	v *voucher.Voucher,
	at time.Time,
) *nostr.Event {
	t.Helper()
	return Sign(t, author, eventlog.EncodeVoucherState(
		voucher.StateRecord(v, author.Pubkey, at),
	))
}

// ProofEvent signs a circuit proof as its issuer
func ProofEvent(t testing.TB, issuer Identity, p *voucher.CircuitProof) *nostr.Event {
	t.Helper()
	return Sign(t, issuer, eventlog.EncodeCircuitProof(voucher.ProofRecord(p)))
}

// CircuitRun describes one voucher journey
type CircuitRun struct {
	Issuer Identity
	// Path lists the bearers after the issuer, in order
	Path  []Identity
	Value float64
	Start time.Time
	// Burn returns the voucher to the issuer and burns it after the path
	Burn bool
	// Step is the time between hops, one day when zero
	Step time.Duration
}

// Circuit plays a voucher along a path and returns the signed events it
// produced, in order
func Circuit(t testing.TB, run CircuitRun) (*voucher.Voucher, []*nostr.Event) {
	t.Helper()
	require.NotEmpty(t, run.Path)
	step := run.Step
	if step == 0 {
		step = 24 * time.Hour
	}
	value := run.Value
	if value == 0 {
		value = 10
	}
	at := run.Start
	lc := Lifecycle(t, at)
	v, err := lc.Issue(run.Issuer.Pubkey, value, MarketID, at.Add(90*24*time.Hour), voucher.IssueOptions{})
	require.NoError(t, err)
	evs := []*nostr.Event{VoucherEvent(t, run.Issuer, v, at)}

	v, err = voucher.Handoff(v, run.Path[0].Pubkey)
	require.NoError(t, err)
	evs = append(evs, VoucherEvent(t, run.Issuer, v, at))
	at = at.Add(step)
	v, err = voucher.Accept(v, run.Path[0].Pubkey, at)
	require.NoError(t, err)
	evs = append(evs, VoucherEvent(t, run.Path[0], v, at))

	holder := run.Path[0]
	next := run.Path[1:]
	if run.Burn {
		next = append(append([]Identity{}, next...), run.Issuer)
	}
	for _, to := range next {
		at = at.Add(step)
		v, err = voucher.Transfer(v, holder.Pubkey, to.Pubkey, at)
		require.NoError(t, err)
		evs = append(evs, VoucherEvent(t, holder, v, at))
		holder = to
	}
	if run.Burn {
		at = at.Add(step)
		burned, proof, err := voucher.Burn(v, run.Issuer.Pubkey, at)
		require.NoError(t, err)
		evs = append(evs,
			VoucherEvent(t, run.Issuer, burned, at),
			ProofEvent(t, run.Issuer, proof),
		)
		v = burned
	}
	return v, evs
}
