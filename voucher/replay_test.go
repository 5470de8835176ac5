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

package voucher_test

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/internal/test/testutil"
	"github.com/bonlabs/circuit/voucher"
)

func replayEvents(t *testing.T, voucherID string, evs ...*nostr.Event) (*voucher.Replayed, error) {
	t.Helper()
	store := eventlog.NewStore(nil)
	res := store.Append(evs...)
	require.Zero(t, res.Skipped)
	return voucher.Replay(store.View().VoucherHistory(voucherID), testutil.Day(30))
}

func TestReplayClosedCircuit(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	bob := testutil.NewIdentity(t, "bob")
	carol := testutil.NewIdentity(t, "carol")
	v, evs := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: alice,
		Path:   []testutil.Identity{bob, carol},
		Start:  testutil.Epoch,
		Burn:   true,
	})
	ret, err := replayEvents(t, v.ID, evs...)
	require.NoError(t, err)
	assert.Zero(t, ret.Skipped)
	assert.Equal(t, voucher.StatusBurned, ret.Voucher.Status)
	assert.Equal(t, 3, ret.Voucher.HopCount)
	assert.Equal(t, testutil.Day(4), ret.BurnedAt)
	require.Len(t, ret.Hops, 3)
	assert.Equal(t, alice.Pubkey, ret.Hops[0].From)
	assert.Equal(t, bob.Pubkey, ret.Hops[0].To)
	assert.Equal(t, carol.Pubkey, ret.Hops[2].From)
	assert.Equal(t, alice.Pubkey, ret.Hops[2].To)
	for _, hop := range ret.Hops {
		assert.InDelta(t, 10.0, hop.Value, 1e-9)
	}
	assert.Nil(t, ret.Voucher.Traveler.Share)
	assert.True(t, voucher.VerifyWitness(ret.Voucher))
}

func TestReplayConflictingTransfer(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	bob := testutil.NewIdentity(t, "bob")
	carol := testutil.NewIdentity(t, "carol")
	dave := testutil.NewIdentity(t, "dave")
	v, evs := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: alice,
		Path:   []testutil.Identity{bob, carol},
		Start:  testutil.Epoch,
	})
	// bob already handed the voucher to carol and now claims to hand it to dave
	stale, err := voucher.Handoff(mustIssuedCopy(t, v), bob.Pubkey)
	require.NoError(t, err)
	stale, err = voucher.Transfer(stale, bob.Pubkey, dave.Pubkey, testutil.Day(3))
	require.NoError(t, err)
	evs = append(evs, testutil.VoucherEvent(t, bob, stale, testutil.Day(3)))

	ret, err := replayEvents(t, v.ID, evs...)
	require.NoError(t, err)
	assert.Equal(t, 1, ret.Skipped)
	assert.Equal(t, carol.Pubkey, ret.Voucher.Bearer())
	assert.Equal(t, 2, ret.Voucher.HopCount)
}

// mustIssuedCopy rewinds a public copy of v to its issued state
func mustIssuedCopy(t *testing.T, v *voucher.Voucher) *voucher.Voucher {
	t.Helper()
	c := v.Public()
	c.Status = voucher.StatusIssued
	c.HopCount = 0
	c.Traveler.Holder = c.IssuerID
	return c
}

func TestReplayUnknownVoucher(t *testing.T) {
	_, err := voucher.Replay(nil, testutil.Epoch)
	require.ErrorIs(t, err, voucher.ErrStaleOrUnknownVoucher)

	alice := testutil.NewIdentity(t, "alice")
	bob := testutil.NewIdentity(t, "bob")
	carol := testutil.NewIdentity(t, "carol")
	v, evs := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: alice,
		Path:   []testutil.Identity{bob, carol},
		Start:  testutil.Epoch,
	})
	// Without the issuer's events the history has no valid start
	ret, err := replayEvents(t, v.ID, evs[len(evs)-1])
	require.ErrorIs(t, err, voucher.ErrStaleOrUnknownVoucher)
	assert.Equal(t, 1, ret.Skipped)
}

func TestReplayExpires(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	bob := testutil.NewIdentity(t, "bob")
	v, evs := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: alice,
		Path:   []testutil.Identity{bob},
		Start:  testutil.Epoch,
	})
	store := eventlog.NewStore(nil)
	store.Append(evs...)
	ret, err := voucher.Replay(store.View().VoucherHistory(v.ID), testutil.Day(120))
	require.NoError(t, err)
	assert.Equal(t, voucher.StatusExpired, ret.Voucher.Status)
	assert.Equal(t, bob.Pubkey, ret.Voucher.Bearer())
}

func TestReplayRejectsBurnByBearer(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	bob := testutil.NewIdentity(t, "bob")
	v, evs := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: alice,
		Path:   []testutil.Identity{bob},
		Start:  testutil.Epoch,
	})
	forged := *v.Public()
	forged.Status = voucher.StatusBurned
	evs = append(evs, testutil.VoucherEvent(t, alice, &forged, testutil.Day(5)))
	ret, err := replayEvents(t, v.ID, evs...)
	require.NoError(t, err)
	assert.Equal(t, 1, ret.Skipped)
	assert.Equal(t, voucher.StatusActive, ret.Voucher.Status)
}
