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

package wotx_test

import (
	"slices"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/internal/test/testutil"
	"github.com/bonlabs/circuit/wotx"
)

type people struct {
	alice, bob, carol, dave, erin, frank testutil.Identity
}

func newPeople(t *testing.T) people {
	return people{
		alice: testutil.NewIdentity(t, "alice"),
		bob:   testutil.NewIdentity(t, "bob"),
		carol: testutil.NewIdentity(t, "carol"),
		dave:  testutil.NewIdentity(t, "dave"),
		erin:  testutil.NewIdentity(t, "erin"),
		frank: testutil.NewIdentity(t, "frank"),
	}
}

func viewOf(t *testing.T, evs ...*nostr.Event) *eventlog.View {
	t.Helper()
	store := eventlog.NewStore(nil)
	res := store.Append(evs...)
	require.Zero(t, res.Skipped)
	return store.View()
}

func sorted(ids ...testutil.Identity) []string {
	ret := make([]string, 0, len(ids))
	for _, id := range ids {
		ret = append(ret, id.Pubkey)
	}
	slices.Sort(ret)
	return ret
}

func officialParams() wotx.Params {
	p := wotx.DefaultParams()
	p.OfficialSkills = []string{"Medicine"}
	return p
}

func TestBuildTrustGraph(t *testing.T) {
	p := newPeople(t)
	view := viewOf(t,
		testutil.Contacts(t, p.alice, testutil.Day(1), p.bob, p.carol),
		// Superseded by the later list
		testutil.Contacts(t, p.bob, testutil.Day(1), p.frank),
		testutil.Contacts(t, p.bob, testutil.Day(2), p.alice, p.dave, p.carol),
		testutil.Contacts(t, p.carol, testutil.Day(1), p.erin, p.dave),
		// Third hop is out of reach
		testutil.Contacts(t, p.erin, testutil.Day(1), p.frank),
	)
	g := wotx.BuildTrustGraph(view, p.alice.Pubkey)
	assert.Equal(t, sorted(p.bob, p.carol), g.N1)
	assert.Equal(t, sorted(p.dave, p.erin), g.N2)
	assert.True(t, g.InN1(p.bob.Pubkey))
	assert.True(t, g.InN2(p.erin.Pubkey))
	assert.False(t, g.InN2(p.frank.Pubkey))
	assert.Len(t, g.Members(), 4)

	empty := wotx.BuildTrustGraph(view, p.frank.Pubkey)
	assert.Empty(t, empty.N1)
	assert.Empty(t, empty.N2)
}

func TestThresholds(t *testing.T) {
	params := officialParams()
	assert.Equal(t, 2, params.Threshold("medicine"))
	assert.Equal(t, 2, params.Threshold(" MEDICINE "))
	assert.Equal(t, 1, params.Threshold("baking"))
	assert.Equal(t, 1, wotx.Params{}.Threshold("baking"))
}

func TestBootstrapCommunitySkill(t *testing.T) {
	p := newPeople(t)
	req := testutil.Request(t, p.alice, "baking", testutil.Day(1))
	view := viewOf(t, req, testutil.Attest(t, p.bob, req, "baking", testutil.Day(2)))
	res := wotx.Evaluate(view, testutil.Day(3), wotx.DefaultParams())
	require.Len(t, res.Issued, 1)
	c := res.Issued[0]
	assert.Equal(t, p.alice.Pubkey, c.SubjectID)
	assert.Equal(t, "baking", c.Skill)
	assert.Equal(t, 1, c.Level)
	assert.Equal(t, []string{p.bob.Pubkey}, c.Attesters)
	assert.Equal(t, testutil.Day(2), c.IssuedAt)
	assert.Equal(t, testutil.Day(2).Add(wotx.DefaultValidity), c.ExpiresAt)
	assert.Empty(t, res.PendingRequests())
	assert.Equal(t, 1, res.Level(p.alice.Pubkey, "Baking"))
}

func TestOfficialSkillNeedsTwoAttesters(t *testing.T) {
	p := newPeople(t)
	req := testutil.Request(t, p.alice, "medicine", testutil.Day(1))
	first := testutil.Attest(t, p.bob, req, "medicine", testutil.Day(2))

	res := wotx.Evaluate(viewOf(t, req, first), testutil.Day(3), officialParams())
	assert.Empty(t, res.Issued)
	pending := res.PendingRequests("Medicine")
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Level)
	assert.Equal(t, 2, pending[0].Threshold)
	assert.Equal(t, []string{p.bob.Pubkey}, pending[0].Attesters)
	assert.Empty(t, res.PendingRequests("baking"))

	second := testutil.Attest(t, p.carol, req, "medicine", testutil.Day(3))
	res = wotx.Evaluate(viewOf(t, req, first, second), testutil.Day(4), officialParams())
	require.Len(t, res.Issued, 1)
	assert.Equal(t, sorted(p.bob, p.carol), res.Issued[0].Attesters)
}

func TestAttesterMustHoldSkill(t *testing.T) {
	p := newPeople(t)
	// bob holds baking, so the skill is no longer bootstrapping
	bobReq := testutil.Request(t, p.bob, "baking", testutil.Day(0))
	issued := testutil.Day(0).Add(time.Hour)
	evs := []*nostr.Event{
		bobReq,
		testutil.Attest(t, p.alice, bobReq, "baking", issued),
		testutil.Credential(t, p.alice, p.bob, "baking", 1, issued, wotx.DefaultValidity),
	}
	req := testutil.Request(t, p.dave, "baking", testutil.Day(1))
	evs = append(evs, req, testutil.Attest(t, p.erin, req, "baking", testutil.Day(2)))
	res := wotx.Evaluate(viewOf(t, evs...), testutil.Day(3), wotx.DefaultParams())
	assert.Empty(t, res.Issued)
	require.Len(t, res.PendingRequests(), 1)
	assert.Empty(t, res.PendingRequests()[0].Attesters)

	_, err := res.Attest(req.ID, p.erin.Pubkey)
	require.ErrorIs(t, err, wotx.ErrNotQualified)
	att, err := res.Attest(req.ID, p.bob.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, 1, att.Level)
	assert.Equal(t, p.dave.Pubkey, att.SubjectID)

	evs = append(evs, testutil.Attest(t, p.bob, req, "baking", testutil.Day(3)))
	res = wotx.Evaluate(viewOf(t, evs...), testutil.Day(4), wotx.DefaultParams())
	require.Len(t, res.Issued, 1)
	assert.Equal(t, p.dave.Pubkey, res.Issued[0].SubjectID)
}

func TestLevelProgression(t *testing.T) {
	p := newPeople(t)
	first := testutil.Request(t, p.alice, "baking", testutil.Day(1))
	daveReq := testutil.Request(t, p.dave, "baking", testutil.Day(3))
	evs := []*nostr.Event{
		first,
		testutil.Attest(t, p.bob, first, "baking", testutil.Day(2)),
		daveReq,
		testutil.Attest(t, p.alice, daveReq, "baking", testutil.Day(4)),
	}
	second := testutil.Request(t, p.alice, "baking", testutil.Day(5))
	evs = append(evs,
		second,
		// bob holds nothing and cannot vouch for level 2
		testutil.Attest(t, p.bob, second, "baking", testutil.Day(6)),
	)
	res := wotx.Evaluate(viewOf(t, evs...), testutil.Day(7), wotx.DefaultParams())
	require.Len(t, res.PendingRequests(), 1)
	assert.Equal(t, 2, res.PendingRequests()[0].Level)
	assert.Equal(t, 1, res.Level(p.alice.Pubkey, "baking"))

	evs = append(evs, testutil.Attest(t, p.dave, second, "baking", testutil.Day(7)))
	res = wotx.Evaluate(viewOf(t, evs...), testutil.Day(8), wotx.DefaultParams())
	assert.Equal(t, 2, res.Level(p.alice.Pubkey, "baking"))
	assert.Equal(t, 2, res.MaxLevel(p.alice.Pubkey))
	assert.Empty(t, res.PendingRequests())
}

func TestSelfAttestationNeverCounts(t *testing.T) {
	p := newPeople(t)
	req := testutil.Request(t, p.alice, "baking", testutil.Day(1))
	view := viewOf(t, req, testutil.Attest(t, p.alice, req, "baking", testutil.Day(2)))
	res := wotx.Evaluate(view, testutil.Day(3), wotx.DefaultParams())
	assert.Empty(t, res.Issued)
	_, err := res.Attest(req.ID, p.alice.Pubkey)
	require.ErrorIs(t, err, wotx.ErrSelfAttestation)
}

func TestRenewalRestartsCount(t *testing.T) {
	p := newPeople(t)
	params := wotx.DefaultParams()
	params.Validity = 10 * 24 * time.Hour
	first := testutil.Request(t, p.alice, "baking", testutil.Day(1))
	evs := []*nostr.Event{
		first,
		// Issued on day 2, expires on day 12
		testutil.Attest(t, p.bob, first, "baking", testutil.Day(2)),
	}
	renewal := testutil.Request(t, p.alice, "baking", testutil.Day(5))
	evs = append(evs,
		renewal,
		testutil.Attest(t, p.carol, renewal, "baking", testutil.Day(6)),
	)
	res := wotx.Evaluate(viewOf(t, evs...), testutil.Day(13), params)
	assert.Zero(t, res.Level(p.alice.Pubkey, "baking"))
	pending := res.PendingRequests()
	require.Len(t, pending, 1)
	// The expired level is renewed and the earlier attestation no longer counts
	assert.Equal(t, 1, pending[0].Level)
	assert.Empty(t, pending[0].Attesters)

	att, err := res.Attest(renewal.ID, p.carol.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, 1, att.Level)

	evs = append(evs, testutil.Attest(t, p.carol, renewal, "baking", testutil.Day(13)))
	res = wotx.Evaluate(viewOf(t, evs...), testutil.Day(14), params)
	assert.Equal(t, 1, res.Level(p.alice.Pubkey, "baking"))
	require.Len(t, res.Issued, 1)
	assert.Equal(t, testutil.Day(13), res.Issued[0].IssuedAt)
	assert.Len(t, res.Credentials, 2)
}

func TestReplayIsIdempotent(t *testing.T) {
	p := newPeople(t)
	req := testutil.Request(t, p.alice, "medicine", testutil.Day(1))
	bob := testutil.Attest(t, p.bob, req, "medicine", testutil.Day(2))
	carol := testutil.Attest(t, p.carol, req, "medicine", testutil.Day(3))
	// bob attests again with a new event, and every event is replayed twice
	bobAgain := testutil.Attest(t, p.bob, req, "medicine", testutil.Day(4))
	view := viewOf(t, req, bob, carol, bobAgain, req, bob, carol, bobAgain)

	res := wotx.Evaluate(view, testutil.Day(5), officialParams())
	require.Len(t, res.Credentials, 1)
	require.Len(t, res.Issued, 1)
	again := wotx.Evaluate(view, testutil.Day(5), officialParams())
	assert.Equal(t, res.Credentials, again.Credentials)

	_, err := res.Attest(req.ID, p.dave.Pubkey)
	require.ErrorIs(t, err, wotx.ErrRequestFulfilled)

	// Once published the credential is not issued again
	published := testutil.Sign(t, p.carol, eventlog.EncodeCredential(res.Issued[0].Record()))
	res = wotx.Evaluate(
		viewOf(t, req, bob, carol, bobAgain, published),
		testutil.Day(6),
		officialParams(),
	)
	require.Len(t, res.Credentials, 1)
	assert.True(t, res.Credentials[0].Published)
	assert.Empty(t, res.Issued)
}

func TestAttestErrors(t *testing.T) {
	p := newPeople(t)
	req := testutil.Request(t, p.alice, "medicine", testutil.Day(1))
	view := viewOf(t, req, testutil.Attest(t, p.bob, req, "medicine", testutil.Day(2)))
	res := wotx.Evaluate(view, testutil.Day(3), officialParams())

	_, err := res.Attest("missing", p.bob.Pubkey)
	require.ErrorIs(t, err, wotx.ErrUnknownRequest)
	_, err = res.Attest(req.ID, p.bob.Pubkey)
	require.ErrorIs(t, err, wotx.ErrAlreadyAttested)

	att, err := wotx.Attest(view, req.ID, p.carol.Pubkey, testutil.Day(3), officialParams())
	require.NoError(t, err)
	rec := att.Record()
	assert.Equal(t, req.ID, rec.RequestID)
	assert.Equal(t, p.carol.Pubkey, rec.Author)
	assert.Equal(t, "medicine", rec.Skill)
}

func TestImportedCredentials(t *testing.T) {
	p := newPeople(t)
	// The request lives elsewhere; only bob's attestation is in the log
	req := testutil.Request(t, p.carol, "baking", testutil.Day(0))
	view := viewOf(t,
		testutil.Attest(t, p.bob, req, "baking", testutil.Day(1)),
		testutil.Credential(t, p.bob, p.carol, "baking", 1, testutil.Day(1), wotx.DefaultValidity),
		// Levels cannot be skipped
		testutil.Credential(t, p.bob, p.carol, "baking", 3, testutil.Day(2), wotx.DefaultValidity),
		// Self-issued credentials are not trusted
		testutil.Credential(t, p.dave, p.dave, "baking", 3, testutil.Day(1), wotx.DefaultValidity),
	)
	res := wotx.Evaluate(view, testutil.Day(3), wotx.DefaultParams())
	assert.Equal(t, 1, res.Level(p.carol.Pubkey, "baking"))
	assert.Zero(t, res.Level(p.dave.Pubkey, "baking"))
	require.Len(t, res.Credentials, 1)
	assert.Equal(t, []string{p.bob.Pubkey}, res.Credentials[0].Attesters)
	// The orphan attestation and the two rejected credentials
	assert.Equal(t, 3, res.Skipped)
	assert.Empty(t, res.Issued)
}

func TestUnbackedCredentialsAreIgnored(t *testing.T) {
	p := newPeople(t)
	mallory, friend := p.frank, p.erin
	view := viewOf(t,
		testutil.Credential(t, mallory, friend, "plumbing", 5, testutil.Day(1), wotx.DefaultValidity),
		testutil.Credential(t, mallory, friend, "plumbing", 1, testutil.Day(1), wotx.DefaultValidity),
	)
	res := wotx.Evaluate(view, testutil.Day(2), wotx.DefaultParams())
	assert.Zero(t, res.Level(friend.Pubkey, "plumbing"))
	assert.Zero(t, res.MaxLevel(friend.Pubkey))
	assert.Empty(t, res.Credentials)
	assert.Equal(t, 2, res.Skipped)

	// A forged credential does not make its subject a qualified attester
	req := testutil.Request(t, p.alice, "plumbing", testutil.Day(2))
	bobReq := testutil.Request(t, p.bob, "plumbing", testutil.Day(0))
	view = viewOf(t,
		bobReq,
		testutil.Attest(t, p.carol, bobReq, "plumbing", testutil.Day(1)),
		testutil.Credential(t, mallory, friend, "plumbing", 1, testutil.Day(1), wotx.DefaultValidity),
		req,
	)
	res = wotx.Evaluate(view, testutil.Day(3), wotx.DefaultParams())
	_, err := res.Attest(req.ID, friend.Pubkey)
	require.ErrorIs(t, err, wotx.ErrNotQualified)
	_, err = res.Attest(req.ID, p.bob.Pubkey)
	require.NoError(t, err)
}
