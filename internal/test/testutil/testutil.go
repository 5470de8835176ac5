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

// Package testutil provides shared helpers for tests: deterministic test
// identities, event signing and channel/condition waits that replace ad-hoc
// sleeps.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/bonlabs/circuit/eventlog"
)

// Epoch is a fixed reference time used by tests
var Epoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// Day returns Epoch plus n days
func Day(n int) time.Time {
	return Epoch.Add(time.Duration(n) * 24 * time.Hour)
}

// Identity is a deterministic keypair derived from a name
type Identity struct {
	Name   string
	Secret string
	Pubkey string
}

// NewIdentity derives a keypair from a name so tests are reproducible
func NewIdentity(t testing.TB, name string) Identity {
	t.Helper()
	sum := sha256.Sum256([]byte("circuit-test:" + name))
	secret := hex.EncodeToString(sum[:])
	pub, err := nostr.GetPublicKey(secret)
	require.NoError(t, err)
	return Identity{Name: name, Secret: secret, Pubkey: pub}
}

// Signer returns a key signer holding the given identities
func Signer(t testing.TB, ids ...Identity) *eventlog.KeySigner {
	t.Helper()
	secrets := make([]string, 0, len(ids))
	for _, id := range ids {
		secrets = append(secrets, id.Secret)
	}
	s, err := eventlog.NewKeySigner(secrets...)
	require.NoError(t, err)
	return s
}

// Sign signs an event as the given identity
func Sign(t testing.TB, id Identity, ev *nostr.Event) *nostr.Event {
	t.Helper()
	require.NoError(t, ev.Sign(id.Secret))
	return ev
}

// Contacts builds a signed contact list
func Contacts(
	t testing.TB,
	author Identity,
	at time.Time,
	contacts ...Identity,
) *nostr.Event {
	t.Helper()
	pubs := make([]string, 0, len(contacts))
	for _, c := range contacts {
		pubs = append(pubs, c.Pubkey)
	}
	return Sign(t, author, eventlog.EncodeContacts(at, pubs))
}

// Request builds a signed credential request
func Request(
	t testing.TB,
	subject Identity,
	skill string,
	at time.Time,
) *nostr.Event {
	t.Helper()
	return Sign(t, subject, eventlog.EncodeCredentialRequest(
		&eventlog.CredentialRequest{
			Meta:  eventlog.Meta{CreatedAt: at},
			Skill: skill,
		},
	))
}

// Attest builds a signed attestation for a request event
func Attest(
	t testing.TB,
	attester Identity,
	request *nostr.Event,
	skill string,
	at time.Time,
) *nostr.Event {
	t.Helper()
	return Sign(t, attester, eventlog.EncodeAttestation(
		&eventlog.Attestation{
			Meta:      eventlog.Meta{CreatedAt: at},
			RequestID: request.ID,
			Subject:   request.PubKey,
			Skill:     skill,
		},
	))
}

// Credential builds a signed credential published by author
func Credential(
	t testing.TB,
	author Identity,
	subject Identity,
	skill string,
	level int,
	issued time.Time,
	validity time.Duration,
) *nostr.Event {
	t.Helper()
	return Sign(t, author, eventlog.EncodeCredential(
		&eventlog.Credential{
			Meta:      eventlog.Meta{CreatedAt: issued},
			Subject:   subject.Pubkey,
			Skill:     skill,
			Level:     level,
			IssuedAt:  issued,
			ExpiresAt: issued.Add(validity),
			Attesters: []string{author.Pubkey},
		},
	))
}

// WaitForCondition polls the given condition function until it returns true
// or the timeout expires.
func WaitForCondition(
	t *testing.T,
	condition func() bool,
	timeout time.Duration,
	msg string,
) {
	t.Helper()
	require.Eventually(
		t,
		condition,
		timeout,
		10*time.Millisecond,
		msg,
	)
}

// RequireReceive waits for a value on the given channel or fails the test
// if the timeout expires.
func RequireReceive[T any](
	t *testing.T,
	ch <-chan T,
	timeout time.Duration,
	msg string,
) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for channel receive: %s", msg)
		var zero T
		return zero
	}
}
