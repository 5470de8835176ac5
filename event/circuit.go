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

package event

import (
	"time"

	"github.com/bonlabs/circuit/dragon"
)

const (
	VoucherIssuedEventType      = EventType("voucher.issued")
	VoucherTransferredEventType = EventType("voucher.transferred")
	VoucherBurnedEventType      = EventType("voucher.burned")
	AttestationEventType        = EventType("credential.attested")
	CredentialIssuedEventType   = EventType("credential.issued")
	SnapshotComputedEventType   = EventType("snapshot.computed")
	FetchDegradedEventType      = EventType("fetch.degraded")
)

// VoucherIssuedEvent is emitted after a new voucher is published
type VoucherIssuedEvent struct {
	VoucherID string
	IssuerID  string
	MarketID  string
	Value     float64
	ExpiresAt time.Time
}

// VoucherTransferredEvent is emitted after a bearer hands a voucher on
type VoucherTransferredEvent struct {
	VoucherID string
	FromID    string
	ToID      string
	HopCount  int
}

// VoucherBurnedEvent is emitted when a circuit closes and its proof is
// published
type VoucherBurnedEvent struct {
	VoucherID string
	IssuerID  string
	MarketID  string
	Value     float64
	HopCount  int
	AgeDays   float64
}

// AttestationEvent is emitted after a local identity attests a request
type AttestationEvent struct {
	RequestID  string
	SubjectID  string
	AttesterID string
	Skill      string
}

// CredentialIssuedEvent is emitted when an attestation completes the
// threshold and the credential is published
type CredentialIssuedEvent struct {
	SubjectID string
	Skill     string
	Level     int
	Attesters []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SnapshotComputedEvent carries a freshly computed parameter snapshot
type SnapshotComputedEvent struct {
	Snapshot *dragon.Snapshot
}

// FetchDegradedEvent is emitted when a relay fetch fell back to the cache
type FetchDegradedEvent struct {
	Operation string
	Fetch     string
	Error     string
}
