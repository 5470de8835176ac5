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

package eventlog

import (
	"time"
)

// Record is a typed, validated view of a single signed event
type Record interface {
	Envelope() Meta
}

// Meta holds the envelope fields shared by every record
type Meta struct {
	CreatedAt time.Time
	EventID   string
	Author    string
	Kind      int
}

// Envelope returns the envelope fields
func (m Meta) Envelope() Meta {
	return m
}

// Profile is display metadata only and is never used by the economics
type Profile struct {
	Meta
	Name string
}

// Contacts is a declared contact list. Only the latest list per author counts.
type Contacts struct {
	Meta
	Contacts []string
}

// VoucherState is one issuance, transfer or status change of a voucher.
// Bearer is the identity receiving the traveler part, if any.
type VoucherState struct {
	Meta
	IssuedAt  time.Time
	ExpiresAt time.Time
	VoucherID string
	Issuer    string
	Market    string
	Status    string
	Bearer    string
	Category  string
	Rarity    string
	Witness   string
	Wish      string
	Value     float64
	Hop       int
}

// CircuitProof is the published evidence that a voucher returned to its issuer
type CircuitProof struct {
	Meta
	VoucherID string
	Market    string
	Rarity    string
	Skill     string
	Value     float64
	AgeDays   float64
	HopCount  int
}

// CredentialRequest asks peers to certify the author in a skill. The request
// id is the event id. Level is optional and zero means "next level".
type CredentialRequest struct {
	Meta
	Skill string
	Level int
}

// RequestID returns the identifier attestations refer to
func (r *CredentialRequest) RequestID() string {
	return r.EventID
}

// Subject returns the identity asking for certification
func (r *CredentialRequest) Subject() string {
	return r.Author
}

// Attestation is one peer vouching for a request
type Attestation struct {
	Meta
	RequestID string
	Subject   string
	Skill     string
	Level     int
}

// Credential is a published certification of a subject in a skill
type Credential struct {
	Meta
	IssuedAt  time.Time
	ExpiresAt time.Time
	Subject   string
	Skill     string
	Attesters []string
	Level     int
}
