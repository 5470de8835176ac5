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

// Package eventlog normalizes signed relay events into typed records and keeps
// them in an append-only, deduplicated store. Views taken from the store are
// immutable and indexed, so every higher-level computation runs against its
// own snapshot of the log.
package eventlog

import "strconv"

// Event kinds understood by the engine. All but profiles and contacts are
// addressable, so relays keep one event per author, kind and "d" tag; every
// encoder gives each logical event its own "d".
const (
	KindProfile           = 0
	KindContacts          = 3
	KindVoucher           = 30303
	KindCircuitProof      = 30304
	KindCredentialRequest = 30501
	KindAttestation       = 30502
	KindCredential        = 30503
)

// Tag names used on the wire. Relays only index single-letter tags, so
// voucher ids live in "v" and markets and skills are mirrored into "t" topics.
const (
	TagIdentifier = "d"
	TagPubkey     = "p"
	TagEvent      = "e"
	TagVoucher    = "v"
	TagTopic      = "t"
	TagIssuer     = "issuer"
	TagMarket     = "market"
	TagStatus     = "status"
	TagValue      = "value"
	TagExpiry     = "expiry"
	TagCreated    = "created"
	TagCategory   = "category"
	TagRarity     = "rarity"
	TagHop        = "hop"
	TagHops       = "hops"
	TagAge        = "age"
	TagWitness    = "witness"
	TagWish       = "wish"
	TagSkill      = "skill"
	TagLevel      = "level"
	TagIssued     = "issued"
	TagExpires    = "expires"
	TagAttester   = "attester"
)

// KindName returns a short human readable name for a known event kind
func KindName(kind int) string {
	switch kind {
	case KindProfile:
		return "profile"
	case KindContacts:
		return "contacts"
	case KindVoucher:
		return "voucher"
	case KindCircuitProof:
		return "circuit-proof"
	case KindCredentialRequest:
		return "credential-request"
	case KindAttestation:
		return "attestation"
	case KindCredential:
		return "credential"
	default:
		return "unknown"
	}
}

// Known reports whether the engine consumes events of this kind
func Known(kind int) bool {
	return KindName(kind) != "unknown"
}

// Topic prefixes for the "t" tag
const (
	MarketTopicPrefix   = "circuit-market:"
	IssuanceTopicPrefix = "circuit-issuance:"
	SkillTopicPrefix    = "circuit-skill:"
)

// MarketTopic returns the "t" tag value of a market
func MarketTopic(marketID string) string {
	return MarketTopicPrefix + marketID
}

// IssuanceTopic returns the "t" tag value carried only by the issuing event
// of a voucher, so vouchers still in force can be found however long they
// have been idle
func IssuanceTopic(marketID string) string {
	return IssuanceTopicPrefix + marketID
}

// SkillTopic returns the "t" tag value of a skill
func SkillTopic(skill string) string {
	return SkillTopicPrefix + NormalizeSkill(skill)
}

// VoucherStateIdentifier returns the "d" tag of a voucher state event. It is
// unique per hop, status and bearer so relays never replace history.
func VoucherStateIdentifier(voucherID string, hop int, status, bearer string) string {
	d := voucherID + ":" + strconv.Itoa(hop) + ":" + status
	if bearer != "" {
		d += ":" + bearer
	}
	return d
}
