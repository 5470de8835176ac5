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
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// The Encode functions build unsigned events from records. CreatedAt comes
// from the record envelope; author, id and signature are set when signing.

const statusIssued = "issued"

// EncodeContacts builds a contact list event
func EncodeContacts(at time.Time, contacts []string) *nostr.Event {
	tags := make(nostr.Tags, 0, len(contacts))
	for _, c := range contacts {
		tags = append(tags, nostr.Tag{TagPubkey, c})
	}
	return newEvent(KindContacts, at, tags)
}

// EncodeVoucherState builds a voucher state event
func EncodeVoucherState(rec *VoucherState) *nostr.Event {
	tags := nostr.Tags{
		{TagIdentifier, VoucherStateIdentifier(rec.VoucherID, rec.Hop, rec.Status, rec.Bearer)},
		{TagVoucher, rec.VoucherID},
		{TagTopic, MarketTopic(rec.Market)},
		{TagIssuer, rec.Issuer},
		{TagMarket, rec.Market},
		{TagStatus, rec.Status},
		{TagValue, formatFloat(rec.Value)},
		{TagExpiry, formatUnix(rec.ExpiresAt)},
		{TagCreated, formatUnix(rec.IssuedAt)},
		{TagHop, strconv.Itoa(rec.Hop)},
	}
	if rec.Status == statusIssued {
		tags = append(tags, nostr.Tag{TagTopic, IssuanceTopic(rec.Market)})
	}
	if rec.Bearer != "" {
		tags = append(tags, nostr.Tag{TagPubkey, rec.Bearer})
	}
	tags = appendOptional(tags, TagCategory, rec.Category)
	tags = appendOptional(tags, TagRarity, rec.Rarity)
	tags = appendOptional(tags, TagWitness, rec.Witness)
	tags = appendOptional(tags, TagWish, rec.Wish)
	return newEvent(KindVoucher, rec.CreatedAt, tags)
}

// EncodeCircuitProof builds a closed-circuit proof event
func EncodeCircuitProof(rec *CircuitProof) *nostr.Event {
	tags := nostr.Tags{
		{TagIdentifier, rec.VoucherID},
		{TagVoucher, rec.VoucherID},
		{TagValue, formatFloat(rec.Value)},
		{TagHops, strconv.Itoa(rec.HopCount)},
		{TagAge, formatFloat(rec.AgeDays)},
	}
	if rec.Market != "" {
		tags = append(tags,
			nostr.Tag{TagTopic, MarketTopic(rec.Market)},
			nostr.Tag{TagMarket, rec.Market},
		)
	}
	tags = appendOptional(tags, TagRarity, rec.Rarity)
	if skill := NormalizeSkill(rec.Skill); skill != "" {
		tags = append(tags,
			nostr.Tag{TagTopic, SkillTopic(skill)},
			nostr.Tag{TagSkill, skill},
		)
	}
	return newEvent(KindCircuitProof, rec.CreatedAt, tags)
}

// EncodeCredentialRequest builds a certification request event
func EncodeCredentialRequest(rec *CredentialRequest) *nostr.Event {
	tags := nostr.Tags{
		{TagIdentifier, NormalizeSkill(rec.Skill) + ":" + formatUnix(rec.CreatedAt)},
		{TagTopic, SkillTopic(rec.Skill)},
		{TagSkill, NormalizeSkill(rec.Skill)},
	}
	if rec.Level > 0 {
		tags = append(tags, nostr.Tag{TagLevel, FormatLevel(rec.Level)})
	}
	return newEvent(KindCredentialRequest, rec.CreatedAt, tags)
}

// EncodeAttestation builds an attestation event
func EncodeAttestation(rec *Attestation) *nostr.Event {
	tags := nostr.Tags{
		{TagIdentifier, rec.RequestID},
		{TagEvent, rec.RequestID},
		{TagPubkey, rec.Subject},
		{TagTopic, SkillTopic(rec.Skill)},
		{TagSkill, NormalizeSkill(rec.Skill)},
	}
	if rec.Level > 0 {
		tags = append(tags, nostr.Tag{TagLevel, FormatLevel(rec.Level)})
	}
	return newEvent(KindAttestation, rec.CreatedAt, tags)
}

// EncodeCredential builds a credential event
func EncodeCredential(rec *Credential) *nostr.Event {
	skill := NormalizeSkill(rec.Skill)
	tags := nostr.Tags{
		{TagIdentifier, rec.Subject + ":" + skill + ":" + FormatLevel(rec.Level) + ":" + formatUnix(rec.IssuedAt)},
		{TagPubkey, rec.Subject},
		{TagTopic, SkillTopic(skill)},
		{TagSkill, skill},
		{TagLevel, FormatLevel(rec.Level)},
		{TagIssued, formatUnix(rec.IssuedAt)},
		{TagExpires, formatUnix(rec.ExpiresAt)},
	}
	for _, a := range rec.Attesters {
		tags = append(tags, nostr.Tag{TagAttester, a})
	}
	return newEvent(KindCredential, rec.CreatedAt, tags)
}

func newEvent(kind int, at time.Time, tags nostr.Tags) *nostr.Event {
	if at.IsZero() {
		at = time.Now()
	}
	return &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(at.Unix()),
		Tags:      tags,
	}
}

func appendOptional(tags nostr.Tags, name, value string) nostr.Tags {
	if value == "" {
		return tags
	}
	return append(tags, nostr.Tag{name, value})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
