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
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// Normalize verifies an event and converts it into a typed record.
// Signature failures wrap ErrBadSignature, field problems wrap
// ErrDataInconsistent and unsupported kinds return ErrUnknownKind.
func Normalize(ev *nostr.Event) (Record, error) {
	if ev == nil {
		return nil, newMalformed("", "event", "nil event")
	}
	if !Known(ev.Kind) {
		return nil, ErrUnknownKind
	}
	if err := Verify(ev); err != nil {
		return nil, err
	}
	meta := Meta{
		EventID:   ev.ID,
		Author:    ev.PubKey,
		Kind:      ev.Kind,
		CreatedAt: ev.CreatedAt.Time().UTC(),
	}
	switch ev.Kind {
	case KindProfile:
		return normalizeProfile(meta, ev)
	case KindContacts:
		return normalizeContacts(meta, ev)
	case KindVoucher:
		return normalizeVoucher(meta, ev)
	case KindCircuitProof:
		return normalizeProof(meta, ev)
	case KindCredentialRequest:
		return normalizeRequest(meta, ev)
	case KindAttestation:
		return normalizeAttestation(meta, ev)
	case KindCredential:
		return normalizeCredential(meta, ev)
	}
	return nil, ErrUnknownKind
}

// Verify checks that the event id matches its content and that the author signed it
func Verify(ev *nostr.Event) error {
	if !IsIdentity(ev.PubKey) {
		return newMalformed(ev.ID, "pubkey", "not a 32-byte hex key")
	}
	if ev.GetID() != ev.ID {
		return ErrBadSignature
	}
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return ErrBadSignature
	}
	return nil
}

// IsIdentity reports whether s looks like a hex encoded x-only public key
func IsIdentity(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}

func normalizeProfile(meta Meta, ev *nostr.Event) (Record, error) {
	name := gjson.Get(ev.Content, "display_name").String()
	if name == "" {
		name = gjson.Get(ev.Content, "name").String()
	}
	return &Profile{Meta: meta, Name: name}, nil
}

func normalizeContacts(meta Meta, ev *nostr.Event) (Record, error) {
	seen := make(map[string]struct{})
	contacts := make([]string, 0, len(ev.Tags))
	for _, pk := range tagValues(ev.Tags, TagPubkey) {
		if !IsIdentity(pk) || pk == ev.PubKey {
			continue
		}
		if _, ok := seen[pk]; ok {
			continue
		}
		seen[pk] = struct{}{}
		contacts = append(contacts, pk)
	}
	return &Contacts{Meta: meta, Contacts: contacts}, nil
}

func normalizeVoucher(meta Meta, ev *nostr.Event) (Record, error) {
	var err error
	rec := &VoucherState{Meta: meta}
	if rec.VoucherID, err = requireVoucherID(ev); err != nil {
		return nil, err
	}
	if rec.Issuer, err = requireIdentity(ev, TagIssuer); err != nil {
		return nil, err
	}
	if rec.Market, err = requireTag(ev, TagMarket); err != nil {
		return nil, err
	}
	if rec.Status, err = requireTag(ev, TagStatus); err != nil {
		return nil, err
	}
	if rec.Value, err = requirePositive(ev, TagValue); err != nil {
		return nil, err
	}
	if rec.ExpiresAt, err = requireUnix(ev, TagExpiry); err != nil {
		return nil, err
	}
	// Creation time falls back to the event time for the issuing event
	rec.IssuedAt = meta.CreatedAt
	if _, ok := tagValue(ev.Tags, TagCreated); ok {
		if rec.IssuedAt, err = requireUnix(ev, TagCreated); err != nil {
			return nil, err
		}
	}
	if hop, ok := tagValue(ev.Tags, TagHop); ok {
		rec.Hop, err = strconv.Atoi(hop)
		if err != nil || rec.Hop < 0 {
			return nil, newMalformed(ev.ID, TagHop, "not a non-negative integer")
		}
	}
	if bearer, ok := tagValue(ev.Tags, TagPubkey); ok {
		if !IsIdentity(bearer) {
			return nil, newMalformed(ev.ID, TagPubkey, "not an identity")
		}
		rec.Bearer = bearer
	}
	rec.Category, _ = tagValue(ev.Tags, TagCategory)
	rec.Rarity, _ = tagValue(ev.Tags, TagRarity)
	rec.Witness, _ = tagValue(ev.Tags, TagWitness)
	rec.Wish, _ = tagValue(ev.Tags, TagWish)
	if rec.Wish == "" && gjson.Valid(ev.Content) {
		rec.Wish = gjson.Get(ev.Content, "wish").String()
	}
	if !rec.ExpiresAt.After(rec.IssuedAt) {
		return nil, newMalformed(ev.ID, TagExpiry, "expiry before creation")
	}
	return rec, nil
}

func normalizeProof(meta Meta, ev *nostr.Event) (Record, error) {
	var err error
	rec := &CircuitProof{Meta: meta}
	if rec.VoucherID, err = requireVoucherID(ev); err != nil {
		return nil, err
	}
	if rec.Value, err = requirePositive(ev, TagValue); err != nil {
		return nil, err
	}
	hops, err := requireTag(ev, TagHops)
	if err != nil {
		return nil, err
	}
	rec.HopCount, err = strconv.Atoi(hops)
	if err != nil || rec.HopCount < 1 {
		return nil, newMalformed(ev.ID, TagHops, "not a positive integer")
	}
	age, err := requireTag(ev, TagAge)
	if err != nil {
		return nil, err
	}
	rec.AgeDays, err = strconv.ParseFloat(age, 64)
	if err != nil || rec.AgeDays < 0 || math.IsNaN(rec.AgeDays) ||
		math.IsInf(rec.AgeDays, 0) {
		return nil, newMalformed(ev.ID, TagAge, "not a non-negative number")
	}
	rec.Market, _ = tagValue(ev.Tags, TagMarket)
	rec.Rarity, _ = tagValue(ev.Tags, TagRarity)
	rec.Skill, _ = tagValue(ev.Tags, TagSkill)
	if rec.Skill == "" && gjson.Valid(ev.Content) {
		rec.Skill = gjson.Get(ev.Content, "skill").String()
	}
	return rec, nil
}

func normalizeRequest(meta Meta, ev *nostr.Event) (Record, error) {
	skill, err := requireSkill(ev)
	if err != nil {
		return nil, err
	}
	rec := &CredentialRequest{Meta: meta, Skill: skill}
	if _, ok := tagValue(ev.Tags, TagLevel); ok {
		if rec.Level, err = requireLevel(ev); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func normalizeAttestation(meta Meta, ev *nostr.Event) (Record, error) {
	var err error
	rec := &Attestation{Meta: meta}
	if rec.RequestID, err = requireTag(ev, TagEvent); err != nil {
		return nil, err
	}
	if rec.Subject, err = requireIdentity(ev, TagPubkey); err != nil {
		return nil, err
	}
	if rec.Skill, err = requireSkill(ev); err != nil {
		return nil, err
	}
	if _, ok := tagValue(ev.Tags, TagLevel); ok {
		if rec.Level, err = requireLevel(ev); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func normalizeCredential(meta Meta, ev *nostr.Event) (Record, error) {
	var err error
	rec := &Credential{Meta: meta}
	if rec.Subject, err = requireIdentity(ev, TagPubkey); err != nil {
		return nil, err
	}
	if rec.Skill, err = requireSkill(ev); err != nil {
		return nil, err
	}
	if rec.Level, err = requireLevel(ev); err != nil {
		return nil, err
	}
	if rec.IssuedAt, err = requireUnix(ev, TagIssued); err != nil {
		return nil, err
	}
	if rec.ExpiresAt, err = requireUnix(ev, TagExpires); err != nil {
		return nil, err
	}
	if !rec.ExpiresAt.After(rec.IssuedAt) {
		return nil, newMalformed(ev.ID, TagExpires, "expiry before issuance")
	}
	for _, a := range tagValues(ev.Tags, TagAttester) {
		if IsIdentity(a) {
			rec.Attesters = append(rec.Attesters, a)
		}
	}
	return rec, nil
}

func requireTag(ev *nostr.Event, name string) (string, error) {
	v, ok := tagValue(ev.Tags, name)
	if !ok || v == "" {
		return "", newMalformed(ev.ID, name, "missing")
	}
	return v, nil
}

func requireIdentity(ev *nostr.Event, name string) (string, error) {
	v, err := requireTag(ev, name)
	if err != nil {
		return "", err
	}
	if !IsIdentity(v) {
		return "", newMalformed(ev.ID, name, "not an identity")
	}
	return v, nil
}

// requireVoucherID reads the indexed voucher tag, falling back to the prefix
// of the "d" tag for events written before it existed
func requireVoucherID(ev *nostr.Event) (string, error) {
	if _, ok := tagValue(ev.Tags, TagVoucher); ok {
		return requireIdentity(ev, TagVoucher)
	}
	d, err := requireTag(ev, TagIdentifier)
	if err != nil {
		return "", err
	}
	id, _, _ := strings.Cut(d, ":")
	if !IsIdentity(id) {
		return "", newMalformed(ev.ID, TagIdentifier, "not a voucher id")
	}
	return id, nil
}

func requirePositive(ev *nostr.Event, name string) (float64, error) {
	v, err := requireTag(ev, name)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, newMalformed(ev.ID, name, "not a positive number")
	}
	return f, nil
}

func requireUnix(ev *nostr.Event, name string) (time.Time, error) {
	v, err := requireTag(ev, name)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, newMalformed(ev.ID, name, "not a unix timestamp")
	}
	return time.Unix(secs, 0).UTC(), nil
}

func requireSkill(ev *nostr.Event) (string, error) {
	v, err := requireTag(ev, TagSkill)
	if err != nil {
		return "", err
	}
	return NormalizeSkill(v), nil
}

func requireLevel(ev *nostr.Event) (int, error) {
	v, err := requireTag(ev, TagLevel)
	if err != nil {
		return 0, err
	}
	level, err := ParseLevel(v)
	if err != nil {
		return 0, newMalformed(ev.ID, TagLevel, err.Error())
	}
	return level, nil
}

// NormalizeSkill lowercases and trims a skill tag
func NormalizeSkill(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ParseLevel accepts both "2" and "X2" forms
func ParseLevel(s string) (int, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "X")
	level, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if level < 1 {
		return 0, strconv.ErrRange
	}
	return level, nil
}

// FormatLevel renders a level the way it appears on the wire
func FormatLevel(level int) string {
	return "X" + strconv.Itoa(level)
}

func tagValue(tags nostr.Tags, name string) (string, bool) {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}

func tagValues(tags nostr.Tags, name string) []string {
	var ret []string
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			ret = append(ret, t[1])
		}
	}
	return ret
}
