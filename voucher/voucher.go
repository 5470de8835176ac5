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

// Package voucher implements the lifecycle of a bearer voucher ("Bon").
//
// A voucher is backed by its own secp256k1 key. The secret key is split into
// two XOR shares: the anchor part stays with the issuer and the traveler part
// moves with the bearer. The issuer can only retire (burn) a voucher once it
// holds both parts again, which proves that the voucher travelled back and
// closes its circuit.
//
// Nothing here prevents a bearer from keeping a copy of the traveler part
// after handing it on. Transfers are at-most-once by policy: callers must
// Invalidate their local copy before presenting the new state.
package voucher

import (
	"encoding/hex"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

type Status string

const (
	StatusIssued  Status = "issued"
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusSpent   Status = "spent"
	StatusExpired Status = "expired"
	StatusBurned  Status = "burned"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusIssued, StatusPending, StatusActive, StatusSpent,
		StatusExpired, StatusBurned:
		return true
	}
	return false
}

// Transferable reports whether a voucher in this status accepts a transfer
func (s Status) Transferable() bool {
	return s == StatusPending || s == StatusActive
}

// Part is one half of the voucher possession proof. Share is nil on public
// views rebuilt from the log, which never carry secrets.
type Part struct {
	Holder string
	Share  []byte
}

// Voucher is a bearer voucher. Value is fixed at issuance; only Status,
// Traveler, HopCount and the derived WitnessDigest change afterwards.
type Voucher struct {
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Anchor          Part
	Traveler        Part
	ID              string
	IssuerID        string
	MarketID        string
	Status          Status
	WitnessDigest   string
	Rarity          Rarity
	Category        string
	Wish            string
	SkillAnnotation string
	Value           float64
	HopCount        int
	invalidated     bool
}

// Bearer returns the identity currently holding the traveler part
func (v *Voucher) Bearer() string {
	return v.Traveler.Holder
}

// Reunited reports whether the issuer holds both parts
func (v *Voucher) Reunited() bool {
	return v.Anchor.Holder == v.IssuerID && v.Traveler.Holder == v.IssuerID
}

// Invalidate drops the local traveler share after it has been handed on.
// An invalidated copy is never spendable again.
func (v *Voucher) Invalidate() {
	clear(v.Traveler.Share)
	v.Traveler.Share = nil
	v.invalidated = true
}

// Invalidated reports whether this copy was invalidated by a handoff
func (v *Voucher) Invalidated() bool {
	return v.invalidated
}

// Spendable reports whether this copy can be handed on by its bearer at now
func (v *Voucher) Spendable(now time.Time) bool {
	return !v.invalidated &&
		v.Status.Transferable() &&
		!now.After(v.ExpiresAt) &&
		v.Traveler.Share != nil
}

// AgeDays returns the age of the voucher in days at now, never negative
func (v *Voucher) AgeDays(now time.Time) float64 {
	age := now.Sub(v.CreatedAt).Hours() / 24
	if age < 0 {
		return 0
	}
	return age
}

// Public returns a copy without secret shares
func (v *Voucher) Public() *Voucher {
	ret := v.clone()
	ret.Anchor.Share = nil
	ret.Traveler.Share = nil
	return ret
}

func (v *Voucher) clone() *Voucher {
	ret := *v
	ret.Anchor.Share = slices.Clone(v.Anchor.Share)
	ret.Traveler.Share = slices.Clone(v.Traveler.Share)
	return &ret
}

// witnessState is the public state covered by the witness digest
type witnessState struct {
	ID        string  `cbor:"1,keyasint"`
	Issuer    string  `cbor:"2,keyasint"`
	Market    string  `cbor:"3,keyasint"`
	Value     float64 `cbor:"4,keyasint"`
	CreatedAt int64   `cbor:"5,keyasint"`
	ExpiresAt int64   `cbor:"6,keyasint"`
	Status    string  `cbor:"7,keyasint"`
	Hop       int     `cbor:"8,keyasint"`
	Bearer    string  `cbor:"9,keyasint"`
}

var witnessEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	witnessEncMode = em
}

// Witness computes the tamper-evidence digest of the public voucher state
func Witness(v *Voucher) string {
	buf, err := witnessEncMode.Marshal(witnessState{
		ID:        v.ID,
		Issuer:    v.IssuerID,
		Market:    v.MarketID,
		Value:     v.Value,
		CreatedAt: v.CreatedAt.Unix(),
		ExpiresAt: v.ExpiresAt.Unix(),
		Status:    string(v.Status),
		Hop:       v.HopCount,
		Bearer:    v.Traveler.Holder,
	})
	if err != nil {
		// Only plain scalar fields are encoded
		panic(err)
	}
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// VerifyWitness reports whether the stored digest matches the voucher state
func VerifyWitness(v *Voucher) bool {
	return v.WitnessDigest == Witness(v)
}

func (v *Voucher) seal() {
	v.WitnessDigest = Witness(v)
}
