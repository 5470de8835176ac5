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

package voucher

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/bonlabs/circuit/eventlog"
)

// CircuitProof is emitted when an issuer burns a voucher that came back
type CircuitProof struct {
	ClosedAt        time.Time
	VoucherID       string
	IssuerID        string
	MarketID        string
	Rarity          Rarity
	SkillAnnotation string
	Value           float64
	AgeDays         float64
	HopCount        int
}

// Lifecycle issues vouchers for the markets it recognizes
type Lifecycle struct {
	markets *Markets
	clock   func() time.Time
	rand    io.Reader
}

// LifecycleOptionFunc configures a Lifecycle
type LifecycleOptionFunc func(*Lifecycle)

// WithClock overrides the time source
func WithClock(clock func() time.Time) LifecycleOptionFunc {
	return func(l *Lifecycle) {
		l.clock = clock
	}
}

// WithRand overrides the randomness source used for keys and shares
func WithRand(r io.Reader) LifecycleOptionFunc {
	return func(l *Lifecycle) {
		l.rand = r
	}
}

// NewLifecycle creates a lifecycle bound to a market registry
func NewLifecycle(markets *Markets, opts ...LifecycleOptionFunc) *Lifecycle {
	l := &Lifecycle{
		markets: markets,
		clock:   time.Now,
		rand:    rand.Reader,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Markets returns the registry the lifecycle validates against
func (l *Lifecycle) Markets() *Markets {
	return l.markets
}

// IssueOptions carries optional voucher metadata
type IssueOptions struct {
	Rarity   Rarity
	Category string
	Wish     string
	Skill    string
}

// Issue creates a new voucher held entirely by its issuer
func (l *Lifecycle) Issue(
	issuerID string,
	value float64,
	marketID string,
	expiresAt time.Time,
	opts IssueOptions,
) (*Voucher, error) {
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, value)
	}
	if _, ok := l.markets.Lookup(marketID); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMarket, marketID)
	}
	if !eventlog.IsIdentity(issuerID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentity, issuerID)
	}
	// Wire timestamps have second precision
	now := l.clock().UTC().Truncate(time.Second)
	expiresAt = expiresAt.UTC().Truncate(time.Second)
	if !expiresAt.After(now) {
		return nil, ErrInvalidExpiry
	}
	if opts.Rarity != "" && !opts.Rarity.Valid() {
		return nil, fmt.Errorf("unknown rarity %q", opts.Rarity)
	}
	priv, err := l.newKey()
	if err != nil {
		return nil, fmt.Errorf("generate voucher key: %w", err)
	}
	secret := priv.Serialize()
	defer clear(secret)
	anchor := make([]byte, len(secret))
	if _, err := io.ReadFull(l.rand, anchor); err != nil {
		return nil, fmt.Errorf("generate anchor share: %w", err)
	}
	traveler := make([]byte, len(secret))
	for i := range secret {
		traveler[i] = secret[i] ^ anchor[i]
	}
	v := &Voucher{
		ID:              hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		IssuerID:        issuerID,
		MarketID:        marketID,
		Value:           value,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
		Status:          StatusIssued,
		Anchor:          Part{Holder: issuerID, Share: anchor},
		Traveler:        Part{Holder: issuerID, Share: traveler},
		Rarity:          opts.Rarity,
		Category:        opts.Category,
		Wish:            opts.Wish,
		SkillAnnotation: opts.Skill,
	}
	if v.Rarity == "" {
		v.Rarity = DrawRarity(v.ID)
	}
	v.seal()
	return v, nil
}

// newKey draws a voucher key from the lifecycle's randomness source,
// rejecting candidates outside [1, n).
func (l *Lifecycle) newKey() (*btcec.PrivateKey, error) {
	buf := make([]byte, btcec.PrivKeyBytesLen)
	defer clear(buf)
	for {
		if _, err := io.ReadFull(l.rand, buf); err != nil {
			return nil, err
		}
		var k btcec.ModNScalar
		if overflow := k.SetByteSlice(buf); overflow || k.IsZero() {
			continue
		}
		return btcec.PrivKeyFromScalar(&k), nil
	}
}

// Handoff gives the traveler part of a freshly issued voucher to its first
// bearer. The voucher becomes pending until the bearer accepts it.
func Handoff(v *Voucher, toID string) (*Voucher, error) {
	if v.Status != StatusIssued {
		return nil, fmt.Errorf(
			"%w: handoff from %s",
			ErrInvalidTransition,
			v.Status,
		)
	}
	if v.Traveler.Holder != v.IssuerID {
		return nil, ErrNotBearer
	}
	if err := checkRecipient(v, toID); err != nil {
		return nil, err
	}
	ret := v.clone()
	ret.Traveler.Holder = toID
	ret.HopCount++
	ret.Status = StatusPending
	ret.seal()
	return ret, nil
}

// Accept confirms receipt by the current bearer: pending becomes active
func Accept(v *Voucher, byID string, now time.Time) (*Voucher, error) {
	if v.Status != StatusPending {
		return nil, fmt.Errorf("%w: accept from %s", ErrInvalidTransition, v.Status)
	}
	if v.Traveler.Holder != byID {
		return nil, ErrNotBearer
	}
	if now.After(v.ExpiresAt) {
		return nil, ErrExpired
	}
	ret := v.clone()
	ret.Status = StatusActive
	ret.seal()
	return ret, nil
}

// Transfer hands the traveler part from its current bearer to the next one.
// The returned voucher is active with its hop count incremented by one.
func Transfer(v *Voucher, fromID string, toID string, now time.Time) (*Voucher, error) {
	if v.Status == StatusExpired || (v.Status.Transferable() && now.After(v.ExpiresAt)) {
		return nil, fmt.Errorf("%w: %w", ErrNotBearer, ErrExpired)
	}
	if !v.Status.Transferable() {
		return nil, fmt.Errorf("%w: voucher is %s", ErrNotBearer, v.Status)
	}
	if v.invalidated || v.Traveler.Holder != fromID {
		return nil, ErrNotBearer
	}
	if err := checkRecipient(v, toID); err != nil {
		return nil, err
	}
	ret := v.clone()
	ret.Traveler.Holder = toID
	ret.HopCount++
	ret.Status = StatusActive
	ret.seal()
	return ret, nil
}

// Spend redeems the voucher at a point of final consumption
func Spend(v *Voucher, byID string, now time.Time) (*Voucher, error) {
	if v.Status != StatusActive {
		return nil, fmt.Errorf("%w: spend from %s", ErrInvalidTransition, v.Status)
	}
	if v.invalidated || v.Traveler.Holder != byID {
		return nil, ErrNotBearer
	}
	if now.After(v.ExpiresAt) {
		return nil, ErrExpired
	}
	ret := v.clone()
	ret.Status = StatusSpent
	ret.seal()
	return ret, nil
}

// Expire marks a pending or active voucher expired once now is past its
// expiry. It reports whether the status changed and is idempotent.
func Expire(v *Voucher, now time.Time) (*Voucher, bool) {
	if !v.Status.Transferable() || !now.After(v.ExpiresAt) {
		return v, false
	}
	ret := v.clone()
	ret.Status = StatusExpired
	ret.seal()
	return ret, true
}

// Burn retires a voucher that returned to its issuer. It succeeds only when
// byID is the issuer, the issuer holds both parts, and the reunited shares
// rebuild the voucher key.
func Burn(v *Voucher, byID string, now time.Time) (*Voucher, *CircuitProof, error) {
	if v.Status == StatusBurned {
		return nil, nil, fmt.Errorf("%w: already burned", ErrInvalidTransition)
	}
	if byID != v.IssuerID {
		return nil, nil, fmt.Errorf("%w: caller is not the issuer", ErrCircuitNotClosed)
	}
	if !v.Reunited() {
		return nil, nil, fmt.Errorf("%w: issuer does not hold both parts", ErrCircuitNotClosed)
	}
	if v.HopCount < 1 || v.Status == StatusIssued {
		return nil, nil, fmt.Errorf("%w: voucher never circulated", ErrCircuitNotClosed)
	}
	if err := verifyShares(v); err != nil {
		return nil, nil, err
	}
	ret := v.clone()
	ret.Status = StatusBurned
	ret.seal()
	return ret, newProof(ret, now), nil
}

// Reunite combines a copy received back by the issuer, which carries the
// traveler share, with the issuer's own copy, which carries the anchor share
func Reunite(received *Voucher, own *Voucher) (*Voucher, error) {
	if received.ID != own.ID {
		return nil, fmt.Errorf("%w: %s is not %s", ErrStaleOrUnknownVoucher, own.ID, received.ID)
	}
	if own.Anchor.Holder != own.IssuerID || len(own.Anchor.Share) == 0 {
		return nil, fmt.Errorf("%w: no anchor share", ErrCircuitNotClosed)
	}
	ret := received.clone()
	ret.Anchor = Part{
		Holder: own.Anchor.Holder,
		Share:  slices.Clone(own.Anchor.Share),
	}
	return ret, nil
}

func newProof(v *Voucher, now time.Time) *CircuitProof {
	return &CircuitProof{
		VoucherID:       v.ID,
		IssuerID:        v.IssuerID,
		MarketID:        v.MarketID,
		Value:           v.Value,
		HopCount:        v.HopCount,
		AgeDays:         v.AgeDays(now),
		Rarity:          v.Rarity,
		SkillAnnotation: v.SkillAnnotation,
		ClosedAt:        now.UTC(),
	}
}

func verifyShares(v *Voucher) error {
	a, t := v.Anchor.Share, v.Traveler.Share
	if len(a) != btcec.PrivKeyBytesLen || len(t) != btcec.PrivKeyBytesLen {
		return fmt.Errorf("%w: missing share", ErrCircuitNotClosed)
	}
	secret := make([]byte, len(a))
	defer clear(secret)
	for i := range a {
		secret[i] = a[i] ^ t[i]
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	pub := schnorr.SerializePubKey(priv.PubKey())
	expected, err := hex.DecodeString(v.ID)
	if err != nil || !bytes.Equal(pub, expected) {
		return fmt.Errorf("%w: shares do not rebuild the voucher key", ErrCircuitNotClosed)
	}
	return nil
}

func checkRecipient(v *Voucher, toID string) error {
	if !eventlog.IsIdentity(toID) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, toID)
	}
	if toID == v.Traveler.Holder {
		return ErrSelfTransfer
	}
	return nil
}
