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
	"math"
	"time"

	"github.com/bonlabs/circuit/eventlog"
)

// Hop is one accepted movement of the traveler part
type Hop struct {
	At      time.Time
	EventID string
	From    string
	To      string
	Value   float64
}

// Replayed is the public view of a voucher rebuilt from its event history
type Replayed struct {
	Voucher  *Voucher
	Hops     []Hop
	BurnedAt time.Time
	Skipped  int
}

// Replay rebuilds a voucher from its state events, which must be ordered as
// returned by eventlog.View.VoucherHistory.
//
// When two bearers claim the traveler part, the chain that reaches the log
// first wins: a transfer signed by anyone other than the current bearer is
// dropped and counted in Skipped, as are events that contradict the issuance.
func Replay(history []*eventlog.VoucherState, now time.Time) (*Replayed, error) {
	ret := &Replayed{}
	var v *Voucher
	for _, rec := range history {
		if v == nil {
			if rec.Author != rec.Issuer ||
				(rec.Status != string(StatusIssued) && rec.Status != string(StatusPending)) {
				ret.Skipped++
				continue
			}
			v = fromIssuance(rec)
			if rec.Status == string(StatusPending) {
				if !applyHandoff(v, rec, ret) {
					v = nil
					ret.Skipped++
				}
			}
			continue
		}
		if !consistent(v, rec) || !apply(v, rec, ret) {
			ret.Skipped++
		}
	}
	if v == nil {
		return ret, ErrStaleOrUnknownVoucher
	}
	v, _ = Expire(v, now)
	v.seal()
	ret.Voucher = v
	return ret, nil
}

func fromIssuance(rec *eventlog.VoucherState) *Voucher {
	v := &Voucher{
		ID:        rec.VoucherID,
		IssuerID:  rec.Issuer,
		MarketID:  rec.Market,
		Value:     rec.Value,
		CreatedAt: rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
		Status:    StatusIssued,
		Anchor:    Part{Holder: rec.Issuer},
		Traveler:  Part{Holder: rec.Issuer},
		Rarity:    Rarity(rec.Rarity),
		Category:  rec.Category,
		Wish:      rec.Wish,
	}
	if !v.Rarity.Valid() {
		v.Rarity = DrawRarity(v.ID)
	}
	return v
}

// consistent checks that a later event agrees with the issuance on the
// fields that never change
func consistent(v *Voucher, rec *eventlog.VoucherState) bool {
	return rec.Issuer == v.IssuerID &&
		rec.Market == v.MarketID &&
		math.Abs(rec.Value-v.Value) < 1e-9 &&
		rec.ExpiresAt.Equal(v.ExpiresAt)
}

func apply(v *Voucher, rec *eventlog.VoucherState, ret *Replayed) bool {
	switch Status(rec.Status) {
	case StatusPending:
		if v.Status != StatusIssued || rec.Author != v.IssuerID {
			return false
		}
		return applyHandoff(v, rec, ret)
	case StatusActive:
		if rec.Bearer == "" {
			// Acceptance by the bearer
			if v.Status != StatusPending || rec.Author != v.Traveler.Holder {
				return false
			}
			v.Status = StatusActive
			return true
		}
		return applyTransfer(v, rec, ret)
	case StatusSpent:
		if v.Status != StatusActive || rec.Author != v.Traveler.Holder ||
			rec.CreatedAt.After(v.ExpiresAt) {
			return false
		}
		v.Status = StatusSpent
		return true
	case StatusBurned:
		if rec.Author != v.IssuerID || !v.Reunited() || v.HopCount < 1 ||
			v.Status == StatusBurned {
			return false
		}
		v.Status = StatusBurned
		ret.BurnedAt = rec.CreatedAt
		return true
	case StatusExpired, StatusIssued:
		// Expiry is derived from time and issuance is only valid once
		return true
	}
	return false
}

func applyHandoff(v *Voucher, rec *eventlog.VoucherState, ret *Replayed) bool {
	if rec.Bearer == "" || rec.Bearer == v.IssuerID {
		return false
	}
	v.Traveler.Holder = rec.Bearer
	v.HopCount = 1
	v.Status = StatusPending
	ret.Hops = append(ret.Hops, Hop{
		At:      rec.CreatedAt,
		EventID: rec.EventID,
		From:    v.IssuerID,
		To:      rec.Bearer,
		Value:   v.Value,
	})
	return true
}

func applyTransfer(v *Voucher, rec *eventlog.VoucherState, ret *Replayed) bool {
	if !v.Status.Transferable() ||
		rec.Author != v.Traveler.Holder ||
		rec.Bearer == v.Traveler.Holder ||
		rec.CreatedAt.After(v.ExpiresAt) {
		return false
	}
	// A hop tag, when present, must continue the chain
	if rec.Hop != 0 && rec.Hop != v.HopCount+1 {
		return false
	}
	ret.Hops = append(ret.Hops, Hop{
		At:      rec.CreatedAt,
		EventID: rec.EventID,
		From:    rec.Author,
		To:      rec.Bearer,
		Value:   v.Value,
	})
	v.Traveler.Holder = rec.Bearer
	v.HopCount++
	v.Status = StatusActive
	return true
}

// StateRecord builds the log record announcing the current state of v.
// author is the identity that performed the transition.
func StateRecord(v *Voucher, author string, at time.Time) *eventlog.VoucherState {
	rec := &eventlog.VoucherState{
		Meta:      eventlog.Meta{CreatedAt: at, Author: author},
		VoucherID: v.ID,
		Issuer:    v.IssuerID,
		Market:    v.MarketID,
		Status:    string(v.Status),
		Value:     v.Value,
		IssuedAt:  v.CreatedAt,
		ExpiresAt: v.ExpiresAt,
		Hop:       v.HopCount,
		Category:  v.Category,
		Rarity:    string(v.Rarity),
		Witness:   v.WitnessDigest,
		Wish:      v.Wish,
	}
	// Announce the new bearer on handoffs and transfers only
	if (v.Status == StatusPending || v.Status == StatusActive) &&
		v.Traveler.Holder != author {
		rec.Bearer = v.Traveler.Holder
	}
	return rec
}

// ProofRecord builds the log record for a circuit proof
func ProofRecord(p *CircuitProof) *eventlog.CircuitProof {
	return &eventlog.CircuitProof{
		Meta:      eventlog.Meta{CreatedAt: p.ClosedAt, Author: p.IssuerID},
		VoucherID: p.VoucherID,
		Market:    p.MarketID,
		Rarity:    string(p.Rarity),
		Skill:     p.SkillAnnotation,
		Value:     p.Value,
		AgeDays:   p.AgeDays,
		HopCount:  p.HopCount,
	}
}
