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

package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bonlabs/circuit/event"
	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/relay"
	"github.com/bonlabs/circuit/voucher"
)

// Handoff is what a bearer sends to the next one: the public voucher and
// its traveler share sealed with the market key
type Handoff struct {
	Voucher *voucher.Voucher
	Sealed  []byte
}

// GetVoucherStatus rebuilds the public state of a voucher from its history
func (e *Engine) GetVoucherStatus(ctx context.Context, voucherID string) (_ *voucher.Voucher, err error) {
	const op = "GetVoucherStatus"
	ctx, done := e.begin(ctx, op, attribute.String("voucher.id", voucherID))
	defer done(&err)
	store := eventlog.NewStore(e.config.logger)
	degraded, err := e.gather(ctx, op, store, fetchSpec{
		name:    fetchVoucher,
		filters: []nostr.Filter{relay.VoucherFilter(voucherID)},
	})
	if err != nil {
		return nil, err
	}
	if len(degraded) > 0 {
		e.logger.Info("voucher status computed from cache", "voucher", voucherID)
	}
	ret, err := voucher.Replay(store.View().VoucherHistory(voucherID), e.now())
	if err != nil {
		return nil, fmt.Errorf("voucher %s: %w", voucherID, err)
	}
	e.countSkipped(ret.Skipped)
	return ret.Voucher, nil
}

// IssueVoucher creates a voucher and announces it. The returned copy holds
// both shares and must be kept by the issuer to burn the voucher later.
func (e *Engine) IssueVoucher(
	ctx context.Context,
	issuerID string,
	value float64,
	marketID string,
	expiresAt time.Time,
	opts voucher.IssueOptions,
) (_ *voucher.Voucher, err error) {
	const op = "IssueVoucher"
	ctx, done := e.begin(ctx, op, attribute.String("market.id", marketID))
	defer done(&err)
	v, err := e.lifecycle.Issue(issuerID, value, marketID, expiresAt, opts)
	if err != nil {
		return nil, err
	}
	if err := e.publishState(ctx, issuerID, v); err != nil {
		return nil, err
	}
	e.eventBus.PublishAsync(event.NewEvent(
		event.VoucherIssuedEventType,
		event.VoucherIssuedEvent{
			VoucherID: v.ID,
			IssuerID:  v.IssuerID,
			MarketID:  v.MarketID,
			Value:     v.Value,
			ExpiresAt: v.ExpiresAt,
		},
	))
	return v, nil
}

// TransferVoucher hands the traveler part of v from its bearer to the next
// one. A freshly issued voucher goes through the initial handoff. Once the
// transfer is published the local copy v is invalidated.
func (e *Engine) TransferVoucher(
	ctx context.Context,
	v *voucher.Voucher,
	fromID string,
	toID string,
) (_ *Handoff, err error) {
	const op = "TransferVoucher"
	ctx, done := e.begin(ctx, op, attribute.String("voucher.id", v.ID))
	defer done(&err)
	market, ok := e.config.markets.Lookup(v.MarketID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", voucher.ErrInvalidMarket, v.MarketID)
	}
	var next *voucher.Voucher
	if v.Status == voucher.StatusIssued {
		if fromID != v.IssuerID {
			return nil, voucher.ErrNotBearer
		}
		next, err = voucher.Handoff(v, toID)
	} else {
		next, err = voucher.Transfer(v, fromID, toID, e.now())
	}
	if err != nil {
		return nil, err
	}
	sealed, err := voucher.SealTraveler(market, next)
	if err != nil {
		return nil, err
	}
	if err := e.publishState(ctx, fromID, next); err != nil {
		return nil, err
	}
	v.Invalidate()
	e.eventBus.PublishAsync(event.NewEvent(
		event.VoucherTransferredEventType,
		event.VoucherTransferredEvent{
			VoucherID: next.ID,
			FromID:    fromID,
			ToID:      toID,
			HopCount:  next.HopCount,
		},
	))
	return &Handoff{Voucher: next.Public(), Sealed: sealed}, nil
}

// ReceiveVoucher opens a handoff addressed to byID. A pending voucher is
// accepted and the acceptance announced.
func (e *Engine) ReceiveVoucher(
	ctx context.Context,
	h *Handoff,
	byID string,
) (_ *voucher.Voucher, err error) {
	const op = "ReceiveVoucher"
	ctx, done := e.begin(ctx, op, attribute.String("voucher.id", h.Voucher.ID))
	defer done(&err)
	if h.Voucher.Bearer() != byID {
		return nil, voucher.ErrNotBearer
	}
	market, ok := e.config.markets.Lookup(h.Voucher.MarketID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", voucher.ErrInvalidMarket, h.Voucher.MarketID)
	}
	v, err := voucher.OpenTraveler(market, h.Voucher, h.Sealed)
	if err != nil {
		return nil, err
	}
	if v.Status != voucher.StatusPending {
		return v, nil
	}
	v, err = voucher.Accept(v, byID, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.publishState(ctx, byID, v); err != nil {
		return nil, err
	}
	return v, nil
}

// SpendVoucher redeems a voucher held by byID at final consumption
func (e *Engine) SpendVoucher(
	ctx context.Context,
	v *voucher.Voucher,
	byID string,
) (_ *voucher.Voucher, err error) {
	const op = "SpendVoucher"
	ctx, done := e.begin(ctx, op, attribute.String("voucher.id", v.ID))
	defer done(&err)
	spent, err := voucher.Spend(v, byID, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.publishState(ctx, byID, spent); err != nil {
		return nil, err
	}
	v.Invalidate()
	return spent, nil
}

// BurnVoucher closes the circuit of a voucher that returned to its issuer
// and publishes the circuit proof. v must carry both shares; see
// voucher.Reunite.
func (e *Engine) BurnVoucher(
	ctx context.Context,
	v *voucher.Voucher,
	byID string,
) (_ *voucher.CircuitProof, err error) {
	const op = "BurnVoucher"
	ctx, done := e.begin(ctx, op, attribute.String("voucher.id", v.ID))
	defer done(&err)
	burned, proof, err := voucher.Burn(v, byID, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.publishState(ctx, byID, burned); err != nil {
		return nil, err
	}
	proofEv := eventlog.EncodeCircuitProof(voucher.ProofRecord(proof))
	if err := e.publish(ctx, byID, proofEv); err != nil {
		return nil, err
	}
	v.Invalidate()
	e.logger.Info(
		"circuit closed",
		"voucher", proof.VoucherID,
		"hops", proof.HopCount,
		"age_days", proof.AgeDays,
	)
	e.eventBus.PublishAsync(event.NewEvent(
		event.VoucherBurnedEventType,
		event.VoucherBurnedEvent{
			VoucherID: proof.VoucherID,
			IssuerID:  proof.IssuerID,
			MarketID:  proof.MarketID,
			Value:     proof.Value,
			HopCount:  proof.HopCount,
			AgeDays:   proof.AgeDays,
		},
	))
	return proof, nil
}

func (e *Engine) publishState(ctx context.Context, author string, v *voucher.Voucher) error {
	return e.publish(ctx, author, eventlog.EncodeVoucherState(
		voucher.StateRecord(v, author, e.now()),
	))
}

func (e *Engine) countSkipped(n int) {
	if n > 0 && e.metrics != nil {
		e.metrics.skippedRecords.Add(float64(n))
	}
}
