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
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bonlabs/circuit/database"
	"github.com/bonlabs/circuit/dragon"
	"github.com/bonlabs/circuit/event"
	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/flow"
	"github.com/bonlabs/circuit/relay"
	"github.com/bonlabs/circuit/voucher"
	"github.com/bonlabs/circuit/wotx"
)

// ComputeParameterSnapshot computes and stores the monetary parameters of an
// identity in a market. Fetches that fail fall back to the cache and are
// listed in the snapshot's Degraded field.
func (e *Engine) ComputeParameterSnapshot(
	ctx context.Context,
	identityID string,
	marketID string,
) (_ *dragon.Snapshot, err error) {
	const op = "ComputeParameterSnapshot"
	ctx, done := e.begin(ctx, op,
		attribute.String("identity.id", identityID),
		attribute.String("market.id", marketID),
	)
	defer done(&err)
	if _, ok := e.config.markets.Lookup(marketID); !ok {
		return nil, fmt.Errorf("%w: %q", voucher.ErrInvalidMarket, marketID)
	}
	if !eventlog.IsIdentity(identityID) {
		return nil, fmt.Errorf("%w: %q", voucher.ErrInvalidIdentity, identityID)
	}
	now := e.now()
	since := now.AddDate(0, 0, -e.windowDays(0))
	store := eventlog.NewStore(e.config.logger)
	degraded, err := e.gather(ctx, op, store,
		fetchSpec{
			name:    fetchContacts,
			filters: []nostr.Filter{relay.ContactsFilter(identityID)},
		},
		fetchSpec{
			name:    fetchMarket,
			filters: []nostr.Filter{relay.MarketFilter(marketID, since)},
		},
		fetchSpec{
			name:    fetchInForce,
			filters: []nostr.Filter{relay.InForceFilter(marketID)},
		},
		fetchSpec{
			name:    fetchCredentials,
			filters: []nostr.Filter{relay.CredentialFilter(time.Time{})},
		},
	)
	if err != nil {
		return nil, err
	}
	view := store.View()
	second := []fetchSpec{
		historySpec(view, now, idleVouchers(view, marketID, since, now)...),
	}
	if n1 := view.Contacts(identityID); len(n1) > 0 {
		second = append(second, fetchSpec{
			name:    fetchNetwork,
			filters: []nostr.Filter{relay.ContactsFilter(n1...)},
		})
	}
	more, err := e.gather(ctx, op, store, second...)
	if err != nil {
		return nil, err
	}
	degraded = mergeDegraded(degraded, more)
	view = store.View()

	trust := wotx.BuildTrustGraph(view, identityID)
	circ := flow.Summarize(view, flow.SummaryOptions{
		Now:        now,
		MarketID:   marketID,
		Logger:     e.config.logger,
		WindowDays: e.windowDays(0),
	})
	creds := wotx.Evaluate(view, now, e.config.credentialParams)
	vouchers, replaySkipped := marketVouchers(view, marketID, now)
	in := dragon.Inputs{
		Now:         now,
		IdentityID:  identityID,
		MarketID:    marketID,
		Previous:    e.previousSnapshot(identityID, marketID, now),
		Circulation: circ,
		N1:          trust.N1,
		N2:          trust.N2,
		Contacts:    contactsOf(trust, circ, creds),
		Degraded:    degraded,
		MoneyMassN1: dragon.MoneyMass(vouchers, trust.N1, now),
		MoneyMassN2: dragon.MoneyMass(vouchers, trust.N2, now),
		Skipped:     view.Skipped() + replaySkipped + creds.Skipped,
	}
	snap := dragon.Compute(in, e.config.dragonParams)
	if err := e.db.SaveSnapshot(snap); err != nil {
		e.logger.Warn("failed to store snapshot", "error", err)
	}
	e.countSkipped(snap.Skipped)
	if e.metrics != nil {
		e.metrics.lastC2.WithLabelValues(marketID).Set(snap.C2)
		e.metrics.lastAlpha.WithLabelValues(marketID).Set(snap.Alpha)
		e.metrics.lastDU.WithLabelValues(marketID).Set(snap.DU)
	}
	e.logger.Debug(
		"computed parameter snapshot",
		"identity", identityID,
		"market", marketID,
		"c2", snap.C2,
		"alpha", snap.Alpha,
		"du", snap.DU,
		"status", snap.DuStatus,
	)
	e.eventBus.PublishAsync(event.NewEvent(
		event.SnapshotComputedEventType,
		event.SnapshotComputedEvent{Snapshot: snap},
	))
	return snap, nil
}

// SnapshotHistory returns stored snapshots of an identity in a market,
// newest first
func (e *Engine) SnapshotHistory(identityID, marketID string, limit int) ([]*dragon.Snapshot, error) {
	return e.db.Snapshots(identityID, marketID, limit)
}

// previousSnapshot returns the latest snapshot from a period before the one
// containing now
func (e *Engine) previousSnapshot(identityID, marketID string, now time.Time) *dragon.Snapshot {
	prev, err := e.db.PreviousSnapshot(
		identityID,
		marketID,
		dragon.PeriodStart(now, e.config.dragonParams),
	)
	if err != nil {
		if !errors.Is(err, database.ErrSnapshotNotFound) {
			e.logger.Warn("failed to load previous snapshot", "error", err)
		}
		return nil
	}
	return prev
}

func (e *Engine) windowDays(days int) int {
	if days > 0 {
		return days
	}
	if e.config.windowDays > 0 {
		return e.config.windowDays
	}
	return flow.DefaultWindowDays
}

// contactsOf pairs every trust graph member with its highest skill level and
// the return velocities of the circuits it closed
func contactsOf(trust *wotx.TrustGraph, circ *flow.Circulation, creds *wotx.Result) []dragon.Contact {
	velocities := make(map[string][]float64)
	for _, p := range circ.Proofs {
		velocities[p.IssuerID] = append(velocities[p.IssuerID], p.ReturnVelocity())
	}
	members := trust.Members()
	ret := make([]dragon.Contact, 0, len(members))
	for _, id := range members {
		ret = append(ret, dragon.Contact{
			ID:         id,
			Velocities: velocities[id],
			SkillLevel: creds.MaxLevel(id),
		})
	}
	return ret
}

// idleVouchers returns the vouchers of a market that are still in force but
// were created before the window, so their full history is fetched
func idleVouchers(view *eventlog.View, marketID string, since, now time.Time) []string {
	var ret []string
	for _, id := range view.VoucherIDs() {
		history := view.VoucherHistory(id)
		if len(history) == 0 {
			continue
		}
		first := history[0]
		if first.Market != marketID || now.After(first.ExpiresAt) {
			continue
		}
		if first.IssuedAt.Before(since) {
			ret = append(ret, id)
		}
	}
	return ret
}

// marketVouchers replays every voucher of a market in the view
func marketVouchers(view *eventlog.View, marketID string, now time.Time) ([]*voucher.Voucher, int) {
	var ret []*voucher.Voucher
	skipped := 0
	for _, id := range view.VoucherIDs() {
		r, err := voucher.Replay(view.VoucherHistory(id), now)
		if err != nil {
			skipped += len(view.VoucherHistory(id))
			continue
		}
		skipped += r.Skipped
		if r.Voucher.MarketID == marketID {
			ret = append(ret, r.Voucher)
		}
	}
	return ret, skipped
}

func mergeDegraded(a, b []string) []string {
	ret := append(slices.Clone(a), b...)
	slices.Sort(ret)
	return slices.Compact(ret)
}
