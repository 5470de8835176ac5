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
	"slices"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/bonlabs/circuit/event"
	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/relay"
	"github.com/bonlabs/circuit/voucher"
)

// Names of the fetches reported in Degraded
const (
	fetchContacts    = "contacts"
	fetchNetwork     = "network"
	fetchMarket      = "market"
	fetchInForce     = "inforce"
	fetchWindow      = "window"
	fetchHistories   = "histories"
	fetchCredentials = "credentials"
	fetchVoucher     = "voucher"
)

type fetchSpec struct {
	name    string
	filters []nostr.Filter
}

// gather runs fetches in parallel and appends their events to store. A fetch
// that fails or times out falls back to the cache and its name is returned in
// the degraded list. Only cancellation of ctx fails the gather.
func (e *Engine) gather(
	ctx context.Context,
	op string,
	store *eventlog.Store,
	specs ...fetchSpec,
) ([]string, error) {
	var degraded []string
	var mu sync.Mutex
	var g errgroup.Group
	for _, spec := range specs {
		if len(spec.filters) == 0 {
			continue
		}
		g.Go(func() error {
			evs, ok, err := e.fetch(ctx, op, spec)
			if err != nil {
				return err
			}
			store.Append(evs...)
			if !ok {
				mu.Lock()
				degraded = append(degraded, spec.name)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.Sort(degraded)
	return degraded, nil
}

// fetch queries the relays with a timeout and writes the result through to
// the cache. ok is false when the events came from the cache instead.
func (e *Engine) fetch(
	ctx context.Context,
	op string,
	spec fetchSpec,
) ([]*nostr.Event, bool, error) {
	fctx, cancel := context.WithTimeout(ctx, e.config.fetchTimeout)
	evs, err := e.client.Fetch(fctx, spec.filters...)
	cancel()
	if err == nil {
		if _, err := e.db.PutEvents(evs...); err != nil {
			e.logger.Warn(
				"failed to write fetched events to cache",
				"fetch", spec.name,
				"error", err,
			)
		}
		return evs, true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, false, ctxErr
	}
	e.logger.Warn(
		"relay fetch failed, using cached events",
		"operation", op,
		"fetch", spec.name,
		"error", err,
	)
	if e.metrics != nil {
		e.metrics.fetchDegraded.WithLabelValues(spec.name).Inc()
	}
	e.eventBus.PublishAsync(event.NewEvent(
		event.FetchDegradedEventType,
		event.FetchDegradedEvent{
			Operation: op,
			Fetch:     spec.name,
			Error:     err.Error(),
		},
	))
	cached, cacheErr := e.db.QueryEvents(spec.filters...)
	if cacheErr != nil {
		e.logger.Warn(
			"failed to read cached events",
			"fetch", spec.name,
			"error", cacheErr,
		)
	}
	return cached, false, nil
}

// missingHistories returns the ids of vouchers referenced in the view whose
// issuance is not part of it
func missingHistories(view *eventlog.View, now time.Time) []string {
	missing := make(map[string]struct{})
	for _, id := range view.VoucherIDs() {
		_, err := voucher.Replay(view.VoucherHistory(id), now)
		if errors.Is(err, voucher.ErrStaleOrUnknownVoucher) {
			missing[id] = struct{}{}
		}
	}
	for _, p := range view.Proofs() {
		if len(view.VoucherHistory(p.VoucherID)) == 0 {
			missing[p.VoucherID] = struct{}{}
		}
	}
	ret := make([]string, 0, len(missing))
	for id := range missing {
		ret = append(ret, id)
	}
	slices.Sort(ret)
	return ret
}

// historySpec fetches complete histories of vouchers that are missing their
// issuance, along with those listed in extra
func historySpec(view *eventlog.View, now time.Time, extra ...string) fetchSpec {
	spec := fetchSpec{name: fetchHistories}
	ids := append(missingHistories(view, now), extra...)
	slices.Sort(ids)
	if ids = slices.Compact(ids); len(ids) > 0 {
		spec.filters = []nostr.Filter{relay.VoucherFilter(ids...)}
	}
	return spec
}
