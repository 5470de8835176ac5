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

// Package flow derives the circulation structure of a market from voucher
// history: aggregated transfer edges with pairwise loop detection, the
// community cohesion index, and closed circuit statistics.
//
// Everything here is recomputed from an immutable event view. A record that
// references an unknown voucher or contradicts its history is dropped and
// counted, never fatal.
package flow

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/voucher"
)

const (
	DefaultWindowDays       = 30
	DefaultMaxEvents        = 5000
	DefaultNarrowWindowDays = 30
	// PeriodDays is the length of the period loops are reported per
	PeriodDays = 30
)

const day = 24 * time.Hour

// histories replays every voucher in the view once
type histories struct {
	replayed map[string]*voucher.Replayed
	// unknown holds the history of vouchers without a valid issuance
	unknown map[string][]*eventlog.VoucherState
}

func replayAll(view *eventlog.View, now time.Time, logger *slog.Logger) *histories {
	ret := &histories{
		replayed: make(map[string]*voucher.Replayed),
		unknown:  make(map[string][]*eventlog.VoucherState),
	}
	for _, id := range view.VoucherIDs() {
		history := view.VoucherHistory(id)
		r, err := voucher.Replay(history, now)
		if err != nil {
			if !errors.Is(err, voucher.ErrStaleOrUnknownVoucher) {
				logger.Warn(
					"failed to replay voucher",
					"voucher", id,
					"error", err,
				)
			}
			ret.unknown[id] = history
			continue
		}
		if r.Skipped > 0 {
			logger.Warn(
				"dropped inconsistent voucher events",
				"voucher", id,
				"count", r.Skipped,
			)
		}
		ret.replayed[id] = r
	}
	return ret
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}
