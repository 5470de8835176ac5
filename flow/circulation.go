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

package flow

import (
	"log/slog"
	"math"
	"time"

	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/internal/stats"
	"github.com/bonlabs/circuit/voucher"
)

// Proof is a circuit proof confirmed against its voucher history
type Proof struct {
	ClosedAt  time.Time `json:"closedAt"`
	VoucherID string    `json:"voucherId"`
	IssuerID  string    `json:"issuerId"`
	MarketID  string    `json:"marketId"`
	Rarity    string    `json:"rarity,omitempty"`
	Skill     string    `json:"skill,omitempty"`
	Value     float64   `json:"value"`
	AgeDays   float64   `json:"ageDays"`
	HopCount  int       `json:"hopCount"`
}

// TTL is the age of the circuit in days, at least one
func (p Proof) TTL() float64 {
	return math.Max(p.AgeDays, 1)
}

// ReturnVelocity is hops per day of circuit age
func (p Proof) ReturnVelocity() float64 {
	return float64(p.HopCount) / p.TTL()
}

// Circulation summarizes closed circuits of a market over a window
type Circulation struct {
	MarketID string  `json:"marketId"`
	Proofs   []Proof `json:"-"`
	// Issued counts vouchers issued in the window
	Issued int `json:"issued"`
	// Closed counts confirmed proofs in the window
	Closed              int     `json:"closed"`
	WindowDays          int     `json:"windowDays"`
	LoopsPerPeriod      float64 `json:"loopsPerPeriod"`
	MedianReturnAgeDays float64 `json:"medianReturnAgeDays"`
	// ClosureRate is Closed over Issued, at most one
	ClosureRate float64 `json:"closureRate"`
	Skipped     int     `json:"skipped"`
}

// SummaryOptions selects the market and window of a summary
type SummaryOptions struct {
	Now        time.Time
	MarketID   string
	Logger     *slog.Logger
	WindowDays int
}

// Summarize counts closed circuits in the window. A proof counts only when
// its voucher history replays to a burn by the proof's author with the same
// value and hop count.
func Summarize(view *eventlog.View, opts SummaryOptions) *Circulation {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = DefaultWindowDays
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	logger := opts.Logger.With("component", "flow")
	end := opts.Now.UTC()
	start := end.Add(-time.Duration(opts.WindowDays) * day)
	c := &Circulation{
		MarketID:   opts.MarketID,
		WindowDays: opts.WindowDays,
	}

	h := replayAll(view, opts.Now, logger)
	for _, r := range h.replayed {
		v := r.Voucher
		if opts.MarketID != "" && v.MarketID != opts.MarketID {
			continue
		}
		if inWindow(v.CreatedAt, start, end) {
			c.Issued++
		}
	}
	ages := make([]float64, 0)
	closed := make(map[string]struct{})
	for _, rec := range view.Proofs() {
		if !inWindow(rec.CreatedAt, start, end) {
			continue
		}
		// The first confirmed proof of a voucher wins
		if _, ok := closed[rec.VoucherID]; ok {
			continue
		}
		r, ok := h.replayed[rec.VoucherID]
		if !ok {
			if opts.MarketID == "" || rec.Market == opts.MarketID {
				logger.Warn(
					"dropped proof for unknown voucher",
					"voucher", rec.VoucherID,
					"event", rec.EventID,
				)
				c.Skipped++
			}
			continue
		}
		v := r.Voucher
		if opts.MarketID != "" && v.MarketID != opts.MarketID {
			continue
		}
		if !confirms(rec, r) {
			logger.Warn(
				"dropped proof contradicting voucher history",
				"voucher", rec.VoucherID,
				"event", rec.EventID,
			)
			c.Skipped++
			continue
		}
		closed[rec.VoucherID] = struct{}{}
		c.Proofs = append(c.Proofs, Proof{
			ClosedAt:  rec.CreatedAt,
			VoucherID: rec.VoucherID,
			IssuerID:  v.IssuerID,
			MarketID:  v.MarketID,
			Rarity:    rec.Rarity,
			Skill:     rec.Skill,
			Value:     v.Value,
			AgeDays:   rec.AgeDays,
			HopCount:  rec.HopCount,
		})
		ages = append(ages, rec.AgeDays)
	}
	c.Closed = len(c.Proofs)
	c.LoopsPerPeriod = float64(c.Closed) * PeriodDays / float64(c.WindowDays)
	c.MedianReturnAgeDays = stats.Median(ages)
	switch {
	case c.Issued > 0:
		c.ClosureRate = math.Min(float64(c.Closed)/float64(c.Issued), 1)
	case c.Closed > 0:
		c.ClosureRate = 1
	}
	return c
}

func confirms(rec *eventlog.CircuitProof, r *voucher.Replayed) bool {
	v := r.Voucher
	return v.Status == voucher.StatusBurned &&
		rec.Author == v.IssuerID &&
		rec.HopCount == v.HopCount &&
		math.Abs(rec.Value-v.Value) < 1e-9
}
