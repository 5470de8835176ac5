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

package database

import (
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bonlabs/circuit/dragon"
	"github.com/bonlabs/circuit/eventlog"
)

// EventIndex holds the queryable columns of a cached event
type EventIndex struct {
	ID         string `gorm:"primaryKey;size:64"`
	Author     string `gorm:"index;size:64"`
	// Identifier is the voucher id of voucher and proof events
	Identifier string `gorm:"index"`
	Market     string `gorm:"index"`
	Kind       int    `gorm:"index"`
	Timestamp  int64  `gorm:"index"`
}

func (EventIndex) TableName() string {
	return "event_index"
}

// SnapshotRecord is one row of the parameter snapshot history
type SnapshotRecord struct {
	ID                  string   `gorm:"primaryKey;size:36"`
	IdentityID          string   `gorm:"index:idx_snapshot_owner,priority:1;size:64"`
	MarketID            string   `gorm:"index:idx_snapshot_owner,priority:2"`
	PeriodStart         int64    `gorm:"index:idx_snapshot_owner,priority:3"`
	ComputedAt          int64
	CreatedAt           int64    `gorm:"autoCreateTime:nano"`
	DuStatus            string   `gorm:"size:32"`
	Degraded            []string `gorm:"serializer:json"`
	N1                  int
	N2                  int
	LoopsPerPeriod      float64
	MedianReturnAgeDays float64
	C2                  float64
	Alpha               float64
	DU                  float64 `gorm:"column:du"`
	Skipped             int
}

func (SnapshotRecord) TableName() string {
	return "snapshot"
}

// CommitTimestamp tracks the last write shared with the blob store
type CommitTimestamp struct {
	ID        uint `gorm:"primaryKey"`
	Timestamp int64
}

func (CommitTimestamp) TableName() string {
	return "commit_timestamp"
}

// MigrateModels contains a list of model objects that should have DB
// migrations applied
var MigrateModels = []any{
	&EventIndex{},
	&SnapshotRecord{},
	&CommitTimestamp{},
}

func eventIndex(ev *nostr.Event) EventIndex {
	ret := EventIndex{
		ID:        ev.ID,
		Author:    ev.PubKey,
		Kind:      ev.Kind,
		Timestamp: int64(ev.CreatedAt),
	}
	var d string
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch {
		case tag[0] == eventlog.TagVoucher && ret.Identifier == "":
			ret.Identifier = tag[1]
		case tag[0] == eventlog.TagIdentifier && d == "":
			d = tag[1]
		case tag[0] == eventlog.TagMarket && ret.Market == "":
			ret.Market = tag[1]
		}
	}
	if ret.Identifier == "" && (ev.Kind == eventlog.KindVoucher || ev.Kind == eventlog.KindCircuitProof) {
		ret.Identifier, _, _ = strings.Cut(d, ":")
	}
	return ret
}

func snapshotRecord(s *dragon.Snapshot) *SnapshotRecord {
	return &SnapshotRecord{
		ID:                  s.ID,
		IdentityID:          s.IdentityID,
		MarketID:            s.MarketID,
		PeriodStart:         unixNano(s.PeriodStart),
		ComputedAt:          s.ComputedAt.UnixNano(),
		DuStatus:            string(s.DuStatus),
		Degraded:            s.Degraded,
		N1:                  s.Network.N1,
		N2:                  s.Network.N2,
		LoopsPerPeriod:      s.Circulation.LoopsPerPeriod,
		MedianReturnAgeDays: s.Circulation.MedianReturnAgeDays,
		C2:                  s.C2,
		Alpha:               s.Alpha,
		DU:                  s.DU,
		Skipped:             s.Skipped,
	}
}

func (r *SnapshotRecord) snapshot() *dragon.Snapshot {
	return &dragon.Snapshot{
		ID:          r.ID,
		IdentityID:  r.IdentityID,
		MarketID:    r.MarketID,
		ComputedAt:  time.Unix(0, r.ComputedAt).UTC(),
		PeriodStart: fromUnixNano(r.PeriodStart),
		DuStatus:    dragon.DuStatus(r.DuStatus),
		Degraded:    r.Degraded,
		Network:     dragon.Network{N1: r.N1, N2: r.N2},
		Circulation: dragon.Circulation{
			LoopsPerPeriod:      r.LoopsPerPeriod,
			MedianReturnAgeDays: r.MedianReturnAgeDays,
		},
		C2:      r.C2,
		Alpha:   r.Alpha,
		DU:      r.DU,
		Skipped: r.Skipped,
	}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
