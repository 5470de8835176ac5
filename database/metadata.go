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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/bonlabs/circuit/dragon"
	"github.com/bonlabs/circuit/eventlog"
)

const indexBatchSize = 500

// MetadataStore is the sqlite side of the cache: the event index, the
// snapshot history and the commit timestamp shared with the blob store.
type MetadataStore struct {
	db          *gorm.DB
	logger      *slog.Logger
	timerVacuum *time.Timer
	timerMutex  sync.Mutex
	vacuumWG    sync.WaitGroup
	dataDir     string
	closed      bool
}

func newMetadataStore(dataDir string, logger *slog.Logger) (*MetadataStore, error) {
	var dsn string
	if dataDir == "" {
		// Each in-memory store gets its own named database so that separate
		// caches in one process stay isolated
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		// WAL journal mode, disable sync on write, increase cache size to 50MB (from 2MB)
		dsn = fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=sync(OFF)&_pragma=cache_size(-50000)",
			filepath.Join(dataDir, "metadata.sqlite"),
		)
	}
	db, err := gorm.Open(
		sqlite.Open(dsn),
		&gorm.Config{
			Logger:                 gormlogger.Discard,
			SkipDefaultTransaction: true,
		},
	)
	if err != nil {
		return nil, err
	}
	if dataDir == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// Shared-cache memory databases lock per table across connections
		sqlDB.SetMaxOpenConns(1)
	}
	m := &MetadataStore{
		db:      db,
		logger:  logger,
		dataDir: dataDir,
	}
	if err := m.init(); err != nil {
		return nil, errors.Join(err, m.Close())
	}
	return m, nil
}

func (m *MetadataStore) init() error {
	// Configure tracing for GORM
	if err := m.db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return err
	}
	for _, model := range MigrateModels {
		m.logger.Debug(fmt.Sprintf("creating table: %T", model))
		if err := m.db.AutoMigrate(model); err != nil {
			return err
		}
	}
	m.scheduleDailyVacuum()
	return nil
}

func (m *MetadataStore) runVacuum() error {
	m.timerMutex.Lock()
	if m.dataDir == "" || m.closed {
		m.timerMutex.Unlock()
		return nil
	}
	// Track this vacuum operation while we know the store is open
	m.vacuumWG.Add(1)
	m.timerMutex.Unlock()
	defer m.vacuumWG.Done()
	return m.db.Exec("VACUUM").Error
}

// scheduleDailyVacuum schedules a daily vacuum operation
func (m *MetadataStore) scheduleDailyVacuum() {
	m.timerMutex.Lock()
	defer m.timerMutex.Unlock()
	if m.closed {
		return
	}
	if m.timerVacuum != nil {
		m.timerVacuum.Stop()
	}
	f := func() {
		m.logger.Debug("running vacuum on sqlite metadata database")
		// schedule next run
		defer m.scheduleDailyVacuum()
		if err := m.runVacuum(); err != nil {
			m.logger.Error(
				"failed to free unused space in metadata store",
				"error", err,
			)
		}
	}
	m.timerVacuum = time.AfterFunc(24*time.Hour, f)
}

// IndexEvents adds index rows for events and records the commit timestamp
func (m *MetadataStore) IndexEvents(ts int64, evs ...*nostr.Event) error {
	rows := make([]EventIndex, 0, len(evs))
	for _, ev := range evs {
		rows = append(rows, eventIndex(ev))
	}
	return m.db.Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).
				CreateInBatches(rows, indexBatchSize)
			if result.Error != nil {
				return fmt.Errorf("index events: %w", result.Error)
			}
		}
		return setCommitTimestamp(tx, ts)
	})
}

// Candidates returns the ids of indexed events that may match the filter,
// newest first. Tags other than the voucher id and market topics are left for
// the caller to check against the event.
func (m *MetadataStore) Candidates(f nostr.Filter) ([]string, error) {
	q := m.db.Model(&EventIndex{})
	if len(f.IDs) > 0 {
		q = q.Where("id IN ?", f.IDs)
	}
	if len(f.Kinds) > 0 {
		q = q.Where("kind IN ?", f.Kinds)
	}
	if len(f.Authors) > 0 {
		q = q.Where("author IN ?", f.Authors)
	}
	if f.Since != nil {
		q = q.Where("timestamp >= ?", int64(*f.Since))
	}
	if f.Until != nil {
		q = q.Where("timestamp <= ?", int64(*f.Until))
	}
	if vals := f.Tags[eventlog.TagVoucher]; len(vals) > 0 {
		q = q.Where("identifier IN ?", vals)
	}
	var markets []string
	for _, topic := range f.Tags[eventlog.TagTopic] {
		if id, ok := strings.CutPrefix(topic, eventlog.MarketTopicPrefix); ok {
			markets = append(markets, id)
		} else if id, ok := strings.CutPrefix(topic, eventlog.IssuanceTopicPrefix); ok {
			markets = append(markets, id)
		}
	}
	// Mixed topic filters are left to the event match
	if len(markets) > 0 && len(markets) == len(f.Tags[eventlog.TagTopic]) {
		q = q.Where("market IN ?", markets)
	}
	var ids []string
	if result := q.Order("timestamp DESC, id ASC").Pluck("id", &ids); result.Error != nil {
		return nil, result.Error
	}
	return ids, nil
}

// ClearIndex removes every index row
func (m *MetadataStore) ClearIndex() error {
	return m.db.Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&EventIndex{}).Error
}

// SaveSnapshot stores a snapshot, replacing any snapshot of the same identity
// and market in the same period. A new id is assigned when empty.
func (m *MetadataStore) SaveSnapshot(s *dragon.Snapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	rec := snapshotRecord(s)
	err := m.db.Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where(
				"identity_id = ? AND market_id = ? AND period_start = ?",
				rec.IdentityID, rec.MarketID, rec.PeriodStart,
			).
			Delete(&SnapshotRecord{})
		if result.Error != nil {
			return result.Error
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// snapshotOrder sorts snapshots newest first. Snapshots computed in the same
// instant are ordered by insertion.
const snapshotOrder = "period_start DESC, computed_at DESC, created_at DESC"

// LatestSnapshot returns the newest snapshot of an identity in a market
func (m *MetadataStore) LatestSnapshot(identityID, marketID string) (*dragon.Snapshot, error) {
	return m.firstSnapshot(
		m.db.Where("identity_id = ? AND market_id = ?", identityID, marketID),
	)
}

// PreviousSnapshot returns the newest snapshot of an identity in a market
// whose period started before the given period start
func (m *MetadataStore) PreviousSnapshot(
	identityID string,
	marketID string,
	periodStart time.Time,
) (*dragon.Snapshot, error) {
	return m.firstSnapshot(m.db.Where(
		"identity_id = ? AND market_id = ? AND period_start < ?",
		identityID, marketID, unixNano(periodStart),
	))
}

func (m *MetadataStore) firstSnapshot(q *gorm.DB) (*dragon.Snapshot, error) {
	var rec SnapshotRecord
	if result := q.Order(snapshotOrder).First(&rec); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, result.Error
	}
	return rec.snapshot(), nil
}

// Snapshots returns up to limit snapshots of an identity in a market, newest
// first. A limit of 0 returns all of them.
func (m *MetadataStore) Snapshots(identityID, marketID string, limit int) ([]*dragon.Snapshot, error) {
	var recs []SnapshotRecord
	q := m.db.
		Where("identity_id = ? AND market_id = ?", identityID, marketID).
		Order(snapshotOrder)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if result := q.Find(&recs); result.Error != nil {
		return nil, result.Error
	}
	ret := make([]*dragon.Snapshot, 0, len(recs))
	for i := range recs {
		ret = append(ret, recs[i].snapshot())
	}
	return ret, nil
}

// CommitTimestamp returns the timestamp of the last index write, or 0
func (m *MetadataStore) CommitTimestamp() (int64, error) {
	var rec CommitTimestamp
	result := m.db.Where("id = ?", 1).Limit(1).Find(&rec)
	if result.Error != nil {
		return 0, result.Error
	}
	return rec.Timestamp, nil
}

func setCommitTimestamp(tx *gorm.DB, ts int64) error {
	rec := CommitTimestamp{ID: 1, Timestamp: ts}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp"}),
	}).Create(&rec).Error
}

// Close shuts down the database connection and stops background processes
func (m *MetadataStore) Close() error {
	m.timerMutex.Lock()
	m.closed = true
	if m.timerVacuum != nil {
		m.timerVacuum.Stop()
		m.timerVacuum = nil
	}
	m.timerMutex.Unlock()
	// Wait for any in-flight vacuum operations to complete
	m.vacuumWG.Wait()
	db, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	return db.Close()
}
