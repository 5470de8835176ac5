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
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bonlabs/circuit/dragon"
)

var (
	ErrClosed           = errors.New("database is closed")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Database is the local cache of relay events and computed snapshots. Raw
// events live in the blob store; the metadata store indexes them and keeps
// the snapshot history.
type Database struct {
	logger       *slog.Logger
	promRegistry prometheus.Registerer
	blob         *BlobStore
	metadata     *MetadataStore
	metrics      *cacheMetrics
	dataDir      string
	bloomSize    uint
	gcEnabled    bool
	mu           sync.Mutex
	closed       bool
}

// New opens the cache, in memory when no data directory is configured
func New(opts ...DatabaseOptionFunc) (*Database, error) {
	d := &Database{
		gcEnabled: true,
		bloomSize: DefaultBloomSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		d.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	d.logger = d.logger.With("component", "database")
	if d.promRegistry != nil {
		d.metrics = newCacheMetrics(d.promRegistry)
	}
	metadata, err := newMetadataStore(d.dataDir, d.logger)
	if err != nil {
		return nil, err
	}
	d.metadata = metadata
	blob, err := newBlobStore(d.dataDir, d.logger, d.bloomSize, d.gcEnabled)
	if err != nil {
		return nil, errors.Join(err, metadata.Close())
	}
	d.blob = blob
	if err := d.checkCommitTimestamp(); err != nil {
		// Database is available for recovery, so return it with error
		return d, err
	}
	return d, nil
}

// DataDir returns the path to the data directory used for storage
func (d *Database) DataDir() string {
	return d.dataDir
}

// PutEvents stores events and indexes them. Events already cached are
// skipped. It returns the number of newly stored events.
func (d *Database) PutEvents(evs ...*nostr.Event) (int, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	fresh := make([]*nostr.Event, 0, len(evs))
	seen := make(map[string]struct{}, len(evs))
	for _, ev := range evs {
		if ev == nil || ev.ID == "" {
			continue
		}
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		has, err := d.blob.Has(ev.ID)
		if err != nil {
			return 0, err
		}
		if has {
			if d.metrics != nil {
				d.metrics.duplicates.Inc()
			}
			continue
		}
		fresh = append(fresh, ev)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	ts := time.Now().UnixNano()
	// The blob is written first so that every indexed id resolves
	if err := d.blob.Put(ts, fresh...); err != nil {
		return 0, err
	}
	if err := d.metadata.IndexEvents(ts, fresh...); err != nil {
		return 0, err
	}
	if d.metrics != nil {
		d.metrics.stored.Add(float64(len(fresh)))
	}
	return len(fresh), nil
}

// Event returns one cached event
func (d *Database) Event(id string) (*nostr.Event, bool, error) {
	if err := d.checkOpen(); err != nil {
		return nil, false, err
	}
	return d.blob.Get(id)
}

// QueryEvents returns the cached events matching any of the filters, oldest
// first. Each filter honors its limit.
func (d *Database) QueryEvents(filters ...nostr.Filter) ([]*nostr.Event, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var ret []*nostr.Event
	seen := make(map[string]struct{})
	for _, f := range filters {
		ids, err := d.metadata.Candidates(f)
		if err != nil {
			return nil, err
		}
		matched := 0
		for _, id := range ids {
			if f.Limit > 0 && matched >= f.Limit {
				break
			}
			ev, ok, err := d.blob.Get(id)
			if err != nil {
				return nil, err
			}
			if !ok {
				d.logger.Warn("indexed event missing from blob store", "id", id)
				continue
			}
			if !f.Matches(ev) {
				continue
			}
			matched++
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			ret = append(ret, ev)
		}
	}
	if d.metrics != nil {
		d.metrics.queries.Inc()
	}
	return ret, nil
}

// SaveSnapshot records a computed snapshot, replacing one of the same period
// and assigning it an id when empty
func (d *Database) SaveSnapshot(s *dragon.Snapshot) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.metadata.SaveSnapshot(s)
}

// LatestSnapshot returns the most recent snapshot of an identity in a market
func (d *Database) LatestSnapshot(identityID, marketID string) (*dragon.Snapshot, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return d.metadata.LatestSnapshot(identityID, marketID)
}

// PreviousSnapshot returns the newest snapshot of an identity in a market
// from a period before periodStart
func (d *Database) PreviousSnapshot(identityID, marketID string, periodStart time.Time) (*dragon.Snapshot, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return d.metadata.PreviousSnapshot(identityID, marketID, periodStart)
}

// Snapshots returns the snapshot history of an identity in a market, newest
// first
func (d *Database) Snapshots(identityID, marketID string, limit int) ([]*dragon.Snapshot, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return d.metadata.Snapshots(identityID, marketID, limit)
}

// Close cleans up the database connections
func (d *Database) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	var err error
	if d.metadata != nil {
		err = errors.Join(err, d.metadata.Close())
	}
	if d.blob != nil {
		err = errors.Join(err, d.blob.Close())
	}
	return err
}

func (d *Database) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}
