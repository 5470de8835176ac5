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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/nbd-wtf/go-nostr"
)

const (
	DefaultBloomSize   = 100_000
	bloomFalsePositive = 0.001

	blobGcInterval = 5 * time.Minute
)

var (
	eventKeyPrefix     = []byte("ev:")
	commitTimestampKey = []byte("metadata_commit_timestamp")
)

// BlobStore keeps raw events in badger, zstd-compressed. A bloom filter over
// stored ids answers most absent lookups without touching badger.
type BlobStore struct {
	db       *badger.DB
	logger   *slog.Logger
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	gcTicker *time.Ticker
	gcStopCh chan struct{}
	gcWg     sync.WaitGroup
	bloomMu  sync.RWMutex
	seen     *bloom.BloomFilter
}

func newBlobStore(
	dataDir string,
	logger *slog.Logger,
	bloomSize uint,
	gcEnabled bool,
) (*BlobStore, error) {
	var badgerOpts badger.Options
	if dataDir == "" {
		badgerOpts = badger.DefaultOptions("").
			WithInMemory(true)
	} else {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		badgerOpts = badger.DefaultOptions(filepath.Join(dataDir, "blob"))
	}
	badgerOpts = badgerOpts.
		WithLogger(newBadgerLogger(logger)).
		// The default INFO logging is a bit verbose
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Join(err, encoder.Close(), db.Close())
	}
	b := &BlobStore{
		db:      db,
		logger:  logger,
		encoder: encoder,
		decoder: decoder,
		seen:    bloom.NewWithEstimates(bloomSize, bloomFalsePositive),
	}
	if err := b.loadBloom(); err != nil {
		return nil, errors.Join(err, b.Close())
	}
	// GC only reclaims value log space on disk
	if gcEnabled && dataDir != "" {
		b.gcTicker = time.NewTicker(blobGcInterval)
		b.gcStopCh = make(chan struct{})
		b.gcWg.Add(1)
		go b.blobGc(b.gcTicker, b.gcStopCh)
	}
	return b, nil
}

func (b *BlobStore) loadBloom() error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = eventKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		count := 0
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			b.seen.Add(key[len(eventKeyPrefix):])
			count++
		}
		if count > 0 {
			b.logger.Debug(
				fmt.Sprintf("loaded %d cached event ids", count),
			)
		}
		return nil
	})
}

func (b *BlobStore) blobGc(t *time.Ticker, stop <-chan struct{}) {
	defer b.gcWg.Done()
	for {
		select {
		case <-t.C:
			for {
				err := b.db.RunValueLogGC(0.5)
				if err == nil {
					// Run it again if it just ran successfully
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					b.logger.Warn(
						fmt.Sprintf("blob DB: GC failure: %s", err),
					)
				}
				break
			}
		case <-stop:
			return
		}
	}
}

// Has reports whether an event is stored
func (b *BlobStore) Has(id string) (bool, error) {
	b.bloomMu.RLock()
	maybe := b.seen.TestString(id)
	b.bloomMu.RUnlock()
	if !maybe {
		return false, nil
	}
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(eventKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Put stores events along with the commit timestamp of the write
func (b *BlobStore) Put(ts int64, evs ...*nostr.Event) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, ev := range evs {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		if err := wb.Set(eventKey(ev.ID), b.encoder.EncodeAll(raw, nil)); err != nil {
			return err
		}
	}
	if err := wb.Set(commitTimestampKey, encodeTimestamp(ts)); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	b.bloomMu.Lock()
	for _, ev := range evs {
		b.seen.AddString(ev.ID)
	}
	b.bloomMu.Unlock()
	return nil
}

// Get returns a stored event
func (b *BlobStore) Get(id string) (*nostr.Event, bool, error) {
	b.bloomMu.RLock()
	maybe := b.seen.TestString(id)
	b.bloomMu.RUnlock()
	if !maybe {
		return nil, false, nil
	}
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(eventKey(id))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	ev, err := b.decode(val)
	if err != nil {
		return nil, false, fmt.Errorf("event %s: %w", id, err)
	}
	return ev, true, nil
}

func (b *BlobStore) decode(val []byte) (*nostr.Event, error) {
	raw, err := b.decoder.DecodeAll(val, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &ev, nil
}

// ForEach calls fn for every stored event in key order
func (b *BlobStore) ForEach(fn func(*nostr.Event) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ev, err := b.decode(val)
			if err != nil {
				return err
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitTimestamp returns the timestamp of the last write, or 0
func (b *BlobStore) CommitTimestamp() (int64, error) {
	var ts int64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(commitTimestampKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("invalid commit timestamp length %d", len(val))
			}
			ts = int64(binary.BigEndian.Uint64(val)) //nolint:gosec
			return nil
		})
	})
	return ts, err
}

// Close stops GC and closes badger
func (b *BlobStore) Close() error {
	if b.gcTicker != nil {
		b.gcTicker.Stop()
		close(b.gcStopCh)
		b.gcWg.Wait()
		b.gcTicker = nil
	}
	b.decoder.Close()
	return errors.Join(b.encoder.Close(), b.db.Close())
}

func eventKey(id string) []byte {
	return append(append([]byte{}, eventKeyPrefix...), id...)
}

func encodeTimestamp(ts int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ts)) //nolint:gosec
	return buf
}

// badgerLogger routes badger log output to slog
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger.With("subsystem", "badger")}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(trimLog(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(trimLog(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(trimLog(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(trimLog(format, args...))
}

func trimLog(format string, args ...any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
