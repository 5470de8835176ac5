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
	"time"

	"github.com/nbd-wtf/go-nostr"
)

type CommitTimestampError struct {
	MetadataTimestamp int64
	BlobTimestamp     int64
}

func (e CommitTimestampError) Error() string {
	return fmt.Sprintf(
		"commit timestamp mismatch: %d (metadata) != %d (blob)",
		e.MetadataTimestamp,
		e.BlobTimestamp,
	)
}

// checkCommitTimestamp rebuilds the event index when it does not match the
// blob store, which happens when a write was interrupted between the two
func (d *Database) checkCommitTimestamp() error {
	err := d.compareCommitTimestamps()
	var tsErr CommitTimestampError
	if !errors.As(err, &tsErr) {
		return err
	}
	d.logger.Warn(
		"event index out of sync with blob store, rebuilding",
		"error", err,
	)
	return d.reindex(tsErr.BlobTimestamp)
}

func (d *Database) compareCommitTimestamps() error {
	metadataTimestamp, err := d.metadata.CommitTimestamp()
	if err != nil {
		return fmt.Errorf("failed to get metadata timestamp: %w", err)
	}
	blobTimestamp, err := d.blob.CommitTimestamp()
	if err != nil {
		return fmt.Errorf("failed to get blob timestamp: %w", err)
	}
	if blobTimestamp != metadataTimestamp {
		return CommitTimestampError{
			MetadataTimestamp: metadataTimestamp,
			BlobTimestamp:     blobTimestamp,
		}
	}
	return nil
}

func (d *Database) reindex(ts int64) error {
	start := time.Now()
	if err := d.metadata.ClearIndex(); err != nil {
		return fmt.Errorf("clear event index: %w", err)
	}
	batch := make([]*nostr.Event, 0, indexBatchSize)
	count := 0
	flush := func() error {
		if err := d.metadata.IndexEvents(ts, batch...); err != nil {
			return err
		}
		count += len(batch)
		batch = batch[:0]
		return nil
	}
	err := d.blob.ForEach(func(ev *nostr.Event) error {
		batch = append(batch, ev)
		if len(batch) < indexBatchSize {
			return nil
		}
		return flush()
	})
	if err != nil {
		return fmt.Errorf("rebuild event index: %w", err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("rebuild event index: %w", err)
	}
	d.logger.Info(
		fmt.Sprintf("rebuilt event index with %d events", count),
		"duration", time.Since(start),
	)
	return nil
}
