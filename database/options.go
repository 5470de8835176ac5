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
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

type DatabaseOptionFunc func(*Database)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) DatabaseOptionFunc {
	return func(d *Database) {
		d.logger = logger
	}
}

// WithPromRegistry specifies the prometheus registry to use for metrics
func WithPromRegistry(registry prometheus.Registerer) DatabaseOptionFunc {
	return func(d *Database) {
		d.promRegistry = registry
	}
}

// WithDataDir specifies the data directory to use for storage. An empty
// value keeps everything in memory
func WithDataDir(dataDir string) DatabaseOptionFunc {
	return func(d *Database) {
		d.dataDir = dataDir
	}
}

// WithGc specifies whether garbage collection of the blob store is enabled
func WithGc(enabled bool) DatabaseOptionFunc {
	return func(d *Database) {
		d.gcEnabled = enabled
	}
}

// WithBloomSize specifies the expected number of cached events used to size
// the membership filter
func WithBloomSize(size uint) DatabaseOptionFunc {
	return func(d *Database) {
		if size > 0 {
			d.bloomSize = size
		}
	}
}
