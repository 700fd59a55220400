// Copyright (C) 2024 Hammersbald, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package hammersbald

import "github.com/hammersbald/hammersbald/rolled"

// Logger receives non-fatal diagnostic lines (Open's notice that it
// is recovering from an incomplete batch). A single Printf method so
// *log.Logger satisfies it directly; a testing.TB, which has Logf
// rather than Printf, goes through internal/harness.Logger.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Options configures Open. The zero value is valid: every field falls
// back to a sane default.
type Options struct {
	// BucketFillTarget is memtable's growth-rate knob,
	// clamped to [1, 128]. Larger values slow directory growth at the
	// cost of longer average bucket chains. Default 64.
	BucketFillTarget int

	// CachePages bounds the LRU read cache (pagecache) placed in
	// front of the data, link, and table files; the log file, which
	// is write-mostly, never gets one. Values <= 0 select the default
	// of 4096 pages (16 MiB).
	CachePages int

	// ChunkSize is the maximum size of one rolled chunk file
	// ("up to 1 GiB"). Default rolled.DefaultChunkSize.
	ChunkSize int64

	// Logger receives diagnostic lines (e.g. "recovering from an
	// incomplete batch"). Nil disables logging.
	Logger Logger
}

const (
	defaultBucketFillTarget = 64
	defaultCachePages       = 4096
)

func (o Options) withDefaults() Options {
	if o.BucketFillTarget <= 0 {
		o.BucketFillTarget = defaultBucketFillTarget
	}
	if o.BucketFillTarget > 128 {
		o.BucketFillTarget = 128
	}
	if o.CachePages <= 0 {
		o.CachePages = defaultCachePages
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = rolled.DefaultChunkSize
	}
	return o
}
