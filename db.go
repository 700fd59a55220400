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

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hammersbald/hammersbald/asyncfile"
	"github.com/hammersbald/hammersbald/datafile"
	"github.com/hammersbald/hammersbald/envelope"
	"github.com/hammersbald/hammersbald/herr"
	"github.com/hammersbald/hammersbald/linkfile"
	"github.com/hammersbald/hammersbald/logfile"
	"github.com/hammersbald/hammersbald/memtable"
	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pagecache"
	"github.com/hammersbald/hammersbald/pref"
	"github.com/hammersbald/hammersbald/rolled"
	"github.com/hammersbald/hammersbald/tablefile"
)

// base is the logical file name stem every chunk file is named from:
// "<base>.<idx>.<ext>".
const base = "hammersbald"

// DB is the engine façade: it owns the four logical
// files, the in-memory index, and the batch/recover lifecycle. A DB
// is not safe for concurrent mutation (see package doc); the mutex
// below only protects the façade's own bookkeeping, not the
// component-level locking each file and the memtable already do.
type DB struct {
	dir       string
	sessionID uuid.UUID
	opts      Options

	data  *datafile.File
	link  *linkfile.File
	table *tablefile.File
	log   *logfile.File
	mem   *memtable.MemTable

	dataFiles, linkFiles, tableFiles, logFiles logicalFile

	mu       sync.Mutex
	shutdown bool
}

// logicalFile is the set of layers one of the four on-disk files is
// built from (rolled chunking, an optional read cache, an optional
// background writer), kept around after Open so Stats can report per-file cache/queue
// occupancy without every caller threading that plumbing through.
type logicalFile struct {
	rolled *rolled.File
	cache  *pagecache.File // nil if CachePages disabled for this file
	async  *asyncfile.File // nil for the table file, which must support UpdatePage
}

func (db *DB) logf(format string, args ...interface{}) {
	if db.opts.Logger != nil {
		db.opts.Logger.Printf(format, args...)
	}
}

// Open opens (creating if necessary) the database stored under dir,
// recovering from any incomplete batch and loading the index
// directory: construct files, recover(), load(), then one initial
// batch() if the database is brand new (to establish a clean log
// header).
func Open(ctx context.Context, dir string, opts Options) (*DB, error) {
	opts = opts.withDefaults()

	dataLF, dataPF, err := openLogical(dir, "bc", opts, true)
	if err != nil {
		return nil, fmt.Errorf("hammersbald: opening data file: %w", err)
	}
	linkLF, linkPF, err := openLogical(dir, "bl", opts, true)
	if err != nil {
		return nil, fmt.Errorf("hammersbald: opening link file: %w", err)
	}
	tableLF, tablePF, err := openLogical(dir, "tb", opts, false)
	if err != nil {
		return nil, fmt.Errorf("hammersbald: opening table file: %w", err)
	}
	logOpts := opts
	logOpts.CachePages = 0 // the log is write-mostly; a read cache buys nothing
	logLF, logPF, err := openLogical(dir, "lg", logOpts, true)
	if err != nil {
		return nil, fmt.Errorf("hammersbald: opening log file: %w", err)
	}

	df, err := datafile.Open(ctx, dataPF)
	if err != nil {
		return nil, err
	}
	lf, err := linkfile.Open(ctx, linkPF)
	if err != nil {
		return nil, err
	}
	tf, err := tablefile.Open(ctx, tablePF)
	if err != nil {
		return nil, err
	}
	gf := logfile.Open(logPF)

	logLen, err := gf.Len(ctx)
	if err != nil {
		return nil, err
	}
	tableLen, err := tf.Len(ctx)
	if err != nil {
		return nil, err
	}
	fresh := tableLen == 0 && logLen == 0

	mt := memtable.New(df, lf, tf, gf, opts.BucketFillTarget)

	db := &DB{
		dir:        dir,
		sessionID:  uuid.New(),
		opts:       opts,
		data:       df,
		link:       lf,
		table:      tf,
		log:        gf,
		mem:        mt,
		dataFiles:  dataLF,
		linkFiles:  linkLF,
		tableFiles: tableLF,
		logFiles:   logLF,
	}

	if logLen > int64(page.Size) {
		db.logf("hammersbald[%s]: recovering from an incomplete batch", db.sessionID)
	}
	if err := mt.Recover(ctx); err != nil {
		return nil, fmt.Errorf("hammersbald: recover: %w", err)
	}
	if err := mt.Load(ctx); err != nil {
		return nil, fmt.Errorf("hammersbald: load: %w", err)
	}
	if fresh {
		if err := mt.Batch(ctx); err != nil {
			return nil, fmt.Errorf("hammersbald: initial batch: %w", err)
		}
	}
	return db, nil
}

func openLogical(dir, ext string, opts Options, async bool) (logicalFile, page.PagedFile, error) {
	rf, err := rolled.Open(dir, base, ext, opts.ChunkSize)
	if err != nil {
		return logicalFile{}, nil, err
	}
	lf := logicalFile{rolled: rf}
	var pf page.PagedFile = rf
	if opts.CachePages > 0 {
		lf.cache = pagecache.Wrap(pf, opts.CachePages)
		pf = lf.cache
	}
	if async {
		lf.async = asyncfile.Wrap(pf)
		pf = lf.async
	}
	return lf, pf, nil
}

// SessionID identifies this particular Open call, surfaced through
// Stats and tagged onto log lines so repeated opens in a test run (or
// in cmd/hbstat output) are distinguishable.
func (db *DB) SessionID() uuid.UUID { return db.sessionID }

// PutKeyed stores data under key and returns the PRef of the stored
// indexed envelope. key must be at most 255 bytes and data at most
// 2^23-1 bytes. A prior mapping for key, if any, is
// superseded (not freed) by memtable's duplicate elimination; GetKeyed
// reflects the new value immediately, before the next Batch.
func (db *DB) PutKeyed(ctx context.Context, key, data []byte) (pref.PRef, error) {
	if len(key) > envelope.MaxKeyLen {
		return pref.Invalid, herr.ErrKeyTooLong
	}
	at, err := db.mem.AppendData(ctx, key, data)
	if err != nil {
		return pref.Invalid, err
	}
	if err := db.mem.Put(ctx, key, at); err != nil {
		return pref.Invalid, err
	}
	return at, nil
}

// GetKeyed returns the PRef and data of the live mapping for key, or
// ok=false if key has no live mapping (never stored, or forgotten).
func (db *DB) GetKeyed(ctx context.Context, key []byte) (at pref.PRef, data []byte, ok bool, err error) {
	return db.mem.Get(ctx, key)
}

// MayHaveKey is a false-positive-only membership hint:
// it never returns false when GetKeyed would succeed, but may return
// true when it would not.
func (db *DB) MayHaveKey(ctx context.Context, key []byte) (bool, error) {
	return db.mem.MayHaveKey(ctx, key)
}

// Forget removes key's index mapping. The underlying data envelope
// remains retrievable by its PRef forever: forget removes only the
// index mapping.
func (db *DB) Forget(ctx context.Context, key []byte) error {
	return db.mem.Forget(ctx, key)
}

// Put stores data without a key and returns its PRef.
func (db *DB) Put(ctx context.Context, data []byte) (pref.PRef, error) {
	return db.mem.AppendReferred(ctx, data)
}

// Get fetches the envelope at at and returns its key (empty for a
// Referred envelope) and data.
func (db *DB) Get(ctx context.Context, at pref.PRef) (key, data []byte, err error) {
	env, err := db.mem.GetEnvelope(ctx, at)
	if err != nil {
		return nil, nil, err
	}
	switch env.Kind {
	case envelope.Indexed:
		return append([]byte(nil), env.Key...), append([]byte(nil), env.Data...), nil
	case envelope.Referred:
		return nil, append([]byte(nil), env.Data...), nil
	default:
		return nil, nil, fmt.Errorf("hammersbald: pref %s is not a data envelope: %w", at, herr.ErrCorrupted)
	}
}

// Record is one entry yielded by Iterate: a stored envelope's PRef,
// key (empty if the record was stored with Put, not PutKeyed), and
// data.
type Record struct {
	At   pref.PRef
	Key  []byte
	Data []byte
}

// Iterator walks every data envelope (indexed and referred) in file
// order. Link envelopes, which live in a separate file, are not
// visited.
type Iterator struct {
	it *datafile.Iterator
}

// Iterate returns an iterator over every record appended to the data
// file so far, including records not yet committed by Batch, in
// insertion order.
func (db *DB) Iterate(ctx context.Context) (*Iterator, error) {
	it, err := db.mem.DataEnvelopes(ctx)
	if err != nil {
		return nil, err
	}
	return &Iterator{it: it}, nil
}

// Next returns the next Record, or ok=false once the iterator is
// exhausted.
func (it *Iterator) Next() (rec Record, ok bool, err error) {
	for {
		at, env, ok, err := it.it.Next()
		if err != nil || !ok {
			return Record{}, ok, err
		}
		switch env.Kind {
		case envelope.Indexed:
			return Record{At: at, Key: append([]byte(nil), env.Key...), Data: append([]byte(nil), env.Data...)}, true, nil
		case envelope.Referred:
			return Record{At: at, Data: append([]byte(nil), env.Data...)}, true, nil
		default:
			// Link envelopes never appear in the data file; a Referred
			// padding envelope written by Flush is a normal Referred
			// record with zero-filled data and is yielded like any other.
			continue
		}
	}
}

// Batch commits all buffered writes: flushes and syncs the data,
// link, and table files, rewrites and syncs the log header with the
// new committed lengths, and resets the log's per-batch bookkeeping.
// A crash at any
// point before the new header is fully synced rolls back to the
// previous committed state on the next Open.
func (db *DB) Batch(ctx context.Context) error {
	return db.mem.Batch(ctx)
}

// Shutdown flushes and joins every background writer and releases
// the underlying file handles. The DB must not be used afterward.
func (db *DB) Shutdown(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.shutdown {
		return nil
	}
	db.shutdown = true
	return db.mem.Shutdown(ctx)
}
