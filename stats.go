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

	"golang.org/x/exp/slices"

	"github.com/hammersbald/hammersbald/envelope"
	"github.com/hammersbald/hammersbald/heap"
	"github.com/hammersbald/hammersbald/pref"
)

// topChains bounds how many of the longest bucket chains Audit keeps
// track of, reported so an operator can judge whether
// Options.BucketFillTarget is set too high for the load.
const topChains = 10

// FileStats reports size and cache/queue occupancy for one of the
// four logical files ("File sizes: table: ..., data: ..., links: ...").
type FileStats struct {
	Len          int64
	Chunks       int
	CachedPages  int // 0 if this file has no read cache
	PendingPages int // pages queued in the background writer, 0 if synchronous
}

// Stats reports the database's current shape: directory geometry
// (the index's step/log_mod/n_buckets counters) and per-file
// size/cache occupancy, consumed by cmd/hbstat.
type Stats struct {
	SessionID string

	Step, LogMod, NBuckets uint64
	Sip0, Sip1             uint64

	Data, Link, Table, Log FileStats
}

func fileStats(ctx context.Context, lf logicalFile, length int64) (FileStats, error) {
	fs := FileStats{Len: length, Chunks: lf.rolled.ChunkCount()}
	if lf.cache != nil {
		fs.CachedPages = lf.cache.CachedPages()
	}
	if lf.async != nil {
		fs.PendingPages = lf.async.Pending()
	}
	return fs, nil
}

// Stats gathers the statistics above. It takes no lock stronger than
// the component-level ones each file already has, so it may be called
// concurrently with readers (and, racily, with the single writer —
// the same concurrency allowance any other read-only operation gets).
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	step, logMod, nBuckets, sip0, sip1 := db.mem.Params()

	dataLen, err := db.data.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	linkLen, err := db.link.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	tableLen, err := db.table.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	logLen, err := db.log.Len(ctx)
	if err != nil {
		return Stats{}, err
	}

	data, err := fileStats(ctx, db.dataFiles, dataLen)
	if err != nil {
		return Stats{}, err
	}
	link, err := fileStats(ctx, db.linkFiles, linkLen)
	if err != nil {
		return Stats{}, err
	}
	table, err := fileStats(ctx, db.tableFiles, tableLen)
	if err != nil {
		return Stats{}, err
	}
	log, err := fileStats(ctx, db.logFiles, logLen)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		SessionID: db.sessionID.String(),
		Step:      step,
		LogMod:    logMod,
		NBuckets:  nBuckets,
		Sip0:      sip0,
		Sip1:      sip1,
		Data:      data,
		Link:      link,
		Table:     table,
		Log:       log,
	}, nil
}

// Audit is a diagnostic census of how much of the on-disk data is
// still reachable from the bucket directory, produced by walking the
// table, link, and data files. It is read-only and does not mutate anything;
// a crash or concurrent writer between its three passes can make the
// counts slightly inconsistent with each other, which is acceptable
// for a diagnostic tool.
//
// Referred envelopes reachable only through a domain adapter's own
// forward links (blockkv's header-to-transaction/extension PRefs, for
// example) are outside the generic walk below: the façade has no way
// to know which Referred envelopes an adapter still considers live,
// so ReferredEnvelopes is a raw count, not a live/garbage split.
type Audit struct {
	NBuckets    int
	UsedBuckets int // buckets whose stored PRef is valid

	LinkEnvelopes int // committed Link envelopes (padding excluded)
	LinkGarbage   int // Link envelopes no bucket currently points at

	IndexedEnvelopes int
	IndexedLive      int // reachable from some live bucket's slot list
	IndexedGarbage   int // superseded (Put again) or forgotten

	ReferredEnvelopes int

	// LongestChains holds the lengths of up to the topChains
	// longest bucket chains (by slot count) seen, longest first.
	LongestChains []int
}

// Audit performs the census described above.
func (db *DB) Audit(ctx context.Context) (Audit, error) {
	_, _, nBuckets, _, _ := db.mem.Params()

	liveLinks := make(map[pref.PRef]bool)
	usedBuckets := 0
	bit := db.table.Buckets(ctx, nBuckets)
	for {
		p, ok, err := bit.Next()
		if err != nil {
			return Audit{}, err
		}
		if !ok {
			break
		}
		if p.Valid() {
			usedBuckets++
			liveLinks[p] = true
		}
	}

	linkLen, err := db.link.Len(ctx)
	if err != nil {
		return Audit{}, err
	}
	liveData := make(map[pref.PRef]bool)
	linkTotal, linkGarbage := 0, 0
	chainLess := func(a, b int) bool { return a < b }
	var longest []int
	lit := db.link.Envelopes(ctx, linkLen)
	for {
		at, env, ok, err := lit.Next()
		if err != nil {
			return Audit{}, err
		}
		if !ok {
			break
		}
		if env.Kind != envelope.Link {
			continue // a Referred padding envelope written by Flush, not a bucket
		}
		linkTotal++
		if liveLinks[at] {
			delete(liveLinks, at)
			for _, s := range env.Slots {
				liveData[s.Pref] = true
			}
			if n := len(env.Slots); n > 0 {
				if len(longest) < topChains {
					heap.PushSlice(&longest, n, chainLess)
				} else if n > longest[0] {
					heap.PopSlice(&longest, chainLess)
					heap.PushSlice(&longest, n, chainLess)
				}
			}
		} else {
			linkGarbage++
		}
	}
	slices.SortFunc(longest, func(a, b int) bool { return a > b })

	it, err := db.Iterate(ctx)
	if err != nil {
		return Audit{}, err
	}
	var indexedTotal, indexedLive, referredTotal int
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return Audit{}, err
		}
		if !ok {
			break
		}
		if len(rec.Key) > 0 {
			indexedTotal++
			if liveData[rec.At] {
				indexedLive++
			}
		} else {
			referredTotal++
		}
	}

	return Audit{
		NBuckets:          int(nBuckets),
		UsedBuckets:       usedBuckets,
		LinkEnvelopes:     linkTotal,
		LinkGarbage:       linkGarbage,
		IndexedEnvelopes:  indexedTotal,
		IndexedLive:       indexedLive,
		IndexedGarbage:    indexedTotal - indexedLive,
		ReferredEnvelopes: referredTotal,
		LongestChains:     longest,
	}, nil
}
