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

// Command hbstat opens a database directory and reports its shape:
// per-file sizes, chunk counts, cache/queue occupancy, bucket
// directory geometry, and (with -audit) a full census of how much of
// the on-disk data is still reachable from the bucket directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hammersbald/hammersbald"
	"github.com/hammersbald/hammersbald/internal/config"
)

var (
	dashdb     string
	dashcache  int
	dashconfig string
	dashaudit  bool
	dashh      bool
)

func init() {
	flag.StringVar(&dashdb, "db", "", "database directory (required)")
	flag.IntVar(&dashcache, "cache", 0, "read cache pages per file (0 uses the built-in default)")
	flag.StringVar(&dashconfig, "config", "", "optional YAML tuning file")
	flag.BoolVar(&dashaudit, "audit", false, "also walk the bucket directory and report live/garbage counts")
	flag.BoolVar(&dashh, "h", false, "show usage help")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func main() {
	flag.Parse()
	if dashh || dashdb == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -db <dir> [-cache <pages>] [-config <file>] [-audit]\n", os.Args[0])
		flag.Usage()
		os.Exit(1)
	}

	tuning, err := config.Load(dashconfig)
	if err != nil {
		exitf("%s\n", err)
	}
	opts := hammersbald.Options{
		BucketFillTarget: tuning.BucketFillTarget,
		ChunkSize:        tuning.ChunkSize,
		CachePages:       tuning.CachePages,
	}
	if dashcache > 0 {
		opts.CachePages = dashcache
	}

	ctx := context.Background()
	db, err := hammersbald.Open(ctx, dashdb, opts)
	if err != nil {
		exitf("opening %s: %s\n", dashdb, err)
	}
	defer db.Shutdown(ctx)

	st, err := db.Stats(ctx)
	if err != nil {
		exitf("stats: %s\n", err)
	}
	printStats(st)

	if dashaudit {
		a, err := db.Audit(ctx)
		if err != nil {
			exitf("audit: %s\n", err)
		}
		printAudit(a)
	}
}

func printStats(st hammersbald.Stats) {
	fmt.Printf("session: %s\n", st.SessionID)
	fmt.Printf("directory: %d buckets, step %d, log_mod %d, sip (%#x, %#x)\n",
		st.NBuckets, st.Step, st.LogMod, st.Sip0, st.Sip1)
	fmt.Printf("file sizes:\n")
	printFile("data ", st.Data)
	printFile("link ", st.Link)
	printFile("table", st.Table)
	printFile("log  ", st.Log)
}

func printFile(name string, fs hammersbald.FileStats) {
	fmt.Printf("  %s: %10d bytes, %3d chunks, %6d cached pages, %4d pending writes\n",
		name, fs.Len, fs.Chunks, fs.CachedPages, fs.PendingPages)
}

func printAudit(a hammersbald.Audit) {
	fmt.Printf("audit:\n")
	fmt.Printf("  buckets:  %d used / %d total (%.1f%%)\n",
		a.UsedBuckets, a.NBuckets, pct(a.UsedBuckets, a.NBuckets))
	fmt.Printf("  links:    %d live, %d garbage (%.1f%%)\n",
		a.LinkEnvelopes-a.LinkGarbage, a.LinkGarbage, pct(a.LinkGarbage, a.LinkEnvelopes))
	fmt.Printf("  indexed:  %d live, %d garbage (%.1f%%)\n",
		a.IndexedLive, a.IndexedGarbage, pct(a.IndexedGarbage, a.IndexedEnvelopes))
	fmt.Printf("  referred: %d records (liveness not tracked at this layer)\n", a.ReferredEnvelopes)
	if len(a.LongestChains) > 0 {
		fmt.Printf("  longest chains: %v\n", a.LongestChains)
	}
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}
