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

// Command hbload is a thin load-testing CLI: it drives a simulated
// ingest (random keyed records, batched commits, throughput reporting)
// followed by a random-order read-back verification pass.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/hammersbald/hammersbald"
	"github.com/hammersbald/hammersbald/internal/config"
)

var (
	dashdb      string
	dashn       int
	dashbatch   int
	dashkeylen  int
	dashdatalen int
	dashverify  int
	dashcache   int
	dashconfig  string
	dashseed    int64
	dashh       bool
)

func init() {
	flag.StringVar(&dashdb, "db", "", "database directory (required)")
	flag.IntVar(&dashn, "n", 1000000, "number of records to insert")
	flag.IntVar(&dashbatch, "batch", 1000, "records per batch")
	flag.IntVar(&dashkeylen, "keylen", 32, "key length in bytes")
	flag.IntVar(&dashdatalen, "datalen", 500, "value length in bytes")
	flag.IntVar(&dashverify, "verify", 1000, "number of inserted keys to spot-check on read-back (0 disables)")
	flag.IntVar(&dashcache, "cache", 0, "read cache pages per file (0 uses the built-in default)")
	flag.StringVar(&dashconfig, "config", "", "optional YAML tuning file")
	flag.Int64Var(&dashseed, "seed", 1, "random seed")
	flag.BoolVar(&dashh, "h", false, "show usage help")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func main() {
	flag.Parse()
	if dashh || dashdb == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -db <dir> [-n <records>] [-batch <size>] [-keylen <n>] [-datalen <n>] [-verify <n>]\n", os.Args[0])
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

	r := rand.New(rand.NewSource(dashseed))
	checkEvery := dashn / max(dashverify, 1)
	if checkEvery == 0 {
		checkEvery = 1
	}
	type kv struct {
		key, data []byte
	}
	var check []kv

	fmt.Printf("inserting %d records...\n", dashn)
	key := make([]byte, dashkeylen)
	data := make([]byte, dashdatalen)
	start := time.Now()
	for i := 0; i < dashn; i++ {
		r.Read(key)
		r.Read(data)
		if dashverify > 0 && i%checkEvery == 0 {
			check = append(check, kv{key: append([]byte(nil), key...), data: append([]byte(nil), data...)})
		}
		if _, err := db.PutKeyed(ctx, key, data); err != nil {
			exitf("put: %s\n", err)
		}
		if (i+1)%dashbatch == 0 {
			if err := db.Batch(ctx); err != nil {
				exitf("batch: %s\n", err)
			}
		}
	}
	if err := db.Batch(ctx); err != nil {
		exitf("final batch: %s\n", err)
	}
	elapsed := time.Since(start)
	fmt.Printf("stored %d records in %s, %.0f inserts/second\n", dashn, elapsed, float64(dashn)/elapsed.Seconds())

	if len(check) == 0 {
		return
	}
	fmt.Printf("shuffling %d keys and reading back in random order...\n", len(check))
	r.Shuffle(len(check), func(i, j int) { check[i], check[j] = check[j], check[i] })
	start = time.Now()
	for _, kv := range check {
		_, got, ok, err := db.GetKeyed(ctx, kv.key)
		if err != nil {
			exitf("get: %s\n", err)
		}
		if !ok {
			exitf("key unexpectedly missing after batch commit\n")
		}
		if string(got) != string(kv.data) {
			exitf("read-back mismatch for a stored key\n")
		}
	}
	elapsed = time.Since(start)
	fmt.Printf("read %d records in %s, %.0f reads/second\n", len(check), elapsed, float64(len(check))/elapsed.Seconds())
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
