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

package tablefile

import (
	"context"
	"errors"
	"testing"

	"github.com/hammersbald/hammersbald/herr"
	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pref"
	"github.com/hammersbald/hammersbald/rolled"
)

func openTestFile(t *testing.T) *File {
	t.Helper()
	ctx := context.Background()
	rf, err := rolled.Open(t.TempDir(), "hammersbald", "tb", rolled.DefaultChunkSize)
	if err != nil {
		t.Fatalf("rolled.Open: %v", err)
	}
	t.Cleanup(func() { rf.Shutdown(ctx) })
	f, err := Open(ctx, rf)
	if err != nil {
		t.Fatalf("tablefile.Open: %v", err)
	}
	return f
}

func TestBucketOffsetRegions(t *testing.T) {
	if off := BucketOffset(0); off != FirstPageHead {
		t.Fatalf("BucketOffset(0) = %d, want %d", off, FirstPageHead)
	}
	last := BucketOffset(BucketsFirstPage - 1)
	if last >= page.Size {
		t.Fatalf("BucketOffset(BucketsFirstPage-1) = %d, should stay on page 0", last)
	}
	next := BucketOffset(BucketsFirstPage)
	if next < page.Size {
		t.Fatalf("BucketOffset(BucketsFirstPage) = %d, should spill onto page 1", next)
	}
}

func TestWriteReadBucketRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	if err := f.WriteBucket(ctx, 0, pref.New(123)); err != nil {
		t.Fatalf("WriteBucket: %v", err)
	}
	got, err := f.ReadBucket(ctx, 0)
	if err != nil {
		t.Fatalf("ReadBucket: %v", err)
	}
	if got != pref.New(123) {
		t.Fatalf("ReadBucket(0) = %s, want %s", got, pref.New(123))
	}
}

func TestWriteBucketPreservesSiblings(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	if err := f.WriteBucket(ctx, 0, pref.New(10)); err != nil {
		t.Fatalf("WriteBucket(0): %v", err)
	}
	if err := f.WriteBucket(ctx, 1, pref.New(20)); err != nil {
		t.Fatalf("WriteBucket(1): %v", err)
	}
	got0, err := f.ReadBucket(ctx, 0)
	if err != nil {
		t.Fatalf("ReadBucket(0): %v", err)
	}
	if got0 != pref.New(10) {
		t.Fatalf("ReadBucket(0) = %s, want %s (should survive sibling write)", got0, pref.New(10))
	}
	got1, err := f.ReadBucket(ctx, 1)
	if err != nil {
		t.Fatalf("ReadBucket(1): %v", err)
	}
	if got1 != pref.New(20) {
		t.Fatalf("ReadBucket(1) = %s, want %s", got1, pref.New(20))
	}
}

func TestWriteBucketAcrossPageBoundary(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	b := uint64(BucketsFirstPage + 5)
	if err := f.WriteBucket(ctx, b, pref.New(77)); err != nil {
		t.Fatalf("WriteBucket: %v", err)
	}
	got, err := f.ReadBucket(ctx, b)
	if err != nil {
		t.Fatalf("ReadBucket: %v", err)
	}
	if got != pref.New(77) {
		t.Fatalf("ReadBucket(%d) = %s, want %s", b, got, pref.New(77))
	}
	// an untouched bucket on the same page should read back Invalid.
	other, err := f.ReadBucket(ctx, b+1)
	if err != nil {
		t.Fatalf("ReadBucket(%d): %v", b+1, err)
	}
	if other != pref.Invalid {
		t.Fatalf("ReadBucket(%d) = %s, want Invalid", b+1, other)
	}
}

func TestHeader0RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	h := Header0{NBuckets: 512, Step: 9, Sip0: 0x1122334455667788, Sip1: 0x99aabbccddeeff00}
	if err := f.WriteHeader0(ctx, h); err != nil {
		t.Fatalf("WriteHeader0: %v", err)
	}
	got, err := f.ReadHeader0(ctx)
	if err != nil {
		t.Fatalf("ReadHeader0: %v", err)
	}
	if got != h {
		t.Fatalf("ReadHeader0() = %+v, want %+v", got, h)
	}
}

func TestHeader0SurvivesBucketWrites(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	h := Header0{NBuckets: 4, Step: 1, Sip0: 1, Sip1: 2}
	if err := f.WriteHeader0(ctx, h); err != nil {
		t.Fatalf("WriteHeader0: %v", err)
	}
	if err := f.WriteBucket(ctx, 0, pref.New(99)); err != nil {
		t.Fatalf("WriteBucket: %v", err)
	}
	got, err := f.ReadHeader0(ctx)
	if err != nil {
		t.Fatalf("ReadHeader0: %v", err)
	}
	if got != h {
		t.Fatalf("ReadHeader0() after bucket write = %+v, want %+v", got, h)
	}
}

func TestBucketsIteratorWalksInOrder(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	want := []pref.PRef{pref.New(1), pref.New(2), pref.New(3)}
	for i, p := range want {
		if err := f.WriteBucket(ctx, uint64(i), p); err != nil {
			t.Fatalf("WriteBucket(%d): %v", i, err)
		}
	}
	it := f.Buckets(ctx, uint64(len(want)))
	var got []pref.PRef
	for {
		p, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, p)
	}
	if len(got) != len(want) {
		t.Fatalf("iterated %d buckets, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bucket %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestReadPageRejectsMismatchedSelfRef(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	if err := f.WriteBucket(ctx, 0, pref.New(1)); err != nil {
		t.Fatalf("WriteBucket: %v", err)
	}
	// a second page makes the read at offset 1 fit inside the file, so
	// it is the self-ref check, not the range check, that rejects it
	if err := f.WriteBucket(ctx, BucketsFirstPage, pref.New(2)); err != nil {
		t.Fatalf("WriteBucket(BucketsFirstPage): %v", err)
	}
	if _, err := f.ReadPage(ctx, pref.New(uint64(1))); !errors.Is(err, herr.ErrCorrupted) {
		t.Fatalf("ReadPage at a non-page-aligned offset = %v, want the self-ref check's ErrCorrupted", err)
	}
}
