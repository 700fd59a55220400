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

package datafile

import (
	"bytes"
	"context"
	"testing"

	"github.com/hammersbald/hammersbald/rolled"
)

func openTestFile(t *testing.T) *File {
	t.Helper()
	ctx := context.Background()
	rf, err := rolled.Open(t.TempDir(), "hammersbald", "bc", rolled.DefaultChunkSize)
	if err != nil {
		t.Fatalf("rolled.Open: %v", err)
	}
	t.Cleanup(func() { rf.Shutdown(ctx) })
	f, err := Open(ctx, rf)
	if err != nil {
		t.Fatalf("datafile.Open: %v", err)
	}
	return f
}

func TestAppendIndexedGetEnvelope(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	key := []byte("the-key")
	data := []byte("the stored value")
	at, err := f.AppendIndexed(ctx, key, data)
	if err != nil {
		t.Fatalf("AppendIndexed: %v", err)
	}
	if err := f.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	env, err := f.GetEnvelope(ctx, at)
	if err != nil {
		t.Fatalf("GetEnvelope: %v", err)
	}
	if !bytes.Equal(env.Key, key) {
		t.Fatalf("Key = %q, want %q", env.Key, key)
	}
	if !bytes.Equal(env.Data, data) {
		t.Fatalf("Data = %q, want %q", env.Data, data)
	}
}

func TestAppendSpansPageBoundary(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	big := bytes.Repeat([]byte{0x5a}, 9000) // spans multiple 4096-byte pages
	at, err := f.AppendIndexed(ctx, []byte("k"), big)
	if err != nil {
		t.Fatalf("AppendIndexed: %v", err)
	}
	if err := f.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	env, err := f.GetEnvelope(ctx, at)
	if err != nil {
		t.Fatalf("GetEnvelope: %v", err)
	}
	if !bytes.Equal(env.Data, big) {
		t.Fatal("Data did not round-trip across a page boundary")
	}
}

func TestReadBeforeFlushServesFromTailBuffer(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	at, err := f.AppendReferred(ctx, []byte("not yet flushed"))
	if err != nil {
		t.Fatalf("AppendReferred: %v", err)
	}
	env, err := f.GetEnvelope(ctx, at)
	if err != nil {
		t.Fatalf("GetEnvelope before Flush: %v", err)
	}
	if !bytes.Equal(env.Data, []byte("not yet flushed")) {
		t.Fatal("tail-buffered data did not read back correctly")
	}
}

func TestFlushPadsToPageAlignment(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	if _, err := f.AppendReferred(ctx, []byte("x")); err != nil {
		t.Fatalf("AppendReferred: %v", err)
	}
	if err := f.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	n, err := f.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n%4096 != 0 {
		t.Fatalf("Len() = %d, not page-aligned", n)
	}
}

func TestEnvelopesIteratorWalksAllRecords(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, d := range want {
		if _, err := f.AppendReferred(ctx, d); err != nil {
			t.Fatalf("AppendReferred: %v", err)
		}
	}
	tail := f.Tail()
	if err := f.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	it := f.Envelopes(ctx, int64(tail.Offset()))
	var got [][]byte
	for {
		_, env, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, env.Data)
	}
	if len(got) != len(want) {
		t.Fatalf("iterated %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReopenAfterTruncateResetsTail(t *testing.T) {
	ctx := context.Background()
	f := openTestFile(t)

	if _, err := f.AppendReferred(ctx, []byte("one")); err != nil {
		t.Fatalf("AppendReferred: %v", err)
	}
	if err := f.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := f.Truncate(ctx, 0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	n, err := f.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Fatalf("Len() after Truncate(0) = %d, want 0", n)
	}
	if f.Tail().Offset() != 0 {
		t.Fatalf("Tail() after Truncate(0) = %s, want 0", f.Tail())
	}
}
