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

package rolled

import (
	"context"
	"testing"

	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pref"
)

func pageWithByte(b byte) page.Page {
	var p page.Page
	for i := range p.Payload {
		p.Payload[i] = b
	}
	return p
}

func TestAppendReadAcrossChunkBoundary(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	// 2 pages per chunk forces a boundary crossing after a few appends.
	f, err := Open(dir, "hammersbald", "bc", 2*page.Size)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Shutdown(ctx)

	var ats []pref.PRef
	for i := 0; i < 5; i++ {
		at, err := f.AppendPage(ctx, pageWithByte(byte(i)))
		if err != nil {
			t.Fatalf("AppendPage %d: %v", i, err)
		}
		ats = append(ats, at)
	}
	if f.ChunkCount() != 3 {
		t.Fatalf("ChunkCount = %d, want 3 (5 pages at 2/chunk)", f.ChunkCount())
	}

	for i, at := range ats {
		got, err := f.ReadPage(ctx, at)
		if err != nil {
			t.Fatalf("ReadPage %d: %v", i, err)
		}
		if got.Payload[0] != byte(i) {
			t.Fatalf("page %d payload[0] = %d, want %d", i, got.Payload[0], i)
		}
	}
}

func TestReadPageOutOfRange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := Open(dir, "hammersbald", "bc", 2*page.Size)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Shutdown(ctx)

	if _, err := f.ReadPage(ctx, pref.New(0)); err == nil {
		t.Fatal("ReadPage on an empty file should fail")
	}
}

func TestTruncateRemovesTrailingChunks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := Open(dir, "hammersbald", "bc", 2*page.Size)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Shutdown(ctx)

	for i := 0; i < 5; i++ {
		if _, err := f.AppendPage(ctx, pageWithByte(byte(i))); err != nil {
			t.Fatalf("AppendPage %d: %v", i, err)
		}
	}
	if err := f.Truncate(ctx, 2*page.Size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if f.ChunkCount() != 1 {
		t.Fatalf("ChunkCount after truncate = %d, want 1", f.ChunkCount())
	}
	n, err := f.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 2*page.Size {
		t.Fatalf("Len = %d, want %d", n, 2*page.Size)
	}
	if _, err := f.AppendPage(ctx, pageWithByte(9)); err != nil {
		t.Fatalf("AppendPage after truncate: %v", err)
	}
}

func TestReopenPersistsAcrossChunks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := Open(dir, "hammersbald", "bc", 2*page.Size)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var at pref.PRef
	for i := 0; i < 3; i++ {
		at, err = f.AppendPage(ctx, pageWithByte(byte(i)))
		if err != nil {
			t.Fatalf("AppendPage %d: %v", i, err)
		}
	}
	if err := f.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := f.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	f2, err := Open(dir, "hammersbald", "bc", 2*page.Size)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Shutdown(ctx)
	if f2.ChunkCount() != 2 {
		t.Fatalf("ChunkCount after reopen = %d, want 2", f2.ChunkCount())
	}
	got, err := f2.ReadPage(ctx, at)
	if err != nil {
		t.Fatalf("ReadPage after reopen: %v", err)
	}
	if got.Payload[0] != 2 {
		t.Fatalf("payload[0] after reopen = %d, want 2", got.Payload[0])
	}
}

func TestOpenFailsWhileAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, "hammersbald", "bc", DefaultChunkSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Shutdown(context.Background())

	if _, err := Open(dir, "hammersbald", "bc", DefaultChunkSize); err == nil {
		t.Fatal("second Open of the same directory should fail while the first is still locked")
	}
}

func TestOpenRejectsNonMultipleChunkSize(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir, "hammersbald", "bc", page.Size+1); err == nil {
		t.Fatal("Open with a chunk size not a multiple of page.Size should fail")
	}
}
