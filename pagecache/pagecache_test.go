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

package pagecache

import (
	"context"
	"sync"
	"testing"

	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pref"
)

// fakeFile is a minimal in-memory page.PagedFile that counts reads so
// tests can tell whether the cache served a request without touching
// the inner file.
type fakeFile struct {
	mu    sync.Mutex
	pages map[pref.PRef]page.Page
	next  int64
	reads int
}

func newFakeFile() *fakeFile {
	return &fakeFile{pages: make(map[pref.PRef]page.Page)}
}

func (f *fakeFile) ReadPage(ctx context.Context, at pref.PRef) (page.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	pg, ok := f.pages[at]
	if !ok {
		return page.Page{}, herrNotFound
	}
	return pg, nil
}

func (f *fakeFile) AppendPage(ctx context.Context, p page.Page) (pref.PRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at := pref.New(uint64(f.next))
	f.next += int64(page.Size)
	p.Pref = at
	f.pages[at] = p
	return at, nil
}

func (f *fakeFile) UpdatePage(ctx context.Context, p page.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[p.Pref] = p
	return nil
}

func (f *fakeFile) Len(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next, nil
}

func (f *fakeFile) Truncate(ctx context.Context, length int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for at := range f.pages {
		if int64(at.Offset()) >= length {
			delete(f.pages, at)
		}
	}
	f.next = length
	return nil
}

func (f *fakeFile) Sync(ctx context.Context) error     { return nil }
func (f *fakeFile) Flush(ctx context.Context) error    { return nil }
func (f *fakeFile) Shutdown(ctx context.Context) error { return nil }

type notFoundErr struct{}

func (notFoundErr) Error() string { return "page not found" }

var herrNotFound error = notFoundErr{}

func TestReadPageServesFromCacheOnHit(t *testing.T) {
	ctx := context.Background()
	inner := newFakeFile()
	cached := Wrap(inner, 8)

	var p page.Page
	p.Payload[0] = 7
	at, err := cached.AppendPage(ctx, p)
	if err != nil {
		t.Fatalf("AppendPage: %v", err)
	}

	readsBefore := inner.reads
	for i := 0; i < 3; i++ {
		got, err := cached.ReadPage(ctx, at)
		if err != nil {
			t.Fatalf("ReadPage: %v", err)
		}
		if got.Payload[0] != 7 {
			t.Fatalf("Payload[0] = %d, want 7", got.Payload[0])
		}
	}
	if inner.reads != readsBefore {
		t.Fatalf("inner.reads = %d, want %d (cache should have served all reads)", inner.reads, readsBefore)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	inner := newFakeFile()
	cached := Wrap(inner, 2)

	var ats []pref.PRef
	for i := 0; i < 3; i++ {
		var p page.Page
		p.Payload[0] = byte(i)
		at, err := cached.AppendPage(ctx, p)
		if err != nil {
			t.Fatalf("AppendPage %d: %v", i, err)
		}
		ats = append(ats, at)
	}
	if cached.CachedPages() != 2 {
		t.Fatalf("CachedPages() = %d, want 2", cached.CachedPages())
	}

	readsBefore := inner.reads
	if _, err := cached.ReadPage(ctx, ats[0]); err != nil {
		t.Fatalf("ReadPage(ats[0]): %v", err)
	}
	if inner.reads != readsBefore+1 {
		t.Fatal("the oldest page should have been evicted and required a read-through")
	}
}

func TestUpdatePageRefreshesCache(t *testing.T) {
	ctx := context.Background()
	inner := newFakeFile()
	cached := Wrap(inner, 4)

	var p page.Page
	at, err := cached.AppendPage(ctx, p)
	if err != nil {
		t.Fatalf("AppendPage: %v", err)
	}
	p.Pref = at
	p.Payload[0] = 99
	if err := cached.UpdatePage(ctx, p); err != nil {
		t.Fatalf("UpdatePage: %v", err)
	}
	got, err := cached.ReadPage(ctx, at)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if got.Payload[0] != 99 {
		t.Fatalf("Payload[0] = %d, want 99", got.Payload[0])
	}
}

func TestTruncateEvictsPagesBeyondLength(t *testing.T) {
	ctx := context.Background()
	inner := newFakeFile()
	cached := Wrap(inner, 4)

	var at0, at1 pref.PRef
	var err error
	at0, err = cached.AppendPage(ctx, page.Page{})
	if err != nil {
		t.Fatalf("AppendPage: %v", err)
	}
	at1, err = cached.AppendPage(ctx, page.Page{})
	if err != nil {
		t.Fatalf("AppendPage: %v", err)
	}

	if err := cached.Truncate(ctx, int64(page.Size)); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if cached.CachedPages() != 1 {
		t.Fatalf("CachedPages() after truncate = %d, want 1", cached.CachedPages())
	}
	if _, err := cached.ReadPage(ctx, at0); err != nil {
		t.Fatalf("ReadPage(at0) after truncate: %v", err)
	}
	if _, err := inner.ReadPage(ctx, at1); err == nil {
		t.Fatal("inner file should have dropped the truncated page too")
	}
}

func TestFlushClearsCache(t *testing.T) {
	ctx := context.Background()
	inner := newFakeFile()
	cached := Wrap(inner, 4)

	if _, err := cached.AppendPage(ctx, page.Page{}); err != nil {
		t.Fatalf("AppendPage: %v", err)
	}
	if err := cached.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if cached.CachedPages() != 0 {
		t.Fatalf("CachedPages() after Flush = %d, want 0", cached.CachedPages())
	}
}
