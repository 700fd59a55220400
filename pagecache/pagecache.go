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

// Package pagecache wraps any page.PagedFile with a bounded LRU page
// cache keyed by pref.PRef. Cache invariants (LRU order, size bound)
// hold across all concurrent readers and writers behind a single
// mutex, with a short critical section and no I/O held under the lock.
package pagecache

import (
	"container/list"
	"context"
	"sync"

	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pref"
)

// File wraps an inner page.PagedFile with an LRU cache of up to
// capacity pages.
type File struct {
	inner    page.PagedFile
	capacity int

	mu    sync.Mutex
	order *list.List // most-recently-used at the front
	index map[pref.PRef]*list.Element
}

type entry struct {
	at pref.PRef
	pg page.Page
}

// Wrap returns a File caching up to capacity pages from inner.
func Wrap(inner page.PagedFile, capacity int) *File {
	if capacity < 1 {
		capacity = 1
	}
	return &File{
		inner:    inner,
		capacity: capacity,
		order:    list.New(),
		index:    make(map[pref.PRef]*list.Element),
	}
}

func (f *File) touch(at pref.PRef, pg page.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if el, ok := f.index[at]; ok {
		el.Value.(*entry).pg = pg
		f.order.MoveToFront(el)
		return
	}
	el := f.order.PushFront(&entry{at: at, pg: pg})
	f.index[at] = el
	for f.order.Len() > f.capacity {
		oldest := f.order.Back()
		if oldest == nil {
			break
		}
		f.order.Remove(oldest)
		delete(f.index, oldest.Value.(*entry).at)
	}
}

// ReadPage implements page.PagedFile: it consults the cache first and
// reads through on a miss.
func (f *File) ReadPage(ctx context.Context, at pref.PRef) (page.Page, error) {
	f.mu.Lock()
	if el, ok := f.index[at]; ok {
		f.order.MoveToFront(el)
		pg := el.Value.(*entry).pg
		f.mu.Unlock()
		return pg, nil
	}
	f.mu.Unlock()

	pg, err := f.inner.ReadPage(ctx, at)
	if err != nil {
		return page.Page{}, err
	}
	f.touch(at, pg)
	return pg, nil
}

// AppendPage implements page.PagedFile, inserting the freshly written
// page into the cache.
func (f *File) AppendPage(ctx context.Context, p page.Page) (pref.PRef, error) {
	at, err := f.inner.AppendPage(ctx, p)
	if err != nil {
		return pref.Invalid, err
	}
	f.touch(at, page.At(p, at))
	return at, nil
}

// UpdatePage implements page.PagedFile, refreshing the cache entry.
func (f *File) UpdatePage(ctx context.Context, p page.Page) error {
	if err := f.inner.UpdatePage(ctx, p); err != nil {
		return err
	}
	f.touch(p.Pref, p)
	return nil
}

// Len implements page.PagedFile.
func (f *File) Len(ctx context.Context) (int64, error) {
	return f.inner.Len(ctx)
}

// Truncate implements page.PagedFile, evicting any cached page whose
// offset is now beyond the new length.
func (f *File) Truncate(ctx context.Context, length int64) error {
	if err := f.inner.Truncate(ctx, length); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for at, el := range f.index {
		if int64(at.Offset()) >= length {
			f.order.Remove(el)
			delete(f.index, at)
		}
	}
	return nil
}

// Sync implements page.PagedFile.
func (f *File) Sync(ctx context.Context) error {
	return f.inner.Sync(ctx)
}

// Flush implements page.PagedFile. The cache is cleared so that it
// can never serve a page the inner file hasn't actually durably
// queued yet.
func (f *File) Flush(ctx context.Context) error {
	if err := f.inner.Flush(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.order.Init()
	f.index = make(map[pref.PRef]*list.Element)
	f.mu.Unlock()
	return nil
}

// Shutdown implements page.PagedFile.
func (f *File) Shutdown(ctx context.Context) error {
	return f.inner.Shutdown(ctx)
}

// CachedPages returns the number of pages currently cached, for testing and
// cmd/hbstat.
func (f *File) CachedPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order.Len()
}
