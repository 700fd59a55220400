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

// Package asyncfile appends pages to an inner page.PagedFile from a
// single background goroutine, so producers never block on the
// underlying backing's write latency. The queue/condvar structure
// uses one mutex, a "work available" signal and a "queue drained"
// signal.
package asyncfile

import (
	"context"
	"errors"
	"sync"

	"github.com/hammersbald/hammersbald/herr"
	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pref"
)

// ErrUpdateUnsupported is returned by UpdatePage: asyncfile only
// supports the append-only access pattern of the data and link files.
var ErrUpdateUnsupported = errors.New("asyncfile: update_page is not supported")

// File is a page.PagedFile that queues AppendPage calls for a
// background writer goroutine and transparently unions the pending
// queue with the inner file for reads.
type File struct {
	inner page.PagedFile

	mu      sync.Mutex
	work    *sync.Cond // signaled when the queue becomes non-empty or Shutdown is requested
	drained *sync.Cond // signaled when the queue becomes empty
	queue   []page.Page
	err     error
	closed  bool
	wg      sync.WaitGroup
}

// Wrap starts a background writer over inner and returns the
// asyncfile.File fronting it.
func Wrap(inner page.PagedFile) *File {
	f := &File{inner: inner}
	f.work = sync.NewCond(&f.mu)
	f.drained = sync.NewCond(&f.mu)
	f.wg.Add(1)
	go f.loop()
	return f
}

func (f *File) loop() {
	defer f.wg.Done()
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		for len(f.queue) == 0 && !f.closed {
			f.work.Wait()
		}
		if len(f.queue) == 0 && f.closed {
			return
		}
		p := f.queue[0]
		f.mu.Unlock()
		_, err := f.inner.AppendPage(context.Background(), p)
		f.mu.Lock()
		if err != nil && f.err == nil {
			f.err = err
		}
		f.queue = f.queue[1:]
		if len(f.queue) == 0 {
			f.drained.Broadcast()
		}
	}
}

// AppendPage implements page.PagedFile. It returns as soon as p is
// queued; durability requires a subsequent Flush and Sync.
func (f *File) AppendPage(ctx context.Context, p page.Page) (pref.PRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return pref.Invalid, f.err
	}
	innerLen, err := f.inner.Len(ctx)
	if err != nil {
		return pref.Invalid, err
	}
	off := innerLen + int64(len(f.queue))*page.Size
	at := pref.New(uint64(off))
	f.queue = append(f.queue, page.At(p, at))
	f.work.Signal()
	return at, nil
}

// UpdatePage implements page.PagedFile but always fails: asyncfile is
// append-only.
func (f *File) UpdatePage(ctx context.Context, p page.Page) error {
	return ErrUpdateUnsupported
}

// ReadPage implements page.PagedFile, transparently unioning the
// pending queue with the inner file: a PRef below the inner file's
// current length is read from the file; otherwise it is looked up by
// position in the queue.
func (f *File) ReadPage(ctx context.Context, at pref.PRef) (page.Page, error) {
	innerLen, err := f.inner.Len(ctx)
	if err != nil {
		return page.Page{}, err
	}
	off := int64(at.Offset())
	if off < innerLen {
		return f.inner.ReadPage(ctx, at)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := (off - innerLen) / page.Size
	if i < 0 || int(i) >= len(f.queue) {
		return page.Page{}, herr.ErrInvalidReference
	}
	return f.queue[i], nil
}

// Len implements page.PagedFile: the logical length is the inner
// file's length plus whatever is still queued.
func (f *File) Len(ctx context.Context) (int64, error) {
	innerLen, err := f.inner.Len(ctx)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return innerLen + int64(len(f.queue))*page.Size, nil
}

// Truncate implements page.PagedFile. It requires the queue to be
// empty (callers should Flush first); truncating through a pending
// append would reorder writes in a way the background writer's FIFO
// ordering guarantee forbids.
func (f *File) Truncate(ctx context.Context, length int64) error {
	f.mu.Lock()
	pending := len(f.queue)
	f.mu.Unlock()
	if pending != 0 {
		return errors.New("asyncfile: truncate with a non-empty write queue")
	}
	return f.inner.Truncate(ctx, length)
}

// Sync implements page.PagedFile.
func (f *File) Sync(ctx context.Context) error {
	return f.inner.Sync(ctx)
}

// Flush implements page.PagedFile: it blocks until the background
// writer has drained the queue into the inner file.
func (f *File) Flush(ctx context.Context) error {
	f.mu.Lock()
	for len(f.queue) > 0 {
		f.work.Signal()
		f.drained.Wait()
	}
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.inner.Flush(ctx)
}

// Shutdown implements page.PagedFile: it flushes, stops the
// background goroutine, and shuts down the inner file.
func (f *File) Shutdown(ctx context.Context) error {
	if err := f.Flush(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.closed = true
	f.work.Broadcast()
	f.mu.Unlock()
	f.wg.Wait()
	return f.inner.Shutdown(ctx)
}

// Pending returns the number of pages currently queued but not yet
// written to the inner file, for tests and cmd/hbstat.
func (f *File) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
