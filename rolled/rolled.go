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

// Package rolled presents one logical page.PagedFile while storing its
// bytes across fixed-size chunk files named "<base>.<idx>.<ext>", so
// that no single file grows without bound.
package rolled

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/hammersbald/hammersbald/herr"
	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pref"
)

// DefaultChunkSize is the maximum number of bytes stored in one chunk
// file, an "up to 1 GiB" chunk budget. It is always a
// multiple of page.Size.
const DefaultChunkSize = 1 << 30

var nameRE = regexp.MustCompile(`^(.+)\.([0-9]+)\.([^.]+)$`)

// File is a page.PagedFile backed by a sequence of chunk files.
type File struct {
	dir, base, ext string
	chunkSize      int64

	mu     sync.RWMutex
	chunks []*chunk // chunks[i] backs byte range [i*chunkSize, (i+1)*chunkSize)
	length int64    // logical length; always a multiple of page.Size
	locked *os.File // first chunk, held open for Flock
}

// Open opens (creating if necessary) a rolled file with logical name
// base and suffix ext inside dir, using chunkSize-byte chunks
// (DefaultChunkSize if 0).
func Open(dir, base, ext string, chunkSize int64) (*File, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize%page.Size != 0 {
		return nil, fmt.Errorf("rolled: chunk size %d is not a multiple of page size: %w", chunkSize, herr.ErrCorrupted)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, herr.Io(err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, herr.Io(err)
		}
		entries = nil
	}
	indices := map[int]bool{}
	for _, e := range entries {
		m := nameRE.FindStringSubmatch(e.Name())
		if m == nil || m[1] != base || m[3] != ext {
			continue
		}
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		indices[idx] = true
	}
	f := &File{dir: dir, base: base, ext: ext, chunkSize: chunkSize}
	if len(indices) == 0 {
		c, err := openChunk(chunkName(dir, base, ext, 0), chunkSize)
		if err != nil {
			return nil, herr.Io(err)
		}
		f.chunks = []*chunk{c}
		f.locked = c.file
	} else {
		max := 0
		for idx := range indices {
			if idx > max {
				max = idx
			}
		}
		sorted := make([]int, 0, max+1)
		for i := 0; i <= max; i++ {
			sorted = append(sorted, i)
		}
		sort.Ints(sorted)
		for _, idx := range sorted {
			c, err := openChunk(chunkName(dir, base, ext, idx), chunkSize)
			if err != nil {
				for _, prev := range f.chunks {
					prev.close()
				}
				return nil, herr.Io(err)
			}
			f.chunks = append(f.chunks, c)
			if idx == 0 {
				f.locked = c.file
			}
		}
	}
	if err := lockExclusive(f.locked); err != nil {
		for _, c := range f.chunks {
			c.close()
		}
		return nil, fmt.Errorf("rolled: %s/%s.*.%s already open for writing: %w", dir, base, ext, herr.Io(err))
	}
	for i, c := range f.chunks {
		f.length += c.size
		if i != len(f.chunks)-1 && c.size != chunkSize {
			return nil, fmt.Errorf("rolled: chunk %d of %s/%s is short but not last: %w", i, dir, base, herr.ErrCorrupted)
		}
	}
	// bytes past the last whole page (a torn append) are not part of
	// the logical file; the next append overwrites them
	f.length -= f.length % page.Size
	return f, nil
}

func (f *File) locate(off int64) (idx int, within int64) {
	return int(off / f.chunkSize), off % f.chunkSize
}

// ReadPage implements page.PagedFile.
func (f *File) ReadPage(ctx context.Context, at pref.PRef) (page.Page, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	off := int64(at.Offset())
	if off < 0 || off+page.Size > f.length {
		return page.Page{}, herr.ErrInvalidReference
	}
	idx, within := f.locate(off)
	var buf [page.Size]byte
	if within+page.Size <= f.chunkSize {
		if err := f.chunks[idx].readAt(buf[:], within); err != nil {
			return page.Page{}, herr.Io(err)
		}
	} else {
		// a read spanning a chunk boundary is split across the two
		// chunk files and reassembled
		first := f.chunkSize - within
		if err := f.chunks[idx].readAt(buf[:first], within); err != nil {
			return page.Page{}, herr.Io(err)
		}
		if err := f.chunks[idx+1].readAt(buf[first:], 0); err != nil {
			return page.Page{}, herr.Io(err)
		}
	}
	return page.FromBytes(&buf), nil
}

// ensureChunk grows f.chunks so that chunk index idx exists.
func (f *File) ensureChunk(idx int) error {
	for len(f.chunks) <= idx {
		n := len(f.chunks)
		c, err := openChunk(chunkName(f.dir, f.base, f.ext, n), f.chunkSize)
		if err != nil {
			return herr.Io(err)
		}
		f.chunks = append(f.chunks, c)
	}
	return nil
}

// AppendPage implements page.PagedFile.
func (f *File) AppendPage(ctx context.Context, p page.Page) (pref.PRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := f.length
	idx, within := f.locate(off)
	// an append that would cross a chunk boundary starts a new chunk
	// instead of splitting the page
	if within+page.Size > f.chunkSize {
		idx++
		within = 0
		off = int64(idx) * f.chunkSize
	}
	if err := f.ensureChunk(idx); err != nil {
		return pref.Invalid, err
	}
	buf := p.Bytes()
	if err := f.chunks[idx].writeAt(buf[:], within); err != nil {
		return pref.Invalid, herr.Io(err)
	}
	f.length = off + page.Size
	return pref.New(uint64(off)), nil
}

// UpdatePage implements page.PagedFile.
func (f *File) UpdatePage(ctx context.Context, p page.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := int64(p.Pref.Offset())
	if off < 0 || off+page.Size > f.length {
		return herr.ErrInvalidReference
	}
	idx, within := f.locate(off)
	if within+page.Size > f.chunkSize {
		return fmt.Errorf("rolled: update_page %d spans a chunk boundary: %w", off, herr.ErrCorrupted)
	}
	buf := p.Bytes()
	if err := f.chunks[idx].writeAt(buf[:], within); err != nil {
		return herr.Io(err)
	}
	return nil
}

// Len implements page.PagedFile.
func (f *File) Len(ctx context.Context) (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.length, nil
}

// Truncate implements page.PagedFile.
func (f *File) Truncate(ctx context.Context, length int64) error {
	if length%page.Size != 0 {
		return herr.ErrCorrupted
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lastIdx, within := f.locate(length)
	if within == 0 && lastIdx > 0 {
		lastIdx--
		within = f.chunkSize
	}
	for i := len(f.chunks) - 1; i > lastIdx; i-- {
		c := f.chunks[i]
		f.chunks = f.chunks[:i]
		c.close()
		os.Remove(chunkName(f.dir, f.base, f.ext, i))
	}
	if lastIdx < len(f.chunks) {
		if err := f.chunks[lastIdx].truncate(within); err != nil {
			return herr.Io(err)
		}
	}
	f.length = length
	return nil
}

// Sync implements page.PagedFile.
func (f *File) Sync(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, c := range f.chunks {
		if err := c.sync(); err != nil {
			return herr.Io(err)
		}
	}
	return nil
}

// Flush implements page.PagedFile. rolled.File has no internal queue,
// so Flush is a no-op; durability is reached via Sync.
func (f *File) Flush(ctx context.Context) error { return nil }

// Shutdown implements page.PagedFile.
func (f *File) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chunks {
		c.close()
	}
	return nil
}

// Path returns the directory and base name this file was opened with,
// for diagnostics (e.g. cmd/hbstat).
func (f *File) Path() (dir, base, ext string) {
	return f.dir, f.base, f.ext
}

// ChunkCount reports how many chunk files currently back this file.
func (f *File) ChunkCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.chunks)
}
