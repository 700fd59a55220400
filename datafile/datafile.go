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

// Package datafile implements the append-only log of envelopes that
// holds indexed and referred records. It layers a
// sub-page-granularity appender on top of any page.PagedFile: the
// tail page is buffered purely in memory and is only ever handed to
// the underlying file's AppendPage once it fills, so a page.PagedFile
// backed by an async writer never needs to support overwriting a page
// it has already been given (see asyncfile.File.UpdatePage). Reads of
// the still-open tail page are served from the in-memory buffer.
package datafile

import (
	"context"
	"fmt"
	"sync"

	"github.com/hammersbald/hammersbald/envelope"
	"github.com/hammersbald/hammersbald/herr"
	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pref"
)

// minReferredOverhead is the smallest possible on-disk size of a
// Referred envelope: 3-byte length prefix, 1-byte tag, 3-byte data
// length, zero data bytes.
const minReferredOverhead = envelope.LengthSize + 1 + envelope.LengthSize

// File is the data file: an append-only sequence of Indexed and
// Referred envelopes.
type File struct {
	pf page.PagedFile

	mu       sync.Mutex
	tail     page.Page // buffered tail page, not yet appended to pf
	tailAt   pref.PRef // page-aligned offset the buffered tail page will land at
	tailFill int       // bytes of tail currently valid, [0, page.PayloadSize)
}

// Open wraps pf as a data file. pf's current length becomes the
// starting tail position; this is only sound to call right after a
// successful batch (or recovery), when pf's length is guaranteed to
// be page-aligned.
func Open(ctx context.Context, pf page.PagedFile) (*File, error) {
	n, err := pf.Len(ctx)
	if err != nil {
		return nil, err
	}
	if n%page.Size != 0 {
		return nil, fmt.Errorf("datafile: length %d is not page-aligned: %w", n, herr.ErrCorrupted)
	}
	return &File{pf: pf, tailAt: pref.New(uint64(n))}, nil
}

// Tail returns the PRef the next AppendBytes call will start at.
func (f *File) Tail() pref.PRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pref.New(f.tailAt.Offset() + uint64(f.tailFill))
}

// AppendBytes writes data at the current tail position, spanning
// pages as needed, and returns the PRef it started at. The tail page
// is only handed to the underlying page.PagedFile once it fills
// completely; a partially filled tail page exists only in memory
// until the next fill or an explicit Flush.
func (f *File) AppendBytes(ctx context.Context, data []byte) (pref.PRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := pref.New(f.tailAt.Offset() + uint64(f.tailFill))
	remaining := data
	for len(remaining) > 0 {
		space := page.PayloadSize - f.tailFill
		n := len(remaining)
		if n > space {
			n = space
		}
		copy(f.tail.Payload[f.tailFill:f.tailFill+n], remaining[:n])
		f.tailFill += n
		remaining = remaining[n:]

		if f.tailFill == page.PayloadSize {
			pg := f.tail
			pg.Pref = f.tailAt
			at, err := f.pf.AppendPage(ctx, pg)
			if err != nil {
				return pref.Invalid, err
			}
			if at != f.tailAt {
				return pref.Invalid, fmt.Errorf("datafile: append landed at %s, expected %s: %w", at, f.tailAt, herr.ErrCorrupted)
			}
			f.tailAt = pref.New(f.tailAt.Offset() + page.Size)
			f.tailFill = 0
			f.tail = page.Page{}
		}
	}
	return start, nil
}

// AppendIndexed encodes and appends an Indexed envelope.
func (f *File) AppendIndexed(ctx context.Context, key, data []byte) (pref.PRef, error) {
	buf, err := envelope.EncodeIndexed(key, data)
	if err != nil {
		return pref.Invalid, err
	}
	return f.AppendBytes(ctx, buf)
}

// AppendReferred encodes and appends a Referred envelope.
func (f *File) AppendReferred(ctx context.Context, data []byte) (pref.PRef, error) {
	buf, err := envelope.EncodeReferred(data)
	if err != nil {
		return pref.Invalid, err
	}
	return f.AppendBytes(ctx, buf)
}

// AppendLink encodes and appends a Link envelope, used by the link
// file (which embeds the same appender logic via this type).
func (f *File) AppendLink(ctx context.Context, slots []envelope.Slot) (pref.PRef, error) {
	buf, err := envelope.EncodeLink(slots)
	if err != nil {
		return pref.Invalid, err
	}
	return f.AppendBytes(ctx, buf)
}

// readAt reads exactly n bytes starting at the byte offset of at,
// spanning page boundaries as needed.
func (f *File) readAt(ctx context.Context, at pref.PRef, n int) ([]byte, error) {
	out := make([]byte, n)
	off := at.Offset()
	read := 0
	for read < n {
		pageOff := off - off%page.Size
		within := int(off % page.Size)
		pg, err := f.readPage(ctx, pageOff)
		if err != nil {
			return nil, err
		}
		take := page.PayloadSize - within
		if take > n-read {
			take = n - read
		}
		copy(out[read:read+take], pg.Payload[within:within+take])
		read += take
		off += uint64(take)
		if within+take == page.PayloadSize {
			// skip the page's 6-byte trailer
			off = pageOff + page.Size
		}
	}
	return out, nil
}

// readPage returns the page at pageOff, serving it from the in-memory
// tail buffer if it hasn't been appended to pf yet.
func (f *File) readPage(ctx context.Context, pageOff uint64) (page.Page, error) {
	f.mu.Lock()
	if pageOff == f.tailAt.Offset() && f.tailFill > 0 {
		pg := f.tail
		f.mu.Unlock()
		return pg, nil
	}
	f.mu.Unlock()
	return f.pf.ReadPage(ctx, pref.New(pageOff))
}

// GetEnvelope reads and decodes the envelope starting at at.
func (f *File) GetEnvelope(ctx context.Context, at pref.PRef) (envelope.Envelope, error) {
	if !at.Valid() {
		return envelope.Envelope{}, herr.ErrInvalidReference
	}
	hdr, err := f.readAt(ctx, at, envelope.LengthSize)
	if err != nil {
		return envelope.Envelope{}, err
	}
	total := envelope.PeekLength(hdr)
	if total < envelope.LengthSize {
		return envelope.Envelope{}, fmt.Errorf("datafile: envelope at %s has bad length %d: %w", at, total, herr.ErrCorrupted)
	}
	full, err := f.readAt(ctx, at, total)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.Decode(full)
}

// Flush terminates the current tail page so that the file's length
// becomes a multiple of page.Size: if fewer than minReferredOverhead
// bytes remain in the tail page it pads through to the boundary of
// the page after that (since an empty Referred envelope cannot fit),
// otherwise it pads exactly to the current page's end. It then
// flushes the underlying page.PagedFile.
func (f *File) Flush(ctx context.Context) error {
	f.mu.Lock()
	remaining := page.PayloadSize - f.tailFill
	f.mu.Unlock()
	if remaining != page.PayloadSize {
		padTo := remaining
		if remaining < minReferredOverhead {
			padTo += page.PayloadSize
		}
		dataLen := padTo - minReferredOverhead
		buf, err := envelope.EncodeReferred(make([]byte, dataLen))
		if err != nil {
			return err
		}
		if _, err := f.AppendBytes(ctx, buf); err != nil {
			return err
		}
	}
	return f.pf.Flush(ctx)
}

// Sync implements the durability half of a batch commit for this file.
func (f *File) Sync(ctx context.Context) error {
	return f.pf.Sync(ctx)
}

// Shutdown releases the underlying page.PagedFile's resources.
func (f *File) Shutdown(ctx context.Context) error {
	return f.pf.Shutdown(ctx)
}

// Len returns the file's current logical length.
func (f *File) Len(ctx context.Context) (int64, error) {
	return f.pf.Len(ctx)
}

// Truncate truncates the underlying file and resets the in-memory
// tail state to match, used by recover().
func (f *File) Truncate(ctx context.Context, length int64) error {
	if err := f.pf.Truncate(ctx, length); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tailAt = pref.New(uint64(length))
	f.tailFill = 0
	f.tail = page.Page{}
	return nil
}

// Iterator walks envelopes in file order starting from PRef 0.
type Iterator struct {
	f   *File
	ctx context.Context
	at  pref.PRef
	end int64
}

// Envelopes returns an iterator over every envelope from offset 0 up
// to (but not including) the byte offset end.
func (f *File) Envelopes(ctx context.Context, end int64) *Iterator {
	return &Iterator{f: f, ctx: ctx, at: pref.New(0), end: end}
}

// Next returns the next (PRef, Envelope) pair, or ok=false once the
// iterator reaches end or a zero-length record.
func (it *Iterator) Next() (at pref.PRef, env envelope.Envelope, ok bool, err error) {
	if int64(it.at.Offset())+envelope.LengthSize > it.end {
		return pref.Invalid, envelope.Envelope{}, false, nil
	}
	hdr, err := it.f.readAt(it.ctx, it.at, envelope.LengthSize)
	if err != nil {
		return pref.Invalid, envelope.Envelope{}, false, err
	}
	total := envelope.PeekLength(hdr)
	if total <= envelope.LengthSize {
		return pref.Invalid, envelope.Envelope{}, false, nil
	}
	// the envelope's end, stepping over the trailer of every page it crosses
	pos := it.at.Offset()%page.Size + uint64(total)
	next := pref.New(it.at.Offset() - it.at.Offset()%page.Size + pos/page.PayloadSize*page.Size + pos%page.PayloadSize)
	if int64(next.Offset()) > it.end {
		return pref.Invalid, envelope.Envelope{}, false, nil
	}
	full, err := it.f.readAt(it.ctx, it.at, total)
	if err != nil {
		return pref.Invalid, envelope.Envelope{}, false, err
	}
	env, err = envelope.Decode(full)
	if err != nil {
		return pref.Invalid, envelope.Envelope{}, false, err
	}
	at = it.at
	it.at = next
	return at, env, true, nil
}
