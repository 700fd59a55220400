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

// Package page defines the fixed-size unit of all hammersbald I/O and
// the PagedFile interface every file-backed component implements.
package page

import (
	"context"

	"github.com/hammersbald/hammersbald/pref"
)

// Size is the fixed page size in bytes.
const Size = 4096

// TrailerSize is the width of the self-PRef trailer at the end of
// every page.
const TrailerSize = pref.Size

// PayloadSize is the number of payload bytes available per page
// (Size minus the trailer).
const PayloadSize = Size - TrailerSize

// Page is a fixed 4096-byte unit of I/O. The payload occupies
// [0, PayloadSize) and the trailing pref.Size bytes carry the page's
// own file offset, used by tablefile to validate reads.
type Page struct {
	Pref    pref.PRef
	Payload [PayloadSize]byte
}

// Bytes serializes the page to its on-disk 4096-byte representation.
func (p *Page) Bytes() [Size]byte {
	var buf [Size]byte
	copy(buf[:PayloadSize], p.Payload[:])
	pref.Put(buf[PayloadSize:], p.Pref)
	return buf
}

// FromBytes decodes a page from its on-disk representation. The
// decoded Pref is the trailer's self-offset, not necessarily the
// offset buf was read from; callers that require self-consistency
// must compare it themselves (see tablefile).
func FromBytes(buf *[Size]byte) Page {
	var p Page
	copy(p.Payload[:], buf[:PayloadSize])
	p.Pref = pref.Get(buf[PayloadSize:])
	return p
}

// At returns a new page tagged with self-reference at, sharing no
// backing array with p.
func At(p Page, at pref.PRef) Page {
	p.Pref = at
	return p
}

// PagedFile is the fixed-size page I/O primitive every file-backed
// component (rolled, pagecache, asyncfile, datafile, linkfile,
// tablefile, logfile) implements or wraps.
//
// Durability is only guaranteed after Flush followed by Sync:
// AppendPage may return as soon as the page is queued rather than
// written, depending on the implementation.
type PagedFile interface {
	// ReadPage reads the page whose self-offset is at. It returns
	// herr.ErrInvalidReference if at is out of range for the file's
	// current length.
	ReadPage(ctx context.Context, at pref.PRef) (Page, error)
	// AppendPage appends p at the file's current end, ignoring
	// p.Pref, and returns the PRef it was written at.
	AppendPage(ctx context.Context, p Page) (pref.PRef, error)
	// UpdatePage overwrites the page at p.Pref in place. p.Pref must
	// already be a valid, previously-written page offset.
	UpdatePage(ctx context.Context, p Page) error
	// Len returns the current logical length of the file in bytes;
	// always a multiple of Size.
	Len(ctx context.Context) (int64, error)
	// Truncate truncates the file to length len, which must be a
	// multiple of Size; otherwise herr.ErrCorrupted is returned.
	Truncate(ctx context.Context, len int64) error
	// Sync requests the operating system flush any written pages to
	// stable storage.
	Sync(ctx context.Context) error
	// Flush blocks until all previously queued writes have reached
	// the underlying backing (but not necessarily stable storage;
	// see Sync).
	Flush(ctx context.Context) error
	// Shutdown flushes and releases any background resources (e.g.
	// writer goroutines). The file must not be used afterward.
	Shutdown(ctx context.Context) error
}
