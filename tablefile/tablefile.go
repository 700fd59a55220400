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

// Package tablefile implements the directly addressable page file
// that stores the bucket directory: one 6-byte PRef slot per bucket,
// addressed by a two-region layout (a short run of buckets packed
// onto page 0 after its header, then full pages of buckets
// thereafter).
package tablefile

import (
	"context"
	"fmt"
	"sync"

	"github.com/hammersbald/hammersbald/herr"
	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pref"
)

// Layout constants for table page 0's header and the bucket slots
// that follow it.
const (
	FirstPageHead   = 28
	BucketSize      = pref.Size
	BucketsFirstPage = (page.PayloadSize - FirstPageHead) / BucketSize // 677
	BucketsPerPage   = page.PayloadSize / BucketSize                   // 681
)

// Header0 is table page 0's 28-byte header: the committed
// bucket count, linear-hash step, and the two persisted SipHash keys.
type Header0 struct {
	NBuckets uint64 // stored in 6 bytes
	Step     uint64 // stored in 6 bytes
	Sip0     uint64
	Sip1     uint64
}

const (
	hdrNBucketsOff = 0
	hdrStepOff     = 6
	hdrSip0Off     = 12
	hdrSip1Off     = 20
	// sip1 ends exactly at FirstPageHead: the four fields fill all
	// 28 header bytes, with no reserved padding.
)

// BucketOffset returns the byte offset of bucket b's 6-byte PRef slot,
// per the table file's two-region addressing scheme.
func BucketOffset(b uint64) int64 {
	if b < BucketsFirstPage {
		return FirstPageHead + int64(b)*BucketSize
	}
	pageIdx := (b-BucketsFirstPage)/BucketsPerPage + 1
	within := (b % BucketsPerPage) * BucketSize
	return int64(pageIdx)*page.Size + int64(within)
}

// File is the table file.
type File struct {
	pf page.PagedFile

	mu                sync.Mutex
	initializedUntil  int64 // byte offset of the first page never written
}

// Open wraps pf as a table file.
func Open(ctx context.Context, pf page.PagedFile) (*File, error) {
	n, err := pf.Len(ctx)
	if err != nil {
		return nil, err
	}
	return &File{pf: pf, initializedUntil: n}, nil
}

func invalidPage(at pref.PRef) page.Page {
	var p page.Page
	p.Pref = at
	for off := 0; off+BucketSize <= page.PayloadSize; off += BucketSize {
		pref.Put(p.Payload[off:off+BucketSize], pref.Invalid)
	}
	return p
}

// ReadPage reads the page at at, rejecting it with herr.ErrCorrupted
// if the trailing self-PRef does not match the requested offset.
func (f *File) ReadPage(ctx context.Context, at pref.PRef) (page.Page, error) {
	pg, err := f.pf.ReadPage(ctx, at)
	if err != nil {
		return page.Page{}, err
	}
	if pg.Pref != at {
		return page.Page{}, fmt.Errorf("tablefile: page at %s carries self-ref %s: %w", at, pg.Pref, herr.ErrCorrupted)
	}
	return pg, nil
}

// UpdatePage writes p at p.Pref, first covering any gap between the
// previously-initialized tail and p.Pref with invalid-offset filler
// pages.
func (f *File) UpdatePage(ctx context.Context, p page.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := int64(p.Pref.Offset())
	if off+page.Size <= f.initializedUntil {
		return f.pf.UpdatePage(ctx, p)
	}
	for gap := f.initializedUntil; gap < off; gap += page.Size {
		at, err := f.pf.AppendPage(ctx, invalidPage(pref.New(uint64(gap))))
		if err != nil {
			return err
		}
		if int64(at.Offset()) != gap {
			return fmt.Errorf("tablefile: filler page landed at %s, expected %d: %w", at, gap, herr.ErrCorrupted)
		}
		f.initializedUntil = gap + page.Size
	}
	at, err := f.pf.AppendPage(ctx, p)
	if err != nil {
		return err
	}
	if at != p.Pref {
		return fmt.Errorf("tablefile: page landed at %s, expected %s: %w", at, p.Pref, herr.ErrCorrupted)
	}
	f.initializedUntil = off + page.Size
	return nil
}

// ReadHeader0 reads and decodes table page 0's header.
func (f *File) ReadHeader0(ctx context.Context) (Header0, error) {
	pg, err := f.ReadPage(ctx, pref.New(0))
	if err != nil {
		return Header0{}, err
	}
	var h Header0
	h.NBuckets = pref.GetU48(pg.Payload[hdrNBucketsOff:])
	h.Step = pref.GetU48(pg.Payload[hdrStepOff:])
	h.Sip0 = beGetU64(pg.Payload[hdrSip0Off:])
	h.Sip1 = beGetU64(pg.Payload[hdrSip1Off:])
	return h, nil
}

// WriteHeader0 writes table page 0's header, preserving whatever
// bucket slots already occupy the rest of page 0.
func (f *File) WriteHeader0(ctx context.Context, h Header0) error {
	pg, err := f.readOrNewPage0(ctx)
	if err != nil {
		return err
	}
	pref.PutU48(pg.Payload[hdrNBucketsOff:], h.NBuckets)
	pref.PutU48(pg.Payload[hdrStepOff:], h.Step)
	bePutU64(pg.Payload[hdrSip0Off:], h.Sip0)
	bePutU64(pg.Payload[hdrSip1Off:], h.Sip1)
	pg.Pref = pref.New(0)
	return f.UpdatePage(ctx, pg)
}

func (f *File) readOrNewPage0(ctx context.Context) (page.Page, error) {
	f.mu.Lock()
	initialized := f.initializedUntil > 0
	f.mu.Unlock()
	if !initialized {
		return invalidPage(pref.New(0)), nil
	}
	return f.ReadPage(ctx, pref.New(0))
}

// ReadBucket reads the PRef stored for bucket b.
func (f *File) ReadBucket(ctx context.Context, b uint64) (pref.PRef, error) {
	off := BucketOffset(b)
	pageOff := off - off%page.Size
	pg, err := f.ReadPage(ctx, pref.New(uint64(pageOff)))
	if err != nil {
		return pref.Invalid, err
	}
	within := int(off % page.Size)
	return pref.Get(pg.Payload[within:]), nil
}

// WriteBucket writes the PRef for bucket b, loading (or newly
// allocating) the containing page first so that sibling buckets on
// the same page are preserved.
func (f *File) WriteBucket(ctx context.Context, b uint64, p pref.PRef) error {
	off := BucketOffset(b)
	pageOff := off - off%page.Size
	f.mu.Lock()
	fresh := pageOff+page.Size > f.initializedUntil
	f.mu.Unlock()
	var pg page.Page
	if fresh {
		pg = invalidPage(pref.New(uint64(pageOff)))
	} else {
		existing, err := f.ReadPage(ctx, pref.New(uint64(pageOff)))
		if err != nil {
			return err
		}
		pg = existing
	}
	within := int(off % page.Size)
	pref.Put(pg.Payload[within:], p)
	pg.Pref = pref.New(uint64(pageOff))
	return f.UpdatePage(ctx, pg)
}

// Len returns the file's current logical length.
func (f *File) Len(ctx context.Context) (int64, error) { return f.pf.Len(ctx) }

// Sync fsyncs the underlying page.PagedFile.
func (f *File) Sync(ctx context.Context) error { return f.pf.Sync(ctx) }

// Flush flushes the underlying page.PagedFile.
func (f *File) Flush(ctx context.Context) error { return f.pf.Flush(ctx) }

// Shutdown releases the underlying page.PagedFile's resources.
func (f *File) Shutdown(ctx context.Context) error { return f.pf.Shutdown(ctx) }

// Truncate truncates the underlying file and rewinds the
// initialized-tail tracker, used by recover().
func (f *File) Truncate(ctx context.Context, length int64) error {
	if err := f.pf.Truncate(ctx, length); err != nil {
		return err
	}
	f.mu.Lock()
	f.initializedUntil = length
	f.mu.Unlock()
	return nil
}

// Iterator yields the PRefs stored for buckets [0, n) in bucket order.
type Iterator struct {
	f   *File
	ctx context.Context
	n   uint64
	b   uint64
}

// Buckets returns an iterator over buckets [0, n).
func (f *File) Buckets(ctx context.Context, n uint64) *Iterator {
	return &Iterator{f: f, ctx: ctx, n: n}
}

// Next returns the next bucket's stored PRef, or ok=false once
// exhausted.
func (it *Iterator) Next() (p pref.PRef, ok bool, err error) {
	if it.b >= it.n {
		return pref.Invalid, false, nil
	}
	p, err = it.f.ReadBucket(it.ctx, it.b)
	if err != nil {
		return pref.Invalid, false, err
	}
	it.b++
	return p, true, nil
}

func beGetU64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func bePutU64(dst []byte, v uint64) {
	dst[0] = byte(v >> 56)
	dst[1] = byte(v >> 48)
	dst[2] = byte(v >> 40)
	dst[3] = byte(v >> 32)
	dst[4] = byte(v >> 24)
	dst[5] = byte(v >> 16)
	dst[6] = byte(v >> 8)
	dst[7] = byte(v)
}
