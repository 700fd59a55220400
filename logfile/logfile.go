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

// Package logfile implements the write-ahead log: a
// header page carrying the three committed file lengths, followed by
// pre-image table pages logged once per batch before they are
// overwritten. The header's blake2b checksum over the three lengths
// gives recover() an independent way to detect a torn header write,
// rather than trusting length-based framing alone.
package logfile

import (
	"context"
	"fmt"

	"github.com/hammersbald/hammersbald/herr"
	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pref"
	"golang.org/x/crypto/blake2b"
)

const (
	hdrDataLenOff  = 0
	hdrTableLenOff = 6
	hdrLinkLenOff  = 12
	hdrSumOff      = 18
	sumSize        = 32
)

// Header is the log file's first page: the three file lengths
// committed by the last completed batch.
type Header struct {
	DataLen, TableLen, LinkLen int64
}

func (h Header) encode() page.Page {
	var p page.Page
	pref.PutU48(p.Payload[hdrDataLenOff:], uint64(h.DataLen))
	pref.PutU48(p.Payload[hdrTableLenOff:], uint64(h.TableLen))
	pref.PutU48(p.Payload[hdrLinkLenOff:], uint64(h.LinkLen))
	sum := blake2b.Sum256(p.Payload[:hdrSumOff])
	copy(p.Payload[hdrSumOff:hdrSumOff+sumSize], sum[:])
	return p
}

func decodeHeader(p page.Page) (Header, error) {
	var h Header
	h.DataLen = int64(pref.GetU48(p.Payload[hdrDataLenOff:]))
	h.TableLen = int64(pref.GetU48(p.Payload[hdrTableLenOff:]))
	h.LinkLen = int64(pref.GetU48(p.Payload[hdrLinkLenOff:]))
	want := blake2b.Sum256(p.Payload[:hdrSumOff])
	if string(want[:]) != string(p.Payload[hdrSumOff:hdrSumOff+sumSize]) {
		return Header{}, fmt.Errorf("logfile: header checksum mismatch: %w", herr.ErrCorrupted)
	}
	return h, nil
}

// File is the write-ahead log.
type File struct {
	pf page.PagedFile

	// batch-local state, guarded by the caller's single-writer
	// discipline: no internal lock is needed since only
	// the writer goroutine ever calls Reset/LogPage/Init.
	tableLenAtStart int64
	logged          map[pref.PRef]bool
}

// Open wraps pf as a log file.
func Open(pf page.PagedFile) *File {
	return &File{pf: pf, logged: make(map[pref.PRef]bool)}
}

// Init truncates the log to empty and appends a fresh header page
// carrying the given committed lengths. Used both when a database is
// first created and at the end of every successful batch.
func (f *File) Init(ctx context.Context, dataLen, tableLen, linkLen int64) error {
	if err := f.pf.Truncate(ctx, 0); err != nil {
		return err
	}
	h := Header{DataLen: dataLen, TableLen: tableLen, LinkLen: linkLen}
	if _, err := f.pf.AppendPage(ctx, h.encode()); err != nil {
		return err
	}
	if err := f.pf.Flush(ctx); err != nil {
		return err
	}
	return f.pf.Sync(ctx)
}

// Reset is called at the start of every batch: it records the table
// file's length as of batch start (so LogPage knows which pages are
// pre-existing and need protecting) and clears the already-logged set.
func (f *File) Reset(tableLenAtStart int64) {
	f.tableLenAtStart = tableLenAtStart
	f.logged = make(map[pref.PRef]bool)
}

// PageReader is the read-only slice of page.PagedFile that LogPage
// needs from its source file; tablefile.File satisfies it without
// having to implement the full PagedFile interface (it has no
// standalone AppendPage).
type PageReader interface {
	ReadPage(ctx context.Context, at pref.PRef) (page.Page, error)
}

// LogPage appends the pre-image of the table page at at (read from
// source) to the log, but only if at predates the batch's starting
// table length and has not already been logged this batch.
func (f *File) LogPage(ctx context.Context, at pref.PRef, source PageReader) error {
	if int64(at.Offset()) >= f.tableLenAtStart || f.logged[at] {
		return nil
	}
	pg, err := source.ReadPage(ctx, at)
	if err != nil {
		return err
	}
	if _, err := f.pf.AppendPage(ctx, pg); err != nil {
		return err
	}
	f.logged[at] = true
	return nil
}

// ReadHeader reads and validates the log's header page.
func (f *File) ReadHeader(ctx context.Context) (Header, error) {
	pg, err := f.pf.ReadPage(ctx, pref.New(0))
	if err != nil {
		return Header{}, err
	}
	return decodeHeader(pg)
}

// Len returns the file's current logical length.
func (f *File) Len(ctx context.Context) (int64, error) { return f.pf.Len(ctx) }

// Sync fsyncs the underlying page.PagedFile.
func (f *File) Sync(ctx context.Context) error { return f.pf.Sync(ctx) }

// Flush flushes the underlying page.PagedFile.
func (f *File) Flush(ctx context.Context) error { return f.pf.Flush(ctx) }

// Shutdown releases the underlying page.PagedFile's resources.
func (f *File) Shutdown(ctx context.Context) error { return f.pf.Shutdown(ctx) }

// PageIterator yields the header page followed by every logged
// pre-image, in log order.
type PageIterator struct {
	f   *File
	ctx context.Context
	at  pref.PRef
	end int64
}

// Pages returns an iterator over the whole log file.
func (f *File) Pages(ctx context.Context) (*PageIterator, error) {
	n, err := f.pf.Len(ctx)
	if err != nil {
		return nil, err
	}
	return &PageIterator{f: f, ctx: ctx, at: pref.New(0), end: n}, nil
}

// Next returns the next page in log order, or ok=false once
// exhausted. The first page returned is always the header page.
func (it *PageIterator) Next() (pg page.Page, ok bool, err error) {
	if int64(it.at.Offset())+page.Size > it.end {
		return page.Page{}, false, nil
	}
	pg, err = it.f.pf.ReadPage(it.ctx, it.at)
	if err != nil {
		return page.Page{}, false, err
	}
	it.at = pref.New(it.at.Offset() + page.Size)
	return pg, true, nil
}
