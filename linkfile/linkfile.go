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

// Package linkfile implements the append-only log of Link envelopes:
// serialized snapshots of a single bucket's slot list.
// It is structurally identical to datafile (same appender, same
// padding-on-flush rule) but kept as its own file so that link
// envelopes, which are rewritten on every dirty-bucket flush, never
// pollute an iteration over the data file, and so link-file size
// metrics and recovery are independent of data-file growth.
package linkfile

import (
	"context"

	"github.com/hammersbald/hammersbald/datafile"
	"github.com/hammersbald/hammersbald/envelope"
	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pref"
)

// File is the link file.
type File struct {
	df *datafile.File
}

// Open wraps pf as a link file.
func Open(ctx context.Context, pf page.PagedFile) (*File, error) {
	df, err := datafile.Open(ctx, pf)
	if err != nil {
		return nil, err
	}
	return &File{df: df}, nil
}

// AppendLink encodes slots into a Link envelope and appends it,
// returning the PRef the bucket's table entry should point at.
func (f *File) AppendLink(ctx context.Context, slots []envelope.Slot) (pref.PRef, error) {
	return f.df.AppendLink(ctx, slots)
}

// GetSlots reads and decodes the Link envelope at at.
func (f *File) GetSlots(ctx context.Context, at pref.PRef) ([]envelope.Slot, error) {
	env, err := f.df.GetEnvelope(ctx, at)
	if err != nil {
		return nil, err
	}
	return env.Slots, nil
}

// Flush pads the tail page to a boundary and flushes the underlying
// page.PagedFile.
func (f *File) Flush(ctx context.Context) error { return f.df.Flush(ctx) }

// Sync fsyncs the underlying page.PagedFile.
func (f *File) Sync(ctx context.Context) error { return f.df.Sync(ctx) }

// Shutdown releases the underlying page.PagedFile's resources.
func (f *File) Shutdown(ctx context.Context) error { return f.df.Shutdown(ctx) }

// Len returns the file's current logical length.
func (f *File) Len(ctx context.Context) (int64, error) { return f.df.Len(ctx) }

// Truncate truncates the underlying file, used by recover().
func (f *File) Truncate(ctx context.Context, length int64) error {
	return f.df.Truncate(ctx, length)
}

// Envelopes returns an iterator over every envelope committed to the
// link file up to (but not including) end, used by the audit walk.
func (f *File) Envelopes(ctx context.Context, end int64) *datafile.Iterator {
	return f.df.Envelopes(ctx, end)
}
