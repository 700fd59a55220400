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

// Package hammersbald is an embedded, single-writer key-value storage
// engine optimized for append-only workloads such as indexing a
// blockchain. It glues together the paged I/O stack (page, rolled,
// pagecache, asyncfile), the three-file on-disk layout plus
// write-ahead log (datafile, linkfile, tablefile, logfile), and the
// linear-hashing in-memory index (memtable) behind a small
// programmatic interface: store bytes (optionally keyed), retrieve by
// key or by a stable PRef, forget a key, iterate all stored records,
// and commit a batch.
//
// A DB is not safe for concurrent mutation: Put, PutKeyed, Forget and
// Batch require external serialization by the caller (a single
// writer at a time). Get, GetKeyed, MayHaveKey and Iterate may run concurrently
// with each other and with a single in-flight writer.
package hammersbald
