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

// Package pref implements PRef, the 48-bit persistent reference used
// throughout hammersbald to address bytes inside the data, link and
// table files.
package pref

import "fmt"

// Size is the encoded width of a PRef on disk: 6 bytes, big-endian.
const Size = 6

// Invalid is the sentinel PRef meaning "no reference". It is the
// largest value representable in 48 bits.
const Invalid = PRef(1<<48 - 1)

// PRef is a 48-bit persistent reference: a byte offset into one of
// hammersbald's logical files. It is stable across restarts.
type PRef uint64

// New constructs a PRef from a byte offset, which must fit in 48 bits.
func New(offset uint64) PRef {
	return PRef(offset & (1<<48 - 1))
}

// Valid reports whether p is anything other than the Invalid sentinel.
func (p PRef) Valid() bool {
	return p != Invalid
}

// Offset returns the plain byte offset this PRef denotes.
func (p PRef) Offset() uint64 {
	return uint64(p)
}

func (p PRef) String() string {
	if !p.Valid() {
		return "PRef(invalid)"
	}
	return fmt.Sprintf("PRef(%d)", uint64(p))
}

// Put encodes p as 6 big-endian bytes into dst, which must have
// len(dst) >= Size.
func Put(dst []byte, p PRef) {
	v := uint64(p)
	dst[0] = byte(v >> 40)
	dst[1] = byte(v >> 32)
	dst[2] = byte(v >> 24)
	dst[3] = byte(v >> 16)
	dst[4] = byte(v >> 8)
	dst[5] = byte(v)
}

// Get decodes a PRef from the first 6 bytes of src.
func Get(src []byte) PRef {
	return PRef(uint64(src[0])<<40 | uint64(src[1])<<32 | uint64(src[2])<<24 |
		uint64(src[3])<<16 | uint64(src[4])<<8 | uint64(src[5]))
}

// PutU48 encodes an arbitrary 48-bit unsigned quantity (lengths, bucket
// counts, step counters) the same way PRefs are encoded.
func PutU48(dst []byte, v uint64) {
	Put(dst, PRef(v))
}

// GetU48 decodes a 48-bit unsigned quantity encoded by PutU48.
func GetU48(src []byte) uint64 {
	return uint64(Get(src))
}
