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

// Package envelope implements the length-prefixed, typed record
// framing written into hammersbald's data and link files: the
// envelope header plus the three payload variants (Indexed,
// Referred, Link). Fields are fixed-width and big-endian rather than
// variable-length tags.
package envelope

import (
	"fmt"

	"github.com/hammersbald/hammersbald/herr"
	"github.com/hammersbald/hammersbald/pref"
)

// Kind identifies which payload variant an envelope carries.
type Kind byte

const (
	Indexed Kind = 0
	Referred Kind = 1
	Link     Kind = 2
)

// LengthSize is the width of the envelope's length prefix.
const LengthSize = 3

// MaxKeyLen is the largest key accepted by an Indexed payload.
const MaxKeyLen = 255

// MaxDataLen is the largest data payload hammersbald's public API will
// accept: data length strictly less than 2^23.
const MaxDataLen = 1<<23 - 1

// maxFieldLen is the largest value the 3-byte on-disk length fields
// can represent.
const maxFieldLen = 1<<24 - 1

// Slot is one (hash, pref) entry of a bucket's slot list, serialized
// inside a Link payload.
type Slot struct {
	Hash uint32
	Pref pref.PRef
}

const slotSize = 4 + pref.Size

// Envelope is a decoded envelope. Key and Data are slices into the
// buffer Decode was called with; callers that need to retain them
// past the buffer's lifetime must copy.
type Envelope struct {
	Kind  Kind
	Key   []byte
	Data  []byte
	Slots []Slot
}

func put24(dst []byte, v int) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

func get24(src []byte) int {
	return int(src[0])<<16 | int(src[1])<<8 | int(src[2])
}

// EncodeIndexed builds the full on-disk envelope (length prefix
// included) for an Indexed payload.
func EncodeIndexed(key, data []byte) ([]byte, error) {
	if len(key) > MaxKeyLen {
		return nil, herr.ErrKeyTooLong
	}
	if len(data) > MaxDataLen {
		return nil, herr.ErrKeyTooLong
	}
	payloadLen := 1 + 1 + len(key) + LengthSize + len(data)
	buf := make([]byte, LengthSize+payloadLen)
	put24(buf, payloadLen+LengthSize)
	buf[LengthSize] = byte(Indexed)
	buf[LengthSize+1] = byte(len(key))
	n := copy(buf[LengthSize+2:], key)
	put24(buf[LengthSize+2+n:], len(data))
	copy(buf[LengthSize+2+n+LengthSize:], data)
	return buf, nil
}

// EncodeReferred builds the full on-disk envelope for a Referred
// payload.
func EncodeReferred(data []byte) ([]byte, error) {
	if len(data) > MaxDataLen {
		return nil, herr.ErrKeyTooLong
	}
	payloadLen := 1 + LengthSize + len(data)
	buf := make([]byte, LengthSize+payloadLen)
	put24(buf, payloadLen+LengthSize)
	buf[LengthSize] = byte(Referred)
	put24(buf[LengthSize+1:], len(data))
	copy(buf[LengthSize+1+LengthSize:], data)
	return buf, nil
}

// EncodeLink builds the full on-disk envelope for a Link payload.
func EncodeLink(slots []Slot) ([]byte, error) {
	payloadLen := 1 + len(slots)*slotSize
	if payloadLen+LengthSize > maxFieldLen {
		return nil, herr.ErrKeyTooLong
	}
	buf := make([]byte, LengthSize+payloadLen)
	put24(buf, payloadLen+LengthSize)
	buf[LengthSize] = byte(Link)
	off := LengthSize + 1
	for _, s := range slots {
		buf[off] = byte(s.Hash >> 24)
		buf[off+1] = byte(s.Hash >> 16)
		buf[off+2] = byte(s.Hash >> 8)
		buf[off+3] = byte(s.Hash)
		pref.Put(buf[off+4:], s.Pref)
		off += slotSize
	}
	return buf, nil
}

// PeekLength reads the 3-byte length prefix at the start of buf,
// returning the total envelope size in bytes (including the prefix
// itself). buf must have at least LengthSize bytes.
func PeekLength(buf []byte) int {
	return get24(buf)
}

// Decode parses one full envelope (length prefix + payload) from the
// front of buf. buf must contain at least PeekLength(buf) bytes.
// The returned Envelope's Key/Data/Slots slices reference buf.
func Decode(buf []byte) (Envelope, error) {
	if len(buf) < LengthSize {
		return Envelope{}, fmt.Errorf("envelope: truncated length prefix: %w", herr.ErrCorrupted)
	}
	total := PeekLength(buf)
	if total < LengthSize+1 || total > len(buf) {
		return Envelope{}, fmt.Errorf("envelope: declared length %d exceeds buffer of %d: %w", total, len(buf), herr.ErrCorrupted)
	}
	body := buf[LengthSize:total]
	kind := Kind(body[0])
	body = body[1:]
	switch kind {
	case Indexed:
		if len(body) < 1 {
			return Envelope{}, fmt.Errorf("envelope: truncated indexed key length: %w", herr.ErrCorrupted)
		}
		keyLen := int(body[0])
		body = body[1:]
		if len(body) < keyLen+LengthSize {
			return Envelope{}, fmt.Errorf("envelope: truncated indexed key/data: %w", herr.ErrCorrupted)
		}
		key := body[:keyLen]
		body = body[keyLen:]
		dataLen := get24(body)
		body = body[LengthSize:]
		if len(body) < dataLen {
			return Envelope{}, fmt.Errorf("envelope: truncated indexed data: %w", herr.ErrCorrupted)
		}
		return Envelope{Kind: Indexed, Key: key, Data: body[:dataLen]}, nil
	case Referred:
		if len(body) < LengthSize {
			return Envelope{}, fmt.Errorf("envelope: truncated referred length: %w", herr.ErrCorrupted)
		}
		dataLen := get24(body)
		body = body[LengthSize:]
		if len(body) < dataLen {
			return Envelope{}, fmt.Errorf("envelope: truncated referred data: %w", herr.ErrCorrupted)
		}
		return Envelope{Kind: Referred, Data: body[:dataLen]}, nil
	case Link:
		if len(body)%slotSize != 0 {
			return Envelope{}, fmt.Errorf("envelope: link payload not a multiple of slot size: %w", herr.ErrCorrupted)
		}
		slots := make([]Slot, len(body)/slotSize)
		for i := range slots {
			b := body[i*slotSize:]
			slots[i] = Slot{
				Hash: uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
				Pref: pref.Get(b[4:]),
			}
		}
		return Envelope{Kind: Link, Slots: slots}, nil
	default:
		return Envelope{}, fmt.Errorf("envelope: unknown payload tag %d: %w", kind, herr.ErrCorrupted)
	}
}
