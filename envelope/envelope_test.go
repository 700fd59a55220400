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

package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hammersbald/hammersbald/herr"
	"github.com/hammersbald/hammersbald/pref"
)

func TestEncodeDecodeIndexed(t *testing.T) {
	key := []byte("a-key")
	data := []byte("some stored value")
	buf, err := EncodeIndexed(key, data)
	if err != nil {
		t.Fatalf("EncodeIndexed: %v", err)
	}
	if PeekLength(buf) != len(buf) {
		t.Fatalf("PeekLength = %d, want %d", PeekLength(buf), len(buf))
	}
	env, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != Indexed {
		t.Fatalf("Kind = %v, want Indexed", env.Kind)
	}
	if !bytes.Equal(env.Key, key) {
		t.Fatalf("Key = %q, want %q", env.Key, key)
	}
	if !bytes.Equal(env.Data, data) {
		t.Fatalf("Data = %q, want %q", env.Data, data)
	}
}

func TestEncodeDecodeReferred(t *testing.T) {
	data := []byte("transaction bytes")
	buf, err := EncodeReferred(data)
	if err != nil {
		t.Fatalf("EncodeReferred: %v", err)
	}
	env, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != Referred {
		t.Fatalf("Kind = %v, want Referred", env.Kind)
	}
	if len(env.Key) != 0 {
		t.Fatalf("Key = %q, want empty", env.Key)
	}
	if !bytes.Equal(env.Data, data) {
		t.Fatalf("Data = %q, want %q", env.Data, data)
	}
}

func TestEncodeDecodeLink(t *testing.T) {
	slots := []Slot{
		{Hash: 1, Pref: pref.New(4096)},
		{Hash: 0xdeadbeef, Pref: pref.New(8192)},
		{Hash: 0, Pref: pref.Invalid},
	}
	buf, err := EncodeLink(slots)
	if err != nil {
		t.Fatalf("EncodeLink: %v", err)
	}
	env, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != Link {
		t.Fatalf("Kind = %v, want Link", env.Kind)
	}
	if len(env.Slots) != len(slots) {
		t.Fatalf("len(Slots) = %d, want %d", len(env.Slots), len(slots))
	}
	for i, s := range slots {
		if env.Slots[i] != s {
			t.Fatalf("Slots[%d] = %+v, want %+v", i, env.Slots[i], s)
		}
	}
}

func TestEncodeLinkEmpty(t *testing.T) {
	buf, err := EncodeLink(nil)
	if err != nil {
		t.Fatalf("EncodeLink(nil): %v", err)
	}
	env, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(env.Slots) != 0 {
		t.Fatalf("Slots = %v, want empty", env.Slots)
	}
}

func TestEncodeIndexedKeyTooLong(t *testing.T) {
	key := bytes.Repeat([]byte{'k'}, MaxKeyLen+1)
	if _, err := EncodeIndexed(key, nil); !errors.Is(err, herr.ErrKeyTooLong) {
		t.Fatalf("EncodeIndexed with an oversized key: got %v, want ErrKeyTooLong", err)
	}
}

func TestDecodeTruncatedLengthPrefix(t *testing.T) {
	if _, err := Decode([]byte{0x00, 0x01}); !errors.Is(err, herr.ErrCorrupted) {
		t.Fatalf("Decode on a truncated prefix: got %v, want ErrCorrupted", err)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	buf, err := EncodeReferred([]byte("x"))
	if err != nil {
		t.Fatalf("EncodeReferred: %v", err)
	}
	buf[LengthSize] = 0x7f // corrupt the kind tag
	if _, err := Decode(buf); !errors.Is(err, herr.ErrCorrupted) {
		t.Fatalf("Decode with an unknown tag: got %v, want ErrCorrupted", err)
	}
}

func TestDecodeDeclaredLengthExceedsBuffer(t *testing.T) {
	buf, err := EncodeReferred([]byte("x"))
	if err != nil {
		t.Fatalf("EncodeReferred: %v", err)
	}
	short := buf[:len(buf)-1]
	if _, err := Decode(short); !errors.Is(err, herr.ErrCorrupted) {
		t.Fatalf("Decode on a buffer shorter than its declared length: got %v, want ErrCorrupted", err)
	}
}

func TestDecodeLinkPayloadNotMultipleOfSlotSize(t *testing.T) {
	buf, err := EncodeLink([]Slot{{Hash: 1, Pref: pref.New(1)}})
	if err != nil {
		t.Fatalf("EncodeLink: %v", err)
	}
	// truncate one byte off the single slot and fix up the length prefix
	buf = buf[:len(buf)-1]
	put24(buf, len(buf))
	if _, err := Decode(buf); !errors.Is(err, herr.ErrCorrupted) {
		t.Fatalf("Decode with a misaligned link payload: got %v, want ErrCorrupted", err)
	}
}
