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

package pref

import "testing"

func TestInvalidSentinel(t *testing.T) {
	if Invalid.Valid() {
		t.Fatal("Invalid.Valid() = true")
	}
	if Invalid != PRef(1<<48-1) {
		t.Fatalf("Invalid = %d, want %d", Invalid, uint64(1)<<48-1)
	}
	if got := Invalid.String(); got != "PRef(invalid)" {
		t.Fatalf("Invalid.String() = %q", got)
	}
}

func TestNewMasksTo48Bits(t *testing.T) {
	p := New(1<<48 + 5)
	if p.Offset() != 5 {
		t.Fatalf("New(1<<48+5).Offset() = %d, want 5", p.Offset())
	}
	if !p.Valid() {
		t.Fatal("New(5).Valid() = false")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	cases := []PRef{0, 1, 4095, 4096, New(1<<40 - 1), Invalid}
	for _, p := range cases {
		var buf [Size]byte
		Put(buf[:], p)
		got := Get(buf[:])
		if got != p {
			t.Errorf("Put/Get round trip for %s: got %s", p, got)
		}
	}
}

func TestPutGetBigEndian(t *testing.T) {
	var buf [Size]byte
	Put(buf[:], PRef(0x010203040506))
	want := [Size]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if buf != want {
		t.Fatalf("Put encoded %x, want %x", buf, want)
	}
}

func TestU48RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 1<<48 - 1, 512, 1 << 20}
	for _, v := range values {
		var buf [Size]byte
		PutU48(buf[:], v)
		if got := GetU48(buf[:]); got != v {
			t.Errorf("PutU48/GetU48 round trip for %d: got %d", v, got)
		}
	}
}

func TestStringValid(t *testing.T) {
	if got := New(42).String(); got != "PRef(42)" {
		t.Fatalf("New(42).String() = %q, want PRef(42)", got)
	}
}
