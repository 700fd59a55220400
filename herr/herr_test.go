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

package herr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIoWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := Io(cause)

	if !IsIo(err) {
		t.Fatal("IsIo(Io(cause)) = false")
	}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is(Io(cause), cause) = false")
	}
	if got := err.Error(); got != "hammersbald: io: disk full" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestIsIoFalseForOtherErrors(t *testing.T) {
	if IsIo(ErrCorrupted) {
		t.Fatal("IsIo(ErrCorrupted) = true")
	}
	if IsIo(fmt.Errorf("wrapped: %w", ErrInvalidReference)) {
		t.Fatal("IsIo should not match a wrapped sentinel other than Io")
	}
}

func TestSentinelsWrapWithFmt(t *testing.T) {
	wrapped := fmt.Errorf("tablefile: page at 3 carries self-ref 4: %w", ErrCorrupted)
	if !errors.Is(wrapped, ErrCorrupted) {
		t.Fatal("errors.Is failed through fmt.Errorf wrapping")
	}
}
