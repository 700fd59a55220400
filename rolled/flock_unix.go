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

//go:build linux || darwin || freebsd
// +build linux darwin freebsd

package rolled

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive enforces hammersbald's single-writer design: only one
// process may hold a database's first chunk file open for writing.
func lockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func fallocate(f *os.File, size int64) {
	// best-effort; a failure here just means the chunk grows
	// organically via WriteAt instead of being preallocated.
	// KEEP_SIZE leaves the file's length, which Open reads back as
	// the chunk's size, unchanged.
	unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
}
