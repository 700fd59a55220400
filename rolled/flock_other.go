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

//go:build !linux && !darwin && !freebsd
// +build !linux,!darwin,!freebsd

package rolled

import "os"

func lockExclusive(f *os.File) error {
	// no portable advisory lock available; single-writer use is the
	// caller's responsibility on these platforms
	return nil
}

func fallocate(f *os.File, size int64) {
	// no portable way to reserve space without changing the file's
	// length, which Open reads back as the chunk's size; chunks grow
	// via WriteAt instead
}
