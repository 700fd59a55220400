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

package rolled

import (
	"fmt"
	"os"
	"sync"
)

// chunk is a single backing file holding up to File.chunkSize bytes
// of one logical file's byte address space, starting at chunk index
// i's base offset (i * chunkSize).
type chunk struct {
	mu   sync.Mutex
	file *os.File
	// size is the current length of this chunk file in bytes; it is
	// always <= File.chunkSize and, for every chunk but the last, is
	// exactly File.chunkSize.
	size int64
}

func openChunk(path string, preallocate int64) (*chunk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	c := &chunk{file: f, size: fi.Size()}
	if fi.Size() == 0 && preallocate > 0 {
		fallocate(f, preallocate)
	}
	return c, nil
}

func (c *chunk) readAt(buf []byte, off int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.file.ReadAt(buf, off)
	return err
}

func (c *chunk) writeAt(buf []byte, off int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.file.WriteAt(buf, off)
	if err != nil {
		return err
	}
	if end := off + int64(n); end > c.size {
		c.size = end
	}
	return nil
}

func (c *chunk) truncate(size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.file.Truncate(size); err != nil {
		return err
	}
	c.size = size
	return nil
}

func (c *chunk) sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Sync()
}

func (c *chunk) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}

func chunkName(dir, base, ext string, idx int) string {
	return fmt.Sprintf("%s/%s.%d.%s", dir, base, idx, ext)
}
