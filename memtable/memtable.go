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

// Package memtable implements the linear-hash index that is the
// algorithmic heart of hammersbald: a growable directory
// of buckets, each holding a lazily-materialized list of (hash, PRef)
// slots, addressed by a SipHash24-derived 32-bit hash keyed with a
// per-database random seed instead of a fixed one.
package memtable

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/dchest/siphash"
	"golang.org/x/exp/slices"

	"github.com/hammersbald/hammersbald/datafile"
	"github.com/hammersbald/hammersbald/envelope"
	"github.com/hammersbald/hammersbald/herr"
	"github.com/hammersbald/hammersbald/linkfile"
	"github.com/hammersbald/hammersbald/logfile"
	"github.com/hammersbald/hammersbald/page"
	"github.com/hammersbald/hammersbald/pref"
	"github.com/hammersbald/hammersbald/tablefile"
)

// InitBuckets and InitLogMod are the directory's starting shape:
// 2^InitLogMod = 256 < InitBuckets = 512.
const (
	InitBuckets = 512
	InitLogMod  = 8
)

// bucket is one entry of the in-memory directory. slots is nil until
// the bucket is first accessed (an unloaded bucket holds only its
// stored link PRef until something touches it), at which point it is materialized from the
// bucket's persisted link envelope, or left as an empty non-nil slice
// if stored is invalid.
type bucket struct {
	stored pref.PRef
	slots  []envelope.Slot
	loaded bool
}

// dirty is a growable bit vector tracking which buckets have unflushed
// mutations. append()'s quirk of marking the newly grown bucket's own
// bit dirty is intentional: a freshly split bucket always needs its
// first flush.
type dirty struct {
	bits []uint64
	used int
}

func newDirty(n int) *dirty {
	return &dirty{bits: make([]uint64, (n>>6)+1), used: n}
}

func (d *dirty) set(n int)   { d.bits[n>>6] |= 1 << uint(n&0x3f) }
func (d *dirty) get(n int) bool { return d.bits[n>>6]&(1<<uint(n&0x3f)) != 0 }

func (d *dirty) clear() {
	for i := range d.bits {
		d.bits[i] = 0
	}
}

func (d *dirty) isDirty() bool {
	for _, w := range d.bits {
		if w != 0 {
			return true
		}
	}
	return false
}

func (d *dirty) append() {
	idx := d.used
	d.used++
	if idx >= len(d.bits)<<6 {
		d.bits = append(d.bits, 0)
	}
	d.set(idx)
}

// MemTable is the linear-hash index.
type MemTable struct {
	mu sync.RWMutex

	step             uint64
	logMod           uint64
	forgetDebt       uint64
	sip0, sip1       uint64
	bucketFillTarget uint64

	buckets []bucket
	dirty   *dirty

	df *datafile.File
	lf *linkfile.File
	tf *tablefile.File
	gf *logfile.File
}

// New constructs a fresh MemTable with a freshly-seeded hash and the
// initial directory shape, for a brand-new database.
func New(df *datafile.File, lf *linkfile.File, tf *tablefile.File, gf *logfile.File, bucketFillTarget int) *MemTable {
	if bucketFillTarget < 1 {
		bucketFillTarget = 1
	}
	if bucketFillTarget > 128 {
		bucketFillTarget = 128
	}
	sip0, sip1 := newSipKeys()
	return &MemTable{
		logMod:           InitLogMod,
		sip0:             sip0,
		sip1:             sip1,
		bucketFillTarget: uint64(bucketFillTarget),
		buckets:          make([]bucket, InitBuckets),
		dirty:            newDirty(InitBuckets),
		df:               df,
		lf:               lf,
		tf:               tf,
		gf:               gf,
	}
}

// newSipKeys draws a fresh pair of SipHash keys from the OS CSPRNG,
// the same source google/uuid draws session ids from.
func newSipKeys() (uint64, uint64) {
	var b [16]byte
	if _, err := crand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("memtable: reading random sip keys: %v", err))
	}
	return binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint64(b[8:])
}

// Load reads table page 0's header (if the table file is non-empty)
// to size the directory and recover the persisted hash seed and split
// cursor, then walks the table file's bucket directory to fill in each
// bucket's stored link PRef. Slot lists remain unloaded. It also
// resets the log's per-batch state to the table's current length, so
// the first batch after a reopen logs pre-images of existing pages.
func (m *MemTable) Load(ctx context.Context) error {
	n, err := m.tf.Len(ctx)
	if err != nil {
		return err
	}
	m.gf.Reset(n)
	if n == 0 {
		return nil
	}
	hdr, err := m.tf.ReadHeader0(ctx)
	if err != nil {
		return err
	}
	if hdr.NBuckets == 0 {
		return nil
	}
	m.mu.Lock()
	m.buckets = make([]bucket, hdr.NBuckets)
	m.dirty = newDirty(int(hdr.NBuckets))
	m.step = hdr.Step
	m.logMod = uint64(bits.Len32(uint32(hdr.NBuckets))) - 2
	m.sip0 = hdr.Sip0
	m.sip1 = hdr.Sip1
	m.mu.Unlock()

	it := m.tf.Buckets(ctx, hdr.NBuckets)
	i := uint64(0)
	for {
		p, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		m.mu.Lock()
		m.buckets[i].stored = p
		m.mu.Unlock()
		i++
	}
	return nil
}

// Params reports the directory's current shape, for Stats()/hbstat.
func (m *MemTable) Params() (step, logMod, nBuckets uint64, sip0, sip1 uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.step, m.logMod, uint64(len(m.buckets)), m.sip0, m.sip1
}

func (m *MemTable) hash(key []byte) uint32 {
	m.mu.RLock()
	sip0, sip1 := m.sip0, m.sip1
	m.mu.RUnlock()
	return uint32(siphash.Hash(sip0, sip1, key))
}

func mask(n uint64) uint32 {
	if n == 0 {
		return 0
	}
	if n >= 32 {
		return ^uint32(0)
	}
	return ^uint32(0) >> (32 - n)
}

// bucketForHash must be called with m.mu held (read or write).
func (m *MemTable) bucketForHash(h uint32) uint64 {
	b := uint64(h & mask(m.logMod))
	if b < m.step {
		b = uint64(h & mask(m.logMod+1))
	}
	return b
}

// resolveBucket lazily materializes bucket b's slot list from its
// persisted link envelope. Must be called with m.mu held for writing.
func (m *MemTable) resolveBucket(ctx context.Context, b uint64) error {
	bk := &m.buckets[b]
	if bk.loaded {
		return nil
	}
	if bk.stored.Valid() {
		slots, err := m.lf.GetSlots(ctx, bk.stored)
		if err != nil {
			return err
		}
		bk.slots = slots
	} else {
		bk.slots = nil
	}
	bk.loaded = true
	return nil
}

// modifyBucket marks bucket b dirty and logs its containing table
// page's pre-image, done once per page per batch by logfile itself.
func (m *MemTable) modifyBucket(ctx context.Context, b uint64) error {
	m.dirty.set(int(b))
	off := tablefile.BucketOffset(b)
	pageOff := off - off%page.Size
	return m.gf.LogPage(ctx, pref.New(uint64(pageOff)), m.tf)
}

// Put inserts (or replaces) the mapping from key to the indexed
// envelope at dataRef, applying the growth trigger.
func (m *MemTable) Put(ctx context.Context, key []byte, dataRef pref.PRef) error {
	h := m.hash(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucketForHash(h)
	if _, err := m.removeDuplicateLocked(ctx, key, h, b); err != nil {
		return err
	}
	if err := m.storeToBucketLocked(ctx, b, h, dataRef); err != nil {
		return err
	}

	if m.forgetDebt == 0 {
		if h%uint32(m.bucketFillTarget) == 0 && m.step < 1<<31 {
			if m.step < 1<<m.logMod {
				if err := m.rehashBucketLocked(ctx, m.step); err != nil {
					return err
				}
			}
			m.step++
			if m.step > 1<<(m.logMod+1) {
				m.logMod++
				m.step = 0
			}
			m.buckets = append(m.buckets, bucket{})
			m.dirty.append()
		}
	} else {
		m.forgetDebt--
	}
	return nil
}

// Forget removes key's slot, if present, and credits the forget debt
// so the next Put does not trigger a spurious split.
func (m *MemTable) Forget(ctx context.Context, key []byte) error {
	h := m.hash(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucketForHash(h)
	removed, err := m.removeDuplicateLocked(ctx, key, h, b)
	if err != nil {
		return err
	}
	if removed {
		m.forgetDebt++
	}
	return nil
}

// removeDuplicateLocked removes the slot (if any) in bucket b whose
// hash matches h and whose indexed envelope's key equals key. Must be
// called with m.mu held for writing.
func (m *MemTable) removeDuplicateLocked(ctx context.Context, key []byte, h uint32, b uint64) (bool, error) {
	if err := m.resolveBucket(ctx, b); err != nil {
		return false, err
	}
	bk := &m.buckets[b]
	idx := -1
	for i, s := range bk.slots {
		if s.Hash != h {
			continue
		}
		env, err := m.df.GetEnvelope(ctx, s.Pref)
		if err != nil {
			return false, err
		}
		if env.Kind != envelope.Indexed {
			return false, fmt.Errorf("memtable: slot %s does not point at an indexed envelope: %w", s.Pref, herr.ErrCorrupted)
		}
		if bytes.Equal(env.Key, key) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	bk.slots = append(bk.slots[:idx], bk.slots[idx+1:]...)
	return true, m.modifyBucket(ctx, b)
}

// storeToBucketLocked appends (h, dataRef) to bucket b's slot list.
// Must be called with m.mu held for writing.
func (m *MemTable) storeToBucketLocked(ctx context.Context, b uint64, h uint32, dataRef pref.PRef) error {
	if err := m.resolveBucket(ctx, b); err != nil {
		return err
	}
	bk := &m.buckets[b]
	bk.slots = append(bk.slots, envelope.Slot{Hash: h, Pref: dataRef})
	return m.modifyBucket(ctx, b)
}

// rehashBucketLocked redistributes bucket b's slots against the
// expanded modulus 2^(logMod+1): slots whose rehashed bucket differs
// from b move to their new bucket, the rest stay. Must be called with
// m.mu held for writing.
func (m *MemTable) rehashBucketLocked(ctx context.Context, b uint64) error {
	if err := m.resolveBucket(ctx, b); err != nil {
		return err
	}
	slots := m.buckets[b].slots
	kept := slots[:0:0]
	moved := false
	type move struct {
		to uint64
		s  envelope.Slot
	}
	var moves []move
	for _, s := range slots {
		to := uint64(s.Hash & mask(m.logMod+1))
		if to != b {
			moves = append(moves, move{to: to, s: s})
			moved = true
		} else {
			kept = append(kept, s)
		}
	}
	if !moved {
		return nil
	}
	for _, mv := range moves {
		if err := m.storeToBucketLocked(ctx, mv.to, mv.s.Hash, mv.s.Pref); err != nil {
			return err
		}
	}
	m.buckets[b].slots = kept
	m.buckets[b].loaded = true
	return m.modifyBucket(ctx, b)
}

// ensureLoaded materializes bucket b's slot list if it isn't already,
// taking the write lock only for that transition so that Get and
// MayHaveKey otherwise only ever need a read lock, since readers may
// proceed in parallel with each other, mirroring the paged-file
// design note of never holding a lock through I/O any longer than
// needed.
func (m *MemTable) ensureLoaded(ctx context.Context, b uint64) error {
	m.mu.RLock()
	loaded := m.buckets[b].loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}
	m.mu.Lock()
	err := m.resolveBucket(ctx, b)
	m.mu.Unlock()
	return err
}

// Get resolves key to the PRef and data of the most recently stored
// indexed envelope, or ok=false if no live mapping exists.
func (m *MemTable) Get(ctx context.Context, key []byte) (at pref.PRef, data []byte, ok bool, err error) {
	h := m.hash(key)
	m.mu.RLock()
	b := m.bucketForHash(h)
	m.mu.RUnlock()
	if err := m.ensureLoaded(ctx, b); err != nil {
		return pref.Invalid, nil, false, err
	}
	m.mu.RLock()
	slots := append([]envelope.Slot(nil), m.buckets[b].slots...)
	m.mu.RUnlock()
	for _, s := range slots {
		if s.Hash != h {
			continue
		}
		env, err := m.df.GetEnvelope(ctx, s.Pref)
		if err != nil {
			return pref.Invalid, nil, false, err
		}
		if env.Kind != envelope.Indexed {
			return pref.Invalid, nil, false, fmt.Errorf("memtable: slot %s does not point at an indexed envelope: %w", s.Pref, herr.ErrCorrupted)
		}
		if bytes.Equal(env.Key, key) {
			return s.Pref, append([]byte(nil), env.Data...), true, nil
		}
	}
	return pref.Invalid, nil, false, nil
}

// MayHaveKey is a false-positive-only membership hint.
func (m *MemTable) MayHaveKey(ctx context.Context, key []byte) (bool, error) {
	h := m.hash(key)
	m.mu.RLock()
	b := m.bucketForHash(h)
	m.mu.RUnlock()
	if err := m.ensureLoaded(ctx, b); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.buckets[b].slots {
		if s.Hash == h {
			return true, nil
		}
	}
	return false, nil
}

// Flush logs table page 0's pre-image, rewrites its header, serializes
// every dirty bucket's slots into a link envelope (or the invalid
// PRef if empty), and writes the result into the table directory.
// Page 0's pre-image is logged unconditionally, independent of
// whether any bucket on it is dirty, since its header fields
// (n_buckets, step, sip0, sip1) are rewritten every batch regardless.
// Clears the dirty bitmap on return.
func (m *MemTable) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.gf.LogPage(ctx, pref.New(0), m.tf); err != nil {
		return err
	}

	if err := m.tf.WriteHeader0(ctx, tablefile.Header0{
		NBuckets: uint64(len(m.buckets)),
		Step:     m.step,
		Sip0:     m.sip0,
		Sip1:     m.sip1,
	}); err != nil {
		return err
	}

	if m.dirty.isDirty() {
		for b := 0; b < m.dirty.used; b++ {
			if !m.dirty.get(b) {
				continue
			}
			bk := &m.buckets[b]
			var linkRef pref.PRef
			if len(bk.slots) > 0 {
				// sort for a deterministic on-disk encoding; duplicates
				// cannot occur since put/forget already dedupe by key.
				slices.SortFunc(bk.slots, func(a, c envelope.Slot) bool {
					if a.Hash != c.Hash {
						return a.Hash < c.Hash
					}
					return a.Pref < c.Pref
				})
				var err error
				linkRef, err = m.lf.AppendLink(ctx, bk.slots)
				if err != nil {
					return err
				}
			} else {
				linkRef = pref.Invalid
			}
			bk.stored = linkRef
			if err := m.tf.WriteBucket(ctx, uint64(b), linkRef); err != nil {
				return err
			}
		}
	}
	m.dirty.clear()

	if err := m.lf.Flush(ctx); err != nil {
		return err
	}
	return m.tf.Flush(ctx)
}

// AppendData appends an indexed envelope to the data file.
func (m *MemTable) AppendData(ctx context.Context, key, data []byte) (pref.PRef, error) {
	return m.df.AppendIndexed(ctx, key, data)
}

// AppendReferred appends a referred (keyless) envelope to the data file.
func (m *MemTable) AppendReferred(ctx context.Context, data []byte) (pref.PRef, error) {
	return m.df.AppendReferred(ctx, data)
}

// GetEnvelope fetches and decodes the envelope at at from the data file.
func (m *MemTable) GetEnvelope(ctx context.Context, at pref.PRef) (envelope.Envelope, error) {
	return m.df.GetEnvelope(ctx, at)
}

// DataEnvelopes returns an iterator over every envelope appended to
// the data file so far, including those still in the buffered tail
// page, in file order.
func (m *MemTable) DataEnvelopes(ctx context.Context) (*datafile.Iterator, error) {
	return m.df.Envelopes(ctx, int64(m.df.Tail().Offset())), nil
}

// Batch commits all buffered writes: it drains the log file's own queued writer first,
// flushes dirty buckets into the link and table files, syncs data,
// link, and table to durable storage, and only then rewrites and
// syncs the log header with the new committed lengths. A crash at any
// point before the new header is fully synced rolls back to the
// previous committed state on the next Recover.
func (m *MemTable) Batch(ctx context.Context) error {
	if err := m.gf.Flush(ctx); err != nil {
		return err
	}
	if err := m.gf.Sync(ctx); err != nil {
		return err
	}

	if err := m.Flush(ctx); err != nil {
		return err
	}

	if err := m.tf.Sync(ctx); err != nil {
		return err
	}
	tableLen, err := m.tf.Len(ctx)
	if err != nil {
		return err
	}

	if err := m.lf.Sync(ctx); err != nil {
		return err
	}
	linkLen, err := m.lf.Len(ctx)
	if err != nil {
		return err
	}

	if err := m.df.Flush(ctx); err != nil {
		return err
	}
	if err := m.df.Sync(ctx); err != nil {
		return err
	}
	dataLen, err := m.df.Len(ctx)
	if err != nil {
		return err
	}

	m.gf.Reset(tableLen)
	return m.gf.Init(ctx, dataLen, tableLen, linkLen)
}

// Recover implements startup recovery. Whenever the log file holds a
// header, the data, link, and table files are truncated to the
// lengths it records, dropping anything written after the last
// committed batch. If the log also holds more than its header page,
// the previous batch never committed, and every logged table-page
// pre-image is replayed over the table file to undo whatever that
// incomplete batch had written.
func (m *MemTable) Recover(ctx context.Context) error {
	n, err := m.gf.Len(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	hdr, err := m.gf.ReadHeader(ctx)
	if err != nil {
		return err
	}
	if err := m.tf.Truncate(ctx, hdr.TableLen); err != nil {
		return err
	}
	if err := m.df.Truncate(ctx, hdr.DataLen); err != nil {
		return err
	}
	if err := m.lf.Truncate(ctx, hdr.LinkLen); err != nil {
		return err
	}

	if n <= page.Size {
		return nil
	}

	it, err := m.gf.Pages(ctx)
	if err != nil {
		return err
	}
	if _, ok, err := it.Next(); err != nil || !ok { // skip the header page
		return err
	}
	for {
		pg, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := m.tf.UpdatePage(ctx, pg); err != nil {
			return err
		}
	}
	if err := m.tf.Flush(ctx); err != nil {
		return err
	}
	if err := m.tf.Sync(ctx); err != nil {
		return err
	}
	return m.gf.Init(ctx, hdr.DataLen, hdr.TableLen, hdr.LinkLen)
}

// Shutdown releases every underlying file's resources.
func (m *MemTable) Shutdown(ctx context.Context) error {
	if err := m.df.Shutdown(ctx); err != nil {
		return err
	}
	if err := m.lf.Shutdown(ctx); err != nil {
		return err
	}
	if err := m.tf.Shutdown(ctx); err != nil {
		return err
	}
	return m.gf.Shutdown(ctx)
}
