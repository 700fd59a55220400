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

// Package blockkv is hammersbald's optional domain adapter: a thin
// layer that packs higher-level, blockchain-shaped records into
// the raw byte API, generalized away from any one chain's wire types:
// a record is keyed by a caller-supplied 32-byte hash, carries an
// opaque header blob, and owns a list of opaque transaction blobs plus
// a list of opaque extension blobs. The adapter stores the
// transaction/extension payloads as unkeyed (Referred) records and
// the header as an Indexed record whose data is the header bytes
// followed by the PRefs of its children: a u48 PRef into the
// transaction index, a u32 extension count, then that many u48
// extension PRefs.
package blockkv

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/hammersbald/hammersbald/herr"
	"github.com/hammersbald/hammersbald/pref"
)

// HashSize is the width of a block/record key, matching a
// double-SHA256 block hash.
const HashSize = 32

// Hash is a record key.
type Hash [HashSize]byte

// Store is the subset of *hammersbald.DB the adapter needs. Using an
// interface instead of the concrete type keeps blockkv independently
// testable against a fake and avoids an import cycle with the root
// package's tests.
type Store interface {
	PutKeyed(ctx context.Context, key, data []byte) (pref.PRef, error)
	GetKeyed(ctx context.Context, key []byte) (pref.PRef, []byte, bool, error)
	Put(ctx context.Context, data []byte) (pref.PRef, error)
	Get(ctx context.Context, at pref.PRef) (key, data []byte, err error)
}

// Record is a decoded block/header record.
type Record struct {
	Header     []byte
	Txs        [][]byte
	Extensions [][]byte
}

// Adapter packs Records into a Store using hammersbald's raw byte API.
type Adapter struct {
	store    Store
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// Open wraps store. When compress is true, header and child payloads
// are zstd-compressed before being handed to the Store, to shrink
// block bytes before indexing them.
func Open(store Store, compress bool) (*Adapter, error) {
	a := &Adapter{store: store, compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("blockkv: opening zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("blockkv: opening zstd decoder: %w", err)
		}
		a.enc, a.dec = enc, dec
	}
	return a, nil
}

func (a *Adapter) packPayload(data []byte) []byte {
	if !a.compress {
		return data
	}
	return a.enc.EncodeAll(data, nil)
}

func (a *Adapter) unpackPayload(data []byte) ([]byte, error) {
	if !a.compress {
		return data, nil
	}
	out, err := a.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("blockkv: zstd decode: %w", err)
	}
	return out, nil
}

// PutRecord stores rec under hash and returns the PRef of its header
// envelope: transactions and extensions are appended first as
// Referred payloads so their PRefs can be woven into the header's
// forward links, then the header itself is appended as an Indexed
// payload under hash.
func (a *Adapter) PutRecord(ctx context.Context, hash Hash, rec Record) (pref.PRef, error) {
	txIndexRef := pref.Invalid
	if len(rec.Txs) > 0 {
		var idx bytes.Buffer
		for _, tx := range rec.Txs {
			txRef, err := a.store.Put(ctx, a.packPayload(tx))
			if err != nil {
				return pref.Invalid, err
			}
			var b [pref.Size]byte
			pref.Put(b[:], txRef)
			idx.Write(b[:])
		}
		var err error
		txIndexRef, err = a.store.Put(ctx, idx.Bytes())
		if err != nil {
			return pref.Invalid, err
		}
	}

	extRefs := make([]pref.PRef, len(rec.Extensions))
	for i, ext := range rec.Extensions {
		r, err := a.store.Put(ctx, a.packPayload(ext))
		if err != nil {
			return pref.Invalid, err
		}
		extRefs[i] = r
	}

	var buf bytes.Buffer
	buf.Write(a.packPayload(rec.Header))
	var trailer [pref.Size]byte
	pref.Put(trailer[:], txIndexRef)
	buf.Write(trailer[:])
	var count [4]byte
	be32(count[:], uint32(len(extRefs)))
	buf.Write(count[:])
	for _, r := range extRefs {
		var b [pref.Size]byte
		pref.Put(b[:], r)
		buf.Write(b[:])
	}

	return a.store.PutKeyed(ctx, hash[:], buf.Bytes())
}

// GetRecord fetches and fully resolves the record stored under hash,
// following the forward links PutRecord wove into the header payload.
func (a *Adapter) GetRecord(ctx context.Context, hash Hash) (Record, bool, error) {
	_, data, ok, err := a.store.GetKeyed(ctx, hash[:])
	if err != nil || !ok {
		return Record{}, ok, err
	}

	headerLen := len(data) - pref.Size - 4
	if headerLen < 0 {
		return Record{}, false, fmt.Errorf("blockkv: record for %x is shorter than its trailer: %w", hash, herr.ErrCorrupted)
	}
	packedHeader := data[:headerLen]
	rest := data[headerLen:]
	txIndexRef := pref.Get(rest)
	rest = rest[pref.Size:]
	extCount := be32get(rest)
	rest = rest[4:]
	if len(rest) != int(extCount)*pref.Size {
		return Record{}, false, fmt.Errorf("blockkv: record for %x has a truncated extension list: %w", hash, herr.ErrCorrupted)
	}

	header, err := a.unpackPayload(packedHeader)
	if err != nil {
		return Record{}, false, err
	}

	var txs [][]byte
	if txIndexRef.Valid() {
		_, idx, err := a.store.Get(ctx, txIndexRef)
		if err != nil {
			return Record{}, false, err
		}
		if len(idx)%pref.Size != 0 {
			return Record{}, false, fmt.Errorf("blockkv: transaction index for %x is malformed: %w", hash, herr.ErrCorrupted)
		}
		for off := 0; off < len(idx); off += pref.Size {
			txRef := pref.Get(idx[off:])
			_, packed, err := a.store.Get(ctx, txRef)
			if err != nil {
				return Record{}, false, err
			}
			tx, err := a.unpackPayload(packed)
			if err != nil {
				return Record{}, false, err
			}
			txs = append(txs, tx)
		}
	}

	extensions := make([][]byte, extCount)
	for i := range extensions {
		r := pref.Get(rest[i*pref.Size:])
		_, packed, err := a.store.Get(ctx, r)
		if err != nil {
			return Record{}, false, err
		}
		ext, err := a.unpackPayload(packed)
		if err != nil {
			return Record{}, false, err
		}
		extensions[i] = ext
	}

	return Record{Header: header, Txs: txs, Extensions: extensions}, true, nil
}

func be32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func be32get(src []byte) uint32 {
	return uint32(src[0])<<24 | uint32(src[1])<<16 | uint32(src[2])<<8 | uint32(src[3])
}

// Close releases the adapter's zstd encoder/decoder, if any.
func (a *Adapter) Close() error {
	if a.enc != nil {
		a.enc.Close()
	}
	if a.dec != nil {
		a.dec.Close()
	}
	return nil
}
