package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/ossbucket/ossbucket/internal/kv"
)

// Stored chunk layout: one codec byte, the uncompressed length as a
// big-endian uint32, then the payload.
const (
	chunkRaw  byte = 0
	chunkZstd byte = 1

	chunkHeaderLen = 5
)

// chunkStore maps (file id, chunk index) to bytes. Chunks that shrink
// under zstd are stored compressed.
type chunkStore struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newChunkStore() *chunkStore {
	cs := &chunkStore{}
	cs.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
			return enc
		},
	}
	cs.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return cs
}

func (cs *chunkStore) encode(data []byte) []byte {
	enc := cs.encoderPool.Get().(*zstd.Encoder)
	compressed := enc.EncodeAll(data, make([]byte, chunkHeaderLen, chunkHeaderLen+len(data)))
	cs.encoderPool.Put(enc)

	if len(compressed) < chunkHeaderLen+len(data) {
		compressed[0] = chunkZstd
		binary.BigEndian.PutUint32(compressed[1:chunkHeaderLen], uint32(len(data)))
		return compressed
	}

	out := make([]byte, chunkHeaderLen+len(data))
	out[0] = chunkRaw
	binary.BigEndian.PutUint32(out[1:chunkHeaderLen], uint32(len(data)))
	copy(out[chunkHeaderLen:], data)
	return out
}

func (cs *chunkStore) decode(val []byte) ([]byte, error) {
	n, err := storedLen(val)
	if err != nil {
		return nil, err
	}
	payload := val[chunkHeaderLen:]

	switch val[0] {
	case chunkRaw:
		if len(payload) != n {
			return nil, corruptf("raw chunk length %d, header says %d", len(payload), n)
		}
		return payload, nil
	case chunkZstd:
		dec := cs.decoderPool.Get().(*zstd.Decoder)
		data, err := dec.DecodeAll(payload, make([]byte, 0, n))
		cs.decoderPool.Put(dec)
		if err != nil {
			return nil, corruptf("decompress chunk: %v", err)
		}
		if len(data) != n {
			return nil, corruptf("decompressed chunk length %d, header says %d", len(data), n)
		}
		return data, nil
	default:
		return nil, corruptf("unknown chunk codec %d", val[0])
	}
}

func storedLen(val []byte) (int, error) {
	if len(val) < chunkHeaderLen {
		return 0, corruptf("chunk record too short (%d bytes)", len(val))
	}
	return int(binary.BigEndian.Uint32(val[1:chunkHeaderLen])), nil
}

func (cs *chunkStore) put(txn kv.Txn, id, index uint32, data []byte) error {
	return txn.Set(chunkKey(id, index), cs.encode(data))
}

// get returns the chunk, or ok=false if it is absent.
func (cs *chunkStore) get(txn kv.Txn, id, index uint32) (data []byte, ok bool, err error) {
	val, err := txn.Get(chunkKey(id, index))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err = cs.decode(val)
	return data, err == nil, err
}

// mustGet is get for chunks the file metadata says exist.
func (cs *chunkStore) mustGet(txn kv.Txn, id, index uint32) ([]byte, error) {
	data, ok, err := cs.get(txn, id, index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, corruptf("file %d chunk %d is missing", id, index)
	}
	return data, nil
}

// length returns the uncompressed length of a stored chunk.
func (cs *chunkStore) length(txn kv.Txn, id, index uint32) (int, error) {
	val, err := txn.Get(chunkKey(id, index))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return 0, corruptf("file %d chunk %d is missing", id, index)
	}
	if err != nil {
		return 0, err
	}
	return storedLen(val)
}

func (cs *chunkStore) same(txn kv.Txn, id, index uint32, data []byte) (bool, error) {
	old, ok, err := cs.get(txn, id, index)
	if err != nil || !ok {
		return false, err
	}
	return bytes.Equal(old, data), nil
}

// each visits every chunk of a file in index order.
func (cs *chunkStore) each(txn kv.Txn, id uint32, fn func(index uint32, data []byte) error) error {
	return txn.Scan(chunkPrefix(id), func(key, val []byte) error {
		data, err := cs.decode(val)
		if err != nil {
			return fmt.Errorf("file %d chunk %d: %w", id, chunkIndex(key), err)
		}
		return fn(chunkIndex(key), data)
	})
}

// deleteBatch removes up to limit chunks of a file and reports how many
// it removed.
func (cs *chunkStore) deleteBatch(txn kv.Txn, id uint32, limit int) (int, error) {
	var keys [][]byte
	err := txn.ScanKeys(chunkPrefix(id), func(key []byte) error {
		keys = append(keys, key)
		if len(keys) == limit {
			return kv.ErrStopScan
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
