package store

import "encoding/binary"

// Key layout:
//
//	s/counters                 id counters and totals
//	d/<folder id>              folder metadata
//	f/<file id>                file metadata
//	c/<file id><chunk index>   chunk bytes
//	h/<sha3-256>               file id
//	g/<file id>                chunks released for sweeping
//
// Ids are big-endian so prefix scans return them in numeric order.
var (
	keyCounters  = []byte("s/counters")
	prefixFolder = []byte("d/")
	prefixFile   = []byte("f/")
	prefixChunk  = []byte("c/")
	prefixHash   = []byte("h/")
	prefixSweep  = []byte("g/")
)

func idKey(prefix []byte, id uint32) []byte {
	k := make([]byte, len(prefix)+4)
	copy(k, prefix)
	binary.BigEndian.PutUint32(k[len(prefix):], id)
	return k
}

func folderKey(id uint32) []byte { return idKey(prefixFolder, id) }

func fileKey(id uint32) []byte { return idKey(prefixFile, id) }

func sweepKey(id uint32) []byte { return idKey(prefixSweep, id) }

func chunkPrefix(id uint32) []byte { return idKey(prefixChunk, id) }

func chunkKey(id, index uint32) []byte {
	k := make([]byte, len(prefixChunk)+8)
	copy(k, prefixChunk)
	binary.BigEndian.PutUint32(k[len(prefixChunk):], id)
	binary.BigEndian.PutUint32(k[len(prefixChunk)+4:], index)
	return k
}

// chunkIndex extracts the chunk index from a chunk key.
func chunkIndex(key []byte) uint32 {
	return binary.BigEndian.Uint32(key[len(key)-4:])
}

func hashKey(h Hash) []byte {
	k := make([]byte, len(prefixHash)+len(h))
	copy(k, prefixHash)
	copy(k[len(prefixHash):], h[:])
	return k
}
