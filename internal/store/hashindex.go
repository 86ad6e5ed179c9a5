package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ossbucket/ossbucket/internal/codec"
	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/kv"
	"github.com/rs/zerolog/log"
)

func lookupHash(txn kv.Txn, h Hash) (uint32, bool, error) {
	val, err := txn.Get(hashKey(h))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(val) != 4 {
		return 0, false, corruptf("hash index entry %s has %d bytes", h, len(val))
	}
	return binary.BigEndian.Uint32(val), true, nil
}

func indexHash(txn kv.Txn, h Hash, id uint32) error {
	var val [4]byte
	binary.BigEndian.PutUint32(val[:], id)
	return txn.Set(hashKey(h), val[:])
}

// unindexHash removes the entry for h only if it belongs to id.
func unindexHash(txn kv.Txn, h Hash, id uint32) error {
	owner, ok, err := lookupHash(txn, h)
	if err != nil || !ok || owner != id {
		return err
	}
	return txn.Delete(hashKey(h))
}

// GetFileByHash returns the file indexed under h.
func (s *Store) GetFileByHash(ctx context.Context, h Hash) (*File, error) {
	if !s.Limits().EnableHashIndex {
		return nil, fmt.Errorf("%w: hash index is disabled", errs.ErrNotSupported)
	}
	var f *File
	err := s.db.View(ctx, func(txn kv.Txn) error {
		id, ok, err := lookupHash(txn, h)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no file with hash %s", errs.ErrNotFound, h)
		}
		f, err = getFile(txn, id)
		return err
	})
	return f, err
}

// ReindexHashes rebuilds the hash index from finalized files, for use
// after the index is switched on. When two files share a digest the
// lower id keeps the entry. Returns the number of indexed files.
func (s *Store) ReindexHashes(ctx context.Context) (int, error) {
	n := 0
	err := s.update(ctx, func(txn kv.Txn, _ *counters) error {
		var stale [][]byte
		if err := txn.ScanKeys(prefixHash, func(key []byte) error {
			stale = append(stale, key)
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}

		var files []File
		if err := txn.Scan(prefixFile, func(key, val []byte) error {
			var f File
			if err := codec.Unmarshal(val, &f); err != nil {
				return corruptf("decode %q: %v", key, err)
			}
			files = append(files, f)
			return nil
		}); err != nil {
			return err
		}

		seen := make(map[Hash]uint32, len(files))
		for _, f := range files {
			if !f.Finalized || f.Hash == nil {
				continue
			}
			if owner, dup := seen[*f.Hash]; dup {
				log.Warn().
					Uint32("file_id", f.ID).
					Uint32("owner_id", owner).
					Str("hash", f.Hash.String()).
					Msg("duplicate content hash, file left unindexed")
				continue
			}
			seen[*f.Hash] = f.ID
			if err := indexHash(txn, *f.Hash, f.ID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
