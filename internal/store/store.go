// Package store is the bucket's storage engine: a folder/file tree with
// chunked file content and an optional content-hash index, all kept in
// a kv.Store.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ossbucket/ossbucket/internal/clock"
	"github.com/ossbucket/ossbucket/internal/codec"
	"github.com/ossbucket/ossbucket/internal/kv"
	"github.com/rs/zerolog/log"
)

// defaultSweepBatch bounds the chunk deletes per transaction, well
// under badger's per-transaction entry limit.
const defaultSweepBatch = 10000

// Store is the file tree, chunk store and hash index of one bucket.
// Mutations are serialized; each runs in a single kv transaction, so a
// failed operation leaves no partial state behind. Chunks of deleted or
// truncated files are released in that transaction and swept in
// batches after it commits.
type Store struct {
	db     kv.Store
	clock  clock.Clock
	chunks *chunkStore

	writeMu    sync.Mutex
	released   bool // guarded by writeMu
	sweepBatch int

	limitsMu sync.RWMutex
	limits   Limits
}

// New opens a store over db, creating the root folder on first use.
func New(ctx context.Context, db kv.Store, limits Limits, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Store{
		db:     db,
		clock:  clk,
		chunks:     newChunkStore(),
		limits:     limits,
		sweepBatch: defaultSweepBatch,
	}

	err := db.Update(ctx, func(txn kv.Txn) error {
		ok, err := kv.Exists(txn, folderKey(RootFolderID))
		if err != nil || ok {
			return err
		}
		now := s.now()
		root := &Folder{
			ID:        RootFolderID,
			Parent:    RootFolderID,
			Name:      rootFolderName,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := putFolder(txn, root); err != nil {
			return err
		}
		return putCounters(txn, &counters{Folders: 1})
	})
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	// Finish sweeps cut short by a crash or shutdown.
	s.writeMu.Lock()
	s.released = true
	if err := s.sweep(ctx); err != nil {
		log.Warn().Err(err).Msg("sweeping released chunks")
	}
	s.writeMu.Unlock()

	log.Debug().
		Uint64("max_file_size", limits.MaxFileSize).
		Uint8("max_folder_depth", limits.MaxFolderDepth).
		Bool("hash_index", limits.EnableHashIndex).
		Msg("store opened")
	return s, nil
}

// Limits returns the current limits.
func (s *Store) Limits() Limits {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return s.limits
}

// SetLimits replaces the limits. Existing data is not revalidated.
func (s *Store) SetLimits(l Limits) {
	s.limitsMu.Lock()
	s.limits = l
	s.limitsMu.Unlock()
}

// Stats returns the running totals.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.View(ctx, func(txn kv.Txn) error {
		c, err := getCounters(txn)
		if err != nil {
			return err
		}
		st = Stats{Files: c.Files, Folders: c.Folders, Bytes: c.Bytes}
		return nil
	})
	return st, err
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixMilli()
}

// update runs fn in a serialized read-write transaction, then sweeps
// any chunks fn released. A sweep that failed earlier is retried first
// so released chunk keys cannot be reused before they are gone.
func (s *Store) update(ctx context.Context, fn func(txn kv.Txn, c *counters) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.released {
		if err := s.sweep(ctx); err != nil {
			return fmt.Errorf("sweep released chunks: %w", err)
		}
	}

	err := s.db.Update(ctx, func(txn kv.Txn) error {
		c, err := getCounters(txn)
		if err != nil {
			return err
		}
		before := *c
		if err := fn(txn, c); err != nil {
			return err
		}
		if *c == before {
			return nil
		}
		return putCounters(txn, c)
	})

	if s.released {
		if serr := s.sweep(ctx); serr != nil {
			log.Warn().Err(serr).Msg("sweeping released chunks")
		}
	}
	return err
}

// releaseChunks marks every chunk of file id for removal. The chunks go
// once the calling transaction commits; until then they are untouched.
func (s *Store) releaseChunks(txn kv.Txn, id uint32) error {
	s.released = true
	return txn.Set(sweepKey(id), []byte{})
}

// sweep deletes the chunks of released files, at most sweepBatch keys
// per transaction. Must be called with writeMu held.
func (s *Store) sweep(ctx context.Context) error {
	var ids []uint32
	err := s.db.View(ctx, func(txn kv.Txn) error {
		return txn.ScanKeys(prefixSweep, func(key []byte) error {
			ids = append(ids, binary.BigEndian.Uint32(key[len(prefixSweep):]))
			return nil
		})
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		for done := false; !done; {
			err := s.db.Update(ctx, func(txn kv.Txn) error {
				n, err := s.chunks.deleteBatch(txn, id, s.sweepBatch)
				if err != nil {
					return err
				}
				if done = n < s.sweepBatch; done {
					return txn.Delete(sweepKey(id))
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("file %d: %w", id, err)
			}
		}
	}
	if len(ids) > 0 {
		log.Debug().Int("files", len(ids)).Msg("released chunks swept")
	}
	s.released = false
	return nil
}

func getRecord(txn kv.Txn, key []byte, v any) error {
	data, err := txn.Get(key)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return corruptf("decode %q: %v", key, err)
	}
	return nil
}

func putRecord(txn kv.Txn, key []byte, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return corruptf("encode %q: %v", key, err)
	}
	return txn.Set(key, data)
}

func getCounters(txn kv.Txn) (*counters, error) {
	var c counters
	if err := getRecord(txn, keyCounters, &c); err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, corruptf("counters record is missing")
		}
		return nil, err
	}
	return &c, nil
}

func putCounters(txn kv.Txn, c *counters) error {
	return putRecord(txn, keyCounters, c)
}

func getFolder(txn kv.Txn, id uint32) (*Folder, error) {
	var f Folder
	if err := getRecord(txn, folderKey(id), &f); err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, errFolderNotFound(id)
		}
		return nil, err
	}
	return &f, nil
}

func putFolder(txn kv.Txn, f *Folder) error {
	return putRecord(txn, folderKey(f.ID), f)
}

func getFile(txn kv.Txn, id uint32) (*File, error) {
	var f File
	if err := getRecord(txn, fileKey(id), &f); err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, errFileNotFound(id)
		}
		return nil, err
	}
	return &f, nil
}

func putFile(txn kv.Txn, f *File) error {
	return putRecord(txn, fileKey(f.ID), f)
}

// Sorted id set helpers.

func insertID(ids []uint32, id uint32) []uint32 {
	i, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(ids, i, id)
}

func removeID(ids []uint32, id uint32) []uint32 {
	i, found := slices.BinarySearch(ids, id)
	if !found {
		return ids
	}
	return slices.Delete(ids, i, i+1)
}

func containsID(ids []uint32, id uint32) bool {
	_, found := slices.BinarySearch(ids, id)
	return found
}

// page returns up to take ids below prev (0 = from the top), highest first.
func page(ids []uint32, prev uint32, take int) []uint32 {
	if take <= 0 {
		take = defaultListTake
	}
	if take > maxListTake {
		take = maxListTake
	}
	end := len(ids)
	if prev != 0 {
		end, _ = slices.BinarySearch(ids, prev)
	}
	out := make([]uint32, 0, min(take, end))
	for i := end - 1; i >= 0 && len(out) < take; i-- {
		out = append(out, ids[i])
	}
	return out
}
