package store

import (
	"context"
	"fmt"
	"hash/crc32"

	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/kv"
	"golang.org/x/crypto/sha3"
)

const defaultContentType = "application/octet-stream"

// CreateFileInput describes a new file. Content, when set, is uploaded
// and finalized in the same call and must fit in MaxBytesPerCall.
type CreateFileInput struct {
	Parent      uint32
	Name        string
	ContentType string
	Size        uint64
	Hash        *Hash
	Custom      map[string]string
	Status      Status
	Content     []byte
	CRC32       *uint32
}

// CreateFile adds a file under parent and returns its id.
func (s *Store) CreateFile(ctx context.Context, in CreateFileInput) (uint32, error) {
	if err := ValidateName(in.Name); err != nil {
		return 0, err
	}
	limits := s.Limits()
	if in.Size > limits.MaxFileSize {
		return 0, preconditionf("declared size %d exceeds limit %d", in.Size, limits.MaxFileSize)
	}
	if err := validateCustom(in.Custom, limits.MaxCustomDataSize); err != nil {
		return 0, err
	}
	if !in.Status.Valid() {
		return 0, preconditionf("invalid status %d", in.Status)
	}
	if in.Content == nil && in.Status != StatusReadWrite {
		return 0, preconditionf("a file without content must be created read-write")
	}
	if in.Content != nil {
		if len(in.Content) > MaxBytesPerCall {
			return 0, preconditionf("inline content is %d bytes, limit %d", len(in.Content), MaxBytesPerCall)
		}
		if in.Size > 0 && uint64(len(in.Content)) != in.Size {
			return 0, preconditionf("content is %d bytes, declared size %d", len(in.Content), in.Size)
		}
		if in.CRC32 != nil && crc32.ChecksumIEEE(in.Content) != *in.CRC32 {
			return 0, preconditionf("content crc32 mismatch")
		}
	}
	if in.ContentType == "" {
		in.ContentType = defaultContentType
	}
	if in.Hash != nil && in.Hash.IsZero() {
		in.Hash = nil
	}

	var id uint32
	err := s.update(ctx, func(txn kv.Txn, c *counters) error {
		p, err := getFolder(txn, in.Parent)
		if err != nil {
			return fmt.Errorf("%w: parent folder %d does not exist", errs.ErrInvalidPath, in.Parent)
		}
		if p.Status != StatusReadWrite {
			return preconditionf("parent folder %d is %s", in.Parent, p.Status)
		}
		if err := checkChildLimit(p, limits, errs.ErrInvalidPath); err != nil {
			return err
		}
		if err := checkSiblingName(txn, p, in.Name, limits, 0, 0); err != nil {
			return err
		}
		if limits.EnableHashIndex && in.Hash != nil {
			existing, ok, err := lookupHash(txn, *in.Hash)
			if err != nil {
				return err
			}
			if ok {
				return &HashConflictError{Hash: *in.Hash, ExistingID: existing}
			}
		}

		c.LastFileID++
		c.Files++
		id = c.LastFileID
		now := s.now()
		f := &File{
			ID:          id,
			Parent:      in.Parent,
			Name:        in.Name,
			ContentType: in.ContentType,
			Size:        in.Size,
			Hash:        in.Hash,
			Custom:      in.Custom,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		p.Files = insertID(p.Files, id)
		p.UpdatedAt = now
		if err := putFolder(txn, p); err != nil {
			return err
		}

		if in.Content != nil {
			for i := 0; i*ChunkSize < len(in.Content); i++ {
				end := min((i+1)*ChunkSize, len(in.Content))
				if _, err := s.writeChunk(txn, c, f, uint32(i), in.Content[i*ChunkSize:end], limits); err != nil {
					return err
				}
			}
			if err := s.finalize(txn, f, nil, limits); err != nil {
				return err
			}
			f.Status = in.Status
		}
		return putFile(txn, f)
	})
	return id, err
}

// WriteChunk stores chunk index of file id and returns the new filled
// byte count. Index must be an existing chunk (overwrite) or the next
// one. Rewriting a chunk with identical bytes changes nothing.
func (s *Store) WriteChunk(ctx context.Context, id, index uint32, data []byte, crc *uint32) (uint64, error) {
	if len(data) == 0 {
		return 0, preconditionf("empty chunk")
	}
	if len(data) > ChunkSize {
		return 0, preconditionf("chunk is %d bytes, limit %d", len(data), ChunkSize)
	}
	if crc != nil && crc32.ChecksumIEEE(data) != *crc {
		return 0, preconditionf("chunk %d crc32 mismatch", index)
	}
	limits := s.Limits()

	var filled uint64
	err := s.update(ctx, func(txn kv.Txn, c *counters) error {
		f, err := getFile(txn, id)
		if err != nil {
			return err
		}
		changed, err := s.writeChunk(txn, c, f, index, data, limits)
		if err != nil {
			return err
		}
		filled = f.Filled
		if !changed {
			return nil
		}
		return putFile(txn, f)
	})
	return filled, err
}

// writeChunk applies one chunk write to f. It reports false when the
// chunk was already stored with identical bytes.
func (s *Store) writeChunk(txn kv.Txn, c *counters, f *File, index uint32, data []byte, limits Limits) (bool, error) {
	if f.Status != StatusReadWrite {
		return false, preconditionf("file %d is %s", f.ID, f.Status)
	}
	if len(data) == 0 || len(data) > ChunkSize {
		return false, preconditionf("chunk is %d bytes, want 1..%d", len(data), ChunkSize)
	}
	if index > f.Chunks {
		return false, preconditionf("chunk %d is out of order, next expected %d", index, f.Chunks)
	}

	filled := f.Filled + uint64(len(data))
	if index < f.Chunks {
		same, err := s.chunks.same(txn, f.ID, index, data)
		if err != nil {
			return false, err
		}
		if same {
			return false, nil
		}
		if index < f.Chunks-1 && len(data) != ChunkSize {
			return false, preconditionf("chunk %d is not the last chunk and must be %d bytes", index, ChunkSize)
		}
		old, err := s.chunks.length(txn, f.ID, index)
		if err != nil {
			return false, err
		}
		filled -= uint64(old)
	} else if index > 0 {
		prev, err := s.chunks.length(txn, f.ID, index-1)
		if err != nil {
			return false, err
		}
		if prev != ChunkSize {
			return false, preconditionf("chunk %d is %d bytes, only the last chunk may be short", index-1, prev)
		}
	}

	if f.Size > 0 && filled > f.Size {
		return false, preconditionf("file %d would hold %d bytes, declared size %d", f.ID, filled, f.Size)
	}
	if filled > limits.MaxFileSize {
		return false, preconditionf("file %d would hold %d bytes, limit %d", f.ID, filled, limits.MaxFileSize)
	}

	if err := s.chunks.put(txn, f.ID, index, data); err != nil {
		return false, err
	}
	if f.Finalized {
		if err := s.unfinalize(txn, f); err != nil {
			return false, err
		}
	}
	c.Bytes = c.Bytes - f.Filled + filled
	f.Filled = filled
	if index == f.Chunks {
		f.Chunks++
	}
	f.UpdatedAt = s.now()
	return true, nil
}

// unfinalize drops the computed hash of a file whose content changed.
func (s *Store) unfinalize(txn kv.Txn, f *File) error {
	if f.Hash != nil {
		if err := unindexHash(txn, *f.Hash, f.ID); err != nil {
			return err
		}
	}
	f.Hash = nil
	f.Finalized = false
	return nil
}

// FinalizeFile marks an upload complete. The file must hold exactly its
// declared size. The content digest is computed and, if hash is given or
// was declared at creation, compared against it. With the hash index
// enabled a digest already owned by another file fails with a
// *HashConflictError naming that file.
func (s *Store) FinalizeFile(ctx context.Context, id uint32, hash *Hash) error {
	if hash != nil && hash.IsZero() {
		hash = nil
	}
	limits := s.Limits()
	return s.update(ctx, func(txn kv.Txn, _ *counters) error {
		f, err := getFile(txn, id)
		if err != nil {
			return err
		}
		if err := s.finalize(txn, f, hash, limits); err != nil {
			return err
		}
		return putFile(txn, f)
	})
}

func (s *Store) finalize(txn kv.Txn, f *File, want *Hash, limits Limits) error {
	if f.Status != StatusReadWrite {
		return preconditionf("file %d is %s", f.ID, f.Status)
	}
	if f.Size > 0 && f.Filled != f.Size {
		return preconditionf("file %d is not fully uploaded: %d of %d bytes", f.ID, f.Filled, f.Size)
	}

	digest, err := s.digest(txn, f)
	if err != nil {
		return err
	}
	if want == nil && !f.Finalized {
		want = f.Hash
	}
	if want != nil && *want != digest {
		return preconditionf("file %d content hash %s does not match %s", f.ID, digest, *want)
	}

	if limits.EnableHashIndex {
		existing, ok, err := lookupHash(txn, digest)
		if err != nil {
			return err
		}
		if ok && existing != f.ID {
			return &HashConflictError{Hash: digest, ExistingID: existing}
		}
		if f.Finalized && f.Hash != nil && *f.Hash != digest {
			if err := unindexHash(txn, *f.Hash, f.ID); err != nil {
				return err
			}
		}
		if err := indexHash(txn, digest, f.ID); err != nil {
			return err
		}
	}

	f.Hash = &digest
	f.Size = f.Filled
	f.Finalized = true
	f.UpdatedAt = s.now()
	return nil
}

// digest hashes every chunk in index order, checking they are
// contiguous and add up to the filled size.
func (s *Store) digest(txn kv.Txn, f *File) (Hash, error) {
	h := sha3.New256()
	var next uint32
	var total uint64
	err := s.chunks.each(txn, f.ID, func(index uint32, data []byte) error {
		if index != next {
			return corruptf("file %d chunk %d is missing", f.ID, next)
		}
		next++
		total += uint64(len(data))
		_, err := h.Write(data)
		return err
	})
	if err != nil {
		return Hash{}, err
	}
	if next != f.Chunks || total != f.Filled {
		return Hash{}, corruptf("file %d has %d chunks / %d bytes, metadata says %d / %d",
			f.ID, next, total, f.Chunks, f.Filled)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// ReadRange returns length bytes of file id starting at offset. The
// range must lie within the bytes written so far.
func (s *Store) ReadRange(ctx context.Context, id uint32, offset, length uint64) ([]byte, error) {
	var out []byte
	err := s.db.View(ctx, func(txn kv.Txn) error {
		f, err := getFile(txn, id)
		if err != nil {
			return err
		}
		out, err = s.readRange(txn, f, offset, length)
		return err
	})
	return out, err
}

func (s *Store) readRange(txn kv.Txn, f *File, offset, length uint64) ([]byte, error) {
	if offset > f.Filled || length > f.Filled-offset {
		return nil, fmt.Errorf("%w: range %d+%d is outside file %d (%d bytes)",
			errs.ErrInvalidPath, offset, length, f.ID, f.Filled)
	}
	out := make([]byte, 0, length)
	if length == 0 {
		return out, nil
	}

	end := offset + length
	first := uint32(offset / ChunkSize)
	last := uint32((end - 1) / ChunkSize)
	for i := first; i <= last; i++ {
		data, err := s.chunks.mustGet(txn, f.ID, i)
		if err != nil {
			return nil, err
		}
		start := uint64(i) * ChunkSize
		lo := uint64(0)
		if offset > start {
			lo = offset - start
		}
		hi := uint64(len(data))
		if end < start+hi {
			hi = end - start
		}
		out = append(out, data[lo:hi]...)
	}
	return out, nil
}

// ReadAll returns the whole content of a finalized file.
func (s *Store) ReadAll(ctx context.Context, id uint32) ([]byte, error) {
	var out []byte
	err := s.db.View(ctx, func(txn kv.Txn) error {
		f, err := getFile(txn, id)
		if err != nil {
			return err
		}
		if !f.Finalized {
			return preconditionf("file %d is not finalized", id)
		}
		out, err = s.readRange(txn, f, 0, f.Filled)
		return err
	})
	return out, err
}

// GetChunks returns up to take chunks starting at index, stopping before
// the total would exceed MaxBytesPerCall.
func (s *Store) GetChunks(ctx context.Context, id, index uint32, take int) ([]Chunk, error) {
	var out []Chunk
	err := s.db.View(ctx, func(txn kv.Txn) error {
		f, err := getFile(txn, id)
		if err != nil {
			return err
		}
		total := 0
		for i := index; i < f.Chunks && len(out) < take; i++ {
			data, err := s.chunks.mustGet(txn, id, i)
			if err != nil {
				return err
			}
			if total+len(data) > MaxBytesPerCall {
				break
			}
			total += len(data)
			out = append(out, Chunk{Index: i, Data: data})
		}
		return nil
	})
	return out, err
}

// GetFile returns a file's metadata.
func (s *Store) GetFile(ctx context.Context, id uint32) (*File, error) {
	var f *File
	err := s.db.View(ctx, func(txn kv.Txn) error {
		var err error
		f, err = getFile(txn, id)
		return err
	})
	return f, err
}

// FileAncestors returns the folders containing file id, nearest first,
// ending with the root.
func (s *Store) FileAncestors(ctx context.Context, id uint32) ([]FolderName, error) {
	var out []FolderName
	err := s.db.View(ctx, func(txn kv.Txn) error {
		f, err := getFile(txn, id)
		if err != nil {
			return err
		}
		out, err = ancestors(txn, f.Parent)
		return err
	})
	return out, err
}

// ListFiles pages through the files of parent, highest id first.
func (s *Store) ListFiles(ctx context.Context, parent, prev uint32, take int) ([]*File, error) {
	var out []*File
	err := s.db.View(ctx, func(txn kv.Txn) error {
		p, err := getFolder(txn, parent)
		if err != nil {
			return err
		}
		for _, id := range page(p.Files, prev, take) {
			f, err := getFile(txn, id)
			if err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	return out, err
}

// MoveFile moves file id from folder `from` to folder `to`.
func (s *Store) MoveFile(ctx context.Context, id, from, to uint32) error {
	if from == to {
		return preconditionf("file %d is already in folder %d", id, to)
	}
	limits := s.Limits()

	return s.update(ctx, func(txn kv.Txn, _ *counters) error {
		f, err := getFile(txn, id)
		if err != nil {
			return err
		}
		src, err := getFolder(txn, from)
		if err != nil {
			return err
		}
		dst, err := getFolder(txn, to)
		if err != nil {
			return err
		}
		if f.Parent != from || !containsID(src.Files, id) {
			return preconditionf("file %d is not in folder %d", id, from)
		}
		if f.Status != StatusReadWrite {
			return preconditionf("file %d is %s", id, f.Status)
		}
		for _, x := range []*Folder{src, dst} {
			if x.Status != StatusReadWrite {
				return preconditionf("folder %d is %s", x.ID, x.Status)
			}
		}
		if err := checkChildLimit(dst, limits, errs.ErrPrecondition); err != nil {
			return err
		}
		if err := checkSiblingName(txn, dst, f.Name, limits, 0, 0); err != nil {
			return err
		}

		now := s.now()
		src.Files = removeID(src.Files, id)
		src.UpdatedAt = now
		dst.Files = insertID(dst.Files, id)
		dst.UpdatedAt = now
		f.Parent = to
		f.UpdatedAt = now
		if err := putFolder(txn, src); err != nil {
			return err
		}
		if err := putFolder(txn, dst); err != nil {
			return err
		}
		return putFile(txn, f)
	})
}

// DeleteFile removes a file with all its chunks and its hash index entry.
func (s *Store) DeleteFile(ctx context.Context, id uint32) error {
	return s.update(ctx, func(txn kv.Txn, c *counters) error {
		f, err := getFile(txn, id)
		if err != nil {
			return err
		}
		p, err := getFolder(txn, f.Parent)
		if err != nil {
			return err
		}
		if err := s.removeFile(txn, c, f); err != nil {
			return err
		}
		p.Files = removeID(p.Files, id)
		p.UpdatedAt = s.now()
		return putFolder(txn, p)
	})
}

// BatchDeleteSubfiles deletes the listed files of parent and returns the
// ids actually deleted. Ids that are not files of parent are skipped.
func (s *Store) BatchDeleteSubfiles(ctx context.Context, parent uint32, ids []uint32) ([]uint32, error) {
	var deleted []uint32
	err := s.update(ctx, func(txn kv.Txn, c *counters) error {
		p, err := getFolder(txn, parent)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if !containsID(p.Files, id) {
				continue
			}
			f, err := getFile(txn, id)
			if err != nil {
				return err
			}
			if err := s.removeFile(txn, c, f); err != nil {
				return err
			}
			p.Files = removeID(p.Files, id)
			deleted = append(deleted, id)
		}
		if len(deleted) == 0 {
			return nil
		}
		p.UpdatedAt = s.now()
		return putFolder(txn, p)
	})
	return deleted, err
}

// removeFile deletes a file's chunks, index entry and metadata. The
// caller detaches it from its parent.
func (s *Store) removeFile(txn kv.Txn, c *counters, f *File) error {
	if err := s.releaseChunks(txn, f.ID); err != nil {
		return err
	}
	if f.Hash != nil {
		if err := unindexHash(txn, *f.Hash, f.ID); err != nil {
			return err
		}
	}
	if err := txn.Delete(fileKey(f.ID)); err != nil {
		return err
	}
	c.Files--
	c.Bytes -= f.Filled
	return nil
}

// UpdateFileInput lists the file fields to change; nil fields are left
// as they are. A non-nil Custom replaces the whole map.
type UpdateFileInput struct {
	ID          uint32
	Name        *string
	ContentType *string
	Status      *Status
	Size        *uint64
	Hash        *Hash
	Custom      map[string]string
}

// UpdateFile changes file metadata. A read-only file must be made
// writable (or archived) before anything else changes; only a finalized
// file can become read-only. Shrinking Size below the bytes already
// written discards the content so it can be uploaded again; growing it
// past them reopens a finalized upload. A Size of 0 sets the size to
// the bytes written.
func (s *Store) UpdateFile(ctx context.Context, in UpdateFileInput) error {
	if in.Name != nil {
		if err := ValidateName(*in.Name); err != nil {
			return err
		}
	}
	if in.Status != nil && !in.Status.Valid() {
		return preconditionf("invalid status %d", *in.Status)
	}
	limits := s.Limits()
	if in.Size != nil && *in.Size > limits.MaxFileSize {
		return preconditionf("declared size %d exceeds limit %d", *in.Size, limits.MaxFileSize)
	}
	if err := validateCustom(in.Custom, limits.MaxCustomDataSize); err != nil {
		return err
	}

	return s.update(ctx, func(txn kv.Txn, c *counters) error {
		f, err := getFile(txn, in.ID)
		if err != nil {
			return err
		}
		status := f.Status
		if in.Status != nil {
			status = *in.Status
		}
		if f.Status == StatusReadOnly && status == StatusReadOnly {
			return preconditionf("file %d is read-only", f.ID)
		}

		if in.Size != nil && *in.Size != f.Size {
			if f.Status != StatusReadWrite {
				return preconditionf("file %d is %s", f.ID, f.Status)
			}
			size := *in.Size
			if size == 0 {
				size = f.Filled
			}
			switch {
			case size < f.Filled:
				if err := s.releaseChunks(txn, f.ID); err != nil {
					return err
				}
				if err := s.unfinalize(txn, f); err != nil {
					return err
				}
				c.Bytes -= f.Filled
				f.Filled = 0
				f.Chunks = 0
			case size > f.Filled && f.Finalized:
				if err := s.unfinalize(txn, f); err != nil {
					return err
				}
			}
			f.Size = size
		}

		if in.Hash != nil && !in.Hash.IsZero() {
			if f.Finalized {
				if *f.Hash != *in.Hash {
					return preconditionf("file %d content hash is %s", f.ID, *f.Hash)
				}
			} else {
				h := *in.Hash
				f.Hash = &h
			}
		}

		if status == StatusReadOnly && !f.Finalized {
			return preconditionf("file %d must be finalized before it becomes read-only", f.ID)
		}

		if in.Name != nil && *in.Name != f.Name {
			p, err := getFolder(txn, f.Parent)
			if err != nil {
				return err
			}
			if err := checkSiblingName(txn, p, *in.Name, limits, f.ID, 0); err != nil {
				return err
			}
			f.Name = *in.Name
		}
		if in.ContentType != nil {
			f.ContentType = *in.ContentType
		}
		if in.Custom != nil {
			f.Custom = in.Custom
		}
		f.Status = status
		f.UpdatedAt = s.now()
		return putFile(txn, f)
	})
}
