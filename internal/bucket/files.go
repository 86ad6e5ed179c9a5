package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/policy"
	"github.com/ossbucket/ossbucket/internal/store"
)

// CreateFile creates a file; inline content is uploaded and finalized
// in the same call.
func (s *Service) CreateFile(ctx context.Context, c Caller, in store.CreateFileInput) (id uint32, err error) {
	defer s.observeWrite(ctx, "create_file", c, time.Now(), &err)

	p, folders, err := s.parentTarget(ctx, in.Parent)
	if err != nil {
		return 0, err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFile, policy.OpWrite, 0, p.Status == store.StatusArchived,
		func(ps policy.Policies) bool { return ps.CanCreateFile(bucket, folders) })
	if err != nil {
		return 0, err
	}
	if err := s.writable(); err != nil {
		return 0, err
	}
	id, err = s.store.CreateFile(ctx, in)
	if err == nil {
		s.metrics.RecordUpload(len(in.Content))
	}
	return id, err
}

// WriteChunk stores chunk index of file id and returns the bytes filled.
func (s *Service) WriteChunk(ctx context.Context, c Caller, id, index uint32, data []byte, crc *uint32) (filled uint64, err error) {
	defer s.observeWrite(ctx, "write_chunk", c, time.Now(), &err)

	if err := s.authorizeFileWrite(ctx, c, id); err != nil {
		return 0, err
	}
	filled, err = s.store.WriteChunk(ctx, id, index, data, crc)
	if err == nil {
		s.metrics.RecordUpload(len(data))
	}
	return filled, err
}

// FinalizeFile completes the upload of file id.
func (s *Service) FinalizeFile(ctx context.Context, c Caller, id uint32, hash *store.Hash) (err error) {
	defer s.observeWrite(ctx, "finalize_file", c, time.Now(), &err)

	if err := s.authorizeFileWrite(ctx, c, id); err != nil {
		return err
	}
	return s.store.FinalizeFile(ctx, id, hash)
}

// UpdateFile changes file metadata.
func (s *Service) UpdateFile(ctx context.Context, c Caller, in store.UpdateFileInput) (err error) {
	defer s.observeWrite(ctx, "update_file", c, time.Now(), &err)

	if err := s.authorizeFileWrite(ctx, c, in.ID); err != nil {
		return err
	}
	return s.store.UpdateFile(ctx, in)
}

func (s *Service) authorizeFileWrite(ctx context.Context, c Caller, id uint32) error {
	f, folders, err := s.fileTarget(ctx, id)
	if err != nil {
		return err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFile, policy.OpWrite, id, f.Status == store.StatusArchived,
		func(ps policy.Policies) bool { return ps.CanWriteFile(bucket, id, folders) })
	if err != nil {
		return err
	}
	return s.writable()
}

func (s *Service) authorizeFileRead(ctx context.Context, c Caller, id uint32) (*store.File, error) {
	f, folders, err := s.fileTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFile, policy.OpRead, id, f.Status == store.StatusArchived,
		func(ps policy.Policies) bool { return ps.CanReadFile(bucket, id, folders) })
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ReadRange returns length bytes of file id starting at offset.
func (s *Service) ReadRange(ctx context.Context, c Caller, id uint32, offset, length uint64) (data []byte, err error) {
	defer s.observe("read_range", c, time.Now(), &err)

	if _, err := s.authorizeFileRead(ctx, c, id); err != nil {
		return nil, err
	}
	data, err = s.store.ReadRange(ctx, id, offset, length)
	if err == nil {
		s.metrics.RecordDownload(len(data))
	}
	return data, err
}

// ReadAll returns the whole content of a complete file.
func (s *Service) ReadAll(ctx context.Context, c Caller, id uint32) (data []byte, err error) {
	defer s.observe("read_all", c, time.Now(), &err)

	if _, err := s.authorizeFileRead(ctx, c, id); err != nil {
		return nil, err
	}
	data, err = s.store.ReadAll(ctx, id)
	if err == nil {
		s.metrics.RecordDownload(len(data))
	}
	return data, err
}

// GetChunks returns up to take chunks of file id from index on.
func (s *Service) GetChunks(ctx context.Context, c Caller, id, index uint32, take int) (chunks []store.Chunk, err error) {
	defer s.observe("get_chunks", c, time.Now(), &err)

	if _, err := s.authorizeFileRead(ctx, c, id); err != nil {
		return nil, err
	}
	chunks, err = s.store.GetChunks(ctx, id, index, take)
	if err == nil {
		n := 0
		for _, ch := range chunks {
			n += len(ch.Data)
		}
		s.metrics.RecordDownload(n)
	}
	return chunks, err
}

// GetFile returns the metadata of file id.
func (s *Service) GetFile(ctx context.Context, c Caller, id uint32) (f *store.File, err error) {
	defer s.observe("get_file", c, time.Now(), &err)
	return s.authorizeFileRead(ctx, c, id)
}

// GetFileByHash looks a file up by content hash.
func (s *Service) GetFileByHash(ctx context.Context, c Caller, h store.Hash) (f *store.File, err error) {
	defer s.observe("get_file_by_hash", c, time.Now(), &err)

	f, err = s.store.GetFileByHash(ctx, h)
	if err != nil {
		return nil, err
	}
	return s.authorizeFileRead(ctx, c, f.ID)
}

// FileAncestors returns the folders containing file id, nearest first.
func (s *Service) FileAncestors(ctx context.Context, c Caller, id uint32) (out []store.FolderName, err error) {
	defer s.observe("file_ancestors", c, time.Now(), &err)

	if _, err := s.authorizeFileRead(ctx, c, id); err != nil {
		return nil, err
	}
	return s.store.FileAncestors(ctx, id)
}

// ListFiles pages through the files of parent, highest id first.
func (s *Service) ListFiles(ctx context.Context, c Caller, parent, prev uint32, take int) (out []*store.File, err error) {
	defer s.observe("list_files", c, time.Now(), &err)

	p, folders, err := s.folderTarget(ctx, parent)
	if err != nil {
		return nil, err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFile, policy.OpList, parent, p.Status == store.StatusArchived,
		func(ps policy.Policies) bool { return ps.CanListFiles(bucket, folders) })
	if err != nil {
		return nil, err
	}
	return s.store.ListFiles(ctx, parent, prev, take)
}

// MoveFile moves file id from folder `from` to folder `to`. The caller
// needs write access to the file and may create files in the destination.
func (s *Service) MoveFile(ctx context.Context, c Caller, id, from, to uint32) (err error) {
	defer s.observeWrite(ctx, "move_file", c, time.Now(), &err)

	f, folders, err := s.fileTarget(ctx, id)
	if err != nil {
		return err
	}
	dest, err := s.chain(ctx, to)
	if err != nil {
		return err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFile, policy.OpWrite, id, f.Status == store.StatusArchived,
		func(ps policy.Policies) bool {
			return ps.CanWriteFile(bucket, id, folders) && ps.CanCreateFile(bucket, dest)
		})
	if err != nil {
		return err
	}
	if err := s.writable(); err != nil {
		return err
	}
	return s.store.MoveFile(ctx, id, from, to)
}

// DeleteFile deletes file id. Only managers may delete a file that is
// not read-write.
func (s *Service) DeleteFile(ctx context.Context, c Caller, id uint32) (err error) {
	defer s.observeWrite(ctx, "delete_file", c, time.Now(), &err)

	f, folders, err := s.fileTarget(ctx, id)
	if err != nil {
		return err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFile, policy.OpDelete, id, f.Status == store.StatusArchived,
		func(ps policy.Policies) bool { return ps.CanDeleteFile(bucket, id, folders) })
	if err != nil {
		return err
	}
	if err := s.writable(); err != nil {
		return err
	}
	if f.Status != store.StatusReadWrite && !s.isManager(c.ID) {
		return fmt.Errorf("%w: file %d is %s", errs.ErrPrecondition, id, f.Status)
	}
	return s.store.DeleteFile(ctx, id)
}

// BatchDeleteSubfiles deletes the listed files of parent and returns the
// ids deleted. Files that are not read-write are skipped unless the
// caller is a manager.
func (s *Service) BatchDeleteSubfiles(ctx context.Context, c Caller, parent uint32, ids []uint32) (deleted []uint32, err error) {
	defer s.observeWrite(ctx, "batch_delete_subfiles", c, time.Now(), &err)

	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no file ids", errs.ErrPrecondition)
	}
	p, folders, err := s.folderTarget(ctx, parent)
	if err != nil {
		return nil, err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFile, policy.OpDelete, parent, p.Status == store.StatusArchived,
		func(ps policy.Policies) bool { return ps.CanDeleteFile(bucket, 0, folders) })
	if err != nil {
		return nil, err
	}
	if err := s.writable(); err != nil {
		return nil, err
	}

	if !s.isManager(c.ID) {
		keep := ids[:0:0]
		for _, id := range ids {
			f, err := s.store.GetFile(ctx, id)
			if err != nil || f.Status != store.StatusReadWrite {
				continue
			}
			keep = append(keep, id)
		}
		ids = keep
	}
	return s.store.BatchDeleteSubfiles(ctx, parent, ids)
}
