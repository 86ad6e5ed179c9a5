package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/policy"
	"github.com/ossbucket/ossbucket/internal/store"
)

// CreateFolder creates a folder named name under parent.
func (s *Service) CreateFolder(ctx context.Context, c Caller, parent uint32, name string) (id uint32, err error) {
	defer s.observeWrite(ctx, "create_folder", c, time.Now(), &err)

	p, folders, err := s.parentTarget(ctx, parent)
	if err != nil {
		return 0, err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFolder, policy.OpWrite, parent, p.Status == store.StatusArchived,
		func(ps policy.Policies) bool { return ps.CanCreateFolder(bucket, folders) })
	if err != nil {
		return 0, err
	}
	if err := s.writable(); err != nil {
		return 0, err
	}
	return s.store.CreateFolder(ctx, parent, name)
}

// GetFolder returns folder id.
func (s *Service) GetFolder(ctx context.Context, c Caller, id uint32) (f *store.Folder, err error) {
	defer s.observe("get_folder", c, time.Now(), &err)

	f, folders, err := s.folderTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeFolderRead(c, f, folders); err != nil {
		return nil, err
	}
	return f, nil
}

// FolderAncestors returns the folders above id, nearest first.
func (s *Service) FolderAncestors(ctx context.Context, c Caller, id uint32) (out []store.FolderName, err error) {
	defer s.observe("folder_ancestors", c, time.Now(), &err)

	f, folders, err := s.folderTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeFolderRead(c, f, folders); err != nil {
		return nil, err
	}
	return s.store.FolderAncestors(ctx, id)
}

func (s *Service) authorizeFolderRead(c Caller, f *store.Folder, folders []uint32) error {
	bucket := s.Name()
	return s.authorize(c, policy.ResourceFolder, policy.OpRead, f.ID, f.Status == store.StatusArchived,
		func(ps policy.Policies) bool { return ps.CanReadFolder(bucket, folders) })
}

// ListFolders pages through the subfolders of parent, highest id first.
func (s *Service) ListFolders(ctx context.Context, c Caller, parent, prev uint32, take int) (out []*store.Folder, err error) {
	defer s.observe("list_folders", c, time.Now(), &err)

	p, folders, err := s.folderTarget(ctx, parent)
	if err != nil {
		return nil, err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFolder, policy.OpList, parent, p.Status == store.StatusArchived,
		func(ps policy.Policies) bool { return ps.CanListFolders(bucket, folders) })
	if err != nil {
		return nil, err
	}
	return s.store.ListFolders(ctx, parent, prev, take)
}

// MoveFolder moves folder id from `from` into `to`. The caller needs
// write access to the folder and to the destination.
func (s *Service) MoveFolder(ctx context.Context, c Caller, id, from, to uint32) (err error) {
	defer s.observeWrite(ctx, "move_folder", c, time.Now(), &err)

	f, folders, err := s.folderTarget(ctx, id)
	if err != nil {
		return err
	}
	dest, err := s.chain(ctx, to)
	if err != nil {
		return err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFolder, policy.OpWrite, id, f.Status == store.StatusArchived,
		func(ps policy.Policies) bool {
			return ps.CanWriteFolder(bucket, folders) && ps.CanCreateFolder(bucket, dest)
		})
	if err != nil {
		return err
	}
	if err := s.writable(); err != nil {
		return err
	}
	return s.store.MoveFolder(ctx, id, from, to)
}

// UpdateFolder renames a folder or changes its status.
func (s *Service) UpdateFolder(ctx context.Context, c Caller, in store.UpdateFolderInput) (err error) {
	defer s.observeWrite(ctx, "update_folder", c, time.Now(), &err)

	f, folders, err := s.folderTarget(ctx, in.ID)
	if err != nil {
		return err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFolder, policy.OpWrite, in.ID, f.Status == store.StatusArchived,
		func(ps policy.Policies) bool { return ps.CanWriteFolder(bucket, folders) })
	if err != nil {
		return err
	}
	if err := s.writable(); err != nil {
		return err
	}
	return s.store.UpdateFolder(ctx, in)
}

// DeleteFolder deletes folder id, and with recursive set everything
// below it. Only managers may delete a folder that is not read-write.
func (s *Service) DeleteFolder(ctx context.Context, c Caller, id uint32, recursive bool) (err error) {
	defer s.observeWrite(ctx, "delete_folder", c, time.Now(), &err)

	f, folders, err := s.folderTarget(ctx, id)
	if err != nil {
		return err
	}
	bucket := s.Name()
	err = s.authorize(c, policy.ResourceFolder, policy.OpDelete, id, f.Status == store.StatusArchived,
		func(ps policy.Policies) bool { return ps.CanDeleteFolder(bucket, folders) })
	if err != nil {
		return err
	}
	if err := s.writable(); err != nil {
		return err
	}
	if f.Status != store.StatusReadWrite && !s.isManager(c.ID) {
		return fmt.Errorf("%w: folder %d is %s", errs.ErrPrecondition, id, f.Status)
	}
	return s.store.DeleteFolder(ctx, id, recursive)
}
