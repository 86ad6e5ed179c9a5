package store

import (
	"context"
	"fmt"

	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/kv"
)

// CreateFolder adds a folder under parent and returns its id.
func (s *Store) CreateFolder(ctx context.Context, parent uint32, name string) (uint32, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	limits := s.Limits()

	var id uint32
	err := s.update(ctx, func(txn kv.Txn, c *counters) error {
		p, err := getFolder(txn, parent)
		if err != nil {
			return fmt.Errorf("%w: parent folder %d does not exist", errs.ErrInvalidPath, parent)
		}
		if p.Status != StatusReadWrite {
			return preconditionf("parent folder %d is %s", parent, p.Status)
		}
		depth, err := folderDepth(txn, parent)
		if err != nil {
			return err
		}
		if depth+1 > int(limits.MaxFolderDepth) {
			return fmt.Errorf("%w: folder depth exceeds limit %d", errs.ErrInvalidPath, limits.MaxFolderDepth)
		}
		if err := checkChildLimit(p, limits, errs.ErrInvalidPath); err != nil {
			return err
		}
		if err := checkSiblingName(txn, p, name, limits, 0, 0); err != nil {
			return err
		}

		c.LastFolderID++
		c.Folders++
		id = c.LastFolderID
		now := s.now()
		f := &Folder{
			ID:        id,
			Parent:    parent,
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		p.Folders = insertID(p.Folders, id)
		p.UpdatedAt = now
		if err := putFolder(txn, f); err != nil {
			return err
		}
		return putFolder(txn, p)
	})
	return id, err
}

// GetFolder returns a folder's metadata.
func (s *Store) GetFolder(ctx context.Context, id uint32) (*Folder, error) {
	var f *Folder
	err := s.db.View(ctx, func(txn kv.Txn) error {
		var err error
		f, err = getFolder(txn, id)
		return err
	})
	return f, err
}

// FolderAncestors returns the folders above id, nearest first, ending
// with the root. The root itself has no ancestors.
func (s *Store) FolderAncestors(ctx context.Context, id uint32) ([]FolderName, error) {
	var out []FolderName
	err := s.db.View(ctx, func(txn kv.Txn) error {
		f, err := getFolder(txn, id)
		if err != nil {
			return err
		}
		if f.ID == RootFolderID {
			return nil
		}
		out, err = ancestors(txn, f.Parent)
		return err
	})
	return out, err
}

// ListFolders pages through the subfolders of parent, highest id first.
func (s *Store) ListFolders(ctx context.Context, parent, prev uint32, take int) ([]*Folder, error) {
	var out []*Folder
	err := s.db.View(ctx, func(txn kv.Txn) error {
		p, err := getFolder(txn, parent)
		if err != nil {
			return err
		}
		for _, id := range page(p.Folders, prev, take) {
			f, err := getFolder(txn, id)
			if err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	return out, err
}

// MoveFolder moves folder id from its parent `from` to `to`. The move is
// rejected if `from` is not the current parent, if `to` is id or one of
// its descendants, or if a depth or child limit would be exceeded.
func (s *Store) MoveFolder(ctx context.Context, id, from, to uint32) error {
	if id == RootFolderID {
		return preconditionf("the root folder cannot be moved")
	}
	if from == to {
		return preconditionf("folder %d is already in folder %d", id, to)
	}
	limits := s.Limits()

	return s.update(ctx, func(txn kv.Txn, _ *counters) error {
		f, err := getFolder(txn, id)
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
		if f.Parent != from || !containsID(src.Folders, id) {
			return preconditionf("folder %d is not in folder %d", id, from)
		}
		for _, x := range []*Folder{f, src, dst} {
			if x.Status != StatusReadWrite {
				return preconditionf("folder %d is %s", x.ID, x.Status)
			}
		}

		if to == id {
			return preconditionf("folder %d cannot be moved into itself", id)
		}
		above, err := ancestors(txn, dst.Parent)
		if err != nil {
			return err
		}
		if dst.ID != RootFolderID {
			above = append([]FolderName{{ID: dst.ID, Name: dst.Name}}, above...)
		}
		for _, a := range above {
			if a.ID == id {
				return preconditionf("folder %d cannot be moved into its descendant %d", id, to)
			}
		}

		height, err := subtreeHeight(txn, f, limits)
		if err != nil {
			return err
		}
		if len(above)+height > int(limits.MaxFolderDepth) {
			return preconditionf("moving folder %d into %d exceeds depth limit %d", id, to, limits.MaxFolderDepth)
		}
		if err := checkChildLimit(dst, limits, errs.ErrPrecondition); err != nil {
			return err
		}
		if err := checkSiblingName(txn, dst, f.Name, limits, 0, 0); err != nil {
			return err
		}

		now := s.now()
		src.Folders = removeID(src.Folders, id)
		src.UpdatedAt = now
		dst.Folders = insertID(dst.Folders, id)
		dst.UpdatedAt = now
		f.Parent = to
		f.UpdatedAt = now
		for _, x := range []*Folder{f, src, dst} {
			if err := putFolder(txn, x); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateFolderInput lists the folder fields to change; nil fields are
// left as they are.
type UpdateFolderInput struct {
	ID     uint32
	Name   *string
	Status *Status
}

// UpdateFolder renames a folder or changes its status. A read-only
// folder must be made writable (or archived) before anything else about
// it changes.
func (s *Store) UpdateFolder(ctx context.Context, in UpdateFolderInput) error {
	if in.Name != nil {
		if in.ID == RootFolderID {
			return preconditionf("the root folder cannot be renamed")
		}
		if err := ValidateName(*in.Name); err != nil {
			return err
		}
	}
	if in.Status != nil && !in.Status.Valid() {
		return preconditionf("invalid status %d", *in.Status)
	}
	limits := s.Limits()

	return s.update(ctx, func(txn kv.Txn, _ *counters) error {
		f, err := getFolder(txn, in.ID)
		if err != nil {
			return err
		}
		status := f.Status
		if in.Status != nil {
			status = *in.Status
		}
		if f.Status == StatusReadOnly && status == StatusReadOnly {
			return preconditionf("folder %d is read-only", f.ID)
		}
		if in.Name != nil && *in.Name != f.Name {
			p, err := getFolder(txn, f.Parent)
			if err != nil {
				return err
			}
			if err := checkSiblingName(txn, p, *in.Name, limits, 0, f.ID); err != nil {
				return err
			}
			f.Name = *in.Name
		}
		f.Status = status
		f.UpdatedAt = s.now()
		return putFolder(txn, f)
	})
}

// DeleteFolder removes a folder. A non-empty folder is only removed when
// recursive is set, in which case every descendant folder and file
// goes with it in the same transaction. Their chunks are swept after.
func (s *Store) DeleteFolder(ctx context.Context, id uint32, recursive bool) error {
	if id == RootFolderID {
		return preconditionf("the root folder cannot be deleted")
	}

	return s.update(ctx, func(txn kv.Txn, c *counters) error {
		f, err := getFolder(txn, id)
		if err != nil {
			return err
		}
		if f.ChildCount() > 0 && !recursive {
			return preconditionf("folder %d is not empty", id)
		}

		subtree, err := collectSubtree(txn, f)
		if err != nil {
			return err
		}
		for _, sub := range subtree {
			for _, fid := range sub.Files {
				file, err := getFile(txn, fid)
				if err != nil {
					return err
				}
				if err := s.removeFile(txn, c, file); err != nil {
					return err
				}
			}
			if err := txn.Delete(folderKey(sub.ID)); err != nil {
				return err
			}
			c.Folders--
		}

		p, err := getFolder(txn, f.Parent)
		if err != nil {
			return err
		}
		p.Folders = removeID(p.Folders, id)
		p.UpdatedAt = s.now()
		return putFolder(txn, p)
	})
}

// folderDepth is the number of edges between id and the root.
func folderDepth(txn kv.Txn, id uint32) (int, error) {
	if id == RootFolderID {
		return 0, nil
	}
	f, err := getFolder(txn, id)
	if err != nil {
		return 0, err
	}
	above, err := ancestors(txn, f.Parent)
	if err != nil {
		return 0, err
	}
	return len(above), nil
}

// maxTreeWalk bounds parent walks so a corrupted parent chain cannot loop.
const maxTreeWalk = 256

// ancestors walks from start (inclusive) up to the root (inclusive).
func ancestors(txn kv.Txn, start uint32) ([]FolderName, error) {
	var out []FolderName
	id := start
	for {
		f, err := getFolder(txn, id)
		if err != nil {
			return nil, err
		}
		out = append(out, FolderName{ID: f.ID, Name: f.Name})
		if f.ID == RootFolderID {
			return out, nil
		}
		if len(out) > maxTreeWalk {
			return nil, corruptf("folder %d has no path to the root", start)
		}
		id = f.Parent
	}
}

// collectSubtree returns f and every folder below it, parents first.
func collectSubtree(txn kv.Txn, f *Folder) ([]*Folder, error) {
	out := []*Folder{f}
	for i := 0; i < len(out); i++ {
		for _, cid := range out[i].Folders {
			child, err := getFolder(txn, cid)
			if err != nil {
				return nil, err
			}
			out = append(out, child)
		}
		if i > 1<<20 {
			return nil, corruptf("folder %d subtree does not terminate", f.ID)
		}
	}
	return out, nil
}

// subtreeHeight is the depth of the deepest folder below f, 0 for a leaf.
func subtreeHeight(txn kv.Txn, f *Folder, limits Limits) (int, error) {
	height := 0
	level := []*Folder{f}
	for len(level) > 0 {
		var next []*Folder
		for _, x := range level {
			for _, cid := range x.Folders {
				child, err := getFolder(txn, cid)
				if err != nil {
					return 0, err
				}
				next = append(next, child)
			}
		}
		if len(next) == 0 {
			break
		}
		height++
		if height > int(limits.MaxFolderDepth) {
			break
		}
		level = next
	}
	return height, nil
}

// checkChildLimit rejects adding a child to a full folder. The root is
// not limited.
func checkChildLimit(p *Folder, limits Limits, kind error) error {
	if p.ID == RootFolderID || limits.MaxChildren == 0 {
		return nil
	}
	if p.ChildCount() >= int(limits.MaxChildren) {
		return fmt.Errorf("%w: folder %d already has %d children", kind, p.ID, p.ChildCount())
	}
	return nil
}

// checkSiblingName rejects a name already used by a child of p, other
// than the file or folder being renamed.
func checkSiblingName(txn kv.Txn, p *Folder, name string, limits Limits, selfFile, selfFolder uint32) error {
	if !limits.UniqueNames {
		return nil
	}
	for _, id := range p.Files {
		if id == selfFile {
			continue
		}
		f, err := getFile(txn, id)
		if err != nil {
			return err
		}
		if f.Name == name {
			return fmt.Errorf("%w: %q is taken by file %d in folder %d", errs.ErrAlreadyExists, name, id, p.ID)
		}
	}
	for _, id := range p.Folders {
		if id == selfFolder {
			continue
		}
		f, err := getFolder(txn, id)
		if err != nil {
			return err
		}
		if f.Name == name {
			return fmt.Errorf("%w: %q is taken by folder %d in folder %d", errs.ErrAlreadyExists, name, id, p.ID)
		}
	}
	return nil
}
