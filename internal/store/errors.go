package store

import (
	"fmt"

	"github.com/ossbucket/ossbucket/internal/errs"
)

// HashConflictError is returned when content hashes to a digest already
// indexed for another file. It matches errs.ErrAlreadyExists.
type HashConflictError struct {
	Hash       Hash
	ExistingID uint32
}

func (e *HashConflictError) Error() string {
	return fmt.Sprintf("%s: hash %s is already used by file %d", errs.ErrAlreadyExists, e.Hash, e.ExistingID)
}

func (e *HashConflictError) Unwrap() error {
	return errs.ErrAlreadyExists
}

func errFileNotFound(id uint32) error {
	return fmt.Errorf("%w: file %d", errs.ErrNotFound, id)
}

func errFolderNotFound(id uint32) error {
	return fmt.Errorf("%w: folder %d", errs.ErrNotFound, id)
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrPrecondition, fmt.Sprintf(format, args...))
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrGeneric, fmt.Sprintf(format, args...))
}
