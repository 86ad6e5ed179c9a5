package store

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ossbucket/ossbucket/internal/codec"
	"github.com/ossbucket/ossbucket/internal/errs"
)

// ValidateName checks a file or folder name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name is empty", errs.ErrInvalidPath)
	case len(name) > MaxFileNameLen:
		return fmt.Errorf("%w: name exceeds %d bytes", errs.ErrInvalidPath, MaxFileNameLen)
	case name == "." || name == "..":
		return fmt.Errorf("%w: name %q is reserved", errs.ErrInvalidPath, name)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("%w: name %q contains '/'", errs.ErrInvalidPath, name)
	case strings.TrimFunc(name, unicode.IsSpace) != name:
		return fmt.Errorf("%w: name %q has leading or trailing whitespace", errs.ErrInvalidPath, name)
	}
	return nil
}

func validateCustom(custom map[string]string, max uint16) error {
	if len(custom) == 0 {
		return nil
	}
	data, err := codec.Marshal(custom)
	if err != nil {
		return fmt.Errorf("%w: encode custom metadata: %v", errs.ErrGeneric, err)
	}
	if len(data) > int(max) {
		return preconditionf("custom metadata is %d bytes, limit %d", len(data), max)
	}
	return nil
}
