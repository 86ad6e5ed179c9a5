// Package errs defines the error kinds shared by every bucket component.
package errs

import "errors"

// Error kinds. Components wrap these with fmt.Errorf("%w: ...") and
// callers test with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidPath      = errors.New("invalid path")
	ErrPrecondition     = errors.New("precondition failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrNotSupported     = errors.New("not supported")
	ErrGeneric          = errors.New("internal error")
)

// Kind is the classification of an error, used for metric labels and
// HTTP status mapping.
type Kind string

// Kinds, one per sentinel.
const (
	KindOK               Kind = "ok"
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindInvalidPath      Kind = "invalid_path"
	KindPrecondition     Kind = "precondition"
	KindPermissionDenied Kind = "permission_denied"
	KindUnauthenticated  Kind = "unauthenticated"
	KindNotSupported     Kind = "not_supported"
	KindGeneric          Kind = "generic"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrAlreadyExists, KindAlreadyExists},
	{ErrInvalidPath, KindInvalidPath},
	{ErrPrecondition, KindPrecondition},
	{ErrPermissionDenied, KindPermissionDenied},
	{ErrUnauthenticated, KindUnauthenticated},
	{ErrNotSupported, KindNotSupported},
}

// KindOf classifies err. A nil error is KindOK; anything that wraps no
// known sentinel is KindGeneric.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindGeneric
}
