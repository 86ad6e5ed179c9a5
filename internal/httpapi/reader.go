package httpapi

import (
	"context"
	"errors"
	"io"

	"github.com/ossbucket/ossbucket/internal/bucket"
	"github.com/ossbucket/ossbucket/internal/store"
)

// rangeReader is an io.ReadSeeker over one file, fetching content
// through ReadRange so every read is authorized like any other call.
type rangeReader struct {
	ctx    context.Context
	bucket Bucket
	caller bucket.Caller
	id     uint32
	size   int64
	off    int64

	// err is the first ReadRange failure, kept for logging since
	// ServeContent swallows it.
	err error
}

func newRangeReader(ctx context.Context, b Bucket, c bucket.Caller, id uint32, size uint64) *rangeReader {
	return &rangeReader{ctx: ctx, bucket: b, caller: c, id: id, size: int64(size)}
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.off >= r.size {
		return 0, io.EOF
	}
	n := min(int64(len(p)), r.size-r.off, store.MaxBytesPerCall)
	if n == 0 {
		return 0, nil
	}
	data, err := r.bucket.ReadRange(r.ctx, r.caller, r.id, uint64(r.off), uint64(n))
	if err != nil {
		if r.err == nil {
			r.err = err
		}
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	copy(p, data)
	r.off += int64(len(data))
	return len(data), nil
}

var errNegativeOffset = errors.New("negative offset")

func (r *rangeReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.off
	case io.SeekEnd:
		offset += r.size
	default:
		return 0, errors.New("invalid whence")
	}
	if offset < 0 {
		return 0, errNegativeOffset
	}
	r.off = offset
	return offset, nil
}
