package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"hash/crc32"
	"testing"
	"time"

	"github.com/ossbucket/ossbucket/internal/clock"
	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
)

func newTestStore(t *testing.T, mutate ...func(*Limits)) *Store {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	limits := DefaultLimits()
	for _, m := range mutate {
		m(&limits)
	}
	s, err := New(context.Background(), db, limits, clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	return s
}

func withHashIndex(l *Limits) { l.EnableHashIndex = true }

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func sha3Sum(b []byte) Hash {
	return Hash(sha3.Sum256(b))
}

func TestNewCreatesRoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root, err := s.GetFolder(ctx, RootFolderID)
	require.NoError(t, err)
	assert.Equal(t, "root", root.Name)
	assert.Empty(t, root.Files)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Folders)
	assert.Equal(t, uint64(0), st.Files)
}

func TestNewIsIdempotent(t *testing.T) {
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	s, err := New(ctx, db, DefaultLimits(), nil)
	require.NoError(t, err)
	_, err = s.CreateFolder(ctx, RootFolderID, "docs")
	require.NoError(t, err)

	s2, err := New(ctx, db, DefaultLimits(), nil)
	require.NoError(t, err)
	root, err := s2.GetFolder(ctx, RootFolderID)
	require.NoError(t, err)
	assert.Len(t, root.Folders, 1)
}

func TestChunkedUploadScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	content := randomBytes(t, 600*1024)
	id, err := s.CreateFile(ctx, CreateFileInput{
		Parent:      RootFolderID,
		Name:        "big.bin",
		ContentType: "application/octet-stream",
		Size:        600 * 1024,
	})
	require.NoError(t, err)

	filled, err := s.WriteChunk(ctx, id, 0, content[:ChunkSize], nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(ChunkSize), filled)
	filled, err = s.WriteChunk(ctx, id, 1, content[ChunkSize:2*ChunkSize], nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*ChunkSize), filled)

	err = s.FinalizeFile(ctx, id, nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	last := content[2*ChunkSize:]
	require.Len(t, last, 88*1024)
	filled, err = s.WriteChunk(ctx, id, 2, last, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(600*1024), filled)

	require.NoError(t, s.FinalizeFile(ctx, id, nil))

	f, err := s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(600*1024), f.Filled)
	assert.Equal(t, uint32(3), f.Chunks)
	require.NotNil(t, f.Hash)
	assert.Equal(t, sha3Sum(content), *f.Hash)
	assert.Equal(t, FileComplete, f.State())

	got, err := s.ReadRange(ctx, id, 0, uint64(len(content)))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))

	all, err := s.ReadAll(ctx, id)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, all))
}

func TestReadRangeSpansChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	content := randomBytes(t, 3*ChunkSize+17)

	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "f"})
	require.NoError(t, err)
	for i := 0; i*ChunkSize < len(content); i++ {
		end := min((i+1)*ChunkSize, len(content))
		_, err := s.WriteChunk(ctx, id, uint32(i), content[i*ChunkSize:end], nil)
		require.NoError(t, err)
	}

	tests := []struct {
		name           string
		offset, length uint64
	}{
		{"inside first chunk", 10, 100},
		{"across boundary", ChunkSize - 5, 10},
		{"across three chunks", ChunkSize / 2, 2 * ChunkSize},
		{"tail", uint64(len(content)) - 17, 17},
		{"empty", 100, 0},
		{"whole", 0, uint64(len(content))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ReadRange(ctx, id, tt.offset, tt.length)
			require.NoError(t, err)
			assert.Equal(t, content[tt.offset:tt.offset+tt.length], got)
		})
	}

	_, err = s.ReadRange(ctx, id, uint64(len(content))-1, 2)
	assert.ErrorIs(t, err, errs.ErrInvalidPath)
	_, err = s.ReadRange(ctx, id, uint64(len(content))+1, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidPath)
	_, err = s.ReadRange(ctx, 999, 0, 1)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestWriteChunkRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	full := randomBytes(t, ChunkSize)

	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "f"})
	require.NoError(t, err)

	_, err = s.WriteChunk(ctx, 404, 0, full, nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.WriteChunk(ctx, id, 0, nil, nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition, "empty chunk")

	_, err = s.WriteChunk(ctx, id, 0, make([]byte, ChunkSize+1), nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition, "oversized chunk")

	_, err = s.WriteChunk(ctx, id, 1, full, nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition, "gap")

	_, err = s.WriteChunk(ctx, id, 0, []byte("short"), nil)
	require.NoError(t, err)
	_, err = s.WriteChunk(ctx, id, 1, full, nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition, "append after a partial chunk")

	_, err = s.WriteChunk(ctx, id, 0, full, nil)
	require.NoError(t, err)
	_, err = s.WriteChunk(ctx, id, 1, []byte("tail"), nil)
	require.NoError(t, err)
	_, err = s.WriteChunk(ctx, id, 0, []byte("short again"), nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition, "short non-last chunk")
}

func TestWriteChunkIdempotentAndDelta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "f"})
	require.NoError(t, err)

	first := randomBytes(t, 1000)
	filled, err := s.WriteChunk(ctx, id, 0, first, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), filled)

	filled, err = s.WriteChunk(ctx, id, 0, first, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), filled, "same bytes must not change filled")

	filled, err = s.WriteChunk(ctx, id, 0, randomBytes(t, 400), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), filled, "filled moves by the size delta")

	f, err := s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f.Chunks)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), st.Bytes)
}

func TestWriteChunkCRCMismatchDoesNotMutate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "f"})
	require.NoError(t, err)

	data := []byte("hello world")
	bad := crc32.ChecksumIEEE(data) + 1
	_, err = s.WriteChunk(ctx, id, 0, data, &bad)
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	f, err := s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), f.Filled)
	assert.Equal(t, uint32(0), f.Chunks)

	good := crc32.ChecksumIEEE(data)
	filled, err := s.WriteChunk(ctx, id, 0, data, &good)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), filled)
}

func TestWriteChunkBeyondDeclaredSize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "f", Size: 10})
	require.NoError(t, err)
	_, err = s.WriteChunk(ctx, id, 0, make([]byte, 11), nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestWriteAfterFinalizeReopensUpload(t *testing.T) {
	s := newTestStore(t, withHashIndex)
	ctx := context.Background()

	data := []byte("version one")
	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "f", Content: data})
	require.NoError(t, err)

	f, err := s.GetFile(ctx, id)
	require.NoError(t, err)
	require.True(t, f.Finalized)
	byHash, err := s.GetFileByHash(ctx, sha3Sum(data))
	require.NoError(t, err)
	assert.Equal(t, id, byHash.ID)

	_, err = s.WriteChunk(ctx, id, 0, []byte("version two"), nil)
	require.NoError(t, err)

	f, err = s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, FileUploading, f.State())
	assert.Nil(t, f.Hash)
	_, err = s.GetFileByHash(ctx, sha3Sum(data))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFinalizeHashChecks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("payload")
	wrong := sha3Sum([]byte("other"))

	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "declared", Hash: &wrong})
	require.NoError(t, err)
	_, err = s.WriteChunk(ctx, id, 0, data, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s.FinalizeFile(ctx, id, nil), errs.ErrPrecondition, "declared hash mismatch")

	right := sha3Sum(data)
	require.NoError(t, s.FinalizeFile(ctx, id, &right))

	f, err := s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), f.Size, "unknown size becomes the filled size")
}

func TestFinalizeDedupConflict(t *testing.T) {
	s := newTestStore(t, withHashIndex)
	ctx := context.Background()
	content := randomBytes(t, ChunkSize+100)

	upload := func(name string) uint32 {
		id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: name, Size: uint64(len(content))})
		require.NoError(t, err)
		_, err = s.WriteChunk(ctx, id, 0, content[:ChunkSize], nil)
		require.NoError(t, err)
		_, err = s.WriteChunk(ctx, id, 1, content[ChunkSize:], nil)
		require.NoError(t, err)
		return id
	}

	first := upload("a")
	require.NoError(t, s.FinalizeFile(ctx, first, nil))

	second := upload("b")
	err := s.FinalizeFile(ctx, second, nil)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	var conflict *HashConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first, conflict.ExistingID)

	f, err := s.GetFile(ctx, second)
	require.NoError(t, err)
	assert.False(t, f.Finalized, "failed finalize must leave the file untouched")
	assert.Nil(t, f.Hash)

	a, err := s.GetFile(ctx, first)
	require.NoError(t, err)
	b, err := s.GetFileByHash(ctx, *a.Hash)
	require.NoError(t, err)
	assert.Equal(t, first, b.ID)
}

func TestCreateFileDeclaredHashConflict(t *testing.T) {
	s := newTestStore(t, withHashIndex)
	ctx := context.Background()
	data := []byte("same")

	first, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "a", Content: data})
	require.NoError(t, err)

	h := sha3Sum(data)
	_, err = s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "b", Hash: &h})
	var conflict *HashConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first, conflict.ExistingID)
}

func TestGetFileByHashDisabled(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetFileByHash(context.Background(), Hash{1})
	assert.ErrorIs(t, err, errs.ErrNotSupported)
}

func TestCreateFileValidation(t *testing.T) {
	s := newTestStore(t, func(l *Limits) {
		l.MaxFileSize = 1024
		l.MaxCustomDataSize = 16
	})
	ctx := context.Background()

	tests := []struct {
		name string
		in   CreateFileInput
		want error
	}{
		{"missing parent", CreateFileInput{Parent: 42, Name: "x"}, errs.ErrInvalidPath},
		{"bad name", CreateFileInput{Name: " x"}, errs.ErrInvalidPath},
		{"slash", CreateFileInput{Name: "a/b"}, errs.ErrInvalidPath},
		{"dotdot", CreateFileInput{Name: ".."}, errs.ErrInvalidPath},
		{"too large", CreateFileInput{Name: "x", Size: 2048}, errs.ErrPrecondition},
		{"custom too large", CreateFileInput{Name: "x", Custom: map[string]string{"k": "0123456789abcdef"}}, errs.ErrPrecondition},
		{"read-only without content", CreateFileInput{Name: "x", Status: StatusReadOnly}, errs.ErrPrecondition},
		{"content size mismatch", CreateFileInput{Name: "x", Size: 3, Content: []byte("ab")}, errs.ErrPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateFile(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateFileInlineContentReadOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	content := randomBytes(t, ChunkSize*2+5)
	crc := crc32.ChecksumIEEE(content)

	id, err := s.CreateFile(ctx, CreateFileInput{
		Parent:  RootFolderID,
		Name:    "inline",
		Content: content,
		CRC32:   &crc,
		Status:  StatusReadOnly,
	})
	require.NoError(t, err)

	f, err := s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, FileReadOnly, f.State())
	assert.Equal(t, uint32(3), f.Chunks)
	assert.Equal(t, defaultContentType, f.ContentType)

	_, err = s.WriteChunk(ctx, id, 0, []byte("x"), nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	chunks, err := s.GetChunks(ctx, id, 1, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, uint32(1), chunks[0].Index)
	assert.Equal(t, content[ChunkSize:2*ChunkSize], chunks[0].Data)
}

func TestGetChunksRespectsCallLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "f"})
	require.NoError(t, err)
	chunk := bytes.Repeat([]byte{7}, ChunkSize)
	for i := 0; i < 10; i++ {
		_, err := s.WriteChunk(ctx, id, uint32(i), chunk, nil)
		require.NoError(t, err)
	}

	chunks, err := s.GetChunks(ctx, id, 0, 100)
	require.NoError(t, err)
	assert.Len(t, chunks, MaxBytesPerCall/ChunkSize)
}

func TestSiblingNamesUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "dup"})
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "dup"})
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	_, err = s.CreateFolder(ctx, RootFolderID, "dup")
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)

	relaxed := newTestStore(t, func(l *Limits) { l.UniqueNames = false })
	_, err = relaxed.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "dup"})
	require.NoError(t, err)
	_, err = relaxed.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "dup"})
	assert.NoError(t, err)
}

func TestChildLimit(t *testing.T) {
	s := newTestStore(t, func(l *Limits) { l.MaxChildren = 2 })
	ctx := context.Background()

	dir, err := s.CreateFolder(ctx, RootFolderID, "dir")
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, CreateFileInput{Parent: dir, Name: "a"})
	require.NoError(t, err)
	_, err = s.CreateFolder(ctx, dir, "b")
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, CreateFileInput{Parent: dir, Name: "c"})
	assert.ErrorIs(t, err, errs.ErrInvalidPath)

	for _, name := range []string{"r1", "r2", "r3"} {
		_, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: name})
		require.NoError(t, err, "root is not child-limited")
	}
}

func TestFolderDepthLimit(t *testing.T) {
	s := newTestStore(t, func(l *Limits) { l.MaxFolderDepth = 3 })
	ctx := context.Background()

	parent := RootFolderID
	for _, name := range []string{"1", "2", "3"} {
		id, err := s.CreateFolder(ctx, parent, name)
		require.NoError(t, err)
		parent = id
	}
	_, err := s.CreateFolder(ctx, parent, "4")
	assert.ErrorIs(t, err, errs.ErrInvalidPath)

	anc, err := s.FolderAncestors(ctx, parent)
	require.NoError(t, err)
	require.Len(t, anc, 3)
	assert.Equal(t, "2", anc[0].Name)
	assert.Equal(t, RootFolderID, anc[2].ID)
}

func TestMoveFolderIntoDescendant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for depth := 2; depth <= 5; depth++ {
		top, err := s.CreateFolder(ctx, RootFolderID, "top"+string(rune('0'+depth)))
		require.NoError(t, err)
		chain := []uint32{top}
		for i := 1; i < depth; i++ {
			id, err := s.CreateFolder(ctx, chain[len(chain)-1], "d")
			require.NoError(t, err)
			chain = append(chain, id)
		}
		for _, target := range chain {
			err := s.MoveFolder(ctx, top, RootFolderID, target)
			assert.ErrorIs(t, err, errs.ErrPrecondition, "depth %d target %d", depth, target)
		}
	}
}

func TestMoveFolder(t *testing.T) {
	s := newTestStore(t, func(l *Limits) { l.MaxFolderDepth = 3 })
	ctx := context.Background()

	a, err := s.CreateFolder(ctx, RootFolderID, "a")
	require.NoError(t, err)
	b, err := s.CreateFolder(ctx, RootFolderID, "b")
	require.NoError(t, err)
	ab, err := s.CreateFolder(ctx, a, "ab")
	require.NoError(t, err)
	_, err = s.CreateFolder(ctx, ab, "abc")
	require.NoError(t, err)

	err = s.MoveFolder(ctx, a, b, RootFolderID)
	assert.ErrorIs(t, err, errs.ErrPrecondition, "wrong source parent")

	err = s.MoveFolder(ctx, a, RootFolderID, b)
	assert.ErrorIs(t, err, errs.ErrPrecondition, "subtree would exceed depth 3")

	err = s.MoveFolder(ctx, RootFolderID, RootFolderID, a)
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	require.NoError(t, s.MoveFolder(ctx, ab, a, b))
	moved, err := s.GetFolder(ctx, ab)
	require.NoError(t, err)
	assert.Equal(t, b, moved.Parent)

	folderA, err := s.GetFolder(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, folderA.Folders)
}

func TestMoveFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir, err := s.CreateFolder(ctx, RootFolderID, "dir")
	require.NoError(t, err)
	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "f"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.MoveFile(ctx, id, dir, RootFolderID), errs.ErrPrecondition)
	assert.ErrorIs(t, s.MoveFile(ctx, id, RootFolderID, RootFolderID), errs.ErrPrecondition)
	assert.ErrorIs(t, s.MoveFile(ctx, id, RootFolderID, 77), errs.ErrNotFound)

	require.NoError(t, s.MoveFile(ctx, id, RootFolderID, dir))
	f, err := s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, dir, f.Parent)

	anc, err := s.FileAncestors(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []FolderName{{ID: dir, Name: "dir"}, {ID: RootFolderID, Name: "root"}}, anc)

	assert.ErrorIs(t, s.MoveFile(ctx, id, RootFolderID, dir), errs.ErrPrecondition, "stale source")
}

func TestDeleteFile(t *testing.T) {
	s := newTestStore(t, withHashIndex)
	ctx := context.Background()
	data := []byte("bye")

	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "f", Content: data})
	require.NoError(t, err)
	require.NoError(t, s.DeleteFile(ctx, id))

	_, err = s.GetFile(ctx, id)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.GetFileByHash(ctx, sha3Sum(data))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, s.DeleteFile(ctx, id), errs.ErrNotFound)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Files)
	assert.Equal(t, uint64(0), st.Bytes)

	// A new file with the same content is free to take the hash.
	_, err = s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "g", Content: data})
	assert.NoError(t, err)
}

func TestDeleteFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir, err := s.CreateFolder(ctx, RootFolderID, "dir")
	require.NoError(t, err)
	sub, err := s.CreateFolder(ctx, dir, "sub")
	require.NoError(t, err)
	f1, err := s.CreateFile(ctx, CreateFileInput{Parent: dir, Name: "a", Content: []byte("aaa")})
	require.NoError(t, err)
	f2, err := s.CreateFile(ctx, CreateFileInput{Parent: sub, Name: "b", Content: []byte("bbbb")})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteFolder(ctx, dir, false), errs.ErrPrecondition)
	assert.ErrorIs(t, s.DeleteFolder(ctx, RootFolderID, true), errs.ErrPrecondition)

	require.NoError(t, s.DeleteFolder(ctx, dir, true))
	for _, id := range []uint32{dir, sub} {
		_, err := s.GetFolder(ctx, id)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	}
	for _, id := range []uint32{f1, f2} {
		_, err := s.GetFile(ctx, id)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		_, err = s.ReadRange(ctx, id, 0, 1)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Files: 0, Folders: 1, Bytes: 0}, st)

	empty, err := s.CreateFolder(ctx, RootFolderID, "empty")
	require.NoError(t, err)
	assert.NoError(t, s.DeleteFolder(ctx, empty, false))
}

func TestBatchDeleteSubfiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir, err := s.CreateFolder(ctx, RootFolderID, "dir")
	require.NoError(t, err)
	a, err := s.CreateFile(ctx, CreateFileInput{Parent: dir, Name: "a"})
	require.NoError(t, err)
	b, err := s.CreateFile(ctx, CreateFileInput{Parent: dir, Name: "b"})
	require.NoError(t, err)
	outside, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "c"})
	require.NoError(t, err)

	deleted, err := s.BatchDeleteSubfiles(ctx, dir, []uint32{a, outside, 999})
	require.NoError(t, err)
	assert.Equal(t, []uint32{a}, deleted)

	files, err := s.ListFiles(ctx, dir, 0, 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, b, files[0].ID)
}

func TestListPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []uint32
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: name})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	page1, err := s.ListFiles(ctx, RootFolderID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID)
	assert.Equal(t, ids[3], page1[1].ID)

	page2, err := s.ListFiles(ctx, RootFolderID, page1[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, ids[2], page2[0].ID)

	page3, err := s.ListFiles(ctx, RootFolderID, page2[1].ID, 2)
	require.NoError(t, err)
	assert.Len(t, page3, 1)

	_, err = s.ListFolders(ctx, 55, 0, 10)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateFile(t *testing.T) {
	s := newTestStore(t, withHashIndex)
	ctx := context.Background()

	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "f"})
	require.NoError(t, err)
	_, err = s.WriteChunk(ctx, id, 0, []byte("0123456789"), nil)
	require.NoError(t, err)

	ro := StatusReadOnly
	assert.ErrorIs(t, s.UpdateFile(ctx, UpdateFileInput{ID: id, Status: &ro}), errs.ErrPrecondition,
		"unfinalized file cannot become read-only")

	size := uint64(4)
	require.NoError(t, s.UpdateFile(ctx, UpdateFileInput{ID: id, Size: &size}))
	f, err := s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), f.Filled, "shrinking below filled discards content")
	assert.Equal(t, uint32(0), f.Chunks)

	_, err = s.WriteChunk(ctx, id, 0, []byte("abcd"), nil)
	require.NoError(t, err)
	require.NoError(t, s.FinalizeFile(ctx, id, nil))

	name := "renamed"
	ct := "text/plain"
	require.NoError(t, s.UpdateFile(ctx, UpdateFileInput{
		ID:          id,
		Name:        &name,
		ContentType: &ct,
		Status:      &ro,
		Custom:      map[string]string{"k": "v"},
	}))
	f, err = s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", f.Name)
	assert.Equal(t, "text/plain", f.ContentType)
	assert.Equal(t, FileReadOnly, f.State())
	assert.Equal(t, map[string]string{"k": "v"}, f.Custom)

	other := "other"
	assert.ErrorIs(t, s.UpdateFile(ctx, UpdateFileInput{ID: id, Name: &other}), errs.ErrPrecondition,
		"read-only file stays read-only")

	rw := StatusReadWrite
	require.NoError(t, s.UpdateFile(ctx, UpdateFileInput{ID: id, Status: &rw}))

	wrong := sha3Sum([]byte("nope"))
	assert.ErrorIs(t, s.UpdateFile(ctx, UpdateFileInput{ID: id, Hash: &wrong}), errs.ErrPrecondition)
	assert.ErrorIs(t, s.UpdateFile(ctx, UpdateFileInput{ID: 999}), errs.ErrNotFound)
}

func TestUpdateFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir, err := s.CreateFolder(ctx, RootFolderID, "dir")
	require.NoError(t, err)
	_, err = s.CreateFolder(ctx, RootFolderID, "taken")
	require.NoError(t, err)

	taken := "taken"
	assert.ErrorIs(t, s.UpdateFolder(ctx, UpdateFolderInput{ID: dir, Name: &taken}), errs.ErrAlreadyExists)

	ro := StatusReadOnly
	require.NoError(t, s.UpdateFolder(ctx, UpdateFolderInput{ID: dir, Status: &ro}))
	_, err = s.CreateFile(ctx, CreateFileInput{Parent: dir, Name: "f"})
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	name := "x"
	assert.ErrorIs(t, s.UpdateFolder(ctx, UpdateFolderInput{ID: dir, Name: &name}), errs.ErrPrecondition)
	assert.ErrorIs(t, s.UpdateFolder(ctx, UpdateFolderInput{ID: RootFolderID, Name: &name}), errs.ErrPrecondition)
}

func TestReindexHashes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "a", Content: []byte("same")})
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "b", Content: []byte("same")})
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "c", Content: []byte("different")})
	require.NoError(t, err)

	limits := s.Limits()
	limits.EnableHashIndex = true
	s.SetLimits(limits)

	n, err := s.ReindexHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f, err := s.GetFileByHash(ctx, sha3Sum([]byte("same")))
	require.NoError(t, err)
	assert.Equal(t, a, f.ID)
}

func TestChunkCodecRoundTrip(t *testing.T) {
	cs := newChunkStore()

	compressible := bytes.Repeat([]byte("abc"), 1000)
	enc := cs.encode(compressible)
	assert.Equal(t, chunkZstd, enc[0])
	assert.Less(t, len(enc), len(compressible))
	dec, err := cs.decode(enc)
	require.NoError(t, err)
	assert.Equal(t, compressible, dec)

	random := randomBytes(t, 4096)
	enc = cs.encode(random)
	assert.Equal(t, chunkRaw, enc[0])
	dec, err = cs.decode(enc)
	require.NoError(t, err)
	assert.Equal(t, random, dec)

	_, err = cs.decode([]byte{9, 0, 0, 0, 1, 0})
	assert.ErrorIs(t, err, errs.ErrGeneric)
}

func TestParseHash(t *testing.T) {
	h := sha3Sum([]byte("x"))
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash("abcd")
	assert.Error(t, err)
	_, err = ParseHash("zz")
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	for _, st := range []Status{StatusArchived, StatusReadWrite, StatusReadOnly} {
		got, err := ParseStatus(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseStatus("frozen")
	assert.Error(t, err)
}

func countKeys(t *testing.T, s *Store, prefix []byte) int {
	t.Helper()
	n := 0
	err := s.db.View(context.Background(), func(txn kv.Txn) error {
		return txn.ScanKeys(prefix, func([]byte) error {
			n++
			return nil
		})
	})
	require.NoError(t, err)
	return n
}

func TestDeleteSweepsChunksInBatches(t *testing.T) {
	s := newTestStore(t)
	s.sweepBatch = 2
	ctx := context.Background()

	dir, err := s.CreateFolder(ctx, RootFolderID, "dir")
	require.NoError(t, err)
	a, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "a", Content: randomBytes(t, 4*ChunkSize+1)})
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, CreateFileInput{Parent: dir, Name: "b", Content: randomBytes(t, 3*ChunkSize)})
	require.NoError(t, err)
	require.Equal(t, 8, countKeys(t, s, prefixChunk))

	require.NoError(t, s.DeleteFile(ctx, a))
	assert.Equal(t, 3, countKeys(t, s, prefixChunk))
	assert.Equal(t, 0, countKeys(t, s, prefixSweep))

	require.NoError(t, s.DeleteFolder(ctx, dir, true))
	assert.Equal(t, 0, countKeys(t, s, prefixChunk))
	assert.Equal(t, 0, countKeys(t, s, prefixSweep))
	assert.False(t, s.released)
}

func TestOpenFinishesInterruptedSweep(t *testing.T) {
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	cs := newChunkStore()
	require.NoError(t, db.Update(ctx, func(txn kv.Txn) error {
		for i := uint32(0); i < 5; i++ {
			if err := cs.put(txn, 77, i, []byte("orphan")); err != nil {
				return err
			}
		}
		return txn.Set(sweepKey(77), []byte{})
	}))

	s, err := New(ctx, db, DefaultLimits(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, countKeys(t, s, chunkPrefix(77)))
	assert.Equal(t, 0, countKeys(t, s, prefixSweep))
}

func TestUpdateFileSizeOfFinalizedFile(t *testing.T) {
	s := newTestStore(t, withHashIndex)
	ctx := context.Background()
	data := []byte("hello")

	id, err := s.CreateFile(ctx, CreateFileInput{Parent: RootFolderID, Name: "f", Content: data})
	require.NoError(t, err)

	// Zero keeps the written bytes.
	zero := uint64(0)
	require.NoError(t, s.UpdateFile(ctx, UpdateFileInput{ID: id, Size: &zero}))
	f, err := s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), f.Size)
	assert.Equal(t, uint64(5), f.Filled)
	assert.Equal(t, FileComplete, f.State())
	got, err := s.ReadAll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Growing reopens the upload and drops the hash index entry.
	grown := uint64(100)
	require.NoError(t, s.UpdateFile(ctx, UpdateFileInput{ID: id, Size: &grown}))
	f, err = s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), f.Size)
	assert.Equal(t, uint64(5), f.Filled)
	assert.False(t, f.Finalized)
	assert.Nil(t, f.Hash)
	assert.NotEqual(t, FileComplete, f.State())
	_, err = s.GetFileByHash(ctx, sha3Sum(data))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// Zero on an open upload fixes the size at what was written.
	require.NoError(t, s.UpdateFile(ctx, UpdateFileInput{ID: id, Size: &zero}))
	f, err = s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), f.Size)
	require.NoError(t, s.FinalizeFile(ctx, id, nil))
	f, err = s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, FileComplete, f.State())
	assert.Equal(t, 1, countKeys(t, s, chunkPrefix(id)))
}
