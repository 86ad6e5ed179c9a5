package store

import (
	"encoding/hex"
	"fmt"
)

// Fixed storage constants.
const (
	// ChunkSize is the size of every chunk except a file's last one.
	ChunkSize = 256 * 1024

	// MaxBytesPerCall bounds the content moved by a single GetChunks or
	// inline CreateFile call.
	MaxBytesPerCall = 2 * 1024 * 1024

	// MaxFileNameLen is the maximum byte length of a file or folder name.
	MaxFileNameLen = 96

	// RootFolderID is the id of the folder every tree is rooted at.
	RootFolderID uint32 = 0

	rootFolderName = "root"

	defaultListTake = 10
	maxListTake     = 1000
)

// Status is the write state of a file, folder or bucket.
type Status int8

const (
	StatusArchived  Status = -1
	StatusReadWrite Status = 0
	StatusReadOnly  Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusArchived:
		return "archived"
	case StatusReadWrite:
		return "read-write"
	case StatusReadOnly:
		return "read-only"
	default:
		return fmt.Sprintf("status(%d)", int8(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusArchived, StatusReadWrite, StatusReadOnly} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("invalid status %q: want read-write, read-only or archived", s)
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	return s >= StatusArchived && s <= StatusReadOnly
}

// Hash is a sha3-256 content digest.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is all zero bytes. A zero hash is treated as
// "not supplied".
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a hex-encoded digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash length %d, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// FileState is the upload lifecycle stage of a file.
type FileState string

const (
	FileUploading FileState = "uploading"
	FileComplete  FileState = "complete"
	FileReadOnly  FileState = "read-only"
	FileArchived  FileState = "archived"
)

// Folder is a node of the folder tree. Children are held as sorted id
// sets; the tree itself is the id-indexed collection of folders.
type Folder struct {
	ID        uint32   `cbor:"1,keyasint"`
	Parent    uint32   `cbor:"2,keyasint"`
	Name      string   `cbor:"3,keyasint"`
	Files     []uint32 `cbor:"4,keyasint,omitempty"`
	Folders   []uint32 `cbor:"5,keyasint,omitempty"`
	Status    Status   `cbor:"6,keyasint"`
	CreatedAt int64    `cbor:"7,keyasint"`
	UpdatedAt int64    `cbor:"8,keyasint"`
}

// ChildCount is the number of direct files and folders.
func (f *Folder) ChildCount() int {
	return len(f.Files) + len(f.Folders)
}

// File is the metadata of a stored file. Size zero means the size is
// not known until the file is finalized.
type File struct {
	ID          uint32            `cbor:"1,keyasint"`
	Parent      uint32            `cbor:"2,keyasint"`
	Name        string            `cbor:"3,keyasint"`
	ContentType string            `cbor:"4,keyasint"`
	Size        uint64            `cbor:"5,keyasint"`
	Filled      uint64            `cbor:"6,keyasint"`
	Chunks      uint32            `cbor:"7,keyasint"`
	Hash        *Hash             `cbor:"8,keyasint,omitempty"`
	Status      Status            `cbor:"9,keyasint"`
	Finalized   bool              `cbor:"10,keyasint"`
	Custom      map[string]string `cbor:"11,keyasint,omitempty"`
	CreatedAt   int64             `cbor:"12,keyasint"`
	UpdatedAt   int64             `cbor:"13,keyasint"`
}

// State derives the lifecycle stage from status and upload progress.
func (f *File) State() FileState {
	switch {
	case f.Status == StatusArchived:
		return FileArchived
	case f.Status == StatusReadOnly:
		return FileReadOnly
	case f.Finalized:
		return FileComplete
	default:
		return FileUploading
	}
}

// FolderName is an (id, name) pair, as returned by ancestor walks.
type FolderName struct {
	ID   uint32
	Name string
}

// Chunk is one indexed segment of file content.
type Chunk struct {
	Index uint32
	Data  []byte
}

// Limits are the tunable tree and size limits of a bucket.
type Limits struct {
	MaxFileSize       uint64
	MaxFolderDepth    uint8
	MaxChildren       uint16
	MaxCustomDataSize uint16
	EnableHashIndex   bool
	UniqueNames       bool
}

// DefaultLimits returns the limits a new bucket starts with.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:       384 * 1024 * 1024 * 1024,
		MaxFolderDepth:    10,
		MaxChildren:       100,
		MaxCustomDataSize: 4096,
		EnableHashIndex:   false,
		UniqueNames:       true,
	}
}

// Stats are running totals kept alongside the id counters.
type Stats struct {
	Files   uint64
	Folders uint64
	Bytes   uint64
}

// counters is the persisted id allocation and totals record.
type counters struct {
	LastFileID   uint32 `cbor:"1,keyasint"`
	LastFolderID uint32 `cbor:"2,keyasint"`
	Files        uint64 `cbor:"3,keyasint"`
	Folders      uint64 `cbor:"4,keyasint"`
	Bytes        uint64 `cbor:"5,keyasint"`
}
