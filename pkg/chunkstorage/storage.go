// Package chunkstorage defines the primitive blob-storage contract that
// ChunkManager and SystemJournal translate segment operations onto: create,
// write, read, concat, delete, and capability probing. Concrete backends
// (filesystem, object store, in-memory) are plug-ins; this package only
// fixes the contract and the shared error vocabulary.
package chunkstorage

import (
	"context"
	"io"
)

// Info describes a chunk's observable state in storage.
type Info struct {
	Name   string
	Length int64
	Exists bool
}

// Handle is an opaque reference to a chunk returned by Create/Open. Concrete
// storages may embed additional state (file descriptors, object keys); the
// chunk manager only ever needs the Name back off of it.
type Handle interface {
	Name() string
}

// Storage is the chunk storage contract. All methods are safe for
// concurrent use across different chunk names; per-chunk ordering is the
// caller's responsibility (ChunkManager serializes per-segment).
type Storage interface {
	// Create allocates a new, empty chunk. Fails with CHUNK_ALREADY_EXISTS
	// if name is already present.
	Create(ctx context.Context, name string) (Handle, error)

	// Open returns a handle to an existing chunk, or CHUNK_NOT_FOUND.
	Open(ctx context.Context, name string) (Handle, error)

	// Write appends length bytes read from source at offset. For
	// append-capable backends offset must equal the chunk's current
	// length (INVALID_OFFSET otherwise); for non-append backends, Write is
	// only valid on a freshly Created chunk (offset must be 0) and the
	// chunk becomes immutable once the single write completes.
	Write(ctx context.Context, h Handle, offset int64, length int64, source io.Reader) (int64, error)

	// Read fills dest[destOffset:destOffset+length] with the chunk's bytes
	// starting at offset. Fails with CHUNK_NOT_FOUND or OUT_OF_BOUNDS.
	Read(ctx context.Context, h Handle, offset int64, length int64, dest []byte, destOffset int64) (int64, error)

	// Concat appends the full contents of each source, in order, onto
	// target, and deletes the sources on success. Returns the target's new
	// length. Backends that cannot support server-side concat return
	// ErrConcatNotSupported so ChunkManager falls back to a copy.
	Concat(ctx context.Context, target Handle, sources []Handle) (int64, error)

	// Delete removes name. Idempotent: deleting a name that does not exist
	// is not an error. A failed Delete is reported to the caller but must
	// never abort the operation that triggered it; orphans are reclaimed
	// later by garbage collection.
	Delete(ctx context.Context, name string) error

	// GetInfo returns the chunk's current length and existence.
	GetInfo(ctx context.Context, name string) (Info, error)

	// List enumerates chunk names with the given prefix, used by bootstrap
	// to discover journal/snapshot chunks and by garbage collection, which
	// lists every chunk (empty prefix) to discover orphans.
	List(ctx context.Context, prefix string) ([]string, error)

	// SupportsAppend reports whether Write may be called more than once
	// against the same chunk (true) or whether every chunk is written
	// exactly once at creation (false), which forces ChunkManager to open a
	// new chunk per write.
	SupportsAppend() bool

	// SupportsConcat reports whether Concat is a true zero-copy relink
	// rather than always falling back to a data copy.
	SupportsConcat() bool
}

// ErrConcatNotSupported is returned by Concat implementations that never
// support server-side concat; ChunkManager treats it the same as a
// SupportsConcat()==false capability check; it exists for storages that
// only fail to concat for specific source/target combinations.
var ErrConcatNotSupported = concatUnsupported{}

type concatUnsupported struct{}

func (concatUnsupported) Error() string { return "chunkstorage: concat not supported" }
