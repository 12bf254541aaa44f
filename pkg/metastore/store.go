// Package metastore defines the transactional key-value contract used to
// persist segment and chunk metadata. The only supported unit of work is a
// Transaction; there is no standalone put/get outside of one.
package metastore

import "context"

// SegmentMetadata is the authoritative record for one segment.
type SegmentMetadata struct {
	Name                  string
	Length                int64
	StartOffset           int64
	ChunkCount            int32
	FirstChunk            string // "" means no chunks yet
	LastChunk             string
	FirstChunkStartOffset int64
	LastChunkStartOffset  int64
	MaxRollingLength      int64
	Sealed                bool
	OwnerEpoch            int64
	LastModified          int64 // unix nanos
}

func (s *SegmentMetadata) HasChunks() bool { return s.FirstChunk != "" }

// ChunkMetadata is the authoritative record for one chunk: its length and
// the chunk that follows it in its owning segment's chunk list.
type ChunkMetadata struct {
	Name      string
	Length    int64
	NextChunk string // "" means this is the last chunk
}

// Store is the pessimistic transactional key-value contract. Every mutation
// happens inside a Transaction obtained from Begin; Transactions are not
// safe for concurrent use by multiple goroutines.
type Store interface {
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction is a single unit of work against the metadata store.
// getForModification acquires a write intent (lock) on the key for the
// lifetime of the transaction; plain Get does not and is meant for
// long-running reads that tolerate a stale value. Commit fails with
// VERSION_CONFLICT if any key read via GetForModification was mutated by
// another transaction that committed first; the caller must retry the
// whole operation, not just the commit.
type Transaction interface {
	Get(ctx context.Context, key string, out interface{}) (bool, error)
	GetForModification(ctx context.Context, key string, out interface{}) (bool, error)
	Create(ctx context.Context, key string, value interface{}) error
	Update(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, key string) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Key helpers: segment and chunk metadata live in the same store under
// distinguishable key prefixes so a single Store implementation can serve
// both without clashing.
const (
	segmentKeyPrefix = "seg/"
	chunkKeyPrefix   = "chk/"
)

func SegmentKey(name string) string { return segmentKeyPrefix + name }
func ChunkKey(name string) string   { return chunkKeyPrefix + name }

// KeyLister is implemented by Store backends that can enumerate keys by
// prefix outside of a transaction. It is optional: ChunkManager.ListSegments
// degrades to an error on a Store that does not implement it, since the
// core Transaction contract has no scan primitive.
type KeyLister interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// ChunkIndexEntry marks one sampled point in a segment's chunk chain: the
// chunk name at the given cumulative start offset.
type ChunkIndexEntry struct {
	ChunkName   string
	StartOffset int64
}

// ChunkIndexHint is implemented by Store backends that maintain a sparse
// index over a segment's chunk chain, letting a read skip the leading part
// of a long chain instead of always starting its walk at FirstChunk.
// ChunkAtOrBefore returns the sampled entry with the greatest StartOffset
// not exceeding offset; ok is false when the backend has no hint for
// segmentName, and the caller should fall back to walking from FirstChunk.
type ChunkIndexHint interface {
	ChunkAtOrBefore(ctx context.Context, segmentName string, offset int64) (ChunkIndexEntry, bool)
}
