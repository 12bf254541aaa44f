package chunkmanager

import (
	"time"

	"github.com/nimbusfs/chunklayer/pkg/rolling"
)

// Config bundles every ChunkManager tunable. Zero-value fields are filled
// from DefaultConfig by New, except GarbageCollectionDelay, whose zero value
// disables the reconciler.
type Config struct {
	// DefaultRollingPolicy is used for segments created without an explicit
	// policy override.
	DefaultRollingPolicy rolling.Policy
	// JournalSnapshotInterval is the number of journal records after which
	// the journal should be snapshotted again.
	JournalSnapshotInterval int
	// JournalMaxFileSize bounds a single journal file before rotation.
	JournalMaxFileSize int64
	// GarbageCollectionDelay is the minimum age an orphaned chunk must reach
	// before the background reconciler deletes it. Zero disables the
	// reconciler.
	GarbageCollectionDelay time.Duration
	// MaxIndexedSegments is defaulted by New but read by nothing: neither
	// ChunkManager nor the in-memory metadata store caps any cache by it.
	MaxIndexedSegments int
	// MaxChunkSize feeds DefaultRollingPolicy.MaxLength when that is unset;
	// a policy passed explicitly to Create is not capped by it.
	MaxChunkSize int64
	// MinSizeForConcat is the minimum source length below which concat
	// falls back to a data copy even on a backend that supports
	// server-side concat, avoiding a relink that leaves a tiny trailing
	// chunk.
	MinSizeForConcat int64
	// CompressJournal zstd-compresses journal batches and snapshots.
	CompressJournal bool
	// RateLimitBytesPerSec throttles chunk storage bandwidth when wrapped
	// with chunkstorage.WithRateLimit by the caller; zero disables it. This
	// field only documents the knob ChunkManager itself does not apply the
	// decorator -- the caller composes it onto the Storage it passes to New.
	RateLimitBytesPerSec int64
	// MetadataStoreKind records which concrete metastore.Store backend was
	// wired at construction time ("memory" or "redis"); it has no effect on
	// behavior and exists purely as an operational label.
	MetadataStoreKind string
	// MaxMetadataRetries is how many attempts, the first included, a
	// metadata transaction gets on VERSION_CONFLICT before the error is
	// surfaced.
	MaxMetadataRetries int
}

// DefaultConfig returns the configuration used when a Config field is left
// at its zero value (GarbageCollectionDelay excepted; see Config).
func DefaultConfig() Config {
	return Config{
		DefaultRollingPolicy:    rolling.Default,
		JournalSnapshotInterval: 1000,
		JournalMaxFileSize:      128 * 1024 * 1024,
		GarbageCollectionDelay:  5 * time.Minute,
		MaxIndexedSegments:      4096,
		MaxChunkSize:            rolling.Default.MaxLength,
		MinSizeForConcat:        0,
		MetadataStoreKind:       "memory",
		MaxMetadataRetries:      5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = d.MaxChunkSize
	}
	if c.DefaultRollingPolicy.MaxLength <= 0 {
		c.DefaultRollingPolicy = rolling.Policy{MaxLength: c.MaxChunkSize}
	}
	if c.JournalSnapshotInterval == 0 {
		c.JournalSnapshotInterval = d.JournalSnapshotInterval
	}
	if c.JournalMaxFileSize <= 0 {
		c.JournalMaxFileSize = d.JournalMaxFileSize
	}
	if c.MaxIndexedSegments <= 0 {
		c.MaxIndexedSegments = d.MaxIndexedSegments
	}
	if c.MetadataStoreKind == "" {
		c.MetadataStoreKind = d.MetadataStoreKind
	}
	if c.MaxMetadataRetries <= 0 {
		c.MaxMetadataRetries = d.MaxMetadataRetries
	}
	return c
}
