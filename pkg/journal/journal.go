// Package journal implements the SystemJournal: a write-ahead log plus
// snapshot engine for the ChunkManager's system segments, able to
// reconstruct their layout after an unclean failover even in the presence
// of a zombie predecessor still writing to the same chunk storage.
package journal

import (
	"bytes"
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/chunkstorage"
	"github.com/nimbusfs/chunklayer/pkg/logging"
	"github.com/nimbusfs/chunklayer/pkg/record"
)

var logger = logging.GetLogger("journal")

// Config bundles the journal's tunable knobs, taken from
// ChunkManagerConfig at construction time.
type Config struct {
	// SnapshotInterval is the number of journal records after which
	// ShouldSnapshot reports true. 0 disables the count-based trigger
	// (a snapshot is still always taken right after bootstrap).
	SnapshotInterval int
	// MaxFileSize is the size threshold, in bytes, past which the current
	// journal file is sealed and a new one opened.
	MaxFileSize int64
	// Compress, if true, zstd-compresses every batch and snapshot blob
	// before it is written to chunk storage.
	Compress bool
}

// Journal is a SystemJournal bound to one container at one epoch. Every
// structural mutation of a system segment must be appended here before its
// owning metadata transaction commits; see Append.
type Journal struct {
	// mu is the single global append point per container (§5): all
	// Append/WriteSnapshot calls for this container serialize through it.
	mu sync.Mutex

	storage     chunkstorage.Storage
	containerID string
	epoch       int64
	config      Config

	fileIndex            int64
	batchIndex           int64
	fileSize             int64
	fileHandle           chunkstorage.Handle
	snapshotIndex        int64
	recordsSinceSnapshot int
}

// New creates a Journal for containerID at epoch. It does not perform any
// I/O; call Bootstrap before the first Append.
func New(storage chunkstorage.Storage, containerID string, epoch int64, config Config) *Journal {
	return &Journal{storage: storage, containerID: containerID, epoch: epoch, config: config}
}

func (j *Journal) encodeBatchPayload(b *record.Batch) ([]byte, error) {
	data := b.Encode()
	if j.config.Compress {
		compressed, err := record.Compress(data)
		if err != nil {
			return nil, err
		}
		return compressed, nil
	}
	return data, nil
}

// Append durably writes batch as a single chunk (or frame within the
// current file's chunk) before returning. The ordering contract this
// module relies on is simple: callers must not commit the metadata
// transaction a batch describes until Append returns nil.
func (j *Journal) Append(ctx context.Context, batch *record.Batch) error {
	payload, err := j.encodeBatchPayload(batch)
	if err != nil {
		return chunkerrors.Wrap(err, chunkerrors.JournalWriteFail, "encode batch")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.storage.SupportsAppend() {
		if err := j.appendToCurrentFile(ctx, payload); err != nil {
			return chunkerrors.Wrap(err, chunkerrors.JournalWriteFail, "append batch")
		}
	} else {
		name := journalBatchChunkName(j.containerID, j.epoch, j.fileIndex, j.batchIndex)
		h, err := j.storage.Create(ctx, name)
		if err != nil {
			return chunkerrors.Wrap(err, chunkerrors.JournalWriteFail, "create batch chunk")
		}
		if _, err := j.storage.Write(ctx, h, 0, int64(len(payload)), bytes.NewReader(payload)); err != nil {
			return chunkerrors.Wrap(err, chunkerrors.JournalWriteFail, "write batch chunk")
		}
		j.fileSize += int64(len(payload))
		j.batchIndex++
	}

	j.recordsSinceSnapshot += len(batch.Records)
	if j.config.MaxFileSize > 0 && j.fileSize >= j.config.MaxFileSize {
		j.rotateLocked()
	}
	return nil
}

func (j *Journal) appendToCurrentFile(ctx context.Context, payload []byte) error {
	frame := frameEncode(payload)
	if j.fileHandle == nil {
		name := journalFileName(j.containerID, j.epoch, j.fileIndex)
		h, err := j.storage.Create(ctx, name)
		if err != nil {
			return err
		}
		j.fileHandle = h
		j.fileSize = 0
	}
	if _, err := j.storage.Write(ctx, j.fileHandle, j.fileSize, int64(len(frame)), bytes.NewReader(frame)); err != nil {
		return err
	}
	j.fileSize += int64(len(frame))
	j.batchIndex++
	return nil
}

// rotateLocked seals the current file and advances to a fresh fileIndex.
// Must be called with mu held.
func (j *Journal) rotateLocked() {
	j.fileIndex++
	j.fileHandle = nil
	j.fileSize = 0
	j.batchIndex = 0
}

// ShouldSnapshot reports whether the configured record-count threshold has
// been crossed since the last snapshot. ChunkManager polls this after
// Append and, if true, builds a SystemSnapshotRecord from the current
// metadata and calls WriteSnapshot.
func (j *Journal) ShouldSnapshot() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.config.SnapshotInterval > 0 && j.recordsSinceSnapshot >= j.config.SnapshotInterval
}

// WriteSnapshot durably writes snap as its own chunk and starts a fresh
// journal file, per the "snapshots start fresh files" rule.
func (j *Journal) WriteSnapshot(ctx context.Context, snap *record.SystemSnapshotRecord) error {
	data := record.Encode(snap)
	if j.config.Compress {
		compressed, err := record.Compress(data)
		if err != nil {
			return chunkerrors.Wrap(err, chunkerrors.JournalWriteFail, "compress snapshot")
		}
		data = compressed
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	name := snapshotChunkName(j.containerID, j.epoch, j.snapshotIndex)
	h, err := j.storage.Create(ctx, name)
	if err != nil {
		return chunkerrors.Wrap(err, chunkerrors.JournalWriteFail, "create snapshot chunk")
	}
	if _, err := j.storage.Write(ctx, h, 0, int64(len(data)), bytes.NewReader(data)); err != nil {
		return chunkerrors.Wrap(err, chunkerrors.JournalWriteFail, "write snapshot chunk")
	}

	j.snapshotIndex++
	j.recordsSinceSnapshot = 0
	j.rotateLocked()
	return nil
}

// readSnapshotChunk reads and decodes the snapshot chunk at name.
func (j *Journal) readSnapshotChunk(ctx context.Context, name string) (*record.SystemSnapshotRecord, error) {
	data, err := readWholeChunk(ctx, j.storage, name)
	if err != nil {
		return nil, err
	}
	data, err = record.MaybeDecompress(data)
	if err != nil {
		return nil, err
	}
	rec, err := record.Decode(data)
	if err != nil {
		return nil, err
	}
	snap, ok := rec.(*record.SystemSnapshotRecord)
	if !ok {
		return nil, errors.New("journal: chunk under snapshot prefix did not decode to a SystemSnapshotRecord")
	}
	return snap, nil
}

func readWholeChunk(ctx context.Context, storage chunkstorage.Storage, name string) ([]byte, error) {
	info, err := storage.GetInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	if !info.Exists {
		return nil, chunkerrors.New(chunkerrors.ChunkNotFound, name)
	}
	h, err := storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Length)
	if info.Length > 0 {
		if _, err := storage.Read(ctx, h, 0, info.Length, buf, 0); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
