package chunkmanager

import (
	"context"
	"io"
	"time"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/chunkstorage"
	"github.com/nimbusfs/chunklayer/pkg/future"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
	"github.com/nimbusfs/chunklayer/pkg/record"
	"github.com/nimbusfs/chunklayer/pkg/rolling"
)

// Write appends length bytes read from source to h's segment at offset,
// splitting the payload across one or more chunks per the segment's
// rolling policy (spec §4.4). offset must equal the segment's current
// length (strict append).
func (m *Manager) Write(ctx context.Context, h *Handle, offset int64, source io.Reader, length int64) *future.Future[struct{}] {
	return future.Run(m.executor, func() (struct{}, error) {
		if !h.Writable {
			return struct{}{}, chunkerrors.New(chunkerrors.StorageNotPrimary, "handle is not open for write")
		}
		_, j, err := m.requireReady()
		if err != nil {
			return struct{}{}, err
		}
		oc := m.opContext(ctx, 0)
		defer oc.release()

		err = m.withMetaTxn(oc.Ctx, func(tx metastore.Transaction) error {
			var meta metastore.SegmentMetadata
			exists, err := tx.GetForModification(oc.Ctx, metastore.SegmentKey(h.SegmentName), &meta)
			if err != nil {
				return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read segment metadata")
			}
			if !exists {
				return chunkerrors.New(chunkerrors.SegmentNotFound, h.SegmentName)
			}
			if meta.Sealed {
				return chunkerrors.New(chunkerrors.SegmentSealed, h.SegmentName)
			}
			if offset != meta.Length {
				return chunkerrors.New(chunkerrors.BadOffset, h.SegmentName)
			}
			if meta.OwnerEpoch != oc.Epoch {
				return chunkerrors.New(chunkerrors.StorageNotPrimary, h.SegmentName)
			}

			var batch *record.Batch
			if isSystemSegment(oc.ContainerID, h.SegmentName) {
				batch = record.NewBatch()
			}

			if err := m.appendToSegment(oc.Ctx, tx, &meta, source, length, batch); err != nil {
				return err
			}
			meta.LastModified = time.Now().UnixNano()

			// Journal append must complete before the metadata commit
			// (spec §4.6 ordering contract): a failure here leaves
			// metadata untouched.
			if batch != nil && len(batch.Records) > 0 {
				if err := j.Append(oc.Ctx, batch); err != nil {
					return chunkerrors.Wrap(err, chunkerrors.JournalWriteFail, "append write batch")
				}
			}
			return tx.Update(oc.Ctx, metastore.SegmentKey(h.SegmentName), &meta)
		})
		if err != nil {
			return struct{}{}, err
		}
		m.maybeSnapshot(oc.Ctx, j)
		return struct{}{}, nil
	})
}

// appendToSegment performs the chunk-boundary write pipeline: for each step
// the rolling policy produces, it possibly allocates a new chunk, writes,
// links it into the chain, and updates meta's tallies, recording a
// ChunkAddedRecord into batch when meta belongs to a system segment. Shared
// by Write and Concat's copy fallback.
func (m *Manager) appendToSegment(ctx context.Context, tx metastore.Transaction, meta *metastore.SegmentMetadata, source io.Reader, length int64, batch *record.Batch) error {
	if length == 0 {
		return nil
	}

	var lastChunkLen int64
	if meta.HasChunks() {
		lastChunkLen = meta.Length - meta.LastChunkStartOffset
	}
	policy := rolling.Policy{MaxLength: meta.MaxRollingLength}
	steps := policy.Plan(lastChunkLen, meta.HasChunks(), m.storage.SupportsAppend(), length)

	// lastCreated is the chunk this call created most recently; its metadata
	// exists only as a pending Create in tx, which tx reads do not see.
	var lastCreated *metastore.ChunkMetadata
	for _, step := range steps {
		stepReader := io.LimitReader(source, step.Length)
		segmentOffsetBeforeStep := meta.Length

		var chunkHandle chunkstorage.Handle
		var chunkName string
		var writeOffset int64

		if step.NewChunk {
			chunkName = newChunkName(meta.Name)
			h, err := m.storage.Create(ctx, chunkName)
			if err != nil {
				return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "create chunk")
			}
			chunkHandle = h
			writeOffset = 0
		} else {
			chunkName = meta.LastChunk
			h, err := m.storage.Open(ctx, chunkName)
			if err != nil {
				return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "open chunk for append")
			}
			chunkHandle = h
			writeOffset = lastChunkLen
		}

		n, err := m.storage.Write(ctx, chunkHandle, writeOffset, step.Length, stepReader)
		if err != nil {
			return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "write chunk")
		}
		if n != step.Length {
			return chunkerrors.New(chunkerrors.ChunkStorageFail, "short write to chunk storage")
		}

		if step.NewChunk {
			oldChunk := meta.LastChunk
			if lastCreated != nil && lastCreated.Name == oldChunk {
				lastCreated.NextChunk = chunkName
				if err := tx.Create(ctx, metastore.ChunkKey(oldChunk), lastCreated); err != nil {
					return err
				}
			} else if oldChunk != "" {
				var oldMeta metastore.ChunkMetadata
				ok, err := tx.GetForModification(ctx, metastore.ChunkKey(oldChunk), &oldMeta)
				if err != nil {
					return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read chunk metadata")
				}
				if ok {
					oldMeta.NextChunk = chunkName
					if err := tx.Update(ctx, metastore.ChunkKey(oldChunk), &oldMeta); err != nil {
						return err
					}
				}
			} else {
				meta.FirstChunk = chunkName
				meta.FirstChunkStartOffset = segmentOffsetBeforeStep
			}
			lastCreated = &metastore.ChunkMetadata{Name: chunkName, Length: step.Length}
			if err := tx.Create(ctx, metastore.ChunkKey(chunkName), lastCreated); err != nil {
				return err
			}
			if batch != nil {
				var oldPtr *string
				if oldChunk != "" {
					oldPtr = &oldChunk
				}
				batch.Append(&record.ChunkAddedRecord{
					SegmentName:  meta.Name,
					NewChunkName: chunkName,
					OldChunkName: oldPtr,
					Offset:       segmentOffsetBeforeStep,
				})
			}
			meta.LastChunk = chunkName
			meta.LastChunkStartOffset = segmentOffsetBeforeStep
			meta.ChunkCount++
			lastChunkLen = step.Length
		} else {
			var curMeta metastore.ChunkMetadata
			ok, err := tx.GetForModification(ctx, metastore.ChunkKey(chunkName), &curMeta)
			if err != nil {
				return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read chunk metadata")
			}
			if ok {
				curMeta.Length += step.Length
				if err := tx.Update(ctx, metastore.ChunkKey(chunkName), &curMeta); err != nil {
					return err
				}
			}
			lastChunkLen += step.Length
		}
		meta.Length += step.Length
	}
	return nil
}
