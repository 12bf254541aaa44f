package chunkmanager

import (
	"context"
	"time"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/future"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
	"github.com/nimbusfs/chunklayer/pkg/record"
)

// Truncate advances h's segment's startOffset to newStartOffset, unlinking
// and scheduling deletion of every chunk whose exclusive end is at or
// before newStartOffset. The chunk containing newStartOffset becomes the
// new firstChunk.
func (m *Manager) Truncate(ctx context.Context, h *Handle, newStartOffset int64) *future.Future[struct{}] {
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

		var pruned []string
		err = m.withMetaTxn(oc.Ctx, func(tx metastore.Transaction) error {
			pruned = nil
			var meta metastore.SegmentMetadata
			exists, err := tx.GetForModification(oc.Ctx, metastore.SegmentKey(h.SegmentName), &meta)
			if err != nil {
				return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read segment metadata")
			}
			if !exists {
				return chunkerrors.New(chunkerrors.SegmentNotFound, h.SegmentName)
			}
			if meta.OwnerEpoch != oc.Epoch {
				return chunkerrors.New(chunkerrors.StorageNotPrimary, h.SegmentName)
			}
			if newStartOffset < meta.StartOffset || newStartOffset > meta.Length {
				return chunkerrors.New(chunkerrors.BadOffset, h.SegmentName)
			}

			cur := meta.FirstChunk
			curStart := meta.FirstChunkStartOffset
			for cur != "" {
				var cm metastore.ChunkMetadata
				ok, err := tx.Get(oc.Ctx, metastore.ChunkKey(cur), &cm)
				if err != nil {
					return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read chunk metadata")
				}
				if !ok {
					break
				}
				chunkEnd := curStart + cm.Length
				if chunkEnd > newStartOffset {
					break
				}
				pruned = append(pruned, cur)
				curStart = chunkEnd
				cur = cm.NextChunk
			}

			for _, name := range pruned {
				if err := tx.Delete(oc.Ctx, metastore.ChunkKey(name)); err != nil {
					return err
				}
			}

			meta.StartOffset = newStartOffset
			meta.FirstChunk = cur
			meta.FirstChunkStartOffset = curStart
			meta.ChunkCount -= int32(len(pruned))
			meta.LastModified = time.Now().UnixNano()

			if isSystemSegment(oc.ContainerID, h.SegmentName) {
				batch := record.NewBatch(&record.TruncationRecord{
					SegmentName:    h.SegmentName,
					Offset:         newStartOffset,
					FirstChunkName: cur,
					StartOffset:    curStart,
				})
				if err := j.Append(oc.Ctx, batch); err != nil {
					return chunkerrors.Wrap(err, chunkerrors.JournalWriteFail, "append truncation batch")
				}
			}

			return tx.Update(oc.Ctx, metastore.SegmentKey(h.SegmentName), &meta)
		})
		if err != nil {
			return struct{}{}, err
		}

		for _, name := range pruned {
			if err := m.storage.Delete(ctx, name); err != nil {
				logger.WithContainer(oc.ContainerID, oc.Epoch).Warnf("truncate: failed to remove orphaned chunk %s of segment %s: %v", name, h.SegmentName, err)
			}
		}
		m.maybeSnapshot(oc.Ctx, j)
		return struct{}{}, nil
	})
}
