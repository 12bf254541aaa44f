package chunkmanager

import (
	"context"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/future"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
)

// Read fills buffer[bufferOffset:bufferOffset+length] with h's segment's
// bytes starting at offset, walking the chunk chain and skipping chunks
// whose cumulative end is at or before offset. When the metadata store
// implements metastore.ChunkIndexHint the walk starts from its nearest
// sampled chunk at or before offset instead of always from FirstChunk,
// shortening the scan for long chains; a store without a hint (or with
// none for this segment) falls back to the full linear walk.
func (m *Manager) Read(ctx context.Context, h *Handle, offset int64, buffer []byte, bufferOffset int64, length int64) *future.Future[int64] {
	return future.Run(m.executor, func() (int64, error) {
		meta, _, err := m.requireReady()
		if err != nil {
			return 0, err
		}
		tx, err := meta.Begin(ctx)
		if err != nil {
			return 0, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "begin metadata transaction")
		}
		defer tx.Abort(ctx)

		var segMeta metastore.SegmentMetadata
		exists, err := tx.Get(ctx, metastore.SegmentKey(h.SegmentName), &segMeta)
		if err != nil {
			return 0, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read segment metadata")
		}
		if !exists {
			return 0, chunkerrors.New(chunkerrors.SegmentNotFound, h.SegmentName)
		}
		if offset < segMeta.StartOffset || offset+length > segMeta.Length {
			return 0, chunkerrors.New(chunkerrors.OutOfBounds, h.SegmentName)
		}
		if length == 0 {
			return 0, nil
		}

		pos := offset
		destOff := bufferOffset
		remaining := length
		var total int64

		chunkStart := segMeta.FirstChunkStartOffset
		cur := segMeta.FirstChunk
		if hinter, ok := meta.(metastore.ChunkIndexHint); ok {
			if hint, ok := hinter.ChunkAtOrBefore(ctx, h.SegmentName, offset); ok {
				chunkStart = hint.StartOffset
				cur = hint.ChunkName
			}
		}
		for remaining > 0 {
			if cur == "" {
				return total, chunkerrors.New(chunkerrors.OutOfBounds, "read ran past the end of the chunk chain")
			}
			var cm metastore.ChunkMetadata
			ok, err := tx.Get(ctx, metastore.ChunkKey(cur), &cm)
			if err != nil {
				return total, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read chunk metadata")
			}
			if !ok {
				return total, chunkerrors.New(chunkerrors.ChunkNotFound, cur)
			}
			chunkEnd := chunkStart + cm.Length

			if pos < chunkEnd {
				inChunkOffset := pos - chunkStart
				toRead := min64(remaining, chunkEnd-pos)

				ch, err := m.storage.Open(ctx, cur)
				if err != nil {
					return total, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "open chunk")
				}
				n, err := m.storage.Read(ctx, ch, inChunkOffset, toRead, buffer, destOff)
				if err != nil {
					return total, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read chunk")
				}
				pos += n
				destOff += n
				remaining -= n
				total += n
				if n < toRead {
					return total, chunkerrors.New(chunkerrors.ChunkStorageFail, "short read from chunk storage")
				}
			}
			chunkStart = chunkEnd
			cur = cm.NextChunk
		}
		return total, nil
	})
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
