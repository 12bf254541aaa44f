package chunkmanager

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/chunkstorage"
	"github.com/nimbusfs/chunklayer/pkg/future"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
)

// Concat appends all remaining bytes of source (from source.startOffset to
// source.length) onto target at targetOffset, which must equal target's
// current length. source must be sealed. When the backend supports
// server-side concat and target's last chunk is already full, source's
// chain is merged into target's existing last chunk via Storage.Concat;
// otherwise source bytes are copied into target's trailing chunk(s) via the
// same pipeline Write uses. Source metadata is removed on success.
func (m *Manager) Concat(ctx context.Context, target *Handle, targetOffset int64, source *Handle) *future.Future[struct{}] {
	return future.Run(m.executor, func() (struct{}, error) {
		if !target.Writable {
			return struct{}{}, chunkerrors.New(chunkerrors.StorageNotPrimary, "target handle is not open for write")
		}
		oc := m.opContext(ctx, 0)
		defer oc.release()

		var sourceData []byte

		err := m.withMetaTxn(oc.Ctx, func(tx metastore.Transaction) error {
			names := []string{target.SegmentName, source.SegmentName}
			sort.Strings(names)

			metas := make(map[string]*metastore.SegmentMetadata, 2)
			for _, n := range names {
				var sm metastore.SegmentMetadata
				ok, err := tx.GetForModification(oc.Ctx, metastore.SegmentKey(n), &sm)
				if err != nil {
					return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read segment metadata")
				}
				if !ok {
					return chunkerrors.New(chunkerrors.SegmentNotFound, n)
				}
				metas[n] = &sm
			}
			tgt := metas[target.SegmentName]
			src := metas[source.SegmentName]

			if !src.Sealed {
				return chunkerrors.New(chunkerrors.BadOffset, "concat source must be sealed")
			}
			if targetOffset != tgt.Length {
				return chunkerrors.New(chunkerrors.BadOffset, target.SegmentName)
			}
			if tgt.OwnerEpoch != oc.Epoch {
				return chunkerrors.New(chunkerrors.StorageNotPrimary, target.SegmentName)
			}

			var chain []metastore.ChunkMetadata
			cur := src.FirstChunk
			for cur != "" {
				var cm metastore.ChunkMetadata
				ok, err := tx.Get(oc.Ctx, metastore.ChunkKey(cur), &cm)
				if err != nil {
					return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read chunk metadata")
				}
				if !ok {
					break
				}
				chain = append(chain, cm)
				cur = cm.NextChunk
			}
			sourceLength := src.Length - src.StartOffset

			targetLastFull := tgt.HasChunks() && tgt.Length-tgt.LastChunkStartOffset >= tgt.MaxRollingLength
			relink := m.storage.SupportsConcat() && targetLastFull && sourceLength >= m.config.MinSizeForConcat &&
				src.StartOffset == src.FirstChunkStartOffset

			if relink {
				// targetLastFull guarantees tgt already has a last chunk to
				// merge into; merge every chunk of source's chain into it
				// via the storage-level concat primitive, then drop
				// source's now-physically-gone chunk metadata. Target's
				// chunk count and chain shape are otherwise unchanged: one
				// chunk absorbed the rest.
				oldLast := tgt.LastChunk
				targetHandle, err := m.storage.Open(oc.Ctx, oldLast)
				if err != nil {
					return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "open target chunk")
				}
				sourceHandles := make([]chunkstorage.Handle, 0, len(chain))
				for _, cm := range chain {
					sh, err := m.storage.Open(oc.Ctx, cm.Name)
					if err != nil {
						return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "open source chunk")
					}
					sourceHandles = append(sourceHandles, sh)
				}
				if _, err := m.storage.Concat(oc.Ctx, targetHandle, sourceHandles); err == chunkstorage.ErrConcatNotSupported {
					relink = false
				} else if err != nil {
					return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "concat chunks")
				}
			}

			if relink {
				oldLast := tgt.LastChunk
				var lastMeta metastore.ChunkMetadata
				ok, err := tx.GetForModification(oc.Ctx, metastore.ChunkKey(oldLast), &lastMeta)
				if err != nil {
					return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read chunk metadata")
				}
				if ok {
					lastMeta.Length += sourceLength
					if err := tx.Update(oc.Ctx, metastore.ChunkKey(oldLast), &lastMeta); err != nil {
						return err
					}
				}
				for _, cm := range chain {
					if err := tx.Delete(oc.Ctx, metastore.ChunkKey(cm.Name)); err != nil {
						return err
					}
				}

				tgt.Length += sourceLength
				tgt.LastModified = time.Now().UnixNano()

				if err := tx.Update(oc.Ctx, metastore.SegmentKey(target.SegmentName), tgt); err != nil {
					return err
				}
				return tx.Delete(oc.Ctx, metastore.SegmentKey(source.SegmentName))
			}

			// Copy fallback: materialize the source's remaining bytes now
			// (source's chunk chain was read above with plain Get; both
			// segment records are held via GetForModification) and write
			// them once the copy buffer is ready, below.
			buf := make([]byte, sourceLength)
			if err := m.readChunkChain(oc.Ctx, chain, src.FirstChunkStartOffset, src.StartOffset, buf); err != nil {
				return err
			}
			sourceData = buf

			if err := m.appendToSegment(oc.Ctx, tx, tgt, bytes.NewReader(sourceData), sourceLength, nil); err != nil {
				return err
			}
			tgt.LastModified = time.Now().UnixNano()
			if err := tx.Update(oc.Ctx, metastore.SegmentKey(target.SegmentName), tgt); err != nil {
				return err
			}
			return tx.Delete(oc.Ctx, metastore.SegmentKey(source.SegmentName))
		})
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
}

// readChunkChain fills dest with the bytes of chain covering
// [readFrom, readFrom+len(dest)), where chunkStart is chain[0]'s cumulative
// start offset within its segment.
func (m *Manager) readChunkChain(ctx context.Context, chain []metastore.ChunkMetadata, chunkStart int64, readFrom int64, dest []byte) error {
	pos := readFrom
	remaining := int64(len(dest))
	destOff := int64(0)
	cursor := chunkStart

	for _, cm := range chain {
		chunkEnd := cursor + cm.Length
		if remaining <= 0 {
			break
		}
		if pos < chunkEnd {
			inChunkOffset := pos - cursor
			toRead := min64(remaining, chunkEnd-pos)
			ch, err := m.storage.Open(ctx, cm.Name)
			if err != nil {
				return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "open chunk")
			}
			n, err := m.storage.Read(ctx, ch, inChunkOffset, toRead, dest, destOff)
			if err != nil {
				return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read chunk")
			}
			pos += n
			destOff += n
			remaining -= n
		}
		cursor = chunkEnd
	}
	if remaining > 0 {
		return chunkerrors.New(chunkerrors.OutOfBounds, "concat source chain shorter than declared length")
	}
	return nil
}
