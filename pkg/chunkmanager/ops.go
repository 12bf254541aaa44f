package chunkmanager

import (
	"context"
	"time"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/future"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
	"github.com/nimbusfs/chunklayer/pkg/rolling"
)

// Create allocates a new segment. policy, if its MaxLength is <= 0, falls
// back to the Manager's DefaultRollingPolicy.
func (m *Manager) Create(ctx context.Context, segmentName string, policy rolling.Policy) *future.Future[*Handle] {
	return future.Run(m.executor, func() (*Handle, error) {
		if policy.MaxLength <= 0 {
			policy = m.config.DefaultRollingPolicy
		}
		oc := m.opContext(ctx, 0)
		defer oc.release()
		err := m.withMetaTxn(oc.Ctx, func(tx metastore.Transaction) error {
			var existing metastore.SegmentMetadata
			exists, err := tx.Get(oc.Ctx, metastore.SegmentKey(segmentName), &existing)
			if err != nil {
				return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read segment metadata")
			}
			if exists {
				return chunkerrors.New(chunkerrors.SegmentExists, segmentName)
			}
			meta := metastore.SegmentMetadata{
				Name:             segmentName,
				MaxRollingLength: policy.MaxLength,
				OwnerEpoch:       oc.Epoch,
				LastModified:     time.Now().UnixNano(),
			}
			return tx.Create(oc.Ctx, metastore.SegmentKey(segmentName), &meta)
		})
		if err != nil {
			return nil, err
		}
		return &Handle{SegmentName: segmentName, Writable: true}, nil
	})
}

// OpenWrite validates the segment exists and fences out a newer owner's
// write, re-claiming ownership for the current epoch.
func (m *Manager) OpenWrite(ctx context.Context, segmentName string) *future.Future[*Handle] {
	return future.Run(m.executor, func() (*Handle, error) {
		oc := m.opContext(ctx, 0)
		defer oc.release()
		err := m.withMetaTxn(oc.Ctx, func(tx metastore.Transaction) error {
			var meta metastore.SegmentMetadata
			exists, err := tx.GetForModification(oc.Ctx, metastore.SegmentKey(segmentName), &meta)
			if err != nil {
				return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read segment metadata")
			}
			if !exists {
				return chunkerrors.New(chunkerrors.SegmentNotFound, segmentName)
			}
			if meta.OwnerEpoch > oc.Epoch {
				return chunkerrors.New(chunkerrors.StorageNotPrimary, segmentName)
			}
			if meta.Sealed {
				return chunkerrors.New(chunkerrors.SegmentSealed, segmentName)
			}
			meta.OwnerEpoch = oc.Epoch
			meta.LastModified = time.Now().UnixNano()
			return tx.Update(oc.Ctx, metastore.SegmentKey(segmentName), &meta)
		})
		if err != nil {
			return nil, err
		}
		return &Handle{SegmentName: segmentName, Writable: true}, nil
	})
}

// OpenRead returns a read-only handle. No fencing is performed: readers
// tolerate in-flight writes from either epoch and never observe a
// half-linked chunk, since chunks are linked only at transaction commit.
func (m *Manager) OpenRead(ctx context.Context, segmentName string) *future.Future[*Handle] {
	return future.Run(m.executor, func() (*Handle, error) {
		meta, _, err := m.requireReady()
		if err != nil {
			return nil, err
		}
		tx, err := meta.Begin(ctx)
		if err != nil {
			return nil, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "begin metadata transaction")
		}
		var segMeta metastore.SegmentMetadata
		exists, err := tx.Get(ctx, metastore.SegmentKey(segmentName), &segMeta)
		_ = tx.Abort(ctx)
		if err != nil {
			return nil, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read segment metadata")
		}
		if !exists {
			return nil, chunkerrors.New(chunkerrors.SegmentNotFound, segmentName)
		}
		return &Handle{SegmentName: segmentName, Writable: false}, nil
	})
}

// Seal marks h's segment sealed; subsequent writes fail with SEGMENT_SEALED.
func (m *Manager) Seal(ctx context.Context, h *Handle) *future.Future[struct{}] {
	return future.Run(m.executor, func() (struct{}, error) {
		oc := m.opContext(ctx, 0)
		defer oc.release()
		err := m.withMetaTxn(oc.Ctx, func(tx metastore.Transaction) error {
			var meta metastore.SegmentMetadata
			exists, err := tx.GetForModification(oc.Ctx, metastore.SegmentKey(h.SegmentName), &meta)
			if err != nil {
				return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read segment metadata")
			}
			if !exists {
				return chunkerrors.New(chunkerrors.SegmentNotFound, h.SegmentName)
			}
			if meta.OwnerEpoch > oc.Epoch {
				return chunkerrors.New(chunkerrors.StorageNotPrimary, h.SegmentName)
			}
			meta.Sealed = true
			meta.LastModified = time.Now().UnixNano()
			return tx.Update(oc.Ctx, metastore.SegmentKey(h.SegmentName), &meta)
		})
		return struct{}{}, err
	})
}

// Delete removes h's segment metadata and every chunk reachable from its
// chunk chain. Chunk metadata is removed inside the same transaction as the
// segment; the physical chunk deletes happen afterward and are best-effort,
// since orphaned chunks are a tolerated steady-state condition reclaimed by
// the background reconciler. Like every other mutator, a fenced-out owner
// is rejected before anything is deleted.
func (m *Manager) Delete(ctx context.Context, h *Handle) *future.Future[struct{}] {
	return future.Run(m.executor, func() (struct{}, error) {
		oc := m.opContext(ctx, 0)
		defer oc.release()
		var toDelete []string
		err := m.withMetaTxn(oc.Ctx, func(tx metastore.Transaction) error {
			toDelete = nil
			var meta metastore.SegmentMetadata
			exists, err := tx.GetForModification(oc.Ctx, metastore.SegmentKey(h.SegmentName), &meta)
			if err != nil {
				return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read segment metadata")
			}
			if !exists {
				return chunkerrors.New(chunkerrors.SegmentNotFound, h.SegmentName)
			}
			if meta.OwnerEpoch > oc.Epoch {
				return chunkerrors.New(chunkerrors.StorageNotPrimary, h.SegmentName)
			}
			cur := meta.FirstChunk
			for cur != "" {
				var c metastore.ChunkMetadata
				ok, err := tx.Get(oc.Ctx, metastore.ChunkKey(cur), &c)
				if err != nil {
					return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read chunk metadata")
				}
				if !ok {
					break
				}
				toDelete = append(toDelete, cur)
				if err := tx.Delete(oc.Ctx, metastore.ChunkKey(cur)); err != nil {
					return err
				}
				cur = c.NextChunk
			}
			return tx.Delete(oc.Ctx, metastore.SegmentKey(h.SegmentName))
		})
		if err != nil {
			return struct{}{}, err
		}
		for _, name := range toDelete {
			if err := m.storage.Delete(oc.Ctx, name); err != nil {
				logger.WithContainer(m.containerID, m.currentEpoch()).Warnf("delete: failed to remove chunk %s of segment %s: %v", name, h.SegmentName, err)
			}
		}
		return struct{}{}, nil
	})
}

// GetStreamSegmentInfo returns the segment's current metadata.
func (m *Manager) GetStreamSegmentInfo(ctx context.Context, segmentName string) *future.Future[metastore.SegmentMetadata] {
	return future.Run(m.executor, func() (metastore.SegmentMetadata, error) {
		meta, _, err := m.requireReady()
		if err != nil {
			return metastore.SegmentMetadata{}, err
		}
		tx, err := meta.Begin(ctx)
		if err != nil {
			return metastore.SegmentMetadata{}, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "begin metadata transaction")
		}
		var segMeta metastore.SegmentMetadata
		exists, err := tx.Get(ctx, metastore.SegmentKey(segmentName), &segMeta)
		_ = tx.Abort(ctx)
		if err != nil {
			return metastore.SegmentMetadata{}, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read segment metadata")
		}
		if !exists {
			return metastore.SegmentMetadata{}, chunkerrors.New(chunkerrors.SegmentNotFound, segmentName)
		}
		return segMeta, nil
	})
}

// ListSegments enumerates every known segment name. It requires the wired
// metastore.Store to implement metastore.KeyLister; the core Transaction
// contract has no scan primitive, so a Store that only implements
// Transaction semantics cannot support this operation.
func (m *Manager) ListSegments(ctx context.Context) *future.Future[[]string] {
	return future.Run(m.executor, func() ([]string, error) {
		meta, _, err := m.requireReady()
		if err != nil {
			return nil, err
		}
		lister, ok := meta.(metastore.KeyLister)
		if !ok {
			return nil, chunkerrors.New(chunkerrors.ChunkStorageFail, "metadata store does not support listing")
		}
		keys, err := lister.ListKeys(ctx, "seg/")
		if err != nil {
			return nil, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "list segment keys")
		}
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k[len("seg/"):]
		}
		return names, nil
	})
}
