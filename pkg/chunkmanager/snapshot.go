package chunkmanager

import (
	"context"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/journal"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
	"github.com/nimbusfs/chunklayer/pkg/record"
)

// buildSystemSnapshot reads every system segment's current metadata and
// chunk chain straight from the metadata store and assembles a
// SystemSnapshotRecord, the live-state counterpart of the SegmentState
// journal.Bootstrap replays from the journal.
func (m *Manager) buildSystemSnapshot(ctx context.Context) (*record.SystemSnapshotRecord, error) {
	meta, _, err := m.requireReady()
	if err != nil {
		return nil, err
	}
	tx, err := meta.Begin(ctx)
	if err != nil {
		return nil, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "begin metadata transaction")
	}
	defer func() { _ = tx.Abort(ctx) }()

	snap := &record.SystemSnapshotRecord{Epoch: m.currentEpoch()}
	for _, name := range systemSegmentNames(m.containerID) {
		var segMeta metastore.SegmentMetadata
		exists, err := tx.Get(ctx, metastore.SegmentKey(name), &segMeta)
		if err != nil {
			return nil, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read segment metadata")
		}
		if !exists {
			continue
		}

		var chunks []metastore.ChunkMetadata
		cur := segMeta.FirstChunk
		for cur != "" {
			var cm metastore.ChunkMetadata
			ok, err := tx.Get(ctx, metastore.ChunkKey(cur), &cm)
			if err != nil {
				return nil, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read chunk metadata")
			}
			if !ok {
				break
			}
			chunks = append(chunks, cm)
			cur = cm.NextChunk
		}
		snap.Segments = append(snap.Segments, record.SegmentSnapshotRecord{Segment: segMeta, Chunks: chunks})
	}
	return snap, nil
}

// maybeSnapshot writes a mid-epoch snapshot once j's record-count threshold
// has been crossed since the last one, per Journal.ShouldSnapshot's
// "ChunkManager polls this after Append" contract. Best-effort: a failure
// here only costs a longer replay on the next bootstrap, so it is logged
// rather than propagated to the caller of Write/Truncate.
func (m *Manager) maybeSnapshot(ctx context.Context, j *journal.Journal) {
	if !j.ShouldSnapshot() {
		return
	}
	snap, err := m.buildSystemSnapshot(ctx)
	if err != nil {
		logger.WithContainer(m.containerID, m.currentEpoch()).Warnf("snapshot: failed to build mid-epoch snapshot: %v", err)
		return
	}
	if err := j.WriteSnapshot(ctx, snap); err != nil {
		logger.WithContainer(m.containerID, m.currentEpoch()).Warnf("snapshot: failed to write mid-epoch snapshot: %v", err)
	}
}
