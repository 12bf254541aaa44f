package journal

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusfs/chunklayer/pkg/chunkstorage/memstorage"
	"github.com/nimbusfs/chunklayer/pkg/metastore/memstore"
	"github.com/nimbusfs/chunklayer/pkg/record"
)

func TestJournalFileNameRoundTrip(t *testing.T) {
	name := journalFileName("c1", 3, 7)
	p, ok := parseJournalName("c1", name)
	require.True(t, ok)
	require.Equal(t, int64(3), p.epoch)
	require.Equal(t, int64(7), p.fileIndex)
	require.False(t, p.hasBatch)
}

func TestJournalBatchChunkNameRoundTrip(t *testing.T) {
	name := journalBatchChunkName("c1", 3, 7, 2)
	p, ok := parseJournalName("c1", name)
	require.True(t, ok)
	require.Equal(t, int64(3), p.epoch)
	require.Equal(t, int64(7), p.fileIndex)
	require.True(t, p.hasBatch)
	require.Equal(t, int64(2), p.batchIndex)
}

func TestParseJournalNameRejectsForeignContainer(t *testing.T) {
	name := journalFileName("c1", 3, 7)
	_, ok := parseJournalName("c2", name)
	require.False(t, ok)
}

func TestSnapshotChunkNameRoundTrip(t *testing.T) {
	name := snapshotChunkName("c1", 4, 1)
	p, ok := parseSnapshotName("c1", name)
	require.True(t, ok)
	require.Equal(t, int64(4), p.epoch)
	require.Equal(t, int64(1), p.snapshotIndex)
}

// newChunk creates a physical chunk with n bytes so applyChunkAdded's
// existence check passes.
func newChunk(t *testing.T, storage *memstorage.Storage, name string, n int64) {
	t.Helper()
	ctx := context.Background()
	h, err := storage.Create(ctx, name)
	require.NoError(t, err)
	if n > 0 {
		_, err = storage.Write(ctx, h, 0, n, bytes.NewReader(make([]byte, n)))
		require.NoError(t, err)
	}
}

func TestBootstrapReconstructsChunkChainAndRejectsZombie(t *testing.T) {
	ctx := context.Background()
	storage := memstorage.New(true)
	seg := "_system/containers/storage_metadata_c1"

	j1 := New(storage, "c1", 1, Config{})
	newChunk(t, storage, "chunk-a", 5)
	batch := record.NewBatch(&record.ChunkAddedRecord{SegmentName: seg, NewChunkName: "chunk-a", OldChunkName: nil, Offset: 0})
	require.NoError(t, j1.Append(ctx, batch))

	j2 := New(storage, "c1", 2, Config{})

	// A zombie write from a fenced-out epoch 1: its offset no longer
	// matches the chain (chunk-a already exists), so replay must drop it.
	newChunk(t, storage, "zombie-chunk", 5)
	zombieBatch := record.NewBatch(&record.ChunkAddedRecord{SegmentName: seg, NewChunkName: "zombie-chunk", OldChunkName: nil, Offset: 0})
	require.NoError(t, j1.Append(ctx, zombieBatch))

	// Bootstrap replays only epochs older than its own, so epoch 1's
	// records become visible from epoch 2 on.
	states, err := j2.Bootstrap(ctx, []string{seg}, 128, memstore.New())
	require.NoError(t, err)
	require.Equal(t, "chunk-a", states[seg].Meta.FirstChunk)

	newChunk(t, storage, "chunk-b", 6)
	oldName := "chunk-a"
	legit := record.NewBatch(&record.ChunkAddedRecord{SegmentName: seg, NewChunkName: "chunk-b", OldChunkName: &oldName, Offset: 5})
	require.NoError(t, j2.Append(ctx, legit))

	j3 := New(storage, "c1", 3, Config{})
	states2, err := j3.Bootstrap(ctx, []string{seg}, 128, memstore.New())
	require.NoError(t, err)
	st := states2[seg]
	require.Equal(t, "chunk-a", st.Meta.FirstChunk)
	require.Equal(t, "chunk-b", st.Meta.LastChunk)
	require.Len(t, st.Chunks, 2)
	require.Contains(t, st.Chunks, "chunk-a")
	require.Contains(t, st.Chunks, "chunk-b")
	require.NotContains(t, st.Chunks, "zombie-chunk")
}

func TestBootstrapAppliesTruncation(t *testing.T) {
	ctx := context.Background()
	storage := memstorage.New(true)
	seg := "_system/containers/storage_metadata_c1"

	j1 := New(storage, "c1", 1, Config{})
	newChunk(t, storage, "chunk-a", 5)
	newChunk(t, storage, "chunk-b", 5)
	b1 := record.NewBatch(&record.ChunkAddedRecord{SegmentName: seg, NewChunkName: "chunk-a", OldChunkName: nil, Offset: 0})
	require.NoError(t, j1.Append(ctx, b1))
	old := "chunk-a"
	b2 := record.NewBatch(&record.ChunkAddedRecord{SegmentName: seg, NewChunkName: "chunk-b", OldChunkName: &old, Offset: 5})
	require.NoError(t, j1.Append(ctx, b2))
	b3 := record.NewBatch(&record.TruncationRecord{SegmentName: seg, Offset: 5, FirstChunkName: "chunk-b", StartOffset: 5})
	require.NoError(t, j1.Append(ctx, b3))

	states, err := New(storage, "c1", 2, Config{}).Bootstrap(ctx, []string{seg}, 128, memstore.New())
	require.NoError(t, err)
	st := states[seg]
	require.Equal(t, int64(5), st.Meta.StartOffset)
	require.Equal(t, "chunk-b", st.Meta.FirstChunk)
	require.NotContains(t, st.Chunks, "chunk-a")
}

// TestBootstrapSurvivesJournalDeletionAfterSnapshot proves a snapshot alone
// reconstructs identical state once the journal that produced it is gone.
func TestBootstrapSurvivesJournalDeletionAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	storage := memstorage.New(true)
	seg := "_system/containers/storage_metadata_c1"

	j1 := New(storage, "c1", 1, Config{})
	newChunk(t, storage, "chunk-a", 5)
	b1 := record.NewBatch(&record.ChunkAddedRecord{SegmentName: seg, NewChunkName: "chunk-a", OldChunkName: nil, Offset: 0})
	require.NoError(t, j1.Append(ctx, b1))

	j2 := New(storage, "c1", 2, Config{})
	want, err := j2.Bootstrap(ctx, []string{seg}, 128, memstore.New())
	require.NoError(t, err)

	names, err := storage.List(ctx, journalPrefix("c1"))
	require.NoError(t, err)
	for _, n := range names {
		require.NoError(t, storage.Delete(ctx, n))
	}

	j3 := New(storage, "c1", 3, Config{})
	got, err := j3.Bootstrap(ctx, []string{seg}, 128, memstore.New())
	require.NoError(t, err)
	require.Equal(t, want[seg].Meta.FirstChunk, got[seg].Meta.FirstChunk)
	require.Equal(t, want[seg].Meta.LastChunk, got[seg].Meta.LastChunk)
	require.Equal(t, len(want[seg].Chunks), len(got[seg].Chunks))
}
