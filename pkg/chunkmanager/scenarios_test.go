package chunkmanager

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/chunkstorage"
	"github.com/nimbusfs/chunklayer/pkg/chunkstorage/memstorage"
	"github.com/nimbusfs/chunklayer/pkg/future"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
	"github.com/nimbusfs/chunklayer/pkg/metastore/memstore"
	"github.com/nimbusfs/chunklayer/pkg/rolling"
)

const testContainer = "c1"

// bootstrapManager attaches a manager to meta, the metadata store shared by
// every epoch in a scenario (as production does: all containers of a
// segment store bootstrap against the same persistent metadata, never a
// private copy). Fencing across epochs only works when callers pass the
// same meta to every bootstrapManager call in a test.
func bootstrapManager(t *testing.T, storage chunkstorage.Storage, meta metastore.Store, epoch int64, maxRollingLength int64) *Manager {
	t.Helper()
	m := New(testContainer, storage, future.Inline{}, Config{DefaultRollingPolicy: rolling.Policy{MaxLength: maxRollingLength}})
	m.Initialize(epoch)
	_, err := m.Bootstrap(context.Background(), meta).Get(context.Background())
	require.NoError(t, err)
	return m
}

func systemSegment() string {
	return systemSegmentNames(testContainer)[0]
}

func writeString(t *testing.T, m *Manager, h *Handle, offset int64, s string) {
	t.Helper()
	_, err := m.Write(context.Background(), h, offset, bytes.NewReader([]byte(s)), int64(len(s))).Get(context.Background())
	require.NoError(t, err)
}

func readAll(t *testing.T, m *Manager, segmentName string, offset, length int64) string {
	t.Helper()
	buf := make([]byte, length)
	h, err := m.OpenRead(context.Background(), segmentName).Get(context.Background())
	require.NoError(t, err)
	n, err := m.Read(context.Background(), h, offset, buf, 0, length).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, length, n)
	return string(buf)
}

// Scenario 1: single failover. Epoch 1 writes across a chunk boundary;
// epoch 2 recovers against the same metadata store and physical chunk
// storage and must see identical, fully-linked content.
func TestScenarioSingleFailover(t *testing.T) {
	storage := memstorage.New(true)
	meta := memstore.New()
	seg := systemSegment()

	m1 := bootstrapManager(t, storage, meta, 1, 8)
	h1, err := m1.OpenWrite(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	writeString(t, m1, h1, 0, "Hello")
	writeString(t, m1, h1, 5, " World")

	m2 := bootstrapManager(t, storage, meta, 2, 8)
	info, err := m2.GetStreamSegmentInfo(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(11), info.Length)
	require.Equal(t, int32(2), info.ChunkCount)

	require.Equal(t, "Hello World", readAll(t, m2, seg, 0, 11))
}

// Scenario 2: zombie writer. Epoch 1's handle is fenced out the moment
// epoch 2 claims ownership by bootstrapping against the same metadata
// store; its write must be rejected and its bytes must never appear in
// epoch 2's reconstructed layout.
func TestScenarioZombieWriter(t *testing.T) {
	storage := memstorage.New(true)
	meta := memstore.New()
	seg := systemSegment()

	m1 := bootstrapManager(t, storage, meta, 1, 64)
	h1, err := m1.OpenWrite(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	writeString(t, m1, h1, 0, "Hello")

	m2 := bootstrapManager(t, storage, meta, 2, 64)
	h2, err := m2.OpenWrite(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)

	_, err = m1.Write(context.Background(), h1, 5, bytes.NewReader([]byte("junk")), 4).Get(context.Background())
	require.Error(t, err)

	writeString(t, m2, h2, 5, " World")

	info, err := m2.GetStreamSegmentInfo(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(11), info.Length)
	require.Equal(t, "Hello World", readAll(t, m2, seg, 0, 11))
}

// Scenario 2b: zombie delete. Epoch 1's handle is fenced out of Delete the
// same way it is fenced out of Write once epoch 2 claims ownership; the
// segment must survive epoch 1's attempt and still be deletable by epoch 2.
func TestScenarioZombieDelete(t *testing.T) {
	storage := memstorage.New(true)
	meta := memstore.New()

	m1 := bootstrapManager(t, storage, meta, 1, 64)
	h1, err := m1.Create(context.Background(), "victim", rolling.Policy{MaxLength: 64}).Get(context.Background())
	require.NoError(t, err)
	writeString(t, m1, h1, 0, "Hello")

	m2 := bootstrapManager(t, storage, meta, 2, 64)
	h2, err := m2.OpenWrite(context.Background(), "victim").Get(context.Background())
	require.NoError(t, err)

	_, err = m1.Delete(context.Background(), h1).Get(context.Background())
	require.Error(t, err)
	kind, ok := chunkerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, chunkerrors.StorageNotPrimary, kind)

	info, err := m2.GetStreamSegmentInfo(context.Background(), "victim").Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), info.Length)

	_, err = m2.Delete(context.Background(), h2).Get(context.Background())
	require.NoError(t, err)

	_, err = m2.GetStreamSegmentInfo(context.Background(), "victim").Get(context.Background())
	require.Error(t, err)
}

// Scenario 3: multi-failover loop. Each of nine successive epochs bootstraps
// against the same metadata store and appends its own marker while the
// immediately preceding epoch's handle is fenced out.
func TestScenarioMultiFailoverLoop(t *testing.T) {
	storage := memstorage.New(true)
	meta := memstore.New()
	seg := systemSegment()

	var want string
	var prev *Manager
	var prevHandle *Handle
	for i := 1; i <= 9; i++ {
		m := bootstrapManager(t, storage, meta, int64(i), 4096)
		h, err := m.OpenWrite(context.Background(), seg).Get(context.Background())
		require.NoError(t, err)

		if prev != nil {
			_, err := prev.Write(context.Background(), prevHandle, int64(len(want)), bytes.NewReader([]byte("junk")), 4).Get(context.Background())
			require.Error(t, err)
		}

		token := "Test" + string(rune('0'+i))
		writeString(t, m, h, int64(len(want)), token)
		want += token

		prev, prevHandle = m, h
	}

	info, err := prev.GetStreamSegmentInfo(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	require.Zero(t, info.StartOffset)
	require.Equal(t, want, readAll(t, prev, seg, 0, info.Length))
}

// Scenario 4: truncate across failovers. A chunk consumed entirely before
// the new startOffset is dropped from the chain; bytes at and after it
// survive a subsequent failover untouched.
func TestScenarioTruncateAcrossFailover(t *testing.T) {
	storage := memstorage.New(true)
	meta := memstore.New()
	seg := systemSegment()

	m1 := bootstrapManager(t, storage, meta, 1, 12)
	h1, err := m1.OpenWrite(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	writeString(t, m1, h1, 0, "JUNKJUNKJUNK")
	writeString(t, m1, h1, 12, "Hello")

	_, err = m1.Truncate(context.Background(), h1, 12).Get(context.Background())
	require.NoError(t, err)

	m2 := bootstrapManager(t, storage, meta, 2, 12)
	h2, err := m2.OpenWrite(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	writeString(t, m2, h2, 17, " World")

	info, err := m2.GetStreamSegmentInfo(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(23), info.Length)
	require.Equal(t, int64(12), info.StartOffset)
	require.Equal(t, "Hello World", readAll(t, m2, seg, 12, 11))
}

// Scenario 5: snapshot replay. Once a snapshot has been written at epoch E,
// a later bootstrap must reconstruct identical metadata even if every
// journal file predating that snapshot has since been removed.
func TestScenarioSnapshotReplay(t *testing.T) {
	storage := memstorage.New(true)
	meta := memstore.New()
	seg := systemSegment()

	m1 := bootstrapManager(t, storage, meta, 1, 64)
	h1, err := m1.OpenWrite(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	writeString(t, m1, h1, 0, "Hello")

	// Bootstrapping epoch 2 replays epoch 1's journal and writes a fresh
	// snapshot tagged at epoch 2, capturing everything replayed so far.
	m2 := bootstrapManager(t, storage, meta, 2, 64)
	want, err := m2.GetStreamSegmentInfo(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)

	names, err := storage.List(context.Background(), "_journal/"+testContainer+"/")
	require.NoError(t, err)
	for _, n := range names {
		require.NoError(t, storage.Delete(context.Background(), n))
	}

	m3 := bootstrapManager(t, storage, meta, 3, 64)
	got, err := m3.GetStreamSegmentInfo(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, want.Length, got.Length)
	require.Equal(t, want.StartOffset, got.StartOffset)
	require.Equal(t, want.FirstChunk, got.FirstChunk)
	require.Equal(t, want.LastChunk, got.LastChunk)
	require.Equal(t, want.ChunkCount, got.ChunkCount)
}

// Scenario 5b: mid-epoch snapshot. A journal-record-count threshold crossed
// mid-epoch must produce its own snapshot, not just the one Bootstrap takes
// at epoch start; the journal file that predates it becomes disposable the
// moment it fires.
func TestScenarioMidEpochSnapshot(t *testing.T) {
	storage := memstorage.New(true)
	meta := memstore.New()
	seg := systemSegment()

	m1 := New(testContainer, storage, future.Inline{}, Config{
		DefaultRollingPolicy:    rolling.Policy{MaxLength: 4},
		JournalSnapshotInterval: 2,
	})
	m1.Initialize(1)
	_, err := m1.Bootstrap(context.Background(), meta).Get(context.Background())
	require.NoError(t, err)

	h1, err := m1.OpenWrite(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)

	// Each write below fills and rolls a full 4-byte chunk, so each appends
	// one ChunkAddedRecord; the second crosses the interval-of-2 threshold
	// and fires a mid-epoch snapshot, rotating the journal file.
	writeString(t, m1, h1, 0, "AAAA")
	writeString(t, m1, h1, 4, "BBBB")

	preSnapshot, err := storage.List(context.Background(), "_journal/"+testContainer+"/")
	require.NoError(t, err)
	require.NotEmpty(t, preSnapshot)

	// Lands in the fresh, post-snapshot journal file.
	writeString(t, m1, h1, 8, "CCCC")

	// The pre-snapshot journal file no longer carries anything a bootstrap
	// needs: the mid-epoch snapshot already captured AAAA and BBBB's chunk
	// chain, so deleting it must not lose them.
	for _, n := range preSnapshot {
		require.NoError(t, storage.Delete(context.Background(), n))
	}

	m2 := bootstrapManager(t, storage, meta, 2, 4)
	info, err := m2.GetStreamSegmentInfo(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(12), info.Length)
	require.Equal(t, "AAAABBBBCCCC", readAll(t, m2, seg, 0, 12))
}

// Scenario 6: non-append backend. Every write step seals a new chunk, so
// chunk count grows at least as fast as the number of write calls, but the
// reconstructed content is identical to the append-capable case.
func TestScenarioNonAppendBackend(t *testing.T) {
	storage := memstorage.New(false)
	meta := memstore.New()
	seg := systemSegment()

	m1 := bootstrapManager(t, storage, meta, 1, 8)
	h1, err := m1.OpenWrite(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	writeString(t, m1, h1, 0, "Hello")
	writeString(t, m1, h1, 5, " World")

	m2 := bootstrapManager(t, storage, meta, 2, 8)
	info, err := m2.GetStreamSegmentInfo(context.Background(), seg).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(11), info.Length)
	require.GreaterOrEqual(t, info.ChunkCount, int32(2))
	require.Equal(t, "Hello World", readAll(t, m2, seg, 0, 11))
}
