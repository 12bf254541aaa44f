package journal

import (
	"context"
	"sort"
	"time"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/chunkstorage"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
	"github.com/nimbusfs/chunklayer/pkg/record"
)

// SegmentState is the in-memory reconstruction of one system segment's
// layout during replay: its metadata plus every chunk known to belong to
// it, keyed by chunk name so ChunkAddedRecord/TruncationRecord application
// can link and prune in O(1).
type SegmentState struct {
	Meta   metastore.SegmentMetadata
	Chunks map[string]metastore.ChunkMetadata
}

func emptySegmentState(name string, maxRollingLength int64) *SegmentState {
	return &SegmentState{
		Meta: metastore.SegmentMetadata{
			Name:             name,
			MaxRollingLength: maxRollingLength,
		},
		Chunks: make(map[string]metastore.ChunkMetadata),
	}
}

// Bootstrap rebuilds segmentNames' metadata as of the last durable state
// strictly before j.epoch, commits it into metaStore, and then starts
// j.epoch's own snapshot + fresh journal file. See package doc and
// spec §4.6 "Recovery algorithm" for the rules this implements.
func (j *Journal) Bootstrap(ctx context.Context, segmentNames []string, defaultMaxRollingLength int64, metaStore metastore.Store) (map[string]*SegmentState, error) {
	states := make(map[string]*SegmentState, len(segmentNames))
	for _, name := range segmentNames {
		states[name] = emptySegmentState(name, defaultMaxRollingLength)
	}

	snapshotEpoch, err := j.loadLatestSnapshot(ctx, states)
	if err != nil {
		return nil, err
	}

	// A snapshot holds each last chunk's length as of when it was taken, and
	// appends that later grew that chunk in place wrote no journal record, so
	// the last chunk's length is re-read from chunk storage before replay.
	for _, st := range states {
		last, ok := st.Chunks[st.Meta.LastChunk]
		if !ok {
			continue
		}
		info, err := j.storage.GetInfo(ctx, last.Name)
		if err != nil || !info.Exists || info.Length <= last.Length {
			continue
		}
		last.Length = info.Length
		st.Chunks[last.Name] = last
		st.Meta.Length = st.Meta.LastChunkStartOffset + info.Length
	}

	if err := j.replayBatches(ctx, snapshotEpoch, states); err != nil {
		return nil, err
	}

	if err := j.commitStates(ctx, metaStore, states); err != nil {
		return nil, err
	}

	snap := &record.SystemSnapshotRecord{Epoch: j.epoch}
	for _, name := range segmentNames {
		snap.Segments = append(snap.Segments, toSnapshotRecord(states[name]))
	}
	if err := j.WriteSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	return states, nil
}

func toSnapshotRecord(s *SegmentState) record.SegmentSnapshotRecord {
	chunks := make([]metastore.ChunkMetadata, 0, len(s.Chunks))
	for _, c := range s.Chunks {
		chunks = append(chunks, c)
	}
	return record.SegmentSnapshotRecord{Segment: s.Meta, Chunks: chunks}
}

// loadLatestSnapshot finds the snapshot with the greatest epoch strictly
// less than j.epoch and, if one exists, seeds states from it. It returns
// the epoch floor replay should start from (the snapshot's epoch, or 0 if
// none was found and segments start empty).
func (j *Journal) loadLatestSnapshot(ctx context.Context, states map[string]*SegmentState) (int64, error) {
	names, err := j.storage.List(ctx, snapshotPrefix(j.containerID))
	if err != nil {
		return 0, chunkerrors.Wrap(err, chunkerrors.BootstrapFailed, "list snapshots")
	}

	var bestEpoch int64 = -1
	var bestIndex int64 = -1
	var bestName string
	for _, name := range names {
		p, ok := parseSnapshotName(j.containerID, name)
		if !ok {
			continue
		}
		// Open question resolved: a snapshot whose epoch equals the
		// current epoch is treated the same as a zombie's — ignored.
		if p.epoch >= j.epoch {
			continue
		}
		if p.epoch > bestEpoch || (p.epoch == bestEpoch && p.snapshotIndex > bestIndex) {
			bestEpoch, bestIndex, bestName = p.epoch, p.snapshotIndex, name
		}
	}

	if bestName == "" {
		return 0, nil
	}

	snap, err := j.readSnapshotChunk(ctx, bestName)
	if err != nil {
		logger.Warnf("bootstrap: snapshot %s unreadable, falling back to empty state: %v", bestName, err)
		return 0, nil
	}

	for _, segRec := range snap.Segments {
		st, ok := states[segRec.Segment.Name]
		if !ok {
			continue // segment no longer in the canonical set; ignore
		}
		st.Meta = segRec.Segment
		st.Chunks = make(map[string]metastore.ChunkMetadata, len(segRec.Chunks))
		for _, c := range segRec.Chunks {
			st.Chunks[c.Name] = c
		}
	}
	return bestEpoch, nil
}

type batchSource struct {
	epoch     int64
	fileIndex int64
	// frames holds every batch payload belonging to this file, already in
	// on-disk order; replay stops at the first one that fails to decode.
	frames [][]byte
}

// replayBatches applies every journal record with epoch in
// [fromEpoch, j.epoch) to states, in ascending (epoch, fileIndex,
// batchIndex) order.
func (j *Journal) replayBatches(ctx context.Context, fromEpoch int64, states map[string]*SegmentState) error {
	sources, err := j.collectBatchSources(ctx, fromEpoch)
	if err != nil {
		return err
	}

	for _, src := range sources {
		for _, frame := range src.frames {
			payload, err := record.MaybeDecompress(frame)
			if err != nil {
				logger.Debugf("bootstrap: epoch=%d file=%d undecodable frame, stopping file: %v", src.epoch, src.fileIndex, err)
				break
			}
			batch, err := record.DecodeBatch(payload)
			if err != nil {
				logger.Debugf("bootstrap: epoch=%d file=%d undecodable batch, stopping file: %v", src.epoch, src.fileIndex, err)
				break
			}
			for _, rec := range batch.Records {
				applyRecord(ctx, j.storage, states, rec)
			}
		}
	}
	return nil
}

// collectBatchSources discovers every journal chunk in [fromEpoch,
// j.epoch), groups append-mode files into one batchSource per file (with
// frames split out in file order) and non-append mode ones into one
// batchSource per fileIndex (with the frames being its constituent
// batch-indexed chunks' raw payloads, in batchIndex order), then returns
// them ordered by (epoch, fileIndex).
func (j *Journal) collectBatchSources(ctx context.Context, fromEpoch int64) ([]batchSource, error) {
	names, err := j.storage.List(ctx, journalPrefix(j.containerID))
	if err != nil {
		return nil, chunkerrors.Wrap(err, chunkerrors.BootstrapFailed, "list journal files")
	}

	type key struct{ epoch, fileIndex int64 }
	grouped := make(map[key][]parsedJournalName)
	for _, name := range names {
		p, ok := parseJournalName(j.containerID, name)
		if !ok {
			continue
		}
		if p.epoch < fromEpoch || p.epoch >= j.epoch {
			continue
		}
		k := key{p.epoch, p.fileIndex}
		grouped[k] = append(grouped[k], p)
	}

	var sources []batchSource
	for k, parsedList := range grouped {
		src := batchSource{epoch: k.epoch, fileIndex: k.fileIndex}
		if j.storage.SupportsAppend() {
			name := journalFileName(j.containerID, k.epoch, k.fileIndex)
			data, err := readWholeChunk(ctx, j.storage, name)
			if err != nil {
				logger.Warnf("bootstrap: file %s missing despite being listed, treating as empty: %v", name, err)
				continue
			}
			src.frames = frameSplit(data)
		} else {
			sort.Slice(parsedList, func(a, b int) bool { return parsedList[a].batchIndex < parsedList[b].batchIndex })
			for _, p := range parsedList {
				name := journalBatchChunkName(j.containerID, p.epoch, p.fileIndex, p.batchIndex)
				data, err := readWholeChunk(ctx, j.storage, name)
				if err != nil {
					logger.Warnf("bootstrap: batch chunk %s missing, stopping file: %v", name, err)
					break
				}
				src.frames = append(src.frames, data)
			}
		}
		sources = append(sources, src)
	}

	sort.Slice(sources, func(i, k int) bool {
		if sources[i].epoch != sources[k].epoch {
			return sources[i].epoch < sources[k].epoch
		}
		return sources[i].fileIndex < sources[k].fileIndex
	})
	return sources, nil
}

// applyRecord mutates states to reflect rec if and only if rec is
// consistent with the state built up so far; a record written by a zombie
// predecessor diverges from the current chain and is silently dropped,
// which is the whole of the zombie-rejection mechanism (spec §4.6).
func applyRecord(ctx context.Context, storage chunkstorage.Storage, states map[string]*SegmentState, rec record.Record) {
	switch r := rec.(type) {
	case *record.ChunkAddedRecord:
		applyChunkAdded(ctx, storage, states, r)
	case *record.TruncationRecord:
		applyTruncation(states, r)
	}
}

func applyChunkAdded(ctx context.Context, storage chunkstorage.Storage, states map[string]*SegmentState, r *record.ChunkAddedRecord) {
	st, ok := states[r.SegmentName]
	if !ok {
		return
	}

	oldName := st.Meta.LastChunk
	var oldMatches bool
	if r.OldChunkName == nil {
		oldMatches = oldName == ""
	} else {
		oldMatches = oldName == *r.OldChunkName
	}
	if !oldMatches || r.Offset != st.Meta.Length {
		return
	}

	info, err := storage.GetInfo(ctx, r.NewChunkName)
	if err != nil || !info.Exists {
		return
	}

	if oldName != "" {
		c := st.Chunks[oldName]
		c.NextChunk = r.NewChunkName
		st.Chunks[oldName] = c
	} else {
		st.Meta.FirstChunk = r.NewChunkName
		st.Meta.FirstChunkStartOffset = r.Offset
	}
	st.Chunks[r.NewChunkName] = metastore.ChunkMetadata{Name: r.NewChunkName, Length: info.Length}
	st.Meta.LastChunk = r.NewChunkName
	st.Meta.LastChunkStartOffset = r.Offset
	st.Meta.ChunkCount++
	st.Meta.Length = r.Offset + info.Length
	st.Meta.LastModified = time.Now().UnixNano()
}

func applyTruncation(states map[string]*SegmentState, r *record.TruncationRecord) {
	st, ok := states[r.SegmentName]
	if !ok {
		return
	}
	if r.Offset < st.Meta.StartOffset || r.Offset > st.Meta.Length {
		return
	}

	if r.FirstChunkName == st.Meta.FirstChunk {
		if r.StartOffset != st.Meta.FirstChunkStartOffset {
			return
		}
		st.Meta.StartOffset = r.Offset
		st.Meta.LastModified = time.Now().UnixNano()
		return
	}

	var pruned []string
	cur := st.Meta.FirstChunk
	curOffset := st.Meta.FirstChunkStartOffset
	for cur != "" {
		c, ok := st.Chunks[cur]
		if !ok {
			return // broken chain, reject the record
		}
		if cur == r.FirstChunkName {
			if curOffset != r.StartOffset {
				return
			}
			for _, p := range pruned {
				delete(st.Chunks, p)
			}
			st.Meta.FirstChunk = cur
			st.Meta.FirstChunkStartOffset = curOffset
			st.Meta.StartOffset = r.Offset
			st.Meta.ChunkCount -= int32(len(pruned))
			st.Meta.LastModified = time.Now().UnixNano()
			return
		}
		pruned = append(pruned, cur)
		curOffset += c.Length
		cur = c.NextChunk
	}
	// r.FirstChunkName unreachable from the current chain: divergent, drop.
}

// commitStates writes every rebuilt segment and chunk record into
// metaStore in a single transaction, creating keys that did not
// previously exist and updating ones that did.
func (j *Journal) commitStates(ctx context.Context, metaStore metastore.Store, states map[string]*SegmentState) error {
	tx, err := metaStore.Begin(ctx)
	if err != nil {
		return chunkerrors.Wrap(err, chunkerrors.BootstrapFailed, "begin bootstrap transaction")
	}

	for _, st := range states {
		if err := putMetadata(ctx, tx, metastore.SegmentKey(st.Meta.Name), &st.Meta); err != nil {
			_ = tx.Abort(ctx)
			return chunkerrors.Wrap(err, chunkerrors.BootstrapFailed, "write segment metadata")
		}
		for name, c := range st.Chunks {
			c := c
			if err := putMetadata(ctx, tx, metastore.ChunkKey(name), &c); err != nil {
				_ = tx.Abort(ctx)
				return chunkerrors.Wrap(err, chunkerrors.BootstrapFailed, "write chunk metadata")
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return chunkerrors.Wrap(err, chunkerrors.BootstrapFailed, "commit bootstrap metadata")
	}
	return nil
}

func putMetadata(ctx context.Context, tx metastore.Transaction, key string, value interface{}) error {
	var probe interface{}
	exists, err := tx.GetForModification(ctx, key, &probe)
	if err != nil {
		return err
	}
	if exists {
		return tx.Update(ctx, key, value)
	}
	return tx.Create(ctx, key, value)
}
