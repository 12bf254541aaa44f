// Package memstore is an in-memory metastore.Store used by the core chunk
// manager and journal test suites, and available to any caller that passes
// it to ChunkManager.Bootstrap. GetForModification blocks until it
// acquires an exclusive, per-key write intent held for the transaction's
// lifetime, the same pessimistic contract the redis-backed store enforces
// with its lease; Commit still fails with VERSION_CONFLICT if a held key
// turns out to have been bumped since the hold was taken (possible only
// across transactions racing on different keys of the same segment, e.g.
// a segment row and one of its chunk rows).
package memstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
)

type entry struct {
	version int64
	data    []byte // json-encoded; absent key is represented by a missing map entry
}

// chunkIndexSampleRate is how many chunks apart each sampled index entry
// sits; a segment chain shorter than this has exactly one sample, its
// first chunk.
const chunkIndexSampleRate = 4

// chunkIndex is a sparse cache of chunk-chain sample points for one
// segment, valid only as long as the segment's FirstChunk matches
// builtFromFirstChunk -- truncation and failover replay both rewrite
// FirstChunk, which is cheaper to compare than re-walking the chain on
// every read to detect staleness.
type chunkIndex struct {
	builtFromFirstChunk string
	entries             []metastore.ChunkIndexEntry
}

// Store is a single in-memory keyspace shared by every Transaction begun
// against it. It has no size bound: every entry is kept until a committed
// Delete removes it, and nothing is evicted.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	locks   map[string]chan struct{}
	index   map[string]*chunkIndex
}

func New() *Store {
	return &Store{
		entries: make(map[string]*entry),
		locks:   make(map[string]chan struct{}),
		index:   make(map[string]*chunkIndex),
	}
}

func (s *Store) Begin(_ context.Context) (metastore.Transaction, error) {
	return &transaction{store: s}, nil
}

// ListKeys implements metastore.KeyLister.
func (s *Store) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// lockChan returns the per-key lock channel, creating it pre-loaded with
// one token (unlocked) on first use.
func (s *Store) lockChan(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		s.locks[key] = ch
	}
	return ch
}

// ChunkAtOrBefore implements metastore.ChunkIndexHint. The index for a
// segment is rebuilt lazily -- on first lookup, and again whenever the
// segment's FirstChunk no longer matches the index's -- by walking the
// chunk chain once under the store lock; the result is not persisted and
// never observable outside this method.
func (s *Store) ChunkAtOrBefore(_ context.Context, segmentName string, offset int64) (metastore.ChunkIndexEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	se, ok := s.entries[metastore.SegmentKey(segmentName)]
	if !ok {
		return metastore.ChunkIndexEntry{}, false
	}
	var segMeta metastore.SegmentMetadata
	if err := json.Unmarshal(se.data, &segMeta); err != nil {
		return metastore.ChunkIndexEntry{}, false
	}

	idx, ok := s.index[segmentName]
	if !ok || idx.builtFromFirstChunk != segMeta.FirstChunk {
		idx = s.buildChunkIndexLocked(segMeta)
		s.index[segmentName] = idx
	}

	best := -1
	for i, e := range idx.entries {
		if e.StartOffset > offset {
			break
		}
		best = i
	}
	if best < 0 {
		return metastore.ChunkIndexEntry{}, false
	}
	return idx.entries[best], true
}

func (s *Store) buildChunkIndexLocked(segMeta metastore.SegmentMetadata) *chunkIndex {
	idx := &chunkIndex{builtFromFirstChunk: segMeta.FirstChunk}
	cur := segMeta.FirstChunk
	start := segMeta.FirstChunkStartOffset
	for i := 0; cur != ""; i++ {
		if i%chunkIndexSampleRate == 0 {
			idx.entries = append(idx.entries, metastore.ChunkIndexEntry{ChunkName: cur, StartOffset: start})
		}
		ce, ok := s.entries[metastore.ChunkKey(cur)]
		if !ok {
			break
		}
		var cm metastore.ChunkMetadata
		if err := json.Unmarshal(ce.data, &cm); err != nil {
			break
		}
		start += cm.Length
		cur = cm.NextChunk
	}
	return idx
}

func (s *Store) invalidateIndex(segmentName string) {
	delete(s.index, segmentName)
}

type readSet struct {
	key     string
	version int64
}

type writeOp struct {
	key    string
	delete bool
	value  interface{}
}

type transaction struct {
	store     *Store
	reads     []readSet
	writes    map[string]writeOp
	creates   map[string]bool
	held      map[string]bool
	heldOrder []string
	done      bool
}

func (t *transaction) ensureWrites() {
	if t.writes == nil {
		t.writes = make(map[string]writeOp)
		t.creates = make(map[string]bool)
	}
}

func (t *transaction) Get(_ context.Context, key string, out interface{}) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	e, ok := t.store.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(e.data, out)
}

// GetForModification blocks until it holds key's write intent exclusively,
// releasing it only when this transaction commits or aborts. A second call
// for the same key within the same transaction is a no-op re-entry, since
// this transaction already owns the intent.
func (t *transaction) GetForModification(ctx context.Context, key string, out interface{}) (bool, error) {
	if err := t.acquire(ctx, key); err != nil {
		return false, err
	}

	t.store.mu.Lock()
	e, ok := t.store.entries[key]
	var version int64
	if ok {
		version = e.version
	}
	t.store.mu.Unlock()

	t.reads = append(t.reads, readSet{key: key, version: version})
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(e.data, out)
}

func (t *transaction) acquire(ctx context.Context, key string) error {
	if t.held == nil {
		t.held = make(map[string]bool)
	}
	if t.held[key] {
		return nil
	}
	ch := t.store.lockChan(key)
	select {
	case <-ch:
		t.held[key] = true
		t.heldOrder = append(t.heldOrder, key)
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return chunkerrors.New(chunkerrors.OperationTimeout, "timed out waiting for write intent on "+key)
		}
		return chunkerrors.New(chunkerrors.OperationCancelled, "cancelled waiting for write intent on "+key)
	}
}

func (t *transaction) release() {
	for _, key := range t.heldOrder {
		ch := t.store.lockChan(key)
		select {
		case ch <- struct{}{}:
		default: // already released (should not happen, but never block here)
		}
	}
	t.held = nil
	t.heldOrder = nil
}

func (t *transaction) Create(_ context.Context, key string, value interface{}) error {
	t.ensureWrites()
	t.writes[key] = writeOp{key: key, value: value}
	t.creates[key] = true
	return nil
}

func (t *transaction) Update(_ context.Context, key string, value interface{}) error {
	t.ensureWrites()
	t.writes[key] = writeOp{key: key, value: value}
	return nil
}

func (t *transaction) Delete(_ context.Context, key string) error {
	t.ensureWrites()
	t.writes[key] = writeOp{key: key, delete: true}
	return nil
}

func (t *transaction) Commit(_ context.Context) error {
	if t.done {
		return chunkerrors.New(chunkerrors.VersionConflict, "transaction already finalized")
	}
	t.done = true
	defer t.release()

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range t.reads {
		e, ok := s.entries[r.key]
		cur := int64(0)
		if ok {
			cur = e.version
		}
		if cur != r.version {
			return chunkerrors.New(chunkerrors.VersionConflict, r.key)
		}
	}

	for key, op := range t.writes {
		if op.delete {
			delete(s.entries, key)
			if name := segmentNameFromKey(key); name != "" {
				s.invalidateIndex(name)
			}
			continue
		}
		if t.creates[key] {
			if _, exists := s.entries[key]; exists {
				return chunkerrors.New(chunkerrors.VersionConflict, key)
			}
		}
		data, err := json.Marshal(op.value)
		if err != nil {
			return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "marshal metadata")
		}
		prev := s.entries[key]
		version := int64(1)
		if prev != nil {
			version = prev.version + 1
		}
		s.entries[key] = &entry{version: version, data: data}
		if name := segmentNameFromKey(key); name != "" {
			s.invalidateIndex(name)
		}
	}
	return nil
}

func (t *transaction) Abort(_ context.Context) error {
	t.done = true
	t.writes = nil
	t.reads = nil
	t.release()
	return nil
}

// segmentNameFromKey returns name for a "seg/name" key, "" otherwise; used
// to invalidate a segment's chunk index whenever its metadata changes
// (FirstChunk may have moved). Chunk-key writes are covered indirectly: a
// chunk chain only ever changes alongside its owning segment's metadata in
// the same transaction.
func segmentNameFromKey(key string) string {
	const prefix = "seg/"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}
