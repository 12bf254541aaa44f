package chunkmanager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nimbusfs/chunklayer/pkg/metastore"
)

// Reconciler is the background orphan-chunk sweep described in spec §9: it
// periodically compares every chunk referenced by segment metadata against
// a full listing of chunk storage and deletes chunks that have looked
// orphaned for at least GarbageCollectionDelay across two sweeps. A chunk
// left behind by an aborted write (write failure, timeout, cancellation) is
// exactly the kind of orphan this reclaims; it never affects correctness
// since no live segment ever references it.
type Reconciler struct {
	manager *Manager
	delay   time.Duration

	mu         sync.Mutex
	candidates map[string]time.Time
}

// startGC starts one Reconciler ticking in its own goroutine; each tick
// submits the actual sweep to the Manager's Executor rather than holding a
// pool slot for the ticker's lifetime.
func (m *Manager) startGC() {
	m.mu.Lock()
	if m.gcStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.gcStop = stop
	m.mu.Unlock()

	r := &Reconciler{manager: m, delay: m.config.GarbageCollectionDelay, candidates: make(map[string]time.Time)}
	interval := r.delay / 4
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.executor.Submit(func() { r.sweep(context.Background()) })
			}
		}
	}()
}

// StopGC halts the background reconciler, if one is running. Safe to call
// more than once.
func (m *Manager) StopGC() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gcStop != nil {
		close(m.gcStop)
		m.gcStop = nil
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	meta, _, err := r.manager.requireReady()
	if err != nil {
		return
	}
	log := logger.WithContainer(r.manager.containerID, r.manager.currentEpoch())

	lister, ok := meta.(metastore.KeyLister)
	if !ok {
		log.Debug("gc: metadata store does not support listing, skipping sweep")
		return
	}

	referenced, err := r.collectReferencedChunks(ctx, meta, lister)
	if err != nil {
		log.Warnf("gc: failed to collect referenced chunks: %v", err)
		return
	}

	names, err := r.manager.storage.List(ctx, "")
	if err != nil {
		log.Warnf("gc: failed to list chunk storage: %v", err)
		return
	}

	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	for _, name := range names {
		if strings.HasPrefix(name, "_journal/") || strings.HasPrefix(name, "_snapshot/") {
			continue
		}
		if _, ok := referenced[name]; ok {
			continue
		}
		seen[name] = true
		first, tracked := r.candidates[name]
		if !tracked {
			r.candidates[name] = now
			continue
		}
		if now.Sub(first) >= r.delay {
			if err := r.manager.storage.Delete(ctx, name); err != nil {
				log.Warnf("gc: failed to delete orphan chunk %s: %v", name, err)
				continue
			}
			log.Debugf("gc: reclaimed orphan chunk %s", name)
			delete(r.candidates, name)
		}
	}
	for name := range r.candidates {
		if !seen[name] {
			delete(r.candidates, name)
		}
	}
}

func (r *Reconciler) collectReferencedChunks(ctx context.Context, meta metastore.Store, lister metastore.KeyLister) (map[string]struct{}, error) {
	segKeys, err := lister.ListKeys(ctx, "seg/")
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]struct{})
	for _, key := range segKeys {
		tx, err := meta.Begin(ctx)
		if err != nil {
			continue
		}
		var sm metastore.SegmentMetadata
		ok, err := tx.Get(ctx, key, &sm)
		if err != nil || !ok {
			_ = tx.Abort(ctx)
			continue
		}
		cur := sm.FirstChunk
		for cur != "" {
			referenced[cur] = struct{}{}
			var cm metastore.ChunkMetadata
			ok, err := tx.Get(ctx, metastore.ChunkKey(cur), &cm)
			if err != nil || !ok {
				break
			}
			cur = cm.NextChunk
		}
		_ = tx.Abort(ctx)
	}
	return referenced, nil
}
