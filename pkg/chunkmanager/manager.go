// Package chunkmanager implements the segment -> chunk mapping engine:
// ChunkManager translates segment-level create/read/write/truncate/concat
// into chunk-level operations against a chunkstorage.Storage, applies the
// rolling policy, and cooperates with the journal package during bootstrap
// to recover system-segment layout after an unclean failover.
package chunkmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/chunkstorage"
	"github.com/nimbusfs/chunklayer/pkg/future"
	"github.com/nimbusfs/chunklayer/pkg/journal"
	"github.com/nimbusfs/chunklayer/pkg/logging"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
)

var logger = logging.GetLogger("chunkmanager")

// Handle is an open segment reference returned by Create/OpenWrite/OpenRead.
type Handle struct {
	SegmentName string
	Writable    bool
}

// Manager is a ChunkManager bound to one container. It is not safe to share
// across containers; one Manager per container per process is expected.
type Manager struct {
	mu sync.Mutex

	containerID string
	storage     chunkstorage.Storage
	executor    future.Executor
	config      Config

	meta    metastore.Store
	journal *journal.Journal
	epoch   int64
	ready   bool

	gcStop chan struct{}
}

// New constructs a Manager for containerID. It performs no I/O; call
// Initialize then Bootstrap before serving segment operations.
func New(containerID string, storage chunkstorage.Storage, executor future.Executor, config Config) *Manager {
	return &Manager{
		containerID: containerID,
		storage:     storage,
		executor:    executor,
		config:      config.withDefaults(),
	}
}

// Initialize binds the Manager to epoch; it is immutable thereafter per the
// fencing model in spec §5.
func (m *Manager) Initialize(epoch int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch = epoch
	m.ready = false
	m.journal = journal.New(m.storage, m.containerID, epoch, journal.Config{
		SnapshotInterval: m.config.JournalSnapshotInterval,
		MaxFileSize:      m.config.JournalMaxFileSize,
		Compress:         m.config.CompressJournal,
	})
}

func (m *Manager) currentEpoch() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// systemSegmentNames derives the canonical, fixed set of system segments for
// a container: the storage-metadata segment, its attribute segment, the
// container metadata segment, and its attribute segment (spec §4.5 step 1).
func systemSegmentNames(containerID string) []string {
	return []string{
		fmt.Sprintf("_system/containers/storage_metadata_%s", containerID),
		fmt.Sprintf("_system/containers/storage_metadata_%s$attributes.index", containerID),
		fmt.Sprintf("_system/containers/metadata_%s", containerID),
		fmt.Sprintf("_system/containers/metadata_%s$attributes.index", containerID),
	}
}

func isSystemSegment(containerID, name string) bool {
	for _, s := range systemSegmentNames(containerID) {
		if s == name {
			return true
		}
	}
	return false
}

// Bootstrap hands the canonical system segments to the journal for recovery,
// sanity-checks the recovered chunk references, and marks the Manager ready
// to serve user segments. metadataStore becomes the Manager's metadata
// store for the lifetime of this epoch.
func (m *Manager) Bootstrap(ctx context.Context, metadataStore metastore.Store) *future.Future[struct{}] {
	return future.Run(m.executor, func() (struct{}, error) {
		m.mu.Lock()
		j := m.journal
		containerID := m.containerID
		m.mu.Unlock()
		if j == nil {
			return struct{}{}, chunkerrors.New(chunkerrors.BootstrapFailed, "Initialize must be called before Bootstrap")
		}

		states, err := j.Bootstrap(ctx, systemSegmentNames(containerID), m.config.DefaultRollingPolicy.MaxLength, metadataStore)
		if err != nil {
			return struct{}{}, chunkerrors.Wrap(err, chunkerrors.BootstrapFailed, "journal bootstrap")
		}

		for _, st := range states {
			for name := range st.Chunks {
				info, err := m.storage.GetInfo(ctx, name)
				if err != nil {
					return struct{}{}, chunkerrors.Wrap(err, chunkerrors.BootstrapFailed, "verify chunk "+name)
				}
				if !info.Exists {
					return struct{}{}, chunkerrors.New(chunkerrors.BootstrapFailed, "chunk referenced by recovered metadata is missing: "+name)
				}
			}
		}

		m.mu.Lock()
		m.meta = metadataStore
		m.ready = true
		m.mu.Unlock()

		if m.config.GarbageCollectionDelay > 0 {
			m.startGC()
		}
		logger.WithContainer(containerID, m.currentEpoch()).Info("chunkmanager bootstrap complete")
		return struct{}{}, nil
	})
}

func (m *Manager) requireReady() (metastore.Store, *journal.Journal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil, nil, chunkerrors.New(chunkerrors.BootstrapFailed, "chunk manager not bootstrapped")
	}
	return m.meta, m.journal, nil
}

func (m *Manager) opContext(ctx context.Context, timeout time.Duration) *OpContext {
	return acquireOpContext(ctx, m.containerID, m.currentEpoch(), timeout)
}
