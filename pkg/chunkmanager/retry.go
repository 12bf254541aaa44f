package chunkmanager

import (
	"context"
	"math/rand"
	"time"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
)

// withMetaTxn runs fn inside a fresh metadata transaction, retrying the
// whole operation -- a new Begin included, per the contract's "the caller
// retries its entire operation" rule -- on VERSION_CONFLICT with jittered
// backoff, making at most MaxMetadataRetries attempts in all. Any other error from fn or
// Commit aborts the attempt and is returned immediately.
func (m *Manager) withMetaTxn(ctx context.Context, fn func(tx metastore.Transaction) error) error {
	meta, _, err := m.requireReady()
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < m.config.MaxMetadataRetries; attempt++ {
		tx, err := meta.Begin(ctx)
		if err != nil {
			return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "begin metadata transaction")
		}
		if err := fn(tx); err != nil {
			_ = tx.Abort(ctx)
			return err
		}
		err = tx.Commit(ctx)
		if err == nil {
			return nil
		}
		if kind, ok := chunkerrors.KindOf(err); !ok || kind != chunkerrors.VersionConflict {
			return err
		}
		lastErr = err
		select {
		case <-time.After(retryBackoff(attempt)):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// retryBackoff grows exponentially up to a 500ms ceiling with up to 50%
// jitter, matching the "bounded, deterministic number of retries" posture
// the rolling test harness expects rather than an unbounded loop.
func retryBackoff(attempt int) time.Duration {
	base := time.Duration(5<<uint(attempt)) * time.Millisecond
	const ceiling = 500 * time.Millisecond
	if base > ceiling {
		base = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
	return base/2 + jitter
}
