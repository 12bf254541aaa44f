// Package redismeta is a metastore.Store backed by Redis. GetForModification
// takes a real write-intent lease in Redis (SETNX with a TTL, owned by a
// per-transaction token) before reading, the same blocking-retry shape as
// the teacher's pkg/meta/redis_lock.go Flock: loop, SETNX, sleep and retry
// on contention, bail out on ctx cancellation. Commit still runs its
// mutations through WATCH/MULTI/EXEC the way the teacher's txn() helper
// does, since the lease only protects the GetForModification/Commit window
// against other transactions, not Redis's own MULTI/EXEC atomicity. It is
// not the module's default metadata store (the core tests run against
// pkg/metastore/memstore), but it is a concrete, exercised second backend
// demonstrating that the contract in pkg/metastore is genuinely pluggable.
package redismeta

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/logging"
	"github.com/nimbusfs/chunklayer/pkg/metastore"
)

var logger = logging.GetLogger("redismeta")

// leaseTTL bounds how long a write intent survives a transaction that never
// commits or aborts (a crashed process, say) before another transaction can
// reclaim the key.
const leaseTTL = 10 * time.Second

// lockRetryInterval is how long a blocked acquire sleeps between SETNX
// attempts, matching the order of the teacher's Flock retry sleep for
// write locks.
const lockRetryInterval = time.Millisecond

// unlockScript deletes a lease only if it is still held by the token that
// created it, so a transaction can never release a lease another
// transaction has since taken over after this one's lease expired.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Store wraps a *redis.Client as a metastore.Store.
type Store struct {
	rdb *redis.Client
}

// New wraps an already-configured redis client. Connection lifecycle is the
// caller's responsibility, matching the out-of-scope "concrete metadata
// store backend" boundary: this package only adapts the wire protocol to
// the Transaction contract.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func lockKey(key string) string { return "lock:" + key }

func (s *Store) Begin(_ context.Context) (metastore.Transaction, error) {
	return &transaction{store: s}, nil
}

// ListKeys implements metastore.KeyLister using SCAN so it never blocks
// Redis the way KEYS would on a large keyspace.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "redis scan")
	}
	return keys, nil
}

type transaction struct {
	store     *Store
	token     string
	watchKeys []string
	held      map[string]bool
	heldOrder []string
	writes    map[string]writeOp
	done      bool
}

type writeOp struct {
	delete bool
	value  interface{}
}

func (t *transaction) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	v, err := t.store.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "redis get")
	}
	return true, json.Unmarshal(v, out)
}

// GetForModification blocks until it holds key's write-intent lease
// exclusively, then reads. A second call for the same key within the same
// transaction is a no-op re-entry, since this transaction already owns the
// lease.
func (t *transaction) GetForModification(ctx context.Context, key string, out interface{}) (bool, error) {
	if err := t.acquire(ctx, key); err != nil {
		return false, err
	}
	t.watchKeys = append(t.watchKeys, key)
	return t.Get(ctx, key, out)
}

func (t *transaction) acquire(ctx context.Context, key string) error {
	if t.held == nil {
		t.held = make(map[string]bool)
	}
	if t.held[key] {
		return nil
	}
	if t.token == "" {
		t.token = uuid.NewString()
	}

	for {
		ok, err := t.store.rdb.SetNX(ctx, lockKey(key), t.token, leaseTTL).Result()
		if err != nil {
			return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "redis setnx")
		}
		if ok {
			t.held[key] = true
			t.heldOrder = append(t.heldOrder, key)
			return nil
		}

		select {
		case <-time.After(lockRetryInterval):
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return chunkerrors.New(chunkerrors.OperationTimeout, "timed out waiting for write intent on "+key)
			}
			return chunkerrors.New(chunkerrors.OperationCancelled, "cancelled waiting for write intent on "+key)
		}
	}
}

func (t *transaction) release(ctx context.Context) {
	for _, key := range t.heldOrder {
		if err := unlockScript.Run(ctx, t.store.rdb, []string{lockKey(key)}, t.token).Err(); err != nil {
			logger.Warnf("release write intent on %s: %v", key, err)
		}
	}
	t.held = nil
	t.heldOrder = nil
}

func (t *transaction) ensureWrites() {
	if t.writes == nil {
		t.writes = make(map[string]writeOp)
	}
}

func (t *transaction) Create(_ context.Context, key string, value interface{}) error {
	t.ensureWrites()
	t.writes[key] = writeOp{value: value}
	return nil
}

func (t *transaction) Update(_ context.Context, key string, value interface{}) error {
	t.ensureWrites()
	t.writes[key] = writeOp{value: value}
	return nil
}

func (t *transaction) Delete(_ context.Context, key string) error {
	t.ensureWrites()
	t.writes[key] = writeOp{delete: true}
	return nil
}

// Commit runs one WATCH/MULTI/EXEC attempt over the keys read via
// GetForModification, then releases their write-intent leases regardless of
// outcome. A watch violation maps to VERSION_CONFLICT; the caller
// (ChunkManager) is responsible for retrying the whole operation, a fresh
// Begin included, exactly as the in-memory store requires. The lease is what
// actually prevented another transaction from racing on the same keys in
// between GetForModification and here; WATCH/MULTI/EXEC only guards against
// a write that bypassed GetForModification entirely.
func (t *transaction) Commit(ctx context.Context) error {
	if t.done {
		return chunkerrors.New(chunkerrors.VersionConflict, "transaction already finalized")
	}
	t.done = true
	defer t.release(ctx)

	if len(t.writes) == 0 {
		return nil
	}

	txf := func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for key, op := range t.writes {
				if op.delete {
					pipe.Del(ctx, key)
					continue
				}
				data, err := json.Marshal(op.value)
				if err != nil {
					return err
				}
				pipe.Set(ctx, key, data, 0)
			}
			return nil
		})
		return err
	}

	keys := t.watchKeys
	if len(keys) == 0 {
		// nothing was read under a lock, but writes still need a key list
		// for Watch; use the write keys instead so EXEC is still atomic.
		for k := range t.writes {
			keys = append(keys, k)
		}
	}

	err := t.store.rdb.Watch(ctx, txf, keys...)
	if err == redis.TxFailedErr {
		return chunkerrors.New(chunkerrors.VersionConflict, "redis watch violated")
	}
	if err != nil {
		logger.Errorf("commit failed: %v", err)
		return chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "redis commit")
	}
	return nil
}

func (t *transaction) Abort(ctx context.Context) error {
	t.done = true
	t.writes = nil
	t.release(ctx)
	return nil
}
