package chunkmanager

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusfs/chunklayer/pkg/future"
)

// OpContext is the explicit replacement for the closures the original
// source captured containerId/epoch in (design note 9(b)). It is pooled the
// way the teacher's fuse request context is, since ChunkManager allocates
// one per operation and operations are the hot path.
type OpContext struct {
	Ctx         context.Context
	ContainerID string
	Epoch       int64

	cancel context.CancelFunc
}

var opContextPool = sync.Pool{New: func() interface{} { return &OpContext{} }}

func acquireOpContext(parent context.Context, containerID string, epoch int64, timeout time.Duration) *OpContext {
	oc := opContextPool.Get().(*OpContext)
	ctx, cancel := future.Deadline(parent, timeout)
	oc.Ctx = ctx
	oc.ContainerID = containerID
	oc.Epoch = epoch
	oc.cancel = cancel
	return oc
}

func (oc *OpContext) release() {
	oc.cancel()
	oc.Ctx = nil
	oc.cancel = nil
	opContextPool.Put(oc)
}
