package garrison

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MaxPendingEpochs bounds how many submitted epochs may await their
// fences at once. Reaching the bound makes the next checkpointed submit
// block on the oldest epoch's fence before reusing it.
const MaxPendingEpochs = 3

// releasable is anything an epoch can keep alive until its fence proves
// the GPU is done with it.
type releasable interface {
	Release()
}

// retiredBuffer pairs a submitted command buffer with the pool it must
// return to.
type retiredBuffer struct {
	cbuf core1_0.CommandBuffer
	pool *cmdPool
}

// epoch collects the retained references and command buffers of every
// submission landed between two checkpoints, plus the fence that proves
// their completion. The fence is created with the epoch and reused
// across recycles; it is only ever submitted at a checkpoint.
type epoch struct {
	fence core1_0.Fence
	refs  []releasable
	cbufs []retiredBuffer
}

// release drops the retained references. The fence and command buffers
// stay with the epoch for recycling.
func (e *epoch) release() {
	for i, ref := range e.refs {
		ref.Release()
		e.refs[i] = nil
	}
	e.refs = e.refs[:0]
}

// recycleBuffers hands the epoch's command buffers back to their pools.
func (e *epoch) recycleBuffers() {
	for _, retired := range e.cbufs {
		retired.pool.deallocate(retired.cbuf)
	}
	e.cbufs = e.cbufs[:0]
}
