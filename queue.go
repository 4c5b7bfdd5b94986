package garrison

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/garrison/internal/utils"
	"github.com/vkngwrapper/garrison/internal/vulkan"
)

// Queue wraps one native queue together with the epoch pipeline that
// defers resource reclamation until a fence proves GPU completion, and
// the command pool ring that buffers are allocated from.
//
// A Queue is not safe for concurrent use unless the device was created
// with CreateOptions.SynchronizedQueue.
type Queue struct {
	device *Device
	queue  core1_0.Queue
	mutex  utils.OptionalMutex

	// Command pools, least recently used first.
	pools []*cmdPool

	// current is the open epoch collecting submissions since the last
	// checkpoint. It is opened lazily by the first submit.
	current *epoch

	// pending holds checkpointed epochs awaiting their fences, oldest
	// first. Never longer than MaxPendingEpochs.
	pending []*epoch

	// spare holds epochs reclaimed by Collect, fences reset, ready to
	// be reopened.
	spare []*epoch

	// Retired reference slices kept for reuse.
	freeRefs [][]releasable

	// Semaphores staged for the next submission.
	waits      []core1_0.Semaphore
	waitStages []core1_0.PipelineStageFlags
	signals    []core1_0.Semaphore

	// Present requests staged by submitted buffers. These survive a
	// failed present so a later submit can retry it.
	presentSems    []core1_0.Semaphore
	presentChains  []vulkan.Swapchain
	presentIndices []int

	// poisoned is set on device loss. Every later submit fails fast.
	poisoned bool
}

func newQueue(device *Device, queue core1_0.Queue, synchronized bool) *Queue {
	return &Queue{
		device: device,
		queue:  queue,
		mutex:  utils.OptionalMutex{UseMutex: synchronized},
	}
}

// Handle returns the native queue.
func (q *Queue) Handle() core1_0.Queue {
	return q.queue
}

// Device returns the device the queue belongs to.
func (q *Queue) Device() *Device {
	return q.device
}

// Family returns the queue family index the queue was created from.
func (q *Queue) Family() int {
	return q.device.caps.QueueFamilyIndex
}

// CreateEncoder begins recording a new command buffer. The pool ring
// is refreshed first: a least-recently-used pool with no buffers in
// flight is reset and rotated to the newest position, so its backing
// storage is reused before any pool grows.
func (q *Queue) CreateEncoder() (CommandEncoder, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if err := q.refreshPools(); err != nil {
		return CommandEncoder{}, err
	}
	pool, err := q.getPool()
	if err != nil {
		return CommandEncoder{}, err
	}
	cbuf, err := pool.allocate()
	if err != nil {
		return CommandEncoder{}, err
	}
	return CommandEncoder{state: &commandBufferState{
		queue:  q,
		pool:   pool,
		handle: cbuf,
		refs:   q.takeRefs(),
	}}, nil
}

// refreshPools resets and rotates the least-recently-used pool when
// nothing allocated from it remains in flight.
func (q *Queue) refreshPools() error {
	if len(q.pools) == 0 {
		return nil
	}
	lru := q.pools[0]
	if lru.live != 0 {
		return nil
	}
	if err := lru.reset(); err != nil {
		return err
	}
	copy(q.pools, q.pools[1:])
	q.pools[len(q.pools)-1] = lru
	return nil
}

// getPool picks the pool to allocate from. The newest pool is reused
// when the ring is full or the pool has nothing in flight; otherwise a
// fresh pool is appended, up to MaxCommandPools.
func (q *Queue) getPool() (*cmdPool, error) {
	if n := len(q.pools); n > 0 && (n >= MaxCommandPools || q.pools[n-1].live == 0) {
		return q.pools[n-1], nil
	}
	pool, err := newCmdPool(q.device)
	if err != nil {
		return nil, err
	}
	q.pools = append(q.pools, pool)
	return pool, nil
}

// Submit hands finished command buffers to the device. The open epoch
// takes over their retained references and returns them once its fence
// signals. With checkpoint the epoch is fenced and moved to the
// pending line; without it the submission joins the open epoch
// unfenced and is reclaimed by a later checkpoint.
//
// Frames recorded on the buffers are presented in one batch after the
// submission. Out-of-date and surface-lost present results are
// swallowed; the next acquire observes the condition and rebuilds.
//
// On device memory exhaustion the buffers are returned to their pools
// and their references released; the queue stays usable and the caller
// may re-record and retry. On device loss the buffers are dropped
// without pool bookkeeping and the queue is poisoned.
func (q *Queue) Submit(cbufs []CommandBuffer, checkpoint bool) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.poisoned {
		return errors.Mark(errors.New("submit on a queue lost to an earlier device loss"), ErrDeviceLost)
	}

	signalsLen := len(q.signals)
	presentSemsLen := len(q.presentSems)
	presentChainsLen := len(q.presentChains)
	presentIndicesLen := len(q.presentIndices)

	current, err := q.getEpoch()
	if err != nil {
		return q.consumeFailed(cbufs, err)
	}

	handles := make([]core1_0.CommandBuffer, 0, len(cbufs))
	for _, b := range cbufs {
		handles = append(handles, b.state.handle)
		for _, frame := range b.state.frames {
			if !frame.synced {
				panic("frame submitted before Queue.SyncFrame")
			}
			q.signals = append(q.signals, frame.presentSem)
			if !frame.fake {
				q.presentSems = append(q.presentSems, frame.presentSem)
				q.presentChains = append(q.presentChains, frame.chain)
				q.presentIndices = append(q.presentIndices, frame.index)
			}
		}
	}

	var fence core1_0.Fence
	if checkpoint {
		fence = current.fence
	}

	res, err := q.queue.SubmitToQueue(fence, []core1_0.SubmitInfo{
		{
			WaitSemaphores:   q.waits,
			WaitDstStageMask: q.waitStages,
			CommandBuffers:   handles,
			SignalSemaphores: q.signals,
		},
	})
	if err != nil {
		q.signals = q.signals[:signalsLen]
		q.presentSems = q.presentSems[:presentSemsLen]
		q.presentChains = q.presentChains[:presentChainsLen]
		q.presentIndices = q.presentIndices[:presentIndicesLen]
		return q.consumeFailed(cbufs, checkDeviceResult(q.device.logger, res, err))
	}

	// The epoch takes over references and buffers. Each staged frame
	// hands back the reference it carried from NextFrame; the clone the
	// encoder retained keeps the image alive until the fence.
	for _, b := range cbufs {
		state := b.state
		current.refs = append(current.refs, state.refs...)
		current.cbufs = append(current.cbufs, retiredBuffer{cbuf: state.handle, pool: state.pool})
		q.putRefs(state.refs)
		state.refs = nil
		for _, frame := range state.frames {
			frame.image.Release()
		}
		state.frames = nil
	}

	q.waits = q.waits[:0]
	q.waitStages = q.waitStages[:0]
	q.signals = q.signals[:0]

	if checkpoint {
		q.pending = append(q.pending, current)
		q.current = nil
	}

	return q.presentStaged()
}

// getEpoch returns the open epoch, opening one if needed: at the
// pending bound the oldest epoch is reclaimed (blocking on its fence),
// otherwise a spare or a fresh epoch is used.
func (q *Queue) getEpoch() (*epoch, error) {
	if q.current != nil {
		return q.current, nil
	}

	next, err := q.recycleOldest()
	if err != nil {
		return nil, err
	}
	if next == nil {
		if n := len(q.spare); n > 0 {
			next = q.spare[n-1]
			q.spare = q.spare[:n-1]
		} else {
			fence, res, err := q.device.device.CreateFence(q.device.callbacks, core1_0.FenceCreateInfo{})
			if err != nil {
				return nil, checkDeviceResult(q.device.logger, res, err)
			}
			next = &epoch{fence: fence}
		}
	}
	q.current = next
	return next, nil
}

// recycleOldest blocks on the oldest pending fence once the pending
// line is full, then reclaims that epoch for reuse. Below the bound it
// returns nil and the caller opens a different epoch.
func (q *Queue) recycleOldest() (*epoch, error) {
	if len(q.pending) < MaxPendingEpochs {
		return nil, nil
	}

	oldest := q.pending[0]
	res, err := oldest.fence.Wait(common.NoTimeout)
	if err != nil {
		err = checkDeviceResult(q.device.logger, res, err)
		if errors.Is(err, ErrDeviceLost) {
			q.poisoned = true
		}
		return nil, err
	}
	if err := q.resetEpoch(oldest); err != nil {
		return nil, err
	}
	q.pending = append(q.pending[:0], q.pending[1:]...)
	return oldest, nil
}

// resetEpoch releases a completed epoch's references, returns its
// command buffers to their pools, and resets the fence. If the fence
// reset fails the references are still freed and the reset can be
// retried.
func (q *Queue) resetEpoch(e *epoch) error {
	e.release()
	e.recycleBuffers()
	res, err := e.fence.Reset()
	if err != nil {
		return checkDeviceResult(q.device.logger, res, err)
	}
	return nil
}

// Collect reclaims pending epochs whose fences have already signaled,
// without blocking. Reclamation stays in submission order: the pass
// stops at the first epoch still in flight. Reclaimed epochs are
// reused by later checkpoints.
func (q *Queue) Collect() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for len(q.pending) > 0 {
		oldest := q.pending[0]
		res, err := oldest.fence.Status()
		if err != nil {
			return checkDeviceResult(q.device.logger, res, err)
		}
		if res != core1_0.VKSuccess {
			return nil
		}
		if err := q.resetEpoch(oldest); err != nil {
			return err
		}
		q.pending = append(q.pending[:0], q.pending[1:]...)
		q.spare = append(q.spare, oldest)
	}
	return nil
}

// consumeFailed disposes of command buffers whose submission never
// reached the device. Device loss keeps the buffers away from the
// pools, since pool bookkeeping is advisory once the device is gone.
func (q *Queue) consumeFailed(cbufs []CommandBuffer, err error) error {
	if errors.Is(err, ErrDeviceLost) {
		q.poisoned = true
		for _, b := range cbufs {
			b.state.release()
		}
		q.device.logger.Error("Queue::Submit: device lost", slog.Any("error", err))
		return err
	}
	for _, b := range cbufs {
		q.discardBufferLocked(b.state)
	}
	return err
}

// presentStaged issues one batched present covering every staged
// frame. On device memory exhaustion the staged entries stay queued so
// a later submit retries them.
func (q *Queue) presentStaged() error {
	if len(q.presentChains) == 0 {
		return nil
	}

	res, err := q.device.present.Present(q.queue, q.presentSems, q.presentChains, q.presentIndices)
	if err != nil {
		if res == khr_swapchain.VKErrorOutOfDate || res == khr_surface.VKErrorSurfaceLost {
			// The frame references were already handed back; the next
			// acquire observes the condition and rebuilds the chain.
			q.clearPresents()
			return nil
		}
		err = checkDeviceResult(q.device.logger, res, err)
		if errors.Is(err, ErrDeviceLost) {
			q.poisoned = true
			q.device.logger.Error("Queue::Submit: device lost during present", slog.Any("error", err))
		}
		return err
	}
	q.clearPresents()
	return nil
}

func (q *Queue) clearPresents() {
	q.presentSems = q.presentSems[:0]
	for i := range q.presentChains {
		q.presentChains[i] = nil
	}
	q.presentChains = q.presentChains[:0]
	q.presentIndices = q.presentIndices[:0]
}

// SyncFrame registers the frame's acquire semaphore as a wait of the
// next submission, gated before the given stages. It must be called
// exactly once per acquired frame, before submitting a buffer that
// presents it.
func (q *Queue) SyncFrame(frame *Frame, stages core1_0.PipelineStageFlags) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if frame.synced {
		panic("frame synced twice")
	}
	frame.synced = true

	if frame.acquireSem == nil {
		return
	}
	q.waits = append(q.waits, frame.acquireSem)
	q.waitStages = append(q.waitStages, core1_0.PipelineStageTopOfPipe|stages)
}

// WaitIdle blocks until the native queue drains, then releases the
// references of every pending epoch in place. Fences and command
// buffers stay with their epochs for the normal recycle path.
func (q *Queue) WaitIdle() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	res, err := q.queue.WaitIdle()
	if err != nil {
		err = checkDeviceResult(q.device.logger, res, err)
		if errors.Is(err, ErrDeviceLost) {
			q.poisoned = true
		}
		return err
	}
	for _, e := range q.pending {
		e.release()
	}
	return nil
}

// releasePending releases every pending epoch's references without
// waiting. Called after a device-level idle wait proves completion.
func (q *Queue) releasePending() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, e := range q.pending {
		e.release()
	}
}

func (q *Queue) discardBuffer(state *commandBufferState) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.discardBufferLocked(state)
}

func (q *Queue) discardBufferLocked(state *commandBufferState) {
	for _, ref := range state.refs {
		ref.Release()
	}
	q.putRefs(state.refs)
	state.refs = nil
	for _, frame := range state.frames {
		frame.image.Release()
	}
	state.frames = nil
	state.pool.deallocate(state.handle)
}

// takeRefs pops a retired reference slice for reuse.
func (q *Queue) takeRefs() []releasable {
	if n := len(q.freeRefs); n > 0 {
		refs := q.freeRefs[n-1]
		q.freeRefs = q.freeRefs[:n-1]
		return refs
	}
	return nil
}

// putRefs retires a reference slice, dropping its elements so released
// wrappers do not linger.
func (q *Queue) putRefs(refs []releasable) {
	if refs == nil {
		return
	}
	for i := range refs {
		refs[i] = nil
	}
	q.freeRefs = append(q.freeRefs, refs[:0])
}

// destroy drains the queue during device teardown. References are
// released first so every wrapper takes its normal drop path while the
// device still accepts destroys.
func (q *Queue) destroy() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if !q.poisoned {
		if _, err := q.queue.WaitIdle(); err != nil {
			q.device.logger.Error("Queue::destroy: wait idle failed", slog.Any("error", err))
		}
	}

	destroyEpoch := func(e *epoch) {
		e.release()
		e.recycleBuffers()
		if e.fence != nil {
			e.fence.Destroy(q.device.callbacks)
		}
	}
	for _, e := range q.pending {
		destroyEpoch(e)
	}
	q.pending = nil
	if q.current != nil {
		destroyEpoch(q.current)
		q.current = nil
	}
	for _, e := range q.spare {
		destroyEpoch(e)
	}
	q.spare = nil

	for _, pool := range q.pools {
		pool.destroy()
	}
	q.pools = nil
}
