package garrison

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MaxCommandPools bounds the queue's command pool ring. When every pool
// in a full ring still has live allocations, new command buffers keep
// coming from the newest pool.
const MaxCommandPools = 3

// cmdPool wraps one native command pool with a free list of retired
// command buffers and a count of allocations still in flight. Pools are
// created transient with per-buffer reset so beginning a reused
// one-time-submit buffer implicitly resets it.
type cmdPool struct {
	device *Device
	pool   core1_0.CommandPool
	free   []core1_0.CommandBuffer
	live   int
}

func newCmdPool(device *Device) (*cmdPool, error) {
	pool, res, err := device.device.CreateCommandPool(device.callbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateTransient | core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: device.caps.QueueFamilyIndex,
	})
	if err != nil {
		return nil, checkDeviceResult(device.logger, res, err)
	}
	return &cmdPool{device: device, pool: pool}, nil
}

// allocate returns a command buffer in the recording state, reusing a
// retired buffer when one is free.
func (p *cmdPool) allocate() (core1_0.CommandBuffer, error) {
	var cbuf core1_0.CommandBuffer
	if n := len(p.free); n > 0 {
		cbuf = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		cbufs, res, err := p.device.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
			CommandPool:        p.pool,
			Level:              core1_0.CommandBufferLevelPrimary,
			CommandBufferCount: 1,
		})
		if err != nil {
			return nil, checkDeviceResult(p.device.logger, res, err)
		}
		cbuf = cbufs[0]
	}

	res, err := cbuf.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		p.free = append(p.free, cbuf)
		return nil, checkDeviceResult(p.device.logger, res, err)
	}
	p.live++
	return cbuf, nil
}

// deallocate returns a retired command buffer to the pool it was
// allocated from.
func (p *cmdPool) deallocate(cbuf core1_0.CommandBuffer) {
	if p.live <= 0 {
		panic("command buffer returned to a pool with no live allocations")
	}
	p.live--
	p.free = append(p.free, cbuf)
}

// reset releases the recorded state of every retired buffer at once.
// Only legal while nothing is live.
func (p *cmdPool) reset() error {
	res, err := p.pool.Reset(core1_0.CommandPoolResetReleaseResources)
	if err != nil {
		return checkDeviceResult(p.device.logger, res, err)
	}
	return nil
}

// destroy frees the native pool, and with it every command buffer the
// pool ever allocated.
func (p *cmdPool) destroy() {
	p.pool.Destroy(p.device.callbacks)
	p.free = nil
	p.live = 0
}
