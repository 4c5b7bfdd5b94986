package garrison

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

// UpdateBufferChunk is the most bytes a single inline buffer update may
// carry. Longer writes are split into chunks of this size.
const UpdateBufferChunk = 65536

// CommandBuffer is recorded work ready for Queue.Submit. Submitting
// moves its retained references into the queue's current epoch; Discard
// releases them immediately and returns the native buffer to its pool.
type CommandBuffer struct {
	state *commandBufferState
}

type commandBufferState struct {
	queue  *Queue
	pool   *cmdPool
	handle core1_0.CommandBuffer
	refs   []releasable
	frames []*Frame
}

// Handle returns the native command buffer.
func (b CommandBuffer) Handle() core1_0.CommandBuffer {
	return b.state.handle
}

// Discard abandons recorded work that will never be submitted: retained
// references are released, staged frames are dropped without presenting,
// and the buffer returns to its pool.
func (b CommandBuffer) Discard() {
	b.state.queue.discardBuffer(b.state)
}

// release drops everything the recording retained.
func (s *commandBufferState) release() {
	for _, ref := range s.refs {
		ref.Release()
	}
	s.refs = nil
	for _, frame := range s.frames {
		frame.image.Release()
	}
	s.frames = nil
}

// CommandEncoder records work into a command buffer. Every resource an
// op touches is retained until the epoch carrying the submission proves
// GPU completion. Encoders are not safe for concurrent use.
type CommandEncoder struct {
	state *commandBufferState
}

func (e CommandEncoder) retain(ref releasable) {
	e.state.refs = append(e.state.refs, ref)
}

// Barrier records a global execution and memory barrier between the
// given stage masks.
func (e CommandEncoder) Barrier(src, dst core1_0.PipelineStageFlags) error {
	return e.state.handle.CmdPipelineBarrier(src, dst, 0, []core1_0.MemoryBarrier{
		{
			SrcAccessMask: core1_0.AccessMemoryWrite,
			DstAccessMask: core1_0.AccessMemoryRead | core1_0.AccessMemoryWrite,
		},
	}, nil, nil)
}

// InitImage transitions every subresource of a freshly created image
// from undefined to the given layout.
func (e CommandEncoder) InitImage(image Image, layout core1_0.ImageLayout) error {
	desc := image.Desc()
	err := e.state.handle.CmdPipelineBarrier(
		core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageAllCommands, 0,
		nil, nil,
		[]core1_0.ImageMemoryBarrier{
			{
				DstAccessMask:       core1_0.AccessMemoryRead | core1_0.AccessMemoryWrite,
				OldLayout:           core1_0.ImageLayoutUndefined,
				NewLayout:           layout,
				SrcQueueFamilyIndex: -1,
				DstQueueFamilyIndex: -1,
				Image:               image.Handle(),
				SubresourceRange: core1_0.ImageSubresourceRange{
					AspectMask: formatAspect(desc.Format),
					LevelCount: desc.levelCount(),
					LayerCount: desc.layerCount(),
				},
			},
		})
	if err != nil {
		return err
	}
	e.retain(image.Clone())
	return nil
}

// CopyBufferToBuffer records a buffer copy and retains both buffers.
func (e CommandEncoder) CopyBufferToBuffer(src, dst Buffer, regions []core1_0.BufferCopy) error {
	err := e.state.handle.CmdCopyBuffer(src.Handle(), dst.Handle(), regions)
	if err != nil {
		return err
	}
	e.retain(src.Clone())
	e.retain(dst.Clone())
	return nil
}

// CopyBufferToImage records a buffer-to-image copy and retains both
// resources. The image must already be in the given layout.
func (e CommandEncoder) CopyBufferToImage(src Buffer, dst Image, layout core1_0.ImageLayout, regions []core1_0.BufferImageCopy) error {
	err := e.state.handle.CmdCopyBufferToImage(src.Handle(), dst.Handle(), layout, regions)
	if err != nil {
		return err
	}
	e.retain(src.Clone())
	e.retain(dst.Clone())
	return nil
}

// UpdateBuffer records an inline write of data at offset, split into
// UpdateBufferChunk pieces. Offset and length must be multiples of 4.
func (e CommandEncoder) UpdateBuffer(dst Buffer, offset int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if offset%4 != 0 || len(data)%4 != 0 {
		return errors.Newf("inline buffer update requires 4-byte alignment, got offset %d length %d", offset, len(data))
	}

	for start := 0; start < len(data); start += UpdateBufferChunk {
		end := start + UpdateBufferChunk
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		e.state.handle.CmdUpdateBuffer(dst.Handle(), offset+start, len(chunk), chunk)
	}
	e.retain(dst.Clone())
	return nil
}

// Compute returns the compute sub-encoder sharing this recording.
func (e CommandEncoder) Compute() ComputeEncoder {
	return ComputeEncoder(e)
}

// Present transitions a real frame's image from general to the
// presentation layout and stages the frame: submitting the finished
// buffer wires up the frame's semaphores and presents it. Fake frames
// skip the transition and the present call but still signal their
// semaphore chain. A frame can be presented once.
func (e CommandEncoder) Present(frame *Frame) error {
	if frame.spent {
		return errors.New("frame presented twice")
	}

	if !frame.fake {
		err := e.state.handle.CmdPipelineBarrier(
			core1_0.PipelineStageAllCommands, core1_0.PipelineStageBottomOfPipe, 0,
			nil, nil,
			[]core1_0.ImageMemoryBarrier{
				{
					SrcAccessMask:       core1_0.AccessMemoryWrite,
					OldLayout:           core1_0.ImageLayoutGeneral,
					NewLayout:           khr_swapchain.ImageLayoutPresentSrc,
					SrcQueueFamilyIndex: -1,
					DstQueueFamilyIndex: -1,
					Image:               frame.image.Handle(),
					SubresourceRange: core1_0.ImageSubresourceRange{
						AspectMask: core1_0.ImageAspectColor,
						LevelCount: 1,
						LayerCount: 1,
					},
				},
			})
		if err != nil {
			return err
		}
	}

	frame.spent = true
	e.retain(frame.image.Clone())
	e.state.frames = append(e.state.frames, frame)
	return nil
}

// Finish ends recording and hands back the buffer for submission. The
// encoder must not be used afterwards.
func (e CommandEncoder) Finish() (CommandBuffer, error) {
	res, err := e.state.handle.End()
	if err != nil {
		return CommandBuffer{}, checkDeviceResult(e.state.queue.device.logger, res, err)
	}
	return CommandBuffer{state: e.state}, nil
}

// ComputeEncoder records compute work.
type ComputeEncoder struct {
	state *commandBufferState
}

// BindPipeline binds a compute pipeline and retains it.
func (c ComputeEncoder) BindPipeline(pipeline Pipeline) {
	c.state.handle.CmdBindPipeline(core1_0.PipelineBindPointCompute, pipeline.Handle())
	c.state.refs = append(c.state.refs, pipeline.Clone())
}

// Dispatch records a dispatch of the bound pipeline.
func (c ComputeEncoder) Dispatch(x, y, z int) {
	c.state.handle.CmdDispatch(x, y, z)
}
