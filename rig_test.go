package garrison

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/core/v2/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

// testBlockSize keeps allocator blocks small so mapped memory can be
// backed by ordinary slices.
const testBlockSize = 1 << 16

// testRig is a Device built over mocked native objects: one queue, one
// host-visible coherent memory type, and an allocator cutting small
// blocks that land in real slices when mapped.
type testRig struct {
	t        *testing.T
	ctrl     *gomock.Controller
	instance *mocks.MockInstance
	physical *mocks.MockPhysicalDevice
	core     *mocks.MockDevice
	queue    *mocks.MockQueue
	device   *Device
}

func newTestRig(t *testing.T, options CreateOptions) *testRig {
	ctrl := gomock.NewController(t)
	instance, physical, core := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	queue := mocks.NewMockQueue(ctrl)

	physical.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		DeviceName: "garrison-test-device",
		DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
		Limits: &core1_0.PhysicalDeviceLimits{
			BufferImageGranularity:    1,
			NonCoherentAtomSize:       64,
			MaxMemoryAllocationCount:  4096,
			MaxSamplerAllocationCount: 4000,
			MaxImageDimension2D:       16384,
			MaxPushConstantsSize:      128,
		},
	}, nil).AnyTimes()
	physical.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  2 << 30,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
		},
	}).AnyTimes()
	core.EXPECT().IsDeviceExtensionActive(gomock.Any()).Return(false).AnyTimes()
	core.EXPECT().GetQueue(options.QueueFamilyIndex, options.QueueIndex).Return(queue)

	// Every block allocation hands back fresh mock memory over a real
	// slice, so mapped writes and reads work without a device.
	core.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ *driver.AllocationCallbacks, info core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
			memory := mocks.NewMockDeviceMemory(ctrl)
			backing := make([]byte, info.AllocationSize)
			memory.EXPECT().Map(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(offset, _ int, _ core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error) {
					return unsafe.Pointer(&backing[offset]), core1_0.VKSuccess, nil
				}).AnyTimes()
			memory.EXPECT().Unmap().AnyTimes()
			memory.EXPECT().Free(gomock.Any()).AnyTimes()
			return memory, core1_0.VKSuccess, nil
		}).AnyTimes()

	if options.AllocatorOptions.PreferredLargeHeapBlockSize == 0 {
		options.AllocatorOptions.PreferredLargeHeapBlockSize = testBlockSize
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout))
	device, err := NewDevice(logger, instance, physical, core, options)
	require.NoError(t, err)

	return &testRig{
		t:        t,
		ctrl:     ctrl,
		instance: instance,
		physical: physical,
		core:     core,
		queue:    queue,
		device:   device,
	}
}

// expectIdle primes both idle waits for tests that drain or destroy.
func (r *testRig) expectIdle() {
	r.core.EXPECT().WaitIdle().Return(core1_0.VKSuccess, nil).AnyTimes()
	r.queue.EXPECT().WaitIdle().Return(core1_0.VKSuccess, nil).AnyTimes()
}

func (r *testRig) expectFence() *mocks.MockFence {
	fence := mocks.NewMockFence(r.ctrl)
	r.core.EXPECT().CreateFence(gomock.Any(), gomock.Any()).Return(fence, core1_0.VKSuccess, nil)
	return fence
}

func (r *testRig) expectSemaphore() *mocks.MockSemaphore {
	semaphore := mocks.NewMockSemaphore(r.ctrl)
	r.core.EXPECT().CreateSemaphore(gomock.Any(), gomock.Any()).Return(semaphore, core1_0.VKSuccess, nil)
	return semaphore
}

func (r *testRig) expectCommandPool() *mocks.MockCommandPool {
	pool := mocks.NewMockCommandPool(r.ctrl)
	r.core.EXPECT().CreateCommandPool(gomock.Any(), gomock.Any()).Return(pool, core1_0.VKSuccess, nil)
	return pool
}

func (r *testRig) expectCommandBuffer() *mocks.MockCommandBuffer {
	cbuf := mocks.NewMockCommandBuffer(r.ctrl)
	r.core.EXPECT().AllocateCommandBuffers(gomock.Any()).Return([]core1_0.CommandBuffer{cbuf}, core1_0.VKSuccess, nil)
	return cbuf
}

// expectCreateBuffer primes the native create and bind for one buffer,
// leaving block allocation to the rig-wide memory handler.
func (r *testRig) expectCreateBuffer(size int) *mocks.MockBuffer {
	buffer := mocks.NewMockBuffer(r.ctrl)
	r.core.EXPECT().CreateBuffer(gomock.Any(), gomock.Any()).Return(buffer, core1_0.VKSuccess, nil)
	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      64,
		MemoryTypeBits: 1,
	}).AnyTimes()
	buffer.EXPECT().BindBufferMemory(gomock.Any(), gomock.Any()).Return(core1_0.VKSuccess, nil)
	return buffer
}

func (r *testRig) expectCreateImage(size int) *mocks.MockImage {
	image := mocks.NewMockImage(r.ctrl)
	r.core.EXPECT().CreateImage(gomock.Any(), gomock.Any()).Return(image, core1_0.VKSuccess, nil)
	image.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      64,
		MemoryTypeBits: 1,
	}).AnyTimes()
	image.EXPECT().BindImageMemory(gomock.Any(), gomock.Any()).Return(core1_0.VKSuccess, nil)
	return image
}

// releaseProbe records whether something released it.
type releaseProbe struct {
	released int
}

func (p *releaseProbe) Release() {
	p.released++
}
