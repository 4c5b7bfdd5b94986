package garrison

import (
	"time"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"

	"github.com/vkngwrapper/garrison/internal/vulkan"
)

// acquireResult scripts one Acquire call on a fakeChain.
type acquireResult struct {
	index int
	res   common.VkResult
	err   error
}

// fakeChain is a scripted vulkan.Swapchain.
type fakeChain struct {
	images    []core1_0.Image
	acquires  []acquireResult
	acquired  []core1_0.Semaphore
	destroyed bool
}

func (f *fakeChain) Images() ([]core1_0.Image, common.VkResult, error) {
	return f.images, core1_0.VKSuccess, nil
}

func (f *fakeChain) Acquire(_ time.Duration, semaphore core1_0.Semaphore) (int, common.VkResult, error) {
	if len(f.acquires) == 0 {
		panic("acquire on a fake swapchain with no scripted results")
	}
	next := f.acquires[0]
	f.acquires = f.acquires[1:]
	f.acquired = append(f.acquired, semaphore)
	if next.err != nil {
		return 0, next.res, next.err
	}
	return next.index, next.res, nil
}

func (f *fakeChain) Handle() khr_swapchain.Swapchain {
	return nil
}

func (f *fakeChain) Destroy(_ *driver.AllocationCallbacks) {
	f.destroyed = true
}

// presentCall records the parallel arrays of one batched present.
type presentCall struct {
	semaphores []core1_0.Semaphore
	chains     []vulkan.Swapchain
	indices    []int
}

type presentResult struct {
	res common.VkResult
	err error
}

// fakePresenter is a scripted vulkan.SwapchainExtension. CreateSwapchain
// hands out scripted chains in order; Present consumes scripted results
// and succeeds once the script runs dry.
type fakePresenter struct {
	chains      []*fakeChain
	createInfos []khr_swapchain.SwapchainCreateInfo
	createRes   common.VkResult
	createErr   error

	presents       []presentCall
	presentResults []presentResult
}

func (f *fakePresenter) CreateSwapchain(_ core1_0.Device, _ *driver.AllocationCallbacks, info khr_swapchain.SwapchainCreateInfo) (vulkan.Swapchain, common.VkResult, error) {
	if f.createErr != nil {
		return nil, f.createRes, f.createErr
	}
	if len(f.chains) == 0 {
		panic("create on a fake swapchain extension with no scripted chains")
	}
	chain := f.chains[0]
	f.chains = f.chains[1:]
	f.createInfos = append(f.createInfos, info)
	return chain, core1_0.VKSuccess, nil
}

func (f *fakePresenter) Present(_ core1_0.Queue, waitSemaphores []core1_0.Semaphore, swapchains []vulkan.Swapchain, imageIndices []int) (common.VkResult, error) {
	f.presents = append(f.presents, presentCall{
		semaphores: append([]core1_0.Semaphore{}, waitSemaphores...),
		chains:     append([]vulkan.Swapchain{}, swapchains...),
		indices:    append([]int{}, imageIndices...),
	})
	if len(f.presentResults) > 0 {
		next := f.presentResults[0]
		f.presentResults = f.presentResults[1:]
		return next.res, next.err
	}
	return core1_0.VKSuccess, nil
}

// fakeWindowSurface serves scripted capabilities, formats and modes.
// Tests mutate caps between frames to drive resizes.
type fakeWindowSurface struct {
	caps        khr_surface.SurfaceCapabilities
	capsRes     common.VkResult
	capsErr     error
	formats     []khr_surface.SurfaceFormat
	modes       []khr_surface.PresentMode
	unsupported bool
}

func (f *fakeWindowSurface) Capabilities(core1_0.PhysicalDevice) (*khr_surface.SurfaceCapabilities, common.VkResult, error) {
	if f.capsErr != nil {
		return nil, f.capsRes, f.capsErr
	}
	caps := f.caps
	return &caps, core1_0.VKSuccess, nil
}

func (f *fakeWindowSurface) Formats(core1_0.PhysicalDevice) ([]khr_surface.SurfaceFormat, common.VkResult, error) {
	return f.formats, core1_0.VKSuccess, nil
}

func (f *fakeWindowSurface) PresentModes(core1_0.PhysicalDevice) ([]khr_surface.PresentMode, common.VkResult, error) {
	return f.modes, core1_0.VKSuccess, nil
}

func (f *fakeWindowSurface) Support(core1_0.PhysicalDevice, int) (bool, common.VkResult, error) {
	return !f.unsupported, core1_0.VKSuccess, nil
}

func (f *fakeWindowSurface) Handle() khr_surface.Surface {
	return nil
}
