package vulkan

import (
	"time"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

// SwapchainExtension creates swapchains and presents acquired images
// back to them.
type SwapchainExtension interface {
	CreateSwapchain(device core1_0.Device, callbacks *driver.AllocationCallbacks, info khr_swapchain.SwapchainCreateInfo) (Swapchain, common.VkResult, error)

	// Present issues a single batched present of the given images. The
	// three slices are parallel.
	Present(queue core1_0.Queue, waitSemaphores []core1_0.Semaphore, swapchains []Swapchain, imageIndices []int) (common.VkResult, error)
}

// Swapchain is one native presentation chain.
type Swapchain interface {
	Images() ([]core1_0.Image, common.VkResult, error)
	Acquire(timeout time.Duration, semaphore core1_0.Semaphore) (int, common.VkResult, error)
	Handle() khr_swapchain.Swapchain
	Destroy(callbacks *driver.AllocationCallbacks)
}

// NewSwapchainExtension wraps the khr_swapchain extension of a device
// that was created with the extension enabled.
func NewSwapchainExtension(device core1_0.Device) SwapchainExtension {
	return swapchainExtension{ext: khr_swapchain.CreateExtensionFromDevice(device)}
}

type swapchainExtension struct {
	ext khr_swapchain.Extension
}

func (s swapchainExtension) CreateSwapchain(device core1_0.Device, callbacks *driver.AllocationCallbacks, info khr_swapchain.SwapchainCreateInfo) (Swapchain, common.VkResult, error) {
	chain, res, err := s.ext.CreateSwapchain(device, callbacks, info)
	if err != nil {
		return nil, res, err
	}
	return swapchain{chain: chain}, res, nil
}

func (s swapchainExtension) Present(queue core1_0.Queue, waitSemaphores []core1_0.Semaphore, swapchains []Swapchain, imageIndices []int) (common.VkResult, error) {
	chains := make([]khr_swapchain.Swapchain, len(swapchains))
	for i, chain := range swapchains {
		chains[i] = chain.Handle()
	}
	return s.ext.QueuePresent(queue, khr_swapchain.PresentInfo{
		WaitSemaphores: waitSemaphores,
		Swapchains:     chains,
		ImageIndices:   imageIndices,
	})
}

type swapchain struct {
	chain khr_swapchain.Swapchain
}

func (s swapchain) Images() ([]core1_0.Image, common.VkResult, error) {
	return s.chain.SwapchainImages()
}

func (s swapchain) Acquire(timeout time.Duration, semaphore core1_0.Semaphore) (int, common.VkResult, error) {
	return s.chain.AcquireNextImage(timeout, semaphore, nil)
}

func (s swapchain) Handle() khr_swapchain.Swapchain {
	return s.chain
}

func (s swapchain) Destroy(callbacks *driver.AllocationCallbacks) {
	s.chain.Destroy(callbacks)
}
