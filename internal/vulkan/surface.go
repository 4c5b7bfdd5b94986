// Package vulkan narrows the khr surface and swapchain extension
// objects down to the calls the presentation code needs, so the rest
// of the module depends on small interfaces rather than the full
// extension surfaces.
package vulkan

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
)

// WindowSurface is the slice of a khr surface used to build and
// rebuild swapchains.
type WindowSurface interface {
	Capabilities(physicalDevice core1_0.PhysicalDevice) (*khr_surface.SurfaceCapabilities, common.VkResult, error)
	Formats(physicalDevice core1_0.PhysicalDevice) ([]khr_surface.SurfaceFormat, common.VkResult, error)
	PresentModes(physicalDevice core1_0.PhysicalDevice) ([]khr_surface.PresentMode, common.VkResult, error)
	Support(physicalDevice core1_0.PhysicalDevice, queueFamilyIndex int) (bool, common.VkResult, error)
	Handle() khr_surface.Surface
}

// WrapSurface adapts a caller-created khr surface to WindowSurface.
func WrapSurface(surface khr_surface.Surface) WindowSurface {
	return windowSurface{surface: surface}
}

type windowSurface struct {
	surface khr_surface.Surface
}

func (w windowSurface) Capabilities(physicalDevice core1_0.PhysicalDevice) (*khr_surface.SurfaceCapabilities, common.VkResult, error) {
	return w.surface.PhysicalDeviceSurfaceCapabilities(physicalDevice)
}

func (w windowSurface) Formats(physicalDevice core1_0.PhysicalDevice) ([]khr_surface.SurfaceFormat, common.VkResult, error) {
	return w.surface.PhysicalDeviceSurfaceFormats(physicalDevice)
}

func (w windowSurface) PresentModes(physicalDevice core1_0.PhysicalDevice) ([]khr_surface.PresentMode, common.VkResult, error) {
	return w.surface.PhysicalDeviceSurfacePresentModes(physicalDevice)
}

func (w windowSurface) Support(physicalDevice core1_0.PhysicalDevice, queueFamilyIndex int) (bool, common.VkResult, error) {
	return w.surface.PhysicalDeviceSurfaceSupport(physicalDevice, queueFamilyIndex)
}

func (w windowSurface) Handle() khr_surface.Surface {
	return w.surface
}
