package garrison

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

// CreateOptions contains optional settings when creating a Device
type CreateOptions struct {
	// QueueFamilyIndex is the family of the queue the device submits on.
	// The family must support graphics or compute work.
	QueueFamilyIndex int
	// QueueIndex is the queue's index within QueueFamilyIndex
	QueueIndex int

	// Compiler translates shader source into SPIR-V when a LibraryDesc
	// carries source instead of precompiled code. When nil, only
	// precompiled code is accepted.
	Compiler ShaderCompiler

	// SynchronizedQueue serializes Queue operations with an internal
	// mutex. Leave it false when the consumer already confines the queue
	// to a single goroutine, and performance may improve because the
	// mutex is not used.
	SynchronizedQueue bool

	// VulkanCallbacks is an optional set of host allocation callbacks
	// passed to every native create and destroy performed by the device
	VulkanCallbacks *driver.AllocationCallbacks

	// AllocatorOptions is forwarded to the memory allocator backing
	// buffer and image creation. VulkanCallbacks is filled in from the
	// field above when unset.
	AllocatorOptions vam.CreateOptions
}

// Capabilities is a snapshot of the device properties this layer
// consults, captured once at device creation.
type Capabilities struct {
	DeviceName                string
	QueueFamilyIndex          int
	MaxSamplerAllocationCount int
	NonCoherentAtomSize       int
	MaxImageDimension2D       int
	MaxPushConstantsSize      int
}

// NewDevice wraps an already-created logical device in a resource
// lifecycle layer: a memory allocator, dedup caches for samplers and
// layouts, index pools tracking bulk-destroyable resources, and a
// submission queue with deferred destruction.
//
// logger - Will be used to log events from the device and everything
// created from it. slog.Default is used when nil
//
// instance - The instance that owns the provided Device
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device resources will be created against. The caller
// retains ownership and destroys it after Device.Destroy
//
// options - Optional parameters: it is valid to leave all the fields blank
func NewDevice(logger *slog.Logger, instance core1_0.Instance, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}

	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to query physical device properties")
	}

	allocatorOptions := options.AllocatorOptions
	if allocatorOptions.VulkanCallbacks == nil {
		allocatorOptions.VulkanCallbacks = options.VulkanCallbacks
	}
	allocator, err := vam.New(logger, instance, physicalDevice, device, allocatorOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the device memory allocator")
	}

	d := &Device{
		logger:         logger,
		instance:       instance,
		physicalDevice: physicalDevice,
		device:         device,
		callbacks:      options.VulkanCallbacks,
		allocator:      allocator,
		compiler:       options.Compiler,
		caps: Capabilities{
			DeviceName:                properties.DriverName,
			QueueFamilyIndex:          options.QueueFamilyIndex,
			MaxSamplerAllocationCount: properties.Limits.MaxSamplerAllocationCount,
			NonCoherentAtomSize:       properties.Limits.NonCoherentAtomSize,
			MaxImageDimension2D:       properties.Limits.MaxImageDimension2D,
			MaxPushConstantsSize:      properties.Limits.MaxPushConstantsSize,
		},
		samplers:        newWeakCache[SamplerDesc, *samplerState](0),
		setLayouts:      newWeakCache[string, *descriptorSetLayoutState](0),
		pipelineLayouts: newWeakCache[string, *pipelineLayoutState](0),
	}
	d.samplers.limit = d.caps.MaxSamplerAllocationCount

	queue := device.GetQueue(options.QueueFamilyIndex, options.QueueIndex)
	d.queue = newQueue(d, queue, options.SynchronizedQueue)

	logger.Debug("NewDevice",
		slog.String("deviceName", d.caps.DeviceName),
		slog.Int("queueFamilyIndex", options.QueueFamilyIndex),
	)
	return d, nil
}
