package garrison

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/garrison/internal/vulkan"
)

// viewableImageUsage is the set of usages a default view can legally be
// created for. Transfer-only images get no eager view.
const viewableImageUsage = core1_0.ImageUsageSampled | core1_0.ImageUsageStorage |
	core1_0.ImageUsageColorAttachment | core1_0.ImageUsageDepthStencilAttachment |
	core1_0.ImageUsageInputAttachment

// Device owns the resource lifecycle for one logical device: it creates
// buffers, images, samplers, layouts, shaders and pipelines, deduplicates
// the cacheable ones, tracks the rest in index pools for bulk teardown,
// and receives the drop callback when a wrapper's last reference goes
// away.
//
// Create a Device with NewDevice. The underlying core1_0.Device stays
// caller-owned: Destroy tears down everything this layer created but
// never the logical device itself.
type Device struct {
	logger         *slog.Logger
	instance       core1_0.Instance
	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device
	callbacks      *driver.AllocationCallbacks
	allocator      *vam.Allocator
	compiler       ShaderCompiler
	caps           Capabilities
	queue          *Queue

	mutex     sync.Mutex
	destroyed bool
	present   vulkan.SwapchainExtension
	buffers   slab[*bufferState]
	images    slab[*imageState]
	libraries slab[*shaderLibraryState]
	pipelines slab[*pipelineState]

	samplers        *weakCache[SamplerDesc, *samplerState]
	setLayouts      *weakCache[string, *descriptorSetLayoutState]
	pipelineLayouts *weakCache[string, *pipelineLayoutState]
}

// Handle returns the underlying logical device.
func (d *Device) Handle() core1_0.Device {
	return d.device
}

// PhysicalDevice returns the physical device the logical device was
// created from.
func (d *Device) PhysicalDevice() core1_0.PhysicalDevice {
	return d.physicalDevice
}

// Queue returns the device's submission queue.
func (d *Device) Queue() *Queue {
	return d.queue
}

// Capabilities returns the limits snapshot captured at creation.
func (d *Device) Capabilities() Capabilities {
	return d.caps
}

// CreateBuffer creates a buffer and backs it with memory of the
// requested class. The returned wrapper holds the only reference.
func (d *Device) CreateBuffer(desc BufferDesc) (Buffer, error) {
	d.logger.Debug("Device::CreateBuffer",
		slog.String("name", desc.Name),
		slog.Int("size", desc.Size),
		slog.String("memory", desc.Memory.String()),
	)

	handle, allocation, err := d.allocBuffer(desc)
	if err != nil {
		return Buffer{}, err
	}

	state := &bufferState{
		device:     d,
		handle:     handle,
		allocation: allocation,
		desc:       desc,
	}
	state.refs.init()

	d.mutex.Lock()
	state.slot = d.buffers.insert(state)
	d.mutex.Unlock()

	return Buffer{state: state}, nil
}

func (d *Device) dropBuffer(state *bufferState) {
	d.mutex.Lock()
	if d.destroyed {
		d.mutex.Unlock()
		return
	}
	d.buffers.remove(state.slot)
	d.mutex.Unlock()

	state.handle.Destroy(d.callbacks)
	err := state.allocation.Free()
	if err != nil {
		d.logger.Error("Device::dropBuffer: failed to free memory",
			slog.String("name", state.desc.Name),
			slog.Any("error", err),
		)
	}
}

// CreateImage creates an image and backs it with device-local memory.
// Images whose usage permits it also get their default full view created
// eagerly, so later View calls on the common path never fail.
func (d *Device) CreateImage(desc ImageDesc) (Image, error) {
	d.logger.Debug("Device::CreateImage",
		slog.String("name", desc.Name),
		slog.String("format", desc.Format.String()),
	)

	handle, allocation, err := d.allocImage(desc)
	if err != nil {
		return Image{}, err
	}
	desc.Extent = desc.normalizedExtent()

	state := &imageState{
		device:     d,
		handle:     handle,
		allocation: allocation,
		flavor:     imageAllocated,
		desc:       desc,
		views:      swiss.NewMap[ViewDesc, core1_0.ImageView](1),
	}
	state.refs.init()

	d.mutex.Lock()
	state.slot = d.images.insert(state)
	d.mutex.Unlock()

	image := Image{state: state}
	if desc.Usage&viewableImageUsage != 0 {
		view, err := image.DefaultView()
		if err != nil {
			image.Release()
			return Image{}, err
		}
		view.Release()
	}
	return image, nil
}

// trackImage registers externally-owned image handles, such as swapchain
// images, so views and stats work uniformly. The wrapper never destroys
// the handle.
func (d *Device) trackImage(handle core1_0.Image, desc ImageDesc) Image {
	state := &imageState{
		device: d,
		handle: handle,
		flavor: imageSwapchain,
		desc:   desc,
		views:  swiss.NewMap[ViewDesc, core1_0.ImageView](1),
	}
	state.refs.init()

	d.mutex.Lock()
	state.slot = d.images.insert(state)
	d.mutex.Unlock()

	return Image{state: state}
}

func (d *Device) dropImage(state *imageState) {
	d.mutex.Lock()
	if d.destroyed {
		d.mutex.Unlock()
		return
	}
	d.images.remove(state.slot)
	d.mutex.Unlock()

	state.destroyViews(d.callbacks)
	if state.flavor != imageAllocated {
		return
	}
	state.handle.Destroy(d.callbacks)
	err := state.allocation.Free()
	if err != nil {
		d.logger.Error("Device::dropImage: failed to free memory",
			slog.String("name", state.desc.Name),
			slog.Any("error", err),
		)
	}
}

// CreateSampler returns a sampler for desc, deduplicated against every
// live sampler with an equal description. The device's sampler
// allocation limit is enforced before a new native sampler is created.
func (d *Device) CreateSampler(desc SamplerDesc) (Sampler, error) {
	d.logger.Debug("Device::CreateSampler")

	state, _, err := d.samplers.getOrCreate(desc, func() (*samplerState, error) {
		handle, res, err := d.device.CreateSampler(d.callbacks, core1_0.SamplerCreateInfo{
			MagFilter:    desc.MagFilter,
			MinFilter:    desc.MinFilter,
			MipmapMode:   desc.MipmapMode,
			AddressModeU: desc.AddressModeU,
			AddressModeV: desc.AddressModeV,
			AddressModeW: desc.AddressModeW,

			AnisotropyEnable: desc.Anisotropy > 0,
			MaxAnisotropy:    desc.Anisotropy,

			CompareEnable: desc.CompareEnable,
			CompareOp:     desc.Compare,

			MinLod: desc.MinLOD,
			MaxLod: desc.MaxLOD,

			BorderColor:             desc.Border,
			UnnormalizedCoordinates: desc.Unnormalized,
		})
		if err != nil {
			return nil, checkDeviceResult(d.logger, res, err)
		}

		s := &samplerState{device: d, handle: handle, desc: desc}
		s.refs.init()
		return s, nil
	})
	if err != nil {
		if errors.Is(err, errCacheLimit) {
			return Sampler{}, errors.Newf("sampler allocation limit of %d reached", d.caps.MaxSamplerAllocationCount)
		}
		return Sampler{}, err
	}
	return Sampler{state: state}, nil
}

func (d *Device) dropSampler(state *samplerState) {
	if d.samplers.drop(state.desc, state) {
		state.handle.Destroy(d.callbacks)
	}
}

// CreateDescriptorSetLayout returns a descriptor set layout for desc,
// deduplicated against every live layout with equal bindings.
func (d *Device) CreateDescriptorSetLayout(desc DescriptorSetLayoutDesc) (DescriptorSetLayout, error) {
	d.logger.Debug("Device::CreateDescriptorSetLayout")

	key := desc.cacheKey()
	state, _, err := d.setLayouts.getOrCreate(key, func() (*descriptorSetLayoutState, error) {
		bindings := make([]core1_0.DescriptorSetLayoutBinding, len(desc.Bindings))
		for i, binding := range desc.Bindings {
			bindings[i] = core1_0.DescriptorSetLayoutBinding{
				Binding:         binding.Binding,
				DescriptorType:  binding.Type,
				DescriptorCount: binding.Count,
				StageFlags:      binding.Stages,
			}
		}
		handle, res, err := d.device.CreateDescriptorSetLayout(d.callbacks, core1_0.DescriptorSetLayoutCreateInfo{
			Flags:    desc.Flags,
			Bindings: bindings,
		})
		if err != nil {
			return nil, checkDeviceResult(d.logger, res, err)
		}

		stored := desc
		stored.Bindings = append([]DescriptorSetLayoutBinding(nil), desc.Bindings...)

		s := &descriptorSetLayoutState{
			device: d,
			serial: layoutSerial.Add(1),
			handle: handle,
			desc:   stored,
			key:    key,
		}
		s.refs.init()
		return s, nil
	})
	if err != nil {
		return DescriptorSetLayout{}, err
	}
	return DescriptorSetLayout{state: state}, nil
}

func (d *Device) dropDescriptorSetLayout(state *descriptorSetLayoutState) {
	if d.setLayouts.drop(state.key, state) {
		state.handle.Destroy(d.callbacks)
	}
}

// CreatePipelineLayout returns a pipeline layout for desc, deduplicated
// by the identity of its set layouts and its push constant ranges. The
// cached layout holds references to the set layouts for as long as it
// lives.
func (d *Device) CreatePipelineLayout(desc PipelineLayoutDesc) (PipelineLayout, error) {
	d.logger.Debug("Device::CreatePipelineLayout")

	for i, layout := range desc.Layouts {
		if !layout.Valid() {
			return PipelineLayout{}, errors.Newf("pipeline layout references an invalid set layout at index %d", i)
		}
	}

	key := desc.cacheKey()
	state, _, err := d.pipelineLayouts.getOrCreate(key, func() (*pipelineLayoutState, error) {
		setLayouts := make([]core1_0.DescriptorSetLayout, len(desc.Layouts))
		for i, layout := range desc.Layouts {
			setLayouts[i] = layout.Handle()
		}
		handle, res, err := d.device.CreatePipelineLayout(d.callbacks, core1_0.PipelineLayoutCreateInfo{
			SetLayouts:         setLayouts,
			PushConstantRanges: append([]core1_0.PushConstantRange(nil), desc.PushConstants...),
		})
		if err != nil {
			return nil, checkDeviceResult(d.logger, res, err)
		}

		layouts := make([]DescriptorSetLayout, len(desc.Layouts))
		for i, layout := range desc.Layouts {
			layouts[i] = layout.Clone()
		}

		s := &pipelineLayoutState{device: d, handle: handle, layouts: layouts, key: key}
		s.refs.init()
		return s, nil
	})
	if err != nil {
		return PipelineLayout{}, err
	}
	return PipelineLayout{state: state}, nil
}

func (d *Device) dropPipelineLayout(state *pipelineLayoutState) {
	if d.pipelineLayouts.drop(state.key, state) {
		state.handle.Destroy(d.callbacks)
		for _, layout := range state.layouts {
			layout.Release()
		}
	}
}

// CreateShaderLibrary creates a shader module from precompiled SPIR-V,
// or from source when the device was given a compiler.
func (d *Device) CreateShaderLibrary(desc LibraryDesc) (ShaderLibrary, error) {
	d.logger.Debug("Device::CreateShaderLibrary", slog.String("name", desc.Name))

	code := desc.Code
	if len(code) == 0 {
		if desc.Source == nil {
			return ShaderLibrary{}, errors.Newf("shader library %q carries neither code nor source", desc.Name)
		}
		if d.compiler == nil {
			return ShaderLibrary{}, errors.Newf("shader library %q carries source but the device has no compiler", desc.Name)
		}
		var err error
		code, err = d.compiler.Compile(*desc.Source)
		if err != nil {
			return ShaderLibrary{}, errors.Wrapf(err, "failed to compile shader library %q", desc.Name)
		}
	}

	handle, res, err := d.device.CreateShaderModule(d.callbacks, core1_0.ShaderModuleCreateInfo{
		Code: code,
	})
	if err != nil {
		return ShaderLibrary{}, errors.Wrapf(checkDeviceResult(d.logger, res, err), "failed to create shader library %q", desc.Name)
	}

	state := &shaderLibraryState{device: d, handle: handle, name: desc.Name}
	state.refs.init()

	d.mutex.Lock()
	state.slot = d.libraries.insert(state)
	d.mutex.Unlock()

	return ShaderLibrary{state: state}, nil
}

func (d *Device) dropShaderLibrary(state *shaderLibraryState) {
	d.mutex.Lock()
	if d.destroyed {
		d.mutex.Unlock()
		return
	}
	d.libraries.remove(state.slot)
	d.mutex.Unlock()

	state.handle.Destroy(d.callbacks)
}

// CreateComputePipeline creates a compute pipeline. The pipeline keeps a
// reference to its layout; the shader library may be released as soon as
// this returns.
func (d *Device) CreateComputePipeline(desc ComputePipelineDesc) (Pipeline, error) {
	d.logger.Debug("Device::CreateComputePipeline", slog.String("name", desc.Name))

	if !desc.Shader.Library.Valid() {
		return Pipeline{}, errors.Newf("compute pipeline %q has no shader library", desc.Name)
	}
	if !desc.Layout.Valid() {
		return Pipeline{}, errors.Newf("compute pipeline %q has no layout", desc.Name)
	}

	pipelines, res, err := d.device.CreateComputePipelines(nil, d.callbacks, []core1_0.ComputePipelineCreateInfo{
		{
			Stage: core1_0.PipelineShaderStageCreateInfo{
				Stage:  core1_0.StageCompute,
				Module: desc.Shader.Library.Handle(),
				Name:   desc.Shader.entryPoint(),
			},
			Layout:            desc.Layout.Handle(),
			BasePipelineIndex: -1,
		},
	})
	if err != nil {
		return Pipeline{}, errors.Wrapf(checkDeviceResult(d.logger, res, err), "failed to create compute pipeline %q", desc.Name)
	}

	return d.trackPipeline(pipelines[0], core1_0.PipelineBindPointCompute, desc.Layout, desc.Name), nil
}

// CreateGraphicsPipeline creates a graphics pipeline with a conservative
// fixed-function setup: no vertex input, no blending, no depth test, and
// dynamic viewport/scissor. The pipeline keeps a reference to its layout.
func (d *Device) CreateGraphicsPipeline(desc GraphicsPipelineDesc) (Pipeline, error) {
	d.logger.Debug("Device::CreateGraphicsPipeline", slog.String("name", desc.Name))

	if !desc.Vertex.Library.Valid() {
		return Pipeline{}, errors.Newf("graphics pipeline %q has no vertex shader", desc.Name)
	}
	if !desc.Layout.Valid() {
		return Pipeline{}, errors.Newf("graphics pipeline %q has no layout", desc.Name)
	}
	if desc.RenderPass == nil {
		return Pipeline{}, errors.Newf("graphics pipeline %q has no render pass", desc.Name)
	}

	stages := []core1_0.PipelineShaderStageCreateInfo{
		{
			Stage:  core1_0.StageVertex,
			Module: desc.Vertex.Library.Handle(),
			Name:   desc.Vertex.entryPoint(),
		},
	}
	if desc.Fragment != nil {
		if !desc.Fragment.Library.Valid() {
			return Pipeline{}, errors.Newf("graphics pipeline %q has an invalid fragment shader", desc.Name)
		}
		stages = append(stages, core1_0.PipelineShaderStageCreateInfo{
			Stage:  core1_0.StageFragment,
			Module: desc.Fragment.Library.Handle(),
			Name:   desc.Fragment.entryPoint(),
		})
	}

	pipelines, res, err := d.device.CreateGraphicsPipelines(nil, d.callbacks, []core1_0.GraphicsPipelineCreateInfo{
		{
			Stages:           stages,
			VertexInputState: &core1_0.PipelineVertexInputStateCreateInfo{},
			InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
				Topology: desc.Topology,
			},
			ViewportState: &core1_0.PipelineViewportStateCreateInfo{
				Viewports: []core1_0.Viewport{{}},
				Scissors:  []core1_0.Rect2D{{}},
			},
			RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
				PolygonMode: core1_0.PolygonModeFill,
				CullMode:    0, // VK_CULL_MODE_NONE; core v2.2.1 has no named constant for it
				FrontFace:   core1_0.FrontFaceCounterClockwise,
				LineWidth:   1.0,
			},
			MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
				RasterizationSamples: core1_0.Samples1,
				MinSampleShading:     1.0,
			},
			ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
				Attachments: []core1_0.PipelineColorBlendAttachmentState{
					{
						ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen |
							core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha,
					},
				},
			},
			DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
				DynamicStates: []core1_0.DynamicState{
					core1_0.DynamicStateViewport,
					core1_0.DynamicStateScissor,
				},
			},
			Layout:            desc.Layout.Handle(),
			RenderPass:        desc.RenderPass,
			Subpass:           desc.Subpass,
			BasePipelineIndex: -1,
		},
	})
	if err != nil {
		return Pipeline{}, errors.Wrapf(checkDeviceResult(d.logger, res, err), "failed to create graphics pipeline %q", desc.Name)
	}

	return d.trackPipeline(pipelines[0], core1_0.PipelineBindPointGraphics, desc.Layout, desc.Name), nil
}

func (d *Device) trackPipeline(handle core1_0.Pipeline, bindPoint core1_0.PipelineBindPoint, layout PipelineLayout, name string) Pipeline {
	state := &pipelineState{
		device:    d,
		handle:    handle,
		bindPoint: bindPoint,
		layout:    layout.Clone(),
		name:      name,
	}
	state.refs.init()

	d.mutex.Lock()
	state.slot = d.pipelines.insert(state)
	d.mutex.Unlock()

	return Pipeline{state: state}
}

func (d *Device) dropPipeline(state *pipelineState) {
	d.mutex.Lock()
	if d.destroyed {
		d.mutex.Unlock()
		return
	}
	d.pipelines.remove(state.slot)
	d.mutex.Unlock()

	state.handle.Destroy(d.callbacks)
	state.layout.Release()
}

// WaitIdle blocks until the device finishes all outstanding work, then
// hands back the references held by completed submissions so resources
// kept alive only by the queue become releasable.
func (d *Device) WaitIdle() error {
	res, err := d.device.WaitIdle()
	if err != nil {
		return checkDeviceResult(d.logger, res, err)
	}
	d.queue.releasePending()
	return nil
}

// setPresentExtension records the swapchain extension the queue presents
// through. The first surface wires it; later surfaces share it.
func (d *Device) setPresentExtension(ext vulkan.SwapchainExtension) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.present == nil {
		d.present = ext
	}
}

// Destroy tears down everything the device created: the queue with its
// epochs and command pools first, then every tracked resource regardless
// of outstanding references, then the allocator. Wrapper releases
// arriving after Destroy are no-ops. The logical device itself is left
// for the caller to destroy.
func (d *Device) Destroy() {
	d.logger.Debug("Device::Destroy")

	d.mutex.Lock()
	if d.destroyed {
		d.mutex.Unlock()
		return
	}
	d.mutex.Unlock()

	err := d.WaitIdle()
	if err != nil {
		d.logger.Error("Device::Destroy: wait idle failed", slog.Any("error", err))
	}

	d.queue.destroy()

	d.mutex.Lock()
	d.destroyed = true
	d.mutex.Unlock()

	leaked := 0
	d.buffers.drain(func(state *bufferState) {
		leaked++
		state.handle.Destroy(d.callbacks)
		_ = state.allocation.Free()
	})
	d.images.drain(func(state *imageState) {
		state.destroyViews(d.callbacks)
		if state.flavor == imageAllocated {
			leaked++
			state.handle.Destroy(d.callbacks)
			_ = state.allocation.Free()
		}
	})
	d.samplers.drain(func(_ SamplerDesc, state *samplerState) {
		leaked++
		state.handle.Destroy(d.callbacks)
	})
	d.pipelines.drain(func(state *pipelineState) {
		leaked++
		state.handle.Destroy(d.callbacks)
	})
	d.pipelineLayouts.drain(func(_ string, state *pipelineLayoutState) {
		leaked++
		state.handle.Destroy(d.callbacks)
	})
	d.setLayouts.drain(func(_ string, state *descriptorSetLayoutState) {
		leaked++
		state.handle.Destroy(d.callbacks)
	})
	d.libraries.drain(func(state *shaderLibraryState) {
		leaked++
		state.handle.Destroy(d.callbacks)
	})
	if leaked > 0 {
		d.logger.Warn("Device::Destroy: resources were still referenced at teardown", slog.Int("count", leaked))
	}

	err = d.allocator.Destroy()
	if err != nil {
		d.logger.Error("Device::Destroy: failed to destroy the allocator", slog.Any("error", err))
	}
}
