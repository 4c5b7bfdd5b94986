package garrison

import (
	"strconv"
	"strings"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryClass selects how a resource's memory is allocated and which side
// of the bus can touch it.
type MemoryClass uint32

const (
	// MemoryDevice places the resource in device-local memory. Fastest for
	// the device, generally not host-visible.
	MemoryDevice MemoryClass = iota

	// MemoryShared places the resource in host-visible memory that the
	// device can use directly. Access must be synchronized between host
	// and device.
	MemoryShared

	// MemoryUpload places the resource in host-visible memory meant for
	// sequential writes, typically staging data on its way to the device.
	MemoryUpload

	// MemoryDownload places the resource in host-visible memory meant for
	// reading results back from the device.
	MemoryDownload
)

var memoryClassMapping = map[MemoryClass]string{
	MemoryDevice:   "MemoryDevice",
	MemoryShared:   "MemoryShared",
	MemoryUpload:   "MemoryUpload",
	MemoryDownload: "MemoryDownload",
}

func (c MemoryClass) String() string {
	str, ok := memoryClassMapping[c]
	if !ok {
		return "unknown"
	}
	return str
}

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	// Size of the buffer in bytes
	Size int
	// Usage flags the buffer will be created with
	Usage core1_0.BufferUsageFlags
	// Memory selects the memory class backing the buffer
	Memory MemoryClass
	// Name is attached to errors and log entries for this buffer
	Name string
}

// ImageDesc describes an image to create.
type ImageDesc struct {
	// Type is the image dimensionality
	Type core1_0.ImageType
	// Extent of the image in texels. Dimensions unused by Type are
	// treated as 1.
	Extent core1_0.Extent3D
	// Format of the image texels
	Format core1_0.Format
	// Usage flags the image will be created with
	Usage core1_0.ImageUsageFlags
	// Layers is the array layer count, minimum 1
	Layers int
	// Levels is the mip level count, minimum 1
	Levels int
	// Name is attached to errors and log entries for this image
	Name string
}

func (d ImageDesc) layerCount() int {
	if d.Layers < 1 {
		return 1
	}
	return d.Layers
}

func (d ImageDesc) levelCount() int {
	if d.Levels < 1 {
		return 1
	}
	return d.Levels
}

// normalizedExtent clamps the dimensions Type does not use to 1. A 3D
// image keeps its depth as given.
func (d ImageDesc) normalizedExtent() core1_0.Extent3D {
	extent := d.Extent
	switch d.Type {
	case core1_0.ImageType1D:
		extent.Height = 1
		extent.Depth = 1
	case core1_0.ImageType3D:
	default:
		extent.Depth = 1
	}
	return extent
}

// ViewDesc describes an image view. Views with equal descriptions on the
// same image share one native view object.
type ViewDesc struct {
	// Format of the view. May differ from the image format if compatible.
	Format core1_0.Format
	// Aspect selects which image aspects the view exposes
	Aspect core1_0.ImageAspectFlags
	// BaseLayer is the first array layer visible through the view
	BaseLayer int
	// Layers is the number of array layers in the view, minimum 1
	Layers int
	// BaseLevel is the first mip level visible through the view
	BaseLevel int
	// Levels is the number of mip levels in the view, minimum 1
	Levels int
	// Swizzle remaps components. The zero value is the identity mapping.
	Swizzle core1_0.ComponentMapping
}

func (d ViewDesc) layerCount() int {
	if d.Layers < 1 {
		return 1
	}
	return d.Layers
}

func (d ViewDesc) levelCount() int {
	if d.Levels < 1 {
		return 1
	}
	return d.Levels
}

// SamplerDesc describes how a texture is sampled. Samplers are deduplicated:
// equal descriptions yield the same sampler object.
type SamplerDesc struct {
	// MinFilter is used when texels are smaller than fragments
	MinFilter core1_0.Filter
	// MagFilter is used when texels are larger than fragments
	MagFilter core1_0.Filter
	// MipmapMode selects how mip levels are combined
	MipmapMode core1_0.SamplerMipmapMode
	// AddressModeU, AddressModeV and AddressModeW wrap coordinates outside
	// the texture for each dimension
	AddressModeU core1_0.SamplerAddressMode
	AddressModeV core1_0.SamplerAddressMode
	AddressModeW core1_0.SamplerAddressMode
	// Anisotropy is the maximum anisotropy level. Zero disables anisotropic
	// filtering.
	Anisotropy float32
	// CompareEnable activates depth-compare sampling using Compare
	CompareEnable bool
	Compare       core1_0.CompareOp
	// MinLOD and MaxLOD clamp the level of detail used while sampling
	MinLOD float32
	MaxLOD float32
	// Border is the color sampled outside the texture with a clamp-to-border
	// address mode
	Border core1_0.BorderColor
	// Unnormalized switches coordinates from the [0, 1] range to texel
	// units
	Unnormalized bool
}

// DescriptorSetLayoutBinding is a single binding in a descriptor set
// layout description.
type DescriptorSetLayoutBinding struct {
	// Binding index within the set
	Binding int
	// Type of descriptor bound at this index
	Type core1_0.DescriptorType
	// Count of descriptors in the binding, minimum 1
	Count int
	// Stages that can access the binding
	Stages core1_0.ShaderStageFlags
}

// DescriptorSetLayoutDesc describes a descriptor set layout. Layouts are
// deduplicated: equal descriptions yield the same layout object.
type DescriptorSetLayoutDesc struct {
	// Bindings in the set. Order is significant for deduplication.
	Bindings []DescriptorSetLayoutBinding
	// Flags passed through to layout creation
	Flags core1_0.DescriptorSetLayoutCreateFlags
}

// cacheKey builds the canonical identity of the description. Bindings
// contain a slice, so the desc itself cannot be a map key.
func (d DescriptorSetLayoutDesc) cacheKey() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(d.Flags)))
	for _, binding := range d.Bindings {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(binding.Binding))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(binding.Type)))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(binding.Count))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(binding.Stages)))
	}
	return b.String()
}

// PipelineLayoutDesc describes a pipeline layout as an ordered list of set
// layouts plus push constant ranges. The desc holds strong references to
// its set layouts; they are released when the deduplicated layout is
// destroyed.
type PipelineLayoutDesc struct {
	// Layouts are the descriptor set layouts, by set index
	Layouts []DescriptorSetLayout
	// PushConstants visible to the pipeline
	PushConstants []core1_0.PushConstantRange
}

// cacheKey identifies the layout by the serial numbers of its set layouts,
// so two descs referring to the same deduplicated set layouts collapse.
func (d PipelineLayoutDesc) cacheKey() string {
	var b strings.Builder
	for _, layout := range d.Layouts {
		b.WriteString(strconv.FormatUint(layout.state.serial, 10))
		b.WriteByte('|')
	}
	b.WriteByte('/')
	for _, pc := range d.PushConstants {
		b.WriteString(strconv.Itoa(int(pc.StageFlags)))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(pc.Offset))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(pc.Size))
		b.WriteByte('|')
	}
	return b.String()
}

// ShaderSource is shader code in a source language, compiled through the
// ShaderCompiler collaborator configured on the device.
type ShaderSource struct {
	// Code is the raw source text
	Code []byte
	// Language names the source language for the compiler
	Language string
	// Filename is used in compile diagnostics
	Filename string
}

// LibraryDesc describes a shader library. Either Code holds precompiled
// SPIR-V words, or Source carries code for the device's ShaderCompiler.
type LibraryDesc struct {
	// Code is precompiled SPIR-V
	Code []uint32
	// Source is compiled at creation when Code is empty
	Source *ShaderSource
	// Name is attached to errors and log entries for this library
	Name string
}

// Shader selects an entry point in a library.
type Shader struct {
	Library ShaderLibrary
	// Entry is the entry point name, "main" when empty
	Entry string
}

func (s Shader) entryPoint() string {
	if s.Entry == "" {
		return "main"
	}
	return s.Entry
}

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Shader Shader
	Layout PipelineLayout
	// Name is attached to errors and log entries for this pipeline
	Name string
}

// GraphicsPipelineDesc describes a graphics pipeline. Fixed-function state
// not represented here uses conservative defaults: fill polygons, no
// culling, no depth test, one color attachment without blending, dynamic
// viewport and scissor.
type GraphicsPipelineDesc struct {
	Vertex   Shader
	Fragment *Shader
	Layout   PipelineLayout
	Topology core1_0.PrimitiveTopology
	// RenderPass and Subpass the pipeline will be used with. Render pass
	// objects are owned by the caller.
	RenderPass core1_0.RenderPass
	Subpass    int
	// Name is attached to errors and log entries for this pipeline
	Name string
}
