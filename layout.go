package garrison

import (
	"sync/atomic"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// layoutSerial hands out process-unique identities for descriptor set
// layouts so pipeline layout cache keys can name them compactly.
var layoutSerial atomic.Uint64

// DescriptorSetLayout is a reference-counted handle to a descriptor set
// layout. Layouts are deduplicated by their bindings, so equal
// descriptions share one native object.
type DescriptorSetLayout struct {
	state *descriptorSetLayoutState
}

type descriptorSetLayoutState struct {
	refs   refCount
	device *Device
	serial uint64
	handle core1_0.DescriptorSetLayout
	desc   DescriptorSetLayoutDesc
	key    string
}

func (s *descriptorSetLayoutState) refCounter() *refCount {
	return &s.refs
}

func (l DescriptorSetLayout) Valid() bool {
	return l.state != nil
}

// Handle returns the native descriptor set layout.
func (l DescriptorSetLayout) Handle() core1_0.DescriptorSetLayout {
	return l.state.handle
}

func (l DescriptorSetLayout) Desc() DescriptorSetLayoutDesc {
	return l.state.desc
}

// Clone adds a reference to the layout.
func (l DescriptorSetLayout) Clone() DescriptorSetLayout {
	l.state.refs.increment()
	return l
}

// Release drops a reference. The native layout is destroyed once the
// last wrapper is gone and the device's cache entry has been evicted.
func (l DescriptorSetLayout) Release() {
	if l.state.refs.decrement() {
		l.state.device.dropDescriptorSetLayout(l.state)
	}
}

// PipelineLayout is a reference-counted handle to a pipeline layout. The
// layout keeps references to its descriptor set layouts, so they outlive
// every pipeline built from it.
type PipelineLayout struct {
	state *pipelineLayoutState
}

type pipelineLayoutState struct {
	refs    refCount
	device  *Device
	handle  core1_0.PipelineLayout
	layouts []DescriptorSetLayout
	key     string
}

func (s *pipelineLayoutState) refCounter() *refCount {
	return &s.refs
}

func (l PipelineLayout) Valid() bool {
	return l.state != nil
}

// Handle returns the native pipeline layout.
func (l PipelineLayout) Handle() core1_0.PipelineLayout {
	return l.state.handle
}

// SetLayout returns the descriptor set layout bound at index without
// adding a reference.
func (l PipelineLayout) SetLayout(index int) DescriptorSetLayout {
	return l.state.layouts[index]
}

func (l PipelineLayout) SetLayoutCount() int {
	return len(l.state.layouts)
}

// Clone adds a reference to the pipeline layout.
func (l PipelineLayout) Clone() PipelineLayout {
	l.state.refs.increment()
	return l
}

// Release drops a reference. The last release also releases the held
// descriptor set layouts.
func (l PipelineLayout) Release() {
	if l.state.refs.decrement() {
		l.state.device.dropPipelineLayout(l.state)
	}
}
