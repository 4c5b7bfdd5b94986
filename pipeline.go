package garrison

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Pipeline is a reference-counted handle to a compute or graphics
// pipeline. The pipeline keeps a reference to its layout.
type Pipeline struct {
	state *pipelineState
}

type pipelineState struct {
	refs      refCount
	device    *Device
	slot      int
	handle    core1_0.Pipeline
	bindPoint core1_0.PipelineBindPoint
	layout    PipelineLayout
	name      string
}

func (p Pipeline) Valid() bool {
	return p.state != nil
}

// Handle returns the native pipeline.
func (p Pipeline) Handle() core1_0.Pipeline {
	return p.state.handle
}

// BindPoint reports whether the pipeline binds as compute or graphics.
func (p Pipeline) BindPoint() core1_0.PipelineBindPoint {
	return p.state.bindPoint
}

// Layout returns the pipeline's layout without adding a reference.
func (p Pipeline) Layout() PipelineLayout {
	return p.state.layout
}

func (p Pipeline) Name() string {
	return p.state.name
}

// Clone adds a reference to the pipeline.
func (p Pipeline) Clone() Pipeline {
	p.state.refs.increment()
	return p
}

// Release drops a reference. The last release destroys the native
// pipeline and releases the layout.
func (p Pipeline) Release() {
	if p.state.refs.decrement() {
		p.state.device.dropPipeline(p.state)
	}
}
