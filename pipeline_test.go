package garrison

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/core/v2/mocks"
	"go.uber.org/mock/gomock"
)

// computeFixture creates the layout chain and shader library a compute
// pipeline needs, priming the native mocks behind them.
type computeFixture struct {
	setNative    *mocks.MockDescriptorSetLayout
	layoutNative *mocks.MockPipelineLayout
	module       *mocks.MockShaderModule
	layout       PipelineLayout
	library      ShaderLibrary
}

func newComputeFixture(t *testing.T, rig *testRig) *computeFixture {
	f := &computeFixture{
		setNative:    mocks.NewMockDescriptorSetLayout(rig.ctrl),
		layoutNative: mocks.NewMockPipelineLayout(rig.ctrl),
		module:       mocks.NewMockShaderModule(rig.ctrl),
	}
	rig.core.EXPECT().CreateDescriptorSetLayout(gomock.Any(), gomock.Any()).Return(f.setNative, core1_0.VKSuccess, nil)
	rig.core.EXPECT().CreatePipelineLayout(gomock.Any(), gomock.Any()).Return(f.layoutNative, core1_0.VKSuccess, nil)
	rig.core.EXPECT().CreateShaderModule(gomock.Any(), gomock.Any()).Return(f.module, core1_0.VKSuccess, nil)

	set, err := rig.device.CreateDescriptorSetLayout(DescriptorSetLayoutDesc{
		Bindings: []DescriptorSetLayoutBinding{
			{Binding: 0, Type: core1_0.DescriptorTypeStorageBuffer, Count: 1, Stages: core1_0.StageCompute},
		},
	})
	require.NoError(t, err)

	f.layout, err = rig.device.CreatePipelineLayout(PipelineLayoutDesc{Layouts: []DescriptorSetLayout{set}})
	require.NoError(t, err)
	set.Release()

	f.library, err = rig.device.CreateShaderLibrary(LibraryDesc{Code: []uint32{0x07230203}, Name: "fill"})
	require.NoError(t, err)
	return f
}

func TestCreateComputePipelineTracksLayout(t *testing.T) {
	rig := newTestRig(t, CreateOptions{})
	fixture := newComputeFixture(t, rig)

	native := mocks.NewMockPipeline(rig.ctrl)
	var captured []core1_0.ComputePipelineCreateInfo
	rig.core.EXPECT().CreateComputePipelines(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ core1_0.PipelineCache, _ *driver.AllocationCallbacks, infos []core1_0.ComputePipelineCreateInfo) ([]core1_0.Pipeline, common.VkResult, error) {
			captured = infos
			return []core1_0.Pipeline{native}, core1_0.VKSuccess, nil
		})

	pipeline, err := rig.device.CreateComputePipeline(ComputePipelineDesc{
		Shader: Shader{Library: fixture.library},
		Layout: fixture.layout,
		Name:   "fill",
	})
	require.NoError(t, err)

	require.Len(t, captured, 1)
	require.Equal(t, "main", captured[0].Stage.Name)
	require.Same(t, fixture.module, captured[0].Stage.Module)
	require.Same(t, fixture.layoutNative, captured[0].Layout)
	require.Equal(t, -1, captured[0].BasePipelineIndex)
	require.Equal(t, core1_0.PipelineBindPointCompute, pipeline.BindPoint())
	require.Equal(t, "fill", pipeline.Name())

	// The shader library is only needed during creation; the layout is
	// held by the pipeline until its last release.
	fixture.module.EXPECT().Destroy(gomock.Any())
	fixture.library.Release()
	fixture.layout.Release()

	native.EXPECT().Destroy(gomock.Any())
	fixture.layoutNative.EXPECT().Destroy(gomock.Any())
	fixture.setNative.EXPECT().Destroy(gomock.Any())
	pipeline.Release()
	require.Equal(t, 0, rig.device.pipelines.len())
}

func TestCreateComputePipelineValidates(t *testing.T) {
	rig := newTestRig(t, CreateOptions{})
	fixture := newComputeFixture(t, rig)

	_, err := rig.device.CreateComputePipeline(ComputePipelineDesc{
		Layout: fixture.layout,
		Name:   "missing-shader",
	})
	require.ErrorContains(t, err, "has no shader library")

	_, err = rig.device.CreateComputePipeline(ComputePipelineDesc{
		Shader: Shader{Library: fixture.library},
		Name:   "missing-layout",
	})
	require.ErrorContains(t, err, "has no layout")

	fixture.module.EXPECT().Destroy(gomock.Any())
	fixture.library.Release()
	fixture.layoutNative.EXPECT().Destroy(gomock.Any())
	fixture.setNative.EXPECT().Destroy(gomock.Any())
	fixture.layout.Release()
}

func TestCreateGraphicsPipelineBuildsConservativeState(t *testing.T) {
	rig := newTestRig(t, CreateOptions{})
	fixture := newComputeFixture(t, rig)
	renderPass := mocks.NewMockRenderPass(rig.ctrl)

	native := mocks.NewMockPipeline(rig.ctrl)
	var captured []core1_0.GraphicsPipelineCreateInfo
	rig.core.EXPECT().CreateGraphicsPipelines(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ core1_0.PipelineCache, _ *driver.AllocationCallbacks, infos []core1_0.GraphicsPipelineCreateInfo) ([]core1_0.Pipeline, common.VkResult, error) {
			captured = infos
			return []core1_0.Pipeline{native}, core1_0.VKSuccess, nil
		})

	pipeline, err := rig.device.CreateGraphicsPipeline(GraphicsPipelineDesc{
		Vertex:     Shader{Library: fixture.library},
		Fragment:   &Shader{Library: fixture.library, Entry: "frag"},
		Layout:     fixture.layout,
		RenderPass: renderPass,
		Topology:   core1_0.PrimitiveTopologyTriangleList,
		Name:       "blit",
	})
	require.NoError(t, err)
	require.Equal(t, core1_0.PipelineBindPointGraphics, pipeline.BindPoint())

	require.Len(t, captured, 1)
	info := captured[0]
	require.Len(t, info.Stages, 2)
	require.Equal(t, core1_0.StageVertex, info.Stages[0].Stage)
	require.Equal(t, "main", info.Stages[0].Name)
	require.Equal(t, core1_0.StageFragment, info.Stages[1].Stage)
	require.Equal(t, "frag", info.Stages[1].Name)
	require.Equal(t, core1_0.PrimitiveTopologyTriangleList, info.InputAssemblyState.Topology)
	require.Equal(t, []core1_0.DynamicState{core1_0.DynamicStateViewport, core1_0.DynamicStateScissor},
		info.DynamicState.DynamicStates)
	require.Same(t, renderPass, info.RenderPass)

	fixture.module.EXPECT().Destroy(gomock.Any())
	fixture.library.Release()
	fixture.layout.Release()
	native.EXPECT().Destroy(gomock.Any())
	fixture.layoutNative.EXPECT().Destroy(gomock.Any())
	fixture.setNative.EXPECT().Destroy(gomock.Any())
	pipeline.Release()
}

func TestCreateGraphicsPipelineValidates(t *testing.T) {
	rig := newTestRig(t, CreateOptions{})
	fixture := newComputeFixture(t, rig)

	_, err := rig.device.CreateGraphicsPipeline(GraphicsPipelineDesc{
		Layout: fixture.layout,
		Name:   "missing-vertex",
	})
	require.ErrorContains(t, err, "has no vertex shader")

	_, err = rig.device.CreateGraphicsPipeline(GraphicsPipelineDesc{
		Vertex: Shader{Library: fixture.library},
		Layout: fixture.layout,
		Name:   "missing-pass",
	})
	require.ErrorContains(t, err, "has no render pass")

	_, err = rig.device.CreateGraphicsPipeline(GraphicsPipelineDesc{
		Vertex:     Shader{Library: fixture.library},
		Fragment:   &Shader{},
		Layout:     fixture.layout,
		RenderPass: mocks.NewMockRenderPass(rig.ctrl),
		Name:       "broken-fragment",
	})
	require.ErrorContains(t, err, "has an invalid fragment shader")

	fixture.module.EXPECT().Destroy(gomock.Any())
	fixture.library.Release()
	fixture.layoutNative.EXPECT().Destroy(gomock.Any())
	fixture.setNative.EXPECT().Destroy(gomock.Any())
	fixture.layout.Release()
}

func TestComputePassRecordsBindAndDispatch(t *testing.T) {
	rig := newTestRig(t, CreateOptions{})
	fixture := newComputeFixture(t, rig)

	native := mocks.NewMockPipeline(rig.ctrl)
	rig.core.EXPECT().CreateComputePipelines(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]core1_0.Pipeline{native}, core1_0.VKSuccess, nil)
	pipeline, err := rig.device.CreateComputePipeline(ComputePipelineDesc{
		Shader: Shader{Library: fixture.library},
		Layout: fixture.layout,
		Name:   "fill",
	})
	require.NoError(t, err)

	rig.expectCommandPool()
	cbuf := rig.expectCommandBuffer()
	cbuf.EXPECT().Begin(gomock.Any()).Return(core1_0.VKSuccess, nil)
	cbuf.EXPECT().CmdBindPipeline(core1_0.PipelineBindPointCompute, native)
	cbuf.EXPECT().CmdDispatch(16, 8, 1)
	cbuf.EXPECT().End().Return(core1_0.VKSuccess, nil)

	encoder, err := rig.device.Queue().CreateEncoder()
	require.NoError(t, err)
	pass := encoder.Compute()
	pass.BindPipeline(pipeline)
	pass.Dispatch(16, 8, 1)
	recorded, err := encoder.Finish()
	require.NoError(t, err)

	// Discarding releases the recording's pipeline reference; the
	// caller's wrapper still holds the native object.
	recorded.Discard()

	fixture.module.EXPECT().Destroy(gomock.Any())
	fixture.library.Release()
	fixture.layout.Release()
	native.EXPECT().Destroy(gomock.Any())
	fixture.layoutNative.EXPECT().Destroy(gomock.Any())
	fixture.setNative.EXPECT().Destroy(gomock.Any())
	pipeline.Release()
}
