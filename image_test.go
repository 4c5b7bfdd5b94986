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

func TestCreateImageBuildsEagerDefaultView(t *testing.T) {
	rig := newTestRig(t, CreateOptions{})
	native := rig.expectCreateImage(4096)

	view := mocks.NewMockImageView(rig.ctrl)
	var captured core1_0.ImageViewCreateInfo
	rig.core.EXPECT().CreateImageView(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ *driver.AllocationCallbacks, info core1_0.ImageViewCreateInfo) (core1_0.ImageView, common.VkResult, error) {
			captured = info
			return view, core1_0.VKSuccess, nil
		})

	image, err := rig.device.CreateImage(ImageDesc{
		Type:   core1_0.ImageType2D,
		Extent: core1_0.Extent3D{Width: 64, Height: 64, Depth: 1},
		Format: core1_0.FormatR8G8B8A8UnsignedNormalized,
		Usage:  core1_0.ImageUsageSampled,
		Layers: 2,
		Levels: 3,
		Name:   "albedo",
	})
	require.NoError(t, err)

	require.Equal(t, core1_0.ImageViewType2DArray, captured.ViewType)
	require.Equal(t, core1_0.FormatR8G8B8A8UnsignedNormalized, captured.Format)
	require.Equal(t, core1_0.ImageAspectColor, captured.SubresourceRange.AspectMask)
	require.Equal(t, 3, captured.SubresourceRange.LevelCount)
	require.Equal(t, 2, captured.SubresourceRange.LayerCount)

	// The eager view is cached: DefaultView serves it without another
	// native create.
	wrapper, err := image.DefaultView()
	require.NoError(t, err)
	require.Same(t, view, wrapper.Handle())
	wrapper.Release()

	view.EXPECT().Destroy(gomock.Any())
	native.EXPECT().Destroy(gomock.Any())
	image.Release()
	require.Equal(t, 0, rig.device.images.len())
}

func TestImageViewsCachePerDescription(t *testing.T) {
	rig := newTestRig(t, CreateOptions{})
	native := rig.expectCreateImage(4096)

	// Transfer-only usage gets no eager view.
	image, err := rig.device.CreateImage(ImageDesc{
		Type:   core1_0.ImageType2D,
		Extent: core1_0.Extent3D{Width: 32, Height: 32, Depth: 1},
		Format: core1_0.FormatR8G8B8A8UnsignedNormalized,
		Usage:  core1_0.ImageUsageTransferDst,
		Levels: 2,
	})
	require.NoError(t, err)

	fullView := mocks.NewMockImageView(rig.ctrl)
	rig.core.EXPECT().CreateImageView(gomock.Any(), gomock.Any()).Return(fullView, core1_0.VKSuccess, nil)

	full := ViewDesc{
		Format: core1_0.FormatR8G8B8A8UnsignedNormalized,
		Aspect: core1_0.ImageAspectColor,
		Levels: 2,
		Layers: 1,
	}
	first, err := image.View(full)
	require.NoError(t, err)
	repeat, err := image.View(full)
	require.NoError(t, err)
	require.Same(t, first.Handle(), repeat.Handle())

	mipView := mocks.NewMockImageView(rig.ctrl)
	rig.core.EXPECT().CreateImageView(gomock.Any(), gomock.Any()).Return(mipView, core1_0.VKSuccess, nil)

	mip := full
	mip.BaseLevel = 1
	mip.Levels = 1
	second, err := image.View(mip)
	require.NoError(t, err)
	require.Same(t, mipView, second.Handle())

	first.Release()
	repeat.Release()
	second.Release()

	fullView.EXPECT().Destroy(gomock.Any())
	mipView.EXPECT().Destroy(gomock.Any())
	native.EXPECT().Destroy(gomock.Any())
	image.Release()
}

func TestCreateImageRejectsDegenerateExtent(t *testing.T) {
	rig := newTestRig(t, CreateOptions{})

	_, err := rig.device.CreateImage(ImageDesc{
		Type:   core1_0.ImageType2D,
		Extent: core1_0.Extent3D{Width: 0, Height: 4, Depth: 1},
		Format: core1_0.FormatR8G8B8A8UnsignedNormalized,
		Name:   "broken",
	})
	require.ErrorContains(t, err, "degenerate extent")
}

func TestTrackedImageKeepsForeignHandle(t *testing.T) {
	rig := newTestRig(t, CreateOptions{})
	handle := mocks.NewMockImage(rig.ctrl)

	image := rig.device.trackImage(handle, ImageDesc{
		Type:   core1_0.ImageType2D,
		Extent: core1_0.Extent3D{Width: 8, Height: 8, Depth: 1},
		Format: core1_0.FormatB8G8R8A8UnsignedNormalized,
	})
	require.Equal(t, 1, rig.device.images.len())

	view := mocks.NewMockImageView(rig.ctrl)
	rig.core.EXPECT().CreateImageView(gomock.Any(), gomock.Any()).Return(view, core1_0.VKSuccess, nil)
	wrapper, err := image.DefaultView()
	require.NoError(t, err)
	wrapper.Release()

	// Cached views die with the wrapper but the native image stays with
	// its real owner.
	view.EXPECT().Destroy(gomock.Any())
	image.Release()
	require.Equal(t, 0, rig.device.images.len())
}
