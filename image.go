package garrison

import (
	"sync"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// Image is a reference-counted handle to a device image. Copies made with
// Clone share the same native image, destroyed when the last reference is
// released. Images attached to a swapchain only borrow their native handle
// and never free memory on release.
type Image struct {
	state *imageState
}

type imageFlavor int

const (
	// imageAllocated images own their handle and an allocation.
	imageAllocated imageFlavor = iota
	// imageSwapchain images borrow a handle owned by a swapchain.
	imageSwapchain
)

type imageState struct {
	refs       refCount
	device     *Device
	slot       int
	handle     core1_0.Image
	allocation vam.Allocation
	flavor     imageFlavor
	desc       ImageDesc

	viewMutex sync.Mutex
	views     *swiss.Map[ViewDesc, core1_0.ImageView]
}

func (i Image) Valid() bool {
	return i.state != nil
}

// Handle returns the native image for use in command recording.
func (i Image) Handle() core1_0.Image {
	return i.state.handle
}

func (i Image) Desc() ImageDesc {
	return i.state.desc
}

func (i Image) Extent() core1_0.Extent3D {
	return i.state.desc.Extent
}

func (i Image) Format() core1_0.Format {
	return i.state.desc.Format
}

// Clone adds a reference to the image.
func (i Image) Clone() Image {
	i.state.refs.increment()
	return i
}

// Release drops a reference. The last release destroys the cached views
// and, for allocated images, the native image and its memory.
func (i Image) Release() {
	if i.state.refs.decrement() {
		i.state.device.dropImage(i.state)
	}
}

// detached reports whether the holder's reference is the only one left.
func (i Image) detached() bool {
	return i.state.refs.value() == 1
}

// View returns a view of the image matching desc, creating it on first
// use. Views are cached per image and destroyed with it; the returned
// wrapper holds its own reference to the image.
func (i Image) View(desc ViewDesc) (ImageView, error) {
	state := i.state

	state.viewMutex.Lock()
	defer state.viewMutex.Unlock()

	if handle, ok := state.views.Get(desc); ok {
		return ImageView{image: i.Clone(), handle: handle}, nil
	}

	device := state.device
	handle, res, err := device.device.CreateImageView(device.callbacks, core1_0.ImageViewCreateInfo{
		Image:    state.handle,
		ViewType: viewTypeFor(state.desc.Type, desc.layerCount()),
		Format:   desc.Format,
		Components: core1_0.ComponentMapping{
			R: desc.Swizzle.R,
			G: desc.Swizzle.G,
			B: desc.Swizzle.B,
			A: desc.Swizzle.A,
		},
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     desc.Aspect,
			BaseMipLevel:   desc.BaseLevel,
			LevelCount:     desc.levelCount(),
			BaseArrayLayer: desc.BaseLayer,
			LayerCount:     desc.layerCount(),
		},
	})
	if err != nil {
		return ImageView{}, checkDeviceResult(device.logger, res, err)
	}

	state.views.Put(desc, handle)
	return ImageView{image: i.Clone(), handle: handle}, nil
}

// DefaultView returns the full-range color or depth view the image was
// created with.
func (i Image) DefaultView() (ImageView, error) {
	return i.View(i.state.desc.fullViewDesc())
}

// destroyViews tears down every cached view. Called with the image's last
// reference gone or during device teardown, so no locking is needed
// beyond the view mutex.
func (s *imageState) destroyViews(callbacks *driver.AllocationCallbacks) {
	s.viewMutex.Lock()
	defer s.viewMutex.Unlock()

	s.views.Iter(func(_ ViewDesc, handle core1_0.ImageView) bool {
		handle.Destroy(callbacks)
		return false
	})
	s.views = swiss.NewMap[ViewDesc, core1_0.ImageView](0)
}

// fullViewDesc is the default whole-image view: every layer and level,
// aspect inferred from the format.
func (d ImageDesc) fullViewDesc() ViewDesc {
	return ViewDesc{
		Format: d.Format,
		Aspect: formatAspect(d.Format),
		Layers: d.layerCount(),
		Levels: d.levelCount(),
	}
}

func formatAspect(format core1_0.Format) core1_0.ImageAspectFlags {
	switch format {
	case core1_0.FormatD16UnsignedNormalized, core1_0.FormatD32SignedFloat,
		core1_0.FormatD24X8UnsignedNormalizedPacked:
		return core1_0.ImageAspectDepth
	case core1_0.FormatS8UnsignedInt:
		return core1_0.ImageAspectStencil
	case core1_0.FormatD16UnsignedNormalizedS8UnsignedInt,
		core1_0.FormatD24UnsignedNormalizedS8UnsignedInt,
		core1_0.FormatD32SignedFloatS8UnsignedInt:
		return core1_0.ImageAspectDepth | core1_0.ImageAspectStencil
	default:
		return core1_0.ImageAspectColor
	}
}

func viewTypeFor(imageType core1_0.ImageType, layers int) core1_0.ImageViewType {
	switch imageType {
	case core1_0.ImageType1D:
		if layers > 1 {
			return core1_0.ImageViewType1DArray
		}
		return core1_0.ImageViewType1D
	case core1_0.ImageType3D:
		return core1_0.ImageViewType3D
	default:
		if layers > 1 {
			return core1_0.ImageViewType2DArray
		}
		return core1_0.ImageViewType2D
	}
}

// ImageView pairs a native view with a reference to its image. The view
// object itself is owned by the image and lives exactly as long as it
// does; releasing the wrapper only drops the image reference.
type ImageView struct {
	image  Image
	handle core1_0.ImageView
}

func (v ImageView) Valid() bool {
	return v.image.Valid()
}

// Handle returns the native image view.
func (v ImageView) Handle() core1_0.ImageView {
	return v.handle
}

// Image returns the image the view was created from without adding a
// reference.
func (v ImageView) Image() Image {
	return v.image
}

// Clone adds a reference to the underlying image.
func (v ImageView) Clone() ImageView {
	return ImageView{image: v.image.Clone(), handle: v.handle}
}

// Release drops the wrapper's image reference.
func (v ImageView) Release() {
	v.image.Release()
}
