package garrison

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/garrison/internal/vulkan"
)

// SuboptimalRetireCooldown is how many frames a suboptimal condition
// must persist before the swapchain is rebuilt. A transient suboptimal
// signal inside the window does not force a rebuild.
const SuboptimalRetireCooldown = 10

// MaxRetiredSwapchains bounds the retirement backlog. Reaching it
// forces a device idle wait so the backlog can drain completely.
const MaxRetiredSwapchains = 8

// Surface owns at most one live swapchain for a window surface, plus
// the retirement queue of replaced swapchains awaiting destruction.
// When the platform reports a degenerate extent a fake chain with a
// single offscreen image stands in until the window grows again.
//
// A Surface is confined to a single goroutine.
type Surface struct {
	device  *Device
	queue   *Queue
	surface vulkan.WindowSurface
	ext     vulkan.SwapchainExtension

	// current is nil until the first NextFrame initializes it.
	current surfaceChain
	retired []surfaceChain

	format khr_surface.SurfaceFormat
	mode   khr_surface.PresentMode
	usage  core1_0.ImageUsageFlags

	// cooldown counts frames down to zero; a suboptimal signal at zero
	// schedules a rebuild on the next frame.
	cooldown int
	rebuild  bool

	lost bool
}

// surfaceChain is one live or retired swapchain, real or fake.
type surfaceChain interface {
	// detached reports whether every image the chain produced has no
	// references outside the chain itself.
	detached() bool
	destroy(s *Surface)
}

type swapchainImage struct {
	image      Image
	acquireSem core1_0.Semaphore
	presentSem core1_0.Semaphore
}

type realSwapchain struct {
	chain  vulkan.Swapchain
	images []swapchainImage

	// next is the spare acquire semaphore. Each successful acquire
	// swaps it with the acquired image's slot.
	next core1_0.Semaphore
}

func (c *realSwapchain) detached() bool {
	for i := range c.images {
		if !c.images[i].image.detached() {
			return false
		}
	}
	return true
}

func (c *realSwapchain) destroy(s *Surface) {
	for _, entry := range c.images {
		entry.acquireSem.Destroy(s.device.callbacks)
		entry.presentSem.Destroy(s.device.callbacks)
		entry.image.Release()
	}
	c.next.Destroy(s.device.callbacks)
	c.chain.Destroy(s.device.callbacks)
}

// fakeSwapchain stands in while the surface extent is degenerate. Its
// single semaphore chains one fake frame to the next: every frame
// signals it at submit and every frame after the first waits on it.
type fakeSwapchain struct {
	image     Image
	semaphore core1_0.Semaphore
	frameIdx  uint64
}

func (c *fakeSwapchain) detached() bool {
	return c.image.detached()
}

func (c *fakeSwapchain) destroy(s *Surface) {
	c.semaphore.Destroy(s.device.callbacks)
	c.image.Release()
}

// NewSurface wraps a caller-created khr surface for presentation on
// the given queue. The caller keeps ownership of the khr surface; the
// device must have been created with the swapchain extension enabled.
func NewSurface(device *Device, queue *Queue, surface khr_surface.Surface) (*Surface, error) {
	return newSurface(device, queue, vulkan.WrapSurface(surface), vulkan.NewSwapchainExtension(device.Handle()))
}

func newSurface(device *Device, queue *Queue, surface vulkan.WindowSurface, ext vulkan.SwapchainExtension) (*Surface, error) {
	supported, res, err := surface.Support(device.physicalDevice, device.caps.QueueFamilyIndex)
	if err != nil {
		return nil, checkSurfaceResult(device.logger, res, err)
	}
	if !supported {
		return nil, errors.Newf("queue family %d cannot present to this surface", device.caps.QueueFamilyIndex)
	}

	formats, res, err := surface.Formats(device.physicalDevice)
	if err != nil {
		return nil, checkSurfaceResult(device.logger, res, err)
	}
	modes, res, err := surface.PresentModes(device.physicalDevice)
	if err != nil {
		return nil, checkSurfaceResult(device.logger, res, err)
	}

	format, err := pickSurfaceFormat(formats)
	if err != nil {
		return nil, err
	}
	mode, err := pickPresentMode(modes)
	if err != nil {
		return nil, err
	}

	device.setPresentExtension(ext)

	device.logger.Debug("Surface::New",
		slog.String("format", format.Format.String()),
		slog.String("presentMode", mode.String()),
	)

	return &Surface{
		device:   device,
		queue:    queue,
		surface:  surface,
		ext:      ext,
		format:   format,
		mode:     mode,
		usage:    core1_0.ImageUsageColorAttachment,
		cooldown: SuboptimalRetireCooldown,
	}, nil
}

func pickSurfaceFormat(formats []khr_surface.SurfaceFormat) (khr_surface.SurfaceFormat, error) {
	ranked := []core1_0.Format{
		core1_0.FormatR8G8B8A8UnsignedNormalized,
		core1_0.FormatB8G8R8A8UnsignedNormalized,
		core1_0.FormatB8G8R8A8SRGB,
		core1_0.FormatR8G8B8A8SRGB,
	}
	for _, want := range ranked {
		for _, format := range formats {
			if format.Format == want {
				return format, nil
			}
		}
	}
	return khr_surface.SurfaceFormat{}, errors.New("surface reports no supported presentation format")
}

func pickPresentMode(modes []khr_surface.PresentMode) (khr_surface.PresentMode, error) {
	ranked := []khr_surface.PresentMode{
		khr_surface.PresentModeMailbox,
		khr_surface.PresentModeFIFO,
		khr_surface.PresentModeImmediate,
	}
	for _, want := range ranked {
		for _, mode := range modes {
			if mode == want {
				return mode, nil
			}
		}
	}
	return 0, errors.New("surface reports no supported present mode")
}

// init builds a swapchain for the surface's current state, retiring
// any chain it replaces. The old chain is retired even when creating
// its replacement fails.
func (s *Surface) init() error {
	if err := s.handleRetired(); err != nil {
		return err
	}
	if s.lost {
		return errors.Mark(errors.New("surface lost"), ErrSurfaceLost)
	}
	s.cooldown = SuboptimalRetireCooldown
	s.rebuild = false

	caps, res, err := s.surface.Capabilities(s.device.physicalDevice)
	if err != nil {
		err = checkSurfaceResult(s.device.logger, res, err)
		if errors.Is(err, ErrSurfaceLost) {
			s.lost = true
		}
		return err
	}

	old := s.current
	s.current = nil

	if caps.CurrentExtent.Width == 0 || caps.CurrentExtent.Height == 0 {
		// Degenerate extent. An existing fake chain keeps serving;
		// a real chain is replaced by a fresh fake one.
		if fake, ok := old.(*fakeSwapchain); ok {
			s.current = fake
			return nil
		}
		if old != nil {
			s.retired = append(s.retired, old)
		}
		return s.initFake(caps)
	}

	return s.initReal(caps, old)
}

func (s *Surface) initFake(caps *khr_surface.SurfaceCapabilities) error {
	width := caps.CurrentExtent.Width
	if width < 1 {
		width = 1
	}
	height := caps.CurrentExtent.Height
	if height < 1 {
		height = 1
	}

	image, err := s.device.CreateImage(ImageDesc{
		Type:   core1_0.ImageType2D,
		Extent: core1_0.Extent3D{Width: width, Height: height, Depth: 1},
		Format: s.format.Format,
		Usage:  s.usage,
		Layers: 1,
		Levels: 1,
		Name:   "fake-swapchain-image",
	})
	if err != nil {
		return err
	}
	semaphore, err := s.newSemaphore()
	if err != nil {
		image.Release()
		return err
	}

	s.device.logger.Debug("Surface::init: standing in a fake swapchain",
		slog.Int("width", width),
		slog.Int("height", height),
	)
	s.current = &fakeSwapchain{image: image, semaphore: semaphore}
	return nil
}

func (s *Surface) initReal(caps *khr_surface.SurfaceCapabilities, old surfaceChain) error {
	// A current extent of 0xFFFFFFFF leaves the size to the swapchain.
	extent := caps.CurrentExtent
	if uint32(extent.Width) == ^uint32(0) && uint32(extent.Height) == ^uint32(0) {
		extent = caps.MaxImageExtent
	}

	imageCount := 3
	if imageCount < caps.MinImageCount {
		imageCount = caps.MinImageCount
	}
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}

	var oldChain khr_swapchain.Swapchain
	if real, ok := old.(*realSwapchain); ok {
		oldChain = real.chain.Handle()
	}

	usage := caps.SupportedUsageFlags & s.usage

	chain, res, err := s.ext.CreateSwapchain(s.device.device, s.device.callbacks, khr_swapchain.SwapchainCreateInfo{
		Surface:          s.surface.Handle(),
		MinImageCount:    imageCount,
		ImageFormat:      s.format.Format,
		ImageColorSpace:  s.format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       usage,
		ImageSharingMode: core1_0.SharingModeExclusive,
		PreTransform:     khr_surface.TransformIdentity,
		CompositeAlpha:   khr_surface.CompositeAlphaOpaque,
		PresentMode:      s.mode,
		Clipped:          true,
		OldSwapchain:     oldChain,
	})

	// The replaced chain retires regardless of the outcome.
	if old != nil {
		s.retired = append(s.retired, old)
	}
	if err != nil {
		err = checkSurfaceResult(s.device.logger, res, err)
		if errors.Is(err, ErrSurfaceLost) || errors.Is(err, ErrDeviceLost) {
			s.lost = true
		}
		return err
	}

	next, err := s.newSemaphore()
	if err != nil {
		chain.Destroy(s.device.callbacks)
		return err
	}

	handles, res, err := chain.Images()
	if err != nil {
		next.Destroy(s.device.callbacks)
		chain.Destroy(s.device.callbacks)
		return checkSurfaceResult(s.device.logger, res, err)
	}

	desc := ImageDesc{
		Type:   core1_0.ImageType2D,
		Extent: core1_0.Extent3D{Width: extent.Width, Height: extent.Height, Depth: 1},
		Format: s.format.Format,
		Usage:  usage,
		Layers: 1,
		Levels: 1,
		Name:   "swapchain-image",
	}

	images := make([]swapchainImage, 0, len(handles))
	fail := func(err error) error {
		for _, entry := range images {
			entry.acquireSem.Destroy(s.device.callbacks)
			entry.presentSem.Destroy(s.device.callbacks)
			entry.image.Release()
		}
		next.Destroy(s.device.callbacks)
		chain.Destroy(s.device.callbacks)
		return err
	}
	for _, handle := range handles {
		image := s.device.trackImage(handle, desc)
		acquireSem, err := s.newSemaphore()
		if err != nil {
			image.Release()
			return fail(err)
		}
		presentSem, err := s.newSemaphore()
		if err != nil {
			acquireSem.Destroy(s.device.callbacks)
			image.Release()
			return fail(err)
		}
		images = append(images, swapchainImage{image: image, acquireSem: acquireSem, presentSem: presentSem})
	}

	s.device.logger.Debug("Surface::init: swapchain created",
		slog.Int("width", extent.Width),
		slog.Int("height", extent.Height),
		slog.Int("images", len(images)),
	)
	s.current = &realSwapchain{chain: chain, images: images, next: next}
	return nil
}

// handleRetired runs the non-blocking retirement pass and forces a
// full drain once the backlog is too deep.
func (s *Surface) handleRetired() error {
	if err := s.clearRetired(true); err != nil {
		return err
	}
	if len(s.retired) >= MaxRetiredSwapchains {
		return s.forceClearRetired()
	}
	return nil
}

// forceClearRetired drains the whole retirement queue behind a device
// idle wait. Once the device is idle and pending epochs have handed
// their references back, anything still attached is user code holding
// swapchain images, which the retirement protocol forbids.
func (s *Surface) forceClearRetired() error {
	if err := s.device.WaitIdle(); err != nil {
		return err
	}
	if err := s.clearRetired(false); err != nil {
		return err
	}
	if len(s.retired) != 0 {
		panic("retired swapchain images are still referenced outside the surface")
	}
	return nil
}

// clearRetired destroys retired chains front to back, stopping at the
// first one whose images are still referenced, so destruction keeps
// retirement order. The first destroy of a pass is guarded by a device
// idle wait when doWait is set.
func (s *Surface) clearRetired(doWait bool) error {
	for len(s.retired) > 0 {
		chain := s.retired[0]
		if !chain.detached() {
			return nil
		}
		if doWait {
			if err := s.device.WaitIdle(); err != nil {
				return err
			}
			doWait = false
		}
		s.retired = append(s.retired[:0], s.retired[1:]...)
		chain.destroy(s)
	}
	return nil
}

// NextFrame acquires the next presentable image. It drains retirable
// swapchains, rebuilds the chain when a suboptimal condition outlasted
// its cooldown or the chain went out of date, and falls back to the
// fake chain while the surface extent is degenerate.
//
// The returned frame must be registered with Queue.SyncFrame exactly
// once before a command buffer presenting it is submitted.
func (s *Surface) NextFrame() (*Frame, error) {
	if s.lost {
		return nil, errors.Mark(errors.New("surface lost"), ErrSurfaceLost)
	}

	if err := s.clearRetired(true); err != nil {
		return nil, err
	}

	switch {
	case s.rebuild:
		if err := s.init(); err != nil {
			return nil, err
		}
	case s.cooldown > 0:
		s.cooldown--
	}

	if s.current == nil {
		if err := s.init(); err != nil {
			return nil, err
		}
	}

	for {
		switch chain := s.current.(type) {
		case *realSwapchain:
			index, res, err := chain.chain.Acquire(common.NoTimeout, chain.next)
			if err != nil {
				if res == khr_swapchain.VKErrorOutOfDate {
					if err := s.init(); err != nil {
						return nil, err
					}
					continue
				}
				err = checkSurfaceResult(s.device.logger, res, err)
				if errors.Is(err, ErrSurfaceLost) || errors.Is(err, ErrDeviceLost) {
					s.lost = true
				}
				return nil, err
			}
			if res == khr_swapchain.VKSuboptimal && s.cooldown == 0 {
				s.rebuild = true
			}

			entry := &chain.images[index]
			chain.next, entry.acquireSem = entry.acquireSem, chain.next
			return &Frame{
				chain:      chain.chain,
				image:      entry.image.Clone(),
				index:      index,
				acquireSem: entry.acquireSem,
				presentSem: entry.presentSem,
			}, nil

		case *fakeSwapchain:
			if s.cooldown == 0 {
				s.rebuild = true
			}
			frame := &Frame{
				image:      chain.image.Clone(),
				fake:       true,
				presentSem: chain.semaphore,
			}
			if chain.frameIdx > 0 {
				frame.acquireSem = chain.semaphore
			}
			chain.frameIdx++
			return frame, nil
		}
	}
}

// Destroy retires the current chain and drains the whole retirement
// queue behind a device idle wait. The native khr surface stays with
// the caller.
func (s *Surface) Destroy() error {
	if s.current != nil {
		s.retired = append(s.retired, s.current)
		s.current = nil
	}
	return s.forceClearRetired()
}

func (s *Surface) newSemaphore() (core1_0.Semaphore, error) {
	semaphore, res, err := s.device.device.CreateSemaphore(s.device.callbacks, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, checkDeviceResult(s.device.logger, res, err)
	}
	return semaphore, nil
}

// Frame is one acquired image together with the synchronization
// handles guarding it. A frame must be synchronized with
// Queue.SyncFrame exactly once, may be presented at most once, and
// holds a reference to its image until the presenting submit consumes
// it.
type Frame struct {
	image      Image
	chain      vulkan.Swapchain
	index      int
	acquireSem core1_0.Semaphore
	presentSem core1_0.Semaphore
	fake       bool
	synced     bool
	spent      bool
}

// Image returns the frame's image.
func (f *Frame) Image() Image {
	return f.image
}

// Synced reports whether the frame was registered with Queue.SyncFrame.
func (f *Frame) Synced() bool {
	return f.synced
}
