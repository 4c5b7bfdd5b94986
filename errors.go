package garrison

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"golang.org/x/exp/slog"
)

var (
	// ErrOutOfDeviceMemory indicates that device memory was exhausted while
	// creating a resource or submitting work. The device remains usable and
	// the failed operation may be retried after freeing resources.
	ErrOutOfDeviceMemory = errors.New("out of device memory")

	// ErrDeviceLost indicates that the logical device has been lost. No
	// further work can be submitted; the device and everything created from
	// it must be torn down.
	ErrDeviceLost = errors.New("device lost")

	// ErrSurfaceLost indicates that a presentation surface has become
	// permanently unusable. Only the affected Surface is poisoned; the
	// device and other surfaces continue to operate.
	ErrSurfaceLost = errors.New("surface lost")
)

// hostOOMExit is swapped out by tests that exercise the abort path.
var hostOOMExit = func() {
	os.Exit(2)
}

// handleHostOOM terminates the process. Host allocation failure inside the
// driver leaves allocator and driver state in an unknown condition, so no
// unwinding or cleanup is attempted.
func handleHostOOM(logger *slog.Logger) {
	logger.Error("host memory exhausted during a Vulkan call, aborting")
	hostOOMExit()
}

// checkDeviceResult folds a Vulkan result into the error categories used
// throughout the package. Host memory exhaustion does not return.
func checkDeviceResult(logger *slog.Logger, res common.VkResult, err error) error {
	switch res {
	case core1_0.VKErrorOutOfHostMemory:
		handleHostOOM(logger)
		return err
	case core1_0.VKErrorOutOfDeviceMemory:
		return errors.Mark(err, ErrOutOfDeviceMemory)
	case core1_0.VKErrorDeviceLost:
		return errors.Mark(err, ErrDeviceLost)
	}
	return err
}

// checkSurfaceResult is checkDeviceResult extended with the surface-fatal
// category reported by presentation engines.
func checkSurfaceResult(logger *slog.Logger, res common.VkResult, err error) error {
	if res == khr_surface.VKErrorSurfaceLost {
		return errors.Mark(err, ErrSurfaceLost)
	}
	return checkDeviceResult(logger, res, err)
}
