package garrison

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// allocationInfoForClass maps a memory class onto the allocator's usage
// and host-access flags. Every host-visible class requests a persistent
// mapping so resource reads and writes never race over map slots.
func allocationInfoForClass(class MemoryClass) vam.AllocationCreateInfo {
	switch class {
	case MemoryShared:
		return vam.AllocationCreateInfo{
			Flags: vam.AllocationCreateHostAccessRandom | vam.AllocationCreateMapped,
			Usage: vam.MemoryUsageAuto,
		}
	case MemoryUpload:
		return vam.AllocationCreateInfo{
			Flags: vam.AllocationCreateHostAccessSequentialWrite | vam.AllocationCreateMapped,
			Usage: vam.MemoryUsageAuto,
		}
	case MemoryDownload:
		return vam.AllocationCreateInfo{
			Flags: vam.AllocationCreateHostAccessRandom | vam.AllocationCreateMapped,
			Usage: vam.MemoryUsageAutoPreferHost,
		}
	default:
		return vam.AllocationCreateInfo{
			Usage: vam.MemoryUsageAutoPreferDevice,
		}
	}
}

// allocBuffer creates a native buffer and backs it with memory. Partial
// objects are unwound before returning an error.
func (d *Device) allocBuffer(desc BufferDesc) (core1_0.Buffer, vam.Allocation, error) {
	if desc.Size <= 0 {
		return nil, vam.Allocation{}, errors.Newf("buffer %q has non-positive size %d", desc.Name, desc.Size)
	}

	buffer, res, err := d.device.CreateBuffer(d.callbacks, core1_0.BufferCreateInfo{
		Size:        desc.Size,
		Usage:       desc.Usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, vam.Allocation{}, checkDeviceResult(d.logger, res, err)
	}

	var allocation vam.Allocation
	res, err = d.allocator.AllocateMemoryForBuffer(buffer, allocationInfoForClass(desc.Memory), &allocation)
	if err != nil {
		buffer.Destroy(d.callbacks)
		return nil, vam.Allocation{}, checkDeviceResult(d.logger, res, err)
	}

	res, err = allocation.BindBufferMemory(buffer)
	if err != nil {
		_ = allocation.Free()
		buffer.Destroy(d.callbacks)
		return nil, vam.Allocation{}, checkDeviceResult(d.logger, res, err)
	}

	if desc.Name != "" {
		allocation.SetName(desc.Name)
	}
	return buffer, allocation, nil
}

// allocImage creates a native image and backs it with memory. Partial
// objects are unwound before returning an error.
func (d *Device) allocImage(desc ImageDesc) (core1_0.Image, vam.Allocation, error) {
	extent := desc.normalizedExtent()
	if extent.Width <= 0 || extent.Height <= 0 || extent.Depth <= 0 {
		return nil, vam.Allocation{}, errors.Newf("image %q has degenerate extent %dx%dx%d",
			desc.Name, extent.Width, extent.Height, extent.Depth)
	}

	image, res, err := d.device.CreateImage(d.callbacks, core1_0.ImageCreateInfo{
		ImageType:     desc.Type,
		Format:        desc.Format,
		Extent:        extent,
		MipLevels:     desc.levelCount(),
		ArrayLayers:   desc.layerCount(),
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTilingOptimal,
		Usage:         desc.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	})
	if err != nil {
		return nil, vam.Allocation{}, checkDeviceResult(d.logger, res, err)
	}

	var allocation vam.Allocation
	res, err = d.allocator.AllocateMemoryForImage(image, allocationInfoForClass(MemoryDevice), &allocation)
	if err != nil {
		image.Destroy(d.callbacks)
		return nil, vam.Allocation{}, checkDeviceResult(d.logger, res, err)
	}

	res, err = allocation.BindImageMemory(image)
	if err != nil {
		_ = allocation.Free()
		image.Destroy(d.callbacks)
		return nil, vam.Allocation{}, checkDeviceResult(d.logger, res, err)
	}

	if desc.Name != "" {
		allocation.SetName(desc.Name)
	}
	return image, allocation, nil
}
