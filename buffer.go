package garrison

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Buffer is a reference-counted handle to a device buffer and its backing
// allocation. Copies made with Clone share the same native buffer, which is
// destroyed when the last reference is released.
type Buffer struct {
	state *bufferState
}

type bufferState struct {
	refs       refCount
	device     *Device
	slot       int
	handle     core1_0.Buffer
	allocation vam.Allocation
	desc       BufferDesc
}

func (b Buffer) Valid() bool {
	return b.state != nil
}

// Handle returns the native buffer for use in command recording.
func (b Buffer) Handle() core1_0.Buffer {
	return b.state.handle
}

func (b Buffer) Desc() BufferDesc {
	return b.state.desc
}

func (b Buffer) Size() int {
	return b.state.desc.Size
}

// Clone adds a reference to the buffer.
func (b Buffer) Clone() Buffer {
	b.state.refs.increment()
	return b
}

// Release drops a reference. The last release destroys the native buffer
// and frees its memory.
func (b Buffer) Release() {
	if b.state.refs.decrement() {
		b.state.device.dropBuffer(b.state)
	}
}

// Write copies data into the buffer at offset through the mapped
// allocation, flushing when the memory type is not host-coherent. The
// buffer must not use MemoryDevice.
func (b Buffer) Write(offset int, data []byte) error {
	if b.state.desc.Memory == MemoryDevice {
		return errors.Newf("buffer with memory class %s is not host-visible", b.state.desc.Memory)
	}
	if offset < 0 || offset+len(data) > b.state.desc.Size {
		return errors.Newf("write of %d bytes at offset %d is out of bounds for a buffer of size %d", len(data), offset, b.state.desc.Size)
	}
	if len(data) == 0 {
		return nil
	}

	logger := b.state.device.logger
	ptr, res, err := b.state.allocation.Map()
	if err != nil {
		return checkDeviceResult(logger, res, err)
	}

	mapped := unsafe.Slice((*byte)(ptr), offset+len(data))
	copy(mapped[offset:], data)

	res, err = b.state.allocation.Flush(offset, len(data))
	if err != nil {
		_ = b.state.allocation.Unmap()
		return checkDeviceResult(logger, res, err)
	}
	return b.state.allocation.Unmap()
}

// Read copies data out of the buffer at offset, invalidating the mapped
// range first. The buffer must not use MemoryDevice.
func (b Buffer) Read(offset int, data []byte) error {
	if b.state.desc.Memory == MemoryDevice {
		return errors.Newf("buffer with memory class %s is not host-visible", b.state.desc.Memory)
	}
	if offset < 0 || offset+len(data) > b.state.desc.Size {
		return errors.Newf("read of %d bytes at offset %d is out of bounds for a buffer of size %d", len(data), offset, b.state.desc.Size)
	}
	if len(data) == 0 {
		return nil
	}

	logger := b.state.device.logger
	ptr, res, err := b.state.allocation.Map()
	if err != nil {
		return checkDeviceResult(logger, res, err)
	}

	res, err = b.state.allocation.Invalidate(offset, len(data))
	if err != nil {
		_ = b.state.allocation.Unmap()
		return checkDeviceResult(logger, res, err)
	}

	mapped := unsafe.Slice((*byte)(ptr), offset+len(data))
	copy(data, mapped[offset:])

	return b.state.allocation.Unmap()
}
