package garrison

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Sampler is a reference-counted handle to a device sampler. Samplers
// are deduplicated: creating two samplers from equal descriptions yields
// wrappers sharing one native object.
type Sampler struct {
	state *samplerState
}

type samplerState struct {
	refs   refCount
	device *Device
	handle core1_0.Sampler
	desc   SamplerDesc
}

func (s *samplerState) refCounter() *refCount {
	return &s.refs
}

func (s Sampler) Valid() bool {
	return s.state != nil
}

// Handle returns the native sampler.
func (s Sampler) Handle() core1_0.Sampler {
	return s.state.handle
}

func (s Sampler) Desc() SamplerDesc {
	return s.state.desc
}

// Clone adds a reference to the sampler.
func (s Sampler) Clone() Sampler {
	s.state.refs.increment()
	return s
}

// Release drops a reference. The native sampler is destroyed once the
// last wrapper is gone and the device's cache entry has been evicted.
func (s Sampler) Release() {
	if s.state.refs.decrement() {
		s.state.device.dropSampler(s.state)
	}
}
