package garrison

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ShaderCompiler turns shader source text into SPIR-V words. The device
// invokes it when a library description carries source instead of
// precompiled code.
type ShaderCompiler interface {
	Compile(source ShaderSource) ([]uint32, error)
}

// ShaderLibrary is a reference-counted handle to a shader module.
type ShaderLibrary struct {
	state *shaderLibraryState
}

type shaderLibraryState struct {
	refs   refCount
	device *Device
	slot   int
	handle core1_0.ShaderModule
	name   string
}

func (l ShaderLibrary) Valid() bool {
	return l.state != nil
}

// Handle returns the native shader module.
func (l ShaderLibrary) Handle() core1_0.ShaderModule {
	return l.state.handle
}

func (l ShaderLibrary) Name() string {
	return l.state.name
}

// Clone adds a reference to the library.
func (l ShaderLibrary) Clone() ShaderLibrary {
	l.state.refs.increment()
	return l
}

// Release drops a reference. The last release destroys the native
// shader module.
func (l ShaderLibrary) Release() {
	if l.state.refs.decrement() {
		l.state.device.dropShaderLibrary(l.state)
	}
}
