// Package gpu abstracts the graphics device that backs surface render
// targets. A Device allocates shareable textures; each allocation mints a
// fresh opaque handle the host can bind into its own pipeline. The
// cross-process export mechanism itself belongs to the device backend and
// is outside this package's contract.
package gpu

import (
	"errors"

	"github.com/Baelrayne/BrowserHost/internal/shared/id"
)

// Handle is the opaque, process-transferable reference to a GPU-resident
// frame buffer. It is stale the moment its texture is released.
type Handle = id.TextureHandle

var (
	// ErrDeviceUnavailable is returned when no GPU backend could be
	// initialized. Fatal at startup: no surface could be served.
	ErrDeviceUnavailable = errors.New("gpu: device unavailable")

	// ErrTextureAllocation is returned when a texture allocation or
	// reallocation fails.
	ErrTextureAllocation = errors.New("gpu: texture allocation failed")

	// ErrTextureReleased is returned when uploading to a released texture.
	ErrTextureReleased = errors.New("gpu: texture has been released")

	// ErrBadDimensions is returned for non-positive texture sizes.
	ErrBadDimensions = errors.New("gpu: invalid texture dimensions")
)

// Texture is one exported render target. Upload expects tightly packed
// RGBA8 pixels matching the allocation size.
type Texture interface {
	Handle() Handle
	Size() (width, height int)
	Upload(pixels []byte) error
	Release() error
}

// Device allocates exported textures. Implementations must be safe for
// concurrent use by multiple surfaces.
type Device interface {
	CreateTexture(width, height int) (Texture, error)
	Close() error
}

const bytesPerPixel = 4 // RGBA8
