package gpu

import (
	"fmt"
	"sync"

	"github.com/Baelrayne/BrowserHost/internal/shared/id"
)

// MemoryDevice keeps textures in process memory. It serves headless CI and
// the GPU_DISABLED escape hatch; handles behave exactly like the real
// device's (fresh per allocation, stale after release).
type MemoryDevice struct {
	mu       sync.Mutex
	textures map[Handle]*memoryTexture
	closed   bool
}

// NewMemoryDevice creates an in-memory device.
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{textures: make(map[Handle]*memoryTexture)}
}

// CreateTexture allocates a byte-backed texture.
func (d *MemoryDevice) CreateTexture(width, height int) (Texture, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadDimensions, width, height)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceUnavailable
	}

	tex := &memoryTexture{
		device: d,
		handle: id.NewTextureHandle(),
		width:  width,
		height: height,
		pixels: make([]byte, width*height*bytesPerPixel),
	}
	d.textures[tex.handle] = tex
	return tex, nil
}

// Close releases every live texture.
func (d *MemoryDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for h, tex := range d.textures {
		tex.released = true
		delete(d.textures, h)
	}
	return nil
}

// Lookup resolves a handle to its live texture. Returns false for released
// or never-issued handles. Tests use this to assert handle freshness.
func (d *MemoryDevice) Lookup(h Handle) (Texture, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tex, ok := d.textures[h]
	return tex, ok
}

type memoryTexture struct {
	device   *MemoryDevice
	handle   Handle
	width    int
	height   int
	pixels   []byte
	released bool
}

func (t *memoryTexture) Handle() Handle   { return t.handle }
func (t *memoryTexture) Size() (int, int) { return t.width, t.height }

func (t *memoryTexture) Upload(pixels []byte) error {
	t.device.mu.Lock()
	defer t.device.mu.Unlock()
	if t.released {
		return ErrTextureReleased
	}
	if len(pixels) != len(t.pixels) {
		return fmt.Errorf("gpu: upload size %d, texture wants %d", len(pixels), len(t.pixels))
	}
	copy(t.pixels, pixels)
	return nil
}

func (t *memoryTexture) Release() error {
	t.device.mu.Lock()
	defer t.device.mu.Unlock()
	if t.released {
		return nil
	}
	t.released = true
	delete(t.device.textures, t.handle)
	return nil
}
