package gpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/gogpu/gpu/backend/native"
	gpuapi "github.com/gogpu/gogpu/gpu/types"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu"
	"go.uber.org/zap"

	"github.com/Baelrayne/BrowserHost/internal/shared/id"
)

// PowerPreference selects the adapter class requested from the backend.
type PowerPreference string

const (
	PowerHighPerformance PowerPreference = "high-performance"
	PowerLowPower        PowerPreference = "low-power"
)

// WGPUConfig configures the wgpu-backed device.
type WGPUConfig struct {
	Power  PowerPreference
	Label  string
	Logger *zap.Logger
}

// WGPUDevice allocates textures through the pure-Go wgpu stack. Creation
// failure of the instance, adapter, or logical device is fatal for the
// process: no surface could be served correctly without one.
type WGPUDevice struct {
	mu       sync.Mutex
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	textures map[Handle]*wgpuTexture
	closed   bool
	log      *zap.Logger
}

// NewWGPUDevice initializes the GPU stack: instance, adapter, logical
// device. Importing backend/native registers the platform HAL backends.
func NewWGPUDevice(cfg WGPUConfig) (*WGPUDevice, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Label == "" {
		cfg.Label = "browserhost-device"
	}

	backendName, backendVariant := native.BackendInfo(gpuapi.GraphicsAPIAuto)

	instance, err := wgpu.CreateInstance(&wgpu.InstanceDescriptor{
		Backends: 1 << backendVariant,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: instance: %v", ErrDeviceUnavailable, err)
	}

	power := gputypes.PowerPreferenceHighPerformance
	if cfg.Power == PowerLowPower {
		power = gputypes.PowerPreferenceLowPower
	}

	// No compatible surface: the device never presents, it only feeds
	// sampled textures to the host process.
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: power,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: adapter: %v", ErrDeviceUnavailable, err)
	}

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: device: %v", ErrDeviceUnavailable, err)
	}

	cfg.Logger.Info("gpu: device ready",
		zap.String("backend", backendName),
		zap.String("adapter", adapter.Info().Name),
		zap.String("power", string(cfg.Power)))

	return &WGPUDevice{
		instance: instance,
		adapter:  adapter,
		device:   device,
		textures: make(map[Handle]*wgpuTexture),
		log:      cfg.Logger,
	}, nil
}

// CreateTexture allocates one RGBA8 texture and mints its handle.
func (d *WGPUDevice) CreateTexture(width, height int) (Texture, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadDimensions, width, height)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceUnavailable
	}

	raw, err := d.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: "browserhost-surface",
		Size: wgpu.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTextureAllocation, err)
	}

	tex := &wgpuTexture{
		device: d,
		raw:    raw,
		handle: id.NewTextureHandle(),
		width:  width,
		height: height,
	}
	d.textures[tex.handle] = tex

	return tex, nil
}

// Close releases every live texture, then the device stack in reverse
// creation order.
func (d *WGPUDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	_ = d.device.WaitIdle()
	for h, tex := range d.textures {
		tex.raw.Release()
		tex.released = true
		delete(d.textures, h)
	}
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	return nil
}

func (d *WGPUDevice) release(tex *wgpuTexture) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tex.released {
		return
	}
	tex.released = true
	delete(d.textures, tex.handle)
	if !d.closed {
		tex.raw.Release()
	}
}

// wgpuTexture's released flag is guarded by the owning device's mutex.
type wgpuTexture struct {
	device   *WGPUDevice
	raw      *wgpu.Texture
	handle   Handle
	width    int
	height   int
	released bool
}

func (t *wgpuTexture) Handle() Handle   { return t.handle }
func (t *wgpuTexture) Size() (int, int) { return t.width, t.height }

func (t *wgpuTexture) Upload(pixels []byte) error {
	t.device.mu.Lock()
	defer t.device.mu.Unlock()
	if t.released || t.device.closed {
		return ErrTextureReleased
	}
	if want := t.width * t.height * bytesPerPixel; len(pixels) != want {
		return fmt.Errorf("gpu: upload size %d, texture wants %d", len(pixels), want)
	}

	err := t.device.device.Queue().WriteTexture(
		&wgpu.ImageCopyTexture{
			Texture:  t.raw,
			MipLevel: 0,
			Origin:   wgpu.Origin3D{X: 0, Y: 0, Z: 0},
			Aspect:   gputypes.TextureAspectAll,
		},
		pixels,
		&wgpu.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(t.width * bytesPerPixel),
			RowsPerImage: uint32(t.height),
		},
		&wgpu.Extent3D{
			Width:              uint32(t.width),
			Height:             uint32(t.height),
			DepthOrArrayLayers: 1,
		},
	)
	if err != nil {
		return fmt.Errorf("gpu: upload: %w", err)
	}
	return nil
}

func (t *wgpuTexture) Release() error {
	t.device.release(t)
	return nil
}
