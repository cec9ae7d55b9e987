package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTextureMintsFreshHandles(t *testing.T) {
	d := NewMemoryDevice()
	defer d.Close()

	a, err := d.CreateTexture(800, 600)
	require.NoError(t, err)
	b, err := d.CreateTexture(800, 600)
	require.NoError(t, err)

	assert.NotEqual(t, a.Handle(), b.Handle())
}

func TestReleaseInvalidatesHandle(t *testing.T) {
	d := NewMemoryDevice()
	defer d.Close()

	tex, err := d.CreateTexture(64, 64)
	require.NoError(t, err)
	h := tex.Handle()

	_, ok := d.Lookup(h)
	require.True(t, ok)

	require.NoError(t, tex.Release())

	_, ok = d.Lookup(h)
	assert.False(t, ok)

	err = tex.Upload(make([]byte, 64*64*4))
	assert.ErrorIs(t, err, ErrTextureReleased)

	// Releasing twice is harmless.
	assert.NoError(t, tex.Release())
}

func TestUploadValidatesSize(t *testing.T) {
	d := NewMemoryDevice()
	defer d.Close()

	tex, err := d.CreateTexture(10, 10)
	require.NoError(t, err)

	assert.Error(t, tex.Upload(make([]byte, 7)))
	assert.NoError(t, tex.Upload(make([]byte, 10*10*4)))
}

func TestBadDimensions(t *testing.T) {
	d := NewMemoryDevice()
	defer d.Close()

	_, err := d.CreateTexture(0, 600)
	assert.ErrorIs(t, err, ErrBadDimensions)
	_, err = d.CreateTexture(800, -1)
	assert.ErrorIs(t, err, ErrBadDimensions)
}

func TestClosedDeviceRefusesAllocation(t *testing.T) {
	d := NewMemoryDevice()
	require.NoError(t, d.Close())

	_, err := d.CreateTexture(8, 8)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}
