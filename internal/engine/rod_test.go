package engine

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeFrame(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	src.SetNRGBA(2, 1, color.NRGBA{B: 255, A: 255})

	frame, err := decodeFrame(encodePNG(t, src))
	require.NoError(t, err)

	assert.Equal(t, 3, frame.Width)
	assert.Equal(t, 2, frame.Height)
	require.Len(t, frame.Pixels, 3*2*4)
	assert.Equal(t, byte(255), frame.Pixels[0]) // top-left red
	last := frame.Pixels[len(frame.Pixels)-4:]
	assert.Equal(t, byte(255), last[2]) // bottom-right blue
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := decodeFrame([]byte("not a png"))
	assert.Error(t, err)
}
