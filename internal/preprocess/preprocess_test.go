package preprocess

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photomesh/internal/apperr"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 40), G: uint8(y * 40), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeDims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestShrinkBoundsLargeImages(t *testing.T) {
	out, contentType, err := Shrink(pngBytes(t, 8, 4), Options{MaxWidth: 4, MaxHeight: 4, Quality: 80})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", contentType)

	w, h := decodeDims(t, out)
	assert.Equal(t, 4, w)
	assert.Equal(t, 2, h, "aspect ratio must be preserved")
}

func TestShrinkNeverEnlarges(t *testing.T) {
	out, _, err := Shrink(pngBytes(t, 1, 1), DefaultOptions())
	require.NoError(t, err)

	w, h := decodeDims(t, out)
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, h)
}

func TestShrinkRejectsGarbage(t *testing.T) {
	_, _, err := Shrink([]byte("definitely not an image"), DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
