package frames

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpufx/internal/cache"
	"github.com/fxnlabs/gpufx/internal/gpu"
)

func newBuffers(t *testing.T) (*gpu.CPUBackend, *cache.BufferCache) {
	t.Helper()
	backend := gpu.NewCPUBackend(zap.NewNop())
	require.NoError(t, backend.Initialize())
	buffers := cache.NewBufferCache(backend, zap.NewNop(), nil)
	t.Cleanup(func() { _ = buffers.Cleanup() })
	return backend, buffers
}

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	backend, buffers := newBuffers(t)
	src := Gradient(32, 8, color.NRGBA{R: 255, A: 255}, color.NRGBA{B: 255, A: 255})

	for _, p := range []gpu.Precision{gpu.PrecisionFull, gpu.PrecisionHalf} {
		t.Run(p.String(), func(t *testing.T) {
			buf, err := buffers.GetOrCreate(ctx, backend.DefaultDevice(), 32, 8, uint32(gpu.BytesPerPixel(p)), 0)
			require.NoError(t, err)
			require.NoError(t, Upload(backend, buf, src))

			got, err := Download(backend, buf)
			require.NoError(t, err)
			assert.Equal(t, src.Bounds(), got.Bounds())

			tolerance := 1.0
			if p == gpu.PrecisionHalf {
				tolerance = 64 // binary16 keeps 11 significant bits
			}
			for _, pt := range []image.Point{{0, 0}, {31, 0}, {15, 4}, {31, 7}} {
				want, have := src.NRGBA64At(pt.X, pt.Y), got.NRGBA64At(pt.X, pt.Y)
				assert.InDelta(t, want.R, have.R, tolerance, "R at %v", pt)
				assert.InDelta(t, want.B, have.B, tolerance, "B at %v", pt)
				assert.Equal(t, want.A, have.A)
			}
		})
	}
}

func TestUploadPadsSmallImages(t *testing.T) {
	backend, buffers := newBuffers(t)
	buf, err := buffers.GetOrCreate(context.Background(), backend.DefaultDevice(), 4, 4, 16, 0)
	require.NoError(t, err)

	small := image.NewNRGBA64(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			small.SetNRGBA64(x, y, color.NRGBA64{R: 0xffff, A: 0xffff})
		}
	}
	require.NoError(t, Upload(backend, buf, small))
	got, err := Download(backend, buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xffff), got.NRGBA64At(1, 1).R)
	assert.Equal(t, color.NRGBA64{}, got.NRGBA64At(3, 3))
}

func TestUnsupportedPixelSize(t *testing.T) {
	backend, buffers := newBuffers(t)
	buf, err := buffers.GetOrCreate(context.Background(), backend.DefaultDevice(), 4, 4, 4, 0)
	require.NoError(t, err)
	assert.ErrorContains(t, Upload(backend, buf, image.NewNRGBA64(image.Rect(0, 0, 4, 4))), "unsupported pixel size")
	_, err = Download(backend, buf)
	assert.Error(t, err)
}

func TestTIFFRoundTrip(t *testing.T) {
	src := Gradient(16, 16, color.White, color.Black)
	var b bytes.Buffer
	require.NoError(t, WriteTIFF(&b, src))

	img, err := ReadTIFF(&b)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), img.Bounds())
	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
}

func TestQuant(t *testing.T) {
	assert.Equal(t, uint16(0), quant(-1))
	assert.Equal(t, uint16(0xffff), quant(2))
	assert.Equal(t, uint16(0x8000), quant(0.5))
	assert.Equal(t, float32(1), unit(0xffff))
}
