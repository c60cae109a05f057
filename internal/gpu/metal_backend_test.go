//go:build metal && darwin
// +build metal,darwin

package gpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const metalFillSource = `
#include <metal_stdlib>
using namespace metal;
#if USE_HALF_PRECISION
typedef half4 real4;
#else
typedef float4 real4;
#endif
struct Params { uint out_pitch; uint in_pitch; uint dest_pitch; uint width; uint height; float progress; };
kernel void fill(device const real4* a [[buffer(0)]],
                 device const real4* b [[buffer(1)]],
                 device real4* out [[buffer(2)]],
                 constant Params& p [[buffer(3)]],
                 constant float4& u [[buffer(4)]],
                 uint2 gid [[thread_position_in_grid]]) {
    if (gid.x >= p.width || gid.y >= p.height) return;
    out[gid.y * p.width + gid.x] = real4(u);
}`

func newTestMetal(t *testing.T) *MetalBackend {
	t.Helper()
	backend := NewMetalBackend(zap.NewNop())
	if !backend.IsAvailable() {
		t.Skip("Metal backend not available on this system")
	}
	require.NoError(t, backend.Initialize())
	t.Cleanup(func() { _ = backend.Cleanup() })
	return backend
}

func TestMetalBackend_Initialize(t *testing.T) {
	backend := newTestMetal(t)

	info := backend.GetDeviceInfo()
	assert.NotEmpty(t, info.Name)
	assert.Greater(t, info.TotalMemory, int64(0))
	assert.False(t, backend.DefaultDevice().IsZero())
	assert.False(t, backend.DefaultQueue().IsZero())
	t.Logf("Metal Device: %s (%.2f GB)", info.Name, float64(info.TotalMemory)/(1<<30))
}

func TestMetalBackend_CompileAndLaunch(t *testing.T) {
	ctx := context.Background()
	backend := newTestMetal(t)
	dev := backend.DefaultDevice()

	for _, precision := range []Precision{PrecisionFull, PrecisionHalf} {
		t.Run(precision.String(), func(t *testing.T) {
			const w, h = 100, 10
			out, err := backend.Allocate(ctx, dev, uint64(w*h*BytesPerPixel(precision)))
			require.NoError(t, err)
			defer backend.ReleaseBuffer(dev, out)

			k, err := backend.Compile(ctx, dev, CompileRequest{Source: metalFillSource, Entry: "fill", Precision: precision})
			require.NoError(t, err)
			defer backend.ReleaseKernel(k)

			block, err := backend.PreferredBlockShape(k)
			require.NoError(t, err)
			assert.Greater(t, block.X, uint32(0))
			assert.Greater(t, block.Y, uint32(0))

			params := dims(w, h)
			sub, err := backend.Launch(ctx, Launch{
				Device: dev, Queue: backend.DefaultQueue(), Kernel: k,
				Grid:  Dim{X: (w + block.X - 1) / block.X, Y: (h + block.Y - 1) / block.Y},
				Block: block,
				Args:  []Arg{BufferArg(out), BufferArg(out), BufferArg(out), ValueArg(params), ValueArg(make([]byte, 16))},
			})
			require.NoError(t, err)
			_, err = sub.GPUElapsed()
			if err != nil {
				assert.ErrorIs(t, err, ErrTimingUnavailable)
			}
		})
	}
}

func TestMetalBackend_CompileError(t *testing.T) {
	backend := newTestMetal(t)

	_, err := backend.Compile(context.Background(), backend.DefaultDevice(), CompileRequest{Source: "kernel void broken(", Entry: "broken"})
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.Diagnostic)
}
