//go:build webgpu
// +build webgpu

package gpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const wgslFillSource = `
struct Params { out_pitch: u32, in_pitch: u32, dest_pitch: u32, width: u32, height: u32, progress: f32 }
@group(0) @binding(0) var<storage, read> a: array<vec4<real>>;
@group(0) @binding(1) var<storage, read> b: array<vec4<real>>;
@group(0) @binding(2) var<storage, read_write> dst: array<vec4<real>>;
@group(0) @binding(3) var<uniform> p: Params;
@group(0) @binding(4) var<uniform> u: vec4<f32>;

@compute @workgroup_size(8, 8)
fn fill(@builtin(global_invocation_id) gid: vec3<u32>) {
    if (gid.x >= p.width || gid.y >= p.height) { return; }
    dst[gid.y * p.width + gid.x] = vec4<real>(u);
}`

func newTestWebGPU(t *testing.T) *WebGPUBackend {
	t.Helper()
	backend := NewWebGPUBackend(zap.NewNop())
	if !backend.IsAvailable() {
		t.Skip("WebGPU not available on this system")
	}
	if err := backend.Initialize(); err != nil {
		t.Skipf("no WebGPU adapter: %v", err)
	}
	t.Cleanup(func() { _ = backend.Cleanup() })
	return backend
}

func TestDeclaredWorkgroupSize(t *testing.T) {
	shape, ok := declaredWorkgroupSize(wgslFillSource, "fill")
	require.True(t, ok)
	assert.Equal(t, Dim{X: 8, Y: 8}, shape)

	_, ok = declaredWorkgroupSize(wgslFillSource, "missing")
	assert.False(t, ok)
}

func TestWebGPUBackend_CompileAndLaunch(t *testing.T) {
	ctx := context.Background()
	backend := newTestWebGPU(t)
	dev := backend.DefaultDevice()

	const w, h = 20, 20
	out, err := backend.Allocate(ctx, dev, uint64(w*h*BytesPerPixel(PrecisionFull)))
	require.NoError(t, err)
	defer backend.ReleaseBuffer(dev, out)

	k, err := backend.Compile(ctx, dev, CompileRequest{Source: wgslFillSource, Entry: "fill"})
	require.NoError(t, err)
	defer backend.ReleaseKernel(k)

	block, err := backend.PreferredBlockShape(k)
	require.NoError(t, err)
	assert.Equal(t, Dim{X: 8, Y: 8}, block)

	params := dims(w, h)
	pbuf, err := backend.StageValue(ctx, dev, params)
	require.NoError(t, err)
	defer backend.ReleaseStaged(dev, pbuf)
	ubuf, err := backend.StageValue(ctx, dev, make([]byte, 16))
	require.NoError(t, err)
	defer backend.ReleaseStaged(dev, ubuf)

	sub, err := backend.Launch(ctx, Launch{
		Device: dev, Queue: backend.DefaultQueue(), Kernel: k,
		Grid:  Dim{X: 3, Y: 3},
		Block: block,
		Args:  []Arg{BufferArg(out), BufferArg(out), BufferArg(out), BufferArg(pbuf), BufferArg(ubuf)},
	})
	require.NoError(t, err)
	_, err = sub.GPUElapsed()
	assert.ErrorIs(t, err, ErrTimingUnavailable)
}
