package kernels

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpufx/internal/cache"
	"github.com/fxnlabs/gpufx/internal/dispatch"
	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/gpu/gputest"
)

var (
	red  = [4]float32{1, 0, 0, 1}
	blue = [4]float32{0, 0, 1, 1}
)

type harness struct {
	backend  *gpu.CPUBackend
	registry *cache.Registry
	d        *dispatch.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend := gpu.NewCPUBackend(zap.NewNop())
	require.NoError(t, backend.Initialize())
	registry := cache.NewRegistry(backend, zap.NewNop(), nil)
	t.Cleanup(func() {
		assert.NoError(t, registry.Shutdown())
		assert.Zero(t, backend.LiveBuffers())
		assert.Zero(t, backend.LiveKernels())
	})
	return &harness{
		backend:  backend,
		registry: registry,
		d:        dispatch.New(backend, registry.Kernels, zap.NewNop(), nil),
	}
}

// frame fills out/in with solid colors and returns a configuration over them.
func (h *harness) frame(t *testing.T, w, hgt uint32, half bool) dispatch.Configuration {
	t.Helper()
	ctx := context.Background()
	p := gpu.PrecisionFor(half)
	bpp := uint32(gpu.BytesPerPixel(p))
	dev := h.backend.DefaultDevice()

	bufs := make([]cache.ImageBuffer, 3)
	for tag := range bufs {
		b, err := h.registry.Buffers.GetOrCreate(ctx, dev, w, hgt, bpp, uint32(tag))
		require.NoError(t, err)
		bufs[tag] = b
	}
	fill := func(b cache.ImageBuffer, px [4]float32) {
		data, err := h.backend.Bytes(b.Handle)
		require.NoError(t, err)
		for off := 0; off < len(data); off += int(bpp) {
			gpu.EncodePixel(data[off:], px, p)
		}
	}
	fill(bufs[0], red)
	fill(bufs[1], blue)

	return dispatch.Configuration{
		Device:          dev,
		Queue:           h.backend.DefaultQueue(),
		Outgoing:        bufs[0].Handle,
		Incoming:        bufs[1].Handle,
		Dest:            bufs[2].Handle,
		OutgoingPitchPx: int32(bufs[0].PitchPx),
		IncomingPitchPx: int32(bufs[1].PitchPx),
		DestPitchPx:     int32(bufs[2].PitchPx),
		Width:           w,
		Height:          hgt,
		Is16f:           half,
	}
}

func (h *harness) pixels(t *testing.T, cfg dispatch.Configuration) [][4]float32 {
	t.Helper()
	data, err := h.backend.Bytes(cfg.Dest)
	require.NoError(t, err)
	p := gpu.PrecisionFor(cfg.Is16f)
	bpp := gpu.BytesPerPixel(p)
	out := make([][4]float32, 0, len(data)/bpp)
	for off := 0; off < len(data); off += bpp {
		out = append(out, gpu.DecodePixel(data[off:], p))
	}
	return out
}

func assertAll(t *testing.T, want [4]float32, got [][4]float32) {
	t.Helper()
	for i, px := range got {
		for c := range px {
			if !assert.InDelta(t, want[c], px[c], 2e-3, "pixel %d channel %d", i, c) {
				return
			}
		}
	}
}

func TestTransitions_Endpoints(t *testing.T) {
	runs := map[string]func(context.Context, *dispatch.Dispatcher, dispatch.Configuration) (dispatch.Report, error){
		"crossfade": func(ctx context.Context, d *dispatch.Dispatcher, cfg dispatch.Configuration) (dispatch.Report, error) {
			return Crossfade(ctx, d, cfg, CrossfadeParams{Curve: 1})
		},
		"wipe": func(ctx context.Context, d *dispatch.Dispatcher, cfg dispatch.Configuration) (dispatch.Report, error) {
			return Wipe(ctx, d, cfg, WipeParams{Angle: 0.3, Feather: 0.1})
		},
		"dip_to_color": func(ctx context.Context, d *dispatch.Dispatcher, cfg dispatch.Configuration) (dispatch.Report, error) {
			return DipToColor(ctx, d, cfg, DipParams{Color: [4]float32{0, 0, 0, 1}})
		},
		"push": func(ctx context.Context, d *dispatch.Dispatcher, cfg dispatch.Configuration) (dispatch.Report, error) {
			return Push(ctx, d, cfg, PushParams{DirX: 1})
		},
	}
	for name, run := range runs {
		for _, half := range []bool{false, true} {
			t.Run(name+"/"+gpu.PrecisionFor(half).String(), func(t *testing.T) {
				ctx := context.Background()
				h := newHarness(t)
				cfg := h.frame(t, 37, 19, half)

				cfg.Progress = 0
				report, err := run(ctx, h.d, cfg)
				require.NoError(t, err)
				assert.Equal(t, half, report.Half)
				assert.Equal(t, gpu.Dim{X: 3, Y: 2}, report.Grid)
				assertAll(t, red, h.pixels(t, cfg))

				cfg.Progress = 1
				_, err = run(ctx, h.d, cfg)
				require.NoError(t, err)
				assertAll(t, blue, h.pixels(t, cfg))
			})
		}
	}
}

func TestTransitions_Midpoints(t *testing.T) {
	ctx := context.Background()

	t.Run("crossfade linear", func(t *testing.T) {
		h := newHarness(t)
		cfg := h.frame(t, 8, 8, false)
		cfg.Progress = 0.5
		_, err := Crossfade(ctx, h.d, cfg, CrossfadeParams{})
		require.NoError(t, err)
		assertAll(t, [4]float32{0.5, 0, 0.5, 1}, h.pixels(t, cfg))
	})

	t.Run("crossfade curve", func(t *testing.T) {
		h := newHarness(t)
		cfg := h.frame(t, 8, 8, false)
		cfg.Progress = 0.5
		_, err := Crossfade(ctx, h.d, cfg, CrossfadeParams{Curve: 2})
		require.NoError(t, err)
		assertAll(t, [4]float32{0.75, 0, 0.25, 1}, h.pixels(t, cfg))
	})

	t.Run("dip reaches the color", func(t *testing.T) {
		h := newHarness(t)
		cfg := h.frame(t, 8, 8, true)
		cfg.Progress = 0.5
		white := [4]float32{1, 1, 1, 1}
		_, err := DipToColor(ctx, h.d, cfg, DipParams{Color: white})
		require.NoError(t, err)
		assertAll(t, white, h.pixels(t, cfg))
	})

	t.Run("wipe splits the frame", func(t *testing.T) {
		h := newHarness(t)
		cfg := h.frame(t, 100, 1, false)
		cfg.Progress = 0.5
		_, err := Wipe(ctx, h.d, cfg, WipeParams{Angle: 0, Feather: 0.01})
		require.NoError(t, err)
		px := h.pixels(t, cfg)
		assert.InDelta(t, 0, px[10][0], 1e-3, "left of the edge shows incoming")
		assert.InDelta(t, 1, px[90][0], 1e-3, "right of the edge shows outgoing")
	})

	t.Run("push halfway", func(t *testing.T) {
		h := newHarness(t)
		cfg := h.frame(t, 10, 2, false)
		cfg.Progress = 0.5
		_, err := Push(ctx, h.d, cfg, PushParams{DirX: 1})
		require.NoError(t, err)
		px := h.pixels(t, cfg)
		assert.Equal(t, red, px[0])
		assert.Equal(t, red, px[4])
		assert.Equal(t, blue, px[5])
		assert.Equal(t, blue, px[9])
	})
}

func TestRun_Errors(t *testing.T) {
	stub := gputest.New()
	d := dispatch.New(stub, cache.NewKernelCache(stub, nil, nil), nil, nil)
	cfg := dispatch.Configuration{Device: 1, Queue: 1, Outgoing: 1, Incoming: 1, Dest: 1, Width: 4, Height: 4}

	_, err := Run(context.Background(), d, "spin", cfg, CrossfadeParams{})
	assert.ErrorIs(t, err, gpu.ErrUnknownKernel)

	_, err = Run(context.Background(), d, "crossfade", cfg, WipeParams{})
	assert.ErrorContains(t, err, "takes kernels.CrossfadeParams")

	_, err = RunBytes(context.Background(), d, "wipe", cfg, make([]byte, 4))
	assert.ErrorContains(t, err, "16 parameter bytes")

	assert.Empty(t, stub.CompileRequests())

	_, err = RunBytes(context.Background(), d, "wipe", cfg, WipeParams{Angle: 1}.Bytes())
	require.NoError(t, err)
	reqs := stub.CompileRequests()
	require.NotEmpty(t, reqs)
	assert.Contains(t, reqs[0].Source, "void wipe(")
}

func TestTable(t *testing.T) {
	ks := List()
	names := make([]string, len(ks))
	for i, k := range ks {
		names[i] = k.Name
		assert.Equal(t, 16, k.Params.Size, k.Name)
		require.NotNil(t, k.Defaults, k.Name)
		assert.Equal(t, k.Params.Type, reflect.TypeOf(k.Defaults), k.Name)
		for _, dialect := range []gpu.Dialect{gpu.DialectCUDA, gpu.DialectMetal, gpu.DialectWGSL} {
			src, err := k.Source(dialect)
			require.NoError(t, err)
			assert.Contains(t, src, k.Entry)
		}
	}
	assert.Equal(t, []string{"crossfade", "dip_to_color", "push", "wipe"}, names)
}

func TestParamsLayout(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0x80, 0x3f, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, CrossfadeParams{Curve: 1}.Bytes())

	dip := DipParams{Color: [4]float32{0.25, 0.5, 0.75, 1}}
	decoded, err := decodeDip(dip.Bytes())
	require.NoError(t, err)
	assert.Equal(t, dip, decoded)

	_, err = decodePush([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestTransitions_ZeroPitch(t *testing.T) {
	h := newHarness(t)
	cfg := h.frame(t, 4, 4, false)
	cfg.OutgoingPitchPx, cfg.IncomingPitchPx, cfg.DestPitchPx = 0, 0, 0
	cfg.Progress = 1

	_, err := Crossfade(context.Background(), h.d, cfg, CrossfadeParams{Curve: 1})
	require.NoError(t, err)
	px := h.pixels(t, cfg)
	require.Len(t, px, 16)
	assertAll(t, blue, px[12:])
}
