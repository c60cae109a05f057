package app

import (
	"context"
	"image"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/fxnlabs/gpufx/internal/cache"
	"github.com/fxnlabs/gpufx/internal/config"
	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/render"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.GPU.Backend = "cpu"
	cfg.Logger.Verbosity = "error"
	hot := false
	cfg.Shaders.HotReload = &hot
	return cfg
}

func TestModule(t *testing.T) {
	var (
		backend  gpu.Backend
		registry *cache.Registry
		renderer *render.Renderer
		promReg  *prometheus.Registry
	)
	app := fxtest.New(t,
		fx.Supply(testConfig()),
		Module,
		fx.NopLogger,
		fx.Populate(&backend, &registry, &renderer, &promReg),
	)
	app.RequireStart()

	assert.Equal(t, "cpu", backend.Name())
	cpu, ok := backend.(*gpu.CPUBackend)
	require.True(t, ok)

	err := renderer.Render(context.Background(), render.Job{Kernel: "crossfade", Width: 8, Height: 8, Frames: 2},
		func(int, float32, *image.NRGBA64) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, registry.Buffers.Len())
	assert.Equal(t, 1, registry.Kernels.Len())

	n, err := testutil.GatherAndCount(promReg, "gpufx_dispatch_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	app.RequireStop()
	assert.Zero(t, registry.Buffers.Len())
	assert.Zero(t, registry.Kernels.Len())
	assert.Zero(t, cpu.LiveBuffers())
	assert.Zero(t, cpu.LiveKernels())
}

func TestModule_UnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.GPU.Backend = "vulkan"

	app := fx.New(
		fx.Supply(cfg),
		Module,
		fx.NopLogger,
		fx.Invoke(func(*cache.Registry) {}),
	)
	assert.Error(t, app.Err())
}

func TestNew(t *testing.T) {
	var reg *cache.Registry
	app := New(testConfig(), fx.Populate(&reg))
	require.NoError(t, app.Err())
	require.NoError(t, app.Start(context.Background()))
	require.NoError(t, app.Stop(context.Background()))
	assert.NotNil(t, reg)
}
