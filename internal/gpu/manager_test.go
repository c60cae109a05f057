package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewManager(t *testing.T) {
	t.Run("cpu", func(t *testing.T) {
		manager, err := NewManager(zap.NewNop(), PreferCPU)
		require.NoError(t, err)
		defer manager.Cleanup()

		assert.Equal(t, "cpu", manager.GetBackendType())
		assert.False(t, manager.IsGPUAvailable())
		assert.NotEmpty(t, manager.GetDeviceInfo().Name)

		h, err := DefaultHandles(manager.GetBackend())
		require.NoError(t, err)
		assert.False(t, h.Device.IsZero())
		assert.False(t, h.Queue.IsZero())
		assert.True(t, h.Context.IsZero(), "cpu backend is not context-bound")
	})

	t.Run("auto always finds a backend", func(t *testing.T) {
		manager, err := NewManager(nil, PreferAuto)
		require.NoError(t, err)
		defer manager.Cleanup()

		assert.NotNil(t, manager.GetBackend())
		assert.Contains(t, []string{"cpu", "cuda", "metal", "webgpu"}, manager.GetBackendType())
	})

	t.Run("unknown preference", func(t *testing.T) {
		_, err := NewManager(zap.NewNop(), "opengl")
		assert.ErrorContains(t, err, "unknown backend")
	})

	t.Run("cleanup drops the backend", func(t *testing.T) {
		manager, err := NewManager(zap.NewNop(), PreferCPU)
		require.NoError(t, err)
		require.NoError(t, manager.Cleanup())
		assert.Nil(t, manager.GetBackend())
		assert.Equal(t, "none", manager.GetBackendType())
		assert.Equal(t, "No backend available", manager.GetDeviceInfo().Name)
	})
}

func TestNewBackend(t *testing.T) {
	backend, err := NewBackend(PreferCPU, nil)
	require.NoError(t, err)
	assert.Equal(t, "cpu", backend.Name())
	assert.True(t, backend.IsAvailable())

	_, err = NewBackend("vulkan", nil)
	assert.Error(t, err)
}

type ownedBackend struct {
	*CPUBackend
	ctx ContextID
	err error
}

func (o ownedBackend) DefaultContext() (ContextID, error) { return o.ctx, o.err }

type unownedBackend struct{ Backend }

func TestDefaultHandles(t *testing.T) {
	cpu := NewCPUBackend(zap.NewNop())

	t.Run("context owner", func(t *testing.T) {
		h, err := DefaultHandles(ownedBackend{CPUBackend: cpu, ctx: 7})
		require.NoError(t, err)
		assert.Equal(t, ContextID(7), h.Context)
		assert.Equal(t, cpu.DefaultDevice(), h.Device)
	})

	t.Run("context failure", func(t *testing.T) {
		_, err := DefaultHandles(ownedBackend{CPUBackend: cpu, err: ErrBackendUnavailable})
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	})

	t.Run("backend without default device", func(t *testing.T) {
		_, err := DefaultHandles(unownedBackend{cpu})
		assert.ErrorIs(t, err, ErrInvalidHandle)
	})
}
