package cache

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/metrics"
)

// Registry is one buffer cache and one kernel cache bound to a backend.
// Tests create their own; hosts normally use Default.
type Registry struct {
	Buffers *BufferCache
	Kernels *KernelCache

	backend gpu.Backend
	logger  *zap.Logger
}

// NewRegistry creates an independent pair of caches.
func NewRegistry(backend gpu.Backend, logger *zap.Logger, m *metrics.Metrics, opts ...KernelOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		Buffers: NewBufferCache(backend, logger, m),
		Kernels: NewKernelCache(backend, logger, m, opts...),
		backend: backend,
		logger:  logger,
	}
}

// Backend returns the backend both caches allocate and compile through.
func (r *Registry) Backend() gpu.Backend { return r.backend }

// Shutdown releases every cached buffer and kernel. The registry stays
// usable; entries are recreated on the next request.
func (r *Registry) Shutdown() error {
	err := multierr.Combine(r.Kernels.Cleanup(), r.Buffers.Cleanup())
	if err == nil {
		r.logger.Info("Caches shut down", zap.String("backend", r.backend.Name()))
	}
	return err
}

// HotReload drops compiled kernels so the next dispatch recompiles them.
// Buffers are left in place.
func (r *Registry) HotReload() error {
	return r.Kernels.HotReload()
}

var defaultRegistry struct {
	once sync.Once
	r    *Registry
}

// Default returns the process-wide registry, creating it on first call.
// Arguments after the first call are ignored.
func Default(backend gpu.Backend, logger *zap.Logger, m *metrics.Metrics, opts ...KernelOption) *Registry {
	defaultRegistry.once.Do(func() {
		defaultRegistry.r = NewRegistry(backend, logger, m, opts...)
	})
	return defaultRegistry.r
}
