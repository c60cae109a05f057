// Package app wires the backend, caches and dispatcher together with fx.
package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpufx/internal/cache"
	"github.com/fxnlabs/gpufx/internal/config"
	"github.com/fxnlabs/gpufx/internal/dispatch"
	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/logger"
	"github.com/fxnlabs/gpufx/internal/metrics"
	"github.com/fxnlabs/gpufx/internal/render"
	"github.com/fxnlabs/gpufx/internal/shaders"
)

// Module provides everything downstream of a *config.Config.
var Module = fx.Module("gpufx",
	fx.Provide(
		NewLogger,
		prometheus.NewRegistry,
		NewMetrics,
		NewManager,
		NewBackend,
		NewRegistry,
		NewDispatcher,
		render.New,
	),
)

// New builds an application around cfg. Extra options usually Invoke or
// Populate the components a command needs.
func New(cfg *config.Config, opts ...fx.Option) *fx.App {
	return fx.New(append([]fx.Option{
		fx.Supply(cfg),
		Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	}, opts...)...)
}

func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
}

func NewMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

// NewManager selects the configured backend and releases it on stop.
func NewManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	m, err := gpu.NewManager(log.Named("gpu"), cfg.GPU.Backend)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return m.Cleanup()
		},
	})
	return m, nil
}

func NewBackend(m *gpu.Manager) gpu.Backend {
	return m.GetBackend()
}

// NewRegistry creates the caches. Its stop hook runs before the manager's,
// so every cached handle is released while the backend is still alive.
func NewRegistry(lc fx.Lifecycle, cfg *config.Config, backend gpu.Backend, log *zap.Logger, m *metrics.Metrics) *cache.Registry {
	var opts []cache.KernelOption
	if cfg.HotReload(shaders.HotReloadDefault) {
		log.Info("Shader hot reload enabled", zap.String("dir", cfg.Shaders.Dir))
		opts = append(opts, cache.WithSourceLoader(shaders.NewLoader(cfg.Shaders.Dir, cfg.Shaders.IncludeDirs, log)))
	}
	r := cache.NewRegistry(backend, log, m, opts...)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return r.Shutdown()
		},
	})
	return r
}

func NewDispatcher(cfg *config.Config, r *cache.Registry, log *zap.Logger, m *metrics.Metrics) *dispatch.Dispatcher {
	return dispatch.New(r.Backend(), r.Kernels, log, m,
		dispatch.WithDefaultBlock(gpu.Dim{X: cfg.GPU.BlockWidth, Y: cfg.GPU.BlockHeight}))
}
