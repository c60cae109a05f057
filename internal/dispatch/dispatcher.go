// Package dispatch binds buffers and parameters to a cached kernel, sizes
// the launch and submits it synchronously.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpufx/internal/cache"
	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/metrics"
)

// DefaultBlock is used when the backend does not report a preferred shape.
var DefaultBlock = gpu.Dim{X: 16, Y: 16}

// userParamsMinSize pads an empty user blob so every slot has storage.
const userParamsMinSize = 16

// Report describes a completed dispatch.
type Report struct {
	Entry  string
	Half   bool
	Kernel gpu.KernelID
	Grid   gpu.Dim
	Block  gpu.Dim
	CPU    time.Duration
	// GPU is only meaningful when GPUTimed is set.
	GPU      time.Duration
	GPUTimed bool
}

// Dispatcher runs kernels from a kernel cache on one backend.
type Dispatcher struct {
	backend      gpu.Backend
	kernels      *cache.KernelCache
	logger       *zap.Logger
	metrics      *metrics.Metrics
	defaultBlock gpu.Dim
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefaultBlock overrides the 16x16 fallback block. Zero extents are ignored.
func WithDefaultBlock(block gpu.Dim) Option {
	return func(d *Dispatcher) {
		if block.X > 0 && block.Y > 0 {
			d.defaultBlock = block
		}
	}
}

// New creates a Dispatcher.
func New(backend gpu.Backend, kernels *cache.KernelCache, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		backend:      backend,
		kernels:      kernels,
		logger:       logger.Named("dispatch"),
		metrics:      m,
		defaultBlock: DefaultBlock,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dialect is the shader language of the dispatcher's backend.
func (d *Dispatcher) Dialect() gpu.Dialect { return d.backend.Dialect() }

// LaunchGeometry returns the grid covering width x height with block.
func LaunchGeometry(width, height uint32, block gpu.Dim) gpu.Dim {
	return gpu.Dim{
		X: uint32((uint64(width) + uint64(block.X) - 1) / uint64(block.X)),
		Y: uint32((uint64(height) + uint64(block.Y) - 1) / uint64(block.Y)),
	}
}

// Dispatch runs entry from source over the configured frame and blocks until
// the device has finished. It either completes fully or returns a
// *gpu.StageError naming the step that failed; the only state that outlives
// the call is the cached kernel pair.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg Configuration, user []byte, source, entry string) (Report, error) {
	report, err := d.dispatch(ctx, cfg, user, source, entry)
	if err != nil {
		outcome := metrics.OutcomeFailed
		var se *gpu.StageError
		if errors.As(err, &se) && se.Stage == gpu.StageValidate {
			outcome = metrics.OutcomeRejected
		}
		d.metrics.Dispatched(entry, outcome, 0, 0, false)
		d.logger.Error("Dispatch failed",
			zap.String("backend", d.backend.Name()),
			zap.String("entry", entry),
			zap.Error(err))
		return Report{}, err
	}
	d.metrics.Dispatched(entry, metrics.OutcomeOK, report.CPU, report.GPU, report.GPUTimed)
	d.logger.Debug("Dispatched kernel",
		zap.String("entry", entry),
		zap.Bool("half", report.Half),
		zap.Stringer("grid", report.Grid),
		zap.Stringer("block", report.Block),
		zap.Duration("cpu", report.CPU),
		zap.Duration("gpu", report.GPU),
		zap.Bool("gpuTimed", report.GPUTimed))
	return report, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, cfg Configuration, user []byte, source, entry string) (Report, error) {
	requireContext := false
	if cb, ok := d.backend.(gpu.ContextBound); ok {
		requireContext = cb.RequiresContext()
	}
	if err := cfg.Validate(requireContext); err != nil {
		return Report{}, &gpu.StageError{Stage: gpu.StageValidate, Err: err}
	}

	pair, err := d.kernels.GetOrCompile(ctx, cfg.Device, source, entry)
	if err != nil {
		return Report{}, &gpu.StageError{Stage: gpu.StageKernel, Err: err}
	}
	kernel := pair.Select(cfg.Is16f)

	if len(user) == 0 {
		user = make([]byte, userParamsMinSize)
	}
	params := ParamsFrom(cfg).Bytes()
	paramsArg, userArg := gpu.ValueArg(params), gpu.ValueArg(user)
	if stager, ok := d.backend.(gpu.ValueStager); ok {
		release, pArg, uArg, err := d.stage(ctx, stager, cfg.Device, params, user)
		if err != nil {
			return Report{}, &gpu.StageError{Stage: gpu.StageArguments, Err: err}
		}
		defer release()
		paramsArg, userArg = pArg, uArg
	}

	block := d.blockFor(kernel)
	launch := gpu.Launch{
		Device:  cfg.Device,
		Context: cfg.Context,
		Queue:   cfg.Queue,
		Kernel:  kernel,
		Grid:    LaunchGeometry(cfg.Width, cfg.Height, block),
		Block:   block,
		Args: []gpu.Arg{
			gpu.BufferArg(cfg.Outgoing),
			gpu.BufferArg(cfg.Incoming),
			gpu.BufferArg(cfg.Dest),
			paramsArg,
			userArg,
		},
	}

	start := time.Now()
	sub, err := d.backend.Launch(ctx, launch)
	cpu := time.Since(start)
	if err != nil {
		return Report{}, &gpu.StageError{Stage: gpu.StageLaunch, Err: err}
	}

	report := Report{Entry: entry, Half: cfg.Is16f, Kernel: kernel, Grid: launch.Grid, Block: block, CPU: cpu}
	if elapsed, err := sub.GPUElapsed(); err != nil {
		d.logger.Debug("GPU timing unavailable", zap.String("entry", entry), zap.Error(err))
	} else {
		report.GPU, report.GPUTimed = elapsed, true
	}
	return report, nil
}

// stage copies both value slots into transient buffers. They are never
// cached because their contents change on every call.
func (d *Dispatcher) stage(ctx context.Context, s gpu.ValueStager, dev gpu.DeviceID, params, user []byte) (func(), gpu.Arg, gpu.Arg, error) {
	pBuf, err := s.StageValue(ctx, dev, params)
	if err != nil {
		return nil, gpu.Arg{}, gpu.Arg{}, fmt.Errorf("transition params: %w", err)
	}
	uBuf, err := s.StageValue(ctx, dev, user)
	if err != nil {
		d.releaseStaged(s, dev, pBuf)
		return nil, gpu.Arg{}, gpu.Arg{}, fmt.Errorf("user params: %w", err)
	}
	release := func() {
		d.releaseStaged(s, dev, pBuf)
		d.releaseStaged(s, dev, uBuf)
	}
	return release, gpu.BufferArg(pBuf), gpu.BufferArg(uBuf), nil
}

func (d *Dispatcher) releaseStaged(s gpu.ValueStager, dev gpu.DeviceID, buf gpu.BufferID) {
	if err := s.ReleaseStaged(dev, buf); err != nil {
		d.logger.Warn("Releasing staged argument failed", zap.Stringer("buffer", buf), zap.Error(err))
	}
}

// blockFor prefers the backend's shape for kernel and falls back to the
// default block.
func (d *Dispatcher) blockFor(kernel gpu.KernelID) gpu.Dim {
	shaper, ok := d.backend.(gpu.BlockShaper)
	if !ok {
		return d.defaultBlock
	}
	block, err := shaper.PreferredBlockShape(kernel)
	if err != nil || block.X == 0 || block.Y == 0 {
		d.logger.Debug("No preferred block shape, using default", zap.Stringer("kernel", kernel), zap.Error(err))
		return d.defaultBlock
	}
	return block
}
