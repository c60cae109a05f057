package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/metrics"
)

// KernelKey identifies a compiled kernel pair. SourceID is a content hash of
// the source text, so reusing an entry name with different source compiles
// a separate pair.
type KernelKey struct {
	Device   gpu.DeviceID
	SourceID uint64
	Entry    string
}

// NewKernelKey derives the key for source and entry on device.
func NewKernelKey(device gpu.DeviceID, source, entry string) KernelKey {
	return KernelKey{Device: device, SourceID: xxhash.Sum64String(source), Entry: entry}
}

// KernelPair holds the full and half precision variants of one entry point.
type KernelPair struct {
	Full gpu.KernelID
	Half gpu.KernelID
}

// Select returns the variant for the half-precision flag.
func (p KernelPair) Select(half bool) gpu.KernelID {
	if half {
		return p.Half
	}
	return p.Full
}

// SourceLoader supplies the text to compile on a cache miss. It returns
// embedded when it has nothing better.
type SourceLoader interface {
	Load(entry string, dialect gpu.Dialect, embedded string) string
}

// KernelOption configures a KernelCache.
type KernelOption func(*KernelCache)

// WithSourceLoader re-reads sources through l on every miss instead of
// compiling the text passed to GetOrCompile.
func WithSourceLoader(l SourceLoader) KernelOption {
	return func(c *KernelCache) { c.loader = l }
}

// KernelCache maps a KernelKey to one compiled KernelPair.
type KernelCache struct {
	backend gpu.Backend
	logger  *zap.Logger
	metrics *metrics.Metrics
	loader  SourceLoader

	mu      sync.Mutex
	entries map[KernelKey]KernelPair
}

// NewKernelCache creates an empty cache that compiles through backend.
func NewKernelCache(backend gpu.Backend, logger *zap.Logger, m *metrics.Metrics, opts ...KernelOption) *KernelCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &KernelCache{
		backend: backend,
		logger:  logger.Named("kernels"),
		metrics: m,
		entries: make(map[KernelKey]KernelPair),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCompile returns the kernel pair for (device, source, entry),
// compiling both precision variants on first use. Either both variants are
// cached or neither is.
func (c *KernelCache) GetOrCompile(ctx context.Context, device gpu.DeviceID, source, entry string) (KernelPair, error) {
	if device.IsZero() {
		return KernelPair{}, fmt.Errorf("%w: kernel requested for null device", gpu.ErrInvalidHandle)
	}
	key := NewKernelKey(device, source, entry)

	c.mu.Lock()
	defer c.mu.Unlock()

	if pair, ok := c.entries[key]; ok {
		c.metrics.KernelRequest(true)
		return pair, nil
	}
	c.metrics.KernelRequest(false)

	text := source
	if c.loader != nil {
		text = c.loader.Load(entry, c.backend.Dialect(), source)
	}
	hints := c.hints(ctx, device)

	var pair KernelPair
	var g errgroup.Group
	g.Go(func() (err error) {
		pair.Full, err = c.compile(ctx, device, text, entry, gpu.PrecisionFull, hints)
		return err
	})
	g.Go(func() (err error) {
		pair.Half, err = c.compile(ctx, device, text, entry, gpu.PrecisionHalf, hints)
		return err
	})
	if err := g.Wait(); err != nil {
		for _, k := range []gpu.KernelID{pair.Full, pair.Half} {
			if !k.IsZero() {
				if rerr := c.backend.ReleaseKernel(k); rerr != nil {
					c.logger.Warn("Releasing orphaned kernel variant failed", zap.String("entry", entry), zap.Error(rerr))
				}
			}
		}
		return KernelPair{}, err
	}

	c.entries[key] = pair
	c.logger.Info("Compiled kernel",
		zap.String("backend", c.backend.Name()),
		zap.Stringer("device", device),
		zap.String("entry", entry),
		zap.Uint64("source", key.SourceID))
	return pair, nil
}

func (c *KernelCache) hints(ctx context.Context, device gpu.DeviceID) []string {
	hp, ok := c.backend.(gpu.HintProvider)
	if !ok {
		return nil
	}
	hints, err := hp.CompileHints(ctx, device)
	if err != nil {
		c.logger.Warn("Compile hints unavailable", zap.Stringer("device", device), zap.Error(err))
		return nil
	}
	return hints
}

// compile builds one variant. A rejection with hints is retried once
// without them before it is reported.
func (c *KernelCache) compile(ctx context.Context, device gpu.DeviceID, source, entry string, p gpu.Precision, hints []string) (gpu.KernelID, error) {
	req := gpu.CompileRequest{Source: source, Entry: entry, Precision: p, Hints: hints}
	k, err := c.backend.Compile(ctx, device, req)
	if err == nil {
		c.metrics.KernelCompiled(p.String(), metrics.OutcomeOK)
		return k, nil
	}
	if len(hints) > 0 {
		c.logger.Warn("Compilation with hints failed, retrying without",
			zap.String("entry", entry),
			zap.Stringer("precision", p),
			zap.Strings("hints", hints),
			zap.String("diagnostic", diagnostic(err)))
		req.Hints = nil
		if k, err = c.backend.Compile(ctx, device, req); err == nil {
			c.metrics.KernelCompiled(p.String(), metrics.OutcomeRetried)
			return k, nil
		}
	}
	c.metrics.KernelCompiled(p.String(), metrics.OutcomeFailed)
	c.logger.Error("Kernel compilation failed",
		zap.String("backend", c.backend.Name()),
		zap.String("entry", entry),
		zap.Stringer("precision", p),
		zap.String("diagnostic", diagnostic(err)))
	return 0, err
}

// Len returns the number of cached kernel pairs.
func (c *KernelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup releases both variants of every cached pair and empties the cache.
// Like BufferCache.Cleanup, it requires that no submitted work is in flight.
func (c *KernelCache) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for _, pair := range c.entries {
		err = multierr.Append(err, c.backend.ReleaseKernel(pair.Full))
		err = multierr.Append(err, c.backend.ReleaseKernel(pair.Half))
	}
	n := len(c.entries)
	clear(c.entries)
	c.metrics.KernelsReleased()
	if err != nil {
		c.logger.Error("Kernel cleanup incomplete", zap.Int("kernels", n), zap.Error(err))
		return err
	}
	c.logger.Info("Kernel cache cleared", zap.Int("kernels", n))
	return nil
}

// HotReload empties the cache. Nothing is recompiled until the next request.
func (c *KernelCache) HotReload() error {
	err := c.Cleanup()
	c.logger.Info("Kernel hot reload: next request will recompile")
	return err
}

func diagnostic(err error) string {
	var ce *gpu.CompileError
	if errors.As(err, &ce) {
		return ce.Diagnostic
	}
	return err.Error()
}
