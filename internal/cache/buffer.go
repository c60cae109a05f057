// Package cache keeps native GPU buffers and compiled kernels alive across
// dispatches. Entries are created lazily on first request and destroyed only
// by an explicit Cleanup, since submitted work may still reference them after
// a caller's scope ends.
package cache

import (
	"context"
	"fmt"
	"math/bits"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/metrics"
)

// BufferKey identifies one logical buffer. Tag tells apart same-shaped
// buffers on one device.
type BufferKey struct {
	Device        gpu.DeviceID
	Width         uint32
	Height        uint32
	BytesPerPixel uint32
	Tag           uint32
}

// Len returns width*height*bytesPerPixel, failing if it does not fit in 64 bits.
func (k BufferKey) Len() (uint64, error) {
	hi, area := bits.Mul64(uint64(k.Width), uint64(k.Height))
	if hi != 0 {
		return 0, fmt.Errorf("%w: %dx%d overflows", gpu.ErrAllocation, k.Width, k.Height)
	}
	hi, n := bits.Mul64(area, uint64(k.BytesPerPixel))
	if hi != 0 {
		return 0, fmt.Errorf("%w: %dx%dx%d overflows", gpu.ErrAllocation, k.Width, k.Height, k.BytesPerPixel)
	}
	return n, nil
}

// ImageBuffer is a copyable view over a cached allocation. Copies share the
// allocation; callers must never release Handle themselves.
type ImageBuffer struct {
	Handle        gpu.BufferID
	Device        gpu.DeviceID
	Width         uint32
	Height        uint32
	BytesPerPixel uint32
	RowBytes      uint64
	PitchPx       uint32
}

// Len returns the size of the underlying allocation in bytes.
func (b ImageBuffer) Len() uint64 { return b.RowBytes * uint64(b.Height) }

func viewOf(k BufferKey, h gpu.BufferID) ImageBuffer {
	return ImageBuffer{
		Handle:        h,
		Device:        k.Device,
		Width:         k.Width,
		Height:        k.Height,
		BytesPerPixel: k.BytesPerPixel,
		RowBytes:      uint64(k.Width) * uint64(k.BytesPerPixel),
		PitchPx:       k.Width,
	}
}

// BufferCache maps a BufferKey to exactly one native buffer.
type BufferCache struct {
	backend gpu.Backend
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[BufferKey]gpu.BufferID
}

// NewBufferCache creates an empty cache that allocates through backend.
func NewBufferCache(backend gpu.Backend, logger *zap.Logger, m *metrics.Metrics) *BufferCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BufferCache{
		backend: backend,
		logger:  logger.Named("buffers"),
		metrics: m,
		entries: make(map[BufferKey]gpu.BufferID),
	}
}

// GetOrCreate returns the buffer for (device, width, height, bpp, tag),
// allocating it on first use.
func (c *BufferCache) GetOrCreate(ctx context.Context, device gpu.DeviceID, width, height, bpp, tag uint32) (ImageBuffer, error) {
	return c.GetOrCreateKey(ctx, BufferKey{Device: device, Width: width, Height: height, BytesPerPixel: bpp, Tag: tag})
}

// GetOrCreateKey is GetOrCreate for a prepared key. The lock is held across
// the allocation, so concurrent misses on one key allocate exactly once.
func (c *BufferCache) GetOrCreateKey(ctx context.Context, key BufferKey) (ImageBuffer, error) {
	if key.Device.IsZero() {
		return ImageBuffer{}, fmt.Errorf("%w: buffer requested for null device", gpu.ErrInvalidHandle)
	}
	if key.Width == 0 || key.Height == 0 || key.BytesPerPixel == 0 {
		return ImageBuffer{}, fmt.Errorf("%w: empty buffer %dx%dx%d", gpu.ErrAllocation, key.Width, key.Height, key.BytesPerPixel)
	}
	length, err := key.Len()
	if err != nil {
		return ImageBuffer{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.entries[key]; ok {
		c.metrics.BufferRequest(true)
		return viewOf(key, h), nil
	}
	c.metrics.BufferRequest(false)

	h, err := c.backend.Allocate(ctx, key.Device, length)
	if err != nil {
		c.logger.Error("Buffer allocation failed",
			zap.String("backend", c.backend.Name()),
			zap.Stringer("device", key.Device),
			zap.Uint64("bytes", length),
			zap.Error(err))
		return ImageBuffer{}, fmt.Errorf("allocate %d bytes on %s: %w", length, key.Device, err)
	}
	if h.IsZero() {
		return ImageBuffer{}, fmt.Errorf("%w: backend %s returned a null buffer", gpu.ErrAllocation, c.backend.Name())
	}
	c.entries[key] = h
	c.metrics.BufferAllocated(length)
	c.logger.Debug("Allocated buffer",
		zap.Stringer("device", key.Device),
		zap.Uint32("width", key.Width),
		zap.Uint32("height", key.Height),
		zap.Uint32("bpp", key.BytesPerPixel),
		zap.Uint32("tag", key.Tag),
		zap.Stringer("buffer", h))
	return viewOf(key, h), nil
}

// Len returns the number of cached buffers.
func (c *BufferCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup releases every cached buffer and empties the cache. It must only
// be called once no submitted work references a cached buffer. The cache is
// emptied even if some releases fail, so a retry never double frees.
func (c *BufferCache) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for key, h := range c.entries {
		err = multierr.Append(err, c.backend.ReleaseBuffer(key.Device, h))
	}
	n := len(c.entries)
	clear(c.entries)
	c.metrics.BuffersReleased()
	if err != nil {
		c.logger.Error("Buffer cleanup incomplete", zap.Int("buffers", n), zap.Error(err))
		return err
	}
	c.logger.Info("Buffer cache cleared", zap.Int("buffers", n))
	return nil
}
