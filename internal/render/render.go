// Package render drives a transition across a sequence of frames on a
// backend whose buffers are host-visible.
package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpufx/internal/cache"
	"github.com/fxnlabs/gpufx/internal/dispatch"
	"github.com/fxnlabs/gpufx/internal/frames"
	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/kernels"
)

// Buffer tags inside the cache.
const (
	tagOutgoing uint32 = iota
	tagIncoming
	tagDest
)

// Job describes one rendered transition. Outgoing and Incoming default to
// gradients when nil. Params nil selects the kernel's defaults.
type Job struct {
	Kernel   string
	Params   []byte
	Width    uint32
	Height   uint32
	Frames   int
	Half     bool
	Outgoing image.Image
	Incoming image.Image
}

// FrameFunc receives each finished frame in order.
type FrameFunc func(index int, progress float32, img *image.NRGBA64) error

type Renderer struct {
	host     frames.HostMemory
	handles  gpu.Handles
	registry *cache.Registry
	d        *dispatch.Dispatcher
	logger   *zap.Logger
}

// New returns a Renderer over the registry's backend, which must expose
// host memory and own a default device.
func New(registry *cache.Registry, d *dispatch.Dispatcher, logger *zap.Logger) (*Renderer, error) {
	host, ok := registry.Backend().(frames.HostMemory)
	if !ok {
		return nil, fmt.Errorf("backend %s does not expose host memory", registry.Backend().Name())
	}
	handles, err := gpu.DefaultHandles(registry.Backend())
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", registry.Backend().Name(), err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{host: host, handles: handles, registry: registry, d: d, logger: logger.Named("render")}, nil
}

// Progress returns the transition position of frame i out of n. A single
// frame renders the midpoint.
func Progress(i, n int) float32 {
	if n <= 1 {
		return 0.5
	}
	return float32(i) / float32(n-1)
}

func (j Job) validate() (kernels.Kernel, []byte, error) {
	k, err := kernels.Lookup(j.Kernel)
	if err != nil {
		return kernels.Kernel{}, nil, err
	}
	params := j.Params
	if params == nil {
		params = k.Defaults.Bytes()
	}
	if j.Width == 0 || j.Height == 0 {
		return kernels.Kernel{}, nil, fmt.Errorf("%w: empty frame %dx%d", gpu.ErrDispatch, j.Width, j.Height)
	}
	if j.Frames < 1 {
		return kernels.Kernel{}, nil, fmt.Errorf("frame count must be positive, got %d", j.Frames)
	}
	return k, params, nil
}

// prepare fetches the three cached buffers for the job and uploads the
// source clips.
func (r *Renderer) prepare(ctx context.Context, j Job) (dispatch.Configuration, cache.ImageBuffer, error) {
	dev := r.handles.Device
	bpp := uint32(gpu.BytesPerPixel(gpu.PrecisionFor(j.Half)))

	var bufs [3]cache.ImageBuffer
	for _, tag := range []uint32{tagOutgoing, tagIncoming, tagDest} {
		b, err := r.registry.Buffers.GetOrCreate(ctx, dev, j.Width, j.Height, bpp, tag)
		if err != nil {
			return dispatch.Configuration{}, cache.ImageBuffer{}, err
		}
		bufs[tag] = b
	}

	out, in := j.Outgoing, j.Incoming
	if out == nil {
		out = frames.Gradient(int(j.Width), int(j.Height), color.NRGBA{R: 230, G: 90, B: 40, A: 255}, color.NRGBA{R: 250, G: 210, B: 60, A: 255})
	}
	if in == nil {
		in = frames.Gradient(int(j.Width), int(j.Height), color.NRGBA{R: 30, G: 60, B: 200, A: 255}, color.NRGBA{R: 40, G: 200, B: 180, A: 255})
	}
	if err := frames.Upload(r.host, bufs[tagOutgoing], out); err != nil {
		return dispatch.Configuration{}, cache.ImageBuffer{}, fmt.Errorf("upload outgoing: %w", err)
	}
	if err := frames.Upload(r.host, bufs[tagIncoming], in); err != nil {
		return dispatch.Configuration{}, cache.ImageBuffer{}, fmt.Errorf("upload incoming: %w", err)
	}

	cfg := dispatch.Configuration{
		Device:          dev,
		Context:         r.handles.Context,
		Queue:           r.handles.Queue,
		Outgoing:        bufs[tagOutgoing].Handle,
		Incoming:        bufs[tagIncoming].Handle,
		Dest:            bufs[tagDest].Handle,
		OutgoingPitchPx: int32(bufs[tagOutgoing].PitchPx),
		IncomingPitchPx: int32(bufs[tagIncoming].PitchPx),
		DestPitchPx:     int32(bufs[tagDest].PitchPx),
		Width:           j.Width,
		Height:          j.Height,
		Is16f:           j.Half,
	}
	return cfg, bufs[tagDest], nil
}

// Render dispatches the job once per frame and hands each result to emit.
func (r *Renderer) Render(ctx context.Context, j Job, emit FrameFunc) error {
	k, params, err := j.validate()
	if err != nil {
		return err
	}
	cfg, dest, err := r.prepare(ctx, j)
	if err != nil {
		return err
	}

	for i := 0; i < j.Frames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg.Progress = Progress(i, j.Frames)
		report, err := kernels.RunBytes(ctx, r.d, k.Name, cfg, params)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		img, err := frames.Download(r.host, dest)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if err := emit(i, cfg.Progress, img); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		r.logger.Debug("Rendered frame",
			zap.Int("frame", i),
			zap.Float32("progress", cfg.Progress),
			zap.Duration("cpu", report.CPU))
	}
	r.logger.Info("Rendered transition",
		zap.String("kernel", k.Name),
		zap.Int("frames", j.Frames),
		zap.Uint32("width", j.Width),
		zap.Uint32("height", j.Height),
		zap.Bool("half", j.Half))
	return nil
}

// WriteTIFFs returns a FrameFunc that writes frame_NNNN.tiff files into dir,
// creating it if needed.
func WriteTIFFs(dir string) FrameFunc {
	return func(i int, _ float32, img *image.NRGBA64) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame_%04d.tiff", i)))
		if err != nil {
			return err
		}
		if err := frames.WriteTIFF(f, img); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
}
