package main

import (
	"context"
	"fmt"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpufx/internal/app"
	"github.com/fxnlabs/gpufx/internal/config"
	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/render"
)

func jobFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "kernel", Usage: "Transition to run (see `gpufx kernels`)"},
		&cli.UintFlag{Name: "width", Usage: "Frame width in pixels"},
		&cli.UintFlag{Name: "height", Usage: "Frame height in pixels"},
		&cli.BoolFlag{Name: "half", Usage: "Use the half precision kernel variant"},
	}
}

// jobFrom overlays command flags on the render section of the config.
func jobFrom(c *cli.Context, cfg *config.Config) render.Job {
	j := render.Job{
		Kernel: cfg.Render.Kernel,
		Width:  cfg.Render.Width,
		Height: cfg.Render.Height,
		Frames: cfg.Render.Frames,
		Half:   cfg.Render.HalfPrecision,
	}
	if c.IsSet("kernel") {
		j.Kernel = c.String("kernel")
	}
	if c.IsSet("width") {
		j.Width = uint32(c.Uint("width"))
	}
	if c.IsSet("height") {
		j.Height = uint32(c.Uint("height"))
	}
	if c.IsSet("half") {
		j.Half = c.Bool("half")
	}
	return j
}

// withRenderer runs fn against a started CPU-backed application. Frames are
// read back through host memory, which only the CPU backend exposes.
func withRenderer(c *cli.Context, fn func(*render.Renderer) error) error {
	cfg := *configFrom(c)
	cfg.GPU.Backend = gpu.PreferCPU

	var r *render.Renderer
	fxApp := app.New(&cfg, fx.Populate(&r))
	if err := fxApp.Err(); err != nil {
		return err
	}
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if err := fxApp.Start(ctx); err != nil {
		return err
	}
	err := fn(r)
	if stopErr := fxApp.Stop(context.Background()); err == nil {
		err = stopErr
	}
	return err
}

func renderCommand() *cli.Command {
	return &cli.Command{
		Name:  "render",
		Usage: "Render a transition between two synthetic clips to TIFF frames",
		Flags: append(jobFlags(),
			&cli.IntFlag{Name: "frames", Usage: "Number of frames"},
			&cli.StringFlag{Name: "output", Usage: "Output directory"},
		),
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			log := loggerFrom(c)
			job := jobFrom(c, cfg)
			if c.IsSet("frames") {
				job.Frames = c.Int("frames")
			}
			output := cfg.Render.Output
			if c.IsSet("output") {
				output = c.String("output")
			}

			figure.NewFigure("gpufx", "", true).Print()
			fmt.Fprintln(c.App.Writer)

			return withRenderer(c, func(r *render.Renderer) error {
				if err := r.Render(c.Context, job, render.WriteTIFFs(output)); err != nil {
					return err
				}
				log.Info("Frames written", zap.String("output", output), zap.Int("frames", job.Frames))
				return nil
			})
		},
	}
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Dispatch a transition repeatedly and summarise timings",
		Flags: append(jobFlags(),
			&cli.IntFlag{Name: "iterations", Value: 200, Usage: "Number of dispatches"},
		),
		Action: func(c *cli.Context) error {
			job := jobFrom(c, configFrom(c))
			return withRenderer(c, func(r *render.Renderer) error {
				res, err := r.Bench(c.Context, job, c.Int("iterations"))
				if err != nil {
					return err
				}
				w := c.App.Writer
				fmt.Fprintf(w, "kernel      %s (%dx%d, half=%t)\n", job.Kernel, job.Width, job.Height, job.Half)
				fmt.Fprintf(w, "iterations  %d in %s\n", res.Iterations, res.Wall)
				printStats(c, "cpu", res.CPU)
				if res.GPUTimed {
					printStats(c, "gpu", res.GPU)
				}
				fmt.Fprintf(w, "cache       %d buffers, %d kernel pairs\n", res.Buffers, res.Kernels)
				return nil
			})
		},
	}
}

func printStats(c *cli.Context, label string, s render.Stats) {
	fmt.Fprintf(c.App.Writer, "%-11s mean %.3fms  sd %.3fms  p50 %.3fms  p95 %.3fms  max %.3fms\n",
		label, s.Mean, s.StdDev, s.P50, s.P95, s.Max)
}
