package render

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/fxnlabs/gpufx/internal/kernels"
)

// Stats summarises dispatch durations in milliseconds.
type Stats struct {
	Mean   float64
	StdDev float64
	P50    float64
	P95    float64
	Max    float64
}

func summarize(samples []float64) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	return Stats{
		Mean:   mean,
		StdDev: std,
		P50:    stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Max:    sorted[len(sorted)-1],
	}
}

// BenchResult reports a benchmark run. Buffers and Kernels are the cache
// sizes afterwards; repeated dispatches of one kernel should leave them at 3
// and 1.
type BenchResult struct {
	Iterations int
	CPU        Stats
	GPU        Stats
	GPUTimed   bool
	Wall       time.Duration
	Buffers    int
	Kernels    int
}

// Bench dispatches the job's kernel iterations times over one set of cached
// buffers, sweeping progress, without reading results back.
func (r *Renderer) Bench(ctx context.Context, j Job, iterations int) (BenchResult, error) {
	if iterations < 1 {
		return BenchResult{}, fmt.Errorf("iterations must be positive, got %d", iterations)
	}
	j.Frames = iterations
	k, params, err := j.validate()
	if err != nil {
		return BenchResult{}, err
	}
	cfg, _, err := r.prepare(ctx, j)
	if err != nil {
		return BenchResult{}, err
	}

	cpu := make([]float64, 0, iterations)
	var gpuMs []float64
	start := time.Now()
	for i := 0; i < iterations; i++ {
		cfg.Progress = Progress(i, iterations)
		report, err := kernels.RunBytes(ctx, r.d, k.Name, cfg, params)
		if err != nil {
			return BenchResult{}, fmt.Errorf("iteration %d: %w", i, err)
		}
		cpu = append(cpu, ms(report.CPU))
		if report.GPUTimed {
			gpuMs = append(gpuMs, ms(report.GPU))
		}
	}

	res := BenchResult{
		Iterations: iterations,
		CPU:        summarize(cpu),
		GPU:        summarize(gpuMs),
		GPUTimed:   len(gpuMs) == iterations,
		Wall:       time.Since(start),
		Buffers:    r.registry.Buffers.Len(),
		Kernels:    r.registry.Kernels.Len(),
	}
	r.logger.Info("Benchmark finished",
		zap.String("kernel", k.Name),
		zap.Int("iterations", iterations),
		zap.Float64("cpu_mean_ms", res.CPU.Mean),
		zap.Float64("cpu_p95_ms", res.CPU.P95),
		zap.Bool("gpu_timed", res.GPUTimed))
	return res, nil
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
