package gpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"go.uber.org/zap"
)

func BenchmarkCPUBackend_Launch(b *testing.B) {
	ctx := context.Background()
	backend := NewCPUBackend(zap.NewNop())
	if err := backend.Initialize(); err != nil {
		b.Fatal(err)
	}
	defer backend.Cleanup()
	dev, queue := backend.DefaultDevice(), backend.DefaultQueue()

	sizes := []uint32{64, 256, 1024}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("size_%d", size), func(b *testing.B) {
			length := uint64(size) * uint64(size) * uint64(BytesPerPixel(PrecisionFull))
			in, err := backend.Allocate(ctx, dev, length)
			if err != nil {
				b.Fatal(err)
			}
			out, err := backend.Allocate(ctx, dev, length)
			if err != nil {
				b.Fatal(err)
			}
			defer backend.ReleaseBuffer(dev, in)
			defer backend.ReleaseBuffer(dev, out)

			k, err := backend.Compile(ctx, dev, CompileRequest{Source: testScaleSource, Entry: "test_scale"})
			if err != nil {
				b.Fatal(err)
			}
			defer backend.ReleaseKernel(k)

			user := make([]byte, 16)
			binary.LittleEndian.PutUint32(user, math.Float32bits(0.5))
			grid := (size + 15) / 16
			launch := Launch{
				Device: dev, Queue: queue, Kernel: k,
				Grid:  Dim{X: grid, Y: grid},
				Block: Dim{X: 16, Y: 16},
				Args:  []Arg{BufferArg(in), BufferArg(in), BufferArg(out), ValueArg(dims(size, size)), ValueArg(user)},
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := backend.Launch(ctx, launch); err != nil {
					b.Fatal(err)
				}
			}

			pixels := float64(size) * float64(size) * float64(b.N)
			b.ReportMetric(pixels/b.Elapsed().Seconds()/1e6, "Mpx/s")
			b.ReportMetric(float64(length*2)/(1<<20), "MB")
		})
	}
}
