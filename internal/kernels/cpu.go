package kernels

import (
	"math"

	"github.com/fxnlabs/gpufx/internal/dispatch"
	"github.com/fxnlabs/gpufx/internal/gpu"
)

// Host implementations of the built-in entry points, used by the CPU
// backend. They follow the device sources line for line so the CPU backend
// can serve as a reference for the GPU output.
func init() {
	gpu.RegisterCPUKernel("crossfade", hostKernel[CrossfadeParams](decodeCrossfade, crossfadePixel))
	gpu.RegisterCPUKernel("wipe", hostKernel[WipeParams](decodeWipe, wipePixel))
	gpu.RegisterCPUKernel("dip_to_color", hostKernel[DipParams](decodeDip, dipPixel))
	gpu.RegisterCPUKernel("push", hostKernel[PushParams](decodePush, pushPixel))
}

type pixelFunc[P any] func(inv *gpu.CPUInvocation, tp dispatch.TransitionParams, p P, x, y uint32) [4]float32

// hostKernel adapts a per-pixel function to gpu.CPUKernelFunc. Malformed
// parameter blocks panic, which the CPU backend reports as a dispatch failure.
func hostKernel[P any](decode func([]byte) (P, error), fn pixelFunc[P]) gpu.CPUKernelFunc {
	return func(inv *gpu.CPUInvocation, x, y uint32) {
		tp, err := dispatch.DecodeTransitionParams(inv.Params)
		if err != nil {
			panic(err)
		}
		if x >= tp.Width || y >= tp.Height {
			return
		}
		p, err := decode(inv.User)
		if err != nil {
			panic(err)
		}
		inv.Store(int(y*tp.DestPitch+x), fn(inv, tp, p, x, y))
	}
}

func loadOut(inv *gpu.CPUInvocation, tp dispatch.TransitionParams, x, y uint32) [4]float32 {
	return inv.Outgoing(int(y*tp.OutPitch + x))
}

func loadIn(inv *gpu.CPUInvocation, tp dispatch.TransitionParams, x, y uint32) [4]float32 {
	return inv.Incoming(int(y*tp.InPitch + x))
}

func mix(a, b [4]float32, t float32) [4]float32 {
	var out [4]float32
	for i := range out {
		out[i] = a[i] + (b[i]-a[i])*t
	}
	return out
}

func clamp01(v float32) float32 {
	return float32(math.Min(math.Max(float64(v), 0), 1))
}

func crossfadePixel(inv *gpu.CPUInvocation, tp dispatch.TransitionParams, p CrossfadeParams, x, y uint32) [4]float32 {
	curve := p.Curve
	if curve <= 0 {
		curve = 1
	}
	t := float32(math.Pow(float64(tp.Progress), float64(curve)))
	return mix(loadOut(inv, tp, x, y), loadIn(inv, tp, x, y), t)
}

func wipePixel(inv *gpu.CPUInvocation, tp dispatch.TransitionParams, p WipeParams, x, y uint32) [4]float32 {
	dx := float32(math.Cos(float64(p.Angle)))
	dy := float32(math.Sin(float64(p.Angle)))
	u := (float32(x)+0.5)/float32(tp.Width) - 0.5
	v := (float32(y)+0.5)/float32(tp.Height) - 0.5
	reach := 0.5 * (abs32(dx) + abs32(dy))
	d := (u*dx+v*dy)/(2*reach) + 0.5
	f := p.Feather
	if f < 1e-4 {
		f = 1e-4
	}
	t := clamp01((tp.Progress*(1+f) - d) / f)
	return mix(loadOut(inv, tp, x, y), loadIn(inv, tp, x, y), t)
}

func dipPixel(inv *gpu.CPUInvocation, tp dispatch.TransitionParams, p DipParams, x, y uint32) [4]float32 {
	if tp.Progress < 0.5 {
		return mix(loadOut(inv, tp, x, y), p.Color, tp.Progress*2)
	}
	return mix(p.Color, loadIn(inv, tp, x, y), tp.Progress*2-1)
}

func pushPixel(inv *gpu.CPUInvocation, tp dispatch.TransitionParams, p PushParams, x, y uint32) [4]float32 {
	w, h := int(tp.Width), int(tp.Height)
	sx := int(x) + int(p.DirX*tp.Progress*float32(w))
	sy := int(y) + int(p.DirY*tp.Progress*float32(h))
	if sx >= 0 && sx < w && sy >= 0 && sy < h {
		return loadOut(inv, tp, uint32(sx), uint32(sy))
	}
	ix, iy := sx-int(p.DirX*float32(w)), sy-int(p.DirY*float32(h))
	if ix >= 0 && ix < w && iy >= 0 && iy < h {
		return loadIn(inv, tp, uint32(ix), uint32(iy))
	}
	return [4]float32{}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
