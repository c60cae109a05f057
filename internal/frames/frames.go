// Package frames moves images in and out of host-visible buffers and writes
// rendered frames to disk.
package frames

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"golang.org/x/image/tiff"

	"github.com/fxnlabs/gpufx/internal/cache"
	"github.com/fxnlabs/gpufx/internal/gpu"
)

// HostMemory exposes buffer contents to the host. The CPU backend
// implements it.
type HostMemory interface {
	Bytes(buf gpu.BufferID) ([]byte, error)
}

func precisionOf(buf cache.ImageBuffer) (gpu.Precision, error) {
	switch int(buf.BytesPerPixel) {
	case gpu.BytesPerPixel(gpu.PrecisionFull):
		return gpu.PrecisionFull, nil
	case gpu.BytesPerPixel(gpu.PrecisionHalf):
		return gpu.PrecisionHalf, nil
	default:
		return 0, fmt.Errorf("unsupported pixel size %d", buf.BytesPerPixel)
	}
}

func hostBytes(mem HostMemory, buf cache.ImageBuffer) ([]byte, error) {
	data, err := mem.Bytes(buf.Handle)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) < buf.Len() {
		return nil, fmt.Errorf("buffer %s holds %d bytes, view needs %d", buf.Handle, len(data), buf.Len())
	}
	return data, nil
}

// Upload writes img into buf as straight-alpha RGBA floats. img is cropped
// or zero-padded to the buffer's size.
func Upload(mem HostMemory, buf cache.ImageBuffer, img image.Image) error {
	p, err := precisionOf(buf)
	if err != nil {
		return err
	}
	data, err := hostBytes(mem, buf)
	if err != nil {
		return err
	}
	bounds := img.Bounds()
	bpp := int(buf.BytesPerPixel)
	for y := 0; y < int(buf.Height); y++ {
		row := data[uint64(y)*uint64(buf.PitchPx)*uint64(bpp):]
		for x := 0; x < int(buf.Width); x++ {
			var px [4]float32
			if pt := image.Pt(bounds.Min.X+x, bounds.Min.Y+y); pt.In(bounds) {
				c := color.NRGBA64Model.Convert(img.At(pt.X, pt.Y)).(color.NRGBA64)
				px = [4]float32{unit(c.R), unit(c.G), unit(c.B), unit(c.A)}
			}
			gpu.EncodePixel(row[x*bpp:], px, p)
		}
	}
	return nil
}

// Download reads buf into a 16-bit image, clamping channels to [0,1].
func Download(mem HostMemory, buf cache.ImageBuffer) (*image.NRGBA64, error) {
	p, err := precisionOf(buf)
	if err != nil {
		return nil, err
	}
	data, err := hostBytes(mem, buf)
	if err != nil {
		return nil, err
	}
	img := image.NewNRGBA64(image.Rect(0, 0, int(buf.Width), int(buf.Height)))
	bpp := int(buf.BytesPerPixel)
	for y := 0; y < int(buf.Height); y++ {
		row := data[uint64(y)*uint64(buf.PitchPx)*uint64(bpp):]
		for x := 0; x < int(buf.Width); x++ {
			px := gpu.DecodePixel(row[x*bpp:], p)
			img.SetNRGBA64(x, y, color.NRGBA64{R: quant(px[0]), G: quant(px[1]), B: quant(px[2]), A: quant(px[3])})
		}
	}
	return img, nil
}

// Gradient returns a w x h frame blending from one color at the left edge to
// another at the right, darkened towards the bottom.
func Gradient(w, h int, from, to color.Color) *image.NRGBA64 {
	a := color.NRGBA64Model.Convert(from).(color.NRGBA64)
	b := color.NRGBA64Model.Convert(to).(color.NRGBA64)
	img := image.NewNRGBA64(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		shade := 1 - 0.5*float64(y)/float64(max(h-1, 1))
		for x := 0; x < w; x++ {
			t := float64(x) / float64(max(w-1, 1))
			lerp := func(u, v uint16, s float64) uint16 {
				return uint16(math.Round((float64(u) + (float64(v)-float64(u))*t) * s))
			}
			img.SetNRGBA64(x, y, color.NRGBA64{
				R: lerp(a.R, b.R, shade),
				G: lerp(a.G, b.G, shade),
				B: lerp(a.B, b.B, shade),
				A: lerp(a.A, b.A, 1),
			})
		}
	}
	return img
}

// WriteTIFF encodes img as a deflate-compressed TIFF.
func WriteTIFF(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// ReadTIFF decodes a TIFF frame.
func ReadTIFF(r io.Reader) (image.Image, error) {
	return tiff.Decode(r)
}

func unit(v uint16) float32 { return float32(v) / math.MaxUint16 }

func quant(v float32) uint16 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return math.MaxUint16
	}
	return uint16(math.Round(float64(v) * math.MaxUint16))
}
