package gpu

import (
	"encoding/binary"
	"math"
)

// Pixels are RGBA. The full-precision layout is four little-endian float32
// (16 bytes), the half-precision layout four binary16 values (8 bytes).

// BytesPerPixel returns the pixel stride for a precision.
func BytesPerPixel(p Precision) int {
	if p == PrecisionHalf {
		return 8
	}
	return 16
}

// EncodePixel writes px into dst using the layout for p.
func EncodePixel(dst []byte, px [4]float32, p Precision) {
	if p == PrecisionHalf {
		for i, v := range px {
			binary.LittleEndian.PutUint16(dst[i*2:], Float32ToHalf(v))
		}
		return
	}
	for i, v := range px {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

// DecodePixel reads one pixel from src using the layout for p.
func DecodePixel(src []byte, p Precision) [4]float32 {
	var px [4]float32
	if p == PrecisionHalf {
		for i := range px {
			px[i] = HalfToFloat32(binary.LittleEndian.Uint16(src[i*2:]))
		}
		return px
	}
	for i := range px {
		px[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return px
}
