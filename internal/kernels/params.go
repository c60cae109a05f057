package kernels

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Params is a per-kernel user parameter block passed in argument slot 4.
// Layouts are little-endian and padded to a multiple of 16 bytes so they
// bind as uniform buffers on backends that stage values.
type Params interface {
	Bytes() []byte
}

const paramsBlock = 16

func putFloats(vs ...float32) []byte {
	n := (len(vs)*4 + paramsBlock - 1) / paramsBlock * paramsBlock
	b := make([]byte, n)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func getFloats(b []byte, n int) ([]float32, error) {
	if len(b) < n*4 {
		return nil, fmt.Errorf("user params: need %d bytes, got %d", n*4, len(b))
	}
	vs := make([]float32, n)
	for i := range vs {
		vs[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vs, nil
}

// CrossfadeParams shapes the blend. Curve is the exponent applied to
// progress; zero or negative means linear.
type CrossfadeParams struct {
	Curve float32
}

func (p CrossfadeParams) Bytes() []byte { return putFloats(p.Curve) }

// WipeParams moves a soft edge across the frame. Angle is in radians, 0
// wipes left to right. Feather is the edge width as a fraction of the frame.
type WipeParams struct {
	Angle   float32
	Feather float32
}

func (p WipeParams) Bytes() []byte { return putFloats(p.Angle, p.Feather) }

// DipParams fades to Color at the midpoint and back out to the incoming clip.
type DipParams struct {
	Color [4]float32
}

func (p DipParams) Bytes() []byte { return putFloats(p.Color[:]...) }

// PushParams slides the outgoing clip out along (DirX, DirY) while the
// incoming clip follows it in. Directions are in frame units, e.g. (1, 0).
type PushParams struct {
	DirX float32
	DirY float32
}

func (p PushParams) Bytes() []byte { return putFloats(p.DirX, p.DirY) }

func decodeCrossfade(b []byte) (CrossfadeParams, error) {
	v, err := getFloats(b, 1)
	if err != nil {
		return CrossfadeParams{}, err
	}
	return CrossfadeParams{Curve: v[0]}, nil
}

func decodeWipe(b []byte) (WipeParams, error) {
	v, err := getFloats(b, 2)
	if err != nil {
		return WipeParams{}, err
	}
	return WipeParams{Angle: v[0], Feather: v[1]}, nil
}

func decodeDip(b []byte) (DipParams, error) {
	v, err := getFloats(b, 4)
	if err != nil {
		return DipParams{}, err
	}
	return DipParams{Color: [4]float32{v[0], v[1], v[2], v[3]}}, nil
}

func decodePush(b []byte) (PushParams, error) {
	v, err := getFloats(b, 2)
	if err != nil {
		return PushParams{}, err
	}
	return PushParams{DirX: v[0], DirY: v[1]}, nil
}
