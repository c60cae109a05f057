package dispatch

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fxnlabs/gpufx/internal/gpu"
)

// Configuration is supplied by the host for every dispatch. Handles are
// opaque and only checked for being non-zero.
type Configuration struct {
	Device  gpu.DeviceID
	Context gpu.ContextID // optional unless the backend is ContextBound
	Queue   gpu.QueueID

	Outgoing gpu.BufferID
	Incoming gpu.BufferID
	Dest     gpu.BufferID

	OutgoingPitchPx int32
	IncomingPitchPx int32
	DestPitchPx     int32

	Width    uint32
	Height   uint32
	Is16f    bool
	Progress float32
}

// Validate reports the first missing handle or unusable field.
func (c Configuration) Validate(requireContext bool) error {
	switch {
	case c.Device.IsZero():
		return fmt.Errorf("%w: device handle is null", gpu.ErrInvalidHandle)
	case requireContext && c.Context.IsZero():
		return fmt.Errorf("%w: context handle is null", gpu.ErrInvalidHandle)
	case c.Queue.IsZero():
		return fmt.Errorf("%w: command queue handle is null", gpu.ErrInvalidHandle)
	case c.Outgoing.IsZero():
		return fmt.Errorf("%w: outgoing data is null", gpu.ErrInvalidHandle)
	case c.Incoming.IsZero():
		return fmt.Errorf("%w: incoming data is null", gpu.ErrInvalidHandle)
	case c.Dest.IsZero():
		return fmt.Errorf("%w: dest data is null", gpu.ErrInvalidHandle)
	case c.Width == 0 || c.Height == 0:
		return fmt.Errorf("%w: empty frame %dx%d", gpu.ErrDispatch, c.Width, c.Height)
	case c.OutgoingPitchPx < 0 || c.IncomingPitchPx < 0 || c.DestPitchPx < 0:
		return fmt.Errorf("%w: negative pitch (%d, %d, %d)", gpu.ErrDispatch, c.OutgoingPitchPx, c.IncomingPitchPx, c.DestPitchPx)
	}
	return nil
}

// TransitionParamsSize is the encoded size of TransitionParams.
const TransitionParamsSize = 24

// TransitionParams is the fixed argument in slot 3. Its layout matches the
// TransitionParams struct declared by every kernel source.
type TransitionParams struct {
	OutPitch  uint32
	InPitch   uint32
	DestPitch uint32
	Width     uint32
	Height    uint32
	Progress  float32
}

// ParamsFrom builds the transition parameters for one dispatch. A zero
// pitch means rows are tightly packed.
func ParamsFrom(c Configuration) TransitionParams {
	return TransitionParams{
		OutPitch:  pitch(c.OutgoingPitchPx, c.Width),
		InPitch:   pitch(c.IncomingPitchPx, c.Width),
		DestPitch: pitch(c.DestPitchPx, c.Width),
		Width:     c.Width,
		Height:    c.Height,
		Progress:  c.Progress,
	}
}

func pitch(px int32, width uint32) uint32 {
	if px == 0 {
		return width
	}
	return uint32(px)
}

// Bytes encodes p little-endian.
func (p TransitionParams) Bytes() []byte {
	b := make([]byte, TransitionParamsSize)
	binary.LittleEndian.PutUint32(b[0:], p.OutPitch)
	binary.LittleEndian.PutUint32(b[4:], p.InPitch)
	binary.LittleEndian.PutUint32(b[8:], p.DestPitch)
	binary.LittleEndian.PutUint32(b[12:], p.Width)
	binary.LittleEndian.PutUint32(b[16:], p.Height)
	binary.LittleEndian.PutUint32(b[20:], math.Float32bits(p.Progress))
	return b
}

// DecodeTransitionParams is the inverse of TransitionParams.Bytes.
func DecodeTransitionParams(b []byte) (TransitionParams, error) {
	if len(b) < TransitionParamsSize {
		return TransitionParams{}, fmt.Errorf("transition params: need %d bytes, got %d", TransitionParamsSize, len(b))
	}
	return TransitionParams{
		OutPitch:  binary.LittleEndian.Uint32(b[0:]),
		InPitch:   binary.LittleEndian.Uint32(b[4:]),
		DestPitch: binary.LittleEndian.Uint32(b[8:]),
		Width:     binary.LittleEndian.Uint32(b[12:]),
		Height:    binary.LittleEndian.Uint32(b[16:]),
		Progress:  math.Float32frombits(binary.LittleEndian.Uint32(b[20:])),
	}, nil
}
