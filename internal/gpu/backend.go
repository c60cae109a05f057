package gpu

import (
	"context"
	"fmt"
	"time"
)

// DeviceInfo contains information about the GPU device
type DeviceInfo struct {
	Name              string `json:"name"`
	TotalMemory       int64  `json:"totalMemory"` // in bytes
	ComputeCapability string `json:"computeCapability"`
	DriverVersion     string `json:"driverVersion"`
}

// Precision selects one member of a compiled kernel pair.
type Precision int

const (
	PrecisionFull Precision = iota
	PrecisionHalf
)

func (p Precision) String() string {
	if p == PrecisionHalf {
		return "f16"
	}
	return "f32"
}

// PrecisionFor maps the host's half-precision flag to a Precision.
func PrecisionFor(half bool) Precision {
	if half {
		return PrecisionHalf
	}
	return PrecisionFull
}

// HalfPrecisionMacro is defined to 1 when compiling the half-precision variant.
const HalfPrecisionMacro = "USE_HALF_PRECISION"

// Dialect is the shader language a backend compiles.
type Dialect string

const (
	DialectCUDA  Dialect = "cuda"
	DialectMetal Dialect = "metal"
	DialectWGSL  Dialect = "wgsl"
)

// Ext returns the source file extension for the dialect.
func (d Dialect) Ext() string {
	switch d {
	case DialectCUDA:
		return ".cu"
	case DialectMetal:
		return ".metal"
	case DialectWGSL:
		return ".wgsl"
	default:
		return ""
	}
}

// CompileRequest describes one kernel variant to build.
type CompileRequest struct {
	Source    string
	Entry     string
	Precision Precision
	// Hints are backend specific compiler options, e.g. target architecture flags.
	Hints []string
}

// Dim is a two dimensional launch extent. Depth is always 1.
type Dim struct {
	X, Y uint32
}

func (d Dim) String() string { return fmt.Sprintf("%dx%d", d.X, d.Y) }

// ArgumentSlots is the fixed number of kernel arguments: outgoing, incoming,
// destination, transition params, user params.
const ArgumentSlots = 5

// Arg is one kernel argument slot. Exactly one of Buffer or Value is set.
type Arg struct {
	Buffer BufferID
	Value  []byte
}

// BufferArg references a device buffer.
func BufferArg(b BufferID) Arg { return Arg{Buffer: b} }

// ValueArg passes raw bytes by value.
func ValueArg(v []byte) Arg { return Arg{Value: v} }

// IsBuffer reports whether the slot references a buffer.
func (a Arg) IsBuffer() bool { return a.Value == nil }

// Launch is a fully resolved kernel submission.
type Launch struct {
	Device  DeviceID
	Context ContextID
	Queue   QueueID
	Kernel  KernelID
	Grid    Dim
	Block   Dim
	Args    []Arg
}

// Validate checks the launch shape independent of any backend.
func (l Launch) Validate() error {
	if l.Device.IsZero() || l.Queue.IsZero() || l.Kernel.IsZero() {
		return fmt.Errorf("%w: launch requires device, queue and kernel", ErrInvalidHandle)
	}
	if len(l.Args) != ArgumentSlots {
		return fmt.Errorf("%w: expected %d argument slots, got %d", ErrDispatch, ArgumentSlots, len(l.Args))
	}
	if l.Grid.X == 0 || l.Grid.Y == 0 || l.Block.X == 0 || l.Block.Y == 0 {
		return fmt.Errorf("%w: empty launch geometry grid=%s block=%s", ErrDispatch, l.Grid, l.Block)
	}
	return nil
}

// Submission is a completed launch.
type Submission interface {
	// GPUElapsed reports device-side execution time. Best effort: an error
	// wrapping ErrTimingUnavailable means the backend could not measure it.
	GPUElapsed() (time.Duration, error)
}

// Backend is the capability set a GPU API must provide for the caches and
// the dispatcher to drive it.
//
// Implementation notes:
//   - Allocate works in raw bytes and never sees image shape
//   - Compile returns a *CompileError with a diagnostic on rejection
//   - Launch submits and blocks until the device has finished
//   - handles returned by Allocate and Compile are only read after creation,
//     so they may be shared across goroutines without further locking
type Backend interface {
	// Name is a short identifier used in logs and metrics ("cpu", "cuda", ...).
	Name() string

	// Dialect is the shader language accepted by Compile.
	Dialect() Dialect

	// IsAvailable performs a cheap check without heavy initialization.
	IsAvailable() bool

	// Initialize prepares the backend. Idempotent.
	Initialize() error

	// Cleanup releases backend-global resources.
	Cleanup() error

	// GetDeviceInfo returns information about the default device.
	GetDeviceInfo() DeviceInfo

	Allocate(ctx context.Context, device DeviceID, length uint64) (BufferID, error)
	ReleaseBuffer(device DeviceID, buf BufferID) error

	Compile(ctx context.Context, device DeviceID, req CompileRequest) (KernelID, error)
	ReleaseKernel(kernel KernelID) error

	Launch(ctx context.Context, l Launch) (Submission, error)
}

// BlockShaper is implemented by backends that can report the hardware
// preferred thread-group shape for a compiled kernel.
type BlockShaper interface {
	PreferredBlockShape(kernel KernelID) (Dim, error)
}

// HintProvider is implemented by backends that derive compiler hints from
// the device, e.g. a target architecture.
type HintProvider interface {
	CompileHints(ctx context.Context, device DeviceID) ([]string, error)
}

// ValueStager is implemented by backends that cannot pass arguments by value
// and need every value slot backed by a buffer. Staged buffers live for one
// dispatch only.
type ValueStager interface {
	StageValue(ctx context.Context, device DeviceID, data []byte) (BufferID, error)
	ReleaseStaged(device DeviceID, buf BufferID) error
}

// ContextBound is implemented by backends that require a context handle on
// every dispatch.
type ContextBound interface {
	RequiresContext() bool
}
