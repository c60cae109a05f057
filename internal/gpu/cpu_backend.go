package gpu

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CPUKernelFunc is the host implementation of a kernel entry point. It is
// invoked once per launched thread; bounds checks against the image size are
// the kernel's job, exactly as on a device.
type CPUKernelFunc func(inv *CPUInvocation, x, y uint32)

var cpuKernels = struct {
	sync.RWMutex
	m map[string]CPUKernelFunc
}{m: make(map[string]CPUKernelFunc)}

// RegisterCPUKernel makes fn available to CPUBackend.Compile under entry.
func RegisterCPUKernel(entry string, fn CPUKernelFunc) {
	cpuKernels.Lock()
	defer cpuKernels.Unlock()
	cpuKernels.m[entry] = fn
}

func lookupCPUKernel(entry string) (CPUKernelFunc, bool) {
	cpuKernels.RLock()
	defer cpuKernels.RUnlock()
	fn, ok := cpuKernels.m[entry]
	return fn, ok
}

// CPUInvocation is the argument view handed to a CPUKernelFunc.
type CPUInvocation struct {
	Precision Precision
	// Params holds slot 3 (transition parameters) and User slot 4, both raw.
	Params []byte
	User   []byte

	outgoing []byte
	incoming []byte
	dest     []byte
}

// Outgoing loads pixel idx from the outgoing buffer.
func (inv *CPUInvocation) Outgoing(idx int) [4]float32 { return inv.load(inv.outgoing, idx) }

// Incoming loads pixel idx from the incoming buffer.
func (inv *CPUInvocation) Incoming(idx int) [4]float32 { return inv.load(inv.incoming, idx) }

// Store writes pixel idx of the destination buffer. Out of range stores are dropped.
func (inv *CPUInvocation) Store(idx int, px [4]float32) {
	bpp := BytesPerPixel(inv.Precision)
	off := idx * bpp
	if idx < 0 || off+bpp > len(inv.dest) {
		return
	}
	EncodePixel(inv.dest[off:off+bpp], px, inv.Precision)
}

func (inv *CPUInvocation) load(buf []byte, idx int) [4]float32 {
	bpp := BytesPerPixel(inv.Precision)
	off := idx * bpp
	if idx < 0 || off+bpp > len(buf) {
		return [4]float32{}
	}
	return DecodePixel(buf[off:off+bpp], inv.Precision)
}

type cpuBuffer struct {
	device DeviceID
	data   []byte
}

type cpuKernel struct {
	device    DeviceID
	entry     string
	precision Precision
	fn        CPUKernelFunc
}

type cpuSubmission struct {
	elapsed time.Duration
}

func (s cpuSubmission) GPUElapsed() (time.Duration, error) { return s.elapsed, nil }

// CPUBackend implements Backend on the host. Buffers are byte slices and
// kernels are Go functions registered under their entry symbol. It accepts
// CUDA-dialect sources and checks that the entry symbol is declared there.
type CPUBackend struct {
	logger      *zap.Logger
	mu          sync.Mutex
	initialized bool
	workers     int

	device DeviceID
	queue  QueueID

	devices *HandleTable[string]
	queues  *HandleTable[DeviceID]
	buffers *HandleTable[*cpuBuffer]
	kernels *HandleTable[*cpuKernel]
}

// NewCPUBackend creates a new CPU backend instance with one device and one queue.
func NewCPUBackend(logger *zap.Logger) *CPUBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CPUBackend{
		logger:  logger.Named("cpu"),
		workers: runtime.GOMAXPROCS(0),
		devices: NewHandleTable[string](),
		queues:  NewHandleTable[DeviceID](),
		buffers: NewHandleTable[*cpuBuffer](),
		kernels: NewHandleTable[*cpuKernel](),
	}
	c.device = DeviceID(c.devices.Put(fmt.Sprintf("CPU (%s)", runtime.GOARCH)))
	c.queue = QueueID(c.queues.Put(c.device))
	return c
}

// Name implements Backend.
func (c *CPUBackend) Name() string { return "cpu" }

// Dialect implements Backend.
func (c *CPUBackend) Dialect() Dialect { return DialectCUDA }

// DefaultDevice returns the device handle minted at construction.
func (c *CPUBackend) DefaultDevice() DeviceID { return c.device }

// DefaultQueue returns the queue handle minted at construction.
func (c *CPUBackend) DefaultQueue() QueueID { return c.queue }

// AddDevice mints an additional device with its own queue. Useful to exercise
// per-device cache keys.
func (c *CPUBackend) AddDevice(name string) (DeviceID, QueueID) {
	dev := DeviceID(c.devices.Put(name))
	return dev, QueueID(c.queues.Put(dev))
}

// Initialize prepares the CPU backend for use
func (c *CPUBackend) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	c.initialized = true
	c.logger.Info("CPU backend initialized", zap.Int("workers", c.workers))
	return nil
}

// Cleanup marks the backend uninitialized. Buffers and kernels are owned by
// the caches and released through them.
func (c *CPUBackend) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	return nil
}

// IsAvailable checks if the backend is available (always true for CPU)
func (c *CPUBackend) IsAvailable() bool {
	return true
}

// GetDeviceInfo returns device information for CPU
func (c *CPUBackend) GetDeviceInfo() DeviceInfo {
	name, _ := c.devices.Get(uintptr(c.device))
	return DeviceInfo{
		Name:              name,
		ComputeCapability: "N/A",
		DriverVersion:     runtime.Version(),
	}
}

func (c *CPUBackend) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return fmt.Errorf("CPU backend not initialized")
	}
	return nil
}

func (c *CPUBackend) checkDevice(device DeviceID) error {
	if _, ok := c.devices.Get(uintptr(device)); !ok {
		return fmt.Errorf("%w: unknown %s", ErrInvalidHandle, device)
	}
	return nil
}

// Allocate implements Backend.
func (c *CPUBackend) Allocate(_ context.Context, device DeviceID, length uint64) (BufferID, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	if err := c.checkDevice(device); err != nil {
		return 0, err
	}
	if length == 0 || length > uint64(maxHostAlloc) {
		return 0, fmt.Errorf("%w: cannot allocate %d bytes", ErrAllocation, length)
	}
	buf := &cpuBuffer{device: device, data: make([]byte, length)}
	return BufferID(c.buffers.Put(buf)), nil
}

// maxHostAlloc bounds host allocations to what a slice can address.
const maxHostAlloc = int(^uint(0) >> 1)

// ReleaseBuffer implements Backend. Releasing an unknown handle is an error,
// which surfaces double frees.
func (c *CPUBackend) ReleaseBuffer(device DeviceID, buf BufferID) error {
	b, ok := c.buffers.Take(uintptr(buf))
	if !ok {
		return fmt.Errorf("%w: release of unknown %s", ErrInvalidHandle, buf)
	}
	if b.device != device {
		return fmt.Errorf("%w: %s belongs to %s, not %s", ErrInvalidHandle, buf, b.device, device)
	}
	return nil
}

// Bytes exposes the host memory behind buf for uploads and readback.
func (c *CPUBackend) Bytes(buf BufferID) ([]byte, error) {
	b, ok := c.buffers.Get(uintptr(buf))
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s", ErrInvalidHandle, buf)
	}
	return b.data, nil
}

// LiveBuffers returns the number of allocations not yet released.
func (c *CPUBackend) LiveBuffers() int { return c.buffers.Len() }

// LiveKernels returns the number of kernels not yet released.
func (c *CPUBackend) LiveKernels() int { return c.kernels.Len() }

// Compile implements Backend.
func (c *CPUBackend) Compile(_ context.Context, device DeviceID, req CompileRequest) (KernelID, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	if err := c.checkDevice(device); err != nil {
		return 0, err
	}
	if !declaresEntry(req.Source, req.Entry) {
		return 0, &CompileError{
			Entry:      req.Entry,
			Precision:  req.Precision,
			Diagnostic: fmt.Sprintf("entry point %q is not declared in source", req.Entry),
		}
	}
	fn, ok := lookupCPUKernel(req.Entry)
	if !ok {
		return 0, &CompileError{
			Entry:      req.Entry,
			Precision:  req.Precision,
			Diagnostic: fmt.Sprintf("no host implementation registered for %q", req.Entry),
		}
	}
	k := &cpuKernel{device: device, entry: req.Entry, precision: req.Precision, fn: fn}
	id := KernelID(c.kernels.Put(k))
	c.logger.Debug("Compiled host kernel", zap.String("entry", req.Entry), zap.Stringer("precision", req.Precision))
	return id, nil
}

// declaresEntry reports whether src contains entry as a whole identifier.
func declaresEntry(src, entry string) bool {
	if entry == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(src[i:], entry)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(entry)
		if (start == 0 || !isIdent(src[start-1])) && (end == len(src) || !isIdent(src[end])) {
			return true
		}
		i = end
	}
}

func isIdent(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// ReleaseKernel implements Backend.
func (c *CPUBackend) ReleaseKernel(kernel KernelID) error {
	if _, ok := c.kernels.Take(uintptr(kernel)); !ok {
		return fmt.Errorf("%w: release of unknown %s", ErrInvalidHandle, kernel)
	}
	return nil
}

// Launch runs every thread of the grid on a bounded worker group and returns
// once all of them finished.
func (c *CPUBackend) Launch(_ context.Context, l Launch) (Submission, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if err := c.ready(); err != nil {
		return nil, err
	}
	k, ok := c.kernels.Get(uintptr(l.Kernel))
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s", ErrInvalidHandle, l.Kernel)
	}
	if k.device != l.Device {
		return nil, fmt.Errorf("%w: %s was compiled for %s", ErrInvalidHandle, l.Kernel, k.device)
	}
	if owner, ok := c.queues.Get(uintptr(l.Queue)); !ok || owner != l.Device {
		return nil, fmt.Errorf("%w: %s is not a queue of %s", ErrInvalidHandle, l.Queue, l.Device)
	}

	var slots [ArgumentSlots][]byte
	for i, arg := range l.Args {
		data, err := c.argBytes(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d: %v", ErrDispatch, i, err)
		}
		slots[i] = data
	}
	inv := &CPUInvocation{
		Precision: k.precision,
		outgoing:  slots[0],
		incoming:  slots[1],
		dest:      slots[2],
		Params:    slots[3],
		User:      slots[4],
	}

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(c.workers)
	for gy := uint32(0); gy < l.Grid.Y; gy++ {
		gy := gy
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: kernel %s panicked: %v", ErrDispatch, k.entry, r)
				}
			}()
			for ty := uint32(0); ty < l.Block.Y; ty++ {
				y := gy*l.Block.Y + ty
				for gx := uint32(0); gx < l.Grid.X; gx++ {
					for tx := uint32(0); tx < l.Block.X; tx++ {
						k.fn(inv, gx*l.Block.X+tx, y)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cpuSubmission{elapsed: time.Since(start)}, nil
}

func (c *CPUBackend) argBytes(arg Arg) ([]byte, error) {
	if !arg.IsBuffer() {
		return arg.Value, nil
	}
	if arg.Buffer.IsZero() {
		return nil, fmt.Errorf("%w: null buffer", ErrInvalidHandle)
	}
	return c.Bytes(arg.Buffer)
}
