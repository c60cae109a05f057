//go:build cuda
// +build cuda

package gpu

/*
#cgo LDFLAGS: -lcuda -lnvrtc
#include <cuda.h>
#include <nvrtc.h>
#include <stdlib.h>

static const char* cu_error_string(CUresult r) {
	const char* s = NULL;
	cuGetErrorString(r, &s);
	return s ? s : "unknown CUDA error";
}

static CUresult cu_launch(CUfunction fn, unsigned gx, unsigned gy, unsigned bx, unsigned by, CUstream stream, void** params) {
	return cuLaunchKernel(fn, gx, gy, 1, bx, by, 1, 0, stream, params, NULL);
}
*/
import "C"

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"
)

// CUDADevice converts a device ordinal to a DeviceID. Ordinals are offset by
// one so that the zero handle stays invalid.
func CUDADevice(ordinal int) DeviceID { return DeviceID(ordinal + 1) }

func (d DeviceID) cuDevice() C.CUdevice { return C.CUdevice(int(d) - 1) }

// CUDABackend implements Backend using the CUDA driver API and NVRTC.
type CUDABackend struct {
	logger      *zap.Logger
	mu          sync.Mutex
	initialized bool
	available   bool
	deviceInfo  DeviceInfo

	stream   QueueID
	contexts map[DeviceID]C.CUcontext
	modules  map[KernelID]C.CUmodule
}

var (
	_ ContextBound = (*CUDABackend)(nil)
	_ HintProvider = (*CUDABackend)(nil)
)

type cudaSubmission struct {
	elapsed time.Duration
	err     error
}

func (s cudaSubmission) GPUElapsed() (time.Duration, error) { return s.elapsed, s.err }

// NewCUDABackend creates a new CUDA backend instance
func NewCUDABackend(logger *zap.Logger) *CUDABackend {
	backend := &CUDABackend{
		logger:   logger.Named("cuda"),
		contexts: make(map[DeviceID]C.CUcontext),
		modules:  make(map[KernelID]C.CUmodule),
	}

	if err := backend.checkDevice(); err != nil {
		backend.logger.Warn("CUDA device not available", zap.Error(err))
		backend.available = false
	} else {
		backend.available = true
	}

	return backend
}

func check(res C.CUresult, what string) error {
	if res == C.CUDA_SUCCESS {
		return nil
	}
	return fmt.Errorf("%s: %s", what, C.GoString(C.cu_error_string(res)))
}

// Name implements Backend.
func (c *CUDABackend) Name() string { return "cuda" }

// Dialect implements Backend.
func (c *CUDABackend) Dialect() Dialect { return DialectCUDA }

// DefaultDevice returns device ordinal 0.
func (c *CUDABackend) DefaultDevice() DeviceID { return CUDADevice(0) }

// DefaultQueue returns the stream created by Initialize.
func (c *CUDABackend) DefaultQueue() QueueID { return c.stream }

// IsAvailable checks if CUDA is available
func (c *CUDABackend) IsAvailable() bool { return c.available }

// GetDeviceInfo returns information about the CUDA device
func (c *CUDABackend) GetDeviceInfo() DeviceInfo { return c.deviceInfo }

func (c *CUDABackend) checkDevice() error {
	if err := check(C.cuInit(0), "cuInit"); err != nil {
		return err
	}
	var count C.int
	if err := check(C.cuDeviceGetCount(&count), "cuDeviceGetCount"); err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("no CUDA device")
	}
	return nil
}

// Initialize prepares the CUDA backend for use
func (c *CUDABackend) Initialize() error {
	if !c.available {
		return fmt.Errorf("%w: CUDA device not available", ErrBackendUnavailable)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	dev := CUDADevice(0)
	var name [256]C.char
	if err := check(C.cuDeviceGetName(&name[0], C.int(len(name)), dev.cuDevice()), "cuDeviceGetName"); err != nil {
		return err
	}
	var total C.size_t
	if err := check(C.cuDeviceTotalMem(&total, dev.cuDevice()), "cuDeviceTotalMem"); err != nil {
		return err
	}
	major, minor, err := computeCapability(dev)
	if err != nil {
		return err
	}
	var driver C.int
	_ = C.cuDriverGetVersion(&driver)

	c.deviceInfo = DeviceInfo{
		Name:              C.GoString(&name[0]),
		TotalMemory:       int64(total),
		ComputeCapability: fmt.Sprintf("%d.%d", major, minor),
		DriverVersion:     fmt.Sprintf("%d.%d", int(driver)/1000, (int(driver)%1000)/10),
	}
	c.initialized = true
	c.mu.Unlock()
	unbind, err := c.bind(dev)
	c.mu.Lock()
	if err != nil {
		c.initialized = false
		return err
	}
	var stream C.CUstream
	err = check(C.cuStreamCreate(&stream, C.CU_STREAM_NON_BLOCKING), "cuStreamCreate")
	unbind()
	if err != nil {
		c.initialized = false
		return err
	}
	c.stream = QueueID(uintptr(unsafe.Pointer(stream)))
	c.logger.Info("CUDA backend initialized",
		zap.String("device", c.deviceInfo.Name),
		zap.String("compute_capability", c.deviceInfo.ComputeCapability),
		zap.Float64("total_memory_gb", float64(c.deviceInfo.TotalMemory)/(1<<30)))
	return nil
}

// Cleanup releases the primary contexts retained by this backend.
func (c *CUDABackend) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil
	}
	var firstErr error
	if !c.stream.IsZero() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if ctx, ok := c.contexts[CUDADevice(0)]; ok {
			_ = C.cuCtxSetCurrent(ctx)
		}
		firstErr = check(C.cuStreamDestroy(C.CUstream(unsafe.Pointer(uintptr(c.stream)))), "cuStreamDestroy")
		c.stream = 0
	}
	for dev := range c.contexts {
		if err := check(C.cuDevicePrimaryCtxRelease(dev.cuDevice()), "cuDevicePrimaryCtxRelease"); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.contexts, dev)
	}
	c.initialized = false
	return firstErr
}

func computeCapability(dev DeviceID) (int, int, error) {
	var major, minor C.int
	if err := check(C.cuDeviceGetAttribute(&major, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR, dev.cuDevice()), "cuDeviceGetAttribute(MAJOR)"); err != nil {
		return 0, 0, err
	}
	if err := check(C.cuDeviceGetAttribute(&minor, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR, dev.cuDevice()), "cuDeviceGetAttribute(MINOR)"); err != nil {
		return 0, 0, err
	}
	return int(major), int(minor), nil
}

// primary retains the primary context of dev once and returns it.
func (c *CUDABackend) primary(dev DeviceID) (C.CUcontext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.contexts[dev]
	if !ok {
		if err := check(C.cuDevicePrimaryCtxRetain(&ctx, dev.cuDevice()), "cuDevicePrimaryCtxRetain"); err != nil {
			return nil, err
		}
		c.contexts[dev] = ctx
	}
	return ctx, nil
}

// bind makes the primary context of dev current on the locked OS thread.
// Modules, buffers and the stream all live in that context. The returned
// func unlocks the thread.
func (c *CUDABackend) bind(dev DeviceID) (func(), error) {
	ctx, err := c.primary(dev)
	if err != nil {
		return nil, err
	}
	runtime.LockOSThread()
	if err := check(C.cuCtxSetCurrent(ctx), "cuCtxSetCurrent"); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return runtime.UnlockOSThread, nil
}

// RequiresContext implements ContextBound. Every dispatch must name the
// context it runs in.
func (c *CUDABackend) RequiresContext() bool { return true }

// DefaultContext returns the primary context of the default device, the only
// context launches are accepted in.
func (c *CUDABackend) DefaultContext() (ContextID, error) {
	ctx, err := c.primary(c.DefaultDevice())
	if err != nil {
		return 0, err
	}
	return ContextID(uintptr(unsafe.Pointer(ctx))), nil
}

// checkContext rejects a launch in any context other than the device's
// primary one, since cached modules were loaded there.
func (c *CUDABackend) checkContext(dev DeviceID, ctx ContextID) error {
	if ctx.IsZero() {
		return fmt.Errorf("%w: CUDA launch without a context", ErrInvalidHandle)
	}
	primary, err := c.primary(dev)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	if ContextID(uintptr(unsafe.Pointer(primary))) != ctx {
		return fmt.Errorf("%w: context %s is not the primary context of device %s", ErrInvalidHandle, ctx, dev)
	}
	return nil
}

// Allocate implements Backend.
func (c *CUDABackend) Allocate(_ context.Context, device DeviceID, length uint64) (BufferID, error) {
	unbind, err := c.bind(device)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	defer unbind()
	var ptr C.CUdeviceptr
	if err := check(C.cuMemAlloc(&ptr, C.size_t(length)), "cuMemAlloc"); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	return BufferID(ptr), nil
}

// ReleaseBuffer implements Backend.
func (c *CUDABackend) ReleaseBuffer(device DeviceID, buf BufferID) error {
	unbind, err := c.bind(device)
	if err != nil {
		return err
	}
	defer unbind()
	return check(C.cuMemFree(C.CUdeviceptr(buf)), "cuMemFree")
}

// CompileHints implements HintProvider with the device's virtual architecture.
func (c *CUDABackend) CompileHints(_ context.Context, device DeviceID) ([]string, error) {
	major, minor, err := computeCapability(device)
	if err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("--gpu-architecture=compute_%d%d", major, minor)}, nil
}

// Compile builds PTX with NVRTC and loads it as a module on device.
func (c *CUDABackend) Compile(_ context.Context, device DeviceID, req CompileRequest) (KernelID, error) {
	src := req.Source
	if req.Precision == PrecisionHalf {
		src = "#define " + HalfPrecisionMacro + " 1\n" + src
	}
	ptx, diag, err := nvrtcCompile(src, req.Entry, req.Hints)
	if err != nil {
		return 0, &CompileError{Entry: req.Entry, Precision: req.Precision, Diagnostic: diag, Err: err}
	}

	unbind, err := c.bind(device)
	if err != nil {
		return 0, &CompileError{Entry: req.Entry, Precision: req.Precision, Diagnostic: "context", Err: err}
	}
	defer unbind()

	cptx := C.CString(ptx)
	defer C.free(unsafe.Pointer(cptx))
	var module C.CUmodule
	if err := check(C.cuModuleLoadData(&module, unsafe.Pointer(cptx)), "cuModuleLoadData"); err != nil {
		return 0, &CompileError{Entry: req.Entry, Precision: req.Precision, Diagnostic: err.Error()}
	}
	cname := C.CString(req.Entry)
	defer C.free(unsafe.Pointer(cname))
	var fn C.CUfunction
	if err := check(C.cuModuleGetFunction(&fn, module, cname), "cuModuleGetFunction"); err != nil {
		_ = C.cuModuleUnload(module)
		return 0, &CompileError{Entry: req.Entry, Precision: req.Precision, Diagnostic: err.Error()}
	}

	id := KernelID(uintptr(unsafe.Pointer(fn)))
	c.mu.Lock()
	c.modules[id] = module
	c.mu.Unlock()
	return id, nil
}

func nvrtcCompile(src, entry string, hints []string) (string, string, error) {
	csrc := C.CString(src)
	defer C.free(unsafe.Pointer(csrc))
	cname := C.CString(entry + ".cu")
	defer C.free(unsafe.Pointer(cname))

	var prog C.nvrtcProgram
	if res := C.nvrtcCreateProgram(&prog, csrc, cname, 0, nil, nil); res != C.NVRTC_SUCCESS {
		return "", "", fmt.Errorf("nvrtcCreateProgram: %s", C.GoString(C.nvrtcGetErrorString(res)))
	}
	defer C.nvrtcDestroyProgram(&prog)

	opts := make([]*C.char, len(hints))
	for i, h := range hints {
		opts[i] = C.CString(h)
		defer C.free(unsafe.Pointer(opts[i]))
	}
	var optPtr **C.char
	if len(opts) > 0 {
		optPtr = (**C.char)(C.malloc(C.size_t(len(opts)) * C.size_t(unsafe.Sizeof(uintptr(0)))))
		defer C.free(unsafe.Pointer(optPtr))
		copy(unsafe.Slice(optPtr, len(opts)), opts)
	}

	res := C.nvrtcCompileProgram(prog, C.int(len(opts)), optPtr)
	if res != C.NVRTC_SUCCESS {
		var logSize C.size_t
		C.nvrtcGetProgramLogSize(prog, &logSize)
		logBuf := make([]byte, int(logSize))
		if logSize > 0 {
			C.nvrtcGetProgramLog(prog, (*C.char)(unsafe.Pointer(&logBuf[0])))
		}
		return "", strings.TrimRight(string(logBuf), "\x00\n"), fmt.Errorf("nvrtcCompileProgram: %s", C.GoString(C.nvrtcGetErrorString(res)))
	}

	var ptxSize C.size_t
	C.nvrtcGetPTXSize(prog, &ptxSize)
	ptx := make([]byte, int(ptxSize))
	C.nvrtcGetPTX(prog, (*C.char)(unsafe.Pointer(&ptx[0])))
	return strings.TrimRight(string(ptx), "\x00"), "", nil
}

// ReleaseKernel unloads the module that owns kernel.
func (c *CUDABackend) ReleaseKernel(kernel KernelID) error {
	c.mu.Lock()
	module, ok := c.modules[kernel]
	delete(c.modules, kernel)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: release of unknown %s", ErrInvalidHandle, kernel)
	}
	return check(C.cuModuleUnload(module), "cuModuleUnload")
}

// Launch implements Backend. Arguments are copied into C memory because the
// driver reads them through a void** array.
func (c *CUDABackend) Launch(_ context.Context, l Launch) (Submission, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if err := c.checkContext(l.Device, l.Context); err != nil {
		return nil, err
	}
	unbind, err := c.bind(l.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	defer unbind()

	params := (*[ArgumentSlots]unsafe.Pointer)(C.malloc(C.size_t(ArgumentSlots) * C.size_t(unsafe.Sizeof(uintptr(0)))))
	defer C.free(unsafe.Pointer(params))
	for i, arg := range l.Args {
		var mem unsafe.Pointer
		if arg.IsBuffer() {
			mem = C.malloc(C.size_t(8))
			*(*C.CUdeviceptr)(mem) = C.CUdeviceptr(arg.Buffer)
		} else {
			mem = C.CBytes(arg.Value)
		}
		defer C.free(mem)
		params[i] = mem
	}

	stream := C.CUstream(unsafe.Pointer(uintptr(l.Queue)))
	fn := C.CUfunction(unsafe.Pointer(uintptr(l.Kernel)))

	var start, end C.CUevent
	timed := C.cuEventCreate(&start, C.CU_EVENT_DEFAULT) == C.CUDA_SUCCESS
	if timed {
		defer C.cuEventDestroy(start)
		if timed = C.cuEventCreate(&end, C.CU_EVENT_DEFAULT) == C.CUDA_SUCCESS; timed {
			defer C.cuEventDestroy(end)
		}
	}
	if timed {
		C.cuEventRecord(start, stream)
	}

	if err := check(C.cu_launch(fn, C.uint(l.Grid.X), C.uint(l.Grid.Y), C.uint(l.Block.X), C.uint(l.Block.Y), stream, (*unsafe.Pointer)(unsafe.Pointer(params))), "cuLaunchKernel"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	if !timed {
		if err := check(C.cuStreamSynchronize(stream), "cuStreamSynchronize"); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
		}
		return cudaSubmission{err: fmt.Errorf("%w: event creation failed", ErrTimingUnavailable)}, nil
	}

	C.cuEventRecord(end, stream)
	if err := check(C.cuEventSynchronize(end), "cuEventSynchronize"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	var ms C.float
	if err := check(C.cuEventElapsedTime(&ms, start, end), "cuEventElapsedTime"); err != nil {
		return cudaSubmission{err: fmt.Errorf("%w: %v", ErrTimingUnavailable, err)}, nil
	}
	return cudaSubmission{elapsed: time.Duration(float64(ms) * float64(time.Millisecond))}, nil
}
