//go:build metal && darwin
// +build metal,darwin

package gpu

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework Metal -framework Foundation
#import <Metal/Metal.h>
#include <stdlib.h>
#include <string.h>

static char* mtl_diag(NSError* err, const char* fallback) {
	if (err == nil) {
		return strdup(fallback);
	}
	NSString* msg = [NSString stringWithFormat:@"%@ (%ld): %@", err.domain, (long)err.code, err.localizedDescription];
	if (err.localizedFailureReason != nil) {
		msg = [msg stringByAppendingFormat:@"\nFailureReason: %@", err.localizedFailureReason];
	}
	return strdup(msg.UTF8String);
}

static void* mtl_default_device(void) {
	id<MTLDevice> dev = MTLCreateSystemDefaultDevice();
	return (__bridge_retained void*)dev;
}

static void* mtl_new_queue(void* device) {
	id<MTLDevice> dev = (__bridge id<MTLDevice>)device;
	return (__bridge_retained void*)[dev newCommandQueue];
}

static const char* mtl_device_name(void* device) {
	id<MTLDevice> dev = (__bridge id<MTLDevice>)device;
	return dev.name.UTF8String;
}

static unsigned long long mtl_device_memory(void* device) {
	id<MTLDevice> dev = (__bridge id<MTLDevice>)device;
	return dev.recommendedMaxWorkingSetSize;
}

static void* mtl_new_buffer(void* device, unsigned long long length) {
	id<MTLDevice> dev = (__bridge id<MTLDevice>)device;
	id<MTLBuffer> buf = [dev newBufferWithLength:length options:MTLResourceStorageModeShared];
	return (__bridge_retained void*)buf;
}

static void* mtl_new_buffer_with_bytes(void* device, const void* bytes, unsigned long long length) {
	id<MTLDevice> dev = (__bridge id<MTLDevice>)device;
	id<MTLBuffer> buf = [dev newBufferWithBytes:bytes length:length options:MTLResourceStorageModeShared];
	return (__bridge_retained void*)buf;
}

static void mtl_release(void* obj) {
	if (obj != NULL) {
		CFRelease(obj);
	}
}

static void* mtl_compile(void* device, const char* src, const char* entry, int half, char** diag) {
	@autoreleasepool {
		id<MTLDevice> dev = (__bridge id<MTLDevice>)device;
		MTLCompileOptions* opts = [MTLCompileOptions new];
		if (half) {
			opts.preprocessorMacros = @{@"USE_HALF_PRECISION": @1};
		}
		NSError* err = nil;
		id<MTLLibrary> lib = [dev newLibraryWithSource:[NSString stringWithUTF8String:src] options:opts error:&err];
		if (lib == nil) {
			*diag = mtl_diag(err, "newLibraryWithSource failed");
			return NULL;
		}
		id<MTLFunction> fn = [lib newFunctionWithName:[NSString stringWithUTF8String:entry]];
		if (fn == nil) {
			*diag = strdup("function not found in library");
			return NULL;
		}
		id<MTLComputePipelineState> pso = [dev newComputePipelineStateWithFunction:fn error:&err];
		if (pso == nil) {
			*diag = mtl_diag(err, "newComputePipelineStateWithFunction failed");
			return NULL;
		}
		return (__bridge_retained void*)pso;
	}
}

static void mtl_preferred_shape(void* pipeline, unsigned long* w, unsigned long* h) {
	id<MTLComputePipelineState> pso = (__bridge id<MTLComputePipelineState>)pipeline;
	unsigned long tew = pso.threadExecutionWidth;
	unsigned long max = pso.maxTotalThreadsPerThreadgroup;
	if (tew == 0) {
		tew = 1;
	}
	unsigned long th = max / tew;
	if (th < 1) {
		th = 1;
	}
	if (th > 16) {
		th = 16;
	}
	*w = tew;
	*h = th;
}

static int mtl_dispatch(void* queue, void* pipeline, void** buffers, int count,
                        unsigned long gx, unsigned long gy, unsigned long bx, unsigned long by,
                        double* gpu_seconds, char** diag) {
	@autoreleasepool {
		id<MTLCommandQueue> q = (__bridge id<MTLCommandQueue>)queue;
		id<MTLComputePipelineState> pso = (__bridge id<MTLComputePipelineState>)pipeline;
		id<MTLCommandBuffer> cmd = [q commandBuffer];
		if (cmd == nil) {
			*diag = strdup("failed to create command buffer");
			return 1;
		}
		id<MTLComputeCommandEncoder> enc = [cmd computeCommandEncoder];
		if (enc == nil) {
			*diag = strdup("failed to create command encoder");
			return 1;
		}
		[enc setComputePipelineState:pso];
		for (int i = 0; i < count; i++) {
			[enc setBuffer:(__bridge id<MTLBuffer>)buffers[i] offset:0 atIndex:i];
		}
		[enc dispatchThreadgroups:MTLSizeMake(gx, gy, 1) threadsPerThreadgroup:MTLSizeMake(bx, by, 1)];
		[enc endEncoding];
		[cmd commit];
		[cmd waitUntilCompleted];
		if (cmd.status == MTLCommandBufferStatusError) {
			*diag = mtl_diag(cmd.error, "command buffer failed");
			return 1;
		}
		*gpu_seconds = cmd.GPUEndTime - cmd.GPUStartTime;
		return 0;
	}
}
*/
import "C"

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"go.uber.org/zap"
)

// MetalBackend implements Backend using Apple Metal. Device, queue and buffer
// handles are retained Objective-C object pointers.
type MetalBackend struct {
	logger      *zap.Logger
	initialized bool
	available   bool
	deviceInfo  DeviceInfo
	device      DeviceID
	queue       QueueID
}

type metalSubmission struct {
	elapsed time.Duration
	err     error
}

func (s metalSubmission) GPUElapsed() (time.Duration, error) { return s.elapsed, s.err }

// NewMetalBackend creates a new Metal backend instance
func NewMetalBackend(logger *zap.Logger) *MetalBackend {
	backend := &MetalBackend{logger: logger.Named("metal")}

	if err := backend.checkDevice(); err != nil {
		backend.logger.Warn("Metal device not available", zap.Error(err))
		backend.available = false
	} else {
		backend.available = true
	}

	return backend
}

func ptr[T ~uintptr](h T) unsafe.Pointer { return unsafe.Pointer(uintptr(h)) }

func takeDiag(diag *C.char) string {
	if diag == nil {
		return ""
	}
	defer C.free(unsafe.Pointer(diag))
	return C.GoString(diag)
}

func (m *MetalBackend) checkDevice() error {
	dev := C.mtl_default_device()
	if dev == nil {
		return fmt.Errorf("no Metal-capable device found")
	}
	m.device = DeviceID(uintptr(dev))
	return nil
}

// Name implements Backend.
func (m *MetalBackend) Name() string { return "metal" }

// Dialect implements Backend.
func (m *MetalBackend) Dialect() Dialect { return DialectMetal }

// IsAvailable checks if Metal is available
func (m *MetalBackend) IsAvailable() bool { return m.available }

// GetDeviceInfo returns information about the Metal device
func (m *MetalBackend) GetDeviceInfo() DeviceInfo { return m.deviceInfo }

// DefaultDevice returns the system default MTLDevice.
func (m *MetalBackend) DefaultDevice() DeviceID { return m.device }

// DefaultQueue returns the command queue created by Initialize.
func (m *MetalBackend) DefaultQueue() QueueID { return m.queue }

// Initialize prepares the Metal backend for use
func (m *MetalBackend) Initialize() error {
	if !m.available {
		return fmt.Errorf("%w: Metal device not available", ErrBackendUnavailable)
	}
	if m.initialized {
		return nil
	}
	queue := C.mtl_new_queue(ptr(m.device))
	if queue == nil {
		return fmt.Errorf("failed to create Metal command queue")
	}
	m.queue = QueueID(uintptr(queue))
	m.deviceInfo = DeviceInfo{
		Name:              C.GoString(C.mtl_device_name(ptr(m.device))),
		TotalMemory:       int64(C.mtl_device_memory(ptr(m.device))),
		ComputeCapability: "metal",
	}
	m.initialized = true
	m.logger.Info("Metal backend initialized",
		zap.String("device", m.deviceInfo.Name),
		zap.Float64("working_set_gb", float64(m.deviceInfo.TotalMemory)/(1<<30)))
	return nil
}

// Cleanup releases the default queue.
func (m *MetalBackend) Cleanup() error {
	if !m.initialized {
		return nil
	}
	C.mtl_release(ptr(m.queue))
	m.queue = 0
	m.initialized = false
	return nil
}

// Allocate implements Backend with a shared-storage MTLBuffer.
func (m *MetalBackend) Allocate(_ context.Context, device DeviceID, length uint64) (BufferID, error) {
	buf := C.mtl_new_buffer(ptr(device), C.ulonglong(length))
	if buf == nil {
		return 0, fmt.Errorf("%w: newBufferWithLength(%d)", ErrAllocation, length)
	}
	return BufferID(uintptr(buf)), nil
}

// ReleaseBuffer implements Backend.
func (m *MetalBackend) ReleaseBuffer(_ DeviceID, buf BufferID) error {
	if buf.IsZero() {
		return fmt.Errorf("%w: null buffer", ErrInvalidHandle)
	}
	C.mtl_release(ptr(buf))
	return nil
}

// StageValue implements ValueStager.
func (m *MetalBackend) StageValue(_ context.Context, device DeviceID, data []byte) (BufferID, error) {
	if len(data) == 0 {
		data = make([]byte, 16)
	}
	cdata := C.CBytes(data)
	defer C.free(cdata)
	buf := C.mtl_new_buffer_with_bytes(ptr(device), cdata, C.ulonglong(len(data)))
	if buf == nil {
		return 0, fmt.Errorf("%w: newBufferWithBytes(%d)", ErrAllocation, len(data))
	}
	return BufferID(uintptr(buf)), nil
}

// ReleaseStaged implements ValueStager.
func (m *MetalBackend) ReleaseStaged(device DeviceID, buf BufferID) error {
	return m.ReleaseBuffer(device, buf)
}

// Compile builds a library and pipeline state for one precision. The half
// variant is selected with a preprocessor macro rather than source edits.
func (m *MetalBackend) Compile(_ context.Context, device DeviceID, req CompileRequest) (KernelID, error) {
	csrc := C.CString(req.Source)
	defer C.free(unsafe.Pointer(csrc))
	centry := C.CString(req.Entry)
	defer C.free(unsafe.Pointer(centry))
	half := C.int(0)
	if req.Precision == PrecisionHalf {
		half = 1
	}
	var diag *C.char
	pso := C.mtl_compile(ptr(device), csrc, centry, half, &diag)
	if pso == nil {
		return 0, &CompileError{Entry: req.Entry, Precision: req.Precision, Diagnostic: takeDiag(diag)}
	}
	return KernelID(uintptr(pso)), nil
}

// ReleaseKernel implements Backend.
func (m *MetalBackend) ReleaseKernel(kernel KernelID) error {
	if kernel.IsZero() {
		return fmt.Errorf("%w: null kernel", ErrInvalidHandle)
	}
	C.mtl_release(ptr(kernel))
	return nil
}

// PreferredBlockShape implements BlockShaper from the pipeline's execution width.
func (m *MetalBackend) PreferredBlockShape(kernel KernelID) (Dim, error) {
	var w, h C.ulong
	C.mtl_preferred_shape(ptr(kernel), &w, &h)
	return Dim{X: uint32(w), Y: uint32(h)}, nil
}

// Launch implements Backend. Value slots are staged into transient buffers
// when the caller did not stage them already.
func (m *MetalBackend) Launch(ctx context.Context, l Launch) (Submission, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	buffers := (*[ArgumentSlots]unsafe.Pointer)(C.malloc(C.size_t(ArgumentSlots) * C.size_t(unsafe.Sizeof(uintptr(0)))))
	defer C.free(unsafe.Pointer(buffers))
	for i, arg := range l.Args {
		buf := arg.Buffer
		if !arg.IsBuffer() {
			staged, err := m.StageValue(ctx, l.Device, arg.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: slot %d: %v", ErrDispatch, i, err)
			}
			defer m.ReleaseStaged(l.Device, staged)
			buf = staged
		}
		buffers[i] = ptr(buf)
	}

	var seconds C.double
	var diag *C.char
	if rc := C.mtl_dispatch(ptr(l.Queue), ptr(l.Kernel), &buffers[0], C.int(ArgumentSlots),
		C.ulong(l.Grid.X), C.ulong(l.Grid.Y), C.ulong(l.Block.X), C.ulong(l.Block.Y), &seconds, &diag); rc != 0 {
		return nil, fmt.Errorf("%w: %s", ErrDispatch, takeDiag(diag))
	}
	if seconds <= 0 {
		return metalSubmission{err: fmt.Errorf("%w: GPUStartTime/GPUEndTime not reported", ErrTimingUnavailable)}, nil
	}
	return metalSubmission{elapsed: time.Duration(float64(seconds) * float64(time.Second))}, nil
}
