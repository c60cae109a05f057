//go:build webgpu
// +build webgpu

package gpu

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"go.uber.org/zap"
)

// WebGPUBackend implements Backend with WGSL compute pipelines. Pipelines are
// implicit objects here: there is no separate module/function pair and the
// thread-group shape is fixed by the shader's @workgroup_size.
type WebGPUBackend struct {
	logger      *zap.Logger
	mu          sync.Mutex
	initialized bool
	available   bool
	deviceInfo  DeviceInfo

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   DeviceID
	queue    QueueID

	devices *HandleTable[*wgpu.Device]
	queues  *HandleTable[*wgpu.Queue]
	buffers *HandleTable[*wgpuBuffer]
	kernels *HandleTable[*wgpuKernel]
}

type wgpuBuffer struct {
	buf  *wgpu.Buffer
	size uint64
}

type wgpuKernel struct {
	shader   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
	block    Dim
}

type wgpuSubmission struct{}

func (wgpuSubmission) GPUElapsed() (time.Duration, error) {
	return 0, fmt.Errorf("%w: timestamp queries are not enabled", ErrTimingUnavailable)
}

// NewWebGPUBackend creates a new WebGPU backend instance
func NewWebGPUBackend(logger *zap.Logger) *WebGPUBackend {
	w := &WebGPUBackend{
		logger:  logger.Named("webgpu"),
		devices: NewHandleTable[*wgpu.Device](),
		queues:  NewHandleTable[*wgpu.Queue](),
		buffers: NewHandleTable[*wgpuBuffer](),
		kernels: NewHandleTable[*wgpuKernel](),
	}
	w.available = w.checkDevice() == nil
	return w
}

func (w *WebGPUBackend) checkDevice() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webgpu: native library not available: %v", r)
			w.logger.Warn("WebGPU not available", zap.Error(err))
		}
	}()
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return err
	}
	adapter.Release()
	return nil
}

// Name implements Backend.
func (w *WebGPUBackend) Name() string { return "webgpu" }

// Dialect implements Backend.
func (w *WebGPUBackend) Dialect() Dialect { return DialectWGSL }

// IsAvailable implements Backend.
func (w *WebGPUBackend) IsAvailable() bool { return w.available }

// GetDeviceInfo implements Backend.
func (w *WebGPUBackend) GetDeviceInfo() DeviceInfo { return w.deviceInfo }

// DefaultDevice returns the handle of the device requested by Initialize.
func (w *WebGPUBackend) DefaultDevice() DeviceID { return w.device }

// DefaultQueue returns the handle of the device's queue.
func (w *WebGPUBackend) DefaultQueue() QueueID { return w.queue }

// Initialize requests an adapter and device and registers their handles.
func (w *WebGPUBackend) Initialize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.initialized {
		return nil
	}
	if !w.available {
		return fmt.Errorf("%w: WebGPU adapter not available", ErrBackendUnavailable)
	}

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return fmt.Errorf("webgpu: failed to request adapter: %w", err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return fmt.Errorf("webgpu: failed to request device: %w", err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return fmt.Errorf("webgpu: failed to get queue")
	}

	w.instance = instance
	w.adapter = adapter
	w.device = DeviceID(w.devices.Put(device))
	w.queue = QueueID(w.queues.Put(queue))
	w.deviceInfo = DeviceInfo{
		Name:              "WebGPU adapter",
		ComputeCapability: "wgsl",
	}
	w.initialized = true
	w.logger.Info("WebGPU backend initialized", zap.String("device", w.deviceInfo.Name))
	return nil
}

// Cleanup releases queue, device, adapter and instance.
func (w *WebGPUBackend) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.initialized {
		return nil
	}
	if q, ok := w.queues.Take(uintptr(w.queue)); ok {
		q.Release()
	}
	if d, ok := w.devices.Take(uintptr(w.device)); ok {
		d.Release()
	}
	w.adapter.Release()
	w.instance.Release()
	w.initialized = false
	return nil
}

func (w *WebGPUBackend) lookupDevice(device DeviceID) (*wgpu.Device, error) {
	d, ok := w.devices.Get(uintptr(device))
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s", ErrInvalidHandle, device)
	}
	return d, nil
}

// Allocate implements Backend with a storage buffer.
func (w *WebGPUBackend) Allocate(_ context.Context, device DeviceID, length uint64) (BufferID, error) {
	d, err := w.lookupDevice(device)
	if err != nil {
		return 0, err
	}
	buf := d.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  length,
	})
	if buf == nil {
		return 0, fmt.Errorf("%w: CreateBuffer(%d)", ErrAllocation, length)
	}
	return BufferID(w.buffers.Put(&wgpuBuffer{buf: buf, size: length})), nil
}

// ReleaseBuffer implements Backend.
func (w *WebGPUBackend) ReleaseBuffer(_ DeviceID, buf BufferID) error {
	b, ok := w.buffers.Take(uintptr(buf))
	if !ok {
		return fmt.Errorf("%w: release of unknown %s", ErrInvalidHandle, buf)
	}
	b.buf.Release()
	return nil
}

// StageValue implements ValueStager with a 16-byte aligned uniform buffer.
func (w *WebGPUBackend) StageValue(_ context.Context, device DeviceID, data []byte) (BufferID, error) {
	d, err := w.lookupDevice(device)
	if err != nil {
		return 0, err
	}
	size := (uint64(len(data)) + 15) &^ 15
	if size == 0 {
		size = 16
	}
	buf := d.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	if buf == nil {
		return 0, fmt.Errorf("%w: uniform buffer(%d)", ErrAllocation, size)
	}
	mapped := unsafe.Slice((*byte)(buf.GetMappedRange(0, size)), size)
	copy(mapped, data)
	buf.Unmap()
	return BufferID(w.buffers.Put(&wgpuBuffer{buf: buf, size: size})), nil
}

// ReleaseStaged implements ValueStager.
func (w *WebGPUBackend) ReleaseStaged(device DeviceID, buf BufferID) error {
	return w.ReleaseBuffer(device, buf)
}

// wgslPrelude replaces the preprocessor macro WGSL lacks.
func wgslPrelude(p Precision) string {
	if p == PrecisionHalf {
		return "enable f16;\nconst " + HalfPrecisionMacro + ": bool = true;\nalias real = f16;\n"
	}
	return "const " + HalfPrecisionMacro + ": bool = false;\nalias real = f32;\n"
}

var workgroupSizeRe = regexp.MustCompile(`@workgroup_size\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?(?:,\s*\d+\s*)?\)`)

// declaredWorkgroupSize returns the @workgroup_size attached to entry.
func declaredWorkgroupSize(src, entry string) (Dim, bool) {
	idx := strings.Index(src, "fn "+entry)
	if idx < 0 {
		return Dim{}, false
	}
	head := src[:idx]
	matches := workgroupSizeRe.FindAllStringSubmatch(head, -1)
	if len(matches) == 0 {
		return Dim{}, false
	}
	m := matches[len(matches)-1]
	x, _ := strconv.Atoi(m[1])
	y := 1
	if m[2] != "" {
		y, _ = strconv.Atoi(m[2])
	}
	return Dim{X: uint32(x), Y: uint32(y)}, true
}

// Compile implements Backend. Shader creation in the binding panics on
// invalid WGSL, which is turned into a CompileError.
func (w *WebGPUBackend) Compile(_ context.Context, device DeviceID, req CompileRequest) (id KernelID, err error) {
	d, err := w.lookupDevice(device)
	if err != nil {
		return 0, err
	}
	block, ok := declaredWorkgroupSize(req.Source, req.Entry)
	if !ok {
		return 0, &CompileError{Entry: req.Entry, Precision: req.Precision, Diagnostic: "entry point has no @workgroup_size"}
	}
	defer func() {
		if r := recover(); r != nil {
			id = 0
			err = &CompileError{Entry: req.Entry, Precision: req.Precision, Diagnostic: fmt.Sprint(r)}
		}
	}()
	shader := d.CreateShaderModuleWGSL(wgslPrelude(req.Precision) + req.Source)
	if shader == nil {
		return 0, &CompileError{Entry: req.Entry, Precision: req.Precision, Diagnostic: "CreateShaderModuleWGSL returned nil"}
	}
	pipeline := d.CreateComputePipelineSimple(nil, shader, req.Entry)
	if pipeline == nil {
		shader.Release()
		return 0, &CompileError{Entry: req.Entry, Precision: req.Precision, Diagnostic: "CreateComputePipelineSimple returned nil"}
	}
	return KernelID(w.kernels.Put(&wgpuKernel{shader: shader, pipeline: pipeline, block: block})), nil
}

// ReleaseKernel implements Backend.
func (w *WebGPUBackend) ReleaseKernel(kernel KernelID) error {
	k, ok := w.kernels.Take(uintptr(kernel))
	if !ok {
		return fmt.Errorf("%w: release of unknown %s", ErrInvalidHandle, kernel)
	}
	k.pipeline.Release()
	k.shader.Release()
	return nil
}

// PreferredBlockShape implements BlockShaper with the shader's declared size.
func (w *WebGPUBackend) PreferredBlockShape(kernel KernelID) (Dim, error) {
	k, ok := w.kernels.Get(uintptr(kernel))
	if !ok {
		return Dim{}, fmt.Errorf("%w: unknown %s", ErrInvalidHandle, kernel)
	}
	return k.block, nil
}

// Launch implements Backend. Completion is awaited by mapping a small
// readback of the destination, which only resolves once the queue drained.
func (w *WebGPUBackend) Launch(ctx context.Context, l Launch) (Submission, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	d, err := w.lookupDevice(l.Device)
	if err != nil {
		return nil, err
	}
	queue, ok := w.queues.Get(uintptr(l.Queue))
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s", ErrInvalidHandle, l.Queue)
	}
	k, ok := w.kernels.Get(uintptr(l.Kernel))
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s", ErrInvalidHandle, l.Kernel)
	}

	entries := make([]wgpu.BindGroupEntry, 0, ArgumentSlots)
	var dest *wgpuBuffer
	for i, arg := range l.Args {
		id := arg.Buffer
		if !arg.IsBuffer() {
			staged, err := w.StageValue(ctx, l.Device, arg.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: slot %d: %v", ErrDispatch, i, err)
			}
			defer w.ReleaseStaged(l.Device, staged)
			id = staged
		}
		b, ok := w.buffers.Get(uintptr(id))
		if !ok {
			return nil, fmt.Errorf("%w: slot %d: unknown %s", ErrInvalidHandle, i, id)
		}
		if i == 2 {
			dest = b
		}
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), b.buf, 0, b.size))
	}

	bindGroup := d.CreateBindGroupSimple(k.pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := d.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(l.Grid.X, l.Grid.Y, 1)
	pass.End()

	const fence = 4
	staging := d.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  fence,
	})
	defer staging.Release()
	encoder.CopyBufferToBuffer(dest.buf, 0, staging, 0, fence)
	cmd := encoder.Finish(nil)
	queue.Submit(cmd)

	if err := staging.MapAsync(d, wgpu.MapModeRead, 0, fence); err != nil {
		return nil, fmt.Errorf("%w: waiting for queue: %v", ErrDispatch, err)
	}
	staging.Unmap()
	return wgpuSubmission{}, nil
}
