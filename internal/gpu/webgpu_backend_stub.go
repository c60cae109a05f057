//go:build !webgpu
// +build !webgpu

package gpu

import (
	"context"

	"go.uber.org/zap"
)

// WebGPUBackend is a stub type when the webgpu build tag is not set
type WebGPUBackend struct {
	logger *zap.Logger
}

func (w *WebGPUBackend) Name() string              { return "webgpu" }
func (w *WebGPUBackend) Dialect() Dialect          { return DialectWGSL }
func (w *WebGPUBackend) IsAvailable() bool         { return false }
func (w *WebGPUBackend) Initialize() error         { return ErrBackendUnavailable }
func (w *WebGPUBackend) Cleanup() error            { return nil }
func (w *WebGPUBackend) GetDeviceInfo() DeviceInfo { return DeviceInfo{Name: "WebGPU not available"} }

func (w *WebGPUBackend) Allocate(context.Context, DeviceID, uint64) (BufferID, error) {
	return 0, ErrBackendUnavailable
}

func (w *WebGPUBackend) ReleaseBuffer(DeviceID, BufferID) error { return ErrBackendUnavailable }

func (w *WebGPUBackend) Compile(context.Context, DeviceID, CompileRequest) (KernelID, error) {
	return 0, ErrBackendUnavailable
}

func (w *WebGPUBackend) ReleaseKernel(KernelID) error { return ErrBackendUnavailable }

func (w *WebGPUBackend) Launch(context.Context, Launch) (Submission, error) {
	return nil, ErrBackendUnavailable
}
