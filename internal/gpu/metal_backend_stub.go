//go:build !metal || !darwin
// +build !metal !darwin

package gpu

import (
	"context"

	"go.uber.org/zap"
)

// MetalBackend is a stub type when Metal is not available
type MetalBackend struct {
	logger *zap.Logger
}

func (m *MetalBackend) Name() string              { return "metal" }
func (m *MetalBackend) Dialect() Dialect          { return DialectMetal }
func (m *MetalBackend) IsAvailable() bool         { return false }
func (m *MetalBackend) Initialize() error         { return ErrBackendUnavailable }
func (m *MetalBackend) Cleanup() error            { return nil }
func (m *MetalBackend) GetDeviceInfo() DeviceInfo { return DeviceInfo{Name: "Metal not available"} }

func (m *MetalBackend) Allocate(context.Context, DeviceID, uint64) (BufferID, error) {
	return 0, ErrBackendUnavailable
}

func (m *MetalBackend) ReleaseBuffer(DeviceID, BufferID) error { return ErrBackendUnavailable }

func (m *MetalBackend) Compile(context.Context, DeviceID, CompileRequest) (KernelID, error) {
	return 0, ErrBackendUnavailable
}

func (m *MetalBackend) ReleaseKernel(KernelID) error { return ErrBackendUnavailable }

func (m *MetalBackend) Launch(context.Context, Launch) (Submission, error) {
	return nil, ErrBackendUnavailable
}
