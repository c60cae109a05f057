//go:build !cuda
// +build !cuda

package gpu

import (
	"context"

	"go.uber.org/zap"
)

// CUDABackend is a stub type when CUDA is not available
type CUDABackend struct {
	logger *zap.Logger
}

// CUDADevice converts a device ordinal to a DeviceID.
func CUDADevice(ordinal int) DeviceID { return DeviceID(ordinal + 1) }

func (c *CUDABackend) Name() string              { return "cuda" }
func (c *CUDABackend) Dialect() Dialect          { return DialectCUDA }
func (c *CUDABackend) IsAvailable() bool         { return false }
func (c *CUDABackend) Initialize() error         { return ErrBackendUnavailable }
func (c *CUDABackend) Cleanup() error            { return nil }
func (c *CUDABackend) GetDeviceInfo() DeviceInfo { return DeviceInfo{Name: "CUDA not available"} }

func (c *CUDABackend) Allocate(context.Context, DeviceID, uint64) (BufferID, error) {
	return 0, ErrBackendUnavailable
}

func (c *CUDABackend) ReleaseBuffer(DeviceID, BufferID) error { return ErrBackendUnavailable }

func (c *CUDABackend) Compile(context.Context, DeviceID, CompileRequest) (KernelID, error) {
	return 0, ErrBackendUnavailable
}

func (c *CUDABackend) ReleaseKernel(KernelID) error { return ErrBackendUnavailable }

func (c *CUDABackend) Launch(context.Context, Launch) (Submission, error) {
	return nil, ErrBackendUnavailable
}
