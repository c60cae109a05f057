package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Backend preference names accepted by NewManager.
const (
	PreferAuto   = "auto"
	PreferCPU    = "cpu"
	PreferCUDA   = "cuda"
	PreferMetal  = "metal"
	PreferWebGPU = "webgpu"
)

// Manager handles GPU backend selection and lifecycle
type Manager struct {
	backend Backend
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager creates a new GPU manager and selects a backend. "auto" tries
// Metal, CUDA and WebGPU in that order and falls back to the CPU backend;
// naming a specific backend fails if it cannot be initialized.
func NewManager(logger *zap.Logger, preference string) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger}
	if err := m.detectAndInitialize(preference); err != nil {
		return nil, err
	}
	return m, nil
}

// NewBackend constructs, without initializing, the backend registered under
// name. Backends compiled out of this binary are reported as unavailable.
func NewBackend(name string, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger}
	var b Backend
	switch name {
	case PreferCPU:
		b = NewCPUBackend(logger)
	case PreferCUDA:
		b = m.tryCreateCUDABackend()
	case PreferMetal:
		b = m.tryCreateMetalBackend()
	case PreferWebGPU:
		b = m.tryCreateWebGPUBackend()
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, name)
	}
	return b, nil
}

func candidates(preference string) ([]string, error) {
	switch preference {
	case "", PreferAuto:
		return []string{PreferMetal, PreferCUDA, PreferWebGPU, PreferCPU}, nil
	case PreferCPU, PreferCUDA, PreferMetal, PreferWebGPU:
		return []string{preference}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", preference)
	}
}

// detectAndInitialize detects available backends and initializes the best one
func (m *Manager) detectAndInitialize(preference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := candidates(preference)
	if err != nil {
		return err
	}
	for _, name := range names {
		backend, err := NewBackend(name, m.logger)
		if err != nil {
			m.logger.Debug("Backend not compiled in", zap.String("backend", name))
			continue
		}
		if !backend.IsAvailable() {
			continue
		}
		if err := backend.Initialize(); err != nil {
			m.logger.Warn("Backend initialization failed", zap.String("backend", backend.Name()), zap.Error(err))
			_ = backend.Cleanup()
			continue
		}
		m.backend = backend
		m.logger.Info("Using GPU backend", zap.String("backend", backend.Name()))
		return nil
	}
	return fmt.Errorf("%w: %s (compiled without support or no device)", ErrBackendUnavailable, preference)
}

// GetBackend returns the current backend
func (m *Manager) GetBackend() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// GetDeviceInfo returns device information from the current backend
func (m *Manager) GetDeviceInfo() DeviceInfo {
	backend := m.GetBackend()
	if backend == nil {
		return DeviceInfo{Name: "No backend available"}
	}
	return backend.GetDeviceInfo()
}

// IsGPUAvailable returns true if a GPU backend is active
func (m *Manager) IsGPUAvailable() bool {
	backend := m.GetBackend()
	if backend == nil {
		return false
	}
	_, isCPU := backend.(*CPUBackend)
	return !isCPU
}

// Cleanup releases resources held by the current backend. Cached buffers and
// kernels must have been released through their caches first.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.Cleanup(); err != nil {
			return err
		}
		m.backend = nil
	}
	return nil
}

// GetBackendType returns a string describing the current backend type
func (m *Manager) GetBackendType() string {
	backend := m.GetBackend()
	if backend == nil {
		return "none"
	}
	return backend.Name()
}

// Handles are the native handles a host passes in a dispatch configuration.
type Handles struct {
	Device  DeviceID
	Context ContextID
	Queue   QueueID
}

// DefaultHandles returns the device, context and queue minted by backends
// that own their devices. Context stays zero unless the backend is
// context-bound. Hosts that pass their own handles do not need this.
func DefaultHandles(b Backend) (Handles, error) {
	type owner interface {
		DefaultDevice() DeviceID
		DefaultQueue() QueueID
	}
	type contextOwner interface {
		DefaultContext() (ContextID, error)
	}
	o, ok := b.(owner)
	if !ok {
		return Handles{}, fmt.Errorf("%w: backend %s does not own a default device", ErrInvalidHandle, b.Name())
	}
	h := Handles{Device: o.DefaultDevice(), Queue: o.DefaultQueue()}
	if co, ok := b.(contextOwner); ok {
		ctx, err := co.DefaultContext()
		if err != nil {
			return Handles{}, err
		}
		h.Context = ctx
	}
	return h, nil
}
