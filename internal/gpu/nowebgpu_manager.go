//go:build !webgpu
// +build !webgpu

package gpu

// tryCreateWebGPUBackend attempts to create a WebGPU backend when webgpu build tag is NOT present
func (m *Manager) tryCreateWebGPUBackend() Backend {
	return nil
}
