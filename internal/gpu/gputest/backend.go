// Package gputest provides a counting gpu.Backend for cache and dispatch tests.
package gputest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxnlabs/gpufx/internal/gpu"
)

// Backend is an in-memory gpu.Backend that records every capability call.
// It implements none of the optional interfaces; wrap it with WithBlockShape,
// WithStaging or WithHints to opt in.
type Backend struct {
	next atomic.Uintptr

	// AllocateDelay widens the window in which concurrent callers could race.
	AllocateDelay time.Duration
	// FailAllocate makes every Allocate fail with gpu.ErrAllocation.
	FailAllocate bool
	// CompileHook, when set, decides the outcome of each Compile.
	CompileHook func(req gpu.CompileRequest) error
	// LaunchErr makes every Launch fail with this error.
	LaunchErr error
	// TimingErr is returned by every Submission.GPUElapsed.
	TimingErr error
	// GPUTime is reported by every Submission.GPUElapsed.
	GPUTime time.Duration
	// ReleaseHook, when set, runs before every buffer, kernel or staged
	// release. A non-nil error fails the release and the handle stays live.
	ReleaseHook func(handle uintptr) error

	mu              sync.Mutex
	allocations     int
	allocatedBytes  []uint64
	bufferReleases  int
	compiles        map[gpu.Precision]int
	compileRequests []gpu.CompileRequest
	kernelReleases  int
	releaseAttempts int
	launches        []gpu.Launch
	live            map[uintptr]bool
}

// New returns an empty counting backend.
func New() *Backend {
	return &Backend{
		compiles: make(map[gpu.Precision]int),
		live:     make(map[uintptr]bool),
	}
}

func (b *Backend) handle() uintptr {
	h := b.next.Add(1)
	b.mu.Lock()
	b.live[h] = true
	b.mu.Unlock()
	return h
}

func (b *Backend) free(h uintptr) error {
	b.mu.Lock()
	b.releaseAttempts++
	b.mu.Unlock()
	if b.ReleaseHook != nil {
		if err := b.ReleaseHook(h); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live[h] {
		return fmt.Errorf("%w: double release of %#x", gpu.ErrInvalidHandle, h)
	}
	delete(b.live, h)
	return nil
}

func (b *Backend) Name() string                  { return "stub" }
func (b *Backend) Dialect() gpu.Dialect          { return gpu.DialectCUDA }
func (b *Backend) IsAvailable() bool             { return true }
func (b *Backend) Initialize() error             { return nil }
func (b *Backend) Cleanup() error                { return nil }
func (b *Backend) GetDeviceInfo() gpu.DeviceInfo { return gpu.DeviceInfo{Name: "stub"} }

func (b *Backend) Allocate(_ context.Context, _ gpu.DeviceID, length uint64) (gpu.BufferID, error) {
	if b.AllocateDelay > 0 {
		time.Sleep(b.AllocateDelay)
	}
	if b.FailAllocate {
		return 0, fmt.Errorf("%w: stub refused %d bytes", gpu.ErrAllocation, length)
	}
	id := gpu.BufferID(b.handle())
	b.mu.Lock()
	b.allocations++
	b.allocatedBytes = append(b.allocatedBytes, length)
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) ReleaseBuffer(_ gpu.DeviceID, buf gpu.BufferID) error {
	if err := b.free(uintptr(buf)); err != nil {
		return err
	}
	b.mu.Lock()
	b.bufferReleases++
	b.mu.Unlock()
	return nil
}

func (b *Backend) Compile(_ context.Context, _ gpu.DeviceID, req gpu.CompileRequest) (gpu.KernelID, error) {
	b.mu.Lock()
	b.compileRequests = append(b.compileRequests, req)
	b.mu.Unlock()
	if b.CompileHook != nil {
		if err := b.CompileHook(req); err != nil {
			return 0, err
		}
	}
	id := gpu.KernelID(b.handle())
	b.mu.Lock()
	b.compiles[req.Precision]++
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) ReleaseKernel(k gpu.KernelID) error {
	if err := b.free(uintptr(k)); err != nil {
		return err
	}
	b.mu.Lock()
	b.kernelReleases++
	b.mu.Unlock()
	return nil
}

type submission struct {
	elapsed time.Duration
	err     error
}

func (s submission) GPUElapsed() (time.Duration, error) { return s.elapsed, s.err }

func (b *Backend) Launch(_ context.Context, l gpu.Launch) (gpu.Submission, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	cp := l
	cp.Args = append([]gpu.Arg(nil), l.Args...)
	b.launches = append(b.launches, cp)
	b.mu.Unlock()
	if b.LaunchErr != nil {
		return nil, b.LaunchErr
	}
	return submission{elapsed: b.GPUTime, err: b.TimingErr}, nil
}

// Allocations returns the number of successful Allocate calls.
func (b *Backend) Allocations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocations
}

// AllocatedBytes returns the requested length of every allocation in order.
func (b *Backend) AllocatedBytes() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.allocatedBytes...)
}

// BufferReleases returns the number of ReleaseBuffer calls that succeeded.
func (b *Backend) BufferReleases() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferReleases
}

// Compiles returns the number of successful compilations of precision p.
func (b *Backend) Compiles(p gpu.Precision) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compiles[p]
}

// CompileRequests returns every request passed to Compile, including failed ones.
func (b *Backend) CompileRequests() []gpu.CompileRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]gpu.CompileRequest(nil), b.compileRequests...)
}

// KernelReleases returns the number of ReleaseKernel calls that succeeded.
func (b *Backend) KernelReleases() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kernelReleases
}

// ReleaseAttempts returns the number of release calls of any kind,
// including failed ones.
func (b *Backend) ReleaseAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.releaseAttempts
}

// Launches returns a copy of every launch submitted.
func (b *Backend) Launches() []gpu.Launch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]gpu.Launch(nil), b.launches...)
}

// Live returns the number of handles minted and not yet released.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// Shaped adds gpu.BlockShaper to a stub backend.
type Shaped struct {
	*Backend
	Block gpu.Dim
}

// WithBlockShape reports block as the preferred shape for every kernel.
func WithBlockShape(b *Backend, block gpu.Dim) *Shaped { return &Shaped{Backend: b, Block: block} }

func (s *Shaped) PreferredBlockShape(gpu.KernelID) (gpu.Dim, error) { return s.Block, nil }

// Staging adds gpu.ValueStager to a stub backend and counts staged buffers.
type Staging struct {
	*Backend
	mu       sync.Mutex
	staged   int
	released int
}

// WithStaging makes the stub require buffer-backed value arguments.
func WithStaging(b *Backend) *Staging { return &Staging{Backend: b} }

func (s *Staging) StageValue(_ context.Context, _ gpu.DeviceID, _ []byte) (gpu.BufferID, error) {
	id := gpu.BufferID(s.handle())
	s.mu.Lock()
	s.staged++
	s.mu.Unlock()
	return id, nil
}

func (s *Staging) ReleaseStaged(_ gpu.DeviceID, buf gpu.BufferID) error {
	if err := s.free(uintptr(buf)); err != nil {
		return err
	}
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	return nil
}

// Staged returns how many values were staged and how many staged buffers were released.
func (s *Staging) Staged() (staged, released int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged, s.released
}

// Hinted adds gpu.HintProvider to a stub backend.
type Hinted struct {
	*Backend
	Hints []string
}

// WithHints reports hints for every device.
func WithHints(b *Backend, hints ...string) *Hinted { return &Hinted{Backend: b, Hints: hints} }

func (h *Hinted) CompileHints(context.Context, gpu.DeviceID) ([]string, error) {
	return h.Hints, nil
}

// ContextBound adds gpu.ContextBound to a stub backend.
type ContextBound struct {
	*Backend
}

func (ContextBound) RequiresContext() bool { return true }
