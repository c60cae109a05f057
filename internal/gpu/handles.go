package gpu

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Native handles are carried as address-sized integers. This package and the
// caches built on it only compare and hash them; dereferencing is left to the
// backend that minted them.

// DeviceID identifies a native device (MTLDevice*, CUdevice, wgpu device slot).
type DeviceID uintptr

// ContextID identifies a native context (CUcontext). Optional for most backends.
type ContextID uintptr

// QueueID identifies a native command queue or stream.
type QueueID uintptr

// BufferID identifies a native device buffer.
type BufferID uintptr

// KernelID identifies a compiled, device-resident kernel (CUfunction, MTLComputePipelineState*).
type KernelID uintptr

func (d DeviceID) IsZero() bool  { return d == 0 }
func (c ContextID) IsZero() bool { return c == 0 }
func (q QueueID) IsZero() bool   { return q == 0 }
func (b BufferID) IsZero() bool  { return b == 0 }
func (k KernelID) IsZero() bool  { return k == 0 }

func (d DeviceID) String() string  { return fmt.Sprintf("device(%#x)", uintptr(d)) }
func (c ContextID) String() string { return fmt.Sprintf("context(%#x)", uintptr(c)) }
func (q QueueID) String() string   { return fmt.Sprintf("queue(%#x)", uintptr(q)) }
func (b BufferID) String() string  { return fmt.Sprintf("buffer(%#x)", uintptr(b)) }
func (k KernelID) String() string  { return fmt.Sprintf("kernel(%#x)", uintptr(k)) }

// HandleTable mints opaque handles for backends whose native objects are Go
// values rather than foreign pointers. Handles start at 1 so the zero value
// always means "no handle".
type HandleTable[T any] struct {
	next    atomic.Uintptr
	mu      sync.RWMutex
	objects map[uintptr]T
}

// NewHandleTable creates an empty table.
func NewHandleTable[T any]() *HandleTable[T] {
	return &HandleTable[T]{objects: make(map[uintptr]T)}
}

// Put stores obj and returns its handle.
func (t *HandleTable[T]) Put(obj T) uintptr {
	h := t.next.Add(1)
	t.mu.Lock()
	t.objects[h] = obj
	t.mu.Unlock()
	return h
}

// Get returns the object behind h.
func (t *HandleTable[T]) Get(h uintptr) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	obj, ok := t.objects[h]
	return obj, ok
}

// Take removes h from the table and returns its object.
func (t *HandleTable[T]) Take(h uintptr) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[h]
	if ok {
		delete(t.objects, h)
	}
	return obj, ok
}

// Len returns the number of live handles.
func (t *HandleTable[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}
