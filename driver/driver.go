// Package driver isolates the allocator from the device-memory driver: a
// pair of allocate/free entry points per memory kind, plus a per-thread
// stream synchronization primitive. buddy and pool never call the driver
// directly; they go through the Driver interface so a real CUDA/ROCm
// binding can be substituted for the cgo-backed default used here.
package driver

import (
	"errors"
	"unsafe"
)

// ErrUnloading is returned by StreamSync (and may be returned by the
// free-side calls) once the device context has already torn down. The
// pool's release path treats this as a signal to skip synchronization
// rather than as a fatal error, so shutdown can proceed gracefully.
var ErrUnloading = errors.New("driver: context unloading")

// ErrOOM is returned by the allocate entry points when the underlying
// driver cannot satisfy the request.
var ErrOOM = errors.New("driver: out of memory")

// Driver is the collaborator interface the allocator programs against.
// Implementations must be safe for concurrent use: arenas across
// different pools may allocate/free concurrently.
type Driver interface {
	// AllocDevice reserves bytes of device memory for the given device
	// index and returns its base address.
	AllocDevice(device int, bytes uint64) (unsafe.Pointer, error)

	// FreeDevice releases memory previously returned by AllocDevice.
	// Any error other than ErrUnloading is fatal.
	FreeDevice(device int, ptr unsafe.Pointer) error

	// AllocHostPinned reserves bytes of page-locked host memory.
	AllocHostPinned(bytes uint64) (unsafe.Pointer, error)

	// FreeHostPinned releases memory previously returned by
	// AllocHostPinned. Any error other than ErrUnloading is fatal.
	FreeHostPinned(ptr unsafe.Pointer) error

	// StreamSync blocks until outstanding work on the calling thread's
	// device stream completes. A no-op for host-only callers.
	StreamSync(device int) error
}
