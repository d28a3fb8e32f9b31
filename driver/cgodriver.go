package driver

// #include <stdlib.h>
import "C"

import (
	"sync/atomic"
	"unsafe"
)

// cgoDriver is the default Driver. It has no notion of an actual GPU: it
// stands in for the device driver by reaching past the Go heap with
// cgo's malloc/free. Device and host-pinned allocations are both served
// from the C heap; a real binding would route AllocDevice through
// cuMemAlloc (or equivalent) and AllocHostPinned through cuMemHostAlloc.
type cgoDriver struct {
	unloading int64
}

// New returns the default cgo-backed Driver.
func New() Driver {
	return &cgoDriver{}
}

// SetUnloading simulates the device context tearing down: subsequent
// StreamSync calls return ErrUnloading instead of blocking, so shutdown
// paths that check for it can be exercised without a real device.
func SetUnloading(d Driver, v bool) {
	cd, ok := d.(*cgoDriver)
	if !ok {
		return
	}
	if v {
		atomic.StoreInt64(&cd.unloading, 1)
	} else {
		atomic.StoreInt64(&cd.unloading, 0)
	}
}

func (d *cgoDriver) AllocDevice(device int, bytes uint64) (unsafe.Pointer, error) {
	return d.alloc(bytes)
}

func (d *cgoDriver) FreeDevice(device int, ptr unsafe.Pointer) error {
	C.free(ptr)
	return nil
}

func (d *cgoDriver) AllocHostPinned(bytes uint64) (unsafe.Pointer, error) {
	return d.alloc(bytes)
}

func (d *cgoDriver) FreeHostPinned(ptr unsafe.Pointer) error {
	C.free(ptr)
	return nil
}

func (d *cgoDriver) StreamSync(device int) error {
	if atomic.LoadInt64(&d.unloading) > 0 {
		return ErrUnloading
	}
	return nil
}

func (d *cgoDriver) alloc(bytes uint64) (unsafe.Pointer, error) {
	ptr := C.malloc(C.size_t(bytes))
	if ptr == nil {
		return nil, ErrOOM
	}
	return ptr, nil
}
