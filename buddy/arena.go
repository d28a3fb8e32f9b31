// Package buddy implements the bit-packed binary-tree bookkeeping behind
// a single contiguous memory arena: split/merge state machine,
// alignment-preserving allocation, and the pointer-to-node reverse lookup
// used at free. The allocation algorithm is the classical binary buddy
// scheme.
package buddy

import (
	"math"
	"sync"
	"unsafe"

	"github.com/bnclabs/gpubuddy/driver"
	"github.com/bnclabs/gpubuddy/internal/xlog"
)

// abort is called on an unrecoverable driver error during Release. It is
// a variable so that tests can substitute it to observe the fatal path
// without killing the process.
var abort = func() { panic(ErrDriverFatal) }

// Arena is a single 2^Level-byte region backed by one driver allocation
// and managed by a buddy tree. All mutating operations run under mu;
// Contains is lock-free since base/length never change after New.
type Arena struct {
	level    uint8
	location Location
	drv      driver.Driver

	base   unsafe.Pointer
	length uint64
	tree   tree

	mu        sync.RWMutex
	usedBytes uint64
}

// New allocates a level-`level` arena (2^level bytes) backed by drv at the
// given location. Fails with ErrLevelOutOfRange if level is outside
// [1,32], or ErrDriverOOM if the driver could not back the region.
func New(level uint8, location Location, drv driver.Driver) (*Arena, error) {
	if level < 1 || level > 32 {
		return nil, ErrLevelOutOfRange
	}

	length := uint64(1) << level
	var base unsafe.Pointer
	var err error
	if location.Kind == Device {
		base, err = drv.AllocDevice(location.Index, length)
	} else {
		base, err = drv.AllocHostPinned(length)
	}
	if err != nil {
		xlog.Warnf("buddy: driver failed to back %s arena of %d bytes: %v", location, length, err)
		return nil, ErrDriverOOM
	}

	return &Arena{
		level:    level,
		location: location,
		drv:      drv,
		base:     base,
		length:   length,
		tree:     newTree(level),
	}, nil
}

// Level returns the arena's size exponent.
func (a *Arena) Level() uint8 { return a.level }

// Location returns the target this arena was allocated against.
func (a *Arena) Location() Location { return a.location }

// Alloc allocates size bytes with no alignment constraint (equivalent to
// AllocAligned(size, 1)).
func (a *Arena) Alloc(size uint64) unsafe.Pointer {
	return a.AllocAligned(size, 1)
}

// AllocAligned allocates size bytes at the given alignment. alignment==0
// is treated as 1 ("no constraint"); size==0 is treated as 1. Returns nil
// if the request cannot be satisfied within this arena, or if its rounded
// size does not fit in 32 bits (2^32 bytes or more).
func (a *Arena) AllocAligned(size, alignment uint64) unsafe.Pointer {
	if size == 0 {
		size = 1
	}
	if alignment == 0 {
		alignment = 1
	}
	if alignment > 1 {
		size += alignment - 1
	}
	s := nextPow2(size)
	if s > math.MaxUint32 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if s > a.length {
		return nil
	}

	index, level, blockLength := uint64(0), uint64(0), a.length
	for {
		if blockLength == s {
			if a.tree.get(index) == Unused {
				return a.claim(index, level, alignment, s)
			}
		} else {
			switch a.tree.get(index) {
			case Unused:
				a.tree.set(index, Split)
				a.tree.set(leftChild(index), Unused)
				a.tree.set(rightChild(index), Unused)
				index, level, blockLength = leftChild(index), level+1, blockLength/2
				continue
			case Split:
				index, level, blockLength = leftChild(index), level+1, blockLength/2
				continue
			}
		}

		var ok bool
		index, level, blockLength, ok = backtrack(index, level, blockLength)
		if !ok {
			return nil
		}
	}
}

// backtrack steps a failed candidate sideways to keep the top-down search
// moving: a left child (odd index) steps to its sibling; otherwise ascend
// until the ascended node is itself a left child, then step sideways.
// Reaching the root without finding one fails the search.
func backtrack(index, level, blockLength uint64) (uint64, uint64, uint64, bool) {
	if index&1 == 1 {
		return index + 1, level, blockLength, true
	}
	for index != 0 {
		index = parentOf(index)
		level--
		blockLength *= 2
		if index&1 == 1 {
			return index + 1, level, blockLength, true
		}
	}
	return 0, 0, 0, false
}

func (a *Arena) claim(index, level, alignment, s uint64) unsafe.Pointer {
	off := indexOffset(index, level, a.level)
	ptr := unsafe.Pointer(uintptr(a.base) + uintptr(off))
	if alignment > 1 {
		if rem := uintptr(ptr) % uintptr(alignment); rem != 0 {
			a.tree.set(index, UsedWithAlignment)
			ptr = unsafe.Pointer(uintptr(ptr) + uintptr(alignment) - rem)
			a.usedBytes += s
			return ptr
		}
	}
	a.tree.set(index, Used)
	a.usedBytes += s
	return ptr
}

// Free releases a pointer previously returned by Alloc/AllocAligned. A
// nil pointer is a silent success. A pointer outside this arena's range
// returns false without logging (routing to the right arena is the
// pool's job). Misuse within this arena's range returns false: a double
// free is logged at debug level (only when xlog debug logging is
// enabled); an interior pointer or the base of an aligned block is logged
// as an error.
func (a *Arena) Free(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return true
	}
	if !a.Contains(ptr) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	offset := uint64(uintptr(ptr) - uintptr(a.base))
	left, blockLength, index, level := uint64(0), a.length, uint64(0), uint64(0)

	for level <= uint64(a.level) {
		status := a.tree.get(index)
		switch status {
		case Unused:
			xlog.Debugf("buddy: free of unallocated pointer in %s arena", a.location)
			return false
		case Used, UsedWithAlignment:
			off := indexOffset(index, level, a.level)
			if status == UsedWithAlignment {
				if offset == off {
					xlog.Errorf("buddy: cannot free base of an aligned block in %s arena", a.location)
					return false
				}
			} else if offset != off {
				xlog.Errorf("buddy: cannot free pointer interior to a block in %s arena", a.location)
				return false
			}
			a.usedBytes -= uint64(1) << (uint64(a.level) - level)
			a.coalesce(index)
			return true
		default: // Split
			blockLength /= 2
			level++
			if offset < left+blockLength {
				index = leftChild(index)
			} else {
				left += blockLength
				index = rightChild(index)
			}
		}
	}
	return false
}

// coalesce walks up from a just-freed node while its sibling is Unused,
// then marks the merged node Unused and re-asserts Split on the
// ancestors above it (a no-op on already-correct state).
func (a *Arena) coalesce(index uint64) {
	for index != 0 {
		if a.tree.get(siblingOf(index)) != Unused {
			break
		}
		index = parentOf(index)
	}
	a.tree.set(index, Unused)
	for index > 0 {
		index = parentOf(index)
		a.tree.set(index, Split)
	}
}

// Contains reports whether ptr lies within this arena's byte range. It
// does not indicate liveness - a freed pointer inside the range still
// returns true.
func (a *Arena) Contains(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return false
	}
	base := uintptr(a.base)
	p := uintptr(ptr)
	return p >= base && p < base+uintptr(a.length)
}

// IsEmpty reports whether no bytes are currently allocated from this
// arena.
func (a *Arena) IsEmpty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.usedBytes == 0
}

// UsedBytes returns the nominal bytes currently charged to live
// allocations.
func (a *Arena) UsedBytes() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.usedBytes
}

// Sync blocks until outstanding device work touching this arena's memory
// completes. A no-op for host arenas.
func (a *Arena) Sync() {
	if a.location.Kind != Device {
		return
	}
	if err := a.drv.StreamSync(a.location.Index); err != nil && err != driver.ErrUnloading {
		xlog.Errorf("buddy: stream sync failed on %s: %v", a.location, err)
	}
}

// Release synchronizes the device stream (if applicable), releases the
// arena's region back to the driver, and drops the tree. Any driver error
// other than driver.ErrUnloading on the free-side call is unrecoverable
// per the driver contract: it is logged and the process aborts.
func (a *Arena) Release() {
	a.Sync()

	var err error
	if a.location.Kind == Device {
		err = a.drv.FreeDevice(a.location.Index, a.base)
	} else {
		err = a.drv.FreeHostPinned(a.base)
	}
	if err != nil && err != driver.ErrUnloading {
		xlog.Fatalf("buddy: driver free failed on %s: %v", a.location, err)
		abort()
		return
	}
	a.tree = nil
	a.base = nil
}

func nextPow2(x uint64) uint64 {
	if x == 0 {
		return 1
	}
	if x&(x-1) == 0 {
		return x
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	return x + 1
}
