// Package pool is the per-caller front-end over buddy.Arena: it holds a
// local list of arenas drawn from a shared, process-wide global
// reservoir, routes each allocation to the first local arena that can
// satisfy it, and grows by pulling another arena from the reservoir on
// shortfall.
package pool

import (
	"sync"
	"unsafe"

	"github.com/bnclabs/gpubuddy/buddy"
	"github.com/bnclabs/gpubuddy/driver"
)

var (
	driverMu     sync.Mutex
	globalDriver driver.Driver
)

// SetDriver installs the Driver used for every subsequent reservoir
// allocation. Intended to be called once at process start (e.g. to wire
// in a real CUDA binding); like the pool-size settings, it is not safe
// to call after the first allocation.
func SetDriver(d driver.Driver) {
	driverMu.Lock()
	globalDriver = d
	driverMu.Unlock()
}

func activeDriver() driver.Driver {
	driverMu.Lock()
	defer driverMu.Unlock()
	if globalDriver == nil {
		globalDriver = driver.New()
	}
	return globalDriver
}

// Pool is a per-caller (typically per-thread) allocator front-end bound
// to one target location.
type Pool struct {
	target buddy.Location

	localMu sync.RWMutex
	local   []*buddy.Arena
}

// New creates a pool bound to gpu. A negative gpu selects host memory;
// [0, buddy.MaxDevices) selects that device index. Any other value fails
// with ErrInvalidDevice.
func New(gpu int) (*Pool, error) {
	loc, err := locationFor(gpu)
	if err != nil {
		return nil, err
	}
	return &Pool{target: loc}, nil
}

// Alloc allocates size bytes with no alignment constraint.
func (p *Pool) Alloc(size uint64) unsafe.Pointer {
	return p.AllocAligned(size, 1)
}

// AllocAligned allocates size bytes at the given alignment. Returns nil
// if size exceeds a single arena (allocations never span more than one),
// if the location's budget is unconfigured (exponent 0), or if the
// reservoir's cap is exhausted and no local arena has room.
func (p *Pool) AllocAligned(size, alignment uint64) unsafe.Pointer {
	if size > uint64(1)<<ArenaLevel {
		return nil
	}
	r := reservoirFor(p.target)
	if r.levelMax() == 0 {
		return nil
	}
	return p.allocFrom(size, alignment, r)
}

// allocFrom implements the "scan, grow, scan" pattern: scan local arenas
// under a reader lock, then - on a miss - release it, pull a fresh arena
// from the reservoir (an operation that may itself block on driver
// allocation), and only then take the writer lock to append, avoiding a
// reader-to-writer upgrade.
func (p *Pool) allocFrom(size, alignment uint64, r *reservoir) unsafe.Pointer {
	p.localMu.RLock()
	seen := len(p.local)
	for _, a := range p.local {
		if ptr := a.AllocAligned(size, alignment); ptr != nil {
			p.localMu.RUnlock()
			return ptr
		}
	}
	p.localMu.RUnlock()

	arena, err := r.getBlock()
	if err != nil {
		// Another thread may have grown local while we were scanning;
		// if so retry against the larger list instead of failing.
		p.localMu.RLock()
		grew := len(p.local) > seen
		p.localMu.RUnlock()
		if grew {
			return p.allocFrom(size, alignment, r)
		}
		return nil
	}

	p.localMu.Lock()
	p.local = append(p.local, arena)
	p.localMu.Unlock()

	return p.allocFrom(size, alignment, r)
}

// Free releases ptr back to whichever local arena contains it. Returns
// true iff some local arena accepted it.
func (p *Pool) Free(ptr unsafe.Pointer) bool {
	p.localMu.RLock()
	defer p.localMu.RUnlock()
	for _, a := range p.local {
		if a.Contains(ptr) {
			return a.Free(ptr)
		}
	}
	return false
}

// IsEmpty reports whether every arena this pool owns is empty.
func (p *Pool) IsEmpty() bool {
	p.localMu.RLock()
	defer p.localMu.RUnlock()
	for _, a := range p.local {
		if !a.IsEmpty() {
			return false
		}
	}
	return true
}

// Release drains empty arenas back to the global reservoir. Arenas that
// still hold live allocations are left in place: dropping a pool with
// live allocations is undefined at the user level but safe at the
// allocator level - those arenas stay charged against the location's cap
// and leak until process exit.
func (p *Pool) Release() {
	p.localMu.Lock()
	defer p.localMu.Unlock()

	if len(p.local) > 0 {
		p.local[0].Sync()
	}

	r := reservoirFor(p.target)
	kept := p.local[:0]
	for _, a := range p.local {
		if a.IsEmpty() {
			r.returnBlock(a)
		} else {
			kept = append(kept, a)
		}
	}
	p.local = kept
}

// arenaCount reports how many arenas this pool currently owns; used by
// tests exercising the "scan, grow, scan" behavior.
func (p *Pool) arenaCount() int {
	p.localMu.RLock()
	defer p.localMu.RUnlock()
	return len(p.local)
}
