package pool

import (
	"sync"
	"sync/atomic"

	"github.com/bnclabs/gpubuddy/buddy"
	"github.com/bnclabs/gpubuddy/driver"
	"github.com/bnclabs/gpubuddy/internal/xlog"
	hm "github.com/dustin/go-humanize"
)

// deviceLevelMax and hostLevelMax are the two process-wide budget
// exponents; every device index shares deviceLevelMax, host has its
// own. 0 means "disabled" - the max(ArenaLevel, L) floor in setMaxLevel
// is applied only when a caller explicitly configures a budget, never
// to the zero default.
var (
	deviceLevelMax int64
	hostLevelMax   int64
)

// reservoir is the process-wide, per-location cache of empty arenas. One
// instance exists per Location, created lazily on first use and kept for
// the life of the process; clear only destroys the arenas it caches.
type reservoir struct {
	location buddy.Location
	drv      driver.Driver

	mu             sync.Mutex
	freeArenas     []*buddy.Arena
	allocatedCount int64
}

var (
	registryMu sync.Mutex
	registry   = map[buddy.Location]*reservoir{}
)

func reservoirFor(loc buddy.Location) *reservoir {
	registryMu.Lock()
	defer registryMu.Unlock()
	r, ok := registry[loc]
	if !ok {
		r = &reservoir{location: loc, drv: activeDriver()}
		registry[loc] = r
	}
	return r
}

func (r *reservoir) levelMax() int64 {
	if r.location.Kind == buddy.Device {
		return atomic.LoadInt64(&deviceLevelMax)
	}
	return atomic.LoadInt64(&hostLevelMax)
}

// capacity returns how many ArenaLevel arenas this location may have
// outstanding (cached + in use); 0 if the budget is unconfigured.
func (r *reservoir) capacity() int64 {
	lv := r.levelMax()
	if lv == 0 {
		return 0
	}
	return int64(1) << uint(lv-int64(ArenaLevel))
}

// getBlock pops the oldest cached empty arena off the free-arena FIFO, or
// mints a fresh one if the location hasn't hit its cap, or fails with
// ErrPoolCapExceeded.
func (r *reservoir) getBlock() (*buddy.Arena, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.freeArenas) > 0 {
		a := r.freeArenas[0]
		r.freeArenas[0] = nil
		r.freeArenas = r.freeArenas[1:]
		return a, nil
	}

	capn := r.capacity()
	if r.allocatedCount < capn {
		a, err := buddy.New(ArenaLevel, r.location, r.drv)
		if err != nil {
			return nil, err
		}
		r.allocatedCount++
		return a, nil
	}

	xlog.Warnf("pool full, increase size (location=%s allocated=%d cap=%d budget=%s)",
		r.location, r.allocatedCount, capn, hm.Bytes(uint64(1)<<uint(r.levelMax())))
	return nil, ErrPoolCapExceeded
}

// returnBlock enqueues an empty arena at the tail of the FIFO for reuse.
// Precondition: the caller has already verified arena.IsEmpty().
// allocatedCount is not decremented - cached arenas still count against
// the location's budget.
func (r *reservoir) returnBlock(a *buddy.Arena) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freeArenas = append(r.freeArenas, a)
}

// clear destroys every cached empty arena for this location, releasing
// their driver-backed memory. Arenas still held by pools are unaffected.
func (r *reservoir) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.freeArenas {
		a.Release()
		r.allocatedCount--
	}
	r.freeArenas = r.freeArenas[:0]
}

// setMaxLevel publishes max(ArenaLevel, level) as this location's budget
// exponent. Legal to grow or shrink at any time; shrinking only affects
// future getBlock decisions, never arenas already outstanding.
func setMaxLevel(target *int64, level int64) {
	if level < int64(ArenaLevel) {
		level = int64(ArenaLevel)
	}
	atomic.StoreInt64(target, level)
}

// SetDevicePoolSize sets the process-wide device budget exponent, shared
// by every device index. Not safe to call concurrently with in-flight
// allocations - reconfiguring pool size after the first allocation is
// intentionally left racy.
func SetDevicePoolSize(level int64) {
	setMaxLevel(&deviceLevelMax, level)
}

// SetHostPoolSize sets the process-wide host budget exponent.
func SetHostPoolSize(level int64) {
	setMaxLevel(&hostLevelMax, level)
}

// ReleaseGlobalPool destroys cached empty arenas for the given device
// index (gpu < 0 selects host). Arenas still checked out to a live Pool
// are left alone.
func ReleaseGlobalPool(gpu int) error {
	loc, err := locationFor(gpu)
	if err != nil {
		return err
	}
	registryMu.Lock()
	r, ok := registry[loc]
	registryMu.Unlock()
	if !ok {
		return nil
	}
	r.clear()
	return nil
}

func locationFor(gpu int) (buddy.Location, error) {
	if gpu < 0 {
		return buddy.HostLocation, nil
	}
	loc := buddy.DeviceLocation(gpu)
	if !loc.Valid() {
		return buddy.Location{}, ErrInvalidDevice
	}
	return loc, nil
}
