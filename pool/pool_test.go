package pool

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/bnclabs/gpubuddy/buddy"
	"github.com/bnclabs/gpubuddy/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver backs allocations with plain Go byte slices, keeping these
// tests free of any dependency on cgo actually reaching libc.
type fakeDriver struct {
	mu      sync.Mutex
	regions map[unsafe.Pointer][]byte
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{regions: make(map[unsafe.Pointer][]byte)}
}

func (d *fakeDriver) alloc(bytes uint64) (unsafe.Pointer, error) {
	buf := make([]byte, bytes)
	ptr := unsafe.Pointer(&buf[0])
	d.mu.Lock()
	d.regions[ptr] = buf
	d.mu.Unlock()
	return ptr, nil
}

func (d *fakeDriver) AllocDevice(device int, bytes uint64) (unsafe.Pointer, error) {
	return d.alloc(bytes)
}
func (d *fakeDriver) FreeDevice(device int, ptr unsafe.Pointer) error {
	d.mu.Lock()
	delete(d.regions, ptr)
	d.mu.Unlock()
	return nil
}
func (d *fakeDriver) AllocHostPinned(bytes uint64) (unsafe.Pointer, error) {
	return d.alloc(bytes)
}
func (d *fakeDriver) FreeHostPinned(ptr unsafe.Pointer) error {
	d.mu.Lock()
	delete(d.regions, ptr)
	d.mu.Unlock()
	return nil
}
func (d *fakeDriver) StreamSync(device int) error { return nil }

var _ driver.Driver = (*fakeDriver)(nil)

// resetForTest clears all process-wide state the pool package keeps: the
// reservoir registry, both budget exponents, the installed driver, and
// shrinks ArenaLevel so synthetic arenas stay small and tests stay fast.
func resetForTest(t *testing.T) {
	t.Helper()
	registryMu.Lock()
	registry = map[buddy.Location]*reservoir{}
	registryMu.Unlock()
	deviceLevelMax = 0
	hostLevelMax = 0
	ArenaLevel = 10 // 1KiB synthetic arenas
	SetDriver(newFakeDriver())
}

func TestNewInvalidDevice(t *testing.T) {
	resetForTest(t)
	if _, err := New(buddy.MaxDevices); err != ErrInvalidDevice {
		t.Errorf("expected ErrInvalidDevice, got %v", err)
	}
	if _, err := New(-1); err != nil {
		t.Errorf("expected host pool to succeed, got %v", err)
	}
}

func TestAllocRefusedWhenUnconfigured(t *testing.T) {
	resetForTest(t)
	p, err := New(-1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ptr := p.Alloc(8); ptr != nil {
		t.Errorf("expected nil allocation with zero-exponent budget")
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	resetForTest(t)
	SetHostPoolSize(int64(ArenaLevel))
	p, err := New(-1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ptr := p.Alloc(16)
	if ptr == nil {
		t.Fatalf("expected allocation to succeed")
	}
	if !p.Free(ptr) {
		t.Errorf("expected free to succeed")
	}
	if !p.IsEmpty() {
		t.Errorf("expected pool empty after freeing its only allocation")
	}
}

// AllocAligned routed through the pool, not just the arena directly:
// a run of differently-sized aligned allocations, each freed afterward.
func TestAllocAlignedThroughPool(t *testing.T) {
	resetForTest(t)
	SetHostPoolSize(int64(ArenaLevel) + 2)
	p, err := New(-1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const alignment = 3
	sizes := []uint64{4, 2, 1, 1}
	ptrs := make([]unsafe.Pointer, 0, len(sizes))
	for _, s := range sizes {
		ptr := p.AllocAligned(s, alignment)
		if ptr == nil {
			t.Fatalf("expected aligned allocation of size %d to succeed", s)
		}
		if uintptr(ptr)%alignment != 0 {
			t.Errorf("pointer %v not %d-byte aligned", ptr, alignment)
		}
		ptrs = append(ptrs, ptr)
	}
	for _, ptr := range ptrs {
		if !p.Free(ptr) {
			t.Errorf("expected free of %v to succeed", ptr)
		}
	}
	if !p.IsEmpty() {
		t.Errorf("expected pool empty after freeing every aligned allocation")
	}
}

func TestAllocGrowsLocalArenas(t *testing.T) {
	resetForTest(t)
	SetHostPoolSize(int64(ArenaLevel) + 2) // cap of 4 arenas
	p, err := New(-1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.arenaCount() != 0 {
		t.Fatalf("expected fresh pool to own no arenas")
	}
	if ptr := p.Alloc(8); ptr == nil {
		t.Fatalf("expected allocation to succeed")
	}
	if p.arenaCount() != 1 {
		t.Errorf("expected pool to have pulled one arena, got %d", p.arenaCount())
	}
}

func TestAllocExceedingArenaSizeFails(t *testing.T) {
	resetForTest(t)
	SetHostPoolSize(int64(ArenaLevel))
	p, err := New(-1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ptr := p.Alloc(uint64(1) << (ArenaLevel + 1)); ptr != nil {
		t.Errorf("expected oversized allocation to fail")
	}
}

// Exhausting a location's configured arena cap causes the next
// allocation to return nil rather than pulling a new arena.
func TestPoolCapExceeded(t *testing.T) {
	resetForTest(t)
	SetHostPoolSize(int64(ArenaLevel)) // cap of exactly one arena
	p, err := New(-1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	arenaBytes := uint64(1) << ArenaLevel
	if ptr := p.Alloc(arenaBytes); ptr == nil {
		t.Fatalf("expected the first arena's worth to succeed")
	}
	if ptr := p.Alloc(8); ptr != nil {
		t.Errorf("expected allocation past the cap to fail")
	}
}

// Two goroutines each allocate {4,2,1,1} bytes from one shared pool then
// free everything; the pool must end up empty regardless of interleaving.
func TestConcurrentBalancedAllocFree(t *testing.T) {
	resetForTest(t)
	SetHostPoolSize(int64(ArenaLevel) + 4) // generous cap, many arenas
	p, err := New(-1)
	require.NoError(t, err)

	sizes := []uint64{4, 2, 1, 1}
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ptrs := make([]unsafe.Pointer, 0, len(sizes))
			for _, s := range sizes {
				ptr := p.Alloc(s)
				if !assert.NotNil(t, ptr, "allocation of size %d", s) {
					return
				}
				ptrs = append(ptrs, ptr)
			}
			for _, ptr := range ptrs {
				assert.True(t, p.Free(ptr), "free of %v", ptr)
			}
		}()
	}
	wg.Wait()

	assert.True(t, p.IsEmpty(), "expected pool empty after balanced concurrent alloc/free")
}

func TestReleaseReturnsEmptyArenasToReservoir(t *testing.T) {
	resetForTest(t)
	SetHostPoolSize(int64(ArenaLevel) + 1)
	p, err := New(-1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ptr := p.Alloc(8)
	if ptr == nil {
		t.Fatalf("expected allocation to succeed")
	}
	if !p.Free(ptr) {
		t.Fatalf("expected free to succeed")
	}
	p.Release()
	if p.arenaCount() != 0 {
		t.Errorf("expected Release to drain empty arenas, got %d remaining", p.arenaCount())
	}

	r := reservoirFor(buddy.HostLocation)
	r.mu.Lock()
	cached := len(r.freeArenas)
	r.mu.Unlock()
	if cached != 1 {
		t.Errorf("expected one arena returned to the reservoir, got %d", cached)
	}
}

func TestReleaseGlobalPoolDestroysCachedArenas(t *testing.T) {
	resetForTest(t)
	SetHostPoolSize(int64(ArenaLevel) + 1)
	p, err := New(-1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ptr := p.Alloc(8)
	p.Free(ptr)
	p.Release()

	if err := ReleaseGlobalPool(-1); err != nil {
		t.Fatalf("ReleaseGlobalPool: %v", err)
	}

	r := reservoirFor(buddy.HostLocation)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.freeArenas) != 0 {
		t.Errorf("expected ReleaseGlobalPool to empty the free list")
	}
	if r.allocatedCount != 0 {
		t.Errorf("expected allocatedCount to drop to 0, got %d", r.allocatedCount)
	}
}

func TestSetMaxLevelFloorsAtArenaLevel(t *testing.T) {
	resetForTest(t)
	SetHostPoolSize(1) // below ArenaLevel
	r := reservoirFor(buddy.HostLocation)
	if r.levelMax() != int64(ArenaLevel) {
		t.Errorf("expected budget floored to ArenaLevel, got %d", r.levelMax())
	}
}
