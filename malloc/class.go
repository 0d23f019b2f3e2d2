package malloc

import (
	"fmt"
	"sync"
	"unsafe"
)

// SlabReleaseMode selects what happens to a slab once its live
// allocations have all been freed.
type SlabReleaseMode int

const (
	// SlabReleaseResize returns the slab to the slab allocator, shrinking
	// the owning pool.
	SlabReleaseResize SlabReleaseMode = iota

	// SlabReleaseRebalance transfers the slab to another allocation
	// class within the same pool.
	SlabReleaseRebalance
)

func (m SlabReleaseMode) String() string {
	if m == SlabReleaseRebalance {
		return "rebalance"
	}
	return "resize"
}

// SlabIterationStatus is returned by a ForEachAllocation callback to
// steer the traversal.
type SlabIterationStatus int

const (
	// IterationContinue keeps iterating the current slab and beyond.
	IterationContinue SlabIterationStatus = iota
	// IterationAbort stops the whole traversal immediately.
	IterationAbort
	// IterationSkipCurrentSlab stops iterating the current slab only.
	IterationSkipCurrentSlab
)

// SlabReleaseContext is the transient token returned by
// AllocationClass.StartRelease and consumed by CompleteRelease or
// AbortRelease.
type SlabReleaseContext struct {
	PoolID          PoolID
	VictimClassID   ClassID
	ReceiverClassID ClassID // InvalidClassID unless Mode == SlabReleaseRebalance
	Mode            SlabReleaseMode
	SlabIndex       int

	released  bool // true if no quiescing was needed at all
	completed bool // set by the pool once the slab has been handed off
}

// Released reports whether the slab was already free of live
// allocations at StartRelease time. Pool.StartSlabRelease then hands
// the slab off itself, so its caller has nothing further to do.
func (ctx *SlabReleaseContext) Released() bool {
	return ctx.released
}

type slabEntry struct {
	ptr    unsafe.Pointer
	header *Header
	index  int
}

type releaseState struct {
	live map[unsafe.Pointer]struct{}
}

// AllocationClass serves allocations of exactly one size within one
// pool: a free list of chunks carved out of the slabs it holds, and a
// per-slab release state machine for slabs mid reclamation or transfer.
//
// A single mutex protects the free list, slab membership and release
// state; complete_slab_release additionally waits on a condition
// variable tied to that same mutex.
type AllocationClass struct {
	mu   sync.Mutex
	cond *sync.Cond

	id        ClassID
	allocSize uint32

	slabs     map[int]*slabEntry
	freeList  []unsafe.Pointer // LIFO stack, recency-friendly
	releasing map[int]*releaseState
}

// NewAllocationClass constructs an empty allocation class serving
// allocSize-byte chunks. allocSize must already be Alignment-aligned.
func NewAllocationClass(id ClassID, allocSize uint32) *AllocationClass {
	c := &AllocationClass{
		id:        id,
		allocSize: allocSize,
		slabs:     make(map[int]*slabEntry),
		releasing: make(map[int]*releaseState),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID returns this class's id within its pool.
func (c *AllocationClass) ID() ClassID { return c.id }

// AllocSize returns the fixed chunk size this class serves.
func (c *AllocationClass) AllocSize() uint32 { return c.allocSize }

func (c *AllocationClass) chunksPerSlab() int64 {
	return SlabSize / int64(c.allocSize)
}

// Allocate pops a chunk off the free list. It returns ok=false, without
// blocking or erroring, when the class needs a fresh slab -- the owning
// pool is responsible for supplying one via AddSlab.
func (c *AllocationClass) Allocate() (unsafe.Pointer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.freeList)
	if n == 0 {
		return nil, false
	}
	ptr := c.freeList[n-1]
	c.freeList = c.freeList[:n-1]
	return ptr, true
}

// Free returns ptr to the free list. ptr must lie in a slab owned by
// this class and be aligned to AllocSize; a foreign or misaligned
// pointer is a programmer error and panics.
//
// A chunk belonging to a slab mid-release never reenters the serving
// free list here: it only counts against the release's live set, and
// resurfaces either with the released slab (complete) or back on the
// free list (abort).
func (c *AllocationClass) Free(ptr unsafe.Pointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.checkOwned(ptr)

	if rs, ok := c.releasing[idx]; ok {
		if _, live := rs.live[ptr]; live {
			delete(rs.live, ptr)
			if len(rs.live) == 0 {
				c.cond.Broadcast()
			}
		}
		return
	}
	c.freeList = append(c.freeList, ptr)
}

func (c *AllocationClass) slabIndexLocked(ptr unsafe.Pointer) (int, bool) {
	addr := uintptr(ptr)
	for idx, e := range c.slabs {
		base := uintptr(e.ptr)
		if addr >= base && addr < base+uintptr(SlabSize) {
			return idx, true
		}
	}
	return 0, false
}

func (c *AllocationClass) checkOwned(ptr unsafe.Pointer) int {
	idx, ok := c.slabIndexLocked(ptr)
	if !ok {
		panic(fmt.Errorf("%w: pointer does not belong to class %d", ErrInvalidArgument, c.id))
	}
	off := uintptr(ptr) - uintptr(c.slabs[idx].ptr)
	if off%uintptr(c.allocSize) != 0 {
		panic(fmt.Errorf("%w: pointer is not %d-byte aligned within its slab", ErrInvalidArgument, c.allocSize))
	}
	return idx
}

// AddSlab carves a freshly obtained slab into AllocSize chunks and
// pushes every one of them onto the free list. No chunk is withheld for
// the caller that triggered the slab acquisition; it pops one through
// Allocate like any other caller.
func (c *AllocationClass) AddSlab(ptr unsafe.Pointer, header *Header, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slabs[index] = &slabEntry{ptr: ptr, header: header, index: index}

	n := c.chunksPerSlab()
	base := uintptr(ptr)
	for i := int64(0); i < n; i++ {
		chunk := unsafe.Pointer(base + uintptr(i)*uintptr(c.allocSize))
		c.freeList = append(c.freeList, chunk)
	}
}

// removeSlabLocked drops bookkeeping for a slab this class no longer
// owns, including any chunks of it still sitting on the free list.
func (c *AllocationClass) removeSlabLocked(idx int) {
	e := c.slabs[idx]
	base, end := uintptr(e.ptr), uintptr(e.ptr)+uintptr(SlabSize)
	kept := c.freeList[:0]
	for _, p := range c.freeList {
		addr := uintptr(p)
		if addr >= base && addr < end {
			continue
		}
		kept = append(kept, p)
	}
	c.freeList = kept
	delete(c.slabs, idx)
	delete(c.releasing, idx)
}

// pickVictimLocked selects the slab to release: the one containing hint
// if given, else the slab held by this class with the most free chunks
// (to minimize quiesce work).
func (c *AllocationClass) pickVictimLocked(hint unsafe.Pointer) (*slabEntry, error) {
	if hint != nil {
		idx, ok := c.slabIndexLocked(hint)
		if !ok {
			return nil, fmt.Errorf("%w: release hint does not belong to class %d", ErrInvalidArgument, c.id)
		}
		if _, marked := c.releasing[idx]; marked {
			return nil, fmt.Errorf("%w: slab %d is already being released", ErrInvalidArgument, idx)
		}
		return c.slabs[idx], nil
	}
	if len(c.slabs) == 0 {
		return nil, fmt.Errorf("%w: class %d holds no slabs to release", ErrInvalidArgument, c.id)
	}

	free := make(map[int]int64, len(c.slabs))
	for _, p := range c.freeList {
		addr := uintptr(p)
		for idx, e := range c.slabs {
			base := uintptr(e.ptr)
			if addr >= base && addr < base+uintptr(SlabSize) {
				free[idx]++
				break
			}
		}
	}
	var best *slabEntry
	bestFree := int64(-1)
	for idx, e := range c.slabs {
		if _, marked := c.releasing[idx]; marked {
			continue
		}
		if free[idx] > bestFree {
			bestFree, best = free[idx], e
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: every slab in class %d is already being released", ErrInvalidArgument, c.id)
	}
	return best, nil
}

// StartRelease chooses a slab to release (the one containing hint, or
// the slab with the most free chunks), marks it, and computes the set
// of allocations still outstanding on it. If that set is empty the
// returned context reports Released() and CompleteRelease returns the
// slab without waiting; the slab stays held by this class until then.
func (c *AllocationClass) StartRelease(
	poolID PoolID, receiver ClassID, mode SlabReleaseMode,
	hint unsafe.Pointer, shouldAbort func() bool,
) (*SlabReleaseContext, error) {
	if shouldAbort != nil && shouldAbort() {
		return nil, ErrReleaseAborted
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	victim, err := c.pickVictimLocked(hint)
	if err != nil {
		return nil, err
	}

	if shouldAbort != nil && shouldAbort() {
		return nil, ErrReleaseAborted
	}

	victim.header.setMarkedForRelease(true)

	base, end := uintptr(victim.ptr), uintptr(victim.ptr)+uintptr(SlabSize)
	live := make(map[unsafe.Pointer]struct{})
	n := c.chunksPerSlab()
	for i := int64(0); i < n; i++ {
		live[unsafe.Pointer(base+uintptr(i)*uintptr(c.allocSize))] = struct{}{}
	}
	kept := c.freeList[:0]
	for _, p := range c.freeList {
		addr := uintptr(p)
		if addr >= base && addr < end {
			delete(live, p)
			continue
		}
		kept = append(kept, p)
	}
	c.freeList = kept

	ctx := &SlabReleaseContext{
		PoolID:          poolID,
		VictimClassID:   c.id,
		ReceiverClassID: receiver,
		Mode:            mode,
		SlabIndex:       victim.index,
	}
	ctx.released = len(live) == 0

	c.releasing[victim.index] = &releaseState{live: live}
	return ctx, nil
}

// ProcessAllocForRelease invokes callback(ptr) and removes ptr from the
// context's live set iff ptr is still outstanding in it.
func (c *AllocationClass) ProcessAllocForRelease(ctx *SlabReleaseContext, ptr unsafe.Pointer, callback func(unsafe.Pointer)) {
	c.mu.Lock()
	rs, ok := c.releasing[ctx.SlabIndex]
	if !ok {
		c.mu.Unlock()
		return
	}
	if _, live := rs.live[ptr]; !live {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	callback(ptr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if rs, ok := c.releasing[ctx.SlabIndex]; ok {
		if _, live := rs.live[ptr]; live {
			delete(rs.live, ptr)
			if len(rs.live) == 0 {
				c.cond.Broadcast()
			}
		}
	}
}

// IsAllocFree reports whether ptr lies in the released slab and is not
// currently outstanding.
func (c *AllocationClass) IsAllocFree(ctx *SlabReleaseContext, ptr unsafe.Pointer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.releasing[ctx.SlabIndex]
	if !ok {
		return true
	}
	base := uintptr(c.slabs[ctx.SlabIndex].ptr)
	if addr := uintptr(ptr); addr < base || addr >= base+uintptr(SlabSize) {
		return false
	}
	_, live := rs.live[ptr]
	return !live
}

// AllAllocsFreed reports whether every allocation outstanding at
// StartRelease time has since been freed.
func (c *AllocationClass) AllAllocsFreed(ctx *SlabReleaseContext) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.releasing[ctx.SlabIndex]
	return !ok || len(rs.live) == 0
}

// CompleteRelease blocks until every live allocation on ctx's slab has
// been freed, then removes the slab from this class's bookkeeping and
// returns it for the caller (the owning pool) to hand off.
func (c *AllocationClass) CompleteRelease(ctx *SlabReleaseContext) (ptr unsafe.Pointer, header *Header, index int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.releasing[ctx.SlabIndex]
	if !ok {
		return nil, nil, 0, fmt.Errorf("%w: no release in progress for slab %d", ErrRuntimeError, ctx.SlabIndex)
	}
	for len(rs.live) > 0 {
		c.cond.Wait()
	}

	e, held := c.slabs[ctx.SlabIndex]
	if !held {
		return nil, nil, 0, fmt.Errorf("%w: slab %d missing from class %d", ErrRuntimeError, ctx.SlabIndex, c.id)
	}
	ptr, header = e.ptr, e.header
	c.removeSlabLocked(ctx.SlabIndex)
	return ptr, header, ctx.SlabIndex, nil
}

// AbortRelease cancels a slab release that still has live allocations,
// clearing marked-for-release and putting the slab back into serving
// rotation. Allocations freed while the release was in progress are not
// restored to live status; they simply land back on the free list.
func (c *AllocationClass) AbortRelease(ctx *SlabReleaseContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.releasing[ctx.SlabIndex]
	if !ok {
		return fmt.Errorf("%w: no release in progress for slab %d", ErrInvalidArgument, ctx.SlabIndex)
	}
	if len(rs.live) == 0 {
		return fmt.Errorf("%w: all allocations already freed, use CompleteRelease", ErrInvalidArgument)
	}
	e, held := c.slabs[ctx.SlabIndex]
	if !held {
		return fmt.Errorf("%w: slab %d missing from class %d", ErrRuntimeError, ctx.SlabIndex, c.id)
	}
	e.header.setMarkedForRelease(false)

	// Every chunk not outstanding with a caller goes back on the free
	// list: both the chunks that were free when the release started and
	// those freed while it was in progress.
	base := uintptr(e.ptr)
	n := c.chunksPerSlab()
	for i := int64(0); i < n; i++ {
		chunk := unsafe.Pointer(base + uintptr(i)*uintptr(c.allocSize))
		if _, live := rs.live[chunk]; !live {
			c.freeList = append(c.freeList, chunk)
		}
	}
	delete(c.releasing, ctx.SlabIndex)
	return nil
}

// ForEachAllocation invokes callback on every chunk address of slab
// (allocated or free -- this traversal cannot distinguish the two).
func (c *AllocationClass) ForEachAllocation(slab unsafe.Pointer, callback func(unsafe.Pointer) SlabIterationStatus) SlabIterationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := uintptr(slab)
	n := c.chunksPerSlab()
	for i := int64(0); i < n; i++ {
		status := callback(unsafe.Pointer(base + uintptr(i)*uintptr(c.allocSize)))
		switch status {
		case IterationAbort:
			return IterationAbort
		case IterationSkipCurrentSlab:
			return IterationSkipCurrentSlab
		}
	}
	return IterationContinue
}

// SlabsHeld returns the number of slabs currently owned by this class.
func (c *AllocationClass) SlabsHeld() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slabs)
}
