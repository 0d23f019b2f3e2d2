package malloc

import (
	"fmt"
	"unsafe"

	"github.com/xinranwang17/memengine/log"
)

// AllocInfo describes the class and pool an allocation was served from.
type AllocInfo struct {
	PoolID    PoolID
	ClassID   ClassID
	AllocSize uint32
}

// Allocator is the top-level façade: a PoolManager over one
// SlabAllocator, offering allocate/free plus the pool and slab-release
// administration operations every caller actually uses.
type Allocator struct {
	sa *SlabAllocator
	pm *PoolManager
}

// NewAllocator builds an Allocator over caller-supplied header and slab
// memory. Both buffers must outlive the returned Allocator.
func NewAllocator(headerMemory, slabMemory []byte) (*Allocator, error) {
	sa, err := NewSlabAllocator(headerMemory, slabMemory)
	if err != nil {
		return nil, err
	}
	return &Allocator{sa: sa, pm: NewPoolManager(sa)}, nil
}

// SetLogger routes all pool and slab-release diagnostics emitted by
// this allocator into l, instead of the package-level default. The
// allocation path itself never logs.
func (a *Allocator) SetLogger(l log.Logger) {
	a.pm.SetLogger(l)
}

// NewAllocatorFromConfig builds an Allocator over the supplied buffers
// and creates every pool cfg describes, resolving each pool's size
// classes from its explicit list or the generator defaults.
func NewAllocatorFromConfig(cfg *Config, headerMemory, slabMemory []byte) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a, err := NewAllocator(headerMemory, slabMemory)
	if err != nil {
		return nil, err
	}
	for _, pc := range cfg.Pools {
		sizes, err := pc.AllocSizesFor()
		if err != nil {
			return nil, fmt.Errorf("pool %q: %w", pc.Name, err)
		}
		if _, err := a.AddPool(pc.Name, pc.SizeBytes, sizes, pc.EnsureProvisionable); err != nil {
			return nil, fmt.Errorf("pool %q: %w", pc.Name, err)
		}
	}
	return a, nil
}

// AddPool registers a new named pool with a byte budget. See
// PoolManager.AddPool.
func (a *Allocator) AddPool(name string, size int64, allocSizes []uint32, ensureProvisionable bool) (PoolID, error) {
	return a.pm.AddPool(name, size, allocSizes, ensureProvisionable)
}

// PoolIDForName resolves a pool name to its id.
func (a *Allocator) PoolIDForName(name string) (PoolID, error) {
	return a.pm.PoolIDForName(name)
}

// PoolName resolves a pool id to its name.
func (a *Allocator) PoolName(id PoolID) (string, error) {
	return a.pm.PoolName(id)
}

// GetPoolIds returns every registered pool's id.
func (a *Allocator) GetPoolIds() []PoolID {
	return a.pm.GetPoolIds()
}

// GrowPool increases a pool's byte budget, reporting false when fewer
// than bytes remain unreserved. See PoolManager.GrowPool.
func (a *Allocator) GrowPool(id PoolID, bytes int64) (bool, error) {
	return a.pm.GrowPool(id, bytes)
}

// ShrinkPool decreases a pool's byte budget, reporting false when the
// pool's budget is smaller than bytes. See PoolManager.ShrinkPool.
func (a *Allocator) ShrinkPool(id PoolID, bytes int64) (bool, error) {
	return a.pm.ShrinkPool(id, bytes)
}

// ResizePools atomically moves bytes of budget from pool src to pool
// dst. See PoolManager.ResizePools.
func (a *Allocator) ResizePools(src, dst PoolID, bytes int64) (bool, error) {
	return a.pm.ResizePools(src, dst, bytes)
}

// GetPoolsOverLimit returns pools currently holding more slabs than
// their budget allows.
func (a *Allocator) GetPoolsOverLimit() []PoolID {
	return a.pm.GetPoolsOverLimit()
}

// Allocate serves an n-byte request from pool id. It returns a nil
// pointer, without an error, when the pool's slab budget is exhausted:
// out of memory is a value, not an error, in this package.
func (a *Allocator) Allocate(id PoolID, n uint32) (unsafe.Pointer, error) {
	pool, err := a.pm.GetPool(id)
	if err != nil {
		return nil, err
	}
	ptr, _, err := pool.Allocate(n)
	return ptr, err
}

// Free returns ptr, previously returned by Allocate, to its class's
// free list.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	header, ok := a.sa.SlabHeader(ptr)
	if !ok {
		return fmt.Errorf("%w: pointer does not belong to this allocator", ErrInvalidArgument)
	}
	pool, err := a.pm.GetPool(header.PoolID())
	if err != nil {
		return err
	}
	return pool.Free(ptr)
}

// GetAllocInfo reports which pool and class served ptr.
func (a *Allocator) GetAllocInfo(ptr unsafe.Pointer) (AllocInfo, error) {
	header, ok := a.sa.SlabHeader(ptr)
	if !ok {
		return AllocInfo{}, fmt.Errorf("%w: pointer does not belong to this allocator", ErrInvalidArgument)
	}
	if header.IsUnowned() {
		return AllocInfo{}, fmt.Errorf("%w: pointer's slab is unowned", ErrInvalidArgument)
	}
	return AllocInfo{
		PoolID:    header.PoolID(),
		ClassID:   header.ClassID(),
		AllocSize: header.AllocSize(),
	}, nil
}

// GetAllocationClassId returns the class id that would serve an n-byte
// request from pool id, without allocating.
func (a *Allocator) GetAllocationClassId(id PoolID, n uint32) (ClassID, error) {
	pool, err := a.pm.GetPool(id)
	if err != nil {
		return InvalidClassID, err
	}
	class, err := pool.GetAllocClass(n)
	if err != nil {
		return InvalidClassID, err
	}
	return class.ID(), nil
}

// GetAllocSizes returns the sorted set of sizes pool id's classes serve.
func (a *Allocator) GetAllocSizes(id PoolID) ([]uint32, error) {
	pool, err := a.pm.GetPool(id)
	if err != nil {
		return nil, err
	}
	return pool.AllocSizes(), nil
}

// StartSlabRelease begins reclaiming one slab from a pool's class. See
// Pool.StartSlabRelease.
func (a *Allocator) StartSlabRelease(poolID PoolID, victim, receiver ClassID, mode SlabReleaseMode, hint unsafe.Pointer, shouldAbort func() bool) (*SlabReleaseContext, error) {
	pool, err := a.pm.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	return pool.StartSlabRelease(victim, receiver, mode, hint, shouldAbort)
}

// ProcessAllocForRelease delegates to the owning pool.
func (a *Allocator) ProcessAllocForRelease(ctx *SlabReleaseContext, ptr unsafe.Pointer, callback func(unsafe.Pointer)) error {
	pool, err := a.pm.GetPool(ctx.PoolID)
	if err != nil {
		return err
	}
	return pool.ProcessAllocForRelease(ctx, ptr, callback)
}

// IsAllocFree delegates to the owning pool.
func (a *Allocator) IsAllocFree(ctx *SlabReleaseContext, ptr unsafe.Pointer) (bool, error) {
	pool, err := a.pm.GetPool(ctx.PoolID)
	if err != nil {
		return false, err
	}
	return pool.IsAllocFree(ctx, ptr)
}

// AllAllocsFreed delegates to the owning pool.
func (a *Allocator) AllAllocsFreed(ctx *SlabReleaseContext) (bool, error) {
	pool, err := a.pm.GetPool(ctx.PoolID)
	if err != nil {
		return false, err
	}
	return pool.AllAllocsFreed(ctx)
}

// CompleteSlabRelease delegates to the owning pool.
func (a *Allocator) CompleteSlabRelease(ctx *SlabReleaseContext) error {
	pool, err := a.pm.GetPool(ctx.PoolID)
	if err != nil {
		return err
	}
	return pool.CompleteSlabRelease(ctx)
}

// AbortSlabRelease delegates to the owning pool.
func (a *Allocator) AbortSlabRelease(ctx *SlabReleaseContext) error {
	pool, err := a.pm.GetPool(ctx.PoolID)
	if err != nil {
		return err
	}
	return pool.AbortSlabRelease(ctx)
}

// ForEachAllocation traverses every chunk of every usable slab,
// allocated or free -- the traversal cannot distinguish the two. Slabs
// that are unowned, advised away, or mid slab-release are skipped; the
// count of skipped slabs is returned. The callback steers the traversal
// via its SlabIterationStatus return.
//
// The flag reads race with concurrent releases by design: a stale read
// means at most one slab too many or too few in this pass.
func (a *Allocator) ForEachAllocation(callback func(unsafe.Pointer) SlabIterationStatus) int {
	skipped := 0
	for i := 0; i < a.sa.UsableSlabCount(); i++ {
		header := a.sa.HeaderForIndex(i)
		if header.IsUnowned() || header.IsAdvised() || header.IsMarkedForRelease() {
			skipped++
			continue
		}
		pool, err := a.pm.GetPool(header.PoolID())
		if err != nil {
			skipped++
			continue
		}
		class, err := pool.classByID(header.ClassID())
		if err != nil {
			skipped++
			continue
		}
		slab, err := a.sa.SlabForIndex(i)
		if err != nil {
			skipped++
			continue
		}
		if class.ForEachAllocation(slab, callback) == IterationAbort {
			return skipped
		}
	}
	return skipped
}

// ForEachAllocationInClass traverses every chunk of one pool's class.
func (a *Allocator) ForEachAllocationInClass(poolID PoolID, classID ClassID, callback func(unsafe.Pointer) SlabIterationStatus) error {
	pool, err := a.pm.GetPool(poolID)
	if err != nil {
		return err
	}
	return pool.ForEachAllocation(classID, callback)
}

// MemorySize returns the total byte capacity of the underlying region.
func (a *Allocator) MemorySize() int64 { return a.pm.MemorySize() }

// UnreservedMemorySize returns bytes not yet claimed by any pool.
func (a *Allocator) UnreservedMemorySize() int64 { return a.pm.UnreservedMemorySize() }

// AdvisedMemorySize returns bytes currently advised away.
func (a *Allocator) AdvisedMemorySize() int64 { return a.pm.AdvisedMemorySize() }

// AllSlabsAllocated reports whether the whole region has been claimed.
func (a *Allocator) AllSlabsAllocated() bool { return a.pm.AllSlabsAllocated() }

// PoolAllSlabsAllocated reports whether a specific pool's budget is
// fully assigned.
func (a *Allocator) PoolAllSlabsAllocated(id PoolID) (bool, error) {
	return a.pm.PoolAllSlabsAllocated(id)
}
