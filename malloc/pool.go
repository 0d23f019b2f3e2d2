package malloc

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/xinranwang17/memengine/log"
)

// Pool owns a budget of slabs spread across a fixed set of allocation
// classes, one per configured size. All cross-layer orchestration --
// acquiring a slab from the SlabAllocator, handing it to a class,
// reclaiming it back -- happens here, never inside AllocationClass
// itself, so that no goroutine ever holds a class's lock while trying
// to acquire this pool's lock or the slab allocator's.
type Pool struct {
	mu sync.Mutex

	id   PoolID
	name string
	sa   *SlabAllocator

	allocSizes []uint32
	classes    []*AllocationClass // parallel to allocSizes

	targetSize int64 // byte budget this pool may grow to
	numSlabs   int   // slabs currently assigned to this pool, any class

	logger log.Logger
}

// NewPool builds a pool with one allocation class per entry in
// allocSizes (ascending) and an initial byte budget of targetSize.
func NewPool(id PoolID, name string, sa *SlabAllocator, allocSizes []uint32, targetSize int64) (*Pool, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: pool id %d out of range", ErrInvalidArgument, id)
	}
	if len(allocSizes) == 0 {
		return nil, fmt.Errorf("%w: pool %q needs at least one alloc size", ErrInvalidArgument, name)
	}
	if len(allocSizes) > MaxClasses {
		return nil, fmt.Errorf("%w: pool %q requests %d classes, max is %d", ErrLogicError, name, len(allocSizes), MaxClasses)
	}

	classes := make([]*AllocationClass, len(allocSizes))
	for i, sz := range allocSizes {
		classes[i] = NewAllocationClass(ClassID(i), sz)
	}
	return &Pool{
		id:         id,
		name:       name,
		sa:         sa,
		allocSizes: allocSizes,
		classes:    classes,
		targetSize: targetSize,
		logger:     log.Default(),
	}, nil
}

// SetLogger routes this pool's slab-release diagnostics to l.
func (p *Pool) SetLogger(l log.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = l
}

func (p *Pool) log() log.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logger
}

// ID returns this pool's id.
func (p *Pool) ID() PoolID { return p.id }

// Name returns this pool's name.
func (p *Pool) Name() string { return p.name }

// AllocSizes returns the sorted set of sizes this pool's classes serve.
func (p *Pool) AllocSizes() []uint32 {
	out := make([]uint32, len(p.allocSizes))
	copy(out, p.allocSizes)
	return out
}

// classify finds the smallest class able to serve n bytes.
func (p *Pool) classify(n uint32) (*AllocationClass, error) {
	sz, err := SuitableSize(p.allocSizes, n)
	if err != nil {
		return nil, err
	}
	for _, c := range p.classes {
		if c.AllocSize() == sz {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: no class for size %d", ErrRuntimeError, sz)
}

// GetAllocClass returns the class that would serve an n-byte request.
func (p *Pool) GetAllocClass(n uint32) (*AllocationClass, error) {
	return p.classify(n)
}

// GetAllocSize returns the chunk size that would serve an n-byte request.
func (p *Pool) GetAllocSize(n uint32) (uint32, error) {
	return SuitableSize(p.allocSizes, n)
}

// classByID returns the class with the given id.
func (p *Pool) classByID(id ClassID) (*AllocationClass, error) {
	if int(id) < 0 || int(id) >= len(p.classes) {
		return nil, fmt.Errorf("%w: class id %d out of range for pool %q", ErrInvalidArgument, id, p.name)
	}
	return p.classes[id], nil
}

// Allocate serves an n-byte request: fast path through the target
// class's free list, falling back to acquiring a new slab from the
// slab allocator when the class is empty. Returns nil, InvalidClassID
// when the pool's slab budget is exhausted (out of memory, not an
// error value).
func (p *Pool) Allocate(n uint32) (unsafe.Pointer, ClassID, error) {
	class, err := p.classify(n)
	if err != nil {
		return nil, InvalidClassID, err
	}

	for {
		if ptr, ok := class.Allocate(); ok {
			return ptr, class.ID(), nil
		}
		ptr, header, index, ok := p.acquireSlabFor(class.ID())
		if !ok {
			return nil, InvalidClassID, nil
		}
		// Retry: another goroutine may drain the fresh slab's chunks
		// between AddSlab and our next Allocate.
		class.AddSlab(ptr, header, index)
	}
}

// acquireSlabFor takes a fresh slab from the slab allocator and assigns
// its header to (p.id, classID), respecting the pool's byte budget.
// pool.mu is held only around the budget check and the slab allocator
// call, never alongside any class lock.
func (p *Pool) acquireSlabFor(classID ClassID) (unsafe.Pointer, *Header, int, bool) {
	p.mu.Lock()
	if int64(p.numSlabs+1)*SlabSize > p.targetSize {
		p.mu.Unlock()
		return nil, nil, 0, false
	}
	ptr, index, ok := p.sa.AcquireFreeSlab()
	if !ok {
		p.mu.Unlock()
		return nil, nil, 0, false
	}
	sz := p.classes[classID].AllocSize()
	p.sa.AssignSlab(index, p.id, classID, sz)
	p.numSlabs++
	p.mu.Unlock()

	return ptr, p.sa.HeaderForIndex(index), index, true
}

// Free returns ptr to its owning class's free list, looked up via the
// slab header rather than a caller-supplied class id.
func (p *Pool) Free(ptr unsafe.Pointer) error {
	header, ok := p.sa.SlabHeader(ptr)
	if !ok {
		return fmt.Errorf("%w: pointer does not belong to this allocator", ErrInvalidArgument)
	}
	if header.PoolID() != p.id {
		return fmt.Errorf("%w: pointer belongs to pool %d, not %d", ErrInvalidArgument, header.PoolID(), p.id)
	}
	class, err := p.classByID(header.ClassID())
	if err != nil {
		return err
	}
	class.Free(ptr)
	return nil
}

// StartSlabRelease begins releasing one slab out of victim, either
// rebalancing it to receiver within this pool or resizing it back to
// the slab allocator. hint, if non-nil, pins the exact slab; otherwise
// the victim class picks the slab with the most free chunks.
//
// If the chosen slab has no allocations outstanding, the release
// completes before returning and the context reports Released();
// calling CompleteSlabRelease on it afterwards is a harmless no-op.
func (p *Pool) StartSlabRelease(victim, receiver ClassID, mode SlabReleaseMode, hint unsafe.Pointer, shouldAbort func() bool) (*SlabReleaseContext, error) {
	vc, err := p.classByID(victim)
	if err != nil {
		return nil, err
	}
	if mode == SlabReleaseRebalance {
		if _, err := p.classByID(receiver); err != nil {
			return nil, err
		}
		if receiver == victim {
			return nil, fmt.Errorf("%w: rebalance receiver equals victim class %d", ErrInvalidArgument, victim)
		}
	} else {
		receiver = InvalidClassID
	}
	ctx, err := vc.StartRelease(p.id, receiver, mode, hint, shouldAbort)
	if err != nil {
		return nil, err
	}
	p.log().Debugf("malloc: pool %q class %d marked slab %d for release (%s)",
		p.name, ctx.VictimClassID, ctx.SlabIndex, ctx.Mode)
	if ctx.Released() {
		if err := p.CompleteSlabRelease(ctx); err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

// ProcessAllocForRelease delegates to the victim class; see
// AllocationClass.ProcessAllocForRelease.
func (p *Pool) ProcessAllocForRelease(ctx *SlabReleaseContext, ptr unsafe.Pointer, callback func(unsafe.Pointer)) error {
	vc, err := p.classByID(ctx.VictimClassID)
	if err != nil {
		return err
	}
	vc.ProcessAllocForRelease(ctx, ptr, callback)
	return nil
}

// IsAllocFree delegates to the victim class.
func (p *Pool) IsAllocFree(ctx *SlabReleaseContext, ptr unsafe.Pointer) (bool, error) {
	vc, err := p.classByID(ctx.VictimClassID)
	if err != nil {
		return false, err
	}
	return vc.IsAllocFree(ctx, ptr), nil
}

// AllAllocsFreed delegates to the victim class.
func (p *Pool) AllAllocsFreed(ctx *SlabReleaseContext) (bool, error) {
	vc, err := p.classByID(ctx.VictimClassID)
	if err != nil {
		return false, err
	}
	return vc.AllAllocsFreed(ctx), nil
}

// CompleteSlabRelease blocks until the victim class's outstanding
// allocations drain, then either hands the slab to the receiver class
// (rebalance) or returns it to the slab allocator (resize). The victim
// class's lock is released before the pool's is taken, and the pool's
// before the receiver class's; the pool's lock is held around the slab
// allocator call, following the pool -> slab allocator order.
func (p *Pool) CompleteSlabRelease(ctx *SlabReleaseContext) error {
	if ctx.completed {
		return nil
	}
	vc, err := p.classByID(ctx.VictimClassID)
	if err != nil {
		return err
	}

	ptr, header, index, err := vc.CompleteRelease(ctx)
	if err != nil {
		return err
	}

	switch ctx.Mode {
	case SlabReleaseRebalance:
		rc, err := p.classByID(ctx.ReceiverClassID)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.sa.AssignSlab(index, p.id, ctx.ReceiverClassID, rc.AllocSize())
		p.mu.Unlock()
		rc.AddSlab(ptr, header, index)
		p.log().Debugf("malloc: pool %q moved slab %d from class %d to class %d",
			p.name, index, ctx.VictimClassID, ctx.ReceiverClassID)

	case SlabReleaseResize:
		p.mu.Lock()
		p.sa.ReleaseSlab(index)
		p.numSlabs--
		p.mu.Unlock()
		p.log().Debugf("malloc: pool %q returned slab %d from class %d to the slab allocator",
			p.name, index, ctx.VictimClassID)

	default:
		return fmt.Errorf("%w: unknown release mode %v", ErrRuntimeError, ctx.Mode)
	}
	ctx.completed = true
	return nil
}

// AbortSlabRelease delegates to the victim class; see
// AllocationClass.AbortRelease.
func (p *Pool) AbortSlabRelease(ctx *SlabReleaseContext) error {
	vc, err := p.classByID(ctx.VictimClassID)
	if err != nil {
		return err
	}
	if err := vc.AbortRelease(ctx); err != nil {
		return err
	}
	p.log().Debugf("malloc: pool %q class %d aborted release of slab %d",
		p.name, ctx.VictimClassID, ctx.SlabIndex)
	return nil
}

// Resize changes this pool's byte budget. Shrinking does not itself
// reclaim slabs already assigned; callers drive that via
// StartSlabRelease/CompleteSlabRelease while the pool reports OverLimit.
func (p *Pool) Resize(targetBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetSize = targetBytes
}

// NumSlabs returns the number of slabs currently assigned to this pool.
func (p *Pool) NumSlabs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numSlabs
}

// CurrentSize returns the bytes currently held by this pool in slabs.
func (p *Pool) CurrentSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.numSlabs) * SlabSize
}

// TargetSize returns this pool's byte budget.
func (p *Pool) TargetSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetSize
}

// OverLimit reports whether this pool currently holds more bytes in
// slabs than its budget allows, e.g. after a Resize shrank it.
func (p *Pool) OverLimit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.numSlabs)*SlabSize > p.targetSize
}

// AllSlabsAllocated reports whether this pool has exhausted its byte
// budget -- it can no longer take on another whole slab.
func (p *Pool) AllSlabsAllocated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.numSlabs+1)*SlabSize > p.targetSize
}

// ForEachAllocation traverses every slab held by class, invoking
// callback on each chunk address. Slabs advised away or mid-release are
// skipped; a stale flag read just means one extra or one fewer slab in
// this pass, which callers of a racing traversal already tolerate.
func (p *Pool) ForEachAllocation(classID ClassID, callback func(unsafe.Pointer) SlabIterationStatus) error {
	c, err := p.classByID(classID)
	if err != nil {
		return err
	}
	for i := 0; i < p.sa.UsableSlabCount(); i++ {
		header := p.sa.HeaderForIndex(i)
		if header.PoolID() != p.id || header.ClassID() != classID {
			continue
		}
		if header.IsAdvised() || header.IsMarkedForRelease() {
			continue
		}
		slab, err := p.sa.SlabForIndex(i)
		if err != nil {
			return err
		}
		switch c.ForEachAllocation(slab, callback) {
		case IterationAbort:
			return nil
		}
	}
	return nil
}
