package malloc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// SlabSize is the fixed size of every slab managed by a SlabAllocator.
	SlabSize = int64(4 * 1024 * 1024)

	// Alignment is the minimum alignment of every allocation handed out
	// by this package; alloc sizes must be a multiple of it.
	Alignment = int64(8)

	flagAdvised          = uint64(1) << 16
	flagMarkedForRelease = uint64(1) << 17

	poolShift  = 0
	classShift = 8
	flagsShift = 16
	sizeShift  = 24

	poolMask  = uint64(0xff) << poolShift
	classMask = uint64(0xff) << classShift
	sizeMask  = uint64(0xffffffff) << sizeShift
)

// Header is the per-slab bookkeeping record every higher layer
// consults to answer "which pool and class does this pointer belong
// to" in constant time. A header with PoolID()==InvalidPoolID and
// ClassID()==InvalidClassID denotes an unowned slab.
//
// All fields are packed into a single atomic word so that slab_header
// reads stay lock-free: readers always observe one complete, internally
// consistent snapshot, never a torn mix of an old class id with a new
// alloc size.
type Header struct {
	state atomic.Uint64
}

func (h *Header) load() (pool PoolID, class ClassID, allocSize uint32, flags uint64) {
	s := h.state.Load()
	pool = PoolID((s & poolMask) >> poolShift)
	class = ClassID((s & classMask) >> classShift)
	allocSize = uint32((s & sizeMask) >> sizeShift)
	flags = s & (flagAdvised | flagMarkedForRelease)
	return
}

func pack(pool PoolID, class ClassID, allocSize uint32, flags uint64) uint64 {
	return (uint64(pool) << poolShift) | (uint64(class) << classShift) |
		(uint64(allocSize) << sizeShift) | flags
}

// PoolID returns the owning pool, or InvalidPoolID for an unowned slab.
func (h *Header) PoolID() PoolID {
	p, _, _, _ := h.load()
	return p
}

// ClassID returns the owning allocation class, or InvalidClassID for an
// unowned slab.
func (h *Header) ClassID() ClassID {
	_, c, _, _ := h.load()
	return c
}

// AllocSize returns the fixed chunk size carved from this slab.
func (h *Header) AllocSize() uint32 {
	_, _, sz, _ := h.load()
	return sz
}

// IsUnowned reports whether this slab belongs to no pool or class.
func (h *Header) IsUnowned() bool {
	p, c, _, _ := h.load()
	return p == InvalidPoolID && c == InvalidClassID
}

// IsAdvised reports whether this slab's memory has been advised away.
func (h *Header) IsAdvised() bool {
	_, _, _, f := h.load()
	return f&flagAdvised != 0
}

// IsMarkedForRelease reports whether this slab is mid slab-release.
func (h *Header) IsMarkedForRelease() bool {
	_, _, _, f := h.load()
	return f&flagMarkedForRelease != 0
}

// reset clears ownership and flags, denoting an unowned slab.
func (h *Header) reset() {
	h.state.Store(pack(InvalidPoolID, InvalidClassID, 0, 0))
}

// assign rewrites ownership and alloc size, clearing both flags: a slab
// that is (re)assigned to a class starts out serving, not advised.
func (h *Header) assign(pool PoolID, class ClassID, allocSize uint32) {
	h.state.Store(pack(pool, class, allocSize, 0))
}

// setMarkedForRelease flips the marked-for-release bit without
// disturbing pool id, class id or alloc size, via a CAS loop so it is
// safe to call without the slab allocator's mutex.
func (h *Header) setMarkedForRelease(marked bool) {
	for {
		old := h.state.Load()
		var new_ uint64
		if marked {
			new_ = old | flagMarkedForRelease
		} else {
			new_ = old &^ flagMarkedForRelease
		}
		if h.state.CompareAndSwap(old, new_) {
			return
		}
	}
}

func (h *Header) setAdvised(advised bool) {
	for {
		old := h.state.Load()
		var new_ uint64
		if advised {
			new_ = old | flagAdvised
		} else {
			new_ = old &^ flagAdvised
		}
		if h.state.CompareAndSwap(old, new_) {
			return
		}
	}
}

// SlabAllocator divides a caller-supplied contiguous memory region into
// fixed-size slabs and maintains a parallel header array, also supplied
// by the caller, used by every higher layer for O(1) pointer lookup.
//
// A single mutex protects the free-slab list and the header writes that
// happen during pool/class assignment transitions; slab_header reads are
// lock-free (see Header).
type SlabAllocator struct {
	mu sync.Mutex

	slabMemory []byte
	base       uintptr
	numSlabs   int
	headers    []Header

	freeSlabs []int // stack of free slab indices, LIFO
}

// NewSlabAllocator carves slabMemory into SlabSize slabs and binds
// headerMemory as the backing store for their headers.
//
// headerMemory must be at least numSlabs*sizeof(Header) bytes, where
// numSlabs = len(slabMemory)/SlabSize. Both buffers are owned by the
// caller for the lifetime of the returned SlabAllocator.
func NewSlabAllocator(headerMemory, slabMemory []byte) (*SlabAllocator, error) {
	if len(slabMemory) < int(SlabSize) {
		return nil, fmt.Errorf("%w: slab memory smaller than one slab", ErrInvalidArgument)
	}
	numSlabs := len(slabMemory) / int(SlabSize)

	var hdr Header
	headerSize := int(unsafe.Sizeof(hdr))
	if len(headerMemory) < numSlabs*headerSize {
		return nil, fmt.Errorf("%w: header memory too small for %d slabs", ErrInvalidArgument, numSlabs)
	}

	sa := &SlabAllocator{
		slabMemory: slabMemory,
		base:       uintptr(unsafe.Pointer(&slabMemory[0])),
		numSlabs:   numSlabs,
		headers:    unsafe.Slice((*Header)(unsafe.Pointer(&headerMemory[0])), numSlabs),
		freeSlabs:  make([]int, numSlabs),
	}
	for i := 0; i < numSlabs; i++ {
		sa.headers[i].reset()
		sa.freeSlabs[i] = numSlabs - 1 - i
	}
	return sa, nil
}

// UsableSlabCount returns the number of slabs this allocator manages.
func (sa *SlabAllocator) UsableSlabCount() int {
	return sa.numSlabs
}

// SlabForIndex returns the base address of slab i.
func (sa *SlabAllocator) SlabForIndex(i int) (unsafe.Pointer, error) {
	if i < 0 || i >= sa.numSlabs {
		return nil, fmt.Errorf("%w: slab index %d out of range", ErrInvalidArgument, i)
	}
	return unsafe.Pointer(sa.base + uintptr(i)*uintptr(SlabSize)), nil
}

// HeaderForIndex returns the header for slab i.
func (sa *SlabAllocator) HeaderForIndex(i int) *Header {
	return &sa.headers[i]
}

// SlabIndexForPointer returns the index of the slab containing ptr.
func (sa *SlabAllocator) SlabIndexForPointer(ptr unsafe.Pointer) (int, bool) {
	addr := uintptr(ptr)
	if addr < sa.base {
		return 0, false
	}
	idx := int((addr - sa.base) / uintptr(SlabSize))
	if idx >= sa.numSlabs {
		return 0, false
	}
	return idx, true
}

// SlabHeader resolves ptr to its slab header in constant time, without
// taking the allocator's mutex.
func (sa *SlabAllocator) SlabHeader(ptr unsafe.Pointer) (*Header, bool) {
	idx, ok := sa.SlabIndexForPointer(ptr)
	if !ok {
		return nil, false
	}
	return &sa.headers[idx], true
}

// AcquireFreeSlab pops a slab off the free list. The header is left
// unowned; the caller is expected to assign it promptly via AssignSlab.
func (sa *SlabAllocator) AcquireFreeSlab() (ptr unsafe.Pointer, index int, ok bool) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	n := len(sa.freeSlabs)
	if n == 0 {
		return nil, 0, false
	}
	idx := sa.freeSlabs[n-1]
	sa.freeSlabs = sa.freeSlabs[:n-1]
	ptr, _ = sa.SlabForIndex(idx)
	return ptr, idx, true
}

// AssignSlab rewrites slab index's header to reflect new ownership,
// clearing the advised and marked-for-release flags.
func (sa *SlabAllocator) AssignSlab(index int, pool PoolID, class ClassID, allocSize uint32) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.headers[index].assign(pool, class, allocSize)
}

// ReleaseSlab returns slab index to the free list and clears its header.
func (sa *SlabAllocator) ReleaseSlab(index int) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.headers[index].reset()
	sa.freeSlabs = append(sa.freeSlabs, index)
}

// AllSlabsAllocated reports whether every slab is owned by some pool.
func (sa *SlabAllocator) AllSlabsAllocated() bool {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return len(sa.freeSlabs) == 0
}

// AdviseSlab flips the advised flag on a slab's header. This is
// bookkeeping only: it never calls into the OS to actually reclaim the
// underlying pages, it exists so that for_each_allocation and other
// traversals have a concrete flag to observe.
func (sa *SlabAllocator) AdviseSlab(index int, advised bool) {
	sa.headers[index].setAdvised(advised)
}
