package malloc

import (
	"testing"
	"unsafe"
)

func newTestSlabAllocator(t *testing.T, numSlabs int) *SlabAllocator {
	t.Helper()
	var hdr Header
	headerMemory := make([]byte, numSlabs*int(unsafe.Sizeof(hdr)))
	slabMemory := make([]byte, int64(numSlabs)*SlabSize)
	sa, err := NewSlabAllocator(headerMemory, slabMemory)
	if err != nil {
		t.Fatalf("NewSlabAllocator: %v", err)
	}
	return sa
}

func TestSlabAllocatorAcquireRelease(t *testing.T) {
	sa := newTestSlabAllocator(t, 4)
	if n := sa.UsableSlabCount(); n != 4 {
		t.Errorf("expected 4 usable slabs, got %v", n)
	}

	ptr, idx, ok := sa.AcquireFreeSlab()
	if !ok {
		t.Fatalf("expected a free slab")
	}
	header := sa.HeaderForIndex(idx)
	if !header.IsUnowned() {
		t.Errorf("freshly acquired slab should be unowned until assigned")
	}

	sa.AssignSlab(idx, PoolID(2), ClassID(3), 128)
	if header.PoolID() != 2 || header.ClassID() != 3 || header.AllocSize() != 128 {
		t.Errorf("unexpected header state after assign: pool=%v class=%v size=%v",
			header.PoolID(), header.ClassID(), header.AllocSize())
	}

	got, ok := sa.SlabHeader(ptr)
	if !ok || got != header {
		t.Errorf("SlabHeader did not resolve back to the assigned header")
	}

	sa.ReleaseSlab(idx)
	if !header.IsUnowned() {
		t.Errorf("expected header to be reset after ReleaseSlab")
	}
}

func TestSlabAllocatorExhaustion(t *testing.T) {
	sa := newTestSlabAllocator(t, 2)
	for i := 0; i < 2; i++ {
		if _, _, ok := sa.AcquireFreeSlab(); !ok {
			t.Fatalf("expected slab %d to be available", i)
		}
	}
	if _, _, ok := sa.AcquireFreeSlab(); ok {
		t.Errorf("expected AcquireFreeSlab to fail once exhausted")
	}
	if !sa.AllSlabsAllocated() {
		t.Errorf("expected AllSlabsAllocated to report true")
	}
}

func TestSlabIndexForPointer(t *testing.T) {
	sa := newTestSlabAllocator(t, 3)
	base, err := sa.SlabForIndex(1)
	if err != nil {
		t.Fatalf("SlabForIndex: %v", err)
	}
	idx, ok := sa.SlabIndexForPointer(base)
	if !ok || idx != 1 {
		t.Errorf("expected index 1, got %v ok=%v", idx, ok)
	}

	mid := unsafe.Pointer(uintptr(base) + uintptr(SlabSize)/2)
	idx, ok = sa.SlabIndexForPointer(mid)
	if !ok || idx != 1 {
		t.Errorf("expected midpoint to resolve to index 1, got %v ok=%v", idx, ok)
	}

	first, err := sa.SlabForIndex(0)
	if err != nil {
		t.Fatalf("SlabForIndex: %v", err)
	}
	outside := unsafe.Pointer(uintptr(first) - 1)
	if _, ok := sa.SlabIndexForPointer(outside); ok {
		t.Errorf("expected a pointer before the region to resolve to nothing")
	}
}

func TestHeaderFlags(t *testing.T) {
	var h Header
	h.assign(1, 1, 64)
	if h.IsAdvised() || h.IsMarkedForRelease() {
		t.Errorf("freshly assigned header should have no flags set")
	}
	h.setAdvised(true)
	if !h.IsAdvised() {
		t.Errorf("expected advised flag to be set")
	}
	h.setMarkedForRelease(true)
	if !h.IsMarkedForRelease() || !h.IsAdvised() {
		t.Errorf("setting marked-for-release should not disturb the advised flag")
	}
	h.setAdvised(false)
	if h.IsAdvised() || !h.IsMarkedForRelease() {
		t.Errorf("clearing advised should not disturb marked-for-release")
	}
	if h.PoolID() != 1 || h.ClassID() != 1 || h.AllocSize() != 64 {
		t.Errorf("flag mutations should not disturb pool/class/size")
	}
}

func TestNewSlabAllocatorRejectsUndersizedBuffers(t *testing.T) {
	if _, err := NewSlabAllocator(nil, make([]byte, 10)); err == nil {
		t.Errorf("expected an error for a slab buffer smaller than one slab")
	}

	var hdr Header
	slabMemory := make([]byte, 2*SlabSize)
	tooSmallHeaders := make([]byte, int(unsafe.Sizeof(hdr))) // only room for one header, need two
	if _, err := NewSlabAllocator(tooSmallHeaders, slabMemory); err == nil {
		t.Errorf("expected an error for undersized header memory")
	}
}
