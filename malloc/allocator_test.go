package malloc

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/xinranwang17/memengine/log"
)

func newTestAllocator(t *testing.T, totalSlabs int) *Allocator {
	t.Helper()
	var hdr Header
	headerMemory := make([]byte, totalSlabs*int(unsafe.Sizeof(hdr)))
	slabMemory := make([]byte, int64(totalSlabs)*SlabSize)
	alloc, err := NewAllocator(headerMemory, slabMemory)
	require.NoError(t, err)
	return alloc
}

func TestAllocatorAllocateFreeGetAllocInfo(t *testing.T) {
	alloc := newTestAllocator(t, 4)
	sizes, err := GenerateAllocSizes(1.25, 64, 4096, false)
	require.NoError(t, err)
	id, err := alloc.AddPool("default", 4*SlabSize, sizes, false)
	require.NoError(t, err)

	ptr, err := alloc.Allocate(id, 100)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	info, err := alloc.GetAllocInfo(ptr)
	require.NoError(t, err)
	require.Equal(t, id, info.PoolID)
	require.GreaterOrEqual(t, info.AllocSize, uint32(100))

	require.NoError(t, alloc.Free(ptr))
}

func TestAllocatorFreeRejectsUnknownPointer(t *testing.T) {
	alloc := newTestAllocator(t, 2)
	var stray byte
	err := alloc.Free(unsafe.Pointer(&stray))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAllocatorGetAllocationClassId(t *testing.T) {
	alloc := newTestAllocator(t, 2)
	sizes, err := GenerateAllocSizes(1.25, 64, 4096, false)
	require.NoError(t, err)
	id, err := alloc.AddPool("default", 2*SlabSize, sizes, false)
	require.NoError(t, err)

	classID, err := alloc.GetAllocationClassId(id, 90)
	require.NoError(t, err)
	require.True(t, classID.Valid())

	got, err := alloc.GetAllocSizes(id)
	require.NoError(t, err)
	require.Equal(t, sizes, got)
}

func TestAllocatorRejectsTooManyPools(t *testing.T) {
	alloc := newTestAllocator(t, MaxPools+2)
	for i := 0; i < MaxPools; i++ {
		_, err := alloc.AddPool(string(rune('a'+i%26))+string(rune('0'+i/26)), SlabSize, []uint32{64}, false)
		require.NoError(t, err)
	}
	_, err := alloc.AddPool("overflow", SlabSize, []uint32{64}, false)
	require.ErrorIs(t, err, ErrLogicError)
}

// TestAllocatorExhaustsPoolBudget walks a two-slab pool to exhaustion:
// every chunk of both slabs allocates, then the next request reports
// out-of-memory as a nil pointer.
func TestAllocatorExhaustsPoolBudget(t *testing.T) {
	alloc := newTestAllocator(t, 4)
	id, err := alloc.AddPool("a", 2*SlabSize, []uint32{128, 256}, false)
	require.NoError(t, err)

	total := 2 * int(SlabSize/128)
	for i := 0; i < total; i++ {
		ptr, err := alloc.Allocate(id, 128)
		require.NoError(t, err)
		require.NotNil(t, ptr, "allocation %d should fit in the budget", i)
	}

	ptr, err := alloc.Allocate(id, 128)
	require.NoError(t, err)
	require.Nil(t, ptr, "the budget is exhausted, so out-of-memory is reported as nil")
}

// TestAllocatorRebalanceRefillsReceiverClass fills one 256-byte slab,
// drains it through a rebalance release, and checks the slab then
// serves 128-byte requests with its header rewritten.
func TestAllocatorRebalanceRefillsReceiverClass(t *testing.T) {
	alloc := newTestAllocator(t, 4)
	poolID, err := alloc.AddPool("a", 2*SlabSize, []uint32{128, 256}, false)
	require.NoError(t, err)

	held := make([]unsafe.Pointer, 0, int(SlabSize/256))
	for i := 0; i < int(SlabSize/256); i++ {
		ptr, err := alloc.Allocate(poolID, 256)
		require.NoError(t, err)
		require.NotNil(t, ptr)
		held = append(held, ptr)
	}

	victim, err := alloc.GetAllocationClassId(poolID, 256)
	require.NoError(t, err)
	receiver, err := alloc.GetAllocationClassId(poolID, 128)
	require.NoError(t, err)

	ctx, err := alloc.StartSlabRelease(poolID, victim, receiver, SlabReleaseRebalance, nil, nil)
	require.NoError(t, err)
	require.False(t, ctx.Released(), "every chunk of the slab is outstanding")

	for _, ptr := range held {
		require.NoError(t, alloc.Free(ptr))
	}
	freed, err := alloc.AllAllocsFreed(ctx)
	require.NoError(t, err)
	require.True(t, freed)
	require.NoError(t, alloc.CompleteSlabRelease(ctx))

	ptr, err := alloc.Allocate(poolID, 128)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	info, err := alloc.GetAllocInfo(ptr)
	require.NoError(t, err)
	require.Equal(t, receiver, info.ClassID)
	require.Equal(t, uint32(128), info.AllocSize)
}

// TestAllocatorResizeReleaseReturnsSlabToAllocator covers the RESIZE
// mode: a released slab leaves the pool and becomes acquirable again.
func TestAllocatorResizeReleaseReturnsSlabToAllocator(t *testing.T) {
	alloc := newTestAllocator(t, 2)
	poolID, err := alloc.AddPool("a", 2*SlabSize, []uint32{128}, false)
	require.NoError(t, err)

	ptr, err := alloc.Allocate(poolID, 128)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.NoError(t, alloc.Free(ptr))

	pool, err := alloc.pm.GetPool(poolID)
	require.NoError(t, err)
	require.Equal(t, 1*SlabSize, pool.CurrentSize())

	victim, err := alloc.GetAllocationClassId(poolID, 128)
	require.NoError(t, err)
	ctx, err := alloc.StartSlabRelease(poolID, victim, InvalidClassID, SlabReleaseResize, nil, nil)
	require.NoError(t, err)
	require.True(t, ctx.Released(), "nothing outstanding, so the release completes inline")

	require.Equal(t, int64(0), pool.CurrentSize())
	require.False(t, alloc.AllSlabsAllocated())
}

// TestAllocatorShrinkThenReleaseClearsOverLimit covers a pool shrink
// followed by one resize-mode release bringing it back under budget.
func TestAllocatorShrinkThenReleaseClearsOverLimit(t *testing.T) {
	alloc := newTestAllocator(t, 2)
	poolID, err := alloc.AddPool("a", 2*SlabSize, []uint32{128}, false)
	require.NoError(t, err)

	// Hold every chunk of both slabs so the pool really pulls in its
	// whole budget, then hand them all back.
	chunksPerSlab := int(SlabSize / 128)
	held := make([]unsafe.Pointer, 0, 2*chunksPerSlab)
	for i := 0; i < 2*chunksPerSlab; i++ {
		ptr, err := alloc.Allocate(poolID, 128)
		require.NoError(t, err)
		require.NotNil(t, ptr)
		held = append(held, ptr)
	}
	for _, ptr := range held {
		require.NoError(t, alloc.Free(ptr))
	}

	ok, err := alloc.ShrinkPool(poolID, SlabSize)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, alloc.GetPoolsOverLimit(), poolID)

	victim, err := alloc.GetAllocationClassId(poolID, 128)
	require.NoError(t, err)
	ctx, err := alloc.StartSlabRelease(poolID, victim, InvalidClassID, SlabReleaseResize, nil, nil)
	require.NoError(t, err)
	require.True(t, ctx.Released())

	require.NotContains(t, alloc.GetPoolsOverLimit(), poolID)
}

func TestAllocatorForEachAllocationSkipsUnownedAndAdvised(t *testing.T) {
	alloc := newTestAllocator(t, 2)
	poolID, err := alloc.AddPool("a", SlabSize, []uint32{1024}, false)
	require.NoError(t, err)

	ptr, err := alloc.Allocate(poolID, 1024)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	count := 0
	skipped := alloc.ForEachAllocation(func(unsafe.Pointer) SlabIterationStatus {
		count++
		return IterationContinue
	})
	require.Equal(t, 1, skipped, "the unowned second slab is skipped")
	require.Equal(t, int(SlabSize/1024), count)

	idx, ok := alloc.sa.SlabIndexForPointer(ptr)
	require.True(t, ok)
	alloc.sa.AdviseSlab(idx, true)

	count = 0
	skipped = alloc.ForEachAllocation(func(unsafe.Pointer) SlabIterationStatus {
		count++
		return IterationContinue
	})
	require.Equal(t, 2, skipped, "advised slabs are skipped too")
	require.Equal(t, 0, count)
	alloc.sa.AdviseSlab(idx, false)

	require.NoError(t, alloc.Free(ptr))
}

// TestAllocatorConcurrentAllocateFree hammers Allocate and Free from
// many goroutines at once, each holding a small working set.
func TestAllocatorConcurrentAllocateFree(t *testing.T) {
	alloc := newTestAllocator(t, 32)
	sizes, err := GenerateAllocSizes(1.25, 64, 4096, false)
	require.NoError(t, err)
	id, err := alloc.AddPool("default", 32*SlabSize, sizes, false)
	require.NoError(t, err)

	const nroutines = 20
	const repeat = 2000

	var allocated, freed int64
	var wg sync.WaitGroup
	wg.Add(nroutines)
	for n := 0; n < nroutines; n++ {
		go func(seed int) {
			defer wg.Done()
			var held []unsafe.Pointer
			for i := 0; i < repeat; i++ {
				size := uint32(64 + (seed*37+i)%4000)
				ptr, err := alloc.Allocate(id, size)
				if err != nil {
					t.Errorf("Allocate: %v", err)
					return
				}
				if ptr == nil {
					continue
				}
				atomic.AddInt64(&allocated, 1)
				held = append(held, ptr)
				if len(held) > 8 {
					victim := held[0]
					held = held[1:]
					if err := alloc.Free(victim); err != nil {
						t.Errorf("Free: %v", err)
						return
					}
					atomic.AddInt64(&freed, 1)
				}
			}
			for _, ptr := range held {
				if err := alloc.Free(ptr); err != nil {
					t.Errorf("Free: %v", err)
					return
				}
				atomic.AddInt64(&freed, 1)
			}
		}(n)
	}
	wg.Wait()

	require.Equal(t, allocated, freed, "every successful allocation should eventually be freed")
}

// TestAllocatorSetLoggerRoutesDiagnostics installs a buffer-backed
// logger and checks pool and slab-release events land in it instead of
// the package default.
func TestAllocatorSetLoggerRoutesDiagnostics(t *testing.T) {
	var buf bytes.Buffer
	alloc := newTestAllocator(t, 2)
	alloc.SetLogger(log.New(&buf, log.Debug))

	poolID, err := alloc.AddPool("a", 2*SlabSize, []uint32{128}, false)
	require.NoError(t, err)

	ptr, err := alloc.Allocate(poolID, 128)
	require.NoError(t, err)
	require.NoError(t, alloc.Free(ptr))

	victim, err := alloc.GetAllocationClassId(poolID, 128)
	require.NoError(t, err)
	_, err = alloc.StartSlabRelease(poolID, victim, InvalidClassID, SlabReleaseResize, nil, nil)
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, `added pool "a"`)
	require.Contains(t, out, "marked slab")
	require.Contains(t, out, "returned slab")
}

func BenchmarkAllocatorAllocate(b *testing.B) {
	var hdr Header
	headerMemory := make([]byte, 8*int(unsafe.Sizeof(hdr)))
	slabMemory := make([]byte, 8*SlabSize)
	alloc, err := NewAllocator(headerMemory, slabMemory)
	if err != nil {
		b.Fatal(err)
	}
	id, err := alloc.AddPool("bench", 8*SlabSize, []uint32{128}, false)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ptr, err := alloc.Allocate(id, 128)
		if err != nil {
			b.Fatal(err)
		}
		if err := alloc.Free(ptr); err != nil {
			b.Fatal(err)
		}
	}
}

// TestAllocatorConcurrentSlabRebalance drives StartSlabRelease,
// ProcessAllocForRelease and CompleteSlabRelease from a separate
// goroutine while the test goroutine waits, then checks the rebalanced
// slab serves the receiver class.
func TestAllocatorConcurrentSlabRebalance(t *testing.T) {
	alloc := newTestAllocator(t, 4)
	sizes, err := GenerateAllocSizes(1.25, 64, 4096, false)
	require.NoError(t, err)
	poolID, err := alloc.AddPool("default", 4*SlabSize, sizes, false)
	require.NoError(t, err)

	small, err := alloc.GetAllocationClassId(poolID, sizes[0])
	require.NoError(t, err)
	big, err := alloc.GetAllocationClassId(poolID, sizes[len(sizes)-1])
	require.NoError(t, err)

	ptr, err := alloc.Allocate(poolID, sizes[0])
	require.NoError(t, err)
	require.NotNil(t, ptr)

	var done sync.WaitGroup
	done.Add(1)
	released := make(chan struct{})
	go func() {
		defer done.Done()
		ctx, err := alloc.StartSlabRelease(poolID, small, big, SlabReleaseRebalance, nil, nil)
		if err != nil {
			t.Errorf("StartSlabRelease: %v", err)
			return
		}
		close(released)
		if !ctx.Released() {
			if err := alloc.ProcessAllocForRelease(ctx, ptr, func(unsafe.Pointer) {}); err != nil {
				t.Errorf("ProcessAllocForRelease: %v", err)
				return
			}
		}
		if err := alloc.CompleteSlabRelease(ctx); err != nil {
			t.Errorf("CompleteSlabRelease: %v", err)
		}
	}()

	<-released
	done.Wait()

	bigPtr, err := alloc.Allocate(poolID, sizes[len(sizes)-1])
	require.NoError(t, err)
	require.NotNil(t, bigPtr, "rebalanced slab should now serve the receiver class")
}
