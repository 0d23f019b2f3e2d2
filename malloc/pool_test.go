package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, numSlabs, budgetSlabs int) (*Pool, *SlabAllocator) {
	t.Helper()
	sa := newTestSlabAllocator(t, numSlabs)
	sizes, err := GenerateAllocSizes(1.25, 64, 4096, false)
	require.NoError(t, err)
	pool, err := NewPool(0, "default", sa, sizes, int64(budgetSlabs)*SlabSize)
	require.NoError(t, err)
	return pool, sa
}

func TestPoolAllocateAcquiresSlabsOnDemand(t *testing.T) {
	pool, _ := newTestPool(t, 4, 4)

	ptr, classID, err := pool.Allocate(100)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.True(t, classID.Valid())
	require.Equal(t, 1, pool.NumSlabs(), "first allocation should have pulled in exactly one slab")
}

func TestPoolAllocateRespectsSlabBudget(t *testing.T) {
	pool, _ := newTestPool(t, 4, 1)

	size, err := pool.GetAllocSize(4096)
	require.NoError(t, err)
	chunksPerSlab := int(SlabSize / int64(size))

	var last error
	out := 0
	for i := 0; i < chunksPerSlab+1; i++ {
		ptr, _, err := pool.Allocate(4096)
		last = err
		if ptr == nil {
			break
		}
		out++
	}
	require.NoError(t, last)
	require.Equal(t, chunksPerSlab, out, "budget of one slab should cap allocations to one slab's worth of chunks")

	ptr, _, err := pool.Allocate(4096)
	require.NoError(t, err)
	require.Nil(t, ptr, "exhausting the pool's slab budget should report out-of-memory, not an error")
}

func TestPoolFreeRoutesThroughSlabHeader(t *testing.T) {
	pool, _ := newTestPool(t, 4, 4)
	ptr, _, err := pool.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, pool.Free(ptr))
}

func TestPoolRebalanceMovesSlabBetweenClasses(t *testing.T) {
	pool, sa := newTestPool(t, 2, 2)

	sizes := pool.AllocSizes()
	small, err := pool.GetAllocClass(sizes[0])
	require.NoError(t, err)
	big, err := pool.GetAllocClass(sizes[len(sizes)-1])
	require.NoError(t, err)
	require.NotEqual(t, small.ID(), big.ID())

	ptr, _, err := pool.Allocate(sizes[0])
	require.NoError(t, err)
	require.NotNil(t, ptr)

	ctx, err := pool.StartSlabRelease(small.ID(), big.ID(), SlabReleaseRebalance, nil, nil)
	require.NoError(t, err)

	if !ctx.Released() {
		require.NoError(t, pool.ProcessAllocForRelease(ctx, ptr, func(unsafe.Pointer) {}))
	}

	require.NoError(t, pool.CompleteSlabRelease(ctx))

	_ = sa
	bigPtr, _, err := pool.Allocate(sizes[len(sizes)-1])
	require.NoError(t, err)
	require.NotNil(t, bigPtr, "the rebalanced slab should now serve the receiver class")
}
