package malloc

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/xinranwang17/memengine/log"
)

// PoolManager owns the directory of named pools carved out of one
// SlabAllocator, and enforces the global byte budget across all of
// them: the sum of every pool's target size plus the unreserved bytes
// always equals the total usable memory.
//
// Lock order across this package is pool manager -> pool -> class ->
// slab allocator; PoolManager only ever calls down into a Pool while
// holding its own mutex, never the reverse, so that ordering can never
// invert.
type PoolManager struct {
	mu sync.Mutex

	sa    *SlabAllocator
	pools []*Pool // indexed by PoolID
	names map[string]PoolID

	totalMemory int64
	unreserved  int64

	logger log.Logger
}

// NewPoolManager constructs an empty pool directory over sa. All usable
// memory starts out unreserved.
func NewPoolManager(sa *SlabAllocator) *PoolManager {
	total := int64(sa.UsableSlabCount()) * SlabSize
	return &PoolManager{
		sa:          sa,
		names:       make(map[string]PoolID),
		totalMemory: total,
		unreserved:  total,
		logger:      log.Default(),
	}
}

// SetLogger routes this manager's diagnostics, and those of every pool
// it holds, to l.
func (pm *PoolManager) SetLogger(l log.Logger) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.logger = l
	for _, p := range pm.pools {
		p.SetLogger(l)
	}
}

// AddPool creates a new named pool with the given byte budget and size
// classes, reserving size bytes out of the unreserved total. With
// ensureProvisionable set it additionally requires the budget to cover
// at least one slab per allocation class.
func (pm *PoolManager) AddPool(name string, size int64, allocSizes []uint32, ensureProvisionable bool) (PoolID, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if name == "" {
		return InvalidPoolID, fmt.Errorf("%w: pool name must not be empty", ErrInvalidArgument)
	}
	if _, exists := pm.names[name]; exists {
		return InvalidPoolID, fmt.Errorf("%w: pool %q already exists", ErrLogicError, name)
	}
	if len(pm.pools) >= MaxPools {
		return InvalidPoolID, fmt.Errorf("%w: pool manager already holds the maximum of %d pools", ErrLogicError, MaxPools)
	}
	if size > pm.unreserved {
		return InvalidPoolID, fmt.Errorf("%w: pool %q wants %d bytes, only %d unreserved",
			ErrInvalidArgument, name, size, pm.unreserved)
	}
	if ensureProvisionable && size < int64(len(allocSizes))*SlabSize {
		return InvalidPoolID, fmt.Errorf("%w: pool %q cannot provision %d classes from %d bytes",
			ErrInvalidArgument, name, len(allocSizes), size)
	}

	id := PoolID(len(pm.pools))
	pool, err := NewPool(id, name, pm.sa, allocSizes, size)
	if err != nil {
		return InvalidPoolID, err
	}
	pool.SetLogger(pm.logger)
	pm.pools = append(pm.pools, pool)
	pm.names[name] = id
	pm.unreserved -= size
	pm.logger.Infof("malloc: added pool %q id=%d classes=%d size=%d", name, id, len(allocSizes), size)
	return id, nil
}

// PoolIDForName resolves a pool name to its id.
func (pm *PoolManager) PoolIDForName(name string) (PoolID, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	id, ok := pm.names[name]
	if !ok {
		return InvalidPoolID, fmt.Errorf("%w: no pool named %q", ErrInvalidArgument, name)
	}
	return id, nil
}

// PoolName resolves a pool id to its name.
func (pm *PoolManager) PoolName(id PoolID) (string, error) {
	pool, err := pm.GetPool(id)
	if err != nil {
		return "", err
	}
	return pool.Name(), nil
}

// GetPool returns the pool with the given id.
func (pm *PoolManager) GetPool(id PoolID) (*Pool, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.getPoolLocked(id)
}

func (pm *PoolManager) getPoolLocked(id PoolID) (*Pool, error) {
	if int(id) >= len(pm.pools) {
		return nil, fmt.Errorf("%w: no pool with id %d", ErrInvalidArgument, id)
	}
	return pm.pools[id], nil
}

// GetPoolIds returns the ids of every pool currently registered.
func (pm *PoolManager) GetPoolIds() []PoolID {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ids := make([]PoolID, len(pm.pools))
	for i, p := range pm.pools {
		ids[i] = p.ID()
	}
	return ids
}

// GrowPool increases pool id's byte budget by bytes. It reports false,
// without an error, when fewer than bytes remain unreserved: running
// out of memory is a value here, not an error.
func (pm *PoolManager) GrowPool(id PoolID, bytes int64) (bool, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pool, err := pm.getPoolLocked(id)
	if err != nil {
		return false, err
	}
	if bytes > pm.unreserved {
		return false, nil
	}
	pm.unreserved -= bytes
	pool.Resize(pool.TargetSize() + bytes)
	pm.logger.Debugf("malloc: grew pool %q by %d bytes, new target %d", pool.Name(), bytes, pool.TargetSize())
	return true, nil
}

// ShrinkPool decreases pool id's byte budget by bytes, reporting false
// when the pool's budget is smaller than bytes. Slabs already assigned
// beyond the new budget are not reclaimed by this call; the pool
// reports itself OverLimit until its owner releases enough slabs via
// StartSlabRelease/CompleteSlabRelease.
func (pm *PoolManager) ShrinkPool(id PoolID, bytes int64) (bool, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pool, err := pm.getPoolLocked(id)
	if err != nil {
		return false, err
	}
	if bytes > pool.TargetSize() {
		return false, nil
	}
	pool.Resize(pool.TargetSize() - bytes)
	pm.unreserved += bytes
	pm.logger.Debugf("malloc: shrank pool %q by %d bytes, new target %d", pool.Name(), bytes, pool.TargetSize())
	return true, nil
}

// ResizePools moves bytes of budget from pool src to pool dst in one
// step, reporting false when src's budget is smaller than bytes. The
// shrink and grow are atomic under the manager's mutex: no interleaved
// AddPool or GrowPool can claim the bytes in between.
func (pm *PoolManager) ResizePools(src, dst PoolID, bytes int64) (bool, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	from, err := pm.getPoolLocked(src)
	if err != nil {
		return false, err
	}
	to, err := pm.getPoolLocked(dst)
	if err != nil {
		return false, err
	}
	if bytes > from.TargetSize() {
		return false, nil
	}
	from.Resize(from.TargetSize() - bytes)
	to.Resize(to.TargetSize() + bytes)
	pm.logger.Infof("malloc: moved %d bytes of budget from pool %q to pool %q", bytes, from.Name(), to.Name())
	return true, nil
}

// GetPoolsOverLimit returns the ids of every pool currently holding
// more bytes in slabs than its budget allows.
func (pm *PoolManager) GetPoolsOverLimit() []PoolID {
	pm.mu.Lock()
	pools := make([]*Pool, len(pm.pools))
	copy(pools, pm.pools)
	pm.mu.Unlock()

	var over []PoolID
	for _, p := range pools {
		if p.OverLimit() {
			over = append(over, p.ID())
		}
	}
	return over
}

// MemorySize returns the total byte capacity managed by this pool
// manager's slab allocator.
func (pm *PoolManager) MemorySize() int64 {
	return pm.totalMemory
}

// UnreservedMemorySize returns the bytes not yet claimed by any pool's
// budget.
func (pm *PoolManager) UnreservedMemorySize() int64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.unreserved
}

// AdvisedMemorySize returns the bytes currently advised away across
// every slab in the underlying slab allocator.
func (pm *PoolManager) AdvisedMemorySize() int64 {
	var advised int64
	for i := 0; i < pm.sa.UsableSlabCount(); i++ {
		if pm.sa.HeaderForIndex(i).IsAdvised() {
			advised += SlabSize
		}
	}
	return advised
}

// AllSlabsAllocated reports whether the underlying slab allocator has
// no free slabs left to hand out to any pool.
func (pm *PoolManager) AllSlabsAllocated() bool {
	return pm.sa.AllSlabsAllocated()
}

// PoolAllSlabsAllocated reports whether pool id's own byte budget is
// fully assigned.
func (pm *PoolManager) PoolAllSlabsAllocated(id PoolID) (bool, error) {
	pool, err := pm.GetPool(id)
	if err != nil {
		return false, err
	}
	return pool.AllSlabsAllocated(), nil
}

// GetAllocInfoPool resolves ptr's owning pool via its slab header.
func (pm *PoolManager) GetAllocInfoPool(ptr unsafe.Pointer) (*Pool, error) {
	header, ok := pm.sa.SlabHeader(ptr)
	if !ok {
		return nil, fmt.Errorf("%w: pointer does not belong to this allocator", ErrInvalidArgument)
	}
	return pm.GetPool(header.PoolID())
}
