package malloc

import (
	"fmt"
	"sort"
)

// roundUpAlign rounds size up to the next multiple of Alignment.
func roundUpAlign(size uint32) uint32 {
	a := uint32(Alignment)
	return ((size + a - 1) / a) * a
}

// SuitableSize picks the smallest size in sizes (assumed sorted
// ascending) that can hold n bytes.
func SuitableSize(sizes []uint32, n uint32) (uint32, error) {
	i := sort.Search(len(sizes), func(i int) bool { return sizes[i] >= n })
	if i == len(sizes) {
		return 0, fmt.Errorf("%w: size %d exceeds largest configured class", ErrInvalidArgument, n)
	}
	return sizes[i], nil
}

// reduceFragSize rounds size up to the largest value that preserves the
// number of chunks a slab carved at size would yield, snapping to the
// boundary where chunks-per-slab would otherwise change.
func reduceFragSize(size uint32) uint32 {
	chunksPerSlab := SlabSize / int64(size)
	if chunksPerSlab <= 0 {
		return size
	}
	maxSize := uint32(SlabSize / chunksPerSlab)
	aligned := (maxSize / uint32(Alignment)) * uint32(Alignment)
	if aligned < size {
		return size
	}
	return aligned
}

// GenerateAllocSizes returns a default set of allocation-class sizes
// between minSize and maxSize, growing each step by factor and
// optionally snapping each step up to the chunks-per-slab boundary to
// reduce tail fragmentation.
//
// It fails if factor <= 1.0, if maxSize exceeds SlabSize, or if
// reduceFragmentation combines with factor such that no growth happens
// between consecutive steps.
func GenerateAllocSizes(factor float64, minSize, maxSize uint32, reduceFragmentation bool) ([]uint32, error) {
	if factor <= 1.0 {
		return nil, fmt.Errorf("%w: factor %v must be greater than 1.0", ErrLogicError, factor)
	}
	if int64(maxSize) > SlabSize {
		return nil, fmt.Errorf("%w: maxSize %d exceeds slab size %d", ErrLogicError, maxSize, SlabSize)
	}

	sizes := make([]uint32, 0, 64)
	size := roundUpAlign(minSize)
	for {
		candidate := size
		if reduceFragmentation {
			candidate = reduceFragSize(candidate)
		}
		if len(sizes) > 0 && candidate <= sizes[len(sizes)-1] {
			fmsg := "%w: factor %v with reduceFragmentation produced no size growth past %d"
			return nil, fmt.Errorf(fmsg, ErrLogicError, factor, sizes[len(sizes)-1])
		}
		if candidate >= maxSize {
			sizes = append(sizes, maxSize)
			break
		}
		sizes = append(sizes, candidate)

		next := uint32(float64(size)*factor + 0.999999) // round up
		size = roundUpAlign(next)
		if size <= sizes[len(sizes)-1] {
			size = sizes[len(sizes)-1] + uint32(Alignment)
		}
	}
	return sizes, nil
}
