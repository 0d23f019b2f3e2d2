package malloc

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PoolConfig describes one named pool to create at startup.
type PoolConfig struct {
	Name string `yaml:"name"`

	// MinAllocSize/MaxAllocSize/Factor/ReduceFragmentation feed
	// GenerateAllocSizes when AllocSizes is empty.
	MinAllocSize        uint32   `yaml:"min_alloc_size"`
	MaxAllocSize        uint32   `yaml:"max_alloc_size"`
	Factor              float64  `yaml:"factor"`
	ReduceFragmentation bool     `yaml:"reduce_fragmentation"`
	AllocSizes          []uint32 `yaml:"alloc_sizes,omitempty"`

	// SizeBytes is the pool's byte budget, reserved out of the
	// allocator's unreserved total at AddPool time.
	SizeBytes int64 `yaml:"size_bytes"`

	// EnsureProvisionable additionally requires SizeBytes to cover at
	// least one slab per allocation class.
	EnsureProvisionable bool `yaml:"ensure_provisionable"`
}

// Config is the top-level construction parameters for an Allocator.
type Config struct {
	// TotalMemoryBytes sizes the backing slab region; it is rounded
	// down to a whole number of SlabSize slabs.
	TotalMemoryBytes int64 `yaml:"total_memory_bytes"`

	Pools []PoolConfig `yaml:"pools"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config %q: %v", ErrInvalidArgument, path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config %q: %v", ErrInvalidArgument, path, err)
	}
	return &cfg, nil
}

// Validate sanity-checks a Config before it is used to size any memory.
func (c *Config) Validate() error {
	if c.TotalMemoryBytes < SlabSize {
		return fmt.Errorf("%w: total_memory_bytes %d smaller than one slab (%d)", ErrInvalidArgument, c.TotalMemoryBytes, SlabSize)
	}
	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("%w: pool with empty name", ErrInvalidArgument)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate pool name %q", ErrInvalidArgument, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// AllocSizesFor resolves this pool's configured size classes, either
// the explicit list or a generated default.
func (p *PoolConfig) AllocSizesFor() ([]uint32, error) {
	if len(p.AllocSizes) > 0 {
		return p.AllocSizes, nil
	}
	factor := p.Factor
	if factor == 0 {
		factor = 1.25
	}
	minSize := p.MinAllocSize
	if minSize == 0 {
		minSize = 72
	}
	maxSize := p.MaxAllocSize
	if maxSize == 0 {
		maxSize = uint32(SlabSize)
	}
	return GenerateAllocSizes(factor, minSize, maxSize, p.ReduceFragmentation)
}

// SlabCountFor returns how many whole slabs fit in bytes.
func SlabCountFor(bytes int64) int {
	return int(bytes / SlabSize)
}
