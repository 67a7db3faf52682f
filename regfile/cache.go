package regfile

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// CacheConfig sizes the register value cache.
type CacheConfig struct {
	// Entries is the number of register values the cache can hold.
	Entries int
	// Associativity is the number of ways per set.
	Associativity int
}

// DefaultCacheConfig returns a cache large enough for typical register files.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Entries:       256,
		Associativity: 4,
	}
}

// CacheStats counts cache activity.
type CacheStats struct {
	Reads     uint64
	Hits      uint64
	Misses    uint64
	Fills     uint64
	Evictions uint64
}

// valueCache keeps register values by address. Every block holds exactly one
// register, so the block tag is the register address.
type valueCache struct {
	config    CacheConfig
	directory *akitacache.DirectoryImpl
	values    []uint32
	stats     CacheStats
}

func newValueCache(config CacheConfig) *valueCache {
	numSets := config.Entries / config.Associativity
	if numSets < 1 {
		numSets = 1
	}

	return &valueCache{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			1,
			akitacache.NewLRUVictimFinder(),
		),
		values: make([]uint32, numSets*config.Associativity),
	}
}

func (c *valueCache) index(block *akitacache.Block) int {
	return block.SetID*c.config.Associativity + block.WayID
}

// get returns the cached value of addr.
func (c *valueCache) get(addr uint32) (uint32, bool) {
	c.stats.Reads++

	block := c.directory.Lookup(0, uint64(addr))
	if block == nil || !block.IsValid {
		c.stats.Misses++
		return 0, false
	}

	c.stats.Hits++
	c.directory.Visit(block)
	return c.values[c.index(block)], true
}

// put stores v for addr, evicting the least recently used value of the set.
func (c *valueCache) put(addr uint32, v uint32) {
	block := c.directory.Lookup(0, uint64(addr))
	if block == nil || !block.IsValid {
		block = c.directory.FindVictim(uint64(addr))
		if block == nil {
			return
		}
		if block.IsValid {
			c.stats.Evictions++
		}
		block.Tag = uint64(addr)
		block.IsValid = true
		c.stats.Fills++
	}

	c.values[c.index(block)] = v
	c.directory.Visit(block)
}

func (c *valueCache) invalidate(addr uint32) {
	block := c.directory.Lookup(0, uint64(addr))
	if block != nil && block.IsValid {
		block.IsValid = false
	}
}

func (c *valueCache) reset() {
	c.directory.Reset()
	c.stats = CacheStats{}
}
