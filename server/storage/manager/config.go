package manager

import (
	"github.com/zhukovaskychina/xmysql-storage/server/conf"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
)

const (
	// MaxPageRequestsInSingleQueue bounds how many page numbers one pending
	// read request may accumulate before a new request is opened.
	MaxPageRequestsInSingleQueue = 32

	// readBurstLimit is how many read requests a worker serves in a row
	// while writes are pending before it switches to a write.
	readBurstLimit = 4

	DefaultCachePages   = 1024
	DefaultIOThreads    = 1
	DefaultSpareBuffers = 64
)

// Config carries everything the buffer pool manager needs at construction.
type Config struct {
	// CachePages is the cache capacity, in pages, per page size. Sizes that
	// are missing get DefaultCachePages on first use.
	CachePages map[basic.PageSize]int

	// IOThreads is the number of IO worker goroutines Start spawns.
	IOThreads int

	// SpareBuffers is the number of staging buffers preallocated per page
	// size, before the floor of one full request batch per worker.
	SpareBuffers int
}

// DefaultConfig returns a config with every knob at its default.
func DefaultConfig() *Config {
	return &Config{
		CachePages:   make(map[basic.PageSize]int),
		IOThreads:    DefaultIOThreads,
		SpareBuffers: DefaultSpareBuffers,
	}
}

// ConfigFromCfg bridges the ini-backed configuration into a Config.
func ConfigFromCfg(cfg *conf.Cfg) *Config {
	c := DefaultConfig()
	for size, pages := range cfg.CachePages {
		c.CachePages[size] = pages
	}
	if cfg.IOThreads > 0 {
		c.IOThreads = cfg.IOThreads
	}
	if cfg.SpareBuffers > 0 {
		c.SpareBuffers = cfg.SpareBuffers
	}
	return c
}

// normalize applies defaults in place.
func (c *Config) normalize() {
	if c.CachePages == nil {
		c.CachePages = make(map[basic.PageSize]int)
	}
	if c.IOThreads <= 0 {
		c.IOThreads = DefaultIOThreads
	}
	if c.SpareBuffers <= 0 {
		c.SpareBuffers = DefaultSpareBuffers
	}
}

// cachePagesFor returns the configured capacity for one page size.
func (c *Config) cachePagesFor(size basic.PageSize) int {
	if pages, ok := c.CachePages[size]; ok && pages > 0 {
		return pages
	}
	return DefaultCachePages
}

// spareBuffersFor sizes one spare pool: never less than a full request batch
// per worker, so that a worker can always stage its largest read.
func (c *Config) spareBuffersFor() int {
	floor := c.IOThreads * MaxPageRequestsInSingleQueue
	if c.SpareBuffers > floor {
		return c.SpareBuffers
	}
	return floor
}
