package buffer_pool

import "sync/atomic"

// CacheStats 页面缓存统计信息
type CacheStats struct {
	hitCount      uint64
	missCount     uint64
	evictionCount uint64
}

// IncrHitCount increments the hit count.
func (st *CacheStats) IncrHitCount() uint64 {
	return atomic.AddUint64(&st.hitCount, 1)
}

// IncrMissCount increments the miss count.
func (st *CacheStats) IncrMissCount() uint64 {
	return atomic.AddUint64(&st.missCount, 1)
}

// IncrEvictionCount increments the eviction count.
func (st *CacheStats) IncrEvictionCount() uint64 {
	return atomic.AddUint64(&st.evictionCount, 1)
}

// HitCount returns the hit count.
func (st *CacheStats) HitCount() uint64 {
	return atomic.LoadUint64(&st.hitCount)
}

// MissCount returns the miss count.
func (st *CacheStats) MissCount() uint64 {
	return atomic.LoadUint64(&st.missCount)
}

// EvictionCount returns the eviction count.
func (st *CacheStats) EvictionCount() uint64 {
	return atomic.LoadUint64(&st.evictionCount)
}

// LookupCount returns the total lookup count.
func (st *CacheStats) LookupCount() uint64 {
	return st.HitCount() + st.MissCount()
}

// HitRate returns the rate for cache hitting.
func (st *CacheStats) HitRate() float64 {
	hc, mc := st.HitCount(), st.MissCount()
	total := hc + mc
	if total == 0 {
		return 0.0
	}
	return float64(hc) / float64(total)
}
