package buffer_pool

import "github.com/zhukovaskychina/xmysql-storage/server/storage/basic"

// EvictedCacheEntry is the hand-off returned by AddPage/AddPageAndPin. The
// buffer it carries has left the cache and may be reused by the caller; the
// wrapper (nil when the freed slot never held a page) has already been marked
// expired.
type EvictedCacheEntry struct {
	Buffer     []byte
	Wrapper    basic.CacheableData
	ResourceID basic.ResourceID
}

// DirtyPage describes one resident modified page. Used by the flush path;
// the buffer stays owned by the cache.
type DirtyPage struct {
	ResourceID basic.ResourceID
	Wrapper    basic.CacheableData
	Buffer     []byte
}
