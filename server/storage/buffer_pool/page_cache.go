package buffer_pool

import (
	"container/list"
	"sync"

	"github.com/ncw/directio"
	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
)

// PageCache is a fixed-capacity adaptive replacement cache (ARC) of page
// buffers for one page size. It keeps four recency lists:
//
//	t1 - resident pages seen once recently
//	t2 - resident pages seen at least twice recently
//	b1 - ghost keys of pages evicted from t1
//	b2 - ghost keys of pages evicted from t2
//
// plus a free list of slots that carry a buffer but no findable page (the
// seeded cold slots, and slots expelled via ExpelAllPagesForResource). Free
// slots are consumed ahead of the normal ARC victim choice.
//
// The adaptive target p balances t1 against t2: eviction prefers t1 while
// |t1| > p. Ghost hits move p toward the list that is proving useful.
//
// The cache owns its buffers for its whole lifetime. An insertion hands the
// buffer of the chosen victim back to the caller as an EvictedCacheEntry; the
// victim's wrapper is marked expired in the same step. Pinned entries are
// never chosen as victims.
type PageCache struct {
	mu sync.Mutex

	pageSize basic.PageSize
	capacity int
	p        int // target size of t1

	t1   *list.List // *cacheEntry, Front = MRU
	t2   *list.List // *cacheEntry
	b1   *list.List // *ghostEntry
	b2   *list.List // *ghostEntry
	free *list.List // *cacheEntry, Front = next victim

	live   map[uint64]*list.Element
	ghosts map[uint64]*list.Element

	stats *CacheStats
}

type cacheEntry struct {
	resourceID basic.ResourceID // InvalidResourceID while the slot is cold
	pageNo     uint32
	wrapper    basic.CacheableData // nil while the slot is cold
	buf        []byte
	pins       int
	hit        bool       // false until the first lookup after a fresh add
	home       *list.List // t1, t2 or free
}

type ghostEntry struct {
	key  uint64
	home *list.List // b1 or b2
}

// NewPageCache creates a cache of the given capacity and seeds it with
// capacity cold slots. The buffers are aligned so they can be handed to a
// direct-IO resource manager unchanged.
func NewPageCache(pageSize basic.PageSize, capacity int) (*PageCache, error) {
	if _, err := basic.PageSizeFor(pageSize.Bytes()); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, basic.NewError("new page cache", basic.ErrBufferPool)
	}

	c := &PageCache{
		pageSize: pageSize,
		capacity: capacity,
		t1:       list.New(),
		t2:       list.New(),
		b1:       list.New(),
		b2:       list.New(),
		free:     list.New(),
		live:     make(map[uint64]*list.Element, capacity),
		ghosts:   make(map[uint64]*list.Element, capacity),
		stats:    &CacheStats{},
	}
	for i := 0; i < capacity; i++ {
		e := &cacheEntry{
			resourceID: basic.InvalidResourceID,
			buf:        directio.AlignedBlock(pageSize.Bytes()),
			home:       c.free,
		}
		c.free.PushBack(e)
	}
	return c, nil
}

func makeKey(resourceID basic.ResourceID, pageNo uint32) uint64 {
	return uint64(uint32(resourceID))<<32 | uint64(pageNo)
}

// GetPage looks a page up and returns its wrapper, or nil when the page is
// not resident. A lookup counts as a hit: the first lookup after a fresh add
// refreshes the entry within t1, every later lookup promotes it to t2.
func (c *PageCache) GetPage(resourceID basic.ResourceID, pageNo uint32) basic.CacheableData {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.live[makeKey(resourceID, pageNo)]
	if !ok {
		c.stats.IncrMissCount()
		return nil
	}
	e := elem.Value.(*cacheEntry)
	c.touch(elem, e)
	c.stats.IncrHitCount()
	return e.wrapper
}

// GetPageAndPin is GetPage plus a pin-count increment on a hit.
func (c *PageCache) GetPageAndPin(resourceID basic.ResourceID, pageNo uint32) basic.CacheableData {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.live[makeKey(resourceID, pageNo)]
	if !ok {
		c.stats.IncrMissCount()
		return nil
	}
	e := elem.Value.(*cacheEntry)
	e.pins++
	c.touch(elem, e)
	c.stats.IncrHitCount()
	return e.wrapper
}

// touch applies the hit policy to a resident entry.
func (c *PageCache) touch(elem *list.Element, e *cacheEntry) {
	if !e.hit {
		e.hit = true
		e.home.MoveToFront(elem)
		return
	}
	if e.home == c.t2 {
		c.t2.MoveToFront(elem)
		return
	}
	c.t1.Remove(elem)
	e.home = c.t2
	c.live[makeKey(e.resourceID, e.pageNo)] = c.t2.PushFront(e)
}

// AddPage inserts a page that is not yet resident. A fresh key lands at the
// MRU end of t1 and is not yet considered hit; a ghost hit lands at the MRU
// end of t2 and is considered hit.
// The returned EvictedCacheEntry carries the buffer freed to make room.
func (c *PageCache) AddPage(page basic.CacheableData, resourceID basic.ResourceID) (*EvictedCacheEntry, error) {
	return c.add(page, resourceID, false)
}

// AddPageAndPin is AddPage with the new entry pinned once and considered hit
// immediately, even when it lands in t1.
func (c *PageCache) AddPageAndPin(page basic.CacheableData, resourceID basic.ResourceID) (*EvictedCacheEntry, error) {
	return c.add(page, resourceID, true)
}

func (c *PageCache) add(page basic.CacheableData, resourceID basic.ResourceID, pin bool) (*EvictedCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := makeKey(resourceID, page.PageNumber())
	if _, ok := c.live[key]; ok {
		return nil, basic.NewError("add page", basic.ErrDuplicateCacheEntry)
	}

	var wasInB1, wasInB2 bool
	gElem, wasGhost := c.ghosts[key]
	if wasGhost {
		g := gElem.Value.(*ghostEntry)
		wasInB1 = g.home == c.b1
		wasInB2 = g.home == c.b2
	}

	// Victim selection is a pure scan so that a fully pinned cache leaves
	// every list and the adaptive target untouched.
	victim := c.selectVictim(wasInB2)
	if victim == nil {
		logger.Debugf("page cache: no evictable entry, %d resident pages all pinned", c.t1.Len()+c.t2.Len())
		return nil, basic.NewError("add page", basic.ErrCachePinned)
	}

	if wasInB1 {
		c.p = minInt(c.p+maxInt(1, c.b2.Len()/c.b1.Len()), c.capacity)
	} else if wasInB2 {
		c.p = maxInt(c.p-maxInt(1, c.b1.Len()/c.b2.Len()), 0)
	}
	if wasGhost {
		g := gElem.Value.(*ghostEntry)
		g.home.Remove(gElem)
		delete(c.ghosts, key)
	}

	evicted := c.evict(victim)

	e := &cacheEntry{
		resourceID: resourceID,
		pageNo:     page.PageNumber(),
		wrapper:    page,
		buf:        page.Buffer(),
	}
	if pin {
		e.pins = 1
	}
	if wasGhost {
		e.hit = true
		e.home = c.t2
		c.live[key] = c.t2.PushFront(e)
	} else {
		e.hit = pin
		e.home = c.t1
		c.live[key] = c.t1.PushFront(e)
	}

	c.capGhostLists()
	return evicted, nil
}

// selectVictim picks the element the next eviction will take, without
// mutating anything. Free slots go first; otherwise the ARC choice between
// t1 and t2, skipping pinned entries from the LRU end and falling back to
// the other list when one is exhausted. Returns nil when everything resident
// is pinned.
func (c *PageCache) selectVictim(incomingWasInB2 bool) *list.Element {
	if c.free.Len() > 0 {
		return c.free.Front()
	}

	preferT1 := c.t1.Len() >= 1 && (c.t1.Len() > c.p || (incomingWasInB2 && c.t1.Len() == c.p))
	first, second := c.t2, c.t1
	if preferT1 {
		first, second = c.t1, c.t2
	}
	if elem := oldestUnpinned(first); elem != nil {
		return elem
	}
	return oldestUnpinned(second)
}

func oldestUnpinned(l *list.List) *list.Element {
	for elem := l.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.(*cacheEntry).pins == 0 {
			return elem
		}
	}
	return nil
}

// evict removes the chosen element from its list and returns the hand-off.
// Resident victims leave a ghost behind; free slots do not.
func (c *PageCache) evict(elem *list.Element) *EvictedCacheEntry {
	e := elem.Value.(*cacheEntry)
	evicted := &EvictedCacheEntry{
		Buffer:     e.buf,
		Wrapper:    e.wrapper,
		ResourceID: e.resourceID,
	}

	if e.home == c.free {
		c.free.Remove(elem)
		return evicted
	}

	key := makeKey(e.resourceID, e.pageNo)
	ghostHome := c.b1
	if e.home == c.t2 {
		ghostHome = c.b2
	}
	e.home.Remove(elem)
	delete(c.live, key)
	e.wrapper.MarkExpired()

	g := &ghostEntry{key: key, home: ghostHome}
	c.ghosts[key] = ghostHome.PushFront(g)

	c.stats.IncrEvictionCount()
	return evicted
}

// capGhostLists trims the ghost directory to the ARC bounds:
// |t1|+|b1| <= capacity and the whole directory <= 2*capacity.
func (c *PageCache) capGhostLists() {
	for c.t1.Len()+c.b1.Len() > c.capacity && c.b1.Len() > 0 {
		c.dropGhost(c.b1)
	}
	for c.t1.Len()+c.t2.Len()+c.b1.Len()+c.b2.Len() > 2*c.capacity && c.b2.Len() > 0 {
		c.dropGhost(c.b2)
	}
}

func (c *PageCache) dropGhost(l *list.List) {
	elem := l.Back()
	if elem == nil {
		return
	}
	g := elem.Value.(*ghostEntry)
	l.Remove(elem)
	delete(c.ghosts, g.key)
}

// PinPage increments the pin count of a resident page without counting the
// access as a hit. Used by the IO completion path when several waiters share
// one read. Reports whether the page was resident.
func (c *PageCache) PinPage(resourceID basic.ResourceID, pageNo uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.live[makeKey(resourceID, pageNo)]
	if !ok {
		return false
	}
	elem.Value.(*cacheEntry).pins++
	return true
}

// UnpinPage decrements the pin count of a resident pinned page. No-op in
// every other case.
func (c *PageCache) UnpinPage(resourceID basic.ResourceID, pageNo uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.live[makeKey(resourceID, pageNo)]
	if !ok {
		return
	}
	e := elem.Value.(*cacheEntry)
	if e.pins > 0 {
		e.pins--
	}
}

// UnpinAllPages clears every pin count. List positions are untouched.
func (c *PageCache) UnpinAllPages() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range []*list.List{c.t1, c.t2} {
		for elem := l.Front(); elem != nil; elem = elem.Next() {
			elem.Value.(*cacheEntry).pins = 0
		}
	}
}

// Contains reports residency without touching lists or statistics.
func (c *PageCache) Contains(resourceID basic.ResourceID, pageNo uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.live[makeKey(resourceID, pageNo)]
	return ok
}

// GetAllPagesForResource returns the wrappers of every resident page of the
// resource. Each returned page counts as a hit.
func (c *PageCache) GetAllPagesForResource(resourceID basic.ResourceID) []basic.CacheableData {
	c.mu.Lock()
	defer c.mu.Unlock()

	elems := c.collectResource(resourceID)
	pages := make([]basic.CacheableData, 0, len(elems))
	for _, elem := range elems {
		e := elem.Value.(*cacheEntry)
		c.touch(elem, e)
		c.stats.IncrHitCount()
		pages = append(pages, e.wrapper)
	}
	return pages
}

// ExpelAllPagesForResource makes every page of the resource non-findable and
// lines its slots up as the next eviction victims. Wrappers are expired, pin
// counts are cleared, ghosts of the resource are purged. Buffers stay in the
// cache and re-emerge through future additions.
func (c *PageCache) ExpelAllPagesForResource(resourceID basic.ResourceID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elems := c.collectResource(resourceID)
	for _, elem := range elems {
		e := elem.Value.(*cacheEntry)
		e.wrapper.MarkExpired()
		e.home.Remove(elem)
		delete(c.live, makeKey(e.resourceID, e.pageNo))
		e.pins = 0
		e.hit = false
		e.home = c.free
		c.free.PushBack(e)
	}

	for _, l := range []*list.List{c.b1, c.b2} {
		var next *list.Element
		for elem := l.Front(); elem != nil; elem = next {
			next = elem.Next()
			g := elem.Value.(*ghostEntry)
			if basic.ResourceID(int32(g.key>>32)) == resourceID {
				l.Remove(elem)
				delete(c.ghosts, g.key)
			}
		}
	}

	if len(elems) > 0 {
		logger.Debugf("page cache: expelled %d pages of resource %d", len(elems), resourceID)
	}
}

func (c *PageCache) collectResource(resourceID basic.ResourceID) []*list.Element {
	var elems []*list.Element
	for _, l := range []*list.List{c.t1, c.t2} {
		for elem := l.Front(); elem != nil; elem = elem.Next() {
			if elem.Value.(*cacheEntry).resourceID == resourceID {
				elems = append(elems, elem)
			}
		}
	}
	return elems
}

// DirtyPages enumerates the resident modified pages without hit semantics.
// The buffers stay owned by the cache; callers must finish using them before
// the corresponding entries can be evicted.
func (c *PageCache) DirtyPages() []DirtyPage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dirty []DirtyPage
	for _, l := range []*list.List{c.t1, c.t2} {
		for elem := l.Front(); elem != nil; elem = elem.Next() {
			e := elem.Value.(*cacheEntry)
			if e.wrapper.IsModified() {
				dirty = append(dirty, DirtyPage{
					ResourceID: e.resourceID,
					Wrapper:    e.wrapper,
					Buffer:     e.buf,
				})
			}
		}
	}
	return dirty
}

// Capacity returns the configured capacity.
func (c *PageCache) Capacity() int {
	return c.capacity
}

// PageSize returns the page size this cache serves.
func (c *PageCache) PageSize() basic.PageSize {
	return c.pageSize
}

// Len returns the number of resident (findable) pages.
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t1.Len() + c.t2.Len()
}

// ListLengths reports the current length of every list. Diagnostic accessor;
// the sum t1+t2+free always equals the capacity.
func (c *PageCache) ListLengths() (t1, t2, b1, b2, free int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t1.Len(), c.t2.Len(), c.b1.Len(), c.b2.Len(), c.free.Len()
}

// AdaptiveTarget reports the current target size of t1.
func (c *PageCache) AdaptiveTarget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p
}

// Stats returns the cache statistics accessor.
func (c *PageCache) Stats() *CacheStats {
	return c.stats
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
