package manager

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/buffer_pool"
)

// BufferPoolManager is the concurrent front end over one page cache per page
// size. Request threads hit the caches directly; misses are queued as read
// requests and serviced by the IO workers, which also drain write-back of
// dirty evictions.
//
// Locking contract: each cache has a handle mutex (the cache lock) that is
// held from a miss observation through the matching enqueue, and across the
// install of a completed read together with the queue lock. The queue lock
// guards both request queues and the closed flag and is always acquired
// after the cache lock, never before. No ResourceManager call is made while
// either is held. The spare buffer pools and the caches' internal mutexes
// are leaves.
type BufferPoolManager struct {
	mu sync.RWMutex // registry: resources, caches, started

	config    *Config
	resources map[basic.ResourceID]*resourceHandle
	caches    map[basic.PageSize]*cacheHandle
	started   bool

	queueMu      sync.Mutex
	queueCond    *sync.Cond
	readQueue    *list.List // *readRequest
	writeQueue   *list.List // *writeRequest
	closed       bool
	closeFlushed bool // Close has queued the final write-back; workers may drain and exit

	wg sync.WaitGroup

	stats struct {
		hits       uint64
		misses     uint64
		pageReads  uint64
		pageWrites uint64
		prefetches uint64
		coalesced  uint64
	}
}

type resourceHandle struct {
	id     basic.ResourceID
	rm     basic.ResourceManager
	handle *cacheHandle
}

// NewBufferPoolManager creates a manager. No IO completes until Start.
func NewBufferPoolManager(config *Config) (*BufferPoolManager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.normalize()

	m := &BufferPoolManager{
		config:     config,
		resources:  make(map[basic.ResourceID]*resourceHandle),
		caches:     make(map[basic.PageSize]*cacheHandle),
		readQueue:  list.New(),
		writeQueue: list.New(),
	}
	m.queueCond = sync.NewCond(&m.queueMu)
	return m, nil
}

// Start spawns the IO worker goroutines. Safe to call once.
func (m *BufferPoolManager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	workers := m.config.IOThreads
	m.mu.Unlock()

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.ioWorker(i)
	}
	logger.Infof("buffer pool manager started with %d io workers", workers)
}

func (m *BufferPoolManager) isClosed() bool {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return m.closed
}

// RegisterResource adds a resource and binds it to the page cache of its
// page size, creating cache and spare buffers on first use of the size.
func (m *BufferPoolManager) RegisterResource(id basic.ResourceID, rm basic.ResourceManager) error {
	if rm == nil {
		return basic.NewError("register resource", basic.ErrBufferPool)
	}
	if m.isClosed() {
		return basic.NewError("register resource", basic.ErrBufferPoolClosed)
	}
	size, err := basic.PageSizeFor(rm.PageSize().Bytes())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.resources[id]; ok {
		return basic.NewError(fmt.Sprintf("register resource %d: already registered", id), basic.ErrBufferPool)
	}

	h, ok := m.caches[size]
	if !ok {
		cache, err := buffer_pool.NewPageCache(size, m.config.cachePagesFor(size))
		if err != nil {
			return err
		}
		h = &cacheHandle{
			cache: cache,
			spare: newSparePool(size, m.config.spareBuffersFor()),
		}
		m.caches[size] = h
		logger.Infof("buffer pool: created %d-page cache for page size %d", cache.Capacity(), size.Bytes())
	}
	m.resources[id] = &resourceHandle{id: id, rm: rm, handle: h}
	return nil
}

func (m *BufferPoolManager) resource(id basic.ResourceID) (*resourceHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rh, ok := m.resources[id]
	if !ok {
		return nil, basic.NewError(fmt.Sprintf("resource %d", id), basic.ErrResourceNotRegistered)
	}
	return rh, nil
}

// GetPageAndPin returns the page pinned, loading it through the IO workers
// on a miss. Blocks until the page is available or the request fails.
func (m *BufferPoolManager) GetPageAndPin(id basic.ResourceID, pageNo uint32) (basic.CacheableData, error) {
	if m.isClosed() {
		return nil, basic.NewError("get page", basic.ErrBufferPoolClosed)
	}
	rh, err := m.resource(id)
	if err != nil {
		return nil, err
	}

	h := rh.handle
	h.mu.Lock()
	w, req, err := m.lookupOrEnqueueLocked(rh, pageNo)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w, nil
	}
	return m.awaitRead(req, pageNo)
}

// UnpinAndGetPageAndPin unpins one page and looks up another under a single
// cache lock acquisition. The typical caller walks a chain of pages and
// releases each one as it takes the next.
func (m *BufferPoolManager) UnpinAndGetPageAndPin(id basic.ResourceID, unpinPageNo, getPageNo uint32) (basic.CacheableData, error) {
	if m.isClosed() {
		return nil, basic.NewError("get page", basic.ErrBufferPoolClosed)
	}
	rh, err := m.resource(id)
	if err != nil {
		return nil, err
	}

	h := rh.handle
	h.mu.Lock()
	h.cache.UnpinPage(id, unpinPageNo)
	w, req, err := m.lookupOrEnqueueLocked(rh, getPageNo)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w, nil
	}
	return m.awaitRead(req, getPageNo)
}

// lookupOrEnqueueLocked is the shared miss path. The caller holds the cache
// lock; on a miss the enqueue happens before it is released, so no other
// thread can observe the miss without finding the pending request.
func (m *BufferPoolManager) lookupOrEnqueueLocked(rh *resourceHandle, pageNo uint32) (basic.CacheableData, *readRequest, error) {
	if w := rh.handle.cache.GetPageAndPin(rh.id, pageNo); w != nil {
		atomic.AddUint64(&m.stats.hits, 1)
		return w, nil, nil
	}
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if m.closed {
		return nil, nil, basic.NewError("get page", basic.ErrBufferPoolClosed)
	}
	req := m.attachReadLocked(rh, pageNo, true)
	atomic.AddUint64(&m.stats.misses, 1)
	m.queueCond.Signal()
	return nil, req, nil
}

// attachReadLocked finds or creates the pending read a page belongs to.
// Queue lock held. A request that already lists the page gains one more
// waiter; a queued request with room gains the page; otherwise a fresh
// request is opened.
func (m *BufferPoolManager) attachReadLocked(rh *resourceHandle, pageNo uint32, pin bool) *readRequest {
	for e := m.readQueue.Front(); e != nil; e = e.Next() {
		r := e.Value.(*readRequest)
		if r.resourceID != rh.id || r.state != requestQueued {
			continue
		}
		if r.hasPage(pageNo) {
			if pin {
				r.pins[pageNo]++
			}
			atomic.AddUint64(&m.stats.coalesced, 1)
			return r
		}
		if len(r.pages) < MaxPageRequestsInSingleQueue {
			r.pages = append(r.pages, pageNo)
			if pin {
				r.pins[pageNo] = 1
			}
			atomic.AddUint64(&m.stats.coalesced, 1)
			return r
		}
	}

	req := newReadRequest(rh.id, rh.handle)
	req.pages = append(req.pages, pageNo)
	if pin {
		req.pins[pageNo] = 1
	}
	req.elem = m.readQueue.PushBack(req)
	return req
}

// awaitRead blocks on the request's completion signal and extracts this
// waiter's outcome.
func (m *BufferPoolManager) awaitRead(req *readRequest, pageNo uint32) (basic.CacheableData, error) {
	<-req.done

	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	if req.state == requestCancelled {
		return nil, basic.NewError("get page", basic.ErrBufferPoolClosed)
	}
	if w := req.results[pageNo]; w != nil {
		return w, nil
	}
	if req.err != nil {
		return nil, req.err
	}
	return nil, basic.NewError("get page", basic.ErrBufferPool)
}

// UnpinPage releases one pin. Best effort: unknown resources, absent pages
// and unpinned pages are ignored.
func (m *BufferPoolManager) UnpinPage(id basic.ResourceID, pageNo uint32) {
	rh, err := m.resource(id)
	if err != nil {
		return
	}
	rh.handle.cache.UnpinPage(id, pageNo)
}

// CreateNewPageAndPin reserves a fresh page on the resource and installs it
// pinned. May block until a write-out frees a staging buffer.
func (m *BufferPoolManager) CreateNewPageAndPin(id basic.ResourceID, pageType basic.PageType) (basic.CacheableData, error) {
	if m.isClosed() {
		return nil, basic.NewError("create page", basic.ErrBufferPoolClosed)
	}
	rh, err := m.resource(id)
	if err != nil {
		return nil, err
	}
	h := rh.handle

	buf, ok := h.spare.take(1)
	if !ok {
		return nil, basic.NewError("create page", basic.ErrBufferPoolClosed)
	}

	page, err := rh.rm.ReserveNewPage(buf[0], pageType)
	if err != nil {
		h.spare.put(buf...)
		return nil, err
	}

	h.mu.Lock()
	ev, err := h.cache.AddPageAndPin(page, id)
	if err != nil {
		h.mu.Unlock()
		h.spare.put(buf...)
		return nil, err
	}
	m.queueMu.Lock()
	m.releaseEvictedLocked(h, ev)
	m.queueMu.Unlock()
	h.mu.Unlock()
	m.queueCond.Signal()

	return page, nil
}

// releaseEvictedLocked disposes of an eviction hand-off: modified pages are
// queued for write-back and their buffer stays out of the pool until the
// write completes; everything else returns to the spare pool at once.
// Cache and queue locks held.
func (m *BufferPoolManager) releaseEvictedLocked(h *cacheHandle, ev *buffer_pool.EvictedCacheEntry) {
	if ev == nil {
		return
	}
	if ev.Wrapper != nil && ev.ResourceID != basic.InvalidResourceID && ev.Wrapper.IsModified() {
		wreq := newWriteRequest(ev.ResourceID, h, false)
		wreq.pages = append(wreq.pages, writePage{buf: ev.Buffer, page: ev.Wrapper})
		m.writeQueue.PushBack(wreq)
		return
	}
	h.spare.put(ev.Buffer)
}

// FlushAllPages queues write-back for every resident modified page and waits
// for the writes to finish. Pages stay resident; they are pinned for the
// duration of their write.
func (m *BufferPoolManager) FlushAllPages() error {
	if m.isClosed() {
		return basic.NewError("flush", basic.ErrBufferPoolClosed)
	}
	m.mu.RLock()
	if !m.started {
		m.mu.RUnlock()
		return basic.NewError("flush: manager not started", basic.ErrBufferPool)
	}
	handles := make([]*cacheHandle, 0, len(m.caches))
	for _, h := range m.caches {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	var reqs []*writeRequest
	for _, h := range handles {
		reqs = append(reqs, m.queueDirtyPages(h)...)
	}
	m.queueCond.Broadcast()

	var firstErr error
	for _, req := range reqs {
		<-req.done
		if req.err != nil && firstErr == nil {
			firstErr = req.err
		}
	}
	return firstErr
}

// queueDirtyPages pins every dirty page of one cache and queues its
// write-back, batched per resource.
func (m *BufferPoolManager) queueDirtyPages(h *cacheHandle) []*writeRequest {
	h.mu.Lock()
	defer h.mu.Unlock()

	dirty := h.cache.DirtyPages()
	if len(dirty) == 0 {
		return nil
	}

	byResource := make(map[basic.ResourceID][]buffer_pool.DirtyPage)
	for _, d := range dirty {
		h.cache.PinPage(d.ResourceID, d.Wrapper.PageNumber())
		byResource[d.ResourceID] = append(byResource[d.ResourceID], d)
	}

	var reqs []*writeRequest
	m.queueMu.Lock()
	for rid, pages := range byResource {
		for start := 0; start < len(pages); start += MaxPageRequestsInSingleQueue {
			end := start + MaxPageRequestsInSingleQueue
			if end > len(pages) {
				end = len(pages)
			}
			wreq := newWriteRequest(rid, h, true)
			for _, d := range pages[start:end] {
				wreq.pages = append(wreq.pages, writePage{buf: d.Buffer, page: d.Wrapper})
			}
			m.writeQueue.PushBack(wreq)
			reqs = append(reqs, wreq)
		}
	}
	m.queueMu.Unlock()
	return reqs
}

// DeregisterResource removes a resource: its queued reads fail, its cached
// pages are expelled and its ResourceManager is closed. Modified pages are
// discarded, as on a drop.
func (m *BufferPoolManager) DeregisterResource(id basic.ResourceID) error {
	m.mu.Lock()
	rh, ok := m.resources[id]
	if ok {
		delete(m.resources, id)
	}
	m.mu.Unlock()
	if !ok {
		return basic.NewError(fmt.Sprintf("deregister resource %d", id), basic.ErrResourceNotRegistered)
	}

	h := rh.handle
	h.mu.Lock()
	m.queueMu.Lock()
	var next *list.Element
	for e := m.readQueue.Front(); e != nil; e = next {
		next = e.Next()
		r := e.Value.(*readRequest)
		if r.resourceID == id && r.state == requestQueued {
			r.state = requestFailed
			r.err = basic.NewError(fmt.Sprintf("resource %d", id), basic.ErrResourceNotRegistered)
			m.readQueue.Remove(e)
			close(r.done)
		}
	}
	m.queueMu.Unlock()
	h.cache.ExpelAllPagesForResource(id)
	h.mu.Unlock()

	if err := rh.rm.CloseResource(); err != nil {
		logger.Errorf("deregister resource %d: %v", id, err)
		return err
	}
	return nil
}

// Close shuts the manager down: queued reads are discarded with a failure to
// their waiters, every resident modified page is flushed through the write
// queue, the workers drain and exit, and the resources are closed. All
// public operations fail afterwards.
func (m *BufferPoolManager) Close() error {
	m.queueMu.Lock()
	if m.closed {
		m.queueMu.Unlock()
		return nil
	}
	m.closed = true

	var next *list.Element
	for e := m.readQueue.Front(); e != nil; e = next {
		next = e.Next()
		r := e.Value.(*readRequest)
		if r.state == requestQueued {
			r.state = requestCancelled
			m.readQueue.Remove(e)
			close(r.done)
		}
	}
	m.queueMu.Unlock()

	m.mu.Lock()
	started := m.started
	handles := make([]*cacheHandle, 0, len(m.caches))
	for _, h := range m.caches {
		handles = append(handles, h)
	}
	resources := make([]*resourceHandle, 0, len(m.resources))
	for _, rh := range m.resources {
		resources = append(resources, rh)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.queueDirtyPages(h)
	}
	m.queueMu.Lock()
	m.closeFlushed = true
	m.queueMu.Unlock()
	m.queueCond.Broadcast()

	for _, h := range handles {
		h.spare.close()
	}

	if !started {
		m.drainWritesInline()
	}
	m.wg.Wait()

	var firstErr error
	for _, rh := range resources {
		if err := rh.rm.CloseResource(); err != nil {
			logger.Errorf("close resource %d: %v", rh.id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.mu.Lock()
	m.resources = make(map[basic.ResourceID]*resourceHandle)
	m.caches = make(map[basic.PageSize]*cacheHandle)
	m.mu.Unlock()

	logger.Infof("buffer pool manager closed")
	return firstErr
}

// drainWritesInline services the write queue on the closing thread when no
// worker was ever started.
func (m *BufferPoolManager) drainWritesInline() {
	for {
		m.queueMu.Lock()
		e := m.writeQueue.Front()
		if e == nil {
			m.queueMu.Unlock()
			return
		}
		m.writeQueue.Remove(e)
		m.queueMu.Unlock()
		m.executeWrite(e.Value.(*writeRequest))
	}
}

// GetStats returns the manager counters.
func (m *BufferPoolManager) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"hits":               atomic.LoadUint64(&m.stats.hits),
		"misses":             atomic.LoadUint64(&m.stats.misses),
		"page_reads":         atomic.LoadUint64(&m.stats.pageReads),
		"page_writes":        atomic.LoadUint64(&m.stats.pageWrites),
		"prefetches":         atomic.LoadUint64(&m.stats.prefetches),
		"coalesced_requests": atomic.LoadUint64(&m.stats.coalesced),
	}
}
