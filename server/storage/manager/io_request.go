package manager

import (
	"container/list"
	"sync"

	"github.com/ncw/directio"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/buffer_pool"
)

// requestState tracks a pending read through its life cycle:
// queued -> in flight -> completed | failed | cancelled. Waiters may attach
// only while the request is still queued.
type requestState int

const (
	requestQueued requestState = iota
	requestInFlight
	requestCompleted
	requestFailed
	requestCancelled
)

// readRequest is one pending read descriptor. All fields are guarded by the
// manager's queue lock; done is closed exactly once when the request leaves
// the queue.
type readRequest struct {
	resourceID basic.ResourceID
	handle     *cacheHandle
	pages      []uint32       // sorted ascending once the request goes in flight
	pins       map[uint32]int // pin count wanted per page, one per waiter
	results    map[uint32]basic.CacheableData
	err        error
	state      requestState
	elem       *list.Element // position in the read queue
	done       chan struct{}
}

func newReadRequest(resourceID basic.ResourceID, handle *cacheHandle) *readRequest {
	return &readRequest{
		resourceID: resourceID,
		handle:     handle,
		pins:       make(map[uint32]int),
		results:    make(map[uint32]basic.CacheableData),
		done:       make(chan struct{}),
	}
}

func (r *readRequest) hasPage(pageNo uint32) bool {
	for _, pn := range r.pages {
		if pn == pageNo {
			return true
		}
	}
	return false
}

// writePage is one (buffer, wrapper) pair queued for write-back.
type writePage struct {
	buf  []byte
	page basic.CacheableData
}

// writeRequest is one pending write descriptor. Buffers either left the
// cache through eviction (returned to the spare pool once written) or are
// still cache resident (fromCache: the pages were pinned by the flush path
// and are unpinned once written).
type writeRequest struct {
	resourceID basic.ResourceID
	handle     *cacheHandle
	pages      []writePage
	fromCache  bool
	err        error
	done       chan struct{}
}

func newWriteRequest(resourceID basic.ResourceID, handle *cacheHandle, fromCache bool) *writeRequest {
	return &writeRequest{
		resourceID: resourceID,
		handle:     handle,
		fromCache:  fromCache,
		done:       make(chan struct{}),
	}
}

// cacheHandle couples one page cache with the mutex that serializes compound
// operations against it (the "cache lock" of the locking contract) and with
// the spare staging buffers of its page size.
type cacheHandle struct {
	mu    sync.Mutex
	cache *buffer_pool.PageCache
	spare *sparePool
}

// sparePool is the per-page-size pool of staging buffers the IO threads read
// into and drain write-back from. It is a leaf lock: no other lock is ever
// acquired while holding it.
type sparePool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	bufs   [][]byte
	closed bool
}

func newSparePool(pageSize basic.PageSize, count int) *sparePool {
	p := &sparePool{
		bufs: make([][]byte, 0, count),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < count; i++ {
		p.bufs = append(p.bufs, directio.AlignedBlock(pageSize.Bytes()))
	}
	return p
}

// take removes n buffers, blocking until they are available. Returns false
// once the pool is closed.
func (p *sparePool) take(n int) ([][]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.bufs) < n && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil, false
	}
	bufs := make([][]byte, n)
	copy(bufs, p.bufs[len(p.bufs)-n:])
	p.bufs = p.bufs[:len(p.bufs)-n]
	return bufs, true
}

// put returns buffers to the pool and wakes blocked takers.
func (p *sparePool) put(bufs ...[]byte) {
	if len(bufs) == 0 {
		return
	}
	p.mu.Lock()
	p.bufs = append(p.bufs, bufs...)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// available reports the current pool depth.
func (p *sparePool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bufs)
}

// close wakes every blocked taker with failure.
func (p *sparePool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}
