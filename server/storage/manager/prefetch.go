package manager

import (
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
)

// PrefetchPage asks for a page to be loaded without waiting for it. A
// resident page counts as a hit — the one documented exception that turns a
// prefetch into a frequency-boosting access. An absent page is queued like a
// miss, but the worker installs it unpinned and not yet hit.
func (m *BufferPoolManager) PrefetchPage(id basic.ResourceID, pageNo uint32) error {
	if m.isClosed() {
		return basic.NewError("prefetch page", basic.ErrBufferPoolClosed)
	}
	rh, err := m.resource(id)
	if err != nil {
		return err
	}

	h := rh.handle
	h.mu.Lock()
	defer h.mu.Unlock()

	if w := h.cache.GetPage(id, pageNo); w != nil {
		return nil
	}

	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if m.closed {
		return basic.NewError("prefetch page", basic.ErrBufferPoolClosed)
	}
	m.attachReadLocked(rh, pageNo, false)
	atomic.AddUint64(&m.stats.prefetches, 1)
	m.queueCond.Signal()
	return nil
}

// PrefetchPages prefetches every page in [first, last]. Misses accumulate
// into pending requests of at most MaxPageRequestsInSingleQueue pages, so a
// long contiguous range becomes a handful of elevator-sorted batches.
func (m *BufferPoolManager) PrefetchPages(id basic.ResourceID, first, last uint32) error {
	if first > last {
		return basic.NewError("prefetch pages", basic.ErrBufferPool)
	}
	if m.isClosed() {
		return basic.NewError("prefetch pages", basic.ErrBufferPoolClosed)
	}
	rh, err := m.resource(id)
	if err != nil {
		return err
	}

	h := rh.handle
	h.mu.Lock()
	defer h.mu.Unlock()

	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if m.closed {
		return basic.NewError("prefetch pages", basic.ErrBufferPoolClosed)
	}
	queued := uint64(0)
	for pageNo := first; ; pageNo++ {
		if w := h.cache.GetPage(id, pageNo); w == nil {
			m.attachReadLocked(rh, pageNo, false)
			queued++
		}
		if pageNo == last {
			break
		}
	}
	if queued > 0 {
		atomic.AddUint64(&m.stats.prefetches, queued)
		m.queueCond.Broadcast()
	}
	return nil
}
