package manager

import (
	"sort"
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/buffer_pool"
)

// ioWorker is the loop each IO goroutine runs: pick a request, perform the
// storage calls with no locks held, install or dispose of the outcome.
func (m *BufferPoolManager) ioWorker(id int) {
	defer m.wg.Done()
	logger.Debugf("io worker %d started", id)

	consecutiveReads := 0
	for {
		m.queueMu.Lock()
		var (
			rreq *readRequest
			wreq *writeRequest
		)
		for {
			rreq, wreq = m.pickRequestLocked(&consecutiveReads)
			if rreq != nil || wreq != nil {
				break
			}
			if m.closed && m.closeFlushed && m.writeQueue.Len() == 0 {
				m.queueMu.Unlock()
				logger.Debugf("io worker %d exiting", id)
				return
			}
			m.queueCond.Wait()
		}
		m.queueMu.Unlock()

		if wreq != nil {
			m.executeWrite(wreq)
			continue
		}
		m.executeRead(rreq)
	}
}

// pickRequestLocked chooses the next request. Reads are preferred, but a
// write is taken after a read burst, when no read is runnable, or when the
// spare pool of the read's cache cannot stage it, so writes are never
// starved and the pool always drains. Queue lock held.
func (m *BufferPoolManager) pickRequestLocked(consecutiveReads *int) (*readRequest, *writeRequest) {
	var rreq *readRequest
	if !m.closed {
		for e := m.readQueue.Front(); e != nil; e = e.Next() {
			if r := e.Value.(*readRequest); r.state == requestQueued {
				rreq = r
				break
			}
		}
	}

	if m.writeQueue.Len() > 0 {
		preferWrite := rreq == nil ||
			*consecutiveReads >= readBurstLimit ||
			rreq.handle.spare.available() < len(rreq.pages)
		if preferWrite {
			e := m.writeQueue.Front()
			m.writeQueue.Remove(e)
			*consecutiveReads = 0
			return nil, e.Value.(*writeRequest)
		}
	}

	if rreq != nil {
		rreq.state = requestInFlight
		sort.Slice(rreq.pages, func(i, j int) bool { return rreq.pages[i] < rreq.pages[j] })
		*consecutiveReads++
		return rreq, nil
	}
	return nil, nil
}

// executeRead services one read request: claim pages that became resident
// since the request was queued, read the rest in ascending order, install
// under cache lock + queue lock, signal the waiters.
func (m *BufferPoolManager) executeRead(req *readRequest) {
	rh, err := m.resource(req.resourceID)
	if err != nil {
		m.failRead(req, err)
		return
	}
	h := req.handle

	// Pages loaded by a competing request need no IO: pin them for their
	// waiters right away; once pinned they cannot be evicted before the
	// hand-out.
	h.mu.Lock()
	m.queueMu.Lock()
	var toRead []uint32
	for _, pn := range req.pages {
		pins := req.pins[pn]
		if pins > 0 {
			if w := h.cache.GetPageAndPin(req.resourceID, pn); w != nil {
				for i := 1; i < pins; i++ {
					h.cache.PinPage(req.resourceID, pn)
				}
				req.results[pn] = w
				continue
			}
		} else if h.cache.Contains(req.resourceID, pn) {
			continue
		}
		toRead = append(toRead, pn)
	}
	m.queueMu.Unlock()
	h.mu.Unlock()

	if len(toRead) == 0 {
		m.completeRead(req, nil, nil, nil)
		return
	}

	bufs, ok := h.spare.take(len(toRead))
	if !ok {
		m.failRead(req, basic.NewError("read pages", basic.ErrBufferPoolClosed))
		return
	}

	wrappers, err := readRuns(rh.rm, toRead, bufs)
	if err != nil {
		h.spare.put(bufs...)
		m.failRead(req, err)
		return
	}
	atomic.AddUint64(&m.stats.pageReads, uint64(len(toRead)))
	m.completeRead(req, toRead, wrappers, bufs)
}

// readRuns performs the elevator pass: pages arrive sorted ascending and
// contiguous runs become one batched call.
func readRuns(rm basic.ResourceManager, pages []uint32, bufs [][]byte) ([]basic.CacheableData, error) {
	wrappers := make([]basic.CacheableData, 0, len(pages))
	for start := 0; start < len(pages); {
		end := start + 1
		for end < len(pages) && pages[end] == pages[end-1]+1 {
			end++
		}
		if end-start == 1 {
			w, err := rm.ReadPageFromResource(bufs[start], pages[start])
			if err != nil {
				return nil, err
			}
			wrappers = append(wrappers, w)
		} else {
			ws, err := rm.ReadPagesFromResource(bufs[start:end], pages[start])
			if err != nil {
				return nil, err
			}
			wrappers = append(wrappers, ws...)
		}
		start = end
	}
	return wrappers, nil
}

// completeRead installs the freshly read pages and wakes the waiters. Pages
// wanted pinned go in with AddPageAndPin, one extra pin per additional
// waiter; pure prefetch pages go in unhit with AddPage. The eviction
// hand-offs free one buffer each, so the pool stays balanced.
func (m *BufferPoolManager) completeRead(req *readRequest, toRead []uint32, wrappers []basic.CacheableData, stagedBufs [][]byte) {
	h := req.handle
	var returnBufs [][]byte

	h.mu.Lock()
	m.queueMu.Lock()
	for i, pn := range toRead {
		w := wrappers[i]
		pins := req.pins[pn]

		if h.cache.Contains(req.resourceID, pn) {
			// A competing loader won after the pre-check; serve from
			// the cache and drop the staged copy.
			if pins > 0 {
				if got := h.cache.GetPageAndPin(req.resourceID, pn); got != nil {
					for j := 1; j < pins; j++ {
						h.cache.PinPage(req.resourceID, pn)
					}
					req.results[pn] = got
				}
			}
			returnBufs = append(returnBufs, stagedBufs[i])
			continue
		}

		var err error
		var ev *buffer_pool.EvictedCacheEntry
		if pins > 0 {
			ev, err = h.cache.AddPageAndPin(w, req.resourceID)
			if err == nil {
				for j := 1; j < pins; j++ {
					h.cache.PinPage(req.resourceID, pn)
				}
				req.results[pn] = w
			}
		} else {
			ev, err = h.cache.AddPage(w, req.resourceID)
		}
		if err != nil {
			if pins > 0 && req.err == nil {
				req.err = err
			}
			returnBufs = append(returnBufs, stagedBufs[i])
			continue
		}
		m.releaseEvictedLocked(h, ev)
	}

	if req.err != nil && len(req.results) == 0 {
		req.state = requestFailed
	} else {
		req.state = requestCompleted
	}
	m.readQueue.Remove(req.elem)
	close(req.done)
	m.queueMu.Unlock()
	h.mu.Unlock()

	h.spare.put(returnBufs...)
	m.queueCond.Broadcast()
}

// failRead fails a whole request: staged buffers were already returned by
// the caller, waiters wake with the error. Results claimed from the cache
// before the failure stay valid for their waiters.
func (m *BufferPoolManager) failRead(req *readRequest, err error) {
	m.queueMu.Lock()
	req.err = err
	req.state = requestFailed
	m.readQueue.Remove(req.elem)
	close(req.done)
	m.queueMu.Unlock()
	logger.Debugf("read request for resource %d failed: %v", req.resourceID, err)
}

// executeWrite services one write request in ascending page order, then
// either returns the buffers to the spare pool (evicted pages) or unpins the
// still-resident pages (flush). Write failures are logged and reported on
// the request; they never poison the cache.
func (m *BufferPoolManager) executeWrite(wreq *writeRequest) {
	sort.Slice(wreq.pages, func(i, j int) bool {
		return wreq.pages[i].page.PageNumber() < wreq.pages[j].page.PageNumber()
	})

	rh, err := m.resource(wreq.resourceID)
	if err != nil {
		logger.Errorf("write-back for resource %d dropped: %v", wreq.resourceID, err)
		wreq.err = err
	} else if err := writeRuns(rh.rm, wreq.pages); err != nil {
		logger.Errorf("write-back for resource %d failed: %v", wreq.resourceID, err)
		wreq.err = err
	} else {
		atomic.AddUint64(&m.stats.pageWrites, uint64(len(wreq.pages)))
	}

	if wreq.fromCache {
		for _, wp := range wreq.pages {
			wreq.handle.cache.UnpinPage(wreq.resourceID, wp.page.PageNumber())
		}
	} else {
		bufs := make([][]byte, 0, len(wreq.pages))
		for _, wp := range wreq.pages {
			bufs = append(bufs, wp.buf)
		}
		wreq.handle.spare.put(bufs...)
	}
	close(wreq.done)
}

// writeRuns is the elevator pass for writes: contiguous runs become one
// batched call.
func writeRuns(rm basic.ResourceManager, pages []writePage) error {
	for start := 0; start < len(pages); {
		end := start + 1
		for end < len(pages) && pages[end].page.PageNumber() == pages[end-1].page.PageNumber()+1 {
			end++
		}
		if end-start == 1 {
			if err := rm.WritePageToResource(pages[start].buf, pages[start].page); err != nil {
				return err
			}
		} else {
			bufs := make([][]byte, 0, end-start)
			wrappers := make([]basic.CacheableData, 0, end-start)
			for _, wp := range pages[start:end] {
				bufs = append(bufs, wp.buf)
				wrappers = append(wrappers, wp.page)
			}
			if err := rm.WritePagesToResource(bufs, wrappers); err != nil {
				return err
			}
		}
		start = end
	}
	return nil
}
