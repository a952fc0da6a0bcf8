package manager

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/store"
)

// spyResourceManager wraps a memory resource and counts the storage calls
// that actually reach it.
type spyResourceManager struct {
	basic.ResourceManager

	singleReads  int64
	batchReads   int64
	pagesRead    int64
	singleWrites int64
	batchWrites  int64
	pagesWritten int64
}

func newSpyResourceManager(t *testing.T, pageSize basic.PageSize, prePages int) *spyResourceManager {
	t.Helper()
	inner, err := store.NewMemResourceManager("spy", pageSize)
	require.NoError(t, err)

	buf := make([]byte, pageSize.Bytes())
	for i := 0; i < prePages; i++ {
		_, err := inner.ReserveNewPage(buf, basic.PageTypeData)
		require.NoError(t, err)
	}
	return &spyResourceManager{ResourceManager: inner}
}

func (s *spyResourceManager) ReadPageFromResource(buf []byte, pageNo uint32) (basic.CacheableData, error) {
	atomic.AddInt64(&s.singleReads, 1)
	atomic.AddInt64(&s.pagesRead, 1)
	return s.ResourceManager.ReadPageFromResource(buf, pageNo)
}

func (s *spyResourceManager) ReadPagesFromResource(bufs [][]byte, firstPageNo uint32) ([]basic.CacheableData, error) {
	atomic.AddInt64(&s.batchReads, 1)
	atomic.AddInt64(&s.pagesRead, int64(len(bufs)))
	return s.ResourceManager.ReadPagesFromResource(bufs, firstPageNo)
}

func (s *spyResourceManager) WritePageToResource(buf []byte, page basic.CacheableData) error {
	atomic.AddInt64(&s.singleWrites, 1)
	atomic.AddInt64(&s.pagesWritten, 1)
	return s.ResourceManager.WritePageToResource(buf, page)
}

func (s *spyResourceManager) WritePagesToResource(bufs [][]byte, pages []basic.CacheableData) error {
	atomic.AddInt64(&s.batchWrites, 1)
	atomic.AddInt64(&s.pagesWritten, int64(len(bufs)))
	return s.ResourceManager.WritePagesToResource(bufs, pages)
}

func (s *spyResourceManager) reads() int64 {
	return atomic.LoadInt64(&s.singleReads) + atomic.LoadInt64(&s.batchReads)
}

func newTestManager(t *testing.T, cachePages int) *BufferPoolManager {
	t.Helper()
	m, err := NewBufferPoolManager(&Config{
		CachePages: map[basic.PageSize]int{basic.PageSize4K: cachePages},
		IOThreads:  1,
	})
	require.NoError(t, err)
	return m
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerMissThenHit(t *testing.T) {
	m := newTestManager(t, 8)
	spy := newSpyResourceManager(t, basic.PageSize4K, 4)
	require.NoError(t, m.RegisterResource(1, spy))
	m.Start()
	defer m.Close()

	w, err := m.GetPageAndPin(1, 2)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, uint32(2), w.PageNumber())
	assert.Equal(t, int64(1), spy.reads())

	// Second access is a pure cache hit.
	w2, err := m.GetPageAndPin(1, 2)
	require.NoError(t, err)
	assert.Same(t, w, w2)
	assert.Equal(t, int64(1), spy.reads())

	m.UnpinPage(1, 2)
	m.UnpinPage(1, 2)

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats["hits"])
	assert.Equal(t, uint64(1), stats["misses"])
}

func TestManagerConcurrentMissCoalescing(t *testing.T) {
	m := newTestManager(t, 8)
	spy := newSpyResourceManager(t, basic.PageSize4K, 64)
	require.NoError(t, m.RegisterResource(5, spy))
	defer m.Close()

	// Two waiters pile onto the same absent page before any worker runs.
	var wg sync.WaitGroup
	results := make([]basic.CacheableData, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := m.GetPageAndPin(5, 42)
			assert.NoError(t, err)
			results[i] = w
		}(i)
	}
	waitUntil(t, "both waiters queued", func() bool {
		return m.GetStats()["misses"].(uint64) == 2
	})

	m.Start()
	wg.Wait()

	require.NotNil(t, results[0])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, int64(1), spy.reads(), "coalesced misses must reach storage once")

	m.UnpinPage(5, 42)
	m.UnpinPage(5, 42)
}

func TestManagerPrefetchThenGet(t *testing.T) {
	m := newTestManager(t, 8)
	spy := newSpyResourceManager(t, basic.PageSize4K, 8)
	require.NoError(t, m.RegisterResource(2, spy))
	defer m.Close()

	// Queue the prefetch first, then attach a pinning waiter to the same
	// pending request before the read begins.
	require.NoError(t, m.PrefetchPage(2, 5))

	done := make(chan struct{})
	var got basic.CacheableData
	go func() {
		defer close(done)
		w, err := m.GetPageAndPin(2, 5)
		assert.NoError(t, err)
		got = w
	}()
	waitUntil(t, "waiter attached", func() bool {
		return m.GetStats()["misses"].(uint64) == 1
	})

	m.Start()
	<-done

	require.NotNil(t, got)
	assert.Equal(t, uint32(5), got.PageNumber())
	assert.Equal(t, int64(1), spy.reads(), "prefetch and get must share one read")
	m.UnpinPage(2, 5)
}

func TestManagerPrefetchPagesBatches(t *testing.T) {
	m := newTestManager(t, 16)
	spy := newSpyResourceManager(t, basic.PageSize4K, 10)
	require.NoError(t, m.RegisterResource(3, spy))
	defer m.Close()

	require.NoError(t, m.PrefetchPages(3, 0, 9))
	m.Start()

	waitUntil(t, "prefetch read completion", func() bool {
		return atomic.LoadInt64(&spy.pagesRead) == 10
	})

	// The contiguous range went to storage as one elevator batch.
	assert.Equal(t, int64(1), spy.reads())
	assert.Equal(t, int64(1), atomic.LoadInt64(&spy.batchReads))

	// Every page is resident now; none of these trigger IO.
	for pn := uint32(0); pn <= 9; pn++ {
		w, err := m.GetPageAndPin(3, pn)
		require.NoError(t, err)
		require.NotNil(t, w)
		m.UnpinPage(3, pn)
	}
	assert.Equal(t, int64(1), spy.reads())
}

func TestManagerCreateEvictWriteBackRoundTrip(t *testing.T) {
	m := newTestManager(t, 4)
	spy := newSpyResourceManager(t, basic.PageSize4K, 0)
	require.NoError(t, m.RegisterResource(7, spy))
	m.Start()
	defer m.Close()

	// Create a page, scribble into it, release it.
	page, err := m.CreateNewPageAndPin(7, basic.PageTypeData)
	require.NoError(t, err)
	require.Equal(t, uint32(0), page.PageNumber())

	data, err := page.Data()
	require.NoError(t, err)
	copy(data, []byte("storage core"))
	require.NoError(t, page.MarkModified())
	m.UnpinPage(7, 0)

	// Push enough fresh pages through to evict page 0 and force its
	// write-back.
	for i := 0; i < 6; i++ {
		p, err := m.CreateNewPageAndPin(7, basic.PageTypeData)
		require.NoError(t, err)
		m.UnpinPage(7, p.PageNumber())
	}
	waitUntil(t, "dirty eviction written back", func() bool {
		return atomic.LoadInt64(&spy.pagesWritten) > 0
	})
	assert.True(t, page.IsExpired())

	// Reading the page again must surface the written content.
	reloaded, err := m.GetPageAndPin(7, 0)
	require.NoError(t, err)
	data, err = reloaded.Data()
	require.NoError(t, err)
	assert.Equal(t, "storage core", string(data[:12]))
	m.UnpinPage(7, 0)
}

func TestManagerUnpinAndGetPageAndPin(t *testing.T) {
	m := newTestManager(t, 8)
	spy := newSpyResourceManager(t, basic.PageSize4K, 4)
	require.NoError(t, m.RegisterResource(1, spy))
	m.Start()
	defer m.Close()

	w0, err := m.GetPageAndPin(1, 0)
	require.NoError(t, err)

	w1, err := m.UnpinAndGetPageAndPin(1, w0.PageNumber(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), w1.PageNumber())
	m.UnpinPage(1, 1)
}

func TestManagerFlushAllPages(t *testing.T) {
	m := newTestManager(t, 8)
	spy := newSpyResourceManager(t, basic.PageSize4K, 0)
	require.NoError(t, m.RegisterResource(9, spy))
	m.Start()
	defer m.Close()

	page, err := m.CreateNewPageAndPin(9, basic.PageTypeData)
	require.NoError(t, err)
	data, err := page.Data()
	require.NoError(t, err)
	copy(data, []byte("flush me"))
	require.NoError(t, page.MarkModified())
	m.UnpinPage(9, 0)

	require.NoError(t, m.FlushAllPages())
	assert.Greater(t, atomic.LoadInt64(&spy.pagesWritten), int64(0))
	assert.False(t, page.IsModified())

	// The page stayed resident: no read happens on re-access.
	w, err := m.GetPageAndPin(9, 0)
	require.NoError(t, err)
	assert.Same(t, page, w)
	assert.Equal(t, int64(0), spy.reads())
	m.UnpinPage(9, 0)
}

func TestManagerCloseWakesWaiters(t *testing.T) {
	m := newTestManager(t, 8)
	spy := newSpyResourceManager(t, basic.PageSize4K, 4)
	require.NoError(t, m.RegisterResource(1, spy))
	// No Start: queued reads stay pending until Close cancels them.

	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetPageAndPin(1, 0)
		errCh <- err
	}()
	waitUntil(t, "waiter queued", func() bool {
		return m.GetStats()["misses"].(uint64) == 1
	})

	require.NoError(t, m.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, basic.IsClosed(err))
	case <-time.After(5 * time.Second):
		t.Fatal("waiter still blocked after close")
	}

	// Every public operation fails after close.
	_, err := m.GetPageAndPin(1, 0)
	assert.True(t, basic.IsClosed(err))
	assert.Error(t, m.PrefetchPage(1, 0))
	_, err = m.CreateNewPageAndPin(1, basic.PageTypeData)
	assert.True(t, basic.IsClosed(err))
	assert.Error(t, m.RegisterResource(2, spy))
}

func TestManagerCloseFlushesDirtyPages(t *testing.T) {
	m := newTestManager(t, 8)
	spy := newSpyResourceManager(t, basic.PageSize4K, 0)
	require.NoError(t, m.RegisterResource(4, spy))
	m.Start()

	page, err := m.CreateNewPageAndPin(4, basic.PageTypeData)
	require.NoError(t, err)
	data, err := page.Data()
	require.NoError(t, err)
	copy(data, []byte("survive close"))
	require.NoError(t, page.MarkModified())
	m.UnpinPage(4, 0)

	require.NoError(t, m.Close())
	assert.Greater(t, atomic.LoadInt64(&spy.pagesWritten), int64(0))
}

func TestManagerRegistrationErrors(t *testing.T) {
	m := newTestManager(t, 8)
	spy := newSpyResourceManager(t, basic.PageSize4K, 0)
	defer m.Close()

	require.NoError(t, m.RegisterResource(1, spy))
	err := m.RegisterResource(1, spy)
	require.Error(t, err)

	_, err = m.GetPageAndPin(99, 0)
	require.Error(t, err)
	assert.True(t, basic.IsNotRegistered(err))

	// Unpin of an unknown resource is a silent no-op.
	m.UnpinPage(99, 0)
}

func TestManagerDeregisterResource(t *testing.T) {
	m := newTestManager(t, 8)
	spy := newSpyResourceManager(t, basic.PageSize4K, 4)
	require.NoError(t, m.RegisterResource(6, spy))
	m.Start()
	defer m.Close()

	w, err := m.GetPageAndPin(6, 1)
	require.NoError(t, err)
	m.UnpinPage(6, 1)

	require.NoError(t, m.DeregisterResource(6))
	assert.True(t, w.IsExpired())

	_, err = m.GetPageAndPin(6, 1)
	require.Error(t, err)
	assert.True(t, basic.IsNotRegistered(err))

	err = m.DeregisterResource(6)
	assert.True(t, basic.IsNotRegistered(err))
}

func TestManagerStress(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	m := newTestManager(t, 32)
	spy := newSpyResourceManager(t, basic.PageSize4K, 128)
	require.NoError(t, m.RegisterResource(1, spy))
	m.Start()

	const (
		numGoroutines = 8
		numOperations = 500
	)

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				pageNo := uint32((id*31 + j) % 128)
				switch j % 3 {
				case 0:
					w, err := m.GetPageAndPin(1, pageNo)
					if assert.NoError(t, err) {
						assert.Equal(t, pageNo, w.PageNumber())
						m.UnpinPage(1, pageNo)
					}
				case 1:
					assert.NoError(t, m.PrefetchPage(1, pageNo))
				case 2:
					w, err := m.GetPageAndPin(1, pageNo)
					if assert.NoError(t, err) {
						assert.NoError(t, w.MarkModified())
						m.UnpinPage(1, pageNo)
					}
				}
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, m.Close())
	stats := m.GetStats()
	t.Logf("stats after stress: %+v", stats)
	assert.Greater(t, stats["hits"].(uint64), uint64(0))
}
