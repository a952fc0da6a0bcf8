package basic

// ResourceID identifies one registered resource (a backing file). Negative
// values never identify a real resource; InvalidResourceID marks cache slots
// that carry no page.
type ResourceID int32

// InvalidResourceID is the resource id reported for cold cache slots.
const InvalidResourceID ResourceID = -1

// CacheableData is the wrapper over one raw page buffer. A wrapper is bound
// to its buffer until the cache reassigns the buffer to another logical page;
// from then on the wrapper is expired and content access fails with
// ErrPageExpired. Identity metadata (page number, page type) stays readable
// after expiry so that pending write-back can still address the page.
type CacheableData interface {
	// PageNumber returns the page number within the resource.
	PageNumber() uint32

	// PageType returns the tag assigned when the page was formatted.
	PageType() PageType

	// Buffer returns the whole underlying page buffer. The cache and the
	// write-back path use it for bookkeeping; content interpretation goes
	// through Data.
	Buffer() []byte

	// Data returns the payload portion of the underlying buffer.
	Data() ([]byte, error)

	// IsModified reports whether the page content diverged from storage.
	IsModified() bool

	// MarkModified flags the page as dirty.
	MarkModified() error

	// ClearModified resets the dirty flag after a successful write-back.
	ClearModified()

	// IsExpired reports whether the buffer has been reassigned.
	IsExpired() bool

	// MarkExpired invalidates the wrapper. Called by the cache only.
	MarkExpired()
}

// ResourceManager provides pages for one backing file at a fixed page size.
// All buffers are caller-provided and exactly one page in length. No call
// may be made while holding cache or queue locks.
type ResourceManager interface {
	// PageSize reports the fixed page size of this resource.
	PageSize() PageSize

	// ReadPageFromResource reads one page into buf and wraps it.
	ReadPageFromResource(buf []byte, pageNo uint32) (CacheableData, error)

	// ReadPagesFromResource reads len(bufs) consecutive pages starting at
	// firstPageNo, one buffer per page, in ascending order.
	ReadPagesFromResource(bufs [][]byte, firstPageNo uint32) ([]CacheableData, error)

	// WritePageToResource writes buf as the page identified by page.
	WritePageToResource(buf []byte, page CacheableData) error

	// WritePagesToResource writes the (buffer, wrapper) pairs in order.
	WritePagesToResource(bufs [][]byte, pages []CacheableData) error

	// ReserveNewPage formats buf as a fresh page, assigns it the next page
	// number and returns its wrapper.
	ReserveNewPage(buf []byte, pageType PageType) (CacheableData, error)

	// Truncate discards all pages of the resource.
	Truncate() error

	// CloseResource releases the backing file.
	CloseResource() error
}
