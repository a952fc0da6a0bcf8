package store

import (
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
	"github.com/zhukovaskychina/xmysql-storage/util"
)

// Page header layout, little endian:
//
//	offset 0  checksum  uint64  xxhash64 over buf[8:]
//	offset 8  pageNo    uint32
//	offset 12 pageType  uint16
//	offset 14 reserved  uint16
const (
	PageHeaderSize = 16

	checksumOffset = 0
	pageNoOffset   = 8
	pageTypeOffset = 12
)

// Page wraps one raw page buffer. It stays bound to the buffer until the
// cache hands the buffer to another logical page; from then on the wrapper is
// expired and content access fails. The modified and expired flags are
// atomic because unpinned wrappers are observed by the write-back path while
// request threads still hold them.
type Page struct {
	pageNo   uint32
	pageType basic.PageType
	buf      []byte
	modified int32
	expired  int32
}

// NewPage wraps buf as the given page. The buffer content is taken as-is.
func NewPage(buf []byte, pageNo uint32, pageType basic.PageType) *Page {
	return &Page{
		pageNo:   pageNo,
		pageType: pageType,
		buf:      buf,
	}
}

// PageNumber returns the page number within the resource.
func (p *Page) PageNumber() uint32 {
	return p.pageNo
}

// PageType returns the tag the page was formatted with.
func (p *Page) PageType() basic.PageType {
	return p.pageType
}

// Buffer returns the whole underlying buffer, header included.
func (p *Page) Buffer() []byte {
	return p.buf
}

// Data returns the payload portion of the buffer. Fails once expired.
func (p *Page) Data() ([]byte, error) {
	if p.IsExpired() {
		return nil, basic.NewError("page data", basic.ErrPageExpired)
	}
	return p.buf[PageHeaderSize:], nil
}

// IsModified reports whether the page diverged from storage.
func (p *Page) IsModified() bool {
	return atomic.LoadInt32(&p.modified) == 1
}

// MarkModified flags the page as dirty. Fails once expired.
func (p *Page) MarkModified() error {
	if p.IsExpired() {
		return basic.NewError("mark modified", basic.ErrPageExpired)
	}
	atomic.StoreInt32(&p.modified, 1)
	return nil
}

// ClearModified resets the dirty flag after a successful write-back.
func (p *Page) ClearModified() {
	atomic.StoreInt32(&p.modified, 0)
}

// IsExpired reports whether the buffer has been reassigned.
func (p *Page) IsExpired() bool {
	return atomic.LoadInt32(&p.expired) == 1
}

// MarkExpired invalidates the wrapper. Called by the cache only.
func (p *Page) MarkExpired() {
	atomic.StoreInt32(&p.expired, 1)
}

// encodePageHeader stamps page number, type and checksum into buf.
func encodePageHeader(buf []byte, pageNo uint32, pageType basic.PageType) {
	copy(buf[pageNoOffset:], util.ConvertUInt4Bytes(pageNo))
	copy(buf[pageTypeOffset:], util.ConvertUInt2Bytes(uint16(pageType)))
	copy(buf[pageTypeOffset+2:], util.ConvertUInt2Bytes(0))
	copy(buf[checksumOffset:], util.ConvertULong8Bytes(util.HashCode(buf[pageNoOffset:])))
}

// decodePageHeader reads the stored identity back out of buf and verifies
// the checksum over everything past it.
func decodePageHeader(buf []byte) (pageNo uint32, pageType basic.PageType, ok bool) {
	stored := util.ReadUB8Byte2UInt64(buf[checksumOffset:])
	if stored != util.HashCode(buf[pageNoOffset:]) {
		return 0, 0, false
	}
	pageNo = util.ReadUB4Byte2UInt32(buf[pageNoOffset:])
	pageType = basic.PageType(util.ReadUB2Byte2UInt16(buf[pageTypeOffset:]))
	return pageNo, pageType, true
}
