package store

import (
	"fmt"
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
)

// backend is the seam between page bookkeeping and the bytes underneath.
// os.File satisfies it directly; the memory resource adapts memfile.
type backend interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// resource implements basic.ResourceManager over a backend. One resource is
// one backing file at a fixed page size; page N lives at offset N*pageSize.
type resource struct {
	mu sync.Mutex // guards nextPageNo and truncation

	name       string
	pageSize   basic.PageSize
	file       backend
	nextPageNo uint32
}

func (r *resource) PageSize() basic.PageSize {
	return r.pageSize
}

func (r *resource) checkBuffer(op string, buf []byte) error {
	if len(buf) != r.pageSize.Bytes() {
		return basic.NewError(op, fmt.Errorf("buffer length %d does not match page size %d: %w",
			len(buf), r.pageSize.Bytes(), basic.ErrBufferPool))
	}
	return nil
}

func (r *resource) ReadPageFromResource(buf []byte, pageNo uint32) (basic.CacheableData, error) {
	if err := r.checkBuffer("read page", buf); err != nil {
		return nil, err
	}

	off := int64(pageNo) * int64(r.pageSize)
	if _, err := r.file.ReadAt(buf, off); err != nil {
		return nil, basic.WrapIO("read page", errors.Annotatef(err, "page %d of %s", pageNo, r.name))
	}

	storedNo, pageType, ok := decodePageHeader(buf)
	if !ok || storedNo != pageNo {
		return nil, basic.NewError(fmt.Sprintf("read page %d of %s", pageNo, r.name), basic.ErrPageFormat)
	}
	return NewPage(buf, pageNo, pageType), nil
}

func (r *resource) ReadPagesFromResource(bufs [][]byte, firstPageNo uint32) ([]basic.CacheableData, error) {
	pages := make([]basic.CacheableData, 0, len(bufs))
	for i, buf := range bufs {
		page, err := r.ReadPageFromResource(buf, firstPageNo+uint32(i))
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func (r *resource) WritePageToResource(buf []byte, page basic.CacheableData) error {
	if err := r.checkBuffer("write page", buf); err != nil {
		return err
	}

	encodePageHeader(buf, page.PageNumber(), page.PageType())
	off := int64(page.PageNumber()) * int64(r.pageSize)
	if _, err := r.file.WriteAt(buf, off); err != nil {
		return basic.WrapIO("write page", errors.Annotatef(err, "page %d of %s", page.PageNumber(), r.name))
	}
	page.ClearModified()
	return nil
}

func (r *resource) WritePagesToResource(bufs [][]byte, pages []basic.CacheableData) error {
	if len(bufs) != len(pages) {
		return basic.NewError("write pages", basic.ErrBufferPool)
	}
	for i := range bufs {
		if err := r.WritePageToResource(bufs[i], pages[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *resource) ReserveNewPage(buf []byte, pageType basic.PageType) (basic.CacheableData, error) {
	if err := r.checkBuffer("reserve page", buf); err != nil {
		return nil, err
	}

	r.mu.Lock()
	pageNo := r.nextPageNo
	r.nextPageNo++
	r.mu.Unlock()

	for i := range buf {
		buf[i] = 0
	}
	encodePageHeader(buf, pageNo, pageType)

	// Write through so the page exists on storage even if it is evicted
	// clean.
	off := int64(pageNo) * int64(r.pageSize)
	if _, err := r.file.WriteAt(buf, off); err != nil {
		return nil, basic.WrapIO("reserve page", errors.Annotatef(err, "page %d of %s", pageNo, r.name))
	}
	return NewPage(buf, pageNo, pageType), nil
}

func (r *resource) Truncate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.file.Truncate(0); err != nil {
		return basic.WrapIO("truncate", errors.Annotatef(err, "resource %s", r.name))
	}
	r.nextPageNo = 0
	return nil
}

func (r *resource) CloseResource() error {
	if err := r.file.Sync(); err != nil {
		return basic.WrapIO("close resource", errors.Annotatef(err, "sync %s", r.name))
	}
	if err := r.file.Close(); err != nil {
		return basic.WrapIO("close resource", errors.Annotatef(err, "close %s", r.name))
	}
	return nil
}
