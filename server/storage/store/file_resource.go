package store

import (
	"os"

	"github.com/juju/errors"
	"github.com/ncw/directio"
	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
)

// NewFileResourceManager opens (or creates) a page file at the given path.
// With direct IO enabled the file bypasses the OS page cache; the buffer
// pool's buffers are already alignment-safe for that mode.
func NewFileResourceManager(path string, pageSize basic.PageSize, useDirectIO bool) (basic.ResourceManager, error) {
	if _, err := basic.PageSizeFor(pageSize.Bytes()); err != nil {
		return nil, err
	}

	var (
		file *os.File
		err  error
	)
	if useDirectIO {
		file, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	} else {
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	}
	if err != nil {
		return nil, basic.WrapIO("open resource", errors.Annotatef(err, "open %s", path))
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, basic.WrapIO("open resource", errors.Annotatef(err, "stat %s", path))
	}
	if info.Size()%int64(pageSize) != 0 {
		file.Close()
		return nil, basic.NewError("open resource "+path, basic.ErrPageFormat)
	}

	logger.Debugf("store: opened resource %s, %d pages of %d bytes", path, info.Size()/int64(pageSize), pageSize.Bytes())

	return &resource{
		name:       path,
		pageSize:   pageSize,
		file:       file,
		nextPageNo: uint32(info.Size() / int64(pageSize)),
	}, nil
}
