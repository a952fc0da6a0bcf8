package store

import (
	"github.com/dsnet/golib/memfile"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
)

// memBackend adapts memfile to the backend seam. Sync and Close are no-ops;
// the data lives and dies with the process.
type memBackend struct {
	*memfile.File
}

func (memBackend) Sync() error {
	return nil
}

func (memBackend) Close() error {
	return nil
}

// NewMemResourceManager creates a resource backed by process memory.
// Embedders and tests use it as a drop-in for a page file.
func NewMemResourceManager(name string, pageSize basic.PageSize) (basic.ResourceManager, error) {
	if _, err := basic.PageSizeFor(pageSize.Bytes()); err != nil {
		return nil, err
	}
	return &resource{
		name:     name,
		pageSize: pageSize,
		file:     memBackend{memfile.New(nil)},
	}, nil
}
