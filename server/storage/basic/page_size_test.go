package basic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageSizeFor(t *testing.T) {
	for _, size := range SupportedPageSizes() {
		got, err := PageSizeFor(size.Bytes())
		require.NoError(t, err)
		assert.Equal(t, size, got)
	}

	for _, bad := range []int{0, 1, 512, 4097, 1 << 20} {
		_, err := PageSizeFor(bad)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedPageSize)
	}
}

func TestStorageErrorWrapping(t *testing.T) {
	err := NewError("add page", ErrCachePinned)
	assert.True(t, IsCachePinned(err))
	assert.False(t, IsDuplicateEntry(err))
	assert.Contains(t, err.Error(), "add page")

	cause := NewError("read", ErrPageFormat)
	assert.True(t, IsPageFormat(cause))

	ioErr := WrapIO("read page", cause)
	assert.True(t, IsIOError(ioErr))
	// The original cause stays reachable through the chain.
	assert.True(t, IsPageFormat(ioErr))

	assert.Nil(t, WrapIO("read page", nil))
}
