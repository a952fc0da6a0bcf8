package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storage.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[storage]
data-dir        = /tmp/pages
page-size       = 16384
cache_pages_16k = 128
io_threads      = 2
spare_buffers   = 16
direct_io       = true

[log]
log_level = debug
`)

	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/pages", cfg.DataDir)
	assert.Equal(t, basic.PageSize16K, cfg.PageSize)
	assert.Equal(t, 128, cfg.CachePages[basic.PageSize16K])
	assert.Equal(t, 2, cfg.IOThreads)
	assert.Equal(t, 16, cfg.SpareBuffers)
	assert.True(t, cfg.DirectIO)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unset sizes keep their defaults.
	assert.Equal(t, 1024, cfg.CachePages[basic.PageSize4K])
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "[storage]\n")

	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, basic.DefaultPageSize, cfg.PageSize)
	assert.Equal(t, 1, cfg.IOThreads)
	assert.False(t, cfg.DirectIO)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigRejectsBadPageSize(t *testing.T) {
	path := writeConfig(t, "[storage]\npage-size = 1000\n")

	_, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := NewCfg().Load(&CommandLineArgs{ConfigPath: "/does/not/exist.ini"})
	require.Error(t, err)
}
