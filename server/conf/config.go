package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zhukovaskychina/xmysql-storage/server/storage/basic"
	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/**
[storage]
data-dir        = /var/lib/xmysql-storage
page-size       = 4096
cache_pages_4k  = 1024
cache_pages_8k  = 512
cache_pages_16k = 256
cache_pages_64k = 64
io_threads      = 1
spare_buffers   = 64
direct_io       = false

[log]
log_level = info
info_log  =
error_log =
*/
type Cfg struct {
	Raw *ini.File

	// storage
	DataDir      string
	PageSize     basic.PageSize
	CachePages   map[basic.PageSize]int
	IOThreads    int
	SpareBuffers int
	DirectIO     bool

	// log
	LogLevel string
	LogInfos string
	LogError string
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:      ini.Empty(),
		DataDir:  "data",
		PageSize: basic.DefaultPageSize,
		CachePages: map[basic.PageSize]int{
			basic.PageSize4K:  1024,
			basic.PageSize8K:  512,
			basic.PageSize16K: 256,
			basic.PageSize64K: 64,
		},
		IOThreads:    1,
		SpareBuffers: 64,
		LogLevel:     "info",
	}
}

func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		return nil, err
	}
	cfg.Raw = iniFile

	if err := cfg.parseStorageCfg(cfg.Raw.Section("storage")); err != nil {
		return nil, err
	}
	cfg.parseLogCfg(cfg.Raw.Section("log"))
	return cfg, nil
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}

	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) parseStorageCfg(section *ini.Section) error {
	cfg.DataDir = section.Key("data-dir").MustString(cfg.DataDir)

	pageSize, err := basic.PageSizeFor(section.Key("page-size").MustInt(basic.DefaultPageSize.Bytes()))
	if err != nil {
		return fmt.Errorf("page-size in configuration file: %w", err)
	}
	cfg.PageSize = pageSize

	cfg.CachePages[basic.PageSize4K] = section.Key("cache_pages_4k").MustInt(cfg.CachePages[basic.PageSize4K])
	cfg.CachePages[basic.PageSize8K] = section.Key("cache_pages_8k").MustInt(cfg.CachePages[basic.PageSize8K])
	cfg.CachePages[basic.PageSize16K] = section.Key("cache_pages_16k").MustInt(cfg.CachePages[basic.PageSize16K])
	cfg.CachePages[basic.PageSize64K] = section.Key("cache_pages_64k").MustInt(cfg.CachePages[basic.PageSize64K])

	cfg.IOThreads = section.Key("io_threads").MustInt(cfg.IOThreads)
	if cfg.IOThreads < 1 {
		return fmt.Errorf("io_threads must be at least 1, got %d", cfg.IOThreads)
	}
	cfg.SpareBuffers = section.Key("spare_buffers").MustInt(cfg.SpareBuffers)
	cfg.DirectIO = section.Key("direct_io").MustBool(false)
	return nil
}

func (cfg *Cfg) parseLogCfg(section *ini.Section) {
	cfg.LogLevel = section.Key("log_level").MustString(cfg.LogLevel)
	cfg.LogInfos = section.Key("info_log").MustString("")
	cfg.LogError = section.Key("error_log").MustString("")
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	defaultConfigFile := args.ConfigPath

	if _, err := os.Stat(defaultConfigFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file %s does not exist", defaultConfigFile)
	}

	parsedFile, err := ini.Load(defaultConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", defaultConfigFile, err)
	}
	return parsedFile, nil
}
