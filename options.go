package ehdb

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Giulio2002/ehdb/atomicop"
	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/pagestore"
	"github.com/Giulio2002/ehdb/pagestore/filestore"
	"github.com/Giulio2002/ehdb/wal"
)

// Backend selects where committed pages are kept.
type Backend string

const (
	// BackendFile keeps one data file per structure plus a write-ahead log.
	BackendFile Backend = "file"
	// BackendBolt keeps all pages in a single bbolt file.
	BackendBolt Backend = "bolt"
	// BackendMDBX keeps all pages in a single libmdbx environment.
	BackendMDBX Backend = "mdbx"
	// BackendMemory keeps pages in process memory. Nothing survives Close.
	BackendMemory Backend = "memory"
)

// Default option values.
const (
	DefaultCacheSize = 4096
)

// Environment variables read by OptionsFromEnv.
const (
	EnvPageSize    = "EHDB_PAGE_SIZE"
	EnvCacheSize   = "EHDB_CACHE_SIZE"
	EnvTrackMemory = "EHDB_TRACK_MEMORY"
	EnvLockTimeout = "EHDB_LOCK_TIMEOUT"
	EnvMaxRetries  = "EHDB_MAX_RETRIES"
	EnvBackend     = "EHDB_BACKEND"
	EnvFsync       = "EHDB_FSYNC"
)

// Options configures Open.
type Options struct {
	PageSize        int
	CacheSize       int // pages kept in the page cache
	TrackMemory     bool
	LockTimeout     time.Duration
	MaxRetries      int
	Backend         Backend
	Sync            wal.SyncMode
	CheckpointBytes int64
	Logger          *slog.Logger
}

// DefaultOptions returns the options Open uses when none are given.
func DefaultOptions() Options {
	return Options{
		PageSize:        pagestore.DefaultPageSize,
		CacheSize:       DefaultCacheSize,
		TrackMemory:     true,
		LockTimeout:     atomicop.DefaultLockTimeout,
		MaxRetries:      atomicop.DefaultMaxRetries,
		Backend:         BackendFile,
		Sync:            wal.SyncFull,
		CheckpointBytes: filestore.DefaultCheckpointBytes,
	}
}

// SetPageSize sets the page size. It must be a power of two between
// pagestore.MinPageSize and pagestore.MaxPageSize.
func (o *Options) SetPageSize(size int) error {
	if !pagestore.ValidPageSize(size) {
		return dberr.Errorf(dberr.ErrInvalidArgument, "page size %d must be a power of two in [%d, %d]",
			size, pagestore.MinPageSize, pagestore.MaxPageSize)
	}
	o.PageSize = size
	return nil
}

// SetCacheSize sets the number of cached pages.
func (o *Options) SetCacheSize(pages int) error {
	if pages <= 0 {
		return dberr.Errorf(dberr.ErrInvalidArgument, "cache size %d must be positive", pages)
	}
	o.CacheSize = pages
	return nil
}

// SetBackend selects the backend by name.
func (o *Options) SetBackend(name string) error {
	switch b := Backend(strings.ToLower(name)); b {
	case BackendFile, BackendBolt, BackendMDBX, BackendMemory:
		o.Backend = b
		return nil
	}
	return dberr.Errorf(dberr.ErrInvalidArgument, "unknown backend %q", name)
}

func (o *Options) validate() error {
	if o.PageSize == 0 {
		o.PageSize = pagestore.DefaultPageSize
	}
	if err := o.SetPageSize(o.PageSize); err != nil {
		return err
	}
	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}
	if err := o.SetCacheSize(o.CacheSize); err != nil {
		return err
	}
	if o.Backend == "" {
		o.Backend = BackendFile
	}
	if err := o.SetBackend(string(o.Backend)); err != nil {
		return err
	}
	if o.LockTimeout < 0 {
		return dberr.Errorf(dberr.ErrInvalidArgument, "lock timeout %s is negative", o.LockTimeout)
	}
	return nil
}

// OptionsFromEnv overlays EHDB_* environment variables on base. Unset
// variables keep the base value.
func OptionsFromEnv(base Options) (Options, error) {
	o := base
	var err error
	if o.PageSize, err = envInt(EnvPageSize, o.PageSize); err != nil {
		return base, err
	}
	if o.CacheSize, err = envInt(EnvCacheSize, o.CacheSize); err != nil {
		return base, err
	}
	if o.MaxRetries, err = envInt(EnvMaxRetries, o.MaxRetries); err != nil {
		return base, err
	}
	if o.TrackMemory, err = envBool(EnvTrackMemory, o.TrackMemory); err != nil {
		return base, err
	}
	if o.LockTimeout, err = envDuration(EnvLockTimeout, o.LockTimeout); err != nil {
		return base, err
	}
	if name := envStr(EnvBackend, ""); name != "" {
		if err := o.SetBackend(name); err != nil {
			return base, err
		}
	}
	fsync, err := envBool(EnvFsync, o.Sync == wal.SyncFull)
	if err != nil {
		return base, err
	}
	o.Sync = wal.SyncNone
	if fsync {
		o.Sync = wal.SyncFull
	}
	return o, nil
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := envStr(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, dberr.WrapError(dberr.ErrInvalidArgument, fmt.Errorf("%s: %w", key, err))
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := envStr(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, dberr.WrapError(dberr.ErrInvalidArgument, fmt.Errorf("%s: %w", key, err))
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := envStr(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, dberr.WrapError(dberr.ErrInvalidArgument, fmt.Errorf("%s: %w", key, err))
	}
	return d, nil
}
