package storage

import "go.uber.org/zap"

// Defaults for a collection store.
const (
	DefaultMaxChunkSize   int64 = 40 * 1024 * 1024 // 40 MiB
	DefaultChunkCacheSize       = 4
	DefaultIndexCacheSize       = 4
)

type options struct {
	maxChunkSize   int64
	chunkCacheSize int
	indexCacheSize int
	format         Format
	fsync          bool
	logger         *zap.SugaredLogger
}

func defaultOptions() options {
	return options{
		maxChunkSize:   DefaultMaxChunkSize,
		chunkCacheSize: DefaultChunkCacheSize,
		indexCacheSize: DefaultIndexCacheSize,
		format:         FormatJSON,
		logger:         zap.NewNop().Sugar(),
	}
}

// Option configures a Store.
type Option func(*options)

// WithMaxChunkSize sets the soft cap on a chunk's estimated size.
func WithMaxChunkSize(bytes int64) Option {
	return func(o *options) {
		if bytes > 0 {
			o.maxChunkSize = bytes
		}
	}
}

// WithChunkCacheSize sets how many chunks are kept materialized in memory.
func WithChunkCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkCacheSize = n
		}
	}
}

// WithIndexCacheSize sets how many secondary indexes are kept in memory.
func WithIndexCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.indexCacheSize = n
		}
	}
}

// WithFormat selects the on-disk encoding. A data directory must always be
// opened with the format it was created with.
func WithFormat(f Format) Option {
	return func(o *options) {
		o.format = f
	}
}

// WithFsync forces every file write to be synced before it is renamed into
// place.
func WithFsync(enabled bool) Option {
	return func(o *options) {
		o.fsync = enabled
	}
}

// WithLogger sets the logger used by the store.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
