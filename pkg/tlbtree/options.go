package tlbtree

import (
	"go.uber.org/zap"

	"github.com/ypluo/TLBtree/pkg/config"
)

// Options configures an index handle.
type Options struct {
	// PoolSize is the size of the pool file created for a fresh index.
	// Ignored when opening an existing one.
	PoolSize uint64

	// FlushMode selects how eagerly stores are written back to the pool
	// file.
	FlushMode config.FlushMode

	// BackgroundRebuild runs upper-layer rebuilds on their own goroutine
	// instead of inside the triggering insert.
	BackgroundRebuild bool

	// Logger receives operational events. The session journal next to
	// the pool file is written regardless.
	Logger *zap.Logger
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		PoolSize:          config.DefaultPoolSize,
		FlushMode:         config.FlushAsync,
		BackgroundRebuild: true,
		Logger:            zap.NewNop(),
	}
}

// WithPoolSize sets the pool file size for a fresh index.
func WithPoolSize(n uint64) Option {
	return func(o *Options) { o.PoolSize = n }
}

// WithFlushMode sets the writeback mode of the pool.
func WithFlushMode(m config.FlushMode) Option {
	return func(o *Options) { o.FlushMode = m }
}

// WithBackgroundRebuild toggles rebuilding on a separate goroutine.
func WithBackgroundRebuild(enabled bool) Option {
	return func(o *Options) { o.BackgroundRebuild = enabled }
}

// WithLogger routes operational events to the given logger.
func WithLogger(lg *zap.Logger) Option {
	return func(o *Options) { o.Logger = lg }
}
