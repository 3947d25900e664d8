package lsm

import (
	"context"
	"log/slog"
)

type Options struct {
	Context context.Context

	// MemtableSize is the approximate number of bytes buffered in memory
	// before the memtable is frozen and flushed into a segment.
	MemtableSize int

	// BlockSize is the target uncompressed size of a segment data block.
	BlockSize int

	Compression Compression

	// CompactionTrigger is the number of segments that starts a background
	// compaction merging all of them into one. Negative disables background
	// compaction; Compact can still be called explicitly.
	CompactionTrigger int

	// CompactionBytesPerSec throttles compaction writes. Zero is unlimited.
	CompactionBytesPerSec int

	// Watermark returns the oldest timestamp any reader may still observe.
	// Background compactions use it to drop superseded versions; nil means
	// everything must be kept.
	Watermark func() uint64

	// MaxImmutable is the number of frozen memtables waiting for a flush
	// after which Apply blocks.
	MaxImmutable int

	NoSync  bool
	Logger  *slog.Logger
	Verbose bool
}

const (
	DefaultMemtableSize      = 4 * 1024 * 1024
	DefaultBlockSize         = 16 * 1024
	DefaultCompactionTrigger = 4
	DefaultMaxImmutable      = 2
)

func (o Options) withDefaults() Options {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.MemtableSize <= 0 {
		o.MemtableSize = DefaultMemtableSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.CompactionTrigger == 0 {
		o.CompactionTrigger = DefaultCompactionTrigger
	}
	if o.MaxImmutable <= 0 {
		o.MaxImmutable = DefaultMaxImmutable
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
