package lsm

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/andreyvit/xlim/kv"
)

func (d *DB) maybeScheduleCompaction() {
	if d.opt.CompactionTrigger < 0 {
		return
	}
	d.mu.Lock()
	n := len(d.v.segs)
	d.mu.Unlock()
	if n >= d.opt.CompactionTrigger {
		select {
		case d.compactCh <- struct{}{}:
		default:
		}
	}
}

func (d *DB) compactionWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.closeCh:
			return
		case <-d.compactCh:
		}
		var watermark uint64
		if d.opt.Watermark != nil {
			watermark = d.opt.Watermark()
		}
		err := d.Compact(d.ctx, watermark)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, kv.ErrClosed) {
			d.logger.LogAttrs(d.ctx, slog.LevelError, "lsm: compaction failed", slog.String("dir", d.dir), slog.Any("err", err))
		}
	}
}

// Compact merges all current segments into a single one. Deleted keys are
// dropped, and versioned keys (see kv.Retention) superseded at or below
// watermark are collected. Memtables are not touched.
func (d *DB) Compact(ctx context.Context, watermark uint64) error {
	d.compactMu.Lock()
	defer d.compactMu.Unlock()

	v, _, err := d.acquire()
	if err != nil {
		return err
	}
	defer v.release()
	inputs := v.segs
	if len(inputs) == 0 {
		return nil
	}

	start := time.Now()
	var maxSeq uint64
	var inBytes int64
	srcs := make([]source, 0, len(inputs))
	for _, s := range inputs {
		srcs = append(srcs, s.iter(nil, nil))
		maxSeq = max(maxSeq, s.maxSeq)
		inBytes += s.size
	}

	num := d.allocFileNum()
	sw, err := createSegment(filepath.Join(d.dir, segmentFileName(num)), &d.opt)
	if err != nil {
		return err
	}
	sw.onBlock = d.throttle(ctx)

	r := kv.Retention{Watermark: watermark}
	var dropped int
	it := newMergeIter(srcs, nil)
	for it.Next() {
		if !r.Keep(it.Key(), it.Value()) {
			dropped++
			continue
		}
		if err := sw.add(it.Key(), kindPut, it.Value()); err != nil {
			sw.abort()
			return err
		}
	}
	it.Close()
	if err := it.Err(); err != nil {
		sw.abort()
		return err
	}

	var out *segment
	if sw.count == 0 {
		sw.abort()
	} else {
		if _, err := sw.finish(maxSeq); err != nil {
			sw.abort()
			return err
		}
		out, err = openSegment(d.dir, num, d.logger)
		if err != nil {
			sw.abort()
			return err
		}
	}

	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		if out != nil {
			out.obsolete.Store(true)
			out.unref()
		}
		return kv.ErrClosed
	}
	segs := make([]*segment, 0, len(d.v.segs))
	for _, s := range d.v.segs {
		if !slices.Contains(inputs, s) {
			segs = append(segs, s)
		}
	}
	if out != nil {
		segs = append(segs, out)
	}
	m := d.manifest_locked(segs, d.checkpointTS.Load(), d.meta)
	d.mu.Unlock()

	if err := writeManifest(d.dir, m, d.opt.NoSync); err != nil {
		if out != nil {
			out.obsolete.Store(true)
			out.unref()
		}
		return err
	}

	d.mu.Lock()
	nv := d.v.clone()
	nv.segs = segs
	d.v = nv
	d.mu.Unlock()

	for _, s := range inputs {
		s.obsolete.Store(true)
		s.unref()
	}
	d.compactions.Add(1)

	attrs := []slog.Attr{
		slog.Int("inputs", len(inputs)),
		slog.Int64("in_bytes", inBytes),
		slog.Int("dropped", dropped),
		slog.Uint64("watermark", watermark),
		slog.Duration("took", time.Since(start)),
	}
	if out != nil {
		attrs = append(attrs, slog.String("file", out.name), slog.Int64("out_bytes", out.size))
	}
	d.logger.LogAttrs(ctx, slog.LevelInfo, "lsm: compacted segments", attrs...)
	return nil
}

// throttle returns a block callback that paces compaction output to
// CompactionBytesPerSec.
func (d *DB) throttle(ctx context.Context) func(n int) error {
	if d.limiter == nil {
		return func(int) error { return ctx.Err() }
	}
	return func(n int) error {
		burst := d.limiter.Burst()
		for n > 0 {
			c := min(n, burst)
			if err := d.limiter.WaitN(ctx, c); err != nil {
				return err
			}
			n -= c
		}
		return nil
	}
}
