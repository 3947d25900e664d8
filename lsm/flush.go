package lsm

import (
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/andreyvit/xlim/kv"
)

const flushRetryDelay = time.Second

// rotate_locked freezes the active memtable and wakes the flush worker.
func (d *DB) rotate_locked() {
	mem := d.v.mem
	_, maxTS := mem.stamps()
	if mem.empty() && maxTS <= d.checkpointTS.Load() {
		return
	}
	v := d.v.clone()
	v.imm = append(v.imm, mem)
	d.nextMem++
	v.mem = newMemtable(d.nextMem)
	d.v = v
	select {
	case d.flushCh <- struct{}{}:
	default:
	}
}

// Flush freezes the active memtable and writes every frozen memtable into
// segments, advancing CheckpointTS.
func (d *DB) Flush() error {
	d.writeMu.Lock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.writeMu.Unlock()
		return kv.ErrClosed
	}
	d.rotate_locked()
	d.mu.Unlock()
	d.writeMu.Unlock()

	for {
		ok, err := d.flushOne()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	d.maybeScheduleCompaction()
	return nil
}

func (d *DB) flushWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.closeCh:
			return
		case <-d.flushCh:
		}
		for {
			ok, err := d.flushOne()
			if err != nil {
				d.logger.LogAttrs(d.ctx, slog.LevelError, "lsm: flush failed", slog.String("dir", d.dir), slog.Any("err", err))
				d.mu.Lock()
				d.bgErr = err
				d.cond.Broadcast()
				d.mu.Unlock()
				select {
				case <-d.closeCh:
					return
				case <-time.After(flushRetryDelay):
				}
				continue
			}
			if !ok {
				break
			}
		}
		d.maybeScheduleCompaction()
	}
}

// flushOne writes the oldest frozen memtable into a segment and installs it.
// It reports false when there was nothing to flush.
func (d *DB) flushOne() (bool, error) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	if d.closed || len(d.v.imm) == 0 {
		d.mu.Unlock()
		return false, nil
	}
	mem := d.v.imm[0]
	d.mu.Unlock()

	start := time.Now()
	maxSeq, maxTS := mem.stamps()
	var seg *segment
	if !mem.empty() {
		var err error
		seg, err = d.writeMemtable(mem, maxSeq)
		if err != nil {
			return false, err
		}
	}

	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()

	ckpt := max(d.checkpointTS.Load(), maxTS)
	d.mu.Lock()
	segs := d.v.segs
	if seg != nil {
		segs = append([]*segment{seg}, segs...)
	}
	m := d.manifest_locked(segs, ckpt, d.meta)
	d.mu.Unlock()

	if err := writeManifest(d.dir, m, d.opt.NoSync); err != nil {
		if seg != nil {
			seg.obsolete.Store(true)
			seg.unref()
		}
		return false, err
	}

	d.mu.Lock()
	if d.v.imm[0] != mem {
		panic("lsm: frozen memtables changed during flush")
	}
	v := d.v.clone()
	v.imm = v.imm[1:]
	v.segs = segs
	d.v = v
	d.checkpointTS.Store(ckpt)
	d.bgErr = nil
	d.cond.Broadcast()
	d.mu.Unlock()

	d.flushes.Add(1)
	if seg != nil {
		d.logger.LogAttrs(d.ctx, slog.LevelInfo, "lsm: flushed memtable", slog.String("file", seg.name), slog.Uint64("entries", seg.count), slog.Int64("size", seg.size), slog.Uint64("ckpt", ckpt), slog.Duration("took", time.Since(start)))
	}
	return true, nil
}

func (d *DB) writeMemtable(mem *memtable, maxSeq uint64) (*segment, error) {
	num := d.allocFileNum()
	sw, err := createSegment(filepath.Join(d.dir, segmentFileName(num)), &d.opt)
	if err != nil {
		return nil, err
	}
	it := mem.iter(math.MaxUint64, nil, nil)
	for it.next() {
		if err := sw.add(it.key(), it.kind(), it.value()); err != nil {
			sw.abort()
			return nil, err
		}
	}
	if _, err := sw.finish(maxSeq); err != nil {
		sw.abort()
		return nil, err
	}
	seg, err := openSegment(d.dir, num, d.logger)
	if err != nil {
		sw.abort()
		return nil, err
	}
	return seg, nil
}
