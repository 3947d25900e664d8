package lsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/andreyvit/xlim/kv"
)

// Open opens the tree stored in dir, creating an empty one if needed.
// Segment files not referenced by the manifest are leftovers of interrupted
// flushes or compactions and are deleted.
func Open(dir string, opt Options) (*DB, error) {
	opt = opt.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kv.IOErr("lsm: create dir", err)
	}
	start := time.Now()

	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = &manifest{NextFile: 1}
	}

	segs := make([]*segment, len(m.Segments))
	g, _ := errgroup.WithContext(opt.Context)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, ms := range m.Segments {
		g.Go(func() error {
			s, err := openSegment(dir, ms.Num, opt.Logger)
			if err != nil {
				return err
			}
			segs[i] = s
			if s.maxSeq != ms.MaxSeq || s.count != ms.Count {
				return kv.DataErrf(s.name, nil, 0, nil, "segment does not match manifest (seq %d/%d, count %d/%d)", s.maxSeq, ms.MaxSeq, s.count, ms.Count)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range segs {
			if s != nil {
				s.unref()
			}
		}
		return nil, fmt.Errorf("lsm: %w", err)
	}

	var lastSeq uint64
	live := make(map[uint64]bool, len(segs))
	for _, s := range segs {
		lastSeq = max(lastSeq, s.maxSeq)
		live[s.num] = true
	}
	removeLeftovers(dir, live, opt.Logger)

	ctx, cancel := context.WithCancel(opt.Context)
	d := &DB{
		dir:        dir,
		opt:        opt,
		logger:     opt.Logger,
		ctx:        ctx,
		cancel:     cancel,
		v:          &version{mem: newMemtable(1), segs: segs},
		visibleSeq: lastSeq,
		meta:       m.Meta,
		lastSeq:    lastSeq,
		nextMem:    1,
		flushCh:    make(chan struct{}, 1),
		compactCh:  make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	d.nextFile.Store(m.NextFile)
	d.checkpointTS.Store(m.CheckpointTS)
	if opt.CompactionBytesPerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opt.CompactionBytesPerSec), max(opt.CompactionBytesPerSec, opt.BlockSize))
	}

	d.wg.Add(2)
	go d.flushWorker()
	go d.compactionWorker()
	d.maybeScheduleCompaction()

	d.logger.LogAttrs(ctx, slog.LevelInfo, "lsm: opened", slog.String("dir", dir), slog.Int("segments", len(segs)), slog.Uint64("ckpt", m.CheckpointTS), slog.Duration("took", time.Since(start)))
	return d, nil
}

func removeLeftovers(dir string, live map[uint64]bool, logger *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("lsm: cannot list dir", slog.String("dir", dir), slog.Any("err", err))
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name != manifestTmpName {
			num, ok := parseSegmentFileName(name)
			if !ok || live[num] {
				continue
			}
		}
		logger.Warn("lsm: deleting leftover file", slog.String("file", name))
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			logger.Warn("lsm: failed to delete leftover file", slog.String("file", name), slog.Any("err", err))
		}
	}
}
