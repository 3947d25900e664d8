// Package lsm implements kv.Engine as a log-structured merge tree: writes go
// into an in-memory skiplist, full memtables are flushed into immutable
// sorted segment files, and segments are periodically merged into one.
//
// The tree does not log writes itself. Data still in memtables when the tree
// is closed (or the process dies) is lost unless the caller can replay it,
// which is what CheckpointTS is for.
package lsm

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/andreyvit/xlim/kv"
)

type DB struct {
	dir    string
	opt    Options
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	cond       *sync.Cond
	v          *version
	visibleSeq uint64
	meta       []byte
	bgErr      error
	closed     bool

	writeMu sync.Mutex
	lastSeq uint64
	nextMem uint64

	manifestMu   sync.Mutex
	nextFile     atomic.Uint64
	checkpointTS atomic.Uint64

	flushMu   sync.Mutex
	compactMu sync.Mutex
	limiter   *rate.Limiter

	flushCh   chan struct{}
	compactCh chan struct{}
	closeCh   chan struct{}
	wg        sync.WaitGroup

	flushes     atomic.Uint64
	compactions atomic.Uint64
}

var (
	_ kv.Engine    = (*DB)(nil)
	_ kv.Compactor = (*DB)(nil)
	_ kv.Flusher   = (*DB)(nil)
)

// version is an immutable view of the tree's structure. A new one is
// installed whenever a memtable is frozen or segments change.
type version struct {
	mem  *memtable
	imm  []*memtable // oldest first
	segs []*segment  // newest first
}

func (v *version) clone() *version {
	return &version{
		mem:  v.mem,
		imm:  slices.Clone(v.imm),
		segs: slices.Clone(v.segs),
	}
}

func (v *version) release() {
	for _, s := range v.segs {
		s.unref()
	}
}

// acquire returns the current version with its segments referenced, and the
// sequence number of the latest applied batch.
func (d *DB) acquire() (*version, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, 0, kv.ErrClosed
	}
	for _, s := range d.v.segs {
		s.ref()
	}
	return d.v, d.visibleSeq, nil
}

func (d *DB) Get(key []byte) ([]byte, error) {
	v, seq, err := d.acquire()
	if err != nil {
		return nil, err
	}
	defer v.release()

	if kind, value, ok := v.mem.get(key, seq); ok {
		return found(kind, value)
	}
	for i := len(v.imm) - 1; i >= 0; i-- {
		if kind, value, ok := v.imm[i].get(key, seq); ok {
			return found(kind, value)
		}
	}
	for _, s := range v.segs {
		kind, value, ok, err := s.get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			value, err := found(kind, value)
			return slices.Clone(value), err
		}
	}
	return nil, kv.ErrNotFound
}

func found(kind entryKind, value []byte) ([]byte, error) {
	if kind == kindDelete {
		return nil, kv.ErrNotFound
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// Apply inserts the batch into the active memtable, making it visible to
// subsequent reads atomically. It blocks while too many frozen memtables
// wait for a flush, and fails if flushing is currently broken.
func (d *DB) Apply(b *kv.Batch) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.Lock()
	for {
		if d.closed {
			d.mu.Unlock()
			return kv.ErrClosed
		}
		if len(d.v.imm) < d.opt.MaxImmutable {
			break
		}
		if d.bgErr != nil {
			err := d.bgErr
			d.mu.Unlock()
			return err
		}
		d.cond.Wait()
	}
	mem := d.v.mem
	d.mu.Unlock()

	seq := d.lastSeq + 1
	mem.add(b, seq)
	d.lastSeq = seq

	d.mu.Lock()
	d.visibleSeq = seq
	if mem.approximateSize() >= d.opt.MemtableSize {
		d.rotate_locked()
	}
	d.mu.Unlock()
	return nil
}

// Scan returns a snapshot iterator. It must be closed to release the
// segments it reads.
func (d *DB) Scan(start, end []byte) kv.Iterator {
	v, seq, err := d.acquire()
	if err != nil {
		return kv.EmptyIterator(err)
	}
	srcs := make([]source, 0, 1+len(v.imm)+len(v.segs))
	srcs = append(srcs, v.mem.iter(seq, start, end))
	for i := len(v.imm) - 1; i >= 0; i-- {
		srcs = append(srcs, v.imm[i].iter(seq, start, end))
	}
	for _, s := range v.segs {
		srcs = append(srcs, s.iter(start, end))
	}
	return newMergeIter(srcs, v.release)
}

func (d *DB) CheckpointTS() uint64 {
	return d.checkpointTS.Load()
}

func (d *DB) LoadMeta() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, kv.ErrClosed
	}
	return slices.Clone(d.meta), nil
}

// SaveMeta stores meta in the manifest, durably replacing the old value.
func (d *DB) SaveMeta(meta []byte) error {
	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()

	meta = slices.Clone(meta)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return kv.ErrClosed
	}
	m := d.manifest_locked(d.v.segs, d.checkpointTS.Load(), meta)
	d.mu.Unlock()

	if err := writeManifest(d.dir, m, d.opt.NoSync); err != nil {
		return err
	}
	d.mu.Lock()
	d.meta = meta
	d.mu.Unlock()
	return nil
}

func (d *DB) manifest_locked(segs []*segment, ckpt uint64, meta []byte) *manifest {
	m := &manifest{
		NextFile:     d.nextFile.Load(),
		CheckpointTS: ckpt,
		Meta:         meta,
	}
	for _, s := range segs {
		m.Segments = append(m.Segments, manifestSegment{
			Num:    s.num,
			MaxSeq: s.maxSeq,
			Count:  s.count,
			Size:   s.size,
		})
	}
	return m
}

func (d *DB) allocFileNum() uint64 {
	return d.nextFile.Add(1) - 1
}

type Stats struct {
	Segments      int
	SegmentBytes  int64
	Immutable     int
	MemtableBytes int
	Flushes       uint64
	Compactions   uint64
	CheckpointTS  uint64
}

func (d *DB) Stats() Stats {
	d.mu.Lock()
	v := d.v
	d.mu.Unlock()
	st := Stats{
		Segments:      len(v.segs),
		Immutable:     len(v.imm),
		MemtableBytes: v.mem.approximateSize(),
		Flushes:       d.flushes.Load(),
		Compactions:   d.compactions.Load(),
		CheckpointTS:  d.checkpointTS.Load(),
	}
	for _, s := range v.segs {
		st.SegmentBytes += s.size
	}
	return st
}

// Close stops background work and releases segments. Memtables are not
// flushed; call Flush first to persist them.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	d.cancel()
	close(d.closeCh)
	d.wg.Wait()

	d.compactMu.Lock()
	defer d.compactMu.Unlock()
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	v := d.v
	d.v = &version{mem: newMemtable(0)}
	d.mu.Unlock()

	if n := len(v.imm); n > 0 || !v.mem.empty() {
		d.logger.LogAttrs(d.ctx, slog.LevelWarn, "lsm: closing with unflushed memtables", slog.String("dir", d.dir), slog.Int("frozen", n))
	}
	v.release()
	return nil
}
