// Package journal implements WAL-like append-only “journal” files.
//
// Records are grouped into commits. Every commit ends with a marker holding
// the running xxhash of the segment up to that point, so a reader can tell a
// complete commit from a torn or corrupted one. Uncommitted records are
// buffered in memory and only reach the file once the buffer exceeds
// Options.BufferSize or Commit is called.
//
// Files rotate after reaching Options.MaxFileSize; a rotation always happens
// on a commit boundary, so a commit never spans two segment files.
//
// File format:
//
//   - file = segmentHeader (record* commit)*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 segmentNumber:32 timestamp:32 prevChecksum:64 journalInvariant:256 segmentInvariant:256 reserved:64*3 checksum:64
//   - record = (size<<1):uvarint timestampDelta:uvarint bytes*
//   - commit = (checksum|1):64
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/xlim/mmap"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrFailed             = errors.New("journal failed")
	errCorruptedFile      = errors.New("corrupted journal segment file")
)

type Options struct {
	Context          context.Context
	FileName         string // e.g. "wal-*.log"
	MaxFileSize      int64  // new segment after this size
	BufferSize       int    // uncommitted bytes kept in memory
	DebugName        string
	Now              func() time.Time
	JournalInvariant [32]byte
	SegmentInvariant [32]byte

	// NoSync skips fdatasync after each commit.
	NoSync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024
const DefaultBufferSize = 64 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic            uint64
	Version          uint8
	_                uint8
	Flags            uint16
	_                uint32
	SegmentOrdinal   uint32
	Timestamp        uint32
	PrevChecksum     uint64
	JournalInvariant [32]byte
	SegmentInvariant [32]byte
	_                [3]uint64
	Checksum         uint64
}

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	timestampFmt          = "20060102T150405"
	commitSize            = 8
)

// Journal is a sequence of append-only segment files in one directory.
type Journal struct {
	context          context.Context
	maxFileSize      int64
	bufferSize       int
	fileNamePrefix   string
	fileNameSuffix   string
	debugName        string
	dir              string
	now              func() time.Time
	logger           *slog.Logger
	verbose          bool
	noSync           bool
	journalInvariant [32]byte
	segmentInvariant [32]byte

	writeLock sync.Mutex
	writable  bool
	recovered bool
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	lastSum   uint64
	segWriter *segmentWriter
}

func New(dir string, o Options) *Journal {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.BufferSize == 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Journal{
		context:          o.Context,
		maxFileSize:      o.MaxFileSize,
		bufferSize:       o.BufferSize,
		fileNamePrefix:   prefix,
		fileNameSuffix:   suffix,
		debugName:        o.DebugName,
		dir:              dir,
		now:              o.Now,
		verbose:          o.Verbose,
		noSync:           o.NoSync,
		journalInvariant: o.JournalInvariant,
		segmentInvariant: o.SegmentInvariant,
		logger:           o.Logger,
	}
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

func (j *Journal) String() string {
	return j.debugName
}

// StartWriting prepares the journal for appending. If Recover has not been
// called yet, the existing segments are validated (and repaired) first.
// New records always go into a fresh segment after the last existing one.
func (j *Journal) StartWriting() error {
	if !j.recovered {
		if err := j.Recover(nil); err != nil {
			return err
		}
	}
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	j.writable = true
	return nil
}

// FinishWriting closes the current segment. Uncommitted records are lost.
func (j *Journal) FinishWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	err := j.finishWriting_locked()
	j.writable = false
	return err
}

func (j *Journal) finishWriting_locked() error {
	if j.segWriter == nil {
		return nil
	}
	err := j.segWriter.close()
	j.segWriter = nil
	return err
}

// fail puts the journal into a permanently failed state.
func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}
	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))
	if j.segWriter != nil {
		j.segWriter.close()
		j.segWriter = nil
	}
	if j.writeErr == nil {
		j.writeErr = fmt.Errorf("%w: %w", ErrFailed, err)
	}
	return j.writeErr
}

// Err returns the error that put the journal into the failed state, if any.
func (j *Journal) Err() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.writeErr
}

// WriteRecord appends a record to the current commit. A zero timestamp means
// now.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if !j.writable {
		panic("journal is not open for writing")
	}
	if j.writeErr != nil {
		return j.writeErr
	}
	if timestamp == 0 {
		timestamp = j.Now()
	}

	if j.segWriter == nil {
		seg := j.writeSeg + 1
		sw, err := startSegment(j, seg, timestamp, j.writeRec+1)
		if err != nil {
			return j.fail(err)
		}
		j.writeSeg = seg
		j.segWriter = sw
	}

	j.writeRec++
	j.segWriter.writeRecord(timestamp, data)
	if len(j.segWriter.pending) >= j.bufferSize {
		return j.rollbackOnErr_locked(j.segWriter.flush())
	}
	return nil
}

// Flush writes buffered uncommitted records to the file without committing
// them. Readers ignore such records unless a commit follows.
func (j *Journal) Flush() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	if j.segWriter == nil {
		return nil
	}
	return j.rollbackOnErr_locked(j.segWriter.flush())
}

// Commit seals the records written since the previous commit and, unless
// NoSync is set, waits for them to become durable. On failure the journal
// rolls back to the previous commit; if even that fails, the journal enters
// the failed state and every further call returns an error.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	sw := j.segWriter
	if sw == nil || !sw.uncommitted {
		return nil
	}
	err := sw.commit(!j.noSync)
	var serr syncError
	if errors.As(err, &serr) {
		// the state of the file after a failed fsync is unknowable
		return j.fail(err)
	} else if err != nil {
		return j.rollbackOnErr_locked(err)
	}
	sw.committedRec = j.writeRec
	j.lastSum = sw.committedHash.Sum64()
	if sw.size >= j.maxFileSize {
		if j.verbose {
			j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: rotating", slog.String("jrnl", j.debugName), slog.Uint64("seg", uint64(sw.seg)), slog.Int64("size", sw.size))
		}
		return j.finishWriting_locked()
	}
	return nil
}

// Discard drops the records written since the last commit.
func (j *Journal) Discard() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	if j.segWriter == nil {
		return nil
	}
	return j.rollbackOnErr_locked(errDiscard)
}

var errDiscard = errors.New("discard")

func (j *Journal) rollbackOnErr_locked(err error) error {
	if err == nil {
		return nil
	}
	if rerr := j.segWriter.rollback(); rerr != nil {
		return j.fail(fmt.Errorf("%w (rollback after %w failed)", rerr, err))
	}
	j.writeRec = j.segWriter.committedRec
	if err == errDiscard {
		return nil
	}
	j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: write failed, rolled back to last commit", slog.String("jrnl", j.debugName), slog.Any("err", err))
	return err
}

// Rotate finishes the current segment so that the next record starts a new
// one.
func (j *Journal) Rotate() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.segWriter != nil && j.segWriter.uncommitted {
		return fmt.Errorf("%v: cannot rotate with uncommitted records", j.debugName)
	}
	return j.finishWriting_locked()
}

// CurrentSegment returns the ordinal of the segment that the next commit
// goes to.
func (j *Journal) CurrentSegment() uint32 {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.segWriter != nil {
		return j.writeSeg
	}
	return j.writeSeg + 1
}

type SegmentInfo struct {
	Ordinal   uint32
	Timestamp uint32
	FirstRec  uint64
	FileName  string
	Size      int64
}

// Segments lists segment files in order.
func (j *Journal) Segments() ([]SegmentInfo, error) {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var result []SegmentInfo
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		core, ok := j.trimName(name)
		if !ok {
			continue
		}
		seq, ts, id, err := parseSegmentName(core)
		if err != nil {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: ignoring file", slog.String("jrnl", j.debugName), slog.String("file", name), slog.Any("err", err))
			continue
		}
		var size int64
		if fi, err := ent.Info(); err == nil {
			size = fi.Size()
		}
		result = append(result, SegmentInfo{seq, ts, id, name, size})
	}
	slices.SortFunc(result, func(a, b SegmentInfo) int {
		return int(int64(a.Ordinal) - int64(b.Ordinal))
	})
	return result, nil
}

// RemoveSegment deletes a finished segment file. The segment being written
// cannot be removed.
func (j *Journal) RemoveSegment(seg uint32) error {
	j.writeLock.Lock()
	active := j.segWriter != nil && j.writeSeg == seg
	j.writeLock.Unlock()
	if active {
		return fmt.Errorf("%v: segment %d is being written", j.debugName, seg)
	}
	segs, err := j.Segments()
	if err != nil {
		return err
	}
	for _, s := range segs {
		if s.Ordinal == seg {
			if j.verbose {
				j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: removing segment", slog.String("jrnl", j.debugName), slog.String("file", s.FileName))
			}
			return os.Remove(filepath.Join(j.dir, s.FileName))
		}
	}
	return fs.ErrNotExist
}

func (j *Journal) trimName(name string) (string, bool) {
	if len(name) < len(j.fileNamePrefix)+len(j.fileNameSuffix) {
		return "", false
	}
	if !strings.HasPrefix(name, j.fileNamePrefix) || !strings.HasSuffix(name, j.fileNameSuffix) {
		return "", false
	}
	return name[len(j.fileNamePrefix) : len(name)-len(j.fileNameSuffix)], true
}

func (j *Journal) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(j.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	} else {
		return os.Open(fn)
	}
}

type segmentWriter struct {
	f             *os.File
	seg           uint32
	ts            uint32
	size          int64
	committedSize int64
	committedRec  uint64
	hash          xxhash.Digest
	committedHash xxhash.Digest
	pending       []byte
	written       int64 // bytes of the current commit already in the file
	uncommitted   bool
}

func startSegment(j *Journal, seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := j.openFile(name, true)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:            f,
		seg:          seg,
		ts:           ts,
		size:         segmentHeaderSize,
		committedRec: rec - 1,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j, seg, ts, j.lastSum, &sw.hash)

	_, err = f.Write(hbuf[:])
	if err != nil {
		return nil, err
	}
	if !j.noSync {
		if err := mmap.Fdatasync(f, nil); err != nil {
			return nil, err
		}
		if err := syncDir(j.dir); err != nil {
			return nil, err
		}
	}
	sw.committedSize = sw.size
	sw.committedHash = sw.hash

	ok = true
	return sw, nil
}

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	sw.hash.Write(data)
	sw.pending = append(sw.pending, h...)
	sw.pending = append(sw.pending, data...)
	sw.size += int64(len(h) + len(data))
}

func (sw *segmentWriter) flush() error {
	if len(sw.pending) == 0 {
		return nil
	}
	n, err := sw.f.Write(sw.pending)
	sw.written += int64(n)
	if err != nil {
		return err
	}
	sw.pending = sw.pending[:0]
	return nil
}

func (sw *segmentWriter) commit(sync bool) error {
	var buf [commitSize]byte
	binary.LittleEndian.PutUint64(buf[:], sw.hash.Sum64())
	buf[0] |= recordFlagCommit

	sw.hash.Write(buf[:])
	sw.pending = append(sw.pending, buf[:]...)
	sw.size += commitSize

	if err := sw.flush(); err != nil {
		return err
	}
	if sync {
		if err := mmap.Fdatasync(sw.f, nil); err != nil {
			return syncError{err}
		}
	}

	sw.uncommitted = false
	sw.written = 0
	sw.committedSize = sw.size
	sw.committedHash = sw.hash
	return nil
}

// rollback returns the writer to the state right after the last commit.
func (sw *segmentWriter) rollback() error {
	if sw.f == nil {
		return errors.New("segment file closed")
	}
	sw.pending = sw.pending[:0]
	if sw.written > 0 {
		if err := sw.f.Truncate(sw.committedSize); err != nil {
			return err
		}
		if _, err := sw.f.Seek(sw.committedSize, 0); err != nil {
			return err
		}
		sw.written = 0
	}
	sw.size = sw.committedSize
	sw.hash = sw.committedHash
	sw.uncommitted = false
	return nil
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	var err error
	if sw.written > 0 || sw.uncommitted {
		err = sw.rollback()
	}
	if cerr := sw.f.Close(); err == nil {
		err = cerr
	}
	sw.f = nil
	return err
}

type syncError struct {
	err error
}

func (e syncError) Error() string { return "fdatasync: " + e.err.Error() }
func (e syncError) Unwrap() error { return e.err }

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32, prevSum uint64, hash *xxhash.Digest) {
	h := segmentHeader{
		Magic:            magic,
		Version:          version0,
		SegmentOrdinal:   seg,
		Timestamp:        ts,
		PrevChecksum:     prevSum,
		JournalInvariant: j.journalInvariant,
		SegmentInvariant: j.segmentInvariant,
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], hash.Sum64())
	hash.Write(buf[segmentHeaderSize-8 : segmentHeaderSize])
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}
