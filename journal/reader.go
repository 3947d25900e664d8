package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/xlim/mmap"
)

// Record is a committed journal record handed out by Recover.
type Record struct {
	Seg       uint32
	Seq       uint64 // 1-based ordinal across the whole journal
	Timestamp uint32
	Data      []byte // only valid during the callback
}

// Recover reads all segments in order and calls fn once per commit with the
// records of that commit. Uncommitted trailing records are discarded. The
// first torn or corrupted commit truncates its segment right before it, and
// all later segments are deleted, so that the journal ends at the last
// intact commit.
//
// fn may be nil; errors returned by fn abort the recovery and are returned
// unchanged.
func (j *Journal) Recover(fn func(recs []Record) error) error {
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	segs, err := j.Segments()
	if err != nil {
		return err
	}

	var recs []Record
	for i, seg := range segs {
		if err := j.context.Err(); err != nil {
			return err
		}
		res, err := j.readSegment(seg, func(group []Record) error {
			if fn == nil {
				return nil
			}
			recs = append(recs[:0], group...)
			return fn(recs)
		})
		if err != nil {
			return err
		}
		j.writeSeg = seg.Ordinal
		if res.lastRec != 0 {
			j.writeRec = res.lastRec
			j.lastSum = res.lastSum
		} else if j.writeRec < seg.FirstRec-1 {
			j.writeRec = seg.FirstRec - 1
		}
		if res.damaged {
			if err := j.repair(seg, res, segs[i+1:]); err != nil {
				return err
			}
			break
		}
	}
	j.recovered = true
	return nil
}

type segmentResult struct {
	goodSize  int64
	lastRec   uint64
	lastSum   uint64
	damaged   bool
	badHeader bool
	reason    string
	commits   int
}

func (j *Journal) readSegment(seg SegmentInfo, fn func(group []Record) error) (segmentResult, error) {
	var res segmentResult

	f, err := j.openFile(seg.FileName, false)
	if err != nil {
		return res, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return res, err
	}
	size := st.Size()
	if size < segmentHeaderSize {
		res.damaged, res.badHeader, res.reason = true, true, "truncated header"
		return res, nil
	}

	data, err := mmap.Mmap(f, 0, int(size), mmap.SequentialAccess)
	if err != nil {
		return res, err
	}
	defer mmap.Munmap(data)

	var h segmentHeader
	if err := j.decodeHeader(data[:segmentHeaderSize], &h, seg.Ordinal); err == errCorruptedFile {
		res.damaged, res.badHeader, res.reason = true, true, "bad header"
		return res, nil
	} else if err != nil {
		return res, fmt.Errorf("%v: %s: %w", j.debugName, seg.FileName, err)
	}

	var hash xxhash.Digest
	hash.Reset()
	hash.Write(data[:segmentHeaderSize])

	off := segmentHeaderSize
	res.goodSize = int64(off)
	ts := h.Timestamp
	seq := seg.FirstRec
	var group []Record
	for off < len(data) {
		if data[off]&recordFlagCommit != 0 {
			if off+commitSize > len(data) {
				res.damaged, res.reason = true, "torn commit marker"
				break
			}
			stored := binary.LittleEndian.Uint64(data[off:])
			if stored != hash.Sum64()|uint64(recordFlagCommit) {
				res.damaged, res.reason = true, "checksum mismatch"
				break
			}
			hash.Write(data[off : off+commitSize])
			off += commitSize

			if len(group) > 0 {
				if err := fn(group); err != nil {
					return res, err
				}
				res.lastRec = group[len(group)-1].Seq
			}
			res.commits++
			res.goodSize = int64(off)
			res.lastSum = hash.Sum64()
			group = group[:0]
			continue
		}

		start := off
		sizeAndFlags, n := binary.Uvarint(data[off:])
		if n <= 0 {
			res.damaged, res.reason = true, "bad record header"
			break
		}
		off += n
		tsDelta, n := binary.Uvarint(data[off:])
		if n <= 0 || tsDelta > 0xFFFF_FFFF {
			res.damaged, res.reason = true, "bad record header"
			break
		}
		off += n
		recSize := sizeAndFlags >> recordFlagShift
		if recSize > uint64(len(data)-off) {
			res.damaged, res.reason = true, "torn record"
			break
		}
		end := off + int(recSize)
		hash.Write(data[start:end])
		ts += uint32(tsDelta)
		group = append(group, Record{
			Seg:       seg.Ordinal,
			Seq:       seq,
			Timestamp: ts,
			Data:      data[off:end],
		})
		seq++
		off = end
	}
	if len(group) > 0 && !res.damaged {
		res.damaged, res.reason = true, "uncommitted tail"
	}
	return res, nil
}

func (j *Journal) repair(seg SegmentInfo, res segmentResult, later []SegmentInfo) error {
	fn := filepath.Join(j.dir, seg.FileName)
	if res.badHeader {
		j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: deleting corrupted file", slog.String("jrnl", j.debugName), slog.String("file", seg.FileName), slog.String("reason", res.reason), slog.Int64("size", seg.Size))
		if err := os.Remove(fn); err != nil {
			return fmt.Errorf("journal: failed to delete corrupted file: %w", err)
		}
	} else {
		j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: truncating damaged tail", slog.String("jrnl", j.debugName), slog.String("file", seg.FileName), slog.String("reason", res.reason), slog.Int64("size", seg.Size), slog.Int64("good", res.goodSize))
		if err := os.Truncate(fn, res.goodSize); err != nil {
			return fmt.Errorf("journal: failed to truncate damaged file: %w", err)
		}
	}
	for _, s := range later {
		j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: deleting segment after damaged one", slog.String("jrnl", j.debugName), slog.String("file", s.FileName))
		if err := os.Remove(filepath.Join(j.dir, s.FileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return syncDir(j.dir)
}

func (j *Journal) decodeHeader(buf []byte, h *segmentHeader, expectedSeq uint32) error {
	n, err := binary.Decode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}

	if h.Magic != magic {
		return errCorruptedFile
	}
	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	if checksum != h.Checksum {
		return errCorruptedFile
	}
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.JournalInvariant != j.journalInvariant {
		return ErrIncompatible
	}
	return nil
}
