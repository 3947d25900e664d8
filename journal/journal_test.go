package journal_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/andreyvit/xlim/journal"
	"github.com/andreyvit/xlim/journal/journaltest"
)

var bytesEq = journaltest.BytesEq

const magic = "'JOURNLAT"
const header1 = "0/ver 0/pad 0_0/flags 0../pad"
const header2 = "0*32/journal_inv 0*32/seg_inv 0...*3/reserved"

func TestJournal_trivial(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("hello")))
	ensure(j.WriteRecord(0, []byte("w")))
	j.Advance(1000 * time.Second)
	ensure(j.WriteRecord(0, []byte("orld")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	files := j.FileNames()
	deepEq(t, files, []string{"j000000000001-20240101T000000-0000000000000001.wal"})

	j.Eq(files[0], shdr("1.. 80_00_92_65 0...", "e984dc85563d5731"),
		"#10 #0 'hello",
		"#2 #0 'w",
		"#8 #1000 'orld",
		"7d_33_a6_68_73_e0_8f_ee",
	)
}

func TestJournal_recover(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("a")))
	ensure(j.WriteRecord(0, []byte("b")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("c")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("lost")))

	groups := j.Reopen(journal.Options{})
	deepEq(t, groups, []string{"a|b", "c"})

	ensure(j.WriteRecord(0, []byte("d")))
	ensure(j.Commit())
	groups = j.Reopen(journal.Options{})
	deepEq(t, groups, []string{"a|b", "c", "d"})
	deepEq(t, len(j.FileNames()), 2)
}

func TestJournal_flushedButUncommitted(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("ok")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("op1")))
	ensure(j.WriteRecord(0, []byte("op2")))
	ensure(j.Flush())

	// simulate a crash: keep the file exactly as it is on disk now
	name := j.FileNames()[0]
	crashed := j.Data(name)
	ensure(j.FinishWriting())
	ensure(os.WriteFile(filepath.Join(j.Dir, name), crashed, 0o644))

	groups := j.Reopen(journal.Options{})
	deepEq(t, groups, []string{"ok"})
	if size := len(j.Data(name)); size >= len(crashed) {
		t.Errorf("size after recovery = %d, wanted less than %d", size, len(crashed))
	}
}

func TestJournal_tornTail(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("first")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("second")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	name := j.FileNames()[0]
	data := j.Data(name)
	ensure(os.WriteFile(filepath.Join(j.Dir, name), data[:len(data)-3], 0o644))

	groups := j.Reopen(journal.Options{})
	deepEq(t, groups, []string{"first"})

	ensure(j.WriteRecord(0, []byte("third")))
	ensure(j.Commit())
	groups = j.Reopen(journal.Options{})
	deepEq(t, groups, []string{"first", "third"})
}

func TestJournal_corruptionDropsLaterSegments(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{MaxFileSize: 130})
	for _, s := range []string{"one", "two", "three"} {
		ensure(j.WriteRecord(0, []byte(s)))
		ensure(j.Commit())
	}
	ensure(j.FinishWriting())
	files := j.FileNames()
	deepEq(t, len(files), 3)

	// flip a payload byte of the second segment
	data := j.Data(files[1])
	data[128+2] ^= 0x20
	ensure(os.WriteFile(filepath.Join(j.Dir, files[1]), data, 0o644))

	groups := j.Reopen(journal.Options{MaxFileSize: 130})
	deepEq(t, groups, []string{"one"})
	deepEq(t, j.FileNames(), files[:2])
}

func TestJournal_discard(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{BufferSize: 4})
	ensure(j.WriteRecord(0, []byte("kept")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("spilled to disk")))
	ensure(j.WriteRecord(0, []byte("more")))
	ensure(j.Discard())
	ensure(j.WriteRecord(0, []byte("after")))
	ensure(j.Commit())

	groups := j.Reopen(journal.Options{})
	deepEq(t, groups, []string{"kept", "after"})
}

func TestJournal_removeSegment(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{MaxFileSize: 130})
	for _, s := range []string{"one", "two"} {
		ensure(j.WriteRecord(0, []byte(s)))
		ensure(j.Commit())
	}
	segs := must(j.Segments())
	deepEq(t, len(segs), 2)
	ensure(j.RemoveSegment(segs[0].Ordinal))

	groups := j.Reopen(journal.Options{})
	deepEq(t, groups, []string{"two"})
	deepEq(t, j.CurrentSegment(), uint32(3))
}

func shdr(inside, check string) string {
	return magic + " " + header1 + " " +
		inside + " " + header2 + " " + check
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
