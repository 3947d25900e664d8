package mmap

import (
	"fmt"
	"os"
)

// File is a read-only mapping of a whole file. Data stays valid until Close.
type File struct {
	f    *os.File
	Data []byte
}

// Open maps the named file read-only. Empty files are allowed and yield
// empty Data without an actual mapping.
func Open(path string, opt Options) (*File, error) {
	if opt.Has(Writable) {
		panic("mmap.Open maps files read-only")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := st.Size()
	if size > MaxSize {
		f.Close()
		return nil, fmt.Errorf("mmap: %s is too large (%d bytes)", path, size)
	}
	mf := &File{f: f}
	if size > 0 {
		mf.Data, err = Mmap(f, 0, int(size), opt)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("mmap %s: %w", path, err)
		}
	}
	return mf, nil
}

func (mf *File) Size() int {
	return len(mf.Data)
}

func (mf *File) Close() error {
	var err error
	if mf.Data != nil {
		err = Munmap(mf.Data)
		mf.Data = nil
	}
	if mf.f != nil {
		if cerr := mf.f.Close(); err == nil {
			err = cerr
		}
		mf.f = nil
	}
	return err
}
