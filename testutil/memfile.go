package testutil

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// MemFile is an in memory file for tests; WriteHook, when set, is called instead of
// writing and may write part of p to simulate a torn write.
type MemFile struct {
	mutex     sync.Mutex
	name      string
	data      []byte
	Writes    int
	Syncs     int
	Closed    bool
	WriteHook func(mf *MemFile, p []byte, off int64) (int, error)
}

func NewMemFile(name string) *MemFile {
	return &MemFile{name: name}
}

func (mf *MemFile) ReadAt(p []byte, off int64) (int, error) {
	mf.mutex.Lock()
	defer mf.mutex.Unlock()

	if off >= int64(len(mf.data)) {
		return 0, io.EOF
	}
	n := copy(p, mf.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (mf *MemFile) WriteAt(p []byte, off int64) (int, error) {
	mf.mutex.Lock()
	hook := mf.WriteHook
	mf.Writes += 1
	mf.mutex.Unlock()

	if hook != nil {
		return hook(mf, p, off)
	}
	return mf.RawWriteAt(p, off)
}

// RawWriteAt writes without calling WriteHook or counting the write.
func (mf *MemFile) RawWriteAt(p []byte, off int64) (int, error) {
	mf.mutex.Lock()
	defer mf.mutex.Unlock()

	if mf.Closed {
		return 0, os.ErrClosed
	}
	end := off + int64(len(p))
	if end > int64(len(mf.data)) {
		data := make([]byte, end)
		copy(data, mf.data)
		mf.data = data
	}
	copy(mf.data[off:], p)
	return len(p), nil
}

func (mf *MemFile) Truncate(size int64) error {
	mf.mutex.Lock()
	defer mf.mutex.Unlock()

	if size < int64(len(mf.data)) {
		mf.data = mf.data[:size]
	} else {
		data := make([]byte, size)
		copy(data, mf.data)
		mf.data = data
	}
	return nil
}

func (mf *MemFile) Sync() error {
	mf.mutex.Lock()
	defer mf.mutex.Unlock()

	mf.Syncs += 1
	return nil
}

func (mf *MemFile) Close() error {
	mf.mutex.Lock()
	defer mf.mutex.Unlock()

	mf.Closed = true
	return nil
}

func (mf *MemFile) Size() int64 {
	mf.mutex.Lock()
	defer mf.mutex.Unlock()

	return int64(len(mf.data))
}

// Bytes returns a copy of the contents of the file.
func (mf *MemFile) Bytes() []byte {
	mf.mutex.Lock()
	defer mf.mutex.Unlock()

	return append([]byte(nil), mf.data...)
}

func (mf *MemFile) Stat() (os.FileInfo, error) {
	mf.mutex.Lock()
	defer mf.mutex.Unlock()

	return memFileInfo{name: mf.name, size: int64(len(mf.data))}, nil
}

type memFileInfo struct {
	name string
	size int64
}

func (mfi memFileInfo) Name() string       { return mfi.name }
func (mfi memFileInfo) Size() int64        { return mfi.size }
func (mfi memFileInfo) Mode() os.FileMode  { return 0644 }
func (mfi memFileInfo) ModTime() time.Time { return time.Time{} }
func (mfi memFileInfo) IsDir() bool        { return false }
func (mfi memFileInfo) Sys() interface{}   { return nil }

// MemFS is a set of MemFiles by name; reopening a name returns the same contents, so a
// test can close and reopen a file, or copy it to simulate a crash.
type MemFS struct {
	mutex sync.Mutex
	files map[string]*MemFile
}

func NewMemFS() *MemFS {
	return &MemFS{files: map[string]*MemFile{}}
}

func (mfs *MemFS) OpenFile(name string, flag int, perm os.FileMode) (*MemFile, error) {
	mfs.mutex.Lock()
	defer mfs.mutex.Unlock()

	mf, ok := mfs.files[name]
	if !ok {
		if flag&os.O_CREATE == 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
		}
		mf = NewMemFile(name)
		mfs.files[name] = mf
	} else if flag&os.O_EXCL != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
	}

	mf.mutex.Lock()
	mf.Closed = false
	mf.mutex.Unlock()
	return mf, nil
}

func (mfs *MemFS) Lookup(name string) *MemFile {
	mfs.mutex.Lock()
	defer mfs.mutex.Unlock()

	return mfs.files[name]
}

func (mfs *MemFS) Remove(name string) error {
	mfs.mutex.Lock()
	defer mfs.mutex.Unlock()

	if _, ok := mfs.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(mfs.files, name)
	return nil
}

// Crash replaces every file with a copy of its contents, dropping any hooks; it models
// the state a process would find after restarting.
func (mfs *MemFS) Crash() {
	mfs.mutex.Lock()
	defer mfs.mutex.Unlock()

	for name, mf := range mfs.files {
		nmf := NewMemFile(name)
		nmf.data = mf.Bytes()
		mfs.files[name] = nmf
	}
}

var errInjected = errors.New("testutil: injected write failure")

// TornWrite returns a WriteHook which writes only the first n bytes of the next write
// and then fails every write.
func TornWrite(n int) func(mf *MemFile, p []byte, off int64) (int, error) {
	torn := false
	return func(mf *MemFile, p []byte, off int64) (int, error) {
		if torn {
			return 0, errInjected
		}
		torn = true
		if n > len(p) {
			n = len(p)
		}
		mf.RawWriteAt(p[:n], off)
		return n, errInjected
	}
}
