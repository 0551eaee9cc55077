package cachetable

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/node"
)

type File interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Sync() error
	Close() error
}

// CheckpointCallbacks are called by the cachetable, for each open file, at the three
// phases of a checkpoint and when the file is closed.
type CheckpointCallbacks interface {
	BeginCheckpoint(lsn fttypes.LSN)
	Checkpoint(cf *CacheFile) error
	EndCheckpoint(cf *CacheFile) error
	Close(cf *CacheFile, oplsnValid bool, oplsn fttypes.LSN) error
}

// Userdata is the owner of a cache file; it reads and writes the nodes of the file.
type Userdata interface {
	CheckpointCallbacks
	LogFassociateDuringCheckpoint(cf *CacheFile) error
	Free(cf *CacheFile)
	NoteCheckpointPin(cf *CacheFile)
	NoteCheckpointUnpin(cf *CacheFile)
	FlushPair(cf *CacheFile, n *node.Node, forCheckpoint bool) error
	FetchPair(cf *CacheFile, b fttypes.Blocknum, fullhash uint32) (*node.Node, error)
}

type CacheFile struct {
	ct                    *CacheTable
	filenum               fttypes.FileNum
	fname                 string
	f                     File
	userdata              Userdata
	isRollback            bool
	skipLogRecoverOnClose bool
	closed                bool
}

func (cf *CacheFile) String() string {
	return fmt.Sprintf("%s (filenum %d)", cf.fname, cf.filenum)
}

func (cf *CacheFile) FileNum() fttypes.FileNum {
	return cf.filenum
}

func (cf *CacheFile) Fname() string {
	return cf.fname
}

func (cf *CacheFile) File() File {
	return cf.f
}

func (cf *CacheFile) CacheTable() *CacheTable {
	return cf.ct
}

func (cf *CacheFile) SetUserdata(ud Userdata) {
	cf.ct.mutex.Lock()
	defer cf.ct.mutex.Unlock()

	if cf.userdata != nil && ud != nil {
		panic(fmt.Sprintf("cachetable: %s already has userdata", cf))
	}
	cf.userdata = ud
}

func (cf *CacheFile) Userdata() Userdata {
	cf.ct.mutex.Lock()
	defer cf.ct.mutex.Unlock()

	return cf.userdata
}

// Fsync makes the file durable, when the cachetable is configured to do so.
func (cf *CacheFile) Fsync() error {
	if !cf.ct.opts.Fsync {
		return nil
	}
	err := fdatasync(cf.f)
	if err != nil {
		return fmt.Errorf("cachetable: fsync %s: %w", cf, err)
	}
	return nil
}

func (cf *CacheFile) IsRollback() bool {
	return cf.isRollback
}

// SetSkipLogRecoverOnClose stops Close from logging an fclose record, for a file that
// will be removed once it is closed.
func (cf *CacheFile) SetSkipLogRecoverOnClose() {
	cf.skipLogRecoverOnClose = true
}

func (cf *CacheFile) SkipLogRecoverOnClose() bool {
	return cf.skipLogRecoverOnClose
}

// Close writes every dirty node of the file, closes the userdata (which may checkpoint
// the file), drops the file's nodes from the cachetable, frees the userdata, and closes
// the file. The caller must hold the open close lock.
func (cf *CacheFile) Close(oplsnValid bool, oplsn fttypes.LSN) error {
	ct := cf.ct

	ct.mutex.Lock()
	if cf.closed {
		ct.mutex.Unlock()
		panic(fmt.Sprintf("cachetable: %s already closed", cf))
	}
	ud := cf.userdata
	ct.mutex.Unlock()

	err := ct.flushFile(cf)
	if err == nil && ud != nil {
		err = ud.Close(cf, oplsnValid, oplsn)
	}
	ct.removeFilePairs(cf)

	ct.mutex.Lock()
	cf.closed = true
	delete(ct.files, cf.filenum)
	delete(ct.fnames, cf.fname)
	ct.mutex.Unlock()

	if ud != nil {
		ud.Free(cf)
	}

	cerr := cf.f.Close()
	if err == nil {
		err = cerr
	}

	ct.evictions.Add(1)
	log.WithFields(log.Fields{
		"filenum": cf.filenum,
		"fname":   cf.fname,
	}).Debug("cache file closed")
	return err
}
