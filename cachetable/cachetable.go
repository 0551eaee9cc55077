// Package cachetable caches the nodes of open fractal tree files and coordinates
// checkpoints across the files.
package cachetable

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/logger"
)

var (
	ErrNotFound = errors.New("cachetable: file not found")
	ErrTryAgain = errors.New("cachetable: try again")
)

type Options struct {
	Dir      string
	Fsync    bool
	OpenFile func(name string, flag int, perm os.FileMode) (File, error)
}

type CacheTable struct {
	lgr  *logger.Logger
	opts Options

	mutex       sync.Mutex
	files       map[fttypes.FileNum]*CacheFile
	fnames      map[string]*CacheFile
	nextFileNum fttypes.FileNum
	nextDictID  fttypes.DictionaryID

	openCloseMutex  sync.Mutex
	multiOpMutex    sync.RWMutex
	checkpointMutex sync.Mutex

	pairs pairTable

	fetches     atomic.Int64
	flushes     atomic.Int64
	evictions   atomic.Int64
	checkpoints atomic.Int64
}

// New returns a cachetable which logs to lgr, if lgr is not nil.
func New(lgr *logger.Logger, opts Options) *CacheTable {
	if opts.OpenFile == nil {
		opts.OpenFile = func(name string, flag int, perm os.FileMode) (File, error) {
			return os.OpenFile(name, flag, perm)
		}
	}
	return &CacheTable{
		lgr:         lgr,
		opts:        opts,
		files:       map[fttypes.FileNum]*CacheFile{},
		fnames:      map[string]*CacheFile{},
		nextFileNum: 1,
		nextDictID:  1,
		pairs:       makePairTable(),
	}
}

func (ct *CacheTable) Logger() *logger.Logger {
	return ct.lgr
}

// Hash returns the full hash of blocknum b of the file filenum.
func Hash(fn fttypes.FileNum, b fttypes.Blocknum) uint32 {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[:], uint32(fn))
	binary.BigEndian.PutUint64(buf[4:], uint64(b))
	return uint32(xxhash.Sum64(buf[:]))
}

// NewDictionaryID returns a dictionary id not used before by this cachetable.
func (ct *CacheTable) NewDictionaryID() fttypes.DictionaryID {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	id := ct.nextDictID
	ct.nextDictID += 1
	return id
}

func (ct *CacheTable) openFile(fname string, create, isRollback bool) (*CacheFile, error) {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	if cf, ok := ct.fnames[fname]; ok {
		return cf, nil
	}

	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := ct.opts.OpenFile(filepath.Join(ct.opts.Dir, fname), flag, 0644)
	if err != nil {
		return nil, err
	}

	cf := &CacheFile{
		ct:         ct,
		filenum:    ct.nextFileNum,
		fname:      fname,
		f:          f,
		isRollback: isRollback,
	}
	ct.nextFileNum += 1
	ct.files[cf.filenum] = cf
	ct.fnames[fname] = cf

	log.WithFields(log.Fields{
		"filenum": cf.filenum,
		"fname":   fname,
	}).Debug("cache file opened")
	return cf, nil
}

// OpenFile returns the cache file for fname, opening the file if it is not already open.
func (ct *CacheTable) OpenFile(fname string, create bool) (*CacheFile, error) {
	return ct.openFile(fname, create, false)
}

// OpenRollbackFile opens the file which holds rollback logs; it is never checkpointed
// when it is closed.
func (ct *CacheTable) OpenRollbackFile(fname string) (*CacheFile, error) {
	return ct.openFile(fname, true, true)
}

func (ct *CacheTable) CacheFileByFname(fname string) (*CacheFile, error) {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	cf, ok := ct.fnames[fname]
	if !ok {
		return nil, fmt.Errorf("cachetable: %s: %w", fname, ErrNotFound)
	}
	return cf, nil
}

func (ct *CacheTable) CacheFileByFileNum(fn fttypes.FileNum) (*CacheFile, error) {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	cf, ok := ct.files[fn]
	if !ok {
		return nil, fmt.Errorf("cachetable: filenum %d: %w", fn, ErrNotFound)
	}
	return cf, nil
}

// CacheFiles returns the open cache files in filenum order.
func (ct *CacheTable) CacheFiles() []*CacheFile {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	cfs := make([]*CacheFile, 0, len(ct.files))
	for _, cf := range ct.files {
		cfs = append(cfs, cf)
	}
	sort.Slice(cfs, func(i, j int) bool { return cfs[i].filenum < cfs[j].filenum })
	return cfs
}

// OpenCloseLock serializes the opening and closing of trees across the cachetable.
func (ct *CacheTable) OpenCloseLock() {
	ct.openCloseMutex.Lock()
}

func (ct *CacheTable) OpenCloseUnlock() {
	ct.openCloseMutex.Unlock()
}

// BeginMultiOperation is held, shared, by operations which must not straddle the start
// of a checkpoint.
func (ct *CacheTable) BeginMultiOperation() {
	ct.multiOpMutex.RLock()
}

func (ct *CacheTable) EndMultiOperation() {
	ct.multiOpMutex.RUnlock()
}

type Stats struct {
	Fetches     int64
	Flushes     int64
	Evictions   int64
	Checkpoints int64
}

func (ct *CacheTable) Stats() Stats {
	return Stats{
		Fetches:     ct.fetches.Load(),
		Flushes:     ct.flushes.Load(),
		Evictions:   ct.evictions.Load(),
		Checkpoints: ct.checkpoints.Load(),
	}
}

// Checkpoint takes a checkpoint of every open file: the files are pinned, a begin
// checkpoint record is logged, every file begins its checkpoint and its dirty nodes are
// marked pending, the pending nodes are written, every file writes its checkpoint, an
// end checkpoint record is logged and made durable, every file ends its checkpoint, and
// finally the files are unpinned; unpinning may close a file.
func (ct *CacheTable) Checkpoint(ctx context.Context) error {
	ct.checkpointMutex.Lock()
	defer ct.checkpointMutex.Unlock()

	ct.multiOpMutex.Lock()
	ct.OpenCloseLock()
	var cfs []*CacheFile
	for _, cf := range ct.CacheFiles() {
		ud := cf.Userdata()
		if ud == nil {
			continue
		}
		ud.NoteCheckpointPin(cf)
		cfs = append(cfs, cf)
	}

	lsn := fttypes.ZeroLSN
	var err error
	if ct.lgr != nil {
		lsn, err = ct.lgr.LogBeginCheckpoint()
	}
	if err == nil {
		for _, cf := range cfs {
			err = cf.userdata.LogFassociateDuringCheckpoint(cf)
			if err != nil {
				break
			}
		}
	}
	if err != nil {
		ct.OpenCloseUnlock()
		ct.multiOpMutex.Unlock()
		ct.unpinFiles(cfs)
		return err
	}

	for _, cf := range cfs {
		ct.pairs.markPending(cf)
		cf.userdata.BeginCheckpoint(lsn)
	}
	ct.OpenCloseUnlock()
	ct.multiOpMutex.Unlock()

	log.WithField("lsn", lsn).Debug("checkpoint begun")

	err = ct.pairs.writePending(ctx)
	if err == nil {
		g, _ := errgroup.WithContext(ctx)
		for _, cf := range cfs {
			cf := cf
			g.Go(func() error {
				return cf.userdata.Checkpoint(cf)
			})
		}
		err = g.Wait()
	}
	if err == nil && ct.lgr != nil {
		var elsn fttypes.LSN
		elsn, err = ct.lgr.LogEndCheckpoint(lsn)
		if err == nil {
			err = ct.lgr.FsyncIfLSNNotFsynced(elsn)
		}
	}
	if err != nil {
		for _, cf := range cfs {
			ct.pairs.clearPending(cf)
		}
	}
	for _, cf := range cfs {
		eerr := cf.userdata.EndCheckpoint(cf)
		if err == nil {
			err = eerr
		}
	}

	ct.unpinFiles(cfs)
	if err != nil {
		return err
	}

	ct.checkpoints.Add(1)
	log.WithFields(log.Fields{
		"lsn":   lsn,
		"files": len(cfs),
	}).Debug("checkpoint ended")
	return nil
}

func (ct *CacheTable) unpinFiles(cfs []*CacheFile) {
	for _, cf := range cfs {
		cf.userdata.NoteCheckpointUnpin(cf)
	}
}

// Close closes every open file; it is an error to close a cachetable with files which
// are still referenced by their userdata.
func (ct *CacheTable) Close() error {
	ct.OpenCloseLock()
	defer ct.OpenCloseUnlock()

	var err error
	for _, cf := range ct.CacheFiles() {
		cerr := cf.Close(false, fttypes.ZeroLSN)
		if err == nil {
			err = cerr
		}
	}
	return err
}
