// Package ft is a fractal tree: the header and checkpoint state machine, reference
// counting across handles, transactions, and checkpoints, dictionary redirection, and
// verification.
package ft

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fractal/blocktable"
	"github.com/leftmike/fractal/cachetable"
	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/header"
	"github.com/leftmike/fractal/node"
)

var (
	ErrInvalid     = errors.New("ft: invalid argument")
	ErrNeedsRepair = errors.New("ft: needs repair")
)

// CompareFunc orders keys given the comparison descriptor of the tree.
type CompareFunc func(desc, a, b []byte) int

func DefaultCompare(desc, a, b []byte) int {
	return bytes.Compare(a, b)
}

// Config is shared by every tree of an environment.
type Config struct {
	Metrics *Metrics
	Now     func() time.Time
	// Fatal is called when a tree can not be opened without risking corruption; it must
	// not return normally.
	Fatal func(format string, args ...interface{})
}

func (cfg *Config) now() time.Time {
	if cfg.Now != nil {
		return cfg.Now()
	}
	return time.Now()
}

func (cfg *Config) fatal(format string, args ...interface{}) {
	if cfg.Fatal != nil {
		cfg.Fatal(format, args...)
	} else {
		log.Fatalf(format, args...)
	}
	panic(fmt.Sprintf(format, args...))
}

// Txn is the part of a transaction that trees use.
type Txn interface {
	ID() fttypes.TXNID
	// NoteFT adds a transaction reference to t, unless the transaction already has one.
	NoteFT(t *FT)
	// MaybeLogBegin logs the begin of the transaction, if it has not already been logged.
	MaybeLogBegin() error
	SaveRollbackRedirect(oldFN, newFN fttypes.FileNum) error
}

type Options struct {
	Compare           CompareFunc
	Update            node.UpdateFunc
	NodeSize          uint32
	BasementNodeSize  uint32
	CompressionMethod fttypes.CompressionMethod
	Fanout            uint32
	// Descriptor is written to a newly created tree.
	Descriptor []byte
	Blackhole  bool
	// MaxAcceptableLSN bounds the checkpoint of the header read when opening; zero means
	// any checkpoint.
	MaxAcceptableLSN fttypes.LSN
	DictionaryID     fttypes.DictionaryID
}

func (opts Options) withDefaults() Options {
	if opts.Compare == nil {
		opts.Compare = DefaultCompare
	}
	if opts.NodeSize == 0 {
		opts.NodeSize = header.DefaultNodeSize
	}
	if opts.BasementNodeSize == 0 {
		opts.BasementNodeSize = header.DefaultBasementNodeSize
	}
	if opts.Fanout == 0 {
		opts.Fanout = header.DefaultFanout
	}
	if opts.MaxAcceptableLSN == 0 {
		opts.MaxAcceptableLSN = fttypes.MaxLSN
	}
	return opts
}

type checkpointState struct {
	h       *header.Header
	lease   *blocktable.Lease
	written bool
	skipped bool
}

// FT is the in memory state of an open fractal tree; it is shared by every handle open
// on the same file.
type FT struct {
	cfg *Config

	mutex         sync.Mutex
	h             *header.Header
	checkpoint    *checkpointState
	descriptor    []byte
	cmpDescriptor []byte
	inMemoryStats header.Stats

	bt        *blocktable.BlockTable
	cf        *cachetable.CacheFile
	compare   CompareFunc
	update    node.UpdateFunc
	dictID    fttypes.DictionaryID
	blackhole bool

	reflock            sync.Mutex
	numTxns            int
	liveHandles        []*Handle
	pinnedByCheckpoint bool
	freed              bool
}

// Handle is bound to one FT at a time; a dictionary redirect moves it to another FT.
type Handle struct {
	mutex            sync.Mutex
	ft               *FT
	opts             Options
	redirectCallback func(h *Handle)
	closed           bool
}

func (t *FT) String() string {
	return t.cf.String()
}

func (t *FT) CacheFile() *cachetable.CacheFile {
	return t.cf
}

func (t *FT) DictionaryID() fttypes.DictionaryID {
	return t.dictID
}

func (t *FT) Config() *Config {
	return t.cfg
}

// cmp returns the comparison function of t bound to its current comparison descriptor.
func (t *FT) cmp() node.Compare {
	t.mutex.Lock()
	desc := t.cmpDescriptor
	t.mutex.Unlock()

	compare := t.compare
	return func(a, b []byte) int {
		return compare(desc, a, b)
	}
}

func (h *Handle) FT() *FT {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.ft
}

func (h *Handle) setFT(t *FT) {
	h.mutex.Lock()
	h.ft = t
	h.mutex.Unlock()
}

// SetRedirectCallback sets a function to call after a dictionary redirect moves the
// handle to a different tree.
func (h *Handle) SetRedirectCallback(fn func(h *Handle)) {
	h.mutex.Lock()
	h.redirectCallback = fn
	h.mutex.Unlock()
}

func (h *Handle) noteRedirected() {
	h.mutex.Lock()
	fn := h.redirectCallback
	h.mutex.Unlock()

	if fn != nil {
		fn(h)
	}
}

func newFT(cfg *Config, cf *cachetable.CacheFile, opts Options) *FT {
	return &FT{
		cfg:       cfg,
		cf:        cf,
		compare:   opts.Compare,
		update:    opts.Update,
		blackhole: opts.Blackhole,
	}
}

// create initializes t as a new tree with an empty leaf as its root.
func (t *FT) create(opts Options) error {
	t.bt = blocktable.New()
	root := t.bt.AllocateBlocknum()
	t.h = header.New(root, t.cfg.now(), opts.NodeSize, opts.BasementNodeSize, opts.Fanout,
		opts.CompressionMethod)

	if len(opts.Descriptor) > 0 {
		err := t.bt.ReallocDescriptorOnDisk(t.cf.File(), opts.Descriptor)
		if err != nil {
			return err
		}
		t.descriptor = append([]byte(nil), opts.Descriptor...)
		t.cmpDescriptor = t.descriptor
	}

	ct := t.cf.CacheTable()
	leaf := node.NewLeaf(root, cachetable.Hash(t.cf.FileNum(), root), header.LayoutVersion)
	ct.Unpin(ct.Put(t.cf, leaf), true)
	return nil
}

// deserialize reads the header, blocktable, and descriptor of an existing tree.
func (t *FT) deserialize(opts Options) error {
	f := t.cf.File()
	h, transOff, transSize, err := header.Deserialize(f, opts.MaxAcceptableLSN)
	if errors.Is(err, header.ErrBadChecksum) {
		t.cfg.fatal("ft: %s: %s", t.cf.Fname(), err)
	} else if err != nil {
		return fmt.Errorf("ft: %s: %w", t.cf.Fname(), err)
	}

	bt, err := blocktable.Deserialize(f, transOff, transSize)
	if err != nil {
		return fmt.Errorf("ft: %s: %w", t.cf.Fname(), err)
	}
	desc, err := bt.ReadDescriptor(f)
	if err != nil {
		bt.Destroy()
		return fmt.Errorf("ft: %s: %w", t.cf.Fname(), err)
	}

	t.h = h
	t.bt = bt
	t.descriptor = desc
	t.cmpDescriptor = desc
	t.inMemoryStats = h.OnDiskStats
	return nil
}

// Open returns a handle on the tree in fname, creating the tree if create is true and the
// file is new or empty. If the tree is already open, the handle shares it. When txn is
// not nil and the tree is created, txn gets a reference to it.
func Open(cfg *Config, ct *cachetable.CacheTable, fname string, create bool, opts Options,
	txn Txn) (*Handle, error) {

	ct.OpenCloseLock()
	defer ct.OpenCloseUnlock()

	return openLocked(cfg, ct, fname, create, opts, txn)
}

func openLocked(cfg *Config, ct *cachetable.CacheTable, fname string, create bool,
	opts Options, txn Txn) (*Handle, error) {

	opts = opts.withDefaults()
	cf, err := ct.OpenFile(fname, create)
	if err != nil {
		return nil, err
	}

	var t *FT
	if ud := cf.Userdata(); ud != nil {
		t = ud.(*FT)
		if opts.DictionaryID != 0 && opts.DictionaryID != t.dictID {
			panic(fmt.Sprintf("ft: %s: dictionary id %d; want %d", t, t.dictID,
				opts.DictionaryID))
		}
	} else {
		fi, err := cf.File().Stat()
		if err != nil {
			cf.Close(false, fttypes.ZeroLSN)
			return nil, err
		}

		t = newFT(cfg, cf, opts)
		created := false
		if fi.Size() == 0 {
			if !create {
				cf.Close(false, fttypes.ZeroLSN)
				return nil, fmt.Errorf("ft: %s: %w", fname, header.ErrNoHeader)
			}
			err = t.create(opts)
			created = true
		} else {
			err = t.deserialize(opts)
		}
		if err != nil {
			cf.Close(false, fttypes.ZeroLSN)
			return nil, err
		}

		if opts.DictionaryID != 0 {
			t.dictID = opts.DictionaryID
		} else {
			t.dictID = ct.NewDictionaryID()
		}
		cf.SetUserdata(t)

		if created && txn != nil {
			txn.NoteFT(t)
		}
		log.WithFields(log.Fields{
			"filenum": cf.FileNum(),
			"fname":   fname,
			"created": created,
			"dictid":  t.dictID,
		}).Debug("tree opened")
	}

	h := &Handle{
		opts: opts,
	}
	t.noteHandleOpen(h)
	return h, nil
}

// redirectOptions returns options which open another file configured like t.
func (t *FT) redirectOptions() Options {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return Options{
		Compare:           t.compare,
		Update:            t.update,
		NodeSize:          t.h.NodeSize,
		BasementNodeSize:  t.h.BasementNodeSize,
		CompressionMethod: t.h.CompressionMethod,
		Fanout:            t.h.Fanout,
		Blackhole:         t.blackhole,
		DictionaryID:      t.dictID,
	}
}

// Close releases the handle; the tree is closed once nothing else refers to it.
func (h *Handle) Close() {
	h.close(false, fttypes.ZeroLSN)
}

// CloseWithOpLSN closes the handle as part of recovery replaying a close at oplsn; the
// tree must not be referenced by anything else.
func (h *Handle) CloseWithOpLSN(oplsn fttypes.LSN) {
	h.close(true, oplsn)
}

func (h *Handle) markClosed() *FT {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		panic("ft: handle already closed")
	}
	h.closed = true
	return h.ft
}

func (h *Handle) close(oplsnValid bool, oplsn fttypes.LSN) {
	h.markClosed().RemoveReference(oplsnValid, oplsn,
		func(t *FT) {
			t.removeLiveHandle(h)
		})
}

// closeLocked closes the handle when the caller holds the open close lock.
func (h *Handle) closeLocked() {
	h.markClosed().removeReferenceLocked(false, fttypes.ZeroLSN,
		func(t *FT) {
			t.removeLiveHandle(h)
		})
}

// Fname returns the name of the file backing the tree of the handle.
func (h *Handle) Fname() string {
	return h.FT().cf.Fname()
}
