// Package txn is the part of transactions that trees depend on: the trees a transaction
// has touched, the logging of its begin, and the undoing of its dictionary redirects.
package txn

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fractal/cachetable"
	"github.com/leftmike/fractal/ft"
	"github.com/leftmike/fractal/fttypes"
)

type Manager struct {
	ct     *cachetable.CacheTable
	mutex  sync.Mutex
	nextID fttypes.TXNID
	live   map[fttypes.TXNID]*Txn
}

type redirect struct {
	oldFN, newFN fttypes.FileNum
}

type Txn struct {
	mgr         *Manager
	id          fttypes.TXNID
	mutex       sync.Mutex
	fts         []*ft.FT
	beginLogged bool
	redirects   []redirect
	onCommit    []func()
	onAbort     []func()
	done        bool
}

func NewManager(ct *cachetable.CacheTable) *Manager {
	return &Manager{
		ct:     ct,
		nextID: 1,
		live:   map[fttypes.TXNID]*Txn{},
	}
}

func (mgr *Manager) Begin() *Txn {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()

	tx := &Txn{
		mgr: mgr,
		id:  mgr.nextID,
	}
	mgr.nextID += 1
	mgr.live[tx.id] = tx
	return tx
}

// Live returns the number of transactions which have not committed or aborted.
func (mgr *Manager) Live() int {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()

	return len(mgr.live)
}

func (tx *Txn) ID() fttypes.TXNID {
	return tx.id
}

func (tx *Txn) String() string {
	return fmt.Sprintf("txn %d", tx.id)
}

// NoteFT adds a transaction reference to t the first time the transaction touches it.
func (tx *Txn) NoteFT(t *ft.FT) {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	for _, nt := range tx.fts {
		if nt == t {
			return
		}
	}
	t.AddTxnReference()
	tx.fts = append(tx.fts, t)
}

// Touched returns the trees noted by the transaction.
func (tx *Txn) Touched() []*ft.FT {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	return append([]*ft.FT(nil), tx.fts...)
}

func (tx *Txn) MaybeLogBegin() error {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	if tx.beginLogged {
		return nil
	}
	if lgr := tx.mgr.ct.Logger(); lgr != nil {
		_, err := lgr.LogXBegin(tx.id)
		if err != nil {
			return err
		}
	}
	tx.beginLogged = true
	return nil
}

// SaveRollbackRedirect records a dictionary redirect from oldFN to newFN, to be undone
// if the transaction aborts.
func (tx *Txn) SaveRollbackRedirect(oldFN, newFN fttypes.FileNum) error {
	if lgr := tx.mgr.ct.Logger(); lgr != nil {
		_, err := lgr.LogDictRedirect(tx.id, oldFN, newFN)
		if err != nil {
			return err
		}
	}

	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	tx.redirects = append(tx.redirects, redirect{oldFN: oldFN, newFN: newFN})
	return nil
}

// OnCommit adds a function to call after the transaction commits and has released its
// trees.
func (tx *Txn) OnCommit(fn func()) {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	tx.onCommit = append(tx.onCommit, fn)
}

// OnAbort adds a function to call after the transaction aborts and has released its
// trees.
func (tx *Txn) OnAbort(fn func()) {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	tx.onAbort = append(tx.onAbort, fn)
}

func (tx *Txn) finish() {
	tx.mutex.Lock()
	if tx.done {
		tx.mutex.Unlock()
		panic(fmt.Sprintf("txn: %s already committed or aborted", tx))
	}
	tx.done = true
	tx.mutex.Unlock()
}

func (tx *Txn) release() {
	for _, t := range tx.fts {
		t.RemoveTxnReference()
	}
	tx.fts = nil

	tx.mgr.mutex.Lock()
	delete(tx.mgr.live, tx.id)
	tx.mgr.mutex.Unlock()
}

func (tx *Txn) Commit() error {
	tx.finish()

	var err error
	if lgr := tx.mgr.ct.Logger(); lgr != nil && tx.beginLogged {
		var lsn fttypes.LSN
		lsn, err = lgr.LogXCommit(tx.id)
		if err == nil {
			err = lgr.FsyncIfLSNNotFsynced(lsn)
		}
	}

	tx.release()
	if err != nil {
		return err
	}
	for _, fn := range tx.onCommit {
		fn()
	}
	log.WithFields(log.Fields{
		"txnid":     tx.id,
		"redirects": len(tx.redirects),
	}).Debug("transaction committed")
	return nil
}

func (tx *Txn) lookupFT(fn fttypes.FileNum) (*ft.FT, error) {
	cf, err := tx.mgr.ct.CacheFileByFileNum(fn)
	if err != nil {
		return nil, err
	}
	t, ok := cf.Userdata().(*ft.FT)
	if !ok {
		return nil, fmt.Errorf("txn: %s: not a tree", cf)
	}
	return t, nil
}

// Abort undoes the dictionary redirects of the transaction, newest first.
func (tx *Txn) Abort() error {
	tx.finish()

	var err error
	for i := len(tx.redirects) - 1; i >= 0; i-- {
		r := tx.redirects[i]
		var oldFT, newFT *ft.FT
		oldFT, err = tx.lookupFT(r.oldFN)
		if err == nil {
			newFT, err = tx.lookupFT(r.newFN)
		}
		if err == nil {
			err = ft.RedirectAbort(oldFT, newFT, tx)
		}
		if err != nil {
			break
		}
	}

	if lgr := tx.mgr.ct.Logger(); err == nil && lgr != nil && tx.beginLogged {
		_, err = lgr.LogXAbort(tx.id)
	}

	tx.release()
	if err != nil {
		return err
	}
	for _, fn := range tx.onAbort {
		fn()
	}
	log.WithFields(log.Fields{
		"txnid":     tx.id,
		"redirects": len(tx.redirects),
	}).Debug("transaction aborted")
	return nil
}
