package ft

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fractal/cachetable"
	"github.com/leftmike/fractal/fttypes"
)

// A tree stays in memory while it has a live handle, a transaction reference, or is
// pinned by a checkpoint. The reflock protects these three.

func (t *FT) noteHandleOpen(h *Handle) {
	t.reflock.Lock()
	defer t.reflock.Unlock()

	t.noteHandleOpenLocked(h)
}

func (t *FT) noteHandleOpenLocked(h *Handle) {
	h.setFT(t)
	t.liveHandles = append(t.liveHandles, h)
}

func (t *FT) removeLiveHandle(h *Handle) {
	for i, lh := range t.liveHandles {
		if lh == h {
			t.liveHandles = append(t.liveHandles[:i], t.liveHandles[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("ft: %s: handle not live", t))
}

func (t *FT) neededLocked() bool {
	return t.pinnedByCheckpoint || t.numTxns > 0 || len(t.liveHandles) > 0
}

func (t *FT) hasOneReferenceLocked() bool {
	n := t.numTxns + len(t.liveHandles)
	if t.pinnedByCheckpoint {
		n += 1
	}
	return n == 1
}

// LiveHandles returns the number of handles bound to the tree.
func (t *FT) LiveHandles() int {
	t.reflock.Lock()
	defer t.reflock.Unlock()

	return len(t.liveHandles)
}

// TxnReferences returns the number of transactions referencing the tree.
func (t *FT) TxnReferences() int {
	t.reflock.Lock()
	defer t.reflock.Unlock()

	return t.numTxns
}

func (t *FT) PinnedByCheckpoint() bool {
	t.reflock.Lock()
	defer t.reflock.Unlock()

	return t.pinnedByCheckpoint
}

// AddTxnReference is used by a transaction the first time it touches the tree.
func (t *FT) AddTxnReference() {
	t.reflock.Lock()
	defer t.reflock.Unlock()

	t.numTxns += 1
}

// RemoveTxnReference drops a reference added by AddTxnReference.
func (t *FT) RemoveTxnReference() {
	t.RemoveReference(false, fttypes.ZeroLSN,
		func(t *FT) {
			if t.numTxns == 0 {
				panic(fmt.Sprintf("ft: %s: no transaction references", t))
			}
			t.numTxns -= 1
		})
}

// RemoveReference calls removeRef, holding the reflock, to drop one reference to the
// tree. When that was the last reference, the tree is evicted from memory and its file
// closed. oplsnValid is only used by recovery, which requires that the reference be the
// last one.
func (t *FT) RemoveReference(oplsnValid bool, oplsn fttypes.LSN, removeRef func(t *FT)) {
	t.reflock.Lock()
	if !t.hasOneReferenceLocked() {
		removeRef(t)
		needed := t.neededLocked()
		t.reflock.Unlock()
		if oplsnValid && needed {
			panic(fmt.Sprintf("ft: %s: closed at an operation lsn while still needed", t))
		}
		return
	}
	t.reflock.Unlock()

	// The open close lock keeps the cachetable from handing the tree out while it is
	// evicted; the reference count must be checked again after taking it.
	ct := t.cf.CacheTable()
	ct.OpenCloseLock()
	defer ct.OpenCloseUnlock()

	t.removeReferenceLocked(oplsnValid, oplsn, removeRef)
}

// removeReferenceLocked is RemoveReference for callers holding the open close lock.
func (t *FT) removeReferenceLocked(oplsnValid bool, oplsn fttypes.LSN, removeRef func(t *FT)) {
	t.reflock.Lock()
	removeRef(t)
	needed := t.neededLocked()
	t.reflock.Unlock()

	if oplsnValid && needed {
		panic(fmt.Sprintf("ft: %s: closed at an operation lsn while still needed", t))
	}
	if !needed {
		t.evict(oplsnValid, oplsn)
	}
}

func (t *FT) evict(oplsnValid bool, oplsn fttypes.LSN) {
	err := t.cf.Close(oplsnValid, oplsn)
	if err != nil {
		log.WithFields(log.Fields{
			"fname": t.cf.Fname(),
			"error": err,
		}).Error("tree close failed")
	}
}

// NoteCheckpointPin keeps the tree in memory for the duration of a checkpoint.
func (t *FT) NoteCheckpointPin(cf *cachetable.CacheFile) {
	t.reflock.Lock()
	defer t.reflock.Unlock()

	if t.pinnedByCheckpoint {
		panic(fmt.Sprintf("ft: %s: already pinned by checkpoint", t))
	}
	t.pinnedByCheckpoint = true
}

func (t *FT) NoteCheckpointUnpin(cf *cachetable.CacheFile) {
	t.RemoveReference(false, fttypes.ZeroLSN,
		func(t *FT) {
			if !t.pinnedByCheckpoint {
				panic(fmt.Sprintf("ft: %s: not pinned by checkpoint", t))
			}
			t.pinnedByCheckpoint = false
		})
}
