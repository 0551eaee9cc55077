package ft

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fractal/cachetable"
)

// redirectInternal opens dstFname as another tree of the same dictionary as src and
// moves every live handle of src to it. It is its own inverse: aborting a redirect is a
// redirect back to the original file.
func redirectInternal(dstFname string, src *FT, txn Txn) (*FT, error) {
	ct := src.cf.CacheTable()
	tmp, err := openLocked(src.cfg, ct, dstFname, false, src.redirectOptions(), txn)
	if err != nil {
		return nil, err
	}
	dst := tmp.FT()

	if dst.cf.FileNum() == src.cf.FileNum() {
		panic(fmt.Sprintf("ft: redirect of %s to itself", src))
	}

	// The tmp handle keeps dst needed while handles move; src stays needed because the
	// caller holds a reference to it.
	src.reflock.Lock()
	var moved []*Handle
	dst.reflock.Lock()
	for len(src.liveHandles) > 0 {
		h := src.liveHandles[0]
		src.liveHandles = src.liveHandles[1:]
		dst.noteHandleOpenLocked(h)
		moved = append(moved, h)
	}
	dst.reflock.Unlock()
	if !src.neededLocked() {
		src.reflock.Unlock()
		panic(fmt.Sprintf("ft: %s: not needed after redirect", src))
	}
	src.reflock.Unlock()

	for _, h := range moved {
		h.noteRedirected()
	}

	tmp.closeLocked()

	src.cfg.Metrics.redirected()
	log.WithFields(log.Fields{
		"from":    src.cf.Fname(),
		"to":      dst.cf.Fname(),
		"handles": len(moved),
	}).Debug("dictionary redirected")
	return dst, nil
}

// Redirect moves every handle of the dictionary of h from its current file to the tree
// in dstFname, which must not be open. The old tree is unchanged; when txn is not nil,
// it keeps the old tree in memory until it commits or aborts and aborting it reverses
// the redirect. The caller must hold the multi operation lock of the cachetable.
func (h *Handle) Redirect(dstFname string, txn Txn) error {
	oldFT := h.FT()
	ct := oldFT.cf.CacheTable()

	ct.OpenCloseLock()
	defer ct.OpenCloseUnlock()

	_, err := ct.CacheFileByFname(dstFname)
	if err == nil {
		return fmt.Errorf("ft: redirect to %s: %w: already open", dstFname, ErrInvalid)
	} else if !errors.Is(err, cachetable.ErrNotFound) {
		return err
	}

	if txn != nil {
		txn.NoteFT(oldFT)
	}

	newFT, err := redirectInternal(dstFname, oldFT, txn)
	if err != nil {
		return err
	}

	if txn != nil {
		txn.NoteFT(newFT)
		err = txn.MaybeLogBegin()
		if err != nil {
			return err
		}
		err = txn.SaveRollbackRedirect(oldFT.cf.FileNum(), newFT.cf.FileNum())
		if err != nil {
			return err
		}
	}
	return nil
}

// RedirectAbort reverses a redirect of oldFT to newFT: every handle of newFT is moved
// back to oldFT. oldFT must have no live handles.
func RedirectAbort(oldFT, newFT *FT, txn Txn) error {
	if oldFT.cf.FileNum() == newFT.cf.FileNum() {
		panic(fmt.Sprintf("ft: abort redirect of %s to itself", oldFT))
	}
	if oldFT.LiveHandles() != 0 {
		panic(fmt.Sprintf("ft: abort redirect to %s with live handles", oldFT))
	}

	ct := oldFT.cf.CacheTable()
	ct.OpenCloseLock()
	defer ct.OpenCloseUnlock()

	dst, err := redirectInternal(oldFT.cf.Fname(), newFT, txn)
	if err != nil {
		return err
	}
	if dst != oldFT {
		panic(fmt.Sprintf("ft: abort redirect to %s opened %s", oldFT, dst))
	}
	return nil
}
