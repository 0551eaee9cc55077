package ft

import (
	"fmt"

	"github.com/leftmike/fractal/cachetable"
	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/header"
	"github.com/leftmike/fractal/loader"
)

// Load replaces the empty tree of h with a tree of the rows added to the loader by fn.
// Blocknums are allocated by Finish, which Load calls after fn returns; fn must not call
// it.
func (h *Handle) Load(fn func(ld *loader.Loader) error) error {
	t := h.FT()
	ct := t.cf.CacheTable()
	ct.BeginMultiOperation()
	defer ct.EndMultiOperation()

	pn, err := t.pinRoot(cachetable.WriteLock)
	if err != nil {
		return err
	}
	if n := pn.Node(); !n.IsLeaf() || n.NumEntries() > 0 {
		ct.Unpin(pn, false)
		return fmt.Errorf("ft: %s: %w: load of a tree which is not empty", t, ErrInvalid)
	}

	t.mutex.Lock()
	msn := t.h.MaxMSNInFT + 1
	if msn < fttypes.MinMSN {
		msn = fttypes.MinMSN
	}
	t.h.MaxMSNInFT = msn
	opts := loader.Options{
		NodeSize:         t.h.NodeSize,
		BasementNodeSize: t.h.BasementNodeSize,
		Fanout:           t.h.Fanout,
		LayoutVersion:    header.LayoutVersion,
		MSN:              msn,
	}
	t.mutex.Unlock()

	filenum := t.cf.FileNum()
	ld := loader.New(t.cmp(),
		func() (fttypes.Blocknum, uint32) {
			b := t.bt.AllocateBlocknum()
			return b, cachetable.Hash(filenum, b)
		}, opts)
	err = fn(ld)
	if err != nil {
		ct.Unpin(pn, false)
		return err
	}

	oldRoot := pn.Blocknum()
	ct.Remove(pn)
	t.bt.FreeBlocknum(oldRoot)

	root, nodes := ld.Finish()
	var stats header.Stats
	for _, n := range nodes {
		if n.IsLeaf() {
			stats.NumRows += int64(n.NumEntries())
			stats.NumBytes += n.LiveBytes()
		}
		ct.Unpin(ct.Put(t.cf, n), true)
	}
	t.SetNewRoot(root.Blocknum)

	t.mutex.Lock()
	t.inMemoryStats = stats
	t.mutex.Unlock()

	return t.bt.VerifyNoFreeBlocknums()
}
