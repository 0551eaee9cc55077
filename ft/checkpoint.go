package ft

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fractal/cachetable"
	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/header"
	"github.com/leftmike/fractal/node"
)

// BeginCheckpoint copies the current header to be the checkpoint header and starts a
// checkpoint of the blocktable; nothing is written.
func (t *FT) BeginCheckpoint(lsn fttypes.LSN) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.h.Type != header.Current {
		panic(fmt.Sprintf("ft: %s: header type %s", t, t.h.Type))
	}
	if t.checkpoint != nil {
		panic(fmt.Sprintf("ft: %s: checkpoint already begun", t))
	}

	t.h.OnDiskStats = t.inMemoryStats
	ch := t.h.Clone()
	ch.Type = header.CheckpointInProgress
	ch.CheckpointLSN = lsn
	t.checkpoint = &checkpointState{
		h:     ch,
		lease: t.bt.NoteStartCheckpoint(),
	}
	t.h.Dirty = false
}

// Checkpoint writes the blocktable and checkpoint header, but only if the checkpoint
// header is dirty; the next checkpoint writes the other header slot.
func (t *FT) Checkpoint(cf *cachetable.CacheFile) error {
	t.mutex.Lock()
	cs := t.checkpoint
	if cs == nil {
		t.mutex.Unlock()
		panic(fmt.Sprintf("ft: %s: checkpoint not begun", t))
	}
	ch := cs.h
	if ch.Type != header.CheckpointInProgress {
		t.mutex.Unlock()
		panic(fmt.Sprintf("ft: %s: checkpoint header type %s", t, ch.Type))
	}
	if !ch.Dirty {
		cs.skipped = true
		t.mutex.Unlock()

		cs.lease.NoteSkipped()
		t.cfg.Metrics.checkpointSkipped()
		return nil
	}

	now := t.cfg.now()
	t.h.TimeOfLastModification = now
	ch.TimeOfLastModification = now
	ch.CheckpointCount += 1
	if t.h.LayoutVersionOriginal < header.LayoutVersion19 {
		ch.HighestUnusedMSNForUpgrade = t.h.HighestUnusedMSNForUpgrade
	}
	t.mutex.Unlock()

	if lgr := cf.CacheTable().Logger(); lgr != nil {
		err := lgr.FsyncIfLSNNotFsynced(ch.CheckpointLSN)
		if err != nil {
			return err
		}
	}

	f := cf.File()
	transOff, transSize, err := cs.lease.Serialize(f)
	if err != nil {
		return fmt.Errorf("ft: %s: %w", t, err)
	}
	n, err := header.Serialize(f, ch, transOff, transSize)
	if err != nil {
		return fmt.Errorf("ft: %s: %w", t, err)
	}
	err = cf.Fsync()
	if err != nil {
		return fmt.Errorf("ft: %s: %w", t, err)
	}
	t.cfg.Metrics.headerWritten(n)

	t.mutex.Lock()
	ch.Dirty = false
	cs.written = true
	t.h.CheckpointCount += 1
	t.h.CheckpointLSN = ch.CheckpointLSN
	t.mutex.Unlock()

	log.WithFields(log.Fields{
		"fname":           cf.Fname(),
		"checkpointCount": ch.CheckpointCount,
		"lsn":             ch.CheckpointLSN,
	}).Debug("tree checkpointed")
	return nil
}

// EndCheckpoint finishes the blocktable checkpoint and discards the checkpoint header.
// If the checkpoint was not written, the current header is left dirty so that the next
// checkpoint writes it.
func (t *FT) EndCheckpoint(cf *cachetable.CacheFile) error {
	t.mutex.Lock()
	if t.h.Type != header.Current {
		t.mutex.Unlock()
		panic(fmt.Sprintf("ft: %s: header type %s", t, t.h.Type))
	}
	cs := t.checkpoint
	t.checkpoint = nil
	if cs != nil && !cs.written && !cs.skipped {
		t.h.Dirty = true
	}
	t.mutex.Unlock()

	if cs == nil {
		return nil
	}
	if !cs.written && !cs.skipped {
		cs.lease.NoteSkipped()
	}
	return cs.lease.NoteEnd(cf.File())
}

// Close is called by the cachetable as the file is closed. A dirty header is written by
// a checkpoint at the close LSN, unless the file is the rollback file.
func (t *FT) Close(cf *cachetable.CacheFile, oplsnValid bool, oplsn fttypes.LSN) error {
	t.reflock.Lock()
	needed := t.neededLocked()
	t.reflock.Unlock()
	if needed {
		panic(fmt.Sprintf("ft: %s: closed while still needed", t))
	}

	t.mutex.Lock()
	if t.h.Type != header.Current {
		t.mutex.Unlock()
		panic(fmt.Sprintf("ft: %s: header type %s", t, t.h.Type))
	}
	dirty := t.h.Dirty
	checkpointLSN := t.h.CheckpointLSN
	t.mutex.Unlock()

	lsn := fttypes.ZeroLSN
	lgr := cf.CacheTable().Logger()
	if oplsnValid {
		lsn = oplsn
		if lsn < checkpointLSN {
			lsn = checkpointLSN
		}
	} else if lgr != nil && !cf.SkipLogRecoverOnClose() {
		var err error
		lsn, err = lgr.LogFclose(cf.FileNum(), cf.Fname(), dirty)
		if err != nil {
			return err
		}
	}

	if !dirty || (lgr != nil && cf.IsRollback()) {
		return nil
	}

	t.BeginCheckpoint(lsn)
	err := t.Checkpoint(cf)
	eerr := t.EndCheckpoint(cf)
	if err != nil {
		return err
	}
	if eerr != nil {
		return eerr
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.h.Dirty {
		panic(fmt.Sprintf("ft: %s: header dirty after closing checkpoint", t))
	}
	return nil
}

// Free releases the in memory state of the tree after its file is closed.
func (t *FT) Free(cf *cachetable.CacheFile) {
	t.reflock.Lock()
	defer t.reflock.Unlock()

	if t.freed {
		panic(fmt.Sprintf("ft: %s: already freed", t))
	}
	t.freed = true
	t.bt.Destroy()
	t.cfg.Metrics.treeEvicted()
}

func (t *FT) LogFassociateDuringCheckpoint(cf *cachetable.CacheFile) error {
	lgr := cf.CacheTable().Logger()
	if lgr == nil {
		return nil
	}
	_, err := lgr.LogFassociate(cf.FileNum(), cf.Fname())
	return err
}

func (t *FT) setDirty(forCheckpoint bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if forCheckpoint {
		if t.checkpoint == nil {
			panic(fmt.Sprintf("ft: %s: checkpoint write without a checkpoint", t))
		}
		t.checkpoint.h.Dirty = true
	} else {
		t.h.Dirty = true
	}
}

// FlushPair writes node n to a new location in the file. A write on behalf of a
// checkpoint dirties the checkpoint header; otherwise, the current header.
func (t *FT) FlushPair(cf *cachetable.CacheFile, n *node.Node, forCheckpoint bool) error {
	t.mutex.Lock()
	cm := t.h.CompressionMethod
	t.mutex.Unlock()

	buf, err := n.Encode(cm)
	if err != nil {
		return fmt.Errorf("ft: %s: %w", t, err)
	}
	off := t.bt.Realloc(n.Blocknum, int64(len(buf)), forCheckpoint)
	_, err = cf.File().WriteAt(buf, int64(off))
	if err != nil {
		return fmt.Errorf("ft: %s: block %d: %w", t, n.Blocknum, err)
	}
	t.setDirty(forCheckpoint)
	return nil
}

// FetchPair reads node b from the file.
func (t *FT) FetchPair(cf *cachetable.CacheFile, b fttypes.Blocknum, fullhash uint32) (*node.Node,
	error) {

	buf, err := t.readBlock(b)
	if err != nil {
		return nil, err
	}
	n, err := node.Decode(b, fullhash, buf)
	if err != nil {
		return nil, fmt.Errorf("ft: %s: block %d: %w", t, b, err)
	}
	return n, nil
}

func (t *FT) readBlock(b fttypes.Blocknum) ([]byte, error) {
	off, size, err := t.bt.Translate(b)
	if err != nil {
		return nil, fmt.Errorf("ft: %s: %w", t, err)
	}
	buf := make([]byte, size)
	_, err = t.cf.File().ReadAt(buf, int64(off))
	if err != nil {
		return nil, fmt.Errorf("ft: %s: block %d: %w", t, b, err)
	}
	return buf, nil
}
