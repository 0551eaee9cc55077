package ft

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/leftmike/fractal/blocktable"
	"github.com/leftmike/fractal/cachetable"
	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/header"
	"github.com/leftmike/fractal/node"
)

func (t *FT) pinNode(b fttypes.Blocknum, mode cachetable.LockMode) (*cachetable.Pinned, error) {
	ct := t.cf.CacheTable()
	fullhash := cachetable.Hash(t.cf.FileNum(), b)
	for {
		pn, err := ct.Pin(t.cf, b, fullhash, mode, true)
		if err != cachetable.ErrTryAgain {
			return pn, err
		}
	}
}

// pinRoot returns the root of the tree pinned in mode.
func (t *FT) pinRoot(mode cachetable.LockMode) (*cachetable.Pinned, error) {
	ct := t.cf.CacheTable()
	for {
		root, _ := t.RootBlocknum()
		pn, err := t.pinNode(root, mode)
		if err != nil {
			return nil, err
		}
		if cur, _ := t.RootBlocknum(); cur == root {
			return pn, nil
		}
		ct.Unpin(pn, false)
	}
}

// RootBlocknum returns the blocknum and full hash of the root of the tree.
func (t *FT) RootBlocknum() (fttypes.Blocknum, uint32) {
	t.mutex.Lock()
	root := t.h.Root
	t.mutex.Unlock()

	return root, cachetable.Hash(t.cf.FileNum(), root)
}

func (t *FT) SetNewRoot(b fttypes.Blocknum) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.h.Root = b
}

// Header returns a copy of the current header.
func (t *FT) Header() *header.Header {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.h.Clone()
}

// CheckpointHeader returns a copy of the header of the checkpoint in progress, or nil.
func (t *FT) CheckpointHeader() *header.Header {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.checkpoint == nil {
		return nil
	}
	return t.checkpoint.h.Clone()
}

// inject applies msg to the root of the tree, giving it the next MSN.
func (t *FT) inject(msg node.Message) error {
	if t.blackhole {
		return nil
	}

	ct := t.cf.CacheTable()
	ct.BeginMultiOperation()
	defer ct.EndMultiOperation()

	pn, err := t.pinRoot(cachetable.WriteLock)
	if err != nil {
		return err
	}
	cmp := t.cmp()
	n := pn.Node()

	t.mutex.Lock()
	msn := t.h.MaxMSNInFT + 1
	if msn < fttypes.MinMSN {
		msn = fttypes.MinMSN
	}
	t.h.MaxMSNInFT = msn
	t.mutex.Unlock()

	msg.MSN = msn
	var before header.Stats
	if n.IsLeaf() {
		before = header.Stats{NumRows: int64(n.NumEntries()), NumBytes: n.LiveBytes()}
	}
	n.Apply(cmp, t.update, msg)
	if n.IsLeaf() {
		t.mutex.Lock()
		t.inMemoryStats = t.inMemoryStats.Add(header.Stats{
			NumRows:  int64(n.NumEntries()) - before.NumRows,
			NumBytes: n.LiveBytes() - before.NumBytes,
		})
		t.mutex.Unlock()
	}
	ct.Unpin(pn, true)

	t.cfg.Metrics.messageInjected(msg.Type.String())
	return nil
}

func (h *Handle) Insert(key, val []byte) error {
	return h.FT().inject(node.Message{Type: node.Insert, Key: key, Val: val})
}

// InsertNoOverwrite inserts key unless it is already present.
func (h *Handle) InsertNoOverwrite(key, val []byte) error {
	return h.FT().inject(node.Message{Type: node.InsertNoOverwrite, Key: key, Val: val})
}

func (h *Handle) Delete(key []byte) error {
	return h.FT().inject(node.Message{Type: node.Delete, Key: key})
}

// Update calls the update function of the tree for key with extra.
func (h *Handle) Update(key, extra []byte) error {
	t := h.FT()
	if t.update == nil {
		return fmt.Errorf("ft: %s: %w: no update function", t, ErrInvalid)
	}
	return t.inject(node.Message{Type: node.Update, Key: key, Val: extra})
}

// UpdateBroadcast calls the update function of the tree for every key.
func (h *Handle) UpdateBroadcast(extra []byte) error {
	t := h.FT()
	if t.update == nil {
		return fmt.Errorf("ft: %s: %w: no update function", t, ErrInvalid)
	}
	return t.inject(node.Message{Type: node.UpdateBroadcastAll, Val: extra})
}

// Optimize broadcasts an optimize message, noting the optimization in the header.
func (h *Handle) Optimize() error {
	t := h.FT()
	t.NoteHotBegin()

	t.mutex.Lock()
	msn := t.h.MaxMSNInFT
	t.mutex.Unlock()

	err := t.inject(node.Message{Type: node.Optimize})
	t.NoteHotComplete(err == nil, msn)
	return err
}

// Get returns the value of key, or io.EOF if it is not in the tree.
func (h *Handle) Get(key []byte) ([]byte, error) {
	t := h.FT()
	ct := t.cf.CacheTable()
	cmp := t.cmp()

	var msgs []node.Message
	pn, err := t.pinRoot(cachetable.ReadLock)
	if err != nil {
		return nil, err
	}
	for {
		n := pn.Node()
		if n.IsLeaf() {
			break
		}
		cn := n.WhichChild(cmp, key)
		mb := n.Children[cn].Buffer
		for _, msg := range mb.Messages {
			if msg.Type.AppliesAll() || cmp(msg.Key, key) == 0 {
				msgs = append(msgs, msg)
			}
		}
		b := n.Children[cn].Blocknum
		ct.Unpin(pn, false)

		pn, err = t.pinNode(b, cachetable.ReadLock)
		if err != nil {
			return nil, err
		}
	}

	n := pn.Node()
	bn := n.Children[n.WhichChild(cmp, key)].Basement
	tmp := node.Basement{MaxMSNApplied: bn.MaxMSNApplied}
	for _, e := range bn.Entries {
		if cmp(e.Key, key) == 0 {
			tmp.Entries = []node.Entry{e}
			break
		}
	}
	ct.Unpin(pn, false)

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].MSN < msgs[j].MSN })
	for _, msg := range msgs {
		if msg.MSN <= tmp.MaxMSNApplied {
			continue
		}
		if msg.Type.AppliesAll() && len(tmp.Entries) == 0 {
			continue
		}
		tmp.Apply(cmp, t.update, msg)
	}

	if len(tmp.Entries) == 0 {
		return nil, io.EOF
	}
	return tmp.Entries[0].Val, nil
}

// Header fields which tune the tree; setting one dirties the header.

func (t *FT) SetNodeSize(sz uint32) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.h.NodeSize = sz
	t.h.Dirty = true
}

func (t *FT) NodeSize() uint32 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.h.NodeSize
}

func (t *FT) SetBasementNodeSize(sz uint32) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.h.BasementNodeSize = sz
	t.h.Dirty = true
}

func (t *FT) BasementNodeSize() uint32 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.h.BasementNodeSize
}

func (t *FT) SetCompressionMethod(cm fttypes.CompressionMethod) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.h.CompressionMethod = cm
	t.h.Dirty = true
}

func (t *FT) CompressionMethod() fttypes.CompressionMethod {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.h.CompressionMethod
}

func (t *FT) SetFanout(fanout uint32) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.h.Fanout = fanout
	t.h.Dirty = true
}

func (t *FT) Fanout() uint32 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.h.Fanout
}

// UpdateDescriptor writes desc to new space in the file and makes it the descriptor of
// the tree. The comparison descriptor is unchanged until UpdateCmpDescriptor.
func (t *FT) UpdateDescriptor(desc []byte) error {
	err := t.bt.ReallocDescriptorOnDisk(t.cf.File(), desc)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.descriptor = append([]byte(nil), desc...)
	t.h.Dirty = true
	return nil
}

// UpdateCmpDescriptor makes the descriptor the comparison descriptor.
func (t *FT) UpdateCmpDescriptor() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.cmpDescriptor = t.descriptor
}

func (t *FT) Descriptor() []byte {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.descriptor
}

func (t *FT) CmpDescriptor() []byte {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.cmpDescriptor
}

// NoteHotBegin records the start of a hot optimization.
func (t *FT) NoteHotBegin() {
	now := t.cfg.now()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.h.TimeOfLastOptimizeBegin = now
	t.h.CountOfOptimizeInProgress += 1
	t.h.Dirty = true
}

// NoteHotComplete records the end of a hot optimization which started when msn was the
// largest MSN of the tree. Once every optimization started since the tree was opened has
// completed, the count of optimizations in progress is cleared; this repairs a count
// left by a crash during an optimization.
func (t *FT) NoteHotComplete(success bool, msn fttypes.MSN) {
	now := t.cfg.now()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.h.CountOfOptimizeInProgress -= 1
	if success {
		t.h.TimeOfLastOptimizeEnd = now
		t.h.MSNAtStartOfLastCompletedOptimize = msn
		if t.h.CountOfOptimizeInProgress == t.h.CountOfOptimizeInProgressReadDisk {
			t.h.CountOfOptimizeInProgress = 0
		}
	}
	t.h.Dirty = true
}

type Stat struct {
	NumRows    int64
	NumBytes   int64
	FileSize   int64
	CreateTime time.Time
	ModifyTime time.Time
	VerifyTime time.Time
}

func (t *FT) Stat64() Stat {
	frag := t.bt.Fragmentation()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	return Stat{
		NumRows:    t.inMemoryStats.NumRows,
		NumBytes:   t.inMemoryStats.NumBytes,
		FileSize:   frag.FileSizeBytes,
		CreateTime: t.h.TimeOfCreation,
		ModifyTime: t.h.TimeOfLastModification,
		VerifyTime: t.h.TimeOfLastVerification,
	}
}

func (t *FT) Fragmentation() blocktable.Fragmentation {
	return t.bt.Fragmentation()
}

func (t *FT) Info() blocktable.Info {
	return t.bt.GetInfo64()
}

// GetGarbage returns the bytes used by the leaves of the tree on disk, and how many of
// those bytes hold live entries.
func (t *FT) GetGarbage() (int64, int64, error) {
	t.bt.Lock()
	defer t.bt.Unlock()

	var total, used int64
	err := t.bt.IterateLocked(blocktable.Current,
		func(b fttypes.Blocknum, off fttypes.DiskOff, size int64) error {
			if b < fttypes.ReservedBlocknums {
				return nil
			}
			buf := make([]byte, size)
			_, err := t.cf.File().ReadAt(buf, int64(off))
			if err != nil {
				return fmt.Errorf("ft: %s: block %d: %w", t, b, err)
			}
			n, err := node.Decode(b, cachetable.Hash(t.cf.FileNum(), b), buf)
			if err != nil {
				return fmt.Errorf("ft: %s: block %d: %w", t, b, err)
			}
			if !n.IsLeaf() {
				return nil
			}
			total += size
			live := n.LiveBytes()
			if live > size {
				live = size
			}
			used += live
			return nil
		})
	if err != nil {
		return 0, 0, err
	}
	t.cfg.Metrics.garbageScanned()
	return total, used, nil
}
