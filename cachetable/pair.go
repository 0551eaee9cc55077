package cachetable

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/node"
)

type LockMode int

const (
	ReadLock LockMode = iota
	WriteLock
)

// Pair is a node cached for a file.
type Pair struct {
	cf       *CacheFile
	blocknum fttypes.Blocknum
	fullhash uint32
	node     *node.Node

	lock sync.RWMutex

	mutex             sync.Mutex
	dirty             bool
	checkpointPending bool
}

func (p *Pair) Less(item btree.Item) bool {
	p2 := item.(*Pair)
	if p.cf.filenum != p2.cf.filenum {
		return p.cf.filenum < p2.cf.filenum
	}
	return p.blocknum < p2.blocknum
}

func (p *Pair) String() string {
	return fmt.Sprintf("%s block %d", p.cf, p.blocknum)
}

// Pinned is a pinned pair; it must be unpinned.
type Pinned struct {
	pair *Pair
	mode LockMode
}

func (pn *Pinned) Node() *node.Node {
	return pn.pair.node
}

func (pn *Pinned) Blocknum() fttypes.Blocknum {
	return pn.pair.blocknum
}

func (pn *Pinned) Dirty() bool {
	pn.pair.mutex.Lock()
	defer pn.pair.mutex.Unlock()

	return pn.pair.dirty
}

type pairTable struct {
	mutex sync.Mutex
	tree  *btree.BTree
}

func makePairTable() pairTable {
	return pairTable{
		tree: btree.New(16),
	}
}

func pairKey(cf *CacheFile, b fttypes.Blocknum) *Pair {
	return &Pair{cf: cf, blocknum: b}
}

func (pt *pairTable) filePairs(cf *CacheFile) []*Pair {
	var pairs []*Pair
	pt.tree.AscendGreaterOrEqual(pairKey(cf, 0),
		func(item btree.Item) bool {
			p := item.(*Pair)
			if p.cf != cf {
				return false
			}
			pairs = append(pairs, p)
			return true
		})
	return pairs
}

func (pt *pairTable) markPending(cf *CacheFile) {
	pt.mutex.Lock()
	pairs := pt.filePairs(cf)
	pt.mutex.Unlock()

	for _, p := range pairs {
		p.mutex.Lock()
		p.checkpointPending = p.dirty
		p.mutex.Unlock()
	}
}

// clearPending drops the checkpoint pending state of the pairs of cf; the pairs stay
// dirty and are written by the next checkpoint.
func (pt *pairTable) clearPending(cf *CacheFile) {
	pt.mutex.Lock()
	pairs := pt.filePairs(cf)
	pt.mutex.Unlock()

	for _, p := range pairs {
		p.mutex.Lock()
		p.checkpointPending = false
		p.mutex.Unlock()
	}
}

func (pt *pairTable) pendingPairs() []*Pair {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	var pairs []*Pair
	pt.tree.Ascend(
		func(item btree.Item) bool {
			p := item.(*Pair)
			p.mutex.Lock()
			if p.checkpointPending {
				pairs = append(pairs, p)
			}
			p.mutex.Unlock()
			return true
		})
	return pairs
}

// writeForCheckpoint writes p if it is still pending; the caller must hold p.lock.
func writeForCheckpoint(p *Pair) error {
	p.mutex.Lock()
	pending := p.checkpointPending
	p.checkpointPending = false
	p.mutex.Unlock()
	if !pending {
		return nil
	}

	err := p.cf.userdata.FlushPair(p.cf, p.node, true)
	if err != nil {
		return err
	}
	p.cf.ct.flushes.Add(1)

	p.mutex.Lock()
	p.dirty = false
	p.mutex.Unlock()
	return nil
}

func (pt *pairTable) writePending(ctx context.Context) error {
	for _, p := range pt.pendingPairs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.lock.RLock()
		err := writeForCheckpoint(p)
		p.lock.RUnlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (ct *CacheTable) flushFile(cf *CacheFile) error {
	ct.pairs.mutex.Lock()
	pairs := ct.pairs.filePairs(cf)
	ct.pairs.mutex.Unlock()

	for _, p := range pairs {
		p.mutex.Lock()
		dirty := p.dirty
		p.mutex.Unlock()
		if !dirty {
			continue
		}

		err := cf.userdata.FlushPair(cf, p.node, false)
		if err != nil {
			return err
		}
		ct.flushes.Add(1)

		p.mutex.Lock()
		p.dirty = false
		p.checkpointPending = false
		p.mutex.Unlock()
	}
	return nil
}

func (ct *CacheTable) removeFilePairs(cf *CacheFile) {
	ct.pairs.mutex.Lock()
	defer ct.pairs.mutex.Unlock()

	for _, p := range ct.pairs.filePairs(cf) {
		ct.pairs.tree.Delete(p)
	}
}

func (p *Pair) pin(mode LockMode, nonblocking bool) (*Pinned, error) {
	if mode == WriteLock {
		if nonblocking && !p.lock.TryLock() {
			p.lock.Lock()
			p.lock.Unlock()
			return nil, ErrTryAgain
		} else if !nonblocking {
			p.lock.Lock()
		}
		err := writeForCheckpoint(p)
		if err != nil {
			p.lock.Unlock()
			return nil, err
		}
	} else {
		if nonblocking && !p.lock.TryRLock() {
			p.lock.RLock()
			p.lock.RUnlock()
			return nil, ErrTryAgain
		} else if !nonblocking {
			p.lock.RLock()
		}
	}
	return &Pinned{pair: p, mode: mode}, nil
}

// Put adds n, a new node, to the cachetable; it is returned dirty and write pinned.
func (ct *CacheTable) Put(cf *CacheFile, n *node.Node) *Pinned {
	p := &Pair{
		cf:       cf,
		blocknum: n.Blocknum,
		fullhash: n.FullHash,
		node:     n,
		dirty:    true,
	}
	p.lock.Lock()

	ct.pairs.mutex.Lock()
	defer ct.pairs.mutex.Unlock()

	if ct.pairs.tree.Has(p) {
		panic(fmt.Sprintf("cachetable: put of %s which is already cached", p))
	}
	ct.pairs.tree.ReplaceOrInsert(p)
	return &Pinned{pair: p, mode: WriteLock}
}

// Pin returns blocknum b of cf, fetching it if necessary, locked in mode. When
// nonblocking is true and the node is locked incompatibly, Pin waits for the lock to be
// released and then returns ErrTryAgain; the caller must release any other pins it holds
// before trying again.
func (ct *CacheTable) Pin(cf *CacheFile, b fttypes.Blocknum, fullhash uint32, mode LockMode,
	nonblocking bool) (*Pinned, error) {

	ct.pairs.mutex.Lock()
	item := ct.pairs.tree.Get(pairKey(cf, b))
	var p *Pair
	if item != nil {
		p = item.(*Pair)
	} else {
		n, err := cf.userdata.FetchPair(cf, b, fullhash)
		if err != nil {
			ct.pairs.mutex.Unlock()
			return nil, err
		}
		ct.fetches.Add(1)
		p = &Pair{
			cf:       cf,
			blocknum: b,
			fullhash: fullhash,
			node:     n,
		}
		ct.pairs.tree.ReplaceOrInsert(p)
	}
	ct.pairs.mutex.Unlock()

	if p.fullhash != fullhash {
		panic(fmt.Sprintf("cachetable: %s: full hash %d; want %d", p, fullhash, p.fullhash))
	}
	return p.pin(mode, nonblocking)
}

// Unpin releases a pin; dirty marks the node as changed.
func (ct *CacheTable) Unpin(pn *Pinned, dirty bool) {
	p := pn.pair
	if dirty {
		if pn.mode != WriteLock {
			panic(fmt.Sprintf("cachetable: %s: dirty unpin of read pin", p))
		}
		p.mutex.Lock()
		p.dirty = true
		p.mutex.Unlock()
	}

	if pn.mode == WriteLock {
		p.lock.Unlock()
	} else {
		p.lock.RUnlock()
	}
	pn.pair = nil
}

// Remove drops a write pinned node from the cachetable without writing it; the caller
// frees its blocknum.
func (ct *CacheTable) Remove(pn *Pinned) {
	if pn.mode != WriteLock {
		panic(fmt.Sprintf("cachetable: %s: remove requires a write pin", pn.pair))
	}

	ct.pairs.mutex.Lock()
	ct.pairs.tree.Delete(pn.pair)
	ct.pairs.mutex.Unlock()
	pn.pair.lock.Unlock()
	pn.pair = nil
}

// IsCached is true if blocknum b of cf is in the cachetable.
func (ct *CacheTable) IsCached(cf *CacheFile, b fttypes.Blocknum) bool {
	ct.pairs.mutex.Lock()
	defer ct.pairs.mutex.Unlock()

	return ct.pairs.tree.Has(pairKey(cf, b))
}
