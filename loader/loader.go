// Package loader builds the nodes of a fractal tree, bottom up, from rows in key order.
package loader

import (
	"fmt"

	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/node"
)

type Options struct {
	NodeSize         uint32
	BasementNodeSize uint32
	Fanout           uint32
	LayoutVersion    uint32
	// MSN is the max applied MSN of every node built.
	MSN fttypes.MSN
}

// AllocateFunc returns an unused blocknum and its full hash.
type AllocateFunc func() (fttypes.Blocknum, uint32)

type Loader struct {
	cmp   node.Compare
	alloc AllocateFunc
	opts  Options

	entries []node.Entry
	nodes   []*node.Node
}

type built struct {
	blocknum fttypes.Blocknum
	lastKey  []byte
}

func New(cmp node.Compare, alloc AllocateFunc, opts Options) *Loader {
	if opts.Fanout < 2 {
		opts.Fanout = 2
	}
	return &Loader{
		cmp:   cmp,
		alloc: alloc,
		opts:  opts,
	}
}

// Add adds a row; rows must be added in strictly increasing key order.
func (ld *Loader) Add(key, val []byte) error {
	if len(ld.entries) > 0 && ld.cmp(ld.entries[len(ld.entries)-1].Key, key) >= 0 {
		return fmt.Errorf("loader: key %q out of order", key)
	}
	ld.entries = append(ld.entries, node.Entry{Key: key, Val: val})
	return nil
}

func entrySize(e node.Entry) uint32 {
	return uint32(4 + len(e.Key) + 4 + len(e.Val))
}

func (ld *Loader) newLeaf(basements []*node.Basement) (*node.Node, built) {
	b, fullhash := ld.alloc()
	n := node.NewLeaf(b, fullhash, ld.opts.LayoutVersion)
	n.MaxMSNAppliedOnDisk = ld.opts.MSN
	n.Children = nil
	for i, bn := range basements {
		bn.MaxMSNApplied = ld.opts.MSN
		n.Children = append(n.Children, node.Child{State: node.Available, Basement: bn})
		if i < len(basements)-1 {
			n.Pivots = append(n.Pivots, bn.Entries[len(bn.Entries)-1].Key)
		}
	}
	ld.nodes = append(ld.nodes, n)

	var last []byte
	if bn := basements[len(basements)-1]; len(bn.Entries) > 0 {
		last = bn.Entries[len(bn.Entries)-1].Key
	}
	return n, built{blocknum: b, lastKey: last}
}

func (ld *Loader) buildLeaves() []built {
	var leaves []built
	var basements []*node.Basement
	bn := &node.Basement{}
	var leafSize, bnSize uint32

	for _, e := range ld.entries {
		sz := entrySize(e)
		if leafSize > 0 && leafSize+sz > ld.opts.NodeSize {
			_, lb := ld.newLeaf(append(basements, bn))
			leaves = append(leaves, lb)
			basements = nil
			bn = &node.Basement{}
			leafSize = 0
			bnSize = 0
		} else if bnSize > 0 && bnSize+sz > ld.opts.BasementNodeSize {
			basements = append(basements, bn)
			bn = &node.Basement{}
			bnSize = 0
		}
		bn.Entries = append(bn.Entries, e)
		leafSize += sz
		bnSize += sz
	}

	_, lb := ld.newLeaf(append(basements, bn))
	return append(leaves, lb)
}

func (ld *Loader) buildLevel(children []built, height int) []built {
	var level []built
	fanout := int(ld.opts.Fanout)
	for len(children) > 0 {
		cnt := fanout
		if cnt > len(children) {
			cnt = len(children)
		} else if len(children)-cnt == 1 && cnt > 2 {
			// Do not leave a single child for the last node.
			cnt -= 1
		}

		var pivots [][]byte
		var blocknums []fttypes.Blocknum
		for i, c := range children[:cnt] {
			blocknums = append(blocknums, c.blocknum)
			if i < cnt-1 {
				pivots = append(pivots, c.lastKey)
			}
		}
		b, fullhash := ld.alloc()
		n := node.NewInternal(b, fullhash, ld.opts.LayoutVersion, height, pivots, blocknums)
		n.MaxMSNAppliedOnDisk = ld.opts.MSN
		ld.nodes = append(ld.nodes, n)
		level = append(level, built{blocknum: b, lastKey: children[cnt-1].lastKey})

		children = children[cnt:]
	}
	return level
}

// Finish builds the tree and returns its root and every node, root included. Each node
// is new and dirty.
func (ld *Loader) Finish() (*node.Node, []*node.Node) {
	level := ld.buildLeaves()
	height := 0
	for len(level) > 1 {
		height += 1
		level = ld.buildLevel(level, height)
	}
	return ld.nodes[len(ld.nodes)-1], ld.nodes
}
