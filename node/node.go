// Package node is the in memory form of the nodes of a fractal tree.
package node

import (
	"fmt"
	"sort"

	"github.com/leftmike/fractal/fttypes"
)

type PartitionState byte

const (
	Invalid PartitionState = iota
	OnDisk
	Compressed
	Available
)

type Entry struct {
	Key []byte
	Val []byte
}

func (e Entry) size() int {
	return 4 + len(e.Key) + 4 + len(e.Val)
}

// Basement is one partition of a leaf; entries are in key order.
type Basement struct {
	MaxMSNApplied fttypes.MSN
	Entries       []Entry
}

func (bn *Basement) Size() int {
	var sz int
	for _, e := range bn.Entries {
		sz += e.size()
	}
	return sz
}

func (bn *Basement) find(cmp Compare, key []byte) (int, bool) {
	idx := sort.Search(len(bn.Entries),
		func(i int) bool {
			return cmp(bn.Entries[i].Key, key) >= 0
		})
	return idx, idx < len(bn.Entries) && cmp(bn.Entries[idx].Key, key) == 0
}

// Apply applies msg to the entries of the basement.
func (bn *Basement) Apply(cmp Compare, updateFn UpdateFunc, msg Message) {
	switch msg.Type {
	case Insert, InsertNoOverwrite:
		idx, ok := bn.find(cmp, msg.Key)
		if ok {
			if msg.Type == Insert {
				bn.Entries[idx].Val = msg.Val
			}
			break
		}
		bn.Entries = append(bn.Entries, Entry{})
		copy(bn.Entries[idx+1:], bn.Entries[idx:])
		bn.Entries[idx] = Entry{Key: msg.Key, Val: msg.Val}
	case Delete:
		idx, ok := bn.find(cmp, msg.Key)
		if ok {
			bn.Entries = append(bn.Entries[:idx], bn.Entries[idx+1:]...)
		}
	case Update:
		if updateFn == nil {
			panic("node: update message without an update function")
		}
		idx, ok := bn.find(cmp, msg.Key)
		var old []byte
		if ok {
			old = bn.Entries[idx].Val
		}
		val, keep := updateFn(msg.Key, old, msg.Val)
		if ok && keep {
			bn.Entries[idx].Val = val
		} else if ok {
			bn.Entries = append(bn.Entries[:idx], bn.Entries[idx+1:]...)
		} else if keep {
			bn.Entries = append(bn.Entries, Entry{})
			copy(bn.Entries[idx+1:], bn.Entries[idx:])
			bn.Entries[idx] = Entry{Key: msg.Key, Val: val}
		}
	case UpdateBroadcastAll:
		if updateFn == nil {
			panic("node: update message without an update function")
		}
		entries := bn.Entries[:0]
		for _, e := range bn.Entries {
			val, keep := updateFn(e.Key, e.Val, msg.Val)
			if keep {
				entries = append(entries, Entry{Key: e.Key, Val: val})
			}
		}
		bn.Entries = entries
	case CommitBroadcastAll, Optimize:
	default:
		panic(fmt.Sprintf("node: unexpected message type: %s", msg.Type))
	}

	if msg.MSN > bn.MaxMSNApplied {
		bn.MaxMSNApplied = msg.MSN
	}
}

// Child is one partition of a node. Internal nodes use Blocknum and Buffer; leaves use
// Basement.
type Child struct {
	State    PartitionState
	Blocknum fttypes.Blocknum
	Buffer   *MessageBuffer
	Basement *Basement
}

type Node struct {
	Blocknum              fttypes.Blocknum
	FullHash              uint32
	Height                int
	LayoutVersion         uint32
	LayoutVersionOriginal uint32
	MaxMSNAppliedOnDisk   fttypes.MSN
	Pivots                [][]byte
	Children              []Child
	Dirty                 bool
}

func (n *Node) IsLeaf() bool {
	return n.Height == 0
}

func (n *Node) String() string {
	return fmt.Sprintf("node %d (height %d, %d children)", n.Blocknum, n.Height,
		len(n.Children))
}

// NewLeaf returns a leaf with a single empty basement.
func NewLeaf(b fttypes.Blocknum, fullhash uint32, layoutVersion uint32) *Node {
	return &Node{
		Blocknum:              b,
		FullHash:              fullhash,
		LayoutVersion:         layoutVersion,
		LayoutVersionOriginal: layoutVersion,
		Children: []Child{
			{State: Available, Basement: &Basement{}},
		},
		Dirty: true,
	}
}

// NewInternal returns an internal node with an empty buffer for each child; there must
// be one less pivot than children.
func NewInternal(b fttypes.Blocknum, fullhash uint32, layoutVersion uint32, height int,
	pivots [][]byte, children []fttypes.Blocknum) *Node {

	if height < 1 {
		panic(fmt.Sprintf("node: internal node height must be at least 1: %d", height))
	}
	if len(pivots)+1 != len(children) {
		panic(fmt.Sprintf("node: %d pivots for %d children", len(pivots), len(children)))
	}
	n := &Node{
		Blocknum:              b,
		FullHash:              fullhash,
		Height:                height,
		LayoutVersion:         layoutVersion,
		LayoutVersionOriginal: layoutVersion,
		Pivots:                pivots,
		Dirty:                 true,
	}
	for _, cb := range children {
		n.Children = append(n.Children,
			Child{State: Available, Blocknum: cb, Buffer: NewMessageBuffer()})
	}
	return n
}

// FullyInMemory is true when every partition of the node is available.
func (n *Node) FullyInMemory() bool {
	for _, c := range n.Children {
		if c.State != Available {
			return false
		}
	}
	return true
}

// WhichChild returns the child whose key range holds key: child i holds keys greater
// than pivot i-1 and less than or equal to pivot i.
func (n *Node) WhichChild(cmp Compare, key []byte) int {
	return sort.Search(len(n.Pivots),
		func(i int) bool {
			return cmp(key, n.Pivots[i]) <= 0
		})
}

// NumEntries returns the number of buffered messages or leaf entries in the node.
func (n *Node) NumEntries() int {
	var cnt int
	for _, c := range n.Children {
		if n.IsLeaf() {
			cnt += len(c.Basement.Entries)
		} else {
			cnt += c.Buffer.Len()
		}
	}
	return cnt
}

// LiveBytes returns the bytes held by leaf entries.
func (n *Node) LiveBytes() int64 {
	var sz int64
	for _, c := range n.Children {
		if c.Basement != nil {
			sz += int64(c.Basement.Size())
		}
	}
	return sz
}

// Apply applies msg, which must have a larger MSN than any applied so far, to the node.
// A leaf applies it to the basement holding its key, or to every basement for a
// broadcast message. An internal node buffers it as fresh for the child holding its key,
// or in every child for a broadcast message.
func (n *Node) Apply(cmp Compare, updateFn UpdateFunc, msg Message) {
	if msg.MSN <= n.MaxMSNAppliedOnDisk {
		panic(fmt.Sprintf("node: %s: msn %d not greater than %d", n, msg.MSN,
			n.MaxMSNAppliedOnDisk))
	}
	n.MaxMSNAppliedOnDisk = msg.MSN
	n.Dirty = true

	if msg.Type.AppliesAll() {
		for _, c := range n.Children {
			if n.IsLeaf() {
				c.Basement.Apply(cmp, updateFn, msg)
			} else {
				c.Buffer.Enqueue(cmp, msg, true)
			}
		}
		return
	}

	c := n.Children[n.WhichChild(cmp, msg.Key)]
	if n.IsLeaf() {
		c.Basement.Apply(cmp, updateFn, msg)
	} else {
		c.Buffer.Enqueue(cmp, msg, true)
	}
}

// Clone returns a deep copy of the structure of the node; keys and values are shared.
func (n *Node) Clone() *Node {
	nn := *n
	nn.Pivots = append([][]byte(nil), n.Pivots...)
	nn.Children = make([]Child, len(n.Children))
	for i, c := range n.Children {
		nn.Children[i] = c
		if c.Buffer != nil {
			nn.Children[i].Buffer = c.Buffer.Clone()
		}
		if c.Basement != nil {
			bn := *c.Basement
			bn.Entries = append([]Entry(nil), c.Basement.Entries...)
			nn.Children[i].Basement = &bn
		}
	}
	return &nn
}
