package blocktable

import (
	"fmt"

	"github.com/google/btree"

	"github.com/leftmike/fractal/fttypes"
)

const (
	// HeaderReserve is the space at the start of every file for the two header slots.
	HeaderReserve = 2 * 4096
	// BlockAlignment is the alignment of every block written to a file.
	BlockAlignment = 512
)

type extent struct {
	off  fttypes.DiskOff
	size int64
}

func (e extent) Less(item btree.Item) bool {
	return e.off < item.(extent).off
}

func alignUp(size int64) int64 {
	return (size + BlockAlignment - 1) / BlockAlignment * BlockAlignment
}

// allocator tracks the free space of a file; free extents are kept in offset order and
// coalesced with their neighbors. Space at or past limit is free and not in the tree.
type allocator struct {
	free  *btree.BTree
	limit fttypes.DiskOff
}

func newAllocator() *allocator {
	return &allocator{
		free:  btree.New(16),
		limit: HeaderReserve,
	}
}

// makeAllocator builds an allocator given every extent that is in use.
func makeAllocator(used []extent) *allocator {
	a := newAllocator()
	t := btree.New(16)
	for _, e := range used {
		if e.off < HeaderReserve {
			panic(fmt.Sprintf("blocktable: extent in header reserve: %d", e.off))
		}
		t.ReplaceOrInsert(extent{e.off, alignUp(e.size)})
	}

	next := fttypes.DiskOff(HeaderReserve)
	t.Ascend(
		func(item btree.Item) bool {
			e := item.(extent)
			if e.off < next {
				panic(fmt.Sprintf("blocktable: overlapping extents at %d", e.off))
			}
			if e.off > next {
				a.free.ReplaceOrInsert(extent{next, int64(e.off - next)})
			}
			next = e.off + fttypes.DiskOff(e.size)
			return true
		})
	a.limit = next
	return a
}

func (a *allocator) alloc(size int64) fttypes.DiskOff {
	size = alignUp(size)
	if size == 0 {
		size = BlockAlignment
	}

	var found *extent
	a.free.Ascend(
		func(item btree.Item) bool {
			e := item.(extent)
			if e.size >= size {
				found = &e
				return false
			}
			return true
		})

	if found == nil {
		off := a.limit
		a.limit += fttypes.DiskOff(size)
		return off
	}

	a.free.Delete(*found)
	if found.size > size {
		a.free.ReplaceOrInsert(extent{found.off + fttypes.DiskOff(size), found.size - size})
	}
	return found.off
}

func (a *allocator) release(off fttypes.DiskOff, size int64) {
	size = alignUp(size)
	if size == 0 {
		size = BlockAlignment
	}
	if off < HeaderReserve || off+fttypes.DiskOff(size) > a.limit {
		panic(fmt.Sprintf("blocktable: release of extent outside file: %d %d", off, size))
	}

	e := extent{off, size}
	var prev *extent
	a.free.DescendLessOrEqual(e,
		func(item btree.Item) bool {
			p := item.(extent)
			prev = &p
			return false
		})
	if prev != nil {
		if prev.off == off {
			panic(fmt.Sprintf("blocktable: double release of extent at %d", off))
		}
		if prev.off+fttypes.DiskOff(prev.size) > off {
			panic(fmt.Sprintf("blocktable: release of free space at %d", off))
		}
		if prev.off+fttypes.DiskOff(prev.size) == off {
			a.free.Delete(*prev)
			e = extent{prev.off, prev.size + e.size}
		}
	}

	var next *extent
	a.free.AscendGreaterOrEqual(extent{off: off + 1},
		func(item btree.Item) bool {
			n := item.(extent)
			next = &n
			return false
		})
	if next != nil && e.off+fttypes.DiskOff(e.size) == next.off {
		a.free.Delete(*next)
		e = extent{e.off, e.size + next.size}
	}

	if e.off+fttypes.DiskOff(e.size) == a.limit {
		a.limit = e.off
	} else {
		a.free.ReplaceOrInsert(e)
	}
}

func (a *allocator) unused() (bytes int64, blocks int64, largest int64) {
	a.free.Ascend(
		func(item btree.Item) bool {
			e := item.(extent)
			bytes += e.size
			blocks += 1
			if e.size > largest {
				largest = e.size
			}
			return true
		})
	return
}
