package loader_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/loader"
	"github.com/leftmike/fractal/node"
)

func allocator() loader.AllocateFunc {
	next := fttypes.ReservedBlocknums
	return func() (fttypes.Blocknum, uint32) {
		b := next
		next += 1
		return b, uint32(b)
	}
}

func countLeaves(nodes []*node.Node) (int, int) {
	var leaves, entries int
	for _, n := range nodes {
		if n.IsLeaf() {
			leaves += 1
			entries += n.NumEntries()
		}
	}
	return leaves, entries
}

func TestLoader(t *testing.T) {
	cases := []struct {
		rows     int
		nodeSize uint32
		fanout   uint32
		height   int
		leaves   int
	}{
		{rows: 0, nodeSize: 1024, fanout: 4, height: 0, leaves: 1},
		{rows: 10, nodeSize: 1024, fanout: 4, height: 0, leaves: 1},
		// Each row is 4 + 6 + 4 + 6 = 20 bytes.
		{rows: 10, nodeSize: 40, fanout: 4, height: 2, leaves: 5},
		{rows: 10, nodeSize: 40, fanout: 8, height: 1, leaves: 5},
		{rows: 64, nodeSize: 40, fanout: 2, height: 5, leaves: 32},
	}

	for _, c := range cases {
		ld := loader.New(bytes.Compare, allocator(),
			loader.Options{
				NodeSize:         c.nodeSize,
				BasementNodeSize: c.nodeSize,
				Fanout:           c.fanout,
				MSN:              fttypes.MinMSN,
			})
		for i := 0; i < c.rows; i++ {
			err := ld.Add([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("val%03d", i)))
			if err != nil {
				t.Fatalf("Add(%d) failed with %s", i, err)
			}
		}
		root, nodes := ld.Finish()
		if root.Height != c.height {
			t.Errorf("Finish(%d rows).Height got %d want %d", c.rows, root.Height, c.height)
		}
		leaves, entries := countLeaves(nodes)
		if leaves != c.leaves {
			t.Errorf("Finish(%d rows) got %d leaves want %d", c.rows, leaves, c.leaves)
		}
		if entries != c.rows {
			t.Errorf("Finish(%d rows) got %d entries want %d", c.rows, entries, c.rows)
		}
		for _, n := range nodes {
			if n.MaxMSNAppliedOnDisk != fttypes.MinMSN {
				t.Errorf("Finish(%d rows) %s msn got %d want %d", c.rows, n,
					n.MaxMSNAppliedOnDisk, fttypes.MinMSN)
			}
			if len(n.Pivots)+1 != len(n.Children) {
				t.Errorf("Finish(%d rows) %s: %d pivots for %d children", c.rows, n,
					len(n.Pivots), len(n.Children))
			}
		}
	}
}

func TestLoaderBasements(t *testing.T) {
	ld := loader.New(bytes.Compare, allocator(),
		loader.Options{NodeSize: 1024, BasementNodeSize: 40, Fanout: 4})
	for i := 0; i < 5; i++ {
		ld.Add([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("val%03d", i)))
	}
	root, _ := ld.Finish()
	if !root.IsLeaf() || len(root.Children) != 3 {
		t.Fatalf("Finish() got %s want leaf with 3 basements", root)
	}
	want := []string{"key001", "key003"}
	for i, p := range root.Pivots {
		if string(p) != want[i] {
			t.Errorf("Finish().Pivots[%d] got %s want %s", i, p, want[i])
		}
	}
	if cn := root.WhichChild(bytes.Compare, []byte("key002")); cn != 1 {
		t.Errorf("WhichChild(key002) got %d want 1", cn)
	}
}

func TestLoaderOrder(t *testing.T) {
	ld := loader.New(bytes.Compare, allocator(), loader.Options{NodeSize: 1024})
	if err := ld.Add([]byte("b"), nil); err != nil {
		t.Errorf("Add(b) failed with %s", err)
	}
	if err := ld.Add([]byte("a"), nil); err == nil {
		t.Error("Add(a) did not fail")
	}
	if err := ld.Add([]byte("b"), nil); err == nil {
		t.Error("Add(b) did not fail")
	}
}
