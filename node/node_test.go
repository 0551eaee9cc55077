package node_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/node"
	"github.com/leftmike/fractal/testutil"
)

func keys(n *node.Node) []string {
	var ks []string
	for _, c := range n.Children {
		for _, e := range c.Basement.Entries {
			ks = append(ks, string(e.Key))
		}
	}
	return ks
}

func TestWhichChild(t *testing.T) {
	n := node.NewInternal(10, 0, 1, 1, [][]byte{[]byte("d"), []byte("m")},
		[]fttypes.Blocknum{11, 12, 13})

	cases := []struct {
		key   string
		child int
	}{
		{"a", 0},
		{"d", 0},
		{"e", 1},
		{"m", 1},
		{"n", 2},
		{"z", 2},
	}

	for _, c := range cases {
		child := n.WhichChild(bytes.Compare, []byte(c.key))
		if child != c.child {
			t.Errorf("WhichChild(%s) got %d want %d", c.key, child, c.child)
		}
	}
}

func TestApplyLeaf(t *testing.T) {
	n := node.NewLeaf(3, 0, 1)
	upd := func(key, old, extra []byte) ([]byte, bool) {
		if bytes.Equal(extra, []byte("drop")) {
			return nil, false
		}
		return append(append([]byte(nil), old...), extra...), true
	}

	msn := fttypes.MinMSN
	apply := func(mt node.MessageType, key, val string) {
		msn += 1
		n.Apply(bytes.Compare, upd, node.Message{Type: mt, MSN: msn, Key: []byte(key),
			Val: []byte(val)})
	}

	apply(node.Insert, "c", "3")
	apply(node.Insert, "a", "1")
	apply(node.Insert, "b", "2")
	apply(node.InsertNoOverwrite, "b", "two")
	apply(node.Delete, "c", "")
	apply(node.Update, "a", "+")
	apply(node.Update, "z", "new")

	if got, want := keys(n), []string{"a", "b", "z"}; !testutil.DeepEqual(got, want) {
		t.Errorf("leaf keys got %v want %v", got, want)
	}
	entries := n.Children[0].Basement.Entries
	if string(entries[0].Val) != "1+" || string(entries[1].Val) != "2" {
		t.Errorf("leaf values got %q, %q want %q, %q", entries[0].Val, entries[1].Val, "1+",
			"2")
	}

	apply(node.UpdateBroadcastAll, "", "drop")
	if len(n.Children[0].Basement.Entries) != 0 {
		t.Errorf("leaf entries got %d want 0", len(n.Children[0].Basement.Entries))
	}
	if n.MaxMSNAppliedOnDisk != msn || n.Children[0].Basement.MaxMSNApplied != msn {
		t.Errorf("MaxMSNAppliedOnDisk got %d want %d", n.MaxMSNAppliedOnDisk, msn)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Apply() did not panic on old msn")
		}
	}()
	n.Apply(bytes.Compare, upd, node.Message{Type: node.Insert, MSN: msn, Key: []byte("a")})
}

func TestApplyInternal(t *testing.T) {
	n := node.NewInternal(10, 0, 1, 1, [][]byte{[]byte("m")}, []fttypes.Blocknum{11, 12})

	msgs := []node.Message{
		{Type: node.Insert, MSN: 5, Key: []byte("x")},
		{Type: node.Insert, MSN: 6, Key: []byte("b")},
		{Type: node.Optimize, MSN: 7},
		{Type: node.Delete, MSN: 8, Key: []byte("a")},
		{Type: node.Insert, MSN: 9, Key: []byte("b")},
	}
	for _, msg := range msgs {
		n.Apply(bytes.Compare, nil, msg)
	}

	mb := n.Children[0].Buffer
	if mb.Len() != 4 || n.Children[1].Buffer.Len() != 2 {
		t.Errorf("buffer lengths got %d, %d want 4, 2", mb.Len(), n.Children[1].Buffer.Len())
	}
	if !testutil.DeepEqual(mb.Broadcast, []int{1}) {
		t.Errorf("Broadcast got %v want [1]", mb.Broadcast)
	}
	// (key, msn) order: a/8, b/6, b/9
	if !testutil.DeepEqual(mb.Fresh, []int{2, 0, 3}) {
		t.Errorf("Fresh got %v want [2 0 3]", mb.Fresh)
	}
	if len(mb.Stale) != 0 {
		t.Errorf("Stale got %v want []", mb.Stale)
	}

	stale := mb.AllStale(bytes.Compare)
	if !testutil.DeepEqual(stale.Stale, []int{2, 0, 3}) || len(stale.Fresh) != 0 {
		t.Errorf("AllStale() got fresh %v stale %v", stale.Fresh, stale.Stale)
	}
	if len(mb.Fresh) != 3 {
		t.Errorf("AllStale() changed buffer: fresh %v", mb.Fresh)
	}
	if n.NumEntries() != 6 {
		t.Errorf("NumEntries() got %d want 6", n.NumEntries())
	}
}

func TestCodec(t *testing.T) {
	leaf := node.NewLeaf(3, 77, 29)
	for i, k := range []string{"apple", "banana", "cherry"} {
		leaf.Apply(bytes.Compare, nil, node.Message{Type: node.Insert,
			MSN: fttypes.MinMSN + fttypes.MSN(i), Key: []byte(k), Val: bytes.Repeat([]byte(k), 20)})
	}

	internal := node.NewInternal(4, 88, 29, 2, [][]byte{[]byte("k")},
		[]fttypes.Blocknum{5, 6})
	internal.Apply(bytes.Compare, nil, node.Message{Type: node.Insert, MSN: 100,
		Key: []byte("a"), Val: []byte("1")})
	internal.Apply(bytes.Compare, nil, node.Message{Type: node.Optimize, MSN: 101})
	internal.Children[1].Buffer.MarkAllStale(bytes.Compare)

	for _, cm := range []fttypes.CompressionMethod{fttypes.NoCompression,
		fttypes.SnappyCompression, fttypes.ZlibCompression} {

		for _, n := range []*node.Node{leaf, internal} {
			buf, err := n.Encode(cm)
			if err != nil {
				t.Fatalf("Encode(%s) failed with %s", cm, err)
			}
			got, err := node.Decode(n.Blocknum, n.FullHash, buf)
			if err != nil {
				t.Fatalf("Decode(%s) failed with %s", cm, err)
			}
			want := n.Clone()
			want.Dirty = false
			if !testutil.DeepEqual(got, want) {
				t.Errorf("Decode(Encode(%s)) got %+v want %+v", cm, got, want)
			}
		}
	}

	buf, err := leaf.Encode(fttypes.SnappyCompression)
	if err != nil {
		t.Fatalf("Encode() failed with %s", err)
	}
	buf[len(buf)/2] ^= 0x40
	_, err = node.Decode(leaf.Blocknum, leaf.FullHash, buf)
	if !errors.Is(err, node.ErrBadChecksum) {
		t.Errorf("Decode() of corrupt block got %v want %s", err, node.ErrBadChecksum)
	}
}

func TestFullyInMemory(t *testing.T) {
	n := node.NewInternal(4, 0, 29, 1, nil, []fttypes.Blocknum{5})
	if !n.FullyInMemory() {
		t.Errorf("FullyInMemory() got false want true")
	}
	n.Children[0].State = node.Compressed
	if n.FullyInMemory() {
		t.Errorf("FullyInMemory() got true want false")
	}
}
