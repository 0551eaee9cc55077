package ft

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/leftmike/fractal/cachetable"
	"github.com/leftmike/fractal/node"
	"github.com/leftmike/fractal/testutil"
)

func randomTree(t *testing.T, te *testEnv, fname string, depth int, r *rand.Rand) *Handle {
	t.Helper()

	h := te.open(t, fname, true, Options{NodeSize: 40, BasementNodeSize: 20, Fanout: 2})
	// Each row is 20 bytes, so every leaf holds two rows.
	load(t, h, 2<<uint(depth))
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key%03d", r.Intn(4<<uint(depth))))
		switch r.Intn(4) {
		case 0:
			h.Delete(key)
		case 1:
			h.Optimize()
		default:
			h.Insert(key, []byte(fmt.Sprintf("new%d", i)))
		}
	}
	return h
}

func TestVerifyValid(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for depth := 0; depth <= 5; depth++ {
		te := newTestEnv(testutil.NewMemFS(), nil)
		fname := fmt.Sprintf("depth%d.ft", depth)
		h := randomTree(t, te, fname, depth, r)

		root, _ := h.FT().RootBlocknum()
		pn, err := h.FT().pinNode(root, cachetable.ReadLock)
		if err != nil {
			t.Fatalf("pinNode(root) failed with %s", err)
		}
		if height := pn.Node().Height; height != depth {
			t.Errorf("%s: root height got %d want %d", fname, height, depth)
		}
		te.ct.Unpin(pn, false)

		var progress []float64
		err = h.VerifyWithProgress(VerifyOptions{
			Progress: func(p float64) error {
				progress = append(progress, p)
				return nil
			},
		})
		if err != nil {
			t.Errorf("%s: VerifyWithProgress() failed with %s", fname, err)
		}
		for i := 1; i < len(progress); i++ {
			if progress[i] <= progress[i-1] {
				t.Errorf("%s: progress %v not increasing", fname, progress)
				break
			}
		}
		if len(progress) == 0 || progress[len(progress)-1] != 1.0 {
			t.Errorf("%s: progress got %v want to end at 1.0", fname, progress)
		}
		if vt := h.FT().Header().TimeOfLastVerification; !vt.Equal(testNow) {
			t.Errorf("%s: TimeOfLastVerification got %s want %s", fname, vt, testNow)
		}

		te.checkpoint(t)
		h.Close()
		te = newTestEnv(te.fs, nil)
		h = te.open(t, fname, false, Options{})
		if err := h.Verify(); err != nil {
			t.Errorf("%s: Verify() after reopen failed with %s", fname, err)
		}
		h.Close()
	}
}

func TestVerifyProgressError(t *testing.T) {
	te := newTestEnv(testutil.NewMemFS(), nil)
	h := randomTree(t, te, "a.ft", 3, rand.New(rand.NewSource(2)))

	errStop := errors.New("stop")
	var calls int
	err := h.VerifyWithProgress(VerifyOptions{
		Progress: func(p float64) error {
			calls += 1
			return errStop
		},
	})
	if err != errStop {
		t.Errorf("VerifyWithProgress() got %v want %s", err, errStop)
	}
	if calls != 1 {
		t.Errorf("VerifyWithProgress() called progress %d times want 1", calls)
	}
	if vt := h.FT().Header().TimeOfLastVerification; !vt.IsZero() {
		t.Errorf("TimeOfLastVerification got %s want zero", vt)
	}
	h.Close()
}

// faultTree returns a tree of height 2 whose root has 4 children, with pivots key007,
// key015, and key023, and messages buffered for the first two children.
func faultTree(t *testing.T, te *testEnv) *Handle {
	t.Helper()

	h := te.open(t, "a.ft", true, smallTree)
	load(t, h, 32)
	insert(t, h, "key0001", "key0002", "key0101")
	return h
}

func withNode(t *testing.T, h *Handle, path []int, fn func(n *node.Node)) {
	t.Helper()

	ft := h.FT()
	b, _ := ft.RootBlocknum()
	for {
		pn, err := ft.pinNode(b, cachetable.WriteLock)
		if err != nil {
			t.Fatalf("pinNode(%d) failed with %s", b, err)
		}
		if len(path) == 0 {
			fn(pn.Node())
			ft.cf.CacheTable().Unpin(pn, true)
			return
		}
		b = pn.Node().Children[path[0]].Blocknum
		path = path[1:]
		ft.cf.CacheTable().Unpin(pn, false)
	}
}

type fault struct {
	name  string
	path  []int
	fn    func(n *node.Node)
	child int
	msg   string
}

var faults = []fault{
	{
		name: "pivots out of order",
		fn: func(n *node.Node) {
			n.Pivots[0], n.Pivots[1] = n.Pivots[1], n.Pivots[0]
		},
		child: 0,
		msg:   "pivot is >= the next pivot",
	},
	{
		name: "message misfiled as broadcast",
		fn: func(n *node.Node) {
			mb := n.Children[0].Buffer
			mb.Broadcast = append(mb.Broadcast, mb.Fresh[0])
		},
		child: 0,
		msg:   "single key message in broadcast list",
	},
	{
		name: "messages out of order",
		fn: func(n *node.Node) {
			mb := n.Children[0].Buffer
			mb.Messages[0], mb.Messages[1] = mb.Messages[1], mb.Messages[0]
		},
		child: 0,
		msg:   "fresh messages are not sorted by key and msn",
	},
	{
		name: "message in fresh and stale",
		fn: func(n *node.Node) {
			mb := n.Children[1].Buffer
			mb.Stale = append(mb.Stale, mb.Fresh[0])
		},
		child: 1,
		msg:   "single key message must be in exactly one of fresh and stale",
	},
	{
		name: "message out of place",
		fn: func(n *node.Node) {
			mb := n.Children[1].Buffer
			mb.Messages[0].Key = []byte("key030")
		},
		child: 1,
		msg:   "a message in the buffer is out of place",
	},
	{
		name: "child msn above parent",
		path: []int{0},
		fn: func(n *node.Node) {
			n.MaxMSNAppliedOnDisk += 100
		},
		child: -1,
		msg:   "node msn must be descending down tree, newest messages at top",
	},
	{
		name: "leaf entries out of order",
		path: []int{2, 0},
		fn: func(n *node.Node) {
			bn := n.Children[0].Basement
			bn.Entries[0], bn.Entries[1] = bn.Entries[1], bn.Entries[0]
		},
		child: 1,
		msg:   "adjacent leaf entries are out of order",
	},
	{
		name: "leaf entry above upper bound",
		path: []int{3, 0},
		fn: func(n *node.Node) {
			n.Children[0].Basement.Entries[1].Key = []byte("key099")
		},
		child: 1,
		msg:   "leaf entry is > the upper-bound pivot",
	},
	{
		name: "message in neither fresh nor stale",
		fn: func(n *node.Node) {
			mb := n.Children[1].Buffer
			mb.Fresh = mb.Fresh[1:]
		},
		child: 1,
		msg:   "single key message must be in exactly one of fresh and stale",
	},
	{
		name: "broadcast message misfiled as single key",
		fn: func(n *node.Node) {
			mb := n.Children[0].Buffer
			mb.Messages[mb.Fresh[0]].Type = node.Optimize
		},
		child: 0,
		msg:   "broadcast message not found in broadcast list",
	},
}

func TestVerifyFaults(t *testing.T) {
	for _, f := range faults {
		te := newTestEnv(testutil.NewMemFS(), nil)
		h := faultTree(t, te)
		withNode(t, h, f.path, f.fn)

		err := h.Verify()
		if !errors.Is(err, ErrNeedsRepair) {
			t.Errorf("%s: Verify() got %v want %s", f.name, err, ErrNeedsRepair)
			continue
		}
		var ve *VerifyError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: Verify() error not a VerifyError: %s", f.name, err)
		}
		if len(ve.Violations) != 1 {
			t.Errorf("%s: Verify() got %d violations want 1", f.name, len(ve.Violations))
		}
		v := ve.Violations[0]
		if v.Message != f.msg || v.Child != f.child {
			t.Errorf("%s: Verify() got %s want child %d: %s", f.name, v, f.child, f.msg)
		}
		if v.File != "verify.go" || v.Line == 0 {
			t.Errorf("%s: Verify() got location %s:%d", f.name, v.File, v.Line)
		}
		if vt := h.FT().Header().TimeOfLastVerification; !vt.IsZero() {
			t.Errorf("%s: TimeOfLastVerification got %s want zero", f.name, vt)
		}
	}
}

func TestVerifyKeepGoing(t *testing.T) {
	te := newTestEnv(testutil.NewMemFS(), nil)
	h := faultTree(t, te)
	for _, f := range []fault{faults[2], faults[5], faults[6]} {
		withNode(t, h, f.path, f.fn)
	}

	var out bytes.Buffer
	err := h.VerifyWithProgress(VerifyOptions{KeepGoing: true, Output: &out})
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("VerifyWithProgress() got %v want VerifyError", err)
	}

	for _, msg := range []string{
		"fresh messages are not sorted by key and msn",
		"msn per msg must be monotonically increasing toward newer messages in buffer",
		"node msn must be descending down tree, newest messages at top",
		"adjacent leaf entries are out of order",
	} {
		found := false
		for _, v := range ve.Violations {
			if v.Message == msg {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("VerifyWithProgress() missing violation: %s", msg)
		}
		if !strings.Contains(out.String(), msg) {
			t.Errorf("VerifyWithProgress() output missing: %s", msg)
		}
	}
	if !strings.Contains(out.String(), "Looking at child") {
		t.Errorf("VerifyWithProgress() output got %s", out.String())
	}
	if got := promtest.ToFloat64(te.cfg.Metrics.VerifyFailures); got != 1 {
		t.Errorf("VerifyFailures got %v want 1", got)
	}
	h.Close()
}

func TestVerifyAllStaleIsNotPersisted(t *testing.T) {
	te := newTestEnv(testutil.NewMemFS(), nil)
	h := faultTree(t, te)
	if err := h.Verify(); err != nil {
		t.Fatalf("Verify() failed with %s", err)
	}
	withNode(t, h, nil, func(n *node.Node) {
		if len(n.Children[0].Buffer.Fresh) != 2 || len(n.Children[0].Buffer.Stale) != 0 {
			t.Errorf("Verify() changed buffer: fresh %v stale %v", n.Children[0].Buffer.Fresh,
				n.Children[0].Buffer.Stale)
		}
	})
	h.Close()
}
