package ft

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fractal/cachetable"
	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/node"
)

type VerifyOptions struct {
	// KeepGoing reports every violation, to Output, instead of stopping at the first.
	KeepGoing bool
	Verbose   bool
	// Progress is called with the fraction of the tree verified so far; an error stops
	// the verification and is returned.
	Progress func(progress float64) error
	Output   io.Writer
}

// Violation is a broken invariant of a node. Child is the index of the child, message,
// or leaf entry which broke it, or -1 for the node as a whole.
type Violation struct {
	Blocknum fttypes.Blocknum
	Height   int
	Child    int
	Message  string
	File     string
	Line     int
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d: Looking at child %d of block %d: %s", v.File, v.Line, v.Child,
		v.Blocknum, v.Message)
}

// VerifyError is returned when a tree needs repair; it matches ErrNeedsRepair.
type VerifyError struct {
	Violations []Violation
}

func (ve *VerifyError) Error() string {
	return fmt.Sprintf("ft: needs repair: %d violations; first: %s", len(ve.Violations),
		ve.Violations[0])
}

func (ve *VerifyError) Is(target error) bool {
	return target == ErrNeedsRepair
}

type verifier struct {
	t          *FT
	cmp        node.Compare
	opts       VerifyOptions
	rootMSN    fttypes.MSN
	violations []Violation
	err        error
}

type bounds struct {
	lo, hi []byte
}

func (v *verifier) stopped() bool {
	return v.err != nil || (len(v.violations) > 0 && !v.opts.KeepGoing)
}

// violation records a violation and returns true if verification should stop.
func (v *verifier) violation(b fttypes.Blocknum, height, child int, msg string) bool {
	_, file, line, _ := runtime.Caller(1)
	viol := Violation{
		Blocknum: b,
		Height:   height,
		Child:    child,
		Message:  msg,
		File:     filepath.Base(file),
		Line:     line,
	}
	for _, prev := range v.violations {
		if prev.Blocknum == b && prev.Child == child && prev.Message == msg {
			return !v.opts.KeepGoing
		}
	}
	v.violations = append(v.violations, viol)
	if v.opts.KeepGoing {
		fmt.Fprintln(v.opts.Output, viol)
	}
	return !v.opts.KeepGoing
}

func (v *verifier) compareMessages(m1, m2 node.Message) int {
	c := v.cmp(m1.Key, m2.Key)
	if c != 0 {
		return c
	}
	if m1.MSN < m2.MSN {
		return -1
	} else if m1.MSN > m2.MSN {
		return 1
	}
	return 0
}

func validIndexes(mb *node.MessageBuffer, idxs []int) bool {
	for _, idx := range idxs {
		if idx < 0 || idx >= len(mb.Messages) {
			return false
		}
	}
	return true
}

func (v *verifier) sortedByKeyMSN(mb *node.MessageBuffer, idxs []int) bool {
	if !validIndexes(mb, idxs) {
		return false
	}
	for i := 1; i < len(idxs); i++ {
		if v.compareMessages(mb.Messages[idxs[i-1]], mb.Messages[idxs[i]]) >= 0 {
			return false
		}
	}
	return true
}

func countIndexes(counts []int, idxs []int) {
	for _, idx := range idxs {
		if idx >= 0 && idx < len(counts) {
			counts[idx] += 1
		}
	}
}

// checkBuffer checks the messages buffered for child i of n; bnds are the key bounds of
// the child.
func (v *verifier) checkBuffer(n *node.Node, i int, mb *node.MessageBuffer, bnds bounds,
	allStale bool) bool {

	b, h := n.Blocknum, n.Height
	if !v.sortedByKeyMSN(mb, mb.Fresh) {
		if v.violation(b, h, i, "fresh messages are not sorted by key and msn") {
			return true
		}
	}
	if !v.sortedByKeyMSN(mb, mb.Stale) {
		if v.violation(b, h, i, "stale messages are not sorted by key and msn") {
			return true
		}
	}
	if !validIndexes(mb, mb.Broadcast) {
		if v.violation(b, h, i, "broadcast list refers to a missing message") {
			return true
		}
	}

	fresh := make([]int, len(mb.Messages))
	countIndexes(fresh, mb.Fresh)
	stale := make([]int, len(mb.Messages))
	countIndexes(stale, mb.Stale)
	broadcast := make([]int, len(mb.Messages))
	countIndexes(broadcast, mb.Broadcast)

	lastMSN := fttypes.ZeroMSN
	for j, msg := range mb.Messages {
		if !msg.Type.Valid() {
			if v.violation(b, h, i, "unrecognized message type") {
				return true
			}
			continue
		}
		if msg.Type.AppliesOnce() &&
			((bnds.lo != nil && v.cmp(bnds.lo, msg.Key) >= 0) ||
				(bnds.hi != nil && v.cmp(bnds.hi, msg.Key) < 0)) {
			if v.violation(b, h, i, "a message in the buffer is out of place") {
				return true
			}
		}
		if msg.MSN <= lastMSN {
			if v.violation(b, h, i,
				"msn per msg must be monotonically increasing toward newer messages in buffer") {
				return true
			}
		}
		if msg.MSN > n.MaxMSNAppliedOnDisk {
			if v.violation(b, h, i,
				"all messages must have msn within limit of this node's max msn") {
				return true
			}
		}

		if msg.Type.AppliesOnce() {
			if fresh[j]+stale[j] != 1 {
				if v.violation(b, h, i,
					"single key message must be in exactly one of fresh and stale") {
					return true
				}
			}
			if broadcast[j] > 0 {
				if v.violation(b, h, i, "single key message in broadcast list") {
					return true
				}
			}
		} else if msg.Type.AppliesAll() {
			if broadcast[j] != 1 {
				if v.violation(b, h, i, "broadcast message not found in broadcast list") {
					return true
				}
			}
			if fresh[j]+stale[j] > 0 {
				if v.violation(b, h, i, "broadcast message in fresh or stale messages") {
					return true
				}
			}
		}
		lastMSN = msg.MSN
	}

	if allStale && len(mb.Fresh) > 0 {
		if v.violation(b, h, i, "fresh messages should have been moved to stale") {
			return true
		}
	}
	return false
}

func (v *verifier) checkBasement(n *node.Node, i int, bn *node.Basement, bnds bounds) bool {
	b, h := n.Blocknum, n.Height
	if len(bn.Entries) > 0 && v.rootMSN < n.MaxMSNAppliedOnDisk {
		if v.violation(b, h, -1,
			"leaf may have latest msn, but cannot be greater than root msn") {
			return true
		}
	}
	for j, e := range bn.Entries {
		if bnds.lo != nil && v.cmp(bnds.lo, e.Key) >= 0 {
			if v.violation(b, h, j, "leaf entry is <= the lower-bound pivot") {
				return true
			}
		}
		if bnds.hi != nil && v.cmp(bnds.hi, e.Key) < 0 {
			if v.violation(b, h, j, "leaf entry is > the upper-bound pivot") {
				return true
			}
		}
		if j > 0 && v.cmp(bn.Entries[j-1].Key, e.Key) >= 0 {
			if v.violation(b, h, j, "adjacent leaf entries are out of order") {
				return true
			}
		}
	}
	return false
}

func childBounds(n *node.Node, i int, bnds bounds) bounds {
	cb := bnds
	if i > 0 {
		cb.lo = n.Pivots[i-1]
	}
	if i < len(n.Pivots) {
		cb.hi = n.Pivots[i]
	}
	return cb
}

// checkNode checks the invariants of n; it returns true if verification should stop.
// With allStale, the buffers of n are checked as if every fresh message were stale.
func (v *verifier) checkNode(n *node.Node, height int, parentMSN fttypes.MSN,
	messagesAbove bool, bnds bounds, allStale bool) bool {

	b, h := n.Blocknum, n.Height
	if height >= 0 && n.Height != height {
		if v.violation(b, h, -1, "node height does not match its parent") {
			return true
		}
	}
	if !n.FullyInMemory() {
		if v.violation(b, h, -1, "node is not fully in memory") {
			return true
		}
		return false
	}
	if len(n.Pivots)+1 != len(n.Children) {
		if v.violation(b, h, -1, "number of pivots does not match number of children") {
			return true
		}
		return false
	}
	if messagesAbove && parentMSN < n.MaxMSNAppliedOnDisk {
		if v.violation(b, h, -1,
			"node msn must be descending down tree, newest messages at top") {
			return true
		}
	}

	for i := 0; i < len(n.Pivots)-1; i++ {
		if v.cmp(n.Pivots[i], n.Pivots[i+1]) >= 0 {
			if v.violation(b, h, i, "pivot is >= the next pivot") {
				return true
			}
		}
	}
	for i, p := range n.Pivots {
		if bnds.lo != nil && v.cmp(bnds.lo, p) >= 0 {
			if v.violation(b, h, i, "pivot is <= the lower-bound pivot") {
				return true
			}
		}
		if bnds.hi != nil && v.cmp(bnds.hi, p) < 0 {
			if v.violation(b, h, i, "pivot is > the upper-bound pivot") {
				return true
			}
		}
	}

	for i, c := range n.Children {
		cb := childBounds(n, i, bnds)
		if n.IsLeaf() {
			if v.checkBasement(n, i, c.Basement, cb) {
				return true
			}
			continue
		}

		mb := c.Buffer
		if allStale {
			if !validIndexes(mb, mb.Fresh) || !validIndexes(mb, mb.Stale) {
				continue
			}
			mb = mb.AllStale(v.cmp)
		}
		if v.checkBuffer(n, i, mb, cb, allStale) {
			return true
		}
	}
	return false
}

type childInfo struct {
	blocknum fttypes.Blocknum
	messages bool
	bnds     bounds
}

// verifyNode verifies the subtree rooted at b, which covers the fraction lo to hi of the
// tree. A height of -1 means the height of b is not known.
func (v *verifier) verifyNode(b fttypes.Blocknum, height int, parentMSN fttypes.MSN,
	messagesAbove bool, bnds bounds, lo, hi float64) {

	ct := v.t.cf.CacheTable()
	pn, err := v.t.pinNode(b, cachetable.ReadLock)
	if err != nil {
		v.violation(b, height, -1, fmt.Sprintf("node can not be read: %s", err))
		return
	}

	n := pn.Node()
	if v.opts.Verbose {
		fmt.Fprintf(v.opts.Output, "block %d: height %d, %d children, msn %d\n", b, n.Height,
			len(n.Children), n.MaxMSNAppliedOnDisk)
	}

	stop := v.checkNode(n, height, parentMSN, messagesAbove, bnds, false)
	if !stop && !n.IsLeaf() {
		stop = v.checkNode(n, height, parentMSN, messagesAbove, bnds, true)
	}

	var children []childInfo
	if !n.IsLeaf() && len(n.Pivots)+1 == len(n.Children) {
		for i, c := range n.Children {
			children = append(children,
				childInfo{
					blocknum: c.Blocknum,
					messages: c.Buffer != nil && c.Buffer.Len() > 0,
					bnds:     childBounds(n, i, bnds),
				})
		}
	}
	msn := n.MaxMSNAppliedOnDisk
	childHeight := n.Height - 1
	ct.Unpin(pn, false)
	if stop {
		return
	}

	width := (hi - lo) / float64(len(children)+1)
	for i, c := range children {
		pmsn := parentMSN
		if c.messages {
			pmsn = msn
		}
		clo := lo + float64(i)*width
		v.verifyNode(c.blocknum, childHeight, pmsn, messagesAbove || c.messages, c.bnds, clo,
			clo+width)
		if v.stopped() {
			return
		}
	}

	if len(v.violations) == 0 && v.opts.Progress != nil {
		v.err = v.opts.Progress(hi)
	}
}

// Verify checks the invariants of every node of the tree; ErrNeedsRepair is returned if
// any do not hold.
func (h *Handle) Verify() error {
	return h.VerifyWithProgress(VerifyOptions{})
}

func (h *Handle) VerifyWithProgress(opts VerifyOptions) error {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	t := h.FT()
	v := &verifier{
		t:    t,
		cmp:  t.cmp(),
		opts: opts,
	}

	pn, err := t.pinRoot(cachetable.ReadLock)
	if err != nil {
		return err
	}
	root := pn.Blocknum()
	v.rootMSN = pn.Node().MaxMSNAppliedOnDisk
	t.cf.CacheTable().Unpin(pn, false)

	v.verifyNode(root, -1, v.rootMSN, false, bounds{}, 0.0, 1.0)
	if v.err != nil {
		return v.err
	}

	failed := len(v.violations) > 0
	t.cfg.Metrics.verified(failed)
	if failed {
		log.WithFields(log.Fields{
			"fname":      t.cf.Fname(),
			"violations": len(v.violations),
		}).Warn("tree needs repair")
		return &VerifyError{Violations: v.violations}
	}

	now := t.cfg.now()
	t.mutex.Lock()
	t.h.TimeOfLastVerification = now
	t.h.Dirty = true
	t.mutex.Unlock()
	return nil
}
