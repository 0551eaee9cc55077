package txn_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/leftmike/fractal/cachetable"
	"github.com/leftmike/fractal/ft"
	"github.com/leftmike/fractal/loader"
	"github.com/leftmike/fractal/logger"
	"github.com/leftmike/fractal/testutil"
	"github.com/leftmike/fractal/txn"
)

type testEnv struct {
	ct  *cachetable.CacheTable
	cfg *ft.Config
	mgr *txn.Manager
}

func newTestEnv(lgr *logger.Logger) *testEnv {
	fs := testutil.NewMemFS()
	ct := cachetable.New(lgr,
		cachetable.Options{
			OpenFile: func(name string, flag int, perm os.FileMode) (cachetable.File, error) {
				mf, err := fs.OpenFile(name, flag, perm)
				if err != nil {
					return nil, err
				}
				return mf, nil
			},
		})
	return &testEnv{
		ct:  ct,
		cfg: &ft.Config{Metrics: ft.NewMetrics(nil)},
		mgr: txn.NewManager(ct),
	}
}

func (te *testEnv) open(t *testing.T, fname string, create bool) *ft.Handle {
	t.Helper()

	h, err := ft.Open(te.cfg, te.ct, fname, create, ft.Options{}, nil)
	if err != nil {
		t.Fatalf("Open(%s) failed with %s", fname, err)
	}
	return h
}

func (te *testEnv) isOpen(fname string) bool {
	_, err := te.ct.CacheFileByFname(fname)
	return err == nil
}

func (te *testEnv) redirect(t *testing.T, h *ft.Handle, fname string, tx *txn.Txn) error {
	t.Helper()

	te.ct.BeginMultiOperation()
	defer te.ct.EndMultiOperation()

	if tx == nil {
		return h.Redirect(fname, nil)
	}
	return h.Redirect(fname, tx)
}

func get(t *testing.T, h *ft.Handle, key string) string {
	t.Helper()

	val, err := h.Get([]byte(key))
	if err == io.EOF {
		return ""
	} else if err != nil {
		t.Fatalf("Get(%s) failed with %s", key, err)
	}
	return string(val)
}

// setup creates a.ft, with two handles returned, and b.ft, which is loaded and closed.
func setup(t *testing.T, te *testEnv) (*ft.Handle, *ft.Handle) {
	t.Helper()

	h1 := te.open(t, "a.ft", true)
	h2 := te.open(t, "a.ft", false)
	if err := h1.Insert([]byte("a"), []byte("val-a")); err != nil {
		t.Fatalf("Insert(a) failed with %s", err)
	}

	hb := te.open(t, "b.ft", true)
	err := hb.Load(func(ld *loader.Loader) error {
		for i := 0; i < 4; i++ {
			ld.Add([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("val%03d", i)))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Load() failed with %s", err)
	}
	hb.Close()
	return h1, h2
}

func TestRedirectAbort(t *testing.T) {
	te := newTestEnv(nil)
	h1, h2 := setup(t, te)
	oldFT := h1.FT()

	var redirects int
	h1.SetRedirectCallback(func(h *ft.Handle) { redirects += 1 })

	tx := te.mgr.Begin()
	aborted := false
	tx.OnAbort(func() { aborted = true })
	err := te.redirect(t, h1, "b.ft", tx)
	if err != nil {
		t.Fatalf("Redirect(b.ft) failed with %s", err)
	}

	newFT := h1.FT()
	if newFT == oldFT || h2.FT() != newFT {
		t.Fatal("Redirect(b.ft) did not move every handle")
	}
	if newFT.DictionaryID() != oldFT.DictionaryID() {
		t.Errorf("DictionaryID() got %d want %d", newFT.DictionaryID(), oldFT.DictionaryID())
	}
	if oldFT.LiveHandles() != 0 || newFT.LiveHandles() != 2 {
		t.Errorf("LiveHandles() got %d and %d want 0 and 2", oldFT.LiveHandles(),
			newFT.LiveHandles())
	}
	if got := get(t, h2, "key001"); got != "val001" {
		t.Errorf("Get(key001) got %s want val001", got)
	}
	if got := get(t, h2, "a"); got != "" {
		t.Errorf("Get(a) got %s want nothing", got)
	}
	if !te.isOpen("a.ft") {
		t.Error("a.ft closed while referenced by transaction")
	}
	if n := len(tx.Touched()); n != 2 {
		t.Errorf("Touched() got %d trees want 2", n)
	}

	err = te.redirect(t, h1, "b.ft", nil)
	if !errors.Is(err, ft.ErrInvalid) {
		t.Errorf("Redirect(b.ft) to open file got %v want %s", err, ft.ErrInvalid)
	}

	err = tx.Abort()
	if err != nil {
		t.Fatalf("Abort() failed with %s", err)
	}
	if h1.FT() != oldFT || h2.FT() != oldFT {
		t.Fatal("Abort() did not move every handle back")
	}
	if te.isOpen("b.ft") {
		t.Error("b.ft open after abort")
	}
	if got := get(t, h1, "a"); got != "val-a" {
		t.Errorf("Get(a) got %s want val-a", got)
	}
	if redirects != 2 {
		t.Errorf("redirect callback called %d times want 2", redirects)
	}
	if !aborted {
		t.Error("OnAbort() function not called")
	}
	if got := promtest.ToFloat64(te.cfg.Metrics.Redirects); got != 2 {
		t.Errorf("Redirects got %v want 2", got)
	}
	if te.mgr.Live() != 0 {
		t.Errorf("Live() got %d want 0", te.mgr.Live())
	}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Commit() after Abort() did not panic")
			}
		}()
		tx.Commit()
	}()

	h1.Close()
	h2.Close()
	if te.isOpen("a.ft") {
		t.Error("a.ft open after closing every handle")
	}
}

func TestRedirectCallback(t *testing.T) {
	te := newTestEnv(nil)
	h1, h2 := setup(t, te)

	var fnames []string
	h1.SetRedirectCallback(func(h *ft.Handle) {
		fnames = append(fnames, h.FT().CacheFile().Fname())
		h.SetRedirectCallback(nil)
	})
	done := make(chan struct{})
	go func() {
		h2.SetRedirectCallback(func(h *ft.Handle) {})
		close(done)
	}()

	tx := te.mgr.Begin()
	err := te.redirect(t, h1, "b.ft", tx)
	if err != nil {
		t.Fatalf("Redirect(b.ft) failed with %s", err)
	}
	<-done
	err = tx.Abort()
	if err != nil {
		t.Fatalf("Abort() failed with %s", err)
	}

	if len(fnames) != 1 || fnames[0] != "b.ft" {
		t.Errorf("redirect callback got %v want [b.ft]", fnames)
	}
	h1.Close()
	h2.Close()
}

func TestRedirectCommit(t *testing.T) {
	te := newTestEnv(nil)
	h1, h2 := setup(t, te)

	tx := te.mgr.Begin()
	committed := false
	tx.OnCommit(func() { committed = true })
	err := te.redirect(t, h1, "b.ft", tx)
	if err != nil {
		t.Fatalf("Redirect(b.ft) failed with %s", err)
	}
	err = tx.Commit()
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}
	if !committed {
		t.Error("OnCommit() function not called")
	}
	if te.isOpen("a.ft") {
		t.Error("a.ft open after commit")
	}
	if got := get(t, h1, "key003"); got != "val003" {
		t.Errorf("Get(key003) got %s want val003", got)
	}

	err = te.redirect(t, h1, "missing.ft", nil)
	if err == nil {
		t.Error("Redirect(missing.ft) did not fail")
	}
	h1.Close()
	h2.Close()
	if te.isOpen("b.ft") {
		t.Error("b.ft open after closing every handle")
	}
}

func TestNoteFT(t *testing.T) {
	te := newTestEnv(nil)
	h := te.open(t, "a.ft", true)
	tx := te.mgr.Begin()
	tx.NoteFT(h.FT())
	tx.NoteFT(h.FT())
	if n := h.FT().TxnReferences(); n != 1 {
		t.Errorf("TxnReferences() got %d want 1", n)
	}
	h.Close()
	if !te.isOpen("a.ft") {
		t.Error("a.ft closed while referenced by transaction")
	}
	tx.Commit()
	if te.isOpen("a.ft") {
		t.Error("a.ft open after commit")
	}
}

func TestLogging(t *testing.T) {
	err := testutil.CleanDir("testdata", []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}
	lgr, err := logger.Open(filepath.Join("testdata", "log.wal"), false)
	if err != nil {
		t.Fatalf("logger.Open() failed with %s", err)
	}
	defer lgr.Close()

	te := newTestEnv(lgr)
	h1, h2 := setup(t, te)
	tx := te.mgr.Begin()
	err = te.redirect(t, h1, "b.ft", tx)
	if err != nil {
		t.Fatalf("Redirect(b.ft) failed with %s", err)
	}
	err = tx.MaybeLogBegin()
	if err != nil {
		t.Fatalf("MaybeLogBegin() failed with %s", err)
	}
	err = tx.Abort()
	if err != nil {
		t.Fatalf("Abort() failed with %s", err)
	}
	err = te.ct.Checkpoint(context.Background())
	if err != nil {
		t.Fatalf("Checkpoint() failed with %s", err)
	}

	var got []logger.RecordType
	err = lgr.ReadLog(func(rec logger.Record) error {
		if rec.TXNID == tx.ID() || rec.Type == logger.BeginCheckpointRecord {
			got = append(got, rec.Type)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadLog() failed with %s", err)
	}
	want := []logger.RecordType{
		logger.XBeginRecord,
		logger.DictRedirectRecord,
		logger.XAbortRecord,
		logger.BeginCheckpointRecord,
	}
	if !testutil.DeepEqual(got, want) {
		t.Errorf("ReadLog() got %v want %v", got, want)
	}
	h1.Close()
	h2.Close()
}
