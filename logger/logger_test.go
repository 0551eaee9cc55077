package logger_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/logger"
	"github.com/leftmike/fractal/testutil"
)

func openLogger(t *testing.T, name string) (*logger.Logger, string) {
	t.Helper()

	err := testutil.CleanDir("testdata", []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}
	fname := filepath.Join("testdata", name)
	lgr, err := logger.Open(fname, false)
	if err != nil {
		t.Fatalf("Open(%s) failed with %s", fname, err)
	}
	return lgr, fname
}

func TestLogger(t *testing.T) {
	lgr, fname := openLogger(t, "log.wal")

	type logFn func() (fttypes.LSN, error)
	steps := []logFn{
		func() (fttypes.LSN, error) { return lgr.LogFassociate(1, "first.ft") },
		func() (fttypes.LSN, error) { return lgr.LogXBegin(100) },
		func() (fttypes.LSN, error) { return lgr.LogDictRedirect(100, 1, 2) },
		func() (fttypes.LSN, error) { return lgr.LogXCommit(100) },
		func() (fttypes.LSN, error) { return lgr.LogBeginCheckpoint() },
		func() (fttypes.LSN, error) { return lgr.LogEndCheckpoint(5) },
		func() (fttypes.LSN, error) { return lgr.LogFclose(1, "first.ft", true) },
		func() (fttypes.LSN, error) { return lgr.LogXAbort(101) },
	}
	for i, step := range steps {
		lsn, err := step()
		if err != nil {
			t.Fatalf("step %d failed with %s", i, err)
		}
		if lsn != fttypes.LSN(i+1) {
			t.Errorf("step %d got lsn %d want %d", i, lsn, i+1)
		}
	}
	if lgr.Fsyncs() != 1 {
		t.Errorf("Fsyncs() got %d want 1", lgr.Fsyncs())
	}

	want := []logger.Record{
		{Type: logger.FassociateRecord, LSN: 1, FileNum: 1, Fname: "first.ft"},
		{Type: logger.XBeginRecord, LSN: 2, TXNID: 100},
		{Type: logger.DictRedirectRecord, LSN: 3, TXNID: 100, OldFileNum: 1, NewFileNum: 2},
		{Type: logger.XCommitRecord, LSN: 4, TXNID: 100},
		{Type: logger.BeginCheckpointRecord, LSN: 5},
		{Type: logger.EndCheckpointRecord, LSN: 6, CheckpointLSN: 5},
		{Type: logger.FcloseRecord, LSN: 7, FileNum: 1, Fname: "first.ft"},
		{Type: logger.XAbortRecord, LSN: 8, TXNID: 101},
	}

	var got []logger.Record
	err := lgr.ReadLog(
		func(rec logger.Record) error {
			got = append(got, rec)
			return nil
		})
	if err != nil {
		t.Fatalf("ReadLog() failed with %s", err)
	}
	if !testutil.DeepEqual(got, want) {
		t.Errorf("ReadLog() got %v want %v", got, want)
	}

	err = lgr.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	lgr, err = logger.Open(fname, false)
	if err != nil {
		t.Fatalf("Open(%s) failed with %s", fname, err)
	}
	if lgr.LastLSN() != 8 {
		t.Errorf("LastLSN() got %d want 8", lgr.LastLSN())
	}
	lsn, err := lgr.LogXBegin(102)
	if err != nil {
		t.Fatalf("LogXBegin() failed with %s", err)
	} else if lsn != 9 {
		t.Errorf("LogXBegin() got lsn %d want 9", lsn)
	}
	lgr.Close()
}

func TestFsyncIfLSNNotFsynced(t *testing.T) {
	lgr, _ := openLogger(t, "fsync.wal")
	defer lgr.Close()

	lsn1, _ := lgr.LogXBegin(1)
	lsn2, _ := lgr.LogXBegin(2)

	cases := []struct {
		lsn    fttypes.LSN
		fsyncs int
	}{
		{lsn1, 1},
		{lsn1, 1},
		{lsn2, 1},
		{0, 1},
	}

	for _, c := range cases {
		err := lgr.FsyncIfLSNNotFsynced(c.lsn)
		if err != nil {
			t.Errorf("FsyncIfLSNNotFsynced(%d) failed with %s", c.lsn, err)
		}
		if lgr.Fsyncs() != c.fsyncs {
			t.Errorf("FsyncIfLSNNotFsynced(%d) got %d fsyncs want %d", c.lsn, lgr.Fsyncs(),
				c.fsyncs)
		}
	}

	lsn3, _ := lgr.LogXCommit(2)
	lgr.FsyncIfLSNNotFsynced(lsn3)
	if lgr.Fsyncs() != 2 {
		t.Errorf("Fsyncs() got %d want 2", lgr.Fsyncs())
	}
}

func TestTruncatedLog(t *testing.T) {
	lgr, fname := openLogger(t, "truncated.wal")
	lgr.LogXBegin(1)
	lgr.LogXCommit(1)
	lgr.Close()

	fi, err := os.Stat(fname)
	if err != nil {
		t.Fatal(err)
	}
	err = os.Truncate(fname, fi.Size()-3)
	if err != nil {
		t.Fatal(err)
	}

	lgr, err = logger.Open(fname, false)
	if err != nil {
		t.Fatalf("Open(%s) failed with %s", fname, err)
	}
	defer lgr.Close()
	if lgr.LastLSN() != 1 {
		t.Errorf("LastLSN() got %d want 1", lgr.LastLSN())
	}
	lsn, err := lgr.LogXAbort(2)
	if err != nil {
		t.Fatalf("LogXAbort() failed with %s", err)
	}

	var got []fttypes.LSN
	lgr.ReadLog(
		func(rec logger.Record) error {
			got = append(got, rec.LSN)
			return nil
		})
	if !testutil.DeepEqual(got, []fttypes.LSN{1, lsn}) {
		t.Errorf("ReadLog() got %v want [1 %d]", got, lsn)
	}
}
