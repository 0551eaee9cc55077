// Package env is a directory of dictionaries, each a fractal tree in a file of its own,
// sharing a cachetable, a write ahead log, a catalog, and a transaction manager.
package env

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dolthub/fslock"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fractal/cachetable"
	"github.com/leftmike/fractal/catalog"
	"github.com/leftmike/fractal/flags"
	"github.com/leftmike/fractal/ft"
	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/loader"
	"github.com/leftmike/fractal/logger"
	"github.com/leftmike/fractal/txn"
)

const (
	lockFile = "LOCK"
	walFile  = "fractal.wal"
)

var (
	ErrLocked = errors.New("env: directory is locked by another process")
)

type Options struct {
	Dir     string
	Catalog string
	Flags   flags.Flags
	// Logger is passed to the catalog; nil means the standard logger.
	Logger     *log.Logger
	Now        func() time.Time
	Fatal      func(format string, args ...interface{})
	Registerer prometheus.Registerer
}

// TreeOptions are the tuning of a newly created dictionary.
type TreeOptions struct {
	NodeSize          uint32
	BasementNodeSize  uint32
	Fanout            uint32
	CompressionMethod fttypes.CompressionMethod
}

func DefaultTreeOptions() TreeOptions {
	return TreeOptions{
		NodeSize:          4 * 1024 * 1024,
		BasementNodeSize:  128 * 1024,
		Fanout:            16,
		CompressionMethod: fttypes.SnappyCompression,
	}
}

type Env struct {
	dir   string
	flgs  flags.Flags
	lock  *fslock.Lock
	lgr   *logger.Logger
	ct    *cachetable.CacheTable
	cat   *catalog.Catalog
	mgr   *txn.Manager
	cfg   *ft.Config
	reg   prometheus.Registerer
	stats []prometheus.Collector
}

// Open opens the env in opts.Dir, creating the directory if necessary; only one
// process at a time may have an env open.
func Open(opts Options) (*Env, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Catalog == "" {
		opts.Catalog = catalog.BBolt
	}
	if opts.Flags == nil {
		opts.Flags = flags.Default()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	err := os.MkdirAll(opts.Dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}

	lock := fslock.New(filepath.Join(opts.Dir, lockFile))
	err = lock.TryLock()
	if err == fslock.ErrLocked {
		return nil, fmt.Errorf("env: %s: %w", opts.Dir, ErrLocked)
	} else if err != nil {
		return nil, fmt.Errorf("env: %s: %w", opts.Dir, err)
	}

	fsync := opts.Flags.GetFlag(flags.Fsync)
	lgr, err := logger.Open(filepath.Join(opts.Dir, walFile), fsync)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	cat, err := catalog.Open(opts.Catalog, opts.Dir, fsync, opts.Logger)
	if err != nil {
		lgr.Close()
		lock.Unlock()
		return nil, err
	}

	ct := cachetable.New(lgr,
		cachetable.Options{
			Dir:   opts.Dir,
			Fsync: fsync,
		})
	e := &Env{
		dir:  opts.Dir,
		flgs: opts.Flags,
		lock: lock,
		lgr:  lgr,
		ct:   ct,
		cat:  cat,
		mgr:  txn.NewManager(ct),
		cfg: &ft.Config{
			Metrics: ft.NewMetrics(opts.Registerer),
			Now:     opts.Now,
			Fatal:   opts.Fatal,
		},
		reg: opts.Registerer,
	}
	e.registerStats()

	log.WithFields(log.Fields{
		"dir":     opts.Dir,
		"catalog": opts.Catalog,
		"fsync":   fsync,
	}).Info("env opened")
	return e, nil
}

func (e *Env) registerStats() {
	counters := []struct {
		name string
		help string
		fn   func(st cachetable.Stats) int64
	}{
		{"fractal_cachetable_fetches_total", "Nodes read into the cachetable.",
			func(st cachetable.Stats) int64 { return st.Fetches }},
		{"fractal_cachetable_flushes_total", "Nodes written from the cachetable.",
			func(st cachetable.Stats) int64 { return st.Flushes }},
		{"fractal_cachetable_evictions_total", "Files closed by the cachetable.",
			func(st cachetable.Stats) int64 { return st.Evictions }},
		{"fractal_checkpoints_total", "Checkpoints taken.",
			func(st cachetable.Stats) int64 { return st.Checkpoints }},
	}

	for _, c := range counters {
		fn := c.fn
		cf := prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: c.name,
				Help: c.help,
			},
			func() float64 {
				return float64(fn(e.ct.Stats()))
			})
		err := e.reg.Register(cf)
		if err != nil {
			log.WithField("counter", c.name).WithError(err).Warn("counter not registered")
			continue
		}
		e.stats = append(e.stats, cf)
	}
}

func (e *Env) Dir() string {
	return e.dir
}

func (e *Env) Flags() flags.Flags {
	return e.flgs
}

func (e *Env) CacheTable() *cachetable.CacheTable {
	return e.ct
}

func (e *Env) Logger() *logger.Logger {
	return e.lgr
}

func (e *Env) Metrics() *ft.Metrics {
	return e.cfg.Metrics
}

func (e *Env) TxnManager() *txn.Manager {
	return e.mgr
}

func (e *Env) List() ([]catalog.Entry, error) {
	return e.cat.List()
}

func (e *Env) open(iname string, create bool, opts ft.Options) (*ft.Handle, error) {
	h, err := ft.Open(e.cfg, e.ct, iname, create, opts, nil)
	if err != nil {
		return nil, err
	}
	if !e.flgs.GetFlag(flags.LogClose) {
		h.FT().CacheFile().SetSkipLogRecoverOnClose()
	}
	return h, nil
}

// Create adds dname to the catalog and creates the file which backs it.
func (e *Env) Create(dname string, topts TreeOptions) (*ft.Handle, error) {
	iname, err := e.cat.Create(dname)
	if err != nil {
		return nil, err
	}

	h, err := e.open(iname, true,
		ft.Options{
			NodeSize:          topts.NodeSize,
			BasementNodeSize:  topts.BasementNodeSize,
			Fanout:            topts.Fanout,
			CompressionMethod: topts.CompressionMethod,
		})
	if err != nil {
		e.cat.Remove(dname)
		return nil, err
	}

	log.WithFields(log.Fields{
		"dname": dname,
		"iname": iname,
	}).Info("dictionary created")
	return h, nil
}

// OpenDictionary returns a new handle on dname.
func (e *Env) OpenDictionary(dname string) (*ft.Handle, error) {
	iname, err := e.cat.Lookup(dname)
	if err != nil {
		return nil, err
	}
	return e.open(iname, false, ft.Options{})
}

// Remove drops dname from the catalog and removes its file; dname must not be open.
func (e *Env) Remove(dname string) error {
	iname, err := e.cat.Lookup(dname)
	if err != nil {
		return err
	}
	if _, err := e.ct.CacheFileByFname(iname); err == nil {
		return fmt.Errorf("env: %s: %w: dictionary is open", dname, ft.ErrInvalid)
	}

	_, err = e.cat.Remove(dname)
	if err != nil {
		return err
	}
	return e.removeFile(iname)
}

func (e *Env) removeFile(iname string) error {
	err := os.Remove(filepath.Join(e.dir, iname))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("env: %w", err)
	}
	return nil
}

// Redirect replaces the contents of dname with a new file, filled by fill when fill is
// not nil, inside a transaction. Every open handle on dname is moved to the new file.
// If abort is true, the transaction is aborted, the handles are moved back, and the new
// file is removed; otherwise the catalog is rebound to the new file and the old file is
// removed once it is no longer open.
func (e *Env) Redirect(dname string, fill func(ld *loader.Loader) error, abort bool) error {
	h, err := e.OpenDictionary(dname)
	if err != nil {
		return err
	}
	defer h.Close()

	newIname, err := e.cat.NewIname(dname)
	if err != nil {
		return err
	}

	oldFT := h.FT()
	nh, err := e.open(newIname, true,
		ft.Options{
			NodeSize:          oldFT.NodeSize(),
			BasementNodeSize:  oldFT.BasementNodeSize(),
			Fanout:            oldFT.Fanout(),
			CompressionMethod: oldFT.CompressionMethod(),
			Descriptor:        oldFT.Descriptor(),
		})
	if err != nil {
		return err
	}
	if fill != nil {
		err = nh.Load(fill)
	}
	nh.Close()
	if err != nil {
		e.removeFile(newIname)
		return err
	}

	tx := e.mgr.Begin()
	e.ct.BeginMultiOperation()
	err = h.Redirect(newIname, tx)
	e.ct.EndMultiOperation()

	if err != nil || abort {
		tx.OnAbort(func() {
			e.removeFile(newIname)
		})
		aerr := tx.Abort()
		if err == nil {
			err = aerr
		}
		return err
	}

	oldIname, err := e.cat.Rebind(dname, newIname)
	if err != nil {
		tx.Abort()
		return err
	}
	oldFT.CacheFile().SetSkipLogRecoverOnClose()
	tx.OnCommit(func() {
		// Otherwise RemoveOrphans removes it.
		if _, err := e.ct.CacheFileByFname(oldIname); err != nil {
			e.removeFile(oldIname)
		}
	})
	err = tx.Commit()
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"dname": dname,
		"from":  oldIname,
		"to":    newIname,
	}).Info("dictionary redirected")
	return nil
}

// Load replaces the contents of dname with the rows added by fn.
func (e *Env) Load(dname string, fn func(ld *loader.Loader) error) error {
	return e.Redirect(dname, fn, false)
}

// Truncate replaces the contents of dname with an empty tree.
func (e *Env) Truncate(dname string) error {
	return e.Redirect(dname, nil, false)
}

func (e *Env) Checkpoint(ctx context.Context) error {
	return e.ct.Checkpoint(ctx)
}

// RemoveOrphans removes the files in the directory which look like dictionary files but
// are not in the catalog and are not open.
func (e *Env) RemoveOrphans() ([]string, error) {
	entries, err := e.cat.List()
	if err != nil {
		return nil, err
	}
	inames := map[string]struct{}{}
	for _, ent := range entries {
		inames[ent.Iname] = struct{}{}
	}

	matches, err := filepath.Glob(filepath.Join(e.dir, "*.ft"))
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, m := range matches {
		iname := filepath.Base(m)
		if _, ok := inames[iname]; ok {
			continue
		}
		if _, err := e.ct.CacheFileByFname(iname); err == nil {
			continue
		}
		err = e.removeFile(iname)
		if err != nil {
			return removed, err
		}
		removed = append(removed, iname)
	}
	return removed, nil
}

// Close closes every open file, which checkpoints it if it is dirty, and then the
// catalog and the log. Handles must not be used after the env is closed.
func (e *Env) Close() error {
	err := e.ct.Close()
	if _, rerr := e.RemoveOrphans(); err == nil {
		err = rerr
	}
	if cerr := e.cat.Close(); err == nil {
		err = cerr
	}
	if lerr := e.lgr.Close(); err == nil {
		err = lerr
	}
	for _, c := range e.stats {
		e.reg.Unregister(c)
	}
	if uerr := e.lock.Unlock(); err == nil {
		err = uerr
	}

	log.WithField("dir", e.dir).Info("env closed")
	return err
}
