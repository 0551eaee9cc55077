package catalog

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	log "github.com/sirupsen/logrus"
)

type pebbleStore struct {
	updateMutex sync.Mutex
	db          *pebble.DB
	wo          *pebble.WriteOptions
}

// pebbleTx is an indexed batch, so reads in an update see its own writes.
type pebbleTx struct {
	batch *pebble.Batch
}

func openPebbleStore(dir string, sync bool, logger *log.Logger) (*pebbleStore, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}

	db, err := pebble.Open(dir, &pebble.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	wo := pebble.NoSync
	if sync {
		wo = pebble.Sync
	}
	return &pebbleStore{
		db: db,
		wo: wo,
	}, nil
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func pebbleGet(r pebbleReader, key string) (string, error) {
	val, closer, err := r.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return "", io.EOF
	} else if err != nil {
		return "", err
	}
	defer closer.Close()

	return string(val), nil
}

func (ps *pebbleStore) Get(key string) (string, error) {
	return pebbleGet(ps.db, key)
}

func (ps *pebbleStore) Scan(prefix string, fn func(key, val string) error) error {
	it := ps.db.NewIter(
		&pebble.IterOptions{
			LowerBound: []byte(prefix),
			UpperBound: prefixEnd([]byte(prefix)),
		})

	var err error
	for valid := it.First(); valid && err == nil; valid = it.Next() {
		err = fn(string(it.Key()), string(it.Value()))
	}
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return err
}

func (ps *pebbleStore) Update(fn func(tx Tx) error) error {
	ps.updateMutex.Lock()
	defer ps.updateMutex.Unlock()

	batch := ps.db.NewIndexedBatch()
	err := fn(pebbleTx{batch: batch})
	if err != nil {
		batch.Close()
		return err
	}
	err = batch.Commit(ps.wo)
	batch.Close()
	return err
}

func (ps *pebbleStore) Close() error {
	return ps.db.Close()
}

func (tx pebbleTx) Get(key string) (string, error) {
	return pebbleGet(tx.batch, key)
}

func (tx pebbleTx) Put(key, val string) error {
	return tx.batch.Set([]byte(key), []byte(val), nil)
}

func (tx pebbleTx) Delete(key string) error {
	return tx.batch.Delete([]byte(key), nil)
}
