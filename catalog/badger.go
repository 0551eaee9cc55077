package catalog

import (
	"io"
	"os"
	"sync"

	"github.com/dgraph-io/badger"
	log "github.com/sirupsen/logrus"
)

type badgerStore struct {
	// Serializes updates; badger would otherwise fail one of two conflicting updates
	// with ErrConflict.
	updateMutex sync.Mutex
	db          *badger.DB
}

type badgerTx struct {
	txn *badger.Txn
}

func openBadgerStore(dir string, sync bool, logger *log.Logger) (*badgerStore, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}

	db, err := badger.Open(badger.DefaultOptions(dir).
		WithLogger(logger).
		WithSyncWrites(sync))
	if err != nil {
		return nil, err
	}
	return &badgerStore{
		db: db,
	}, nil
}

func (bs *badgerStore) Get(key string) (string, error) {
	var val string
	err := bs.db.View(
		func(txn *badger.Txn) error {
			var err error
			val, err = badgerTx{txn: txn}.Get(key)
			return err
		})
	return val, err
}

func (bs *badgerStore) Scan(prefix string, fn func(key, val string) error) error {
	return bs.db.View(
		func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()

			pb := []byte(prefix)
			for it.Seek(pb); it.ValidForPrefix(pb); it.Next() {
				item := it.Item()
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				err = fn(string(item.Key()), string(val))
				if err != nil {
					return err
				}
			}
			return nil
		})
}

func (bs *badgerStore) Update(fn func(tx Tx) error) error {
	bs.updateMutex.Lock()
	defer bs.updateMutex.Unlock()

	return bs.db.Update(
		func(txn *badger.Txn) error {
			return fn(badgerTx{txn: txn})
		})
}

func (bs *badgerStore) Close() error {
	return bs.db.Close()
}

func (tx badgerTx) Get(key string) (string, error) {
	item, err := tx.txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return "", io.EOF
	} else if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func (tx badgerTx) Put(key, val string) error {
	return tx.txn.Set([]byte(key), []byte(val))
}

func (tx badgerTx) Delete(key string) error {
	return tx.txn.Delete([]byte(key))
}
