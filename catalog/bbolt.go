package catalog

import (
	"bytes"
	"errors"
	"io"

	"go.etcd.io/bbolt"
)

var (
	dictionariesBucket = []byte("dictionaries")

	errNoBucket = errors.New("catalog: bbolt: missing dictionaries bucket")
)

type bboltStore struct {
	db *bbolt.DB
}

type bboltTx struct {
	bkt *bbolt.Bucket
}

func openBBoltStore(path string, sync bool) (*bboltStore, error) {
	db, err := bbolt.Open(path, 0644, nil)
	if err != nil {
		return nil, err
	}
	db.NoSync = !sync

	err = db.Update(
		func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(dictionariesBucket)
			return err
		})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &bboltStore{
		db: db,
	}, nil
}

func bucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	bkt := tx.Bucket(dictionariesBucket)
	if bkt == nil {
		return nil, errNoBucket
	}
	return bkt, nil
}

func (bs *bboltStore) Get(key string) (string, error) {
	var val string
	err := bs.db.View(
		func(tx *bbolt.Tx) error {
			bkt, err := bucket(tx)
			if err != nil {
				return err
			}
			val, err = bboltTx{bkt: bkt}.Get(key)
			return err
		})
	return val, err
}

func (bs *bboltStore) Scan(prefix string, fn func(key, val string) error) error {
	return bs.db.View(
		func(tx *bbolt.Tx) error {
			bkt, err := bucket(tx)
			if err != nil {
				return err
			}

			pb := []byte(prefix)
			cr := bkt.Cursor()
			for k, v := cr.Seek(pb); k != nil && bytes.HasPrefix(k, pb); k, v = cr.Next() {
				err = fn(string(k), string(v))
				if err != nil {
					return err
				}
			}
			return nil
		})
}

// Update uses a bbolt read-write transaction; bbolt allows one at a time.
func (bs *bboltStore) Update(fn func(tx Tx) error) error {
	return bs.db.Update(
		func(tx *bbolt.Tx) error {
			bkt, err := bucket(tx)
			if err != nil {
				return err
			}
			return fn(bboltTx{bkt: bkt})
		})
}

func (bs *bboltStore) Close() error {
	return bs.db.Close()
}

func (tx bboltTx) Get(key string) (string, error) {
	val := tx.bkt.Get([]byte(key))
	if val == nil {
		return "", io.EOF
	}
	return string(val), nil
}

func (tx bboltTx) Put(key, val string) error {
	return tx.bkt.Put([]byte(key), []byte(val))
}

func (tx bboltTx) Delete(key string) error {
	return tx.bkt.Delete([]byte(key))
}
