package catalog

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Store is the persistent table behind a catalog: string keys bound to string values.
// Get returns io.EOF if the key is not bound.
type Store interface {
	Get(key string) (string, error)
	// Scan calls fn for each key starting with prefix, in key order.
	Scan(prefix string, fn func(key, val string) error) error
	// Update runs fn in a write transaction which commits if fn returns nil; only one
	// update runs at a time.
	Update(fn func(tx Tx) error) error
	Close() error
}

// Tx is the write side of a Store update.
type Tx interface {
	Get(key string) (string, error)
	Put(key, val string) error
	Delete(key string) error
}

const (
	BTree  = "btree"
	BBolt  = "bbolt"
	Badger = "badger"
	Pebble = "pebble"
)

// OpenStore opens the kind of store in dir; btree is in memory only. If sync is true,
// updates are durable when they return.
func OpenStore(kind, dir string, sync bool, logger *log.Logger) (Store, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}

	switch kind {
	case BTree:
		return newBTreeStore(), nil
	case BBolt:
		return openBBoltStore(filepath.Join(dir, "catalog.bbolt"), sync)
	case Badger:
		return openBadgerStore(filepath.Join(dir, "catalog.badger"), sync, logger)
	case Pebble:
		return openPebbleStore(filepath.Join(dir, "catalog.pebble"), sync, logger)
	}
	return nil, fmt.Errorf("catalog: got %s for kind; want btree, bbolt, badger, or pebble",
		kind)
}

// prefixEnd returns the first key after every key starting with prefix, or nil if there
// is none.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] += 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
