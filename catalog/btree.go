package catalog

import (
	"io"
	"strings"
	"sync"

	"github.com/google/btree"
)

type binding struct {
	key string
	val string
}

func (b binding) Less(item btree.Item) bool {
	return b.key < item.(binding).key
}

// btreeStore keeps the catalog in memory. An update works on a copy on write clone,
// which becomes the tree when it commits.
type btreeStore struct {
	mutex       sync.RWMutex
	updateMutex sync.Mutex
	tree        *btree.BTree
}

type btreeTx struct {
	tree *btree.BTree
}

func newBTreeStore() *btreeStore {
	return &btreeStore{
		tree: btree.New(8),
	}
}

func (bs *btreeStore) snapshot() *btree.BTree {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	return bs.tree
}

func lookup(tree *btree.BTree, key string) (string, error) {
	item := tree.Get(binding{key: key})
	if item == nil {
		return "", io.EOF
	}
	return item.(binding).val, nil
}

func (bs *btreeStore) Get(key string) (string, error) {
	return lookup(bs.snapshot(), key)
}

func (bs *btreeStore) Scan(prefix string, fn func(key, val string) error) error {
	var err error
	bs.snapshot().AscendGreaterOrEqual(binding{key: prefix},
		func(item btree.Item) bool {
			b := item.(binding)
			if !strings.HasPrefix(b.key, prefix) {
				return false
			}
			err = fn(b.key, b.val)
			return err == nil
		})
	return err
}

func (bs *btreeStore) Update(fn func(tx Tx) error) error {
	bs.updateMutex.Lock()
	defer bs.updateMutex.Unlock()

	tx := btreeTx{tree: bs.snapshot().Clone()}
	err := fn(tx)
	if err != nil {
		return err
	}

	bs.mutex.Lock()
	bs.tree = tx.tree
	bs.mutex.Unlock()
	return nil
}

func (bs *btreeStore) Close() error {
	return nil
}

func (tx btreeTx) Get(key string) (string, error) {
	return lookup(tx.tree, key)
}

func (tx btreeTx) Put(key, val string) error {
	tx.tree.ReplaceOrInsert(binding{key: key, val: val})
	return nil
}

func (tx btreeTx) Delete(key string) error {
	tx.tree.Delete(binding{key: key})
	return nil
}
