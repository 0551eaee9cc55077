// Package catalog maps dictionary names to the names of the files which back them.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound = errors.New("catalog: dictionary not found")
	ErrExists   = errors.New("catalog: dictionary already exists")
)

const (
	counterKey  = "counter"
	dnamePrefix = "dname/"
)

type Entry struct {
	Dname string
	Iname string
}

type Catalog struct {
	st Store
}

// Open opens the catalog of the kind of store in dir.
func Open(kind, dir string, sync bool, logger *log.Logger) (*Catalog, error) {
	st, err := OpenStore(kind, dir, sync, logger)
	if err != nil {
		return nil, err
	}
	return &Catalog{
		st: st,
	}, nil
}

func (cat *Catalog) Lookup(dname string) (string, error) {
	iname, err := cat.st.Get(dnamePrefix + dname)
	if err == io.EOF {
		return "", fmt.Errorf("catalog: %s: %w", dname, ErrNotFound)
	}
	return iname, err
}

func makeIname(dname string, n uint64) string {
	var sb strings.Builder
	for _, r := range dname {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return fmt.Sprintf("%s_%d.ft", sb.String(), n)
}

// nextIname bumps the file counter, which is shared by every dictionary, so file names
// are never reused.
func nextIname(tx Tx, dname string) (string, error) {
	var n uint64
	val, err := tx.Get(counterKey)
	if err == nil {
		n, err = strconv.ParseUint(val, 10, 64)
		if err != nil {
			return "", fmt.Errorf("catalog: counter: %w", err)
		}
	} else if err != io.EOF {
		return "", err
	}

	n += 1
	err = tx.Put(counterKey, strconv.FormatUint(n, 10))
	if err != nil {
		return "", err
	}
	return makeIname(dname, n), nil
}

// bound returns the file name of dname in tx.
func bound(tx Tx, dname string) (string, error) {
	iname, err := tx.Get(dnamePrefix + dname)
	if err == io.EOF {
		return "", fmt.Errorf("catalog: %s: %w", dname, ErrNotFound)
	}
	return iname, err
}

// Create adds dname to the catalog, bound to a new file name.
func (cat *Catalog) Create(dname string) (string, error) {
	var iname string
	err := cat.st.Update(
		func(tx Tx) error {
			_, err := bound(tx, dname)
			if err == nil {
				return fmt.Errorf("catalog: %s: %w", dname, ErrExists)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}

			iname, err = nextIname(tx, dname)
			if err != nil {
				return err
			}
			return tx.Put(dnamePrefix+dname, iname)
		})
	if err != nil {
		return "", err
	}
	return iname, nil
}

// NewIname returns a new file name for dname, which must exist, without binding it.
func (cat *Catalog) NewIname(dname string) (string, error) {
	var iname string
	err := cat.st.Update(
		func(tx Tx) error {
			_, err := bound(tx, dname)
			if err != nil {
				return err
			}
			iname, err = nextIname(tx, dname)
			return err
		})
	if err != nil {
		return "", err
	}
	return iname, nil
}

// Rebind binds dname, which must exist, to iname and returns the previous file name.
func (cat *Catalog) Rebind(dname, iname string) (string, error) {
	var old string
	err := cat.st.Update(
		func(tx Tx) error {
			var err error
			old, err = bound(tx, dname)
			if err != nil {
				return err
			}
			return tx.Put(dnamePrefix+dname, iname)
		})
	if err != nil {
		return "", err
	}
	return old, nil
}

// Remove deletes dname from the catalog and returns its file name.
func (cat *Catalog) Remove(dname string) (string, error) {
	var iname string
	err := cat.st.Update(
		func(tx Tx) error {
			var err error
			iname, err = bound(tx, dname)
			if err != nil {
				return err
			}
			return tx.Delete(dnamePrefix + dname)
		})
	if err != nil {
		return "", err
	}
	return iname, nil
}

// List returns every entry in the catalog in dictionary name order.
func (cat *Catalog) List() ([]Entry, error) {
	var entries []Entry
	err := cat.st.Scan(dnamePrefix,
		func(key, val string) error {
			entries = append(entries, Entry{
				Dname: strings.TrimPrefix(key, dnamePrefix),
				Iname: val,
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (cat *Catalog) Close() error {
	return cat.st.Close()
}
