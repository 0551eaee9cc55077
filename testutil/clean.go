package testutil

import (
	"os"
	"path/filepath"
)

// CleanDir empties dirname, leaving only the entries named in keeps; a missing directory
// is created.
func CleanDir(dirname string, keeps []string) error {
	ents, err := os.ReadDir(dirname)
	if os.IsNotExist(err) {
		return os.MkdirAll(dirname, 0755)
	} else if err != nil {
		return err
	}

	keep := map[string]bool{}
	for _, k := range keeps {
		keep[k] = true
	}
	for _, ent := range ents {
		if keep[ent.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dirname, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}
