//go:build linux

package cachetable

import (
	"os"

	"golang.org/x/sys/unix"
)

func fdatasync(f File) error {
	if osf, ok := f.(*os.File); ok {
		return unix.Fdatasync(int(osf.Fd()))
	}
	return f.Sync()
}
