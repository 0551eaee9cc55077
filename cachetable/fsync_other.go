//go:build !linux

package cachetable

func fdatasync(f File) error {
	return f.Sync()
}
