//go:build !windows

package kvstore

import "os"

// renameOverExisting relies on POSIX rename(2) being atomic when src and
// dst share a filesystem.
func renameOverExisting(src, dst string) error {
	return os.Rename(src, dst)
}
