//go:build windows

package kvstore

import "os"

// renameOverExisting backs up the existing target first because os.Rename
// on Windows fails if dst already exists; the backup is restored if the
// replace step fails, and removed on success.
func renameOverExisting(src, dst string) error {
	backup := dst + ".bak"
	hadExisting := false
	if _, err := os.Stat(dst); err == nil {
		hadExisting = true
		if err := os.Rename(dst, backup); err != nil {
			return err
		}
	}

	if err := os.Rename(src, dst); err != nil {
		if hadExisting {
			os.Rename(backup, dst)
		}
		return err
	}

	if hadExisting {
		os.Remove(backup)
	}
	return nil
}
