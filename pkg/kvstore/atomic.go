package kvstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// atomicWriteJSON writes data to path via tempfile+fsync+rename so a
// reader never observes a partial write: on POSIX the final rename is
// atomic; the crash window is confined to before the rename, at which
// point the prior file is untouched.
func atomicWriteJSON(path string, data any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp_" + uuid.NewString()
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := renameOverExisting(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// readJSON returns (false, nil) for a missing or corrupt file — callers
// treat an empty collection the same as a never-created one — and never
// propagates a parse error to the caller as a hard failure.
func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, nil
	}
	return true, nil
}
