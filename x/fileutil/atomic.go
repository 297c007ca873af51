package fileutil

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Wrap os.CreateTemp so we can override it in tests.
var createTemp = os.CreateTemp

// SaveAtomic writes data to path via a temp file in the same directory,
// fsync and rename, so concurrent readers see either the old content or
// the new content, never a partial write. Any failure on the temp-file
// path falls back to a direct write: a torn read is recoverable, a
// dropped update is not.
func SaveAtomic(path string, data []byte) error {
	if err := saveViaRename(path, data); err != nil {
		return errors.WithStack(os.WriteFile(path, data, 0644))
	}
	return nil
}

func saveViaRename(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := createTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0644)
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
