package fileutil

import (
	"os"

	"github.com/pkg/errors"
)

// EnsureFolder creates the folder, with parents, when missing.
func EnsureFolder(dir string) error {
	if dir == "" {
		return errors.Errorf("invalid parameter: dir")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
