package storage

import (
	"os"
	"path/filepath"
)

// EnsureParentDir creates the directory that will hold file. Files in the
// working directory need nothing.
func EnsureParentDir(file string) error {
	dir := filepath.Dir(file)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
