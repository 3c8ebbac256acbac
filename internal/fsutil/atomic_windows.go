//go:build windows

package fsutil

import (
	"os"
)

// writeFileAtomic writes data to a file atomically.
// On Windows, we use a write-rename pattern since renameio doesn't support Windows.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, perm); err != nil {
		return err
	}

	// Rename temp file to target (atomic on Windows when same volume)
	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile) // Clean up on failure
		return err
	}

	return nil
}
