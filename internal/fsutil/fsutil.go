package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReadFileScoped reads a file by opening a root at the file's directory.
// This scopes access to the intended directory and avoids path traversal.
func ReadFileScoped(path string) ([]byte, error) {
	cleaned := filepath.Clean(path)
	dir := filepath.Dir(cleaned)
	base := filepath.Base(cleaned)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid file path: %q", path)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	file, err := root.Open(base)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

// WriteFileAtomic replaces path with data so readers never observe a partial
// file. Missing parent directories are created. An existing file keeps its
// permissions; new files get perm.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	if err := writeFileAtomic(path, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
