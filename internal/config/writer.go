package config

import (
	"fmt"
	"os"

	"github.com/muhrin/aiida-core/internal/fsutil"
)

// WriteDefault writes DefaultConfigYAML to path. An existing file is kept
// unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	return fsutil.WriteFileAtomic(path, []byte(DefaultConfigYAML), 0o600)
}
