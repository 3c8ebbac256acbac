//go:build windows

package transport

import "os/exec"

// configureProcAttr is a no-op on Windows (Setpgid not supported).
func configureProcAttr(_ *exec.Cmd) {}
