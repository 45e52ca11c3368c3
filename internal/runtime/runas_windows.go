//go:build windows

package runtime

import "os/exec"

// applyRunAs is a no-op on Windows; run_as is a POSIX-only manifest field.
func applyRunAs(cmd *exec.Cmd, runAs string) error { return nil }
