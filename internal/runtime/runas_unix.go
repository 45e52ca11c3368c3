//go:build !windows

package runtime

import (
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/processd/processd/internal/perr"
)

// applyRunAs sets the child process's UID/GID when the manifest specifies a
// run_as user. run_as is POSIX-only; Windows ignores it.
func applyRunAs(cmd *exec.Cmd, runAs string) error {
	if runAs == "" {
		return nil
	}
	u, err := user.Lookup(runAs)
	if err != nil {
		return perr.Wrapf(perr.ErrInvalidArgument, "run_as user %q: %v", runAs, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return perr.Wrap(err, "parse uid")
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return perr.Wrap(err, "parse gid")
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	return nil
}
