//go:build !windows

package ptydriver

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// unixPTY wraps github.com/creack/pty.
type unixPTY struct {
	cmd *exec.Cmd
	ptm *os.File
}

func start(cmd *exec.Cmd) (PTY, error) {
	// pty.Start sets Setsid:true on the child, creating a new session and
	// process group (PGID == child PID). Do not also set Setpgid: calling
	// setpgid() after setsid() on the session leader returns EPERM on
	// macOS.
	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: FixedCols, Rows: FixedRows})
	if err != nil {
		return nil, err
	}
	return &unixPTY{cmd: cmd, ptm: ptm}, nil
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.ptm.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.ptm.Write(b) }

func (p *unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptm, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *unixPTY) Signal(sig Signal) error {
	pid := p.cmd.Process.Pid
	sysSig := toSyscallSignal(sig)

	// Look up the actual PGID rather than assuming it equals the PID, and
	// fall back to signalling the single process if the group is gone.
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		return syscall.Kill(-pgid, sysSig)
	}
	return syscall.Kill(pid, sysSig)
}

func toSyscallSignal(sig Signal) syscall.Signal {
	switch sig {
	case SignalInt:
		return syscall.SIGINT
	case SignalTerm:
		return syscall.SIGTERM
	default:
		return syscall.SIGKILL
	}
}

func (p *unixPTY) Wait() (*os.ProcessState, error) {
	err := p.cmd.Wait()
	return p.cmd.ProcessState, err
}

func (p *unixPTY) Pid() int { return p.cmd.Process.Pid }

func (p *unixPTY) Close() error { return p.ptm.Close() }
