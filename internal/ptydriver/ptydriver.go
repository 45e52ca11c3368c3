// Package ptydriver abstracts a pseudo-terminal pair: opening a
// primary/secondary pair, associating the secondary with a child process's
// stdin/stdout/stderr, and exposing half-duplex byte streams plus signal
// delivery and exit waiting. The platform-specific implementation lives in
// pty_unix.go (github.com/creack/pty) and pty_windows.go (ConPTY via
// golang.org/x/sys/windows).
package ptydriver

import (
	"io"
	"os"
	"os/exec"
)

// FixedCols and FixedRows are the initial window size, matching the UI's
// fixed-size terminal renderer. The driver exposes Resize but the
// supervisor never calls it.
const (
	FixedCols = 155
	FixedRows = 300
)

// Signal is a platform-neutral signal request understood by PTY.Signal.
type Signal int

const (
	SignalInt Signal = iota
	SignalTerm
	SignalKill
)

// PTY is a live pseudo-terminal pair driving one child process.
type PTY interface {
	io.Reader
	io.Writer

	// Resize changes the terminal window size. The supervisor never calls
	// this, but it is part of the platform contract.
	Resize(cols, rows uint16) error

	// Signal delivers sig to the child process (or its process group on
	// POSIX).
	Signal(sig Signal) error

	// Wait blocks until the child process exits and returns its exit state.
	Wait() (*os.ProcessState, error)

	// Pid returns the child process's OS process id.
	Pid() int

	// Close releases the PTY pair. Safe to call after the child has exited.
	Close() error
}

// Start allocates a PTY pair sized FixedCols x FixedRows, associates the
// secondary end with cmd's stdio, and starts cmd. The returned PTY's Read
// method yields the child's combined stdout/stderr; Write sends bytes to
// the child's stdin.
func Start(cmd *exec.Cmd) (PTY, error) {
	return start(cmd)
}
