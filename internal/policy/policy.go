// Package policy authorizes a manifest's command and working directory
// against allow-lists loaded once at boot.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/processd/processd/internal/model"
	"github.com/processd/processd/internal/perr"
)

const wildcard = "*"

// Guard validates a manifest's command and cwd against configured
// allow-lists. Immutable after construction.
type Guard struct {
	allowedCommands    []string
	allowedCwdPrefixes []string
}

// New builds a Guard from the configured allow-lists. Either list may contain
// "*" to accept everything. Command entries are literal paths or glob
// patterns understood by path/filepath.Match; cwd entries are plain path
// prefixes and are not glob-matched.
func New(allowedCommands, allowedCwdPrefixes []string) *Guard {
	return &Guard{
		allowedCommands:    allowedCommands,
		allowedCwdPrefixes: allowedCwdPrefixes,
	}
}

// Authorize checks m.Command against the command allow-list and m.Cwd (if
// set) against the cwd prefix allow-list, returning perr.ErrCommandNotAllowed
// or perr.ErrCwdNotAllowed on rejection.
func (g *Guard) Authorize(m *model.Manifest) error {
	if !g.commandAllowed(m.Command) {
		return perr.Wrapf(perr.ErrCommandNotAllowed, "command %q", m.Command)
	}
	if m.Cwd != "" && !g.cwdAllowed(m.Cwd) {
		return perr.Wrapf(perr.ErrCwdNotAllowed, "cwd %q", m.Cwd)
	}
	return nil
}

func (g *Guard) commandAllowed(command string) bool {
	for _, pattern := range g.allowedCommands {
		if pattern == wildcard {
			return true
		}
		if matched, _ := filepath.Match(pattern, command); matched {
			return true
		}
		if pattern == command {
			return true
		}
	}
	return false
}

func (g *Guard) cwdAllowed(cwd string) bool {
	for _, prefix := range g.allowedCwdPrefixes {
		if prefix == wildcard {
			return true
		}
		if strings.HasPrefix(cwd, prefix) {
			return true
		}
	}
	return false
}
