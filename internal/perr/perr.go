// Package perr defines the error taxonomy the supervisor core produces. It
// re-exports github.com/cockroachdb/errors so callers get stack traces and
// Is/As-compatible wrapping for free.
package perr

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New   = crdb.New
	Newf  = crdb.Newf
	Wrap  = crdb.Wrap
	Wrapf = crdb.Wrapf
	Is    = crdb.Is
	As    = crdb.As
)

// Sentinel errors for each error kind the core produces. Wrap these with
// Wrap/Wrapf to attach operation context; callers classify with Is.
var (
	ErrNotFound          = crdb.New("not found")
	ErrAlreadyExists     = crdb.New("already exists")
	ErrInvalidArgument   = crdb.New("invalid argument")
	ErrCommandNotAllowed = crdb.New("command not allowed")
	ErrCwdNotAllowed     = crdb.New("working directory not allowed")
	ErrServiceBusy       = crdb.New("service busy")
	ErrIllegalTransition = crdb.New("illegal state transition")
	ErrPermissionDenied  = crdb.New("permission denied")
	ErrSpawnFailed       = crdb.New("spawn failed")
	ErrRestartStorm      = crdb.New("restart storm: budget exhausted")
	ErrIoError           = crdb.New("i/o error")
	ErrLagged            = crdb.New("subscriber lagged")
)
