package runtime

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/processd/processd/internal/model"
	"github.com/processd/processd/internal/perr"
	"github.com/processd/processd/internal/ptydriver"
)

// Start transitions Stopped/Crashed -> Starting -> Running. Starting a
// service that is already Running or Starting is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case model.StateRunning, model.StateStarting:
		s.mu.Unlock()
		return nil
	case model.StateStopping:
		s.mu.Unlock()
		return perr.Wrapf(perr.ErrIllegalTransition, "start: service %q is stopping", s.id)
	}
	manifest := s.manifest.Clone()
	s.state = model.StateStarting
	s.lastError = ""
	s.exitInfo = model.ExitInfo{}
	s.epoch++
	s.broadcastLocked()
	rs := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(rs)

	if err := s.guard.Authorize(manifest); err != nil {
		s.failToStart(err)
		return err
	}

	if manifest.ClearLogOnStart {
		s.ring.Clear()
		if manifest.LogPath != "" {
			if err := os.Truncate(manifest.LogPath, 0); err != nil && !os.IsNotExist(err) {
				s.log.Warn().Err(err).Str("path", manifest.LogPath).Msg("could not truncate log file")
			}
		}
	}

	cmd := exec.Command(manifest.Command, manifest.Args...)
	cmd.Dir = manifest.Cwd
	cmd.Env = buildEnv(manifest.Env)
	if err := applyRunAs(cmd, manifest.RunAs); err != nil {
		s.failToStart(perr.Wrap(err, "apply run_as"))
		return err
	}

	pty, err := s.spawner(cmd)
	if err != nil {
		wrapped := perr.Wrapf(perr.ErrSpawnFailed, "spawn %q: %v", manifest.Command, err)
		s.failToStart(wrapped)
		return wrapped
	}

	s.mu.Lock()
	s.pty = pty
	s.pid = pty.Pid()
	s.startedAt = time.Now()
	s.restartAttempts = 0
	s.userInitiatedStop = false
	s.restarting = false
	s.state = model.StateRunning
	s.broadcastLocked()
	rs = s.snapshotLocked()
	s.mu.Unlock()
	s.emit(rs)
	s.log.Info().Int("pid", pty.Pid()).Msg("service started")

	go s.pump(pty)
	return nil
}

// failToStart records a Starting -> Crashed transition and, if the manifest
// allows it, schedules an auto-restart attempt.
func (s *Service) failToStart(err error) {
	s.mu.Lock()
	s.state = model.StateCrashed
	s.lastError = err.Error()
	s.exitInfo = model.ExitInfo{StoppedAt: time.Now()}
	s.restarting = false
	autoRestart := s.manifest.AutoRestart
	s.broadcastLocked()
	rs := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(rs)
	s.log.Error().Err(err).Msg("service failed to start")
	if autoRestart {
		s.maybeScheduleAutoRestart()
	}
}

// Stop requests a graceful stop: the shutdown command is written to the PTY
// exactly once per request and grace/kill escalation timers are armed.
// It is idempotent on a service that is already Stopped, Crashed or
// Stopping.
func (s *Service) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case model.StateStopped, model.StateStopping:
		s.mu.Unlock()
		return nil
	case model.StateCrashed:
		// A crashed service has no child, but it may have a pending
		// auto-restart; a user-initiated stop cancels it.
		s.userInitiatedStop = true
		s.cancelRestartLocked()
		s.mu.Unlock()
		return nil
	}

	s.userInitiatedStop = true
	shutdownCmd := s.manifest.ShutdownCommandOrDefault()
	pty := s.pty
	s.state = model.StateStopping
	s.broadcastLocked()
	rs := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(rs)

	if pty != nil {
		if _, err := pty.Write([]byte(shutdownCmd + "\n")); err != nil {
			s.log.Warn().Err(err).Msg("failed writing shutdown command")
		}
	}
	s.armGraceTimer()
	return nil
}

// Shutdown is the graceful-stop operation exposed by the supervisor API
// under its own name; it is the same transition as Stop.
func (s *Service) Shutdown(ctx context.Context) error { return s.Stop(ctx) }

// Kill sends KILL immediately, skipping grace/kill escalation.
func (s *Service) Kill(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case model.StateStopped:
		s.mu.Unlock()
		return nil
	case model.StateCrashed:
		s.userInitiatedStop = true
		s.cancelRestartLocked()
		s.mu.Unlock()
		return nil
	}
	s.userInitiatedStop = true
	pty := s.pty
	s.cancelTimersLocked()
	s.state = model.StateStopping
	s.broadcastLocked()
	rs := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(rs)

	if pty != nil {
		if err := pty.Signal(ptydriver.SignalKill); err != nil {
			return perr.Wrap(err, "signal kill")
		}
	}
	return nil
}

// Restart chains a stop (if running) and a start, preserving the current
// manifest. The call itself returns once the stop has been issued; the
// start happens in the background once the child has actually exited, since
// only one child process may exist per service at a time.
func (s *Service) Restart(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == model.StateStopped || state == model.StateCrashed {
		return s.Start(ctx)
	}

	s.mu.Lock()
	s.restarting = true
	s.mu.Unlock()

	if err := s.Stop(ctx); err != nil {
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
		return err
	}
	go func() {
		_ = s.waitForState(context.Background(), func(st model.State) bool {
			return st == model.StateStopped || st == model.StateCrashed
		})
		_ = s.Start(context.Background())
	}()
	return nil
}

func (s *Service) armGraceTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graceTimer = time.AfterFunc(s.graceTimeout, s.onGraceExpired)
}

func (s *Service) onGraceExpired() {
	s.mu.Lock()
	if s.state != model.StateStopping {
		s.mu.Unlock()
		return
	}
	pty := s.pty
	s.mu.Unlock()

	s.log.Info().Msg("grace period expired, escalating to TERM")
	if pty != nil {
		_ = pty.Signal(ptydriver.SignalTerm)
	}

	s.mu.Lock()
	if s.state == model.StateStopping {
		s.killTimer = time.AfterFunc(s.killTimeout, s.onKillExpired)
	}
	s.mu.Unlock()
}

func (s *Service) onKillExpired() {
	s.mu.Lock()
	if s.state != model.StateStopping {
		s.mu.Unlock()
		return
	}
	pty := s.pty
	s.mu.Unlock()

	s.log.Warn().Msg("kill timer expired, sending KILL")
	if pty != nil {
		_ = pty.Signal(ptydriver.SignalKill)
	}
}

// cancelTimersLocked stops any pending grace/kill timers. Callers must hold
// mu.
func (s *Service) cancelTimersLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	if s.killTimer != nil {
		s.killTimer.Stop()
	}
}

// cancelRestartLocked stops a pending auto-restart. Callers must hold mu.
func (s *Service) cancelRestartLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

// pump drains the PTY into the log ring until the child exits, then
// classifies the exit and drives the next transition.
func (s *Service) pump(p ptydriver.PTY) {
	buf := make([]byte, 8192)
	for {
		n, err := p.Read(buf)
		if n > 0 {
			s.ring.Append(buf[:n])
		}
		if err != nil {
			break
		}
	}
	_, waitErr := p.Wait()
	s.handleExit(p, waitErr)
}

func (s *Service) handleExit(p ptydriver.PTY, waitErr error) {
	s.mu.Lock()
	wasStopping := s.state == model.StateStopping
	s.cancelTimersLocked()
	if s.pty == p {
		s.pty = nil
	}
	exitCode, sig := classifyExit(waitErr)
	s.exitInfo = model.ExitInfo{ExitCode: exitCode, Signal: sig, StoppedAt: time.Now()}
	userStop := s.userInitiatedStop
	autoRestart := s.manifest.AutoRestart

	var newState model.State
	if wasStopping {
		newState = model.StateStopped
	} else {
		newState = model.StateCrashed
	}
	s.state = newState
	s.broadcastLocked()
	rs := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(rs)

	if newState == model.StateCrashed {
		s.log.Warn().Int("exit_code", exitCode).Str("signal", sig).Msg("service exited unexpectedly")
		if autoRestart && !userStop {
			s.maybeScheduleAutoRestart()
		}
	} else {
		s.log.Info().Int("exit_code", exitCode).Msg("service stopped")
	}
}

// maybeScheduleAutoRestart consumes one token from the restart budget and,
// if the budget allows it, schedules a restart after an exponential
// backoff capped at backoffMax. Exhausting the budget is logged to the
// service's own log ring so operators attached to it see the diagnostic.
func (s *Service) maybeScheduleAutoRestart() {
	if !s.restartLimiter.Allow() {
		s.ring.Append([]byte("processd: restart budget exhausted, giving up\n"))
		s.log.Error().Err(perr.Wrapf(perr.ErrRestartStorm, "service %q", s.id)).Msg("not restarting")
		return
	}
	delay := s.nextBackoff()
	s.log.Info().Dur("delay", delay).Msg("scheduling auto-restart")
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		due := s.state == model.StateCrashed && !s.userInitiatedStop
		s.mu.Unlock()
		if !due {
			return
		}
		_ = s.Start(context.Background())
	})
	s.mu.Lock()
	s.restartTimer = timer
	s.mu.Unlock()
}

func (s *Service) nextBackoff() time.Duration {
	s.mu.Lock()
	n := s.restartAttempts
	s.restartAttempts++
	s.mu.Unlock()

	d := s.backoffBase * time.Duration(uint64(1)<<uint(minInt(n, 5)))
	if d > s.backoffMax {
		d = s.backoffMax
	}
	return d
}
