// Package runtime implements the per-service state machine:
// Stopped/Starting/Running/Stopping/Crashed, grace/kill escalation on
// graceful stop, auto-restart with a budget and exponential backoff, and a
// user-initiated-stop flag that suppresses auto-restart until the next
// successful start.
package runtime

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/processd/processd/internal/logring"
	"github.com/processd/processd/internal/model"
	"github.com/processd/processd/internal/perr"
	"github.com/processd/processd/internal/policy"
	"github.com/processd/processd/internal/ptydriver"
)

// Listener is notified of every state transition a Service makes. The
// attach hub implements this to invalidate sessions on restart/stop.
type Listener interface {
	OnTransition(id model.ServiceId, rs model.RuntimeState)
}

// Spawner starts cmd inside a PTY. Overridable in tests; defaults to
// ptydriver.Start.
type Spawner func(cmd *exec.Cmd) (ptydriver.PTY, error)

// Config configures a new Service.
type Config struct {
	ID       model.ServiceId
	Manifest *model.Manifest
	Guard    *policy.Guard
	Ring     *logring.Ring
	Logger   zerolog.Logger
	Listener Listener
	Spawner  Spawner

	GraceTimeout  time.Duration
	KillTimeout   time.Duration
	RestartBudget int
	RestartWindow time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

func (c *Config) setDefaults() {
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = 10 * time.Second
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = 5 * time.Second
	}
	if c.RestartBudget <= 0 {
		c.RestartBudget = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 60 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.Spawner == nil {
		c.Spawner = ptydriver.Start
	}
	if c.Ring == nil {
		c.Ring = logring.New(logring.DefaultCapacity)
	}
}

// Service is one supervised process and the state machine driving it.
type Service struct {
	id       model.ServiceId
	guard    *policy.Guard
	ring     *logring.Ring
	log      zerolog.Logger
	listener Listener
	spawner  Spawner

	graceTimeout  time.Duration
	killTimeout   time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration
	restartWindow time.Duration

	// opMu serializes control operations (Start/Stop/Kill) so a stop can
	// never interleave with an in-flight spawn. mu guards the fields below
	// and is never held across I/O.
	opMu sync.Mutex

	mu                sync.Mutex
	manifest          *model.Manifest
	state             model.State
	pid               int
	startedAt         time.Time
	exitInfo          model.ExitInfo
	epoch             uint64
	userInitiatedStop bool
	restarting        bool
	lastError         string
	pty               ptydriver.PTY
	graceTimer        *time.Timer
	killTimer         *time.Timer
	restartTimer      *time.Timer
	restartAttempts   int
	restartLimiter    *rate.Limiter
	transitionCh      chan struct{}
}

// New constructs a Service in the Stopped state.
func New(cfg Config) *Service {
	cfg.setDefaults()
	budget := float64(cfg.RestartBudget) / cfg.RestartWindow.Seconds()
	return &Service{
		id:            cfg.ID,
		guard:         cfg.Guard,
		ring:          cfg.Ring,
		log:           cfg.Logger,
		listener:      cfg.Listener,
		spawner:       cfg.Spawner,
		graceTimeout:  cfg.GraceTimeout,
		killTimeout:   cfg.KillTimeout,
		backoffBase:   cfg.BackoffBase,
		backoffMax:    cfg.BackoffMax,
		restartWindow: cfg.RestartWindow,
		manifest:      cfg.Manifest.Clone(),
		state:         model.StateStopped,
		restartLimiter: rate.NewLimiter(rate.Limit(budget), cfg.RestartBudget),
		transitionCh:  make(chan struct{}),
	}
}

// ID returns the service id this runtime supervises.
func (s *Service) ID() model.ServiceId { return s.id }

// Ring returns the log ring backing this service, for the attach hub and
// tail/stream operations to read from directly.
func (s *Service) Ring() *logring.Ring { return s.ring }

// Manifest returns a copy of the manifest currently in effect.
func (s *Service) Manifest() *model.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.Clone()
}

// UpdateManifest swaps in a new manifest for subsequent start/restart calls.
// It does not affect an already-running process.
func (s *Service) UpdateManifest(m *model.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.manifest.ID
	clone := m.Clone()
	clone.ID = id
	s.manifest = clone
}

// Snapshot returns the current runtime state.
func (s *Service) Snapshot() model.RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() model.RuntimeState {
	return model.RuntimeState{
		State:       s.state,
		PID:         s.pid,
		StartedAt:   s.startedAt,
		ExitInfo:    s.exitInfo,
		AttachToken: s.epoch,
		Restarting:  s.restarting,
		LastError:   s.lastError,
	}
}

// broadcastLocked wakes every goroutine blocked in waitForState. Must be
// called with mu held.
func (s *Service) broadcastLocked() {
	close(s.transitionCh)
	s.transitionCh = make(chan struct{})
}

// waitForState blocks until pred(currentState) is true or ctx is done.
func (s *Service) waitForState(ctx context.Context, pred func(model.State) bool) error {
	for {
		s.mu.Lock()
		state := s.state
		ch := s.transitionCh
		s.mu.Unlock()
		if pred(state) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) emit(rs model.RuntimeState) {
	if s.listener != nil {
		s.listener.OnTransition(s.id, rs)
	}
}

// WriteInput writes p to the PTY's stdin if the service is running.
func (s *Service) WriteInput(p []byte) (int, error) {
	s.mu.Lock()
	pty := s.pty
	s.mu.Unlock()
	if pty == nil {
		return 0, perr.Wrapf(perr.ErrIllegalTransition, "service %q is not running", s.id)
	}
	n, err := pty.Write(p)
	if err != nil {
		return n, perr.Wrapf(perr.ErrIoError, "write pty input: %v", err)
	}
	return n, nil
}

// RawSignal delivers sig directly to the child process via the PTY driver,
// without touching the state machine; this is the attach hub's signal
// passthrough, distinct from Kill (a control operation that also
// transitions the service to Stopping).
func (s *Service) RawSignal(sig ptydriver.Signal) error {
	s.mu.Lock()
	pty := s.pty
	s.mu.Unlock()
	if pty == nil {
		return perr.Wrapf(perr.ErrIllegalTransition, "service %q is not running", s.id)
	}
	return pty.Signal(sig)
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func classifyExit(waitErr error) (exitCode int, signal string) {
	if waitErr == nil {
		return 0, ""
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), ""
	}
	return -1, waitErr.Error()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
