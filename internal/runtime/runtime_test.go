//go:build !windows

package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/processd/processd/internal/model"
	"github.com/processd/processd/internal/policy"
)

type recordingListener struct {
	transitions chan model.RuntimeState
}

func newRecordingListener() *recordingListener {
	return &recordingListener{transitions: make(chan model.RuntimeState, 64)}
}

func (l *recordingListener) OnTransition(id model.ServiceId, rs model.RuntimeState) {
	l.transitions <- rs
}

func newTestService(t *testing.T, m *model.Manifest, cfg Config) (*Service, *recordingListener) {
	t.Helper()
	listener := newRecordingListener()
	cfg.ID = m.ID
	cfg.Manifest = m
	cfg.Guard = policy.New([]string{"*"}, []string{"*"})
	cfg.Logger = zerolog.Nop()
	cfg.Listener = listener
	return New(cfg), listener
}

func waitForStateT(t *testing.T, s *Service, want model.State, within time.Duration) model.RuntimeState {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		rs := s.Snapshot()
		if rs.State == want {
			return rs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("service did not reach state %v within %v, last state %v", want, within, s.Snapshot().State)
	return model.RuntimeState{}
}

func TestStartTransitionsToRunning(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "sleep 5"}}
	s, _ := newTestService(t, m, Config{})
	require.NoError(t, s.Start(context.Background()))
	rs := waitForStateT(t, s, model.StateRunning, time.Second)
	assert.Greater(t, rs.PID, 0)
	_ = s.Kill(context.Background())
	waitForStateT(t, s, model.StateStopped, 2*time.Second)
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "sleep 5"}}
	s, _ := newTestService(t, m, Config{})
	require.NoError(t, s.Start(context.Background()))
	waitForStateT(t, s, model.StateRunning, time.Second)
	assert.NoError(t, s.Start(context.Background()))
	assert.Equal(t, model.StateRunning, s.Snapshot().State)
	_ = s.Kill(context.Background())
}

func TestStopOnStoppedIsNoop(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "true"}}
	s, _ := newTestService(t, m, Config{})
	assert.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, model.StateStopped, s.Snapshot().State)
}

func TestGracefulStopDeliversShutdownCommandExactlyOnce(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "read line; exit 0"}, ShutdownCommand: "quit"}
	s, _ := newTestService(t, m, Config{GraceTimeout: 5 * time.Second, KillTimeout: 5 * time.Second})
	require.NoError(t, s.Start(context.Background()))
	waitForStateT(t, s, model.StateRunning, time.Second)

	require.NoError(t, s.Stop(context.Background()))
	waitForStateT(t, s, model.StateStopped, 2*time.Second)

	// Calling Stop again on the now-Stopped service must not error and must
	// not attempt a second write.
	assert.NoError(t, s.Stop(context.Background()))
}

func TestStopEscalatesThroughTermToKill(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "trap '' TERM; sleep 30"}}
	s, _ := newTestService(t, m, Config{GraceTimeout: 50 * time.Millisecond, KillTimeout: 50 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	waitForStateT(t, s, model.StateRunning, time.Second)

	require.NoError(t, s.Stop(context.Background()))
	waitForStateT(t, s, model.StateStopped, 3*time.Second)
}

func TestKillSkipsGraceEscalation(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "sleep 30"}}
	s, _ := newTestService(t, m, Config{GraceTimeout: 10 * time.Second, KillTimeout: 10 * time.Second})
	require.NoError(t, s.Start(context.Background()))
	waitForStateT(t, s, model.StateRunning, time.Second)

	start := time.Now()
	require.NoError(t, s.Kill(context.Background()))
	waitForStateT(t, s, model.StateStopped, time.Second)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAutoRestartOnCrash(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "exit 7"}, AutoRestart: true}
	s, listener := newTestService(t, m, Config{BackoffBase: 10 * time.Millisecond, BackoffMax: 20 * time.Millisecond, RestartBudget: 5, RestartWindow: time.Minute})
	require.NoError(t, s.Start(context.Background()))

	sawRunningTwice := 0
	deadline := time.After(2 * time.Second)
	for sawRunningTwice < 2 {
		select {
		case rs := <-listener.transitions:
			if rs.State == model.StateRunning {
				sawRunningTwice++
			}
		case <-deadline:
			t.Fatal("service did not restart after crash")
		}
	}
}

func TestRestartChainStopsThenStarts(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "sleep 30"}}
	s, listener := newTestService(t, m, Config{GraceTimeout: 50 * time.Millisecond, KillTimeout: 50 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	first := waitForStateT(t, s, model.StateRunning, time.Second)

	// Stopped is only held briefly before the chained start, so watch the
	// transition stream rather than polling the state.
	require.NoError(t, s.Restart(context.Background()))
	sawStopped := false
	stopDeadline := time.After(2 * time.Second)
	for !sawStopped {
		select {
		case rs := <-listener.transitions:
			sawStopped = rs.State == model.StateStopped
		case <-stopDeadline:
			t.Fatal("restart did not take the service through Stopped")
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rs := s.Snapshot()
		if rs.State == model.StateRunning && rs.PID != first.PID {
			_ = s.Kill(context.Background())
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("restart did not bring the service back to Running with a new pid")
}

func TestUnauthorizedCommandCrashesOnStart(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "true"}}
	s, _ := newTestService(t, m, Config{})
	s.guard = policy.New([]string{"/usr/bin/other"}, []string{"*"})
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.StateCrashed, s.Snapshot().State)
}

func TestWriteInputReachesChild(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "read line; echo \"got:$line\""}}
	s, _ := newTestService(t, m, Config{})
	require.NoError(t, s.Start(context.Background()))
	waitForStateT(t, s, model.StateRunning, time.Second)

	_, err := s.WriteInput([]byte("hello\n"))
	require.NoError(t, err)
	// The child exits on its own without a stop request, which the runtime
	// classifies as Crashed.
	waitForStateT(t, s, model.StateCrashed, time.Second)
	assert.True(t, strings.Contains(string(s.Ring().Snapshot(4096)), "got:hello"))
}

func TestUserStopSuppressesAutoRestart(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "sleep 30"}, AutoRestart: true}
	s, _ := newTestService(t, m, Config{GraceTimeout: 50 * time.Millisecond, KillTimeout: 50 * time.Millisecond, BackoffBase: 10 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	waitForStateT(t, s, model.StateRunning, time.Second)

	require.NoError(t, s.Stop(context.Background()))
	waitForStateT(t, s, model.StateStopped, 3*time.Second)

	// Give any (wrongly) scheduled restart time to fire.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, model.StateStopped, s.Snapshot().State)
}

func TestStopOnCrashedCancelsPendingAutoRestart(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "exit 3"}, AutoRestart: true}
	s, _ := newTestService(t, m, Config{BackoffBase: 300 * time.Millisecond, BackoffMax: 300 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	waitForStateT(t, s, model.StateCrashed, 2*time.Second)

	require.NoError(t, s.Stop(context.Background()))

	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, model.StateCrashed, s.Snapshot().State, "restart must not have fired after user stop")
}

func TestRestartBudgetExhaustionIsLogged(t *testing.T) {
	m := &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "exit 1"}, AutoRestart: true}
	s, _ := newTestService(t, m, Config{BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, RestartBudget: 1, RestartWindow: time.Hour})
	require.NoError(t, s.Start(context.Background()))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(string(s.Ring().Snapshot(8192)), "restart budget exhausted") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected restart budget exhaustion diagnostic in log ring")
}
