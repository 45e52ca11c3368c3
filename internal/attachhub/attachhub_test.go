//go:build !windows

package attachhub

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/processd/processd/internal/model"
	"github.com/processd/processd/internal/policy"
	"github.com/processd/processd/internal/runtime"
)

func newRunningService(t *testing.T, hub *Hub, m *model.Manifest) *runtime.Service {
	t.Helper()
	svc := runtime.New(runtime.Config{
		ID:           m.ID,
		Manifest:     m,
		Guard:        policy.New([]string{"*"}, []string{"*"}),
		Logger:       zerolog.Nop(),
		Listener:     hub,
		GraceTimeout: time.Second,
		KillTimeout:  time.Second,
	})
	require.NoError(t, svc.Start(context.Background()))
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if svc.Snapshot().State == model.StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return svc
}

func recv(t *testing.T, ch <-chan []byte, within time.Duration) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(within):
		t.Fatal("timed out waiting for output")
		return nil
	}
}

func TestAttachReplaysBufferedOutput(t *testing.T) {
	hub := NewHub()
	svc := newRunningService(t, hub, &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "printf hello; sleep 2"}})
	defer svc.Kill(context.Background())

	time.Sleep(100 * time.Millisecond) // let "hello" land in the ring before attach

	sess, err := hub.Attach(svc)
	require.NoError(t, err)
	defer sess.Detach()

	got := recv(t, sess.Output(), time.Second)
	assert.Contains(t, string(got), "hello")
}

func TestAttachMidStreamDoesNotDuplicateOutput(t *testing.T) {
	hub := NewHub()
	svc := newRunningService(t, hub, &model.Manifest{ID: "svc1", Command: "sh",
		Args: []string{"-c", "i=0; while [ $i -lt 100 ]; do echo $i; i=$((i+1)); done; sleep 2"}})
	defer svc.Kill(context.Background())

	// Attach while the service is (likely) still printing, so part of the
	// sequence arrives via the replay snapshot and the rest live.
	sess, err := hub.Attach(svc)
	require.NoError(t, err)
	defer sess.Detach()

	var out []byte
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(string(out), "99") {
		select {
		case chunk := <-sess.Output():
			out = append(out, chunk...)
		case <-time.After(100 * time.Millisecond):
		}
	}

	prev := -1
	for _, line := range strings.Fields(strings.ReplaceAll(string(out), "\r", " ")) {
		n, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		require.Greater(t, n, prev, "line %d repeated or out of order across the snapshot/live boundary", n)
		prev = n
	}
	assert.Equal(t, 99, prev)
}

func TestAttachRefusedWhenNotRunning(t *testing.T) {
	hub := NewHub()
	svc := runtime.New(runtime.Config{
		ID:       "svc1",
		Manifest: &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "true"}},
		Guard:    policy.New([]string{"*"}, []string{"*"}),
		Logger:   zerolog.Nop(),
		Listener: hub,
	})
	_, err := hub.Attach(svc)
	assert.Error(t, err)
}

func TestMultipleSessionsReceiveSameOutput(t *testing.T) {
	hub := NewHub()
	svc := newRunningService(t, hub, &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "sleep 1; echo tick; sleep 2"}})
	defer svc.Kill(context.Background())

	s1, err := hub.Attach(svc)
	require.NoError(t, err)
	defer s1.Detach()
	s2, err := hub.Attach(svc)
	require.NoError(t, err)
	defer s2.Detach()

	got1 := recv(t, s1.Output(), 3*time.Second)
	got2 := recv(t, s2.Output(), 3*time.Second)
	assert.Contains(t, string(got1), "tick")
	assert.Contains(t, string(got2), "tick")
}

func TestServiceStopClosesSessionWithServiceStopped(t *testing.T) {
	hub := NewHub()
	svc := newRunningService(t, hub, &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "sleep 5"}})

	sess, err := hub.Attach(svc)
	require.NoError(t, err)

	require.NoError(t, svc.Kill(context.Background()))

	select {
	case reason := <-sess.Closed():
		assert.Equal(t, model.CloseServiceStopped, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed after service stopped")
	}
}

func TestRestartClosesSessionWithServiceRestarted(t *testing.T) {
	hub := NewHub()
	svc := newRunningService(t, hub, &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "sleep 5"}})

	sess, err := hub.Attach(svc)
	require.NoError(t, err)

	require.NoError(t, svc.Restart(context.Background()))

	select {
	case reason := <-sess.Closed():
		assert.Equal(t, model.CloseServiceRestarted, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("session was not closed after restart")
	}
	_ = svc.Kill(context.Background())
}

func TestInputIsDeliveredToChild(t *testing.T) {
	hub := NewHub()
	svc := newRunningService(t, hub, &model.Manifest{ID: "svc1", Command: "sh", Args: []string{"-c", "read line; echo \"got:$line\""}})

	sess, err := hub.Attach(svc)
	require.NoError(t, err)
	defer sess.Detach()

	_, err = sess.Write([]byte("hi\n"))
	require.NoError(t, err)

	var out []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case chunk := <-sess.Output():
			out = append(out, chunk...)
		case <-time.After(100 * time.Millisecond):
		}
		if strings.Contains(string(out), "got:hi") {
			break
		}
	}
	assert.Contains(t, string(out), "got:hi")
}
