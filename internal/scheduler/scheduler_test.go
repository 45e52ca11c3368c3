package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/processd/processd/internal/model"
)

type recordingActuator struct {
	mu      sync.Mutex
	started []model.ServiceId
	stopped []model.ServiceId
}

func (a *recordingActuator) StartService(id model.ServiceId) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = append(a.started, id)
	return nil
}

func (a *recordingActuator) StopService(id model.ServiceId) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = append(a.stopped, id)
	return nil
}

func (a *recordingActuator) RestartService(id model.ServiceId) error { return nil }

func (a *recordingActuator) startCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.started)
}

func TestValidateCronReturnsThreeFutureInstants(t *testing.T) {
	s := New(&recordingActuator{}, zerolog.Nop())
	next, err := s.ValidateCron("0 0 8 * * *", "")
	require.NoError(t, err)
	require.Len(t, next, 3)
	now := time.Now()
	assert.True(t, next[0].After(now))
	assert.Equal(t, 24*time.Hour, next[1].Sub(next[0]))
	assert.Equal(t, 24*time.Hour, next[2].Sub(next[1]))
}

func TestValidateCronRejectsMalformedExpression(t *testing.T) {
	s := New(&recordingActuator{}, zerolog.Nop())
	_, err := s.ValidateCron("not a cron expression", "")
	assert.Error(t, err)
}

func TestValidateCronRejectsUnknownTimezone(t *testing.T) {
	s := New(&recordingActuator{}, zerolog.Nop())
	_, err := s.ValidateCron("0 0 12 * * *", "Nowhere/Nonexistent")
	assert.Error(t, err)
}

func TestSetScheduleFiresStartAction(t *testing.T) {
	actuator := &recordingActuator{}
	s := New(actuator, zerolog.Nop())
	require.NoError(t, s.SetSchedule("svc1", &model.Schedule{
		Enabled: true, CronExpr: "* * * * * *", Action: model.ActionStart,
	}))
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if actuator.startCount() > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("scheduled start action never fired")
}

func TestRemoveScheduleStopsFiring(t *testing.T) {
	actuator := &recordingActuator{}
	s := New(actuator, zerolog.Nop())
	require.NoError(t, s.SetSchedule("svc1", &model.Schedule{
		Enabled: true, CronExpr: "* * * * * *", Action: model.ActionStart,
	}))
	s.RemoveSchedule("svc1")
	s.Start()
	defer s.Stop()

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 0, actuator.startCount())
}

func TestSetScheduleWithDisabledIsNoop(t *testing.T) {
	actuator := &recordingActuator{}
	s := New(actuator, zerolog.Nop())
	require.NoError(t, s.SetSchedule("svc1", &model.Schedule{Enabled: false, CronExpr: "* * * * * *"}))
	s.Start()
	defer s.Stop()

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 0, actuator.startCount())
}
