// Package scheduler drives cron-triggered service actions. One
// github.com/robfig/cron/v3 engine multiplexes every service's schedule,
// using the six-field (seconds-resolution) grammar.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/processd/processd/internal/model"
	"github.com/processd/processd/internal/perr"
)

// Actuator is the subset of supervisor behavior the scheduler needs to
// fire a schedule's action. internal/supervisor implements it; keeping it
// as a narrow interface here avoids an import cycle.
type Actuator interface {
	StartService(id model.ServiceId) error
	StopService(id model.ServiceId) error
	RestartService(id model.ServiceId) error
}

// Scheduler owns one cron engine multiplexing every service's schedule.
type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	parser   cron.Parser
	entries  map[model.ServiceId]cron.EntryID
	actuator Actuator
	log      zerolog.Logger
}

// New constructs a Scheduler. Call Start to begin firing schedules.
func New(actuator Actuator, log zerolog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:     cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		parser:   parser,
		entries:  make(map[model.ServiceId]cron.EntryID),
		actuator: actuator,
		log:      log,
	}
}

// Start begins firing registered schedules in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the engine and returns a channel that robfig/cron closes once
// every in-flight job has finished.
func (s *Scheduler) Stop() <-chan struct{} {
	return s.cron.Stop().Done()
}

// withTimezone prefixes a cron expression with the CRON_TZ directive
// robfig/cron recognizes, giving each schedule its own timezone without
// needing a per-job engine.
func withTimezone(expr, tz string) string {
	if tz == "" {
		return expr
	}
	return fmt.Sprintf("CRON_TZ=%s %s", tz, expr)
}

// SetSchedule installs, replaces, or removes (when sched is nil or
// disabled) the firing schedule for id.
func (s *Scheduler) SetSchedule(id model.ServiceId, sched *model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[id]; ok {
		s.cron.Remove(existing)
		delete(s.entries, id)
	}
	if sched == nil || !sched.Enabled {
		return nil
	}

	parsed, err := s.parser.Parse(withTimezone(sched.CronExpr, sched.Timezone))
	if err != nil {
		return perr.Wrapf(perr.ErrInvalidArgument, "cron expression %q: %v", sched.CronExpr, err)
	}

	action := sched.Action
	entryID := s.cron.Schedule(parsed, cron.FuncJob(func() { s.fire(id, action) }))
	s.entries[id] = entryID
	return nil
}

// RemoveSchedule uninstalls any schedule registered for id.
func (s *Scheduler) RemoveSchedule(id model.ServiceId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[id]; ok {
		s.cron.Remove(existing)
		delete(s.entries, id)
	}
}

func (s *Scheduler) fire(id model.ServiceId, action model.ScheduleAction) {
	var err error
	switch action {
	case model.ActionStart:
		err = s.actuator.StartService(id)
	case model.ActionStop:
		err = s.actuator.StopService(id)
	case model.ActionRestart:
		err = s.actuator.RestartService(id)
	default:
		err = perr.Newf("unknown schedule action %q", action)
	}
	if err != nil {
		s.log.Error().Err(err).Str("service_id", string(id)).Str("action", string(action)).Msg("scheduled action failed")
	}
}

// ValidateCron parses expr (optionally in timezone tz) and returns its next
// three firing instants without installing a schedule.
func (s *Scheduler) ValidateCron(expr, tz string) ([]time.Time, error) {
	parsed, err := s.parser.Parse(withTimezone(expr, tz))
	if err != nil {
		return nil, perr.Wrapf(perr.ErrInvalidArgument, "cron expression %q: %v", expr, err)
	}

	now := time.Now().UTC()
	if tz != "" {
		if loc, lerr := time.LoadLocation(tz); lerr == nil {
			now = now.In(loc)
		} else {
			return nil, perr.Wrapf(perr.ErrInvalidArgument, "timezone %q: %v", tz, lerr)
		}
	}

	next := make([]time.Time, 0, 3)
	t := now
	for i := 0; i < 3; i++ {
		t = parsed.Next(t)
		next = append(next, t)
	}
	return next, nil
}
