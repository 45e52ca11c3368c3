// Package supervisor is the top-level owner wiring manifeststore, policy,
// runtime, attachhub, and scheduler into the public control plane:
// list/get/create/update/delete, start/stop/shutdown/kill/restart,
// attach/tail/stream_logs, set_schedule/validate_cron, and group
// CRUD/reorder. Every operation is authorized against a Caller capability;
// the wire transport in front of the supervisor is left to callers.
package supervisor

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/processd/processd/internal/attachhub"
	"github.com/processd/processd/internal/config"
	"github.com/processd/processd/internal/logring"
	"github.com/processd/processd/internal/manifeststore"
	"github.com/processd/processd/internal/model"
	"github.com/processd/processd/internal/perr"
	"github.com/processd/processd/internal/policy"
	"github.com/processd/processd/internal/runtime"
	"github.com/processd/processd/internal/scheduler"
)

// Caller is the capability token every operation is authorized against: an
// admin caller may act on any service; a non-admin caller is restricted to
// an explicit set of service ids, or the wildcard "*" for "every service".
type Caller struct {
	ID        string
	Admin     bool
	Permitted map[model.ServiceId]bool
}

func (c Caller) allows(id model.ServiceId) bool {
	if c.Admin {
		return true
	}
	return c.Permitted["*"] || c.Permitted[id]
}

// Supervisor is the process-wide owner of every supervised service.
type Supervisor struct {
	store     *manifeststore.Store
	guard     *policy.Guard
	hub       *attachhub.Hub
	scheduler *scheduler.Scheduler
	log       zerolog.Logger

	// services is read-mostly: control operations and the scheduler look
	// runtimes up concurrently; only Create/Delete write.
	mu       sync.RWMutex
	services map[model.ServiceId]*runtime.Service
}

// New builds a Supervisor from cfg: it opens the manifest store, builds a
// Stopped runtime.Service for every persisted manifest, auto-starts the
// ones flagged auto_start, and starts the cron scheduler.
func New(cfg *config.Config, log zerolog.Logger) (*Supervisor, error) {
	store, err := manifeststore.Open(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		store:    store,
		guard:    policy.New(cfg.AllowedCommands, cfg.AllowedCwdPrefixes),
		hub:      attachhub.NewHub(),
		log:      log,
		services: make(map[model.ServiceId]*runtime.Service),
	}
	s.scheduler = scheduler.New(s, log)

	for _, m := range store.List() {
		svc := s.buildRuntime(m)
		s.services[m.ID] = svc
		if m.Schedule != nil {
			if err := s.scheduler.SetSchedule(m.ID, m.Schedule); err != nil {
				s.log.Warn().Err(err).Str("service_id", string(m.ID)).Msg("invalid persisted schedule, skipping")
			}
		}
	}
	s.scheduler.Start()

	for _, m := range store.List() {
		if m.AutoStart {
			if err := s.StartService(m.ID); err != nil {
				s.log.Error().Err(err).Str("service_id", string(m.ID)).Msg("auto_start failed")
			}
		}
	}

	return s, nil
}

func (s *Supervisor) buildRuntime(m *model.Manifest) *runtime.Service {
	return runtime.New(runtime.Config{
		ID:       m.ID,
		Manifest: m,
		Guard:    s.guard,
		Ring:     logring.New(logring.DefaultCapacity),
		Logger:   s.log.With().Str("service_id", string(m.ID)).Logger(),
		Listener: s.hub,
	})
}

func (s *Supervisor) get(id model.ServiceId) (*runtime.Service, error) {
	s.mu.RLock()
	svc, ok := s.services[id]
	s.mu.RUnlock()
	if !ok {
		return nil, perr.Wrapf(perr.ErrNotFound, "service %q", id)
	}
	return svc, nil
}

func (s *Supervisor) authorize(caller Caller, id model.ServiceId) error {
	if !caller.allows(id) {
		return perr.Wrapf(perr.ErrPermissionDenied, "caller %q may not act on service %q", caller.ID, id)
	}
	return nil
}

// StartService, StopService and RestartService implement
// scheduler.Actuator. Cron-triggered actions skip the Caller check since
// the schedule itself was authorized when it was set.
func (s *Supervisor) StartService(id model.ServiceId) error {
	svc, err := s.get(id)
	if err != nil {
		return err
	}
	return svc.Start(context.Background())
}

func (s *Supervisor) StopService(id model.ServiceId) error {
	svc, err := s.get(id)
	if err != nil {
		return err
	}
	return svc.Stop(context.Background())
}

func (s *Supervisor) RestartService(id model.ServiceId) error {
	svc, err := s.get(id)
	if err != nil {
		return err
	}
	return svc.Restart(context.Background())
}

// List returns every manifest the caller may see, sorted by (group, order).
func (s *Supervisor) List(caller Caller) []*model.Manifest {
	all := s.store.List()
	if caller.Admin {
		return all
	}
	out := make([]*model.Manifest, 0, len(all))
	for _, m := range all {
		if caller.allows(m.ID) {
			out = append(out, m)
		}
	}
	return out
}

// Get returns the manifest for id if the caller may see it.
func (s *Supervisor) Get(caller Caller, id model.ServiceId) (*model.Manifest, error) {
	if err := s.authorize(caller, id); err != nil {
		return nil, err
	}
	return s.store.Get(id)
}

// Create registers a new service. Only admin callers may create services.
func (s *Supervisor) Create(caller Caller, m *model.Manifest) error {
	if !caller.Admin {
		return perr.Wrapf(perr.ErrPermissionDenied, "caller %q may not create services", caller.ID)
	}
	if err := s.guard.Authorize(m); err != nil {
		return err
	}
	if err := s.store.Create(m); err != nil {
		return err
	}
	stored, err := s.store.Get(m.ID)
	if err != nil {
		return err
	}

	svc := s.buildRuntime(stored)
	s.mu.Lock()
	s.services[stored.ID] = svc
	s.mu.Unlock()
	if stored.Schedule != nil {
		if err := s.scheduler.SetSchedule(stored.ID, stored.Schedule); err != nil {
			s.log.Warn().Err(err).Str("service_id", string(stored.ID)).Msg("invalid schedule on create")
		}
	}
	if stored.AutoStart {
		if err := svc.Start(context.Background()); err != nil {
			s.log.Error().Err(err).Str("service_id", string(stored.ID)).Msg("auto_start on create failed")
		}
	}
	return nil
}

// Update replaces the manifest for id. Only admin callers may update.
func (s *Supervisor) Update(caller Caller, id model.ServiceId, m *model.Manifest) error {
	if !caller.Admin {
		return perr.Wrapf(perr.ErrPermissionDenied, "caller %q may not update services", caller.ID)
	}
	if err := s.guard.Authorize(m); err != nil {
		return err
	}
	if err := s.store.Update(id, m); err != nil {
		return err
	}
	stored, err := s.store.Get(id)
	if err != nil {
		return err
	}

	svc, err := s.get(id)
	if err != nil {
		return err
	}
	svc.UpdateManifest(stored)
	return s.scheduler.SetSchedule(id, stored.Schedule)
}

// Delete removes a service's manifest and runtime. Fails with
// perr.ErrServiceBusy if the service is not Stopped or Crashed.
func (s *Supervisor) Delete(caller Caller, id model.ServiceId) error {
	if !caller.Admin {
		return perr.Wrapf(perr.ErrPermissionDenied, "caller %q may not delete services", caller.ID)
	}
	svc, err := s.get(id)
	if err != nil {
		return err
	}
	switch svc.Snapshot().State {
	case model.StateStopped, model.StateCrashed:
	default:
		return perr.Wrapf(perr.ErrServiceBusy, "service %q is not stopped", id)
	}

	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.scheduler.RemoveSchedule(id)
	s.mu.Lock()
	delete(s.services, id)
	s.mu.Unlock()
	return nil
}

// Status returns the current runtime state of id, which the control
// surface reports after every transition request.
func (s *Supervisor) Status(caller Caller, id model.ServiceId) (model.RuntimeState, error) {
	if err := s.authorize(caller, id); err != nil {
		return model.RuntimeState{}, err
	}
	svc, err := s.get(id)
	if err != nil {
		return model.RuntimeState{}, err
	}
	return svc.Snapshot(), nil
}

// Start issues a start transition on id.
func (s *Supervisor) Start(caller Caller, id model.ServiceId) error {
	if err := s.authorize(caller, id); err != nil {
		return err
	}
	svc, err := s.get(id)
	if err != nil {
		return err
	}
	return svc.Start(context.Background())
}

// Stop issues a graceful stop transition on id.
func (s *Supervisor) Stop(caller Caller, id model.ServiceId) error {
	if err := s.authorize(caller, id); err != nil {
		return err
	}
	svc, err := s.get(id)
	if err != nil {
		return err
	}
	return svc.Stop(context.Background())
}

// Shutdown issues the same graceful-stop transition as Stop, exposed under
// its own operation name for API symmetry.
func (s *Supervisor) Shutdown(caller Caller, id model.ServiceId) error {
	return s.Stop(caller, id)
}

// Kill sends KILL immediately, skipping grace/kill escalation.
func (s *Supervisor) Kill(caller Caller, id model.ServiceId) error {
	if err := s.authorize(caller, id); err != nil {
		return err
	}
	svc, err := s.get(id)
	if err != nil {
		return err
	}
	return svc.Kill(context.Background())
}

// Restart chains a stop and a start.
func (s *Supervisor) Restart(caller Caller, id model.ServiceId) error {
	if err := s.authorize(caller, id); err != nil {
		return err
	}
	svc, err := s.get(id)
	if err != nil {
		return err
	}
	return svc.Restart(context.Background())
}

// Attach opens a live attach session on id's PTY.
func (s *Supervisor) Attach(caller Caller, id model.ServiceId) (*attachhub.Session, error) {
	if err := s.authorize(caller, id); err != nil {
		return nil, err
	}
	svc, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return s.hub.Attach(svc)
}

// Tail returns up to maxBytes of id's most recent buffered output.
func (s *Supervisor) Tail(caller Caller, id model.ServiceId, maxBytes int) ([]byte, error) {
	if err := s.authorize(caller, id); err != nil {
		return nil, err
	}
	svc, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return svc.Ring().Snapshot(maxBytes), nil
}

// LogFile opens the on-disk log file the service itself is configured to
// write (manifest log_path), for the transport to stream as a download.
// Fails with perr.ErrNotFound when no log_path is configured or the file
// does not exist.
func (s *Supervisor) LogFile(caller Caller, id model.ServiceId) (io.ReadCloser, error) {
	if err := s.authorize(caller, id); err != nil {
		return nil, err
	}
	m, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if m.LogPath == "" {
		return nil, perr.Wrapf(perr.ErrNotFound, "service %q has no log_path configured", id)
	}
	f, err := os.Open(m.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, perr.Wrapf(perr.ErrNotFound, "log file %q", m.LogPath)
		}
		return nil, perr.Wrapf(perr.ErrIoError, "open log file: %v", err)
	}
	return f, nil
}

// StreamLogs returns a live subscription onto id's log ring, independent of
// any attach session (read-only, no input/signal access).
func (s *Supervisor) StreamLogs(caller Caller, id model.ServiceId) (*logring.Subscription, error) {
	if err := s.authorize(caller, id); err != nil {
		return nil, err
	}
	svc, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return svc.Ring().Subscribe(), nil
}

// SetSchedule persists sched onto id's manifest and installs it in the
// cron engine. Only admin callers may change schedules.
func (s *Supervisor) SetSchedule(caller Caller, id model.ServiceId, sched *model.Schedule) error {
	if !caller.Admin {
		return perr.Wrapf(perr.ErrPermissionDenied, "caller %q may not set schedules", caller.ID)
	}
	m, err := s.store.Get(id)
	if err != nil {
		return err
	}
	m.Schedule = sched
	if err := s.store.Update(id, m); err != nil {
		return err
	}
	stored, err := s.store.Get(id)
	if err != nil {
		return err
	}
	svc, err := s.get(id)
	if err != nil {
		return err
	}
	svc.UpdateManifest(stored)
	return s.scheduler.SetSchedule(id, stored.Schedule)
}

// ValidateCron parses expr and returns its next three firing instants
// without installing anything. Read-only; available to any caller.
func (s *Supervisor) ValidateCron(expr, tz string) ([]time.Time, error) {
	return s.scheduler.ValidateCron(expr, tz)
}

// ListGroups returns every group sorted by Order.
func (s *Supervisor) ListGroups() []model.Group { return s.store.ListGroups() }

// CreateGroup, UpdateGroup, DeleteGroup and Reorder/ReorderGroups are
// admin-only catalogue operations; they pass straight through to the
// manifest store.
func (s *Supervisor) CreateGroup(caller Caller, g model.Group) error {
	if !caller.Admin {
		return perr.Wrapf(perr.ErrPermissionDenied, "caller %q may not manage groups", caller.ID)
	}
	return s.store.CreateGroup(g)
}

func (s *Supervisor) UpdateGroup(caller Caller, g model.Group) error {
	if !caller.Admin {
		return perr.Wrapf(perr.ErrPermissionDenied, "caller %q may not manage groups", caller.ID)
	}
	return s.store.UpdateGroup(g)
}

func (s *Supervisor) DeleteGroup(caller Caller, id model.GroupId) error {
	if !caller.Admin {
		return perr.Wrapf(perr.ErrPermissionDenied, "caller %q may not manage groups", caller.ID)
	}
	return s.store.DeleteGroup(id)
}

func (s *Supervisor) Reorder(caller Caller, entries []manifeststore.ReorderEntry) error {
	if !caller.Admin {
		return perr.Wrapf(perr.ErrPermissionDenied, "caller %q may not reorder services", caller.ID)
	}
	if err := s.store.Reorder(entries); err != nil {
		return err
	}
	for _, e := range entries {
		if stored, err := s.store.Get(e.ID); err == nil {
			if svc, err := s.get(e.ID); err == nil {
				svc.UpdateManifest(stored)
			}
		}
	}
	return nil
}

func (s *Supervisor) ReorderGroups(caller Caller, order map[model.GroupId]int) error {
	if !caller.Admin {
		return perr.Wrapf(perr.ErrPermissionDenied, "caller %q may not reorder groups", caller.ID)
	}
	return s.store.ReorderGroups(order)
}

// Close stops the scheduler and issues a graceful stop to every currently
// running service, used by cmd/processd on SIGINT/SIGTERM.
func (s *Supervisor) Close(ctx context.Context) {
	<-s.scheduler.Stop()

	s.mu.RLock()
	ids := make([]model.ServiceId, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		svc, err := s.get(id)
		if err != nil {
			continue
		}
		switch svc.Snapshot().State {
		case model.StateStopped, model.StateCrashed:
			continue
		}
		if err := svc.Stop(ctx); err != nil {
			s.log.Warn().Err(err).Str("service_id", string(id)).Msg("shutdown: graceful stop failed")
		}
	}
}
