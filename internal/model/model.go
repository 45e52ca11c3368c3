// Package model defines the data types shared across the supervisor: service
// identifiers, manifests, groups, runtime state, and schedules. Nothing in
// this package touches I/O; it is the vocabulary every other package talks
// in.
package model

import (
	"regexp"
	"time"
)

// serviceIDPattern is the allowed grammar for a ServiceId: URL-safe, no
// separators that would break file names or routes.
var serviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ServiceId is an opaque, URL-safe identifier, unique within a manifest store.
type ServiceId string

// Valid reports whether id matches the allowed ServiceId grammar.
func (id ServiceId) Valid() bool {
	return id != "" && serviceIDPattern.MatchString(string(id))
}

func (id ServiceId) String() string { return string(id) }

// ScheduleAction names the control operation a Schedule fires.
type ScheduleAction string

const (
	ActionStart   ScheduleAction = "start"
	ActionStop    ScheduleAction = "stop"
	ActionRestart ScheduleAction = "restart"
)

// Schedule is a cron-driven action bound to one service.
type Schedule struct {
	Enabled  bool           `yaml:"enabled"`
	CronExpr string         `yaml:"cron_expr"`
	Action   ScheduleAction `yaml:"action"`
	Timezone string         `yaml:"timezone,omitempty"`
}

// Manifest is the declarative description of a service.
type Manifest struct {
	ID   ServiceId `yaml:"id"`
	Name string    `yaml:"name"`

	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty"`
	RunAs   string            `yaml:"run_as,omitempty"`

	AutoStart        bool   `yaml:"auto_start"`
	AutoRestart      bool   `yaml:"auto_restart"`
	ClearLogOnStart  bool   `yaml:"clear_log_on_start"`
	ShutdownCommand  string `yaml:"shutdown_command,omitempty"`
	LogPath          string `yaml:"log_path,omitempty"`

	Tags  []string `yaml:"tags,omitempty"`
	Group string   `yaml:"group,omitempty"`
	Order int      `yaml:"order"`

	Schedule *Schedule `yaml:"schedule,omitempty"`

	// Revision is set to 1 on create and bumped on every update, so tests
	// can distinguish "unchanged" from "rewritten". The store does not
	// compare an incoming Revision on update.
	Revision int `yaml:"revision"`
}

// ShutdownCommandOrDefault returns the manifest's configured shutdown
// command, falling back to "stop".
func (m *Manifest) ShutdownCommandOrDefault() string {
	if m.ShutdownCommand == "" {
		return "stop"
	}
	return m.ShutdownCommand
}

// Clone returns a deep copy of m so stored manifests are never aliased with
// caller-held values.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	if m.Args != nil {
		c.Args = append([]string(nil), m.Args...)
	}
	if m.Env != nil {
		c.Env = make(map[string]string, len(m.Env))
		for k, v := range m.Env {
			c.Env[k] = v
		}
	}
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	if m.Schedule != nil {
		s := *m.Schedule
		c.Schedule = &s
	}
	return &c
}

// GroupId identifies a Group.
type GroupId string

// Group is a UI-oriented grouping of services; cardinality is independent of
// services (a group may have zero members).
type Group struct {
	ID    GroupId `yaml:"id"`
	Name  string  `yaml:"name"`
	Order int     `yaml:"order"`
	Color string  `yaml:"color,omitempty"`
}

// State is one of the service runtime's lifecycle states.
type State string

const (
	StateStopped  State = "Stopped"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateCrashed  State = "Crashed"
	// StateUnknown is never stored; it is only ever reported to the outside
	// when the supervisor cannot determine the true state of a service.
	StateUnknown State = "Unknown"
)

// ExitInfo records how and when a service last stopped.
type ExitInfo struct {
	ExitCode  int       `json:"exit_code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

// RuntimeState is the ephemeral, per-service state. It is a read-only
// snapshot; the live, mutable copy lives inside internal/runtime.Service
// and is guarded by that service's own lock.
type RuntimeState struct {
	State State

	PID         int
	StartedAt   time.Time
	ExitInfo    ExitInfo
	AttachToken uint64

	// Restarting is true while the service is stopping as part of a
	// restart chain, so the attach hub can close sessions with
	// service_restarted instead of service_stopped.
	Restarting bool

	// LastError carries the most recent SpawnFailed/IoError message so
	// callers don't need to scrape the log ring to learn why a service is
	// Crashed.
	LastError string
}

// CloseReason is the well-defined reason an attach session was closed.
type CloseReason string

const (
	CloseNormal            CloseReason = "normal"
	CloseServiceStopped    CloseReason = "service_stopped"
	CloseServiceRestarted  CloseReason = "service_restarted"
	CloseAuthFailed        CloseReason = "auth_failed"
	CloseInternalError     CloseReason = "internal_error"
	CloseLagged            CloseReason = "lagged"
)
