// Package attachhub implements the multi-client PTY attach surface:
// replay-on-attach, live fanout over internal/logring, serialized input
// delivery into the service's single PTY writer, and epoch-based session
// invalidation when a service restarts or stops.
package attachhub

import (
	"sync"

	"github.com/processd/processd/internal/ids"
	"github.com/processd/processd/internal/logring"
	"github.com/processd/processd/internal/model"
	"github.com/processd/processd/internal/perr"
	"github.com/processd/processd/internal/ptydriver"
	"github.com/processd/processd/internal/runtime"
)

// Hub tracks live attach sessions for every service and implements
// runtime.Listener so it can invalidate sessions the moment a service
// transitions out of Running or restarts under them.
type Hub struct {
	mu       sync.Mutex
	services map[model.ServiceId]*serviceState
}

type serviceState struct {
	mu       sync.Mutex // serializes writes into svc across concurrent sessions
	svc      *runtime.Service
	epoch    uint64
	sessions map[string]*Session
}

var _ runtime.Listener = (*Hub)(nil)

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{services: make(map[model.ServiceId]*serviceState)}
}

// Session is one client's live view onto a service's PTY: replayed
// backlog followed by live chunks, until the service stops, restarts, the
// client detaches, or the client falls too far behind to keep up.
type Session struct {
	id        string
	serviceID model.ServiceId

	hub *Hub
	svc *runtime.Service
	sub *logring.Subscription

	out    chan []byte
	closed chan model.CloseReason
	stop   chan model.CloseReason
}

// ID returns this session's identifier.
func (s *Session) ID() string { return s.id }

// Output is the channel of live (and, for the first value, replayed)
// output chunks.
func (s *Session) Output() <-chan []byte { return s.out }

// Closed is sent to exactly once, with the reason the session ended.
func (s *Session) Closed() <-chan model.CloseReason { return s.closed }

// Write sends p to the underlying service's PTY stdin, serialized against
// every other session attached to the same service.
func (s *Session) Write(p []byte) (int, error) {
	return s.hub.write(s.serviceID, p)
}

// Signal forwards sig directly to the process via the PTY driver.
func (s *Session) Signal(sig ptydriver.Signal) error {
	return s.svc.RawSignal(sig)
}

// Detach ends this session from the client side.
func (s *Session) Detach() {
	s.signalStop(model.CloseNormal)
}

func (s *Session) signalStop(reason model.CloseReason) {
	select {
	case s.stop <- reason:
	default:
	}
}

func (s *Session) run(replay []byte) {
	defer func() {
		s.sub.Close()
		s.hub.remove(s.serviceID, s.id)
	}()

	if len(replay) > 0 {
		select {
		case s.out <- replay:
		case reason := <-s.stop:
			s.finish(reason)
			return
		}
	}

	for {
		select {
		case chunk, ok := <-s.sub.Chunks():
			if !ok {
				s.finish(model.CloseInternalError)
				return
			}
			select {
			case s.out <- chunk:
			case reason := <-s.stop:
				s.finish(reason)
				return
			}
		case <-s.sub.Lagged():
			s.finish(model.CloseLagged)
			return
		case reason := <-s.stop:
			s.finish(reason)
			return
		}
	}
}

func (s *Session) finish(reason model.CloseReason) {
	s.closed <- reason
	close(s.out)
}

// Attach creates a new session on svc, replaying buffered output before
// delivering live chunks. Admission requires the service to be Running or
// Starting; anything else fails with perr.ErrIllegalTransition.
func (h *Hub) Attach(svc *runtime.Service) (*Session, error) {
	rs := svc.Snapshot()
	if rs.State != model.StateRunning && rs.State != model.StateStarting {
		return nil, perr.Wrapf(perr.ErrIllegalTransition, "service %q is not running", svc.ID())
	}

	st := h.stateFor(svc, rs.AttachToken)

	// Subscribe and snapshot atomically: a chunk appended between the two
	// would otherwise reach this session twice, once replayed and once live.
	sub, replay := svc.Ring().SubscribeWithSnapshot(0)

	s := &Session{
		id:        ids.New(),
		serviceID: svc.ID(),
		hub:       h,
		svc:       svc,
		sub:       sub,
		out:       make(chan []byte, 256),
		closed:    make(chan model.CloseReason, 1),
		stop:      make(chan model.CloseReason, 1),
	}

	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()

	go s.run(replay)
	return s, nil
}

func (h *Hub) stateFor(svc *runtime.Service, epoch uint64) *serviceState {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.services[svc.ID()]
	if !ok {
		st = &serviceState{svc: svc, epoch: epoch, sessions: make(map[string]*Session)}
		h.services[svc.ID()] = st
	}
	return st
}

func (h *Hub) remove(id model.ServiceId, sessionID string) {
	h.mu.Lock()
	st, ok := h.services[id]
	h.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	delete(st.sessions, sessionID)
	st.mu.Unlock()
}

func (h *Hub) write(id model.ServiceId, p []byte) (int, error) {
	h.mu.Lock()
	st, ok := h.services[id]
	h.mu.Unlock()
	if !ok {
		return 0, perr.Wrapf(perr.ErrIllegalTransition, "service %q has no attach sessions", id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.svc.WriteInput(p)
}

// OnTransition implements runtime.Listener. A service leaving Running
// closes every attached session: with CloseReason ServiceRestarted when the
// stop is part of a restart chain (so clients know to re-attach rather than
// treat it as a normal exit), ServiceStopped otherwise. A new epoch
// beginning (the Starting transition) is recorded so sessions admitted
// during Starting survive the promotion to Running.
func (h *Hub) OnTransition(id model.ServiceId, rs model.RuntimeState) {
	h.mu.Lock()
	st, ok := h.services[id]
	h.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	switch rs.State {
	case model.StateStarting:
		st.epoch = rs.AttachToken
	case model.StateRunning:
		if st.epoch != rs.AttachToken {
			st.epoch = rs.AttachToken
			for _, s := range st.sessions {
				s.signalStop(model.CloseServiceRestarted)
			}
		}
	default:
		reason := model.CloseServiceStopped
		if rs.Restarting {
			reason = model.CloseServiceRestarted
		}
		for _, s := range st.sessions {
			s.signalStop(reason)
		}
	}
}
