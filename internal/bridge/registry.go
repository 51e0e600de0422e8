package bridge

import (
	"sync"
	"time"

	"github.com/bt-bridge/voice-bridge/shared"
)

// DefaultRemoveDelay is the grace window between the terminal stream message
// and the session becoming unresolvable, so trailing usage and status events
// still find the session for broadcast.
const DefaultRemoveDelay = 5 * time.Second

// Registry is the in-memory call table. It owns session creation and delayed
// teardown; it is the only structure (besides the observer set) touched by
// more than one session concurrently.
type Registry struct {
	removeDelay time.Duration

	mu       sync.Mutex
	sessions map[string]*CallSession
	timers   map[string]*time.Timer
	onChange func(n int)
}

func NewRegistry(removeDelay time.Duration) *Registry {
	if removeDelay <= 0 {
		removeDelay = DefaultRemoveDelay
	}
	return &Registry{
		removeDelay: removeDelay,
		sessions:    make(map[string]*CallSession),
		timers:      make(map[string]*time.Timer),
	}
}

// SetOnChange registers a callback invoked with the session count after every
// create and remove. Used to keep the active-sessions gauge current.
func (r *Registry) SetOnChange(fn func(n int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Create registers a new session. Duplicate call identifiers are rejected;
// callers must pass a fresh identifier or expect ErrDuplicateCall.
func (r *Registry) Create(callID string, cfg SessionConfig, recording bool, twilio *safeConn) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[callID]; exists {
		return nil, shared.ErrDuplicateCall
	}
	sess := newCallSession(callID, cfg, recording, twilio)
	r.sessions[callID] = sess
	r.notifyLocked()
	return sess, nil
}

// Lookup resolves a call identifier to its session.
func (r *Registry) Lookup(callID string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callID]
	return sess, ok
}

// Remove drops the session immediately. Idempotent.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.timers[callID]; ok {
		timer.Stop()
		delete(r.timers, callID)
	}
	if _, ok := r.sessions[callID]; !ok {
		return
	}
	delete(r.sessions, callID)
	r.notifyLocked()
}

// ScheduleRemove arranges for Remove after the grace delay. Scheduling twice
// keeps the earlier timer.
func (r *Registry) ScheduleRemove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callID]; !ok {
		return
	}
	if _, ok := r.timers[callID]; ok {
		return
	}
	r.timers[callID] = time.AfterFunc(r.removeDelay, func() {
		r.Remove(callID)
	})
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every session's connections and clears the table. Used on
// process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*CallSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	r.sessions = make(map[string]*CallSession)
	r.notifyLocked()
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.closeConns()
	}
}

func (r *Registry) notifyLocked() {
	if r.onChange != nil {
		r.onChange(len(r.sessions))
	}
}
