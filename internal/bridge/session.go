package bridge

import (
	"context"
	"sync"
	"time"
)

type streamState int

const (
	stateAwaitingStart streamState = iota
	stateStreaming
	stateTerminated
)

// CallSession is the per-call state, owned by the Registry for its lifetime.
// The telephony connection is exclusively owned by the session; the model
// connection is nil before the telephony start message and after teardown.
type CallSession struct {
	CallID    string
	Config    SessionConfig
	StartedAt time.Time

	Recording *Recording
	Usage     *UsageTracker

	mu          sync.Mutex
	state       streamState
	streamSID   string
	callSID     string
	twilio      *safeConn
	model       *safeConn
	modelCancel context.CancelFunc
	observers   map[*safeConn]struct{}

	terminateOnce sync.Once
}

func newCallSession(callID string, cfg SessionConfig, recording bool, twilio *safeConn) *CallSession {
	return &CallSession{
		CallID:    callID,
		Config:    cfg,
		StartedAt: time.Now(),
		Recording: NewRecording(recording),
		Usage:     NewUsageTracker(),
		twilio:    twilio,
		observers: make(map[*safeConn]struct{}),
	}
}

func (s *CallSession) currentState() streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// beginStream records the protocol-assigned stream handle and moves the
// session into the streaming state. Returns false when the session is not
// awaiting a start message.
func (s *CallSession) beginStream(streamSID, callSID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateAwaitingStart {
		return false
	}
	s.state = stateStreaming
	s.streamSID = streamSID
	s.callSID = callSID
	return true
}

func (s *CallSession) markTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateTerminated
}

// StreamSID returns the telephony stream handle, empty until the start
// message arrives.
func (s *CallSession) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *CallSession) modelConn() *safeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// adoptModelConn attaches the freshly dialed model connection. Returns false
// when the session terminated while the dial was in flight, in which case the
// caller must close the connection instead.
func (s *CallSession) adoptModelConn(mc *safeConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateTerminated || s.model != nil {
		return false
	}
	s.model = mc
	return true
}

func (s *CallSession) setModelCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelCancel = cancel
}

func (s *CallSession) takeModelCancel() context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel := s.modelCancel
	s.modelCancel = nil
	return cancel
}

func (s *CallSession) addObserver(sc *safeConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[sc] = struct{}{}
}

func (s *CallSession) removeObserver(sc *safeConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, sc)
}

// observerList snapshots the per-call observer set so broadcast can iterate
// without holding the session lock.
func (s *CallSession) observerList() []*safeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*safeConn, 0, len(s.observers))
	for sc := range s.observers {
		out = append(out, sc)
	}
	return out
}

// closeConns closes both connections. Used on process shutdown; in-flight
// sends fail fast instead of hanging.
func (s *CallSession) closeConns() {
	s.mu.Lock()
	twilio, model := s.twilio, s.model
	s.mu.Unlock()
	if model != nil {
		_ = model.Close()
	}
	if twilio != nil {
		_ = twilio.Close()
	}
}
