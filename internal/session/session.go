package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of a Session.
type Status struct {
	Identity          string       `json:"session"`
	State             string       `json:"state"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
	LastOpenedAt      *time.Time   `json:"last_opened_at,omitempty"`
	QR                string       `json:"qr,omitempty"`
	LastClose         *CloseReason `json:"last_close,omitempty"`
}

// session is one supervised connection. Fields are guarded by registry.mu.
type session struct {
	identity          string
	state             State
	reconnectAttempts int
	lastOpenedAt      time.Time
	handle            Handle
	generation        uint64
	qr                string
	lastClose         *CloseReason

	retryTimer    clockwork.Timer
	cooldownTimer clockwork.Timer
}

func (s *session) status() Status {
	st := Status{
		Identity:          s.identity,
		State:             s.state.String(),
		ReconnectAttempts: s.reconnectAttempts,
		QR:                s.qr,
	}
	if !s.lastOpenedAt.IsZero() {
		t := s.lastOpenedAt
		st.LastOpenedAt = &t
	}
	if s.lastClose != nil {
		reason := *s.lastClose
		st.LastClose = &reason
	}
	return st
}

func (s *session) stopRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *session) stopCooldown() {
	if s.cooldownTimer != nil {
		s.cooldownTimer.Stop()
		s.cooldownTimer = nil
	}
}

// registry maps identities to sessions. mu guards the map and every session
// stored in it.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

// getOrCreate and get expect r.mu to be held.
func (r *registry) getOrCreate(identity string) *session {
	if s, ok := r.sessions[identity]; ok {
		return s
	}
	s := &session{identity: identity, state: StateIdle}
	r.sessions[identity] = s
	return s
}

func (r *registry) get(identity string) (*session, bool) {
	s, ok := r.sessions[identity]
	return s, ok
}
