// Package session implements the per-connection protocol state machine and
// the request handlers that run against the shared account directory and
// mailbox store.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State of a session
type State int

const (
	StateAwaitVersion State = iota // no frame received yet
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateAwaitVersion:
		return "await_version"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Reasons a session ends
const (
	EndVersionMismatch = "version_mismatch"
	EndUnknownOpcode   = "unknown_opcode"
	EndRequested       = "end_request"
	EndMalformedFrame  = "malformed_frame"
)

// Session is the protocol state of one connection. Frames for a session are
// dispatched by a single goroutine; the login is also read and cleared by
// other sessions through the registry.
type Session struct {
	ID         string
	RemoteAddr string
	StartedAt  time.Time

	mu             sync.Mutex
	state          State
	unknownOpcodes int
	account        string
	endReason      string
	pusher         Pusher
}

// New creates a session awaiting its first frame
func New(remoteAddr string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ended reports whether the session accepts no more frames
func (s *Session) Ended() bool {
	return s.State() == StateEnded
}

// EndReason returns why the session ended, or "" while it is alive
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Account returns the logged-in account name
func (s *Session) Account() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account, s.account != ""
}

// UnknownOpcodes returns how many unrecognized opcodes were received
func (s *Session) UnknownOpcodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unknownOpcodes
}

// SetPusher attaches the transport used for push notifications
func (s *Session) SetPusher(p Pusher) {
	s.mu.Lock()
	s.pusher = p
	s.mu.Unlock()
}

func (s *Session) getPusher() Pusher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pusher
}

func (s *Session) activate() {
	s.mu.Lock()
	if s.state == StateAwaitVersion {
		s.state = StateActive
	}
	s.mu.Unlock()
}

func (s *Session) end(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return false
	}
	s.state = StateEnded
	s.endReason = reason
	return true
}

// countUnknown records an unrecognized opcode and returns the new count
func (s *Session) countUnknown() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unknownOpcodes++
	return s.unknownOpcodes
}

// login sets the account and returns the previous one
func (s *Session) login(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.account
	s.account = name
	return prev
}

// logout clears the account if it is still name
func (s *Session) logout(name string) {
	s.mu.Lock()
	if s.account == name {
		s.account = ""
	}
	s.mu.Unlock()
}
