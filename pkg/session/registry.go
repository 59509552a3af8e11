package session

import (
	"sync"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
)

// Pusher delivers a server-originated frame outside the request/response
// flow. Implementations must not block on a slow peer.
type Pusher interface {
	Push(f protocol.Frame) error
}

// Registry tracks which live sessions are logged in as which account
type Registry struct {
	mu        sync.RWMutex
	byAccount map[string]map[*Session]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byAccount: make(map[string]map[*Session]struct{})}
}

// Bind logs s in as account, moving it off any previous account
func (r *Registry) Bind(s *Session, account string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := s.login(account)
	if prev != "" && prev != account {
		r.removeLocked(prev, s)
	}

	set, ok := r.byAccount[account]
	if !ok {
		set = make(map[*Session]struct{})
		r.byAccount[account] = set
	}
	set[s] = struct{}{}
}

// Unbind drops s from the registry, typically when its connection closes
func (r *Registry) Unbind(s *Session) {
	account, ok := s.Account()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(account, s)
}

// Forget logs every session out of account and returns how many there were
func (r *Registry) Forget(account string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byAccount[account]
	for s := range set {
		s.logout(account)
	}
	delete(r.byAccount, account)
	return len(set)
}

// Notify pushes f to every session logged in as account. It returns the
// number of sessions the frame was handed to.
func (r *Registry) Notify(account string, f protocol.Frame) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byAccount[account]))
	for s := range r.byAccount[account] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		p := s.getPusher()
		if p == nil {
			continue
		}
		if err := p.Push(f); err == nil {
			delivered++
		}
	}
	return delivered
}

// Sessions returns how many sessions are logged in as account
func (r *Registry) Sessions(account string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAccount[account])
}

// Len returns the number of accounts with at least one live session
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAccount)
}

func (r *Registry) removeLocked(account string, s *Session) {
	set, ok := r.byAccount[account]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.byAccount, account)
	}
}
