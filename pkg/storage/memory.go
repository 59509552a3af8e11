package storage

import (
	"context"
	"iter"
	"slices"
	"sync"
)

// MemoryStore keeps accounts and mailboxes in process memory. Delivered
// messages are removed from the mailbox.
//
// Lock order is always store.mu before mailbox.mu.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memMailbox
}

type memMailbox struct {
	mu     sync.Mutex
	unread []Message
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*memMailbox)}
}

// Create adds an account
func (s *MemoryStore) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[name]; exists {
		return ErrAlreadyExists
	}
	s.accounts[name] = &memMailbox{}
	return nil
}

// Exists reports whether the account is known
func (s *MemoryStore) Exists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.accounts[name]
	return exists, nil
}

// Delete removes the account and drops its mailbox
func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, exists := s.accounts[name]
	if !exists {
		return ErrNotFound
	}
	delete(s.accounts, name)

	mb.mu.Lock()
	mb.unread = nil
	mb.mu.Unlock()

	return nil
}

// List yields matching names in lexicographic order
func (s *MemoryStore) List(ctx context.Context, pattern string) (iter.Seq2[string, error], error) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.accounts))
	for name := range s.accounts {
		names = append(names, name)
	}
	s.mu.RUnlock()
	slices.Sort(names)

	src := func(yield func(string, error) bool) {
		for _, name := range names {
			if !yield(name, nil) {
				return
			}
		}
	}
	return filterNames(ctx, re, src), nil
}

// Append queues msg in the receiver's mailbox
func (s *MemoryStore) Append(ctx context.Context, msg Message) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mb, exists := s.accounts[msg.Receiver]
	if !exists {
		return Message{}, ErrUnknownReceiver
	}

	if msg.ID == "" {
		msg = NewMessage(msg.Sender, msg.Receiver, msg.Body)
	}
	msg.Read = false

	mb.mu.Lock()
	mb.unread = append(mb.unread, msg)
	mb.mu.Unlock()

	return msg, nil
}

// PullUnread detaches every unread message of account
func (s *MemoryStore) PullUnread(ctx context.Context, account string) (iter.Seq2[Message, error], error) {
	s.mu.RLock()
	mb, exists := s.accounts[account]
	if !exists {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}

	mb.mu.Lock()
	taken := mb.unread
	mb.unread = nil
	mb.mu.Unlock()
	s.mu.RUnlock()

	return func(yield func(Message, error) bool) {
		for _, msg := range taken {
			msg.Read = true
			if !yield(msg, nil) {
				return
			}
		}
	}, nil
}

// HasUnread reports whether account has undelivered messages
func (s *MemoryStore) HasUnread(ctx context.Context, account string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mb, exists := s.accounts[account]
	if !exists {
		return false, nil
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.unread) > 0, nil
}

// Stats counts accounts and unread messages
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Driver: "memory", Accounts: len(s.accounts)}
	for _, mb := range s.accounts {
		mb.mu.Lock()
		stats.UnreadMessages += len(mb.unread)
		mb.mu.Unlock()
	}
	return stats, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
