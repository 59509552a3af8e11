package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// MaxNameLength bounds account names in bytes
const MaxNameLength = 64

var (
	ErrAlreadyExists   = errors.New("account already exists")
	ErrInvalidName     = errors.New("invalid account name")
	ErrNotFound        = errors.New("account not found")
	ErrInvalidPattern  = errors.New("invalid pattern")
	ErrUnknownReceiver = errors.New("unknown receiver")
	ErrCorrupted       = errors.New("stored message corrupted")
)

// Message is one message owned by the receiver's mailbox
type Message struct {
	ID       string
	Sender   string
	Receiver string
	Body     string
	SentAt   time.Time
	Read     bool
}

// NewMessage creates an unread message with a fresh sortable ID
func NewMessage(sender, receiver, body string) Message {
	return Message{
		ID:       ulid.Make().String(),
		Sender:   sender,
		Receiver: receiver,
		Body:     body,
		SentAt:   time.Now().UTC(),
	}
}

// Directory is the set of known accounts
type Directory interface {
	// Create adds name. At most one of several concurrent creates of the
	// same name succeeds; the others get ErrAlreadyExists.
	Create(ctx context.Context, name string) error

	// Exists reports whether name is a known account
	Exists(ctx context.Context, name string) (bool, error)

	// Delete removes name and everything in its mailbox
	Delete(ctx context.Context, name string) error

	// List returns the names fully matching pattern. The pattern is
	// validated before the sequence is returned; the sequence itself is
	// lazy and may be consumed once.
	List(ctx context.Context, pattern string) (iter.Seq2[string, error], error)
}

// Mailbox holds per-account messages in send order
type Mailbox interface {
	// Append adds msg to the receiver's mailbox as unread
	Append(ctx context.Context, msg Message) (Message, error)

	// PullUnread atomically takes every unread message of account, marks
	// them read and returns them oldest first. A message is returned by at
	// most one pull.
	PullUnread(ctx context.Context, account string) (iter.Seq2[Message, error], error)

	// HasUnread reports whether account has at least one unread message
	HasUnread(ctx context.Context, account string) (bool, error)
}

// Stats summarizes store contents
type Stats struct {
	Driver         string `json:"driver"`
	Accounts       int    `json:"accounts"`
	UnreadMessages int    `json:"unread_messages"`
}

// Store is a backend serving both the directory and the mailboxes
type Store interface {
	Directory
	Mailbox
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// ValidateName applies the directory naming policy: non-empty, valid UTF-8,
// no whitespace or control characters, at most MaxNameLength bytes.
// Names are case-sensitive.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains %q", ErrInvalidName, r)
		}
	}
	return nil
}

// CompilePattern compiles a listing pattern so that it must match the whole
// account name.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	// Validate on its own first so a pattern cannot escape the anchoring group.
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

// filterNames lazily yields the names of src accepted by re
func filterNames(ctx context.Context, re *regexp.Regexp, src iter.Seq2[string, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for name, err := range src {
			if err != nil {
				yield("", err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !re.MatchString(name) {
				continue
			}
			if !yield(name, nil) {
				return
			}
		}
	}
}
