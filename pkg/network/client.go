package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// RequestError is a *_FAILURE answer from the server
type RequestError struct {
	Opcode protocol.Opcode
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Opcode, e.Reason)
}

// Client is a connection to a chat server. Requests are serialized; push
// notifications arrive on Notifications independently of them.
type Client struct {
	conn       net.Conn
	maxPayload int
	logger     zerolog.Logger

	reqMu   sync.Mutex
	writeMu sync.Mutex

	responses     chan protocol.Frame
	notifications chan struct{}
	done          chan struct{}
	closeOnce     sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects to the server at addr
func Dial(ctx context.Context, addr string, logger zerolog.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an established connection and starts its receive loop
func NewClient(conn net.Conn, logger zerolog.Logger) *Client {
	c := &Client{
		conn:          conn,
		maxPayload:    protocol.DefaultMaxPayload,
		logger:        logger.With().Str("component", "client").Str("server", conn.RemoteAddr().String()).Logger(),
		responses:     make(chan protocol.Frame, 16),
		notifications: make(chan struct{}, 16),
		done:          make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Notifications signals each PUSH_MESSAGE_NOTIFICATION. Signals beyond the
// buffer are coalesced.
func (c *Client) Notifications() <-chan struct{} {
	return c.notifications
}

// Done is closed when the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the receive loop stopped
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// receiveLoop reads frames and routes pushes away from responses
func (c *Client) receiveLoop() {
	defer c.shutdown()

	for {
		f, err := protocol.ReadFrame(c.conn, c.maxPayload)
		if err != nil {
			c.setErr(err)
			return
		}

		if f.Opcode == protocol.OpPushMessageNotify {
			select {
			case c.notifications <- struct{}{}:
			default:
			}
			continue
		}
		if f.Opcode.IsRequest() {
			c.logger.Debug().Stringer("opcode", f.Opcode).Msg("Ignoring request opcode from server")
			continue
		}

		select {
		case c.responses <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Close closes the connection
func (c *Client) Close() error {
	c.setErr(ErrNotConnected)
	c.shutdown()
	return nil
}

// SendFrame writes a raw frame
func (c *Client) SendFrame(f protocol.Frame) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, f)
}

// NextFrame waits for the next non-push frame
func (c *Client) NextFrame(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-c.responses:
		return f, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-c.done:
		// frames read before the close are still delivered
		select {
		case f := <-c.responses:
			return f, nil
		default:
		}
		if err := c.Err(); err != nil {
			return protocol.Frame{}, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return protocol.Frame{}, ErrNotConnected
	}
}

// roundTrip sends one request and reads its first response
func (c *Client) roundTrip(ctx context.Context, op protocol.Opcode, payload []byte) (protocol.Frame, error) {
	if err := c.SendFrame(protocol.NewFrame(op, payload)); err != nil {
		return protocol.Frame{}, err
	}
	return c.NextFrame(ctx)
}

func expect(f protocol.Frame, success, failure protocol.Opcode) error {
	switch f.Opcode {
	case success:
		return nil
	case failure:
		var r protocol.Reason
		if err := r.Decode(f.Payload); err != nil {
			return fmt.Errorf("%w: bad failure payload: %w", ErrUnexpectedResponse, err)
		}
		return &RequestError{Opcode: failure, Reason: r.Text}
	default:
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedResponse, f.Opcode, success)
	}
}

// CreateAccount registers name
func (c *Client) CreateAccount(ctx context.Context, name string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	req := protocol.AccountName{Name: name}
	f, err := c.roundTrip(ctx, protocol.OpCreateAccountRequest, req.Encode())
	if err != nil {
		return err
	}
	return expect(f, protocol.OpCreateAccountSuccess, protocol.OpCreateAccountFailure)
}

// Login binds the connection to name and reports whether mail is waiting
func (c *Client) Login(ctx context.Context, name string) (bool, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	req := protocol.AccountName{Name: name}
	f, err := c.roundTrip(ctx, protocol.OpLoginRequest, req.Encode())
	if err != nil {
		return false, err
	}
	if err := expect(f, protocol.OpLoginSuccess, protocol.OpLoginFailure); err != nil {
		return false, err
	}

	var res protocol.LoginResult
	if err := res.Decode(f.Payload); err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)
	}
	return res.UnreadMessages, nil
}

// DeleteAccount removes name and its mailbox
func (c *Client) DeleteAccount(ctx context.Context, name string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	req := protocol.AccountName{Name: name}
	f, err := c.roundTrip(ctx, protocol.OpDeleteAccountRequest, req.Encode())
	if err != nil {
		return err
	}
	return expect(f, protocol.OpDeleteAccountSuccess, protocol.OpDeleteAccountFailure)
}

// ListAccounts returns the names fully matching pattern
func (c *Client) ListAccounts(ctx context.Context, pattern string) ([]string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	req := protocol.ListAccountsRequest{Pattern: pattern}
	f, err := c.roundTrip(ctx, protocol.OpListAccountsRequest, req.Encode())
	if err != nil {
		return nil, err
	}
	if err := expect(f, protocol.OpListAccountsSuccess, protocol.OpListAccountsFailure); err != nil {
		return nil, err
	}

	var names []string
	for {
		f, err := c.NextFrame(ctx)
		if err != nil {
			return nil, err
		}
		if err := expect(f, protocol.OpListAccountsSuccess, protocol.OpListAccountsFailure); err != nil {
			return nil, err
		}
		if len(f.Payload) == 0 {
			return names, nil
		}

		var entry protocol.AccountName
		if err := entry.Decode(f.Payload); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)
		}
		names = append(names, entry.Name)
	}
}

// SendMessage queues body for receiver
func (c *Client) SendMessage(ctx context.Context, sender, receiver, body string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	req := protocol.SendMessageRequest{Sender: sender, Receiver: receiver, Body: body}
	f, err := c.roundTrip(ctx, protocol.OpSendMessageRequest, req.Encode())
	if err != nil {
		return err
	}
	return expect(f, protocol.OpSendMessageSuccess, protocol.OpSendMessageFailure)
}

// PullMessages drains the mailbox of the logged-in account
func (c *Client) PullMessages(ctx context.Context) ([]protocol.MessageEntry, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.SendFrame(protocol.NewFrame(protocol.OpPullMessagesRequest, nil)); err != nil {
		return nil, err
	}

	var msgs []protocol.MessageEntry
	for {
		f, err := c.NextFrame(ctx)
		if err != nil {
			return nil, err
		}
		if err := expect(f, protocol.OpPullMessagesSuccess, protocol.OpPullMessagesFailure); err != nil {
			return nil, err
		}
		if len(f.Payload) == 0 {
			return msgs, nil
		}

		var entry protocol.MessageEntry
		if err := entry.Decode(f.Payload); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)
		}
		msgs = append(msgs, entry)
	}
}

// Heartbeat tells the server the client is alive. There is no reply.
func (c *Client) Heartbeat() error {
	return c.SendFrame(protocol.NewFrame(protocol.OpHeartbeat, nil))
}

// EndSession asks the server to end the session and closes the connection
func (c *Client) EndSession(ctx context.Context) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	defer c.shutdown()

	f, err := c.roundTrip(ctx, protocol.OpEndSessionRequest, nil)
	if err != nil {
		return err
	}
	if f.Opcode != protocol.OpEndSessionSuccess {
		return fmt.Errorf("%w: got %s", ErrUnexpectedResponse, f.Opcode)
	}
	return nil
}

// KeepAlive sends a heartbeat every interval until ctx is done or the
// connection closes
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				c.logger.Warn().Err(err).Msg("Keepalive heartbeat failed")
				return
			}
		}
	}
}
