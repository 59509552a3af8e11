package network

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/session"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()

	logger := zerolog.New(zerolog.NewTestWriter(t))
	d := session.NewDispatcher(storage.NewMemoryStore(), session.NewRegistry(), session.DefaultConfig(), logger)

	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, d, logger)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func dialClient(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), srv.Addr().String(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func dialRaw(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// expectClosed asserts the server closes conn without sending anything else
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestClientWorkflow(t *testing.T) {
	srv := startServer(t, ServerConfig{})
	ctx := testCtx(t)
	c := dialClient(t, srv)

	require.NoError(t, c.CreateAccount(ctx, "alice"))
	require.NoError(t, c.CreateAccount(ctx, "bob"))

	err := c.CreateAccount(ctx, "alice")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, protocol.OpCreateAccountFailure, reqErr.Opcode)

	names, err := c.ListAccounts(ctx, ".*")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names)

	_, err = c.ListAccounts(ctx, "[")
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, protocol.OpListAccountsFailure, reqErr.Opcode)

	require.NoError(t, c.SendMessage(ctx, "alice", "bob", "m1"))
	require.NoError(t, c.SendMessage(ctx, "alice", "bob", "m2"))

	unread, err := c.Login(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, unread)

	msgs, err := c.PullMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].Body)
	assert.Equal(t, "m2", msgs[1].Body)

	msgs, err = c.PullMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, c.Heartbeat())
	require.NoError(t, c.DeleteAccount(ctx, "alice"))
	require.Error(t, c.DeleteAccount(ctx, "alice"))

	_, err = c.Login(ctx, "alice")
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, protocol.OpLoginFailure, reqErr.Opcode)

	require.NoError(t, c.EndSession(ctx))
	<-c.Done()
}

func TestPushNotification(t *testing.T) {
	srv := startServer(t, ServerConfig{})
	ctx := testCtx(t)

	bob := dialClient(t, srv)
	require.NoError(t, bob.CreateAccount(ctx, "bob"))
	_, err := bob.Login(ctx, "bob")
	require.NoError(t, err)

	alice := dialClient(t, srv)
	require.NoError(t, alice.SendMessage(ctx, "alice", "bob", "ping"))

	select {
	case <-bob.Notifications():
	case <-ctx.Done():
		t.Fatal("no push notification")
	}

	msgs, err := bob.PullMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0].Body)
}

func TestVersionMismatchClosesSilently(t *testing.T) {
	srv := startServer(t, ServerConfig{})
	conn := dialRaw(t, srv)

	name := protocol.AccountName{Name: "alice"}
	f := protocol.Frame{Version: 0x7f, Opcode: protocol.OpCreateAccountRequest, Payload: name.Encode()}
	_, err := conn.Write(protocol.Encode(f))
	require.NoError(t, err)

	expectClosed(t, conn)
}

func TestTwoUnknownOpcodesEndSession(t *testing.T) {
	srv := startServer(t, ServerConfig{})
	conn := dialRaw(t, srv)

	_, err := conn.Write(protocol.Encode(protocol.NewFrame(protocol.Opcode(0x99), nil)))
	require.NoError(t, err)
	_, err = conn.Write(protocol.Encode(protocol.NewFrame(protocol.Opcode(0x9a), nil)))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := protocol.ReadFrame(conn, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpUnknownOpcode, f.Opcode)

	f, err = protocol.ReadFrame(conn, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpEndSessionSuccess, f.Opcode)

	expectClosed(t, conn)
}

func TestOneUnknownOpcodeKeepsConnection(t *testing.T) {
	srv := startServer(t, ServerConfig{})
	ctx := testCtx(t)
	c := dialClient(t, srv)

	require.NoError(t, c.SendFrame(protocol.NewFrame(protocol.Opcode(0x99), nil)))
	f, err := c.NextFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpUnknownOpcode, f.Opcode)

	require.NoError(t, c.CreateAccount(ctx, "alice"))
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	srv := startServer(t, ServerConfig{MaxPayload: 16})
	conn := dialRaw(t, srv)

	h := protocol.Header{Version: protocol.Version, Opcode: protocol.OpCreateAccountRequest, Length: 1024}
	_, err := conn.Write(h.Encode())
	require.NoError(t, err)

	expectClosed(t, conn)
}

func TestMalformedPayloadClosesConnection(t *testing.T) {
	srv := startServer(t, ServerConfig{})
	conn := dialRaw(t, srv)

	f := protocol.NewFrame(protocol.OpCreateAccountRequest, []byte{0, 0, 0, 9, 'x'})
	_, err := conn.Write(protocol.Encode(f))
	require.NoError(t, err)

	expectClosed(t, conn)
}

func TestFramesSplitAcrossWrites(t *testing.T) {
	srv := startServer(t, ServerConfig{})
	conn := dialRaw(t, srv)

	name := protocol.AccountName{Name: "alice"}
	wire := append(
		protocol.Encode(protocol.NewFrame(protocol.OpCreateAccountRequest, name.Encode())),
		protocol.Encode(protocol.NewFrame(protocol.OpLoginRequest, name.Encode()))...,
	)
	for _, b := range wire {
		_, err := conn.Write([]byte{b})
		require.NoError(t, err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := protocol.ReadFrame(conn, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpCreateAccountSuccess, f.Opcode)

	f, err = protocol.ReadFrame(conn, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpLoginSuccess, f.Opcode)
}

func TestIdleTimeout(t *testing.T) {
	srv := startServer(t, ServerConfig{IdleTimeout: 100 * time.Millisecond})
	conn := dialRaw(t, srv)

	expectClosed(t, conn)
}

func TestServeConnOverPipe(t *testing.T) {
	logger := zerolog.Nop()
	d := session.NewDispatcher(storage.NewMemoryStore(), nil, session.DefaultConfig(), logger)
	srv := NewServer(ServerConfig{}, d, logger)

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.ServeConn(context.Background(), server)
		close(done)
	}()

	c := NewClient(client, logger)
	ctx := testCtx(t)
	require.NoError(t, c.CreateAccount(ctx, "alice"))
	assert.Equal(t, 1, srv.Stats().Connections)

	require.NoError(t, c.EndSession(ctx))
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("session did not end")
	}
	assert.Equal(t, 0, srv.Stats().Connections)
	assert.Equal(t, uint64(1), srv.Stats().Accepted)
}

func TestServerStats(t *testing.T) {
	srv := startServer(t, ServerConfig{})
	ctx := testCtx(t)
	c := dialClient(t, srv)

	require.NoError(t, c.CreateAccount(ctx, "alice"))
	_, err := c.Login(ctx, "alice")
	require.NoError(t, err)

	stats := srv.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.LoggedInAccounts)
	assert.Equal(t, uint64(1), stats.Accepted)
}

func TestClientIgnoresRequestOpcodes(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close() })

	go func() {
		if _, err := protocol.ReadFrame(server, 0); err != nil {
			return
		}
		name := protocol.AccountName{Name: "alice"}
		protocol.WriteFrame(server, protocol.NewFrame(protocol.OpLoginRequest, name.Encode()))
		protocol.WriteFrame(server, protocol.NewFrame(protocol.OpPullMessagesRequest, nil))
		protocol.WriteFrame(server, protocol.NewFrame(protocol.OpCreateAccountSuccess, name.Encode()))
	}()

	c := NewClient(client, zerolog.Nop())
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.CreateAccount(testCtx(t), "alice"))
}
