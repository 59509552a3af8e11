package session

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

type recordingPusher struct {
	mu     sync.Mutex
	frames []protocol.Frame
	err    error
}

func (p *recordingPusher) Push(f protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, f)
	return nil
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(storage.NewMemoryStore(), NewRegistry(), DefaultConfig(), zerolog.New(zerolog.NewTestWriter(t)))
}

func dispatch(t *testing.T, d *Dispatcher, s *Session, op protocol.Opcode, payload []byte) []protocol.Frame {
	t.Helper()
	return slices.Collect(d.Dispatch(context.Background(), s, protocol.NewFrame(op, payload)))
}

func nameReq(name string) []byte {
	a := protocol.AccountName{Name: name}
	return a.Encode()
}

func sendReq(sender, receiver, body string) []byte {
	m := protocol.SendMessageRequest{Sender: sender, Receiver: receiver, Body: body}
	return m.Encode()
}

func listReq(pattern string) []byte {
	l := protocol.ListAccountsRequest{Pattern: pattern}
	return l.Encode()
}

func opcodes(fs []protocol.Frame) []protocol.Opcode {
	ops := make([]protocol.Opcode, len(fs))
	for i, f := range fs {
		ops[i] = f.Opcode
	}
	return ops
}

func reasonOf(t *testing.T, f protocol.Frame) string {
	t.Helper()
	var r protocol.Reason
	require.NoError(t, r.Decode(f.Payload))
	return r.Text
}

// activeSession returns a session that has passed the version check
func activeSession(t *testing.T, d *Dispatcher) *Session {
	t.Helper()
	s := New("test")
	assert.Empty(t, dispatch(t, d, s, protocol.OpHeartbeat, nil))
	require.Equal(t, StateActive, s.State())
	return s
}

func TestVersionMismatchEndsSilently(t *testing.T) {
	d := newTestDispatcher(t)
	s := New("test")

	f := protocol.Frame{Version: 0x02, Opcode: protocol.OpCreateAccountRequest, Payload: nameReq("alice")}
	out := slices.Collect(d.Dispatch(context.Background(), s, f))

	assert.Empty(t, out)
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, EndVersionMismatch, s.EndReason())

	// nothing was created
	ok, err := d.Store().Exists(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// further frames are dropped
	assert.Empty(t, dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("alice")))
}

func TestCompatibleVersionSet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompatibleVersions = []uint8{0x01, 0x02}
	d := NewDispatcher(storage.NewMemoryStore(), nil, cfg, zerolog.Nop())

	s := New("test")
	f := protocol.Frame{Version: 0x02, Opcode: protocol.OpHeartbeat}
	assert.Empty(t, slices.Collect(d.Dispatch(context.Background(), s, f)))
	assert.Equal(t, StateActive, s.State())
}

func TestFirstFrameIsDispatched(t *testing.T) {
	d := newTestDispatcher(t)
	s := New("test")

	out := dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("alice"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpCreateAccountSuccess, out[0].Opcode)
	assert.Equal(t, StateActive, s.State())
}

func TestUnknownOpcodeTwiceEndsSession(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)

	out := dispatch(t, d, s, protocol.Opcode(0x99), nil)
	assert.Equal(t, []protocol.Opcode{protocol.OpUnknownOpcode}, opcodes(out))
	assert.Equal(t, StateActive, s.State())

	out = dispatch(t, d, s, protocol.Opcode(0x98), nil)
	assert.Equal(t, []protocol.Opcode{protocol.OpUnknownOpcode, protocol.OpEndSessionSuccess}, opcodes(out))
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, EndUnknownOpcode, s.EndReason())
}

func TestSingleUnknownOpcodeKeepsSession(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)

	dispatch(t, d, s, protocol.Opcode(0x99), nil)
	out := dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("alice"))
	assert.Equal(t, []protocol.Opcode{protocol.OpCreateAccountSuccess}, opcodes(out))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 1, s.UnknownOpcodes())
}

func TestUnknownOpcodeCountIsCumulative(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)

	dispatch(t, d, s, protocol.Opcode(0x99), nil)
	dispatch(t, d, s, protocol.OpHeartbeat, nil)
	dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("alice"))
	out := dispatch(t, d, s, protocol.Opcode(0x99), nil)

	assert.Equal(t, []protocol.Opcode{protocol.OpUnknownOpcode, protocol.OpEndSessionSuccess}, opcodes(out))
	assert.True(t, s.Ended())
}

func TestEndSession(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)

	out := dispatch(t, d, s, protocol.OpEndSessionRequest, nil)
	assert.Equal(t, []protocol.Opcode{protocol.OpEndSessionSuccess}, opcodes(out))
	assert.True(t, s.Ended())
	assert.Equal(t, EndRequested, s.EndReason())
}

func TestHeartbeatHasNoResponse(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)

	for range 3 {
		assert.Empty(t, dispatch(t, d, s, protocol.OpHeartbeat, nil))
	}
	assert.Equal(t, 0, s.UnknownOpcodes())
	assert.Equal(t, StateActive, s.State())
}

func TestServerOriginatedOpcodesIgnored(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)

	for _, op := range []protocol.Opcode{
		protocol.OpCreateAccountSuccess, protocol.OpLoginFailure,
		protocol.OpPushMessageNotify, protocol.OpEndSessionSuccess, protocol.OpUnknownOpcode,
	} {
		assert.Empty(t, dispatch(t, d, s, op, nil), op.String())
	}
	assert.Equal(t, 0, s.UnknownOpcodes())
	assert.Equal(t, StateActive, s.State())
}

func TestCreateAccount(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)

	out := dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("alice"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpCreateAccountSuccess, out[0].Opcode)
	var created protocol.AccountName
	require.NoError(t, created.Decode(out[0].Payload))
	assert.Equal(t, "alice", created.Name)

	out = dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("alice"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpCreateAccountFailure, out[0].Opcode)
	assert.Equal(t, ReasonNameUnavailable, reasonOf(t, out[0]))

	out = dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq(""))
	require.Len(t, out, 1)
	assert.Equal(t, ReasonInvalidName, reasonOf(t, out[0]))

	out = dispatch(t, d, s, protocol.OpCreateAccountRequest, []byte{0, 0, 0, 9, 'x'})
	assert.Empty(t, out)
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, EndMalformedFrame, s.EndReason())
}

func TestMalformedPayloadEndsSession(t *testing.T) {
	tests := []struct {
		name    string
		op      protocol.Opcode
		payload []byte
	}{
		{"create length past end", protocol.OpCreateAccountRequest, []byte{0, 0, 0, 9, 'x'}},
		{"login truncated prefix", protocol.OpLoginRequest, []byte{0, 0}},
		{"delete trailing bytes", protocol.OpDeleteAccountRequest, append(nameReq("bob"), 0xff)},
		{"list empty payload", protocol.OpListAccountsRequest, nil},
		{"send missing body", protocol.OpSendMessageRequest, protocol.EncodeStrings("alice", "bob")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t)
			s := activeSession(t, d)
			dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("bob"))

			assert.Empty(t, dispatch(t, d, s, tt.op, tt.payload))
			assert.True(t, s.Ended())
			assert.Equal(t, EndMalformedFrame, s.EndReason())

			// nothing after the bad frame is served
			assert.Empty(t, dispatch(t, d, s, protocol.OpLoginRequest, nameReq("bob")))
		})
	}
}

func TestCreateAccountNameLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNameLength = 4
	d := NewDispatcher(storage.NewMemoryStore(), nil, cfg, zerolog.Nop())
	s := activeSession(t, d)

	out := dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("alice"))
	assert.Equal(t, ReasonInvalidName, reasonOf(t, out[0]))

	out = dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("bob"))
	assert.Equal(t, protocol.OpCreateAccountSuccess, out[0].Opcode)
}

func TestLogin(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)

	out := dispatch(t, d, s, protocol.OpLoginRequest, nameReq("bob"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpLoginFailure, out[0].Opcode)
	assert.Equal(t, ReasonUnknownAccount, reasonOf(t, out[0]))
	_, ok := s.Account()
	assert.False(t, ok)

	dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("bob"))
	out = dispatch(t, d, s, protocol.OpLoginRequest, nameReq("bob"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpLoginSuccess, out[0].Opcode)

	var res protocol.LoginResult
	require.NoError(t, res.Decode(out[0].Payload))
	assert.Equal(t, "bob", res.Name)
	assert.False(t, res.UnreadMessages)

	account, ok := s.Account()
	assert.True(t, ok)
	assert.Equal(t, "bob", account)
	assert.Equal(t, 1, d.Registry().Sessions("bob"))
}

func TestSendThenLoginReportsUnread(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)

	out := dispatch(t, d, s, protocol.OpSendMessageRequest, sendReq("alice", "bob", "hi"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpSendMessageFailure, out[0].Opcode)
	assert.Equal(t, ReasonUnknownReceiver, reasonOf(t, out[0]))

	dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("bob"))
	out = dispatch(t, d, s, protocol.OpSendMessageRequest, sendReq("alice", "bob", "hi"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpSendMessageSuccess, out[0].Opcode)
	assert.Empty(t, out[0].Payload)

	out = dispatch(t, d, s, protocol.OpLoginRequest, nameReq("bob"))
	var res protocol.LoginResult
	require.NoError(t, res.Decode(out[0].Payload))
	assert.True(t, res.UnreadMessages)
}

func TestSendMessageValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageLength = 5
	d := NewDispatcher(storage.NewMemoryStore(), nil, cfg, zerolog.Nop())
	s := activeSession(t, d)
	dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("bob"))

	tests := []struct {
		name   string
		body   string
		op     protocol.Opcode
		reason string
	}{
		{"empty", "", protocol.OpSendMessageFailure, ReasonEmptyMessage},
		{"too long", "123456", protocol.OpSendMessageFailure, ReasonMessageTooLong},
		{"at limit", "12345", protocol.OpSendMessageSuccess, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := dispatch(t, d, s, protocol.OpSendMessageRequest, sendReq("alice", "bob", tt.body))
			require.Len(t, out, 1)
			assert.Equal(t, tt.op, out[0].Opcode)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, reasonOf(t, out[0]))
			}
		})
	}
}

func TestPullMessages(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)

	out := dispatch(t, d, s, protocol.OpPullMessagesRequest, nil)
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpPullMessagesFailure, out[0].Opcode)
	assert.Equal(t, ReasonNotLoggedIn, reasonOf(t, out[0]))

	dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("bob"))
	dispatch(t, d, s, protocol.OpSendMessageRequest, sendReq("alice", "bob", "m1"))
	dispatch(t, d, s, protocol.OpSendMessageRequest, sendReq("carol", "bob", "m2"))
	dispatch(t, d, s, protocol.OpLoginRequest, nameReq("bob"))

	out = dispatch(t, d, s, protocol.OpPullMessagesRequest, nil)
	require.Equal(t, []protocol.Opcode{
		protocol.OpPullMessagesSuccess, protocol.OpPullMessagesSuccess, protocol.OpPullMessagesSuccess,
	}, opcodes(out))

	var m1, m2 protocol.MessageEntry
	require.NoError(t, m1.Decode(out[0].Payload))
	require.NoError(t, m2.Decode(out[1].Payload))
	assert.Equal(t, protocol.MessageEntry{Sender: "alice", Receiver: "bob", Body: "m1"}, m1)
	assert.Equal(t, protocol.MessageEntry{Sender: "carol", Receiver: "bob", Body: "m2"}, m2)
	assert.Empty(t, out[2].Payload)

	// drained
	out = dispatch(t, d, s, protocol.OpPullMessagesRequest, nil)
	assert.Equal(t, []protocol.Opcode{protocol.OpPullMessagesSuccess}, opcodes(out))
	assert.Empty(t, out[0].Payload)
}

func TestPullIsEagerAndLazy(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)
	dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("bob"))
	dispatch(t, d, s, protocol.OpSendMessageRequest, sendReq("alice", "bob", "m1"))
	dispatch(t, d, s, protocol.OpLoginRequest, nameReq("bob"))

	// the mailbox is drained when the handler returns, before iteration
	seq := d.Dispatch(context.Background(), s, protocol.NewFrame(protocol.OpPullMessagesRequest, nil))
	has, err := d.Store().HasUnread(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, has)

	next, stop := iter.Pull(seq)
	defer stop()
	f, ok := next()
	require.True(t, ok)
	assert.Equal(t, protocol.OpPullMessagesSuccess, f.Opcode)
	assert.NotEmpty(t, f.Payload)
}

func TestDeleteAccount(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)

	out := dispatch(t, d, s, protocol.OpDeleteAccountRequest, nameReq("bob"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpDeleteAccountFailure, out[0].Opcode)
	assert.Equal(t, ReasonUnknownAccount, reasonOf(t, out[0]))

	dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("bob"))
	dispatch(t, d, s, protocol.OpLoginRequest, nameReq("bob"))

	out = dispatch(t, d, s, protocol.OpDeleteAccountRequest, nameReq("bob"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpDeleteAccountSuccess, out[0].Opcode)
	assert.Empty(t, out[0].Payload)

	// the live login is cleared
	_, ok := s.Account()
	assert.False(t, ok)
	assert.Equal(t, 0, d.Registry().Sessions("bob"))

	out = dispatch(t, d, s, protocol.OpLoginRequest, nameReq("bob"))
	assert.Equal(t, protocol.OpLoginFailure, out[0].Opcode)

	out = dispatch(t, d, s, protocol.OpPullMessagesRequest, nil)
	assert.Equal(t, ReasonNotLoggedIn, reasonOf(t, out[0]))
}

func TestListAccounts(t *testing.T) {
	d := newTestDispatcher(t)
	s := activeSession(t, d)
	for _, name := range []string{"bob", "alice", "albert"} {
		dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq(name))
	}

	out := dispatch(t, d, s, protocol.OpListAccountsRequest, listReq("al.*"))
	require.Len(t, out, 4)
	for _, f := range out {
		assert.Equal(t, protocol.OpListAccountsSuccess, f.Opcode)
	}
	assert.Empty(t, out[0].Payload)
	assert.Empty(t, out[3].Payload)

	var names []string
	for _, f := range out[1:3] {
		var a protocol.AccountName
		require.NoError(t, a.Decode(f.Payload))
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"albert", "alice"}, names)

	out = dispatch(t, d, s, protocol.OpListAccountsRequest, listReq("zz.*"))
	assert.Len(t, out, 2)

	out = dispatch(t, d, s, protocol.OpListAccountsRequest, listReq("(unclosed"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpListAccountsFailure, out[0].Opcode)
	assert.Equal(t, ReasonInvalidPattern, reasonOf(t, out[0]))
	assert.Equal(t, StateActive, s.State())
}

func TestSendPushesToReceiverSessions(t *testing.T) {
	d := newTestDispatcher(t)

	sender := activeSession(t, d)
	dispatch(t, d, sender, protocol.OpCreateAccountRequest, nameReq("bob"))

	bob1, bob2 := activeSession(t, d), activeSession(t, d)
	p1, p2 := &recordingPusher{}, &recordingPusher{err: errors.New("closed")}
	bob1.SetPusher(p1)
	bob2.SetPusher(p2)
	dispatch(t, d, bob1, protocol.OpLoginRequest, nameReq("bob"))
	dispatch(t, d, bob2, protocol.OpLoginRequest, nameReq("bob"))

	out := dispatch(t, d, sender, protocol.OpSendMessageRequest, sendReq("alice", "bob", "hi"))
	assert.Equal(t, protocol.OpSendMessageSuccess, out[0].Opcode)

	require.Equal(t, 1, p1.count())
	assert.Equal(t, protocol.OpPushMessageNotify, p1.frames[0].Opcode)
	assert.Empty(t, p1.frames[0].Payload)
}

func TestRegistryMovesLogin(t *testing.T) {
	r := NewRegistry()
	s := New("test")

	r.Bind(s, "alice")
	r.Bind(s, "bob")
	assert.Equal(t, 0, r.Sessions("alice"))
	assert.Equal(t, 1, r.Sessions("bob"))
	assert.Equal(t, 1, r.Len())

	r.Unbind(s)
	assert.Equal(t, 0, r.Sessions("bob"))
	assert.Equal(t, 0, r.Len())
}

type failingStore struct {
	storage.Store
}

func (failingStore) Create(ctx context.Context, name string) error {
	return errors.New("disk on fire")
}

func TestStoreFaultIsApplicationFailure(t *testing.T) {
	d := NewDispatcher(failingStore{storage.NewMemoryStore()}, nil, DefaultConfig(), zerolog.Nop())
	s := activeSession(t, d)

	out := dispatch(t, d, s, protocol.OpCreateAccountRequest, nameReq("alice"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpCreateAccountFailure, out[0].Opcode)
	assert.Equal(t, ReasonInternal, reasonOf(t, out[0]))
	assert.Equal(t, StateActive, s.State())
}

// deletingStore runs a hook once, in the middle of a login
type deletingStore struct {
	storage.Store
	onHasUnread func()
}

func (s *deletingStore) HasUnread(ctx context.Context, account string) (bool, error) {
	if hook := s.onHasUnread; hook != nil {
		s.onHasUnread = nil
		hook()
	}
	return s.Store.HasUnread(ctx, account)
}

func TestLoginLosesRaceWithDelete(t *testing.T) {
	store := &deletingStore{Store: storage.NewMemoryStore()}
	d := NewDispatcher(store, nil, DefaultConfig(), zerolog.New(zerolog.NewTestWriter(t)))
	admin := activeSession(t, d)
	s := activeSession(t, d)
	dispatch(t, d, admin, protocol.OpCreateAccountRequest, nameReq("bob"))

	store.onHasUnread = func() {
		out := dispatch(t, d, admin, protocol.OpDeleteAccountRequest, nameReq("bob"))
		require.Equal(t, []protocol.Opcode{protocol.OpDeleteAccountSuccess}, opcodes(out))
	}

	out := dispatch(t, d, s, protocol.OpLoginRequest, nameReq("bob"))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.OpLoginFailure, out[0].Opcode)
	assert.Equal(t, ReasonUnknownAccount, reasonOf(t, out[0]))

	_, ok := s.Account()
	assert.False(t, ok)
	assert.Equal(t, 0, d.Registry().Sessions("bob"))

	// a new owner of the name is not visible to the old session
	p := &recordingPusher{}
	s.SetPusher(p)
	dispatch(t, d, admin, protocol.OpCreateAccountRequest, nameReq("bob"))
	dispatch(t, d, admin, protocol.OpSendMessageRequest, sendReq("alice", "bob", "hi"))
	assert.Zero(t, p.count())

	out = dispatch(t, d, s, protocol.OpPullMessagesRequest, nil)
	require.Len(t, out, 1)
	assert.Equal(t, ReasonNotLoggedIn, reasonOf(t, out[0]))
}
