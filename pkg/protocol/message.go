package protocol

// ===== ACCOUNT NAME =====

// AccountName carries a single account name. It is the payload of
// CREATE_ACCOUNT_REQUEST, CREATE_ACCOUNT_SUCCESS, LOGIN_REQUEST,
// DELETE_ACCOUNT_REQUEST and each streamed LIST_ALL_ACCOUNTS_SUCCESS entry.
type AccountName struct {
	Name string
}

// Encode encodes the account name to bytes
func (a *AccountName) Encode() []byte {
	return EncodeStrings(a.Name)
}

// Decode decodes the account name from bytes
func (a *AccountName) Decode(buf []byte) error {
	strs, err := DecodeStrings(buf, 1)
	if err != nil {
		return err
	}
	a.Name = strs[0]
	return nil
}

// ===== FAILURE REASON =====

// Reason is the payload of every *_FAILURE opcode
type Reason struct {
	Text string
}

// Encode encodes the reason to bytes
func (r *Reason) Encode() []byte {
	return EncodeStrings(r.Text)
}

// Decode decodes the reason from bytes
func (r *Reason) Decode(buf []byte) error {
	strs, err := DecodeStrings(buf, 1)
	if err != nil {
		return err
	}
	r.Text = strs[0]
	return nil
}

// ===== LOGIN =====

// LoginResult is the payload of LOGIN_SUCCESS
type LoginResult struct {
	Name           string // Account logged into
	UnreadMessages bool   // Mailbox holds at least one unread message
}

// Encode encodes the login result to bytes
func (l *LoginResult) Encode() []byte {
	w := &PayloadWriter{}
	w.String(l.Name).Bool(l.UnreadMessages)
	return w.Bytes()
}

// Decode decodes the login result from bytes
func (l *LoginResult) Decode(buf []byte) error {
	r := NewPayloadReader(buf)

	name, err := r.String()
	if err != nil {
		return err
	}
	unread, err := r.Bool()
	if err != nil {
		return err
	}
	if err := r.Done(); err != nil {
		return err
	}

	l.Name = name
	l.UnreadMessages = unread
	return nil
}

// ===== LIST ACCOUNTS =====

// ListAccountsRequest is the payload of LIST_ALL_ACCOUNTS_REQUEST
type ListAccountsRequest struct {
	Pattern string // Regular expression matched against whole account names
}

// Encode encodes the list request to bytes
func (l *ListAccountsRequest) Encode() []byte {
	return EncodeStrings(l.Pattern)
}

// Decode decodes the list request from bytes
func (l *ListAccountsRequest) Decode(buf []byte) error {
	strs, err := DecodeStrings(buf, 1)
	if err != nil {
		return err
	}
	l.Pattern = strs[0]
	return nil
}

// ===== SEND MESSAGE =====

// SendMessageRequest is the payload of SEND_MESSAGE_REQUEST
type SendMessageRequest struct {
	Sender   string
	Receiver string
	Body     string
}

// Encode encodes the send request to bytes
func (m *SendMessageRequest) Encode() []byte {
	return EncodeStrings(m.Sender, m.Receiver, m.Body)
}

// Decode decodes the send request from bytes
func (m *SendMessageRequest) Decode(buf []byte) error {
	strs, err := DecodeStrings(buf, 3)
	if err != nil {
		return err
	}
	m.Sender, m.Receiver, m.Body = strs[0], strs[1], strs[2]
	return nil
}

// ===== MESSAGE ENTRY =====

// MessageEntry is one delivered message streamed during a mailbox pull
type MessageEntry struct {
	Sender   string
	Receiver string
	Body     string
}

// Encode encodes the entry to bytes
func (m *MessageEntry) Encode() []byte {
	return EncodeStrings(m.Sender, m.Receiver, m.Body)
}

// Decode decodes the entry from bytes
func (m *MessageEntry) Decode(buf []byte) error {
	strs, err := DecodeStrings(buf, 3)
	if err != nil {
		return err
	}
	m.Sender, m.Receiver, m.Body = strs[0], strs[1], strs[2]
	return nil
}
