// Package protocol implements the ZenTalk chat wire protocol.
//
// The protocol package defines the opcode table, the frame codec and the
// payload layouts exchanged between chat clients and the chat server.
//
// # Header Format
//
// Every frame starts with a 6-byte header:
//   - Version (1 byte): protocol version, currently 0x01
//   - Opcode (1 byte): operation code
//   - Length (4 bytes): big-endian payload length, header excluded
//
// The payload follows immediately and is exactly Length bytes long.
//
// # Payload Encoding
//
// Payloads are built from length-prefixed strings:
//   - each string is a 4-byte big-endian length followed by its UTF-8 bytes
//   - several strings are concatenated in the documented field order
//   - fixed scalars (booleans) follow all strings as a single byte 0x00/0x01
//
// # Opcodes
//
// Accounts (0x1x, 0x2x, 0x3x):
//   - CREATE_ACCOUNT_REQUEST/SUCCESS/FAILURE
//   - LOGIN_REQUEST/SUCCESS/FAILURE
//   - DELETE_ACCOUNT_REQUEST/SUCCESS/FAILURE
//   - LIST_ALL_ACCOUNTS_REQUEST/SUCCESS/FAILURE
//
// Messages (0x4x, 0x5x):
//   - SEND_MESSAGE_REQUEST/SUCCESS/FAILURE
//   - PULL_ALL_MESSAGES_REQUEST/SUCCESS/FAILURE
//   - PUSH_MESSAGE_NOTIFICATION
//
// Session (0x6x, 0x7x):
//   - END_SESSION_REQUEST/SUCCESS
//   - HEARTBEAT
//   - UNKNOWN_OPCODE
//
// # Streaming
//
// Listing accounts and pulling messages answer with several frames of the
// same success opcode. A listing opens with an empty LIST_ALL_ACCOUNTS_SUCCESS,
// carries one AccountName per match and closes with another empty frame.
// A pull carries one MessageEntry per message and closes with an empty
// PULL_ALL_MESSAGES_SUCCESS.
//
// # Usage Example
//
//	req := &protocol.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "hi"}
//	f := protocol.NewFrame(protocol.OpSendMessageRequest, req.Encode())
//	protocol.WriteFrame(conn, f)
//
//	dec := protocol.NewDecoder(protocol.DefaultMaxPayload)
//	dec.Feed(chunk)
//	for {
//	    f, err := dec.Next()
//	    if errors.Is(err, protocol.ErrNeedMoreBytes) {
//	        break
//	    }
//	    ...
//	}
package protocol
