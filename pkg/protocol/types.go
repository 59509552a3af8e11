package protocol

import "fmt"

// Protocol constants
const (
	// Protocol version
	Version uint8 = 0x01

	// Header size: version(1) + opcode(1) + payload length(4)
	HeaderSize = 6

	// Size of the version and opcode part of the header
	CodeSize = 2

	// Default upper bound for a single payload
	DefaultMaxPayload = 1 << 20

	// Largest payload the signed 32-bit length field can describe
	MaxPayloadLimit = 1<<31 - 1
)

// Opcode identifies the operation carried by a frame
type Opcode uint8

// Opcodes
const (
	// Accounts (0x1x)
	OpCreateAccountRequest Opcode = 0x10
	OpCreateAccountSuccess Opcode = 0x11
	OpCreateAccountFailure Opcode = 0x12
	OpLoginRequest         Opcode = 0x13
	OpLoginSuccess         Opcode = 0x14
	OpLoginFailure         Opcode = 0x15

	// Account removal (0x2x)
	OpDeleteAccountRequest Opcode = 0x20
	OpDeleteAccountSuccess Opcode = 0x21
	OpDeleteAccountFailure Opcode = 0x22

	// Directory listing (0x3x)
	OpListAccountsRequest Opcode = 0x30
	OpListAccountsSuccess Opcode = 0x31
	OpListAccountsFailure Opcode = 0x32

	// Sending (0x4x)
	OpSendMessageRequest Opcode = 0x40
	OpSendMessageSuccess Opcode = 0x41
	OpSendMessageFailure Opcode = 0x42

	// Mailbox (0x5x)
	OpPullMessagesRequest Opcode = 0x50
	OpPullMessagesSuccess Opcode = 0x51
	OpPullMessagesFailure Opcode = 0x52
	OpPushMessageNotify   Opcode = 0x53

	// Session (0x6x)
	OpEndSessionRequest Opcode = 0x60
	OpEndSessionSuccess Opcode = 0x61
	OpHeartbeat         Opcode = 0x62

	// System (0x7x)
	OpUnknownOpcode Opcode = 0x70
)

var opcodeNames = map[Opcode]string{
	OpCreateAccountRequest: "CREATE_ACCOUNT_REQUEST",
	OpCreateAccountSuccess: "CREATE_ACCOUNT_SUCCESS",
	OpCreateAccountFailure: "CREATE_ACCOUNT_FAILURE",
	OpLoginRequest:         "LOGIN_REQUEST",
	OpLoginSuccess:         "LOGIN_SUCCESS",
	OpLoginFailure:         "LOGIN_FAILURE",
	OpDeleteAccountRequest: "DELETE_ACCOUNT_REQUEST",
	OpDeleteAccountSuccess: "DELETE_ACCOUNT_SUCCESS",
	OpDeleteAccountFailure: "DELETE_ACCOUNT_FAILURE",
	OpListAccountsRequest:  "LIST_ALL_ACCOUNTS_REQUEST",
	OpListAccountsSuccess:  "LIST_ALL_ACCOUNTS_SUCCESS",
	OpListAccountsFailure:  "LIST_ALL_ACCOUNTS_FAILURE",
	OpSendMessageRequest:   "SEND_MESSAGE_REQUEST",
	OpSendMessageSuccess:   "SEND_MESSAGE_SUCCESS",
	OpSendMessageFailure:   "SEND_MESSAGE_FAILURE",
	OpPullMessagesRequest:  "PULL_ALL_MESSAGES_REQUEST",
	OpPullMessagesSuccess:  "PULL_ALL_MESSAGES_SUCCESS",
	OpPullMessagesFailure:  "PULL_ALL_MESSAGES_FAILURE",
	OpPushMessageNotify:    "PUSH_MESSAGE_NOTIFICATION",
	OpEndSessionRequest:    "END_SESSION_REQUEST",
	OpEndSessionSuccess:    "END_SESSION_SUCCESS",
	OpHeartbeat:            "HEARTBEAT",
	OpUnknownOpcode:        "UNKNOWN_OPCODE",
}

// Opcodes a client may send to the server
var requestOpcodes = map[Opcode]bool{
	OpCreateAccountRequest: true,
	OpLoginRequest:         true,
	OpDeleteAccountRequest: true,
	OpListAccountsRequest:  true,
	OpSendMessageRequest:   true,
	OpPullMessagesRequest:  true,
	OpEndSessionRequest:    true,
	OpHeartbeat:            true,
}

// String returns the protocol name of the opcode
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE_0x%02x", uint8(op))
}

// IsKnown reports whether op appears in the opcode table
func (op Opcode) IsKnown() bool {
	_, ok := opcodeNames[op]
	return ok
}

// IsRequest reports whether op is sent from a client to the server
func (op Opcode) IsRequest() bool {
	return requestOpcodes[op]
}

// IsServerOriginated reports whether op is only ever sent by the server
func (op Opcode) IsServerOriginated() bool {
	return op.IsKnown() && !op.IsRequest()
}
