package wire

// Wire format version.
const Version = 1

// Header: [4B payload_length big-endian][1B message_type]
const HeaderSize = 5

// Maximum payload size for control-stream messages (64 KB).
const MaxPayloadSize = 64 * 1024

// MaxFramePayload bounds a single datagram stream frame. QUIC datagrams are
// limited by the path MTU; 1200-byte initial packets leave roughly this much
// after the datagram frame overhead.
const MaxFramePayload = 1100

// FrameHeaderSize is [1B frame_type][8B stream offset].
const FrameHeaderSize = 9

// MessageType identifies the type of a framed control message.
type MessageType byte

const (
	MsgAuthRequest  MessageType = 0x01
	MsgAuthResponse MessageType = 0x02

	MsgWindowUpdate MessageType = 0x10
	MsgFin          MessageType = 0x11
	MsgHeartbeat    MessageType = 0x12
)

// FrameType identifies the type of a datagram frame.
type FrameType byte

const (
	FrameStream FrameType = 0x20
)

// AuthStatus is the result of an authentication attempt.
type AuthStatus byte

const (
	AuthOK     AuthStatus = 0
	AuthFailed AuthStatus = 1
)

// Fixed message sizes (excluding header).
const (
	AuthRequestSize  = 32 // HMAC token
	AuthResponseSize = 1
	WindowUpdateSize = 8
	FinSize          = 8
	HeartbeatSize    = 8
)
