// Package wire defines the framed control messages and datagram stream
// frames exchanged between a sender and a receiver.
//
// Control messages ride an ordered stream and carry a
// [4B length][1B type] header. Stream frames ride unreliable datagrams, so
// they are self-delimiting: the datagram boundary is the frame boundary and
// no length prefix is needed.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrShortPayload    = errors.New("payload too short for message type")
)

// --- Message types ---

type AuthRequest struct {
	Token [32]byte
}

type AuthResponse struct {
	Status AuthStatus
}

// WindowUpdate advertises the receiver's flow-control limit: the sender may
// write stream bytes strictly below MaxOffset.
type WindowUpdate struct {
	MaxOffset uint64
}

// Fin announces the final length of the stream.
type Fin struct {
	FinalOffset uint64
}

type Heartbeat struct {
	TimestampMs int64
}

// StreamFrame carries a byte range of the stream at an absolute offset.
// Frames may arrive out of order, duplicated, or not at all.
type StreamFrame struct {
	Offset  uint64
	Payload []byte
}

// --- Control stream encoding ---

// WriteMessage writes a framed message (header + payload) to w.
// All control messages are fixed-size and encode into a stack buffer.
func WriteMessage(w io.Writer, msg any) error {
	var msgType MessageType
	var payload []byte

	// Stack buffer for message payloads (max 32 bytes for AuthRequest).
	var scratch [32]byte

	switch m := msg.(type) {
	case *AuthRequest:
		msgType = MsgAuthRequest
		payload = m.Token[:]
	case *AuthResponse:
		msgType = MsgAuthResponse
		scratch[0] = byte(m.Status)
		payload = scratch[:1]
	case *WindowUpdate:
		msgType = MsgWindowUpdate
		binary.BigEndian.PutUint64(scratch[:8], m.MaxOffset)
		payload = scratch[:8]
	case *Fin:
		msgType = MsgFin
		binary.BigEndian.PutUint64(scratch[:8], m.FinalOffset)
		payload = scratch[:8]
	case *Heartbeat:
		msgType = MsgHeartbeat
		binary.BigEndian.PutUint64(scratch[:8], uint64(m.TimestampMs))
		payload = scratch[:8]
	default:
		return fmt.Errorf("unsupported message type: %T", msg)
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = byte(msgType)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadMessage reads a framed message from r.
func ReadMessage(r io.Reader) (any, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[0:4])
	msgType := MessageType(header[4])

	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return DecodePayload(msgType, payload)
}

// DecodePayload decodes a raw payload given its message type.
func DecodePayload(msgType MessageType, payload []byte) (any, error) {
	switch msgType {
	case MsgAuthRequest:
		if len(payload) < AuthRequestSize {
			return nil, ErrShortPayload
		}
		msg := &AuthRequest{}
		copy(msg.Token[:], payload[:32])
		return msg, nil

	case MsgAuthResponse:
		if len(payload) < AuthResponseSize {
			return nil, ErrShortPayload
		}
		return &AuthResponse{Status: AuthStatus(payload[0])}, nil

	case MsgWindowUpdate:
		if len(payload) < WindowUpdateSize {
			return nil, ErrShortPayload
		}
		return &WindowUpdate{
			MaxOffset: binary.BigEndian.Uint64(payload[0:8]),
		}, nil

	case MsgFin:
		if len(payload) < FinSize {
			return nil, ErrShortPayload
		}
		return &Fin{
			FinalOffset: binary.BigEndian.Uint64(payload[0:8]),
		}, nil

	case MsgHeartbeat:
		if len(payload) < HeartbeatSize {
			return nil, ErrShortPayload
		}
		return &Heartbeat{
			TimestampMs: int64(binary.BigEndian.Uint64(payload[0:8])),
		}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(msgType))
	}
}

// --- Datagram frame encoding ---

// EncodeFrame appends the datagram encoding of f to dst and returns the
// extended slice. Layout: [1B type][8B offset][payload].
func EncodeFrame(dst []byte, f *StreamFrame) ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return dst, ErrPayloadTooLarge
	}
	var hdr [FrameHeaderSize]byte
	hdr[0] = byte(FrameStream)
	binary.BigEndian.PutUint64(hdr[1:9], f.Offset)
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...), nil
}

// DecodeFrame parses a datagram into a StreamFrame. The payload aliases b.
func DecodeFrame(b []byte) (*StreamFrame, error) {
	if len(b) < FrameHeaderSize {
		return nil, ErrShortPayload
	}
	if FrameType(b[0]) != FrameStream {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, b[0])
	}
	return &StreamFrame{
		Offset:  binary.BigEndian.Uint64(b[1:9]),
		Payload: b[FrameHeaderSize:],
	}, nil
}
