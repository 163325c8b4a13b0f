package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestAuthRequestRoundTrip(t *testing.T) {
	original := &AuthRequest{}
	for i := range original.Token {
		original.Token[i] = byte(i)
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, original); err != nil {
		t.Fatal(err)
	}

	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}

	decoded, ok := msg.(*AuthRequest)
	if !ok {
		t.Fatalf("expected *AuthRequest, got %T", msg)
	}
	if decoded.Token != original.Token {
		t.Fatal("token mismatch")
	}
}

func TestWindowUpdateRoundTrip(t *testing.T) {
	for _, max := range []uint64{0, 4096, 1<<32 - 1, 1<<64 - 1} {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, &WindowUpdate{MaxOffset: max}); err != nil {
			t.Fatal(err)
		}
		msg, err := ReadMessage(&buf)
		if err != nil {
			t.Fatal(err)
		}
		decoded := msg.(*WindowUpdate)
		if decoded.MaxOffset != max {
			t.Fatalf("max offset: got %d, want %d", decoded.MaxOffset, max)
		}
	}
}

func TestFinRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, &Fin{FinalOffset: 123456}); err != nil {
		t.Fatal(err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg.(*Fin).FinalOffset != 123456 {
		t.Fatal("final offset mismatch")
	}
}

func TestUnsupportedMessage(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, struct{}{}); err == nil {
		t.Fatal("expected error for unsupported message")
	}
}

func TestShortPayloadRejected(t *testing.T) {
	if _, err := DecodePayload(MsgWindowUpdate, []byte{1, 2, 3}); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestUnknownMessageRejected(t *testing.T) {
	if _, err := DecodePayload(MessageType(0xEE), nil); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestStreamFrameRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("q"), 100)
	encoded, err := EncodeFrame(nil, &StreamFrame{Offset: 1 << 40, Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) != FrameHeaderSize+len(payload) {
		t.Fatalf("encoded length = %d", len(encoded))
	}

	f, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if f.Offset != 1<<40 || !bytes.Equal(f.Payload, payload) {
		t.Fatalf("decoded offset=%d payload=%d bytes", f.Offset, len(f.Payload))
	}
}

func TestStreamFrameEmptyPayload(t *testing.T) {
	encoded, err := EncodeFrame(nil, &StreamFrame{Offset: 7})
	if err != nil {
		t.Fatal(err)
	}
	f, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if f.Offset != 7 || len(f.Payload) != 0 {
		t.Fatalf("decoded offset=%d payload=%d bytes", f.Offset, len(f.Payload))
	}
}

func TestStreamFrameTooLarge(t *testing.T) {
	big := make([]byte, MaxFramePayload+1)
	if _, err := EncodeFrame(nil, &StreamFrame{Payload: big}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	if _, err := DecodeFrame([]byte{byte(FrameStream), 0, 0}); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("short frame: %v", err)
	}
	bad := make([]byte, FrameHeaderSize)
	bad[0] = 0x7F
	if _, err := DecodeFrame(bad); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("unknown frame type: %v", err)
	}
}
