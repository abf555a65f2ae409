package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Type:       3,
		PayloadLen: 512,
		Sequence:   42,
		Timestamp:  1700000000000000,
	}
	decoded, err := DecodeHeader(EncodeHeader(h))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != h {
		t.Fatalf("round-trip mismatch: got %+v want %+v", decoded, h)
	}
}

func TestReadWriteFrame(t *testing.T) {
	payload := []byte(`{"instance_id":"inst-1"}`)
	var buf bytes.Buffer
	err := WriteFrame(&buf, Header{Type: 1, Sequence: 0, Timestamp: 99}, payload, DefaultLimits())
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	h, got, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if h.Type != 1 || h.Sequence != 0 || h.Timestamp != 99 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if h.PayloadLen != uint32(len(payload)) {
		t.Fatalf("payload_len=%d want %d", h.PayloadLen, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameInvalidMagic(t *testing.T) {
	raw := EncodeHeader(Header{Type: 1})
	raw[0] = 'X'
	raw[1] = 'Y'
	_, _, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	raw := EncodeHeader(Header{Type: 1})
	_, _, err := ReadFrame(bytes.NewReader(raw[:HeaderSize-4]), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	payload := []byte(`{"code":1,"message":"boom"}`)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Header{Type: 7, Sequence: 5}, payload, DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.Bytes()
	_, _, err := ReadFrame(bytes.NewReader(raw[:len(raw)-3]), DefaultLimits())
	if !errors.Is(err, ErrTruncatedPayload) {
		t.Fatalf("expected ErrTruncatedPayload, got %v", err)
	}
}

func TestReadFramePayloadTooLarge(t *testing.T) {
	h := Header{Type: 3, PayloadLen: 1024}
	raw := EncodeHeader(h)
	_, _, err := ReadFrame(bytes.NewReader(raw), Limits{MaxPayloadBytes: 512})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWriteFramePayloadTooLarge(t *testing.T) {
	err := WriteFrame(&bytes.Buffer{}, Header{Type: 3}, make([]byte, 64), Limits{MaxPayloadBytes: 16})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
