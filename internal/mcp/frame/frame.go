package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed wire header length in bytes:
// magic(2) + type(1) + payload_len(4) + sequence(8) + timestamp_us(8).
const HeaderSize = 23

// Magic identifies an MCP frame on the wire.
var Magic = [2]byte{'M', 'C'}

var (
	ErrShortHeader      = errors.New("frame: short fixed header")
	ErrInvalidMagic     = errors.New("frame: invalid magic bytes")
	ErrTruncatedPayload = errors.New("frame: truncated payload")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
)

// Header is the fixed wire header.
type Header struct {
	Type       uint8
	PayloadLen uint32
	Sequence   uint64
	Timestamp  uint64
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = Magic[0]
	buf[1] = Magic[1]
	buf[2] = h.Type
	binary.BigEndian.PutUint32(buf[3:7], h.PayloadLen)
	binary.BigEndian.PutUint64(buf[7:15], h.Sequence)
	binary.BigEndian.PutUint64(buf[15:23], h.Timestamp)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	if b[0] != Magic[0] || b[1] != Magic[1] {
		return Header{}, fmt.Errorf("%w: %02x%02x", ErrInvalidMagic, b[0], b[1])
	}
	return Header{
		Type:       b[2],
		PayloadLen: binary.BigEndian.Uint32(b[3:7]),
		Sequence:   binary.BigEndian.Uint64(b[7:15]),
		Timestamp:  binary.BigEndian.Uint64(b[15:23]),
	}, nil
}

// ReadFrame reads one header+payload unit from the stream. The payload slice
// is exactly Header.PayloadLen bytes.
func ReadFrame(r io.Reader, limits Limits) (Header, []byte, error) {
	var fixed [HeaderSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, nil, ErrShortHeader
		}
		return Header{}, nil, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Header{}, nil, err
	}
	if limits.MaxPayloadBytes > 0 && h.PayloadLen > limits.MaxPayloadBytes {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.PayloadLen)
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Header{}, nil, fmt.Errorf("%w: want %d bytes", ErrTruncatedPayload, h.PayloadLen)
			}
			return Header{}, nil, err
		}
	}
	return h, payload, nil
}

// WriteFrame writes one header+payload unit. PayloadLen is computed from the
// payload slice, never trusted from the caller.
func WriteFrame(w io.Writer, h Header, payload []byte, limits Limits) error {
	if limits.MaxPayloadBytes > 0 && uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	h.PayloadLen = uint32(len(payload))
	if _, err := w.Write(EncodeHeader(h)); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}
