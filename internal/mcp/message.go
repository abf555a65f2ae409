package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/coedit/mcpd/internal/mcp/frame"
)

// MessageType is the one-byte wire message taxonomy.
type MessageType uint8

const (
	TypeHandshake MessageType = iota + 1
	TypeHandshakeResponse
	TypeOperation
	TypeOperationResponse
	TypeStateRequest
	TypeStateResponse
	TypeError
	TypeHeartbeat
	TypeHeartbeatResponse
)

func (t MessageType) Valid() bool {
	return t >= TypeHandshake && t <= TypeHeartbeatResponse
}

func (t MessageType) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeHandshakeResponse:
		return "HANDSHAKE_RESPONSE"
	case TypeOperation:
		return "OPERATION"
	case TypeOperationResponse:
		return "OPERATION_RESPONSE"
	case TypeStateRequest:
		return "STATE_REQUEST"
	case TypeStateResponse:
		return "STATE_RESPONSE"
	case TypeError:
		return "ERROR"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeHeartbeatResponse:
		return "HEARTBEAT_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

var (
	ErrUnknownMessageType = errors.New("mcp: unknown message type")
	ErrMalformedPayload   = errors.New("mcp: malformed payload")
)

// Message is one protocol envelope. Timestamp is microseconds since epoch,
// stamped at construction unless explicitly supplied. Received messages are
// read-only by convention.
type Message struct {
	Type      MessageType
	Sequence  uint64
	Timestamp uint64
	Payload   map[string]any
}

func newMessage(t MessageType, sequence uint64, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		Type:      t,
		Sequence:  sequence,
		Timestamp: uint64(time.Now().UnixMicro()),
		Payload:   payload,
	}
}

// NewHandshake builds the connection-opening message. Sequence 0 is reserved
// for the handshake exchange.
func NewHandshake(instanceID, version string, capabilities []string) *Message {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	return newMessage(TypeHandshake, 0, map[string]any{
		"instance_id":  instanceID,
		"version":      version,
		"capabilities": caps,
	})
}

func NewHandshakeResponse(instanceID, version string, capabilities []string) *Message {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	return newMessage(TypeHandshakeResponse, 0, map[string]any{
		"instance_id":  instanceID,
		"version":      version,
		"capabilities": caps,
	})
}

func NewOperationMessage(sequence uint64, op Operation) *Message {
	return newMessage(TypeOperation, sequence, map[string]any{
		"operation": op.payload(),
	})
}

func NewOperationResponse(sequence uint64, operationID uint64, success bool) *Message {
	return newMessage(TypeOperationResponse, sequence, map[string]any{
		"operation_id": operationID,
		"success":      success,
	})
}

func NewStateRequest(sequence uint64) *Message {
	return newMessage(TypeStateRequest, sequence, nil)
}

func NewStateResponse(sequence uint64, state map[string]any) *Message {
	return newMessage(TypeStateResponse, sequence, map[string]any{
		"state": state,
	})
}

func NewErrorMessage(sequence uint64, code int, message string) *Message {
	return newMessage(TypeError, sequence, map[string]any{
		"code":    code,
		"message": message,
	})
}

func NewHeartbeat(sequence uint64) *Message {
	return newMessage(TypeHeartbeat, sequence, nil)
}

func NewHeartbeatResponse(sequence uint64) *Message {
	return newMessage(TypeHeartbeatResponse, sequence, nil)
}

// Pack serializes the message into one wire frame. Packing is pure: the
// payload length is computed from the serialized document.
func (m *Message) Pack() ([]byte, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	buf := make([]byte, 0, frame.HeaderSize+len(payload))
	buf = append(buf, frame.EncodeHeader(frame.Header{
		Type:       uint8(m.Type),
		PayloadLen: uint32(len(payload)),
		Sequence:   m.Sequence,
		Timestamp:  m.Timestamp,
	})...)
	buf = append(buf, payload...)
	return buf, nil
}

// Unpack decodes one complete frame. Fails on truncated header, wrong magic,
// unknown message type, truncated payload, or malformed payload encoding.
func Unpack(b []byte, limits frame.Limits) (*Message, error) {
	h, payload, err := frame.ReadFrame(bytes.NewReader(b), limits)
	if err != nil {
		return nil, err
	}
	return decodeMessage(h, payload)
}

// ReadMessage reads and decodes the next frame from the stream.
func ReadMessage(r io.Reader, limits frame.Limits) (*Message, error) {
	h, payload, err := frame.ReadFrame(r, limits)
	if err != nil {
		return nil, err
	}
	return decodeMessage(h, payload)
}

func decodeMessage(h frame.Header, payload []byte) (*Message, error) {
	t := MessageType(h.Type)
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, h.Type)
	}
	doc := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	return &Message{
		Type:      t,
		Sequence:  h.Sequence,
		Timestamp: h.Timestamp,
		Payload:   doc,
	}, nil
}
