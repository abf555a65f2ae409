package mcp

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol operation type vocabulary.
const (
	OpInsert   = "insert"
	OpDelete   = "delete"
	OpReplace  = "replace"
	OpMeta     = "meta"
	OpResource = "resource"
)

var (
	ErrInvalidOperation = errors.New("mcp: invalid operation")
)

// Operation is one protocol-level edit record. Immutable after creation;
// forwarded by value across the coordination bridge.
type Operation struct {
	Type        string
	FilePath    string
	Line        uint32
	Column      uint32
	Content     string
	InstanceID  string
	OperationID uint64
	Timestamp   uint64
}

func (o Operation) Validate() error {
	switch o.Type {
	case OpInsert, OpDelete, OpReplace, OpMeta, OpResource:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, o.Type)
	}
	if strings.TrimSpace(o.FilePath) == "" {
		return fmt.Errorf("%w: missing file_path", ErrInvalidOperation)
	}
	return nil
}

func (o Operation) payload() map[string]any {
	return map[string]any{
		"type":         o.Type,
		"file_path":    o.FilePath,
		"line":         o.Line,
		"column":       o.Column,
		"content":      o.Content,
		"instance_id":  o.InstanceID,
		"operation_id": o.OperationID,
		"timestamp":    o.Timestamp,
	}
}

// OperationFromPayload extracts the operation document nested under the
// "operation" key of an OPERATION message payload.
func OperationFromPayload(payload map[string]any) (Operation, error) {
	raw, ok := payload["operation"].(map[string]any)
	if !ok {
		return Operation{}, fmt.Errorf("%w: missing operation document", ErrInvalidOperation)
	}
	op := Operation{
		Type:        docString(raw, "type"),
		FilePath:    docString(raw, "file_path"),
		Line:        uint32(docUint(raw, "line")),
		Column:      uint32(docUint(raw, "column")),
		Content:     docString(raw, "content"),
		InstanceID:  docString(raw, "instance_id"),
		OperationID: docUint(raw, "operation_id"),
		Timestamp:   docUint(raw, "timestamp"),
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func docString(doc map[string]any, key string) string {
	v, _ := doc[key].(string)
	return v
}

// docUint tolerates the numeric shapes a JSON decode can produce.
func docUint(doc map[string]any, key string) uint64 {
	switch v := doc[key].(type) {
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case uint64:
		return v
	case int64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case int:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case uint32:
		return uint64(v)
	default:
		return 0
	}
}
