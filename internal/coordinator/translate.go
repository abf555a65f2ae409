package coordinator

import (
	"errors"
	"fmt"

	"github.com/coedit/mcpd/internal/engine"
	"github.com/coedit/mcpd/internal/mcp"
)

var ErrUnknownOperationType = errors.New("coordinator: unknown operation type")

// The two operation vocabularies map 1:1 in both directions.
var opTypeToProtocol = map[engine.OpType]string{
	engine.OpInsert:     mcp.OpInsert,
	engine.OpDelete:     mcp.OpDelete,
	engine.OpReplace:    mcp.OpReplace,
	engine.OpMetaChange: mcp.OpMeta,
	engine.OpResource:   mcp.OpResource,
}

var opTypeFromProtocol = map[string]engine.OpType{
	mcp.OpInsert:   engine.OpInsert,
	mcp.OpDelete:   engine.OpDelete,
	mcp.OpReplace:  engine.OpReplace,
	mcp.OpMeta:     engine.OpMetaChange,
	mcp.OpResource: engine.OpResource,
}

// toProtocolOperation translates one engine operation into the protocol
// vocabulary. Engine timestamps are nanoseconds; the wire carries
// microseconds.
func toProtocolOperation(op engine.Operation) (mcp.Operation, error) {
	name, ok := opTypeToProtocol[op.Type]
	if !ok {
		return mcp.Operation{}, fmt.Errorf("%w: %s", ErrUnknownOperationType, op.Type)
	}
	return mcp.Operation{
		Type:        name,
		FilePath:    op.FilePath,
		Line:        op.Line,
		Column:      op.Column,
		Content:     op.Content,
		InstanceID:  op.InstanceID,
		OperationID: op.OperationID,
		Timestamp:   op.TimestampNS / 1000,
	}, nil
}

// toEngineOperation translates one protocol operation into the engine
// vocabulary. An unknown type string is an error the caller logs and drops.
func toEngineOperation(op mcp.Operation) (engine.Operation, error) {
	t, ok := opTypeFromProtocol[op.Type]
	if !ok {
		return engine.Operation{}, fmt.Errorf("%w: %q", ErrUnknownOperationType, op.Type)
	}
	return engine.Operation{
		Type:        t,
		FilePath:    op.FilePath,
		Line:        op.Line,
		Column:      op.Column,
		Content:     op.Content,
		InstanceID:  op.InstanceID,
		OperationID: op.OperationID,
		TimestampNS: op.Timestamp * 1000,
	}, nil
}
