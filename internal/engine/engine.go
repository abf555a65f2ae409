package engine

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// OpType is the engine-side operation vocabulary.
type OpType int

const (
	OpInsert OpType = iota
	OpDelete
	OpReplace
	OpMetaChange
	OpResource
)

func (t OpType) Valid() bool {
	return t >= OpInsert && t <= OpResource
}

func (t OpType) String() string {
	switch t {
	case OpInsert:
		return "INSERT"
	case OpDelete:
		return "DELETE"
	case OpReplace:
		return "REPLACE"
	case OpMetaChange:
		return "META_CHANGE"
	case OpResource:
		return "RESOURCE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

var (
	ErrNotInitialized     = errors.New("engine: not initialized")
	ErrAlreadyInitialized = errors.New("engine: already initialized")
	ErrInvalidParameter   = errors.New("engine: invalid parameter")
	ErrNothingToUndo      = errors.New("engine: nothing to undo")
	ErrNothingToRedo      = errors.New("engine: nothing to redo")
)

// Operation is one engine-side change record.
type Operation struct {
	Type        OpType
	FilePath    string
	Line        uint32
	Column      uint32
	Content     string
	InstanceID  string
	OperationID uint64
	TimestampNS uint64
}

func (o Operation) Validate() error {
	if !o.Type.Valid() {
		return fmt.Errorf("%w: unknown operation type %d", ErrInvalidParameter, int(o.Type))
	}
	if o.FilePath == "" {
		return fmt.Errorf("%w: missing file_path", ErrInvalidParameter)
	}
	return nil
}

// Config is the engine initialization surface.
type Config struct {
	InstanceID        string
	ProjectRoot       string
	HistoryPath       string
	CoordinationPort  int
	SyncInterval      time.Duration
	MaxHistoryEntries int
	EncryptionEnabled bool
}

// OperationCallback delivers a batch of coordinated operations, in order,
// on an engine-owned goroutine.
type OperationCallback func(ops []Operation)

// Engine is the opaque coordination collaborator the bridge depends on:
// only this call contract, never internals. Implementations are explicitly
// constructed and injected; there is no process-wide instance.
type Engine interface {
	Initialize(cfg Config) error
	RegisterOperationCallback(cb OperationCallback)
	SubmitOperation(op Operation) error
	Undo() error
	Redo() error
	Shutdown() error
}

// NewInstanceID generates a random instance identifier.
func NewInstanceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("mcpd-%d", time.Now().UnixNano())
	}
	return "mcpd-" + hex.EncodeToString(buf)
}
