package engine

import (
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Engine: bounded operation history with undo/redo
// stacks. It stands in for the native coordination runtime in the shipped
// binary and in tests. Coordinated operations from peers are injected with
// Deliver; local submissions never echo back through the callback.
type Memory struct {
	mu          sync.Mutex
	initialized bool
	cfg         Config
	callbacks   []OperationCallback
	history     []Operation
	undone      []Operation
	nextOpID    uint64
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Initialize(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return ErrAlreadyInitialized
	}
	if cfg.InstanceID == "" {
		return fmt.Errorf("%w: missing instance id", ErrInvalidParameter)
	}
	if cfg.MaxHistoryEntries <= 0 {
		cfg.MaxHistoryEntries = 1000
	}
	m.cfg = cfg
	m.history = make([]Operation, 0, cfg.MaxHistoryEntries)
	m.undone = nil
	m.nextOpID = 0
	m.initialized = true
	return nil
}

func (m *Memory) RegisterOperationCallback(cb OperationCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// SubmitOperation records one operation. A new submission invalidates the
// redo stack. History is bounded by MaxHistoryEntries, drop-oldest.
func (m *Memory) SubmitOperation(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	if op.OperationID == 0 {
		m.nextOpID++
		op.OperationID = m.nextOpID
	}
	if op.TimestampNS == 0 {
		op.TimestampNS = uint64(time.Now().UnixNano())
	}
	if op.InstanceID == "" {
		op.InstanceID = m.cfg.InstanceID
	}
	m.history = append(m.history, op)
	if len(m.history) > m.cfg.MaxHistoryEntries {
		m.history = m.history[len(m.history)-m.cfg.MaxHistoryEntries:]
	}
	m.undone = nil
	return nil
}

func (m *Memory) Undo() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	if len(m.history) == 0 {
		return ErrNothingToUndo
	}
	last := m.history[len(m.history)-1]
	m.history = m.history[:len(m.history)-1]
	m.undone = append(m.undone, last)
	return nil
}

func (m *Memory) Redo() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	if len(m.undone) == 0 {
		return ErrNothingToRedo
	}
	last := m.undone[len(m.undone)-1]
	m.undone = m.undone[:len(m.undone)-1]
	m.history = append(m.history, last)
	return nil
}

// Shutdown is idempotent.
func (m *Memory) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.callbacks = nil
	return nil
}

// Deliver hands a batch of coordinated operations to every registered
// callback, simulating arrival from peer instances.
func (m *Memory) Deliver(ops []Operation) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	cbs := make([]OperationCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.mu.Unlock()

	batch := make([]Operation, len(ops))
	copy(batch, ops)
	for _, cb := range cbs {
		cb(batch)
	}
	return nil
}

// History returns a copy of the recorded operations, oldest first.
func (m *Memory) History() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Operation, len(m.history))
	copy(out, m.history)
	return out
}
