package observability

import (
	"sync"
	"time"
)

// errorRingCap bounds the recent-error ring; oldest entries are dropped.
const errorRingCap = 100

// ErrorRecord is one retained error event.
type ErrorRecord struct {
	Time    time.Time `json:"time"`
	Code    int       `json:"code"`
	Message string    `json:"message"`
}

// Snapshot is a full copy of the collector state. Readers never observe a
// partially-updated structure.
type Snapshot struct {
	InstanceID            string        `json:"instance_id"`
	ConnectionCount       uint64        `json:"connection_count"`
	DisconnectionCount    uint64        `json:"disconnection_count"`
	LastConnectionTime    time.Time     `json:"last_connection_time"`
	LastDisconnectionTime time.Time     `json:"last_disconnection_time"`
	OperationsReceived    uint64        `json:"operations_received"`
	OperationsForwarded   uint64        `json:"operations_forwarded"`
	Undos                 uint64        `json:"undos"`
	Redos                 uint64        `json:"redos"`
	Errors                []ErrorRecord `json:"errors"`
	StartTime             time.Time     `json:"start_time"`
}

// Collector aggregates lifecycle and operation counters under one mutex.
// Every Record call also feeds the prometheus counters.
type Collector struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewCollector(instanceID string) *Collector {
	RegisterMetrics()
	return &Collector{
		snap: Snapshot{
			InstanceID: instanceID,
			Errors:     make([]ErrorRecord, 0, errorRingCap),
			StartTime:  time.Now(),
		},
	}
}

func (c *Collector) RecordConnection() {
	c.mu.Lock()
	c.snap.ConnectionCount++
	c.snap.LastConnectionTime = time.Now()
	instance := c.snap.InstanceID
	c.mu.Unlock()
	connectionsTotal.WithLabelValues(instance).Inc()
}

func (c *Collector) RecordDisconnection() {
	c.mu.Lock()
	c.snap.DisconnectionCount++
	c.snap.LastDisconnectionTime = time.Now()
	instance := c.snap.InstanceID
	c.mu.Unlock()
	disconnectionsTotal.WithLabelValues(instance).Inc()
}

func (c *Collector) RecordOperationReceived() {
	c.mu.Lock()
	c.snap.OperationsReceived++
	instance := c.snap.InstanceID
	c.mu.Unlock()
	operationsReceived.WithLabelValues(instance).Inc()
}

func (c *Collector) RecordOperationForwarded() {
	c.mu.Lock()
	c.snap.OperationsForwarded++
	instance := c.snap.InstanceID
	c.mu.Unlock()
	operationsForwarded.WithLabelValues(instance).Inc()
}

func (c *Collector) RecordUndo() {
	c.mu.Lock()
	c.snap.Undos++
	instance := c.snap.InstanceID
	c.mu.Unlock()
	undoTotal.WithLabelValues(instance).Inc()
}

func (c *Collector) RecordRedo() {
	c.mu.Lock()
	c.snap.Redos++
	instance := c.snap.InstanceID
	c.mu.Unlock()
	redoTotal.WithLabelValues(instance).Inc()
}

func (c *Collector) RecordError(code int, message string) {
	c.mu.Lock()
	c.snap.Errors = append(c.snap.Errors, ErrorRecord{
		Time:    time.Now(),
		Code:    code,
		Message: message,
	})
	if len(c.snap.Errors) > errorRingCap {
		c.snap.Errors = c.snap.Errors[len(c.snap.Errors)-errorRingCap:]
	}
	instance := c.snap.InstanceID
	c.mu.Unlock()
	errorsTotal.WithLabelValues(instance).Inc()
}

// Snapshot returns a deep copy of the current state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.snap
	out.Errors = make([]ErrorRecord, len(c.snap.Errors))
	copy(out.Errors, c.snap.Errors)
	return out
}
