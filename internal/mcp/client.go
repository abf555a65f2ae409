package mcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrInstanceIDRequired = errors.New("mcp: instance id required")
	ErrRequestTimeout     = errors.New("mcp: request timed out")
)

// RequestError carries an ERROR message resolved against a pending request.
type RequestError struct {
	Code    int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("mcp: remote error code=%d message=%q", e.Code, e.Message)
}

type result struct {
	payload map[string]any
	err     error
}

// Client wraps one Conn with request/response correlation and event
// subscriptions. Correlated requests get a pending slot keyed by sequence
// number; the slot is consumed exactly once, by a matching response, an ERROR
// for that sequence, or the request timeout.
type Client struct {
	cfg Config

	connMu sync.RWMutex
	conn   *Conn

	pendingMu sync.Mutex
	pending   map[uint64]chan result

	subMu          sync.RWMutex
	operationSubs  []func(Operation)
	stateSubs      []func(map[string]any)
	connectSubs    []func()
	disconnectSubs []func()
	errorSubs      []func(code int, message string)
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:     cfg.WithDefaults(),
		pending: make(map[uint64]chan result),
	}
}

// Connect dials the remote instance, performs the handshake, and notifies
// connect subscribers. A failed handshake leaves the client disconnected;
// no retry happens inside the attempt.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.InstanceID == "" {
		return ErrInstanceIDRequired
	}
	if c.Connected() {
		return nil
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mcp: dial %s: %w", addr, err)
	}

	conn := NewConn(nc, c.cfg, c.handleMessage)
	conn.OnClose = func() { c.connClosed(conn) }
	if err := conn.Handshake(ctx); err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.notifyConnect()
	return nil
}

// Disconnect closes the active connection and waits for its loops to drain.
// Idempotent; disconnect subscribers fire through the connection close hook.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	conn.Wait()
}

func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil && c.conn.Connected()
}

// RemoteInstanceID reports the instance id learned during the handshake, or
// empty when disconnected.
func (c *Client) RemoteInstanceID() string {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteInstanceID()
}

// Pending reports the current pending-request table size.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// SendOperation forwards one operation and waits for the correlated
// OPERATION_RESPONSE payload.
func (c *Client) SendOperation(ctx context.Context, op Operation) (map[string]any, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	conn, err := c.activeConn()
	if err != nil {
		return nil, err
	}
	seq := conn.NextSequence()
	return c.request(ctx, conn, seq, NewOperationMessage(seq, op))
}

// RequestState asks the remote instance for its current state document.
func (c *Client) RequestState(ctx context.Context) (map[string]any, error) {
	conn, err := c.activeConn()
	if err != nil {
		return nil, err
	}
	seq := conn.NextSequence()
	resp, err := c.request(ctx, conn, seq, NewStateRequest(seq))
	if err != nil {
		return nil, err
	}
	if state, ok := resp["state"].(map[string]any); ok {
		return state, nil
	}
	return map[string]any{}, nil
}

func (c *Client) activeConn() (*Conn, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.conn == nil || !c.conn.Connected() {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// request registers a pending slot, sends, and waits for exactly one of:
// resolution, ERROR, timeout, or caller cancellation. The slot is removed on
// every path.
func (c *Client) request(ctx context.Context, conn *Conn, seq uint64, msg *Message) (map[string]any, error) {
	slot := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[seq] = slot
	c.pendingMu.Unlock()

	if err := conn.Send(msg); err != nil {
		c.removePending(seq)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-slot:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-timer.C:
		c.removePending(seq)
		return nil, fmt.Errorf("%w: %s sequence=%d after %s", ErrRequestTimeout, msg.Type, seq, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.removePending(seq)
		return nil, ctx.Err()
	}
}

func (c *Client) removePending(seq uint64) {
	c.pendingMu.Lock()
	delete(c.pending, seq)
	c.pendingMu.Unlock()
}

// resolve completes the pending slot for one sequence. Resolving a sequence
// twice, or one that was never pending, is ignored but logged: it signals a
// protocol bug on the remote side.
func (c *Client) resolve(seq uint64, payload map[string]any, err error) {
	c.pendingMu.Lock()
	slot, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()
	if !ok {
		log.Debug().Uint64("sequence", seq).Msg("stale_response_dropped")
		return
	}
	slot <- result{payload: payload, err: err}
}

// handleMessage runs on the receiver goroutine and dispatches by type.
func (c *Client) handleMessage(m *Message) {
	switch m.Type {
	case TypeOperation:
		c.handleInboundOperation(m)
	case TypeOperationResponse:
		c.resolve(m.Sequence, m.Payload, nil)
	case TypeStateResponse:
		state, _ := m.Payload["state"].(map[string]any)
		if state == nil {
			state = map[string]any{}
		}
		c.notifyState(state)
		c.resolve(m.Sequence, m.Payload, nil)
	case TypeError:
		code := int(docUint(m.Payload, "code"))
		message := docString(m.Payload, "message")
		c.notifyError(code, message)
		c.resolve(m.Sequence, nil, &RequestError{Code: code, Message: message})
	case TypeHeartbeatResponse:
		// Liveness already advanced on the receive path; nothing to correlate.
	default:
		log.Warn().Str("type", m.Type.String()).Uint64("sequence", m.Sequence).Msg("unexpected_message_type")
	}
}

// handleInboundOperation notifies subscribers and acknowledges immediately.
// The response does not wait on subscriber completion; subscriber failures
// are isolated and never suppress the acknowledgement.
func (c *Client) handleInboundOperation(m *Message) {
	op, err := OperationFromPayload(m.Payload)
	if err != nil {
		log.Warn().Err(err).Uint64("sequence", m.Sequence).Msg("inbound_operation_invalid")
		return
	}

	c.subMu.RLock()
	subs := make([]func(Operation), len(c.operationSubs))
	copy(subs, c.operationSubs)
	c.subMu.RUnlock()
	for _, sub := range subs {
		invoke(func() { sub(op) }, "operation_subscriber")
	}

	conn, err := c.activeConn()
	if err != nil {
		log.Warn().Uint64("sequence", m.Sequence).Msg("operation_ack_skipped")
		return
	}
	ack := NewOperationResponse(m.Sequence, op.OperationID, true)
	if err := conn.Send(ack); err != nil {
		log.Error().Err(err).Uint64("sequence", m.Sequence).Msg("operation_ack_failed")
	}
}

// connClosed runs once per connection, after its loops drain: fails every
// pending request with a transport error and notifies disconnect subscribers.
func (c *Client) connClosed(conn *Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	c.pendingMu.Lock()
	for seq, slot := range c.pending {
		delete(c.pending, seq)
		slot <- result{err: ErrConnectionClosed}
	}
	c.pendingMu.Unlock()

	c.notifyDisconnect()
}

func (c *Client) OnOperation(sub func(Operation)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.operationSubs = append(c.operationSubs, sub)
}

func (c *Client) OnState(sub func(map[string]any)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.stateSubs = append(c.stateSubs, sub)
}

func (c *Client) OnConnect(sub func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.connectSubs = append(c.connectSubs, sub)
}

func (c *Client) OnDisconnect(sub func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.disconnectSubs = append(c.disconnectSubs, sub)
}

func (c *Client) OnError(sub func(code int, message string)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.errorSubs = append(c.errorSubs, sub)
}

func (c *Client) notifyConnect() {
	c.subMu.RLock()
	subs := make([]func(), len(c.connectSubs))
	copy(subs, c.connectSubs)
	c.subMu.RUnlock()
	for _, sub := range subs {
		invoke(sub, "connect_subscriber")
	}
}

func (c *Client) notifyDisconnect() {
	c.subMu.RLock()
	subs := make([]func(), len(c.disconnectSubs))
	copy(subs, c.disconnectSubs)
	c.subMu.RUnlock()
	for _, sub := range subs {
		invoke(sub, "disconnect_subscriber")
	}
}

func (c *Client) notifyState(state map[string]any) {
	c.subMu.RLock()
	subs := make([]func(map[string]any), len(c.stateSubs))
	copy(subs, c.stateSubs)
	c.subMu.RUnlock()
	for _, sub := range subs {
		invoke(func() { sub(state) }, "state_subscriber")
	}
}

func (c *Client) notifyError(code int, message string) {
	c.subMu.RLock()
	subs := make([]func(int, string), len(c.errorSubs))
	copy(subs, c.errorSubs)
	c.subMu.RUnlock()
	for _, sub := range subs {
		invoke(func() { sub(code, message) }, "error_subscriber")
	}
}

// invoke isolates one subscriber: a panic is logged and does not affect other
// subscribers or the connection.
func invoke(fn func(), name string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("subscriber", name).Any("panic", r).Msg("subscriber_panic")
		}
	}()
	fn()
}
