package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected     = errors.New("mcp: not connected")
	ErrConnectionClosed = errors.New("mcp: connection closed")
	ErrHandshakeFailed  = errors.New("mcp: handshake failed")
	ErrHandshakeTimeout = errors.New("mcp: handshake timeout")
)

// Conn owns one socket and the two background loops that service it.
// Lifecycle: handshake promotes it to connected and starts the loops; any
// transport failure in either loop closes it. Close is idempotent.
type Conn struct {
	conn     net.Conn
	reader   *bufio.Reader
	cfg      Config
	dispatch func(*Message)

	// OnClose fires exactly once, after both loops have drained.
	OnClose func()

	writeMu   sync.Mutex
	seq       atomic.Uint64
	connected atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	mu           sync.RWMutex
	remoteID     string
	remoteCaps   []string
	lastReceived time.Time
}

// NewConn wraps an open socket. The connection is not usable until
// Handshake succeeds. The dispatch callback receives every inbound
// non-heartbeat message on the receiver goroutine.
func NewConn(nc net.Conn, cfg Config, dispatch func(*Message)) *Conn {
	return &Conn{
		conn:     nc,
		reader:   bufio.NewReader(nc),
		cfg:      cfg.WithDefaults(),
		dispatch: dispatch,
		closed:   make(chan struct{}),
	}
}

// Handshake sends HANDSHAKE (sequence 0) and waits for HANDSHAKE_RESPONSE
// under the configured deadline. On success the heartbeat and receiver loops
// start; on any failure the connection is left closed, never half-initialized.
func (c *Conn) Handshake(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = c.conn.SetDeadline(deadline)

	hello := NewHandshake(c.cfg.InstanceID, c.cfg.Version, c.cfg.Capabilities)
	if err := c.Send(hello); err != nil {
		c.failHandshake()
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	resp, err := ReadMessage(c.reader, c.cfg.Limits)
	if err != nil {
		c.failHandshake()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: no response within %s", ErrHandshakeTimeout, c.cfg.HandshakeTimeout)
		}
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if resp.Type != TypeHandshakeResponse {
		c.failHandshake()
		return fmt.Errorf("%w: expected HANDSHAKE_RESPONSE, got %s", ErrHandshakeFailed, resp.Type)
	}

	c.mu.Lock()
	c.remoteID = docString(resp.Payload, "instance_id")
	if caps, ok := resp.Payload["capabilities"].([]any); ok {
		c.remoteCaps = make([]string, 0, len(caps))
		for _, v := range caps {
			if s, ok := v.(string); ok {
				c.remoteCaps = append(c.remoteCaps, s)
			}
		}
	}
	c.lastReceived = time.Now()
	c.mu.Unlock()

	_ = c.conn.SetDeadline(time.Time{})
	c.connected.Store(true)

	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.receiverLoop()

	log.Info().
		Str("remote_instance_id", c.RemoteInstanceID()).
		Strs("remote_capabilities", c.RemoteCapabilities()).
		Msg("handshake_complete")
	return nil
}

func (c *Conn) failHandshake() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// NextSequence allocates the next per-connection sequence number. The counter
// starts at 1; 0 is reserved for the handshake exchange.
func (c *Conn) NextSequence() uint64 {
	return c.seq.Add(1)
}

// Send packs and writes one message. A single writer mutex serializes bytes
// on the wire. Sending before the handshake completes is an error for every
// type except HANDSHAKE.
func (c *Conn) Send(m *Message) error {
	if !c.connected.Load() && m.Type != TypeHandshake {
		return fmt.Errorf("%w: cannot send %s before handshake", ErrNotConnected, m.Type)
	}
	data, err := m.Pack()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if m.Type != TypeHandshake {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	log.Debug().Str("type", m.Type.String()).Uint64("sequence", m.Sequence).Msg("message_sent")
	return nil
}

// heartbeatLoop sends HEARTBEAT every interval. The liveness window is
// checked on each tick, before sending: prolonged silence force-closes the
// connection even though the remote never explicitly disconnected.
func (c *Conn) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if silence := time.Since(c.LastReceived()); silence > c.cfg.LivenessWindow {
				log.Warn().
					Dur("silence", silence).
					Dur("liveness_window", c.cfg.LivenessWindow).
					Msg("liveness_timeout")
				c.Close()
				return
			}
			if err := c.Send(NewHeartbeat(c.NextSequence())); err != nil {
				if !c.closing() {
					log.Error().Err(err).Msg("heartbeat_send_failed")
				}
				c.Close()
				return
			}
		}
	}
}

// receiverLoop reads frames in arrival order. Heartbeats are answered
// immediately and never dispatched; every other message goes to the dispatch
// callback synchronously, with failures isolated from the loop.
func (c *Conn) receiverLoop() {
	defer c.wg.Done()
	for {
		msg, err := ReadMessage(c.reader, c.cfg.Limits)
		if err != nil {
			if !c.closing() {
				log.Error().Err(err).Msg("receive_failed")
			}
			c.Close()
			return
		}

		c.mu.Lock()
		c.lastReceived = time.Now()
		c.mu.Unlock()
		log.Debug().Str("type", msg.Type.String()).Uint64("sequence", msg.Sequence).Msg("message_received")

		if msg.Type == TypeHeartbeat {
			if err := c.Send(NewHeartbeatResponse(msg.Sequence)); err != nil {
				if !c.closing() {
					log.Error().Err(err).Msg("heartbeat_response_failed")
				}
				c.Close()
				return
			}
			continue
		}

		c.dispatchMessage(msg)
	}
}

func (c *Conn) dispatchMessage(m *Message) {
	if c.dispatch == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("type", m.Type.String()).
				Uint64("sequence", m.Sequence).
				Any("panic", r).
				Msg("dispatch_panic")
		}
	}()
	c.dispatch(m)
}

// Close tears the connection down: marks it closed, unblocks both loops by
// closing the socket, and fires OnClose once the loops have drained. Safe to
// call from the loops themselves and from any other goroutine; repeated calls
// are no-ops.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.closed)
		_ = c.conn.Close()
		go func() {
			c.wg.Wait()
			if c.OnClose != nil {
				c.OnClose()
			}
		}()
	})
}

// Wait blocks until both background loops have exited. Must not be called
// from the dispatch callback.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) closing() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) Connected() bool {
	return c.connected.Load()
}

func (c *Conn) RemoteInstanceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteID
}

func (c *Conn) RemoteCapabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.remoteCaps))
	copy(out, c.remoteCaps)
	return out
}

func (c *Conn) LastReceived() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReceived
}
