package mcp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coedit/mcpd/internal/mcp/frame"
	"github.com/coedit/mcpd/internal/testutil/testlog"
)

// serverConn is one accepted connection on the test server, with a write
// mutex so handlers can reply from any goroutine.
type serverConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

func (sc *serverConn) send(m *Message) {
	sc.t.Helper()
	data, err := m.Pack()
	if err != nil {
		sc.t.Errorf("server pack: %v", err)
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, err := sc.conn.Write(data); err != nil {
		sc.t.Errorf("server write: %v", err)
	}
}

// startTestServer runs a protocol peer on a loopback listener. It answers
// handshakes as inst-2 and hands every later message to the handler.
func startTestServer(t *testing.T, handler func(*serverConn, *Message)) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			sc := &serverConn{t: t, conn: nc, reader: bufio.NewReader(nc)}
			go func() {
				defer nc.Close()
				for {
					msg, err := ReadMessage(sc.reader, frame.DefaultLimits())
					if err != nil {
						return
					}
					switch msg.Type {
					case TypeHandshake:
						sc.send(NewHandshakeResponse("inst-2", ProtocolVersion, DefaultCapabilities))
					case TypeHeartbeat:
						sc.send(NewHeartbeatResponse(msg.Sequence))
					default:
						if handler != nil {
							handler(sc, msg)
						}
					}
				}
			}()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func connectedClient(t *testing.T, host string, port int, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{Host: host, Port: port, InstanceID: "inst-1"}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestClientOperationRoundTrip(t *testing.T) {
	testlog.Start(t)
	host, port := startTestServer(t, func(sc *serverConn, m *Message) {
		if m.Type != TypeOperation {
			sc.t.Errorf("unexpected type %s", m.Type)
			return
		}
		op, err := OperationFromPayload(m.Payload)
		if err != nil {
			sc.t.Errorf("decode operation: %v", err)
			return
		}
		if op.Type != OpInsert || op.FilePath != "/a.txt" || op.Line != 3 {
			sc.t.Errorf("operation mismatch: %+v", op)
		}
		sc.send(NewOperationResponse(m.Sequence, 42, true))
	})

	c := connectedClient(t, host, port, nil)
	if got := c.RemoteInstanceID(); got != "inst-2" {
		t.Fatalf("remote instance id=%q", got)
	}

	resp, err := c.SendOperation(context.Background(), Operation{
		Type:       OpInsert,
		FilePath:   "/a.txt",
		Line:       3,
		Content:    "x",
		InstanceID: "inst-1",
	})
	if err != nil {
		t.Fatalf("send operation: %v", err)
	}
	if got, ok := resp["operation_id"].(float64); !ok || got != 42 {
		t.Fatalf("operation_id=%v", resp["operation_id"])
	}
	if ok, _ := resp["success"].(bool); !ok {
		t.Fatalf("success=%v", resp["success"])
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("pending=%d after resolution, want 0", n)
	}
}

func TestClientCorrelatesOutOfOrderResponses(t *testing.T) {
	testlog.Start(t)
	const requests = 3

	var mu sync.Mutex
	var queued []*Message
	host, port := startTestServer(t, func(sc *serverConn, m *Message) {
		mu.Lock()
		queued = append(queued, m)
		ready := len(queued) == requests
		batch := queued
		mu.Unlock()
		if !ready {
			return
		}
		// Answer in reverse arrival order; correlation must still hold.
		for i := len(batch) - 1; i >= 0; i-- {
			sc.send(NewOperationResponse(batch[i].Sequence, batch[i].Sequence*100, true))
		}
	})

	c := connectedClient(t, host, port, nil)

	type outcome struct {
		seq uint64
		id  float64
		err error
	}
	results := make(chan outcome, requests)
	for i := 0; i < requests; i++ {
		go func() {
			resp, err := c.SendOperation(context.Background(), Operation{
				Type:     OpInsert,
				FilePath: "/a.txt",
				Content:  "x",
			})
			if err != nil {
				results <- outcome{err: err}
				return
			}
			id, _ := resp["operation_id"].(float64)
			results <- outcome{seq: uint64(id) / 100, id: id}
		}()
	}

	for i := 0; i < requests; i++ {
		select {
		case res := <-results:
			if res.err != nil {
				t.Fatalf("request failed: %v", res.err)
			}
			if res.id != float64(res.seq*100) {
				t.Fatalf("response id=%v for sequence %d", res.id, res.seq)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("request %d never resolved", i)
		}
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("pending=%d, want 0", n)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	testlog.Start(t)
	host, port := startTestServer(t, func(sc *serverConn, m *Message) {
		// Swallow the request.
	})

	c := connectedClient(t, host, port, func(cfg *Config) {
		cfg.RequestTimeout = 80 * time.Millisecond
	})

	_, err := c.SendOperation(context.Background(), Operation{
		Type:     OpDelete,
		FilePath: "/a.txt",
	})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("pending=%d after timeout, want 0", n)
	}
}

func TestClientErrorResolvesRequest(t *testing.T) {
	testlog.Start(t)
	host, port := startTestServer(t, func(sc *serverConn, m *Message) {
		sc.send(NewErrorMessage(m.Sequence, 42, "rejected"))
	})

	c := connectedClient(t, host, port, nil)
	notified := make(chan string, 1)
	c.OnError(func(code int, message string) {
		notified <- message
	})

	_, err := c.SendOperation(context.Background(), Operation{
		Type:     OpReplace,
		FilePath: "/a.txt",
		Content:  "y",
	})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != 42 || reqErr.Message != "rejected" {
		t.Fatalf("request error=%+v", reqErr)
	}
	select {
	case msg := <-notified:
		if msg != "rejected" {
			t.Fatalf("error subscriber message=%q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error subscriber never notified")
	}
}

func TestClientInboundOperationAcked(t *testing.T) {
	testlog.Start(t)
	acks := make(chan *Message, 1)
	var scMu sync.Mutex
	var srv *serverConn
	host, port := startTestServer(t, func(sc *serverConn, m *Message) {
		switch m.Type {
		case TypeStateRequest:
			scMu.Lock()
			srv = sc
			scMu.Unlock()
			sc.send(NewStateResponse(m.Sequence, map[string]any{}))
		case TypeOperationResponse:
			acks <- m
		}
	})

	c := connectedClient(t, host, port, nil)

	received := make(chan Operation, 1)
	// A panicking subscriber must not suppress later subscribers or the ack.
	c.OnOperation(func(Operation) { panic("subscriber bug") })
	c.OnOperation(func(op Operation) { received <- op })

	// Reach the server side of the accepted connection through a probe
	// request, then push an unsolicited operation from the server.
	if _, err := c.RequestState(context.Background()); err != nil {
		t.Fatalf("probe request: %v", err)
	}

	scMu.Lock()
	server := srv
	scMu.Unlock()
	if server == nil {
		t.Fatalf("server connection never observed")
	}

	server.send(NewOperationMessage(9, Operation{
		Type:        OpInsert,
		FilePath:    "/b.txt",
		Line:        1,
		Content:     "z",
		InstanceID:  "inst-2",
		OperationID: 7,
	}))

	select {
	case op := <-received:
		if op.OperationID != 7 || op.FilePath != "/b.txt" {
			t.Fatalf("inbound operation=%+v", op)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("operation subscriber never notified")
	}

	select {
	case ack := <-acks:
		if ack.Sequence != 9 {
			t.Fatalf("ack sequence=%d, want 9", ack.Sequence)
		}
		if got := docUint(ack.Payload, "operation_id"); got != 7 {
			t.Fatalf("ack operation_id=%d, want 7", got)
		}
		if ok, _ := ack.Payload["success"].(bool); !ok {
			t.Fatalf("ack success=%v", ack.Payload["success"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("acknowledgement never arrived")
	}
}

func TestClientRequestState(t *testing.T) {
	testlog.Start(t)
	host, port := startTestServer(t, func(sc *serverConn, m *Message) {
		if m.Type != TypeStateRequest {
			sc.t.Errorf("unexpected type %s", m.Type)
			return
		}
		sc.send(NewStateResponse(m.Sequence, map[string]any{
			"documents": []any{"/a.txt"},
		}))
	})

	c := connectedClient(t, host, port, nil)
	observed := make(chan map[string]any, 1)
	c.OnState(func(state map[string]any) { observed <- state })

	state, err := c.RequestState(context.Background())
	if err != nil {
		t.Fatalf("request state: %v", err)
	}
	docs, ok := state["documents"].([]any)
	if !ok || len(docs) != 1 || docs[0] != "/a.txt" {
		t.Fatalf("state=%v", state)
	}
	select {
	case got := <-observed:
		if _, ok := got["documents"]; !ok {
			t.Fatalf("state subscriber payload=%v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("state subscriber never notified")
	}
}

func TestClientDisconnectFailsPending(t *testing.T) {
	testlog.Start(t)
	var scMu sync.Mutex
	var srv *serverConn
	host, port := startTestServer(t, func(sc *serverConn, m *Message) {
		scMu.Lock()
		srv = sc
		scMu.Unlock()
		// Kill the transport instead of answering.
		_ = sc.conn.Close()
	})

	c := connectedClient(t, host, port, nil)
	disconnected := make(chan struct{}, 1)
	c.OnDisconnect(func() { disconnected <- struct{}{} })

	_, err := c.SendOperation(context.Background(), Operation{
		Type:     OpInsert,
		FilePath: "/a.txt",
		Content:  "x",
	})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("disconnect subscriber never notified")
	}
	if c.Connected() {
		t.Fatalf("client still reports connected")
	}
	scMu.Lock()
	defer scMu.Unlock()
	if srv == nil {
		t.Fatalf("server never saw the request")
	}
}

func TestClientIgnoresHeartbeatResponses(t *testing.T) {
	testlog.Start(t)
	c := NewClient(Config{InstanceID: "inst-1"})

	// A heartbeat response must never consume a correlation slot: heartbeats
	// are connection-level traffic, not pending requests.
	slot := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[5] = slot
	c.pendingMu.Unlock()

	c.handleMessage(NewHeartbeatResponse(5))

	if n := c.Pending(); n != 1 {
		t.Fatalf("pending=%d, heartbeat response must not resolve requests", n)
	}
	select {
	case <-slot:
		t.Fatalf("heartbeat response delivered a result")
	default:
	}
}

func TestClientSendBeforeConnect(t *testing.T) {
	testlog.Start(t)
	c := NewClient(Config{InstanceID: "inst-1"})
	_, err := c.SendOperation(context.Background(), Operation{
		Type:     OpInsert,
		FilePath: "/a.txt",
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientConnectRequiresInstanceID(t *testing.T) {
	testlog.Start(t)
	c := NewClient(Config{})
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrInstanceIDRequired) {
		t.Fatalf("expected ErrInstanceIDRequired, got %v", err)
	}
}
