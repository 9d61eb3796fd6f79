package ptyd

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-ptyd/internal/safety"
)

// fakeDaemon answers requests with a user-supplied handler. A nil result
// with a nil error means "do not answer".
type fakeDaemon struct {
	ln      net.Listener
	handler func(req Request) (any, *RPCError)

	mu    sync.Mutex
	conns []net.Conn
	seen  atomic.Int32
}

func newFakeDaemon(t *testing.T, handler func(req Request) (any, *RPCError)) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &fakeDaemon{ln: ln, handler: handler}
	go d.serve()
	t.Cleanup(d.close)
	return d
}

func (d *fakeDaemon) addr() string { return d.ln.Addr().String() }

func (d *fakeDaemon) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
		go d.handle(conn)
	}
}

func (d *fakeDaemon) handle(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		d.seen.Add(1)
		result, rpcErr := d.handler(req)
		if result == nil && rpcErr == nil {
			continue
		}
		resp := Response{ID: req.ID, Error: rpcErr}
		if rpcErr == nil {
			resp.Result, _ = json.Marshal(result)
		}
		line, _ := json.Marshal(resp)
		_, _ = conn.Write(append(line, '\n'))
	}
}

func (d *fakeDaemon) push(method string, params any) {
	raw, _ := json.Marshal(params)
	line, _ := json.Marshal(Notification{JSONRPC: JSONRPCVersion, Method: method, Params: raw})
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		_, _ = c.Write(append(line, '\n'))
	}
}

func (d *fakeDaemon) dropClients() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.Close()
	}
	d.conns = nil
}

func (d *fakeDaemon) close() {
	d.ln.Close()
	d.dropClients()
}

func okHandler(req Request) (any, *RPCError) {
	return OKResult{OK: true}, nil
}

func connectedClient(t *testing.T, addr string, opts ClientOptions) *Client {
	t.Helper()
	opts.Addr = addr
	c := NewClient(opts)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallRoundTrip(t *testing.T) {
	d := newFakeDaemon(t, func(req Request) (any, *RPCError) {
		assert.Equal(t, JSONRPCVersion, req.JSONRPC)
		switch req.Method {
		case MethodCreate:
			var p CreateParams
			_ = json.Unmarshal(req.Params, &p)
			return CreateResult{ID: "shell-0000abcd", PID: 99, Category: "shell"}, nil
		case MethodWrite:
			var p WriteParams
			_ = json.Unmarshal(req.Params, &p)
			if string(p.Data) != "\xff\xfe partial" {
				return nil, &RPCError{Message: "bytes mangled", Code: CodeInternal}
			}
			return OKResult{OK: true}, nil
		}
		return nil, &RPCError{Message: "unknown", Code: CodeUnknownMethod}
	})
	c := connectedClient(t, d.addr(), ClientOptions{})

	var res CreateResult
	require.NoError(t, c.Call(context.Background(), MethodCreate, CreateParams{Command: "bash"}, &res))
	assert.Equal(t, "shell-0000abcd", res.ID)
	assert.Equal(t, 99, res.PID)

	require.NoError(t, c.Call(context.Background(), MethodWrite, WriteParams{ID: res.ID, Data: []byte("\xff\xfe partial")}, nil))
}

func TestCallMapsWireErrors(t *testing.T) {
	d := newFakeDaemon(t, func(req Request) (any, *RPCError) {
		switch req.Method {
		case MethodKill:
			return nil, &RPCError{Message: "no such terminal", Code: CodeNotFound}
		default:
			return nil, &RPCError{Message: "blocked command: fork bomb", Code: CodeBlocked}
		}
	})
	c := connectedClient(t, d.addr(), ClientOptions{})

	err := c.Call(context.Background(), MethodKill, IDParams{ID: "x"}, nil)
	assert.ErrorIs(t, err, ErrRemoteNotFound)
	err = c.Call(context.Background(), MethodWrite, WriteParams{ID: "x"}, nil)
	assert.ErrorIs(t, err, safety.ErrBlocked)
}

func TestCallWithoutConnectionFailsFast(t *testing.T) {
	c := NewClient(ClientOptions{Addr: "127.0.0.1:1"})
	defer c.Close()
	start := time.Now()
	err := c.Call(context.Background(), MethodList, nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallTimeoutDiscardsLateResponse(t *testing.T) {
	release := make(chan struct{})
	var lateSent atomic.Bool
	d := newFakeDaemon(t, func(req Request) (any, *RPCError) {
		if req.Method == MethodList {
			<-release
			lateSent.Store(true)
			return ListResult{}, nil
		}
		return OKResult{OK: true}, nil
	})
	c := connectedClient(t, d.addr(), ClientOptions{RequestTimeout: 50 * time.Millisecond})

	err := c.Call(context.Background(), MethodList, nil, nil)
	require.ErrorIs(t, err, ErrRequestTimeout)

	close(release)
	require.Eventually(t, lateSent.Load, time.Second, 5*time.Millisecond)

	// The connection is still usable and the late answer did not leak into
	// the next call.
	var ok OKResult
	require.Eventually(t, func() bool {
		return c.Call(context.Background(), MethodPing, nil, &ok) == nil && ok.OK
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentConnectSharesAttempt(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			defer conn.Close()
		}
	}()

	c := NewClient(ClientOptions{Addr: ln.Addr().String()})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Connect(context.Background()))
		}()
	}
	wg.Wait()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), accepted.Load())
	assert.True(t, c.Connected())
}

func TestDisconnectFailsPendingAndReconnects(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	d := newFakeDaemon(t, func(req Request) (any, *RPCError) {
		if req.Method == MethodList {
			<-block
			return nil, nil
		}
		return OKResult{OK: true}, nil
	})

	var connects atomic.Int32
	c := NewClient(ClientOptions{Addr: d.addr(), AutoReconnect: true, ReconnectInterval: 20 * time.Millisecond})
	c.OnConnect(func() { connects.Add(1) })
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Call(context.Background(), MethodList, nil, nil) }()

	require.Eventually(t, func() bool { return d.seen.Load() >= 1 }, time.Second, 5*time.Millisecond)
	d.dropClients()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not rejected on disconnect")
	}

	require.Eventually(t, func() bool { return c.Connected() && connects.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, c.Call(context.Background(), MethodPing, nil, nil))
}

func TestCloseDisablesReconnect(t *testing.T) {
	d := newFakeDaemon(t, okHandler)
	c := NewClient(ClientOptions{Addr: d.addr(), AutoReconnect: true, ReconnectInterval: 10 * time.Millisecond})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	assert.ErrorIs(t, c.Call(context.Background(), MethodPing, nil, nil), ErrClientClosed)
}

func TestNotificationsDeliveredInOrder(t *testing.T) {
	d := newFakeDaemon(t, okHandler)
	c := NewClient(ClientOptions{Addr: d.addr()})
	defer c.Close()

	var mu sync.Mutex
	var got []string
	c.OnNotification(func(method string, params json.RawMessage) {
		var n DataNotification
		_ = json.Unmarshal(params, &n)
		mu.Lock()
		got = append(got, method+":"+string(n.Data))
		mu.Unlock()
	})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Call(context.Background(), MethodSubscribe, IDParams{ID: SubscribeAll}, nil))

	for i := 0; i < 50; i++ {
		d.push(NotifyData, DataNotification{ID: "t", Data: []byte{byte('a' + i%26)}})
	}
	d.push(NotifyExit, ExitNotification{ID: "t", ExitCode: 0})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 51
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 50; i++ {
		assert.Equal(t, NotifyData+":"+string(rune('a'+i%26)), got[i])
	}
	assert.True(t, strings.HasPrefix(got[50], NotifyExit))
}

func TestOversizedFrameIsDiscarded(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req Request
		_ = json.Unmarshal(line, &req)

		// A runaway frame with no newline, then a valid response.
		junk := make([]byte, 2048)
		for i := range junk {
			junk[i] = 'x'
		}
		_, _ = conn.Write(junk)
		time.Sleep(20 * time.Millisecond)
		resp, _ := json.Marshal(Response{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
		_, _ = conn.Write(append([]byte("\n"), append(resp, '\n')...))
		time.Sleep(200 * time.Millisecond)
	}()

	c := NewClient(ClientOptions{Addr: ln.Addr().String(), MaxFrameBuffer: 1024, RequestTimeout: time.Second})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	var ok OKResult
	require.NoError(t, c.Call(context.Background(), MethodPing, nil, &ok))
	assert.True(t, ok.OK)
}
