package rpcClient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// newWSServer answers every batch of `batch` requests in reverse arrival order, echoing the method as result.
func newWSServer(t *testing.T, batch int, handle func(conn *websocket.Conn, reqs []wireRequest)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var reqs []wireRequest
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wireRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				return
			}
			reqs = append(reqs, req)
			if len(reqs) == batch {
				handle(conn, reqs)
				reqs = nil
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func replyReversed(conn *websocket.Conn, reqs []wireRequest) {
	for i := len(reqs) - 1; i >= 0; i-- {
		_ = conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      reqs[i].ID,
			"result":  reqs[i].Method,
		})
	}
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		ws      bool
	}{
		{name: "http", raw: "http://127.0.0.1:8545"},
		{name: "https", raw: "https://node.example.org/rpc"},
		{name: "ws", raw: "ws://localhost:1234", ws: true},
		{name: "wss quoted", raw: `"wss://node.example.org"`, ws: true},
		{name: "single quoted", raw: "'http://localhost:1'"},
		{name: "unsupported scheme", raw: "ftp://example.org", wantErr: true},
		{name: "no host", raw: "http://", wantErr: true},
		{name: "empty", raw: "  ", wantErr: true},
		{name: "garbage", raw: "::not a url", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseURL(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEndpoint)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ws, IsWSURL(u))
			assert.Equal(t, !tt.ws, IsHTTPURL(u))
		})
	}
}

func TestNew_InvalidEndpointFailsFast(t *testing.T) {
	c, err := New("not-a-url", nil, zap.NewNop())
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestRequest_MarshalIncludesTopLevelFields(t *testing.T) {
	req := &Request{JSONRPC: "2.0", ID: 7, Fields: map[string]interface{}{"transaction_dict": "{}"}}
	b, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "{}", decoded["transaction_dict"])
	assert.Equal(t, "2.0", decoded["jsonrpc"])
	assert.EqualValues(t, 7, decoded["id"])
	assert.NotContains(t, decoded, "method")
	assert.NotContains(t, decoded, "params")
}

func TestHTTPClient_EnrichesRequest(t *testing.T) {
	var seen wireRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &seen)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":"0x10"}`, seen.ID)
	}))
	defer server.Close()

	c, err := New(server.URL, nil, zap.NewNop())
	require.NoError(t, err)

	var result string
	require.NoError(t, c.CallMethod(context.Background(), &result, "eth_blockNumber", []interface{}{}))
	assert.Equal(t, "0x10", result)
	assert.Equal(t, "2.0", seen.JSONRPC)
	assert.Equal(t, "eth_blockNumber", seen.Method)
	assert.GreaterOrEqual(t, seen.ID, uint64(1))
	assert.LessOrEqual(t, seen.ID, uint64(maxSafeInteger))
}

func TestHTTPClient_NonOKStatusIsNotFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"boom"}}`))
	}))
	defer server.Close()

	c, err := New(server.URL, nil, zap.NewNop())
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), &Request{Method: "anything"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "boom", resp.Error.Message)
}

func TestHTTPClient_WarnsOnlyOutside2xx(t *testing.T) {
	tests := []struct {
		status int
		warns  int
	}{
		{status: http.StatusOK, warns: 0},
		{status: http.StatusCreated, warns: 0},
		{status: http.StatusAccepted, warns: 0},
		{status: http.StatusMultipleChoices, warns: 1},
		{status: http.StatusBadGateway, warns: 1},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
			}))
			defer server.Close()

			core, logs := observer.New(zapcore.WarnLevel)
			c, err := New(server.URL, nil, zap.New(core))
			require.NoError(t, err)

			_, err = c.Call(context.Background(), &Request{Method: "eth_chainId"})
			require.NoError(t, err)
			assert.Equal(t, tt.warns, logs.Len())
		})
	}
}

func TestRandomIDRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := randomID()
		assert.GreaterOrEqual(t, id, uint64(1))
		assert.LessOrEqual(t, id, uint64(maxSafeInteger))
	}
}

func TestWSClient_ConcurrentCallsCorrelateByID(t *testing.T) {
	const calls = 5
	server := newWSServer(t, calls, replyReversed)

	c, err := New(wsURL(server), &Options{CallTimeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < calls; i++ {
		method := fmt.Sprintf("method_%d", i)
		g.Go(func() error {
			var got string
			if err := c.CallMethod(ctx, &got, method, nil); err != nil {
				return err
			}
			if got != method {
				return fmt.Errorf("response for %s delivered to caller of %s", got, method)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestWSClient_ExpiredCallIsRemoved(t *testing.T) {
	server := newWSServer(t, 1, func(conn *websocket.Conn, reqs []wireRequest) {})

	c, err := New(wsURL(server), &Options{CallTimeout: 100 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), &Request{Method: "never_answered"})
	assert.ErrorIs(t, err, ErrCallExpired)

	ws := c.transport.(*wsTransport)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	assert.Empty(t, ws.pending)
}

func TestWSClient_ContextCancellationRemovesEntry(t *testing.T) {
	server := newWSServer(t, 1, func(conn *websocket.Conn, reqs []wireRequest) {})

	c, err := New(wsURL(server), &Options{CallTimeout: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, &Request{Method: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ws := c.transport.(*wsTransport)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	assert.Empty(t, ws.pending)
}

func TestWSClient_ReconnectsAfterClose(t *testing.T) {
	var mu sync.Mutex
	connections := 0
	server := newWSServer(t, 1, func(conn *websocket.Conn, reqs []wireRequest) {
		mu.Lock()
		connections++
		first := connections == 1
		mu.Unlock()
		if first {
			// drop the first connection without answering
			_ = conn.Close()
			return
		}
		replyReversed(conn, reqs)
	})

	c, err := New(wsURL(server), &Options{CallTimeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), &Request{Method: "first"})
	assert.ErrorIs(t, err, ErrConnectionClosed)

	var got string
	require.NoError(t, c.CallMethod(context.Background(), &got, "second", nil))
	assert.Equal(t, "second", got)
}

func TestWSClient_CallAfterCloseFails(t *testing.T) {
	server := newWSServer(t, 1, replyReversed)
	c, err := New(wsURL(server), nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Call(context.Background(), &Request{Method: "late"})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestTLSMaterial_NilConfig(t *testing.T) {
	var m *TLSMaterial
	cfg, err := m.Config()
	assert.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = (&TLSMaterial{CAPEM: []byte("not pem")}).Config()
	assert.Error(t, err)
}

func TestPool_SharesOneConnectionPerEndpoint(t *testing.T) {
	var mu sync.Mutex
	upgrades := 0
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		upgrades++
		mu.Unlock()
		defer conn.Close()
		for {
			var req wireRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": req.Method})
		}
	}))
	defer server.Close()

	p := NewPool(&Options{CallTimeout: 5 * time.Second}, zap.NewNop())
	first, err := p.Get(wsURL(server), nil)
	require.NoError(t, err)
	// quoting and whitespace do not make a new endpoint
	second, err := p.Get(" '"+wsURL(server)+"' ", nil)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// different TLS material is a different client
	_, err = p.Get(wsURL(server), &TLSMaterial{CAPEM: []byte("not a certificate")})
	assert.Error(t, err)
	assert.Equal(t, 1, p.Len())

	for i := 0; i < 3; i++ {
		c, err := p.Get(wsURL(server), nil)
		require.NoError(t, err)
		var got string
		require.NoError(t, c.CallMethod(context.Background(), &got, fmt.Sprintf("call%d", i), nil))
		assert.Equal(t, fmt.Sprintf("call%d", i), got)
	}
	mu.Lock()
	assert.Equal(t, 1, upgrades)
	mu.Unlock()

	require.NoError(t, p.Close())
	assert.Zero(t, p.Len())
	_, err = first.Call(context.Background(), &Request{Method: "late"})
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = p.Get(wsURL(server), nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestPool_InvalidEndpoint(t *testing.T) {
	p := NewPool(nil, nil)
	_, err := p.Get("localhost:8545", nil)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
	assert.Zero(t, p.Len())
}
