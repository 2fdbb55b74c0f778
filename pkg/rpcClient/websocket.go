package rpcClient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type callResult struct {
	resp *Response
	err  error
}

// pendingCall is owned by the transport's pending map; whoever removes it from the map
// delivers exactly one result.
type pendingCall struct {
	id    uint64
	done  chan callResult
	timer *time.Timer
}

type wsTransport struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]*pendingCall
	closed  bool

	writeMu sync.Mutex
}

func newWSTransport(url string, timeout time.Duration, tlsConfig *tls.Config, l *zap.Logger) *wsTransport {
	return &wsTransport{
		url:     url,
		timeout: timeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
			TLSClientConfig:  tlsConfig,
		},
		logger:  l,
		pending: make(map[uint64]*pendingCall),
	}
}

// connect returns the live connection, dialling a new one if the previous one was torn down.
// Must be called with mu held.
func (w *wsTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	if w.conn != nil {
		return w.conn, nil
	}
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", w.url, err)
	}
	w.conn = conn
	go w.readLoop(conn)
	w.logger.Sugar().Debugw("websocket connected", zap.String("url", w.url))
	return conn, nil
}

func (w *wsTransport) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClientClosed
	}
	conn, err := w.connect(ctx)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	if req.ID == 0 {
		for {
			req.ID = randomID()
			if _, taken := w.pending[req.ID]; !taken {
				break
			}
		}
	} else if _, taken := w.pending[req.ID]; taken {
		w.mu.Unlock()
		return nil, fmt.Errorf("request id %d is already in flight", req.ID)
	}
	call := &pendingCall{id: req.ID, done: make(chan callResult, 1)}
	call.timer = time.AfterFunc(w.timeout, func() {
		w.expire(call)
	})
	w.pending[call.id] = call
	w.mu.Unlock()

	payload, err := json.Marshal(req)
	if err == nil {
		w.writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, payload)
		w.writeMu.Unlock()
	}
	if err != nil {
		w.remove(call)
		return nil, fmt.Errorf("failed to send rpc request: %w", err)
	}

	select {
	case res := <-call.done:
		return res.resp, res.err
	case <-ctx.Done():
		w.remove(call)
		return nil, ctx.Err()
	}
}

// remove drops the entry without delivering a result. It reports whether the entry was still pending.
func (w *wsTransport) remove(call *pendingCall) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[call.id] != call {
		return false
	}
	delete(w.pending, call.id)
	call.timer.Stop()
	return true
}

func (w *wsTransport) expire(call *pendingCall) {
	if !w.remove(call) {
		return
	}
	w.logger.Sugar().Warnw("rpc call expired without response",
		zap.Uint64("id", call.id),
		zap.Duration("timeout", w.timeout),
	)
	call.done <- callResult{err: fmt.Errorf("%w after %s", ErrCallExpired, w.timeout)}
}

func (w *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			w.teardown(conn, err)
			return
		}
		resp, err := parseResponse(message)
		if err != nil {
			w.logger.Sugar().Warnw("dropping undecodable websocket frame", zap.Error(err))
			continue
		}

		w.mu.Lock()
		call, ok := w.pending[resp.ID]
		if ok {
			delete(w.pending, resp.ID)
			call.timer.Stop()
		}
		w.mu.Unlock()

		if !ok {
			w.logger.Sugar().Debugw("dropping response for unknown id", zap.Uint64("id", resp.ID))
			continue
		}
		call.done <- callResult{resp: resp}
	}
}

// teardown forgets the connection and fails everything pending on it. The next call redials.
func (w *wsTransport) teardown(conn *websocket.Conn, cause error) {
	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	failed := w.pending
	w.pending = make(map[uint64]*pendingCall)
	w.mu.Unlock()

	_ = conn.Close()
	if len(failed) > 0 || !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		w.logger.Sugar().Infow("websocket connection closed",
			zap.String("url", w.url),
			zap.Int("pendingCalls", len(failed)),
			zap.Error(cause),
		)
	}
	for _, call := range failed {
		call.timer.Stop()
		call.done <- callResult{err: fmt.Errorf("%w: %v", ErrConnectionClosed, cause)}
	}
}

func (w *wsTransport) close() error {
	w.mu.Lock()
	w.closed = true
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	w.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	w.teardown(conn, ErrClientClosed)
	return nil
}
