// Package rpcClient provides a JSON-RPC client for the auxiliary services a bridge client talks to:
// transaction managers, signing enclaves and wallet providers. Requests are correlated to responses
// by id; the transport is chosen from the endpoint scheme (http/https or ws/wss).
package rpcClient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidEndpoint is returned when an endpoint URL cannot be parsed or has an unsupported scheme
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrCallExpired is returned when no response arrived before the call expired
	ErrCallExpired = errors.New("rpc call expired")
	// ErrConnectionClosed is returned to calls pending on a connection that went away
	ErrConnectionClosed = errors.New("rpc connection closed")
	// ErrClientClosed is returned by calls made after Close
	ErrClientClosed = errors.New("rpc client closed")
)

const (
	// DefaultCallTimeout bounds how long a call may wait for its response
	DefaultCallTimeout = 20 * time.Second

	// maxSafeInteger is the largest id every JSON peer can represent exactly
	maxSafeInteger = 1<<53 - 1
)

// Request is a JSON-RPC request. Fields carries members that live at the top level of the
// envelope next to jsonrpc and id, for services that do not use method/params.
type Request struct {
	JSONRPC string
	ID      uint64
	Method  string
	Params  interface{}
	Fields  map[string]interface{}
}

func (r *Request) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Fields)+4)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["jsonrpc"] = r.JSONRPC
	out["id"] = r.ID
	if r.Method != "" {
		out["method"] = r.Method
	}
	if r.Params != nil {
		out["params"] = r.Params
	}
	return json.Marshal(out)
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is a JSON-RPC response. Raw holds the full body for services that answer outside
// the result member.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

func parseResponse(body []byte) (*Response, error) {
	resp := &Response{}
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, fmt.Errorf("failed to decode rpc response: %w", err)
	}
	resp.Raw = append(json.RawMessage(nil), body...)
	return resp, nil
}

// DecodeResult unmarshals the result member into out, or returns the rpc error.
func (r *Response) DecodeResult(out interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return errors.New("rpc response has no result")
	}
	return json.Unmarshal(r.Result, out)
}

// Options configures a Client.
type Options struct {
	// CallTimeout expires calls that have not been answered, defaults to DefaultCallTimeout
	CallTimeout time.Duration
	// TLS is the optional client certificate and CA bundle
	TLS *TLSMaterial
}

type transport interface {
	roundTrip(ctx context.Context, req *Request) (*Response, error)
	close() error
}

// Client is a JSON-RPC client bound to one endpoint.
type Client struct {
	url       *url.URL
	transport transport
	logger    *zap.Logger
}

// New creates a client for the endpoint. The URL is validated immediately; no connection
// is made until the first call.
//
// Parameters:
//   - rawURL: The endpoint, optionally wrapped in quotes
//   - opts: Transport options, may be nil
//   - l: Logger for transport diagnostics
//
// Returns:
//   - *Client: The client
//   - error: ErrInvalidEndpoint if the URL is unusable
func New(rawURL string, opts *Options, l *zap.Logger) (*Client, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	tlsConfig, err := opts.TLS.Config()
	if err != nil {
		return nil, err
	}

	c := &Client{url: u, logger: l}
	if IsWSURL(u) {
		c.transport = newWSTransport(u.String(), opts.CallTimeout, tlsConfig, l)
	} else {
		c.transport = newHTTPTransport(u.String(), opts.CallTimeout, tlsConfig, l)
	}
	return c, nil
}

// URL returns the endpoint the client talks to.
func (c *Client) URL() string {
	return c.url.String()
}

// Call sends the request and waits for the matching response. The request is stamped with
// jsonrpc "2.0" and a random id when those are unset.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	c.logger.Sugar().Debugw("rpc call",
		zap.String("endpoint", c.url.Redacted()),
		zap.String("method", req.Method),
	)
	return c.transport.roundTrip(ctx, req)
}

// CallMethod is a convenience for method/params calls whose result is decoded into out.
func (c *Client) CallMethod(ctx context.Context, out interface{}, method string, params interface{}) error {
	resp, err := c.Call(ctx, &Request{Method: method, Params: params})
	if err != nil {
		return err
	}
	return resp.DecodeResult(out)
}

// Close releases the underlying connection. Pending calls fail with ErrConnectionClosed.
func (c *Client) Close() error {
	return c.transport.close()
}

func randomID() uint64 {
	return uint64(rand.Int63n(maxSafeInteger)) + 1
}

// ParseURL validates an endpoint URL. Surrounding whitespace and one pair of matching quotes
// are stripped; the scheme must be http, https, ws or wss and a host must be present.
func ParseURL(raw string) (*url.URL, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty URL", ErrInvalidEndpoint)
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, s)
	}
	if !IsHTTPURL(u) && !IsWSURL(u) {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	return u, nil
}

// IsHTTPURL reports whether the URL uses http or https.
func IsHTTPURL(u *url.URL) bool {
	s := strings.ToLower(u.Scheme)
	return s == "http" || s == "https"
}

// IsWSURL reports whether the URL uses ws or wss.
func IsWSURL(u *url.URL) bool {
	s := strings.ToLower(u.Scheme)
	return s == "ws" || s == "wss"
}
