package rpcClient

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

type poolKey struct {
	url  string
	cert string
	key  string
	ca   string
}

// Pool hands out one Client per endpoint and TLS identity, so every caller of an endpoint
// shares the same connection. Clients live until the pool is closed.
type Pool struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	clients map[poolKey]*Client
	closed  bool
}

// NewPool creates an empty pool. opts supplies the call timeout and the TLS material used
// when a caller passes none; it may be nil.
func NewPool(opts *Options, l *zap.Logger) *Pool {
	p := &Pool{logger: l, clients: make(map[poolKey]*Client)}
	if opts != nil {
		p.opts = *opts
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Get returns the client for the endpoint, creating it on first use.
//
// Parameters:
//   - rawURL: The endpoint, validated as in New
//   - tls: Client TLS material, nil for the pool default
//
// Returns:
//   - *Client: The shared client
//   - error: ErrInvalidEndpoint, ErrClientClosed after Close, or a TLS error
func (p *Pool) Get(rawURL string, tls *TLSMaterial) (*Client, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if tls == nil {
		tls = p.opts.TLS
	}
	key := poolKey{url: u.String()}
	if tls != nil {
		key.cert, key.key, key.ca = string(tls.CertPEM), string(tls.KeyPEM), string(tls.CAPEM)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClientClosed
	}
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	opts := p.opts
	opts.TLS = tls
	c, err := New(u.String(), &opts, p.logger)
	if err != nil {
		return nil, err
	}
	p.clients[key] = c
	p.logger.Sugar().Debugw("rpc client created", zap.String("endpoint", u.Redacted()))
	return c, nil
}

// Len returns the number of clients the pool holds.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every client. Later calls to Get fail with ErrClientClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs *multierror.Error
	for key, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		delete(p.clients, key)
	}
	return errs.ErrorOrNil()
}
