package rpcClient

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type httpTransport struct {
	url    string
	client *resty.Client
	logger *zap.Logger
}

func newHTTPTransport(url string, timeout time.Duration, tlsConfig *tls.Config, l *zap.Logger) *httpTransport {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if tlsConfig != nil {
		client.SetTLSClientConfig(tlsConfig)
	}
	return &httpTransport{url: url, client: client, logger: l}
}

func (h *httpTransport) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == 0 {
		req.ID = randomID()
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(req).
		Post(h.url)
	if err != nil {
		return nil, fmt.Errorf("rpc POST %s failed: %w", req.Method, err)
	}
	if !isSuccessStatus(resp.StatusCode()) {
		h.logger.Sugar().Warnw("rpc endpoint answered with non-2xx status",
			zap.Int("status", resp.StatusCode()),
			zap.String("method", req.Method),
			zap.Uint64("id", req.ID),
		)
	}
	return parseResponse(resp.Body())
}

func isSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}

func (h *httpTransport) close() error {
	return nil
}
