package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mcpguard/mcpbridge/internal/jsonrpc"
	"github.com/mcpguard/mcpbridge/internal/mcperror"
	"go.uber.org/zap"
)

const maxResponseBytes = 16 << 20

type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	// Client defaults to a plain http.Client; per-call deadlines come from the context.
	Client *http.Client
}

type HTTPAdapter struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPAdapter(cfg HTTPConfig, logger *zap.Logger) *HTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAdapter{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		client:  cfg.Client,
		logger:  logger.With(zap.String("component", "http_transport")),
	}
}

func (a *HTTPAdapter) Kind() string { return "http" }

func (a *HTTPAdapter) RoundTrip(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := encode(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, mcperror.Transport("invalid MCP server URL", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	a.logger.Debug("Sending JSON-RPC request", zap.String("url", a.url), zap.String("method", req.Method), zap.Any("id", req.ID))
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, a.classify(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := mcperror.Transport("unexpected HTTP status from MCP server", nil)
		e.Status = resp.StatusCode
		e.Detail = snippet(data)
		return nil, e
	}

	decoded, err := jsonrpc.Decode(data)
	if err != nil {
		e := mcperror.Transport("malformed JSON-RPC response", err)
		e.Status = resp.StatusCode
		e.Detail = snippet(data)
		return nil, e
	}
	return decoded, nil
}

func (a *HTTPAdapter) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return mcperror.Timeout(fmt.Sprintf("MCP server request timed out after %s", a.timeout), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return mcperror.Timeout("MCP server request timed out", err)
	}
	e := mcperror.Transport("MCP server request failed", err)
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		e.Connection = true
	}
	return e
}
