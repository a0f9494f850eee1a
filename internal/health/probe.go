package health

import (
	"context"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/mcpguard/mcpbridge/internal/jsonrpc"
	"github.com/mcpguard/mcpbridge/internal/mcp"
	"github.com/mcpguard/mcpbridge/internal/transport"
)

// HTTPProber issues a GET against the server's health endpoint; any 2xx is healthy.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return errors.Wrap(err, "building health request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", p.URL)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf("MCP server health check failed with status: %d", resp.StatusCode)
	}
	return nil
}

// RPCProber sends ping through the adapter. Any well-formed reply, even a
// JSON-RPC error, proves the server is alive.
type RPCProber struct {
	Adapter transport.Adapter
}

func (p *RPCProber) Probe(ctx context.Context) error {
	_, err := p.Adapter.RoundTrip(ctx, jsonrpc.NewRequest(mcp.MethodPing, nil))
	return err
}
