// Package transport delivers JSON-RPC requests to the downstream MCP server,
// either over HTTP or through a spawned subprocess.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mcpguard/mcpbridge/internal/jsonrpc"
	"github.com/mcpguard/mcpbridge/internal/mcperror"
)

const DefaultTimeout = 30 * time.Second

// Adapter performs exactly one JSON-RPC round trip per call.
type Adapter interface {
	RoundTrip(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)
	// Kind names the transport, "http" or "process".
	Kind() string
}

func encode(req *jsonrpc.Request) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, mcperror.Validation("params for %s are not JSON-serializable: %v", req.Method, err)
	}
	return b, nil
}

func snippet(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
