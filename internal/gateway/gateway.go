// Package gateway is the single entry point for calling the downstream MCP
// server. It hides the transport and the reconnection policy from callers.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/mcpguard/mcpbridge/internal/detection"
	"github.com/mcpguard/mcpbridge/internal/health"
	"github.com/mcpguard/mcpbridge/internal/jsonrpc"
	"github.com/mcpguard/mcpbridge/internal/mcp"
	"github.com/mcpguard/mcpbridge/internal/mcperror"
	"github.com/mcpguard/mcpbridge/internal/transport"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// Dispatch selects how domain tools are invoked.
type Dispatch string

const (
	// DispatchToolsCall sends tools/call with {name, arguments}.
	DispatchToolsCall Dispatch = "tools_call"
	// DispatchMethod uses the tool name as the JSON-RPC method and the arguments as params.
	DispatchMethod Dispatch = "method"
)

// Guard inspects tool arguments before they leave the bridge.
type Guard interface {
	Detect(args map[string]interface{}) []detection.Result
}

type Option func(*Gateway)

func WithDispatch(d Dispatch) Option {
	return func(g *Gateway) {
		if d != "" {
			g.dispatch = d
		}
	}
}

func WithGuard(guard Guard) Option {
	return func(g *Gateway) { g.guard = guard }
}

func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

type Gateway struct {
	adapter  transport.Adapter
	monitor  *health.Monitor
	dispatch Dispatch
	guard    Guard
	logger   *zap.Logger

	mu      sync.RWMutex
	tools   map[string]mcp.Tool
	schemas map[string]*jsonschema.Schema
}

func New(adapter transport.Adapter, monitor *health.Monitor, opts ...Option) *Gateway {
	g := &Gateway{
		adapter:  adapter,
		monitor:  monitor,
		dispatch: DispatchToolsCall,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "gateway"), zap.String("transport", adapter.Kind()))
	return g
}

// Call sends one JSON-RPC request and returns its result. A disconnected gateway
// makes one reconnection attempt first and fails with ConnectionError if it does not succeed.
func (g *Gateway) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if strings.TrimSpace(method) == "" {
		return nil, mcperror.Validation("method must be a non-empty string")
	}
	p, err := objectParams(params)
	if err != nil {
		return nil, err
	}

	if !g.monitor.Connection().Connected() {
		g.logger.Info("MCP server not connected, reinitializing", zap.String("method", method))
		if !g.monitor.Initialize(ctx) {
			cause := g.monitor.LastError()
			if ctx.Err() != nil {
				cause = ctx.Err()
			}
			return nil, mcperror.Connection("MCP server is not connected", cause)
		}
	}

	req := jsonrpc.NewRequest(method, p)
	logger := g.logger.With(zap.String("method", method), zap.Any("id", req.ID))
	logger.Info("Calling MCP method")
	start := time.Now()

	resp, err := g.adapter.RoundTrip(ctx, req)
	if err != nil {
		if mcperror.KindOf(err) == mcperror.KindUnknown {
			err = mcperror.Transport("MCP call failed", err)
		}
		if mcperror.IsConnectionRelated(err) {
			g.monitor.Connection().MarkDown(err)
		}
		logger.Error("MCP call failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}

	if resp.Error != nil {
		err := mcperror.RemoteTool(resp.Error.Code, resp.Error.Message, resp.Error.Data)
		logger.Warn("MCP method returned an error", zap.Int("code", resp.Error.Code), zap.String("message", resp.Error.Message))
		return nil, err
	}

	logger.Info("MCP call succeeded", zap.Duration("elapsed", time.Since(start)))
	if resp.HasResult {
		return resp.Result, nil
	}
	return resp.Payload, nil
}

// CallTool invokes a domain tool using the configured dispatch convention.
func (g *Gateway) CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	if strings.TrimSpace(name) == "" {
		return nil, mcperror.Validation("tool name must be a non-empty string")
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if g.guard != nil {
		if findings := g.guard.Detect(args); len(findings) > 0 {
			return nil, blocked(name, findings)
		}
	}
	if err := g.validateArguments(name, args); err != nil {
		return nil, err
	}

	if g.dispatch == DispatchMethod {
		return g.Call(ctx, name, args)
	}
	return g.Call(ctx, mcp.MethodToolsCall, mcp.CallParams{Name: name, Arguments: args})
}

// ListTools fetches the downstream tool descriptors and caches them for argument validation.
func (g *Gateway) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	result, err := g.Call(ctx, mcp.MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	list, ok := mcp.NormalizeToolList(result).(mcp.ToolList)
	if !ok {
		e := mcperror.Transport("unrecognized tools/list result", nil)
		e.Detail = string(result)
		return nil, e
	}
	g.cacheTools(list.Tools)
	return list.Tools, nil
}

func (g *Gateway) Ping(ctx context.Context) (json.RawMessage, error) {
	return g.Call(ctx, mcp.MethodPing, nil)
}

// Reconnect forces a reinitialization attempt.
func (g *Gateway) Reconnect(ctx context.Context) bool {
	return g.monitor.Initialize(ctx)
}

type Snapshot struct {
	health.Snapshot
	Transport string `json:"transport"`
	Dispatch  string `json:"dispatch"`
	Tools     int    `json:"knownTools"`
}

func (g *Gateway) Status() Snapshot {
	g.mu.RLock()
	n := len(g.tools)
	g.mu.RUnlock()
	return Snapshot{
		Snapshot:  g.monitor.Snapshot(),
		Transport: g.adapter.Kind(),
		Dispatch:  string(g.dispatch),
		Tools:     n,
	}
}

// CapabilityCheck confirms the server speaks JSON-RPC by trying ping, then tools/list.
// Each attempt is bounded by timeout. It talks to the adapter directly so it
// never re-enters the reconnection path.
func CapabilityCheck(adapter transport.Adapter, timeout time.Duration, logger *zap.Logger) health.CapabilityCheck {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = health.DefaultProbeTimeout
	}
	return func(ctx context.Context) error {
		var lastErr error
		for _, method := range []string{mcp.MethodPing, mcp.MethodToolsList} {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			_, err := adapter.RoundTrip(cctx, jsonrpc.NewRequest(method, nil))
			cancel()
			if err == nil {
				logger.Debug("JSON-RPC capability check succeeded", zap.String("method", method))
				return nil
			}
			logger.Debug("JSON-RPC capability check failed", zap.String("method", method), zap.Error(err))
			lastErr = err
		}
		return lastErr
	}
}

// objectParams returns params as a JSON object, {} when nil.
func objectParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, mcperror.Validation("params are not JSON-serializable: %v", err)
	}
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if len(b) == 0 || b[0] != '{' {
		return nil, mcperror.Validation("params must be an object")
	}
	return b, nil
}

func blocked(tool string, findings []detection.Result) error {
	descs := make([]string, 0, len(findings))
	for _, f := range findings {
		descs = append(descs, f.Description+" in "+f.Argument)
	}
	return mcperror.Validation("arguments for %s contain sensitive information: %s", tool, strings.Join(descs, "; "))
}
