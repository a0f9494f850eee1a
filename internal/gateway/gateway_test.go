package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mcpguard/mcpbridge/internal/detection"
	"github.com/mcpguard/mcpbridge/internal/health"
	"github.com/mcpguard/mcpbridge/internal/jsonrpc"
	"github.com/mcpguard/mcpbridge/internal/mcperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	mu       sync.Mutex
	requests []*jsonrpc.Request
	handle   func(req *jsonrpc.Request) (*jsonrpc.Response, error)
}

func (f *fakeAdapter) Kind() string { return "fake" }

func (f *fakeAdapter) RoundTrip(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.handle(req)
}

func (f *fakeAdapter) calls() []*jsonrpc.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*jsonrpc.Request(nil), f.requests...)
}

func reply(body string) func(*jsonrpc.Request) (*jsonrpc.Response, error) {
	return func(*jsonrpc.Request) (*jsonrpc.Response, error) {
		return jsonrpc.Decode([]byte(body))
	}
}

type fakeProber struct {
	mu    sync.Mutex
	err   error
	count int
}

func (p *fakeProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return p.err
}

func (p *fakeProber) probes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// setupTestGateway returns a gateway whose connection is already established.
func setupTestGateway(t *testing.T, adapter *fakeAdapter, opts ...Option) (*Gateway, *fakeProber) {
	t.Helper()
	prober := &fakeProber{}
	monitor := health.NewMonitor(health.NewConnection(zap.NewNop()), prober, health.WithRetryDelay(time.Hour))
	t.Cleanup(monitor.Close)
	require.True(t, monitor.Probe(context.Background()))
	return New(adapter, monitor, opts...), prober
}

func TestGateway_Call_ReturnsResult(t *testing.T) {
	adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`)}
	g, _ := setupTestGateway(t, adapter)

	result, err := g.Call(context.Background(), "ping", map[string]interface{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	reqs := adapter.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, "ping", reqs[0].Method)
	assert.Equal(t, jsonrpc.Version, reqs[0].JSONRPC)
}

func TestGateway_Call_FallsBackToPayload(t *testing.T) {
	adapter := &fakeAdapter{handle: reply(`{"status":"pong"}`)}
	g, _ := setupTestGateway(t, adapter)

	result, err := g.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"pong"}`, string(result))
}

func TestGateway_Call_RemoteError(t *testing.T) {
	adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid params","data":{"field":"issueKey"}}}`)}
	g, _ := setupTestGateway(t, adapter)

	_, err := g.Call(context.Background(), "atlassian_jira_get_issue", map[string]interface{}{"issueKey": "MYP-1"})
	require.Error(t, err)
	e, ok := mcperror.As(err)
	require.True(t, ok)
	assert.Equal(t, mcperror.KindRemoteTool, e.Kind)
	assert.Equal(t, -32602, e.Code)
	assert.Equal(t, "Invalid params", e.Message)
	assert.Equal(t, map[string]interface{}{"field": "issueKey"}, e.Data)
	assert.True(t, g.monitor.Connection().Connected(), "remote errors keep the connection")
}

func TestGateway_Call_DisconnectedProbeFails(t *testing.T) {
	adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"result":{}}`)}
	prober := &fakeProber{err: errors.New("dial tcp: connection refused")}
	monitor := health.NewMonitor(health.NewConnection(nil), prober, health.WithRetryDelay(time.Hour),
		health.WithCapabilityCheck(CapabilityCheck(adapter, 0, nil)))
	t.Cleanup(monitor.Close)
	g := New(adapter, monitor)

	_, err := g.Call(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.Equal(t, mcperror.KindConnection, mcperror.KindOf(err))
	assert.Equal(t, 1, prober.probes())
	assert.Empty(t, adapter.calls(), "transport must not be used without a connection")
}

func TestGateway_Call_DisconnectedReconnects(t *testing.T) {
	adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`)}
	prober := &fakeProber{}
	monitor := health.NewMonitor(health.NewConnection(nil), prober, health.WithRetryDelay(time.Hour),
		health.WithCapabilityCheck(CapabilityCheck(adapter, 0, nil)))
	t.Cleanup(monitor.Close)
	g := New(adapter, monitor)

	_, err := g.Call(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, prober.probes())
	reqs := adapter.calls()
	require.Len(t, reqs, 2)
	assert.Equal(t, "ping", reqs[0].Method, "capability check runs first")
	assert.Equal(t, "tools/list", reqs[1].Method)
}

func TestGateway_Call_ConnectionFailureDemotes(t *testing.T) {
	adapter := &fakeAdapter{handle: func(*jsonrpc.Request) (*jsonrpc.Response, error) {
		return nil, mcperror.Timeout("MCP server request timed out after 30s", nil)
	}}
	g, _ := setupTestGateway(t, adapter)

	_, err := g.Call(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Equal(t, mcperror.KindTransport, mcperror.KindOf(err))
	assert.True(t, mcperror.IsTimeout(err))
	assert.Equal(t, health.Disconnected, g.monitor.Connection().Current())
}

func TestGateway_Call_NonConnectionFailureKeepsState(t *testing.T) {
	adapter := &fakeAdapter{handle: func(*jsonrpc.Request) (*jsonrpc.Response, error) {
		e := mcperror.Transport("MCP server process failed", nil)
		e.ExitCode = 1
		e.Detail = "boom"
		return nil, e
	}}
	g, _ := setupTestGateway(t, adapter)

	_, err := g.Call(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, g.monitor.Connection().Connected())
}

func TestGateway_Call_WrapsUnknownErrors(t *testing.T) {
	adapter := &fakeAdapter{handle: func(*jsonrpc.Request) (*jsonrpc.Response, error) {
		return nil, errors.New("socket closed")
	}}
	g, _ := setupTestGateway(t, adapter)

	_, err := g.Call(context.Background(), "ping", nil)
	assert.Equal(t, mcperror.KindTransport, mcperror.KindOf(err))
}

func TestGateway_Call_Validation(t *testing.T) {
	adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"result":{}}`)}
	g, _ := setupTestGateway(t, adapter)
	ctx := context.Background()

	_, err := g.Call(ctx, "  ", nil)
	assert.Equal(t, mcperror.KindValidation, mcperror.KindOf(err))
	_, err = g.Call(ctx, "ping", []string{"a"})
	assert.Equal(t, mcperror.KindValidation, mcperror.KindOf(err))
	_, err = g.Call(ctx, "ping", "string params")
	assert.Equal(t, mcperror.KindValidation, mcperror.KindOf(err))
	assert.Empty(t, adapter.calls())
}

func TestGateway_CallTool_Dispatch(t *testing.T) {
	ctx := context.Background()
	args := map[string]interface{}{"issueIdOrKey": "SCRUM-1"}

	t.Run("tools_call", func(t *testing.T) {
		adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"result":{"content":[]}}`)}
		g, _ := setupTestGateway(t, adapter)

		_, err := g.CallTool(ctx, "jira_get_issue", args)
		require.NoError(t, err)
		req := adapter.calls()[0]
		assert.Equal(t, "tools/call", req.Method)
		b, _ := json.Marshal(req.Params)
		assert.JSONEq(t, `{"name":"jira_get_issue","arguments":{"issueIdOrKey":"SCRUM-1"}}`, string(b))
	})

	t.Run("method", func(t *testing.T) {
		adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"result":{"content":[]}}`)}
		g, _ := setupTestGateway(t, adapter, WithDispatch(DispatchMethod))

		_, err := g.CallTool(ctx, "atlassian_jira_get_issue", args)
		require.NoError(t, err)
		req := adapter.calls()[0]
		assert.Equal(t, "atlassian_jira_get_issue", req.Method)
		b, _ := json.Marshal(req.Params)
		assert.JSONEq(t, `{"issueIdOrKey":"SCRUM-1"}`, string(b))
	})

	t.Run("nil arguments", func(t *testing.T) {
		adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"result":{"content":[]}}`)}
		g, _ := setupTestGateway(t, adapter)

		_, err := g.CallTool(ctx, "jira_ls_projects", nil)
		require.NoError(t, err)
		b, _ := json.Marshal(adapter.calls()[0].Params)
		assert.JSONEq(t, `{"name":"jira_ls_projects","arguments":{}}`, string(b))
	})
}

func TestGateway_ListTools(t *testing.T) {
	adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"jira_get_issue","description":"Get issue"},{"name":"jira_add_comment"}]}}`)}
	g, _ := setupTestGateway(t, adapter)

	tools, err := g.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	for _, tool := range tools {
		assert.NotEmpty(t, tool.Name)
	}
	assert.Equal(t, 2, g.Status().Tools)
}

func TestGateway_ListTools_Unrecognized(t *testing.T) {
	adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"result":{"status":"pong"}}`)}
	g, _ := setupTestGateway(t, adapter)

	_, err := g.ListTools(context.Background())
	assert.Equal(t, mcperror.KindTransport, mcperror.KindOf(err))
}

func TestGateway_CallTool_ValidatesAgainstInputSchema(t *testing.T) {
	adapter := &fakeAdapter{handle: func(req *jsonrpc.Request) (*jsonrpc.Response, error) {
		if req.Method == "tools/list" {
			return jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"jira_add_comment","inputSchema":{"type":"object","properties":{"issueIdOrKey":{"type":"string"},"commentBody":{"type":"string"}},"required":["issueIdOrKey","commentBody"]}}]}}`))
		}
		return jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":2,"result":{"content":[{"type":"text","text":"ok"}]}}`))
	}}
	g, _ := setupTestGateway(t, adapter)
	ctx := context.Background()

	_, err := g.ListTools(ctx)
	require.NoError(t, err)

	_, err = g.CallTool(ctx, "jira_add_comment", map[string]interface{}{"issueIdOrKey": "MYP-1"})
	require.Error(t, err)
	assert.Equal(t, mcperror.KindValidation, mcperror.KindOf(err))
	assert.Len(t, adapter.calls(), 1, "invalid arguments never reach the transport")

	_, err = g.CallTool(ctx, "jira_add_comment", map[string]interface{}{"issueIdOrKey": "MYP-1", "commentBody": "Done"})
	require.NoError(t, err)
}

type stubGuard struct{ results []detection.Result }

func (s stubGuard) Detect(map[string]interface{}) []detection.Result { return s.results }

func TestGateway_CallTool_GuardBlocksSecrets(t *testing.T) {
	adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"result":{}}`)}
	guard := stubGuard{results: []detection.Result{{RuleID: "generic-api-key", Description: "Generic API Key", Argument: "commentBody"}}}
	g, _ := setupTestGateway(t, adapter, WithGuard(guard))

	_, err := g.CallTool(context.Background(), "jira_add_comment", map[string]interface{}{"commentBody": "token=..."})
	require.Error(t, err)
	assert.Equal(t, mcperror.KindValidation, mcperror.KindOf(err))
	assert.Contains(t, err.Error(), "Generic API Key in commentBody")
	assert.Empty(t, adapter.calls())
}

func TestGateway_Ping(t *testing.T) {
	adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"result":{"status":"pong"}}`)}
	g, _ := setupTestGateway(t, adapter)

	result, err := g.Ping(context.Background())
	require.NoError(t, err)
	var ack struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(result, &ack))
	assert.Equal(t, "pong", ack.Status)
}

func TestCapabilityCheck_FallsBackToToolsList(t *testing.T) {
	adapter := &fakeAdapter{handle: func(req *jsonrpc.Request) (*jsonrpc.Response, error) {
		if req.Method == "ping" {
			return nil, mcperror.Transport("unexpected HTTP status from MCP server", nil)
		}
		return jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`))
	}}

	require.NoError(t, CapabilityCheck(adapter, 0, nil)(context.Background()))
	assert.Len(t, adapter.calls(), 2)
}

// ctxAdapter answers ping only when its context ends and everything else immediately.
type ctxAdapter struct{}

func (ctxAdapter) Kind() string { return "fake" }

func (ctxAdapter) RoundTrip(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req.Method == "ping" {
		<-ctx.Done()
		return nil, mcperror.Timeout("request timed out", ctx.Err())
	}
	return jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`))
}

func TestCapabilityCheck_BoundsEachAttempt(t *testing.T) {
	start := time.Now()
	require.NoError(t, CapabilityCheck(ctxAdapter{}, 50*time.Millisecond, nil)(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestGateway_Call_DemotesEvenWhenCallerContextEnded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	adapter := &fakeAdapter{handle: func(*jsonrpc.Request) (*jsonrpc.Response, error) {
		cancel()
		return nil, mcperror.Timeout("request timed out", context.DeadlineExceeded)
	}}
	g, _ := setupTestGateway(t, adapter)

	_, err := g.Call(ctx, "ping", nil)
	require.Error(t, err)
	assert.Equal(t, health.Disconnected, g.monitor.Connection().Current())
}

func TestGateway_Call_ShortDeadlineDoesNotFailOtherCallers(t *testing.T) {
	adapter := &fakeAdapter{handle: reply(`{"jsonrpc":"2.0","id":1,"result":{}}`)}
	prober := health.ProberFunc(func(context.Context) error {
		time.Sleep(150 * time.Millisecond)
		return nil
	})
	monitor := health.NewMonitor(health.NewConnection(nil), prober, health.WithRetryDelay(time.Hour))
	t.Cleanup(monitor.Close)
	g := New(adapter, monitor)

	var wg sync.WaitGroup
	var shortErr, longErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, shortErr = g.Call(ctx, "ping", nil)
	}()
	go func() {
		defer wg.Done()
		_, longErr = g.Call(context.Background(), "ping", nil)
	}()
	wg.Wait()

	assert.Equal(t, mcperror.KindConnection, mcperror.KindOf(shortErr))
	assert.ErrorIs(t, shortErr, context.DeadlineExceeded)
	assert.NoError(t, longErr)
	assert.Equal(t, health.Connected, monitor.Connection().Current())
}
