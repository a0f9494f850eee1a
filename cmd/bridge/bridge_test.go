package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcpguard/mcpbridge/internal/config"
	"github.com/mcpguard/mcpbridge/internal/health"
	"github.com/mcpguard/mcpbridge/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug")
	assert.NoError(t, err)
	_, err = newLogger("loud")
	assert.Error(t, err)
}

func TestNewAdapter_ByTransport(t *testing.T) {
	cfg := &config.Config{Transport: config.TransportHTTP, ServerURL: "http://localhost:8080"}
	a, err := newAdapter(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &transport.HTTPAdapter{}, a)

	cfg = &config.Config{Transport: config.TransportProcess, Process: config.Process{Command: "node"}}
	a, err = newAdapter(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &transport.ProcessAdapter{}, a)

	_, err = newAdapter(&config.Config{Transport: "ftp"}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewBridge_CallsThroughHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		var req struct {
			ID     interface{} `json:"id"`
			Method string      `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]string{"method": req.Method},
		})
	}))
	defer server.Close()

	t.Setenv("MCP_SERVER_URL", server.URL)
	t.Setenv("MCP_RETRY_DELAY", "1h")
	cfg, err := config.Load(config.NewViper(), "")
	require.NoError(t, err)

	b, err := newBridge(cfg, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := b.gateway.Call(ctx, "jira_get_issue", map[string]interface{}{"issueIdOrKey": "PROJ-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"jira_get_issue"}`, string(result))
	assert.Equal(t, health.Connected, b.monitor.Connection().Current())
}
