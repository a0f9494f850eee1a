package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcpguard/mcpbridge/internal/jsonrpc"
	"github.com/mcpguard/mcpbridge/internal/mcperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHTTPAdapter(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *HTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPAdapter(HTTPConfig{URL: srv.URL, Timeout: timeout}, zap.NewNop())
}

func TestHTTPAdapter_RoundTrip_Succeeds(t *testing.T) {
	var got jsonrpc.Request
	a := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))
	}, time.Second)

	resp, err := a.RoundTrip(context.Background(), jsonrpc.NewRequest("ping", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
	assert.Equal(t, "2.0", got.JSONRPC)
	assert.Equal(t, "ping", got.Method)
	assert.Equal(t, "http", a.Kind())
}

func TestHTTPAdapter_NonSuccessStatus(t *testing.T) {
	a := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}, time.Second)

	_, err := a.RoundTrip(context.Background(), jsonrpc.NewRequest("ping", nil))
	require.Error(t, err)
	e, ok := mcperror.As(err)
	require.True(t, ok)
	assert.Equal(t, mcperror.KindTransport, e.Kind)
	assert.Equal(t, http.StatusInternalServerError, e.Status)
	assert.Contains(t, e.Detail, "upstream exploded")
	assert.False(t, e.Connection)
}

func TestHTTPAdapter_InvalidJSON(t *testing.T) {
	a := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}, time.Second)

	_, err := a.RoundTrip(context.Background(), jsonrpc.NewRequest("ping", nil))
	assert.Equal(t, mcperror.KindTransport, mcperror.KindOf(err))
	assert.ErrorIs(t, err, jsonrpc.ErrNotObject)
}

func TestHTTPAdapter_Timeout(t *testing.T) {
	release := make(chan struct{})
	a := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	start := time.Now()
	_, err := a.RoundTrip(context.Background(), jsonrpc.NewRequest("tools/list", nil))
	require.Error(t, err)
	assert.True(t, mcperror.IsTimeout(err))
	assert.True(t, mcperror.IsConnectionRelated(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPAdapter_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	a := NewHTTPAdapter(HTTPConfig{URL: "http://" + addr, Timeout: time.Second}, nil)
	_, err = a.RoundTrip(context.Background(), jsonrpc.NewRequest("ping", nil))
	require.Error(t, err)
	assert.Equal(t, mcperror.KindTransport, mcperror.KindOf(err))
	assert.True(t, mcperror.IsConnectionRelated(err))
	assert.False(t, mcperror.IsTimeout(err))
}

func TestHTTPAdapter_UnserializableParams(t *testing.T) {
	a := NewHTTPAdapter(HTTPConfig{URL: "http://127.0.0.1:1"}, nil)
	_, err := a.RoundTrip(context.Background(), jsonrpc.NewRequest("ping", map[string]interface{}{"ch": make(chan int)}))
	assert.Equal(t, mcperror.KindValidation, mcperror.KindOf(err))
}
