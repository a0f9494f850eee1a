// Package api exposes the bridge as a small JSON HTTP facade.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/mcpguard/mcpbridge/internal/config"
	"github.com/mcpguard/mcpbridge/internal/gateway"
	"github.com/mcpguard/mcpbridge/internal/mcp"
	"github.com/mcpguard/mcpbridge/internal/mcperror"
	"go.uber.org/zap"
)

const (
	version      = "1.0.0"
	maxBodyBytes = 1 << 20
	// toolErrorCode is reported when a tool answers with isError instead of a JSON-RPC error.
	toolErrorCode = -32000
)

// Bridge is the part of the gateway the facade depends on.
type Bridge interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	Ping(ctx context.Context) (json.RawMessage, error)
	Reconnect(ctx context.Context) bool
	Status() gateway.Snapshot
}

type API struct {
	config  *config.Config
	bridge  Bridge
	logger  *zap.Logger
	started time.Time
}

func NewAPI(cfg *config.Config, bridge Bridge, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		config:  cfg,
		bridge:  bridge,
		logger:  logger.With(zap.String("component", "api")),
		started: time.Now(),
	}
}

// Routes registers the facade under /api.
func (api *API) Routes(router *mux.Router) {
	router.Use(api.cors, api.logRequests)

	s := router.PathPrefix("/api").Subrouter()
	s.HandleFunc("/health", api.Health).Methods(http.MethodGet)
	s.HandleFunc("/jira/issue/{key}", api.GetIssue).Methods(http.MethodGet)
	s.HandleFunc("/jira/issues/bulk", api.BulkIssues).Methods(http.MethodPost)
	s.HandleFunc("/jira/issues/search", api.SearchIssues).Methods(http.MethodPost)
	s.HandleFunc("/jira/issue/{key}/transition", api.TransitionIssue).Methods(http.MethodPost)
	s.HandleFunc("/jira/issue/{key}/transitions", api.GetTransitions).Methods(http.MethodGet)
	s.HandleFunc("/jira/issue/{key}/add-comment", api.AddComment).Methods(http.MethodPost)
	s.HandleFunc("/jira/issue/{key}/comment", api.AddComment).Methods(http.MethodPost)
	s.HandleFunc("/jira/issue/{key}/status", api.UpdateStatus).Methods(http.MethodPost)
	s.HandleFunc("/mcp/test", api.TestMethod).Methods(http.MethodPost)
	s.HandleFunc("/mcp/tools", api.ListTools).Methods(http.MethodGet)
	s.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// Handler returns a router with the facade mounted.
func (api *API) Handler() http.Handler {
	router := mux.NewRouter()
	api.Routes(router)
	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (api *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		api.logger.Info("Handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// cors allows the browser UI to call the facade from another origin.
func (api *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	if _, ok := body["timestamp"]; !ok {
		body["timestamp"] = timestamp()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err with the HTTP status of its kind. extra fields are merged into the body.
func (api *API) writeError(w http.ResponseWriter, err error, extra map[string]interface{}) {
	body := map[string]interface{}{
		"success": false,
		"error":   err.Error(),
		"kind":    mcperror.KindOf(err).String(),
	}
	if e, ok := mcperror.As(err); ok && e.Kind == mcperror.KindRemoteTool {
		body["code"] = e.Code
		if e.Data != nil {
			body["data"] = e.Data
		}
	}
	for k, v := range extra {
		body[k] = v
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		api.logger.Error("Request failed", zap.Error(err), zap.Int("status", status))
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	e, ok := mcperror.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case mcperror.KindValidation:
		return http.StatusBadRequest
	case mcperror.KindConnection:
		return http.StatusServiceUnavailable
	case mcperror.KindTransport:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case mcperror.KindRemoteTool:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeBody reads a JSON request body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return mcperror.Validation("invalid JSON body: %v", err)
	}
	return nil
}

// toolData unwraps a tool result for the response body: JSON text content is decoded,
// other text is returned as a string, and unrecognized results pass through unchanged.
func toolData(result json.RawMessage) (interface{}, error) {
	switch env := mcp.NormalizeToolResult(result).(type) {
	case mcp.ToolResult:
		text, ok := env.Text()
		if env.IsError {
			if !ok {
				text = "tool reported an error"
			}
			return nil, mcperror.RemoteTool(toolErrorCode, text, nil)
		}
		if !ok {
			return env, nil
		}
		var v interface{}
		if err := env.DecodeText(&v); err != nil {
			return text, nil
		}
		return v, nil
	case mcp.Raw:
		return env.Payload, nil
	}
	return result, nil
}
