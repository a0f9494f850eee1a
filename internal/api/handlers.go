package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/mcpguard/mcpbridge/internal/health"
	"github.com/mcpguard/mcpbridge/internal/mcperror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxResults        = 50
	defaultTransitionComment = "Updated via mcpbridge"
)

var numericID = regexp.MustCompile(`^\d+$`)

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	connected := api.bridge.Status().State == health.Connected
	if !connected {
		api.logger.Info("Health check found MCP server disconnected, reconnecting")
		connected = api.bridge.Reconnect(ctx)
	}

	var pingErr error
	if connected {
		// a JSON-RPC error still proves the server answered
		if _, err := api.bridge.Ping(ctx); err != nil && mcperror.KindOf(err) != mcperror.KindRemoteTool {
			pingErr = err
			connected = false
		}
	}

	body := map[string]interface{}{
		"status":     "MCP Proxy Server is running",
		"mcpServer":  "Connected",
		"instanceId": api.config.InstanceID,
		"transport":  api.config.Transport,
		"connection": api.bridge.Status(),
		"uptime":     time.Since(api.started).Seconds(),
		"version":    version,
	}
	// the proxy itself is up, so a down MCP server is reported in the body only
	if !connected {
		body["mcpServer"] = "Disconnected"
		if pingErr != nil {
			body["error"] = pingErr.Error()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (api *API) GetIssue(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	data, err := api.callTool(r, api.config.Tools.GetIssue, map[string]interface{}{"issueIdOrKey": key})
	if err != nil {
		api.writeError(w, err, map[string]interface{}{"issueKey": key})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"issueKey": key,
		"data":     data,
	})
}

type bulkItem struct {
	IssueKey string      `json:"issueKey"`
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
	Kind     string      `json:"kind,omitempty"`
}

// BulkIssues fetches every key with bounded parallelism. One failing key does not fail the batch.
func (api *API) BulkIssues(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IssueKeys []string `json:"issueKeys"`
	}
	if err := decodeBody(r, &req); err != nil || req.IssueKeys == nil {
		api.writeError(w, mcperror.Validation("issueKeys must be an array"), nil)
		return
	}

	results := make([]bulkItem, len(req.IssueKeys))
	var g errgroup.Group
	g.SetLimit(api.config.BulkConcurrency)
	for i, key := range req.IssueKeys {
		i, key := i, key
		g.Go(func() error {
			item := bulkItem{IssueKey: key}
			data, err := api.callTool(r, api.config.Tools.GetIssue, map[string]interface{}{"issueIdOrKey": key})
			if err != nil {
				item.Error = err.Error()
				item.Kind = mcperror.KindOf(err).String()
			} else {
				item.Success = true
				item.Data = data
			}
			results[i] = item
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, item := range results {
		if item.Success {
			succeeded++
		}
	}
	api.logger.Info("Bulk fetch finished", zap.Int("total", len(results)), zap.Int("successful", succeeded))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"results":    results,
		"total":      len(results),
		"successful": succeeded,
		"failed":     len(results) - succeeded,
	})
}

func (api *API) SearchIssues(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JQL        string `json:"jql"`
		MaxResults *int   `json:"maxResults"`
	}
	if err := decodeBody(r, &req); err != nil {
		api.writeError(w, err, nil)
		return
	}
	if strings.TrimSpace(req.JQL) == "" {
		api.writeError(w, mcperror.Validation("jql is required"), nil)
		return
	}
	limit := defaultMaxResults
	if req.MaxResults != nil {
		limit = *req.MaxResults
	}

	data, err := api.callTool(r, api.config.Tools.SearchIssues, map[string]interface{}{"jql": req.JQL, "limit": limit})
	if err != nil {
		api.writeError(w, err, map[string]interface{}{"query": req.JQL})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"data":       data,
		"query":      req.JQL,
		"maxResults": limit,
	})
}

func (api *API) TransitionIssue(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req struct {
		Transition json.RawMessage `json:"transition"`
		Comment    string          `json:"comment"`
	}
	if err := decodeBody(r, &req); err != nil {
		api.writeError(w, err, map[string]interface{}{"issueKey": key})
		return
	}
	transition, err := parseTransition(req.Transition)
	if err != nil {
		api.writeError(w, err, map[string]interface{}{"issueKey": key})
		return
	}

	args := map[string]interface{}{"issueIdOrKey": key, "comment": req.Comment}
	if req.Comment == "" {
		args["comment"] = defaultTransitionComment
	}
	for k, v := range transition {
		args[k] = v
	}

	data, err := api.callTool(r, api.config.Tools.TransitionIssue, args)
	if err != nil {
		api.writeError(w, err, map[string]interface{}{"issueKey": key})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"issueKey":   key,
		"transition": transition,
		"data":       data,
		"message":    "Issue " + key + " successfully transitioned",
	})
}

// parseTransition accepts a numeric id (string or number), a transition name, or {id, name}.
func parseTransition(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, mcperror.Validation("transition information is required")
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, mcperror.Validation("invalid transition: %v", err)
	}

	out := make(map[string]string)
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		switch {
		case t == "":
		case numericID.MatchString(t):
			out["transitionId"] = t
		default:
			out["transitionName"] = t
		}
	case float64:
		out["transitionId"] = strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]interface{}:
		switch id := t["id"].(type) {
		case string:
			if id != "" {
				out["transitionId"] = id
			}
		case float64:
			out["transitionId"] = strconv.FormatFloat(id, 'f', -1, 64)
		}
		if name, ok := t["name"].(string); ok && name != "" {
			out["transitionName"] = name
		}
	}
	if len(out) == 0 {
		return nil, mcperror.Validation("transition must be an id, a name or an object with id or name")
	}
	return out, nil
}

func (api *API) GetTransitions(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	data, err := api.callTool(r, api.config.Tools.GetTransitions, map[string]interface{}{"issueIdOrKey": key})
	if err != nil {
		api.writeError(w, err, map[string]interface{}{"issueKey": key})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"issueKey":    key,
		"transitions": data,
	})
}

func (api *API) AddComment(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req struct {
		CommentBody string `json:"commentBody"`
	}
	if err := decodeBody(r, &req); err != nil {
		api.writeError(w, err, map[string]interface{}{"issueKey": key})
		return
	}
	if strings.TrimSpace(req.CommentBody) == "" {
		api.writeError(w, mcperror.Validation("commentBody is required"), map[string]interface{}{"issueKey": key})
		return
	}

	data, err := api.callTool(r, api.config.Tools.AddComment, map[string]interface{}{
		"issueIdOrKey": key,
		"commentBody":  req.CommentBody,
	})
	if err != nil {
		api.writeError(w, err, map[string]interface{}{"issueKey": key})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"issueKey": key,
		"comment":  req.CommentBody,
		"data":     data,
	})
}

// UpdateStatus records a status change as comments: the caller's comment, if any,
// then a generated status note.
func (api *API) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req struct {
		Status  string `json:"status"`
		Comment string `json:"comment"`
	}
	if err := decodeBody(r, &req); err != nil {
		api.writeError(w, err, map[string]interface{}{"issueKey": key})
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		api.writeError(w, mcperror.Validation("status is required"), map[string]interface{}{"issueKey": key})
		return
	}

	if req.Comment != "" {
		if _, err := api.callTool(r, api.config.Tools.AddComment, map[string]interface{}{
			"issueIdOrKey": key,
			"commentBody":  req.Comment,
		}); err != nil {
			api.writeError(w, err, map[string]interface{}{"issueKey": key})
			return
		}
	}

	note := "Status updated to: " + req.Status
	data, err := api.callTool(r, api.config.Tools.AddComment, map[string]interface{}{
		"issueIdOrKey": key,
		"commentBody":  note,
	})
	if err != nil {
		api.writeError(w, err, map[string]interface{}{"issueKey": key})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"issueKey": key,
		"status":   req.Status,
		"comment":  note,
		"data":     data,
	})
}

// TestMethod forwards an arbitrary method and params to the downstream server.
func (api *API) TestMethod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := decodeBody(r, &req); err != nil {
		api.writeError(w, err, nil)
		return
	}

	var params interface{}
	if len(req.Params) > 0 {
		params = req.Params
	}
	result, err := api.bridge.Call(r.Context(), req.Method, params)
	if err != nil {
		api.writeError(w, err, map[string]interface{}{"method": req.Method})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"method":  req.Method,
		"params":  params,
		"result":  result,
	})
}

func (api *API) ListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := api.bridge.ListTools(r.Context())
	if err != nil {
		api.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tools":   tools,
		"count":   len(tools),
	})
}

func (api *API) callTool(r *http.Request, name string, args map[string]interface{}) (interface{}, error) {
	result, err := api.bridge.CallTool(r.Context(), name, args)
	if err != nil {
		return nil, err
	}
	return toolData(result)
}
