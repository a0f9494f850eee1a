package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mcpguard/mcpbridge/internal/jsonrpc"
	"github.com/mcpguard/mcpbridge/internal/mcperror"
	"go.uber.org/zap"
)

type ProcessConfig struct {
	Command string
	Args    []string
	// Dir is the working directory; empty means the bridge's own.
	Dir string
	// Env is added on top of the bridge's environment. Values are never logged.
	Env     map[string]string
	Timeout time.Duration
}

// ProcessAdapter spawns a fresh subprocess for every call.
type ProcessAdapter struct {
	cfg    ProcessConfig
	logger *zap.Logger
}

func NewProcessAdapter(cfg ProcessConfig, logger *zap.Logger) *ProcessAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessAdapter{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "process_transport"), zap.String("command", cfg.Command)),
	}
}

func (a *ProcessAdapter) Kind() string { return "process" }

func (a *ProcessAdapter) RoundTrip(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	payload, err := encode(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.Dir
	cmd.Env = a.environ()
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))
	// grandchildren holding the pipes open must not outlive the kill
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("Spawning MCP server process", zap.String("method", req.Method), zap.Any("id", req.ID), zap.Strings("env_keys", a.envKeys()))
	if err := cmd.Start(); err != nil {
		return nil, mcperror.Transport("failed to start MCP server process", err)
	}

	err = cmd.Wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e := mcperror.Timeout(fmt.Sprintf("MCP server process timed out after %s", a.cfg.Timeout), nil)
		e.Detail = strings.TrimSpace(stderr.String())
		return nil, e
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, mcperror.Transport("MCP server process call cancelled", ctx.Err())
	}
	if stderr.Len() > 0 {
		a.logger.Debug("MCP server process stderr", zap.String("stderr", snippet(stderr.Bytes())))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			e := mcperror.Transport("MCP server process failed", nil)
			e.ExitCode = exitErr.ExitCode()
			e.Detail = strings.TrimSpace(stderr.String())
			if e.Detail == "" {
				e.Detail = "Unknown error"
			}
			return nil, e
		}
		return nil, mcperror.Transport("waiting for MCP server process", err)
	}

	if resp, ok := jsonrpc.FindResponse(stdout.String()); ok {
		return resp, nil
	}
	a.logger.Warn("No JSON-RPC response in process output, returning raw output", zap.String("method", req.Method))
	return rawResponse(req.ID, stdout.String()), nil
}

// rawResponse wraps non-compliant output so callers still get a result.
func rawResponse(id interface{}, output string) *jsonrpc.Response {
	result, _ := json.Marshal(map[string]interface{}{
		"success": true,
		"data":    output,
		"raw":     true,
	})
	return &jsonrpc.Response{
		JSONRPC:   jsonrpc.Version,
		ID:        id,
		Result:    result,
		HasResult: true,
		Payload:   result,
	}
}

func (a *ProcessAdapter) environ() []string {
	env := os.Environ()
	for _, k := range a.envKeys() {
		env = append(env, k+"="+a.cfg.Env[k])
	}
	return env
}

func (a *ProcessAdapter) envKeys() []string {
	keys := make([]string, 0, len(a.cfg.Env))
	for k := range a.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
