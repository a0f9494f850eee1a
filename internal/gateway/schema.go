package gateway

import (
	"bytes"
	"encoding/json"
	"net/url"

	"github.com/mcpguard/mcpbridge/internal/mcp"
	"github.com/mcpguard/mcpbridge/internal/mcperror"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

const schemaBase = "https://mcpbridge.local/tools/"

// cacheTools replaces the known descriptors and compiles their input schemas.
// A schema that fails to compile is skipped, leaving that tool unvalidated.
func (g *Gateway) cacheTools(tools []mcp.Tool) {
	byName := make(map[string]mcp.Tool, len(tools))
	schemas := make(map[string]*jsonschema.Schema)
	for _, t := range tools {
		byName[t.Name] = t
		if t.InputSchema == nil {
			continue
		}
		s, err := compileSchema(t.Name, t.InputSchema.Source())
		if err != nil {
			g.logger.Warn("Ignoring invalid tool input schema", zap.String("tool", t.Name), zap.Error(err))
			continue
		}
		schemas[t.Name] = s
	}

	g.mu.Lock()
	g.tools = byName
	g.schemas = schemas
	g.mu.Unlock()
}

func compileSchema(name string, source json.RawMessage) (*jsonschema.Schema, error) {
	loc := schemaBase + url.PathEscape(name) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, bytes.NewReader(source)); err != nil {
		return nil, err
	}
	return c.Compile(loc)
}

// validateArguments checks args against the tool's cached input schema, if any.
func (g *Gateway) validateArguments(name string, args map[string]interface{}) error {
	g.mu.RLock()
	s := g.schemas[name]
	g.mu.RUnlock()
	if s == nil {
		return nil
	}

	// normalize Go values to their JSON-decoded forms
	b, err := json.Marshal(args)
	if err != nil {
		return mcperror.Validation("arguments for %s are not JSON-serializable: %v", name, err)
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return mcperror.Validation("arguments for %s are not JSON-serializable: %v", name, err)
	}
	if err := s.Validate(doc); err != nil {
		return mcperror.Validation("arguments for %s do not match its input schema: %v", name, err)
	}
	return nil
}
