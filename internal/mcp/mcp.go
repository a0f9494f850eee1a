// Package mcp describes the MCP payloads the bridge understands and normalizes
// the shapes downstream servers actually return.
package mcp

import "encoding/json"

const (
	MethodPing      = "ping"
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"
)

// CallParams is the params object of a tools/call request.
type CallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type Tool struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	InputSchema *InputSchema `json:"inputSchema,omitempty"`
}

type InputSchema struct {
	Type       string                     `json:"type,omitempty"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Required   []string                   `json:"required,omitempty"`

	raw json.RawMessage
}

func (s *InputSchema) UnmarshalJSON(b []byte) error {
	type plain InputSchema
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = InputSchema(p)
	s.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (s InputSchema) MarshalJSON() ([]byte, error) {
	if s.raw != nil {
		return s.raw, nil
	}
	type plain InputSchema
	return json.Marshal(plain(s))
}

// Source returns the schema document as received, keywords beyond the typed fields included.
func (s *InputSchema) Source() json.RawMessage {
	if s.raw != nil {
		return s.raw
	}
	b, _ := s.MarshalJSON()
	return b
}

type ContentBlock struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}
