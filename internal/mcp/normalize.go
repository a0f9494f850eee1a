package mcp

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Envelope is one of ToolResult, ToolList or Raw.
type Envelope interface {
	envelope()
}

type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type ToolList struct {
	Tools []Tool `json:"tools"`
}

// Raw carries a payload the normalizer could not classify.
type Raw struct {
	Payload json.RawMessage
}

func (ToolResult) envelope() {}
func (ToolList) envelope()   {}
func (Raw) envelope()        {}

var ErrNoText = errors.New("tool result has no text content")

// Text returns the first non-empty text block.
func (r ToolResult) Text() (string, bool) {
	for _, c := range r.Content {
		if c.Text != "" {
			return c.Text, true
		}
	}
	return "", false
}

// DecodeText unmarshals the first text block as JSON into v.
func (r ToolResult) DecodeText(v interface{}) error {
	text, ok := r.Text()
	if !ok {
		return ErrNoText
	}
	return errors.Wrap(json.Unmarshal([]byte(text), v), "decoding tool text content")
}

// NormalizeToolResult classifies the result of a tools/call style method.
func NormalizeToolResult(result json.RawMessage) Envelope {
	var probe struct {
		Content *[]ContentBlock `json:"content"`
		IsError bool            `json:"isError"`
	}
	if err := json.Unmarshal(result, &probe); err == nil && probe.Content != nil {
		return ToolResult{Content: *probe.Content, IsError: probe.IsError}
	}
	return Raw{Payload: result}
}

// NormalizeToolList classifies a tools/list result. Accepted shapes are
// {"tools":[...]}, a bare array, and a tool result whose first text block holds either.
func NormalizeToolList(result json.RawMessage) Envelope {
	if list, ok := decodeToolList(result); ok {
		return list
	}
	if tr, ok := NormalizeToolResult(result).(ToolResult); ok {
		if text, ok := tr.Text(); ok {
			if list, ok := decodeToolList([]byte(text)); ok {
				return list
			}
		}
	}
	return Raw{Payload: result}
}

func decodeToolList(b []byte) (ToolList, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ToolList{}, false
	}
	var tools []Tool
	switch b[0] {
	case '[':
		if err := json.Unmarshal(b, &tools); err != nil {
			return ToolList{}, false
		}
	case '{':
		var wrapped struct {
			Tools *[]Tool `json:"tools"`
		}
		if err := json.Unmarshal(b, &wrapped); err != nil || wrapped.Tools == nil {
			return ToolList{}, false
		}
		tools = *wrapped.Tools
	default:
		return ToolList{}, false
	}
	return ToolList{Tools: named(tools)}, true
}

func named(tools []Tool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name != "" {
			out = append(out, t)
		}
	}
	return out
}
