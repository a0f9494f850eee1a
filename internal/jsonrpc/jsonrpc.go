// Package jsonrpc holds the JSON-RPC 2.0 envelopes exchanged with the downstream server.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const Version = "2.0"

var (
	ErrNotObject = errors.New("response is not a JSON object")
	ErrAmbiguous = errors.New("response carries both result and error")
)

type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// NewRequest builds a request with a fresh UUID id. Nil params are sent as an empty object.
func NewRequest(method string, params interface{}) *Request {
	if params == nil {
		params = map[string]interface{}{}
	}
	return &Request{
		JSONRPC: Version,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}
}

type Error struct {
	// The error type that occurred.
	Code int `json:"code"`
	// A short description of the error. The message SHOULD be limited
	// to a concise single sentence.
	Message string `json:"message"`
	// Additional information about the error. The value of this member
	// is defined by the sender (e.g. detailed error information, nested errors etc.).
	Data interface{} `json:"data,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// HasResult is true when the result key was present, even if null.
	HasResult bool `json:"-"`
	// Payload is the whole decoded body.
	Payload json.RawMessage `json:"-"`
}

// IsEnvelope reports whether r carries the version marker and a result or error.
func (r *Response) IsEnvelope() bool {
	return r.JSONRPC == Version && (r.HasResult || r.Error != nil)
}

// Decode parses a response body. A body with neither result nor error decodes
// successfully so callers can fall back to the payload.
func Decode(body []byte) (*Response, error) {
	body = bytes.TrimSpace(body)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, ErrNotObject
	}

	resp := &Response{Payload: json.RawMessage(body)}
	if v, ok := fields["jsonrpc"]; ok {
		// a non-string version marker simply fails IsEnvelope
		_ = json.Unmarshal(v, &resp.JSONRPC)
	}
	if v, ok := fields["id"]; ok {
		if err := json.Unmarshal(v, &resp.ID); err != nil {
			return nil, errors.Wrap(err, "decoding id")
		}
	}

	result, hasResult := fields["result"]
	rawErr, hasError := fields["error"]
	// "error": null is common alongside a result and means no error
	if hasError && bytes.Equal(bytes.TrimSpace(rawErr), []byte("null")) {
		hasError = false
	}
	if hasResult && hasError {
		return nil, ErrAmbiguous
	}
	if hasResult {
		resp.Result = result
		resp.HasResult = true
	}
	if hasError {
		var e Error
		if err := json.Unmarshal(rawErr, &e); err != nil {
			return nil, errors.Wrap(err, "decoding error member")
		}
		resp.Error = &e
	}
	return resp, nil
}

// FindResponse scans output line by line and returns the first well-formed envelope.
func FindResponse(output string) (*Response, bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		resp, err := Decode([]byte(line))
		if err != nil {
			continue
		}
		if resp.IsEnvelope() {
			return resp, true
		}
	}
	return nil, false
}
