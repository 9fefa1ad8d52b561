// Package protocol defines the JSON-RPC style request/response envelope, the error
// taxonomy shared by every dispatcher, and Mux, the method router they are built on.
package protocol

import (
	"bytes"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
)

// Version is the protocol version reported by initialize.
const Version = "2024-11-05"

// Method names routed by the dispatchers.
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodToolsSearch   = "tools/search"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodPromptsList   = "prompts/list"
	MethodPromptsGet    = "prompts/get"
)

// Request is the inbound envelope. ID is opaque and echoed back untouched.
type Request struct {
	JSONRPC string         `json:"jsonrpc,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

// NewRequest builds a request with the jsonrpc marker set.
func NewRequest(id any, method string, params map[string]any) Request {
	return Request{JSONRPC: "2.0", Method: method, Params: params, ID: id}
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string         `json:"jsonrpc"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *Error         `json:"error,omitempty"`
	ID      any            `json:"id"`
}

// Success builds a result response.
func Success(id any, result map[string]any) Response {
	if result == nil {
		result = map[string]any{}
	}
	return Response{JSONRPC: "2.0", Result: result, ID: id}
}

// Failure builds an error response.
func Failure(id any, err *Error) Response {
	return Response{JSONRPC: "2.0", Error: err, ID: id}
}

// Err returns the response error as a Go error, or nil.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

type resultEnvelope struct {
	JSONRPC string         `json:"jsonrpc"`
	Result  map[string]any `json:"result"`
	ID      any            `json:"id"`
}

type errorEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Error   *Error `json:"error"`
	ID      any    `json:"id"`
}

// MarshalJSON keeps the one-of invariant on the wire: an empty result is still
// emitted as {} and an error response never carries a result member.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(errorEnvelope{JSONRPC: "2.0", Error: r.Error, ID: r.ID})
	}
	result := r.Result
	if result == nil {
		result = map[string]any{}
	}
	return json.Marshal(resultEnvelope{JSONRPC: "2.0", Result: result, ID: r.ID})
}

type rawRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

// ParseRequest decodes one envelope. A malformed payload yields a BadRequest error
// together with whatever id could be recovered.
func ParseRequest(data []byte) (Request, *Error) {
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, BadRequest("Parse error: %v", err)
	}
	req := Request{JSONRPC: raw.JSONRPC, Method: raw.Method, ID: raw.ID}
	if raw.Method == "" {
		return req, BadRequest("Invalid request: missing method")
	}
	if p := bytes.TrimSpace(raw.Params); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		if err := json.Unmarshal(p, &req.Params); err != nil {
			return req, BadRequest("Invalid request: params must be an object")
		}
	}
	return req, nil
}

// StringParam reads a non-empty string parameter.
func StringParam(params map[string]any, key string) (string, bool) {
	s, ok := params[key].(string)
	return s, ok && s != ""
}

// ObjectParam reads an object parameter. A missing key yields an empty map and ok;
// a present key of another type yields ok=false.
func ObjectParam(params map[string]any, key string) (map[string]any, bool) {
	v, present := params[key]
	if !present || v == nil {
		return map[string]any{}, true
	}
	m, ok := v.(map[string]any)
	return m, ok
}
