package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/schema"
)

func TestFromMapsErrorClasses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code Code
	}{
		{"typed", ToolNotFound("x"), CodeToolNotFound},
		{"wrapped typed", fmt.Errorf("outer: %w", Execution("s", errors.New("boom"))), CodeExecutionFailed},
		{"validation", &schema.ValidationError{Field: "a", Reason: schema.MissingField}, CodeValidationFailed},
		{"deadline", context.DeadlineExceeded, CodeExecutionFailed},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), CodeExecutionFailed},
		{"untyped", errors.New("nil pointer"), CodeInternalError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, From(tc.err).Code)
		})
	}
	assert.Nil(t, From(nil))
}

func TestValidationCarriesFieldAndReason(t *testing.T) {
	e := From(&schema.ValidationError{Field: "timeframe", Reason: schema.MissingField, Message: "Missing required argument: timeframe"})
	assert.Equal(t, "timeframe", e.Data["field"])
	assert.Equal(t, "missing_field", e.Data["reason"])
	assert.Contains(t, e.Message, "timeframe")
}

func TestInternalPreservesMessage(t *testing.T) {
	e := Internal("ledger", errors.New("disk on fire"))
	assert.Equal(t, "Internal server error", e.Message)
	assert.Equal(t, "disk on fire", e.Data["error"])
	assert.Equal(t, "ledger", e.Data["server"])
}

func TestResponseWireShape(t *testing.T) {
	out, err := json.Marshal(Success(7, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":{},"id":7}`, string(out))

	out, err = json.Marshal(Failure("abc", UnknownMethod("nope")))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.NotContains(t, decoded, "result")
	assert.Equal(t, "abc", decoded["id"])
	assert.EqualValues(t, -32601, decoded["error"].(map[string]any)["code"])
}

func TestParseRequest(t *testing.T) {
	req, perr := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"tools/list","id":"r1"}`))
	require.Nil(t, perr)
	assert.Equal(t, "tools/list", req.Method)
	assert.Equal(t, "r1", req.ID)

	_, perr = ParseRequest([]byte(`{not json`))
	require.NotNil(t, perr)
	assert.Equal(t, CodeBadRequest, perr.Code)

	req, perr = ParseRequest([]byte(`{"id":3}`))
	require.NotNil(t, perr)
	assert.Equal(t, CodeBadRequest, perr.Code)
	assert.EqualValues(t, 3, req.ID)

	_, perr = ParseRequest([]byte(`{"method":"x","params":[1,2]}`))
	require.NotNil(t, perr)
	assert.Equal(t, CodeBadRequest, perr.Code)
}

func TestMuxRoutesAndEchoesID(t *testing.T) {
	m := NewMux("demo", nil)
	m.Handle("echo", func(_ context.Context, p map[string]any) (map[string]any, error) {
		return map[string]any{"got": p["v"]}, nil
	})
	m.Handle("fail", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, ToolNotFound("ghost")
	})
	m.Handle("panic", func(context.Context, map[string]any) (map[string]any, error) {
		panic("kaboom")
	})

	resp := m.Serve(context.Background(), NewRequest(42, "echo", map[string]any{"v": "x"}))
	require.Nil(t, resp.Error)
	assert.Equal(t, 42, resp.ID)
	assert.Equal(t, "x", resp.Result["got"])

	resp = m.Serve(context.Background(), NewRequest("id-2", "nope", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnknownMethod, resp.Error.Code)
	assert.Equal(t, "id-2", resp.ID)

	resp = m.Serve(context.Background(), NewRequest(nil, "fail", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeToolNotFound, resp.Error.Code)
	assert.Equal(t, "demo", resp.Error.Data["server"])

	resp = m.Serve(context.Background(), NewRequest(9, "panic", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.Equal(t, "kaboom", resp.Error.Data["error"])
	assert.Equal(t, 9, resp.ID)

	assert.Equal(t, []string{"echo", "fail", "panic"}, m.Methods())
}

func TestMuxServeJSON(t *testing.T) {
	m := NewMux("demo", nil)
	m.Handle("ping", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	})

	out := m.ServeJSON(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping","id":"p"}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":{"pong":true},"id":"p"}`, string(out))

	out = m.ServeJSON(context.Background(), []byte(`garbage`))
	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeBadRequest, resp.Error.Code)
}
