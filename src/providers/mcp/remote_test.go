package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	mcpapi "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
)

func newRemoteServer(t *testing.T) string {
	t.Helper()
	ts := mcpserver.NewTestStreamableHTTPServer(demoServer())
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp"
}

func demoServer() *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer("demo", "2.1.0", mcpserver.WithToolCapabilities(true))
	srv.AddTool(mcpapi.NewTool("hello", mcpapi.WithString("name")), func(ctx context.Context, req mcpapi.CallToolRequest) (*mcpapi.CallToolResult, error) {
		name := cast.ToString(req.GetArguments()["name"])
		if name == "" {
			name = "World"
		}
		return mcpapi.NewToolResultText(fmt.Sprintf("Hello, %s!", name)), nil
	})
	srv.AddTool(mcpapi.NewTool("quote",
		mcpapi.WithString("symbol", mcpapi.Required()),
	), func(ctx context.Context, req mcpapi.CallToolRequest) (*mcpapi.CallToolResult, error) {
		sym := cast.ToString(req.GetArguments()["symbol"])
		return mcpapi.NewToolResultText(fmt.Sprintf(`{"symbol":%q,"price":12.5}`, sym)), nil
	})
	srv.AddTool(mcpapi.NewTool("fail"), func(ctx context.Context, req mcpapi.CallToolRequest) (*mcpapi.CallToolResult, error) {
		return mcpapi.NewToolResultError("quota exceeded"), nil
	})
	srv.AddTool(mcpapi.NewTool("slow"), func(ctx context.Context, req mcpapi.CallToolRequest) (*mcpapi.CallToolResult, error) {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
		return mcpapi.NewToolResultText("late"), nil
	})
	return srv
}

func connect(t *testing.T, p *MCPProvider) *Remote {
	t.Helper()
	r, err := Connect(context.Background(), p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRemoteListsAndCallsTools(t *testing.T) {
	r := connect(t, NewHTTPProvider("market", newRemoteServer(t)))
	ctx := context.Background()

	d := r.Describe()
	assert.Equal(t, "market", d.Name)
	assert.Equal(t, "2.1.0", d.Version)
	assert.True(t, d.Capabilities.Tools)

	ts, err := r.ListTools(ctx)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, tl := range ts {
		names[tl.Name] = true
		assert.Equal(t, "market", tl.Server)
	}
	assert.True(t, names["hello"] && names["quote"] && names["fail"])

	out, err := r.Execute(ctx, "hello", map[string]any{"name": "Go"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Go!", out["text"])

	out, err = r.Execute(ctx, "quote", map[string]any{"symbol": "ACME"})
	require.NoError(t, err)
	assert.Equal(t, "ACME", out["symbol"])
	assert.Equal(t, 12.5, out["price"])
}

func TestRemoteOverSSE(t *testing.T) {
	ts := mcpserver.NewTestServer(demoServer())
	defer ts.Close()

	p := NewHTTPProvider("legacy", ts.URL+"/sse")
	p.Transport = TransportSSE
	r := connect(t, p)

	out, err := r.Execute(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", out["text"])
}

func TestRemoteErrors(t *testing.T) {
	r := connect(t, NewHTTPProvider("market", newRemoteServer(t)).WithTimeout(100*time.Millisecond))
	ctx := context.Background()

	tests := []struct {
		name string
		tool string
		args map[string]any
		code protocol.Code
	}{
		{"missing required", "quote", map[string]any{}, protocol.CodeValidationFailed},
		{"error result", "fail", nil, protocol.CodeExecutionFailed},
		{"timeout", "slow", nil, protocol.CodeExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(ctx, tt.tool, tt.args)
			var pe *protocol.Error
			require.True(t, errors.As(err, &pe), "got %v", err)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, "market", pe.Data["server"])
		})
	}

	_, err = r.Execute(ctx, "fail", nil)
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestRemoteUnknownToolIsNotFound(t *testing.T) {
	r := connect(t, NewHTTPProvider("market", newRemoteServer(t)))

	_, err := r.Execute(context.Background(), "no_such_tool", map[string]any{})
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, protocol.CodeToolNotFound, pe.Code)
	assert.Equal(t, "no_such_tool", pe.Data["tool"])
	assert.Equal(t, "market", pe.Data["server"])
}

func TestRemoteListingKeepsCatalog(t *testing.T) {
	srv := demoServer()
	ts := mcpserver.NewTestStreamableHTTPServer(srv)
	defer ts.Close()
	r := connect(t, NewHTTPProvider("market", ts.URL+"/mcp"))
	ctx := context.Background()

	srv.AddTool(mcpapi.NewTool("late", mcpapi.WithString("x", mcpapi.Required())), func(ctx context.Context, req mcpapi.CallToolRequest) (*mcpapi.CallToolResult, error) {
		return mcpapi.NewToolResultText("on time"), nil
	})
	srv.DeleteTools("quote")

	listed, err := r.ListTools(ctx)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, tl := range listed {
		names[tl.Name] = true
	}
	assert.True(t, names["late"])
	assert.False(t, names["quote"])

	code := func(tool string, args map[string]any) protocol.Code {
		_, err := r.Execute(ctx, tool, args)
		var pe *protocol.Error
		require.True(t, errors.As(err, &pe), "got %v", err)
		return pe.Code
	}
	assert.Equal(t, protocol.CodeToolNotFound, code("late", map[string]any{"x": "1"}))
	assert.Equal(t, protocol.CodeValidationFailed, code("quote", map[string]any{}))

	require.NoError(t, r.Refresh(ctx))
	out, err := r.Execute(ctx, "late", map[string]any{"x": "1"})
	require.NoError(t, err)
	assert.Equal(t, "on time", out["text"])
	assert.Equal(t, protocol.CodeToolNotFound, code("quote", map[string]any{}))
}

func TestConnectUnreachable(t *testing.T) {
	ts := mcpserver.NewTestStreamableHTTPServer(demoServer())
	url := ts.URL + "/mcp"
	ts.Close()

	_, err := Connect(context.Background(), NewHTTPProvider("gone", url))
	assert.Error(t, err)

	sse := mcpserver.NewTestServer(demoServer())
	sseURL := sse.URL + "/sse"
	sse.Close()

	p := NewHTTPProvider("gone", sseURL)
	p.Transport = TransportSSE
	_, err = Connect(context.Background(), p)
	assert.ErrorContains(t, err, "failed to start MCP SSE client")
}

func TestProviderValidate(t *testing.T) {
	assert.Error(t, (&MCPProvider{URL: "http://x"}).Validate())
	assert.Error(t, (&MCPProvider{Name: "a"}).Validate())
	assert.Error(t, (&MCPProvider{Name: "a", URL: "http://x", Command: "srv"}).Validate())
	assert.Error(t, (&MCPProvider{Name: "a", URL: "http://x", Transport: "grpc"}).Validate())
	assert.Error(t, (&MCPProvider{Name: "a", Command: "srv", Transport: TransportSSE}).Validate())
	assert.NoError(t, (&MCPProvider{Name: "a", URL: "http://x", Transport: TransportSSE}).Validate())
	assert.NoError(t, NewStdioProvider("a", "srv", "--stdio").WithEnv("K", "V").Validate())

	p := NewHTTPProvider("a", "http://x").WithHeader("Authorization", "Bearer t")
	assert.Equal(t, "Bearer t", p.Headers["Authorization"])

	_, err := Connect(context.Background(), &MCPProvider{Name: "a"})
	assert.ErrorContains(t, err, "invalid MCP provider configuration")
}

func TestDecodeResultKeepsNonTextContent(t *testing.T) {
	res := &mcpapi.CallToolResult{Content: []mcpapi.Content{
		mcpapi.NewTextContent("a"),
		mcpapi.NewImageContent("AAAA", "image/png"),
	}}
	out := decodeResult(res)
	assert.Equal(t, "a", out["text"])
	require.Len(t, out["content"], 1)
}
