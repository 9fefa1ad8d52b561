// Package mcp publishes the orchestrator catalog as an MCP server, over stdio or
// streamable HTTP.
package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	mcpapi "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

// CallerHeader carries the caller identity on streamable HTTP requests.
const CallerHeader = "X-Caller-Id"

// Backend is the orchestrator surface the bridge forwards to.
type Backend interface {
	Tools(ctx context.Context) []tools.Tool
	ExecuteTool(ctx context.Context, name string, args map[string]any, caller protocol.Caller) (map[string]any, error)
}

// Bridge registers every catalog tool on an MCP server.
type Bridge struct {
	backend  Backend
	srv      *mcpserver.MCPServer
	defaults map[string]map[string]any
	logger   *slog.Logger
}

type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// AllCallers keys the defaults applied to every caller.
const AllCallers = "*"

// WithCallerDefaults fills absent arguments keyed by caller id. Entries under
// AllCallers apply first, then the ones for the calling id.
func WithCallerDefaults(d map[string]map[string]any) Option {
	return func(b *Bridge) { b.defaults = d }
}

func (b *Bridge) defaultsFor(id string) map[string]any {
	out := map[string]any{}
	for k, v := range b.defaults[AllCallers] {
		out[k] = v
	}
	if id != "" && id != AllCallers {
		for k, v := range b.defaults[id] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// New snapshots the backend catalog into a fresh MCP server.
func New(ctx context.Context, backend Backend, name, version string, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		backend: backend,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.srv = mcpserver.NewMCPServer(name, version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	for _, t := range backend.Tools(ctx) {
		raw, err := json.Marshal(t.Schema().Map())
		if err != nil {
			return nil, err
		}
		b.srv.AddTool(mcpapi.NewToolWithRawSchema(t.Name, t.Description, raw), b.handler(t.Name))
	}
	return b, nil
}

// MCPServer returns the underlying server.
func (b *Bridge) MCPServer() *mcpserver.MCPServer { return b.srv }

func (b *Bridge) handler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpapi.CallToolRequest) (*mcpapi.CallToolResult, error) {
		id := protocol.CallerID(ctx)
		caller := protocol.Caller{ID: id, Defaults: b.defaultsFor(id)}
		out, err := b.backend.ExecuteTool(ctx, name, req.GetArguments(), caller)
		if err != nil {
			b.logger.Warn("mcp tool call failed", "tool", name, "caller", caller.ID, "error", err)
			var pe *protocol.Error
			if errors.As(err, &pe) {
				data, _ := json.Marshal(pe)
				return mcpapi.NewToolResultError(string(data)), nil
			}
			return mcpapi.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return mcpapi.NewToolResultError(err.Error()), nil
		}
		return mcpapi.NewToolResultText(string(data)), nil
	}
}

// HTTPHandler serves the bridge as streamable HTTP. The caller header is copied
// into the request context.
func (b *Bridge) HTTPHandler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(b.srv,
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id := r.Header.Get(CallerHeader); id != "" {
				return protocol.WithCallerID(ctx, id)
			}
			return ctx
		}),
	)
}

// ServeStdio serves newline-delimited MCP messages until ctx ends or in closes.
func (b *Bridge) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	err := mcpserver.NewStdioServer(b.srv).Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
